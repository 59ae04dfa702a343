package coordinator

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/types"
)

func startOfDay(t time.Time) time.Time {
	t = t.In(iec.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, iec.Location)
}

func sameDay(a, b time.Time) bool {
	return startOfDay(a).Equal(startOfDay(b))
}

// readingWindow decides which readings are shown for the current period. On
// the first of the month the current month has no readings yet so the
// previous week (or on Sundays the previous month) is used instead.
func readingWindow(now time.Time) (types.ReadingResolution, time.Time) {
	today := startOfDay(now)
	switch {
	case today.Day() != 1:
		return types.ReadingResolutionMonthly, today.AddDate(0, 0, 1-today.Day())
	case today.Weekday() != time.Sunday:
		return types.ReadingResolutionWeekly, today.AddDate(0, 0, -1)
	default:
		return types.ReadingResolutionMonthly, today.AddDate(0, -1, 0)
	}
}

// verifyDailyReadingExists makes sure a reading for day is part of daily. If
// it is missing the monthly readings of day are merged in.
func (c *Coordinator) verifyDailyReadingExists(ctx context.Context, daily []types.RemoteReading, day time.Time, contractID int, device types.Device) []types.RemoteReading {
	if slices.ContainsFunc(daily, func(r types.RemoteReading) bool { return sameDay(r.Date, day) }) {
		log.Ctx(ctx).DebugContext(ctx, "daily reading present", slog.Time("day", startOfDay(day)))
		return daily
	}

	log.Ctx(ctx).DebugContext(ctx, "daily reading missing, fetching monthly readings", slog.Time("day", startOfDay(day)))
	monthly := c.getReadings(ctx, contractID, device, startOfDay(day), types.ReadingResolutionMonthly)
	if monthly == nil || len(monthly.Data) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no monthly readings returned")
		return daily
	}

	seen := make(map[int64]bool, len(daily)+len(monthly.Data))
	merged := make([]types.RemoteReading, 0, len(daily)+len(monthly.Data))
	for _, r := range slices.Concat(daily, monthly.Data) {
		if seen[r.Date.Unix()] {
			continue
		}
		seen[r.Date.Unix()] = true
		merged = append(merged, r)
	}
	slices.SortStableFunc(merged, func(a, b types.RemoteReading) int {
		return a.Date.Compare(b.Date)
	})

	idx := slices.IndexFunc(monthly.Data, func(r types.RemoteReading) bool { return sameDay(r.Date, day) })
	if idx < 0 || monthly.Data[idx].Value <= 0 {
		log.Ctx(ctx).DebugContext(ctx, "still no reading for day", slog.Time("day", startOfDay(day)))
	}
	return merged
}

// getFutureConsumption returns the forecast info from today's reading, falling
// back to the reading of two days ago since IEC often lags behind.
func (c *Coordinator) getFutureConsumption(ctx context.Context, contractID int, device types.Device, today *types.RemoteReadingResponse, now time.Time) *types.FutureConsumptionInfo {
	if today != nil && today.FutureConsumptionInfo.FutureConsumption != 0 {
		info := today.FutureConsumptionInfo
		return &info
	}

	log.Ctx(ctx).DebugContext(ctx, "no future consumption for today, trying two days ago")
	twoDaysAgo := c.getReadings(ctx, contractID, device, startOfDay(now).AddDate(0, 0, -2), types.ReadingResolutionDaily)
	if twoDaysAgo != nil && twoDaysAgo.TotalImport != 0 {
		info := twoDaysAgo.FutureConsumptionInfo
		return &info
	}

	log.Ctx(ctx).WarnContext(ctx, "failed fetching future consumption, data in iec api is corrupted")
	return nil
}
