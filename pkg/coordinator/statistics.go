package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/types"
)

// minReadingsPerHour is the number of quarter-hour readings that make an hour
// complete.
const minReadingsPerHour = 4

// ConsumptionStatisticID is the statistic ID of the hourly consumption of a
// meter.
func ConsumptionStatisticID(deviceID string) string {
	return fmt.Sprintf("%s:iec_meter_%s_energy_consumption", types.StatisticSource, deviceID)
}

// CostStatisticID is the statistic ID of the hourly estimated cost of a meter.
func CostStatisticID(deviceID string) string {
	return fmt.Sprintf("%s:iec_meter_%s_energy_est_cost", types.StatisticSource, deviceID)
}

func (c *Coordinator) lookback() time.Duration {
	c.mu.Lock()
	days := c.settings.StatisticsLookbackDays
	c.mu.Unlock()
	if days <= 0 {
		days = types.DefaultStatisticsLookbackDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// BackfillStatistics adds the hourly consumption and cost points that were not
// reported yet for every meter of a smart-meter contract.
func (c *Coordinator) BackfillStatistics(ctx context.Context, contractID int, smartMeter bool) error {
	if !smartMeter {
		log.Ctx(ctx).InfoContext(ctx, "contract has no smart meter, skipping statistics")
		return nil
	}

	devices := c.getDevicesByContract(ctx, contractID)
	if len(devices) == 0 {
		log.Ctx(ctx).ErrorContext(ctx, "failed fetching devices for statistics")
		return nil
	}
	kwhTariff := c.getKWhTariff(ctx)

	var errs []error
	for _, device := range devices {
		dctx := log.WithAttrs(ctx, slog.String("deviceID", device.DeviceNumber))
		if err := c.backfillDevice(dctx, contractID, device, kwhTariff); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", device.DeviceNumber, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) backfillDevice(ctx context.Context, contractID int, device types.Device, kwhTariff float64) error {
	consumptionID := ConsumptionStatisticID(device.DeviceNumber)
	costID := CostStatisticID(device.DeviceNumber)
	now := c.now().In(iec.Location)

	last, hasCursor, err := c.db.GetLastStatistic(ctx, consumptionID)
	if err != nil {
		return fmt.Errorf("failed to get last consumption statistic: %w", err)
	}

	var readings *types.RemoteReadingResponse
	var cursor time.Time
	if !hasCursor {
		log.Ctx(ctx).DebugContext(ctx, "no statistics yet, back-filling from the lookback")
		from := now.Add(-c.lookback())
		if monthly := c.getReadings(ctx, contractID, device, now, types.ReadingResolutionMonthly); monthly != nil && monthly.MeterStartDate.After(from) {
			from = monthly.MeterStartDate
		}
		readings = c.getReadings(ctx, contractID, device, from, types.ReadingResolutionDaily)
	} else {
		cursor = last.Start
		from := cursor.In(iec.Location)
		if from.Hour() == 23 {
			// the day is complete so continue with the next one
			from = from.Add(2 * time.Hour)
		}
		isToday := sameDay(from, now)
		if isToday {
			from = startOfDay(now).Add(time.Hour)
		}
		log.Ctx(ctx).DebugContext(ctx, "back-filling statistics", slog.Time("cursor", cursor), slog.Time("from", from))
		readings = c.getReadings(ctx, contractID, device, from, types.ReadingResolutionDaily)
		if isToday && readings != nil {
			c.setTodayReading(contractID, device.DeviceNumber, readings)
		}
	}

	if readings == nil || len(readings.Data) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no readings to back-fill")
		return nil
	}

	consumptionSum := last.Sum
	costSum := consumptionSum * kwhTariff
	lastCost, hasCost, err := c.db.GetLastStatistic(ctx, costID)
	if err != nil {
		return fmt.Errorf("failed to get last cost statistic: %w", err)
	}
	if hasCost {
		costSum = lastCost.Sum
	}

	consumption, cost := hourlyPoints(readings.Data, cursor, consumptionSum, costSum, kwhTariff)
	if len(consumption) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no complete hours to back-fill")
		return nil
	}
	log.Ctx(ctx).DebugContext(ctx, "adding statistics",
		slog.Int("hours", len(consumption)),
		slog.Time("first", consumption[0].Start),
		slog.Time("last", consumption[len(consumption)-1].Start),
	)

	err = c.db.AddStatistics(ctx, types.StatisticMetadata{
		StatisticID: consumptionID,
		Name:        fmt.Sprintf("IEC Meter %s Consumption", device.DeviceNumber),
		Source:      types.StatisticSource,
		Unit:        types.UnitKilowattHour,
		HasSum:      true,
	}, consumption)
	if err != nil {
		return fmt.Errorf("failed to add consumption statistics: %w", err)
	}
	err = c.db.AddStatistics(ctx, types.StatisticMetadata{
		StatisticID: costID,
		Name:        fmt.Sprintf("IEC Meter %s Estimated Cost", device.DeviceNumber),
		Source:      types.StatisticSource,
		Unit:        types.UnitIsraeliShekel,
		HasSum:      true,
	}, cost)
	if err != nil {
		return fmt.Errorf("failed to add cost statistics: %w", err)
	}
	return nil
}

// hourlyPoints groups the readings at or after cursor by hour and returns the
// consumption and cost points of every complete hour after cursor. A zero
// cursor reports every complete hour.
func hourlyPoints(readings []types.RemoteReading, cursor time.Time, consumptionSum, costSum, kwhTariff float64) ([]types.StatisticPoint, []types.StatisticPoint) {
	type hour struct {
		count int
		value float64
	}
	hours := make(map[time.Time]*hour)
	for _, r := range readings {
		if !cursor.IsZero() && r.Date.Before(cursor) {
			continue
		}
		start := r.Date.Truncate(time.Hour)
		h, ok := hours[start]
		if !ok {
			h = &hour{}
			hours[start] = h
		}
		h.count++
		h.value += r.Value
	}

	starts := make([]time.Time, 0, len(hours))
	for start, h := range hours {
		if h.count < minReadingsPerHour {
			continue
		}
		if !cursor.IsZero() && !start.After(cursor) {
			continue
		}
		starts = append(starts, start)
	}
	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })

	consumption := make([]types.StatisticPoint, 0, len(starts))
	cost := make([]types.StatisticPoint, 0, len(starts))
	for _, start := range starts {
		value := hours[start].value
		consumptionSum += value
		costSum += value * kwhTariff
		consumption = append(consumption, types.StatisticPoint{
			Start: start.In(iec.Location),
			State: value,
			Sum:   consumptionSum,
		})
		cost = append(cost, types.StatisticPoint{
			Start: start.In(iec.Location),
			State: value * kwhTariff,
			Sum:   costSum,
		})
	}
	return consumption, cost
}
