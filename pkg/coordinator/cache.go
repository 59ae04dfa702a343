package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/types"
)

// cachedFetch returns the cached value under key or calls fetch and caches the
// result. Failed or empty fetches are logged and not cached so they are retried
// on the next call.
func cachedFetch[K comparable, V any](ctx context.Context, c *Coordinator, cache map[K]V, key K, what string, fetch func() (V, error)) V {
	c.mu.Lock()
	v, ok := cache[key]
	c.mu.Unlock()
	if ok {
		return v
	}

	v, err := fetch()
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed fetching "+what, slog.Any("key", key), slog.Any("error", err))
		var zero V
		return zero
	}
	if isEmpty(v) {
		log.Ctx(ctx).DebugContext(ctx, "iec returned no "+what, slog.Any("key", key))
		return v
	}

	c.mu.Lock()
	cache[key] = v
	c.mu.Unlock()
	return v
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return true
		}
		if rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice {
			return rv.Len() == 0
		}
		return false
	default:
		return rv.IsZero()
	}
}

func dateKey(t time.Time, resolution types.ReadingResolution) string {
	t = t.In(iec.Location)
	switch resolution {
	case types.ReadingResolutionWeekly:
		_, week := t.ISOWeek()
		return fmt.Sprintf("%d/%d", t.Year(), week)
	case types.ReadingResolutionMonthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

func (c *Coordinator) getReadings(ctx context.Context, contractID int, device types.Device, from time.Time, resolution types.ReadingResolution) *types.RemoteReadingResponse {
	key := readingKey{
		contractID: contractID,
		deviceID:   device.DeviceNumber,
		dateKey:    dateKey(from, resolution),
	}
	return cachedFetch(ctx, c, c.readings, key, resolution.String()+" readings", func() (*types.RemoteReadingResponse, error) {
		return c.client.GetRemoteReading(ctx, types.RemoteReadingRequest{
			ContractID: contractID,
			DeviceID:   device.DeviceNumber,
			DeviceCode: device.DeviceCode,
			From:       from,
			To:         from,
			Resolution: resolution,
		})
	})
}

func todayKey(contractID int, deviceID string) string {
	return strconv.Itoa(contractID) + "-" + deviceID
}

func (c *Coordinator) getTodayReading(ctx context.Context, contractID int, device types.Device, now time.Time) *types.RemoteReadingResponse {
	return cachedFetch(ctx, c, c.todayReadings, todayKey(contractID, device.DeviceNumber), "today reading", func() (*types.RemoteReadingResponse, error) {
		return c.client.GetRemoteReading(ctx, types.RemoteReadingRequest{
			ContractID: contractID,
			DeviceID:   device.DeviceNumber,
			DeviceCode: device.DeviceCode,
			From:       now,
			To:         now,
			Resolution: types.ReadingResolutionDaily,
		})
	})
}

func (c *Coordinator) setTodayReading(contractID int, deviceID string, rr *types.RemoteReadingResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.todayReadings[todayKey(contractID, deviceID)] = rr
}

func (c *Coordinator) getDevicesByContract(ctx context.Context, contractID int) []types.Device {
	return cachedFetch(ctx, c, c.devicesByContract, contractID, "devices", func() ([]types.Device, error) {
		return c.client.GetDevices(ctx, contractID)
	})
}

func (c *Coordinator) getDeviceByMeter(ctx context.Context, contractID int, deviceID string) *types.Devices {
	return cachedFetch(ctx, c, c.devicesByMeter, deviceID, "device details", func() (*types.Devices, error) {
		return c.client.GetDeviceByDeviceID(ctx, contractID, deviceID)
	})
}

func (c *Coordinator) getKWhTariff(ctx context.Context) float64 {
	return cachedFetch(ctx, c, c.tariffs, tariffKWh, "kwh tariff", func() (float64, error) {
		return c.client.GetKWhTariff(ctx)
	})
}

func (c *Coordinator) getKVATariff(ctx context.Context) float64 {
	return cachedFetch(ctx, c, c.tariffs, tariffKVA, "kva tariff", func() (float64, error) {
		return c.client.GetKVATariff(ctx)
	})
}

func (c *Coordinator) getDeliveryTariff(ctx context.Context, phases int) float64 {
	return cachedFetch(ctx, c, c.deliveryByPhase, phases, "delivery tariff", func() (float64, error) {
		return c.client.GetDeliveryTariff(ctx, phases)
	})
}

func (c *Coordinator) getDistributionTariff(ctx context.Context, phases int) float64 {
	return cachedFetch(ctx, c, c.distributionByPhase, phases, "distribution tariff", func() (float64, error) {
		return c.client.GetDistributionTariff(ctx, phases)
	})
}

func (c *Coordinator) getPowerSize(ctx context.Context, connectionSize string) float64 {
	return cachedFetch(ctx, c, c.powerSizeByConnection, connectionSize, "power size", func() (float64, error) {
		return c.client.GetPowerSize(ctx, connectionSize)
	})
}

func (c *Coordinator) getDefaultAccount(ctx context.Context) *types.Account {
	return cachedFetch(ctx, c, c.accounts, "default", "default account", func() (*types.Account, error) {
		return c.client.GetDefaultAccount(ctx)
	})
}

func (c *Coordinator) getMasaConnectionSize(ctx context.Context, accountID uuid.UUID) string {
	return cachedFetch(ctx, c, c.connectionSizes, accountID, "connection size", func() (string, error) {
		return c.client.GetMasaConnectionSize(ctx, accountID)
	})
}

func normalizeMeterID(id string) string {
	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" {
		return id
	}
	return trimmed
}

// getLastMeterReading returns the latest reading of meterID. A single fetch
// fills the cache for every meter of the contract.
func (c *Coordinator) getLastMeterReading(ctx context.Context, contractID int, meterID string) *types.MeterReading {
	key := meterKey{contractID: contractID, meterID: normalizeMeterID(meterID)}
	c.mu.Lock()
	reading, ok := c.lastMeterReadings[key]
	c.mu.Unlock()
	if ok {
		return reading
	}

	res, err := c.client.GetLastMeterReading(ctx, c.getBPNumber(), contractID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed fetching last meter reading", slog.Any("error", err))
		return nil
	}
	if res == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, meter := range res.LastMeters {
		if len(meter.MeterReadings) == 0 {
			continue
		}
		latest := slices.MaxFunc(meter.MeterReadings, func(a, b types.MeterReading) int {
			return a.ReadingDate.Compare(b.ReadingDate)
		})
		c.lastMeterReadings[meterKey{contractID: contractID, meterID: normalizeMeterID(meter.SerialNumber)}] = &latest
	}
	return c.lastMeterReadings[key]
}
