package coordinator

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/types"
)

// BillInput holds everything needed to estimate the next bill.
type BillInput struct {
	FutureConsumption *types.FutureConsumptionInfo
	// LastMeterRead of 0 means it is unknown and no usage is estimated.
	LastMeterRead     int
	LastMeterReadDate time.Time

	KWhTariff          float64
	KVATariff          float64
	DistributionTariff float64
	DeliveryTariff     float64
	PowerSize          float64

	// HasLastInvoice prorates the fixed prices from the day after the last
	// meter read. Otherwise they are prorated from the start of the month.
	HasLastInvoice bool
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// CalculateEstimatedBill estimates the bill for the consumption since the last
// meter read. Fixed prices are prorated per calendar month.
func CalculateEstimatedBill(in BillInput, now time.Time) types.EstimatedBill {
	var consumption float64
	if in.LastMeterRead != 0 && in.FutureConsumption != nil && in.FutureConsumption.TotalImport != 0 {
		consumption = in.FutureConsumption.TotalImport - float64(in.LastMeterRead)
	}

	kvaPricePerDay := in.PowerSize * in.KVATariff / 365
	consumptionPrice := round2(consumption * in.KWhTariff)

	today := startOfDay(now)
	var totalKVAPrice, distributionPrice, deliveryPrice float64
	var totalDays int

	if in.HasLastInvoice && !in.LastMeterReadDate.IsZero() {
		addBucket := func(year int, month time.Month, days int) {
			if days == 0 {
				return
			}
			dim := float64(daysInMonth(year, month))
			totalKVAPrice += kvaPricePerDay * float64(days)
			distributionPrice += in.DistributionTariff / dim * float64(days)
			deliveryPrice += in.DeliveryTariff / dim * float64(days)
			totalDays += days
		}

		day := startOfDay(in.LastMeterReadDate).AddDate(0, 0, 1)
		year, month := day.Year(), day.Month()
		var days int
		for !day.After(today) {
			if day.Year() != year || day.Month() != month {
				addBucket(year, month, days)
				year, month, days = day.Year(), day.Month(), 0
			}
			days++
			day = day.AddDate(0, 0, 1)
		}
		addBucket(year, month, days)
	} else {
		totalDays = today.Day()
		dim := float64(daysInMonth(today.Year(), today.Month()))
		totalKVAPrice = round2(kvaPricePerDay * float64(totalDays))
		distributionPrice = round2(in.DistributionTariff / dim * float64(totalDays))
		deliveryPrice = in.DeliveryTariff / dim * float64(totalDays)
	}

	fixedPrice := round2(totalKVAPrice + distributionPrice + deliveryPrice)
	return types.EstimatedBill{
		Total:             round2(consumptionPrice + fixedPrice),
		FixedPrice:        fixedPrice,
		ConsumptionPrice:  consumptionPrice,
		Days:              totalDays,
		DeliveryPrice:     round2(deliveryPrice),
		DistributionPrice: round2(distributionPrice),
		TotalKVAPrice:     round2(totalKVAPrice),
		KWhConsumption:    consumption,
	}
}

// phaseCount parses the phases out of a connection size like "3X40".
func phaseCount(connectionSize string) int {
	prefix, _, found := strings.Cut(connectionSize, "X")
	if !found {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(prefix))
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// estimateBill gathers the meter, connection and tariff data of a device and
// estimates its next bill.
func (c *Coordinator) estimateBill(ctx context.Context, contractID int, deviceID string, privateProducer bool, fci *types.FutureConsumptionInfo, kwhTariff, kvaTariff float64, lastInvoice *types.Invoice, now time.Time) types.EstimatedBill {
	in := BillInput{
		FutureConsumption: fci,
		KWhTariff:         kwhTariff,
		KVATariff:         kvaTariff,
		HasLastInvoice:    lastInvoice != nil,
	}

	var phases int
	var connectionSize string

	if !privateProducer {
		devices := c.getDeviceByMeter(ctx, contractID, deviceID)
		if devices != nil && len(devices.CounterDevices) > 0 {
			cd := devices.CounterDevices[0]
			in.LastMeterRead = cd.LastMR
			in.LastMeterReadDate = cd.LastMRDate
			phases = cd.ConnectionSize.Phase
			connectionSize = cd.ConnectionSize.RepresentativeConnectionSize
		} else {
			log.Ctx(ctx).WarnContext(ctx, "no counter devices for meter")
		}
	}

	if privateProducer || in.LastMeterRead == 0 {
		reading := c.getLastMeterReading(ctx, contractID, deviceID)
		if reading == nil {
			log.Ctx(ctx).WarnContext(ctx, "no last meter reading, not estimating usage")
			in.LastMeterRead = 0
			in.LastMeterReadDate = now.In(iec.Location)
			in.HasLastInvoice = false
		} else {
			in.LastMeterRead = reading.Reading
			in.LastMeterReadDate = reading.ReadingDate
		}

		// the counter device phase stays when masa has no connection size
		connectionSize = ""
		if account := c.getDefaultAccount(ctx); account != nil {
			connectionSize = c.getMasaConnectionSize(ctx, account.ID)
		}
		if connectionSize != "" {
			phases = phaseCount(connectionSize)
		}
	}

	if connectionSize != "" {
		in.PowerSize = c.getPowerSize(ctx, connectionSize)
	} else {
		log.Ctx(ctx).WarnContext(ctx, "unknown connection size, power size is 0")
	}
	if phases > 0 {
		in.DistributionTariff = c.getDistributionTariff(ctx, phases)
		in.DeliveryTariff = c.getDeliveryTariff(ctx, phases)
	} else if connectionSize != "" {
		log.Ctx(ctx).WarnContext(ctx, "unknown phase count, distribution and delivery are 0")
	}

	bill := CalculateEstimatedBill(in, now)
	log.Ctx(ctx).DebugContext(ctx, "calculated estimated bill",
		slog.Int("days", bill.Days),
		slog.Float64("kvaPrice", bill.TotalKVAPrice),
		slog.Float64("distributionPrice", bill.DistributionPrice),
		slog.Float64("deliveryPrice", bill.DeliveryPrice),
		slog.Float64("consumptionPrice", bill.ConsumptionPrice),
	)
	return bill
}
