package coordinator

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/iec/iecmock"
	"github.com/iecmeter/iecmeter/pkg/types"
)

func TestCalculateEstimatedBill(t *testing.T) {
	t.Run("Full Month Prorates To Full Tariff", func(t *testing.T) {
		bill := CalculateEstimatedBill(BillInput{
			FutureConsumption:  &types.FutureConsumptionInfo{TotalImport: 1500},
			LastMeterRead:      1000,
			LastMeterReadDate:  time.Date(2025, 1, 31, 0, 0, 0, 0, iec.Location),
			KWhTariff:          0.5,
			KVATariff:          1,
			PowerSize:          365,
			DistributionTariff: 100,
			DeliveryTariff:     50,
			HasLastInvoice:     true,
		}, time.Date(2025, 2, 28, 12, 0, 0, 0, iec.Location))

		assert.Equal(t, 28, bill.Days)
		assert.InDelta(t, 100, bill.DistributionPrice, 0.001)
		assert.InDelta(t, 50, bill.DeliveryPrice, 0.001)
		assert.InDelta(t, 28, bill.TotalKVAPrice, 0.001)
		assert.InDelta(t, 500, bill.KWhConsumption, 0.001)
		assert.InDelta(t, 250, bill.ConsumptionPrice, 0.001)
		assert.InDelta(t, 178, bill.FixedPrice, 0.001)
		assert.InDelta(t, 428, bill.Total, 0.001)
	})

	t.Run("Spans Two Months", func(t *testing.T) {
		bill := CalculateEstimatedBill(BillInput{
			LastMeterRead:      1000,
			LastMeterReadDate:  time.Date(2025, 1, 20, 0, 0, 0, 0, iec.Location),
			DistributionTariff: 62,
			HasLastInvoice:     true,
		}, time.Date(2025, 2, 10, 8, 0, 0, 0, iec.Location))

		// 11 days of January and 10 of February
		assert.Equal(t, 21, bill.Days)
		assert.InDelta(t, 44.14, bill.DistributionPrice, 0.001)
		assert.Zero(t, bill.KWhConsumption)
		assert.Zero(t, bill.ConsumptionPrice)
		assert.InDelta(t, 44.14, bill.Total, 0.001)
	})

	t.Run("Without Invoice Uses Current Month", func(t *testing.T) {
		bill := CalculateEstimatedBill(BillInput{
			FutureConsumption:  &types.FutureConsumptionInfo{TotalImport: 1500},
			KWhTariff:          0.5,
			KVATariff:          5,
			PowerSize:          73,
			DistributionTariff: 31,
			DeliveryTariff:     62,
		}, time.Date(2025, 3, 10, 12, 0, 0, 0, iec.Location))

		assert.Equal(t, 10, bill.Days)
		assert.InDelta(t, 10, bill.TotalKVAPrice, 0.001)
		assert.InDelta(t, 10, bill.DistributionPrice, 0.001)
		assert.InDelta(t, 20, bill.DeliveryPrice, 0.001)
		// no last meter read so usage is not estimated
		assert.Zero(t, bill.KWhConsumption)
		assert.InDelta(t, 40, bill.Total, 0.001)
	})

	t.Run("Missing Total Import", func(t *testing.T) {
		bill := CalculateEstimatedBill(BillInput{
			FutureConsumption: &types.FutureConsumptionInfo{FutureConsumption: 12},
			LastMeterRead:     1000,
			LastMeterReadDate: time.Date(2025, 3, 9, 0, 0, 0, 0, iec.Location),
			KWhTariff:         0.5,
			HasLastInvoice:    true,
		}, time.Date(2025, 3, 10, 12, 0, 0, 0, iec.Location))

		assert.Zero(t, bill.KWhConsumption)
		assert.Equal(t, 1, bill.Days)
		assert.Zero(t, bill.Total)
	})

	t.Run("Read Today", func(t *testing.T) {
		now := time.Date(2025, 3, 10, 12, 0, 0, 0, iec.Location)
		bill := CalculateEstimatedBill(BillInput{
			LastMeterReadDate:  now,
			DistributionTariff: 31,
			HasLastInvoice:     true,
		}, now)

		assert.Zero(t, bill.Days)
		assert.Zero(t, bill.Total)
	})
}

func TestPhaseCount(t *testing.T) {
	assert.Equal(t, 3, phaseCount("3X40"))
	assert.Equal(t, 1, phaseCount("1X25"))
	assert.Equal(t, 1, phaseCount("40"))
	assert.Equal(t, 1, phaseCount(""))
	assert.Equal(t, 1, phaseCount("abcX25"))
}

func TestEstimateBill(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, iec.Location)
	lastRead := time.Date(2025, 2, 28, 0, 0, 0, 0, iec.Location)
	accountID := uuid.MustParse("8a7b8e5c-1f5e-4d0c-9d5e-2f0b6c1a7e11")
	fci := &types.FutureConsumptionInfo{TotalImport: 1500}

	counterDevice := func(lastMR int, phase int, size string) *types.Devices {
		return &types.Devices{CounterDevices: []types.CounterDevice{{
			LastMR:     lastMR,
			LastMRDate: lastRead,
			ConnectionSize: types.ConnectionSize{
				Phase:                        phase,
				RepresentativeConnectionSize: size,
			},
		}}}
	}
	lastMeterReadings := &types.LastMeterReadings{LastMeters: []types.LastMeter{
		{SerialNumber: "00456", MeterReadings: []types.MeterReading{{Reading: 5, ReadingDate: lastRead}}},
		{SerialNumber: "000123", MeterReadings: []types.MeterReading{
			{Reading: 900, ReadingDate: lastRead.AddDate(0, -1, 0)},
			{Reading: 1000, ReadingDate: lastRead},
			{Reading: 800, ReadingDate: lastRead.AddDate(0, -2, 0)},
		}},
	}}

	tests := []struct {
		name            string
		privateProducer bool
		setup           func(client *iecmock.MockClient)
		want            types.EstimatedBill
		notCalled       []string
	}{
		{
			name: "Counter Device",
			setup: func(client *iecmock.MockClient) {
				client.On("GetDeviceByDeviceID", mock.Anything, 1001, "0123").Return(counterDevice(1000, 3, "3X25"), nil)
				client.On("GetPowerSize", mock.Anything, "3X25").Return(10.0, nil)
				client.On("GetDistributionTariff", mock.Anything, 3).Return(31.0, nil)
				client.On("GetDeliveryTariff", mock.Anything, 3).Return(62.0, nil)
			},
			want: types.EstimatedBill{
				Total:             380,
				FixedPrice:        130,
				ConsumptionPrice:  250,
				Days:              10,
				DeliveryPrice:     20,
				DistributionPrice: 10,
				TotalKVAPrice:     100,
				KWhConsumption:    500,
			},
			notCalled: []string{"GetLastMeterReading", "GetDefaultAccount"},
		},
		{
			name:            "Private Producer Uses Latest Reading And Masa",
			privateProducer: true,
			setup: func(client *iecmock.MockClient) {
				client.On("GetLastMeterReading", mock.Anything, "bp1", 1001).Return(lastMeterReadings, nil).Once()
				client.On("GetDefaultAccount", mock.Anything).Return(&types.Account{ID: accountID}, nil)
				client.On("GetMasaConnectionSize", mock.Anything, accountID).Return("1X40", nil)
				client.On("GetPowerSize", mock.Anything, "1X40").Return(10.0, nil)
				client.On("GetDistributionTariff", mock.Anything, 1).Return(31.0, nil)
				client.On("GetDeliveryTariff", mock.Anything, 1).Return(62.0, nil)
			},
			want: types.EstimatedBill{
				Total:             380,
				FixedPrice:        130,
				ConsumptionPrice:  250,
				Days:              10,
				DeliveryPrice:     20,
				DistributionPrice: 10,
				TotalKVAPrice:     100,
				KWhConsumption:    500,
			},
			notCalled: []string{"GetDeviceByDeviceID"},
		},
		{
			name:            "Private Producer Without Connection Size",
			privateProducer: true,
			setup: func(client *iecmock.MockClient) {
				client.On("GetLastMeterReading", mock.Anything, "bp1", 1001).Return(lastMeterReadings, nil)
				client.On("GetDefaultAccount", mock.Anything).Return(nil, errors.New("masa down"))
			},
			want: types.EstimatedBill{
				Total:            250,
				ConsumptionPrice: 250,
				Days:             10,
				KWhConsumption:   500,
			},
			notCalled: []string{"GetPowerSize", "GetDistributionTariff", "GetDeliveryTariff", "GetMasaConnectionSize"},
		},
		{
			name: "Counter Device Phase Kept Without Masa",
			setup: func(client *iecmock.MockClient) {
				client.On("GetDeviceByDeviceID", mock.Anything, 1001, "0123").Return(counterDevice(0, 3, "3X25"), nil)
				client.On("GetLastMeterReading", mock.Anything, "bp1", 1001).Return(lastMeterReadings, nil)
				client.On("GetDefaultAccount", mock.Anything).Return(nil, errors.New("masa down"))
				client.On("GetDistributionTariff", mock.Anything, 3).Return(31.0, nil)
				client.On("GetDeliveryTariff", mock.Anything, 3).Return(62.0, nil)
			},
			want: types.EstimatedBill{
				Total:             280,
				FixedPrice:        30,
				ConsumptionPrice:  250,
				Days:              10,
				DeliveryPrice:     20,
				DistributionPrice: 10,
				KWhConsumption:    500,
			},
			notCalled: []string{"GetPowerSize"},
		},
		{
			name: "No Last Meter Read Ignores Invoice",
			setup: func(client *iecmock.MockClient) {
				client.On("GetDeviceByDeviceID", mock.Anything, 1001, "0123").Return(counterDevice(0, 1, ""), nil)
				client.On("GetLastMeterReading", mock.Anything, "bp1", 1001).Return(nil, errors.New("not found"))
				client.On("GetDefaultAccount", mock.Anything).Return(nil, errors.New("masa down"))
				client.On("GetDistributionTariff", mock.Anything, 1).Return(31.0, nil)
				client.On("GetDeliveryTariff", mock.Anything, 1).Return(62.0, nil)
			},
			// prorated from the start of the month instead of the last read
			want: types.EstimatedBill{
				Total:             30,
				FixedPrice:        30,
				Days:              10,
				DeliveryPrice:     20,
				DistributionPrice: 10,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(iecmock.MockClient)
			tt.setup(client)
			c := New(client, nil, nil)
			c.bpNumber = "bp1"

			bill := c.estimateBill(t.Context(), 1001, "0123", tt.privateProducer, fci, 0.5, 365, &types.Invoice{}, now)

			assert.Equal(t, tt.want.Days, bill.Days)
			assert.InDelta(t, tt.want.KWhConsumption, bill.KWhConsumption, 0.001)
			assert.InDelta(t, tt.want.ConsumptionPrice, bill.ConsumptionPrice, 0.001)
			assert.InDelta(t, tt.want.TotalKVAPrice, bill.TotalKVAPrice, 0.001)
			assert.InDelta(t, tt.want.DistributionPrice, bill.DistributionPrice, 0.001)
			assert.InDelta(t, tt.want.DeliveryPrice, bill.DeliveryPrice, 0.001)
			assert.InDelta(t, tt.want.FixedPrice, bill.FixedPrice, 0.001)
			assert.InDelta(t, tt.want.Total, bill.Total, 0.001)
			for _, call := range client.Calls {
				assert.NotContains(t, tt.notCalled, call.Method)
			}
			client.AssertExpectations(t)
		})
	}

	t.Run("Last Meter Reading Cached Per Meter", func(t *testing.T) {
		client := new(iecmock.MockClient)
		client.On("GetLastMeterReading", mock.Anything, "bp1", 1001).Return(lastMeterReadings, nil).Once()
		c := New(client, nil, nil)
		c.bpNumber = "bp1"

		reading := c.getLastMeterReading(t.Context(), 1001, "123")
		if assert.NotNil(t, reading) {
			assert.Equal(t, 1000, reading.Reading)
		}
		other := c.getLastMeterReading(t.Context(), 1001, "456")
		if assert.NotNil(t, other) {
			assert.Equal(t, 5, other.Reading)
		}
		client.AssertExpectations(t)
	})
}
