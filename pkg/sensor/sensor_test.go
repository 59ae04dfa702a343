package sensor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/types"
)

func byUniqueID(states []State) map[string]State {
	m := make(map[string]State, len(states))
	for _, s := range states {
		m[s.UniqueID] = s
	}
	return m
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, iec.Location)
	day := func(d int) time.Time { return time.Date(2025, 3, d, 0, 0, 0, 0, iec.Location) }

	data := types.Data{
		Statics: types.Statics{KWhTariff: 0.5, KVATariff: 1.5, BPNumber: "bp1"},
		Contracts: map[int]types.ContractData{
			1001: {
				Contract: types.Contract{ContractID: 1001, Status: 1, SmartMeter: true},
				LastInvoice: &types.Invoice{
					AmountOrigin:  300,
					AmountToPay:   0,
					Consumption:   600,
					DaysPeriod:    60,
					MeterReadings: []types.MeterReading{{Reading: 1000}},
				},
				FutureConsumption: map[string]*types.FutureConsumptionInfo{
					"M1": {TotalImport: 1500, FutureConsumption: 40},
				},
				DailyReadings: map[string][]types.RemoteReading{
					"M1": {
						{Date: time.Date(2025, 2, 28, 0, 0, 0, 0, iec.Location), Value: 7},
						{Date: day(8), Value: 3},
						{Date: day(9), Value: 4},
						{Date: day(10), Value: 5},
					},
				},
				KWhTariff:     0.5,
				Attributes:    types.ContractAttributes{ContractID: "1001", IsSmartMeter: true, MeterID: "M1"},
				EstimatedBill: &types.EstimatedBill{Total: 280, Days: 10, ConsumptionPrice: 250},
			},
		},
		ContractOrder: []int{1001},
	}

	states := byUniqueID(Evaluate(data, now))

	t.Run("Statics", func(t *testing.T) {
		require.Contains(t, states, "iec_kwh_tariff")
		assert.Equal(t, 0.5, *states["iec_kwh_tariff"].Value)
		assert.Equal(t, 1.5, *states["iec_kva_tariff"].Value)
	})

	t.Run("Contract", func(t *testing.T) {
		s := states["1001_iec_last_elec_usage"]
		require.NotNil(t, s.Value)
		assert.Equal(t, 600.0, *s.Value)
		assert.Equal(t, "Last Bill Electric Usage To Date", s.Name)
		assert.Equal(t, map[string]any{
			"contract_id":    "1001",
			"is_smart_meter": true,
			"meter_id":       "M1",
		}, s.Attributes)
		assert.Equal(t, "IEC Contract [1001]", s.Device.Name)

		assert.Equal(t, 300.0, *states["1001_iec_last_cost"].Value)
		assert.Equal(t, 60.0, *states["1001_iec_last_bill_length_in_days"].Value)
		assert.Equal(t, 1000.0, *states["1001_iec_last_meter_reading"].Value)

		paid := states["1001_last_iec_invoice_paid"]
		assert.Equal(t, KindBinarySensor, paid.Kind)
		require.NotNil(t, paid.IsOn)
		assert.True(t, *paid.IsOn)
	})

	t.Run("Meter", func(t *testing.T) {
		assert.Equal(t, 40.0, *states["1001_M1_elec_forecasted_usage"].Value)
		assert.Equal(t, 20.0, *states["1001_M1_elec_forecasted_cost"].Value)
		assert.Equal(t, 5.0, *states["1001_M1_iec_today_elec_usage"].Value)
		assert.Equal(t, 4.0, *states["1001_M1_iec_yesterday_elec_usage"].Value)
		assert.Equal(t, 12.0, *states["1001_M1_iec_this_month_elec_usage"].Value)
		assert.Equal(t, 1500.0, *states["1001_M1_iec_total_elec_usage"].Value)

		bill := states["1001_M1_iec_next_bill_estimate"]
		require.NotNil(t, bill.Value)
		assert.Equal(t, 280.0, *bill.Value)
		assert.Equal(t, 10, bill.Attributes["total_days"])
		assert.Equal(t, "M1", bill.Attributes["meter_id"])
		assert.Equal(t, DeviceInfo{
			Identifier:   "1001_M1",
			Name:         "IEC Meter [M1]",
			Manufacturer: "Israel Electric Company",
			Model:        "Contract: 1001",
			SerialNumber: "Meter ID: M1",
		}, bill.Device)
	})

	t.Run("Unknown Without Invoice", func(t *testing.T) {
		cd := data.Contracts[1001]
		cd.LastInvoice = nil
		cd.Contract.SmartMeter = false
		noInvoice := data
		noInvoice.Contracts = map[int]types.ContractData{1001: cd}

		states := byUniqueID(Evaluate(noInvoice, now))
		assert.Nil(t, states["1001_last_iec_invoice_paid"].Value)
		assert.Nil(t, states["1001_last_iec_invoice_paid"].IsOn)
		assert.Nil(t, states["1001_iec_last_cost"].Value)
		assert.NotContains(t, states, "1001_M1_iec_today_elec_usage")
	})

	t.Run("Multi Contract", func(t *testing.T) {
		multi := data
		multi.Contracts = map[int]types.ContractData{
			1001: data.Contracts[1001],
			1002: {
				Contract:   types.Contract{ContractID: 1002, Status: 1},
				Attributes: types.ContractAttributes{ContractID: "1002"},
			},
		}
		multi.ContractOrder = []int{1001, 1002}

		states := byUniqueID(Evaluate(multi, now))
		s := states["1002_iec_last_cost"]
		assert.Equal(t, "Last Bill Electric Cost of 1002", s.Name)
		assert.Equal(t, true, s.Attributes["is_multi_contract"])
		assert.NotContains(t, s.Attributes, "meter_id")
	})
}

func TestGetDeviceInfo(t *testing.T) {
	assert.Equal(t, DeviceInfo{
		Identifier:   "1001",
		Name:         "IEC Contract [1001]",
		Manufacturer: "Israel Electric Company",
		Model:        "Contract: 1001",
	}, GetDeviceInfo(1001, "M1", EntityTypeContract))

	assert.Equal(t, DeviceInfo{
		Identifier:   "1001",
		Name:         "IEC",
		Manufacturer: "Israel Electric Company",
	}, GetDeviceInfo(1001, "", EntityTypeGeneric))
}
