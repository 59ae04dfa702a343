package sensor

import (
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/types"
)

// Kind is either a numeric sensor or an on/off sensor.
type Kind string

const (
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
)

// Scope decides how often a description is evaluated.
type Scope int

const (
	// ScopeStatic is evaluated once.
	ScopeStatic Scope = iota
	// ScopeContract is evaluated for every contract.
	ScopeContract
	// ScopeMeter is evaluated for every meter of a smart-meter contract.
	ScopeMeter
)

const (
	UnitKWh       = "kWh"
	UnitILS       = "ILS"
	UnitILSPerKWh = "ILS/kWh"
	UnitDays      = "d"
)

// Input is what a description is evaluated against.
type Input struct {
	Data     types.Data
	Contract types.ContractData
	MeterID  string
	Now      time.Time
}

func (in Input) futureConsumption() *types.FutureConsumptionInfo {
	if in.Contract.FutureConsumption == nil {
		return nil
	}
	return in.Contract.FutureConsumption[in.MeterID]
}

// Description describes a sensor. Value returns false when the value is
// unknown.
type Description struct {
	Key        string
	Name       string
	Unit       string
	Kind       Kind
	Scope      Scope
	Value      func(in Input) (float64, bool)
	Attributes func(in Input) map[string]any
}

// State is the evaluated value of a sensor.
type State struct {
	UniqueID   string         `json:"uniqueID"`
	Key        string         `json:"key"`
	Name       string         `json:"name"`
	Kind       Kind           `json:"kind"`
	Unit       string         `json:"unit,omitempty"`
	Value      *float64       `json:"value"`
	IsOn       *bool          `json:"isOn,omitempty"`
	ContractID int            `json:"contractID,omitempty"`
	MeterID    string         `json:"meterID,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Device     DeviceInfo     `json:"device"`
}

func lastInvoice(fn func(inv *types.Invoice) float64) func(Input) (float64, bool) {
	return func(in Input) (float64, bool) {
		if in.Contract.LastInvoice == nil {
			return 0, false
		}
		return fn(in.Contract.LastInvoice), true
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// usageOn sums the readings of the day of t.
func usageOn(readings []types.RemoteReading, t time.Time) (float64, bool) {
	y, m, d := t.In(iec.Location).Date()
	var sum float64
	var found bool
	for _, r := range readings {
		ry, rm, rd := r.Date.In(iec.Location).Date()
		if ry == y && rm == m && rd == d {
			sum += r.Value
			found = true
		}
	}
	return sum, found
}

func usageInMonth(readings []types.RemoteReading, t time.Time) (float64, bool) {
	y, m, _ := t.In(iec.Location).Date()
	var sum float64
	var found bool
	for _, r := range readings {
		ry, rm, _ := r.Date.In(iec.Location).Date()
		if ry == y && rm == m {
			sum += r.Value
			found = true
		}
	}
	return sum, found
}

// Descriptions are all the sensors that are exposed.
var Descriptions = []Description{
	{
		Key:   "iec_kwh_tariff",
		Name:  "IEC kWh Tariff",
		Unit:  UnitILSPerKWh,
		Kind:  KindSensor,
		Scope: ScopeStatic,
		Value: func(in Input) (float64, bool) {
			return in.Data.Statics.KWhTariff, in.Data.Statics.KWhTariff != 0
		},
	},
	{
		Key:   "iec_kva_tariff",
		Name:  "IEC kVA Tariff",
		Unit:  UnitILS,
		Kind:  KindSensor,
		Scope: ScopeStatic,
		Value: func(in Input) (float64, bool) {
			return in.Data.Statics.KVATariff, in.Data.Statics.KVATariff != 0
		},
	},
	{
		Key:   "iec_last_elec_usage",
		Name:  "Last Bill Electric Usage To Date",
		Unit:  UnitKWh,
		Kind:  KindSensor,
		Scope: ScopeContract,
		Value: lastInvoice(func(inv *types.Invoice) float64 { return inv.Consumption }),
	},
	{
		Key:   "iec_last_cost",
		Name:  "Last Bill Electric Cost",
		Unit:  UnitILS,
		Kind:  KindSensor,
		Scope: ScopeContract,
		Value: lastInvoice(func(inv *types.Invoice) float64 { return inv.AmountOrigin }),
	},
	{
		Key:   "iec_last_bill_length_in_days",
		Name:  "Last Bill Length In Days",
		Unit:  UnitDays,
		Kind:  KindSensor,
		Scope: ScopeContract,
		Value: lastInvoice(func(inv *types.Invoice) float64 { return float64(inv.DaysPeriod) }),
	},
	{
		Key:   "iec_last_meter_reading",
		Name:  "Last Bill Meter Reading",
		Unit:  UnitKWh,
		Kind:  KindSensor,
		Scope: ScopeContract,
		Value: func(in Input) (float64, bool) {
			inv := in.Contract.LastInvoice
			if inv == nil || len(inv.MeterReadings) == 0 {
				return 0, false
			}
			return float64(inv.MeterReadings[0].Reading), true
		},
	},
	{
		Key:   "last_iec_invoice_paid",
		Name:  "Last Invoice Paid",
		Kind:  KindBinarySensor,
		Scope: ScopeContract,
		Value: lastInvoice(func(inv *types.Invoice) float64 { return boolValue(inv.AmountToPay == 0) }),
	},
	{
		Key:   "elec_forecasted_usage",
		Name:  "Next Bill Electric Forecasted Usage",
		Unit:  UnitKWh,
		Kind:  KindSensor,
		Scope: ScopeMeter,
		Value: func(in Input) (float64, bool) {
			fci := in.futureConsumption()
			if fci == nil {
				return 0, false
			}
			return fci.FutureConsumption, true
		},
	},
	{
		Key:   "elec_forecasted_cost",
		Name:  "Next Bill Electric Forecasted Cost",
		Unit:  UnitILS,
		Kind:  KindSensor,
		Scope: ScopeMeter,
		Value: func(in Input) (float64, bool) {
			fci := in.futureConsumption()
			if fci == nil {
				return 0, false
			}
			return fci.FutureConsumption * in.Contract.KWhTariff, true
		},
	},
	{
		Key:   "iec_today_elec_usage",
		Name:  "Today Electric Usage",
		Unit:  UnitKWh,
		Kind:  KindSensor,
		Scope: ScopeMeter,
		Value: func(in Input) (float64, bool) {
			return usageOn(in.Contract.DailyReadings[in.MeterID], in.Now)
		},
	},
	{
		Key:   "iec_yesterday_elec_usage",
		Name:  "Yesterday Electric Usage",
		Unit:  UnitKWh,
		Kind:  KindSensor,
		Scope: ScopeMeter,
		Value: func(in Input) (float64, bool) {
			return usageOn(in.Contract.DailyReadings[in.MeterID], in.Now.In(iec.Location).AddDate(0, 0, -1))
		},
	},
	{
		Key:   "iec_this_month_elec_usage",
		Name:  "This Month Electric Usage",
		Unit:  UnitKWh,
		Kind:  KindSensor,
		Scope: ScopeMeter,
		Value: func(in Input) (float64, bool) {
			return usageInMonth(in.Contract.DailyReadings[in.MeterID], in.Now)
		},
	},
	{
		Key:   "iec_total_elec_usage",
		Name:  "Total Electric Usage",
		Unit:  UnitKWh,
		Kind:  KindSensor,
		Scope: ScopeMeter,
		Value: func(in Input) (float64, bool) {
			fci := in.futureConsumption()
			if fci == nil || fci.TotalImport == 0 {
				return 0, false
			}
			return fci.TotalImport, true
		},
	},
	{
		Key:   "iec_next_bill_estimate",
		Name:  "Next Bill Estimated Cost",
		Unit:  UnitILS,
		Kind:  KindSensor,
		Scope: ScopeMeter,
		Value: func(in Input) (float64, bool) {
			if in.Contract.EstimatedBill == nil {
				return 0, false
			}
			return in.Contract.EstimatedBill.Total, true
		},
		Attributes: func(in Input) map[string]any {
			bill := in.Contract.EstimatedBill
			if bill == nil {
				return nil
			}
			return map[string]any{
				"total_days":         bill.Days,
				"consumption_price":  bill.ConsumptionPrice,
				"fixed_price":        bill.FixedPrice,
				"delivery_price":     bill.DeliveryPrice,
				"distribution_price": bill.DistributionPrice,
				"total_kva_price":    bill.TotalKVAPrice,
				"kwh_consumption":    bill.KWhConsumption,
			}
		},
	},
}

// Evaluate returns the state of every sensor for data.
func Evaluate(data types.Data, now time.Time) []State {
	var states []State
	multi := data.IsMultiContract()

	for _, d := range Descriptions {
		if d.Scope != ScopeStatic {
			continue
		}
		in := Input{Data: data, Now: now}
		s := d.evaluate(in)
		s.UniqueID = d.Key
		s.Device = DeviceInfo{Identifier: types.StatisticSource, Name: "IEC", Manufacturer: manufacturer}
		states = append(states, s)
	}

	for _, contractID := range data.ContractOrder {
		cd, ok := data.Contracts[contractID]
		if !ok {
			continue
		}
		attrs := map[string]any{
			"contract_id":    cd.Attributes.ContractID,
			"is_smart_meter": cd.Attributes.IsSmartMeter,
		}
		if cd.Attributes.MeterID != "" {
			attrs["meter_id"] = cd.Attributes.MeterID
		}
		if multi {
			attrs["is_multi_contract"] = true
		}
		suffix := ""
		if multi {
			suffix = " of " + strconv.Itoa(contractID)
		}

		for _, d := range Descriptions {
			if d.Scope != ScopeContract {
				continue
			}
			s := d.evaluate(Input{Data: data, Contract: cd, Now: now})
			s.UniqueID = strconv.Itoa(contractID) + "_" + d.Key
			s.Name += suffix
			s.ContractID = contractID
			s.Attributes = mergeAttributes(attrs, s.Attributes)
			s.Device = GetDeviceInfo(contractID, cd.Attributes.MeterID, EntityTypeContract)
			states = append(states, s)
		}

		if !cd.Contract.SmartMeter {
			continue
		}
		meters := slices.Sorted(maps.Keys(cd.DailyReadings))
		for _, meterID := range meters {
			meterAttrs := maps.Clone(attrs)
			meterAttrs["meter_id"] = meterID
			for _, d := range Descriptions {
				if d.Scope != ScopeMeter {
					continue
				}
				s := d.evaluate(Input{Data: data, Contract: cd, MeterID: meterID, Now: now})
				s.UniqueID = strconv.Itoa(contractID) + "_" + meterID + "_" + d.Key
				s.Name += suffix
				s.ContractID = contractID
				s.MeterID = meterID
				s.Attributes = mergeAttributes(meterAttrs, s.Attributes)
				s.Device = GetDeviceInfo(contractID, meterID, EntityTypeMeter)
				states = append(states, s)
			}
		}
	}
	return states
}

func (d Description) evaluate(in Input) State {
	s := State{
		Key:  d.Key,
		Name: d.Name,
		Kind: d.Kind,
		Unit: d.Unit,
	}
	if v, ok := d.Value(in); ok {
		s.Value = &v
		if d.Kind == KindBinarySensor {
			on := v != 0
			s.IsOn = &on
		}
	}
	if d.Attributes != nil {
		s.Attributes = d.Attributes(in)
	}
	return s
}

func mergeAttributes(base, extra map[string]any) map[string]any {
	merged := maps.Clone(base)
	maps.Copy(merged, extra)
	return merged
}
