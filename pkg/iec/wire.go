package iec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/iecmeter/iecmeter/pkg/types"
)

// Location is the time zone IEC reports every local timestamp in.
var Location = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Jerusalem")
	if err != nil {
		panic(fmt.Errorf("failed to load israel time location: %w", err))
	}
	return loc
}()

var iecTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// iecTime parses the zone-less timestamps IEC returns as Israel local time.
type iecTime time.Time

func (t *iecTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = iecTime{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*t = iecTime{}
		return nil
	}
	for _, layout := range iecTimeLayouts {
		if parsed, err := time.ParseInLocation(layout, s, Location); err == nil {
			*t = iecTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("invalid iec time: %q", s)
}

func (t iecTime) Time() time.Time {
	return time.Time(t)
}

func decodeJSON(r io.Reader, dest any) error {
	return json.NewDecoder(r).Decode(dest)
}

// paddedInt decodes IDs IEC sends as zero padded strings, or sometimes as
// plain numbers.
type paddedInt int

func (p *paddedInt) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*p = 0
		return nil
	}
	s := string(b)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	s = strings.TrimLeft(strings.TrimSpace(s), "0")
	if s == "" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid iec id %s: %w", b, err)
	}
	*p = paddedInt(n)
	return nil
}

type wireContract struct {
	ContractID          paddedInt `json:"contractId"`
	Status              int       `json:"status"`
	SmartMeter          bool      `json:"smartMeter"`
	FromPrivateProducer bool      `json:"fromPrivateProducer"`
	Address             string    `json:"address"`
	CityName            string    `json:"cityName"`
	TotalDebt           float64   `json:"totalDebt"`
	Frequency           int       `json:"frequency"`
}

func (w wireContract) toType() types.Contract {
	return types.Contract{
		ContractID:          int(w.ContractID),
		Status:              w.Status,
		SmartMeter:          w.SmartMeter,
		FromPrivateProducer: w.FromPrivateProducer,
		Address:             w.Address,
		CityName:            w.CityName,
		TotalDebt:           w.TotalDebt,
		Frequency:           w.Frequency,
	}
}

type wireMeterReading struct {
	Reading     int     `json:"reading"`
	ReadingDate iecTime `json:"readingDate"`
}

func (w wireMeterReading) toType() types.MeterReading {
	return types.MeterReading{
		Reading:     w.Reading,
		ReadingDate: w.ReadingDate.Time(),
	}
}

func meterReadingsToType(ws []wireMeterReading) []types.MeterReading {
	if ws == nil {
		return nil
	}
	out := make([]types.MeterReading, len(ws))
	for i, w := range ws {
		out[i] = w.toType()
	}
	return out
}

type wireCounterDevice struct {
	LastMR         int                  `json:"lastMR"`
	LastMRDate     iecTime              `json:"lastMRDate"`
	ConnectionSize types.ConnectionSize `json:"connectionSize"`
}

type wireDevices struct {
	CounterDevices []wireCounterDevice `json:"counterDevices"`
}

func (w wireDevices) toType() *types.Devices {
	d := &types.Devices{
		CounterDevices: make([]types.CounterDevice, len(w.CounterDevices)),
	}
	for i, cd := range w.CounterDevices {
		d.CounterDevices[i] = types.CounterDevice{
			LastMR:         cd.LastMR,
			LastMRDate:     cd.LastMRDate.Time(),
			ConnectionSize: cd.ConnectionSize,
		}
	}
	return d
}

type wireLastMeter struct {
	SerialNumber  string             `json:"serialNumber"`
	MeterReadings []wireMeterReading `json:"meterReadings"`
}

type wireLastMeterReadings struct {
	ContractAccount string          `json:"contractAccount"`
	LastMeters      []wireLastMeter `json:"lastMeters"`
}

func (w wireLastMeterReadings) toType() *types.LastMeterReadings {
	r := &types.LastMeterReadings{
		ContractAccount: w.ContractAccount,
		LastMeters:      make([]types.LastMeter, len(w.LastMeters)),
	}
	for i, lm := range w.LastMeters {
		r.LastMeters[i] = types.LastMeter{
			SerialNumber:  lm.SerialNumber,
			MeterReadings: meterReadingsToType(lm.MeterReadings),
		}
	}
	return r
}

type wireRemoteReading struct {
	Status int     `json:"status"`
	Date   iecTime `json:"date"`
	Value  float64 `json:"value"`
}

type wireFutureConsumptionInfo struct {
	LastInvoiceDate     iecTime `json:"lastInvoiceDate"`
	CurrentDate         iecTime `json:"currentDate"`
	TotalImport         float64 `json:"totalImport"`
	FutureConsumption   float64 `json:"futureConsumption"`
	TotalImportDateTime iecTime `json:"totalImportDateTime"`
}

type wireRemoteReadingResponse struct {
	MeterStartDate        iecTime                   `json:"meterStartDate"`
	TotalImport           float64                   `json:"totalImport"`
	FutureConsumptionInfo wireFutureConsumptionInfo `json:"futureConsumptionInfo"`
	Data                  []wireRemoteReading       `json:"data"`
}

func (w wireRemoteReadingResponse) toType() *types.RemoteReadingResponse {
	r := &types.RemoteReadingResponse{
		MeterStartDate: w.MeterStartDate.Time(),
		TotalImport:    w.TotalImport,
		FutureConsumptionInfo: types.FutureConsumptionInfo{
			LastInvoiceDate:     w.FutureConsumptionInfo.LastInvoiceDate.Time(),
			CurrentDate:         w.FutureConsumptionInfo.CurrentDate.Time(),
			TotalImport:         w.FutureConsumptionInfo.TotalImport,
			FutureConsumption:   w.FutureConsumptionInfo.FutureConsumption,
			TotalImportDateTime: w.FutureConsumptionInfo.TotalImportDateTime.Time(),
		},
		Data: make([]types.RemoteReading, len(w.Data)),
	}
	for i, d := range w.Data {
		r.Data[i] = types.RemoteReading{
			Status: d.Status,
			Date:   d.Date.Time(),
			Value:  d.Value,
		}
	}
	return r
}

type wireInvoice struct {
	InvoiceID     int64              `json:"invoiceId"`
	DocumentID    string             `json:"documentID"`
	FullDate      iecTime            `json:"fullDate"`
	FromDate      iecTime            `json:"fromDate"`
	ToDate        iecTime            `json:"toDate"`
	LastDate      iecTime            `json:"lastDate"`
	AmountOrigin  float64            `json:"amountOrigin"`
	AmountToPay   float64            `json:"amountToPay"`
	AmountPaid    float64            `json:"amountPaid"`
	Consumption   float64            `json:"consumption"`
	DaysPeriod    json.Number        `json:"daysPeriod"`
	MeterReadings []wireMeterReading `json:"meterReadings"`
}

type wireInvoices struct {
	TotalAmountToPay float64       `json:"totalAmountToPay"`
	Invoices         []wireInvoice `json:"invoices"`
}

func (w wireInvoices) toType() *types.Invoices {
	r := &types.Invoices{
		TotalAmountToPay: w.TotalAmountToPay,
		Invoices:         make([]types.Invoice, len(w.Invoices)),
	}
	for i, inv := range w.Invoices {
		// daysPeriod is sent as either a string or a number
		days, _ := inv.DaysPeriod.Int64()
		r.Invoices[i] = types.Invoice{
			InvoiceID:     inv.InvoiceID,
			DocumentID:    inv.DocumentID,
			FullDate:      inv.FullDate.Time(),
			FromDate:      inv.FromDate.Time(),
			ToDate:        inv.ToDate.Time(),
			LastDate:      inv.LastDate.Time(),
			AmountOrigin:  inv.AmountOrigin,
			AmountToPay:   inv.AmountToPay,
			AmountPaid:    inv.AmountPaid,
			Consumption:   inv.Consumption,
			DaysPeriod:    int(days),
			MeterReadings: meterReadingsToType(inv.MeterReadings),
		}
	}
	return r
}

type wireRemoteReadingRequest struct {
	MeterSerialNumber string `json:"meterSerialNumber"`
	MeterCode         string `json:"meterCode"`
	FromDate          string `json:"fromDate"`
	ToDate            string `json:"toDate"`
	Resolution        int    `json:"resolution"`
}

type homeTariffs struct {
	KWhTariff float64 `json:"kwhTariff"`
	KVATariff float64 `json:"kvaTariff"`
}

type tariffValue struct {
	Tariff float64 `json:"tariff"`
}

type powerSizeValue struct {
	PowerSize float64 `json:"powerSize"`
}

type masaConnectionSize struct {
	RepresentativeConnectionSize string `json:"representativeConnectionSize"`
}
