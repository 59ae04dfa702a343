package types

import (
	"time"

	"github.com/google/uuid"
)

// ContractStatusActive is the status IEC reports for a live contract.
const ContractStatusActive = 1

// ElectricInvoiceDocumentID identifies electricity invoices among the billing
// documents of a contract.
const ElectricInvoiceDocumentID = "1"

// Customer is the IEC customer the logged in user belongs to.
type Customer struct {
	BPNumber     string `json:"bpNumber"`
	CustomerType int    `json:"customerType"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
}

// Contract is a billing agreement between the customer and IEC.
type Contract struct {
	ContractID          int     `json:"contractID"`
	Status              int     `json:"status"`
	SmartMeter          bool    `json:"smartMeter"`
	FromPrivateProducer bool    `json:"fromPrivateProducer"`
	Address             string  `json:"address"`
	CityName            string  `json:"cityName"`
	TotalDebt           float64 `json:"totalDebt"`
	Frequency           int     `json:"frequency"`
}

// Active returns true if IEC still bills the contract.
func (c Contract) Active() bool {
	return c.Status == ContractStatusActive
}

// Device is a physical meter attached to a contract.
type Device struct {
	DeviceType   int    `json:"deviceType"`
	DeviceNumber string `json:"deviceNumber"`
	DeviceCode   string `json:"deviceCode"`
	IsActive     bool   `json:"isActive"`
}

// ConnectionSize describes the grid connection of a meter, for example 1X25
// for a single phase 25A connection.
type ConnectionSize struct {
	Size                         int    `json:"size"`
	Phase                        int    `json:"phase"`
	RepresentativeConnectionSize string `json:"representativeConnectionSize"`
}

// CounterDevice carries the last manual meter read of a device.
type CounterDevice struct {
	LastMR         int            `json:"lastMR"`
	LastMRDate     time.Time      `json:"lastMRDate"`
	ConnectionSize ConnectionSize `json:"connectionSize"`
}

// Devices is the detailed view of a single device.
type Devices struct {
	CounterDevices []CounterDevice `json:"counterDevices"`
}

// MeterReading is a single read of a meter.
type MeterReading struct {
	Reading     int       `json:"reading"`
	ReadingDate time.Time `json:"readingDate"`
}

// LastMeter holds the reads of one meter by serial number.
type LastMeter struct {
	SerialNumber  string         `json:"serialNumber"`
	MeterReadings []MeterReading `json:"meterReadings"`
}

// LastMeterReadings is the response for the last meter readings of a contract.
type LastMeterReadings struct {
	ContractAccount string      `json:"contractAccount"`
	LastMeters      []LastMeter `json:"lastMeters"`
}

// ReadingResolution is the granularity requested from the remote reading API.
type ReadingResolution int

const (
	ReadingResolutionDaily   ReadingResolution = 1
	ReadingResolutionWeekly  ReadingResolution = 2
	ReadingResolutionMonthly ReadingResolution = 3
)

func (r ReadingResolution) String() string {
	switch r {
	case ReadingResolutionDaily:
		return "DAILY"
	case ReadingResolutionWeekly:
		return "WEEKLY"
	case ReadingResolutionMonthly:
		return "MONTHLY"
	default:
		return "UNKNOWN"
	}
}

// RemoteReading is a single consumption sample. DAILY requests return
// quarter-hour samples, WEEKLY and MONTHLY return one sample per day.
type RemoteReading struct {
	Status int       `json:"status"`
	Date   time.Time `json:"date"`
	Value  float64   `json:"value"`
}

// FutureConsumptionInfo is IEC's view of consumption since the last invoice.
type FutureConsumptionInfo struct {
	LastInvoiceDate     time.Time `json:"lastInvoiceDate"`
	CurrentDate         time.Time `json:"currentDate"`
	TotalImport         float64   `json:"totalImport"`
	FutureConsumption   float64   `json:"futureConsumption"`
	TotalImportDateTime time.Time `json:"totalImportDateTime"`
}

// RemoteReadingRequest asks for smart meter readings of one device.
type RemoteReadingRequest struct {
	ContractID int
	DeviceID   string
	DeviceCode string
	From       time.Time
	To         time.Time
	Resolution ReadingResolution
}

// RemoteReadingResponse is the response of the remote reading API.
type RemoteReadingResponse struct {
	MeterStartDate        time.Time             `json:"meterStartDate"`
	TotalImport           float64               `json:"totalImport"`
	FutureConsumptionInfo FutureConsumptionInfo `json:"futureConsumptionInfo"`
	Data                  []RemoteReading       `json:"data"`
}

// Invoice is a billing document.
type Invoice struct {
	InvoiceID     int64          `json:"invoiceID"`
	DocumentID    string         `json:"documentID"`
	FullDate      time.Time      `json:"fullDate"`
	FromDate      time.Time      `json:"fromDate"`
	ToDate        time.Time      `json:"toDate"`
	LastDate      time.Time      `json:"lastDate"`
	AmountOrigin  float64        `json:"amountOrigin"`
	AmountToPay   float64        `json:"amountToPay"`
	AmountPaid    float64        `json:"amountPaid"`
	Consumption   float64        `json:"consumption"`
	DaysPeriod    int            `json:"daysPeriod"`
	MeterReadings []MeterReading `json:"meterReadings"`
}

// Invoices is the billing history of a contract.
type Invoices struct {
	TotalAmountToPay float64   `json:"totalAmountToPay"`
	Invoices         []Invoice `json:"invoices"`
}

// Account is the Masa portal account of the customer.
type Account struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}
