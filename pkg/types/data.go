package types

import "time"

// Statics are values shared by every contract of the customer.
type Statics struct {
	KWhTariff float64 `json:"kwhTariff"`
	KVATariff float64 `json:"kvaTariff"`
	BPNumber  string  `json:"bpNumber"`
}

// ContractAttributes are attached to every sensor of a contract.
type ContractAttributes struct {
	ContractID   string `json:"contractID"`
	IsSmartMeter bool   `json:"isSmartMeter"`
	MeterID      string `json:"meterID,omitempty"`
}

// EstimatedBill is the best effort estimation of the next invoice.
type EstimatedBill struct {
	Total             float64 `json:"total"`
	FixedPrice        float64 `json:"fixedPrice"`
	ConsumptionPrice  float64 `json:"consumptionPrice"`
	Days              int     `json:"days"`
	DeliveryPrice     float64 `json:"deliveryPrice"`
	DistributionPrice float64 `json:"distributionPrice"`
	TotalKVAPrice     float64 `json:"totalKVAPrice"`
	KWhConsumption    float64 `json:"kwhConsumption"`
}

// ContractData is everything gathered for a single contract in one refresh.
type ContractData struct {
	Contract Contract `json:"contract"`
	// LastInvoice is nil when the contract has no electric invoice yet.
	LastInvoice *Invoice `json:"lastInvoice,omitempty"`
	// FutureConsumption and DailyReadings are keyed by device number.
	FutureConsumption map[string]*FutureConsumptionInfo `json:"futureConsumption"`
	DailyReadings     map[string][]RemoteReading        `json:"dailyReadings"`
	KWhTariff         float64                           `json:"kwhTariff"`
	Attributes        ContractAttributes                `json:"attributes"`
	EstimatedBill     *EstimatedBill                    `json:"estimatedBill,omitempty"`
}

// Data is the result of a refresh.
type Data struct {
	Statics   Statics              `json:"statics"`
	Contracts map[int]ContractData `json:"contracts"`
	// ContractOrder preserves the order contracts were selected in.
	ContractOrder []int     `json:"contractOrder"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// IsMultiContract returns true when more than one contract is tracked.
func (d Data) IsMultiContract() bool {
	return len(d.Contracts) > 1
}
