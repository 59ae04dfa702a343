package types

import "time"

const (
	StatisticSource   = "iec"
	UnitKilowattHour  = "kWh"
	UnitIsraeliShekel = "ILS"
)

// StatisticMetadata describes a long-term statistic series.
type StatisticMetadata struct {
	StatisticID string `json:"statisticID"`
	Name        string `json:"name"`
	Source      string `json:"source"`
	Unit        string `json:"unit"`
	HasSum      bool   `json:"hasSum"`
	HasMean     bool   `json:"hasMean"`
}

// StatisticPoint is one hour of a statistic series. Sum is cumulative since
// the first reported hour.
type StatisticPoint struct {
	Start time.Time `json:"start"`
	State float64   `json:"state"`
	Sum   float64   `json:"sum"`
}
