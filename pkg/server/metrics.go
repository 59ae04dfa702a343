package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iecmeter/iecmeter/pkg/sensor"
)

var (
	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iecmeter",
			Name:      "refresh_total",
			Help:      "Total number of refreshes by result.",
		},
		[]string{"result"},
	)
	refreshDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "iecmeter",
			Name:      "refresh_duration_seconds",
			Help:      "Refresh latency in seconds.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
	lastRefreshTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iecmeter",
			Name:      "last_successful_refresh_timestamp_seconds",
			Help:      "Unix time of the last successful refresh.",
		},
	)
	reauthRequired = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iecmeter",
			Name:      "reauth_required",
			Help:      "1 if the IEC session expired and iec-login has to be run again.",
		},
	)
	sensorValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "iecmeter",
			Name:      "sensor_value",
			Help:      "Current value of every known sensor.",
		},
		[]string{"key", "contract", "meter", "unit"},
	)
)

func observeRefresh(result string, dur time.Duration) {
	refreshTotal.WithLabelValues(result).Inc()
	refreshDurationSeconds.Observe(dur.Seconds())
}

// publishSensors replaces the sensor gauges. Sensors with an unknown value
// are not exported.
func publishSensors(states []sensor.State) {
	sensorValue.Reset()
	for _, s := range states {
		if s.Value == nil {
			continue
		}
		contract := ""
		if s.ContractID != 0 {
			contract = strconv.Itoa(s.ContractID)
		}
		sensorValue.WithLabelValues(s.Key, contract, s.MeterID, s.Unit).Set(*s.Value)
	}
}
