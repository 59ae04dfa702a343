package server

import (
	"net/http"
	"time"

	"github.com/iecmeter/iecmeter/pkg/sensor"
)

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	data := s.data
	hasData := s.hasData
	s.mu.RUnlock()

	if !hasData {
		writeJSONError(w, "no data yet", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, struct {
		UpdatedAt time.Time      `json:"updatedAt"`
		Sensors   []sensor.State `json:"sensors"`
	}{
		UpdatedAt: data.UpdatedAt,
		Sensors:   sensor.Evaluate(data, s.now()),
	})
}
