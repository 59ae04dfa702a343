package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/iecmeter/iecmeter/pkg/coordinator"
	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/sensor"
	"github.com/iecmeter/iecmeter/pkg/types"
)

// refreshLoop refreshes once at startup and then every update interval. Forced
// updates are run by the loop so refreshes never overlap.
func (s *Server) refreshLoop(ctx context.Context) {
	s.refresh(ctx)

	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.reauthRequired() {
				log.Ctx(ctx).WarnContext(ctx, "skipping refresh, iec-login has to be run again")
				continue
			}
			s.refresh(ctx)
		case req := <-s.updates:
			req.result <- s.refresh(ctx)
		}
	}
}

func (s *Server) reauthRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reauthNeeded
}

func (s *Server) refresh(ctx context.Context) error {
	start := s.now()
	data, err := s.coordinator.Refresh(ctx)
	dur := s.now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAttemptAt = start
	s.lastError = err

	switch {
	case err == nil:
		observeRefresh("success", dur)
		s.data = data
		s.hasData = true
		s.reauthNeeded = false
		reauthRequired.Set(0)
		lastRefreshTimestamp.Set(float64(data.UpdatedAt.Unix()))
		publishSensors(sensor.Evaluate(data, start))
		log.Ctx(ctx).InfoContext(ctx, "refreshed iec data", slog.Int("contracts", len(data.ContractOrder)), slog.Duration("duration", dur))
	case errors.Is(err, coordinator.ErrPaused):
		observeRefresh("paused", dur)
		log.Ctx(ctx).InfoContext(ctx, "updates are paused")
	case errors.Is(err, iec.ErrAuthFailed):
		observeRefresh("auth_failed", dur)
		s.reauthNeeded = true
		reauthRequired.Set(1)
		log.Ctx(ctx).ErrorContext(ctx, "iec authentication failed, run iec-login", slog.Any("error", err))
	default:
		observeRefresh("error", dur)
		log.Ctx(ctx).ErrorContext(ctx, "refresh failed, keeping previous data", slog.Any("error", err))
	}
	return err
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := updateRequest{result: make(chan error, 1)}
	select {
	case s.updates <- req:
	case <-ctx.Done():
		return
	}

	var err error
	select {
	case err = <-req.result:
	case <-ctx.Done():
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrPaused):
		writeJSONError(w, "updates are paused", http.StatusConflict)
		return
	case errors.Is(err, iec.ErrAuthFailed):
		writeJSONError(w, "iec authentication failed, run iec-login", http.StatusUnauthorized)
		return
	default:
		writeJSONError(w, "failed to update", http.StatusInternalServerError)
		return
	}

	s.mu.RLock()
	updatedAt := s.data.UpdatedAt
	s.mu.RUnlock()
	writeJSON(w, struct {
		Success   bool      `json:"success"`
		UpdatedAt time.Time `json:"updatedAt"`
	}{
		Success:   true,
		UpdatedAt: updatedAt,
	})
}

type debugResponse struct {
	HasData       bool       `json:"hasData"`
	ReauthNeeded  bool       `json:"reauthNeeded"`
	LastAttemptAt time.Time  `json:"lastAttemptAt"`
	LastError     string     `json:"lastError,omitempty"`
	Data          types.Data `json:"data"`
}

func (s *Server) handleDebugCoordinator(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastError string
	if s.lastError != nil {
		lastError = s.lastError.Error()
	}
	writeJSON(w, debugResponse{
		HasData:       s.hasData,
		ReauthNeeded:  s.reauthNeeded,
		LastAttemptAt: s.lastAttemptAt,
		LastError:     lastError,
		Data:          s.data,
	})
}
