package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iecmeter/iecmeter/pkg/log"
)

// maxStatisticsRange is the longest range of hourly points returned at once.
const maxStatisticsRange = 31 * 24 * time.Hour

// handleStatistics lists the statistic series or, given an id, returns its
// points in the requested range.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := r.URL.Query().Get("id")
	if id == "" {
		metas, err := s.storage.ListStatistics(ctx)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to list statistics", slog.Any("error", err))
			writeJSONError(w, "failed to list statistics", http.StatusInternalServerError)
			return
		}
		writeJSON(w, metas)
		return
	}

	start, end, err := parseTimeRange(r, s.now())
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	points, err := s.storage.GetStatistics(ctx, id, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get statistics", slog.String("id", id), slog.Any("error", err))
		writeJSONError(w, "failed to get statistics", http.StatusInternalServerError)
		return
	}

	// Past ranges never change, the current one changes once an hour at most.
	if end.Before(s.now().Add(-48 * time.Hour)) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=300")
	}
	writeJSON(w, points)
}

func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		return now.Add(-24 * time.Hour), now, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxStatisticsRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 31 days")
	}

	return start, end, nil
}
