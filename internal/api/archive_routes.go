package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/models"
)

// handleArchiveRange serves archived points between ?start= and ?end=
// (YYYY-MM-DD, inclusive). Both default to today.
func (s *Server) handleArchiveRange(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}

	today := time.Now().UTC().Format("2006-01-02")
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	if start == "" {
		start = today
	}
	if end == "" {
		end = today
	}
	if !validateDate(start) || !validateDate(end) {
		writeError(w, http.StatusBadRequest, "invalid date format, expected YYYY-MM-DD")
		return
	}

	from, _ := time.Parse("2006-01-02", start)
	to, _ := time.Parse("2006-01-02", end)
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	}

	symbol := strings.ToUpper(r.PathValue("symbol"))
	pts, err := s.archive.GetRange(r.Context(), symbol, from, to.Add(24*time.Hour-time.Nanosecond))
	if err != nil {
		s.log.Error("archive range failed", zap.String("symbol", symbol), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch archived points")
		return
	}
	if limit := parseLimit(r, maxQueryLimit); limit < len(pts) {
		pts = pts[len(pts)-limit:]
	}
	if pts == nil {
		pts = []models.Point{}
	}
	writeJSON(w, http.StatusOK, models.PriceSeries{Ticker: symbol, Points: pts})
}
