package api

import (
	"net/http"
	"time"

	"github.com/kjannette/marketdash/internal/feed"
	"github.com/kjannette/marketdash/internal/models"
)

type feedJSON struct {
	ID       string     `json:"id"`
	Symbol   string     `json:"symbol"`
	Mode     feed.Mode  `json:"mode"`
	Points   int        `json:"points"`
	LastTime *time.Time `json:"last_time,omitempty"`
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	subs := s.feeds.Subscriptions()
	out := make([]feedJSON, 0, len(subs))
	for _, sub := range subs {
		pts := sub.Points()
		f := feedJSON{ID: sub.ID, Symbol: sub.Symbol, Mode: sub.Mode(), Points: len(pts)}
		if len(pts) > 0 {
			t := pts[len(pts)-1].Time
			f.LastTime = &t
		}
		out = append(out, f)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleFeedPoints returns the newest points of a live feed, oldest first.
func (s *Server) handleFeedPoints(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.feeds.Lookup(r.PathValue("symbol"))
	if !ok {
		writeError(w, http.StatusNotFound, "no live feed for symbol")
		return
	}

	pts := sub.Points()
	if limit := parseLimit(r, len(pts)); limit < len(pts) {
		pts = pts[len(pts)-limit:]
	}
	writeJSON(w, http.StatusOK, models.PriceSeries{Ticker: sub.Symbol, Points: pts})
}
