package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/watchlist"
)

type watchlistJSON struct {
	Items   []string      `json:"items"`
	Pending []pendingJSON `json:"pending"`
}

type pendingJSON struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Symbol string `json:"symbol"`
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.watchlistView())
}

func (s *Server) handleWatchlistAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.writeMutation(w, s.watchlist.Add(r.Context(), body.Symbol))
}

func (s *Server) handleWatchlistRemove(w http.ResponseWriter, r *http.Request) {
	s.writeMutation(w, s.watchlist.Remove(r.Context(), r.PathValue("symbol")))
}

func (s *Server) writeMutation(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.watchlistView())
	case errors.Is(err, watchlist.ErrInvalidSymbol):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, watchlist.ErrRolledBack):
		s.log.Info("watchlist mutation rolled back", zap.Error(err))
		writeError(w, http.StatusBadGateway, "remote rejected the change; it was rolled back")
	case errors.Is(err, watchlist.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "watchlist unavailable")
	default:
		s.log.Warn("watchlist mutation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "watchlist mutation failed")
	}
}

func (s *Server) watchlistView() watchlistJSON {
	pending := s.watchlist.Pending()
	out := watchlistJSON{Items: s.watchlist.Items(), Pending: make([]pendingJSON, len(pending))}
	for i, p := range pending {
		out.Pending[i] = pendingJSON{ID: p.ID, Kind: string(p.Kind), Symbol: p.Symbol}
	}
	return out
}
