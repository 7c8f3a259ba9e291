package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/feed"
	"github.com/kjannette/marketdash/internal/models"
	"github.com/kjannette/marketdash/internal/watchlist"
)

const maxQueryLimit = 1000

var dateRegexp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Archive is the read side of the point archive. *repository.PointRepo
// satisfies it.
type Archive interface {
	GetRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Point, error)
}

// Pinger reports database reachability. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Feeds     *feed.Controller
	Watchlist *watchlist.Store
	// Archive and DB are nil when archiving is disabled.
	Archive Archive
	DB      Pinger
	Logger  *zap.Logger
}

type Server struct {
	feeds      *feed.Controller
	watchlist  *watchlist.Store
	archive    Archive
	db         Pinger
	log        *zap.Logger
	httpServer *http.Server
	apiKey     string
}

func NewServer(deps Deps, port int, apiKey, corsOrigin string) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		feeds:     deps.Feeds,
		watchlist: deps.Watchlist,
		archive:   deps.Archive,
		db:        deps.DB,
		log:       log.Named("api"),
		apiKey:    apiKey,
	}

	mux := http.NewServeMux()

	// Feed routes
	mux.HandleFunc("GET /v1/feeds", s.handleFeeds)
	mux.HandleFunc("GET /v1/feeds/{symbol}/points", s.handleFeedPoints)

	// Watchlist routes
	mux.HandleFunc("GET /v1/watchlist", s.handleWatchlist)
	mux.HandleFunc("POST /v1/watchlist", s.handleWatchlistAdd)
	mux.HandleFunc("DELETE /v1/watchlist/{symbol}", s.handleWatchlistRemove)

	// Archive routes
	mux.HandleFunc("GET /v1/archive/{symbol}", s.handleArchiveRange)

	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	handler := corsMiddleware(s.authMiddleware(mux), corsOrigin)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler exposes the routed handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("local API listening",
		zap.String("addr", "http://localhost"+s.httpServer.Addr),
		zap.Bool("auth", s.apiKey != ""))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- validation helpers ---

func validateDate(date string) bool {
	if !dateRegexp.MatchString(date) {
		return false
	}
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}

func parseLimit(r *http.Request, defaultLimit int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
