package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/httputil"
	"github.com/kjannette/marketdash/internal/models"
)

const rangeDateLayout = "2006-01-02"

// Client talks JSON to the dashboard API: range fetches for the feed
// fallback and the watchlist endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	readRetry  httputil.RetryConfig
	writeRetry httputil.RetryConfig
	log        *zap.Logger
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// ReadRetry applies to watchlist and starter reads. Range fetches and
	// mutations always make a single attempt.
	ReadRetry httputil.RetryConfig
	Logger    *zap.Logger
}

func NewClient(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	read := opts.ReadRetry
	if read.MaxAttempts <= 0 {
		read = httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		}
	}
	read.Logger = log
	write := httputil.Once
	write.Logger = log

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: &http.Client{Timeout: timeout},
		readRetry:  read,
		writeRetry: write,
		log:        log,
	}
}

// FetchRange returns the points for symbol between start and end. Entries
// that fail to parse are dropped.
func (c *Client) FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Point, error) {
	const op = "fetch range"

	path := ohlcvPath(symbol) + "?" + rangeQuery(start, end).Encode()

	var body struct {
		Ticker string            `json:"ticker"`
		Points []json.RawMessage `json:"points"`
	}
	if err := c.doJSON(ctx, op, c.writeRetry, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}

	points := make([]models.Point, 0, len(body.Points))
	dropped := 0
	for _, raw := range body.Points {
		p, err := models.ParsePoint(raw)
		if err != nil {
			dropped++
			continue
		}
		points = append(points, p)
	}
	if dropped > 0 {
		c.log.Debug("dropped malformed points", zap.String("symbol", symbol), zap.Int("count", dropped))
	}
	return points, nil
}

func (c *Client) Watchlist(ctx context.Context) ([]string, error) {
	var items []string
	if err := c.doJSON(ctx, "read watchlist", c.readRetry, http.MethodGet, "/api/watchlist/", nil, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []string{}
	}
	return items, nil
}

func (c *Client) AddSymbol(ctx context.Context, symbol string) error {
	payload := map[string]string{"symbol": symbol}
	return c.doJSON(ctx, "add symbol", c.writeRetry, http.MethodPost, "/api/watchlist/", payload, nil)
}

func (c *Client) RemoveSymbol(ctx context.Context, symbol string) error {
	return c.doJSON(ctx, "remove symbol", c.writeRetry, http.MethodDelete, "/api/watchlist/"+url.PathEscape(symbol), nil, nil)
}

func (c *Client) Starters(ctx context.Context) ([]models.StarterWatchlist, error) {
	var out []models.StarterWatchlist
	if err := c.doJSON(ctx, "read starters", c.readRetry, http.MethodGet, "/api/watchlist/starter", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyStarter replaces the remote watchlist with a starter and returns the
// list the server stored.
func (c *Client) ApplyStarter(ctx context.Context, starterID string) ([]string, error) {
	payload := map[string]string{"starter_id": starterID}
	var items []string
	if err := c.doJSON(ctx, "apply starter", c.writeRetry, http.MethodPost, "/api/watchlist/apply", payload, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []string{}
	}
	return items, nil
}

func (c *Client) doJSON(ctx context.Context, op string, retry httputil.RetryConfig, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return malformedErr(op, err)
		}
		body = b
	}

	resp, err := httputil.Do(ctx, c.httpClient, retry, func() (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		return req, nil
	})
	if err != nil {
		return classify(op, err)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return malformedErr(op, err)
	}
	return nil
}

// rangeQuery is the start/end pair the ohlcv endpoint expects, as UTC dates.
func rangeQuery(start, end time.Time) url.Values {
	q := url.Values{}
	q.Set("start", start.UTC().Format(rangeDateLayout))
	q.Set("end", end.UTC().Format(rangeDateLayout))
	return q
}
