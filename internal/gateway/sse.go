package gateway

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"github.com/kjannette/marketdash/internal/httputil"
)

const (
	defaultLiveWindow   = 24 * time.Hour
	defaultMaxEventSize = 64 * 1024
)

// SSESource subscribes through the live variant of the range endpoint
// (?live=true), which answers with a text/event-stream of point payloads.
// Each Open is one connection; there is no automatic reconnect.
type SSESource struct {
	baseURL      string
	token        string
	window       time.Duration
	maxEventSize int
	httpClient   *http.Client
}

// NewSSESource builds a source whose live requests carry a trailing
// start/end range of window length, as the range endpoint requires.
func NewSSESource(baseURL, token string, window time.Duration) *SSESource {
	if window <= 0 {
		window = defaultLiveWindow
	}
	return &SSESource{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		window:       window,
		maxEventSize: defaultMaxEventSize,
		// No client timeout; ctx bounds the open body.
		httpClient: &http.Client{},
	}
}

func (s *SSESource) Open(ctx context.Context, symbol string) (Stream, error) {
	end := time.Now()
	q := rangeQuery(end.Add(-s.window), end)
	q.Set("live", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+ohlcvPath(symbol)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, transportErr("open event stream", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, transportErr("open event stream", err)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return nil, transportErr("open event stream", err)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, transportErr("open event stream", fmt.Errorf("unexpected content type %q", ct))
	}

	events := sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: s.maxEventSize})
	next, stop := iter.Pull2[sse.Event, error](events)
	return &sseStream{body: resp.Body, next: next, stop: stop}, nil
}

// sseStream is used from a single goroutine; Close must not race Recv.
type sseStream struct {
	body io.ReadCloser
	next func() (sse.Event, error, bool)
	stop func()
}

// Recv returns the data of the next event. Events without data are
// skipped; multi-line data arrives joined with newlines.
func (st *sseStream) Recv() ([]byte, error) {
	for {
		ev, err, ok := st.next()
		if !ok {
			return nil, transportErr("event stream recv", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return nil, transportErr("event stream recv", err)
		}
		if ev.Data == "" {
			continue
		}
		return []byte(ev.Data), nil
	}
}

func (st *sseStream) Close() error {
	err := st.body.Close()
	st.stop()
	return err
}
