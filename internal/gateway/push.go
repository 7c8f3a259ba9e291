package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Stream yields raw point payloads from one long-lived push connection.
// Recv returns an error only when the connection itself fails or closes;
// the error always matches ErrTransport. Decoding payloads is the caller's
// job, so a bad message never ends the stream.
type Stream interface {
	Recv() ([]byte, error)
	Close() error
}

// PushSource opens a push stream scoped to one symbol. Cancelling ctx
// closes the stream and unblocks Recv.
type PushSource interface {
	Open(ctx context.Context, symbol string) (Stream, error)
}

// Push transport names accepted by NewPushSource.
const (
	PushSSE       = "sse"
	PushWebSocket = "ws"
	PushRedis     = "redis"
	PushNone      = "none"
)

// PushConfig collects what each transport needs; unused fields are ignored.
type PushConfig struct {
	Transport string
	BaseURL   string
	WSBaseURL string
	Token     string
	Redis     RedisOptions
	// LiveWindow is the trailing range sent with SSE live requests.
	LiveWindow time.Duration
}

// NewPushSource builds the configured transport. PushNone returns a nil
// source, which puts feeds straight into polling.
func NewPushSource(cfg PushConfig) (PushSource, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", PushSSE:
		return NewSSESource(cfg.BaseURL, cfg.Token, cfg.LiveWindow), nil
	case PushWebSocket:
		base := cfg.WSBaseURL
		if base == "" {
			base = wsURLFromHTTP(cfg.BaseURL)
		}
		return NewWSSource(base, cfg.Token), nil
	case PushRedis:
		return NewRedisSource(cfg.Redis), nil
	case PushNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown push transport %q", cfg.Transport)
	}
}

func wsURLFromHTTP(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func ohlcvPath(symbol string) string {
	return "/api/instrument/" + url.PathEscape(symbol) + "/ohlcv"
}
