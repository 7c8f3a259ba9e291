package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxMessageSize = 512 * 1024

// WSSource opens one WebSocket per symbol; every text or binary frame is one
// point payload.
type WSSource struct {
	baseURL    string
	header     http.Header
	dialer     *websocket.Dialer
	pingPeriod time.Duration
	pongWait   time.Duration
}

func NewWSSource(baseURL, token string) *WSSource {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return &WSSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  h,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
		},
		pingPeriod: 45 * time.Second,
		pongWait:   60 * time.Second,
	}
}

func (s *WSSource) Open(ctx context.Context, symbol string) (Stream, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.baseURL+ohlcvPath(symbol), s.header)
	if err != nil {
		return nil, transportErr("open websocket", err)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	st := &wsStream{conn: conn, pongWait: s.pongWait, done: make(chan struct{})}
	go st.keepalive(ctx, s.pingPeriod)
	return st, nil
}

type wsStream struct {
	conn      *websocket.Conn
	pongWait  time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func (st *wsStream) Recv() ([]byte, error) {
	for {
		mt, msg, err := st.conn.ReadMessage()
		if err != nil {
			return nil, transportErr("websocket recv", err)
		}
		_ = st.conn.SetReadDeadline(time.Now().Add(st.pongWait))
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (st *wsStream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		close(st.done)
		err = st.conn.Close()
	})
	return err
}

// keepalive pings on an interval and closes the connection when ctx ends,
// which unblocks a pending Recv.
func (st *wsStream) keepalive(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			st.Close()
			return
		case <-st.done:
			return
		case <-ticker.C:
			if err := st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
