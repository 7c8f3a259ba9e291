package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsServer upgrades with gobwas, writes frames, then holds the connection
// until release is closed (or closes it right away when release is nil).
func wsServer(t *testing.T, frames []string, release chan struct{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/instrument/AAPL/ohlcv" {
			http.NotFound(w, r)
			return
		}
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for _, f := range frames {
				if err := wsutil.WriteServerText(conn, []byte(f)); err != nil {
					return
				}
			}
			if release != nil {
				<-release
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsBase(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSSource_ReceivesFramesInOrder(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := wsServer(t, []string{`{"a":1}`, `not json`, `{"a":2}`}, release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := NewWSSource(wsBase(srv), "").Open(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	for _, want := range []string{`{"a":1}`, `not json`, `{"a":2}`} {
		got, err := st.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestWSSource_ServerCloseIsTransport(t *testing.T) {
	srv := wsServer(t, []string{`{"a":1}`}, nil)

	st, err := NewWSSource(wsBase(srv), "").Open(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if _, err := st.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	if _, err := st.Recv(); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport after close, got %v", err)
	}
}

func TestWSSource_CancelUnblocksRecv(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := wsServer(t, nil, release)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := NewWSSource(wsBase(srv), "").Open(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := st.Recv()
		errc <- err
	}()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}
}

func TestWSSource_DialFailureIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := wsBase(srv)

	_, err := NewWSSource(base, "").Open(context.Background(), "AAPL")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport on failed handshake, got %v", err)
	}
	srv.Close()
}
