package gateway

import (
	"fmt"
	"testing"
)

func TestNewPushSource(t *testing.T) {
	cases := []struct {
		transport string
		want      string
	}{
		{"", "*gateway.SSESource"},
		{"sse", "*gateway.SSESource"},
		{"WS", "*gateway.WSSource"},
		{"redis", "*gateway.RedisSource"},
	}
	for _, tc := range cases {
		src, err := NewPushSource(PushConfig{Transport: tc.transport, BaseURL: "http://localhost:8000"})
		if err != nil {
			t.Fatalf("%q: %v", tc.transport, err)
		}
		if got := fmt.Sprintf("%T", src); got != tc.want {
			t.Errorf("%q: got %s, want %s", tc.transport, got, tc.want)
		}
	}

	src, err := NewPushSource(PushConfig{Transport: "none"})
	if err != nil || src != nil {
		t.Fatalf("none: expected nil source, got %v, %v", src, err)
	}
	if _, err := NewPushSource(PushConfig{Transport: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestWSURLFromHTTP(t *testing.T) {
	for in, want := range map[string]string{
		"http://api:8000":   "ws://api:8000",
		"https://api.local": "wss://api.local",
		"ws://already":      "ws://already",
	} {
		if got := wsURLFromHTTP(in); got != want {
			t.Errorf("wsURLFromHTTP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOHLCVPathEscapesSymbol(t *testing.T) {
	if got := ohlcvPath("BRK/B"); got != "/api/instrument/BRK%2FB/ohlcv" {
		t.Fatalf("unexpected path %q", got)
	}
}
