package notifications

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSend_NoWebhook(t *testing.T) {
	s := NewSender("", "TestBot", zap.NewNop())
	if s.Enabled() {
		t.Fatal("should not be enabled with empty URL")
	}
	s.Send("hello from test")
}

func TestSend_SlackFormat(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "TestBot", nil)
	if !s.Enabled() {
		t.Fatal("should be enabled")
	}

	s.Send(degradedMessage("AAPL", 5*time.Second))

	if received["username"] != "TestBot" {
		t.Fatalf("username: got %s", received["username"])
	}
	if !strings.Contains(received["text"], "AAPL live feed lost, polling every 5s") {
		t.Fatalf("text: got %q", received["text"])
	}
}

func TestSend_DiscordFormat(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// URL containing "discord" triggers Discord format
	s := NewSender(srv.URL+"/discord/webhook", "DashBot", nil)
	s.Send(rollbackMessage("add", "GOOG"))

	if received["content"] != "[DashBot] watchlist add GOOG failed and was rolled back" {
		t.Fatalf("content: got %q", received["content"])
	}
	if received["username"] != "DashBot" {
		t.Fatalf("username: got %s", received["username"])
	}
	if _, hasText := received["text"]; hasText {
		t.Fatal("Discord payload should not have 'text' field")
	}
}

func TestNotify_DeliversInBackground(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		got <- body["text"]
	}))
	defer srv.Close()

	NewSender(srv.URL, "", nil).FeedDegraded("MSFT", time.Minute)

	select {
	case text := <-got:
		if !strings.Contains(text, "[marketdash] MSFT live feed lost") {
			t.Fatalf("unexpected text %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestSend_WebhookError(t *testing.T) {
	s := NewSender("http://localhost:1/bogus", "TestBot", nil)
	s.retry.BaseDelay = time.Millisecond
	s.retry.MaxDelay = time.Millisecond
	s.Send("this will fail gracefully")
}

func TestDefaultBotName(t *testing.T) {
	s := NewSender("", "", nil)
	if s.botName != "marketdash" {
		t.Fatalf("expected default bot name, got %s", s.botName)
	}
}
