package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/httputil"
)

type Sender struct {
	webhookURL string
	botName    string
	httpClient *http.Client
	retry      httputil.RetryConfig
	log        *zap.Logger
}

func NewSender(webhookURL, botName string, log *zap.Logger) *Sender {
	if botName == "" {
		botName = "marketdash"
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("notify")
	return &Sender{
		webhookURL: webhookURL,
		botName:    botName,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Second,
			Logger:      log,
		},
		log: log,
	}
}

// Send logs msg and posts it to the webhook, retrying on failure. It blocks
// until delivery settles; callers on hot paths use Notify.
func (s *Sender) Send(msg string) {
	formatted := fmt.Sprintf("[%s] %s", s.botName, msg)
	s.log.Info(formatted)

	if s.webhookURL == "" {
		return
	}

	payload := s.formatPayload(formatted)
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal webhook payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, s.httpClient, s.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		s.log.Warn("webhook delivery failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// Notify sends msg in the background.
func (s *Sender) Notify(msg string) {
	go s.Send(msg)
}

// FeedDegraded reports a feed that lost its push connection.
func (s *Sender) FeedDegraded(symbol string, interval time.Duration) {
	s.Notify(degradedMessage(symbol, interval))
}

// ChangeRolledBack reports a watchlist change the remote refused.
func (s *Sender) ChangeRolledBack(kind, symbol string) {
	s.Notify(rollbackMessage(kind, symbol))
}

func degradedMessage(symbol string, interval time.Duration) string {
	return fmt.Sprintf("%s live feed lost, polling every %s", symbol, interval)
}

func rollbackMessage(kind, symbol string) string {
	return fmt.Sprintf("watchlist %s %s failed and was rolled back", kind, symbol)
}

func (s *Sender) formatPayload(msg string) map[string]string {
	if strings.Contains(s.webhookURL, "discord") {
		return map[string]string{
			"content":  msg,
			"username": s.botName,
		}
	}
	return map[string]string{
		"text":     fmt.Sprintf("`%s`", msg),
		"username": s.botName,
	}
}

func (s *Sender) Enabled() bool {
	return s.webhookURL != ""
}
