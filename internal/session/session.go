// Package session wires the gateway, feed controller, watchlist store and
// their consumers together and owns their lifecycle. Live feeds follow the
// watchlist: a symbol gets one subscription while it is on the list.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/config"
	"github.com/kjannette/marketdash/internal/db"
	"github.com/kjannette/marketdash/internal/feed"
	"github.com/kjannette/marketdash/internal/gateway"
	"github.com/kjannette/marketdash/internal/notifications"
	"github.com/kjannette/marketdash/internal/recorder"
	"github.com/kjannette/marketdash/internal/repository"
	"github.com/kjannette/marketdash/internal/scheduler"
	"github.com/kjannette/marketdash/internal/watchlist"
)

type Session struct {
	Client    *gateway.Client
	Feeds     *feed.Controller
	Watchlist *watchlist.Store
	// Pool and Points are nil unless archiving is enabled.
	Pool   *pgxpool.Pool
	Points *repository.PointRepo

	cfg      *config.Config
	log      *zap.Logger
	push     gateway.PushSource
	notify   *notifications.Sender
	resync   *scheduler.Resync
	recorder *recorder.Recorder

	mu      sync.Mutex
	running bool
	follow  map[string]*feed.Subscription
	unhook  []func()
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}

	client := gateway.NewClient(gateway.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Timeout: cfg.FeedPollTimeout,
		Logger:  log.Named("gateway"),
	})

	push, err := gateway.NewPushSource(gateway.PushConfig{
		Transport: cfg.FeedPush,
		BaseURL:   cfg.APIBaseURL,
		WSBaseURL: cfg.WSBaseURL,
		Token:     cfg.APIToken,
		Redis: gateway.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		LiveWindow: cfg.FeedPollWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("push source: %w", err)
	}

	s := &Session{
		Client: client,
		cfg:    cfg,
		log:    log.Named("session"),
		push:   push,
		notify: notifications.NewSender(cfg.WebhookURL, cfg.BotName, log),
		follow: make(map[string]*feed.Subscription),
	}

	s.Feeds = feed.New(push, client, feed.Options{
		MaxPoints:    cfg.FeedMaxPoints,
		PollInterval: cfg.FeedPollInterval,
		PollWindow:   cfg.FeedPollWindow,
		PollTimeout:  cfg.FeedPollTimeout,
		Logger:       log,
	})
	s.Watchlist = watchlist.New(client, watchlist.Options{
		QueueSize: cfg.WatchlistQueueSize,
		Logger:    log,
	})
	s.resync = scheduler.NewResync(s.Watchlist, scheduler.ResyncConfig{
		Interval: cfg.WatchlistResyncInterval,
		Logger:   log,
	})

	if cfg.ArchiveEnabled {
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			s.closeComponents()
			return nil, fmt.Errorf("archive database: %w", err)
		}
		if err := db.TestConnection(ctx, pool, log.Named("db")); err != nil {
			pool.Close()
			s.closeComponents()
			return nil, err
		}
		s.Pool = pool
		s.Points = repository.NewPointRepo(pool)
		if err := s.Points.EnsureSchema(ctx); err != nil {
			pool.Close()
			s.closeComponents()
			return nil, err
		}
		s.recorder = recorder.New(s.Points, recorder.Options{Logger: log})
	}

	return s, nil
}

// Start loads the watchlist, opens a feed per symbol and starts the
// background jobs. A failed initial load is logged; the resync retries it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug("already running")
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.hook(s.Watchlist.Subscribe(s.onWatchlistChange))
	s.hook(s.Feeds.Listen(s.onFeedUpdate))
	if s.recorder != nil {
		s.hook(s.Feeds.Listen(s.recorder.Observe))
		s.recorder.Start()
	}

	if err := s.Watchlist.Load(ctx); err != nil {
		s.log.Warn("initial watchlist load failed", zap.Error(err))
	}
	s.resync.Start()

	s.log.Info("session started",
		zap.String("push", s.cfg.FeedPush),
		zap.Int("symbols", len(s.Watchlist.Items())),
		zap.Bool("archive", s.recorder != nil))
	return nil
}

// Stop tears everything down in reverse order of Start.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	unhook := s.unhook
	s.unhook = nil
	s.mu.Unlock()

	if wasRunning {
		s.resync.Stop()
	}
	for _, fn := range unhook {
		fn()
	}
	s.closeComponents()
	if s.recorder != nil && wasRunning {
		if err := s.recorder.Stop(ctx); err != nil {
			s.log.Warn("final archive flush failed", zap.Error(err))
		}
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
	s.log.Info("session stopped")
}

// Followed lists the symbols that currently have a session-owned feed.
func (s *Session) Followed() map[string]*feed.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*feed.Subscription, len(s.follow))
	for k, v := range s.follow {
		out[k] = v
	}
	return out
}

func (s *Session) closeComponents() {
	if s.Feeds != nil {
		s.Feeds.Close()
	}
	if s.Watchlist != nil {
		s.Watchlist.Close()
	}
	if c, ok := s.push.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Debug("close push source", zap.Error(err))
		}
	}
}

func (s *Session) hook(remove func()) {
	s.mu.Lock()
	s.unhook = append(s.unhook, remove)
	s.mu.Unlock()
}

// onWatchlistChange runs on the store goroutine; Subscribe and Cancel do
// not block.
func (s *Session) onWatchlistChange(c watchlist.Change) {
	if c.Reason == watchlist.ReasonRollback {
		s.notify.ChangeRolledBack(string(c.Kind), c.Symbol)
	}

	want := make(map[string]bool, len(c.Items))
	for _, sym := range c.Items {
		want[sym] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	for sym, sub := range s.follow {
		if !want[sym] {
			sub.Cancel()
			delete(s.follow, sym)
		}
	}
	for sym := range want {
		if _, ok := s.follow[sym]; ok {
			continue
		}
		sub, err := s.Feeds.Subscribe(sym)
		if err != nil {
			s.log.Warn("subscribe failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		s.follow[sym] = sub
	}
}

func (s *Session) onFeedUpdate(u feed.Update) {
	if u.Kind == feed.ModeChanged && u.Mode == feed.Polling && s.push != nil {
		s.notify.FeedDegraded(u.Symbol, s.cfg.FeedPollInterval)
	}
}
