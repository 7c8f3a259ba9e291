package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loader reloads state from its remote. *watchlist.Store satisfies it.
type Loader interface {
	Load(ctx context.Context) error
}

type ResyncConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnResult, if set, is called after every attempt with its error.
	OnResult func(err error)
	Logger   *zap.Logger
}

// Resync reloads the watchlist on a fixed interval so local state picks up
// changes made elsewhere. Loads go through the store's queue and never race
// a pending mutation.
type Resync struct {
	loader Loader
	cfg    ResyncConfig
	log    *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewResync(loader Loader, cfg ResyncConfig) *Resync {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Resync{loader: loader, cfg: cfg, log: log.Named("resync")}
}

func (r *Resync) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.log.Debug("already running")
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
				_ = r.SyncNow(ctx)
				cancel()
			}
		}
	}()

	r.log.Info("started", zap.Duration("interval", r.cfg.Interval))
}

// Stop ends the ticker and waits for an in-progress load to return.
func (r *Resync) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.running = false
	done := r.doneCh
	r.mu.Unlock()

	<-done
	r.log.Info("stopped")
}

func (r *Resync) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// SyncNow reloads immediately, outside the schedule.
func (r *Resync) SyncNow(ctx context.Context) error {
	err := r.loader.Load(ctx)
	if err != nil {
		r.log.Warn("watchlist resync failed", zap.Error(err))
	} else {
		r.log.Debug("watchlist resynced")
	}
	if r.cfg.OnResult != nil {
		r.cfg.OnResult(err)
	}
	return err
}
