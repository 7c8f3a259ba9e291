// Package recorder archives live feed buffers to the point store. It keeps
// only the newest buffer per symbol between flushes and writes points at or
// after the last time it already stored.
package recorder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/feed"
	"github.com/kjannette/marketdash/internal/models"
)

// Store persists points. *repository.PointRepo satisfies it.
type Store interface {
	Upsert(ctx context.Context, symbol string, pts []models.Point) (int, error)
}

type Options struct {
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	Logger        *zap.Logger
}

type Recorder struct {
	store Store
	opts  Options
	log   *zap.Logger

	mu      sync.Mutex
	pending map[string][]models.Point
	last    map[string]time.Time

	flushMu sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(store Store, opts Options) *Recorder {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		store:   store,
		opts:    opts,
		log:     log.Named("recorder"),
		pending: make(map[string][]models.Point),
		last:    make(map[string]time.Time),
	}
}

// Observe takes a feed update. It never blocks on the store, so it is safe
// to register with feed.Controller.Listen.
func (r *Recorder) Observe(u feed.Update) {
	if u.Kind != feed.PointsChanged || len(u.Points) == 0 {
		return
	}
	r.mu.Lock()
	r.pending[u.Symbol] = u.Points
	r.mu.Unlock()
}

// Start flushes on an interval until Stop.
func (r *Recorder) Start() {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.opts.FlushTimeout)
				if err := r.Flush(ctx); err != nil {
					r.log.Warn("flush failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
	r.log.Info("started", zap.Duration("interval", r.opts.FlushInterval))
}

// Stop ends the flush loop and writes whatever is still pending.
func (r *Recorder) Stop(ctx context.Context) error {
	if r.stopCh != nil {
		close(r.stopCh)
		<-r.doneCh
		r.stopCh = nil
	}
	return r.Flush(ctx)
}

// Flush writes pending points. Symbols that fail stay pending for the next
// flush unless a newer buffer replaces them first.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string][]models.Point)
	r.mu.Unlock()

	symbols := make([]string, 0, len(batch))
	for s := range batch {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var errs []error
	for _, sym := range symbols {
		pts := r.fresh(sym, batch[sym])
		if len(pts) == 0 {
			continue
		}
		n, err := r.store.Upsert(ctx, sym, pts)
		if err != nil {
			errs = append(errs, err)
			r.mu.Lock()
			if _, newer := r.pending[sym]; !newer {
				r.pending[sym] = batch[sym]
			}
			r.mu.Unlock()
			continue
		}
		r.mu.Lock()
		r.last[sym] = pts[len(pts)-1].Time
		r.mu.Unlock()
		r.log.Debug("archived points", zap.String("symbol", sym), zap.Int("count", n))
	}
	return errors.Join(errs...)
}

// fresh drops points older than the newest one already stored. The newest
// stored point is rewritten since its bar may still be filling.
func (r *Recorder) fresh(symbol string, pts []models.Point) []models.Point {
	r.mu.Lock()
	last, ok := r.last[symbol]
	r.mu.Unlock()
	if !ok {
		return pts
	}
	i := sort.Search(len(pts), func(i int) bool { return !pts[i].Time.Before(last) })
	return pts[i:]
}
