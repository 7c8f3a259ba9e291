// Package feed keeps one live point feed per subscribed symbol. A feed
// prefers the push source and falls back to polling the range endpoint for
// the rest of its life once the push connection is lost.
package feed

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/buffer"
	"github.com/kjannette/marketdash/internal/gateway"
	"github.com/kjannette/marketdash/internal/models"
)

var (
	ErrClosed        = errors.New("feed controller closed")
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// RangeFetcher is the bounded-range read used while polling.
// *gateway.Client satisfies it.
type RangeFetcher interface {
	FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Point, error)
}

type Options struct {
	MaxPoints    int
	PollInterval time.Duration
	PollWindow   time.Duration
	PollTimeout  time.Duration
	// UpdateBuffer is the capacity of each subscription's Updates channel.
	// When a reader falls behind the oldest pending update is dropped.
	UpdateBuffer int
	// OnUpdate, if set, is called from the subscription goroutine for every
	// update, in order. It must not block.
	OnUpdate func(Update)
	Logger   *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxPoints <= 0 {
		o.MaxPoints = buffer.DefaultMax
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PollWindow <= 0 {
		o.PollWindow = 24 * time.Hour
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 10 * time.Second
	}
	if o.UpdateBuffer <= 0 {
		o.UpdateBuffer = 16
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Controller struct {
	push    gateway.PushSource
	fetcher RangeFetcher
	opts    Options
	log     *zap.Logger

	mu        sync.Mutex
	subs      map[string]*Subscription
	listeners map[uint64]func(Update)
	nextID    uint64
	closed    bool
}

// New builds a controller. push may be nil, in which case every
// subscription polls from the start.
func New(push gateway.PushSource, fetcher RangeFetcher, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		push:      push,
		fetcher:   fetcher,
		opts:      opts,
		log:       opts.Logger.Named("feed"),
		subs:      make(map[string]*Subscription),
		listeners: make(map[uint64]func(Update)),
	}
}

// Subscribe starts a feed for symbol. Each call yields an independent
// subscription with its own buffer and connection.
func (c *Controller) Subscribe(symbol string) (*Subscription, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		ID:      uuid.NewString(),
		Symbol:  symbol,
		ctrl:    c,
		ctx:     ctx,
		cancel:  cancel,
		buf:     buffer.New(c.opts.MaxPoints),
		mode:    Disconnected,
		updates: make(chan Update, c.opts.UpdateBuffer),
		done:    make(chan struct{}),
		log:     c.log.With(zap.String("symbol", symbol)),
	}
	c.subs[s.ID] = s
	go s.run()

	c.log.Info("subscribed", zap.String("symbol", symbol), zap.String("id", s.ID))
	return s, nil
}

// Cancel stops s. Equivalent to s.Cancel().
func (c *Controller) Cancel(s *Subscription) {
	if s != nil {
		s.Cancel()
	}
}

// Close cancels every live subscription and refuses new ones.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

// Modes reports the current mode of every live subscription by ID.
func (c *Controller) Modes() map[string]Mode {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	out := make(map[string]Mode, len(subs))
	for _, s := range subs {
		out[s.ID] = s.Mode()
	}
	return out
}

// Subscriptions lists live subscriptions ordered by symbol.
func (c *Controller) Subscriptions() []*Subscription {
	c.mu.Lock()
	out := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lookup returns a live subscription for symbol, if any.
func (c *Controller) Lookup(symbol string) (*Subscription, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, s := range c.Subscriptions() {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return nil, false
}

// Listen registers fn for the updates of every subscription, present and
// future. fn runs on the subscription goroutine and must not block. The
// returned func unregisters it.
func (c *Controller) Listen(fn func(Update)) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) forget(s *Subscription) {
	c.mu.Lock()
	delete(c.subs, s.ID)
	c.mu.Unlock()
}

func (c *Controller) broadcast(u Update) {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(u)
	}
	c.mu.Lock()
	fns := make([]func(Update), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}
