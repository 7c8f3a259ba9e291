// Package watchlist keeps the user's watchlist in memory and in step with
// the remote store. Every change is applied locally first and undone if the
// remote call fails; mutations run one at a time, in submission order.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/models"
	"github.com/kjannette/marketdash/internal/optimistic"
)

var (
	ErrClosed        = errors.New("watchlist store closed")
	ErrRolledBack    = errors.New("change rolled back")
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// Remote is the server side of the watchlist. *gateway.Client satisfies it.
type Remote interface {
	Watchlist(ctx context.Context) ([]string, error)
	AddSymbol(ctx context.Context, symbol string) error
	RemoveSymbol(ctx context.Context, symbol string) error
	ApplyStarter(ctx context.Context, starterID string) ([]string, error)
}

type Kind string

const (
	KindAdd    Kind = "add"
	KindRemove Kind = "remove"
	KindApply  Kind = "apply"
)

type Reason string

const (
	ReasonLoad       Reason = "load"
	ReasonOptimistic Reason = "optimistic"
	ReasonCommit     Reason = "commit"
	ReasonRollback   Reason = "rollback"
)

// Change is published for every local state change.
type Change struct {
	Items  []string
	Reason Reason
	Kind   Kind
	Symbol string
	At     time.Time
}

// PendingMutation describes a change that has been applied locally and is
// waiting on the remote.
type PendingMutation struct {
	ID        string
	Kind      Kind
	Symbol    string
	Snapshot  []string
	StartedAt time.Time
}

type Options struct {
	// QueueSize bounds how many operations may wait behind the running one
	// before submitters block.
	QueueSize int
	// OnChange, if set, sees every change in order on the store goroutine.
	OnChange func(Change)
	Logger   *zap.Logger
}

type op struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

type Store struct {
	remote Remote
	log    *zap.Logger

	ops       chan *op
	closing   chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	items     []string
	closed    bool
	pending   map[string]PendingMutation
	listeners map[uint64]func(Change)
	nextID    uint64
	changes   chan Change
	// spelling maps a normalized symbol to the form the remote stores it
	// under, when the two differ.
	spelling map[string]string
}

func New(remote Remote, opts Options) *Store {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		remote:    remote,
		log:       log.Named("watchlist"),
		ops:       make(chan *op, opts.QueueSize),
		closing:   make(chan struct{}),
		items:     []string{},
		pending:   make(map[string]PendingMutation),
		listeners: make(map[uint64]func(Change)),
		changes:   make(chan Change, 16),
		spelling:  make(map[string]string),
	}
	if opts.OnChange != nil {
		s.listeners[s.nextID] = opts.OnChange
		s.nextID++
	}
	go s.loop()
	return s
}

// Normalize trims and upper-cases a ticker.
func Normalize(symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" || strings.ContainsAny(sym, " \t\r\n/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return sym, nil
}

// Items returns a copy of the current list.
func (s *Store) Items() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// Contains reports whether symbol is currently in the list.
func (s *Store) Contains(symbol string) bool {
	sym, err := Normalize(symbol)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.items, sym)
}

// Pending lists mutations applied locally but not yet settled, oldest
// first.
func (s *Store) Pending() []PendingMutation {
	s.mu.Lock()
	out := make([]PendingMutation, 0, len(s.pending))
	for _, p := range s.pending {
		p.Snapshot = slices.Clone(p.Snapshot)
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Subscribe registers fn for every change. The returned func unregisters it.
func (s *Store) Subscribe(fn func(Change)) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Changes delivers every change; a reader that falls behind loses the
// oldest entries. Closed by Close.
func (s *Store) Changes() <-chan Change { return s.changes }

// Load replaces the local list with the remote one. On failure the local
// list is left as it was.
func (s *Store) Load(ctx context.Context) error {
	return s.submit(ctx, func(ctx context.Context) error {
		items, err := s.remote.Watchlist(ctx)
		if err != nil {
			return fmt.Errorf("load watchlist: %w", err)
		}
		if !s.setRemote(items, ReasonLoad, "", "") {
			return ErrClosed
		}
		return nil
	})
}

// Add appends symbol. Adding a symbol already present does nothing.
func (s *Store) Add(ctx context.Context, symbol string) error {
	sym, err := Normalize(symbol)
	if err != nil {
		return err
	}
	return s.submit(ctx, func(ctx context.Context) error {
		snapshot, present, err := s.snapshot(sym)
		if err != nil || present {
			return err
		}
		return s.mutate(ctx, KindAdd, sym, snapshot, append(slices.Clone(snapshot), sym), func(ctx context.Context) ([]string, error) {
			return nil, s.remote.AddSymbol(ctx, sym)
		})
	})
}

// Remove drops symbol. Removing an absent symbol makes no remote call.
func (s *Store) Remove(ctx context.Context, symbol string) error {
	sym, err := Normalize(symbol)
	if err != nil {
		return err
	}
	return s.submit(ctx, func(ctx context.Context) error {
		snapshot, present, err := s.snapshot(sym)
		if err != nil || !present {
			return err
		}
		next := slices.DeleteFunc(slices.Clone(snapshot), func(v string) bool { return v == sym })
		name := s.remoteName(sym)
		return s.mutate(ctx, KindRemove, sym, snapshot, next, func(ctx context.Context) ([]string, error) {
			if err := s.remote.RemoveSymbol(ctx, name); err != nil {
				return nil, err
			}
			s.mu.Lock()
			delete(s.spelling, sym)
			s.mu.Unlock()
			return nil, nil
		})
	})
}

// ApplyStarter replaces the list with a starter's symbols. On success the
// list the server stored wins.
func (s *Store) ApplyStarter(ctx context.Context, starter models.StarterWatchlist) error {
	next, _ := normalizeList(starter.Symbols)
	return s.submit(ctx, func(ctx context.Context) error {
		snapshot, _, err := s.snapshot("")
		if err != nil {
			return err
		}
		return s.mutate(ctx, KindApply, starter.ID, snapshot, next, func(ctx context.Context) ([]string, error) {
			return s.remote.ApplyStarter(ctx, starter.ID)
		})
	})
}

// Close stops the store. Queued operations fail with ErrClosed and any
// remote call still in flight settles without touching state.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.changes)
		s.mu.Unlock()
		close(s.closing)
	})
}

// mutate runs one optimistic change: apply next locally, call remote, then
// commit or restore snapshot. A non-nil list from remote replaces the local
// one on commit.
func (s *Store) mutate(ctx context.Context, kind Kind, symbol string, snapshot, next []string,
	remote func(ctx context.Context) ([]string, error)) error {

	tx := optimistic.Begin(snapshot, func(prev []string) {
		s.set(prev, ReasonRollback, kind, symbol)
	})
	s.track(tx, kind, symbol)
	defer s.untrack(tx.ID)

	if !s.set(next, ReasonOptimistic, kind, symbol) {
		return ErrClosed
	}

	server, err := remote(ctx)
	if err != nil {
		tx.Rollback()
		s.log.Warn("watchlist change rolled back",
			zap.String("kind", string(kind)),
			zap.String("symbol", symbol),
			zap.Error(err))
		return fmt.Errorf("%w: %s %s: %w", ErrRolledBack, kind, symbol, err)
	}
	tx.Commit()
	if server != nil {
		s.setRemote(server, ReasonCommit, kind, symbol)
	}
	s.log.Debug("watchlist change committed", zap.String("kind", string(kind)), zap.String("symbol", symbol))
	return nil
}

// snapshot returns the settled list and whether symbol is in it.
func (s *Store) snapshot(symbol string) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	return slices.Clone(s.items), slices.Contains(s.items, symbol), nil
}

// set replaces the list and publishes the change. It is a no-op once the
// store is closed.
func (s *Store) set(items []string, reason Reason, kind Kind, symbol string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.items = slices.Clone(items)
	c := Change{Items: slices.Clone(items), Reason: reason, Kind: kind, Symbol: symbol, At: time.Now()}
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	select {
	case s.changes <- c:
	default:
		select {
		case <-s.changes:
		default:
		}
		select {
		case s.changes <- c:
		default:
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
	return true
}

func (s *Store) track(tx *optimistic.Tx[[]string], kind Kind, symbol string) {
	s.mu.Lock()
	s.pending[tx.ID] = PendingMutation{ID: tx.ID, Kind: kind, Symbol: symbol, Snapshot: tx.Snapshot(), StartedAt: tx.StartedAt}
	s.mu.Unlock()
}

func (s *Store) untrack(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Store) submit(ctx context.Context, run func(ctx context.Context) error) error {
	o := &op{ctx: ctx, run: run, done: make(chan error, 1)}

	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	select {
	case s.ops <- o:
	case <-s.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-o.done:
		return err
	case <-s.closing:
		return ErrClosed
	}
}

// loop runs queued operations one at a time.
func (s *Store) loop() {
	for {
		select {
		case <-s.closing:
			return
		case o := <-s.ops:
			if err := o.ctx.Err(); err != nil {
				o.done <- err
				continue
			}
			o.done <- o.run(o.ctx)
		}
	}
}

// setRemote installs a full list as the remote reported it.
func (s *Store) setRemote(raw []string, reason Reason, kind Kind, symbol string) bool {
	items, spelling := normalizeList(raw)
	s.mu.Lock()
	if !s.closed {
		s.spelling = spelling
	}
	s.mu.Unlock()
	return s.set(items, reason, kind, symbol)
}

func (s *Store) remoteName(sym string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.spelling[sym]; ok {
		return name
	}
	return sym
}

// normalizeList normalizes every entry, drops invalid ones and keeps the
// first occurrence of each symbol. spelling records entries whose original
// form differs from the normalized one.
func normalizeList(raw []string) (items []string, spelling map[string]string) {
	items = make([]string, 0, len(raw))
	spelling = make(map[string]string)
	for _, r := range raw {
		sym, err := Normalize(r)
		if err != nil || slices.Contains(items, sym) {
			continue
		}
		items = append(items, sym)
		if r != sym {
			spelling[sym] = r
		}
	}
	return items, spelling
}
