package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/marketdash/internal/buffer"
	"github.com/kjannette/marketdash/internal/models"
)

type UpdateKind int

const (
	// PointsChanged: the buffer changed; Points holds a copy of it.
	PointsChanged UpdateKind = iota
	// ModeChanged: the subscription moved to Mode.
	ModeChanged
)

type Update struct {
	SubscriptionID string
	Symbol         string
	Kind           UpdateKind
	Mode           Mode
	Points         []models.Point
	At             time.Time
}

// Subscription is one live feed. Its goroutine owns the push connection and
// poll ticker; the buffer and mode are guarded by mu and readable at any
// time.
type Subscription struct {
	ID     string
	Symbol string

	ctrl   *Controller
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	mu     sync.Mutex
	buf    *buffer.Points
	mode   Mode
	closed bool
	// emitMu is read-held from the closed check through delivery of an
	// update; Cancel write-locks it so nothing is delivered after it returns.
	emitMu sync.RWMutex

	updates chan Update
	done    chan struct{}
}

// Points returns a copy of the buffer.
func (s *Subscription) Points() []models.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Snapshot()
}

func (s *Subscription) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Updates delivers buffer and mode changes. It is closed once the
// subscription has stopped.
func (s *Subscription) Updates() <-chan Update { return s.updates }

// Done is closed when the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel stops the feed. Once it returns the buffer no longer changes,
// even if a poll or stream read is still in flight.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mode = Closed
	s.mu.Unlock()

	// Wait out any update already past its closed check.
	s.emitMu.Lock()
	s.emitMu.Unlock()

	s.cancel()
	s.ctrl.forget(s)
	s.log.Info("subscription cancelled", zap.String("id", s.ID))
}

func (s *Subscription) run() {
	defer close(s.done)
	defer close(s.updates)
	defer s.emit(Update{Kind: ModeChanged, Mode: Closed})

	if s.ctrl.push == nil {
		if s.setMode(Polling) {
			s.poll()
		}
		return
	}

	if !s.setMode(Connecting) {
		return
	}
	streamed := s.stream()
	if s.ctx.Err() != nil {
		return
	}
	if streamed && !s.setMode(Connecting) {
		return
	}
	if !s.setMode(Polling) {
		return
	}
	s.log.Warn("push feed lost, polling", zap.Duration("interval", s.ctrl.opts.PollInterval))
	s.poll()
}

// stream reads the push connection until it fails. It reports whether the
// connection was ever established.
func (s *Subscription) stream() bool {
	st, err := s.ctrl.push.Open(s.ctx, s.Symbol)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Warn("push open failed", zap.Error(err))
		}
		return false
	}
	defer st.Close()

	if !s.setMode(Streaming) {
		return true
	}
	for {
		raw, err := st.Recv()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Warn("push connection failed", zap.Error(err))
			}
			return true
		}
		p, err := models.ParsePoint(raw)
		if err != nil {
			s.log.Debug("dropping malformed payload", zap.Error(err), zap.Int("bytes", len(raw)))
			continue
		}
		s.apply(func(b *buffer.Points) { b.Insert(p) })
	}
}

func (s *Subscription) poll() {
	ticker := time.NewTicker(s.ctrl.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Subscription) pollOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, s.ctrl.opts.PollTimeout)
	defer cancel()

	end := time.Now()
	pts, err := s.ctrl.fetcher.FetchRange(ctx, s.Symbol, end.Add(-s.ctrl.opts.PollWindow), end)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Debug("poll failed, skipping tick", zap.Error(err))
		}
		return
	}
	s.apply(func(b *buffer.Points) { b.Replace(pts) })
}

// apply mutates the buffer unless the subscription is closed, then
// publishes the new contents.
func (s *Subscription) apply(fn func(*buffer.Points)) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn(s.buf)
	snap := s.buf.Snapshot()
	mode := s.mode
	s.mu.Unlock()

	s.emit(Update{Kind: PointsChanged, Mode: mode, Points: snap})
}

func (s *Subscription) setMode(m Mode) bool {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mode = m
	s.mu.Unlock()

	s.emit(Update{Kind: ModeChanged, Mode: m})
	return true
}

// emit fans u out to listeners and the Updates channel. The channel send
// never blocks; a full channel loses its oldest entry.
func (s *Subscription) emit(u Update) {
	u.SubscriptionID = s.ID
	u.Symbol = s.Symbol
	u.At = time.Now()

	s.ctrl.broadcast(u)

	select {
	case s.updates <- u:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- u:
	default:
	}
}
