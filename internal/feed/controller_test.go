package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjannette/marketdash/internal/gateway"
	"github.com/kjannette/marketdash/internal/models"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func pt(i int) models.Point {
	return models.Point{Time: t0.Add(time.Duration(i) * time.Minute), Close: models.Float(float64(i))}
}

func payload(i int) []byte {
	return []byte(fmt.Sprintf(`{"time":%q,"close":%d,"volume":1}`, t0.Add(time.Duration(i)*time.Minute).Format(time.RFC3339), i))
}

// fakeStream is driven by the test through msgs and fail.
type fakeStream struct {
	msgs      chan []byte
	fail      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{msgs: make(chan []byte, 1024), fail: make(chan struct{}), closed: make(chan struct{})}
}

func (f *fakeStream) Recv() ([]byte, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-f.fail:
		return nil, &gateway.Error{Op: "recv", Kind: gateway.ErrTransport, Err: errors.New("connection reset")}
	case <-f.closed:
		return nil, &gateway.Error{Op: "recv", Kind: gateway.ErrTransport, Err: errors.New("closed")}
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type fakePush struct {
	stream  *fakeStream
	openErr error
	opens   atomic.Int32
}

func (p *fakePush) Open(ctx context.Context, symbol string) (gateway.Stream, error) {
	p.opens.Add(1)
	if p.openErr != nil {
		return nil, p.openErr
	}
	go func() {
		<-ctx.Done()
		p.stream.Close()
	}()
	return p.stream, nil
}

// fakeFetcher answers each call with the next scripted result; the last one
// repeats.
type fakeFetcher struct {
	mu     sync.Mutex
	script []func(ctx context.Context) ([]models.Point, error)
	calls  atomic.Int32
}

func (f *fakeFetcher) FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Point, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	step := f.script[min(n, len(f.script))-1]
	f.mu.Unlock()
	return step(ctx)
}

func returns(pts []models.Point, err error) func(context.Context) ([]models.Point, error) {
	return func(context.Context) ([]models.Point, error) { return pts, err }
}

// modeRecorder collects mode transitions in order.
type modeRecorder struct {
	mu    sync.Mutex
	modes []Mode
}

func (r *modeRecorder) record(u Update) {
	if u.Kind != ModeChanged {
		return
	}
	r.mu.Lock()
	r.modes = append(r.modes, u.Mode)
	r.mu.Unlock()
}

func (r *modeRecorder) get() []Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.modes)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastOpts(rec *modeRecorder) Options {
	o := Options{PollInterval: 10 * time.Millisecond, PollTimeout: time.Second}
	if rec != nil {
		o.OnUpdate = rec.record
	}
	return o
}

func TestStreamFailureDegradesOnceToPolling(t *testing.T) {
	push := &fakePush{stream: newFakeStream()}
	polled := []models.Point{pt(3), pt(1), pt(2), pt(2)}
	fetch := &fakeFetcher{script: []func(context.Context) ([]models.Point, error){returns(polled, nil)}}
	rec := &modeRecorder{}
	c := New(push, fetch, fastOpts(rec))
	defer c.Close()

	sub, err := c.Subscribe("aapl")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Symbol != "AAPL" {
		t.Fatalf("symbol not normalized: %q", sub.Symbol)
	}
	waitFor(t, "streaming", func() bool { return sub.Mode() == Streaming })

	push.stream.msgs <- payload(0)
	waitFor(t, "pushed point", func() bool { return len(sub.Points()) == 1 })

	close(push.stream.fail)
	waitFor(t, "several poll ticks", func() bool { return fetch.calls.Load() >= 4 })

	want := []Mode{Connecting, Streaming, Connecting, Polling}
	if got := rec.get(); !slices.Equal(got, want) {
		t.Fatalf("mode sequence = %v, want %v", got, want)
	}
	if sub.Mode() != Polling {
		t.Fatalf("expected polling, got %v", sub.Mode())
	}
	if push.opens.Load() != 1 {
		t.Fatalf("push reopened %d times; degradation is one-way", push.opens.Load())
	}

	got := sub.Points()
	if len(got) != 3 {
		t.Fatalf("expected polled result deduplicated to 3 points, got %d", len(got))
	}
	for i := range got {
		if !got[i].Time.Equal(pt(i + 1).Time) {
			t.Fatalf("point %d out of order: %v", i, got[i].Time)
		}
	}
}

func TestOpenFailureGoesStraightToPolling(t *testing.T) {
	push := &fakePush{openErr: &gateway.Error{Op: "open", Kind: gateway.ErrTransport, Err: errors.New("refused")}}
	fetch := &fakeFetcher{script: []func(context.Context) ([]models.Point, error){returns([]models.Point{pt(1)}, nil)}}
	rec := &modeRecorder{}
	c := New(push, fetch, fastOpts(rec))
	defer c.Close()

	sub, _ := c.Subscribe("AAPL")
	waitFor(t, "polled point", func() bool { return len(sub.Points()) == 1 })

	if got, want := rec.get(), []Mode{Connecting, Polling}; !slices.Equal(got, want) {
		t.Fatalf("mode sequence = %v, want %v", got, want)
	}
}

func TestNoPushSourceStartsPolling(t *testing.T) {
	fetch := &fakeFetcher{script: []func(context.Context) ([]models.Point, error){returns([]models.Point{pt(1)}, nil)}}
	rec := &modeRecorder{}
	c := New(nil, fetch, fastOpts(rec))
	defer c.Close()

	sub, _ := c.Subscribe("AAPL")
	waitFor(t, "polled point", func() bool { return len(sub.Points()) == 1 })
	if got := rec.get(); !slices.Equal(got, []Mode{Polling}) {
		t.Fatalf("mode sequence = %v", got)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	push := &fakePush{stream: newFakeStream()}
	c := New(push, &fakeFetcher{}, fastOpts(nil))
	defer c.Close()

	sub, _ := c.Subscribe("AAPL")
	waitFor(t, "streaming", func() bool { return sub.Mode() == Streaming })

	push.stream.msgs <- []byte(`{"time":`)
	push.stream.msgs <- []byte(`[1,2,3]`)
	push.stream.msgs <- payload(1)
	waitFor(t, "valid point", func() bool { return len(sub.Points()) == 1 })

	if sub.Mode() != Streaming {
		t.Fatalf("malformed payload must not end the stream, mode=%v", sub.Mode())
	}
}

func TestFullBufferEvictsOldestOnPush(t *testing.T) {
	push := &fakePush{stream: newFakeStream()}
	c := New(push, &fakeFetcher{}, fastOpts(nil))
	defer c.Close()

	sub, _ := c.Subscribe("AAPL")
	waitFor(t, "streaming", func() bool { return sub.Mode() == Streaming })

	for i := 0; i < 500; i++ {
		push.stream.msgs <- payload(i)
	}
	waitFor(t, "500 points", func() bool { return len(sub.Points()) == 500 })

	push.stream.msgs <- payload(500)
	waitFor(t, "newest point", func() bool {
		pts := sub.Points()
		return pts[len(pts)-1].Time.Equal(pt(500).Time)
	})

	pts := sub.Points()
	if len(pts) != 500 {
		t.Fatalf("expected 500 points, got %d", len(pts))
	}
	if !pts[0].Time.Equal(pt(1).Time) {
		t.Fatalf("oldest point not evicted, first=%v", pts[0].Time)
	}
}

func TestFailingPollTickLeavesBufferAndPollingContinues(t *testing.T) {
	first := []models.Point{pt(1), pt(2)}
	seen := make(chan []models.Point, 1)
	var sub *Subscription
	var subMu sync.Mutex

	fetch := &fakeFetcher{script: []func(context.Context) ([]models.Point, error){
		returns(first, nil),
		returns(nil, &gateway.Error{Op: "fetch", Kind: gateway.ErrTransport, Err: errors.New("timeout")}),
		func(context.Context) ([]models.Point, error) {
			subMu.Lock()
			s := sub
			subMu.Unlock()
			select {
			case seen <- s.Points():
			default:
			}
			return []models.Point{pt(5)}, nil
		},
	}}
	c := New(nil, fetch, fastOpts(nil))
	defer c.Close()

	subMu.Lock()
	sub, _ = c.Subscribe("AAPL")
	subMu.Unlock()

	var afterFailure []models.Point
	select {
	case afterFailure = <-seen:
	case <-time.After(3 * time.Second):
		t.Fatal("third poll never ran")
	}
	if len(afterFailure) != 2 || !afterFailure[1].Time.Equal(pt(2).Time) {
		t.Fatalf("failed tick changed the buffer: %v", afterFailure)
	}
	waitFor(t, "third tick applied", func() bool {
		pts := sub.Points()
		return len(pts) == 1 && pts[0].Time.Equal(pt(5).Time)
	})
	if sub.Mode() != Polling {
		t.Fatalf("expected polling, got %v", sub.Mode())
	}
}

func TestCancelDiscardsInFlightPoll(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fetch := &fakeFetcher{script: []func(context.Context) ([]models.Point, error){
		func(context.Context) ([]models.Point, error) {
			once.Do(func() { close(entered) })
			<-release
			return []models.Point{pt(1)}, nil
		},
	}}
	c := New(nil, fetch, fastOpts(nil))
	defer c.Close()

	sub, _ := c.Subscribe("AAPL")
	<-entered
	sub.Cancel()
	close(release)

	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription goroutine did not exit")
	}
	if n := len(sub.Points()); n != 0 {
		t.Fatalf("late poll result mutated the buffer: %d points", n)
	}
	if sub.Mode() != Closed {
		t.Fatalf("expected closed, got %v", sub.Mode())
	}
	if len(c.Modes()) != 0 {
		t.Fatalf("cancelled subscription still listed: %v", c.Modes())
	}
}

func TestCancelStopsStreamMutations(t *testing.T) {
	push := &fakePush{stream: newFakeStream()}
	c := New(push, &fakeFetcher{}, fastOpts(nil))
	defer c.Close()

	sub, _ := c.Subscribe("AAPL")
	waitFor(t, "streaming", func() bool { return sub.Mode() == Streaming })
	push.stream.msgs <- payload(1)
	waitFor(t, "first point", func() bool { return len(sub.Points()) == 1 })

	c.Cancel(sub)
	push.stream.msgs <- payload(2)
	<-sub.Done()

	if n := len(sub.Points()); n != 1 {
		t.Fatalf("buffer changed after cancel: %d points", n)
	}
	if push.opens.Load() != 1 {
		t.Fatal("cancel must not trigger a reconnect")
	}
}

func TestNoPointsUpdateReachesListenersAfterCancel(t *testing.T) {
	push := &fakePush{stream: newFakeStream()}
	c := New(push, &fakeFetcher{}, fastOpts(nil))
	defer c.Close()

	var cancelled atomic.Bool
	var late atomic.Int32
	inListener := make(chan struct{}, 1)
	release := make(chan struct{})
	remove := c.Listen(func(u Update) {
		if u.Kind != PointsChanged {
			return
		}
		if cancelled.Load() {
			late.Add(1)
		}
		select {
		case inListener <- struct{}{}:
			<-release
		default:
		}
	})
	defer remove()

	sub, _ := c.Subscribe("AAPL")
	waitFor(t, "streaming", func() bool { return sub.Mode() == Streaming })
	push.stream.msgs <- payload(1)
	<-inListener

	// Cancel while an update is being delivered; queue more points behind it.
	for i := 2; i < 50; i++ {
		push.stream.msgs <- payload(i)
	}
	returned := make(chan struct{})
	go func() {
		sub.Cancel()
		cancelled.Store(true)
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Cancel returned while an update was still being delivered")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-returned
	<-sub.Done()

	if n := late.Load(); n != 0 {
		t.Fatalf("%d points updates delivered after Cancel returned", n)
	}
}

func TestUpdatesChannelClosesAfterCancel(t *testing.T) {
	fetch := &fakeFetcher{script: []func(context.Context) ([]models.Point, error){returns([]models.Point{pt(1)}, nil)}}
	c := New(nil, fetch, fastOpts(nil))
	defer c.Close()

	sub, _ := c.Subscribe("AAPL")
	var sawPoints bool
	timeout := time.After(3 * time.Second)
	for !sawPoints {
		select {
		case u := <-sub.Updates():
			if u.Kind == PointsChanged && len(u.Points) == 1 && u.Symbol == "AAPL" {
				sawPoints = true
			}
		case <-timeout:
			t.Fatal("no points update")
		}
	}

	sub.Cancel()
	var last Update
	for u := range sub.Updates() {
		last = u
	}
	if last.Kind != ModeChanged || last.Mode != Closed {
		t.Fatalf("expected final closed update, got %+v", last)
	}
}

func TestControllerCloseCancelsEverything(t *testing.T) {
	fetch := &fakeFetcher{script: []func(context.Context) ([]models.Point, error){returns(nil, nil)}}
	c := New(nil, fetch, fastOpts(nil))

	a, _ := c.Subscribe("AAPL")
	b, _ := c.Subscribe("MSFT")
	if len(c.Modes()) != 2 {
		t.Fatalf("expected 2 live subscriptions, got %d", len(c.Modes()))
	}
	if s, ok := c.Lookup("msft"); !ok || s != b {
		t.Fatal("Lookup did not find MSFT")
	}

	c.Close()
	for _, s := range []*Subscription{a, b} {
		if s.Mode() != Closed {
			t.Fatalf("%s not closed", s.Symbol)
		}
		<-s.Done()
	}
	if _, err := c.Subscribe("GOOG"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := New(nil, fetch, Options{}).Subscribe("  "); !errors.Is(err, ErrInvalidSymbol) {
		t.Fatalf("expected ErrInvalidSymbol, got %v", err)
	}
}

func TestListenSeesAllSubscriptions(t *testing.T) {
	fetch := &fakeFetcher{script: []func(context.Context) ([]models.Point, error){returns([]models.Point{pt(1)}, nil)}}
	c := New(nil, fetch, fastOpts(nil))
	defer c.Close()

	var mu sync.Mutex
	symbols := map[string]bool{}
	remove := c.Listen(func(u Update) {
		if u.Kind == PointsChanged {
			mu.Lock()
			symbols[u.Symbol] = true
			mu.Unlock()
		}
	})
	defer remove()

	c.Subscribe("AAPL")
	c.Subscribe("MSFT")
	waitFor(t, "updates for both symbols", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return symbols["AAPL"] && symbols["MSFT"]
	})
}

func TestModeString(t *testing.T) {
	if Polling.String() != "polling" || Mode(42).String() != "mode(42)" {
		t.Fatalf("unexpected names: %s %s", Polling, Mode(42))
	}
	b, _ := Streaming.MarshalText()
	if string(b) != "streaming" {
		t.Fatalf("MarshalText = %s", b)
	}
}
