package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type captureSink struct {
	mu      sync.Mutex
	entries []Entry
	fail    atomic.Int32
	closed  atomic.Bool
	block   chan struct{}
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(ctx context.Context, batch []Entry) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail.Load() > 0 {
		s.fail.Add(-1)
		return errors.New("backend unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, batch...)
	return nil
}

func (s *captureSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *captureSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Name)
	}
	return out
}

func point(i int) Entry {
	return MetricEntry(fmt.Sprintf("m%d", i), float64(i), nil)
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	var evicted atomic.Int64
	sink := &captureSink{}
	q := NewQueue(sink, Options{Capacity: 3, OnEvict: func(n int) { evicted.Add(int64(n)) }})

	for i := 0; i < 5; i++ {
		if !q.Enqueue(point(i)) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	diag := q.Diagnostics()
	if diag.EvictedTotal != 2 {
		t.Fatalf("evicted_total=%d, want 2", diag.EvictedTotal)
	}
	if evicted.Load() != 2 {
		t.Fatalf("OnEvict total=%d, want 2", evicted.Load())
	}
	if diag.Depth != 3 || diag.PressureState != PressureSaturated {
		t.Fatalf("depth=%d pressure=%q, want 3 saturated", diag.Depth, diag.PressureState)
	}
	if diag.LastEvictAt == nil {
		t.Fatal("last_evict_at should be set")
	}

	q.Start(context.Background())
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	got := sink.names()
	want := []string{"m2", "m3", "m4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("delivered=%v, want %v", got, want)
	}
	if !sink.closed.Load() {
		t.Fatal("sink should be closed on shutdown")
	}
}

func TestQueueEnqueueNeverBlocksOnSlowSink(t *testing.T) {
	t.Parallel()

	sink := &captureSink{block: make(chan struct{})}
	q := NewQueue(sink, Options{Capacity: 4})
	q.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			q.Enqueue(point(i))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked behind a stalled sink")
	}
	close(sink.block)

	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	diag := q.Diagnostics()
	if diag.AcceptedTotal != 500 {
		t.Fatalf("accepted_total=%d, want 500", diag.AcceptedTotal)
	}
	if diag.EvictedTotal == 0 {
		t.Fatal("expected evictions with a stalled sink")
	}
	if delivered := int64(len(sink.names())); delivered+diag.EvictedTotal != 500 {
		t.Fatalf("delivered=%d evicted=%d, want sum 500", delivered, diag.EvictedTotal)
	}
}

func TestQueueRetriesThenDiscards(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	sink.fail.Store(1)
	q := NewQueue(sink, Options{Capacity: 8, SendRetries: 2, SendTimeout: 5 * time.Second})
	q.Start(context.Background())
	q.Enqueue(point(1))
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := sink.names(); len(got) != 1 {
		t.Fatalf("delivered=%v, want one entry after retry", got)
	}
	if diag := q.Diagnostics(); diag.SentTotal != 1 || diag.SendFailedTotal != 0 {
		t.Fatalf("sent=%d failed=%d, want 1/0", diag.SentTotal, diag.SendFailedTotal)
	}

	failing := &captureSink{}
	failing.fail.Store(100)
	q = NewQueue(failing, Options{Capacity: 8})
	q.Start(context.Background())
	q.Enqueue(point(1), point(2))
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	diag := q.Diagnostics()
	if diag.SendFailedTotal != 2 || diag.LastSendError == "" {
		t.Fatalf("send_failed_total=%d last_error=%q, want 2 and a message", diag.SendFailedTotal, diag.LastSendError)
	}
}

func TestQueueRejectsAfterShutdown(t *testing.T) {
	t.Parallel()

	q := NewQueue(nil, Options{})
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown without start: %v", err)
	}
	if q.Enqueue(point(1)) {
		t.Fatal("enqueue after shutdown should be rejected")
	}
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if q.Diagnostics().Sink != SinkNone {
		t.Fatalf("sink=%q, want %q", q.Diagnostics().Sink, SinkNone)
	}
}

func TestQueueShutdownHonorsContext(t *testing.T) {
	t.Parallel()

	sink := &captureSink{block: make(chan struct{})}
	defer close(sink.block)
	q := NewQueue(sink, Options{Capacity: 2})
	q.Start(context.Background())
	q.Enqueue(point(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown err=%v, want deadline exceeded", err)
	}
}

func TestQueueKeepsRecentLogs(t *testing.T) {
	t.Parallel()

	q := NewQueue(nil, Options{Capacity: 1, RecentLogs: 2})
	q.Enqueue(LogEntry("INFO", "first", "t1", nil))
	q.Enqueue(point(1))
	q.Enqueue(LogEntry("INFO", "second", "t2", nil))
	q.Enqueue(LogEntry("ERROR", "third", "t3", nil))

	recent := q.Recent(0)
	if len(recent) != 2 || recent[0].Message != "third" || recent[1].Message != "second" {
		t.Fatalf("recent=%+v, want third then second", recent)
	}
	if got := q.Recent(1); len(got) != 1 {
		t.Fatalf("recent(1) len=%d, want 1", len(got))
	}
	if got := NewQueue(nil, Options{}).Recent(5); got == nil || len(got) != 0 {
		t.Fatalf("recent without buffer=%v, want empty slice", got)
	}
}

func TestPressureState(t *testing.T) {
	t.Parallel()

	cases := map[int]string{0: PressureOK, 49: PressureOK, 50: PressureElevated, 80: PressureHigh, 100: PressureSaturated}
	for pct, want := range cases {
		if got := pressureState(pct); got != want {
			t.Fatalf("pressureState(%d)=%q, want %q", pct, got, want)
		}
	}
	if got := utilizationPct(3, 4); got != 75 {
		t.Fatalf("utilizationPct(3,4)=%d, want 75", got)
	}
	if got := utilizationPct(5, 0); got != 0 {
		t.Fatalf("utilizationPct with zero capacity=%d, want 0", got)
	}
}
