package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultCapacity    = 1024
	DefaultSendTimeout = 30 * time.Second

	batchSize = 64
)

const (
	PressureOK        = "ok"
	PressureElevated  = "elevated"
	PressureHigh      = "high"
	PressureSaturated = "saturated"
)

// Diagnostics is a point-in-time view of queue pressure and loss.
type Diagnostics struct {
	Sink                       string     `json:"sink"`
	Capacity                   int        `json:"capacity"`
	Depth                      int        `json:"depth"`
	DepthHighWatermark         int        `json:"depth_high_watermark"`
	UtilizationPct             int        `json:"utilization_pct"`
	PressureState              string     `json:"pressure_state"`
	HighWatermarkPressureState string     `json:"high_watermark_pressure_state"`
	AcceptedTotal              int64      `json:"accepted_total"`
	EvictedTotal               int64      `json:"evicted_total"`
	SentTotal                  int64      `json:"sent_total"`
	SendFailedTotal            int64      `json:"send_failed_total"`
	LastEvictAt                *time.Time `json:"last_evict_at,omitempty"`
	LastSendError              string     `json:"last_send_error,omitempty"`
}

type Options struct {
	Capacity    int
	SendTimeout time.Duration
	// SendRetries bounds retries of a failed batch before it is discarded.
	SendRetries int
	// RecentLogs is the size of the in-memory log buffer; 0 disables it.
	RecentLogs int
	Logger     *slog.Logger
	// OnEvict is called with the number of entries evicted to make room.
	OnEvict func(n int)
}

// Queue decouples producers from a slow monitoring backend. Enqueue never
// blocks: when the queue is full the oldest entry is evicted and counted.
type Queue struct {
	sink    Sink
	queue   chan Entry
	opts    Options
	logger  *slog.Logger
	recent  *RecentLogs
	wg      sync.WaitGroup
	stopped atomic.Bool

	// produceMu serializes evict-then-push so two producers cannot evict
	// for one free slot.
	produceMu   sync.Mutex
	startOnce   sync.Once
	stopOnce    sync.Once
	done        chan struct{}
	cancelMu    sync.Mutex
	cancelWork  context.CancelFunc
	lastSendErr atomic.Value // string

	depthHighWatermark atomic.Int64
	acceptedTotal      atomic.Int64
	evictedTotal       atomic.Int64
	sentTotal          atomic.Int64
	sendFailedTotal    atomic.Int64
	lastEvictUnixNano  atomic.Int64
}

func NewQueue(sink Sink, opts Options) *Queue {
	if sink == nil {
		sink = NoopSink{}
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.SendRetries < 0 {
		opts.SendRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		sink:   sink,
		queue:  make(chan Entry, opts.Capacity),
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
	if opts.RecentLogs > 0 {
		q.recent = NewRecentLogs(opts.RecentLogs)
	}
	q.lastSendErr.Store("")
	return q
}

// Enqueue adds entries, evicting the oldest queued entries when full.
// It returns false only after Shutdown.
func (q *Queue) Enqueue(entries ...Entry) bool {
	if q == nil || q.stopped.Load() {
		return false
	}
	q.produceMu.Lock()
	defer q.produceMu.Unlock()
	if q.stopped.Load() {
		return false
	}

	evicted := 0
	for _, entry := range entries {
		if entry.Kind == KindLog && q.recent != nil {
			q.recent.Add(entry)
		}
		for {
			select {
			case q.queue <- entry:
				q.acceptedTotal.Add(1)
				q.observeDepth(len(q.queue))
			default:
				select {
				case <-q.queue:
					evicted++
				default:
				}
				continue
			}
			break
		}
	}
	if evicted > 0 {
		q.evictedTotal.Add(int64(evicted))
		q.lastEvictUnixNano.Store(time.Now().UTC().UnixNano())
		if q.opts.OnEvict != nil {
			q.opts.OnEvict(evicted)
		}
	}
	return true
}

// Start launches the single drain worker.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		if ctx == nil || ctx.Err() != nil {
			ctx = context.Background()
		}
		workCtx, cancel := context.WithCancel(ctx)
		q.cancelMu.Lock()
		q.cancelWork = cancel
		q.cancelMu.Unlock()

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer close(q.done)
			q.run(workCtx)
		}()
	})
}

func (q *Queue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-q.queue:
			if !ok {
				return
			}
			batch := []Entry{first}
		fill:
			for len(batch) < batchSize {
				select {
				case next, ok := <-q.queue:
					if !ok {
						q.send(context.WithoutCancel(ctx), batch)
						return
					}
					batch = append(batch, next)
				default:
					break fill
				}
			}
			q.send(ctx, batch)
		}
	}
}

func (q *Queue) send(ctx context.Context, batch []Entry) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = q.opts.SendTimeout

	err := backoff.Retry(func() error {
		sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
		defer cancel()
		return q.sink.Send(sendCtx, batch)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(q.opts.SendRetries)), ctx))
	if err != nil {
		q.sendFailedTotal.Add(int64(len(batch)))
		q.lastSendErr.Store(err.Error())
		q.logger.Warn("monitoring batch discarded", "sink", q.sink.Name(), "entries", len(batch), "error", err)
		return
	}
	q.sentTotal.Add(int64(len(batch)))
}

// Shutdown stops accepting entries, drains what is queued and closes the
// sink. ctx bounds the wait; entries still queued when it expires are lost.
func (q *Queue) Shutdown(ctx context.Context) error {
	if q == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		q.produceMu.Lock()
		close(q.queue)
		q.produceMu.Unlock()
		q.startOnce.Do(func() { close(q.done) })
	})

	select {
	case <-q.done:
		q.wg.Wait()
		q.cancel()
		return q.sink.Close()
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *Queue) cancel() {
	q.cancelMu.Lock()
	cancel := q.cancelWork
	q.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Recent returns buffered log entries, newest first.
func (q *Queue) Recent(limit int) []Entry {
	if q == nil || q.recent == nil {
		return []Entry{}
	}
	return q.recent.List(limit)
}

func (q *Queue) Diagnostics() Diagnostics {
	if q == nil {
		return Diagnostics{}
	}
	capacity := cap(q.queue)
	depth := len(q.queue)
	high := int(q.depthHighWatermark.Load())
	if depth > high {
		high = depth
	}
	util := utilizationPct(depth, capacity)
	d := Diagnostics{
		Sink:                       q.sink.Name(),
		Capacity:                   capacity,
		Depth:                      depth,
		DepthHighWatermark:         high,
		UtilizationPct:             util,
		PressureState:              pressureState(util),
		HighWatermarkPressureState: pressureState(utilizationPct(high, capacity)),
		AcceptedTotal:              q.acceptedTotal.Load(),
		EvictedTotal:               q.evictedTotal.Load(),
		SentTotal:                  q.sentTotal.Load(),
		SendFailedTotal:            q.sendFailedTotal.Load(),
	}
	if ts := q.lastEvictUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		d.LastEvictAt = &last
	}
	if msg, ok := q.lastSendErr.Load().(string); ok {
		d.LastSendError = msg
	}
	return d
}

func (q *Queue) observeDepth(depth int) {
	v := int64(depth)
	for {
		current := q.depthHighWatermark.Load()
		if v <= current || q.depthHighWatermark.CompareAndSwap(current, v) {
			return
		}
	}
}

func utilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return depth * 100 / capacity
}

func pressureState(pct int) string {
	switch {
	case pct >= 100:
		return PressureSaturated
	case pct >= 80:
		return PressureHigh
	case pct >= 50:
		return PressureElevated
	default:
		return PressureOK
	}
}
