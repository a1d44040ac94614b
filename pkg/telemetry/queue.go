package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/protocol"
	"golang.org/x/time/rate"
)

const DefaultCapacity = 10000

// Stats is a snapshot of queue counters.
type Stats struct {
	Submitted uint64
	Dropped   uint64
	Delivered uint64
	Failed    uint64
	Pending   int
}

// Queue is a bounded, best-effort pipe from sessions to a Sink.
// Producers never block; a single consumer stamps and sends events.
type Queue struct {
	ch    chan Event
	sink  Sink
	clock clock.Clock

	dropLog rate.Sometimes
	failLog rate.Sometimes

	submitted atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

type Option func(*Queue)

// WithClock sets the clock used for timestamps and the throughput report.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// NewQueue creates a queue holding at most capacity pending events.
func NewQueue(capacity int, sink Sink, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		ch:      make(chan Event, capacity),
		sink:    sink,
		clock:   clock.New(),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		failLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues ev, or drops it when the queue is full. It never blocks.
func (q *Queue) Submit(ev Event) bool {
	select {
	case q.ch <- ev:
		q.submitted.Add(1)
		return true
	default:
		n := q.dropped.Add(1)
		q.dropLog.Do(func() {
			logging.Warnf("[telemetry] queue full, dropping events dropped_total=%d capacity=%d", n, cap(q.ch))
		})
		return false
	}
}

// Run consumes events until ctx is cancelled. Pending events are not drained.
func (q *Queue) Run(ctx context.Context) error {
	start := q.clock.Now()
	var processed uint64
	defer func() {
		q.report(processed, q.clock.Since(start))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-q.ch:
			processed++
			q.deliver(ctx, ev)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, ev Event) {
	body, err := protocol.StampTelemetry(ev.Payload, string(ev.Status), q.clock.Now())
	if err == nil {
		err = q.sink.Send(ctx, body)
	}
	if err != nil {
		logging.Debugf("[telemetry] send failed status=%s src=%s dst=%s: %v", ev.Status, ev.Source, ev.Destination, err)
		q.failLog.Do(func() {
			logging.Warnf("[telemetry] sink errors, events discarded failed_total=%d last=%v", q.failed.Load()+1, err)
		})
		q.failed.Add(1)
		return
	}
	q.delivered.Add(1)
	logging.Debugf("[telemetry] sent status=%s src=%s dst=%s", ev.Status, ev.Source, ev.Destination)
}

func (q *Queue) report(processed uint64, elapsed time.Duration) {
	rps := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rps = float64(processed) / secs
	}
	logging.Logf("[telemetry] consumer stopped processed=%d elapsed=%s rate=%.2f msg/s dropped=%d failed=%d",
		processed, elapsed.Round(time.Millisecond), rps, q.dropped.Load(), q.failed.Load())
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.submitted.Load(),
		Dropped:   q.dropped.Load(),
		Delivered: q.delivered.Load(),
		Failed:    q.failed.Load(),
		Pending:   len(q.ch),
	}
}

// Capacity returns the maximum number of pending events.
func (q *Queue) Capacity() int {
	return cap(q.ch)
}
