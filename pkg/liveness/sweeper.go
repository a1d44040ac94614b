package liveness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/protocol"
	"github.com/ops-relay/pkg/registry"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval    = 300 * time.Second
	DefaultConcurrency = 16
)

// Sweeper periodically writes a keepalive line to every registered peer and
// evicts the ones that cannot be written to.
type Sweeper struct {
	reg         *registry.Registry
	interval    time.Duration
	clock       clock.Clock
	concurrency int
	onEvict     func(key string, err error)

	sweeps    atomic.Uint64
	evictions atomic.Uint64
}

type Option func(*Sweeper)

func WithClock(c clock.Clock) Option {
	return func(s *Sweeper) { s.clock = c }
}

// WithConcurrency bounds the number of probes in flight.
func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithEvictHook is called once per evicted key, after the writer is closed.
func WithEvictHook(fn func(key string, err error)) Option {
	return func(s *Sweeper) { s.onEvict = fn }
}

// NewSweeper creates a sweeper for reg. A non-positive interval uses DefaultInterval.
func NewSweeper(reg *registry.Registry, interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sweeper{
		reg:         reg,
		interval:    interval,
		clock:       clock.New(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	logging.Logf("[liveness] sweeper started interval=%s concurrency=%d", s.interval, s.concurrency)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep probes every registered peer once and returns the evicted keys.
// Probes run without holding the registry lock; eviction re-checks that the
// key still maps to the probed writer.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	entries := s.reg.Snapshot()
	errs := make([]error, len(entries))
	probe := protocol.KeepaliveLine()

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			errs[i] = e.Writer.WriteLine(probe)
			return nil
		})
	}
	_ = g.Wait()

	var evicted []string
	for i, e := range entries {
		if errs[i] == nil {
			continue
		}
		if !s.reg.RemoveIf(e.Key, e.Writer) {
			logging.Debugf("[liveness] probe failed but key was re-registered key=%s", e.Key)
			continue
		}
		_ = e.Writer.Close()
		evicted = append(evicted, e.Key)
		s.evictions.Add(1)
		logging.Logf("[liveness] evicted key=%s: %v", e.Key, errs[i])
		if s.onEvict != nil {
			s.onEvict(e.Key, errs[i])
		}
	}

	s.sweeps.Add(1)
	logging.Debugf("[liveness] sweep done probed=%d evicted=%d remaining=%d", len(entries), len(evicted), s.reg.Len())
	return evicted
}

// Sweeps returns the number of completed sweeps.
func (s *Sweeper) Sweeps() uint64 {
	return s.sweeps.Load()
}

// Evictions returns the number of evicted connections.
func (s *Sweeper) Evictions() uint64 {
	return s.evictions.Load()
}
