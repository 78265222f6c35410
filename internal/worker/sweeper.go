// Package worker runs the background side of the auth core: the sweeps that move time-driven
// state forward and the forwarder that ships security events from Kafka to Loki.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepFunc transitions due rows and reports how many it touched.
type SweepFunc func(ctx context.Context) (int64, error)

// SweepCounter counts rows moved per sweep (Prometheus).
type SweepCounter interface {
	Sweep(name string, rows int64)
}

type sweep struct {
	name string
	fn   SweepFunc
}

// Sweeper runs its sweeps in order on every tick. One failing sweep does not stop the others.
type Sweeper struct {
	sweeps   []sweep
	interval time.Duration
	counter  SweepCounter
	log      *zap.Logger
}

func NewSweeper(interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{interval: interval, log: log}
}

// Add registers fn under name.
func (s *Sweeper) Add(name string, fn SweepFunc) *Sweeper {
	s.sweeps = append(s.sweeps, sweep{name: name, fn: fn})
	return s
}

func (s *Sweeper) WithCounter(c SweepCounter) *Sweeper {
	s.counter = c
	return s
}

// RunOnce runs every sweep once and returns the rows touched per sweep.
func (s *Sweeper) RunOnce(ctx context.Context) map[string]int64 {
	out := make(map[string]int64, len(s.sweeps))
	for _, sw := range s.sweeps {
		if ctx.Err() != nil {
			break
		}
		n, err := sw.fn(ctx)
		if err != nil {
			s.log.Error("sweep failed", zap.String("sweep", sw.name), zap.Error(err))
			continue
		}
		out[sw.name] = n
		if n > 0 {
			s.log.Info("sweep", zap.String("sweep", sw.name), zap.Int64("rows", n))
		}
		if s.counter != nil {
			s.counter.Sweep(sw.name, n)
		}
	}
	return out
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Count adapts a sweep that reports an int.
func Count(fn func(ctx context.Context) (int, error)) SweepFunc {
	return func(ctx context.Context) (int64, error) {
		n, err := fn(ctx)
		return int64(n), err
	}
}

// Before adapts a prune that deletes rows older than now minus age.
func Before(age time.Duration, fn func(ctx context.Context, before time.Time) (int64, error)) SweepFunc {
	return func(ctx context.Context) (int64, error) {
		return fn(ctx, time.Now().Add(-age))
	}
}
