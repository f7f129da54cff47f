package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the pause between sweep cycles in daemon mode.
const DefaultInterval = 30 * time.Second

// Loop runs repeated sweeps until the context is cancelled or the store
// becomes unreadable.
type Loop struct {
	Manager  *Manager
	Interval time.Duration
	Log      *zap.Logger
}

// NewLoop wraps a manager in a poll loop with the given sweep interval.
// A non-positive interval falls back to DefaultInterval.
func NewLoop(m *Manager, interval time.Duration, log *zap.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{Manager: m, Interval: interval, Log: log}
}

// RunOnce performs a single sweep and reports the ids that reached a
// terminal state.
func (l *Loop) RunOnce(ctx context.Context) ([]string, error) {
	return l.Manager.Sweep(ctx)
}

// Run sweeps on the configured interval until ctx is cancelled. Only a
// fatal store error ends the loop early; per-job failures are handled
// inside the sweep.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		done, err := l.Manager.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, id := range done {
			l.Log.Info("job reached terminal state", zap.String("job_id", id))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
