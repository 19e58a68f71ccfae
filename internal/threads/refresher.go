package threads

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler is the part of Manager a Refresher drives.
type Reconciler interface {
	LoadFromRemote(ctx context.Context) error
}

// Refresher re-reads the remote thread listing on a fixed interval so a
// long-running session picks up threads created elsewhere.
type Refresher struct {
	target Reconciler
	poll   time.Duration
	logger *slog.Logger
}

// NewRefresher creates a Refresher. If interval is <= 0, it defaults to one
// minute.
func NewRefresher(target Reconciler, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{target: target, poll: interval, logger: logger}
}

// Run reconciles until ctx is cancelled. The first reconcile happens after
// one interval; sessions reconcile once when they open.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.target.LoadFromRemote(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("periodic thread refresh failed", "error", err)
		}
	}
}
