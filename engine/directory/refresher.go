package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/cohortlabs/cohort/pkg/fn"
)

// DefaultInterval is how often the caches are rebuilt.
const DefaultInterval = 60 * time.Second

// Refresher drives periodic rebuilds of the directory and the system-app
// filter on a shared ticker.
type Refresher struct {
	Dir      *Directory
	Apps     *SystemApps
	Interval time.Duration
	Log      *slog.Logger
}

// Run refreshes both caches immediately, then on every tick until the
// context is cancelled. The initial population is retried so a brief store
// hiccup at startup does not leave the caches empty for a whole interval;
// later failures only log, keeping the previous snapshot in service.
func (r *Refresher) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	res := fn.Retry(ctx, fn.DefaultRetry, func(ctx context.Context) fn.Result[struct{}] {
		if err := r.refreshOnce(ctx); err != nil {
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	})
	if _, err := res.Unwrap(); err != nil {
		r.Log.Error("initial cache population failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Log.Info("cache refresher stopping")
			return
		case <-ticker.C:
			if err := r.refreshOnce(ctx); err != nil {
				r.Log.Warn("cache refresh failed, keeping previous snapshot", "err", err)
			}
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	if err := r.Dir.Refresh(ctx); err != nil {
		return err
	}
	if r.Apps != nil {
		return r.Apps.Refresh(ctx)
	}
	return nil
}
