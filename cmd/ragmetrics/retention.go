package main

import (
	"context"
	"time"
)

type cleaner interface {
	Cleanup(ctx context.Context, days int) (int64, error)
}

type retentionOptions struct {
	Cleaner  cleaner
	Days     int
	Interval time.Duration
	// OnRun is called with the delete count of every successful pass.
	OnRun func(deleted int64)
}

// runRetention applies the retention window once at start and then on every
// tick until ctx is done. Cleanup logs its own outcome.
func runRetention(ctx context.Context, opts retentionOptions) {
	if opts.Cleaner == nil || opts.Days <= 0 || opts.Interval <= 0 {
		return
	}

	pass := func() {
		deleted, err := opts.Cleaner.Cleanup(ctx, opts.Days)
		if err == nil && opts.OnRun != nil {
			opts.OnRun(deleted)
		}
	}

	pass()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass()
		}
	}
}
