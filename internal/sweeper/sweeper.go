// Package sweeper runs the engine's storage-hygiene sweep on an interval.
package sweeper

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/tendant/simple-idm-sessions/idm"
)

// Sweeper is the part of the engine the runner needs.
type Sweeper interface {
	Sweep(ctx context.Context) (idm.SweepResult, error)
}

// Options groups dependencies for a Runner.
type Options struct {
	Sweeper  Sweeper       // Required
	Interval time.Duration // Required: time between sweeps
	Logger   *slog.Logger  // Optional
}

// Runner sweeps once at start and then on every tick.
type Runner struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// New creates a runner.
func New(opts Options) (*Runner, error) {
	if opts.Sweeper == nil {
		return nil, errors.New("sweeper is required")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sweeper:  opts.Sweeper,
		interval: opts.Interval,
		logger:   logger.With("component", "session_sweeper"),
	}, nil
}

// Run sweeps until ctx is cancelled. A failed sweep is logged and the
// loop keeps going. Returns nil on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting session sweeper", "interval", r.interval)

	// Spread out instances started together.
	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "session sweeper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (r *Runner) RunOnce(ctx context.Context) (idm.SweepResult, error) {
	return r.sweeper.Sweep(ctx)
}

func (r *Runner) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	result, err := r.sweeper.Sweep(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.logger.ErrorContext(ctx, "session sweep failed", "error", err)
		return
	}
	r.logger.DebugContext(ctx, "session sweep completed",
		"expired", result.Expired,
		"deleted", result.Deleted,
		"elapsed", time.Since(start),
	)
}

// waitWithJitter delays up to 10% of the interval.
func (r *Runner) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		r.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}
