package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's own logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Scheduler runs one sweep per tier on its own interval. A tier whose previous
// sweep is still running skips the tick rather than stacking sweeps.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler registers the fast and slow sweeps. Sweeps run with ctx, which
// should be cancelled on shutdown.
func NewScheduler(ctx context.Context, r *Reconciler) (*Scheduler, error) {
	logger := cronLogger{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	tiers := []struct {
		tier Tier
		spec string
	}{
		{TierFast, fmt.Sprintf("@every %s", r.cfg.FastInterval)},
		{TierSlow, fmt.Sprintf("@every %s", r.cfg.SlowInterval)},
	}
	for _, t := range tiers {
		if _, err := c.AddFunc(t.spec, func() {
			if err := r.Sweep(ctx, t.tier); err != nil {
				slog.Error("sweep failed", "tier", t.tier, "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("scheduling %s sweep: %w", t.tier, err)
		}
	}
	return &Scheduler{cron: c}, nil
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new sweeps and returns a context that is done once running
// sweeps have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
