package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

// Retention prunes old feed messages on a cron schedule. Offsets are never
// pruned.
type Retention struct {
	feed   domain.FeedStore
	keep   time.Duration
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// NewRetention validates schedule and prepares the job. days <= 0 keeps
// the feed forever and Start does nothing.
func NewRetention(feed domain.FeedStore, days int, schedule string, logger *slog.Logger) (*Retention, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retention{
		feed:   feed,
		keep:   time.Duration(days) * 24 * time.Hour,
		logger: logger,
		now:    time.Now,
	}
	if days <= 0 {
		return r, nil
	}

	r.cron = cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Retention) Enabled() bool { return r.cron != nil }

// PruneOnce deletes feed messages older than the retention period.
func (r *Retention) PruneOnce(ctx context.Context) (int64, error) {
	if r.keep <= 0 {
		return 0, nil
	}
	return r.feed.PruneBefore(ctx, r.now().Add(-r.keep))
}

func (r *Retention) Start() {
	if r.cron == nil {
		return
	}
	r.cron.Start()
	r.logger.Info("feed retention scheduled", "keep", r.keep)
}

// Stop halts the scheduler and waits for a running prune to finish.
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

func (r *Retention) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := r.PruneOnce(ctx)
	if err != nil {
		r.logger.Warn("feed prune failed", "err", err)
		return
	}
	if n > 0 {
		r.logger.Info("feed pruned", "deleted", n)
	}
}
