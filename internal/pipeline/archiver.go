// Package pipeline runs background maintenance jobs on a cron schedule.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// Alerter receives a notice when a scheduled run fails.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Archiver moves execution records past retention into cold storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	alerter       Alerter
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// WithAlerter sets where failed cron runs are reported.
func (a *Archiver) WithAlerter(al Alerter) *Archiver {
	a.alerter = al
	return a
}

// Run archives once, with the cutoff retentionDays before now.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().AddDate(0, 0, -a.retentionDays)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blobArchiver.ArchiveExecutions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving executions before %v: %w", cutoff, err)
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("executions_archived", n))
	return nil
}

// RunCron runs the archiver on a standard 5-field cron schedule
// ("0 3 * * *" is daily at 03:00 UTC) until ctx is cancelled. A failed run
// is logged and retried at the next trigger.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", expr))

	for {
		next := sched.Next(a.now().UTC())
		wait := next.Sub(a.now())
		a.logger.DebugContext(ctx, "archiver waiting for next trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
				if a.alerter != nil {
					if nerr := a.alerter.Notify(ctx, "archive_failed", "Archive run failed", err.Error()); nerr != nil {
						a.logger.WarnContext(ctx, "archive alert not delivered", slog.String("error", nerr.Error()))
					}
				}
			}
		}
	}
}
