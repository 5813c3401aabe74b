package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// PRUNE OUTBOX JOB
// ══════════════════════════════════════════════════════════════════════════════

// OutboxPruner deletes published outbox records past the retention window.
type OutboxPruner interface {
	PrunePublished(ctx context.Context, olderThan time.Time) (int, error)
}

// PruneOutboxJob enforces outbox retention. Published records are kept for a
// grace window so operators can audit recent notifications, then deleted.
type PruneOutboxJob struct {
	pruner    OutboxPruner
	logger    *slog.Logger
	retention time.Duration
}

// NewPruneOutboxJob creates a new outbox retention job.
func NewPruneOutboxJob(pruner OutboxPruner, logger *slog.Logger, retention time.Duration) *PruneOutboxJob {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	return &PruneOutboxJob{
		pruner:    pruner,
		logger:    logger,
		retention: retention,
	}
}

// Name returns the job name.
func (j *PruneOutboxJob) Name() string {
	return "prune_outbox"
}

// Description returns a human-readable description.
func (j *PruneOutboxJob) Description() string {
	return "Deletes published outbox records past the retention window"
}

// Run executes the retention job.
func (j *PruneOutboxJob) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-j.retention)

	deleted, err := j.pruner.PrunePublished(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune outbox: %w", err)
	}

	if deleted > 0 {
		j.logger.Info("pruned published outbox records",
			"count", deleted,
			"older_than", cutoff.Format(time.RFC3339),
		)
	}

	return nil
}
