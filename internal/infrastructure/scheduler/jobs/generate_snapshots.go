// Package jobs contains implementations of scheduled jobs for the reward
// engine: leaderboard snapshot generation, aggregate drift repair, and
// outbox retention.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/leaderboard"
	"github.com/eduhub/reward-engine/internal/domain/reward"
)

// ══════════════════════════════════════════════════════════════════════════════
// GENERATE SNAPSHOTS JOB
// ══════════════════════════════════════════════════════════════════════════════

// StandingsSource supplies the committed ranking input for snapshot generation.
type StandingsSource interface {
	ListActiveScopes(ctx context.Context, periodType aggregate.PeriodType, periodKey string) ([]reward.ScopeRef, error)
	ListStandings(ctx context.Context, scope reward.ScopeRef, periodType aggregate.PeriodType, periodKey string) ([]leaderboard.Standing, error)
}

// SnapshotStore persists generated snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot *leaderboard.Snapshot) error
	GetLatest(ctx context.Context, scope reward.ScopeRef, periodType aggregate.PeriodType, periodKey string) (*leaderboard.Snapshot, error)
	PruneOld(ctx context.Context, keep int) (int, error)
}

// SnapshotCacheInvalidator drops cached leaderboard reads after a generation.
type SnapshotCacheInvalidator interface {
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// GenerateSnapshotsJob materializes one immutable leaderboard snapshot per
// active (scope, period) pair. Reads never rank on the fly: the dashboard
// serves whatever generation this job produced last.
type GenerateSnapshotsJob struct {
	standings StandingsSource
	snapshots SnapshotStore
	keys      *aggregate.KeySet
	cache     SnapshotCacheInvalidator
	logger    *slog.Logger
	config    GenerateSnapshotsConfig

	lastStats atomic.Value // *GenerateStats
}

// GenerateSnapshotsConfig contains configuration for the snapshot job.
type GenerateSnapshotsConfig struct {
	// PeriodTypes to generate snapshots for (empty = all granularities).
	PeriodTypes []aggregate.PeriodType

	// KeepGenerations is how many snapshot generations to retain per
	// leaderboard key. Values below 2 are raised to 2 so rank deltas
	// stay computable.
	KeepGenerations int

	// CachePrefix is the cache namespace to invalidate after generation.
	// Empty disables invalidation.
	CachePrefix string

	// Timeout is the maximum duration for one generation run.
	Timeout time.Duration
}

// DefaultGenerateSnapshotsConfig returns sensible defaults.
func DefaultGenerateSnapshotsConfig() GenerateSnapshotsConfig {
	return GenerateSnapshotsConfig{
		PeriodTypes:     aggregate.PeriodTypes(),
		KeepGenerations: 5,
		Timeout:         5 * time.Minute,
	}
}

// GenerateStats contains statistics from a generation run.
type GenerateStats struct {
	StartedAt        time.Time
	CompletedAt      time.Time
	Duration         time.Duration
	ScopesProcessed  int
	SnapshotsCreated int
	EntriesWritten   int
	SnapshotsPruned  int
	Errors           []error
}

// NewGenerateSnapshotsJob creates a new snapshot generation job.
func NewGenerateSnapshotsJob(
	standings StandingsSource,
	snapshots SnapshotStore,
	keys *aggregate.KeySet,
	cache SnapshotCacheInvalidator,
	logger *slog.Logger,
	config GenerateSnapshotsConfig,
) *GenerateSnapshotsJob {
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.PeriodTypes) == 0 {
		config.PeriodTypes = aggregate.PeriodTypes()
	}
	if config.KeepGenerations < 2 {
		config.KeepGenerations = 2
	}

	return &GenerateSnapshotsJob{
		standings: standings,
		snapshots: snapshots,
		keys:      keys,
		cache:     cache,
		logger:    logger,
		config:    config,
	}
}

// Name returns the job name.
func (j *GenerateSnapshotsJob) Name() string {
	return "generate_snapshots"
}

// Description returns a human-readable description.
func (j *GenerateSnapshotsJob) Description() string {
	return "Generates leaderboard snapshots for every active scope and period"
}

// Run executes the snapshot generation job.
func (j *GenerateSnapshotsJob) Run(ctx context.Context) error {
	startedAt := time.Now()
	stats := &GenerateStats{
		StartedAt: startedAt,
		Errors:    make([]error, 0),
	}

	j.logger.Info("starting generate_snapshots job")

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	now := startedAt.UTC()

	for _, periodType := range j.config.PeriodTypes {
		periodKey := string(j.keys.PeriodKeyAt(periodType, now))

		scopes, err := j.standings.ListActiveScopes(ctx, periodType, periodKey)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			j.logger.Error("failed to list active scopes",
				"period_type", string(periodType),
				"period_key", periodKey,
				"error", err,
			)
			continue
		}

		for _, scope := range scopes {
			if err := j.generateOne(ctx, scope, periodType, periodKey, now, stats); err != nil {
				stats.Errors = append(stats.Errors, err)
				j.logger.Error("failed to generate snapshot",
					"scope", scope.String(),
					"period_type", string(periodType),
					"period_key", periodKey,
					"error", err,
				)
			}
			stats.ScopesProcessed++
		}
	}

	// Retention: old generations beyond the configured depth are dropped.
	pruned, err := j.snapshots.PruneOld(ctx, j.config.KeepGenerations)
	if err != nil {
		j.logger.Warn("failed to prune old snapshots", "error", err)
	} else if pruned > 0 {
		stats.SnapshotsPruned = pruned
		j.logger.Info("pruned old snapshots", "count", pruned)
	}

	// Fresh generations invalidate every cached leaderboard read.
	if j.cache != nil && j.config.CachePrefix != "" && stats.SnapshotsCreated > 0 {
		if err := j.cache.DeleteByPrefix(ctx, j.config.CachePrefix); err != nil {
			j.logger.Warn("failed to invalidate leaderboard cache", "error", err)
		}
	}

	stats.CompletedAt = time.Now()
	stats.Duration = stats.CompletedAt.Sub(startedAt)
	j.lastStats.Store(stats)

	j.logger.Info("generate_snapshots job completed",
		"duration", stats.Duration.String(),
		"scopes_processed", stats.ScopesProcessed,
		"snapshots_created", stats.SnapshotsCreated,
		"entries_written", stats.EntriesWritten,
	)

	if len(stats.Errors) > 0 {
		return fmt.Errorf("snapshot generation completed with %d errors", len(stats.Errors))
	}

	return nil
}

// generateOne generates a single snapshot for one leaderboard key.
func (j *GenerateSnapshotsJob) generateOne(
	ctx context.Context,
	scope reward.ScopeRef,
	periodType aggregate.PeriodType,
	periodKey string,
	now time.Time,
	stats *GenerateStats,
) error {
	standings, err := j.standings.ListStandings(ctx, scope, periodType, periodKey)
	if err != nil {
		return fmt.Errorf("list standings: %w", err)
	}
	if len(standings) == 0 {
		return nil
	}

	// Rank deltas are diffed against the real previous generation of the
	// same leaderboard key. A brand-new key has no previous generation and
	// every entry starts without a delta.
	prev, err := j.snapshots.GetLatest(ctx, scope, periodType, periodKey)
	if err != nil && !errors.Is(err, leaderboard.ErrSnapshotNotFound) {
		return fmt.Errorf("get previous snapshot: %w", err)
	}

	snapshot := leaderboard.NewSnapshot(
		uuid.NewString(), scope, periodType,
		j.keys.PeriodKeyAt(periodType, now), standings, prev, now,
	)

	if err := j.snapshots.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	stats.SnapshotsCreated++
	stats.EntriesWritten += snapshot.Count()

	j.logger.Debug("snapshot generated",
		"scope", scope.String(),
		"period_type", string(periodType),
		"period_key", periodKey,
		"entries", snapshot.Count(),
	)

	return nil
}

// LastStats returns statistics from the last generation run.
func (j *GenerateSnapshotsJob) LastStats() *GenerateStats {
	stats := j.lastStats.Load()
	if stats == nil {
		return nil
	}
	return stats.(*GenerateStats)
}
