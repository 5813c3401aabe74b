package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// DRIFT CHECK JOB
// ══════════════════════════════════════════════════════════════════════════════

// DriftRepairer detects aggregate drift and rebuilds student aggregates from
// the event log.
type DriftRepairer interface {
	CheckDrift(ctx context.Context, limit int) ([]string, error)
	RepairStudent(ctx context.Context, studentID string) error
}

// DriftCheckJob compares aggregate totals against the event log and rebuilds
// the rows of any student that diverged. The event log is the source of
// truth; aggregates are always rebuildable from it.
type DriftCheckJob struct {
	repairer DriftRepairer
	logger   *slog.Logger
	config   DriftCheckConfig

	lastStats atomic.Value // *DriftStats
}

// DriftCheckConfig contains configuration for the drift check job.
type DriftCheckConfig struct {
	// MaxStudentsPerRun bounds how many drifted students are repaired in
	// one run. Remaining drift is picked up on the next run.
	MaxStudentsPerRun int

	// Timeout is the maximum duration for one check-and-repair run.
	Timeout time.Duration
}

// DefaultDriftCheckConfig returns sensible defaults.
func DefaultDriftCheckConfig() DriftCheckConfig {
	return DriftCheckConfig{
		MaxStudentsPerRun: 100,
		Timeout:           2 * time.Minute,
	}
}

// DriftStats contains statistics from a drift check run.
type DriftStats struct {
	StartedAt        time.Time
	CompletedAt      time.Time
	Duration         time.Duration
	StudentsDrifted  int
	StudentsRepaired int
	Errors           []error
}

// NewDriftCheckJob creates a new drift check job.
func NewDriftCheckJob(repairer DriftRepairer, logger *slog.Logger, config DriftCheckConfig) *DriftCheckJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxStudentsPerRun <= 0 {
		config.MaxStudentsPerRun = 100
	}

	return &DriftCheckJob{
		repairer: repairer,
		logger:   logger,
		config:   config,
	}
}

// Name returns the job name.
func (j *DriftCheckJob) Name() string {
	return "drift_check"
}

// Description returns a human-readable description.
func (j *DriftCheckJob) Description() string {
	return "Detects aggregate drift against the event log and repairs affected students"
}

// Run executes the drift check job.
func (j *DriftCheckJob) Run(ctx context.Context) error {
	startedAt := time.Now()
	stats := &DriftStats{
		StartedAt: startedAt,
		Errors:    make([]error, 0),
	}

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	drifted, err := j.repairer.CheckDrift(ctx, j.config.MaxStudentsPerRun)
	if err != nil {
		return fmt.Errorf("check drift: %w", err)
	}

	stats.StudentsDrifted = len(drifted)

	// Empty result is the steady state, not worth a log line above debug.
	if len(drifted) == 0 {
		stats.CompletedAt = time.Now()
		stats.Duration = stats.CompletedAt.Sub(startedAt)
		j.lastStats.Store(stats)
		j.logger.Debug("drift check found no drift")
		return nil
	}

	j.logger.Warn("aggregate drift detected", "students", len(drifted))

	for _, studentID := range drifted {
		if err := j.repairer.RepairStudent(ctx, studentID); err != nil {
			stats.Errors = append(stats.Errors, err)
			j.logger.Error("failed to repair student aggregates",
				"student_id", studentID,
				"error", err,
			)
			continue
		}
		stats.StudentsRepaired++
		j.logger.Info("student aggregates rebuilt", "student_id", studentID)
	}

	stats.CompletedAt = time.Now()
	stats.Duration = stats.CompletedAt.Sub(startedAt)
	j.lastStats.Store(stats)

	j.logger.Info("drift_check job completed",
		"duration", stats.Duration.String(),
		"drifted", stats.StudentsDrifted,
		"repaired", stats.StudentsRepaired,
	)

	if len(stats.Errors) > 0 {
		return fmt.Errorf("drift repair completed with %d errors", len(stats.Errors))
	}

	return nil
}

// LastStats returns statistics from the last run.
func (j *DriftCheckJob) LastStats() *DriftStats {
	stats := j.lastStats.Load()
	if stats == nil {
		return nil
	}
	return stats.(*DriftStats)
}
