// Package postgres implements the PostgreSQL persistence layer of the reward
// engine.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/eduhub/reward-engine/internal/domain/achievement"
	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/leaderboard"
	"github.com/eduhub/reward-engine/internal/domain/level"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AggregateRepository reads committed aggregate state and repairs drift.
type AggregateRepository struct {
	conn *Connection
	keys *aggregate.KeySet
}

// NewAggregateRepository creates a new AggregateRepository.
func NewAggregateRepository(conn *Connection, keys *aggregate.KeySet) *AggregateRepository {
	return &AggregateRepository{conn: conn, keys: keys}
}

// ─────────────────────────────────────────────────────────────────────────────
// READS
// ─────────────────────────────────────────────────────────────────────────────

// GetTotals returns all aggregate rows of a student for one scope,
// keyed by period type and period key.
func (r *AggregateRepository) GetTotals(ctx context.Context, studentID string, scope reward.ScopeRef) ([]aggregate.Aggregate, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT period_type, period_key, total, updated_at
		FROM points_aggregates
		WHERE student_id = $1 AND scope_kind = $2 AND scope_id = $3
		ORDER BY period_type, period_key
	`, studentID, string(scope.Kind), scope.ID)
	if err != nil {
		return nil, fmt.Errorf("get totals: %w", err)
	}
	defer rows.Close()

	var result []aggregate.Aggregate
	for rows.Next() {
		var (
			agg        aggregate.Aggregate
			periodType string
			periodKey  string
		)
		if err := rows.Scan(&periodType, &periodKey, &agg.Total, &agg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.Key = aggregate.Key{
			StudentID:  studentID,
			Scope:      scope,
			PeriodType: aggregate.PeriodType(periodType),
			PeriodKey:  timeutil.PeriodKey(periodKey),
		}
		result = append(result, agg)
	}

	return result, rows.Err()
}

// GetStudentLevel returns the derived level row for (student, scope).
func (r *AggregateRepository) GetStudentLevel(ctx context.Context, studentID string, scope reward.ScopeRef) (level.StudentLevel, error) {
	var lvl level.StudentLevel
	err := r.conn.QueryRow(ctx, `
		SELECT level, current_experience, experience_for_next_level,
		       cumulative_experience, derived_at
		FROM student_levels
		WHERE student_id = $1 AND scope_kind = $2 AND scope_id = $3
	`, studentID, string(scope.Kind), scope.ID).Scan(
		&lvl.Level, &lvl.CurrentExperience, &lvl.ExperienceForNextLevel,
		&lvl.CumulativeExperience, &lvl.DerivedAt,
	)

	if IsNoRows(err) {
		return level.StudentLevel{}, aggregate.ErrAggregateNotFound
	}
	if err != nil {
		return level.StudentLevel{}, fmt.Errorf("get student level: %w", err)
	}
	return lvl, nil
}

// GetAchievements returns the student's achievement progress rows.
// unlockedOnly narrows the list to unlocked achievements.
func (r *AggregateRepository) GetAchievements(ctx context.Context, studentID string, unlockedOnly bool) ([]achievement.Progress, error) {
	query := `
		SELECT definition_id, progress, target, unlocked, unlocked_at, updated_at
		FROM achievement_progress
		WHERE student_id = $1
	`
	if unlockedOnly {
		query += " AND unlocked"
	}
	query += " ORDER BY unlocked_at DESC NULLS LAST, definition_id"

	rows, err := r.conn.Query(ctx, query, studentID)
	if err != nil {
		return nil, fmt.Errorf("get achievements: %w", err)
	}
	defer rows.Close()

	var result []achievement.Progress
	for rows.Next() {
		var (
			row        achievement.Progress
			unlockedAt *time.Time
		)
		if err := rows.Scan(&row.DefinitionID, &row.Progress, &row.Target,
			&row.Unlocked, &unlockedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		row.StudentID = studentID
		if unlockedAt != nil {
			row.UnlockedAt = *unlockedAt
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

// ListStandings returns the raw ranking input for one leaderboard key:
// every student's total for the (scope, period) pair joined with the unlock
// moment of their most recent achievement for the tie-break.
func (r *AggregateRepository) ListStandings(
	ctx context.Context,
	scope reward.ScopeRef,
	periodType aggregate.PeriodType,
	periodKey string,
) ([]leaderboard.Standing, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT a.student_id, a.total,
		       COALESCE(MAX(ap.unlocked_at) FILTER (WHERE ap.unlocked), 'epoch'::timestamptz)
		FROM points_aggregates a
		LEFT JOIN achievement_progress ap ON ap.student_id = a.student_id
		WHERE a.scope_kind = $1 AND a.scope_id = $2
		  AND a.period_type = $3 AND a.period_key = $4
		GROUP BY a.student_id, a.total
	`, string(scope.Kind), scope.ID, string(periodType), periodKey)
	if err != nil {
		return nil, fmt.Errorf("list standings: %w", err)
	}
	defer rows.Close()

	epoch := time.Unix(0, 0).UTC()

	var standings []leaderboard.Standing
	for rows.Next() {
		var st leaderboard.Standing
		if err := rows.Scan(&st.StudentID, &st.Total, &st.LastUnlockAt); err != nil {
			return nil, fmt.Errorf("scan standing: %w", err)
		}
		if st.LastUnlockAt.Equal(epoch) {
			st.LastUnlockAt = time.Time{}
		}
		standings = append(standings, st)
	}

	return standings, rows.Err()
}

// ListActiveScopes returns distinct scopes that have any aggregate rows for a
// period. The snapshot job uses it to know which leaderboards to generate.
func (r *AggregateRepository) ListActiveScopes(ctx context.Context, periodType aggregate.PeriodType, periodKey string) ([]reward.ScopeRef, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT DISTINCT scope_kind, scope_id
		FROM points_aggregates
		WHERE period_type = $1 AND period_key = $2
		ORDER BY scope_kind, scope_id
	`, string(periodType), periodKey)
	if err != nil {
		return nil, fmt.Errorf("list active scopes: %w", err)
	}
	defer rows.Close()

	var scopes []reward.ScopeRef
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, reward.ScopeRef{Kind: reward.ScopeKind(kind), ID: id})
	}

	return scopes, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// REPAIR
// ─────────────────────────────────────────────────────────────────────────────

// CheckDrift compares ALL_TIME aggregate totals against the event log sums for
// every scope the events touched and returns the ids of students whose rows
// diverged. Events are not required to carry every scope id, so the check fans
// the log out over all four scope columns. Drift can only appear after
// operational accidents (manual edits, partial restores); the steady state is
// an empty result.
func (r *AggregateRepository) CheckDrift(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.conn.Query(ctx, `
		WITH event_sums AS (
			SELECT e.student_id, s.kind, s.id, SUM(e.amount) AS total
			FROM point_events e,
			     LATERAL (VALUES
			     	('CLASS', e.class_id),
			     	('SUBJECT', e.subject_id),
			     	('COURSE', e.course_id),
			     	('CAMPUS', e.campus_id)) AS s(kind, id)
			WHERE s.id <> ''
			GROUP BY e.student_id, s.kind, s.id
		)
		SELECT DISTINCT es.student_id
		FROM event_sums es
		LEFT JOIN points_aggregates a
		  ON a.student_id = es.student_id
		 AND a.scope_kind = es.kind AND a.scope_id = es.id
		 AND a.period_type = 'ALL_TIME'
		WHERE COALESCE(a.total, 0) <> es.total
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("check drift: %w", err)
	}
	defer rows.Close()

	var students []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan drifted student: %w", err)
		}
		students = append(students, id)
	}

	return students, rows.Err()
}

// RepairStudent rebuilds all aggregate rows of one student from the event log.
// The recompute is the remedy for drift and for retroactive corrections: the
// event log is the source of truth, aggregates are always rebuildable.
//
// The log read and the rewrite share one transaction holding the student's
// advisory lock. Award transactions take the same lock before incrementing, so
// a concurrent award either commits before the log is read here or waits until
// the rebuilt rows are committed. No increment can land between the read and
// the DELETE and be lost.
func (r *AggregateRepository) RepairStudent(ctx context.Context, studentID string) error {
	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if err := lockStudent(ctx, tx, studentID); err != nil {
			return err
		}

		events, err := loadStudentEvents(ctx, tx, studentID)
		if err != nil {
			return err
		}

		totals := r.rebuildTotals(events)
		now := time.Now().UTC()

		if _, err := tx.Exec(ctx, `DELETE FROM points_aggregates WHERE student_id = $1`, studentID); err != nil {
			return fmt.Errorf("clear aggregates: %w", err)
		}

		batch := &pgx.Batch{}
		for key, total := range totals {
			batch.Queue(`
				INSERT INTO points_aggregates
					(student_id, scope_kind, scope_id, period_type, period_key, total, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, key.StudentID, string(key.Scope.Kind), key.Scope.ID,
				string(key.PeriodType), string(key.PeriodKey), total, now)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for range totals {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("insert rebuilt aggregate: %w", err)
			}
		}

		return nil
	})
}

// rebuildTotals folds the event log into exactly the totals the incremental
// fan-out would have produced had every event been applied once.
func (r *AggregateRepository) rebuildTotals(events []reward.PointEvent) map[aggregate.Key]int64 {
	totals := make(map[aggregate.Key]int64)
	for i := range events {
		for _, key := range r.keys.AffectedKeys(&events[i]) {
			totals[key] += events[i].Amount
		}
	}
	return totals
}

func loadStudentEvents(ctx context.Context, tx pgx.Tx, studentID string) ([]reward.PointEvent, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, student_id, amount, source, source_id,
		       class_id, subject_id, course_id, campus_id, corrective, created_at
		FROM point_events
		WHERE student_id = $1
		ORDER BY created_at
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("load events for repair: %w", err)
	}
	defer rows.Close()

	var events []reward.PointEvent
	for rows.Next() {
		var (
			event  reward.PointEvent
			source string
		)
		if err := rows.Scan(&event.ID, &event.StudentID, &event.Amount, &source, &event.SourceID,
			&event.Scopes.ClassID, &event.Scopes.SubjectID, &event.Scopes.CourseID, &event.Scopes.CampusID,
			&event.Corrective, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event for repair: %w", err)
		}
		event.Source = reward.Source(source)
		events = append(events, event)
	}

	return events, rows.Err()
}
