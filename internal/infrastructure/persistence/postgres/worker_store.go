// Package postgres implements the PostgreSQL persistence layer of the reward
// engine.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eduhub/reward-engine/internal/domain/achievement"
	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/level"
	"github.com/eduhub/reward-engine/internal/domain/outbox"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/internal/worker"
)

// ══════════════════════════════════════════════════════════════════════════════
// WORKER STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// WorkerStore implements worker.Store for PostgreSQL.
type WorkerStore struct {
	conn *Connection

	// staleAfter is how long a claimed unit may stay PROCESSING before it is
	// treated as abandoned by a crashed worker and claimed again.
	staleAfter time.Duration
}

// NewWorkerStore creates a new WorkerStore.
func NewWorkerStore(conn *Connection, staleAfter time.Duration) *WorkerStore {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &WorkerStore{conn: conn, staleAfter: staleAfter}
}

// DiscoverUnits creates PENDING units for feed completions that have neither a
// work unit nor a recorded point event yet. The anti-join on point_events makes
// rediscovery after a purge of reward_units safe: already awarded completions
// are never re-enqueued.
func (s *WorkerStore) DiscoverUnits(ctx context.Context, limit int) (int, error) {
	tag, err := s.conn.Exec(ctx, `
		INSERT INTO reward_units
			(id, student_id, source, source_id, activity_type, difficulty,
			 class_id, subject_id, course_id, campus_id, completed_at)
		SELECT gen_random_uuid(), c.student_id, c.source, c.source_id,
		       c.activity_type, c.difficulty,
		       c.class_id, c.subject_id, c.course_id, c.campus_id, c.completed_at
		FROM completions c
		WHERE NOT EXISTS (
			SELECT 1 FROM reward_units u
			WHERE u.student_id = c.student_id
			  AND u.source = c.source
			  AND u.source_id = c.source_id
		)
		AND NOT EXISTS (
			SELECT 1 FROM point_events e
			WHERE e.student_id = c.student_id
			  AND e.source = c.source
			  AND e.source_id = c.source_id
			  AND NOT e.corrective
		)
		ORDER BY c.completed_at
		LIMIT $1
		ON CONFLICT (student_id, source, source_id) DO NOTHING
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("discover units: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// ClaimDue atomically claims due units with FOR UPDATE SKIP LOCKED so that
// concurrent workers never process the same unit twice.
func (s *WorkerStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*worker.Unit, error) {
	rows, err := s.conn.Query(ctx, `
		UPDATE reward_units u
		SET status = 'PROCESSING', attempts = attempts + 1, updated_at = $1
		FROM (
			SELECT id FROM reward_units
			WHERE status = 'PENDING'
			   OR (status = 'FAILED' AND next_attempt_at <= $1)
			   OR (status = 'PROCESSING' AND updated_at <= $2)
			ORDER BY completed_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) due
		WHERE u.id = due.id
		RETURNING u.id, u.student_id, u.source, u.source_id, u.activity_type,
		          u.difficulty, u.class_id, u.subject_id, u.course_id, u.campus_id,
		          u.completed_at, u.status, u.attempts, u.last_error,
		          u.next_attempt_at, u.created_at, u.updated_at
	`, now, now.Add(-s.staleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due units: %w", err)
	}
	defer rows.Close()

	return scanUnits(rows)
}

// InTx runs fn in a single transaction over a worker.Tx view of the store.
func (s *WorkerStore) InTx(ctx context.Context, fn func(ctx context.Context, tx worker.Tx) error) error {
	return s.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		return fn(ctx, &workerTx{q: tx})
	})
}

// ReleaseFailure persists the FAILED/DEAD state of a unit after its processing
// transaction was rolled back.
func (s *WorkerStore) ReleaseFailure(ctx context.Context, unit *worker.Unit) error {
	var nextAttempt *time.Time
	if !unit.NextAttemptAt.IsZero() {
		nextAttempt = &unit.NextAttemptAt
	}

	tag, err := s.conn.Exec(ctx, `
		UPDATE reward_units
		SET status = $2, attempts = $3, last_error = $4,
		    next_attempt_at = $5, updated_at = $6
		WHERE id = $1
	`, unit.ID, string(unit.Status), unit.Attempts, unit.LastError, nextAttempt, unit.UpdatedAt)
	if err != nil {
		return fmt.Errorf("release failed unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return worker.ErrUnitNotFound
	}
	return nil
}

// ListDead returns DEAD units for operator inspection.
func (s *WorkerStore) ListDead(ctx context.Context, limit int) ([]*worker.Unit, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, student_id, source, source_id, activity_type, difficulty,
		       class_id, subject_id, course_id, campus_id, completed_at,
		       status, attempts, last_error, next_attempt_at, created_at, updated_at
		FROM reward_units
		WHERE status = 'DEAD'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead units: %w", err)
	}
	defer rows.Close()

	return scanUnits(rows)
}

// RequeueDead resets a DEAD unit back to PENDING.
func (s *WorkerStore) RequeueDead(ctx context.Context, unitID string) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE reward_units
		SET status = 'PENDING', attempts = 0, last_error = '',
		    next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'DEAD'
	`, unitID)
	if err != nil {
		return fmt.Errorf("requeue dead unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return worker.ErrUnitNotFound
	}
	return nil
}

// RecordCompletion inserts a completion into the feed. Re-inserting the same
// completion is a no-op: the feed primary key matches the dedup key.
func (s *WorkerStore) RecordCompletion(ctx context.Context, c reward.Completion) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO completions
			(student_id, source, source_id, activity_type, difficulty,
			 class_id, subject_id, course_id, campus_id, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (student_id, source, source_id) DO NOTHING
	`, c.StudentID, string(c.Source), c.SourceID, string(c.ActivityType), string(c.Difficulty),
		c.Scopes.ClassID, c.Scopes.SubjectID, c.Scopes.CourseID, c.Scopes.CampusID, c.CompletedAt)
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

func scanUnits(rows pgx.Rows) ([]*worker.Unit, error) {
	var units []*worker.Unit

	for rows.Next() {
		var (
			u             worker.Unit
			source        string
			activityType  string
			difficulty    string
			status        string
			nextAttemptAt *time.Time
			scopes        reward.ScopeSet
		)

		err := rows.Scan(
			&u.ID, &u.Completion.StudentID, &source, &u.Completion.SourceID,
			&activityType, &difficulty,
			&scopes.ClassID, &scopes.SubjectID, &scopes.CourseID, &scopes.CampusID,
			&u.Completion.CompletedAt,
			&status, &u.Attempts, &u.LastError, &nextAttemptAt,
			&u.CreatedAt, &u.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}

		u.Completion.Source = reward.Source(source)
		u.Completion.ActivityType = reward.ActivityType(activityType)
		u.Completion.Difficulty = reward.Difficulty(difficulty)
		u.Completion.Scopes = scopes
		u.Status = worker.Status(status)
		if nextAttemptAt != nil {
			u.NextAttemptAt = *nextAttemptAt
		}

		units = append(units, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return units, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTIONAL VIEW
// ══════════════════════════════════════════════════════════════════════════════

// workerTx implements worker.Tx on top of a pgx transaction.
type workerTx struct {
	q pgx.Tx
}

// InsertEventOnce performs the conditional insert against the partial unique
// index. Zero affected rows means the award was already recorded.
//
// The student's advisory lock is taken before the insert. Every increment of
// the student's aggregates happens later in the same transaction, so holding
// the lock here serializes awards against a concurrent aggregate rebuild.
func (t *workerTx) InsertEventOnce(ctx context.Context, event *reward.PointEvent) (bool, error) {
	id, err := uuid.Parse(event.ID)
	if err != nil {
		return false, fmt.Errorf("event id must be a uuid: %w", err)
	}

	if err := lockStudent(ctx, t.q, event.StudentID); err != nil {
		return false, err
	}

	tag, err := t.q.Exec(ctx, `
		INSERT INTO point_events
			(id, student_id, amount, source, source_id,
			 class_id, subject_id, course_id, campus_id, corrective, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (student_id, source, source_id) WHERE NOT corrective DO NOTHING
	`, id, event.StudentID, event.Amount, string(event.Source), event.SourceID,
		event.Scopes.ClassID, event.Scopes.SubjectID, event.Scopes.CourseID, event.Scopes.CampusID,
		event.Corrective, event.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert point event: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// AddToAggregates applies the fan-out increments as store-level atomic upserts.
func (t *workerTx) AddToAggregates(ctx context.Context, keys []aggregate.Key, amount int64, at time.Time) error {
	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(`
			INSERT INTO points_aggregates
				(student_id, scope_kind, scope_id, period_type, period_key, total, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (student_id, scope_kind, scope_id, period_type, period_key)
			DO UPDATE SET total = points_aggregates.total + EXCLUDED.total,
			              updated_at = EXCLUDED.updated_at
		`, k.StudentID, string(k.Scope.Kind), k.Scope.ID, string(k.PeriodType), string(k.PeriodKey), amount, at)
	}

	br := t.q.SendBatch(ctx, batch)
	defer br.Close()

	for range keys {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("apply aggregate increment: %w", err)
		}
	}

	return nil
}

// AggregateTotal returns the total of one aggregate row, 0 for a missing row.
func (t *workerTx) AggregateTotal(ctx context.Context, key aggregate.Key) (int64, error) {
	var total int64
	err := t.q.QueryRow(ctx, `
		SELECT total FROM points_aggregates
		WHERE student_id = $1 AND scope_kind = $2 AND scope_id = $3
		  AND period_type = $4 AND period_key = $5
	`, key.StudentID, string(key.Scope.Kind), key.Scope.ID,
		string(key.PeriodType), string(key.PeriodKey)).Scan(&total)

	if IsNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read aggregate total: %w", err)
	}
	return total, nil
}

// StudentLevel returns the stored level row for (student, scope).
func (t *workerTx) StudentLevel(ctx context.Context, studentID string, scope reward.ScopeRef) (level.StudentLevel, bool, error) {
	var lvl level.StudentLevel
	err := t.q.QueryRow(ctx, `
		SELECT level, current_experience, experience_for_next_level,
		       cumulative_experience, derived_at
		FROM student_levels
		WHERE student_id = $1 AND scope_kind = $2 AND scope_id = $3
	`, studentID, string(scope.Kind), scope.ID).Scan(
		&lvl.Level, &lvl.CurrentExperience, &lvl.ExperienceForNextLevel,
		&lvl.CumulativeExperience, &lvl.DerivedAt,
	)

	if IsNoRows(err) {
		return level.StudentLevel{}, false, nil
	}
	if err != nil {
		return level.StudentLevel{}, false, fmt.Errorf("read student level: %w", err)
	}
	return lvl, true, nil
}

// SaveStudentLevel upserts the recomputed level row.
func (t *workerTx) SaveStudentLevel(ctx context.Context, studentID string, scope reward.ScopeRef, lvl level.StudentLevel) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO student_levels
			(student_id, scope_kind, scope_id, level, current_experience,
			 experience_for_next_level, cumulative_experience, derived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (student_id, scope_kind, scope_id)
		DO UPDATE SET level = EXCLUDED.level,
		              current_experience = EXCLUDED.current_experience,
		              experience_for_next_level = EXCLUDED.experience_for_next_level,
		              cumulative_experience = EXCLUDED.cumulative_experience,
		              derived_at = EXCLUDED.derived_at
	`, studentID, string(scope.Kind), scope.ID, lvl.Level, lvl.CurrentExperience,
		lvl.ExperienceForNextLevel, lvl.CumulativeExperience, lvl.DerivedAt)
	if err != nil {
		return fmt.Errorf("save student level: %w", err)
	}
	return nil
}

// AchievementProgress returns the student's progress rows keyed by definition.
func (t *workerTx) AchievementProgress(ctx context.Context, studentID string) (map[string]achievement.Progress, error) {
	rows, err := t.q.Query(ctx, `
		SELECT definition_id, progress, target, unlocked, unlocked_at, updated_at
		FROM achievement_progress
		WHERE student_id = $1
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("read achievement progress: %w", err)
	}
	defer rows.Close()

	result := make(map[string]achievement.Progress)
	for rows.Next() {
		var (
			row        achievement.Progress
			unlockedAt *time.Time
		)
		if err := rows.Scan(&row.DefinitionID, &row.Progress, &row.Target,
			&row.Unlocked, &unlockedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan achievement progress: %w", err)
		}
		row.StudentID = studentID
		if unlockedAt != nil {
			row.UnlockedAt = *unlockedAt
		}
		result[row.DefinitionID] = row
	}

	return result, rows.Err()
}

// SaveAchievementProgress upserts the changed progress rows.
func (t *workerTx) SaveAchievementProgress(ctx context.Context, progressRows []achievement.Progress) error {
	for _, row := range progressRows {
		var unlockedAt *time.Time
		if !row.UnlockedAt.IsZero() {
			unlockedAt = &row.UnlockedAt
		}

		_, err := t.q.Exec(ctx, `
			INSERT INTO achievement_progress
				(student_id, definition_id, progress, target, unlocked, unlocked_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (student_id, definition_id)
			DO UPDATE SET progress = EXCLUDED.progress,
			              unlocked = EXCLUDED.unlocked,
			              unlocked_at = EXCLUDED.unlocked_at,
			              updated_at = EXCLUDED.updated_at
		`, row.StudentID, row.DefinitionID, row.Progress, row.Target,
			row.Unlocked, unlockedAt, row.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save achievement progress: %w", err)
		}
	}
	return nil
}

// AppendOutbox appends a record to the transactional outbox.
func (t *workerTx) AppendOutbox(ctx context.Context, rec outbox.Record) error {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("outbox id must be a uuid: %w", err)
	}

	_, err = t.q.Exec(ctx, `
		INSERT INTO reward_outbox (id, kind, student_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, string(rec.Kind), rec.StudentID, []byte(rec.Payload), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append outbox record: %w", err)
	}
	return nil
}

// MarkUnitDone flips the unit to DONE inside the processing transaction.
func (t *workerTx) MarkUnitDone(ctx context.Context, unitID string, at time.Time) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE reward_units
		SET status = 'DONE', last_error = '', next_attempt_at = NULL, updated_at = $2
		WHERE id = $1
	`, unitID, at)
	if err != nil {
		return fmt.Errorf("mark unit done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return worker.ErrUnitNotFound
	}
	return nil
}

// Ensure interfaces are implemented.
var (
	_ worker.Store = (*WorkerStore)(nil)
	_ worker.Tx    = (*workerTx)(nil)
)
