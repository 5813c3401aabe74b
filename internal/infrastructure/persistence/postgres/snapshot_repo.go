// Package postgres implements the PostgreSQL persistence layer of the reward
// engine.
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/leaderboard"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotRepository persists immutable leaderboard snapshots.
type SnapshotRepository struct {
	conn *Connection
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(conn *Connection) *SnapshotRepository {
	return &SnapshotRepository{conn: conn}
}

// SaveSnapshot stores a snapshot with all its entries in one transaction.
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, snapshot *leaderboard.Snapshot) error {
	id, err := uuid.Parse(snapshot.ID)
	if err != nil {
		return fmt.Errorf("snapshot id must be a uuid: %w", err)
	}

	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO leaderboard_snapshots
				(id, scope_kind, scope_id, period_type, period_key, generated_at, entry_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, string(snapshot.Scope.Kind), snapshot.Scope.ID,
			string(snapshot.PeriodType), string(snapshot.PeriodKey),
			snapshot.GeneratedAt, len(snapshot.Entries))
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		if len(snapshot.Entries) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, entry := range snapshot.Entries {
			var prevRank *int
			if entry.PreviousRank != nil {
				v := int(*entry.PreviousRank)
				prevRank = &v
			}
			batch.Queue(`
				INSERT INTO leaderboard_entries
					(snapshot_id, student_id, rank, score, previous_rank)
				VALUES ($1, $2, $3, $4, $5)
			`, id, entry.StudentID, int(entry.Rank), entry.Score, prevRank)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for range snapshot.Entries {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("insert snapshot entry: %w", err)
			}
		}

		return nil
	})
}

// GetLatest returns the most recent snapshot for a leaderboard key.
func (r *SnapshotRepository) GetLatest(
	ctx context.Context,
	scope reward.ScopeRef,
	periodType aggregate.PeriodType,
	periodKey string,
) (*leaderboard.Snapshot, error) {
	return r.getOne(ctx, `
		SELECT id, scope_kind, scope_id, period_type, period_key, generated_at
		FROM leaderboard_snapshots
		WHERE scope_kind = $1 AND scope_id = $2 AND period_type = $3 AND period_key = $4
		ORDER BY generated_at DESC
		LIMIT 1
	`, string(scope.Kind), scope.ID, string(periodType), periodKey)
}

// GetPrevious returns the snapshot immediately preceding the given one for the
// same leaderboard key. Rank deltas of a fresh generation are computed against
// exactly this snapshot, never against a simulated offset.
func (r *SnapshotRepository) GetPrevious(ctx context.Context, current *leaderboard.Snapshot) (*leaderboard.Snapshot, error) {
	return r.getOne(ctx, `
		SELECT id, scope_kind, scope_id, period_type, period_key, generated_at
		FROM leaderboard_snapshots
		WHERE scope_kind = $1 AND scope_id = $2 AND period_type = $3 AND period_key = $4
		  AND generated_at < $5
		ORDER BY generated_at DESC
		LIMIT 1
	`, string(current.Scope.Kind), current.Scope.ID,
		string(current.PeriodType), string(current.PeriodKey), current.GeneratedAt)
}

// PruneOld removes snapshot generations beyond the newest keep ones per
// leaderboard key. At least two generations always survive so that rank deltas
// remain computable.
func (r *SnapshotRepository) PruneOld(ctx context.Context, keep int) (int, error) {
	if keep < 2 {
		keep = 2
	}

	tag, err := r.conn.Exec(ctx, `
		DELETE FROM leaderboard_snapshots
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY scope_kind, scope_id, period_type, period_key
					ORDER BY generated_at DESC
				) AS generation
				FROM leaderboard_snapshots
			) ranked
			WHERE ranked.generation > $1
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

func (r *SnapshotRepository) getOne(ctx context.Context, query string, args ...interface{}) (*leaderboard.Snapshot, error) {
	var (
		snapshot   leaderboard.Snapshot
		scopeKind  string
		periodType string
		periodKey  string
	)

	err := r.conn.QueryRow(ctx, query, args...).Scan(
		&snapshot.ID, &scopeKind, &snapshot.Scope.ID,
		&periodType, &periodKey, &snapshot.GeneratedAt,
	)
	if IsNoRows(err) {
		return nil, leaderboard.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	snapshot.Scope.Kind = reward.ScopeKind(scopeKind)
	snapshot.PeriodType = aggregate.PeriodType(periodType)
	snapshot.PeriodKey = timeutil.PeriodKey(periodKey)

	entries, err := r.getEntries(ctx, snapshot.ID)
	if err != nil {
		return nil, err
	}
	snapshot.Entries = entries
	snapshot.RebuildIndex()

	return &snapshot, nil
}

func (r *SnapshotRepository) getEntries(ctx context.Context, snapshotID string) ([]leaderboard.Entry, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT student_id, rank, score, previous_rank
		FROM leaderboard_entries
		WHERE snapshot_id = $1
		ORDER BY rank
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("get snapshot entries: %w", err)
	}
	defer rows.Close()

	var entries []leaderboard.Entry
	for rows.Next() {
		var (
			entry    leaderboard.Entry
			rank     int
			prevRank *int
		)
		if err := rows.Scan(&entry.StudentID, &rank, &entry.Score, &prevRank); err != nil {
			return nil, fmt.Errorf("scan snapshot entry: %w", err)
		}
		entry.Rank = leaderboard.Rank(rank)
		if prevRank != nil {
			v := leaderboard.Rank(*prevRank)
			entry.PreviousRank = &v
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
