// Package postgres implements the PostgreSQL persistence layer of the reward
// engine.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/outbox"
)

// ══════════════════════════════════════════════════════════════════════════════
// OUTBOX REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// OutboxRepository reads and marks transactional outbox records.
// Writes happen through the worker transaction; the dispatcher only consumes.
type OutboxRepository struct {
	conn *Connection
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(conn *Connection) *OutboxRepository {
	return &OutboxRepository{conn: conn}
}

// FetchUnpublished returns the oldest unpublished records.
func (r *OutboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, kind, student_id, payload, created_at
		FROM reward_outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unpublished records: %w", err)
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var (
			rec  outbox.Record
			kind string
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.StudentID, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		rec.Kind = outbox.Kind(kind)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// MarkPublished stamps records as published.
func (r *OutboxRepository) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.conn.Exec(ctx, `
		UPDATE reward_outbox SET published_at = $2 WHERE id = ANY($1)
	`, ids, at)
	if err != nil {
		return fmt.Errorf("mark records published: %w", err)
	}
	return nil
}

// PrunePublished deletes published records older than the cutoff.
func (r *OutboxRepository) PrunePublished(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := r.conn.Exec(ctx, `
		DELETE FROM reward_outbox
		WHERE published_at IS NOT NULL AND published_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune published records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
