package query

import (
	"context"
	"errors"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/leaderboard"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT RANK QUERY
// Возвращает позицию одного студента в последнем снапшоте лидерборда.
// Студент без строки в снапшоте не ранжирован - это не ошибка запроса.
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentRankQuery содержит параметры запроса позиции.
type GetStudentRankQuery struct {
	// StudentID - идентификатор студента.
	StudentID string

	// ScopeKind, ScopeID, PeriodType - ключ лидерборда (как в GetLeaderboardQuery).
	ScopeKind  string
	ScopeID    string
	PeriodType string
}

// Validate проверяет корректность параметров запроса.
func (q *GetStudentRankQuery) Validate() error {
	if q.StudentID == "" {
		return ErrStudentRequired
	}
	lb := GetLeaderboardQuery{ScopeKind: q.ScopeKind, ScopeID: q.ScopeID, PeriodType: q.PeriodType}
	return lb.Validate()
}

// StudentRankDTO - позиция студента в лидерборде.
type StudentRankDTO struct {
	// StudentID - идентификатор студента.
	StudentID string `json:"student_id"`

	// Ranked - есть ли студент в снапшоте.
	Ranked bool `json:"ranked"`

	// Entry - строка снапшота (null, если студент не ранжирован).
	Entry *LeaderboardEntryDTO `json:"entry,omitempty"`

	// TotalCount - общее количество участников снапшота.
	TotalCount int `json:"total_count"`

	// GeneratedAt - момент генерации снапшота.
	GeneratedAt time.Time `json:"generated_at"`
}

// GetStudentRankHandler обрабатывает запросы позиции студента.
type GetStudentRankHandler struct {
	snapshots SnapshotReader
	keys      *aggregate.KeySet
	now       func() time.Time
}

// NewGetStudentRankHandler создаёт новый обработчик.
func NewGetStudentRankHandler(snapshots SnapshotReader, keys *aggregate.KeySet) *GetStudentRankHandler {
	return &GetStudentRankHandler{snapshots: snapshots, keys: keys, now: time.Now}
}

// Handle выполняет запрос позиции студента.
func (h *GetStudentRankHandler) Handle(ctx context.Context, query GetStudentRankQuery) (*StudentRankDTO, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	scopeQuery := GetLeaderboardQuery{ScopeKind: query.ScopeKind, ScopeID: query.ScopeID}
	scope := scopeQuery.Scope()
	periodType := aggregate.PeriodType(query.PeriodType)
	periodKey := string(h.keys.PeriodKeyAt(periodType, h.now().UTC()))

	dto := &StudentRankDTO{StudentID: query.StudentID}

	snapshot, err := h.snapshots.GetLatest(ctx, scope, periodType, periodKey)
	if errors.Is(err, leaderboard.ErrSnapshotNotFound) {
		return dto, nil
	}
	if err != nil {
		return nil, err
	}

	dto.TotalCount = snapshot.Count()
	dto.GeneratedAt = snapshot.GeneratedAt

	if entry := snapshot.GetByID(query.StudentID); entry != nil {
		e := toEntryDTO(*entry)
		dto.Ranked = true
		dto.Entry = &e
	}

	return dto, nil
}
