package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/leaderboard"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/internal/infrastructure/persistence/redis"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Возвращает страницу последнего снапшота лидерборда для (скоуп, период).
// Запрос никогда не ранжирует на лету: если снапшота ещё нет, лидерборд
// пуст до ближайшего запуска генерации.
// ══════════════════════════════════════════════════════════════════════════════

// GetLeaderboardQuery содержит параметры запроса лидерборда.
type GetLeaderboardQuery struct {
	// ScopeKind - вид скоупа: CLASS, SUBJECT, COURSE или CAMPUS.
	ScopeKind string

	// ScopeID - идентификатор сущности скоупа.
	ScopeID string

	// PeriodType - гранулярность: DAY, WEEK, MONTH, TERM или ALL_TIME.
	PeriodType string

	// Page - страница (1-based, по умолчанию 1).
	Page int

	// PageSize - размер страницы (по умолчанию 20, максимум 100).
	PageSize int
}

// Validate проверяет корректность параметров запроса.
func (q *GetLeaderboardQuery) Validate() error {
	if q.ScopeID == "" || !reward.ScopeKind(q.ScopeKind).IsValid() {
		return ErrScopeRequired
	}
	if !aggregate.PeriodType(q.PeriodType).IsValid() {
		return ErrPeriodRequired
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.PageSize > 100 {
		q.PageSize = 100
	}
	return nil
}

// Scope возвращает типизированный скоуп запроса.
func (q *GetLeaderboardQuery) Scope() reward.ScopeRef {
	return reward.ScopeRef{Kind: reward.ScopeKind(q.ScopeKind), ID: q.ScopeID}
}

// LeaderboardEntryDTO - одна строка лидерборда.
type LeaderboardEntryDTO struct {
	// Rank - позиция в рейтинге (начиная с 1, без пропусков).
	Rank int `json:"rank"`

	// StudentID - идентификатор студента.
	StudentID string `json:"student_id"`

	// Score - баллы за период снапшота.
	Score int64 `json:"score"`

	// PreviousRank - позиция в предыдущем снапшоте (null для новичка).
	PreviousRank *int `json:"previous_rank,omitempty"`

	// RankDelta - изменение позиции (+ вверх, - вниз, 0 стабильно).
	RankDelta int `json:"rank_delta"`

	// RankDirection - направление: "up", "down", "stable" или "new".
	RankDirection string `json:"rank_direction"`
}

// GetLeaderboardResult содержит результат запроса лидерборда.
type GetLeaderboardResult struct {
	// ScopeKind и ScopeID - скоуп лидерборда.
	ScopeKind string `json:"scope_kind"`
	ScopeID   string `json:"scope_id"`

	// PeriodType и PeriodKey - период снапшота.
	PeriodType string `json:"period_type"`
	PeriodKey  string `json:"period_key"`

	// Entries - страница записей.
	Entries []LeaderboardEntryDTO `json:"entries"`

	// TotalCount - общее количество участников снапшота.
	TotalCount int `json:"total_count"`

	// Page и PageSize - параметры пагинации.
	Page     int `json:"page"`
	PageSize int `json:"page_size"`

	// HasMore - есть ли записи после текущей страницы.
	HasMore bool `json:"has_more"`

	// GeneratedAt - момент генерации снапшота (нулевой, если снапшота нет).
	GeneratedAt time.Time `json:"generated_at"`
}

// GetLeaderboardHandler обрабатывает запросы лидерборда.
type GetLeaderboardHandler struct {
	snapshots SnapshotReader
	keys      *aggregate.KeySet
	cache     Cache
	now       func() time.Time
}

// NewGetLeaderboardHandler создаёт новый обработчик.
func NewGetLeaderboardHandler(snapshots SnapshotReader, keys *aggregate.KeySet, cache Cache) *GetLeaderboardHandler {
	return &GetLeaderboardHandler{
		snapshots: snapshots,
		keys:      keys,
		cache:     cache,
		now:       time.Now,
	}
}

// Handle выполняет запрос лидерборда.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, query GetLeaderboardQuery) (*GetLeaderboardResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	scope := query.Scope()
	periodType := aggregate.PeriodType(query.PeriodType)
	periodKey := string(h.keys.PeriodKeyAt(periodType, h.now().UTC()))

	cacheKey := fmt.Sprintf("%s:p%d:%d",
		redis.LeaderboardKey(query.ScopeKind, query.ScopeID, query.PeriodType, periodKey),
		query.Page, query.PageSize)

	if h.cache != nil {
		var cached GetLeaderboardResult
		if err := h.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	result := &GetLeaderboardResult{
		ScopeKind:  query.ScopeKind,
		ScopeID:    query.ScopeID,
		PeriodType: query.PeriodType,
		PeriodKey:  periodKey,
		Entries:    make([]LeaderboardEntryDTO, 0, query.PageSize),
		Page:       query.Page,
		PageSize:   query.PageSize,
	}

	snapshot, err := h.snapshots.GetLatest(ctx, scope, periodType, periodKey)
	if errors.Is(err, leaderboard.ErrSnapshotNotFound) {
		// Лидерборд ещё не сгенерирован - пустой результат, не ошибка.
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.TotalCount = snapshot.Count()
	result.GeneratedAt = snapshot.GeneratedAt
	result.PeriodKey = string(snapshot.PeriodKey)
	result.HasMore = query.Page*query.PageSize < snapshot.Count()

	for _, entry := range snapshot.Page(query.Page, query.PageSize) {
		result.Entries = append(result.Entries, toEntryDTO(entry))
	}

	if h.cache != nil {
		_ = h.cache.Set(ctx, cacheKey, result, redis.LeaderboardTTL)
	}

	return result, nil
}

// toEntryDTO конвертирует доменную запись снапшота в DTO.
func toEntryDTO(entry leaderboard.Entry) LeaderboardEntryDTO {
	dto := LeaderboardEntryDTO{
		Rank:          int(entry.Rank),
		StudentID:     entry.StudentID,
		Score:         entry.Score,
		RankDirection: "new",
	}

	if entry.PreviousRank != nil {
		prev := int(*entry.PreviousRank)
		dto.PreviousRank = &prev
	}

	if delta, ok := entry.RankDelta(); ok {
		dto.RankDelta = delta
		switch {
		case delta > 0:
			dto.RankDirection = "up"
		case delta < 0:
			dto.RankDirection = "down"
		default:
			dto.RankDirection = "stable"
		}
	}

	return dto
}
