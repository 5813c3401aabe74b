package query

import (
	"context"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/internal/infrastructure/persistence/redis"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET POINTS SUMMARY QUERY
// Возвращает сводку баллов студента в одном скоупе: тотал за текущий день,
// неделю, месяц, терм и за всё время. Сводка читается напрямую из
// инкрементальных агрегатов - журнал событий для чтения не нужен.
// ══════════════════════════════════════════════════════════════════════════════

// GetPointsSummaryQuery содержит параметры запроса сводки баллов.
type GetPointsSummaryQuery struct {
	// StudentID - идентификатор студента.
	StudentID string

	// Scope - скоуп, по которому строится сводка.
	Scope reward.ScopeRef
}

// Validate проверяет корректность параметров запроса.
func (q *GetPointsSummaryQuery) Validate() error {
	if q.StudentID == "" {
		return ErrStudentRequired
	}
	if q.Scope.IsZero() || !q.Scope.Kind.IsValid() {
		return ErrScopeRequired
	}
	return nil
}

// PointsSummaryDTO - сводка баллов студента в одном скоупе.
type PointsSummaryDTO struct {
	// StudentID - идентификатор студента.
	StudentID string `json:"student_id"`

	// ScopeKind и ScopeID - скоуп сводки.
	ScopeKind string `json:"scope_kind"`
	ScopeID   string `json:"scope_id"`

	// Today - баллы за текущий день.
	Today int64 `json:"today"`

	// ThisWeek - баллы за текущую ISO-неделю.
	ThisWeek int64 `json:"this_week"`

	// ThisMonth - баллы за текущий месяц.
	ThisMonth int64 `json:"this_month"`

	// ThisTerm - баллы за текущий учебный терм (0, если терм не настроен).
	ThisTerm int64 `json:"this_term"`

	// AllTime - кумулятивные баллы за всё время.
	AllTime int64 `json:"all_time"`

	// GeneratedAt - момент построения сводки.
	GeneratedAt time.Time `json:"generated_at"`
}

// GetPointsSummaryHandler обрабатывает запросы сводки баллов.
type GetPointsSummaryHandler struct {
	aggregates AggregateReader
	keys       *aggregate.KeySet
	cache      Cache
	now        func() time.Time
}

// NewGetPointsSummaryHandler создаёт новый обработчик.
func NewGetPointsSummaryHandler(aggregates AggregateReader, keys *aggregate.KeySet, cache Cache) *GetPointsSummaryHandler {
	return &GetPointsSummaryHandler{
		aggregates: aggregates,
		keys:       keys,
		cache:      cache,
		now:        time.Now,
	}
}

// Handle выполняет запрос сводки баллов.
func (h *GetPointsSummaryHandler) Handle(ctx context.Context, query GetPointsSummaryQuery) (*PointsSummaryDTO, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	cacheKey := redis.SummaryKey(query.StudentID, string(query.Scope.Kind), query.Scope.ID)

	if h.cache != nil {
		var cached PointsSummaryDTO
		if err := h.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	totals, err := h.aggregates.GetTotals(ctx, query.StudentID, query.Scope)
	if err != nil {
		return nil, err
	}

	now := h.now().UTC()
	summary := &PointsSummaryDTO{
		StudentID:   query.StudentID,
		ScopeKind:   string(query.Scope.Kind),
		ScopeID:     query.Scope.ID,
		GeneratedAt: now,
	}

	// Из всех строк агрегатов берём только те, чей ключ периода совпадает
	// с текущим моментом. Прошлые периоды в сводку не входят.
	for _, agg := range totals {
		currentKey := h.keys.PeriodKeyAt(agg.Key.PeriodType, now)
		if agg.Key.PeriodKey != currentKey {
			continue
		}
		switch agg.Key.PeriodType {
		case aggregate.PeriodDay:
			summary.Today = agg.Total
		case aggregate.PeriodWeek:
			summary.ThisWeek = agg.Total
		case aggregate.PeriodMonth:
			summary.ThisMonth = agg.Total
		case aggregate.PeriodTerm:
			summary.ThisTerm = agg.Total
		case aggregate.PeriodAllTime:
			summary.AllTime = agg.Total
		}
	}

	if h.cache != nil {
		_ = h.cache.Set(ctx, cacheKey, summary, redis.SummaryTTL)
	}

	return summary, nil
}
