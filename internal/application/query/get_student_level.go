package query

import (
	"context"
	"errors"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/internal/infrastructure/persistence/redis"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT LEVEL QUERY
// Возвращает производный уровень студента в одном скоупе вместе с прогрессом
// до следующего уровня. Студент без агрегатов - это корректный уровень 1
// с нулевым опытом, а не ошибка.
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentLevelQuery содержит параметры запроса уровня.
type GetStudentLevelQuery struct {
	// StudentID - идентификатор студента.
	StudentID string

	// Scope - скоуп, в котором выведен уровень.
	Scope reward.ScopeRef
}

// Validate проверяет корректность параметров запроса.
func (q *GetStudentLevelQuery) Validate() error {
	if q.StudentID == "" {
		return ErrStudentRequired
	}
	if q.Scope.IsZero() || !q.Scope.Kind.IsValid() {
		return ErrScopeRequired
	}
	return nil
}

// StudentLevelDTO - уровень студента в одном скоупе.
type StudentLevelDTO struct {
	// StudentID - идентификатор студента.
	StudentID string `json:"student_id"`

	// ScopeKind и ScopeID - скоуп уровня.
	ScopeKind string `json:"scope_kind"`
	ScopeID   string `json:"scope_id"`

	// Level - текущий уровень (>= 1).
	Level int `json:"level"`

	// CurrentExperience - опыт внутри текущего уровня.
	CurrentExperience int64 `json:"current_experience"`

	// ExperienceForNextLevel - опыт до следующего уровня от начала текущего.
	ExperienceForNextLevel int64 `json:"experience_for_next_level"`

	// CumulativeExperience - кумулятивный опыт скоупа за всё время.
	CumulativeExperience int64 `json:"cumulative_experience"`

	// DerivedAt - момент последнего перевычисления (нулевой для уровня 1
	// без единого события).
	DerivedAt time.Time `json:"derived_at"`
}

// GetStudentLevelHandler обрабатывает запросы уровня студента.
type GetStudentLevelHandler struct {
	aggregates AggregateReader
	cache      Cache
}

// NewGetStudentLevelHandler создаёт новый обработчик.
func NewGetStudentLevelHandler(aggregates AggregateReader, cache Cache) *GetStudentLevelHandler {
	return &GetStudentLevelHandler{aggregates: aggregates, cache: cache}
}

// Handle выполняет запрос уровня студента.
func (h *GetStudentLevelHandler) Handle(ctx context.Context, query GetStudentLevelQuery) (*StudentLevelDTO, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	cacheKey := redis.LevelKey(query.StudentID, string(query.Scope.Kind), query.Scope.ID)

	if h.cache != nil {
		var cached StudentLevelDTO
		if err := h.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	dto := &StudentLevelDTO{
		StudentID: query.StudentID,
		ScopeKind: string(query.Scope.Kind),
		ScopeID:   query.Scope.ID,
		Level:     1,
	}

	lvl, err := h.aggregates.GetStudentLevel(ctx, query.StudentID, query.Scope)
	switch {
	case errors.Is(err, aggregate.ErrAggregateNotFound):
		// Ни одного обработанного события в этом скоупе: уровень 1.
	case err != nil:
		return nil, err
	default:
		dto.Level = lvl.Level
		dto.CurrentExperience = lvl.CurrentExperience
		dto.ExperienceForNextLevel = lvl.ExperienceForNextLevel
		dto.CumulativeExperience = lvl.CumulativeExperience
		dto.DerivedAt = lvl.DerivedAt
	}

	if h.cache != nil {
		_ = h.cache.Set(ctx, cacheKey, dto, redis.SummaryTTL)
	}

	return dto, nil
}
