package query

import (
	"context"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT ACHIEVEMENTS QUERY
// Возвращает прогресс достижений студента: разблокированные с моментом
// разблокировки и, опционально, ещё не разблокированные с текущим прогрессом.
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentAchievementsQuery содержит параметры запроса достижений.
type GetStudentAchievementsQuery struct {
	// StudentID - идентификатор студента.
	StudentID string

	// UnlockedOnly - вернуть только разблокированные достижения.
	UnlockedOnly bool
}

// Validate проверяет корректность параметров запроса.
func (q *GetStudentAchievementsQuery) Validate() error {
	if q.StudentID == "" {
		return ErrStudentRequired
	}
	return nil
}

// AchievementDTO - прогресс одного достижения.
type AchievementDTO struct {
	// DefinitionID - идентификатор определения достижения.
	DefinitionID string `json:"definition_id"`

	// Progress - текущее значение счётчика.
	Progress int64 `json:"progress"`

	// Target - порог разблокировки.
	Target int64 `json:"target"`

	// Unlocked - разблокировано ли достижение.
	Unlocked bool `json:"unlocked"`

	// UnlockedAt - момент разблокировки (null для заблокированных).
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
}

// GetStudentAchievementsResult содержит результат запроса достижений.
type GetStudentAchievementsResult struct {
	// StudentID - идентификатор студента.
	StudentID string `json:"student_id"`

	// Achievements - прогресс достижений.
	Achievements []AchievementDTO `json:"achievements"`

	// UnlockedCount - количество разблокированных.
	UnlockedCount int `json:"unlocked_count"`
}

// GetStudentAchievementsHandler обрабатывает запросы достижений.
type GetStudentAchievementsHandler struct {
	aggregates AggregateReader
}

// NewGetStudentAchievementsHandler создаёт новый обработчик.
func NewGetStudentAchievementsHandler(aggregates AggregateReader) *GetStudentAchievementsHandler {
	return &GetStudentAchievementsHandler{aggregates: aggregates}
}

// Handle выполняет запрос достижений студента.
func (h *GetStudentAchievementsHandler) Handle(ctx context.Context, query GetStudentAchievementsQuery) (*GetStudentAchievementsResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	rows, err := h.aggregates.GetAchievements(ctx, query.StudentID, query.UnlockedOnly)
	if err != nil {
		return nil, err
	}

	result := &GetStudentAchievementsResult{
		StudentID:    query.StudentID,
		Achievements: make([]AchievementDTO, 0, len(rows)),
	}

	for _, row := range rows {
		dto := AchievementDTO{
			DefinitionID: row.DefinitionID,
			Progress:     row.Progress,
			Target:       row.Target,
			Unlocked:     row.Unlocked,
		}
		if row.Unlocked {
			result.UnlockedCount++
			if !row.UnlockedAt.IsZero() {
				at := row.UnlockedAt
				dto.UnlockedAt = &at
			}
		}
		result.Achievements = append(result.Achievements, dto)
	}

	return result, nil
}
