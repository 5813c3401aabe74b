// Package query contains read operations following CQRS pattern.
// Queries never modify state - they only read committed data.
// Each query is a self-contained use case with its own request/response types.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/achievement"
	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/leaderboard"
	"github.com/eduhub/reward-engine/internal/domain/level"
	"github.com/eduhub/reward-engine/internal/domain/reward"
)

// ══════════════════════════════════════════════════════════════════════════════
// ЗАВИСИМОСТИ ЧТЕНИЯ
// Запросы дашборда читают только закоммиченное состояние: агрегаты, уровни,
// достижения и снапшоты лидербордов. Никакой запрос никогда не пересчитывает
// рейтинг на лету.
// ══════════════════════════════════════════════════════════════════════════════

// AggregateReader читает закоммиченные агрегаты, уровни и достижения.
type AggregateReader interface {
	GetTotals(ctx context.Context, studentID string, scope reward.ScopeRef) ([]aggregate.Aggregate, error)
	GetStudentLevel(ctx context.Context, studentID string, scope reward.ScopeRef) (level.StudentLevel, error)
	GetAchievements(ctx context.Context, studentID string, unlockedOnly bool) ([]achievement.Progress, error)
}

// SnapshotReader читает последний снапшот лидерборда по ключу.
type SnapshotReader interface {
	GetLatest(ctx context.Context, scope reward.ScopeRef, periodType aggregate.PeriodType, periodKey string) (*leaderboard.Snapshot, error)
}

// Cache - опциональный read-through кеш. nil-кеш и любая ошибка кеша
// деградируют до чтения из базы: кеш никогда не является источником истины.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// ══════════════════════════════════════════════════════════════════════════════
// ОШИБКИ
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrStudentRequired - не указан идентификатор студента.
	ErrStudentRequired = errors.New("student_id is required")

	// ErrScopeRequired - не указан или некорректен скоуп.
	ErrScopeRequired = errors.New("valid scope is required")

	// ErrPeriodRequired - не указана или некорректна гранулярность периода.
	ErrPeriodRequired = errors.New("valid period type is required")
)
