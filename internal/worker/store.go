package worker

import (
	"context"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/achievement"
	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/level"
	"github.com/eduhub/reward-engine/internal/domain/outbox"
	"github.com/eduhub/reward-engine/internal/domain/reward"
)

// Store - хранилище воркера. Postgres-реализация живёт в
// infrastructure/persistence; интерфейс держит пайплайн тестируемым без БД.
type Store interface {
	// DiscoverUnits создаёт PENDING-единицы для завершений из фида, у которых
	// ещё нет ни единицы работы, ни записанного PointEvent. Возвращает число
	// созданных единиц. Повторный вызов идемпотентен.
	DiscoverUnits(ctx context.Context, limit int) (int, error)

	// ClaimDue атомарно захватывает до limit due-единиц (PENDING или FAILED с
	// наступившим NextAttemptAt), переводя их в PROCESSING. Захваченная
	// единица невидима для конкурирующих воркеров.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Unit, error)

	// InTx выполняет fn в одной транзакции хранилища.
	// Ошибка fn откатывает все изменения.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ReleaseFailure персистит FAILED/DEAD состояние единицы после отката
	// транзакции обработки.
	ReleaseFailure(ctx context.Context, unit *Unit) error

	// ListDead возвращает DEAD-единицы для операторского обзора.
	ListDead(ctx context.Context, limit int) ([]*Unit, error)

	// RequeueDead возвращает DEAD-единицу в PENDING.
	RequeueDead(ctx context.Context, unitID string) error
}

// Tx - транзакционный срез хранилища, доступный пайплайну.
// Все мутации одной единицы работы проходят через один Tx: либо коммитятся
// целиком (событие, агрегаты, уровень, достижения, outbox, статус единицы),
// либо не коммитятся вовсе.
type Tx interface {
	// InsertEventOnce выполняет условную вставку события по ключу
	// дедупликации. Возвращает false без ошибки, если некорректирующее
	// событие с таким ключом уже записано.
	InsertEventOnce(ctx context.Context, event *reward.PointEvent) (bool, error)

	// AddToAggregates атомарно прибавляет amount к каждой строке ключей,
	// создавая отсутствующие строки с нулевого тотала.
	AddToAggregates(ctx context.Context, keys []aggregate.Key, amount int64, at time.Time) error

	// AggregateTotal возвращает тотал строки агрегата; 0 для отсутствующей.
	AggregateTotal(ctx context.Context, key aggregate.Key) (int64, error)

	// StudentLevel возвращает сохранённый уровень (студент, скоуп).
	StudentLevel(ctx context.Context, studentID string, scope reward.ScopeRef) (level.StudentLevel, bool, error)

	// SaveStudentLevel сохраняет перевычисленный уровень (студент, скоуп).
	SaveStudentLevel(ctx context.Context, studentID string, scope reward.ScopeRef, lvl level.StudentLevel) error

	// AchievementProgress возвращает строки прогресса студента по ключу
	// идентификатора определения.
	AchievementProgress(ctx context.Context, studentID string) (map[string]achievement.Progress, error)

	// SaveAchievementProgress сохраняет изменённые строки прогресса.
	SaveAchievementProgress(ctx context.Context, rows []achievement.Progress) error

	// AppendOutbox добавляет запись в транзакционный outbox.
	AppendOutbox(ctx context.Context, rec outbox.Record) error

	// MarkUnitDone переводит единицу в DONE внутри транзакции обработки.
	MarkUnitDone(ctx context.Context, unitID string, at time.Time) error
}
