package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eduhub/reward-engine/internal/domain/achievement"
	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/level"
	"github.com/eduhub/reward-engine/internal/domain/outbox"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// PIPELINE
// ══════════════════════════════════════════════════════════════════════════════

// Pipeline прогоняет единицу работы через все движки в одной транзакции:
// баллы -> событие -> fan-out агрегатов -> уровень -> достижения -> outbox.
// Сам пайплайн не знает про транзакции: он получает готовый Tx от воркера.
type Pipeline struct {
	points       *reward.PointsEngine
	keys         *aggregate.KeySet
	levels       *level.Engine
	achievements *achievement.Engine
	logger       *slog.Logger

	newID func() string
	now   func() time.Time
}

// NewPipeline создаёт пайплайн обработки.
func NewPipeline(
	points *reward.PointsEngine,
	keys *aggregate.KeySet,
	levels *level.Engine,
	achievements *achievement.Engine,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		points:       points,
		keys:         keys,
		levels:       levels,
		achievements: achievements,
		logger:       logger,
		newID:        func() string { return uuid.NewString() },
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ProcessUnit обрабатывает одну единицу работы внутри tx.
// Идемпотентность держится на условной вставке события: если событие с таким
// ключом дедупликации уже записано, вся единица - успешный no-op.
func (p *Pipeline) ProcessUnit(ctx context.Context, tx Tx, unit *Unit) error {
	c := unit.Completion

	amount := p.points.ComputePoints(c)

	// CreatedAt берётся из момента завершения: период агрегации события не
	// зависит от того, когда воркер до него добрался.
	event := &reward.PointEvent{
		ID:        p.newID(),
		StudentID: c.StudentID,
		Amount:    amount,
		Source:    c.Source,
		SourceID:  c.SourceID,
		Scopes:    c.Scopes,
		CreatedAt: c.CompletedAt,
	}
	if err := event.Validate(); err != nil {
		// Невалидное завершение не станет валидным при ретрае.
		return retry.Permanent(fmt.Errorf("validate event for unit %s: %w", unit.ID, err))
	}

	inserted, err := tx.InsertEventOnce(ctx, event)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if !inserted {
		// Дубликат фида или повторная единица на тот же ключ: начисление уже
		// закоммичено ранее, производные применять нельзя.
		p.logger.Info("duplicate completion, unit is a no-op",
			slog.String("unit_id", unit.ID),
			slog.String("dedup_key", c.DedupKey().String()),
		)
		return tx.MarkUnitDone(ctx, unit.ID, p.now())
	}

	if err := p.applyDerived(ctx, tx, event, &c); err != nil {
		return err
	}

	payload := outbox.PointsAwardedPayload{
		EventID:   event.ID,
		StudentID: event.StudentID,
		Amount:    event.Amount,
		Source:    string(event.Source),
		SourceID:  event.SourceID,
	}
	if err := p.appendOutbox(ctx, tx, outbox.KindPointsAwarded, event.StudentID, payload); err != nil {
		return err
	}

	return tx.MarkUnitDone(ctx, unit.ID, p.now())
}

// ApplyAdjustment записывает ручную корректировку и применяет производные.
// Достижения не затрагиваются: корректировка - не активность студента.
func (p *Pipeline) ApplyAdjustment(ctx context.Context, tx Tx, event *reward.PointEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	inserted, err := tx.InsertEventOnce(ctx, event)
	if err != nil {
		return fmt.Errorf("insert adjustment event: %w", err)
	}
	if !inserted {
		return reward.ErrDuplicateEvent
	}

	if err := tx.AddToAggregates(ctx, p.keys.AffectedKeys(event), event.Amount, event.CreatedAt); err != nil {
		return fmt.Errorf("apply increments: %w", err)
	}

	return p.recomputeLevels(ctx, tx, event)
}

// applyDerived применяет fan-out агрегатов, уровень и достижения для свежего
// события. Вызывается только для реально вставленного события.
func (p *Pipeline) applyDerived(ctx context.Context, tx Tx, event *reward.PointEvent, c *reward.Completion) error {
	keys := p.keys.AffectedKeys(event)
	if err := tx.AddToAggregates(ctx, keys, event.Amount, event.CreatedAt); err != nil {
		return fmt.Errorf("apply increments: %w", err)
	}

	if err := p.recomputeLevels(ctx, tx, event); err != nil {
		return err
	}

	return p.evaluateAchievements(ctx, tx, event, c)
}

// recomputeLevels перевычисляет уровень для каждого скоупа события из
// ALL_TIME агрегата этого скоупа и пишет LEVEL_UP в outbox при росте.
func (p *Pipeline) recomputeLevels(ctx context.Context, tx Tx, event *reward.PointEvent) error {
	for _, ref := range event.Scopes.Refs() {
		total, err := tx.AggregateTotal(ctx, p.keys.AllTimeKey(event.StudentID, ref))
		if err != nil {
			return fmt.Errorf("read all-time total for %s: %w", ref, err)
		}

		derived := p.levels.DeriveLevel(total)

		prev, existed, err := tx.StudentLevel(ctx, event.StudentID, ref)
		if err != nil {
			return fmt.Errorf("read student level for %s: %w", ref, err)
		}

		if err := tx.SaveStudentLevel(ctx, event.StudentID, ref, derived); err != nil {
			return fmt.Errorf("save student level for %s: %w", ref, err)
		}

		if existed && derived.Level > prev.Level {
			payload := outbox.LevelUpPayload{
				StudentID: event.StudentID,
				Scope:     ref.String(),
				FromLevel: prev.Level,
				ToLevel:   derived.Level,
			}
			if err := p.appendOutbox(ctx, tx, outbox.KindLevelUp, event.StudentID, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// evaluateAchievements применяет триггер достижений и пишет разблокировки в
// outbox. Движок вызывается ровно один раз на единицу: дедупликация
// достижений едет на идемпотентности вставки события.
func (p *Pipeline) evaluateAchievements(ctx context.Context, tx Tx, event *reward.PointEvent, c *reward.Completion) error {
	current, err := tx.AchievementProgress(ctx, event.StudentID)
	if err != nil {
		return fmt.Errorf("read achievement progress: %w", err)
	}

	updated, unlocks := p.achievements.Evaluate(achievement.Trigger{
		StudentID:    event.StudentID,
		Source:       event.Source,
		ActivityType: c.ActivityType,
		Scopes:       event.Scopes,
		OccurredAt:   event.CreatedAt,
	}, current)

	if len(updated) > 0 {
		if err := tx.SaveAchievementProgress(ctx, updated); err != nil {
			return fmt.Errorf("save achievement progress: %w", err)
		}
	}

	for _, unlock := range unlocks {
		payload := outbox.AchievementUnlockedPayload{
			StudentID:    unlock.StudentID,
			DefinitionID: unlock.DefinitionID,
			Name:         unlock.Name,
			UnlockedAt:   unlock.UnlockedAt,
		}
		if err := p.appendOutbox(ctx, tx, outbox.KindAchievementUnlocked, unlock.StudentID, payload); err != nil {
			return err
		}

		p.logger.Info("achievement unlocked",
			slog.String("student_id", unlock.StudentID),
			slog.String("definition_id", unlock.DefinitionID),
		)
	}

	return nil
}

func (p *Pipeline) appendOutbox(ctx context.Context, tx Tx, kind outbox.Kind, studentID string, payload any) error {
	rec, err := outbox.NewRecord(p.newID(), kind, studentID, payload, p.now())
	if err != nil {
		return fmt.Errorf("build outbox record: %w", err)
	}
	if err := tx.AppendOutbox(ctx, rec); err != nil {
		return fmt.Errorf("append outbox record: %w", err)
	}
	return nil
}
