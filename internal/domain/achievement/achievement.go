// Package achievement содержит движок достижений.
// Определения достижений декларативны: критерий описывает, какие события
// засчитываются и сколько их нужно. Прогресс монотонен, разблокировка
// происходит ровно один раз - инвариант unlocked никогда не откатывается.
package achievement

import (
	"errors"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/reward"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEFINITIONS
// ══════════════════════════════════════════════════════════════════════════════

// Criterion описывает, какие события продвигают достижение.
// Пустые поля означают "любое значение".
type Criterion struct {
	// Source - требуемый источник события (пусто = любой).
	Source reward.Source

	// ActivityType - требуемый тип активности (пусто = любой).
	ActivityType reward.ActivityType

	// Scope - ограничение по скоупу (нулевое значение = любой скоуп).
	Scope reward.ScopeRef

	// Increment - на сколько продвигается прогресс за одно событие.
	Increment int64
}

// Matches проверяет, засчитывается ли контекст события в критерий.
func (c Criterion) Matches(trig Trigger) bool {
	if c.Source != "" && c.Source != trig.Source {
		return false
	}
	if c.ActivityType != "" && c.ActivityType != trig.ActivityType {
		return false
	}
	if !c.Scope.IsZero() {
		found := false
		for _, ref := range trig.Scopes.Refs() {
			if ref == c.Scope {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Definition - декларативное определение достижения.
type Definition struct {
	ID        string
	Name      string
	Criterion Criterion

	// Target - значение прогресса, при достижении которого происходит
	// разблокировка. Прогресс не растёт выше Target.
	Target int64
}

// Validate проверяет корректность определения.
func (d Definition) Validate() error {
	if d.ID == "" {
		return ErrInvalidDefinitionID
	}
	if d.Target <= 0 {
		return ErrInvalidTarget
	}
	if d.Criterion.Increment <= 0 {
		return ErrInvalidIncrement
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// Progress - строка прогресса студента по одному достижению.
type Progress struct {
	StudentID    string
	DefinitionID string
	Progress     int64
	Target       int64
	Unlocked     bool
	UnlockedAt   time.Time
	UpdatedAt    time.Time
}

// Unlock - факт разблокировки, отдаваемый вызывающему для outbox.
// Доставка уведомлений - внешний коллаборатор; движок только фиксирует факт.
type Unlock struct {
	StudentID    string
	DefinitionID string
	Name         string
	UnlockedAt   time.Time
}

// Trigger - контекст обрабатываемого события для сопоставления с критериями.
// Дедупликация здесь не нужна: движок вызывается ровно один раз на единицу
// работы воркера, чью идемпотентность гарантирует условная вставка PointEvent.
type Trigger struct {
	StudentID    string
	Source       reward.Source
	ActivityType reward.ActivityType
	Scopes       reward.ScopeSet
	OccurredAt   time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Engine применяет триггеры к прогрессу по декларативным определениям.
// Движок чист: принимает текущие строки прогресса, возвращает обновлённые
// строки и разблокировки; персистентность - забота вызывающего.
type Engine struct {
	defs []Definition
}

// NewEngine создаёт движок с заданными определениями.
// Невалидные определения отклоняются целиком: лучше упасть на старте,
// чем молча пропустить достижение.
func NewEngine(defs []Definition) (*Engine, error) {
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	cp := make([]Definition, len(defs))
	copy(cp, defs)
	return &Engine{defs: cp}, nil
}

// Definitions возвращает определения движка.
func (e *Engine) Definitions() []Definition {
	cp := make([]Definition, len(e.defs))
	copy(cp, e.defs)
	return cp
}

// Evaluate применяет триггер к строкам прогресса.
// current - существующие строки по ключу DefinitionID; отсутствующие строки
// создаются на лету (create-on-demand, ошибок "нет строки" не бывает).
// Возвращает изменённые строки и список свежих разблокировок.
func (e *Engine) Evaluate(trig Trigger, current map[string]Progress) ([]Progress, []Unlock) {
	var updated []Progress
	var unlocks []Unlock

	for _, def := range e.defs {
		if !def.Criterion.Matches(trig) {
			continue
		}

		row, ok := current[def.ID]
		if !ok {
			row = Progress{
				StudentID:    trig.StudentID,
				DefinitionID: def.ID,
				Target:       def.Target,
			}
		}

		// Монотонность: разблокированное достижение больше не двигается.
		if row.Unlocked {
			continue
		}

		row.Progress += def.Criterion.Increment
		if row.Progress > def.Target {
			row.Progress = def.Target
		}
		row.UpdatedAt = trig.OccurredAt

		if row.Progress >= def.Target {
			row.Unlocked = true
			row.UnlockedAt = trig.OccurredAt
			unlocks = append(unlocks, Unlock{
				StudentID:    trig.StudentID,
				DefinitionID: def.ID,
				Name:         def.Name,
				UnlockedAt:   trig.OccurredAt,
			})
		}

		updated = append(updated, row)
	}

	return updated, unlocks
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidDefinitionID - пустой идентификатор определения.
	ErrInvalidDefinitionID = errors.New("invalid achievement definition id")

	// ErrInvalidTarget - цель должна быть положительной.
	ErrInvalidTarget = errors.New("achievement target must be positive")

	// ErrInvalidIncrement - инкремент критерия должен быть положительным.
	ErrInvalidIncrement = errors.New("criterion increment must be positive")
)
