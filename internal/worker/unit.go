// Package worker реализует обрабатывающий конвейер движка наград.
// Воркер поллит единицы работы, порождённые фидом завершений, и прогоняет
// каждую через пайплайн Points -> Aggregation -> Level -> Achievement в одной
// транзакции. Единица работы - машина состояний с ретраями и backoff.
package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/reward"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status - состояние единицы работы.
//
// Переходы: PENDING -> PROCESSING -> DONE | FAILED | DEAD.
// FAILED - ретраябельный отказ: единица снова становится due после
// NextAttemptAt. DEAD - терминальное состояние после исчерпания попыток или
// перманентной ошибки; выход из него только через явный RequeueDead оператора.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusDead       Status = "DEAD"
)

// IsValid проверяет корректность состояния.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDone, StatusFailed, StatusDead:
		return true
	}
	return false
}

// IsTerminal возвращает true для терминальных состояний.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusDead
}

// ══════════════════════════════════════════════════════════════════════════════
// UNIT
// ══════════════════════════════════════════════════════════════════════════════

// Unit - единица работы воркера: одно необработанное завершение.
type Unit struct {
	// ID - уникальный идентификатор единицы.
	ID string

	// Completion - завершение, которое нужно превратить в начисление.
	Completion reward.Completion

	// Status - текущее состояние.
	Status Status

	// Attempts - число выполненных попыток обработки.
	Attempts int

	// LastError - текст последней ошибки обработки.
	LastError string

	// NextAttemptAt - момент, когда FAILED-единица снова становится due.
	NextAttemptAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUnit создаёт PENDING-единицу для завершения.
func NewUnit(id string, c reward.Completion, now time.Time) *Unit {
	return &Unit{
		ID:         id,
		Completion: c,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsDue возвращает true, если единица готова к обработке в момент now.
func (u *Unit) IsDue(now time.Time) bool {
	switch u.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return !now.Before(u.NextAttemptAt)
	}
	return false
}

// Start переводит единицу в PROCESSING.
func (u *Unit) Start(now time.Time) error {
	if !u.IsDue(now) {
		return fmt.Errorf("%w: %s is %s", ErrUnitNotDue, u.ID, u.Status)
	}
	u.Status = StatusProcessing
	u.Attempts++
	u.UpdatedAt = now
	return nil
}

// Complete переводит единицу в DONE.
func (u *Unit) Complete(now time.Time) error {
	if u.Status != StatusProcessing {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, u.Status)
	}
	u.Status = StatusDone
	u.LastError = ""
	u.UpdatedAt = now
	return nil
}

// Fail фиксирует отказ попытки. Ретраябельные ошибки переводят единицу в
// FAILED с отложенным NextAttemptAt; исчерпание maxAttempts или перманентная
// ошибка - в DEAD.
func (u *Unit) Fail(cause error, permanent bool, maxAttempts int, backoff time.Duration, now time.Time) error {
	if u.Status != StatusProcessing {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, u.Status)
	}

	u.LastError = cause.Error()
	u.UpdatedAt = now

	if permanent || u.Attempts >= maxAttempts {
		u.Status = StatusDead
		u.NextAttemptAt = time.Time{}
		return nil
	}

	u.Status = StatusFailed
	u.NextAttemptAt = now.Add(backoff)
	return nil
}

// Requeue возвращает DEAD-единицу в PENDING со сброшенным счётчиком попыток.
// Операция оператора: вызывается после устранения причины отказа.
func (u *Unit) Requeue(now time.Time) error {
	if u.Status != StatusDead {
		return fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, u.Status)
	}
	u.Status = StatusPending
	u.Attempts = 0
	u.LastError = ""
	u.NextAttemptAt = time.Time{}
	u.UpdatedAt = now
	return nil
}

// String возвращает строковое представление для логирования.
func (u *Unit) String() string {
	return fmt.Sprintf("Unit{%s, %s, attempts: %d, dedup: %s}",
		u.ID, u.Status, u.Attempts, u.Completion.DedupKey())
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrUnitNotDue - единица не готова к обработке.
	ErrUnitNotDue = errors.New("unit is not due for processing")

	// ErrInvalidTransition - недопустимый переход состояния.
	ErrInvalidTransition = errors.New("invalid unit status transition")

	// ErrUnitNotFound - единица не найдена.
	ErrUnitNotFound = errors.New("unit not found")
)
