// Package aggregate содержит модель инкрементальных агрегатов баллов.
// Один PointEvent раскладывается (fan-out) на независимые строки агрегатов:
// по одной на каждую комбинацию (скоуп, период). Тотал кампуса - это
// собственная инкрементально обновляемая строка, а не сумма классов на чтении.
package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PERIOD
// ══════════════════════════════════════════════════════════════════════════════

// PeriodType - гранулярность временного окна агрегации.
type PeriodType string

const (
	PeriodDay     PeriodType = "DAY"
	PeriodWeek    PeriodType = "WEEK"
	PeriodMonth   PeriodType = "MONTH"
	PeriodTerm    PeriodType = "TERM"
	PeriodAllTime PeriodType = "ALL_TIME"
)

// PeriodTypes возвращает все гранулярности в фиксированном порядке.
func PeriodTypes() []PeriodType {
	return []PeriodType{PeriodDay, PeriodWeek, PeriodMonth, PeriodTerm, PeriodAllTime}
}

// IsValid проверяет корректность гранулярности.
func (p PeriodType) IsValid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodTerm, PeriodAllTime:
		return true
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE KEY
// ══════════════════════════════════════════════════════════════════════════════

// Key - явный ключ строки агрегата.
// Тотал для ключа всегда равен сумме событий студента, попадающих в период
// и скоуп ключа; это инвариант, который чинит только операция Repair.
type Key struct {
	StudentID  string
	Scope      reward.ScopeRef
	PeriodType PeriodType
	PeriodKey  timeutil.PeriodKey
}

// Validate проверяет корректность ключа.
func (k Key) Validate() error {
	if k.StudentID == "" {
		return reward.ErrInvalidStudentID
	}
	if !k.Scope.Kind.IsValid() || k.Scope.IsZero() {
		return ErrInvalidScope
	}
	if !k.PeriodType.IsValid() {
		return ErrInvalidPeriodType
	}
	if k.PeriodKey == "" {
		return ErrInvalidPeriodKey
	}
	return nil
}

// String возвращает строковое представление для логирования.
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.StudentID, k.Scope, k.PeriodType, k.PeriodKey)
}

// Aggregate - одна строка бегущего тотала.
type Aggregate struct {
	Key       Key
	Total     int64
	UpdatedAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// FAN-OUT
// ══════════════════════════════════════════════════════════════════════════════

// KeySet вычисляет множество ключей агрегатов, затрагиваемых событием:
// каждый непустой скоуп события x каждая гранулярность периода.
// Вычисление чистое; применение инкрементов - забота хранилища.
type KeySet struct {
	terms *timeutil.TermResolver
}

// NewKeySet создаёт генератор ключей с заданным резолвером четвертей.
func NewKeySet(terms *timeutil.TermResolver) *KeySet {
	if terms == nil {
		terms = timeutil.NewTermResolver(nil)
	}
	return &KeySet{terms: terms}
}

// AffectedKeys возвращает все ключи агрегатов, которые должно обновить событие.
// Fan-out полный: частичное применение недопустимо - либо все ключи события
// инкрементируются в одной транзакции, либо ни один.
func (ks *KeySet) AffectedKeys(event *reward.PointEvent) []Key {
	refs := event.Scopes.Refs()
	keys := make([]Key, 0, len(refs)*len(PeriodTypes()))

	for _, ref := range refs {
		for _, pt := range PeriodTypes() {
			keys = append(keys, Key{
				StudentID:  event.StudentID,
				Scope:      ref,
				PeriodType: pt,
				PeriodKey:  ks.periodKey(pt, event.CreatedAt),
			})
		}
	}

	return keys
}

// AllTimeKey возвращает ключ кумулятивного агрегата для (студент, скоуп).
// От него детерминированно выводится уровень студента.
func (ks *KeySet) AllTimeKey(studentID string, scope reward.ScopeRef) Key {
	return Key{
		StudentID:  studentID,
		Scope:      scope,
		PeriodType: PeriodAllTime,
		PeriodKey:  timeutil.AllTimeKey,
	}
}

// PeriodKeyAt возвращает ключ периода заданной гранулярности для момента t.
func (ks *KeySet) PeriodKeyAt(pt PeriodType, t time.Time) timeutil.PeriodKey {
	return ks.periodKey(pt, t)
}

func (ks *KeySet) periodKey(pt PeriodType, t time.Time) timeutil.PeriodKey {
	switch pt {
	case PeriodDay:
		return timeutil.DayKey(t)
	case PeriodWeek:
		return timeutil.WeekKey(t)
	case PeriodMonth:
		return timeutil.MonthKey(t)
	case PeriodTerm:
		return ks.terms.TermKey(t)
	default:
		return timeutil.AllTimeKey
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidScope - пустой или неизвестный скоуп в ключе.
	ErrInvalidScope = errors.New("invalid aggregate scope")

	// ErrInvalidPeriodType - неизвестная гранулярность периода.
	ErrInvalidPeriodType = errors.New("invalid period type")

	// ErrInvalidPeriodKey - пустой ключ периода.
	ErrInvalidPeriodKey = errors.New("invalid period key")

	// ErrAggregateNotFound - строка агрегата не найдена.
	ErrAggregateNotFound = errors.New("aggregate not found")
)
