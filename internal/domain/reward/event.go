// Package reward содержит доменную модель начисления баллов школьного портала.
// PointEvent - единственный источник истины: append-only журнал начислений,
// из которого инкрементально выводятся агрегаты, уровни и достижения.
package reward

import (
	"errors"
	"fmt"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Source определяет происхождение события начисления.
type Source string

const (
	// SourceActivity - баллы за выполненную активность.
	SourceActivity Source = "ACTIVITY"
	// SourceAssessment - баллы за оценённую работу.
	SourceAssessment Source = "ASSESSMENT"
	// SourceManualAdjustment - ручная корректировка (может быть отрицательной).
	SourceManualAdjustment Source = "MANUAL_ADJUSTMENT"
	// SourceBonus - бонусные баллы.
	SourceBonus Source = "BONUS"
)

// IsValid проверяет корректность источника.
func (s Source) IsValid() bool {
	switch s {
	case SourceActivity, SourceAssessment, SourceManualAdjustment, SourceBonus:
		return true
	}
	return false
}

// ScopeKind определяет тип организационной границы.
// Перечисление закрытое: движок агрегации обрабатывает его исчерпывающе.
type ScopeKind string

const (
	ScopeClass   ScopeKind = "CLASS"
	ScopeSubject ScopeKind = "SUBJECT"
	ScopeCourse  ScopeKind = "COURSE"
	ScopeCampus  ScopeKind = "CAMPUS"
)

// Kinds возвращает все типы скоупов в фиксированном порядке.
func Kinds() []ScopeKind {
	return []ScopeKind{ScopeClass, ScopeSubject, ScopeCourse, ScopeCampus}
}

// IsValid проверяет корректность типа скоупа.
func (k ScopeKind) IsValid() bool {
	switch k {
	case ScopeClass, ScopeSubject, ScopeCourse, ScopeCampus:
		return true
	}
	return false
}

// ScopeRef - типизированная ссылка на организационную границу.
type ScopeRef struct {
	Kind ScopeKind
	ID   string
}

// IsZero возвращает true для пустой ссылки.
func (r ScopeRef) IsZero() bool {
	return r.ID == ""
}

// String возвращает строковое представление для логирования и ключей.
func (r ScopeRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// ScopeSet - денормализованный набор скоупов события.
// Идентификаторы фиксируются в момент записи, чтобы последующие переименования
// и перемещения (смена класса, реорганизация курса) не искажали историю.
type ScopeSet struct {
	ClassID   string
	SubjectID string
	CourseID  string
	CampusID  string
}

// Refs возвращает непустые скоупы набора в фиксированном порядке.
func (s ScopeSet) Refs() []ScopeRef {
	refs := make([]ScopeRef, 0, 4)
	if s.ClassID != "" {
		refs = append(refs, ScopeRef{Kind: ScopeClass, ID: s.ClassID})
	}
	if s.SubjectID != "" {
		refs = append(refs, ScopeRef{Kind: ScopeSubject, ID: s.SubjectID})
	}
	if s.CourseID != "" {
		refs = append(refs, ScopeRef{Kind: ScopeCourse, ID: s.CourseID})
	}
	if s.CampusID != "" {
		refs = append(refs, ScopeRef{Kind: ScopeCampus, ID: s.CampusID})
	}
	return refs
}

// IsEmpty возвращает true, если не задан ни один скоуп.
func (s ScopeSet) IsEmpty() bool {
	return len(s.Refs()) == 0
}

// ══════════════════════════════════════════════════════════════════════════════
// POINT EVENT
// ══════════════════════════════════════════════════════════════════════════════

// PointEvent - неизменяемая запись журнала начислений.
// Инвариант exactly-once: не более одного некорректирующего события на
// (StudentID, Source, SourceID). Событие никогда не мутируется - ошибочное
// начисление перекрывается более поздним корректирующим событием.
type PointEvent struct {
	// ID - уникальный идентификатор события.
	ID string

	// StudentID - студент, которому начислены баллы.
	StudentID string

	// Amount - количество баллов. Знаковое: корректирующие события
	// могут отзывать ранее начисленные баллы.
	Amount int64

	// Source - происхождение события.
	Source Source

	// SourceID - идентификатор триггера (например, id активности).
	SourceID string

	// Scopes - скоупы, зафиксированные в момент записи.
	Scopes ScopeSet

	// Corrective - признак корректирующего события.
	// Корректирующие события не участвуют в дедупликации.
	Corrective bool

	// CreatedAt - момент записи; определяет период агрегации.
	CreatedAt time.Time
}

// Validate проверяет инварианты события перед записью.
func (e *PointEvent) Validate() error {
	if e.ID == "" {
		return ErrInvalidEventID
	}
	if e.StudentID == "" {
		return ErrInvalidStudentID
	}
	if !e.Source.IsValid() {
		return ErrInvalidSource
	}
	if e.SourceID == "" {
		return ErrInvalidSourceID
	}
	if e.Amount < 0 && !e.Corrective && e.Source != SourceManualAdjustment {
		return ErrNegativeAmount
	}
	if e.CreatedAt.IsZero() {
		return ErrMissingCreatedAt
	}
	return nil
}

// DedupKey возвращает ключ идемпотентности события.
func (e *PointEvent) DedupKey() DedupKey {
	return DedupKey{StudentID: e.StudentID, Source: e.Source, SourceID: e.SourceID}
}

// String возвращает строковое представление для логирования.
func (e *PointEvent) String() string {
	return fmt.Sprintf("PointEvent{Student: %s, Source: %s/%s, Amount: %d}",
		e.StudentID, e.Source, e.SourceID, e.Amount)
}

// DedupKey - ключ идемпотентности (StudentID, Source, SourceID).
// Условная вставка по этому ключу гарантирует exactly-once начисление.
type DedupKey struct {
	StudentID string
	Source    Source
	SourceID  string
}

// String возвращает строковое представление ключа.
func (k DedupKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.StudentID, k.Source, k.SourceID)
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETION (вход от подсистемы оценивания)
// ══════════════════════════════════════════════════════════════════════════════

// Completion - запись о завершённой активности из фида подсистемы оценивания.
// Движок только читает фид; признак "обработано" определяется наличием
// PointEvent с соответствующим ключом дедупликации, а не флагом на записи.
type Completion struct {
	StudentID    string
	Source       Source
	SourceID     string
	ActivityType ActivityType
	Difficulty   Difficulty
	Scopes       ScopeSet
	CompletedAt  time.Time
}

// DedupKey возвращает ключ идемпотентности завершения.
func (c *Completion) DedupKey() DedupKey {
	return DedupKey{StudentID: c.StudentID, Source: c.Source, SourceID: c.SourceID}
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidEventID - пустой идентификатор события.
	ErrInvalidEventID = errors.New("invalid event id: cannot be empty")

	// ErrInvalidStudentID - пустой идентификатор студента.
	ErrInvalidStudentID = errors.New("invalid student id: cannot be empty")

	// ErrInvalidSource - неизвестный источник события.
	ErrInvalidSource = errors.New("invalid event source")

	// ErrInvalidSourceID - пустой идентификатор триггера.
	ErrInvalidSourceID = errors.New("invalid source id: cannot be empty")

	// ErrNegativeAmount - отрицательная сумма вне корректировки.
	ErrNegativeAmount = errors.New("negative amount requires corrective event or manual adjustment")

	// ErrMissingCreatedAt - не задан момент записи.
	ErrMissingCreatedAt = errors.New("created at is required")

	// ErrDuplicateEvent - событие с таким ключом дедупликации уже записано.
	// Для пайплайна это успешный no-op, а не ошибка обработки.
	ErrDuplicateEvent = errors.New("point event already recorded for dedup key")
)
