// Package outbox содержит модель транзакционного outbox.
// Записи пишутся в той же транзакции, что и доменные изменения, и публикуются
// асинхронно отдельным диспетчером: уведомление не может потеряться между
// коммитом и отправкой и не может уйти для незакоммиченного изменения.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind - тип доменного уведомления.
type Kind string

const (
	// KindPointsAwarded - студенту начислены баллы.
	KindPointsAwarded Kind = "POINTS_AWARDED"
	// KindAchievementUnlocked - разблокировано достижение.
	KindAchievementUnlocked Kind = "ACHIEVEMENT_UNLOCKED"
	// KindLevelUp - уровень студента вырос.
	KindLevelUp Kind = "LEVEL_UP"
)

// IsValid проверяет корректность типа.
func (k Kind) IsValid() bool {
	switch k {
	case KindPointsAwarded, KindAchievementUnlocked, KindLevelUp:
		return true
	}
	return false
}

// Record - одна запись outbox.
type Record struct {
	ID          string
	Kind        Kind
	StudentID   string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// IsPublished возвращает true для уже опубликованной записи.
func (r *Record) IsPublished() bool {
	return r.PublishedAt != nil
}

// String возвращает строковое представление для логирования.
func (r *Record) String() string {
	return fmt.Sprintf("Outbox{%s, Kind: %s, Student: %s}", r.ID, r.Kind, r.StudentID)
}

// ══════════════════════════════════════════════════════════════════════════════
// PAYLOADS
// ══════════════════════════════════════════════════════════════════════════════

// PointsAwardedPayload - полезная нагрузка KindPointsAwarded.
type PointsAwardedPayload struct {
	EventID   string `json:"event_id"`
	StudentID string `json:"student_id"`
	Amount    int64  `json:"amount"`
	Source    string `json:"source"`
	SourceID  string `json:"source_id"`
}

// AchievementUnlockedPayload - полезная нагрузка KindAchievementUnlocked.
type AchievementUnlockedPayload struct {
	StudentID    string    `json:"student_id"`
	DefinitionID string    `json:"definition_id"`
	Name         string    `json:"name"`
	UnlockedAt   time.Time `json:"unlocked_at"`
}

// LevelUpPayload - полезная нагрузка KindLevelUp.
// Уровень считается на пару (студент, скоуп), поэтому скоуп входит в payload.
type LevelUpPayload struct {
	StudentID string `json:"student_id"`
	Scope     string `json:"scope"`
	FromLevel int    `json:"from_level"`
	ToLevel   int    `json:"to_level"`
}

// NewRecord создаёт запись outbox с сериализованной полезной нагрузкой.
func NewRecord(id string, kind Kind, studentID string, payload any, createdAt time.Time) (Record, error) {
	if !kind.IsValid() {
		return Record{}, ErrInvalidKind
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return Record{
		ID:        id,
		Kind:      kind,
		StudentID: studentID,
		Payload:   raw,
		CreatedAt: createdAt,
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidKind - неизвестный тип записи.
	ErrInvalidKind = errors.New("invalid outbox record kind")
)
