// Package leaderboard содержит модель снапшотов лидерборда.
// Снапшот - неизменяемая материализация ранжированного списка для одного
// (скоуп, гранулярность) на момент генерации. Новая генерация создаёт новый
// снапшот, а не мутирует старый: сравнение рангов между поколениями всегда
// выполняется по реально сохранённому предыдущему снапшоту.
package leaderboard

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// Rank - позиция в лидерборде, начиная с 1.
// Ранги строго последовательны: детерминированный тай-брейк гарантирует
// полный порядок, поэтому разделяемых рангов не бывает.
type Rank int

// IsValid проверяет, что ранг положительный.
func (r Rank) IsValid() bool {
	return r > 0
}

// String возвращает строковое представление ранга.
func (r Rank) String() string {
	return fmt.Sprintf("#%d", r)
}

// Entry - одна строка снапшота.
type Entry struct {
	// StudentID - идентификатор студента.
	StudentID string

	// Rank - позиция в этом снапшоте (1-based, без разрывов).
	Rank Rank

	// Score - тотал баллов на момент генерации.
	Score int64

	// PreviousRank - позиция в непосредственно предыдущем снапшоте того же
	// ключа; nil для новых участников.
	PreviousRank *Rank
}

// RankDelta возвращает изменение позиции (положительное = подъём) и признак
// того, что студент присутствовал в предыдущем снапшоте.
func (e *Entry) RankDelta() (int, bool) {
	if e.PreviousRank == nil {
		return 0, false
	}
	return int(*e.PreviousRank) - int(e.Rank), true
}

// ══════════════════════════════════════════════════════════════════════════════
// STANDING (вход генерации)
// ══════════════════════════════════════════════════════════════════════════════

// Standing - сырая строка из агрегатов для ранжирования.
type Standing struct {
	StudentID string
	Total     int64

	// LastUnlockAt - момент разблокировки самого свежего достижения
	// студента; нулевое время, если достижений нет. Используется в
	// тай-брейке: при равном тотале выигрывает более ранняя разблокировка
	// последнего достижения (стабильность ценится выше свежести).
	LastUnlockAt time.Time
}

// SortStandings упорядочивает standings в строгий полный порядок:
//  1. больший тотал;
//  2. более ранний UnlockAt последнего достижения, при этом студенты с
//     достижениями идут раньше студентов без них;
//  3. лексикографический StudentID как финальный детерминированный фоллбек.
//
// Порядок итерации map никогда не участвует в ранжировании.
func SortStandings(standings []Standing) {
	sort.Slice(standings, func(i, j int) bool {
		a, b := standings[i], standings[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		aHas, bHas := !a.LastUnlockAt.IsZero(), !b.LastUnlockAt.IsZero()
		if aHas != bHas {
			return aHas
		}
		if aHas && !a.LastUnlockAt.Equal(b.LastUnlockAt) {
			return a.LastUnlockAt.Before(b.LastUnlockAt)
		}
		return a.StudentID < b.StudentID
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot - неизменяемый ранжированный список для одного ключа лидерборда.
type Snapshot struct {
	// ID - уникальный идентификатор снапшота.
	ID string

	// Scope - сущность лидерборда (класс, предмет, курс, кампус).
	Scope reward.ScopeRef

	// PeriodType - гранулярность, по которой считался тотал.
	PeriodType aggregate.PeriodType

	// PeriodKey - конкретный период, за который сгенерирован снапшот.
	PeriodKey timeutil.PeriodKey

	// GeneratedAt - момент генерации.
	GeneratedAt time.Time

	// Entries - строки в порядке возрастания ранга.
	Entries []Entry

	byID map[string]int
}

// NewSnapshot строит снапшот из standings: сортирует по тай-брейку,
// присваивает строго последовательные ранги и подтягивает PreviousRank из
// prev (nil prev = первый снапшот ключа, все участники новые).
func NewSnapshot(
	id string,
	scope reward.ScopeRef,
	periodType aggregate.PeriodType,
	periodKey timeutil.PeriodKey,
	standings []Standing,
	prev *Snapshot,
	generatedAt time.Time,
) *Snapshot {
	ordered := make([]Standing, len(standings))
	copy(ordered, standings)
	SortStandings(ordered)

	s := &Snapshot{
		ID:          id,
		Scope:       scope,
		PeriodType:  periodType,
		PeriodKey:   periodKey,
		GeneratedAt: generatedAt.UTC(),
		Entries:     make([]Entry, len(ordered)),
		byID:        make(map[string]int, len(ordered)),
	}

	for i, st := range ordered {
		entry := Entry{
			StudentID: st.StudentID,
			Rank:      Rank(i + 1),
			Score:     st.Total,
		}
		if prev != nil {
			if prevEntry := prev.GetByID(st.StudentID); prevEntry != nil {
				r := prevEntry.Rank
				entry.PreviousRank = &r
			}
		}
		s.Entries[i] = entry
		s.byID[st.StudentID] = i
	}

	return s
}

// GetByID возвращает строку студента или nil.
func (s *Snapshot) GetByID(studentID string) *Entry {
	idx, ok := s.byID[studentID]
	if !ok {
		return nil
	}
	return &s.Entries[idx]
}

// GetRank возвращает ранг студента, 0 если студента нет в снапшоте.
func (s *Snapshot) GetRank(studentID string) Rank {
	entry := s.GetByID(studentID)
	if entry == nil {
		return 0
	}
	return entry.Rank
}

// Top возвращает первые n строк.
func (s *Snapshot) Top(n int) []Entry {
	if n <= 0 {
		return nil
	}
	if n > len(s.Entries) {
		n = len(s.Entries)
	}
	result := make([]Entry, n)
	copy(result, s.Entries[:n])
	return result
}

// Page возвращает страницу снапшота (page начинается с 1).
func (s *Snapshot) Page(page, pageSize int) []Entry {
	if page < 1 || pageSize <= 0 {
		return nil
	}
	from := (page - 1) * pageSize
	if from >= len(s.Entries) {
		return nil
	}
	to := from + pageSize
	if to > len(s.Entries) {
		to = len(s.Entries)
	}
	result := make([]Entry, to-from)
	copy(result, s.Entries[from:to])
	return result
}

// Count возвращает количество строк.
func (s *Snapshot) Count() int {
	return len(s.Entries)
}

// IsEmpty возвращает true для пустого снапшота.
func (s *Snapshot) IsEmpty() bool {
	return len(s.Entries) == 0
}

// Contains проверяет присутствие студента.
func (s *Snapshot) Contains(studentID string) bool {
	_, ok := s.byID[studentID]
	return ok
}

// RebuildIndex перестраивает внутренний индекс после десериализации из БД.
func (s *Snapshot) RebuildIndex() {
	s.byID = make(map[string]int, len(s.Entries))
	for i, entry := range s.Entries {
		s.byID[entry.StudentID] = i
	}
}

// String возвращает строковое представление для логирования.
func (s *Snapshot) String() string {
	return fmt.Sprintf("Snapshot{%s %s/%s, entries: %d, at: %s}",
		s.Scope, s.PeriodType, s.PeriodKey, len(s.Entries),
		s.GeneratedAt.Format(time.RFC3339))
}

// Meta - метаданные снапшота без строк, для списков и быстрых проверок.
type Meta struct {
	ID          string
	Scope       reward.ScopeRef
	PeriodType  aggregate.PeriodType
	PeriodKey   timeutil.PeriodKey
	GeneratedAt time.Time
	EntryCount  int
}

// ToMeta возвращает метаданные снапшота.
func (s *Snapshot) ToMeta() Meta {
	return Meta{
		ID:          s.ID,
		Scope:       s.Scope,
		PeriodType:  s.PeriodType,
		PeriodKey:   s.PeriodKey,
		GeneratedAt: s.GeneratedAt,
		EntryCount:  len(s.Entries),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrSnapshotNotFound - снапшот для ключа не найден.
	ErrSnapshotNotFound = errors.New("leaderboard snapshot not found")
)
