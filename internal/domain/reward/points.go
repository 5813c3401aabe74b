// Package reward содержит доменную модель начисления баллов школьного портала.
package reward

import "math"

// ══════════════════════════════════════════════════════════════════════════════
// POINTS ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// ActivityType - тип активности, определяющий базовое количество баллов.
type ActivityType string

const (
	ActivityQuiz       ActivityType = "QUIZ"
	ActivityHomework   ActivityType = "HOMEWORK"
	ActivityProject    ActivityType = "PROJECT"
	ActivityExam       ActivityType = "EXAM"
	ActivityLesson     ActivityType = "LESSON"
	ActivityDiscussion ActivityType = "DISCUSSION"
)

// Difficulty - когнитивный уровень активности, даёт множитель к базе.
type Difficulty string

const (
	DifficultyNone     Difficulty = ""
	DifficultyBasic    Difficulty = "BASIC"
	DifficultyStandard Difficulty = "STANDARD"
	DifficultyAdvanced Difficulty = "ADVANCED"
)

// PointsTable - конфигурация движка баллов: базовые значения по типам
// активностей и множители по сложности.
type PointsTable struct {
	// Base - базовые баллы по типу активности.
	Base map[ActivityType]int64

	// Multipliers - множители по уровню сложности.
	Multipliers map[Difficulty]float64

	// DefaultAmount - документированное значение по умолчанию.
	// Неизвестный тип активности никогда не блокирует оценивание:
	// отсутствие маппинга деградирует до дефолта, а не до ошибки.
	DefaultAmount int64
}

// DefaultPointsTable возвращает таблицу по умолчанию.
func DefaultPointsTable() PointsTable {
	return PointsTable{
		Base: map[ActivityType]int64{
			ActivityQuiz:       15,
			ActivityHomework:   10,
			ActivityProject:    40,
			ActivityExam:       50,
			ActivityLesson:     5,
			ActivityDiscussion: 3,
		},
		Multipliers: map[Difficulty]float64{
			DifficultyBasic:    0.8,
			DifficultyStandard: 1.0,
			DifficultyAdvanced: 1.5,
		},
		DefaultAmount: 5,
	}
}

// PointsEngine - чистая функция отображения завершения в количество баллов.
// Без побочных эффектов и без I/O: детерминированность движка - основа
// идемпотентности всего пайплайна.
type PointsEngine struct {
	table PointsTable
}

// NewPointsEngine создаёт движок с заданной таблицей.
func NewPointsEngine(table PointsTable) *PointsEngine {
	if table.DefaultAmount <= 0 {
		table.DefaultAmount = DefaultPointsTable().DefaultAmount
	}
	return &PointsEngine{table: table}
}

// ComputePoints возвращает неотрицательное количество баллов за завершение.
// Ручные корректировки не проходят через эту функцию - они несут явную
// знаковую сумму и записываются напрямую.
func (e *PointsEngine) ComputePoints(c Completion) int64 {
	base, ok := e.table.Base[c.ActivityType]
	if !ok {
		base = e.table.DefaultAmount
	}

	mult := 1.0
	if c.Difficulty != DifficultyNone {
		if m, ok := e.table.Multipliers[c.Difficulty]; ok && m > 0 {
			mult = m
		}
	}

	amount := int64(math.Round(float64(base) * mult))
	if amount < 0 {
		return 0
	}
	return amount
}
