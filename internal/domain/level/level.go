// Package level содержит движок уровней студента.
// Уровень - чистая производная от кумулятивного (ALL_TIME) агрегата опыта:
// движок никогда не копит собственную дельту, поэтому коррекция уровня после
// ретроактивной правки баллов - это одно перевычисление, а не реплей истории.
package level

import (
	"errors"
	"math"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEVELING CURVE
// ══════════════════════════════════════════════════════════════════════════════

// Curve - монотонно возрастающая ступенчатая функция порогов опыта.
// Порог уровня n: Threshold(n) = Base * (n-1)^Exponent, так что уровень 1
// достигается при нулевом опыте.
type Curve struct {
	// Base - стоимость второго уровня в очках опыта.
	Base float64

	// Exponent - степень роста кривой.
	Exponent float64
}

// DefaultCurve возвращает кривую по умолчанию: 100 * (n-1)^1.5.
func DefaultCurve() Curve {
	return Curve{Base: 100, Exponent: 1.5}
}

// Validate проверяет корректность кривой.
func (c Curve) Validate() error {
	if c.Base <= 0 {
		return ErrInvalidCurveBase
	}
	if c.Exponent < 1 {
		return ErrInvalidCurveExponent
	}
	return nil
}

// Threshold возвращает кумулятивный опыт, необходимый для уровня n.
func (c Curve) Threshold(n int) int64 {
	if n <= 1 {
		return 0
	}
	return int64(math.Floor(c.Base * math.Pow(float64(n-1), c.Exponent)))
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT LEVEL
// ══════════════════════════════════════════════════════════════════════════════

// StudentLevel - производное состояние уровня для (студент, скоуп).
type StudentLevel struct {
	// Level - текущий уровень (>= 1).
	Level int

	// CurrentExperience - опыт, набранный внутри текущего уровня.
	CurrentExperience int64

	// ExperienceForNextLevel - опыт, необходимый для следующего уровня,
	// считая от начала текущего.
	ExperienceForNextLevel int64

	// CumulativeExperience - кумулятивный опыт, от которого выведен уровень.
	CumulativeExperience int64

	// DerivedAt - момент последнего перевычисления.
	DerivedAt time.Time
}

// Engine выводит уровень из кумулятивного опыта.
type Engine struct {
	curve Curve
}

// NewEngine создаёт движок уровней с заданной кривой.
func NewEngine(curve Curve) (*Engine, error) {
	if err := curve.Validate(); err != nil {
		return nil, err
	}
	return &Engine{curve: curve}, nil
}

// MustEngine создаёт движок и паникует на невалидной кривой.
// Используется для конфигурации по умолчанию на старте процесса.
func MustEngine(curve Curve) *Engine {
	e, err := NewEngine(curve)
	if err != nil {
		panic(err)
	}
	return e
}

// DeriveLevel находит наибольший n, для которого Threshold(n) <= опыта.
// Функция идемпотентна и детерминирована; отрицательный кумулятивный опыт
// (возможный после корректирующих событий) трактуется как ноль.
func (e *Engine) DeriveLevel(cumulativeExperience int64) StudentLevel {
	xp := cumulativeExperience
	if xp < 0 {
		xp = 0
	}

	n := 1
	for e.curve.Threshold(n+1) <= xp {
		n++
	}

	floor := e.curve.Threshold(n)
	next := e.curve.Threshold(n + 1)

	return StudentLevel{
		Level:                  n,
		CurrentExperience:      xp - floor,
		ExperienceForNextLevel: next - floor,
		CumulativeExperience:   cumulativeExperience,
		DerivedAt:              time.Now().UTC(),
	}
}

// Curve возвращает кривую движка.
func (e *Engine) Curve() Curve {
	return e.curve
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidCurveBase - неположительная база кривой.
	ErrInvalidCurveBase = errors.New("curve base must be positive")

	// ErrInvalidCurveExponent - степень кривой меньше единицы нарушает монотонность шага.
	ErrInvalidCurveExponent = errors.New("curve exponent must be >= 1")
)
