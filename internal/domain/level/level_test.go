package level

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholdMonotonic(t *testing.T) {
	curve := DefaultCurve()

	prev := curve.Threshold(1)
	assert.Equal(t, int64(0), prev)

	for n := 2; n <= 50; n++ {
		cur := curve.Threshold(n)
		assert.Greater(t, cur, prev, "threshold must strictly increase at level %d", n)
		prev = cur
	}
}

func TestDeriveLevel(t *testing.T) {
	engine := MustEngine(DefaultCurve())

	tests := []struct {
		name      string
		xp        int64
		wantLevel int
	}{
		{"zero xp is level 1", 0, 1},
		{"just below level 2", 99, 1},
		{"exactly level 2 threshold", 100, 2},
		{"mid level 2", 150, 2},
		{"level 3 threshold", 282, 3}, // floor(100 * 2^1.5) = 282
		{"negative xp clamps to zero", -50, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.DeriveLevel(tt.xp)
			assert.Equal(t, tt.wantLevel, got.Level)
		})
	}
}

func TestDeriveLevelProgress(t *testing.T) {
	engine := MustEngine(DefaultCurve())

	got := engine.DeriveLevel(150)
	assert.Equal(t, 2, got.Level)
	assert.Equal(t, int64(50), got.CurrentExperience)           // 150 - 100
	assert.Equal(t, int64(182), got.ExperienceForNextLevel)     // 282 - 100
	assert.Equal(t, int64(150), got.CumulativeExperience)
}

func TestDeriveLevelIdempotent(t *testing.T) {
	engine := MustEngine(DefaultCurve())

	for _, xp := range []int64{0, 1, 99, 100, 500, 12345, 999999} {
		first := engine.DeriveLevel(xp)
		second := engine.DeriveLevel(xp)
		assert.Equal(t, first.Level, second.Level)
		assert.Equal(t, first.CurrentExperience, second.CurrentExperience)
		assert.Equal(t, first.ExperienceForNextLevel, second.ExperienceForNextLevel)
	}
}

func TestDeriveLevelConsistentWithThreshold(t *testing.T) {
	engine := MustEngine(DefaultCurve())
	curve := engine.Curve()

	// Deriving at exactly each threshold must yield exactly that level.
	for n := 1; n <= 30; n++ {
		got := engine.DeriveLevel(curve.Threshold(n))
		require.Equal(t, n, got.Level, "xp=%d", curve.Threshold(n))
		require.Equal(t, int64(0), got.CurrentExperience)
	}
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(Curve{Base: 0, Exponent: 1.5})
	assert.ErrorIs(t, err, ErrInvalidCurveBase)

	_, err = NewEngine(Curve{Base: 100, Exponent: 0.5})
	assert.ErrorIs(t, err, ErrInvalidCurveExponent)
}
