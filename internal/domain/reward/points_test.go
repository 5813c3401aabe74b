package reward

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputePoints(t *testing.T) {
	engine := NewPointsEngine(DefaultPointsTable())

	tests := []struct {
		name       string
		activity   ActivityType
		difficulty Difficulty
		want       int64
	}{
		{"quiz base", ActivityQuiz, DifficultyNone, 15},
		{"quiz standard", ActivityQuiz, DifficultyStandard, 15},
		{"quiz advanced", ActivityQuiz, DifficultyAdvanced, 23}, // 15 * 1.5 rounded
		{"homework basic", ActivityHomework, DifficultyBasic, 8},
		{"project advanced", ActivityProject, DifficultyAdvanced, 60},
		{"unknown type falls back to default", ActivityType("FIELD_TRIP"), DifficultyNone, 5},
		{"unknown type with multiplier", ActivityType("FIELD_TRIP"), DifficultyAdvanced, 8},
		{"unknown difficulty keeps base", ActivityQuiz, Difficulty("IMPOSSIBLE"), 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.ComputePoints(Completion{
				StudentID:    "s1",
				Source:       SourceActivity,
				SourceID:     "a1",
				ActivityType: tt.activity,
				Difficulty:   tt.difficulty,
			})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputePointsDeterministic(t *testing.T) {
	engine := NewPointsEngine(DefaultPointsTable())
	c := Completion{
		StudentID:    "s1",
		Source:       SourceActivity,
		SourceID:     "a1",
		ActivityType: ActivityQuiz,
		Difficulty:   DifficultyAdvanced,
	}

	first := engine.ComputePoints(c)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, engine.ComputePoints(c))
	}
}

func TestPointEventValidate(t *testing.T) {
	now := time.Now().UTC()

	valid := PointEvent{
		ID:        "e1",
		StudentID: "s1",
		Amount:    15,
		Source:    SourceActivity,
		SourceID:  "a1",
		CreatedAt: now,
	}
	assert.NoError(t, valid.Validate())

	missingStudent := valid
	missingStudent.StudentID = ""
	assert.ErrorIs(t, missingStudent.Validate(), ErrInvalidStudentID)

	badSource := valid
	badSource.Source = "GIFT"
	assert.ErrorIs(t, badSource.Validate(), ErrInvalidSource)

	// Negative amounts are only legal for corrections and manual adjustments.
	negative := valid
	negative.Amount = -10
	assert.ErrorIs(t, negative.Validate(), ErrNegativeAmount)

	negative.Corrective = true
	assert.NoError(t, negative.Validate())

	manual := valid
	manual.Amount = -10
	manual.Source = SourceManualAdjustment
	assert.NoError(t, manual.Validate())
}

func TestScopeSetRefs(t *testing.T) {
	full := ScopeSet{ClassID: "c1", SubjectID: "math", CourseID: "grade3", CampusID: "main"}
	refs := full.Refs()
	assert.Len(t, refs, 4)
	assert.Equal(t, ScopeRef{Kind: ScopeClass, ID: "c1"}, refs[0])
	assert.Equal(t, ScopeRef{Kind: ScopeCampus, ID: "main"}, refs[3])

	partial := ScopeSet{ClassID: "c1", CampusID: "main"}
	assert.Len(t, partial.Refs(), 2)

	assert.True(t, ScopeSet{}.IsEmpty())
	assert.False(t, partial.IsEmpty())
}
