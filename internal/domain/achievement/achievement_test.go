package achievement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduhub/reward-engine/internal/domain/reward"
)

func quizFive() Definition {
	return Definition{
		ID:   "quiz-5",
		Name: "Quiz Apprentice",
		Criterion: Criterion{
			Source:       reward.SourceActivity,
			ActivityType: reward.ActivityQuiz,
			Increment:    1,
		},
		Target: 5,
	}
}

func quizTrigger(at time.Time) Trigger {
	return Trigger{
		StudentID:    "s1",
		Source:       reward.SourceActivity,
		ActivityType: reward.ActivityQuiz,
		Scopes:       reward.ScopeSet{ClassID: "c1"},
		OccurredAt:   at,
	}
}

func TestUnlockExactlyAtTarget(t *testing.T) {
	engine, err := NewEngine([]Definition{quizFive()})
	require.NoError(t, err)

	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	current := map[string]Progress{}

	// Four increments: progress grows, no unlock.
	for i := 0; i < 4; i++ {
		updated, unlocks := engine.Evaluate(quizTrigger(now), current)
		require.Len(t, updated, 1)
		assert.Empty(t, unlocks, "must not unlock before the 5th increment")
		current[updated[0].DefinitionID] = updated[0]
	}
	assert.Equal(t, int64(4), current["quiz-5"].Progress)
	assert.False(t, current["quiz-5"].Unlocked)

	// Fifth increment unlocks exactly once.
	updated, unlocks := engine.Evaluate(quizTrigger(now), current)
	require.Len(t, updated, 1)
	require.Len(t, unlocks, 1)
	assert.Equal(t, "quiz-5", unlocks[0].DefinitionID)
	assert.Equal(t, now, unlocks[0].UnlockedAt)
	current[updated[0].DefinitionID] = updated[0]
	assert.True(t, current["quiz-5"].Unlocked)

	// Further triggers are no-ops: unlocked is monotonic.
	updated, unlocks = engine.Evaluate(quizTrigger(now.Add(time.Hour)), current)
	assert.Empty(t, updated)
	assert.Empty(t, unlocks)
	assert.Equal(t, int64(5), current["quiz-5"].Progress)
}

func TestProgressCappedAtTarget(t *testing.T) {
	def := quizFive()
	def.Criterion.Increment = 3
	engine, err := NewEngine([]Definition{def})
	require.NoError(t, err)

	now := time.Now().UTC()
	current := map[string]Progress{}

	updated, unlocks := engine.Evaluate(quizTrigger(now), current)
	require.Len(t, updated, 1)
	assert.Empty(t, unlocks)
	current[updated[0].DefinitionID] = updated[0]
	assert.Equal(t, int64(3), current["quiz-5"].Progress)

	updated, unlocks = engine.Evaluate(quizTrigger(now), current)
	require.Len(t, updated, 1)
	require.Len(t, unlocks, 1)
	// 3 + 3 would overshoot; progress caps at target.
	assert.Equal(t, int64(5), updated[0].Progress)
}

func TestCriterionMatching(t *testing.T) {
	classScoped := Definition{
		ID:   "math-class-3",
		Name: "Math Regular",
		Criterion: Criterion{
			ActivityType: reward.ActivityHomework,
			Scope:        reward.ScopeRef{Kind: reward.ScopeSubject, ID: "math"},
			Increment:    1,
		},
		Target: 3,
	}
	engine, err := NewEngine([]Definition{classScoped})
	require.NoError(t, err)

	now := time.Now().UTC()

	// Wrong activity type: no match.
	_, unlocks := engine.Evaluate(Trigger{
		StudentID:    "s1",
		Source:       reward.SourceActivity,
		ActivityType: reward.ActivityQuiz,
		Scopes:       reward.ScopeSet{SubjectID: "math"},
		OccurredAt:   now,
	}, map[string]Progress{})
	assert.Empty(t, unlocks)

	// Wrong subject: no match.
	updated, _ := engine.Evaluate(Trigger{
		StudentID:    "s1",
		Source:       reward.SourceActivity,
		ActivityType: reward.ActivityHomework,
		Scopes:       reward.ScopeSet{SubjectID: "physics"},
		OccurredAt:   now,
	}, map[string]Progress{})
	assert.Empty(t, updated)

	// Matching trigger advances progress.
	updated, _ = engine.Evaluate(Trigger{
		StudentID:    "s1",
		Source:       reward.SourceActivity,
		ActivityType: reward.ActivityHomework,
		Scopes:       reward.ScopeSet{SubjectID: "math", ClassID: "c1"},
		OccurredAt:   now,
	}, map[string]Progress{})
	require.Len(t, updated, 1)
	assert.Equal(t, int64(1), updated[0].Progress)
}

func TestNewEngineRejectsInvalidDefinitions(t *testing.T) {
	_, err := NewEngine([]Definition{{ID: "", Target: 5, Criterion: Criterion{Increment: 1}}})
	assert.ErrorIs(t, err, ErrInvalidDefinitionID)

	_, err = NewEngine([]Definition{{ID: "x", Target: 0, Criterion: Criterion{Increment: 1}}})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = NewEngine([]Definition{{ID: "x", Target: 5, Criterion: Criterion{Increment: 0}}})
	assert.ErrorIs(t, err, ErrInvalidIncrement)
}
