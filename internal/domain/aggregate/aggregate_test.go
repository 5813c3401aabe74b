package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/pkg/timeutil"
)

func fallTerm() *timeutil.TermResolver {
	return timeutil.NewTermResolver([]timeutil.Term{
		{
			Key:   "term:2026-fall",
			Start: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC),
		},
	})
}

func TestAffectedKeysFullFanOut(t *testing.T) {
	ks := NewKeySet(fallTerm())

	event := &reward.PointEvent{
		ID:        "e1",
		StudentID: "student-s",
		Amount:    15,
		Source:    reward.SourceActivity,
		SourceID:  "activity-a",
		Scopes: reward.ScopeSet{
			ClassID:   "class-c",
			SubjectID: "math",
			CourseID:  "grade3",
			CampusID:  "main",
		},
		CreatedAt: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
	}

	keys := ks.AffectedKeys(event)

	// 4 scopes x 5 period types.
	require.Len(t, keys, 20)

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		assert.NoError(t, k.Validate())
		assert.Equal(t, "student-s", k.StudentID)
		assert.False(t, seen[k.String()], "duplicate key %s", k)
		seen[k.String()] = true
	}

	// Spot-check the class scope buckets.
	classScope := reward.ScopeRef{Kind: reward.ScopeClass, ID: "class-c"}
	assert.True(t, seen[Key{StudentID: "student-s", Scope: classScope, PeriodType: PeriodDay, PeriodKey: "2026-08-28"}.String()])
	assert.True(t, seen[Key{StudentID: "student-s", Scope: classScope, PeriodType: PeriodWeek, PeriodKey: "2026-W35"}.String()])
	assert.True(t, seen[Key{StudentID: "student-s", Scope: classScope, PeriodType: PeriodMonth, PeriodKey: "2026-08"}.String()])
	assert.True(t, seen[Key{StudentID: "student-s", Scope: classScope, PeriodType: PeriodTerm, PeriodKey: "term:2026-fall"}.String()])
	assert.True(t, seen[Key{StudentID: "student-s", Scope: classScope, PeriodType: PeriodAllTime, PeriodKey: timeutil.AllTimeKey}.String()])
}

func TestAffectedKeysPartialScopes(t *testing.T) {
	ks := NewKeySet(fallTerm())

	event := &reward.PointEvent{
		ID:        "e1",
		StudentID: "s1",
		Amount:    10,
		Source:    reward.SourceBonus,
		SourceID:  "b1",
		Scopes:    reward.ScopeSet{CampusID: "main"},
		CreatedAt: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
	}

	keys := ks.AffectedKeys(event)
	require.Len(t, keys, 5)
	for _, k := range keys {
		assert.Equal(t, reward.ScopeCampus, k.Scope.Kind)
	}
}

func TestAffectedKeysOutsideTermCalendar(t *testing.T) {
	ks := NewKeySet(fallTerm())

	event := &reward.PointEvent{
		ID:        "e1",
		StudentID: "s1",
		Amount:    10,
		Source:    reward.SourceActivity,
		SourceID:  "a1",
		Scopes:    reward.ScopeSet{ClassID: "c1"},
		CreatedAt: time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC), // summer break
	}

	var termKey timeutil.PeriodKey
	for _, k := range ks.AffectedKeys(event) {
		if k.PeriodType == PeriodTerm {
			termKey = k.PeriodKey
		}
	}

	// A calendar gap must bucket, not fail.
	assert.Equal(t, timeutil.UnassignedTermKey, termKey)
}

func TestAllTimeKey(t *testing.T) {
	ks := NewKeySet(nil)
	k := ks.AllTimeKey("s1", reward.ScopeRef{Kind: reward.ScopeClass, ID: "c1"})

	assert.Equal(t, PeriodAllTime, k.PeriodType)
	assert.Equal(t, timeutil.AllTimeKey, k.PeriodKey)
	assert.NoError(t, k.Validate())
}

func TestKeyValidate(t *testing.T) {
	valid := Key{
		StudentID:  "s1",
		Scope:      reward.ScopeRef{Kind: reward.ScopeClass, ID: "c1"},
		PeriodType: PeriodDay,
		PeriodKey:  "2026-08-28",
	}
	assert.NoError(t, valid.Validate())

	noScope := valid
	noScope.Scope = reward.ScopeRef{}
	assert.ErrorIs(t, noScope.Validate(), ErrInvalidScope)

	badPeriod := valid
	badPeriod.PeriodType = "QUARTER"
	assert.ErrorIs(t, badPeriod.Validate(), ErrInvalidPeriodType)
}
