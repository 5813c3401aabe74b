package leaderboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/reward"
)

var classScope = reward.ScopeRef{Kind: reward.ScopeClass, ID: "c1"}

func buildSnapshot(t *testing.T, standings []Standing, prev *Snapshot) *Snapshot {
	t.Helper()
	return NewSnapshot(
		"snap-1", classScope, aggregate.PeriodWeek, "2026-W35",
		standings, prev,
		time.Date(2026, 8, 28, 6, 0, 0, 0, time.UTC),
	)
}

func TestTieBreakOrdering(t *testing.T) {
	early := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	standings := []Standing{
		{StudentID: "s-none", Total: 100},                       // no achievements
		{StudentID: "s-late", Total: 100, LastUnlockAt: late},   // fresher unlock
		{StudentID: "s-early", Total: 100, LastUnlockAt: early}, // earlier unlock wins
		{StudentID: "s-top", Total: 200},
	}

	snap := buildSnapshot(t, standings, nil)
	require.Equal(t, 4, snap.Count())

	// Higher total first; equal totals ordered by earliest last unlock,
	// students without achievements last among ties.
	assert.Equal(t, "s-top", snap.Entries[0].StudentID)
	assert.Equal(t, "s-early", snap.Entries[1].StudentID)
	assert.Equal(t, "s-late", snap.Entries[2].StudentID)
	assert.Equal(t, "s-none", snap.Entries[3].StudentID)

	// Ranks are strictly sequential, no sharing.
	for i, entry := range snap.Entries {
		assert.Equal(t, Rank(i+1), entry.Rank)
	}
}

func TestTieBreakFallsBackToStudentID(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	standings := []Standing{
		{StudentID: "s-b", Total: 50, LastUnlockAt: at},
		{StudentID: "s-a", Total: 50, LastUnlockAt: at},
	}

	snap := buildSnapshot(t, standings, nil)
	assert.Equal(t, "s-a", snap.Entries[0].StudentID)
	assert.Equal(t, "s-b", snap.Entries[1].StudentID)
}

func TestOrderingIsDeterministic(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	standings := []Standing{
		{StudentID: "s3", Total: 10, LastUnlockAt: at},
		{StudentID: "s1", Total: 10, LastUnlockAt: at},
		{StudentID: "s2", Total: 10},
		{StudentID: "s4", Total: 30},
	}

	first := buildSnapshot(t, standings, nil)
	for i := 0; i < 10; i++ {
		// Input order must not influence the result.
		shuffled := []Standing{standings[(i+1)%4], standings[(i+2)%4], standings[(i+3)%4], standings[i%4]}
		again := buildSnapshot(t, shuffled, nil)
		require.Equal(t, first.Entries, again.Entries, "iteration %d", i)
	}
}

func TestPreviousRankFromRealSnapshot(t *testing.T) {
	prev := buildSnapshot(t, []Standing{
		{StudentID: "s1", Total: 100},
		{StudentID: "s2", Total: 80},
		{StudentID: "s3", Total: 60},
	}, nil)

	// s3 overtakes s2; s4 is a new entrant; s1 drops out.
	next := buildSnapshot(t, []Standing{
		{StudentID: "s3", Total: 120},
		{StudentID: "s2", Total: 90},
		{StudentID: "s4", Total: 10},
	}, prev)

	s3 := next.GetByID("s3")
	require.NotNil(t, s3)
	assert.Equal(t, Rank(1), s3.Rank)
	require.NotNil(t, s3.PreviousRank)
	assert.Equal(t, Rank(3), *s3.PreviousRank)
	delta, ok := s3.RankDelta()
	require.True(t, ok)
	assert.Equal(t, 2, delta)

	s4 := next.GetByID("s4")
	require.NotNil(t, s4)
	assert.Nil(t, s4.PreviousRank, "new entrant has no previous rank")
	_, ok = s4.RankDelta()
	assert.False(t, ok)
}

func TestFirstGenerationHasNoPreviousRanks(t *testing.T) {
	snap := buildSnapshot(t, []Standing{
		{StudentID: "s1", Total: 10},
		{StudentID: "s2", Total: 20},
	}, nil)

	for _, entry := range snap.Entries {
		assert.Nil(t, entry.PreviousRank)
	}
}

func TestTopAndPage(t *testing.T) {
	snap := buildSnapshot(t, []Standing{
		{StudentID: "s1", Total: 50},
		{StudentID: "s2", Total: 40},
		{StudentID: "s3", Total: 30},
		{StudentID: "s4", Total: 20},
		{StudentID: "s5", Total: 10},
	}, nil)

	top := snap.Top(3)
	require.Len(t, top, 3)
	assert.Equal(t, "s1", top[0].StudentID)

	page := snap.Page(2, 2)
	require.Len(t, page, 2)
	assert.Equal(t, "s3", page[0].StudentID)
	assert.Equal(t, "s4", page[1].StudentID)

	assert.Nil(t, snap.Page(4, 2))
	assert.Len(t, snap.Top(100), 5)
}

func TestRebuildIndex(t *testing.T) {
	snap := buildSnapshot(t, []Standing{{StudentID: "s1", Total: 5}}, nil)

	// Simulate a snapshot loaded from storage without the internal index.
	loaded := &Snapshot{
		ID:         snap.ID,
		Scope:      snap.Scope,
		PeriodType: snap.PeriodType,
		PeriodKey:  snap.PeriodKey,
		Entries:    snap.Entries,
	}
	assert.Nil(t, loaded.GetByID("s1"))

	loaded.RebuildIndex()
	require.NotNil(t, loaded.GetByID("s1"))
	assert.Equal(t, Rank(1), loaded.GetRank("s1"))
}
