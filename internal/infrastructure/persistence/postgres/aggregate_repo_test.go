package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/pkg/timeutil"
)

func rebuildTestRepo() *AggregateRepository {
	keys := aggregate.NewKeySet(timeutil.NewTermResolver(nil))
	return NewAggregateRepository(nil, keys)
}

func awardEvent(id string, amount int64, at time.Time) reward.PointEvent {
	return reward.PointEvent{
		ID:        id,
		StudentID: "s1",
		Amount:    amount,
		Source:    reward.SourceActivity,
		SourceID:  "act-" + id,
		Scopes: reward.ScopeSet{
			ClassID:  "class-1",
			CampusID: "campus-1",
		},
		CreatedAt: at,
	}
}

func TestRebuildTotalsMatchesIncrementalFanOut(t *testing.T) {
	repo := rebuildTestRepo()

	day1 := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 26, 15, 30, 0, 0, time.UTC)

	correction := awardEvent("ev-3", -10, day2)
	correction.Source = reward.SourceManualAdjustment
	correction.Corrective = true

	events := []reward.PointEvent{
		awardEvent("ev-1", 15, day1),
		awardEvent("ev-2", 25, day2),
		correction,
	}

	incremental := make(map[aggregate.Key]int64)
	for i := range events {
		for _, key := range repo.keys.AffectedKeys(&events[i]) {
			incremental[key] += events[i].Amount
		}
	}

	rebuilt := repo.rebuildTotals(events)
	assert.Equal(t, incremental, rebuilt)

	allTime := repo.keys.AllTimeKey("s1", reward.ScopeRef{Kind: reward.ScopeCampus, ID: "campus-1"})
	assert.Equal(t, int64(30), rebuilt[allTime])
}

// A rebuild must reflect every event committed before the log read: totals for
// a log extended by one award equal the previous totals plus that award's
// increments on exactly its affected keys.
func TestRebuildTotalsCarriesConcurrentAward(t *testing.T) {
	repo := rebuildTestRepo()

	base := []reward.PointEvent{
		awardEvent("ev-1", 15, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)),
		awardEvent("ev-2", 25, time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)),
	}
	late := awardEvent("ev-late", 20, time.Date(2026, 8, 26, 8, 0, 0, 0, time.UTC))

	before := repo.rebuildTotals(base)
	after := repo.rebuildTotals(append(base, late))

	lateKeys := repo.keys.AffectedKeys(&late)
	require.NotEmpty(t, lateKeys)
	for _, key := range lateKeys {
		assert.Equal(t, before[key]+late.Amount, after[key], "key %+v lost the late award", key)
	}

	touched := make(map[aggregate.Key]bool, len(lateKeys))
	for _, key := range lateKeys {
		touched[key] = true
	}
	for key, total := range before {
		if !touched[key] {
			assert.Equal(t, total, after[key], "key %+v changed without a new event", key)
		}
	}
}

func TestRebuildTotalsEmptyLog(t *testing.T) {
	repo := rebuildTestRepo()
	assert.Empty(t, repo.rebuildTotals(nil))
}
