package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduhub/reward-engine/internal/domain/achievement"
	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/leaderboard"
	"github.com/eduhub/reward-engine/internal/domain/level"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/pkg/timeutil"
)

var classScope = reward.ScopeRef{Kind: reward.ScopeClass, ID: "class-a"}

type fakeReader struct {
	totals       []aggregate.Aggregate
	lvl          level.StudentLevel
	lvlErr       error
	achievements []achievement.Progress
}

func (f *fakeReader) GetTotals(_ context.Context, _ string, _ reward.ScopeRef) ([]aggregate.Aggregate, error) {
	return f.totals, nil
}

func (f *fakeReader) GetStudentLevel(_ context.Context, _ string, _ reward.ScopeRef) (level.StudentLevel, error) {
	if f.lvlErr != nil {
		return level.StudentLevel{}, f.lvlErr
	}
	return f.lvl, nil
}

func (f *fakeReader) GetAchievements(_ context.Context, _ string, unlockedOnly bool) ([]achievement.Progress, error) {
	if !unlockedOnly {
		return f.achievements, nil
	}
	var out []achievement.Progress
	for _, a := range f.achievements {
		if a.Unlocked {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeSnapshots struct {
	snapshot *leaderboard.Snapshot
}

func (f *fakeSnapshots) GetLatest(_ context.Context, _ reward.ScopeRef, _ aggregate.PeriodType, _ string) (*leaderboard.Snapshot, error) {
	if f.snapshot == nil {
		return nil, leaderboard.ErrSnapshotNotFound
	}
	return f.snapshot, nil
}

type fakeCache struct {
	data    map[string][]byte
	sets    int
	failing bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (f *fakeCache) Get(_ context.Context, key string, dest any) error {
	if f.failing {
		return assert.AnError
	}
	raw, ok := f.data[key]
	if !ok {
		return assert.AnError
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	if f.failing {
		return assert.AnError
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	f.sets++
	return nil
}

func fixedTime() time.Time {
	return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
}

// ─────────────────────────────────────────────────────────────────────────────
// POINTS SUMMARY
// ─────────────────────────────────────────────────────────────────────────────

func summaryAggregate(pt aggregate.PeriodType, key string, total int64) aggregate.Aggregate {
	return aggregate.Aggregate{
		Key: aggregate.Key{
			StudentID:  "s1",
			Scope:      classScope,
			PeriodType: pt,
			PeriodKey:  timeutil.PeriodKey(key),
		},
		Total: total,
	}
}

func TestPointsSummaryPicksCurrentPeriodsOnly(t *testing.T) {
	reader := &fakeReader{totals: []aggregate.Aggregate{
		summaryAggregate(aggregate.PeriodDay, "2026-08-28", 15),
		summaryAggregate(aggregate.PeriodDay, "2026-08-27", 40), // вчера
		summaryAggregate(aggregate.PeriodWeek, "2026-W35", 55),
		summaryAggregate(aggregate.PeriodMonth, "2026-08", 120),
		summaryAggregate(aggregate.PeriodAllTime, string(timeutil.AllTimeKey), 900),
	}}

	h := NewGetPointsSummaryHandler(reader, aggregate.NewKeySet(nil), nil)
	h.now = fixedTime

	summary, err := h.Handle(context.Background(), GetPointsSummaryQuery{StudentID: "s1", Scope: classScope})
	require.NoError(t, err)

	assert.Equal(t, int64(15), summary.Today)
	assert.Equal(t, int64(55), summary.ThisWeek)
	assert.Equal(t, int64(120), summary.ThisMonth)
	assert.Equal(t, int64(0), summary.ThisTerm)
	assert.Equal(t, int64(900), summary.AllTime)
}

func TestPointsSummaryUsesCache(t *testing.T) {
	reader := &fakeReader{totals: []aggregate.Aggregate{
		summaryAggregate(aggregate.PeriodAllTime, string(timeutil.AllTimeKey), 100),
	}}
	cache := newFakeCache()

	h := NewGetPointsSummaryHandler(reader, aggregate.NewKeySet(nil), cache)
	h.now = fixedTime

	q := GetPointsSummaryQuery{StudentID: "s1", Scope: classScope}

	first, err := h.Handle(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	// Второе чтение обслуживается кешем даже после изменения агрегатов.
	reader.totals = nil
	second, err := h.Handle(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, first.AllTime, second.AllTime)
}

func TestPointsSummaryDegradesWhenCacheFails(t *testing.T) {
	reader := &fakeReader{totals: []aggregate.Aggregate{
		summaryAggregate(aggregate.PeriodAllTime, string(timeutil.AllTimeKey), 100),
	}}

	h := NewGetPointsSummaryHandler(reader, aggregate.NewKeySet(nil), &fakeCache{failing: true})
	h.now = fixedTime

	summary, err := h.Handle(context.Background(), GetPointsSummaryQuery{StudentID: "s1", Scope: classScope})
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.AllTime)
}

func TestPointsSummaryValidation(t *testing.T) {
	h := NewGetPointsSummaryHandler(&fakeReader{}, aggregate.NewKeySet(nil), nil)

	_, err := h.Handle(context.Background(), GetPointsSummaryQuery{Scope: classScope})
	assert.ErrorIs(t, err, ErrStudentRequired)

	_, err = h.Handle(context.Background(), GetPointsSummaryQuery{StudentID: "s1"})
	assert.ErrorIs(t, err, ErrScopeRequired)
}

// ─────────────────────────────────────────────────────────────────────────────
// STUDENT LEVEL
// ─────────────────────────────────────────────────────────────────────────────

func TestStudentLevelDefaultsToLevelOne(t *testing.T) {
	reader := &fakeReader{lvlErr: aggregate.ErrAggregateNotFound}

	h := NewGetStudentLevelHandler(reader, nil)
	dto, err := h.Handle(context.Background(), GetStudentLevelQuery{StudentID: "s1", Scope: classScope})
	require.NoError(t, err)

	assert.Equal(t, 1, dto.Level)
	assert.Zero(t, dto.CumulativeExperience)
}

func TestStudentLevelReturnsDerivedRow(t *testing.T) {
	reader := &fakeReader{lvl: level.StudentLevel{
		Level:                  3,
		CurrentExperience:      40,
		ExperienceForNextLevel: 120,
		CumulativeExperience:   420,
		DerivedAt:              fixedTime(),
	}}

	h := NewGetStudentLevelHandler(reader, nil)
	dto, err := h.Handle(context.Background(), GetStudentLevelQuery{StudentID: "s1", Scope: classScope})
	require.NoError(t, err)

	assert.Equal(t, 3, dto.Level)
	assert.Equal(t, int64(420), dto.CumulativeExperience)
}

// ─────────────────────────────────────────────────────────────────────────────
// ACHIEVEMENTS
// ─────────────────────────────────────────────────────────────────────────────

func TestAchievementsCountsUnlocked(t *testing.T) {
	reader := &fakeReader{achievements: []achievement.Progress{
		{DefinitionID: "first-steps", Progress: 1, Target: 1, Unlocked: true, UnlockedAt: fixedTime()},
		{DefinitionID: "marathon", Progress: 3, Target: 10},
	}}

	h := NewGetStudentAchievementsHandler(reader)
	result, err := h.Handle(context.Background(), GetStudentAchievementsQuery{StudentID: "s1"})
	require.NoError(t, err)

	assert.Len(t, result.Achievements, 2)
	assert.Equal(t, 1, result.UnlockedCount)
	require.NotNil(t, result.Achievements[0].UnlockedAt)
	assert.Nil(t, result.Achievements[1].UnlockedAt)
}

func TestAchievementsUnlockedOnly(t *testing.T) {
	reader := &fakeReader{achievements: []achievement.Progress{
		{DefinitionID: "first-steps", Progress: 1, Target: 1, Unlocked: true, UnlockedAt: fixedTime()},
		{DefinitionID: "marathon", Progress: 3, Target: 10},
	}}

	h := NewGetStudentAchievementsHandler(reader)
	result, err := h.Handle(context.Background(), GetStudentAchievementsQuery{StudentID: "s1", UnlockedOnly: true})
	require.NoError(t, err)

	assert.Len(t, result.Achievements, 1)
}

// ─────────────────────────────────────────────────────────────────────────────
// LEADERBOARD
// ─────────────────────────────────────────────────────────────────────────────

func buildSnapshot(t *testing.T) *leaderboard.Snapshot {
	t.Helper()

	keys := aggregate.NewKeySet(nil)
	periodKey := keys.PeriodKeyAt(aggregate.PeriodWeek, fixedTime().UTC())

	prev := leaderboard.NewSnapshot("prev", classScope, aggregate.PeriodWeek, periodKey,
		[]leaderboard.Standing{
			{StudentID: "s1", Total: 100},
			{StudentID: "s2", Total: 80},
		}, nil, fixedTime().Add(-time.Hour))

	return leaderboard.NewSnapshot("cur", classScope, aggregate.PeriodWeek, periodKey,
		[]leaderboard.Standing{
			{StudentID: "s2", Total: 150},
			{StudentID: "s1", Total: 120},
			{StudentID: "s3", Total: 50},
		}, prev, fixedTime())
}

func TestLeaderboardMapsRankDeltas(t *testing.T) {
	h := NewGetLeaderboardHandler(&fakeSnapshots{snapshot: buildSnapshot(t)}, aggregate.NewKeySet(nil), nil)
	h.now = fixedTime

	result, err := h.Handle(context.Background(), GetLeaderboardQuery{
		ScopeKind: "CLASS", ScopeID: "class-a", PeriodType: "WEEK",
	})
	require.NoError(t, err)

	require.Len(t, result.Entries, 3)
	assert.Equal(t, 3, result.TotalCount)

	top := result.Entries[0]
	assert.Equal(t, "s2", top.StudentID)
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, 1, top.RankDelta)
	assert.Equal(t, "up", top.RankDirection)

	second := result.Entries[1]
	assert.Equal(t, "s1", second.StudentID)
	assert.Equal(t, -1, second.RankDelta)
	assert.Equal(t, "down", second.RankDirection)

	newcomer := result.Entries[2]
	assert.Equal(t, "s3", newcomer.StudentID)
	assert.Nil(t, newcomer.PreviousRank)
	assert.Equal(t, "new", newcomer.RankDirection)
}

func TestLeaderboardEmptyWhenNoSnapshot(t *testing.T) {
	h := NewGetLeaderboardHandler(&fakeSnapshots{}, aggregate.NewKeySet(nil), nil)
	h.now = fixedTime

	result, err := h.Handle(context.Background(), GetLeaderboardQuery{
		ScopeKind: "CLASS", ScopeID: "class-a", PeriodType: "DAY",
	})
	require.NoError(t, err)

	assert.Empty(t, result.Entries)
	assert.Zero(t, result.TotalCount)
	assert.False(t, result.HasMore)
}

func TestLeaderboardPagination(t *testing.T) {
	h := NewGetLeaderboardHandler(&fakeSnapshots{snapshot: buildSnapshot(t)}, aggregate.NewKeySet(nil), nil)
	h.now = fixedTime

	result, err := h.Handle(context.Background(), GetLeaderboardQuery{
		ScopeKind: "CLASS", ScopeID: "class-a", PeriodType: "WEEK",
		Page: 1, PageSize: 2,
	})
	require.NoError(t, err)

	assert.Len(t, result.Entries, 2)
	assert.True(t, result.HasMore)

	result, err = h.Handle(context.Background(), GetLeaderboardQuery{
		ScopeKind: "CLASS", ScopeID: "class-a", PeriodType: "WEEK",
		Page: 2, PageSize: 2,
	})
	require.NoError(t, err)

	require.Len(t, result.Entries, 1)
	assert.Equal(t, "s3", result.Entries[0].StudentID)
	assert.False(t, result.HasMore)
}

func TestLeaderboardServedFromCache(t *testing.T) {
	snapshots := &fakeSnapshots{snapshot: buildSnapshot(t)}
	cache := newFakeCache()

	h := NewGetLeaderboardHandler(snapshots, aggregate.NewKeySet(nil), cache)
	h.now = fixedTime

	q := GetLeaderboardQuery{ScopeKind: "CLASS", ScopeID: "class-a", PeriodType: "WEEK"}

	_, err := h.Handle(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	// Снапшот "исчез", но страница всё ещё отдаётся из кеша.
	snapshots.snapshot = nil
	result, err := h.Handle(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, result.Entries, 3)
}

func TestLeaderboardValidation(t *testing.T) {
	h := NewGetLeaderboardHandler(&fakeSnapshots{}, aggregate.NewKeySet(nil), nil)

	_, err := h.Handle(context.Background(), GetLeaderboardQuery{ScopeKind: "BOGUS", ScopeID: "x", PeriodType: "DAY"})
	assert.ErrorIs(t, err, ErrScopeRequired)

	_, err = h.Handle(context.Background(), GetLeaderboardQuery{ScopeKind: "CLASS", ScopeID: "x", PeriodType: "QUARTER"})
	assert.ErrorIs(t, err, ErrPeriodRequired)
}

// ─────────────────────────────────────────────────────────────────────────────
// STUDENT RANK
// ─────────────────────────────────────────────────────────────────────────────

func TestStudentRankFound(t *testing.T) {
	h := NewGetStudentRankHandler(&fakeSnapshots{snapshot: buildSnapshot(t)}, aggregate.NewKeySet(nil))
	h.now = fixedTime

	dto, err := h.Handle(context.Background(), GetStudentRankQuery{
		StudentID: "s1", ScopeKind: "CLASS", ScopeID: "class-a", PeriodType: "WEEK",
	})
	require.NoError(t, err)

	assert.True(t, dto.Ranked)
	require.NotNil(t, dto.Entry)
	assert.Equal(t, 2, dto.Entry.Rank)
}

func TestStudentRankNotRanked(t *testing.T) {
	h := NewGetStudentRankHandler(&fakeSnapshots{snapshot: buildSnapshot(t)}, aggregate.NewKeySet(nil))
	h.now = fixedTime

	dto, err := h.Handle(context.Background(), GetStudentRankQuery{
		StudentID: "stranger", ScopeKind: "CLASS", ScopeID: "class-a", PeriodType: "WEEK",
	})
	require.NoError(t, err)

	assert.False(t, dto.Ranked)
	assert.Nil(t, dto.Entry)
	assert.Equal(t, 3, dto.TotalCount)
}
