package messaging

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduhub/reward-engine/internal/domain/outbox"
)

type fakeSource struct {
	records   []outbox.Record
	published map[string]time.Time
	fetchErr  error
}

func newFakeSource(records ...outbox.Record) *fakeSource {
	return &fakeSource{records: records, published: make(map[string]time.Time)}
}

func (f *fakeSource) FetchUnpublished(_ context.Context, limit int) ([]outbox.Record, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []outbox.Record
	for _, r := range f.records {
		if _, ok := f.published[r.ID]; ok {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) MarkPublished(_ context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		f.published[id] = at
	}
	return nil
}

func record(t *testing.T, id string, kind outbox.Kind) outbox.Record {
	t.Helper()
	rec, err := outbox.NewRecord(id, kind, "student-1", map[string]any{"n": 1}, time.Now())
	require.NoError(t, err)
	return rec
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchDeliversByKind(t *testing.T) {
	source := newFakeSource(
		record(t, "r1", outbox.KindPointsAwarded),
		record(t, "r2", outbox.KindLevelUp),
	)

	d := New(source, discardLogger(), DefaultConfig())

	var points, levels []string
	require.NoError(t, d.Subscribe(outbox.KindPointsAwarded, func(_ context.Context, r outbox.Record) error {
		points = append(points, r.ID)
		return nil
	}))
	require.NoError(t, d.Subscribe(outbox.KindLevelUp, func(_ context.Context, r outbox.Record) error {
		levels = append(levels, r.ID)
		return nil
	}))

	n, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"r1"}, points)
	assert.Equal(t, []string{"r2"}, levels)
	assert.Len(t, source.published, 2)
}

func TestDispatchRetriesFailedRecords(t *testing.T) {
	source := newFakeSource(
		record(t, "r1", outbox.KindPointsAwarded),
		record(t, "r2", outbox.KindPointsAwarded),
	)

	d := New(source, discardLogger(), DefaultConfig())

	failOnce := true
	require.NoError(t, d.Subscribe(outbox.KindPointsAwarded, func(_ context.Context, r outbox.Record) error {
		if r.ID == "r1" && failOnce {
			failOnce = false
			return assert.AnError
		}
		return nil
	}))

	// First cycle: r1 fails and stays unpublished, r2 goes through.
	n, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, source.published, "r1")
	assert.Contains(t, source.published, "r2")

	// Second cycle picks r1 up again.
	n, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, source.published, "r1")

	assert.Equal(t, int64(2), d.GetMetrics().Delivered(outbox.KindPointsAwarded))
}

func TestDispatchPublishesRecordsWithoutSubscribers(t *testing.T) {
	source := newFakeSource(record(t, "r1", outbox.KindAchievementUnlocked))

	d := New(source, discardLogger(), DefaultConfig())

	n, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, source.published, "r1")
}

func TestSubscribeAllSeesEveryKind(t *testing.T) {
	source := newFakeSource(
		record(t, "r1", outbox.KindPointsAwarded),
		record(t, "r2", outbox.KindAchievementUnlocked),
		record(t, "r3", outbox.KindLevelUp),
	)

	d := New(source, discardLogger(), DefaultConfig())

	var seen []outbox.Kind
	require.NoError(t, d.SubscribeAll(func(_ context.Context, r outbox.Record) error {
		seen = append(seen, r.Kind)
		return nil
	}))

	_, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []outbox.Kind{
		outbox.KindPointsAwarded, outbox.KindAchievementUnlocked, outbox.KindLevelUp,
	}, seen)
}

func TestSubscribeValidation(t *testing.T) {
	d := New(newFakeSource(), discardLogger(), DefaultConfig())

	assert.ErrorIs(t, d.Subscribe(outbox.KindPointsAwarded, nil), ErrNilHandler)
	assert.ErrorIs(t, d.Subscribe(outbox.Kind("BOGUS"), func(_ context.Context, _ outbox.Record) error {
		return nil
	}), outbox.ErrInvalidKind)

	d.Close()
	assert.ErrorIs(t, d.Subscribe(outbox.KindPointsAwarded, func(_ context.Context, _ outbox.Record) error {
		return nil
	}), ErrDispatcherClosed)
}

func TestDispatchEmptyOutboxIsNoOp(t *testing.T) {
	d := New(newFakeSource(), discardLogger(), DefaultConfig())

	n, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
