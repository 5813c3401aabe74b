package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordSerializesPayload(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	rec, err := NewRecord("rec-1", KindPointsAwarded, "s1", PointsAwardedPayload{
		EventID:   "ev-1",
		StudentID: "s1",
		Amount:    15,
		Source:    "ACTIVITY",
		SourceID:  "act-1",
	}, now)
	require.NoError(t, err)

	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, now, rec.CreatedAt)
	assert.False(t, rec.IsPublished())

	var payload PointsAwardedPayload
	require.NoError(t, json.Unmarshal(rec.Payload, &payload))
	assert.Equal(t, int64(15), payload.Amount)
	assert.Equal(t, "act-1", payload.SourceID)
}

func TestNewRecordRejectsUnknownKind(t *testing.T) {
	_, err := NewRecord("rec-1", Kind("BOGUS"), "s1", nil, time.Now())
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestKindIsValid(t *testing.T) {
	for _, k := range []Kind{KindPointsAwarded, KindAchievementUnlocked, KindLevelUp} {
		assert.True(t, k.IsValid(), string(k))
	}
	assert.False(t, Kind("").IsValid())
	assert.False(t, Kind("points_awarded").IsValid())
}

func TestIsPublished(t *testing.T) {
	at := time.Now().UTC()
	rec := Record{ID: "rec-1", Kind: KindLevelUp, PublishedAt: &at}
	assert.True(t, rec.IsPublished())
}
