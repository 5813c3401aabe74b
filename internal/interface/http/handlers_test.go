package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduhub/reward-engine/internal/application/query"
	"github.com/eduhub/reward-engine/internal/domain/achievement"
	"github.com/eduhub/reward-engine/internal/domain/aggregate"
	"github.com/eduhub/reward-engine/internal/domain/leaderboard"
	"github.com/eduhub/reward-engine/internal/domain/level"
	"github.com/eduhub/reward-engine/internal/domain/outbox"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/internal/infrastructure/scheduler"
	"github.com/eduhub/reward-engine/internal/worker"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakePinger struct{ err error }

func (p *fakePinger) Ping(ctx context.Context) error { return p.err }

type fakeAggReader struct {
	totals []aggregate.Aggregate
	lvlErr error
}

func (r *fakeAggReader) GetTotals(ctx context.Context, studentID string, scope reward.ScopeRef) ([]aggregate.Aggregate, error) {
	return r.totals, nil
}

func (r *fakeAggReader) GetStudentLevel(ctx context.Context, studentID string, scope reward.ScopeRef) (level.StudentLevel, error) {
	if r.lvlErr != nil {
		return level.StudentLevel{}, r.lvlErr
	}
	return level.StudentLevel{Level: 3, CumulativeExperience: 500}, nil
}

func (r *fakeAggReader) GetAchievements(ctx context.Context, studentID string, unlockedOnly bool) ([]achievement.Progress, error) {
	return nil, nil
}

type fakeSnapshots struct{ snapshot *leaderboard.Snapshot }

func (f *fakeSnapshots) GetLatest(ctx context.Context, scope reward.ScopeRef, periodType aggregate.PeriodType, periodKey string) (*leaderboard.Snapshot, error) {
	if f.snapshot == nil {
		return nil, leaderboard.ErrSnapshotNotFound
	}
	return f.snapshot, nil
}

// fakeTx is a minimal worker.Tx for driving ApplyAdjustment through a handler.
type fakeTx struct {
	events     map[reward.DedupKey]bool
	increments []int64
	outbox     []outbox.Record
}

func newFakeTx() *fakeTx {
	return &fakeTx{events: make(map[reward.DedupKey]bool)}
}

func (t *fakeTx) InsertEventOnce(ctx context.Context, event *reward.PointEvent) (bool, error) {
	if !event.Corrective && t.events[event.DedupKey()] {
		return false, nil
	}
	t.events[event.DedupKey()] = true
	return true, nil
}

func (t *fakeTx) AddToAggregates(ctx context.Context, keys []aggregate.Key, amount int64, at time.Time) error {
	t.increments = append(t.increments, amount)
	return nil
}

func (t *fakeTx) AggregateTotal(ctx context.Context, key aggregate.Key) (int64, error) {
	return 0, nil
}

func (t *fakeTx) StudentLevel(ctx context.Context, studentID string, scope reward.ScopeRef) (level.StudentLevel, bool, error) {
	return level.StudentLevel{}, false, nil
}

func (t *fakeTx) SaveStudentLevel(ctx context.Context, studentID string, scope reward.ScopeRef, lvl level.StudentLevel) error {
	return nil
}

func (t *fakeTx) AchievementProgress(ctx context.Context, studentID string) (map[string]achievement.Progress, error) {
	return nil, nil
}

func (t *fakeTx) SaveAchievementProgress(ctx context.Context, rows []achievement.Progress) error {
	return nil
}

func (t *fakeTx) AppendOutbox(ctx context.Context, rec outbox.Record) error {
	t.outbox = append(t.outbox, rec)
	return nil
}

func (t *fakeTx) MarkUnitDone(ctx context.Context, unitID string, at time.Time) error {
	return nil
}

type fakeWorkerStore struct {
	tx   *fakeTx
	dead map[string]*worker.Unit
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{tx: newFakeTx(), dead: make(map[string]*worker.Unit)}
}

func (s *fakeWorkerStore) DiscoverUnits(ctx context.Context, limit int) (int, error) { return 0, nil }

func (s *fakeWorkerStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*worker.Unit, error) {
	return nil, nil
}

func (s *fakeWorkerStore) InTx(ctx context.Context, fn func(ctx context.Context, tx worker.Tx) error) error {
	return fn(ctx, s.tx)
}

func (s *fakeWorkerStore) ReleaseFailure(ctx context.Context, unit *worker.Unit) error { return nil }

func (s *fakeWorkerStore) ListDead(ctx context.Context, limit int) ([]*worker.Unit, error) {
	units := make([]*worker.Unit, 0, len(s.dead))
	for _, u := range s.dead {
		units = append(units, u)
	}
	return units, nil
}

func (s *fakeWorkerStore) RequeueDead(ctx context.Context, unitID string) error {
	if _, ok := s.dead[unitID]; !ok {
		return worker.ErrUnitNotFound
	}
	delete(s.dead, unitID)
	return nil
}

type noopJob struct{ runs int }

func (j *noopJob) Name() string                  { return "noop" }
func (j *noopJob) Description() string           { return "does nothing" }
func (j *noopJob) Run(ctx context.Context) error { j.runs++; return nil }

// ─────────────────────────────────────────────────────────────────────────────
// Fixtures
// ─────────────────────────────────────────────────────────────────────────────

const testAPIKey = "test-key"

func testSnapshot(t *testing.T) *leaderboard.Snapshot {
	t.Helper()

	scope := reward.ScopeRef{Kind: reward.ScopeClass, ID: "class-a"}
	keys := aggregate.NewKeySet(nil)
	periodKey := keys.PeriodKeyAt(aggregate.PeriodWeek, time.Now().UTC())

	return leaderboard.NewSnapshot("snap-1", scope, aggregate.PeriodWeek, periodKey,
		[]leaderboard.Standing{
			{StudentID: "s1", Total: 150},
			{StudentID: "s2", Total: 120},
			{StudentID: "s3", Total: 90},
		}, nil, time.Now().UTC())
}

func newTestServer(t *testing.T, store *fakeWorkerStore, snapshots *fakeSnapshots) *Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := aggregate.NewKeySet(nil)
	reader := &fakeAggReader{}

	engine, err := achievement.NewEngine(nil)
	require.NoError(t, err)

	pipeline := worker.NewPipeline(
		reward.NewPointsEngine(reward.DefaultPointsTable()),
		keys,
		level.MustEngine(level.DefaultCurve()),
		engine,
		logger,
	)

	sched := scheduler.New(scheduler.Config{Logger: logger})
	require.NoError(t, sched.Register(&noopJob{}, scheduler.NewIntervalSchedule(time.Hour)))

	config := DefaultConfig()
	config.RateLimitPerMinute = 0
	config.APIKeys = []string{testAPIKey}

	return NewServer(config, Dependencies{
		GetLeaderboardHandler:  query.NewGetLeaderboardHandler(snapshots, keys, nil),
		GetStudentRankHandler:  query.NewGetStudentRankHandler(snapshots, keys),
		GetPointsSummary:       query.NewGetPointsSummaryHandler(reader, keys, nil),
		GetStudentLevel:        query.NewGetStudentLevelHandler(reader, nil),
		GetStudentAchievements: query.NewGetStudentAchievementsHandler(reader),
		WorkerStore:            store,
		Pipeline:               pipeline,
		Scheduler:              sched,
		Database:               &fakePinger{},
		Cache:                  &fakePinger{},
		Logger:                 logger,
	})
}

func doRequest(srv *Server, method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.True(t, envelope.Success)
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

// ─────────────────────────────────────────────────────────────────────────────
// Health & status
// ─────────────────────────────────────────────────────────────────────────────

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})

	rec := doRequest(srv, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var data map[string]any
	decodeData(t, rec, &data)
	assert.Equal(t, "healthy", data["status"])
}

func TestHealthReportsDatabaseFailure(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})
	srv.deps.Database = &fakePinger{err: errors.New("connection refused")}

	rec := doRequest(srv, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCacheFailureDoesNotFailHealth(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})
	srv.deps.Cache = &fakePinger{err: errors.New("redis down")}

	rec := doRequest(srv, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})

	rec := doRequest(srv, http.MethodGet, "/live", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

// ─────────────────────────────────────────────────────────────────────────────
// Dashboard reads
// ─────────────────────────────────────────────────────────────────────────────

func TestLeaderboardEndpoint(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{snapshot: testSnapshot(t)})

	rec := doRequest(srv, http.MethodGet,
		"/api/v1/leaderboard?scope_kind=CLASS&scope_id=class-a&period_type=WEEK", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result query.GetLeaderboardResult
	decodeData(t, rec, &result)
	require.Len(t, result.Entries, 3)
	assert.Equal(t, 1, result.Entries[0].Rank)
	assert.Equal(t, "s1", result.Entries[0].StudentID)
	assert.Equal(t, 3, result.TotalCount)
}

func TestLeaderboardRejectsBadScope(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})

	rec := doRequest(srv, http.MethodGet,
		"/api/v1/leaderboard?scope_kind=BOGUS&scope_id=x&period_type=WEEK", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeaderboardEmptyWithoutSnapshot(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})

	rec := doRequest(srv, http.MethodGet,
		"/api/v1/leaderboard?scope_kind=CLASS&scope_id=class-a&period_type=DAY", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result query.GetLeaderboardResult
	decodeData(t, rec, &result)
	assert.Empty(t, result.Entries)
}

func TestStudentRankEndpoint(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{snapshot: testSnapshot(t)})

	rec := doRequest(srv, http.MethodGet,
		"/api/v1/students/s2/rank?scope_kind=CLASS&scope_id=class-a&period_type=WEEK", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var dto query.StudentRankDTO
	decodeData(t, rec, &dto)
	require.True(t, dto.Ranked)
	assert.Equal(t, 2, dto.Entry.Rank)
}

func TestStudentLevelEndpoint(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})

	rec := doRequest(srv, http.MethodGet,
		"/api/v1/students/s1/level?scope_kind=CLASS&scope_id=class-a", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var dto query.StudentLevelDTO
	decodeData(t, rec, &dto)
	assert.Equal(t, 3, dto.Level)
}

func TestStudentSummaryRequiresScope(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})

	rec := doRequest(srv, http.MethodGet, "/api/v1/students/s1/summary", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ─────────────────────────────────────────────────────────────────────────────
// Admin surface
// ─────────────────────────────────────────────────────────────────────────────

func TestAdminEndpointsRequireAPIKey(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})

	rec := doRequest(srv, http.MethodGet, "/api/v1/admin/units/dead", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/api/v1/admin/units/dead", nil, "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/api/v1/admin/units/dead", nil, testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdjustmentEndpoint(t *testing.T) {
	store := newFakeWorkerStore()
	srv := newTestServer(t, store, &fakeSnapshots{})

	body := adjustmentRequest{
		StudentID: "s1",
		Amount:    -25,
		SourceID:  "correction-7",
		Reason:    "double-counted quiz",
		Scopes:    scopeSetDTO{ClassID: "class-a", CampusID: "main"},
	}

	rec := doRequest(srv, http.MethodPost, "/api/v1/admin/adjustments", body, testAPIKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp adjustmentResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "s1", resp.StudentID)
	assert.Equal(t, int64(-25), resp.Amount)
	assert.NotEmpty(t, resp.EventID)

	require.Len(t, store.tx.increments, 1)
	assert.Equal(t, int64(-25), store.tx.increments[0])
}

func TestDuplicateAdjustmentConflicts(t *testing.T) {
	store := newFakeWorkerStore()
	srv := newTestServer(t, store, &fakeSnapshots{})

	body := adjustmentRequest{
		StudentID: "s1",
		Amount:    10,
		SourceID:  "bonus-1",
		Scopes:    scopeSetDTO{ClassID: "class-a"},
	}

	rec := doRequest(srv, http.MethodPost, "/api/v1/admin/adjustments", body, testAPIKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/v1/admin/adjustments", body, testAPIKey)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdjustmentRejectsInvalidEvent(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})

	// Missing source_id fails domain validation.
	body := adjustmentRequest{StudentID: "s1", Amount: 10}
	rec := doRequest(srv, http.MethodPost, "/api/v1/admin/adjustments", body, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadUnitLifecycle(t *testing.T) {
	store := newFakeWorkerStore()
	unit := worker.NewUnit("u1", reward.Completion{
		StudentID: "s1",
		Source:    reward.SourceActivity,
		SourceID:  "act-1",
	}, time.Now().UTC())
	unit.Status = worker.StatusDead
	unit.LastError = "boom"
	store.dead["u1"] = unit

	srv := newTestServer(t, store, &fakeSnapshots{})

	rec := doRequest(srv, http.MethodGet, "/api/v1/admin/units/dead", nil, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Units []deadUnitDTO `json:"units"`
		Count int           `json:"count"`
	}
	decodeData(t, rec, &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "u1", listing.Units[0].ID)
	assert.Equal(t, "boom", listing.Units[0].LastError)

	rec = doRequest(srv, http.MethodPost, "/api/v1/admin/units/u1/requeue", nil, testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/v1/admin/units/u1/requeue", nil, testAPIKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobEndpoints(t *testing.T) {
	srv := newTestServer(t, newFakeWorkerStore(), &fakeSnapshots{})

	rec := doRequest(srv, http.MethodGet, "/api/v1/admin/jobs", nil, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Jobs []jobInfoDTO `json:"jobs"`
	}
	decodeData(t, rec, &listing)
	require.Len(t, listing.Jobs, 1)
	assert.Equal(t, "noop", listing.Jobs[0].Name)

	rec = doRequest(srv, http.MethodPost, "/api/v1/admin/jobs/noop/run", nil, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]any
	decodeData(t, rec, &result)
	assert.Equal(t, true, result["success"])

	rec = doRequest(srv, http.MethodPost, "/api/v1/admin/jobs/missing/run", nil, testAPIKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ─────────────────────────────────────────────────────────────────────────────
// Rate limiting
// ─────────────────────────────────────────────────────────────────────────────

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("1.2.3.4"), fmt.Sprintf("request %d should pass", i+1))
	}
	assert.False(t, rl.Allow("1.2.3.4"))

	// Other clients are unaffected.
	assert.True(t, rl.Allow("5.6.7.8"))
}
