package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/eduhub/reward-engine/internal/application/query"
	"github.com/eduhub/reward-engine/internal/domain/reward"
	"github.com/eduhub/reward-engine/internal/infrastructure/scheduler"
	"github.com/eduhub/reward-engine/internal/worker"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot returns basic service information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not_found", "Resource not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "reward-engine",
		"version": "1.0.0",
		"status":  "running",
	})
}

// handleHealth returns the overall health of the service and its dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := make(map[string]string)
	healthy := true

	if s.deps.Database != nil {
		if err := s.deps.Database.Ping(ctx); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			checks["database"] = "healthy"
		}
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Ping(ctx); err != nil {
			// Cache is optional: reads degrade to the database.
			checks["cache"] = "unhealthy: " + err.Error()
		} else {
			checks["cache"] = "healthy"
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	writeJSON(w, status, map[string]any{
		"status":    overall,
		"checks":    checks,
		"uptime":    s.Uptime().String(),
		"timestamp": time.Now().UTC(),
	})
}

// handleReady reports readiness for traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Database != nil {
		if err := s.deps.Database.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "Database is not reachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive reports process liveness.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// DASHBOARD READ HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetLeaderboard returns a page of the latest leaderboard snapshot.
//
// GET /api/v1/leaderboard?scope_kind=CLASS&scope_id=...&period_type=WEEK&page=1&page_size=20
func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := query.GetLeaderboardQuery{
		ScopeKind:  r.URL.Query().Get("scope_kind"),
		ScopeID:    r.URL.Query().Get("scope_id"),
		PeriodType: r.URL.Query().Get("period_type"),
		Page:       queryInt(r, "page"),
		PageSize:   queryInt(r, "page_size"),
	}

	result, err := s.deps.GetLeaderboardHandler.Handle(r.Context(), q)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleGetPointsSummary returns current-period point totals for a student.
//
// GET /api/v1/students/{id}/summary?scope_kind=CLASS&scope_id=...
func (s *Server) handleGetPointsSummary(w http.ResponseWriter, r *http.Request) {
	q := query.GetPointsSummaryQuery{
		StudentID: r.PathValue("id"),
		Scope: reward.ScopeRef{
			Kind: reward.ScopeKind(r.URL.Query().Get("scope_kind")),
			ID:   r.URL.Query().Get("scope_id"),
		},
	}

	result, err := s.deps.GetPointsSummary.Handle(r.Context(), q)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleGetStudentLevel returns the derived level of a student in a scope.
//
// GET /api/v1/students/{id}/level?scope_kind=CLASS&scope_id=...
func (s *Server) handleGetStudentLevel(w http.ResponseWriter, r *http.Request) {
	q := query.GetStudentLevelQuery{
		StudentID: r.PathValue("id"),
		Scope: reward.ScopeRef{
			Kind: reward.ScopeKind(r.URL.Query().Get("scope_kind")),
			ID:   r.URL.Query().Get("scope_id"),
		},
	}

	result, err := s.deps.GetStudentLevel.Handle(r.Context(), q)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleGetAchievements returns achievement progress for a student.
//
// GET /api/v1/students/{id}/achievements?unlocked_only=true
func (s *Server) handleGetAchievements(w http.ResponseWriter, r *http.Request) {
	q := query.GetStudentAchievementsQuery{
		StudentID:    r.PathValue("id"),
		UnlockedOnly: r.URL.Query().Get("unlocked_only") == "true",
	}

	result, err := s.deps.GetStudentAchievements.Handle(r.Context(), q)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleGetStudentRank returns the position of one student in a leaderboard.
//
// GET /api/v1/students/{id}/rank?scope_kind=CLASS&scope_id=...&period_type=WEEK
func (s *Server) handleGetStudentRank(w http.ResponseWriter, r *http.Request) {
	q := query.GetStudentRankQuery{
		StudentID:  r.PathValue("id"),
		ScopeKind:  r.URL.Query().Get("scope_kind"),
		ScopeID:    r.URL.Query().Get("scope_id"),
		PeriodType: r.URL.Query().Get("period_type"),
	}

	result, err := s.deps.GetStudentRankHandler.Handle(r.Context(), q)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// adjustmentRequest is the payload of POST /api/v1/admin/adjustments.
type adjustmentRequest struct {
	StudentID string `json:"student_id"`
	Amount    int64  `json:"amount"`
	SourceID  string `json:"source_id"`
	Reason    string `json:"reason"`

	// Scopes the adjustment applies to, so the corrected totals land in
	// the same aggregates as the original award.
	Scopes scopeSetDTO `json:"scopes"`

	// Corrective marks the event as a correction of an earlier award.
	// Corrective events bypass deduplication.
	Corrective bool `json:"corrective"`
}

type scopeSetDTO struct {
	ClassID   string `json:"class_id,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
	CourseID  string `json:"course_id,omitempty"`
	CampusID  string `json:"campus_id,omitempty"`
}

// adjustmentResponse confirms a recorded adjustment.
type adjustmentResponse struct {
	EventID   string    `json:"event_id"`
	StudentID string    `json:"student_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// handlePostAdjustment records a manual point adjustment through the same
// transactional pipeline the worker uses, so aggregates, levels and the
// outbox stay consistent with the event log.
func (s *Server) handlePostAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be valid JSON")
		return
	}

	event := reward.PointEvent{
		ID:        uuid.NewString(),
		StudentID: req.StudentID,
		Amount:    req.Amount,
		Source:    reward.SourceManualAdjustment,
		SourceID:  req.SourceID,
		Scopes: reward.ScopeSet{
			ClassID:   req.Scopes.ClassID,
			SubjectID: req.Scopes.SubjectID,
			CourseID:  req.Scopes.CourseID,
			CampusID:  req.Scopes.CampusID,
		},
		Corrective: req.Corrective,
		CreatedAt:  time.Now().UTC(),
	}

	if err := event.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_adjustment", err.Error())
		return
	}

	err := s.deps.WorkerStore.InTx(r.Context(), func(ctx context.Context, tx worker.Tx) error {
		return s.deps.Pipeline.ApplyAdjustment(ctx, tx, &event)
	})
	if err != nil {
		if errors.Is(err, reward.ErrDuplicateEvent) {
			writeError(w, http.StatusConflict, "duplicate_adjustment", "An adjustment with this source_id was already recorded for the student")
			return
		}
		s.logger.Error("adjustment failed",
			"student_id", req.StudentID,
			"error", err,
			"request_id", getRequestID(r.Context()),
		)
		writeError(w, http.StatusInternalServerError, "adjustment_failed", "Failed to record adjustment")
		return
	}

	s.logger.Info("manual adjustment recorded",
		"event_id", event.ID,
		"student_id", event.StudentID,
		"amount", event.Amount,
		"reason", req.Reason,
	)

	writeJSON(w, http.StatusCreated, adjustmentResponse{
		EventID:   event.ID,
		StudentID: event.StudentID,
		Amount:    event.Amount,
		CreatedAt: event.CreatedAt,
	})
}

// deadUnitDTO is the operator view of a DEAD work unit.
type deadUnitDTO struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	Source    string    `json:"source"`
	SourceID  string    `json:"source_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// handleListDeadUnits returns work units that exhausted their retries.
//
// GET /api/v1/admin/units/dead?limit=50
func (s *Server) handleListDeadUnits(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	units, err := s.deps.WorkerStore.ListDead(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing dead units failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list dead units")
		return
	}

	dtos := make([]deadUnitDTO, 0, len(units))
	for _, u := range units {
		dtos = append(dtos, deadUnitDTO{
			ID:        u.ID,
			StudentID: u.Completion.StudentID,
			Source:    string(u.Completion.Source),
			SourceID:  u.Completion.SourceID,
			Attempts:  u.Attempts,
			LastError: u.LastError,
			CreatedAt: u.CreatedAt,
			UpdatedAt: u.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"units": dtos,
		"count": len(dtos),
	})
}

// handleRequeueUnit returns a DEAD unit to PENDING for another attempt.
//
// POST /api/v1/admin/units/{id}/requeue
func (s *Server) handleRequeueUnit(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("id")

	if err := s.deps.WorkerStore.RequeueDead(r.Context(), unitID); err != nil {
		if errors.Is(err, worker.ErrUnitNotFound) {
			writeError(w, http.StatusNotFound, "unit_not_found", "No dead unit with this id")
			return
		}
		s.logger.Error("requeue failed", "unit_id", unitID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to requeue unit")
		return
	}

	s.logger.Info("dead unit requeued", "unit_id", unitID)
	writeJSON(w, http.StatusOK, map[string]string{"unit_id": unitID, "status": "PENDING"})
}

// jobInfoDTO is the operator view of a scheduled job.
type jobInfoDTO struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Enabled     bool      `json:"enabled"`
	Schedule    string    `json:"schedule"`
	LastRun     time.Time `json:"last_run"`
	NextRun     time.Time `json:"next_run"`
	RunCount    int64     `json:"run_count"`
	FailCount   int64     `json:"fail_count"`
}

// handleListJobs returns all registered scheduled jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "no_scheduler", "This instance does not run scheduled jobs")
		return
	}

	infos := s.deps.Scheduler.ListJobs()
	dtos := make([]jobInfoDTO, 0, len(infos))
	for _, info := range infos {
		dtos = append(dtos, jobInfoDTO{
			Name:        info.Name,
			Description: info.Description,
			Enabled:     info.Enabled,
			Schedule:    info.Schedule,
			LastRun:     info.LastRun,
			NextRun:     info.NextRun,
			RunCount:    info.RunCount,
			FailCount:   info.FailCount,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": dtos})
}

// handleRunJob triggers a scheduled job immediately.
//
// POST /api/v1/admin/jobs/{name}/run
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "no_scheduler", "This instance does not run scheduled jobs")
		return
	}

	name := r.PathValue("name")

	result, err := s.deps.Scheduler.RunNow(r.Context(), name)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job_not_found", "No job with this name")
		return
	}
	// A failing job still yields a result; the caller sees the error inline.
	if result == nil {
		s.logger.Error("manual job run failed", "job", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to run job")
		return
	}

	response := map[string]any{
		"job":         result.JobName,
		"success":     result.Success,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		response["error"] = result.Error.Error()
	}

	writeJSON(w, http.StatusOK, response)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// writeQueryError maps query-layer errors to HTTP responses.
func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, query.ErrStudentRequired):
		writeError(w, http.StatusBadRequest, "student_required", "Student id is required")
	case errors.Is(err, query.ErrScopeRequired):
		writeError(w, http.StatusBadRequest, "scope_required", "Valid scope_kind and scope_id are required")
	case errors.Is(err, query.ErrPeriodRequired):
		writeError(w, http.StatusBadRequest, "period_required", "Valid period_type is required")
	default:
		s.logger.Error("query failed",
			"path", r.URL.Path,
			"error", err,
			"request_id", getRequestID(r.Context()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to execute query")
	}
}

// queryInt parses an integer query parameter, returning 0 when absent or invalid.
func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
