// Package handler implements the admin HTTP API handlers.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sports-ingest/internal/identity"
	"sports-ingest/internal/model"
	"sports-ingest/internal/scheduler"
	"sports-ingest/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Runner runs tasks on demand. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, names []string) *model.RunReport
	Tasks() []string
}

// RunHistory lists recorded runs. Both store backends and store.RunLog implement it.
type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]*model.RunReport, error)
	GetRun(ctx context.Context, id string) (*model.RunReport, error)
}

// Schedule reports loop status. *scheduler.Scheduler implements it.
type Schedule interface {
	Status() []scheduler.LoopStatus
}

// Mappings is the identity mapping surface. *identity.Service implements it.
type Mappings interface {
	Ensure(ctx context.Context, key identity.Key, internalID int64) (int64, error)
	Find(ctx context.Context, key identity.Key) (int64, error)
}

// Deps are the collaborators of Handler. Schedule and History may be nil.
type Deps struct {
	// Context bounds asynchronous manual runs; they are cancelled when it ends.
	Context             context.Context
	Runner              Runner
	History             RunHistory
	Schedule            Schedule
	Mappings            Mappings
	ManualRunsPerMinute int
	Logger              *zap.Logger
}

type Handler struct {
	ctx      context.Context
	runner   Runner
	history  RunHistory
	schedule Schedule
	mappings Mappings
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// New creates a Handler. ManualRunsPerMinute < 0 disables the throttle.
func New(d Deps) *Handler {
	if d.Context == nil {
		d.Context = context.Background()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if d.ManualRunsPerMinute > 0 {
		limit = rate.Limit(float64(d.ManualRunsPerMinute) / time.Minute.Seconds())
		burst = d.ManualRunsPerMinute
	}
	return &Handler{
		ctx:      d.Context,
		runner:   d.Runner,
		history:  d.History,
		schedule: d.Schedule,
		mappings: d.Mappings,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   d.Logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// RunRequest selects the tasks of a manual run. Empty runs every task.
type RunRequest struct {
	Tasks []string `json:"tasks"`
}

// MappingRequest is the body of an ensure call.
type MappingRequest struct {
	EntityType string `json:"entity_type"`
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	InternalID int64  `json:"internal_id"`
}

// MappingResponse carries a resolved mapping.
type MappingResponse struct {
	EntityType string `json:"entity_type"`
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	InternalID int64  `json:"internal_id"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// ListTasks returns the registered task names
// @Summary List tasks
// @Description Names of every registered collection task
// @Tags tasks
// @Produce json
// @Success 200 {array} string
// @Router /tasks [get]
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Tasks())
}

// CreateRun starts a manual run
// @Summary Run tasks now
// @Description Run the given tasks (all when empty) outside the schedule. With wait=true the report is returned, otherwise the run proceeds in the background.
// @Tags runs
// @Accept json
// @Produce json
// @Param run body RunRequest false "Tasks to run"
// @Param wait query bool false "Wait for the report"
// @Success 200 {object} model.RunReport
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} errorResponse
// @Failure 429 {object} errorResponse
// @Router /runs [post]
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "manual run limit reached, try again later")
		return
	}

	var req RunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
	}
	var names []string
	if len(req.Tasks) > 0 {
		names = req.Tasks
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		writeJSON(w, http.StatusOK, h.runner.Run(r.Context(), names))
		return
	}

	go func() {
		report := h.runner.Run(h.ctx, names)
		h.logger.Info("api: manual run finished", zap.String("run_id", report.RunID), zap.Strings("failed", report.Failed()))
	}()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":   "Run started",
		"tasks":     names,
		"createdAt": time.Now().UTC(),
	})
}

// ListRuns returns recent runs
// @Summary List runs
// @Description Most recent orchestration runs, newest first
// @Tags runs
// @Produce json
// @Param limit query int false "Maximum number of runs" default(20)
// @Success 200 {array} model.RunReport
// @Failure 500 {object} errorResponse
// @Router /runs [get]
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []*model.RunReport{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.history.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch runs")
		return
	}
	if runs == nil {
		runs = []*model.RunReport{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run
// @Summary Get run
// @Description Report of one orchestration run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} model.RunReport
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /runs/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	// Extract run ID from URL path
	prefix := "/api/v1/runs/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeError(w, http.StatusBadRequest, "Invalid path")
		return
	}
	runID := strings.Trim(r.URL.Path[len(prefix):], "/")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}
	if h.history == nil {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	run, err := h.history.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		h.logger.Error("api: get run", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetSchedule returns the scheduler loops
// @Summary Scheduler status
// @Description State and counters of every scheduler loop
// @Tags schedule
// @Produce json
// @Success 200 {array} scheduler.LoopStatus
// @Router /schedule [get]
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	if h.schedule == nil {
		writeJSON(w, http.StatusOK, []scheduler.LoopStatus{})
		return
	}
	writeJSON(w, http.StatusOK, h.schedule.Status())
}

// EnsureMapping creates or confirms an identity mapping
// @Summary Ensure mapping
// @Description Map a source's external id to an internal id. Re-mapping to a different id is rejected.
// @Tags mappings
// @Accept json
// @Produce json
// @Param mapping body MappingRequest true "Mapping"
// @Success 200 {object} MappingResponse
// @Failure 400 {object} errorResponse
// @Failure 409 {object} MappingResponse
// @Router /mappings [post]
func (h *Handler) EnsureMapping(w http.ResponseWriter, r *http.Request) {
	var req MappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.InternalID <= 0 {
		writeError(w, http.StatusBadRequest, "internal_id must be positive")
		return
	}
	key := identity.Key{EntityType: req.EntityType, Source: req.Source, ExternalID: req.ExternalID}
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.mappings.Ensure(r.Context(), key, req.InternalID)
	resp := MappingResponse{EntityType: key.EntityType, Source: key.Source, ExternalID: key.ExternalID, InternalID: id}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, identity.ErrConflict):
		writeJSON(w, http.StatusConflict, resp)
	default:
		h.logger.Error("api: ensure mapping", zap.String("key", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to ensure mapping")
	}
}

// FindMapping looks a mapping up
// @Summary Find mapping
// @Description Internal id mapped to a source's external id
// @Tags mappings
// @Produce json
// @Param entity_type query string true "player, team or match"
// @Param source query string true "Source name"
// @Param external_id query string true "Source identifier"
// @Success 200 {object} MappingResponse
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /mappings [get]
func (h *Handler) FindMapping(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := identity.Key{EntityType: q.Get("entity_type"), Source: q.Get("source"), ExternalID: q.Get("external_id")}
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.mappings.Find(r.Context(), key)
	if errors.Is(err, identity.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Mapping not found")
		return
	}
	if err != nil {
		h.logger.Error("api: find mapping", zap.String("key", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to find mapping")
		return
	}
	writeJSON(w, http.StatusOK, MappingResponse{EntityType: key.EntityType, Source: key.Source, ExternalID: key.ExternalID, InternalID: id})
}
