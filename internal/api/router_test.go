package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sports-ingest/internal/api/handler"
	"sports-ingest/internal/identity"
	"sports-ingest/internal/model"
	"sports-ingest/internal/scheduler"
	"sports-ingest/internal/store"
	"sports-ingest/pkg/router"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	log   *store.RunLog
}

func (f *fakeRunner) Run(ctx context.Context, names []string) *model.RunReport {
	f.mu.Lock()
	f.calls = append(f.calls, names)
	f.mu.Unlock()
	r := &model.RunReport{RunID: "run-" + strings.Join(names, "+"), StartedAt: time.Now(), Outcomes: map[string]model.JobOutcome{}}
	for _, n := range names {
		r.Outcomes[n] = model.Success(n, 1, 1, time.Millisecond)
	}
	r.FinishedAt = time.Now()
	_ = f.log.SaveRun(ctx, r)
	return r
}

func (f *fakeRunner) Tasks() []string { return []string{"a", "b"} }

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSchedule struct{}

func (fakeSchedule) Status() []scheduler.LoopStatus {
	return []scheduler.LoopStatus{{Name: "fast", State: scheduler.StateRunning, Cycles: 4}}
}

func newTestAPI(t *testing.T, perMinute int) (*router.Router, *fakeRunner) {
	t.Helper()
	runs := store.NewRunLog(10)
	runner := &fakeRunner{log: runs}
	h := handler.New(handler.Deps{
		Runner:              runner,
		History:             runs,
		Schedule:            fakeSchedule{},
		Mappings:            identity.NewService(identity.NewMemoryStore(), nil),
		ManualRunsPerMinute: perMinute,
	})
	r := router.New(nil)
	RegisterRoutes(r, h)
	return r, runner
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(rec, req)
	return rec
}

func TestAPI_TasksAndSchedule(t *testing.T) {
	r, _ := newTestAPI(t, -1)

	rec := do(r, http.MethodGet, "/api/v1/tasks", "")
	var names []string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil || len(names) != 2 {
		t.Fatalf("tasks = %s (%v)", rec.Body.String(), err)
	}

	rec = do(r, http.MethodGet, "/api/v1/schedule", "")
	var loops []scheduler.LoopStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &loops); err != nil || len(loops) != 1 || loops[0].Cycles != 4 {
		t.Fatalf("schedule = %s (%v)", rec.Body.String(), err)
	}
}

func TestAPI_RunLifecycle(t *testing.T) {
	r, runner := newTestAPI(t, -1)

	rec := do(r, http.MethodPost, "/api/v1/runs?wait=true", `{"tasks":["a"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync run status %d: %s", rec.Code, rec.Body.String())
	}
	var report model.RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil || report.Outcomes["a"].Status != model.StatusSuccess {
		t.Fatalf("report = %s (%v)", rec.Body.String(), err)
	}

	rec = do(r, http.MethodGet, "/api/v1/runs/"+report.RunID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get run status %d", rec.Code)
	}
	if rec = do(r, http.MethodGet, "/api/v1/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing run status %d", rec.Code)
	}

	rec = do(r, http.MethodPost, "/api/v1/runs", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("async run status %d", rec.Code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for runner.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if runner.callCount() != 2 {
		t.Fatalf("async run did not execute")
	}

	rec = do(r, http.MethodGet, "/api/v1/runs?limit=5", "")
	var runs []model.RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil || len(runs) != 2 {
		t.Fatalf("runs = %s (%v)", rec.Body.String(), err)
	}
}

func TestAPI_ManualRunsAreThrottled(t *testing.T) {
	r, _ := newTestAPI(t, 1)
	if rec := do(r, http.MethodPost, "/api/v1/runs?wait=true", ""); rec.Code != http.StatusOK {
		t.Fatalf("first run status %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/api/v1/runs?wait=true", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second run status %d, want 429", rec.Code)
	}
}

func TestAPI_Mappings(t *testing.T) {
	r, _ := newTestAPI(t, -1)

	body := `{"entity_type":"player","source":"fbref","external_id":"p1","internal_id":10}`
	if rec := do(r, http.MethodPost, "/api/v1/mappings", body); rec.Code != http.StatusOK {
		t.Fatalf("ensure status %d: %s", rec.Code, rec.Body.String())
	}
	rec := do(r, http.MethodPost, "/api/v1/mappings", strings.Replace(body, "10", "11", 1))
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflict status %d", rec.Code)
	}
	var resp handler.MappingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.InternalID != 10 {
		t.Fatalf("conflict body = %s", rec.Body.String())
	}

	rec = do(r, http.MethodGet, "/api/v1/mappings?entity_type=player&source=fbref&external_id=p1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"internal_id":10`) {
		t.Fatalf("find = %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(r, http.MethodGet, "/api/v1/mappings?entity_type=player&source=fbref&external_id=p2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing mapping status %d", rec.Code)
	}
	if rec = do(r, http.MethodGet, "/api/v1/mappings?entity_type=player", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete key status %d", rec.Code)
	}
	if rec = do(r, http.MethodPost, "/api/v1/mappings", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status %d", rec.Code)
	}
}

func TestAPI_SwaggerDoc(t *testing.T) {
	r, _ := newTestAPI(t, -1)
	rec := do(r, http.MethodGet, "/swagger/doc.json", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/runs/{id}") {
		t.Fatalf("swagger doc = %d %.80s", rec.Code, rec.Body.String())
	}
}
