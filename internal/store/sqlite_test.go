package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sports-ingest/internal/identity"
	"sports-ingest/internal/model"
	"sports-ingest/internal/persist"
)

// setupTestDB opens a fresh database in a temp dir.
func setupTestDB(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingest.db")
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLite_UpsertPlayersAssignsAndReusesIDs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	written, err := db.UpsertPlayers(ctx, []model.Record{
		{"source": "fbref", "external_id": "p1", "name": "Saka", "goals": 12},
		{"source": "fbref", "external_id": "p2", "name": "Odegaard"},
	}, model.OnConflictUpdate)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(written) != 2 || written[0].InternalID == 0 || written[0].InternalID == written[1].InternalID {
		t.Fatalf("unexpected ids: %+v", written)
	}

	id := written[0].InternalID
	again, err := db.UpsertPlayers(ctx, []model.Record{
		{"source": "fbref", "external_id": "p1", "internal_id": id, "name": "Bukayo Saka"},
	}, model.OnConflictUpdate)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again[0].InternalID != id {
		t.Fatalf("upsert with internal id must keep it: got %d want %d", again[0].InternalID, id)
	}

	var name string
	if err := db.db.QueryRow(`SELECT name FROM players WHERE id = ?`, id).Scan(&name); err != nil {
		t.Fatalf("query: %v", err)
	}
	if name != "Bukayo Saka" {
		t.Fatalf("update directive should overwrite name, got %q", name)
	}
}

func TestSQLite_IgnoreLeavesExistingRow(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	written, err := db.UpsertTeams(ctx, []model.Record{{"source": "espn", "external_id": "t1", "name": "Arsenal"}}, model.OnConflictIgnore)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id := written[0].InternalID
	if _, err := db.UpsertTeams(ctx, []model.Record{{"source": "espn", "internal_id": id, "name": "Renamed"}}, model.OnConflictIgnore); err != nil {
		t.Fatalf("ignore upsert: %v", err)
	}
	var name string
	if err := db.db.QueryRow(`SELECT name FROM teams WHERE id = ?`, id).Scan(&name); err != nil {
		t.Fatalf("query: %v", err)
	}
	if name != "Arsenal" {
		t.Fatalf("ignore directive changed the row: %q", name)
	}
}

func TestSQLite_GenericRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	n, err := db.UpsertGeneric(ctx, "odds", []model.Record{{"market": "1x2", "home": 2.1, "count": 3}})
	if err != nil || n != 1 {
		t.Fatalf("generic upsert = (%d, %v)", n, err)
	}
	recs, err := db.RawRecords(ctx, "odds")
	if err != nil {
		t.Fatalf("raw records: %v", err)
	}
	if len(recs) != 1 || recs[0].String("market") != "1x2" {
		t.Fatalf("unexpected records: %v", recs)
	}
	if c, ok := recs[0].Int64("count"); !ok || c != 3 {
		t.Fatalf("count = %v, %v", c, ok)
	}
}

func TestSQLite_IdentityStoreWithService(t *testing.T) {
	db := setupTestDB(t)
	svc := identity.NewService(db, nil)
	ctx := context.Background()
	key := identity.Key{EntityType: "player", Source: "fbref", ExternalID: "p1"}

	if _, err := svc.Ensure(ctx, key, 10); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := svc.Ensure(ctx, key, 10); err != nil {
		t.Fatalf("repeat ensure: %v", err)
	}
	if _, err := svc.Ensure(ctx, key, 11); !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if id, err := svc.Find(ctx, key); err != nil || id != 10 {
		t.Fatalf("find = (%d, %v)", id, err)
	}
}

func TestSQLite_ConcurrentEnsureSingleCreation(t *testing.T) {
	db := setupTestDB(t)
	svc := identity.NewService(db, nil)
	key := identity.Key{EntityType: "match", Source: "opta", ExternalID: "m1"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := svc.Ensure(context.Background(), key, id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, identity.ErrConflict) {
				conflicts++
			} else {
				t.Errorf("ensure: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()
	if ok != 1 || conflicts != 7 {
		t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
	}
}

func TestSQLite_RunHistory(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-1", "run-2"} {
		report := &model.RunReport{
			RunID:      id,
			StartedAt:  start.Add(time.Duration(i) * time.Minute),
			FinishedAt: start.Add(time.Duration(i)*time.Minute + time.Second),
			Outcomes: map[string]model.JobOutcome{
				"a": model.Success("a", 3, 3, 250*time.Millisecond),
				"b": model.Failure("b", errors.New("boom"), time.Second),
			},
			Unknown: []string{"ghost"},
		}
		if err := db.SaveRun(ctx, report); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	runs, err := db.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-2" {
		t.Fatalf("expected newest first, got %+v", runs)
	}

	got, err := db.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Outcomes["b"].Error != "boom" || got.Outcomes["a"].Items != 3 || got.Outcomes["a"].Duration != 250*time.Millisecond {
		t.Fatalf("outcomes mismatch: %+v", got.Outcomes)
	}
	if len(got.Unknown) != 1 || got.Unknown[0] != "ghost" {
		t.Fatalf("unknown mismatch: %v", got.Unknown)
	}

	if _, err := db.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSQLite_ClosedReportsUnavailable(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := db.UpsertGeneric(context.Background(), "t", []model.Record{{"a": 1}})
	if !errors.Is(err, persist.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRunLog_KeepsNewest(t *testing.T) {
	l := NewRunLog(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = l.SaveRun(ctx, &model.RunReport{RunID: id})
	}
	runs, _ := l.ListRuns(ctx, 0)
	if len(runs) != 2 || runs[0].RunID != "c" || runs[1].RunID != "b" {
		t.Fatalf("unexpected runs: %v", runs)
	}
	if _, err := l.GetRun(ctx, "a"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("evicted run should be gone, got %v", err)
	}
}

func TestSQLite_DuplicateExternalIDsInOneBatchShareARow(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ids := identity.NewService(db, nil)
	r := persist.NewRouter(map[string]model.RoutingEntry{"fb": {Strategy: model.StrategyPlayers}}, db, ids, nil)

	res, err := r.Persist(ctx, "fb", []model.Record{
		{"external_id": "p1", "name": "X"},
		{"external_id": "p1", "name": "X v2"},
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if res.Persisted != 1 || res.Conflicts != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	var rows int
	var name string
	if err := db.db.QueryRow(`SELECT COUNT(*), MAX(name) FROM players WHERE external_id = 'p1'`).Scan(&rows, &name); err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows != 1 || name != "X v2" {
		t.Fatalf("player rows for p1 = %d (name %q), want 1 row named X v2", rows, name)
	}
}
