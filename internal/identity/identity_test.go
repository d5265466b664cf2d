package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
)

var p1 = Key{EntityType: "player", Source: "fbref", ExternalID: "p1"}

func TestEnsure_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := svc.Ensure(ctx, p1, 10)
		if err != nil {
			t.Fatalf("ensure #%d: %v", i+1, err)
		}
		if got != 10 {
			t.Fatalf("ensure #%d returned %d, want 10", i+1, got)
		}
	}
	if store.Len() != 1 {
		t.Fatalf("expected exactly one stored mapping, got %d", store.Len())
	}
}

func TestEnsure_ConflictLeavesMappingUnchanged(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := svc.Ensure(ctx, p1, 10); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	_, err := svc.Ensure(ctx, p1, 11)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Existing != 10 || ce.Requested != 11 {
		t.Fatalf("conflict details mismatch: %#v", ce)
	}

	got, err := svc.Find(ctx, p1)
	if err != nil || got != 10 {
		t.Fatalf("find after conflict = (%d, %v), want (10, nil)", got, err)
	}
}

func TestFind_NotFoundNeverCreates(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)

	_, err := svc.Find(context.Background(), p1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("find must never report a conflict")
	}
	if store.Len() != 0 {
		t.Fatalf("find created a mapping")
	}
}

func TestEnsure_KeysAreIndependent(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	keys := []Key{
		p1,
		{EntityType: "player", Source: "understat", ExternalID: "p1"},
		{EntityType: "team", Source: "fbref", ExternalID: "p1"},
	}
	for i, k := range keys {
		if _, err := svc.Ensure(ctx, k, int64(100+i)); err != nil {
			t.Fatalf("ensure %s: %v", k, err)
		}
	}
	for i, k := range keys {
		got, err := svc.Find(ctx, k)
		if err != nil || got != int64(100+i) {
			t.Fatalf("find %s = (%d, %v)", k, got, err)
		}
	}
}

func TestEnsure_InvalidKey(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	if _, err := svc.Ensure(context.Background(), Key{EntityType: "player", Source: "fbref"}, 1); err == nil {
		t.Fatalf("expected validation error for empty external id")
	}
}

func TestEnsure_ConcurrentSameID(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := svc.Ensure(context.Background(), p1, 42); err != nil || got != 42 {
				errs <- errors.New("racing ensure with identical arguments must succeed")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one mapping, got %d", store.Len())
	}
}

func TestEnsure_ConcurrentDifferentIDsExactlyOneWins(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := map[int64]int{}
	conflicts := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := svc.Ensure(context.Background(), p1, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners[id]++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if len(winners) != 1 || conflicts != n-1 {
		t.Fatalf("expected one winner and %d conflicts, got winners=%v conflicts=%d", n-1, winners, conflicts)
	}
	var winner int64
	for id := range winners {
		winner = id
	}
	got, err := svc.Find(context.Background(), p1)
	if err != nil || got != winner {
		t.Fatalf("find = (%d, %v), want winner %d", got, err, winner)
	}
}

// lossyStore reports every insert as lost, as if another process created the row first.
type lossyStore struct {
	*MemoryStore
	lookups int
}

func (l *lossyStore) InsertMapping(ctx context.Context, key Key, id int64) (bool, error) {
	_, _ = l.MemoryStore.InsertMapping(ctx, key, id)
	return false, nil
}

func (l *lossyStore) LookupMapping(ctx context.Context, key Key) (int64, bool, error) {
	l.lookups++
	return l.MemoryStore.LookupMapping(ctx, key)
}

func TestEnsure_ReadsBackAfterLosingInsert(t *testing.T) {
	store := &lossyStore{MemoryStore: NewMemoryStore()}
	svc := NewService(store, nil)

	got, err := svc.Ensure(context.Background(), p1, 7)
	if err != nil || got != 7 {
		t.Fatalf("ensure = (%d, %v), want (7, nil)", got, err)
	}
	if store.lookups != 1 {
		t.Fatalf("expected a single read-back after the lost insert, got %d", store.lookups)
	}
}
