// Package persist routes the records a task collected to the storage strategy
// configured for that task.
package persist

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"sports-ingest/internal/identity"
	"sports-ingest/internal/model"
)

// ErrUnavailable is returned (possibly wrapped) by storage that is not connected.
// The router treats it as a degraded no-op rather than a task failure.
var ErrUnavailable = errors.New("storage unavailable")

// Upserted describes one entity row written by a typed upsert.
type Upserted struct {
	Source     string
	ExternalID string
	InternalID int64
}

// Storage is the persistence backend. Typed upserts return the rows they wrote so the
// router can record identity mappings for them.
type Storage interface {
	UpsertPlayers(ctx context.Context, records []model.Record, onConflict model.ConflictAction) ([]Upserted, error)
	UpsertTeams(ctx context.Context, records []model.Record, onConflict model.ConflictAction) ([]Upserted, error)
	UpsertMatches(ctx context.Context, records []model.Record, onConflict model.ConflictAction) ([]Upserted, error)
	UpsertGeneric(ctx context.Context, task string, records []model.Record) (int, error)
}

// Resolver is the identity mapping surface the router needs. *identity.Service implements it.
type Resolver interface {
	Ensure(ctx context.Context, key identity.Key, internalID int64) (int64, error)
	Find(ctx context.Context, key identity.Key) (int64, error)
}

// Result summarizes one Persist call.
type Result struct {
	Strategy  model.Strategy
	Persisted int
	Conflicts int
	Skipped   bool
}

// Router looks up a task's routing entry and forwards its records. It never retries.
type Router struct {
	routes  map[string]model.RoutingEntry
	storage Storage
	ids     Resolver
	logger  *zap.Logger
}

// NewRouter creates a Router. storage may be nil, in which case every call is skipped.
// ids may be nil to disable identity mapping for typed strategies.
func NewRouter(routes map[string]model.RoutingEntry, storage Storage, ids Resolver, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	table := make(map[string]model.RoutingEntry, len(routes))
	for name, entry := range routes {
		table[name] = entry
	}
	return &Router{routes: table, storage: storage, ids: ids, logger: logger}
}

// Route returns the entry for task, defaulting to the generic strategy.
func (r *Router) Route(task string) model.RoutingEntry {
	entry, ok := r.routes[task]
	if !ok || !entry.Strategy.Valid() {
		entry.Strategy = model.StrategyGeneric
	}
	if entry.OnConflict == "" {
		entry.OnConflict = model.OnConflictUpdate
	}
	return entry
}

// Persist writes records for task using its routed strategy.
func (r *Router) Persist(ctx context.Context, task string, records []model.Record) (Result, error) {
	entry := r.Route(task)
	res := Result{Strategy: entry.Strategy}
	if len(records) == 0 {
		return res, nil
	}
	if r.storage == nil {
		return r.skip(task, res, nil), nil
	}

	if entry.Strategy == model.StrategyGeneric {
		n, err := r.storage.UpsertGeneric(ctx, task, records)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return r.skip(task, res, err), nil
			}
			return res, eris.Wrapf(err, "persist: generic upsert for %s", task)
		}
		res.Persisted = n
		return res, nil
	}
	return r.persistTyped(ctx, task, entry, records, res)
}

func (r *Router) persistTyped(ctx context.Context, task string, entry model.RoutingEntry, records []model.Record, res Result) (Result, error) {
	entityType := entry.Strategy.EntityType()
	batch := dedupe(task, records)
	for _, rec := range batch {
		if err := r.annotate(ctx, entityType, rec); err != nil {
			if errors.Is(err, ErrUnavailable) {
				return r.skip(task, res, err), nil
			}
			return res, err
		}
	}

	var (
		written []Upserted
		err     error
	)
	switch entry.Strategy {
	case model.StrategyPlayers:
		written, err = r.storage.UpsertPlayers(ctx, batch, entry.OnConflict)
	case model.StrategyTeams:
		written, err = r.storage.UpsertTeams(ctx, batch, entry.OnConflict)
	case model.StrategyMatches:
		written, err = r.storage.UpsertMatches(ctx, batch, entry.OnConflict)
	}
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return r.skip(task, res, err), nil
		}
		return res, eris.Wrapf(err, "persist: %s upsert for %s", entry.Strategy, task)
	}
	res.Persisted = len(written)

	if r.ids == nil {
		return res, nil
	}
	for _, u := range written {
		if u.ExternalID == "" || u.InternalID == 0 {
			continue
		}
		key := identity.Key{EntityType: entityType, Source: u.Source, ExternalID: u.ExternalID}
		if _, err := r.ids.Ensure(ctx, key, u.InternalID); err != nil {
			if errors.Is(err, identity.ErrConflict) {
				res.Conflicts++
				r.logger.Warn("persist: identity conflict",
					zap.String("task", task),
					zap.String("key", key.String()),
					zap.Error(err))
				continue
			}
			return res, eris.Wrapf(err, "persist: ensure mapping for %s", task)
		}
	}
	return res, nil
}

// dedupe clones records, defaults their source to task and collapses records sharing
// a (source, external_id) into the last one, kept at the position of the first.
func dedupe(task string, records []model.Record) []model.Record {
	out := make([]model.Record, 0, len(records))
	index := make(map[[2]string]int, len(records))
	for _, rec := range records {
		rec = rec.Clone()
		if rec.String(model.KeySource) == "" {
			rec[model.KeySource] = task
		}
		ext := rec.String(model.KeyExternalID)
		if ext == "" {
			out = append(out, rec)
			continue
		}
		key := [2]string{rec.String(model.KeySource), ext}
		if i, ok := index[key]; ok {
			out[i] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

// annotate sets internal_id on rec when the source's external id is already mapped.
func (r *Router) annotate(ctx context.Context, entityType string, rec model.Record) error {
	if r.ids == nil {
		return nil
	}
	if _, ok := rec.Int64(model.KeyInternalID); ok {
		return nil
	}
	ext := rec.String(model.KeyExternalID)
	if ext == "" {
		return nil
	}
	key := identity.Key{EntityType: entityType, Source: rec.String(model.KeySource), ExternalID: ext}
	id, err := r.ids.Find(ctx, key)
	switch {
	case err == nil:
		rec[model.KeyInternalID] = id
		return nil
	case errors.Is(err, identity.ErrNotFound):
		return nil
	default:
		return eris.Wrapf(err, "persist: resolve %s", key)
	}
}

func (r *Router) skip(task string, res Result, cause error) Result {
	fields := []zap.Field{zap.String("task", task), zap.String("strategy", string(res.Strategy))}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	r.logger.Info("persist: storage unavailable, skipping", fields...)
	res.Skipped = true
	return res
}
