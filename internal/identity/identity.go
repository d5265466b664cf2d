// Package identity reconciles the identifiers a source uses for a player, team or
// match with the system's internal entity ids.
//
// A mapping (entity_type, source, external_id) -> internal_id is created once and
// never changes. Ensure is an idempotent insert: repeating it with the same
// internal id is a no-op, and asking for a different internal id is a Conflict.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	// ErrConflict matches any *ConflictError.
	ErrConflict = errors.New("identity mapping conflict")
	// ErrNotFound is returned by Find when no mapping exists.
	ErrNotFound = errors.New("identity mapping not found")
)

// Key identifies an entity as seen by one source.
type Key struct {
	EntityType string `json:"entity_type"`
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
}

func (k Key) String() string {
	return k.EntityType + "/" + k.Source + "/" + k.ExternalID
}

// Validate rejects keys with empty components.
func (k Key) Validate() error {
	if strings.TrimSpace(k.EntityType) == "" || strings.TrimSpace(k.Source) == "" || strings.TrimSpace(k.ExternalID) == "" {
		return fmt.Errorf("invalid identity key %q: entity_type, source and external_id are required", k.String())
	}
	return nil
}

// ConflictError reports an attempt to re-map an existing key to a different id.
type ConflictError struct {
	Key       Key
	Existing  int64
	Requested int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity conflict for %s: mapped to %d, refused %d", e.Key, e.Existing, e.Requested)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Store is the keyed mapping storage. InsertMapping must be atomic: it creates the
// mapping only if the key is absent and reports whether this call created it.
type Store interface {
	InsertMapping(ctx context.Context, key Key, internalID int64) (created bool, err error)
	LookupMapping(ctx context.Context, key Key) (internalID int64, found bool, err error)
}

// Service is the identity mapping service.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a Service over store.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// Ensure maps key to internalID if the key is new and returns internalID.
// If the key already maps to internalID it returns it unchanged. If it maps to a
// different id it returns a *ConflictError and leaves the mapping untouched.
func (s *Service) Ensure(ctx context.Context, key Key, internalID int64) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	// Insert first, read only when the insert lost: a read-then-insert would leave
	// a window where two callers both see "absent".
	created, err := s.store.InsertMapping(ctx, key, internalID)
	if err != nil {
		return 0, eris.Wrapf(err, "identity: insert %s", key)
	}
	if created {
		s.logger.Debug("identity: mapping created", zap.String("key", key.String()), zap.Int64("internal_id", internalID))
		return internalID, nil
	}

	existing, found, err := s.store.LookupMapping(ctx, key)
	if err != nil {
		return 0, eris.Wrapf(err, "identity: lookup %s", key)
	}
	if !found {
		return 0, eris.Errorf("identity: insert of %s reported an existing row that cannot be read", key)
	}
	if existing != internalID {
		return existing, &ConflictError{Key: key, Existing: existing, Requested: internalID}
	}
	return existing, nil
}

// Find returns the internal id mapped to key, or ErrNotFound. It never writes.
func (s *Service) Find(ctx context.Context, key Key) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	id, found, err := s.store.LookupMapping(ctx, key)
	if err != nil {
		return 0, eris.Wrapf(err, "identity: lookup %s", key)
	}
	if !found {
		return 0, ErrNotFound
	}
	return id, nil
}
