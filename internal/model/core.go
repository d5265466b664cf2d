package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is a schema-agnostic map produced by a collection task.
// Its shape is source specific; only the persistence router interprets it.
type Record map[string]interface{}

// Well-known record keys used by the typed persistence strategies.
const (
	KeySource     = "source"
	KeyExternalID = "external_id"
	KeyInternalID = "internal_id"
)

// String returns the value under key as a trimmed string ("" when absent).
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// Int64 returns the value under key as an int64 when it holds a number or a numeric string.
func (r Record) Int64(key string) (int64, bool) {
	switch val := r[key].(type) {
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint64:
		return int64(val), true
	case uint32:
		return int64(val), true
	case float64:
		return int64(val), true
	case float32:
		return int64(val), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy so routing annotations never leak back into task state.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Strategy selects which typed upsert a task's records are sent to.
type Strategy string

const (
	StrategyPlayers Strategy = "players"
	StrategyTeams   Strategy = "teams"
	StrategyMatches Strategy = "matches"
	StrategyGeneric Strategy = "generic"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyPlayers, StrategyTeams, StrategyMatches, StrategyGeneric:
		return true
	}
	return false
}

// EntityType is the identity-mapping entity type for a typed strategy ("" for generic).
func (s Strategy) EntityType() string {
	switch s {
	case StrategyPlayers:
		return "player"
	case StrategyTeams:
		return "team"
	case StrategyMatches:
		return "match"
	}
	return ""
}

// ConflictAction tells storage what to do when an upserted entity already exists.
type ConflictAction string

const (
	OnConflictUpdate ConflictAction = "update"
	OnConflictIgnore ConflictAction = "ignore"
)

// RoutingEntry maps a task to its persistence strategy.
type RoutingEntry struct {
	Strategy   Strategy       `json:"strategy" yaml:"strategy"`
	OnConflict ConflictAction `json:"on_conflict" yaml:"on_conflict"`
}
