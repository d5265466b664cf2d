// Package store holds the storage backends: SQLite for single-node deployments and
// Postgres for shared ones. Both implement persist.Storage, identity.Store and the
// orchestrator's run recorder.
package store

import (
	"bytes"
	"errors"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"

	"sports-ingest/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// KeyName is the record key stored in the entity tables' name column.
const KeyName = "name"

const (
	tablePlayers = "players"
	tableTeams   = "teams"
	tableMatches = "matches"
)

// entityRow is a record split into the fixed entity columns and an attributes document.
type entityRow struct {
	id         int64
	hasID      bool
	source     string
	externalID string
	name       string
	attributes []byte
}

func splitEntity(rec model.Record) (entityRow, error) {
	row := entityRow{
		source:     rec.String(model.KeySource),
		externalID: rec.String(model.KeyExternalID),
		name:       rec.String(KeyName),
	}
	row.id, row.hasID = rec.Int64(model.KeyInternalID)
	if row.hasID && row.id <= 0 {
		row.hasID = false
	}

	attrs := make(map[string]interface{}, len(rec))
	for k, v := range rec {
		switch k {
		case model.KeySource, model.KeyExternalID, model.KeyInternalID, KeyName:
			continue
		}
		attrs[k] = v
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return row, eris.Wrap(err, "store: encode attributes")
	}
	row.attributes = b
	return row, nil
}

// encodePayload packs a generic record for the raw_records table.
func encodePayload(rec model.Record) ([]byte, error) {
	b, err := msgpack.Marshal(map[string]interface{}(rec))
	if err != nil {
		return nil, eris.Wrap(err, "store: encode payload")
	}
	return b, nil
}

// DecodePayload unpacks a raw_records payload. Integers come back as int64.
func DecodePayload(b []byte) (model.Record, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, eris.Wrap(err, "store: decode payload")
	}
	return model.Record(m), nil
}

// outcomeRow is the run_outcomes representation of a JobOutcome.
type outcomeRow struct {
	task       string
	status     string
	items      int
	persisted  int
	durationMS int64
	errMsg     string
}

func outcomeRows(r *model.RunReport) []outcomeRow {
	names := make([]string, 0, len(r.Outcomes))
	for name := range r.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([]outcomeRow, 0, len(names))
	for _, name := range names {
		o := r.Outcomes[name]
		rows = append(rows, outcomeRow{
			task:       name,
			status:     string(o.Status),
			items:      o.Items,
			persisted:  o.Persisted,
			durationMS: o.Duration.Milliseconds(),
			errMsg:     o.Error,
		})
	}
	return rows
}

func (o outcomeRow) outcome() model.JobOutcome {
	return model.JobOutcome{
		Task:      o.task,
		Status:    model.OutcomeStatus(o.status),
		Items:     o.items,
		Persisted: o.persisted,
		Duration:  time.Duration(o.durationMS) * time.Millisecond,
		Error:     o.errMsg,
	}
}

func encodeUnknown(names []string) (string, error) {
	if len(names) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(names)
	if err != nil {
		return "", eris.Wrap(err, "store: encode unknown tasks")
	}
	return string(b), nil
}

func decodeUnknown(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}
