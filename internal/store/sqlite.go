package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"sports-ingest/internal/identity"
	"sports-ingest/internal/model"
	"sports-ingest/internal/persist"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS players (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		external_id TEXT,
		name TEXT,
		attributes TEXT,
		updated_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS teams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		external_id TEXT,
		name TEXT,
		attributes TEXT,
		updated_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS matches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		external_id TEXT,
		name TEXT,
		attributes TEXT,
		updated_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS raw_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task TEXT NOT NULL,
		payload BLOB,
		collected_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS identity_mappings (
		entity_type TEXT NOT NULL,
		source TEXT NOT NULL,
		external_id TEXT NOT NULL,
		internal_id INTEGER NOT NULL,
		created_at DATETIME,
		PRIMARY KEY (entity_type, source, external_id)
	);`,
	`CREATE TABLE IF NOT EXISTS ingestion_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME,
		finished_at DATETIME,
		unknown TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS run_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task TEXT NOT NULL,
		status TEXT NOT NULL,
		items INTEGER,
		persisted INTEGER,
		duration_ms INTEGER,
		error_message TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS run_outcomes_run_id ON run_outcomes (run_id);`,
}

// SQLite is the single-file storage backend.
type SQLite struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: open %s", path)
	}
	// One writer at a time; sqlite serializes them anyway.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, eris.Wrap(err, "sqlite: apply schema")
		}
	}
	logger.Info("sqlite: opened", zap.String("path", path))
	return &SQLite{db: db, logger: logger}, nil
}

// Close releases the database. Later calls fail with persist.ErrUnavailable.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLite) conn() (*sql.DB, func(), error) {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, nil, eris.Wrap(persist.ErrUnavailable, "sqlite: closed")
	}
	return s.db, s.mu.RUnlock, nil
}

func (s *SQLite) UpsertPlayers(ctx context.Context, records []model.Record, onConflict model.ConflictAction) ([]persist.Upserted, error) {
	return s.upsertEntities(ctx, tablePlayers, records, onConflict)
}

func (s *SQLite) UpsertTeams(ctx context.Context, records []model.Record, onConflict model.ConflictAction) ([]persist.Upserted, error) {
	return s.upsertEntities(ctx, tableTeams, records, onConflict)
}

func (s *SQLite) UpsertMatches(ctx context.Context, records []model.Record, onConflict model.ConflictAction) ([]persist.Upserted, error) {
	return s.upsertEntities(ctx, tableMatches, records, onConflict)
}

func (s *SQLite) upsertEntities(ctx context.Context, table string, records []model.Record, onConflict model.ConflictAction) ([]persist.Upserted, error) {
	db, release, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	conflict := `ON CONFLICT(id) DO UPDATE SET
		source = excluded.source,
		external_id = excluded.external_id,
		name = excluded.name,
		attributes = excluded.attributes,
		updated_at = excluded.updated_at`
	if onConflict == model.OnConflictIgnore {
		conflict = `ON CONFLICT(id) DO NOTHING`
	}
	withID := `INSERT INTO ` + table + ` (id, source, external_id, name, attributes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) ` + conflict
	withoutID := `INSERT INTO ` + table + ` (source, external_id, name, attributes, updated_at)
		VALUES (?, ?, ?, ?, ?)`

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: begin %s upsert", table)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	out := make([]persist.Upserted, 0, len(records))
	for _, rec := range records {
		row, err := splitEntity(rec)
		if err != nil {
			return nil, err
		}
		id := row.id
		if row.hasID {
			if _, err := tx.ExecContext(ctx, withID, row.id, row.source, row.externalID, row.name, string(row.attributes), now); err != nil {
				return nil, eris.Wrapf(err, "sqlite: upsert %s %d", table, row.id)
			}
		} else {
			res, err := tx.ExecContext(ctx, withoutID, row.source, row.externalID, row.name, string(row.attributes), now)
			if err != nil {
				return nil, eris.Wrapf(err, "sqlite: insert %s", table)
			}
			if id, err = res.LastInsertId(); err != nil {
				return nil, eris.Wrapf(err, "sqlite: insert %s", table)
			}
		}
		out = append(out, persist.Upserted{Source: row.source, ExternalID: row.externalID, InternalID: id})
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit %s upsert", table)
	}
	return out, nil
}

func (s *SQLite) UpsertGeneric(ctx context.Context, task string, records []model.Record) (int, error) {
	db, release, err := s.conn()
	if err != nil {
		return 0, err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin generic insert")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO raw_records (task, payload, collected_at) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare generic insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, rec := range records {
		payload, err := encodePayload(rec)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, task, payload, now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert raw record for %s", task)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit generic insert")
	}
	return len(records), nil
}

// RawRecords returns the generic records stored for task, oldest first.
func (s *SQLite) RawRecords(ctx context.Context, task string) ([]model.Record, error) {
	db, release, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, `SELECT payload FROM raw_records WHERE task = ? ORDER BY id`, task)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query raw records")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan raw record")
		}
		rec, err := DecodePayload(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertMapping(ctx context.Context, key identity.Key, internalID int64) (bool, error) {
	db, release, err := s.conn()
	if err != nil {
		return false, err
	}
	defer release()

	res, err := db.ExecContext(ctx,
		`INSERT INTO identity_mappings (entity_type, source, external_id, internal_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, source, external_id) DO NOTHING`,
		key.EntityType, key.Source, key.ExternalID, internalID, time.Now().UTC())
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert mapping %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert mapping rows affected")
	}
	return n == 1, nil
}

func (s *SQLite) LookupMapping(ctx context.Context, key identity.Key) (int64, bool, error) {
	db, release, err := s.conn()
	if err != nil {
		return 0, false, err
	}
	defer release()

	var id int64
	err = db.QueryRowContext(ctx,
		`SELECT internal_id FROM identity_mappings WHERE entity_type = ? AND source = ? AND external_id = ?`,
		key.EntityType, key.Source, key.ExternalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: lookup mapping %s", key)
	}
	return id, true, nil
}

// SaveRun stores a run report and its outcomes.
func (s *SQLite) SaveRun(ctx context.Context, report *model.RunReport) error {
	db, release, err := s.conn()
	if err != nil {
		return err
	}
	defer release()

	unknown, err := encodeUnknown(report.Unknown)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save run")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ingestion_runs (id, started_at, finished_at, unknown) VALUES (?, ?, ?, ?)`,
		report.RunID, report.StartedAt.UTC(), report.FinishedAt.UTC(), unknown); err != nil {
		return eris.Wrapf(err, "sqlite: insert run %s", report.RunID)
	}
	for _, o := range outcomeRows(report) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_outcomes (run_id, task, status, items, persisted, duration_ms, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, o.task, o.status, o.items, o.persisted, o.durationMS, o.errMsg); err != nil {
			return eris.Wrapf(err, "sqlite: insert outcome %s/%s", report.RunID, o.task)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save run")
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]*model.RunReport, error) {
	db, release, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, unknown FROM ingestion_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	var runs []*model.RunReport
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	for _, r := range runs {
		if err := s.loadOutcomes(ctx, db, r); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// GetRun returns one run by id, or ErrRunNotFound.
func (s *SQLite) GetRun(ctx context.Context, id string) (*model.RunReport, error) {
	db, release, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := scanSQLiteRun(db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, unknown FROM ingestion_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadOutcomes(ctx, db, r); err != nil {
		return nil, err
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteRun(row rowScanner) (*model.RunReport, error) {
	var (
		r       model.RunReport
		unknown sql.NullString
	)
	if err := row.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &unknown); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.Unknown = decodeUnknown(unknown.String)
	r.Outcomes = make(map[string]model.JobOutcome)
	return &r, nil
}

func (s *SQLite) loadOutcomes(ctx context.Context, db *sql.DB, r *model.RunReport) error {
	rows, err := db.QueryContext(ctx,
		`SELECT task, status, items, persisted, duration_ms, error_message FROM run_outcomes WHERE run_id = ?`, r.RunID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: load outcomes for %s", r.RunID)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			o      outcomeRow
			errMsg sql.NullString
		)
		if err := rows.Scan(&o.task, &o.status, &o.items, &o.persisted, &o.durationMS, &errMsg); err != nil {
			return eris.Wrap(err, "sqlite: scan outcome")
		}
		o.errMsg = errMsg.String
		r.Outcomes[o.task] = o.outcome()
	}
	return rows.Err()
}
