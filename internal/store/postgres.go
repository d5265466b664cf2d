package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"sports-ingest/internal/identity"
	"sports-ingest/internal/model"
	"sports-ingest/internal/persist"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS players (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL,
		external_id TEXT,
		name TEXT,
		attributes JSONB,
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS teams (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL,
		external_id TEXT,
		name TEXT,
		attributes JSONB,
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS matches (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL,
		external_id TEXT,
		name TEXT,
		attributes JSONB,
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS raw_records (
		id BIGSERIAL PRIMARY KEY,
		task TEXT NOT NULL,
		payload BYTEA,
		collected_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS identity_mappings (
		entity_type TEXT NOT NULL,
		source TEXT NOT NULL,
		external_id TEXT NOT NULL,
		internal_id BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (entity_type, source, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		unknown JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS run_outcomes (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES ingestion_runs (id) ON DELETE CASCADE,
		task TEXT NOT NULL,
		status TEXT NOT NULL,
		items INTEGER NOT NULL DEFAULT 0,
		persisted INTEGER NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS run_outcomes_run_id ON run_outcomes (run_id)`,
}

// PostgresConfig configures the pool.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	// ViaBouncer switches to the simple protocol for transaction-pooling bouncers.
	ViaBouncer bool
}

// Postgres is the shared storage backend.
type Postgres struct {
	mu     sync.RWMutex
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// OpenPostgres connects, pings and applies the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse dsn")
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	pcfg.MaxConns = int32(maxConns)
	if cfg.ViaBouncer {
		pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, eris.Wrap(err, "postgres: apply schema")
		}
	}
	logger.Info("postgres: connected", zap.Int("max_conns", maxConns), zap.Bool("via_bouncer", cfg.ViaBouncer))
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close closes the pool. Later calls fail with persist.ErrUnavailable.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

func (p *Postgres) conn() (*pgxpool.Pool, func(), error) {
	p.mu.RLock()
	if p.pool == nil {
		p.mu.RUnlock()
		return nil, nil, eris.Wrap(persist.ErrUnavailable, "postgres: closed")
	}
	return p.pool, p.mu.RUnlock, nil
}

func (p *Postgres) UpsertPlayers(ctx context.Context, records []model.Record, onConflict model.ConflictAction) ([]persist.Upserted, error) {
	return p.upsertEntities(ctx, tablePlayers, records, onConflict)
}

func (p *Postgres) UpsertTeams(ctx context.Context, records []model.Record, onConflict model.ConflictAction) ([]persist.Upserted, error) {
	return p.upsertEntities(ctx, tableTeams, records, onConflict)
}

func (p *Postgres) UpsertMatches(ctx context.Context, records []model.Record, onConflict model.ConflictAction) ([]persist.Upserted, error) {
	return p.upsertEntities(ctx, tableMatches, records, onConflict)
}

func (p *Postgres) upsertEntities(ctx context.Context, table string, records []model.Record, onConflict model.ConflictAction) ([]persist.Upserted, error) {
	pool, release, err := p.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	conflict := `ON CONFLICT (id) DO UPDATE SET
		source = EXCLUDED.source,
		external_id = EXCLUDED.external_id,
		name = EXCLUDED.name,
		attributes = EXCLUDED.attributes,
		updated_at = EXCLUDED.updated_at`
	if onConflict == model.OnConflictIgnore {
		conflict = `ON CONFLICT (id) DO NOTHING`
	}
	withID := `INSERT INTO ` + table + ` (id, source, external_id, name, attributes, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6) ` + conflict
	withoutID := `INSERT INTO ` + table + ` (source, external_id, name, attributes, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5) RETURNING id`

	// Explicit ids do not advance the BIGSERIAL sequence, so it is moved past them
	// before the next generated id and at the end of the batch.
	syncSeq := `SELECT setval(pg_get_serial_sequence('` + table + `', 'id'),
		GREATEST((SELECT MAX(id) FROM ` + table + `), 1))`

	now := time.Now().UTC()
	rows := make([]entityRow, 0, len(records))
	b := &pgx.Batch{}
	var synced []bool // sync queued ahead of row i
	dirty := false
	for _, rec := range records {
		row, err := splitEntity(rec)
		if err != nil {
			return nil, err
		}
		if row.hasID {
			b.Queue(withID, row.id, row.source, row.externalID, row.name, string(row.attributes), now)
			synced = append(synced, false)
			dirty = true
		} else {
			if dirty {
				b.Queue(syncSeq)
			}
			synced = append(synced, dirty)
			dirty = false
			b.Queue(withoutID, row.source, row.externalID, row.name, string(row.attributes), now)
		}
		rows = append(rows, row)
	}
	if dirty {
		b.Queue(syncSeq)
	}

	out := make([]persist.Upserted, 0, len(rows))
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, b)
		for i, row := range rows {
			if synced[i] {
				if _, err := br.Exec(); err != nil {
					_ = br.Close()
					return eris.Wrapf(err, "postgres: sync %s id sequence", table)
				}
			}
			id := row.id
			if row.hasID {
				if _, err := br.Exec(); err != nil {
					_ = br.Close()
					return eris.Wrapf(err, "postgres: upsert %s %d", table, row.id)
				}
			} else if err := br.QueryRow().Scan(&id); err != nil {
				_ = br.Close()
				return eris.Wrapf(err, "postgres: insert %s", table)
			}
			out = append(out, persist.Upserted{Source: row.source, ExternalID: row.externalID, InternalID: id})
		}
		if dirty {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return eris.Wrapf(err, "postgres: sync %s id sequence", table)
			}
		}
		return br.Close()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) UpsertGeneric(ctx context.Context, task string, records []model.Record) (int, error) {
	pool, release, err := p.conn()
	if err != nil {
		return 0, err
	}
	defer release()

	now := time.Now().UTC()
	b := &pgx.Batch{}
	for _, rec := range records {
		payload, err := encodePayload(rec)
		if err != nil {
			return 0, err
		}
		b.Queue(`INSERT INTO raw_records (task, payload, collected_at) VALUES ($1, $2, $3)`, task, payload, now)
	}
	br := pool.SendBatch(ctx, b)
	total := 0
	for range records {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return total, eris.Wrapf(err, "postgres: insert raw record for %s", task)
		}
		total += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return total, eris.Wrap(err, "postgres: close batch")
	}
	return total, nil
}

func (p *Postgres) InsertMapping(ctx context.Context, key identity.Key, internalID int64) (bool, error) {
	pool, release, err := p.conn()
	if err != nil {
		return false, err
	}
	defer release()

	tag, err := pool.Exec(ctx,
		`INSERT INTO identity_mappings (entity_type, source, external_id, internal_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type, source, external_id) DO NOTHING`,
		key.EntityType, key.Source, key.ExternalID, internalID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert mapping %s", key)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) LookupMapping(ctx context.Context, key identity.Key) (int64, bool, error) {
	pool, release, err := p.conn()
	if err != nil {
		return 0, false, err
	}
	defer release()

	var id int64
	err = pool.QueryRow(ctx,
		`SELECT internal_id FROM identity_mappings WHERE entity_type = $1 AND source = $2 AND external_id = $3`,
		key.EntityType, key.Source, key.ExternalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "postgres: lookup mapping %s", key)
	}
	return id, true, nil
}

// SaveRun stores a run report and its outcomes in one transaction.
func (p *Postgres) SaveRun(ctx context.Context, report *model.RunReport) error {
	pool, release, err := p.conn()
	if err != nil {
		return err
	}
	defer release()

	unknown, err := encodeUnknown(report.Unknown)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ingestion_runs (id, started_at, finished_at, unknown) VALUES ($1, $2, $3, $4::jsonb)`,
			report.RunID, report.StartedAt.UTC(), report.FinishedAt.UTC(), unknown); err != nil {
			return eris.Wrapf(err, "postgres: insert run %s", report.RunID)
		}
		for _, o := range outcomeRows(report) {
			if _, err := tx.Exec(ctx,
				`INSERT INTO run_outcomes (run_id, task, status, items, persisted, duration_ms, error_message)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				report.RunID, o.task, o.status, o.items, o.persisted, o.durationMS, o.errMsg); err != nil {
				return eris.Wrapf(err, "postgres: insert outcome %s/%s", report.RunID, o.task)
			}
		}
		return nil
	})
}

// ListRuns returns the most recent runs, newest first.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]*model.RunReport, error) {
	pool, release, err := p.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	if limit <= 0 {
		limit = 20
	}
	rows, err := pool.Query(ctx,
		`SELECT id, started_at, finished_at, unknown::text FROM ingestion_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	var runs []*model.RunReport
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	for _, r := range runs {
		if err := loadPostgresOutcomes(ctx, pool, r); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// GetRun returns one run by id, or ErrRunNotFound.
func (p *Postgres) GetRun(ctx context.Context, id string) (*model.RunReport, error) {
	pool, release, err := p.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := scanPostgresRun(pool.QueryRow(ctx,
		`SELECT id, started_at, finished_at, unknown::text FROM ingestion_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadPostgresOutcomes(ctx, pool, r); err != nil {
		return nil, err
	}
	return r, nil
}

func scanPostgresRun(row pgx.Row) (*model.RunReport, error) {
	var (
		r       model.RunReport
		unknown *string
	)
	if err := row.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &unknown); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if unknown != nil {
		r.Unknown = decodeUnknown(*unknown)
	}
	r.Outcomes = make(map[string]model.JobOutcome)
	return &r, nil
}

func loadPostgresOutcomes(ctx context.Context, pool *pgxpool.Pool, r *model.RunReport) error {
	rows, err := pool.Query(ctx,
		`SELECT task, status, items, persisted, duration_ms, error_message FROM run_outcomes WHERE run_id = $1`, r.RunID)
	if err != nil {
		return eris.Wrapf(err, "postgres: load outcomes for %s", r.RunID)
	}
	defer rows.Close()
	for rows.Next() {
		var o outcomeRow
		if err := rows.Scan(&o.task, &o.status, &o.items, &o.persisted, &o.durationMS, &o.errMsg); err != nil {
			return eris.Wrap(err, "postgres: scan outcome")
		}
		r.Outcomes[o.task] = o.outcome()
	}
	return rows.Err()
}
