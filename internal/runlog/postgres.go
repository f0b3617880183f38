package runlog

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/id/uuid"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the Postgres connection pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Postgres writes entries into a table shaped like:
//
//	CREATE TABLE fx_runs (
//		run_id      UUID NOT NULL,
//		provider    TEXT NOT NULL,
//		started_at  TIMESTAMPTZ NOT NULL,
//		finished_at TIMESTAMPTZ NOT NULL,
//		range_start DATE NOT NULL,
//		range_end   DATE NOT NULL,
//		requested   INT NOT NULL,
//		fetched     INT NOT NULL,
//		failed      INT NOT NULL,
//		unavailable INT NOT NULL,
//		error       TEXT,
//		PRIMARY KEY (run_id, provider)
//	);
type Postgres struct {
	pool  pool
	table string
}

// NewPostgres connects a pool using cfg.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("runlog.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	r, err := NewPostgresWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return r, nil
}

// NewPostgresWithPool builds a recorder from an existing pool (primarily for testing).
func NewPostgresWithPool(p pool, table string) (*Postgres, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "fx_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Postgres{pool: p, table: table}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

// Record upserts one row per provider batch.
func (p *Postgres) Record(ctx context.Context, report archive.Report) error {
	runID, err := uuid.Parse(report.RunID)
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id, provider, started_at, finished_at, range_start, range_end,
	requested, fetched, failed, unavailable, error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (run_id, provider) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	requested = EXCLUDED.requested,
	fetched = EXCLUDED.fetched,
	failed = EXCLUDED.failed,
	unavailable = EXCLUDED.unavailable,
	error = EXCLUDED.error`, p.table)

	for _, e := range Entries(report) {
		var errMsg *string
		if e.Error != "" {
			errMsg = &e.Error
		}
		if _, err := p.pool.Exec(ctx, query,
			runID,
			string(e.Provider),
			e.StartedAt,
			e.FinishedAt,
			e.Range.Start.In(time.UTC),
			e.Range.End.In(time.UTC),
			e.Requested,
			e.Fetched,
			e.Failed,
			e.Unavailable,
			errMsg,
		); err != nil {
			return fmt.Errorf("insert run %s/%s: %w", e.RunID, e.Provider, err)
		}
	}
	return nil
}

// Recent returns up to limit entries, newest run first.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT run_id::text, provider, started_at, finished_at, range_start, range_end,
	requested, fetched, failed, unavailable, COALESCE(error, '')
FROM %s
ORDER BY started_at DESC, provider
LIMIT $1`, p.table)

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			provider   string
			start, end time.Time
		)
		if err := rows.Scan(
			&e.RunID, &provider, &e.StartedAt, &e.FinishedAt, &start, &end,
			&e.Requested, &e.Fetched, &e.Failed, &e.Unavailable, &e.Error,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.Provider = archive.Provider(provider)
		e.Range = archive.DateRange{Start: civil.DateOf(start), End: civil.DateOf(end)}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}
