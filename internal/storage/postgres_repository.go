package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed flight repository. Call
// Migrate before first use on a fresh database.
func NewPostgresRepository(dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	return classifyPoolError(r.pool.Ping(ctx))
}

// Migrate applies the embedded schema files in lexical order. Every file is
// written to be re-runnable.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		script, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := r.pool.Exec(ctx, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, classifyPoolError(err))
		}
	}
	return nil
}

func (r *PostgresRepository) GetFlight(ctx context.Context, id int64) (Flight, error) {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `
SELECT id, source_reference, COALESCE(playback_url, ''), status::text, created_at, updated_at
FROM flights
WHERE id = $1
`, id)
	flight, err := scanFlight(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flight{}, ErrFlightNotFound
		}
		return Flight{}, fmt.Errorf("load flight %d: %w", id, classifyPoolError(err))
	}
	return flight, nil
}

// SetPlaybackURL writes the playback URL with a single UPDATE inside its own
// transaction. Anything that prevents the commit is reported as *CommitError.
func (r *PostgresRepository) SetPlaybackURL(ctx context.Context, id int64, playbackURL string) error {
	ctx, cancel := r.statementContext(ctx)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return &CommitError{FlightID: id, Err: fmt.Errorf("begin transaction: %w", classifyPoolError(err))}
	}
	defer rollbackTx(ctx, tx)

	tag, err := tx.Exec(ctx, `
UPDATE flights
SET playback_url = $2, updated_at = $3
WHERE id = $1
`, id, strings.TrimSpace(playbackURL), r.cfg.Clock())
	if err != nil {
		return &CommitError{FlightID: id, Err: fmt.Errorf("update flight: %w", err)}
	}
	if tag.RowsAffected() == 0 {
		return ErrFlightNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return &CommitError{FlightID: id, Err: err}
	}
	return nil
}

func (r *PostgresRepository) ListUnpublished(ctx context.Context, createdBefore time.Time, limit int) ([]Flight, error) {
	if limit <= 0 {
		limit = 100
	}
	if createdBefore.IsZero() {
		createdBefore = r.cfg.Clock()
	}
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT id, source_reference, COALESCE(playback_url, ''), status::text, created_at, updated_at
FROM flights
WHERE playback_url IS NULL AND source_reference <> '' AND created_at < $1
ORDER BY id
LIMIT $2
`, createdBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished flights: %w", classifyPoolError(err))
	}
	defer rows.Close()

	var flights []Flight
	for rows.Next() {
		flight, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		flights = append(flights, flight)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unpublished flights: %w", err)
	}
	return flights, nil
}

func (r *PostgresRepository) CreateFlight(ctx context.Context, params NewFlight) (Flight, error) {
	normalized, err := normalizeNewFlight(params)
	if err != nil {
		return Flight{}, err
	}
	ctx, cancel := r.statementContext(ctx)
	defer cancel()
	now := r.cfg.Clock()
	row := r.pool.QueryRow(ctx, `
INSERT INTO flights (source_reference, status, created_at, updated_at)
VALUES ($1, $2::flight_status, $3, $3)
RETURNING id, source_reference, COALESCE(playback_url, ''), status::text, created_at, updated_at
`, normalized.SourceReference, string(normalized.Status), now)
	flight, err := scanFlight(row)
	if err != nil {
		return Flight{}, fmt.Errorf("insert flight: %w", classifyPoolError(err))
	}
	return flight, nil
}

func (r *PostgresRepository) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
}

func scanFlight(row pgx.Row) (Flight, error) {
	var (
		flight Flight
		status string
	)
	if err := row.Scan(&flight.ID, &flight.SourceReference, &flight.PlaybackURL, &status, &flight.CreatedAt, &flight.UpdatedAt); err != nil {
		return Flight{}, err
	}
	flight.Status = FlightStatus(status)
	flight.CreatedAt = flight.CreatedAt.UTC()
	flight.UpdatedAt = flight.UpdatedAt.UTC()
	return flight, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	// Rollback after a successful commit returns ErrTxClosed, which is expected.
	_ = tx.Rollback(ctx)
}

func classifyPoolError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, puddle.ErrClosedPool) {
		return fmt.Errorf("%w: %v", ErrRepositoryClosed, err)
	}
	return err
}

var _ Repository = (*PostgresRepository)(nil)
