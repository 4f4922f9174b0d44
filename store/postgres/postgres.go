// Package postgres implements the conveyor store on PostgreSQL. Handler
// transactions run under serializable isolation; serialization failures are
// surfaced as store.ErrSerialization so redelivery can retry them.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baechuer/conveyor/store"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool against dsn and pings it.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() { s.pool.Close() }

// EnsureSchema creates the two framework tables if they do not exist.
// requested_input is TEXT on purpose: the stored bytes are compared
// against re-sent inputs and must survive round-trips unchanged.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conveyor_results (
			namespace       TEXT   NOT NULL,
			request_id      TEXT   NOT NULL,
			requested_path  TEXT   NOT NULL,
			requested_input TEXT   NOT NULL,
			data            JSONB,
			status          INT    NOT NULL,
			created_at      BIGINT NOT NULL,
			PRIMARY KEY (namespace, request_id)
		);
		CREATE INDEX IF NOT EXISTS conveyor_results_created_idx
			ON conveyor_results (namespace, created_at);

		CREATE TABLE IF NOT EXISTS conveyor_outbox (
			namespace         TEXT   NOT NULL,
			id                UUID   NOT NULL,
			source_request_id TEXT   NOT NULL,
			type              TEXT   NOT NULL,
			path              TEXT   NOT NULL,
			data              JSONB  NOT NULL,
			target_at         BIGINT,
			created_at        BIGINT NOT NULL,
			PRIMARY KEY (namespace, id)
		);
		CREATE INDEX IF NOT EXISTS conveyor_outbox_source_idx
			ON conveyor_outbox (namespace, source_request_id);
		CREATE INDEX IF NOT EXISTS conveyor_outbox_due_idx
			ON conveyor_outbox (namespace, created_at);
	`)
	if err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, readOnly bool, fn func(tx store.DBTX) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	if readOnly {
		opts.AccessMode = pgx.ReadOnly
	}
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return wrapSerialization(err)
	}
	return wrapSerialization(tx.Commit(ctx))
}

// wrapSerialization tags 40001/40P01 so callers can treat the failed
// attempt as retryable instead of a business error.
func wrapSerialization(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %s", store.ErrSerialization, pgErr.Message)
		}
	}
	return err
}

func (s *Store) FindResult(ctx context.Context, tx store.DBTX, namespace, requestID string) (*store.ResultRow, error) {
	row := store.ResultRow{Namespace: namespace, RequestID: requestID}
	var input string
	err := tx.QueryRow(ctx, `
		SELECT requested_path, requested_input, data, status, created_at
		FROM conveyor_results
		WHERE namespace = $1 AND request_id = $2
	`, namespace, requestID).Scan(&row.RequestedPath, &input, &row.Data, &row.Status, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.RequestedInput = []byte(input)
	return &row, nil
}

func (s *Store) InsertResult(ctx context.Context, tx store.DBTX, row store.ResultRow) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO conveyor_results (namespace, request_id, requested_path, requested_input, data, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (namespace, request_id) DO NOTHING
	`, row.Namespace, row.RequestID, row.RequestedPath, string(row.RequestedInput), row.Data, row.Status, row.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) InsertOutbox(ctx context.Context, tx store.DBTX, rows []store.OutboxRow) error {
	for _, r := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO conveyor_outbox (namespace, id, source_request_id, type, path, data, target_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, r.Namespace, r.ID, r.SourceRequestID, r.Type, r.Path, r.Data, r.TargetAt, r.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) OutboxBySource(ctx context.Context, tx store.DBTX, namespace, sourceRequestID string) ([]store.OutboxRow, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, source_request_id, type, path, data, target_at, created_at
		FROM conveyor_outbox
		WHERE namespace = $1 AND source_request_id = $2
		ORDER BY id
	`, namespace, sourceRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutbox(rows, namespace)
}

func (s *Store) DeleteOutboxInTx(ctx context.Context, tx store.DBTX, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		DELETE FROM conveyor_outbox
		WHERE namespace = $1 AND id = ANY($2)
	`, namespace, ids)
	return err
}

func (s *Store) OutboxDue(ctx context.Context, namespace string, olderThan, now int64, limit int) ([]store.OutboxRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_request_id, type, path, data, target_at, created_at
		FROM conveyor_outbox
		WHERE namespace = $1
		  AND created_at <= $2
		  AND (target_at IS NULL OR target_at <= $3)
		ORDER BY created_at, id
		LIMIT $4
	`, namespace, olderThan, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutbox(rows, namespace)
}

func (s *Store) DeleteOutbox(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_outbox
		WHERE namespace = $1 AND id = ANY($2)
	`, namespace, ids)
	return err
}

func (s *Store) DeleteOutboxBySource(ctx context.Context, namespace, sourceRequestID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_outbox
		WHERE namespace = $1 AND source_request_id = $2
	`, namespace, sourceRequestID)
	return err
}

func (s *Store) DeleteResultsBefore(ctx context.Context, namespace string, cutoff int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_results
		WHERE namespace = $1 AND created_at < $2
	`, namespace, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanOutbox(rows pgx.Rows, namespace string) ([]store.OutboxRow, error) {
	var out []store.OutboxRow
	for rows.Next() {
		r := store.OutboxRow{Namespace: namespace}
		if err := rows.Scan(&r.ID, &r.SourceRequestID, &r.Type, &r.Path, &r.Data, &r.TargetAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
