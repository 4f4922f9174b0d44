// Package store defines the persistence contract behind conveyor's
// idempotency results and transactional outbox. The postgres subpackage is
// the production implementation; memstore backs unit tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Outbox row types.
const (
	OutboxRequest = "request" // republished with Request-Id = row id
	OutboxMessage = "message" // raw publish, no headers
)

// ErrSerialization marks a transaction that failed a serializable-isolation
// check and should be retried by redelivery. Implementations wrap the
// driver error with this sentinel.
var ErrSerialization = errors.New("store: serialization failure")

// ResultRow is one persisted request result, keyed by (namespace,
// request_id). Timestamps are milliseconds since the Unix epoch.
type ResultRow struct {
	Namespace      string
	RequestID      string
	RequestedPath  string
	RequestedInput []byte // canonical JSON
	Data           []byte // JSON
	Status         int
	CreatedAt      int64
}

// OutboxRow is one pending bus publication captured inside a handler
// transaction. ID is a time-ordered UUID; TargetAt defers delivery.
type OutboxRow struct {
	Namespace       string
	ID              string
	SourceRequestID string
	Type            string
	Path            string
	Data            []byte
	TargetAt        *int64
	CreatedAt       int64
}

// Due reports whether the row is eligible for publishing at now (ms epoch).
func (r OutboxRow) Due(now int64) bool {
	return r.TargetAt == nil || *r.TargetAt <= now
}

// DBTX is the query surface handlers and the framework share inside a
// transaction. pgx.Tx satisfies it; memstore hands out a stub.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the persistence contract. All transactional methods take the
// DBTX they must run on; dispatcher-side methods run in implicit
// transactions of their own.
type Store interface {
	// InTx runs fn inside a serializable transaction (read-only when
	// readOnly is set) and commits unless fn errors.
	InTx(ctx context.Context, readOnly bool, fn func(tx DBTX) error) error

	// FindResult returns the stored result for a request id, or nil.
	FindResult(ctx context.Context, tx DBTX, namespace, requestID string) (*ResultRow, error)

	// InsertResult inserts with ON CONFLICT DO NOTHING semantics and
	// reports whether the row was actually written.
	InsertResult(ctx context.Context, tx DBTX, row ResultRow) (bool, error)

	// InsertOutbox appends rows captured by a scheduler.
	InsertOutbox(ctx context.Context, tx DBTX, rows []OutboxRow) error

	// OutboxBySource returns residual rows for one source request id.
	OutboxBySource(ctx context.Context, tx DBTX, namespace, sourceRequestID string) ([]OutboxRow, error)

	// DeleteOutboxInTx removes rows by id inside the given transaction.
	// Used when residual rows are replayed during an idempotency hit.
	DeleteOutboxInTx(ctx context.Context, tx DBTX, namespace string, ids []string) error

	// OutboxDue returns up to limit rows created before olderThan whose
	// target time, if any, has passed by now. Oldest first.
	OutboxDue(ctx context.Context, namespace string, olderThan, now int64, limit int) ([]OutboxRow, error)

	// DeleteOutbox removes rows by id after their publish was acknowledged.
	DeleteOutbox(ctx context.Context, namespace string, ids []string) error

	// DeleteOutboxBySource removes every row tagged with one source
	// request id (post-commit fast path).
	DeleteOutboxBySource(ctx context.Context, namespace, sourceRequestID string) error

	// DeleteResultsBefore prunes result rows older than cutoff and
	// returns how many went.
	DeleteResultsBefore(ctx context.Context, namespace string, cutoff int64) (int64, error)
}

// NowMillis is the timestamp convention used across both tables.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
