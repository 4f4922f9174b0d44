// Package memstore is an in-memory store used by unit tests. Transactions
// are serialized behind one mutex and staged, so a failed function leaves
// nothing behind. Handlers that issue raw SQL through the DBTX get an
// error; only the framework's own store calls work here.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/baechuer/conveyor/store"
)

var errRawSQL = errors.New("memstore: raw SQL is not supported")

type Store struct {
	mu      sync.Mutex
	results map[string]store.ResultRow // namespace \x00 request_id
	outbox  map[string]store.OutboxRow // namespace \x00 id

	failNext error
}

func New() *Store {
	return &Store{
		results: make(map[string]store.ResultRow),
		outbox:  make(map[string]store.OutboxRow),
	}
}

// FailNextTx makes the next InTx commit fail with err. Used to exercise
// retry paths.
func (s *Store) FailNextTx(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

type memTx struct {
	store    *Store
	readOnly bool
	done     bool

	// staged writes, applied on commit
	putResults map[string]store.ResultRow
	putOutbox  map[string]store.OutboxRow
	delOutbox  map[string]struct{}
}

func (s *Store) InTx(ctx context.Context, readOnly bool, fn func(tx store.DBTX) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	tx := &memTx{
		store:      s,
		readOnly:   readOnly,
		putResults: make(map[string]store.ResultRow),
		putOutbox:  make(map[string]store.OutboxRow),
		delOutbox:  make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		tx.done = true
		return err
	}
	for k := range tx.delOutbox {
		delete(s.outbox, k)
	}
	for k, v := range tx.putResults {
		s.results[k] = v
	}
	for k, v := range tx.putOutbox {
		s.outbox[k] = v
	}
	tx.done = true
	return nil
}

// pgx-shaped surface; raw SQL has no meaning in memory.

func (t *memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errRawSQL
}

func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errRawSQL
}

func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{}
}

type errRow struct{}

func (errRow) Scan(dest ...any) error { return errRawSQL }

func (s *Store) tx(tx store.DBTX) (*memTx, error) {
	mt, ok := tx.(*memTx)
	if !ok || mt.store != s {
		return nil, errors.New("memstore: foreign transaction")
	}
	if mt.done {
		return nil, errors.New("memstore: transaction already closed")
	}
	return mt, nil
}

func key(namespace, id string) string { return namespace + "\x00" + id }

func (s *Store) FindResult(ctx context.Context, tx store.DBTX, namespace, requestID string) (*store.ResultRow, error) {
	mt, err := s.tx(tx)
	if err != nil {
		return nil, err
	}
	if row, ok := mt.putResults[key(namespace, requestID)]; ok {
		return &row, nil
	}
	if row, ok := s.results[key(namespace, requestID)]; ok {
		return &row, nil
	}
	return nil, nil
}

func (s *Store) InsertResult(ctx context.Context, tx store.DBTX, row store.ResultRow) (bool, error) {
	mt, err := s.tx(tx)
	if err != nil {
		return false, err
	}
	if mt.readOnly {
		return false, errors.New("memstore: write in read-only transaction")
	}
	k := key(row.Namespace, row.RequestID)
	if _, ok := s.results[k]; ok {
		return false, nil
	}
	if _, ok := mt.putResults[k]; ok {
		return false, nil
	}
	mt.putResults[k] = row
	return true, nil
}

func (s *Store) InsertOutbox(ctx context.Context, tx store.DBTX, rows []store.OutboxRow) error {
	mt, err := s.tx(tx)
	if err != nil {
		return err
	}
	if mt.readOnly {
		return errors.New("memstore: write in read-only transaction")
	}
	for _, r := range rows {
		mt.putOutbox[key(r.Namespace, r.ID)] = r
	}
	return nil
}

func (s *Store) OutboxBySource(ctx context.Context, tx store.DBTX, namespace, sourceRequestID string) ([]store.OutboxRow, error) {
	mt, err := s.tx(tx)
	if err != nil {
		return nil, err
	}
	var out []store.OutboxRow
	for k, r := range s.outbox {
		if _, gone := mt.delOutbox[k]; gone {
			continue
		}
		if r.Namespace == namespace && r.SourceRequestID == sourceRequestID {
			out = append(out, r)
		}
	}
	for _, r := range mt.putOutbox {
		if r.Namespace == namespace && r.SourceRequestID == sourceRequestID {
			out = append(out, r)
		}
	}
	sortRows(out)
	return out, nil
}

func (s *Store) DeleteOutboxInTx(ctx context.Context, tx store.DBTX, namespace string, ids []string) error {
	mt, err := s.tx(tx)
	if err != nil {
		return err
	}
	if mt.readOnly {
		return errors.New("memstore: write in read-only transaction")
	}
	for _, id := range ids {
		mt.delOutbox[key(namespace, id)] = struct{}{}
	}
	return nil
}

func (s *Store) OutboxDue(ctx context.Context, namespace string, olderThan, now int64, limit int) ([]store.OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.OutboxRow
	for _, r := range s.outbox {
		if r.Namespace == namespace && r.CreatedAt <= olderThan && r.Due(now) {
			out = append(out, r)
		}
	}
	sortRows(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteOutbox(ctx context.Context, namespace string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.outbox, key(namespace, id))
	}
	return nil
}

func (s *Store) DeleteOutboxBySource(ctx context.Context, namespace, sourceRequestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.outbox {
		if r.Namespace == namespace && r.SourceRequestID == sourceRequestID {
			delete(s.outbox, k)
		}
	}
	return nil
}

func (s *Store) DeleteResultsBefore(ctx context.Context, namespace string, cutoff int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, r := range s.results {
		if r.Namespace == namespace && r.CreatedAt < cutoff {
			delete(s.results, k)
			n++
		}
	}
	return n, nil
}

// Results returns a copy of all stored results, for assertions.
func (s *Store) Results() []store.ResultRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ResultRow, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Outbox returns a copy of all pending outbox rows, for assertions.
func (s *Store) Outbox() []store.OutboxRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.OutboxRow, 0, len(s.outbox))
	for _, r := range s.outbox {
		out = append(out, r)
	}
	sortRows(out)
	return out
}

func sortRows(rows []store.OutboxRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt != rows[j].CreatedAt {
			return rows[i].CreatedAt < rows[j].CreatedAt
		}
		return rows[i].ID < rows[j].ID
	})
}
