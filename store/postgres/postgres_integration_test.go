//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/baechuer/conveyor/store"
	"github.com/baechuer/conveyor/store/postgres"
)

var testDSN string

// TestMain prefers TEST_DB_DSN and otherwise brings up one disposable
// postgres container for the whole package run.
func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	testDSN = os.Getenv("TEST_DB_DSN")
	if testDSN == "" {
		ctx := context.Background()
		ctr, err := tcpostgres.Run(ctx, "postgres:17",
			tcpostgres.WithDatabase("conveyor_test"),
			tcpostgres.WithUsername("conveyor"),
			tcpostgres.WithPassword("conveyor"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "postgres container unavailable (set TEST_DB_DSN to use an existing database): %v\n", err)
			return 0
		}
		defer func() { _ = testcontainers.TerminateContainer(ctr) }()

		dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Fprintf(os.Stderr, "container connection string: %v\n", err)
			return 1
		}
		testDSN = dsn
	}
	return m.Run()
}

// Helper: Setup DB connection and reset state.
func setupStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), testDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	st := postgres.New(pool)
	require.NoError(t, st.EnsureSchema(context.Background()))

	_, err = pool.Exec(context.Background(), "TRUNCATE TABLE conveyor_results, conveyor_outbox")
	require.NoError(t, err)

	return st, pool
}

func TestInsertResult_FirstWriterWins(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	row := store.ResultRow{
		Namespace:      "itest",
		RequestID:      "req-1",
		RequestedPath:  "users.create",
		RequestedInput: []byte(`{"name":"ada"}`),
		Data:           []byte(`{"id":1}`),
		Status:         200,
		CreatedAt:      store.NowMillis(),
	}

	err := st.InTx(ctx, false, func(tx store.DBTX) error {
		inserted, err := st.InsertResult(ctx, tx, row)
		require.NoError(t, err)
		assert.True(t, inserted)
		return nil
	})
	require.NoError(t, err)

	// Second insert with the same key loses.
	err = st.InTx(ctx, false, func(tx store.DBTX) error {
		inserted, err := st.InsertResult(ctx, tx, row)
		require.NoError(t, err)
		assert.False(t, inserted)
		return nil
	})
	require.NoError(t, err)

	// Stored bytes come back exactly as written.
	err = st.InTx(ctx, true, func(tx store.DBTX) error {
		got, err := st.FindResult(ctx, tx, "itest", "req-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, `{"name":"ada"}`, string(got.RequestedInput))
		assert.Equal(t, 200, got.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestFindResult_MissingReturnsNil(t *testing.T) {
	st, _ := setupStore(t)
	err := st.InTx(context.Background(), true, func(tx store.DBTX) error {
		got, err := st.FindResult(context.Background(), tx, "itest", "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
		return nil
	})
	require.NoError(t, err)
}

func TestOutbox_DueAndDelete(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	now := store.NowMillis()
	future := now + time.Hour.Milliseconds()

	rows := []store.OutboxRow{
		{Namespace: "itest", ID: newV7(t), SourceRequestID: "req-1", Type: store.OutboxRequest, Path: "a.b", Data: []byte(`{}`), CreatedAt: now - 10_000},
		{Namespace: "itest", ID: newV7(t), SourceRequestID: "req-1", Type: store.OutboxMessage, Path: "evt", Data: []byte(`{}`), TargetAt: &future, CreatedAt: now - 10_000},
		{Namespace: "itest", ID: newV7(t), SourceRequestID: "req-2", Type: store.OutboxRequest, Path: "c.d", Data: []byte(`{}`), CreatedAt: now},
	}
	err := st.InTx(ctx, false, func(tx store.DBTX) error {
		return st.InsertOutbox(ctx, tx, rows)
	})
	require.NoError(t, err)

	// 1) Grace window: only rows older than the cutoff qualify, and the
	//    deferred row stays out until its target time.
	due, err := st.OutboxDue(ctx, "itest", now-5_000, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "a.b", due[0].Path)

	// 2) With the cutoff at now the recent row shows up too.
	due, err = st.OutboxDue(ctx, "itest", now, now, 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	// 3) Past the target time the deferred row becomes due.
	due, err = st.OutboxDue(ctx, "itest", now, future, 10)
	require.NoError(t, err)
	assert.Len(t, due, 3)

	// 4) Delete by id, then by source.
	require.NoError(t, st.DeleteOutbox(ctx, "itest", []string{rows[0].ID}))
	err = st.InTx(ctx, true, func(tx store.DBTX) error {
		left, err := st.OutboxBySource(ctx, tx, "itest", "req-1")
		require.NoError(t, err)
		assert.Len(t, left, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, st.DeleteOutboxBySource(ctx, "itest", "req-1"))
	err = st.InTx(ctx, true, func(tx store.DBTX) error {
		left, err := st.OutboxBySource(ctx, tx, "itest", "req-1")
		require.NoError(t, err)
		assert.Empty(t, left)
		return nil
	})
	require.NoError(t, err)
}

func TestOutboxBySource_PreservesInsertionOrder(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	now := store.NowMillis()

	var ids []string
	var rows []store.OutboxRow
	for i := 0; i < 5; i++ {
		id := newV7(t)
		ids = append(ids, id)
		rows = append(rows, store.OutboxRow{
			Namespace: "itest", ID: id, SourceRequestID: "req-9",
			Type: store.OutboxMessage, Path: "evt", Data: []byte(`{}`), CreatedAt: now,
		})
	}
	err := st.InTx(ctx, false, func(tx store.DBTX) error {
		return st.InsertOutbox(ctx, tx, rows)
	})
	require.NoError(t, err)

	err = st.InTx(ctx, true, func(tx store.DBTX) error {
		got, err := st.OutboxBySource(ctx, tx, "itest", "req-9")
		require.NoError(t, err)
		require.Len(t, got, 5)
		for i, r := range got {
			assert.Equal(t, ids[i], r.ID)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteResultsBefore(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	now := store.NowMillis()

	for i, age := range []int64{3_600_000, 1_800_000, 0} {
		row := store.ResultRow{
			Namespace: "itest", RequestID: uuid.NewString(),
			RequestedPath: "p", RequestedInput: []byte("null"),
			Status: 200, CreatedAt: now - age,
		}
		err := st.InTx(ctx, false, func(tx store.DBTX) error {
			_, err := st.InsertResult(ctx, tx, row)
			return err
		})
		require.NoError(t, err, "row %d", i)
	}

	n, err := st.DeleteResultsBefore(ctx, "itest", now-1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestInTx_ReadOnlyRejectsWrites(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, true, func(tx store.DBTX) error {
		_, err := st.InsertResult(ctx, tx, store.ResultRow{
			Namespace: "itest", RequestID: "ro", RequestedPath: "p",
			RequestedInput: []byte("null"), Status: 200, CreatedAt: store.NowMillis(),
		})
		return err
	})
	assert.Error(t, err)
}

func newV7(t *testing.T) string {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id.String()
}
