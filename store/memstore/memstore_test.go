package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/conveyor/store"
)

func TestInTx_StagesWritesUntilCommit(t *testing.T) {
	s := New()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, false, func(tx store.DBTX) error {
		inserted, err := s.InsertResult(ctx, tx, store.ResultRow{Namespace: "n", RequestID: "r1", Status: 200})
		require.NoError(t, err)
		require.True(t, inserted)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.Results(), "rolled back write must not persist")

	err = s.InTx(ctx, false, func(tx store.DBTX) error {
		inserted, err := s.InsertResult(ctx, tx, store.ResultRow{Namespace: "n", RequestID: "r1", Status: 200})
		require.NoError(t, err)
		require.True(t, inserted)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, s.Results(), 1)
}

func TestInsertResult_DuplicateLoses(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, false, func(tx store.DBTX) error {
		_, err := s.InsertResult(ctx, tx, store.ResultRow{Namespace: "n", RequestID: "r1", Status: 200})
		return err
	}))

	err := s.InTx(ctx, false, func(tx store.DBTX) error {
		inserted, err := s.InsertResult(ctx, tx, store.ResultRow{Namespace: "n", RequestID: "r1", Status: 409})
		require.NoError(t, err)
		assert.False(t, inserted)

		// Different namespace is a different key.
		inserted, err = s.InsertResult(ctx, tx, store.ResultRow{Namespace: "m", RequestID: "r1", Status: 200})
		require.NoError(t, err)
		assert.True(t, inserted)
		return nil
	})
	require.NoError(t, err)
}

func TestFindResult_SeesOwnWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.InTx(ctx, false, func(tx store.DBTX) error {
		_, err := s.InsertResult(ctx, tx, store.ResultRow{Namespace: "n", RequestID: "r1", Status: 201})
		require.NoError(t, err)

		got, err := s.FindResult(ctx, tx, "n", "r1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 201, got.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.InTx(ctx, true, func(tx store.DBTX) error {
		_, err := s.InsertResult(ctx, tx, store.ResultRow{Namespace: "n", RequestID: "r1"})
		return err
	})
	assert.Error(t, err)

	err = s.InTx(ctx, true, func(tx store.DBTX) error {
		return s.InsertOutbox(ctx, tx, []store.OutboxRow{{Namespace: "n", ID: "1"}})
	})
	assert.Error(t, err)
}

func TestOutboxDue_FiltersAndOrders(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := int64(100_000)
	future := now + 60_000

	rows := []store.OutboxRow{
		{Namespace: "n", ID: "03", SourceRequestID: "a", CreatedAt: now - 1_000},
		{Namespace: "n", ID: "01", SourceRequestID: "a", CreatedAt: now - 3_000},
		{Namespace: "n", ID: "02", SourceRequestID: "b", CreatedAt: now - 2_000, TargetAt: &future},
		{Namespace: "other", ID: "09", SourceRequestID: "z", CreatedAt: now - 3_000},
	}
	require.NoError(t, s.InTx(ctx, false, func(tx store.DBTX) error {
		return s.InsertOutbox(ctx, tx, rows)
	}))

	due, err := s.OutboxDue(ctx, "n", now, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2, "deferred and foreign-namespace rows stay out")
	assert.Equal(t, "01", due[0].ID)
	assert.Equal(t, "03", due[1].ID)

	due, err = s.OutboxDue(ctx, "n", now, future, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "01", due[0].ID)
}

func TestDeleteOutboxBySource(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, false, func(tx store.DBTX) error {
		return s.InsertOutbox(ctx, tx, []store.OutboxRow{
			{Namespace: "n", ID: "1", SourceRequestID: "a"},
			{Namespace: "n", ID: "2", SourceRequestID: "a"},
			{Namespace: "n", ID: "3", SourceRequestID: "b"},
		})
	}))

	require.NoError(t, s.DeleteOutboxBySource(ctx, "n", "a"))
	left := s.Outbox()
	require.Len(t, left, 1)
	assert.Equal(t, "3", left[0].ID)

	require.NoError(t, s.DeleteOutbox(ctx, "n", []string{"3"}))
	assert.Empty(t, s.Outbox())
}

func TestDeleteResultsBefore(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, false, func(tx store.DBTX) error {
		for id, created := range map[string]int64{"old": 1_000, "mid": 5_000, "new": 9_000} {
			if _, err := s.InsertResult(ctx, tx, store.ResultRow{Namespace: "n", RequestID: id, CreatedAt: created}); err != nil {
				return err
			}
		}
		return nil
	}))

	n, err := s.DeleteResultsBefore(ctx, "n", 6_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, s.Results(), 1)
	assert.Equal(t, "new", s.Results()[0].RequestID)
}

func TestFailNextTx(t *testing.T) {
	s := New()
	boom := errors.New("serialization")
	s.FailNextTx(boom)

	err := s.InTx(context.Background(), false, func(tx store.DBTX) error { return nil })
	assert.ErrorIs(t, err, boom)

	err = s.InTx(context.Background(), false, func(tx store.DBTX) error { return nil })
	assert.NoError(t, err, "failure is one-shot")
}

func TestRawSQLRejected(t *testing.T) {
	s := New()
	err := s.InTx(context.Background(), false, func(tx store.DBTX) error {
		if _, err := tx.Exec(context.Background(), "DELETE FROM x"); err != nil {
			return err
		}
		return nil
	})
	assert.ErrorIs(t, err, errRawSQL)
}
