package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howwee20/Bloom-sub001/pkg/store"
	"github.com/howwee20/Bloom-sub001/pkg/store/storetest"
)

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1", store.Rebind("SELECT 1"))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", store.Rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	assert.Equal(t, "SELECT '?' FROM t WHERE x = $1", store.Rebind("SELECT '?' FROM t WHERE x = ?"))
}

func TestCheckAppendOnly(t *testing.T) {
	refused := []string{
		"UPDATE events SET payload = '{}'",
		"  update receipts set why_changed = 'x'",
		"DELETE FROM events WHERE agent_id = ?",
		"delete from \"receipts\"",
		"TRUNCATE TABLE events",
		"INSERT OR REPLACE INTO events (event_id) VALUES (?)",
		"DROP TABLE IF EXISTS receipts",
	}
	for _, q := range refused {
		err := store.CheckAppendOnly(q)
		assert.ErrorIs(t, err, store.ErrAppendOnly, q)
	}

	allowed := []string{
		"INSERT INTO events (event_id) VALUES (?)",
		"SELECT * FROM events",
		"UPDATE budgets SET credits_cents = ?",
		"DELETE FROM events_archive",
		"UPDATE card_holds SET status = 'released' WHERE auth_id IN (SELECT event_id FROM events)",
	}
	for _, q := range allowed {
		assert.NoError(t, store.CheckAppendOnly(q), q)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := storetest.Open(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestLedgerTablesRefuseMutation(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO events (event_id, agent_id, user_id, seq, type, payload, occurred_at, hash, prev_hash)
		VALUES ('e1', 'a1', 'u1', 1, 'agent_created', '{}', 1, 'h', NULL)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO receipts (receipt_id, agent_id, user_id, event_id, source, what_happened, why_changed, what_happens_next, created_at)
		VALUES ('r1', 'a1', 'u1', 'e1', 'execution', 'x', 'y', 'z', 1)`)
	require.NoError(t, err)

	// Client-level guard.
	_, err = db.ExecContext(ctx, "UPDATE events SET type = 'forged' WHERE event_id = 'e1'")
	assert.ErrorIs(t, err, store.ErrAppendOnly)
	_, err = db.ExecContext(ctx, "DELETE FROM receipts")
	assert.ErrorIs(t, err, store.ErrAppendOnly)

	// Storage-level triggers, bypassing the guard.
	raw := db.Raw()
	for _, q := range []string{
		"UPDATE events SET type = 'forged' WHERE event_id = 'e1'",
		"DELETE FROM events WHERE event_id = 'e1'",
		"UPDATE receipts SET why_changed = 'forged' WHERE receipt_id = 'r1'",
		"DELETE FROM receipts WHERE receipt_id = 'r1'",
	} {
		_, err := raw.ExecContext(ctx, q)
		require.Error(t, err, q)
		assert.True(t, store.IsAppendOnlyViolation(err), "%s: %v", q, err)
	}

	var typ string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT type FROM events WHERE event_id = ?", "e1").Scan(&typ))
	assert.Equal(t, "agent_created", typ)
}

func TestIsUniqueViolation(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()

	insert := "INSERT INTO users (user_id, created_at) VALUES (?, ?)"
	_, err := db.ExecContext(ctx, insert, "u1", 1)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "u1", 2)
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))
	assert.False(t, store.IsUniqueViolation(errors.New("boom")))
	assert.False(t, store.IsUniqueViolation(nil))
}

func TestWithTxRollsBack(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := db.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO users (user_id, created_at) VALUES (?, ?)", "u1", 1); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestLockAgentsPostgres(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	db := store.New(raw, store.Postgres)
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).WithArgs("agent:a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).WithArgs("agent:b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = db.WithTx(context.Background(), func(tx *store.Tx) error {
		return store.LockAgents(context.Background(), tx, "b", "a", "b")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
