package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, name string) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: ProfileLedger,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBuildConnectionString(t *testing.T) {
	conn := buildConnectionString("/data/pdt.db", ProfileLedger)
	assert.Contains(t, conn, "/data/pdt.db?_pragma=journal_mode(WAL)")
	assert.Contains(t, conn, "synchronous(FULL)")

	assert.Contains(t, conn, "foreign_keys(1)")

	conn = buildConnectionString("file:test?mode=memory", ProfileStandard)
	assert.Contains(t, conn, "file:test?mode=memory&_pragma=journal_mode(WAL)")
	assert.Contains(t, conn, "synchronous(NORMAL)")
	assert.NotContains(t, conn, "synchronous(FULL)")
}

func TestMigrate_CreatesTablesIdempotently(t *testing.T) {
	for _, name := range []string{"pdt", "executions"} {
		t.Run(name, func(t *testing.T) {
			db := newTestDB(t, name)
			require.NoError(t, db.Migrate())
			require.NoError(t, db.Migrate())

			table := map[string]string{"pdt": "pdt_executions", "executions": "executions"}[name]
			var count int
			err := db.Conn().QueryRowContext(context.Background(),
				"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db := newTestDB(t, "scratch")
	assert.NoError(t, db.Migrate())
}

func TestWithTransaction(t *testing.T) {
	db := newTestDB(t, "pdt")
	require.NoError(t, db.Migrate())

	insert := func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO pdt_executions (account_id, last_executed, next_execution, updated_at)
			VALUES ('U1', 'a', 'b', 'c')`)
		return err
	}

	require.NoError(t, WithTransaction(db.Conn(), insert))

	// Rolled back on error
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, _ = tx.Exec(`DELETE FROM pdt_executions`)
		return errors.New("boom")
	})
	require.Error(t, err)

	// Rolled back on panic
	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, _ = tx.Exec(`DELETE FROM pdt_executions`)
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")

	var count int
	require.NoError(t, db.Conn().QueryRowContext(context.Background(), "SELECT COUNT(*) FROM pdt_executions").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestHealthCheckAndCheckpoint(t *testing.T) {
	db := newTestDB(t, "executions")
	require.NoError(t, db.Migrate())

	assert.NoError(t, db.HealthCheck(context.Background()))
	assert.NoError(t, db.WALCheckpoint(""))
	assert.NoError(t, db.WALCheckpoint("PASSIVE"))
}

func TestNew_DefaultsToStandardProfile(t *testing.T) {
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "nested", "x.db"), Name: "x"})
	require.NoError(t, err)
	defer db.Close()

	var mode int
	require.NoError(t, db.Conn().QueryRow("PRAGMA synchronous").Scan(&mode))
	assert.Equal(t, 1, mode, "NORMAL")
	assert.Equal(t, "x", db.Name())
}
