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

func TestOpenAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mobility.db")

	db, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('aggregation_runs', 'mobility_features')`).Scan(&count))
	assert.Equal(t, 2, count)
	require.NoError(t, db.Close())

	// reopening does not reapply anything
	db, err = Open(Config{Path: path}, nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestLoadMigrationsOrdered(t *testing.T) {
	m := NewMigrator(nil, nil)
	migrations, err := m.Migrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "002_mobility_features", migrations[1].Name)
}

func TestTransactionRollsBack(t *testing.T) {
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "tx.db")}, nil)
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	err = Transaction(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO aggregation_runs (id, input_path, index_name, resolution, started_at)
			VALUES ('r1', 'in.parquet', 's2', 9, 0)`)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM aggregation_runs").Scan(&count))
	assert.Zero(t, count)
}
