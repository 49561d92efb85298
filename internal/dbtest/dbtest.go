// Package dbtest opens throwaway SQLite databases with the production schema
// applied, for store tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/m3rciful/liteim/core/database"
	"github.com/m3rciful/liteim/migrations"
)

// Open returns a migrated database living in t.TempDir(). It is closed on cleanup.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()
	cfg := database.Config{Driver: database.DriverSQLite, Path: filepath.Join(t.TempDir(), "test.db")}
	require.NoError(t, cfg.Normalize())

	db, err := sqlx.Open(database.DriverSQLite, cfg.DSN())
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.RunMigrations(db, database.DriverSQLite, migrations.FS))
	return db
}
