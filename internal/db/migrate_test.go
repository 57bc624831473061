// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrator_embeddedUp(t *testing.T) {
	db := openRaw(t)
	m := NewEmbeddedMigrator(db)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "kv_store", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)

	// Running again is a no-op.
	require.NoError(t, m.Up())
	applied, err = m.GetAppliedMigrations()
	require.NoError(t, err)
	assert.Len(t, applied, 2)
}

func TestMigrator_skipsMalformedNames(t *testing.T) {
	db := openRaw(t)
	source := fstest.MapFS{
		"m/V1__first.up.sql":    {Data: []byte("CREATE TABLE first (id INTEGER);")},
		"m/V1__first.down.sql":  {Data: []byte("DROP TABLE first;")},
		"m/notes.txt":           {Data: []byte("ignored")},
		"m/Vx__broken.up.sql":   {Data: []byte("CREATE TABLE broken (id INTEGER);")},
		"m/V2__second.up.sql":   {Data: []byte("CREATE TABLE second (id INTEGER);")},
		"m/nounderscore.up.sql": {Data: []byte("CREATE TABLE nope (id INTEGER);")},
	}
	m := NewMigrator(db, source, "m")
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name IN ('broken', 'nope')").Scan(&n))
	assert.Zero(t, n)
}

func TestMigrator_Down(t *testing.T) {
	db := openRaw(t)
	m := NewEmbeddedMigrator(db)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	require.NoError(t, m.Down())
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'kv'").Scan(&n))
	assert.Zero(t, n)

	assert.Error(t, m.Down(), "nothing left to roll back")
}
