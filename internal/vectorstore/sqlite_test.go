package vectorstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) Store {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db, "knowledge")
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, newTestSQLiteStore)
}

func TestSQLiteStore_TenantIsolation(t *testing.T) {
	runIsolationProperty(t, newTestSQLiteStore)
}

func TestSQLiteStore_DimensionIsPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, NewSQLiteStore(db, "knowledge").EnsureCollection(ctx, 3))
	err = NewSQLiteStore(db, "knowledge").EnsureCollection(ctx, 5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	require.NoError(t, NewSQLiteStore(db, "schemas").EnsureCollection(ctx, 5))
}

func TestSQLiteStore_CollectionsAreSeparate(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	defer db.Close()

	a := NewSQLiteStore(db, "a")
	b := NewSQLiteStore(db, "b")
	require.NoError(t, a.EnsureCollection(ctx, 3))
	require.NoError(t, b.EnsureCollection(ctx, 3))
	require.NoError(t, a.Upsert(ctx, []Point{testPoint("acme", "x.md", "docs", 0, 1, 0, 0)}))

	n, err := b.Count(ctx, Filter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Zero(t, n)
}
