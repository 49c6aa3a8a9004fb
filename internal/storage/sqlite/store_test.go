package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

func testCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	cat := schema.NewCatalog()
	cat.Register(schema.Model{
		Name: "customer",
		Fields: []schema.Field{
			{Name: "id", Type: schema.FieldInteger, PrimaryKey: true, AutoIncrement: true},
			{Name: "name", Type: schema.FieldString},
			{Name: "balance", Type: schema.FieldDecimal},
		},
	})
	return cat
}

func openStore(t *testing.T, path string, cat *schema.Catalog) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, cat)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCommitIsDurable(t *testing.T) {
	ctx := context.Background()
	cat := testCatalog(t)
	path := filepath.Join(t.TempDir(), "data", "recordio.db")

	s := openStore(t, path, cat)
	balance, err := storage.ParseNumeric("10.25")
	require.NoError(t, err)
	a, err := s.Insert(ctx, "customer", map[string]any{"name": "alice", "balance": balance})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "customer", map[string]any{"name": "bob"})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	// Uncommitted work is not persisted.
	_, err = s.Insert(ctx, "customer", map[string]any{"name": "carol"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openStore(t, path, cat)
	rows, err := reopened.Query(ctx, "customer", nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Same(a))
	assert.Equal(t, "10.25", storage.NumericString(rows[0].Get("balance").(pgtype.Numeric)))

	// Auto-increment continues after reload.
	c, err := reopened.Insert(ctx, "customer", map[string]any{"name": "carol"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Key["id"])
}

func TestDeleteIsDurable(t *testing.T) {
	ctx := context.Background()
	cat := testCatalog(t)
	path := filepath.Join(t.TempDir(), "recordio.db")

	s := openStore(t, path, cat)
	a, err := s.Insert(ctx, "customer", map[string]any{"name": "alice"})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	require.NoError(t, s.Update(ctx, a, map[string]any{"name": "alicia"}))
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Delete(ctx, a))
	require.NoError(t, s.Rollback(ctx))
	require.NoError(t, s.Close())

	reopened := openStore(t, path, cat)
	got, err := reopened.Find(ctx, "customer", storage.PrimaryKey{"id": 1})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alicia", got.Get("name"))

	require.NoError(t, reopened.Delete(ctx, got))
	require.NoError(t, reopened.Commit(ctx))

	var n int
	require.NoError(t, reopened.DB().QueryRow(`SELECT COUNT(*) FROM records WHERE model = 'customer'`).Scan(&n))
	assert.Equal(t, 0, n)
}
