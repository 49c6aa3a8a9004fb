package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/recordio/internal/mapping"
	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
	"github.com/JonMunkholm/recordio/internal/storage/memory"
)

func testCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	cat := schema.NewCatalog()
	cat.Register(schema.Model{
		Name: "country",
		Fields: []schema.Field{
			{Name: "code", Type: schema.FieldString, PrimaryKey: true},
			{Name: "name", Type: schema.FieldString},
		},
	})
	cat.Register(schema.Model{
		Name: "tag",
		Fields: []schema.Field{
			{Name: "id", Type: schema.FieldInteger, PrimaryKey: true, AutoIncrement: true},
			{Name: "name", Type: schema.FieldString},
		},
	})
	cat.Register(schema.Model{
		Name: "partner",
		Fields: []schema.Field{
			{Name: "id", Type: schema.FieldInteger, PrimaryKey: true, AutoIncrement: true},
			{Name: "name", Type: schema.FieldString},
			{Name: "state", Type: schema.FieldSelection},
			{Name: "active", Type: schema.FieldBoolean},
			{Name: "age", Type: schema.FieldInteger},
			{Name: "score", Type: schema.FieldFloat},
			{Name: "balance", Type: schema.FieldDecimal},
			{Name: "birthday", Type: schema.FieldDate},
			{Name: "wait", Type: schema.FieldInterval},
			{Name: "meta", Type: schema.FieldJSON},
			{Name: "country", Type: schema.FieldMany2One, Target: "country"},
			{Name: "country_code", Type: schema.FieldString},
			{Name: "tags", Type: schema.FieldMany2Many, Target: "tag"},
		},
	})
	cat.Register(schema.Model{
		Name: "line",
		Fields: []schema.Field{
			{Name: "order", Type: schema.FieldInteger, PrimaryKey: true},
			{Name: "seq", Type: schema.FieldInteger, PrimaryKey: true},
			{Name: "note", Type: schema.FieldString},
		},
	})
	require.NoError(t, cat.Validate())
	return cat
}

type fixture struct {
	cat      *schema.Catalog
	store    *memory.Store
	registry *mapping.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := testCatalog(t)
	store := memory.New(cat)
	return &fixture{cat: cat, store: store, registry: mapping.NewRegistry(store, cat)}
}

func (f *fixture) insert(t *testing.T, model string, values map[string]any) *storage.Record {
	t.Helper()
	rec, err := f.store.Insert(context.Background(), model, values)
	require.NoError(t, err)
	return rec
}

func (f *fixture) mapKey(t *testing.T, key string, rec *storage.Record) {
	t.Helper()
	_, err := f.registry.Set(context.Background(), key, rec)
	require.NoError(t, err)
}

func (f *fixture) importer(opts Options) *Importer {
	return NewImporter(f.store, f.cat, f.registry, opts)
}

func text(s string) *string { return &s }
