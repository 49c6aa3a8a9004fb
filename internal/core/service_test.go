package core

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/recordio/internal/archive"
	"github.com/JonMunkholm/recordio/internal/format"
	"github.com/JonMunkholm/recordio/internal/logging"
	"github.com/JonMunkholm/recordio/internal/mapping"
	"github.com/JonMunkholm/recordio/internal/metrics"
	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
	"github.com/JonMunkholm/recordio/internal/storage/sqlite"
)

const countriesCSV = "EXTERNAL_ID,code,name\ncountry_fr,FR,France\ncountry_de,DE,Germany\n"

func TestImportFromBytesCSV(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewService(f.store, f.cat)

	res, err := svc.ImportFromBytes(ctx, "country", []byte(countriesCSV), ImportOptions{})
	require.NoError(t, err)
	assert.False(t, res.ErrorFound())
	assert.Len(t, res.Created, 2)
	assert.NotEmpty(t, res.SessionID)

	de, err := svc.Registry().Get(ctx, "country", "country_de")
	require.NoError(t, err)
	require.NotNil(t, de)
	assert.Equal(t, "Germany", de.Get("name"))

	sessions, err := svc.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions, "a clean session removes its row")

	// Importing the same file again updates in place.
	res, err = svc.ImportFromBytes(ctx, "country", []byte(countriesCSV), ImportOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Len(t, res.Updated, 2)
}

func TestImportFromBytesReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewService(f.store, f.cat)

	_, err := svc.ImportFromBytes(ctx, "country", []byte(countriesCSV), ImportOptions{})
	require.NoError(t, err)

	partners := "EXTERNAL_ID;name;country/EXTERNAL_ID;age\np1;Acme;country_fr;7\np2;Bolt;country_it;8\n"
	res, err := svc.ImportFromBytes(ctx, "partner", []byte(partners), ImportOptions{
		CSV: format.CSVOptions{Delimiter: ';'},
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "country_it")
	assert.Len(t, res.Created, 2, "the unresolved field is skipped, not the record")

	p1, err := svc.Registry().Get(ctx, "partner", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p1.Get("age"))
	assert.NotNil(t, p1.Get("country"))

	p2, err := svc.Registry().Get(ctx, "partner", "p2")
	require.NoError(t, err)
	assert.Nil(t, p2.Get("country"))

	sessions, err := svc.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1, "a session with errors keeps its row")
}

func TestImportFromBytesCheckOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewService(f.store, f.cat)

	res, err := svc.ImportFromBytes(ctx, "country", []byte(countriesCSV), ImportOptions{CheckOnly: true, CommitPerGroup: true})
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)

	rows, err := f.store.Query(ctx, "country", nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
	entries, err := svc.Registry().Entries(ctx, "country")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImportFromBytesAbortArchives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()
	sink, err := archive.NewFilesystem(dir)
	require.NoError(t, err)
	m := metrics.New()
	svc := NewService(f.store, f.cat, WithArchive(sink), WithMetrics(m))

	doc := `<records>
  <record model="country"><field name="code">FR</field></record>
  <record model="country"><field name="nope">x</field></record>
</records>`
	res, err := svc.ImportFromBytes(ctx, "country", []byte(doc), ImportOptions{Mode: ModeXML, OnError: "raise"})
	require.Error(t, err)
	assert.True(t, IsAbort(err))
	assert.ErrorIs(t, err, ErrUnknownField)
	require.NotNil(t, res)
	assert.True(t, res.Aborted)

	rows, err := f.store.Query(ctx, "country", nil)
	require.NoError(t, err)
	assert.Empty(t, rows, "an aborted run rolls back its open group")

	matches, err := filepath.Glob(filepath.Join(dir, "*", "*", "*", res.SessionID, "report.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	report, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(report), `"aborted": true`)

	prom := filepath.Join(t.TempDir(), "recordio.prom")
	require.NoError(t, m.WriteTextfile(prom))
	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `recordio_imports_total{outcome="aborted"} 1`)
}

func TestImportFromBytesRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewService(f.store, f.cat, WithMaxPayloadSize(8))

	_, err := svc.ImportFromBytes(ctx, "country", []byte(countriesCSV), ImportOptions{})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = svc.ImportFromBytes(ctx, "planet", []byte("a"), ImportOptions{})
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = svc.ImportFromBytes(ctx, "country", []byte("a"), ImportOptions{IfExist: "merge"})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = svc.ImportFromBytes(ctx, "country", []byte("a"), ImportOptions{Mode: "json"})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestCleanAndDeleteForModule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := metrics.New()
	svc := NewService(f.store, f.cat, WithMetrics(m))

	_, err := svc.ImportFromBytes(ctx, "country", []byte(countriesCSV), ImportOptions{Module: "geo"})
	require.NoError(t, err)

	// A row removed without hooks leaves an orphaned entry.
	fr, err := svc.Registry().Get(ctx, "country", "country_fr")
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, fr, storage.WithoutHooks()))
	require.NoError(t, f.store.Commit(ctx))

	n, err := svc.Clean(ctx, mapping.CleanFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.DeleteForModule(ctx, "geo", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := f.store.Query(ctx, "country", nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestTwoGroupImportIsDurable(t *testing.T) {
	ctx := context.Background()
	cat := testCatalog(t)
	path := filepath.Join(t.TempDir(), "recordio.db")

	store, err := sqlite.Open(ctx, path, cat)
	require.NoError(t, err)
	svc := NewService(store, cat)

	doc := `<records>
  <record model="country" external_id="country_fr"><field name="code">FR</field></record>
  <commit/>
  <record model="partner" external_id="p1">
    <field name="name">Acme</field>
    <field name="country" external_id="country_fr"/>
  </record>
</records>`
	res, err := svc.ImportFromBytes(ctx, "partner", []byte(doc), ImportOptions{Mode: ModeXML, CommitPerGroup: true})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Len(t, res.Created, 2)
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(ctx, path, cat)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	svc = NewService(reopened, cat)

	p1, err := svc.Registry().Get(ctx, "partner", "p1")
	require.NoError(t, err)
	require.NotNil(t, p1)
	assert.Equal(t, "Acme", p1.Get("name"))

	fr, err := svc.Registry().Get(ctx, "country", "country_fr")
	require.NoError(t, err)
	require.NotNil(t, fr)

	sessions, err := reopened.Query(ctx, schema.ImporterModel, nil)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// Deleting through the reopened store still cascades.
	require.NoError(t, reopened.Delete(ctx, p1))
	got, err := svc.Registry().PrimaryKeys(ctx, "partner", "p1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCleanSchedulerRunsImmediately(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, f.cat)

	fr := f.insert(t, "country", map[string]any{"code": "FR"})
	f.mapKey(t, "country_fr", fr)
	require.NoError(t, f.store.Delete(context.Background(), fr, storage.WithoutHooks()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.StartCleanScheduler(ctx, time.Hour, mapping.CleanFilter{})

	entries, err := svc.Registry().Entries(context.Background(), "country")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportWaitsForSession(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, f.cat, WithSessionWait(20*time.Millisecond))

	require.True(t, svc.gate.TryAcquire())
	defer svc.gate.Release()

	_, err := svc.ExportToStream(context.Background(), "country", []Descriptor{{Path: "code"}}, nil)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestDeleteKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewService(f.store, f.cat)

	_, err := svc.ImportFromBytes(ctx, "country", []byte(countriesCSV), ImportOptions{})
	require.NoError(t, err)

	n, err := svc.DeleteKeys(ctx, "country", []string{"country_fr", "country_xx"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rows, err := f.store.Query(ctx, "country", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "entries go, records stay")

	n, err = svc.DeleteKeys(ctx, "country", []string{"country_de"}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rows, err = f.store.Query(ctx, "country", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestImportLogsCarrySessionFields(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(logging.New(&buf, "info", "json"))
	defer slog.SetDefault(prev)

	f := newFixture(t)
	svc := NewService(f.store, f.cat)
	res, err := svc.ImportFromBytes(context.Background(), "country", []byte(countriesCSV), ImportOptions{})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry), string(line))
		msg, _ := entry["msg"].(string)
		if msg != "import started" && msg != "import finished" {
			continue
		}
		seen[msg] = true
		assert.Equal(t, "country", entry["model"], msg)
		assert.Equal(t, ModeCSV, entry["mode"], msg)
		assert.Equal(t, res.SessionID, entry["session_id"], msg)
	}
	assert.True(t, seen["import started"])
	assert.True(t, seen["import finished"])
}
