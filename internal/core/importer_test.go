package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/recordio/internal/format"
	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

func parseXML(t *testing.T, doc string) *format.Payload {
	t.Helper()
	p, err := format.ParseXML(strings.NewReader(doc))
	require.NoError(t, err)
	return p
}

func TestParsePolicies(t *testing.T) {
	got, err := ParseIfExist("")
	require.NoError(t, err)
	assert.Equal(t, IfExistUpdate, got)

	got, err = ParseIfExist(" Continue ")
	require.NoError(t, err)
	assert.Equal(t, IfExistContinue, got)

	_, err = ParseIfExist("replace")
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	dne, err := ParseIfDoesNotExist("")
	require.NoError(t, err)
	assert.Equal(t, IfDoesNotExistCreate, dne)

	_, err = ParseIfDoesNotExist("skip")
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	onErr, err := ParseOnError("RAISE")
	require.NoError(t, err)
	assert.Equal(t, OnErrorRaise, onErr)
}

func TestCheckEntryBeforeImport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	existing := f.insert(t, "partner", map[string]any{"name": "Acme"})

	tests := []struct {
		name           string
		entry          *storage.Record
		ifExist        IfExist
		ifDoesNotExist IfDoesNotExist
		wantSkip       bool
		wantEntry      bool
		wantErrors     int
	}{
		{name: "exists update", entry: existing, ifExist: IfExistUpdate, wantSkip: false, wantEntry: true},
		{name: "exists pass", entry: existing, ifExist: IfExistPass, wantSkip: true, wantEntry: true},
		{name: "exists raise", entry: existing, ifExist: IfExistRaise, wantSkip: true, wantErrors: 1},
		{name: "missing create", ifDoesNotExist: IfDoesNotExistCreate, wantSkip: false},
		{name: "missing pass", ifDoesNotExist: IfDoesNotExistPass, wantSkip: true},
		{name: "missing raise", ifDoesNotExist: IfDoesNotExistRaise, wantSkip: true, wantErrors: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := f.importer(Options{})
			skip, entry, err := im.CheckEntryBeforeImport(ctx, "partner", tt.entry, tt.ifExist, tt.ifDoesNotExist)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSkip, skip)
			assert.Equal(t, tt.wantEntry, entry != nil)
			assert.Len(t, im.Errors(), tt.wantErrors)
		})
	}
}

func TestCheckEntryRaiseAborts(t *testing.T) {
	f := newFixture(t)
	existing := f.insert(t, "partner", map[string]any{"name": "Acme"})

	im := f.importer(Options{OnError: OnErrorRaise})
	_, _, err := im.CheckEntryBeforeImport(context.Background(), "partner", existing, IfExistRaise, "")

	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Len(t, ie.Messages, 1)
	assert.ErrorIs(t, err, ErrPolicyViolation)
}

func TestImportEntryContinueKeepsEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	existing := f.insert(t, "partner", map[string]any{"name": "Acme"})

	im := f.importer(Options{})
	got, err := im.ImportEntry(ctx, existing, map[string]any{"name": "Other"}, EntryOptions{
		ExternalID: "p1",
		Param:      "acme",
		IfExist:    IfExistContinue,
	})
	require.NoError(t, err)
	assert.True(t, got.Same(existing))

	stored, err := f.store.Find(ctx, "partner", existing.Key)
	require.NoError(t, err)
	assert.Equal(t, "Acme", stored.Get("name"))

	res := im.Result()
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Updated)

	mapped, err := f.registry.Get(ctx, "partner", "p1")
	require.NoError(t, err)
	assert.True(t, mapped.Same(existing))

	alias, ok := im.Param("partner", "acme")
	require.True(t, ok)
	assert.True(t, alias.(*storage.Record).Same(existing))
}

func TestImportEntryCreateAlwaysInserts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	existing := f.insert(t, "partner", map[string]any{"name": "Acme"})

	im := f.importer(Options{IfExist: IfExistCreate})
	got, err := im.ImportEntry(ctx, existing, map[string]any{"name": "Acme"}, EntryOptions{Model: "partner"})
	require.NoError(t, err)
	assert.False(t, got.Same(existing))

	rows, err := f.store.Query(ctx, "partner", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Len(t, im.Result().Created, 1)
}

func TestImportEntryParamConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.insert(t, "partner", map[string]any{"name": "A"})
	b := f.insert(t, "partner", map[string]any{"name": "B"})

	im := f.importer(Options{})
	_, err := im.ImportEntry(ctx, a, nil, EntryOptions{Param: "x"})
	require.NoError(t, err)
	_, err = im.ImportEntry(ctx, a, nil, EntryOptions{Param: "x"})
	require.NoError(t, err)
	assert.Empty(t, im.Errors(), "same handle twice is not a conflict")

	_, err = im.ImportEntry(ctx, b, nil, EntryOptions{Param: "x"})
	require.NoError(t, err)
	require.Len(t, im.Errors(), 1)
	assert.Contains(t, im.Errors()[0], `param "x"`)
}

func TestFindEntryPriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	byParam := f.insert(t, "partner", map[string]any{"name": "param"})
	byKey := f.insert(t, "partner", map[string]any{"name": "key"})
	byPK := f.insert(t, "partner", map[string]any{"name": "pk"})
	f.mapKey(t, "ext", byKey)

	im := f.importer(Options{})
	im.SetParam("partner", "p", byParam)

	got, err := im.FindEntry(ctx, "partner", "ext", "p", map[string]any{"id": byPK.Key["id"]})
	require.NoError(t, err)
	assert.True(t, got.Same(byParam))

	got, err = im.FindEntry(ctx, "partner", "ext", "", map[string]any{"id": byPK.Key["id"]})
	require.NoError(t, err)
	assert.True(t, got.Same(byKey))

	got, err = im.FindEntry(ctx, "partner", "missing", "", map[string]any{"id": byPK.Key["id"]})
	require.NoError(t, err)
	assert.True(t, got.Same(byPK))

	got, err = im.FindEntry(ctx, "partner", "missing", "", map[string]any{"name": "pk"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestImportFieldParams(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fr := f.insert(t, "country", map[string]any{"code": "FR"})
	m, _ := f.cat.Model("partner")
	countryField, _ := m.Field("country")
	nameField, _ := m.Field("name")

	im := f.importer(Options{})

	// Defining: the text is coerced and kept as the alias.
	got, err := im.ImportField(ctx, format.Field{Name: "country", Param: "home", Value: text("FR")}, countryField)
	require.NoError(t, err)
	assert.True(t, got.(*storage.Record).Same(fr))

	// Reading: no text returns the alias.
	got, err = im.ImportField(ctx, format.Field{Name: "country", Param: "home"}, countryField)
	require.NoError(t, err)
	assert.True(t, got.(*storage.Record).Same(fr))
	assert.Empty(t, im.Errors())

	// A scalar field has no target model.
	got, err = im.ImportField(ctx, format.Field{Name: "name", Param: "n", Value: text("x")}, nameField)
	require.NoError(t, err)
	assert.Nil(t, got)
	require.Len(t, im.Errors(), 1)
	assert.Contains(t, im.Errors()[0], ErrMissingTarget.Error())
}

func TestImportFieldExternalID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fr := f.insert(t, "country", map[string]any{"code": "FR"})
	f.mapKey(t, "country_fr", fr)
	m, _ := f.cat.Model("partner")
	countryField, _ := m.Field("country")
	codeField, _ := m.Field("country_code")

	im := f.importer(Options{})

	got, err := im.ImportField(ctx, format.Field{Name: "country", ExternalID: "country_fr"}, countryField)
	require.NoError(t, err)
	assert.True(t, got.(*storage.Record).Same(fr))

	// A scalar field receives the record's single key value.
	got, err = im.ImportField(ctx, format.Field{Name: "country_code", Model: "country", ExternalID: "country_fr"}, codeField)
	require.NoError(t, err)
	assert.Equal(t, "FR", got)

	got, err = im.ImportField(ctx, format.Field{Name: "country_code", ExternalID: "country_fr"}, codeField)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Len(t, im.Errors(), 1)
}

func TestImportValueNestedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	im := f.importer(Options{})

	node := format.Record{Fields: []format.Field{
		{Name: "code", Value: text("DE")},
		{Name: "name", Value: text("Germany")},
	}}

	got, err := im.ImportValue(ctx, node, schema.FieldMany2One, "country")
	require.NoError(t, err)
	rec, ok := got.(*storage.Record)
	require.True(t, ok)
	assert.Equal(t, "Germany", rec.Get("name"))

	// The second import finds the record and yields its key for a scalar.
	got, err = im.ImportValue(ctx, node, schema.FieldString, "country")
	require.NoError(t, err)
	assert.Equal(t, "DE", got)
	assert.Len(t, im.Result().Created, 1)
	assert.Len(t, im.Result().Updated, 1)
}

func TestImportRecordWithoutModel(t *testing.T) {
	f := newFixture(t)
	im := f.importer(Options{})

	rec, err := im.ImportRecord(context.Background(), format.Record{Fields: []format.Field{{Name: "name", Value: text("x")}}})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Len(t, im.Errors(), 1)
}

func TestImportRecordUnknownFieldReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	im := f.importer(Options{})

	rec, err := im.ImportRecord(ctx, format.Record{
		Model: "partner",
		Fields: []format.Field{
			{Name: "name", Value: text("Acme")},
			{Name: "nope", Value: text("x")},
			{Name: "age", Value: text("old")},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Acme", rec.Get("name"))
	assert.Nil(t, rec.Get("age"))
	assert.Len(t, im.Errors(), 2)
}

func TestRunNestedAndMultiValues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	im := f.importer(Options{})

	p := parseXML(t, `<records>
  <record model="tag" external_id="tag_red"><field name="name">red</field></record>
  <record model="partner" external_id="p1">
    <field name="name">Acme</field>
    <field name="active">1</field>
    <field name="country">
      <record model="country" external_id="country_fr">
        <field name="code">FR</field>
      </record>
    </field>
    <field name="tags" external_id="tag_red"/>
  </record>
</records>`)

	res, err := im.Run(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Len(t, res.Created, 3)

	partner, err := f.registry.Get(ctx, "partner", "p1")
	require.NoError(t, err)
	require.NotNil(t, partner)
	assert.Equal(t, true, partner.Get("active"))
	assert.Equal(t, storage.PrimaryKey{"code": "FR"}, partner.Get("country"))
	tags, _ := partner.Get("tags").([]storage.PrimaryKey)
	require.Len(t, tags, 1)
	assert.Equal(t, int64(1), tags[0]["id"])
}

func TestRunBadNodeKeepsSiblings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	im := f.importer(Options{})

	p := parseXML(t, `<records>
  <record model="country"><field name="code">FR</field></record>
  <bogus/>
  <record model="country"><field>nameless</field><field name="code">DE</field></record>
</records>`)

	res, err := im.Run(ctx, p)
	require.NoError(t, err)
	assert.Len(t, res.Errors, 2)
	assert.Len(t, res.Created, 2)
}

func TestRunBadRoot(t *testing.T) {
	f := newFixture(t)
	im := f.importer(Options{})

	res, err := im.Run(context.Background(), parseXML(t, `<rows><record model="country"/></rows>`))
	require.NoError(t, err)
	assert.Len(t, res.Errors, 1)
	assert.Empty(t, res.Created)
}

func TestRunRaiseKeepsCommittedGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	im := f.importer(Options{CommitPerGroup: true})

	p := parseXML(t, `<records on_error="raise">
  <record model="country"><field name="code">FR</field></record>
  <commit/>
  <record model="country"><field name="code">DE</field></record>
  <record model="country"><field>nameless</field></record>
  <record model="country"><field name="code">IT</field></record>
</records>`)

	res, err := im.Run(ctx, p)
	var ie *ImportError
	require.ErrorAs(t, err, &ie)
	assert.Len(t, ie.Messages, 1)
	assert.Len(t, res.Errors, 1)
	assert.True(t, errors.Is(err, ErrMalformedInput))

	require.NoError(t, f.store.Rollback(ctx))
	rows, err := f.store.Query(ctx, "country", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "FR", rows[0].Get("code"))
}

func TestCommitRefusals(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		opts   Options
		errors bool
		want   bool
	}{
		{name: "commits", opts: Options{CommitPerGroup: true}, want: true},
		{name: "group commits disabled", opts: Options{}, want: false},
		{name: "check only", opts: Options{CommitPerGroup: true, CheckOnly: true}, want: false},
		{name: "errors recorded", opts: Options{CommitPerGroup: true}, errors: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			im := f.importer(tt.opts)
			if tt.errors {
				require.NoError(t, im.report(ctx, ErrInvalidValue))
			}
			ok, err := im.Commit(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestReimportUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := `<records>
  <record model="partner" external_id="p1"><field name="name">Acme</field></record>
</records>`

	first, err := f.importer(Options{}).Run(ctx, parseXML(t, doc))
	require.NoError(t, err)
	assert.Len(t, first.Created, 1)

	second, err := f.importer(Options{}).Run(ctx, parseXML(t, strings.Replace(doc, "Acme", "Acme Inc", 1)))
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Len(t, second.Updated, 1)

	rows, err := f.store.Query(ctx, "partner", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Acme Inc", rows[0].Get("name"))
}

func TestRecordPolicyOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	im := f.importer(Options{})

	p := parseXML(t, `<records>
  <record model="country" if_does_not_exist="pass"><field name="code">FR</field></record>
  <record model="country" if_exist="bogus"><field name="code">DE</field></record>
</records>`)

	res, err := im.Run(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], ErrInvalidPolicy.Error())
}
