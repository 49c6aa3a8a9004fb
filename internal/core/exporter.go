package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/recordio/internal/format"
	"github.com/JonMunkholm/recordio/internal/mapping"
	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

// Mode selects how a descriptor is serialized.
type Mode string

const (
	ModeValue      Mode = "value"
	ModeExternalID Mode = "external_id"
)

// Descriptor names one exported column: a field path of at most one
// relation hop ("country.name") and its serialization mode.
type Descriptor struct {
	Path string `json:"path" yaml:"path"`
	Mode Mode   `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ParseDescriptors reads column specs like "name", "country.code" or
// "country/EXTERNAL_ID".
func ParseDescriptors(specs []string) []Descriptor {
	out := make([]Descriptor, 0, len(specs))
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if path, ok := strings.CutSuffix(s, format.ExternalIDSuffix); ok {
			out = append(out, Descriptor{Path: path, Mode: ModeExternalID})
			continue
		}
		out = append(out, Descriptor{Path: s, Mode: ModeValue})
	}
	return out
}

// ExportTable is the flat output of an export.
type ExportTable struct {
	Header []string
	Rows   [][]string

	// Identity is the header of the column carrying each record's own key,
	// "" when the export has none.
	Identity string
}

// column is a validated descriptor.
type column struct {
	header string
	mode   Mode
	field  schema.Field
	hop    *schema.Field // terminal field after a relation hop
	self   bool          // external key of the exported record itself
}

// Exporter renders records of one model. Descriptors are checked when the
// exporter is built, so a bad path fails before any row is produced.
type Exporter struct {
	store    storage.Store
	catalog  schema.Lookup
	registry *mapping.Registry
	model    string
	cols     []column
	keyOpts  []mapping.SetOption

	minted map[string]int
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithKeyModule assigns minted keys to module.
func WithKeyModule(module string) ExporterOption {
	return func(e *Exporter) {
		if module != "" {
			e.keyOpts = append(e.keyOpts, mapping.WithModule(module))
		}
	}
}

// NewExporter validates descs against model.
func NewExporter(store storage.Store, catalog schema.Lookup, registry *mapping.Registry, model string, descs []Descriptor, opts ...ExporterOption) (*Exporter, error) {
	m, ok := catalog.Model(model)
	if !ok {
		return nil, &ExportError{Path: model, Err: ErrUnknownModel}
	}
	if len(descs) == 0 {
		return nil, &ExportError{Path: model, Err: fmt.Errorf("%w: no columns", ErrInvalidValue)}
	}

	e := &Exporter{
		store:    store,
		catalog:  catalog,
		registry: registry,
		model:    model,
		minted:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, d := range descs {
		col, err := compileColumn(catalog, m, d)
		if err != nil {
			return nil, err
		}
		e.cols = append(e.cols, col)
	}
	return e, nil
}

func compileColumn(catalog schema.Lookup, m *schema.Model, d Descriptor) (column, error) {
	mode := d.Mode
	if mode == "" {
		mode = ModeValue
	}
	if mode != ModeValue && mode != ModeExternalID {
		return column{}, &ExportError{Path: d.Path, Err: fmt.Errorf("%w: mode %q", ErrInvalidValue, d.Mode)}
	}

	parts := strings.Split(d.Path, ".")
	if len(parts) > 2 {
		return column{}, &ExportError{Path: d.Path, Err: fmt.Errorf("%w: path traverses more than one relation", ErrInvalidValue)}
	}
	f, ok := m.Field(parts[0])
	if !ok {
		return column{}, &ExportError{Path: d.Path, Err: fmt.Errorf("%w: %s.%s", ErrUnknownField, m.Name, parts[0])}
	}

	col := column{header: d.Path, mode: mode, field: f}
	if mode == ModeExternalID {
		col.header = d.Path + format.ExternalIDSuffix
	}

	if len(parts) == 2 {
		if mode == ModeExternalID {
			return column{}, &ExportError{Path: d.Path, Err: fmt.Errorf("%w: external_id after a relation hop", ErrInvalidValue)}
		}
		if !f.Type.IsRelation() || f.Type.IsMulti() {
			return column{}, &ExportError{Path: d.Path, Err: fmt.Errorf("%w: %s is not a single relation", ErrInvalidValue, f.Name)}
		}
		target, ok := catalog.Model(f.Target)
		if !ok {
			return column{}, &ExportError{Path: d.Path, Err: fmt.Errorf("%w: %s", ErrUnknownModel, f.Target)}
		}
		hop, ok := target.Field(parts[1])
		if !ok {
			return column{}, &ExportError{Path: d.Path, Err: fmt.Errorf("%w: %s.%s", ErrUnknownField, target.Name, parts[1])}
		}
		col.hop = &hop
		return col, nil
	}

	if mode == ModeExternalID && !f.Type.IsRelation() {
		if !f.PrimaryKey {
			return column{}, &ExportError{Path: d.Path, Err: fmt.Errorf("%w: %s is neither a relation nor a key field", ErrInvalidValue, f.Name)}
		}
		col.self = true
	}
	return col, nil
}

// Header returns the column names in descriptor order.
func (e *Exporter) Header() []string {
	h := make([]string, len(e.cols))
	for i, c := range e.cols {
		h[i] = c.header
	}
	return h
}

// Identity returns the header of the first column exporting the record's
// own key.
func (e *Exporter) Identity() string {
	for _, c := range e.cols {
		if c.self {
			return c.header
		}
	}
	return ""
}

// Minted returns how many keys were minted per model.
func (e *Exporter) Minted() map[string]int { return e.minted }

// Row renders one record.
func (e *Exporter) Row(ctx context.Context, rec *storage.Record) ([]string, error) {
	if rec.Model != e.model {
		return nil, &ExportError{Path: rec.Model, Err: fmt.Errorf("%w: exporter handles %s", ErrInvalidValue, e.model)}
	}
	row := make([]string, len(e.cols))
	for i, c := range e.cols {
		v, err := e.cell(ctx, rec, c)
		if err != nil {
			return nil, &ExportError{Path: c.header, Err: err}
		}
		row[i] = v
	}
	return row, nil
}

// Export renders every record.
func (e *Exporter) Export(ctx context.Context, records []*storage.Record) (*ExportTable, error) {
	t := &ExportTable{Header: e.Header(), Rows: make([][]string, 0, len(records)), Identity: e.Identity()}
	for _, rec := range records {
		row, err := e.Row(ctx, rec)
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func (e *Exporter) cell(ctx context.Context, rec *storage.Record, c column) (string, error) {
	if c.self {
		return e.keyFor(ctx, rec)
	}
	v := rec.Get(c.field.Name)

	if c.hop != nil {
		related, err := e.related(ctx, c.field, v)
		if err != nil || related == nil {
			return "", err
		}
		return e.stringify(*c.hop, related.Get(c.hop.Name))
	}

	if c.mode == ModeValue {
		return e.stringify(c.field, v)
	}

	if c.field.Type.IsMulti() {
		pks, _ := v.([]storage.PrimaryKey)
		keys := make([]string, 0, len(pks))
		for _, pk := range pks {
			related, err := e.related(ctx, c.field, pk)
			if err != nil {
				return "", err
			}
			if related == nil {
				continue
			}
			key, err := e.keyFor(ctx, related)
			if err != nil {
				return "", err
			}
			keys = append(keys, key)
		}
		if len(keys) == 0 {
			return "", nil
		}
		b, err := json.Marshal(keys)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	related, err := e.related(ctx, c.field, v)
	if err != nil || related == nil {
		return "", err
	}
	return e.keyFor(ctx, related)
}

func (e *Exporter) related(ctx context.Context, f schema.Field, v any) (*storage.Record, error) {
	pk, ok := v.(storage.PrimaryKey)
	if !ok || len(pk) == 0 {
		return nil, nil
	}
	rec, err := e.store.Find(ctx, f.Target, pk)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", f.Target, pk, err)
	}
	return rec, nil
}

func (e *Exporter) keyFor(ctx context.Context, rec *storage.Record) (string, error) {
	key, minted, err := e.registry.KeyFor(ctx, rec, e.keyOpts...)
	if err != nil {
		return "", err
	}
	if minted {
		e.minted[rec.Model]++
	}
	return key, nil
}

// stringify renders a stored value in the text form the coercion table
// reads back.
func (e *Exporter) stringify(f schema.Field, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if f.Type == schema.FieldJSON {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", f.Name, err)
		}
		return string(b), nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case pgtype.Numeric:
		return storage.NumericString(x), nil
	case time.Duration:
		return strconv.FormatInt(int64(x/time.Second), 10), nil
	case []byte:
		return string(x), nil
	case time.Time:
		switch f.Type {
		case schema.FieldDate:
			return x.Format(storage.DateLayout), nil
		case schema.FieldTime:
			return x.Format("15:04:05"), nil
		}
		return x.UTC().Format("2006-01-02 15:04:05"), nil
	}

	enc, err := storage.EncodeValue(e.catalog, f, v)
	if err != nil {
		return "", err
	}
	if s, ok := enc.(string); ok && !f.Type.IsRelation() {
		return s, nil
	}
	b, err := json.Marshal(enc)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", f.Name, err)
	}
	return string(b), nil
}
