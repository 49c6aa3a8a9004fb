// Package mapping maintains the identity mapping between external keys and
// the primary keys of stored records.
//
// Entries are rows of the built-in io.mapping model, persisted through the
// same storage.Store as the records they point at, so a rollback discards
// both together.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/JonMunkholm/recordio/internal/logging"
	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

var (
	// ErrMappingConflict is returned when (model, key) is already mapped.
	ErrMappingConflict = errors.New("external key already mapped")

	// ErrInvalidPrimaryKey is returned when a primary key set does not match
	// the model's declared key fields.
	ErrInvalidPrimaryKey = errors.New("invalid primary key")
)

// Entry is one mapping from an external key to a record's primary key.
type Entry struct {
	Key        string
	Model      string
	PrimaryKey storage.PrimaryKey
	Module     string
}

type setOptions struct {
	overwrite bool
	module    string
}

// SetOption configures Set and SetPrimaryKeys.
type SetOption func(*setOptions)

// WithOverwrite replaces an existing entry instead of failing.
func WithOverwrite() SetOption {
	return func(o *setOptions) { o.overwrite = true }
}

// WithModule records the module that owns the entry.
func WithModule(name string) SetOption {
	return func(o *setOptions) { o.module = name }
}

type deleteOptions struct {
	withRecord bool
}

// DeleteOption configures Delete and MultiDelete.
type DeleteOption func(*deleteOptions)

// WithRecord also deletes the record the entry points at.
func WithRecord() DeleteOption {
	return func(o *deleteOptions) { o.withRecord = true }
}

// CleanFilter narrows a Clean sweep. Empty slices select everything.
// An empty string in Modules selects entries without an owning module.
type CleanFilter struct {
	Modules []string
	Models  []string
}

// Registry is the only writer of io.mapping rows.
type Registry struct {
	store   storage.Store
	catalog schema.Lookup
}

// NewRegistry creates a registry over store and installs its cascade hook.
func NewRegistry(store storage.Store, catalog schema.Lookup) *Registry {
	r := &Registry{store: store, catalog: catalog}
	store.AddDeleteHook(r.Cascade())
	return r
}

func mappingKey(model, key string) storage.PrimaryKey {
	return storage.PrimaryKey{"key": key, "model": model}
}

// Set maps key to rec.
func (r *Registry) Set(ctx context.Context, key string, rec *storage.Record, opts ...SetOption) (*Entry, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidPrimaryKey)
	}
	return r.SetPrimaryKeys(ctx, rec.Model, key, rec.Key, opts...)
}

// SetPrimaryKeys maps (model, key) to pk.
func (r *Registry) SetPrimaryKeys(ctx context.Context, model, key string, pk storage.PrimaryKey, opts ...SetOption) (*Entry, error) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	norm, err := r.checkPrimaryKey(model, pk)
	if err != nil {
		return nil, err
	}

	existing, err := r.store.Find(ctx, schema.MappingModel, mappingKey(model, key))
	if err != nil {
		return nil, fmt.Errorf("lookup mapping %s/%s: %w", model, key, err)
	}
	if existing != nil {
		if !o.overwrite {
			return nil, fmt.Errorf("%w: %s/%s", ErrMappingConflict, model, key)
		}
		if err := r.store.Delete(ctx, existing, storage.WithoutHooks()); err != nil {
			return nil, fmt.Errorf("replace mapping %s/%s: %w", model, key, err)
		}
	}

	values := map[string]any{
		"key":         key,
		"model":       model,
		"primary_key": map[string]any(norm),
	}
	if o.module != "" {
		values["module"] = o.module
	}
	if _, err := r.store.Insert(ctx, schema.MappingModel, values); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %s/%s", ErrMappingConflict, model, key)
		}
		return nil, fmt.Errorf("insert mapping %s/%s: %w", model, key, err)
	}

	logging.FromContext(ctx).Info("mapping created",
		"model", model,
		"key", key,
		"primary_key", norm.String(),
	)
	return &Entry{Key: key, Model: model, PrimaryKey: norm, Module: o.module}, nil
}

// PrimaryKeys returns the stored primary key for (model, key), or nil.
func (r *Registry) PrimaryKeys(ctx context.Context, model, key string) (storage.PrimaryKey, error) {
	row, err := r.store.Find(ctx, schema.MappingModel, mappingKey(model, key))
	if err != nil {
		return nil, fmt.Errorf("lookup mapping %s/%s: %w", model, key, err)
	}
	if row == nil {
		return nil, nil
	}
	entry, err := decodeEntry(row)
	if err != nil {
		return nil, err
	}
	if err := r.checkShape(model, entry.PrimaryKey); err != nil {
		return nil, err
	}
	return entry.PrimaryKey, nil
}

// Get resolves (model, key) to a record handle. It returns nil when no entry
// exists or the mapped record is gone.
func (r *Registry) Get(ctx context.Context, model, key string) (*storage.Record, error) {
	pk, err := r.PrimaryKeys(ctx, model, key)
	if err != nil || pk == nil {
		return nil, err
	}
	typed, err := storage.ConvertPrimaryKey(r.catalog, model, pk)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrInvalidPrimaryKey, model, key, err)
	}
	return r.store.Find(ctx, model, typed)
}

// GetFromRecord returns the first entry pointing at rec, or nil.
func (r *Registry) GetFromRecord(ctx context.Context, rec *storage.Record) (*Entry, error) {
	if rec == nil {
		return nil, nil
	}
	return r.GetFromPrimaryKeys(ctx, rec.Model, rec.Key)
}

// GetFromPrimaryKeys returns the first entry of model pointing at pk, or nil.
// It scans every entry of the model.
func (r *Registry) GetFromPrimaryKeys(ctx context.Context, model string, pk storage.PrimaryKey) (*Entry, error) {
	norm, err := r.checkPrimaryKey(model, pk)
	if err != nil {
		return nil, err
	}
	want := norm.String()

	entries, err := r.Entries(ctx, model)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.PrimaryKey.String() == want {
			return e, nil
		}
	}
	return nil, nil
}

// Entries lists the entries of model in insertion order.
func (r *Registry) Entries(ctx context.Context, model string) ([]*Entry, error) {
	rows, err := r.store.Query(ctx, schema.MappingModel, storage.Filter{"model": model})
	if err != nil {
		return nil, fmt.Errorf("list mappings of %s: %w", model, err)
	}
	out := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		e, err := decodeEntry(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes the entry for (model, key) and returns how many entries
// were removed (0 or 1).
func (r *Registry) Delete(ctx context.Context, model, key string, opts ...DeleteOption) (int, error) {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}

	row, err := r.store.Find(ctx, schema.MappingModel, mappingKey(model, key))
	if err != nil {
		return 0, fmt.Errorf("lookup mapping %s/%s: %w", model, key, err)
	}
	if row == nil {
		return 0, nil
	}

	if o.withRecord {
		rec, err := r.Get(ctx, model, key)
		if err != nil {
			return 0, err
		}
		if rec != nil {
			if err := r.store.Delete(ctx, rec, storage.WithoutHooks()); err != nil {
				return 0, fmt.Errorf("delete %s record for %s: %w", model, key, err)
			}
		}
	}

	if err := r.removeRow(ctx, row); err != nil {
		return 0, err
	}
	return 1, nil
}

// MultiDelete removes the entries for keys and returns the number removed.
func (r *Registry) MultiDelete(ctx context.Context, model string, keys []string, opts ...DeleteOption) (int, error) {
	total := 0
	for _, key := range keys {
		n, err := r.Delete(ctx, model, key, opts...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Clean removes entries whose record no longer resolves and returns the
// number removed. Running it twice removes nothing the second time.
func (r *Registry) Clean(ctx context.Context, filter CleanFilter) (int, error) {
	rows, err := r.store.Query(ctx, schema.MappingModel, nil)
	if err != nil {
		return 0, fmt.Errorf("list mappings: %w", err)
	}

	modules := toSet(filter.Modules)
	models := toSet(filter.Models)

	removed := 0
	for _, row := range rows {
		e, err := decodeEntry(row)
		if err != nil {
			return removed, err
		}
		if modules != nil && !modules[e.Module] {
			continue
		}
		if models != nil && !models[e.Model] {
			continue
		}

		alive, err := r.resolves(ctx, e)
		if err != nil {
			return removed, err
		}
		if alive {
			continue
		}
		if err := r.removeRow(ctx, row); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		logging.FromContext(ctx).Info("mappings cleaned", "removed", removed)
	}
	return removed, nil
}

// DeleteForModule deletes the record of every entry owned by module and
// returns how many records were deleted. Deleting a record cascades to its
// other entries. Entries whose record is already gone are removed without
// being counted. Storage is flushed after each deletion. An empty models
// slice selects every model.
func (r *Registry) DeleteForModule(ctx context.Context, module string, models []string) (int, error) {
	rows, err := r.store.Query(ctx, schema.MappingModel, storage.Filter{"module": module})
	if err != nil {
		return 0, fmt.Errorf("list mappings of module %s: %w", module, err)
	}
	only := toSet(models)

	deleted := 0
	for _, row := range rows {
		e, err := decodeEntry(row)
		if err != nil {
			return deleted, err
		}
		if only != nil && !only[e.Model] {
			continue
		}

		// An earlier cascade may already have removed this entry.
		current, err := r.store.Find(ctx, schema.MappingModel, row.Key)
		if err != nil {
			return deleted, fmt.Errorf("lookup mapping %s/%s: %w", e.Model, e.Key, err)
		}
		if current == nil {
			continue
		}

		rec, err := r.lookupRecord(ctx, e)
		if err != nil {
			return deleted, err
		}
		if rec == nil {
			if err := r.removeRow(ctx, current); err != nil {
				return deleted, err
			}
			continue
		}
		if err := r.store.Delete(ctx, rec); err != nil {
			return deleted, fmt.Errorf("delete %s record for %s: %w", e.Model, e.Key, err)
		}
		if err := r.store.Flush(ctx); err != nil {
			return deleted, fmt.Errorf("flush: %w", err)
		}
		deleted++
	}

	logging.FromContext(ctx).Info("module mappings deleted", "module", module, "deleted", deleted)
	return deleted, nil
}

// KeyFor returns the external key of rec, minting "<model>_<n>" when none
// exists. The second result reports whether a key was minted.
func (r *Registry) KeyFor(ctx context.Context, rec *storage.Record, opts ...SetOption) (string, bool, error) {
	e, err := r.GetFromRecord(ctx, rec)
	if err != nil {
		return "", false, err
	}
	if e != nil {
		return e.Key, false, nil
	}

	entries, err := r.Entries(ctx, rec.Model)
	if err != nil {
		return "", false, err
	}
	prefix := strings.ReplaceAll(rec.Model, ".", "_") + "_"
	for n := len(entries) + 1; ; n++ {
		key := prefix + strconv.Itoa(n)
		pk, err := r.PrimaryKeys(ctx, rec.Model, key)
		if err != nil {
			return "", false, err
		}
		if pk != nil {
			continue
		}
		if _, err := r.Set(ctx, key, rec, append(opts, WithOverwrite())...); err != nil {
			return "", false, err
		}
		return key, true, nil
	}
}

func (r *Registry) removeRow(ctx context.Context, row *storage.Record) error {
	err := r.store.Delete(ctx, row, storage.WithoutHooks())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete mapping %v: %w", row.Key, err)
	}
	logging.FromContext(ctx).Debug("mapping removed",
		"model", row.Get("model"),
		"key", row.Get("key"),
	)
	return nil
}

// resolves reports whether the entry still points at an existing record.
// Entries of unknown models or whose fields no longer match the model's key
// count as orphaned. A key that cannot be converted is an error.
func (r *Registry) resolves(ctx context.Context, e *Entry) (bool, error) {
	if _, ok := r.catalog.Model(e.Model); !ok {
		return false, nil
	}
	if err := r.checkShape(e.Model, e.PrimaryKey); err != nil {
		return false, nil
	}
	rec, err := r.lookupRecord(ctx, e)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (r *Registry) lookupRecord(ctx context.Context, e *Entry) (*storage.Record, error) {
	if _, ok := r.catalog.Model(e.Model); !ok {
		return nil, nil
	}
	typed, err := storage.ConvertPrimaryKey(r.catalog, e.Model, e.PrimaryKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrInvalidPrimaryKey, e.Model, e.Key, err)
	}
	rec, err := r.store.Find(ctx, e.Model, typed)
	if err != nil {
		return nil, fmt.Errorf("lookup %s %v: %w", e.Model, e.PrimaryKey, err)
	}
	return rec, nil
}

// checkPrimaryKey validates pk against the model's key fields and returns
// the normalized form.
func (r *Registry) checkPrimaryKey(model string, pk storage.PrimaryKey) (storage.PrimaryKey, error) {
	if err := r.checkShape(model, pk); err != nil {
		return nil, err
	}
	typed, err := storage.ConvertPrimaryKey(r.catalog, model, pk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrimaryKey, err)
	}
	norm, err := NormalizeModelKey(r.catalog, model, typed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPrimaryKey, model, err)
	}
	return norm, nil
}

func (r *Registry) checkShape(model string, pk storage.PrimaryKey) error {
	if len(pk) == 0 {
		return fmt.Errorf("%w: %s: empty primary key", ErrInvalidPrimaryKey, model)
	}
	names, err := r.catalog.PrimaryKeyFields(model)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrimaryKey, err)
	}
	got := make([]string, 0, len(pk))
	for name := range pk {
		got = append(got, name)
	}
	sort.Strings(got)
	want := append([]string(nil), names...)
	sort.Strings(want)

	if strings.Join(got, ",") != strings.Join(want, ",") {
		return fmt.Errorf("%w: %s: got fields %v, want %v", ErrInvalidPrimaryKey, model, got, want)
	}
	return nil
}

func decodeEntry(row *storage.Record) (*Entry, error) {
	key, _ := row.Get("key").(string)
	model, _ := row.Get("model").(string)
	module, _ := row.Get("module").(string)

	var raw map[string]any
	switch x := row.Get("primary_key").(type) {
	case storage.PrimaryKey:
		raw = x
	case map[string]any:
		raw = x
	default:
		return nil, fmt.Errorf("%w: mapping %s/%s holds %T", ErrInvalidPrimaryKey, model, key, x)
	}

	pk, err := NormalizePrimaryKey(storage.PrimaryKey(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: mapping %s/%s: %v", ErrInvalidPrimaryKey, model, key, err)
	}
	return &Entry{Key: key, Model: model, PrimaryKey: pk, Module: module}, nil
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
