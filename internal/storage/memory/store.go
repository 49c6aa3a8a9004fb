// Package memory implements storage.Store in process memory with
// commit/rollback semantics. It backs tests, dry runs and the sqlite store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

// Change is one row touched since the last commit.
// Record is nil when the row was deleted.
type Change struct {
	Model  string
	Key    storage.PrimaryKey
	Record *storage.Record
}

// CommitFunc receives the pending changes before they are promoted.
// Returning an error aborts the commit and keeps the working state.
type CommitFunc func(ctx context.Context, changes []Change) error

// Option configures a Store.
type Option func(*Store)

// WithCommitHook registers fn to run on every commit.
func WithCommitHook(fn CommitFunc) Option {
	return func(s *Store) { s.onCommit = fn }
}

type entry struct {
	rec *storage.Record
	seq uint64
}

type state struct {
	rows map[string]map[string]entry // model -> key string -> entry
	ids  map[string]int64            // highest auto-increment id per model
}

func newState() state {
	return state{rows: make(map[string]map[string]entry), ids: make(map[string]int64)}
}

func (st state) clone() state {
	c := newState()
	for model, rows := range st.rows {
		m := make(map[string]entry, len(rows))
		for k, e := range rows {
			m[k] = e
		}
		c.rows[model] = m
	}
	for model, id := range st.ids {
		c.ids[model] = id
	}
	return c
}

// Store is an in-memory transactional record store.
// Records are copy-on-write, so committed and working state share rows.
type Store struct {
	storage.Hooks

	mu        sync.Mutex
	catalog   schema.Lookup
	committed state
	working   state
	dirty     map[string]map[string]storage.PrimaryKey
	seq       uint64
	onCommit  CommitFunc
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store for the models of catalog.
func New(catalog schema.Lookup, opts ...Option) *Store {
	s := &Store{
		catalog:   catalog,
		committed: newState(),
		working:   newState(),
		dirty:     make(map[string]map[string]storage.PrimaryKey),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load seeds committed state with existing rows, e.g. read from disk.
func (s *Store) Load(records []*storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if _, ok := s.catalog.Model(rec.Model); !ok {
			return fmt.Errorf("load: %w: %s", schema.ErrUnknownModel, rec.Model)
		}
		s.put(s.working, rec.Clone())
		s.bumpID(s.working, rec)
	}
	s.committed = s.working.clone()
	return nil
}

func (s *Store) put(st state, rec *storage.Record) {
	rows, ok := st.rows[rec.Model]
	if !ok {
		rows = make(map[string]entry)
		st.rows[rec.Model] = rows
	}
	key := rec.Key.String()
	if old, ok := rows[key]; ok {
		rows[key] = entry{rec: rec, seq: old.seq}
		return
	}
	s.seq++
	rows[key] = entry{rec: rec, seq: s.seq}
}

func (s *Store) bumpID(st state, rec *storage.Record) {
	m, ok := s.catalog.Model(rec.Model)
	if !ok {
		return
	}
	for _, f := range m.Fields {
		if f.AutoIncrement {
			if id, ok := rec.Values[f.Name].(int64); ok && id > st.ids[rec.Model] {
				st.ids[rec.Model] = id
			}
		}
	}
}

func (s *Store) markDirty(model string, key storage.PrimaryKey) {
	d, ok := s.dirty[model]
	if !ok {
		d = make(map[string]storage.PrimaryKey)
		s.dirty[model] = d
	}
	d[key.String()] = key
}

// Insert adds a record. Integer auto-increment keys are assigned when absent.
func (s *Store) Insert(ctx context.Context, model string, values map[string]any) (*storage.Record, error) {
	m, ok := s.catalog.Model(model)
	if !ok {
		return nil, fmt.Errorf("insert: %w: %s", schema.ErrUnknownModel, model)
	}
	converted, err := storage.ConvertValues(s.catalog, model, values)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", model, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range m.Fields {
		if f.AutoIncrement && converted[f.Name] == nil {
			converted[f.Name] = s.working.ids[model] + 1
		}
		if f.Required && converted[f.Name] == nil {
			return nil, fmt.Errorf("insert %s: field %s is required", model, f.Name)
		}
		if f.Type.IsMulti() && converted[f.Name] == nil {
			converted[f.Name] = []storage.PrimaryKey{}
		}
	}

	key, err := storage.KeyOf(s.catalog, model, converted)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	if _, exists := s.working.rows[model][key.String()]; exists {
		return nil, fmt.Errorf("insert %s %s: %w", model, key, storage.ErrDuplicateKey)
	}

	rec := &storage.Record{Model: model, Key: key, Values: converted}
	s.put(s.working, rec)
	s.bumpID(s.working, rec)
	s.markDirty(model, key)
	return rec.Clone(), nil
}

// Update merges values into an existing record and refreshes rec.Values.
func (s *Store) Update(ctx context.Context, rec *storage.Record, values map[string]any) error {
	converted, err := storage.ConvertValues(s.catalog, rec.Model, values)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.Model, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.working.rows[rec.Model][rec.Key.String()]
	if !ok {
		return fmt.Errorf("update %s %s: %w", rec.Model, rec.Key, storage.ErrNotFound)
	}
	for name, v := range converted {
		old, isKey := cur.rec.Key[name]
		if !isKey {
			continue
		}
		before, after := storage.PrimaryKey{name: old}, storage.PrimaryKey{name: v}
		if !before.Equal(after) {
			return fmt.Errorf("update %s: primary key field %s cannot change", rec.Model, name)
		}
	}

	next := cur.rec.Clone()
	for name, v := range converted {
		next.Values[name] = v
	}
	s.put(s.working, next)
	s.markDirty(rec.Model, next.Key)

	rec.Values = next.Clone().Values
	return nil
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, rec *storage.Record, opts ...storage.DeleteOption) error {
	s.mu.Lock()
	cur, ok := s.working.rows[rec.Model][rec.Key.String()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("delete %s %s: %w", rec.Model, rec.Key, storage.ErrNotFound)
	}

	rows := []*storage.Record{cur.rec.Clone()}
	return s.RunDelete(ctx, rec.Model, rows, storage.ApplyDeleteOptions(opts), func() error {
		s.remove(rec.Model, rows)
		return nil
	})
}

// DeleteByFilter removes every matching row, returning the pre-delete snapshot.
func (s *Store) DeleteByFilter(ctx context.Context, model string, filter storage.Filter, opts ...storage.DeleteOption) ([]*storage.Record, error) {
	rows, err := s.Query(ctx, model, filter)
	if err != nil {
		return nil, err
	}
	err = s.RunDelete(ctx, model, rows, storage.ApplyDeleteOptions(opts), func() error {
		s.remove(model, rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) remove(model string, rows []*storage.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		delete(s.working.rows[model], r.Key.String())
		s.markDirty(model, r.Key)
	}
}

// Find returns a record by primary key, or nil.
func (s *Store) Find(ctx context.Context, model string, pk storage.PrimaryKey) (*storage.Record, error) {
	key, err := storage.ConvertPrimaryKey(s.catalog, model, pk)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.working.rows[model][key.String()]
	if !ok {
		return nil, nil
	}
	return e.rec.Clone(), nil
}

// Query returns matching rows in insertion order.
func (s *Store) Query(ctx context.Context, model string, filter storage.Filter) ([]*storage.Record, error) {
	match, err := storage.CompileFilter(s.catalog, model, filter)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	s.mu.Lock()
	entries := make([]entry, 0, len(s.working.rows[model]))
	for _, e := range s.working.rows[model] {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	var out []*storage.Record
	for _, e := range entries {
		if match(e.rec) {
			out = append(out, e.rec.Clone())
		}
	}
	return out, nil
}

// Flush is a no-op: writes are visible immediately.
func (s *Store) Flush(ctx context.Context) error { return nil }

// Commit promotes the working state after the commit hook accepts it.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.onCommit != nil {
		if err := s.onCommit(ctx, s.pendingChanges()); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	s.committed = s.working.clone()
	s.dirty = make(map[string]map[string]storage.PrimaryKey)
	return nil
}

// Rollback restores the last committed state.
func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.working = s.committed.clone()
	s.dirty = make(map[string]map[string]storage.PrimaryKey)
	return nil
}

func (s *Store) pendingChanges() []Change {
	models := make([]string, 0, len(s.dirty))
	for model := range s.dirty {
		models = append(models, model)
	}
	sort.Strings(models)

	var changes []Change
	for _, model := range models {
		keys := make([]string, 0, len(s.dirty[model]))
		for k := range s.dirty[model] {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			c := Change{Model: model, Key: s.dirty[model][k]}
			if e, ok := s.working.rows[model][k]; ok {
				c.Record = e.rec.Clone()
			}
			changes = append(changes, c)
		}
	}
	return changes
}
