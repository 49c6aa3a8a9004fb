// Package storage defines the record store the import and export engines
// write through, plus the delete-hook extension point used to keep the
// identity mapping consistent when rows disappear.
//
// Implementations live in subpackages: memory (tests and dry runs),
// sqlite (single-file durable store) and postgres (one table per model).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
)

var (
	// ErrDuplicateKey is returned when an insert collides with an existing primary key.
	ErrDuplicateKey = errors.New("duplicate primary key")

	// ErrNotFound is returned when an update or delete targets a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrMissingPrimaryKey is returned when an insert lacks a primary key value
	// that the store cannot generate.
	ErrMissingPrimaryKey = errors.New("missing primary key value")
)

// PrimaryKey maps primary key field names to values.
type PrimaryKey map[string]any

// String returns a canonical representation used for equality and as an
// internal map key. Field order does not matter.
func (pk PrimaryKey) String() string {
	names := make([]string, 0, len(pk))
	for name := range pk {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]any, 0, len(names)*2)
	for _, name := range names {
		parts = append(parts, name, canonicalScalar(pk[name]))
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return ""
	}
	return string(b)
}

// Equal reports whether two primary keys identify the same row.
func (pk PrimaryKey) Equal(other PrimaryKey) bool {
	return len(pk) == len(other) && pk.String() == other.String()
}

// Record is a handle to one stored row.
// Key holds the primary key values, Values every stored field (including the key fields).
type Record struct {
	Model  string
	Key    PrimaryKey
	Values map[string]any
}

// Get returns the value of a field, or nil when unset.
func (r *Record) Get(field string) any {
	if r == nil || r.Values == nil {
		return nil
	}
	return r.Values[field]
}

// Same reports whether two handles reference the same row.
func (r *Record) Same(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Model == other.Model && r.Key.Equal(other.Key)
}

// Clone returns a copy whose Values map can be modified independently.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := &Record{
		Model:  r.Model,
		Key:    make(PrimaryKey, len(r.Key)),
		Values: make(map[string]any, len(r.Values)),
	}
	for k, v := range r.Key {
		c.Key[k] = v
	}
	for k, v := range r.Values {
		c.Values[k] = v
	}
	return c
}

// Filter selects rows whose fields equal the given values. An empty filter
// matches every row of the model.
type Filter map[string]any

// Store is the record storage collaborator.
//
// Relation fields are stored by reference: Many2One and One2One values are a
// PrimaryKey of the target model (or nil), Many2Many and One2Many values a
// []PrimaryKey. Inserts and updates also accept *Record values for relations.
type Store interface {
	// Insert adds a record and returns its handle.
	Insert(ctx context.Context, model string, values map[string]any) (*Record, error)

	// Update changes fields of an existing record in place.
	Update(ctx context.Context, rec *Record, values map[string]any) error

	// Delete removes one record, running delete hooks unless WithoutHooks is given.
	Delete(ctx context.Context, rec *Record, opts ...DeleteOption) error

	// DeleteByFilter removes every matching row and returns the rows as they
	// were before deletion.
	DeleteByFilter(ctx context.Context, model string, filter Filter, opts ...DeleteOption) ([]*Record, error)

	// Find returns the record with the given primary key, or nil when absent.
	Find(ctx context.Context, model string, pk PrimaryKey) (*Record, error)

	// Query returns matching rows in insertion order.
	Query(ctx context.Context, model string, filter Filter) ([]*Record, error)

	// Flush makes pending writes visible to later reads in the same session.
	Flush(ctx context.Context) error

	// Commit makes every pending write durable.
	Commit(ctx context.Context) error

	// Rollback discards writes since the last commit.
	Rollback(ctx context.Context) error

	// AddDeleteHook registers a hook run around every hooked delete.
	AddDeleteHook(h DeleteHook)
}
