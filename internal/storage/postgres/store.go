// Package postgres implements storage.Store on PostgreSQL with one table per
// model. All writes of a session run in a single transaction that is opened
// on first use and closed by Commit or Rollback.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

// Catalog is the schema view the store needs: lookups plus enumeration for DDL.
type Catalog interface {
	schema.Lookup
	All() []*schema.Model
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connect opens and pings a connection pool.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Store is a storage.Store on a pgx pool.
type Store struct {
	storage.Hooks

	pool    *pgxpool.Pool
	catalog Catalog

	mu sync.Mutex
	tx pgx.Tx
}

var _ storage.Store = (*Store)(nil)

// New returns a store using pool.
func New(pool *pgxpool.Pool, catalog Catalog) *Store {
	return &Store{pool: pool, catalog: catalog}
}

// EnsureSchema creates a table for every catalog model that lacks one.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, m := range s.catalog.All() {
		if _, err := s.pool.Exec(ctx, createTableSQL(m)); err != nil {
			return fmt.Errorf("create table for %s: %w", m.Name, err)
		}
	}
	return nil
}

// conn returns the session transaction, opening it on first use.
func (s *Store) conn(ctx context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

func (s *Store) model(name string) (*schema.Model, error) {
	m, ok := s.catalog.Model(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownModel, name)
	}
	return m, nil
}

// Insert adds a record and returns it as stored, including generated keys.
func (s *Store) Insert(ctx context.Context, model string, values map[string]any) (*storage.Record, error) {
	m, err := s.model(model)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	converted, err := storage.ConvertValues(s.catalog, model, values)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", model, err)
	}

	cols := sortedColumns(converted)
	args, err := s.args(m, cols, converted)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", model, err)
	}

	var recs []*storage.Record
	err = s.savepoint(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, insertSQL(m, cols), args...)
		if err != nil {
			return err
		}
		recs, err = s.collect(m, rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", model, mapPgError(err))
	}
	if len(recs) != 1 {
		return nil, fmt.Errorf("insert %s: expected 1 row, got %d", model, len(recs))
	}
	return recs[0], nil
}

// Update changes fields of an existing record.
func (s *Store) Update(ctx context.Context, rec *storage.Record, values map[string]any) error {
	m, err := s.model(rec.Model)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	converted, err := storage.ConvertValues(s.catalog, rec.Model, values)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.Model, err)
	}
	if len(converted) == 0 {
		return nil
	}

	cols := sortedColumns(converted)
	setArgs, err := s.args(m, cols, converted)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.Model, err)
	}
	pkCols := m.PrimaryKeyFields()
	whereArgs, err := s.args(m, pkCols, rec.Key)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.Model, err)
	}

	var affected int64
	err = s.savepoint(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateSQL(m, cols, pkCols), append(setArgs, whereArgs...)...)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.Model, mapPgError(err))
	}
	if affected == 0 {
		return fmt.Errorf("update %s %s: %w", rec.Model, rec.Key, storage.ErrNotFound)
	}
	for name, v := range converted {
		rec.Values[name] = v
	}
	return nil
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, rec *storage.Record, opts ...storage.DeleteOption) error {
	m, err := s.model(rec.Model)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	current, err := s.Find(ctx, rec.Model, rec.Key)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("delete %s %s: %w", rec.Model, rec.Key, storage.ErrNotFound)
	}

	return s.RunDelete(ctx, rec.Model, []*storage.Record{current}, storage.ApplyDeleteOptions(opts), func() error {
		return s.deleteRows(ctx, m, []*storage.Record{current})
	})
}

// DeleteByFilter re-selects the target rows, then deletes them by key.
func (s *Store) DeleteByFilter(ctx context.Context, model string, filter storage.Filter, opts ...storage.DeleteOption) ([]*storage.Record, error) {
	m, err := s.model(model)
	if err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	rows, err := s.Query(ctx, model, filter)
	if err != nil {
		return nil, err
	}
	err = s.RunDelete(ctx, model, rows, storage.ApplyDeleteOptions(opts), func() error {
		return s.deleteRows(ctx, m, rows)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) deleteRows(ctx context.Context, m *schema.Model, rows []*storage.Record) error {
	pkCols := m.PrimaryKeyFields()
	query := deleteSQL(m, pkCols)
	return s.savepoint(ctx, func(tx pgx.Tx) error {
		for _, r := range rows {
			args, err := s.args(m, pkCols, r.Key)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("delete %s %s: %w", m.Name, r.Key, mapPgError(err))
			}
		}
		return nil
	})
}

// savepoint runs fn inside a nested transaction (SAVEPOINT) so a failed
// statement does not abort the whole session transaction.
func (s *Store) savepoint(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.conn(ctx)
	if err != nil {
		return err
	}
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

// Find returns a record by primary key, or nil.
func (s *Store) Find(ctx context.Context, model string, pk storage.PrimaryKey) (*storage.Record, error) {
	key, err := storage.ConvertPrimaryKey(s.catalog, model, pk)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	recs, err := s.Query(ctx, model, storage.Filter(key))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// Query returns matching rows ordered by primary key.
func (s *Store) Query(ctx context.Context, model string, filter storage.Filter) ([]*storage.Record, error) {
	m, err := s.model(model)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	converted, err := storage.ConvertValues(s.catalog, model, filter)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", model, err)
	}
	cols := sortedColumns(converted)
	args, err := s.args(m, cols, converted)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", model, err)
	}

	tx, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, selectSQL(m, cols), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", model, err)
	}
	recs, err := s.collect(m, rows)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", model, err)
	}
	return recs, nil
}

// Flush is a no-op: statements execute immediately inside the transaction.
func (s *Store) Flush(ctx context.Context) error { return nil }

// Commit commits the session transaction, if one is open.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the session transaction, if one is open.
func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func sortedColumns(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for name := range values {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

func (s *Store) args(m *schema.Model, cols []string, values map[string]any) ([]any, error) {
	args := make([]any, len(cols))
	for i, c := range cols {
		f, ok := m.Field(c)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", schema.ErrUnknownField, m.Name, c)
		}
		v, err := toArg(s.catalog, f, values[c])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", m.Name, c, err)
		}
		args[i] = v
	}
	return args, nil
}

// toArg converts a canonical value into a pgx query argument.
func toArg(cat schema.Lookup, f schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.FieldTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("cannot bind %T as %s", v, f.Type)
		}
		micros := int64(t.Hour())*3600e6 + int64(t.Minute())*60e6 + int64(t.Second())*1e6 + int64(t.Nanosecond())/1e3
		return pgtype.Time{Microseconds: micros, Valid: true}, nil
	case schema.FieldInterval:
		d, ok := v.(time.Duration)
		if !ok {
			return nil, fmt.Errorf("cannot bind %T as %s", v, f.Type)
		}
		return pgtype.Interval{Microseconds: d.Microseconds(), Valid: true}, nil
	case schema.FieldJSON, schema.FieldMany2One, schema.FieldOne2One, schema.FieldMany2Many, schema.FieldOne2Many:
		enc, err := storage.EncodeValue(cat, f, v)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(enc)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

// fromColumn converts a value decoded by pgx back into its canonical form.
func fromColumn(cat schema.Lookup, f schema.Field, raw any) (any, error) {
	switch x := raw.(type) {
	case []byte:
		if f.Type == schema.FieldLargeBinary {
			return x, nil
		}
	case pgtype.Time:
		if !x.Valid {
			return nil, nil
		}
		return time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(x.Microseconds) * time.Microsecond), nil
	case pgtype.Interval:
		if !x.Valid {
			return nil, nil
		}
		d := time.Duration(x.Microseconds)*time.Microsecond + time.Duration(x.Days)*24*time.Hour
		return d, nil
	}
	return storage.DecodeValue(cat, f, raw)
}

func (s *Store) collect(m *schema.Model, rows pgx.Rows) ([]*storage.Record, error) {
	defer rows.Close()

	var out []*storage.Record
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return nil, err
		}
		values := make(map[string]any, len(m.Fields))
		for i, f := range m.Fields {
			v, err := fromColumn(s.catalog, f, raw[i])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", m.Name, f.Name, err)
			}
			values[f.Name] = v
		}
		key, err := storage.KeyOf(s.catalog, m.Name, values)
		if err != nil {
			return nil, err
		}
		out = append(out, &storage.Record{Model: m.Name, Key: key, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// mapPgError translates constraint violations into storage errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateKey, pgErr.Detail)
	}
	return err
}
