// Package sqlite persists records to a single SQLite file.
//
// Reads and uncommitted writes are served by an in-memory store; every
// Commit writes the changed rows to the records table in one SQL
// transaction before the in-memory state is promoted.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
	"github.com/JonMunkholm/recordio/internal/storage/memory"
)

// Store is a durable storage.Store backed by SQLite.
type Store struct {
	*memory.Store
	db      *sql.DB
	catalog schema.Lookup
	path    string
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path and loads its rows.
func Open(ctx context.Context, path string, catalog schema.Lookup) (*Store, error) {
	if path == "" {
		path = "recordio.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS records (
		model TEXT NOT NULL,
		pk TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (model, pk)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}

	s := &Store{db: db, catalog: catalog, path: path}
	s.Store = memory.New(catalog, memory.WithCommitHook(s.persist))
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT model, payload FROM records ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.Record
	for rows.Next() {
		var model string
		var payload []byte
		if err := rows.Scan(&model, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		rec, err := storage.UnmarshalRecord(s.catalog, model, payload)
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}
	return s.Store.Load(records)
}

func (s *Store) persist(ctx context.Context, changes []memory.Change) (retErr error) {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, c := range changes {
		key := c.Key.String()
		if c.Record == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE model = ? AND pk = ?`, c.Model, key); err != nil {
				return fmt.Errorf("delete %s %s: %w", c.Model, key, err)
			}
			continue
		}
		payload, err := storage.MarshalRecord(s.catalog, c.Record)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", c.Model, key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records(model, pk, payload) VALUES(?, ?, ?) ON CONFLICT(model, pk) DO UPDATE SET payload = excluded.payload`,
			c.Model, key, payload); err != nil {
			return fmt.Errorf("upsert %s %s: %w", c.Model, key, err)
		}
	}
	return tx.Commit()
}

// Close releases the database handle. Uncommitted writes are lost.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database path.
func (s *Store) Path() string { return s.path }
