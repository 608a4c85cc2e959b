package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	_ "modernc.org/sqlite"
)

// DefaultSnapshotName is the row used when none is configured.
const DefaultSnapshotName = "default"

// SQLite stores snapshots in a table keyed by name.
type SQLite struct {
	db   *sql.DB
	name string
	now  func() time.Time
}

// OpenSQLite opens the database at path and prepares the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	s, err := NewSQLite(ctx, db, DefaultSnapshotName)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite uses an existing database handle.
func NewSQLite(ctx context.Context, db *sql.DB, name string) (*SQLite, error) {
	if name == "" {
		name = DefaultSnapshotName
	}
	s := &SQLite{db: db, name: name, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS trust_snapshots (
		name TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, "create trust_snapshots table")
	}
	return nil
}

// Load implements SnapshotStore.
func (s *SQLite) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM trust_snapshots WHERE name = ?`, s.name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	return data, nil
}

// Save implements SnapshotStore.
func (s *SQLite) Save(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO trust_snapshots (name, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		s.name, data, s.now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "save snapshot")
	}
	return nil
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
