package state

import (
	"context"
	"database/sql"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/forcepull/forcepull/pkg/errors"
)

// SQLiteStore persists state rows in a local SQLite database, keyed by
// configuration name. Useful when many extraction configs share one state
// location and file-per-config becomes unwieldy.
type SQLiteStore struct {
	db   *sql.DB
	name string
}

const createStateTable = `
CREATE TABLE IF NOT EXISTS extraction_state (
    name       TEXT PRIMARY KEY,
    state      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

// NewSQLiteStore opens (and if needed initializes) the state database.
func NewSQLiteStore(path, name string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to open state database")
	}

	if _, err := db.Exec(createStateTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to initialize state database")
	}

	return &SQLiteStore{db: db, name: name}, nil
}

// Load reads the state row for the store's configuration name.
func (ss *SQLiteStore) Load(ctx context.Context) (*State, error) {
	var raw string
	err := ss.db.QueryRowContext(ctx,
		"SELECT state FROM extraction_state WHERE name = ?", ss.name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to read state row")
	}

	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to parse stored state")
	}
	return &s, nil
}

// Save upserts the state row.
func (ss *SQLiteStore) Save(ctx context.Context, s *State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to encode state")
	}

	_, err = ss.db.ExecContext(ctx, `
INSERT INTO extraction_state (name, state, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		ss.name, string(raw), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to write state row")
	}
	return nil
}

// Close closes the database handle.
func (ss *SQLiteStore) Close() error { return ss.db.Close() }
