// Package userdb is the tracker's persistent credential store: one sqlite table
// of users with their password digests and download counters.
package userdb

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------------------------- //

// User is one row of the users table.
type User struct {
	Username      string `db:"username"`
	PasswordHex   string `db:"password_hex"`
	DownloadCount int    `db:"download_count"`
}

var columns = []string{"username", "password_hex", "download_count"}

const createTable = `
CREATE TABLE IF NOT EXISTS users (
	username       TEXT PRIMARY KEY,
	password_hex   TEXT NOT NULL,
	download_count INTEGER NOT NULL DEFAULT 0
)`

// --------------------------------------------------------------------------------------------- //

/*
Store is a single-writer credential store. Every operation is serialised under
one mutex. A schema mismatch marks the store corrupt; a corrupt store refuses
reads and writes until FixSchema drops and recreates the table, and every
operation retries the repair once before giving up.

Fields:
  - db: The underlying sqlite handle.
  - corrupt: Set when the schema was observed damaged.
*/
type Store struct {
	mu      sync.Mutex
	db      *sqlx.DB
	corrupt bool
}

// --------------------------------------------------------------------------------------------- //

/*
Open opens (creating if absent) the credential store at the given path.

Parameters:
  - path: Path of the sqlite file; ":memory:" yields a throwaway store.

Returns:
  - *Store: The opened store. A missing table is created here; a damaged
    schema marks the store corrupt and the first operation repairs it.
  - error: Non-nil if the file cannot be opened.
*/
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("Opening credential store %s: %v", path, err)
	}

	s := &Store{db: db}

	s.mu.Lock()
	s.fixSchemaLocked()
	s.mu.Unlock()

	return s, nil
}

// --------------------------------------------------------------------------------------------- //

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --------------------------------------------------------------------------------------------- //

/*
FixSchema idempotently ensures the users table exists with the expected
columns. A mismatched schema marks the store corrupt and reports false; the
next call drops the damaged table and recreates it empty.

Returns:
  - bool: True if the schema is healthy after the call.
*/
func (s *Store) FixSchema() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fixSchemaLocked()
}

// --------------------------------------------------------------------------------------------- //

func (s *Store) fixSchemaLocked() bool {
	if s.corrupt {
		if _, err := s.db.Exec(`DROP TABLE IF EXISTS users`); err != nil {
			log.Errorf("Dropping corrupt users table: %v", err)
			return false
		}

		if _, err := s.db.Exec(createTable); err != nil {
			log.Errorf("Recreating users table: %v", err)
			return false
		}

		log.Warnf("Credential store schema dropped and recreated")
		s.corrupt = false

		return true
	}

	var existing []string
	err := s.db.Select(&existing, `SELECT name FROM pragma_table_info('users') ORDER BY cid`)
	if err != nil {
		s.corrupt = true
		return false
	}

	if len(existing) == 0 {
		if _, err := s.db.Exec(createTable); err != nil {
			s.corrupt = true
			return false
		}

		return true
	}

	if len(existing) != len(columns) {
		s.corrupt = true
		return false
	}

	for i, name := range columns {
		if existing[i] != name {
			s.corrupt = true
			return false
		}
	}

	// Duplicate usernames cannot happen through this API; finding them means
	// the file was damaged elsewhere.
	var total, distinct int
	if err := s.db.Get(&total, `SELECT COUNT(*) FROM users`); err != nil {
		s.corrupt = true
		return false
	}

	if err := s.db.Get(&distinct, `SELECT COUNT(DISTINCT username) FROM users`); err != nil {
		s.corrupt = true
		return false
	}

	if total != distinct {
		s.corrupt = true
		return false
	}

	return true
}

// --------------------------------------------------------------------------------------------- //

// ready repairs a corrupt store once before an operation proceeds.
func (s *Store) ready() bool {
	if !s.corrupt {
		return true
	}

	return s.fixSchemaLocked()
}

// --------------------------------------------------------------------------------------------- //

/*
GetUser looks a user up by name.

Parameters:
  - username: Name to look up.

Returns:
  - *User: The row, with its password digest and download counter.
  - bool: False if the user does not exist or the store is unusable.
*/
func (s *Store) GetUser(username string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return nil, false
	}

	var user User
	err := s.db.Get(&user, `SELECT username, password_hex, download_count FROM users WHERE username = ?`, username)
	if err == sql.ErrNoRows {
		return nil, false
	}

	if err != nil {
		log.Errorf("Reading user %q: %v", username, err)
		return nil, false
	}

	return &user, true
}

// --------------------------------------------------------------------------------------------- //

/*
SetUser inserts a new user. An existing username is left untouched.

Parameters:
  - username: Name of the new user.
  - passwordHex: Lowercase hex SHA-1 digest of the password.

Returns:
  - bool: True iff a row was inserted.
*/
func (s *Store) SetUser(username, passwordHex string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return false
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO users (username, password_hex, download_count) VALUES (?, ?, 0)`,
		username, passwordHex,
	)
	if err != nil {
		log.Errorf("Inserting user %q: %v", username, err)
		return false
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false
	}

	return n == 1
}

// --------------------------------------------------------------------------------------------- //

/*
AddDownload atomically increments a user's download counter.

Parameters:
  - username: Name of the provider being credited.

Returns:
  - bool: True iff the row existed and was updated.
*/
func (s *Store) AddDownload(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready() {
		return false
	}

	res, err := s.db.Exec(`UPDATE users SET download_count = download_count + 1 WHERE username = ?`, username)
	if err != nil {
		log.Errorf("Crediting download for %q: %v", username, err)
		return false
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false
	}

	return n >= 1
}

// --------------------------------------------------------------------------------------------- //
