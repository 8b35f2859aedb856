// Package profilestore persists bookkeeping for named managed-launch
// browser profile directories in a small sqlite database, so a
// named profile survives daemon restarts and can be listed or reset
// without scanning the filesystem.
package profilestore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Profile is one row of the profiles table.
type Profile struct {
	Name      string
	Dir       string
	CreatedAt string
	UsedAt    string
}

// Store wraps the sqlite connection backing the profiles registry.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// the profiles table exists.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping profile store: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS profiles (
		name TEXT PRIMARY KEY,
		dir TEXT NOT NULL,
		created_at TEXT NOT NULL,
		used_at TEXT NOT NULL
	)`
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate profile store: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the underlying sqlite connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Touch upserts a profile's directory and bumps its used_at timestamp,
// called every time a managed session launches against a named profile.
func (s *Store) Touch(name, dir string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.conn.Exec(
		`INSERT INTO profiles (name, dir, created_at, used_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET used_at = ?`,
		name, dir, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("touch profile %q: %w", name, err)
	}
	return nil
}

// Get returns a profile by name, or nil if it doesn't exist.
func (s *Store) Get(name string) (*Profile, error) {
	p := &Profile{}
	err := s.conn.QueryRow(
		`SELECT name, dir, created_at, used_at FROM profiles WHERE name = ?`, name,
	).Scan(&p.Name, &p.Dir, &p.CreatedAt, &p.UsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %q: %w", name, err)
	}
	return p, nil
}

// List returns all known profiles ordered by most recently used.
func (s *Store) List() ([]Profile, error) {
	rows, err := s.conn.Query(`SELECT name, dir, created_at, used_at FROM profiles ORDER BY used_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.Name, &p.Dir, &p.CreatedAt, &p.UsedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a profile's bookkeeping row. It does not touch the
// on-disk directory; the profile-reset handler removes the directory
// itself and then calls Delete.
func (s *Store) Delete(name string) error {
	_, err := s.conn.Exec(`DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete profile %q: %w", name, err)
	}
	return nil
}
