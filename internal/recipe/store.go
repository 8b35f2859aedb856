package recipe

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection backing the run_steps checkpoint
// table, replacing the client SDK's flat-file CheckpointStore with a
// proper table keyed by (recipe_name, session_id) so multiple sessions
// running the same recipe name don't collide.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// the completed_steps table exists.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open recipe store: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping recipe store: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS completed_steps (
		recipe_name TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		step_name   TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		PRIMARY KEY (recipe_name, session_id, step_name)
	)`
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate recipe store: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the underlying sqlite connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Completed returns the names of steps already recorded as done for the
// given recipe/session pair.
func (s *Store) Completed(recipeName, sessionID string) ([]string, error) {
	rows, err := s.conn.Query(
		`SELECT step_name FROM completed_steps WHERE recipe_name = ? AND session_id = ?`,
		recipeName, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query completed steps: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan completed step: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// MarkCompleted records a step as done.
func (s *Store) MarkCompleted(recipeName, sessionID, stepName string) error {
	_, err := s.conn.Exec(
		`INSERT OR REPLACE INTO completed_steps (recipe_name, session_id, step_name, completed_at)
		 VALUES (?, ?, ?, datetime('now'))`,
		recipeName, sessionID, stepName,
	)
	if err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}
	return nil
}

// Clear removes all checkpoint rows for a recipe/session pair, called on a
// fully successful run.
func (s *Store) Clear(recipeName, sessionID string) error {
	_, err := s.conn.Exec(
		`DELETE FROM completed_steps WHERE recipe_name = ? AND session_id = ?`,
		recipeName, sessionID,
	)
	if err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
