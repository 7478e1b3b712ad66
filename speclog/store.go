package speclog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists failure records in SQLite.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// OpenStore opens or creates the store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS speculation_failures (
		grp TEXT NOT NULL,
		context TEXT NOT NULL,
		count INTEGER NOT NULL,
		last_id TEXT NOT NULL,
		failed_at INTEGER NOT NULL,
		PRIMARY KEY (grp, context)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveFailure writes f, replacing the record for its reason.
func (s *Store) SaveFailure(f Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO speculation_failures (grp, context, count, last_id, failed_at) VALUES (?, ?, ?, ?, ?)",
		f.Reason.Group, f.Reason.Context, f.Count, f.LastID.String(), f.FailedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving failure: %w", err)
	}
	return nil
}

// LoadFailures returns every persisted record ordered by reason.
func (s *Store) LoadFailures() ([]Failure, error) {
	rows, err := s.db.Query("SELECT grp, context, count, last_id, failed_at FROM speculation_failures ORDER BY grp, context")
	if err != nil {
		return nil, fmt.Errorf("querying failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f      Failure
			lastID string
			nanos  int64
		)
		if err := rows.Scan(&f.Reason.Group, &f.Reason.Context, &f.Count, &lastID, &nanos); err != nil {
			return nil, fmt.Errorf("scanning failure: %w", err)
		}
		f.LastID, err = uuid.Parse(lastID)
		if err != nil {
			return nil, fmt.Errorf("parsing speculation id %q: %w", lastID, err)
		}
		f.FailedAt = time.Unix(0, nanos)
		out = append(out, f)
	}
	return out, rows.Err()
}
