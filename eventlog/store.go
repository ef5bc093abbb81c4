package eventlog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
}

// ErrClosed is returned by every Store operation after Close.
var ErrClosed = errors.New("eventlog: store is closed")

// Store persists event rings to a SQLite database, keyed by session.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens or creates the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		session TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (session, seq)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection. It may be called more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Save stores events under session. Events already stored are kept.
func (s *Store) Save(session uuid.UUID, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("saving events: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO events (session, seq, kind, data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("saving events: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		data, err := encMode.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding event %d: %w", e.Seq, err)
		}
		if _, err := stmt.Exec(session.String(), int64(e.Seq), e.Kind.String(), data); err != nil {
			return fmt.Errorf("saving event %d: %w", e.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving events: %w", err)
	}
	return nil
}

// Load returns the events stored under session, oldest first.
func (s *Store) Load(session uuid.UUID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query("SELECT data FROM events WHERE session = ? ORDER BY seq", session.String())
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		var e Event
		if err := cbor.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sessions lists the stored sessions.
func (s *Store) Sessions() ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query("SELECT DISTINCT session FROM events ORDER BY session")
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		id, err := uuid.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("session %q: %w", text, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
