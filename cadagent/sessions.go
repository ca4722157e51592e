package cadagent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ghbalf/freecad-ai/llmwire"
)

// Session is an immutable snapshot of a conversation taken when a turn
// reaches a terminal state.
type Session struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Messages  []llmwire.Message `json:"messages"`
}

// MaxStoredSessions caps the store; the oldest sessions are evicted once
// the cap is exceeded.
const MaxStoredSessions = 20

// SessionStore persists session snapshots.
type SessionStore interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context) ([]Session, error)
	Close() error
}

// ErrSessionNotFound is reported through Get for unknown ids.
type ErrSessionNotFound struct {
	ID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

// SQLiteSessionStore keeps sessions in a local SQLite database, so they
// survive host restarts.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore opens (creating if needed) the session database
// at path. Use ":memory:" for an ephemeral store.
func NewSQLiteSessionStore(path string) (*SQLiteSessionStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	// modernc's driver is not safe for concurrent writers on one file.
	db.SetMaxOpenConns(1)
	store := &SQLiteSessionStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteSessionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			created_at    INTEGER NOT NULL,
			messages_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
	`)
	if err != nil {
		return fmt.Errorf("initializing session schema: %w", err)
	}
	return nil
}

// Put stores a session and evicts the oldest entries beyond the cap.
func (s *SQLiteSessionStore) Put(ctx context.Context, sess Session) error {
	payload, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storing session %s: %w", sess.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, created_at, messages_json) VALUES (?, ?, ?)`,
		sess.ID, sess.CreatedAt.UnixNano(), string(payload),
	); err != nil {
		return fmt.Errorf("storing session %s: %w", sess.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN (
			SELECT id FROM sessions ORDER BY created_at DESC LIMIT ?
		)`, MaxStoredSessions,
	); err != nil {
		return fmt.Errorf("evicting old sessions: %w", err)
	}
	return tx.Commit()
}

// Get loads one session by id.
func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, messages_json FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, &ErrSessionNotFound{ID: id}
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading session %s: %w", id, err)
	}
	return sess, nil
}

// List returns all sessions, newest first. A row whose payload no
// longer decodes is skipped with a warning rather than making every
// other session unreachable.
func (s *SQLiteSessionStore) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, messages_json FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Warn("skipping unreadable session row", "error", err)
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteSessionStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var createdAt int64
	var payload string
	if err := row.Scan(&sess.ID, &createdAt, &payload); err != nil {
		return Session{}, err
	}
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(payload), &sess.Messages); err != nil {
		return Session{}, fmt.Errorf("decoding session %s: %w", sess.ID, err)
	}
	return sess, nil
}

// MemorySessionStore keeps sessions in process memory, for tests and
// hosts that opt out of persistence.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (m *MemorySessionStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	for len(m.sessions) > MaxStoredSessions {
		oldestID := ""
		var oldest time.Time
		for id, sess := range m.sessions {
			if oldestID == "" || sess.CreatedAt.Before(oldest) {
				oldestID, oldest = id, sess.CreatedAt
			}
		}
		delete(m.sessions, oldestID)
	}
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, &ErrSessionNotFound{ID: id}
	}
	return sess, nil
}

func (m *MemorySessionStore) List(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemorySessionStore) Close() error { return nil }
