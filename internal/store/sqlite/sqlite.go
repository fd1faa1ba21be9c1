package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ringlink/ringlink-server/internal/store"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to seed rows without migrations.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	s, err := New(dbPath)
	if err != nil {
		return nil, err
	}

	if setup != nil {
		if err := setup(s.db); err != nil {
			s.db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	direct_key TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversation_members (
	conversation_id INTEGER NOT NULL,
	user_id         INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, user_id),
	FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);

CREATE TABLE IF NOT EXISTS connections (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL,
	peer_id    INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (user_id, peer_id)
);

CREATE TABLE IF NOT EXISTS call_sessions (
	id              TEXT PRIMARY KEY,
	conversation_id INTEGER NOT NULL,
	caller_id       INTEGER NOT NULL,
	callee_id       INTEGER NOT NULL,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	requested_at    DATETIME NOT NULL,
	expires_at      DATETIME NOT NULL,
	started_at      DATETIME,
	ended_at        DATETIME,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);

CREATE INDEX IF NOT EXISTS idx_call_sessions_conversation
	ON call_sessions(conversation_id, status);
CREATE INDEX IF NOT EXISTS idx_call_sessions_caller ON call_sessions(caller_id, requested_at DESC);
CREATE INDEX IF NOT EXISTS idx_call_sessions_callee ON call_sessions(callee_id, requested_at DESC);
`

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== SessionStore implementation ====

// CreateSession persists a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, cs *store.CallSession) error {
	query := `
		INSERT INTO call_sessions (id, conversation_id, caller_id, callee_id, type, status, requested_at, expires_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		cs.ID,
		cs.ConversationID,
		cs.CallerID,
		cs.CalleeID,
		string(cs.Type),
		string(cs.Status),
		cs.RequestedAt,
		cs.ExpiresAt,
		cs.StartedAt,
		cs.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession updates an existing session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, cs *store.CallSession) error {
	query := `
		UPDATE call_sessions
		SET status = ?, started_at = ?, ended_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, string(cs.Status), cs.StartedAt, cs.EndedAt, cs.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireSession persists an expiry only if the row is still requested.
// The status guard keeps a delayed expiry write from clobbering an
// accept or decline that landed first.
func (s *SQLiteStore) ExpireSession(ctx context.Context, cs *store.CallSession) (bool, error) {
	query := `
		UPDATE call_sessions
		SET status = ?, ended_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := s.db.ExecContext(ctx, query, string(store.StatusExpired), cs.EndedAt, cs.ID, string(store.StatusRequested))
	if err != nil {
		return false, fmt.Errorf("expire session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*store.CallSession, error) {
	query := `
		SELECT id, conversation_id, caller_id, callee_id, type, status, requested_at, expires_at, started_at, ended_at
		FROM call_sessions
		WHERE id = ?
	`
	return s.scanSession(s.db.QueryRowContext(ctx, query, id))
}

// GetActiveSessionForConversation returns the requested or accepted session
// for a conversation, or nil if none exists.
func (s *SQLiteStore) GetActiveSessionForConversation(ctx context.Context, conversationID int64) (*store.CallSession, error) {
	query := `
		SELECT id, conversation_id, caller_id, callee_id, type, status, requested_at, expires_at, started_at, ended_at
		FROM call_sessions
		WHERE conversation_id = ? AND status IN ('requested', 'accepted')
		ORDER BY requested_at DESC
		LIMIT 1
	`
	cs, err := s.scanSession(s.db.QueryRowContext(ctx, query, conversationID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return cs, err
}

// ListOverdueSessions lists requested sessions whose expires_at has passed.
func (s *SQLiteStore) ListOverdueSessions(ctx context.Context, now time.Time) ([]*store.CallSession, error) {
	query := `
		SELECT id, conversation_id, caller_id, callee_id, type, status, requested_at, expires_at, started_at, ended_at
		FROM call_sessions
		WHERE status = 'requested' AND expires_at < ?
	`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("query overdue sessions: %w", err)
	}
	defer rows.Close()

	return s.collectSessions(rows)
}

// ListSessionsForUser lists sessions where the user is caller or callee.
func (s *SQLiteStore) ListSessionsForUser(ctx context.Context, userID int64, limit int) ([]*store.CallSession, error) {
	query := `
		SELECT id, conversation_id, caller_id, callee_id, type, status, requested_at, expires_at, started_at, ended_at
		FROM call_sessions
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY requested_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query user sessions: %w", err)
	}
	defer rows.Close()

	return s.collectSessions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanSession(row rowScanner) (*store.CallSession, error) {
	var cs store.CallSession
	var callType, status string
	err := row.Scan(
		&cs.ID,
		&cs.ConversationID,
		&cs.CallerID,
		&cs.CalleeID,
		&callType,
		&status,
		&cs.RequestedAt,
		&cs.ExpiresAt,
		&cs.StartedAt,
		&cs.EndedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	cs.Type = store.CallType(callType)
	cs.Status = store.SessionStatus(status)
	return &cs, nil
}

func (s *SQLiteStore) collectSessions(rows *sql.Rows) ([]*store.CallSession, error) {
	var sessions []*store.CallSession
	for rows.Next() {
		cs, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ==== ConversationStore implementation ====

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*store.Conversation, error) {
	query := `
		SELECT id, direct_key, created_at
		FROM conversations
		WHERE id = ?
	`
	var conv store.Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &conv.DirectKey, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return &conv, nil
}

// ParticipantsOf returns the user IDs participating in a conversation.
func (s *SQLiteStore) ParticipantsOf(ctx context.Context, conversationID int64) ([]int64, error) {
	query := `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = ?
		ORDER BY user_id
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// CreateDirectConversation creates a direct conversation between two users.
// Deduplicates via directKey and adds both users as members.
func (s *SQLiteStore) CreateDirectConversation(ctx context.Context, user1ID, user2ID int64) (*store.Conversation, error) {
	directKey := store.DirectKey(user1ID, user2ID)

	// Return the existing conversation if one was already created for the pair.
	var existingID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = ?`, directKey).Scan(&existingID)
	if err == nil {
		return s.GetConversation(ctx, existingID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query direct key: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `INSERT INTO conversations (direct_key) VALUES (?)`, directKey)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	for _, userID := range []int64{user1ID, user2ID} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id) VALUES (?, ?)`, id, userID); err != nil {
			return nil, fmt.Errorf("insert member %d: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.GetConversation(ctx, id)
}

// ==== ConnectionStore implementation ====

// IsConnected checks whether a connection exists between two users.
func (s *SQLiteStore) IsConnected(ctx context.Context, userA, userB int64) (bool, error) {
	query := `
		SELECT COUNT(*) FROM connections
		WHERE (user_id = ? AND peer_id = ?) OR (user_id = ? AND peer_id = ?)
	`
	var count int
	err := s.db.QueryRowContext(ctx, query, userA, userB, userB, userA).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query connection: %w", err)
	}
	return count > 0, nil
}

// CreateConnection records a connection between two users.
func (s *SQLiteStore) CreateConnection(ctx context.Context, userA, userB int64) error {
	query := `
		INSERT OR IGNORE INTO connections (user_id, peer_id) VALUES (?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, userA, userB); err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// Ensure SQLiteStore implements store.Store.
var _ store.Store = (*SQLiteStore)(nil)
