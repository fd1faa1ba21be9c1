package store

import (
	"context"
	"fmt"
	"time"
)

// Conversation is a direct conversation between exactly two users.
// Conversation rows are owned by the wider product; this service only
// reads them to resolve call participants.
type Conversation struct {
	ID        int64
	DirectKey string // "dm:{minUserId}:{maxUserId}"
	CreatedAt time.Time
}

// DirectKey returns the canonical key for a direct conversation between
// two users, independent of argument order.
func DirectKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d", a, b)
}

// CallType defines the media kind requested for a call.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// SessionStatus defines call session status.
type SessionStatus string

const (
	StatusRequested SessionStatus = "requested"
	StatusAccepted  SessionStatus = "accepted"
	StatusDeclined  SessionStatus = "declined"
	StatusEnded     SessionStatus = "ended"
	StatusExpired   SessionStatus = "expired"
)

// Terminal reports whether no transition is defined out of s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusDeclined, StatusEnded, StatusExpired:
		return true
	}
	return false
}

// CallSession is the record governing one attempted or completed call
// between two users. Sessions are never deleted; terminal records are
// retained as call history.
type CallSession struct {
	ID             string // UUID
	ConversationID int64
	CallerID       int64
	CalleeID       int64
	Type           CallType
	Status         SessionStatus
	RequestedAt    time.Time
	ExpiresAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
}

// SessionStore handles call session persistence.
type SessionStore interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s *CallSession) error

	// UpdateSession updates an existing session.
	UpdateSession(ctx context.Context, s *CallSession) error

	// ExpireSession persists an expiry only if the session is still in
	// the requested state. It reports whether the write applied; a false
	// return means another transition won the race.
	ExpireSession(ctx context.Context, s *CallSession) (bool, error)

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*CallSession, error)

	// GetActiveSessionForConversation returns the session with status
	// requested or accepted for a conversation, or nil if none exists.
	GetActiveSessionForConversation(ctx context.Context, conversationID int64) (*CallSession, error)

	// ListOverdueSessions lists requested sessions whose expires_at has passed.
	ListOverdueSessions(ctx context.Context, now time.Time) ([]*CallSession, error)

	// ListSessionsForUser lists sessions where the user is caller or callee,
	// newest first.
	ListSessionsForUser(ctx context.Context, userID int64, limit int) ([]*CallSession, error)
}

// ConversationStore handles conversation lookups.
type ConversationStore interface {
	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id int64) (*Conversation, error)

	// ParticipantsOf returns the user IDs participating in a conversation.
	ParticipantsOf(ctx context.Context, conversationID int64) ([]int64, error)

	// CreateDirectConversation creates a direct conversation between two
	// users, deduplicated via the direct key. Used for seeding and tests.
	CreateDirectConversation(ctx context.Context, user1ID, user2ID int64) (*Conversation, error)
}

// ConnectionStore handles connection graph lookups.
type ConnectionStore interface {
	// IsConnected checks whether a connection exists between two users,
	// in either direction.
	IsConnected(ctx context.Context, userA, userB int64) (bool, error)

	// CreateConnection records a connection between two users.
	// Used for seeding and tests.
	CreateConnection(ctx context.Context, userA, userB int64) error
}

// Store aggregates all storage interfaces.
type Store interface {
	SessionStore
	ConversationStore
	ConnectionStore

	// Close closes the underlying database connection.
	Close() error
}
