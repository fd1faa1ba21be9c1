package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ringlink/ringlink-server/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *SQLiteStore, conversationID int64, status store.SessionStatus, requestedAt time.Time) *store.CallSession {
	t.Helper()

	cs := &store.CallSession{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		CallerID:       10,
		CalleeID:       20,
		Type:           store.CallTypeVideo,
		Status:         status,
		RequestedAt:    requestedAt,
		ExpiresAt:      requestedAt.Add(2 * time.Minute),
	}
	if err := s.CreateSession(context.Background(), cs); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return cs
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	created := seedSession(t, s, 1, store.StatusRequested, now)

	got, err := s.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ConversationID != 1 || got.CallerID != 10 || got.CalleeID != 20 {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.Type != store.CallTypeVideo || got.Status != store.StatusRequested {
		t.Fatalf("unexpected type/status: %s/%s", got.Type, got.Status)
	}
	if got.StartedAt != nil || got.EndedAt != nil {
		t.Fatalf("expected nil StartedAt/EndedAt on a fresh session")
	}

	started := now.Add(time.Second)
	got.Status = store.StatusAccepted
	got.StartedAt = &started
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, err = s.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession after update failed: %v", err)
	}
	if got.Status != store.StatusAccepted || got.StartedAt == nil {
		t.Fatalf("update not persisted: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateSession(context.Background(), &store.CallSession{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestExpireSessionOnlyAppliesToRequested(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	cs := seedSession(t, s, 1, store.StatusRequested, now)

	// A stale reader decided to expire the session while it was still
	// requested, but an accept lands first.
	stale := *cs
	endedAt := stale.ExpiresAt
	stale.Status = store.StatusExpired
	stale.EndedAt = &endedAt

	startedAt := now.Add(30 * time.Second)
	cs.Status = store.StatusAccepted
	cs.StartedAt = &startedAt
	if err := s.UpdateSession(ctx, cs); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	applied, err := s.ExpireSession(ctx, &stale)
	if err != nil {
		t.Fatalf("ExpireSession failed: %v", err)
	}
	if applied {
		t.Fatalf("expiry write must not apply to an accepted session")
	}

	got, err := s.GetSession(ctx, cs.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != store.StatusAccepted {
		t.Fatalf("expected status accepted, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatalf("started_at must survive a late expiry write")
	}
}

func TestExpireSessionMarksRequested(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	cs := seedSession(t, s, 1, store.StatusRequested, now)
	endedAt := cs.ExpiresAt
	cs.Status = store.StatusExpired
	cs.EndedAt = &endedAt

	applied, err := s.ExpireSession(ctx, cs)
	if err != nil {
		t.Fatalf("ExpireSession failed: %v", err)
	}
	if !applied {
		t.Fatalf("expected expiry write to apply to a requested session")
	}

	got, err := s.GetSession(ctx, cs.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != store.StatusExpired || got.EndedAt == nil {
		t.Fatalf("expiry not persisted: %+v", got)
	}
}

func TestGetActiveSessionForConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Terminal sessions do not occupy the active slot.
	seedSession(t, s, 1, store.StatusDeclined, now.Add(-time.Hour))
	seedSession(t, s, 1, store.StatusEnded, now.Add(-30*time.Minute))

	active, err := s.GetActiveSessionForConversation(ctx, 1)
	if err != nil {
		t.Fatalf("GetActiveSessionForConversation failed: %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active session, got %+v", active)
	}

	requested := seedSession(t, s, 1, store.StatusRequested, now)

	active, err = s.GetActiveSessionForConversation(ctx, 1)
	if err != nil {
		t.Fatalf("GetActiveSessionForConversation failed: %v", err)
	}
	if active == nil || active.ID != requested.ID {
		t.Fatalf("expected active session %s, got %+v", requested.ID, active)
	}

	// Sessions in other conversations are invisible.
	other, err := s.GetActiveSessionForConversation(ctx, 2)
	if err != nil {
		t.Fatalf("GetActiveSessionForConversation failed: %v", err)
	}
	if other != nil {
		t.Fatalf("expected no active session for conversation 2, got %+v", other)
	}
}

func TestListOverdueSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := seedSession(t, s, 1, store.StatusRequested, now.Add(-10*time.Minute))
	seedSession(t, s, 2, store.StatusRequested, now) // still within TTL
	seedSession(t, s, 3, store.StatusEnded, now.Add(-10*time.Minute))

	got, err := s.ListOverdueSessions(ctx, now)
	if err != nil {
		t.Fatalf("ListOverdueSessions failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != overdue.ID {
		t.Fatalf("expected only session %s overdue, got %+v", overdue.ID, got)
	}
}

func TestListSessionsForUserKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := seedSession(t, s, 1, store.StatusDeclined, now.Add(-2*time.Hour))
	second := seedSession(t, s, 1, store.StatusEnded, now.Add(-time.Hour))

	sessions, err := s.ListSessionsForUser(ctx, 20, 50)
	if err != nil {
		t.Fatalf("ListSessionsForUser failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 historic sessions, got %d", len(sessions))
	}
	// Newest first.
	if sessions[0].ID != second.ID || sessions[1].ID != first.ID {
		t.Fatalf("unexpected order: %s, %s", sessions[0].ID, sessions[1].ID)
	}

	sessions, err = s.ListSessionsForUser(ctx, 99, 50)
	if err != nil {
		t.Fatalf("ListSessionsForUser failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions for stranger, got %d", len(sessions))
	}
}

func TestConversationsAndConnections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateDirectConversation(ctx, 20, 10)
	if err != nil {
		t.Fatalf("CreateDirectConversation failed: %v", err)
	}
	if conv.DirectKey != "dm:10:20" {
		t.Fatalf("expected canonical direct key, got %s", conv.DirectKey)
	}

	// Creating the same pair again returns the existing conversation.
	again, err := s.CreateDirectConversation(ctx, 10, 20)
	if err != nil {
		t.Fatalf("CreateDirectConversation dedup failed: %v", err)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected deduplicated conversation %d, got %d", conv.ID, again.ID)
	}

	members, err := s.ParticipantsOf(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ParticipantsOf failed: %v", err)
	}
	if len(members) != 2 || members[0] != 10 || members[1] != 20 {
		t.Fatalf("unexpected members: %v", members)
	}

	if _, err := s.GetConversation(ctx, 12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	connected, err := s.IsConnected(ctx, 10, 20)
	if err != nil {
		t.Fatalf("IsConnected failed: %v", err)
	}
	if connected {
		t.Fatalf("users must not be connected before CreateConnection")
	}

	if err := s.CreateConnection(ctx, 10, 20); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}

	// Direction does not matter.
	connected, err = s.IsConnected(ctx, 20, 10)
	if err != nil {
		t.Fatalf("IsConnected failed: %v", err)
	}
	if !connected {
		t.Fatalf("expected users to be connected")
	}
}
