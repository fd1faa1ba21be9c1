// Package gate answers whether a call may be initiated between two users.
// It consults the conversation membership and the connection graph, both
// owned by external services and read through the store.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/ringlink/ringlink-server/internal/store"
)

// Common errors for authorization checks.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of this conversation")
	ErrNotConnected         = errors.New("users are not connected")
	ErrNotDirect            = errors.New("conversation is not a direct conversation")
)

// Service provides the call authorization predicate.
type Service struct {
	conversations store.ConversationStore
	connections   store.ConnectionStore
}

// New creates a new authorization gate.
func New(conversations store.ConversationStore, connections store.ConnectionStore) *Service {
	return &Service{
		conversations: conversations,
		connections:   connections,
	}
}

// MayCall checks that callerID participates in the conversation and is
// connected to the other participant. Returns the callee's user ID.
func (s *Service) MayCall(ctx context.Context, callerID, conversationID int64) (int64, error) {
	if _, err := s.conversations.GetConversation(ctx, conversationID); err != nil {
		return 0, ErrConversationNotFound
	}

	participants, err := s.conversations.ParticipantsOf(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("resolve participants: %w", err)
	}
	if len(participants) != 2 {
		return 0, ErrNotDirect
	}

	calleeID := int64(0)
	isParticipant := false
	for _, p := range participants {
		if p == callerID {
			isParticipant = true
		} else {
			calleeID = p
		}
	}
	if !isParticipant {
		return 0, ErrNotParticipant
	}

	connected, err := s.connections.IsConnected(ctx, callerID, calleeID)
	if err != nil {
		return 0, fmt.Errorf("check connection: %w", err)
	}
	if !connected {
		return 0, ErrNotConnected
	}

	return calleeID, nil
}
