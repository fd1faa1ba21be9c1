// Package calls implements the call session manager: it orchestrates
// request/accept/decline/end operations against the session store and
// publishes lifecycle envelopes through the signal relay.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ringlink/ringlink-server/internal/relay"
	"github.com/ringlink/ringlink-server/internal/service/gate"
	"github.com/ringlink/ringlink-server/internal/store"
)

// DefaultTTL is the window a requested call remains answerable.
const DefaultTTL = 2 * time.Minute

// Common errors for call operations.
var (
	ErrSessionNotFound      = errors.New("call session not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant in this call")
	ErrNotConnected         = errors.New("cannot call user: not connected")
	ErrNotCallee            = errors.New("only the callee may answer this call")
	ErrActiveSessionExists  = errors.New("an active call already exists for this conversation")
	ErrSessionTerminal      = errors.New("call session has already ended")
	ErrInvalidCallType      = errors.New("invalid call type")
)

// Service provides call session management business logic. All mutating
// operations are serialized per conversation so racing accept/decline/end
// calls resolve to exactly one terminal state.
type Service struct {
	store store.Store
	relay *relay.Relay
	gate  *gate.Service
	ttl   time.Duration
	locks *keyedMutex
	log   *zerolog.Logger

	now func() time.Time
}

// New creates a new call session manager.
func New(st store.Store, rl *relay.Relay, authGate *gate.Service, ttl time.Duration, logger *zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store: st,
		relay: rl,
		gate:  authGate,
		ttl:   ttl,
		locks: newKeyedMutex(),
		log:   logger,
		now:   time.Now,
	}
}

// Request creates a requested session for a conversation and notifies the
// callee. Fails if the caller is not a connected participant or an active
// session already occupies the conversation.
func (s *Service) Request(ctx context.Context, callerID, conversationID int64, callType store.CallType) (*store.CallSession, error) {
	if !callType.Valid() {
		return nil, ErrInvalidCallType
	}

	calleeID, err := s.gate.MayCall(ctx, callerID, conversationID)
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrConversationNotFound), errors.Is(err, gate.ErrNotDirect):
			return nil, ErrConversationNotFound
		case errors.Is(err, gate.ErrNotParticipant):
			return nil, ErrNotParticipant
		case errors.Is(err, gate.ErrNotConnected):
			return nil, ErrNotConnected
		default:
			return nil, fmt.Errorf("authorize call: %w", err)
		}
	}

	unlock := s.locks.lock(conversationID)
	defer unlock()

	active, err := s.store.GetActiveSessionForConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("check active session: %w", err)
	}
	if active != nil {
		// A stale requested session past its TTL does not block a new call.
		if active.ExpireIfDue(s.now()) {
			if _, expireErr := s.store.ExpireSession(ctx, active); expireErr != nil {
				return nil, fmt.Errorf("expire stale session: %w", expireErr)
			}
		} else {
			return nil, ErrActiveSessionExists
		}
	}

	now := s.now()
	session := &store.CallSession{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		CallerID:       callerID,
		CalleeID:       calleeID,
		Type:           callType,
		Status:         store.StatusRequested,
		RequestedAt:    now,
		ExpiresAt:      now.Add(s.ttl),
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.log.Info().
		Str("call_id", session.ID).
		Int64("conversation_id", conversationID).
		Int64("caller_id", callerID).
		Int64("callee_id", calleeID).
		Str("type", string(callType)).
		Msg("call requested")

	s.publish(session, callerID, calleeID, relay.EventRequest, nil)

	return session, nil
}

// Accept transitions a requested session to accepted and notifies the
// caller. Only the callee may accept. Accepting a session this callee
// already accepted succeeds as a no-op.
func (s *Service) Accept(ctx context.Context, userID int64, callID string) (*store.CallSession, error) {
	return s.transition(ctx, userID, callID, func(session *store.CallSession) (bool, error) {
		if userID != session.CalleeID {
			return false, ErrNotCallee
		}
		if session.Status == store.StatusAccepted {
			return false, nil // already answered, no-op
		}
		if err := session.Accept(s.now()); err != nil {
			return false, ErrSessionTerminal
		}
		return true, nil
	}, relay.EventAccept)
}

// Decline transitions a requested session to declined and notifies the
// caller. Only the callee may decline. Declining an already declined
// session succeeds as a no-op.
func (s *Service) Decline(ctx context.Context, userID int64, callID string) (*store.CallSession, error) {
	return s.transition(ctx, userID, callID, func(session *store.CallSession) (bool, error) {
		if userID != session.CalleeID {
			return false, ErrNotCallee
		}
		if session.Status == store.StatusDeclined {
			return false, nil
		}
		if err := session.Decline(s.now()); err != nil {
			return false, ErrSessionTerminal
		}
		return true, nil
	}, relay.EventDecline)
}

// End transitions a requested or accepted session to ended and notifies
// the other participant. Either participant may end; ending an already
// ended session succeeds as a no-op so both sides can race to hang up.
func (s *Service) End(ctx context.Context, userID int64, callID string) (*store.CallSession, error) {
	return s.transition(ctx, userID, callID, func(session *store.CallSession) (bool, error) {
		if _, ok := session.OtherParticipant(userID); !ok {
			return false, ErrNotParticipant
		}
		changed, err := session.End(s.now())
		if err != nil {
			return false, ErrSessionTerminal
		}
		return changed, nil
	}, relay.EventEnd)
}

// RelaySignal forwards an opaque negotiation payload to the other
// participant of a non-terminal session. The payload is never interpreted.
func (s *Service) RelaySignal(ctx context.Context, userID int64, callID string, payload json.RawMessage) error {
	session, err := s.loadSession(ctx, callID)
	if err != nil {
		return err
	}

	peerID, ok := session.OtherParticipant(userID)
	if !ok {
		return ErrNotParticipant
	}
	if session.Status.Terminal() {
		return ErrSessionTerminal
	}

	s.publish(session, userID, peerID, relay.EventSignal, payload)
	return nil
}

// Get returns a session by ID, applying lazy expiry.
func (s *Service) Get(ctx context.Context, userID int64, callID string) (*store.CallSession, error) {
	session, err := s.loadSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	if _, ok := session.OtherParticipant(userID); !ok {
		return nil, ErrNotParticipant
	}
	return session, nil
}

// History lists a user's sessions, newest first. Terminal sessions are
// retained indefinitely.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]*store.CallSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sessions, err := s.store.ListSessionsForUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// RunExpirySweep periodically marks overdue requested sessions expired.
// Lazy expiry on read already guarantees correctness; the sweep keeps
// stored state observable without waiting for the next read.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *Service) sweepExpired(ctx context.Context) {
	overdue, err := s.store.ListOverdueSessions(ctx, s.now())
	if err != nil {
		s.log.Warn().Err(err).Msg("expiry sweep failed")
		return
	}

	for _, session := range overdue {
		unlock := s.locks.lock(session.ConversationID)
		if session.ExpireIfDue(s.now()) {
			applied, err := s.store.ExpireSession(ctx, session)
			switch {
			case err != nil:
				s.log.Warn().Err(err).Str("call_id", session.ID).Msg("failed to expire session")
			case applied:
				s.log.Info().Str("call_id", session.ID).Msg("session expired")
			}
		}
		unlock()
	}
}

// transition loads a session, serializes on its conversation, applies the
// mutation and publishes the event to the other participant. A mutation
// reporting changed=false with no error is a successful no-op: the current
// session is returned and nothing is published.
func (s *Service) transition(
	ctx context.Context,
	userID int64,
	callID string,
	mutate func(*store.CallSession) (bool, error),
	event relay.EventType,
) (*store.CallSession, error) {
	session, err := s.loadSession(ctx, callID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(session.ConversationID)
	defer unlock()

	// Reload under the lock; another operation may have won the race.
	session, err = s.loadSession(ctx, callID)
	if err != nil {
		return nil, err
	}

	changed, err := mutate(session)
	if err != nil {
		return nil, err
	}
	if !changed {
		return session, nil
	}

	if err := s.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	s.log.Info().
		Str("call_id", session.ID).
		Int64("user_id", userID).
		Str("status", string(session.Status)).
		Msg("call transitioned")

	if peerID, ok := session.OtherParticipant(userID); ok {
		s.publish(session, userID, peerID, event, nil)
	}

	return session, nil
}

// loadSession fetches a session and applies lazy expiry: a requested
// session past its TTL is forced to expired and persisted before the
// caller sees it. The persist is status-guarded; when a concurrent
// transition lands first, its result is re-read and returned instead.
func (s *Service) loadSession(ctx context.Context, callID string) (*store.CallSession, error) {
	session, err := s.store.GetSession(ctx, callID)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	if session.ExpireIfDue(s.now()) {
		applied, err := s.store.ExpireSession(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("expire session: %w", err)
		}
		if !applied {
			session, err = s.store.GetSession(ctx, callID)
			if err != nil {
				return nil, ErrSessionNotFound
			}
			return session, nil
		}
		s.log.Info().Str("call_id", session.ID).Msg("session expired")
	}

	return session, nil
}

// publish hands an envelope to the relay. Best-effort: the session state
// stays authoritative even if the recipient is offline.
func (s *Service) publish(session *store.CallSession, fromID, toID int64, event relay.EventType, payload json.RawMessage) {
	s.relay.Publish(toID, relay.Envelope{
		CallID:     session.ID,
		FromUserID: fromID,
		ToUserID:   toID,
		Event:      event,
		Payload:    payload,
	})
}
