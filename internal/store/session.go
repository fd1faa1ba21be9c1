package store

import (
	"errors"
	"time"
)

// Transition errors returned by the session state machine.
var (
	// ErrTerminalState is returned when a transition is attempted out of a
	// terminal state (declined, ended, expired).
	ErrTerminalState = errors.New("session is in a terminal state")
	// ErrNotRequested is returned when accept/decline is attempted on a
	// session that already left the requested state.
	ErrNotRequested = errors.New("session is not in requested state")
)

// ExpireIfDue forces a requested session past its TTL into expired.
// Returns true if the status changed. Callers persist the session when
// it reports a change.
func (s *CallSession) ExpireIfDue(now time.Time) bool {
	if s.Status != StatusRequested || !now.After(s.ExpiresAt) {
		return false
	}
	s.Status = StatusExpired
	ended := s.ExpiresAt
	s.EndedAt = &ended
	return true
}

// Accept transitions requested -> accepted and sets StartedAt.
func (s *CallSession) Accept(now time.Time) error {
	if s.Status.Terminal() {
		return ErrTerminalState
	}
	if s.Status != StatusRequested {
		return ErrNotRequested
	}
	s.Status = StatusAccepted
	started := now
	s.StartedAt = &started
	return nil
}

// Decline transitions requested -> declined.
func (s *CallSession) Decline(now time.Time) error {
	if s.Status.Terminal() {
		return ErrTerminalState
	}
	if s.Status != StatusRequested {
		return ErrNotRequested
	}
	s.Status = StatusDeclined
	ended := now
	s.EndedAt = &ended
	return nil
}

// End transitions requested or accepted -> ended. A session that is
// already ended reports changed=false with no error so that both
// participants can race to hang up.
func (s *CallSession) End(now time.Time) (changed bool, err error) {
	if s.Status == StatusEnded {
		return false, nil
	}
	if s.Status.Terminal() {
		return false, ErrTerminalState
	}
	s.Status = StatusEnded
	ended := now
	s.EndedAt = &ended
	return true, nil
}

// Active reports whether the session still occupies its conversation's
// single active slot.
func (s *CallSession) Active() bool {
	return s.Status == StatusRequested || s.Status == StatusAccepted
}

// OtherParticipant returns the peer of userID in this session, or false
// if userID is not a participant.
func (s *CallSession) OtherParticipant(userID int64) (int64, bool) {
	switch userID {
	case s.CallerID:
		return s.CalleeID, true
	case s.CalleeID:
		return s.CallerID, true
	}
	return 0, false
}
