// Package relay is the in-process signal relay: a non-persistent pub/sub
// fan-out delivering signaling envelopes to a user's private channel.
// Delivery is best-effort; envelopes to offline or slow subscribers are
// dropped without error.
package relay

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// EventType identifies what an envelope announces.
type EventType string

const (
	EventRequest EventType = "request"
	EventAccept  EventType = "accept"
	EventDecline EventType = "decline"
	EventEnd     EventType = "end"
	EventSignal  EventType = "signal"
)

// Envelope is one unit of relayed lifecycle or negotiation information.
// Payload is opaque negotiation data, set only for EventSignal.
type Envelope struct {
	CallID     string          `json:"call_id"`
	FromUserID int64           `json:"from_user_id"`
	ToUserID   int64           `json:"to_user_id"`
	Event      EventType       `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// subscriptionBuffer is the per-subscription channel capacity. A burst of
// trickle candidates fits comfortably; beyond that the subscriber is slow
// and envelopes are dropped.
const subscriptionBuffer = 64

// Subscription is a live feed of one user's private channel.
type Subscription struct {
	userID int64
	ch     chan Envelope
	relay  *Relay

	closeOnce sync.Once
}

// C returns the channel envelopes are delivered on. It is closed when the
// subscription is closed.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Close detaches the subscription from the relay and closes C.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.relay.unsubscribe(s)
		close(s.ch)
	})
}

// Relay fans envelopes out to per-user subscriptions.
type Relay struct {
	mu   sync.RWMutex
	subs map[int64][]*Subscription
	log  *zerolog.Logger
}

// New creates an empty relay.
func New(logger *zerolog.Logger) *Relay {
	return &Relay{
		subs: make(map[int64][]*Subscription),
		log:  logger,
	}
}

// Subscribe attaches a new subscription to userID's private channel.
// A user may hold several subscriptions (one per connected device).
func (r *Relay) Subscribe(userID int64) *Subscription {
	sub := &Subscription{
		userID: userID,
		ch:     make(chan Envelope, subscriptionBuffer),
		relay:  r,
	}

	r.mu.Lock()
	r.subs[userID] = append(r.subs[userID], sub)
	r.mu.Unlock()

	return sub
}

// Publish delivers an envelope to every subscription on userID's channel.
// It never blocks: if the user is offline the envelope is dropped, and a
// subscriber that cannot keep up loses the envelope. Publishing to the
// same user from one goroutine preserves order because the buffer append
// happens under the registry lock.
func (r *Relay) Publish(userID int64, env Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.subs[userID]
	if len(subs) == 0 {
		r.log.Debug().
			Int64("to_user_id", userID).
			Str("call_id", env.CallID).
			Str("event", string(env.Event)).
			Msg("recipient offline, envelope dropped")
		return
	}

	for _, sub := range subs {
		select {
		case sub.ch <- env:
		default:
			// Drop if slow consumer.
			r.log.Warn().
				Int64("to_user_id", userID).
				Str("call_id", env.CallID).
				Str("event", string(env.Event)).
				Msg("subscriber buffer full, envelope dropped")
		}
	}
}

// HasSubscribers reports whether userID currently holds at least one
// live subscription.
func (r *Relay) HasSubscribers(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[userID]) > 0
}

func (r *Relay) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[sub.userID]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subs, sub.userID)
	} else {
		r.subs[sub.userID] = subs
	}
}
