package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ringlink/ringlink-server/internal/relay"
)

// Phase is the client-local negotiation state of one call.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseOffering   Phase = "offering"
	PhaseAnswering  Phase = "answering"
	PhaseConnecting Phase = "connecting"
	PhaseInCall     Phase = "inCall"
	PhaseEnded      Phase = "ended"
)

// Role says which side of the call this coordinator drives.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Signaler is the only surface the coordinator needs from the rest of
// the system: a way to push a signal payload to the other participant.
type Signaler interface {
	SendSignal(ctx context.Context, callID string, payload Payload) error
}

// Coordinator runs the negotiation state machine for exactly one call
// on one device. It is created when a call is requested or an incoming
// request is accepted and destroyed when the call reaches ended; there
// is no shared "current call" reference.
//
// All envelope processing is serialized on the coordinator's mutex, so
// no two envelopes for the same call are ever handled concurrently.
type Coordinator struct {
	callID string
	role   Role
	nc     NegotiationContext
	media  MediaSession
	sig    Signaler
	log    zerolog.Logger

	mu        sync.Mutex
	phase     Phase
	remoteSet bool
	pending   []Candidate
	closed    bool
}

// New builds a coordinator around an already-constructed negotiation
// context. Start is the usual entry point; it also declines the call
// when no context can be built. media may be nil when no capture
// devices are attached yet.
func New(callID string, role Role, nc NegotiationContext, media MediaSession, sig Signaler, logger *zerolog.Logger) *Coordinator {
	c := &Coordinator{
		callID: callID,
		role:   role,
		nc:     nc,
		media:  media,
		sig:    sig,
		log:    logger.With().Str("call_id", callID).Str("role", string(role)).Logger(),
		phase:  PhaseIdle,
	}

	nc.OnCandidate(func(cand Candidate) {
		if err := c.sendSignal(context.Background(), CandidatePayload(cand)); err != nil {
			c.log.Debug().Err(err).Msg("dropping local candidate")
		}
	})
	nc.OnConnected(func() {
		c.mu.Lock()
		if c.phase == PhaseConnecting {
			c.phase = PhaseInCall
			c.log.Info().Msg("media connected")
		}
		c.mu.Unlock()
	})
	nc.OnFailed(func(err error) {
		c.log.Warn().Err(err).Msg("transport failed")
		c.teardown()
	})

	return c
}

// ContextFactory builds the negotiation context for one call, typically
// NewPionContext bound to the configured ICE servers.
type ContextFactory func() (NegotiationContext, error)

// Decliner declines a call at the session level.
type Decliner interface {
	Decline(ctx context.Context, callID string) error
}

// Start builds the coordinator for one call. When the negotiation
// capability is unavailable on this device, the call is declined at the
// session level so the remote side learns immediately, and
// ErrUnavailable is returned without creating any call state.
func Start(ctx context.Context, callID string, role Role, factory ContextFactory, media MediaSession, sig Signaler, decliner Decliner, logger *zerolog.Logger) (*Coordinator, error) {
	nc, err := factory()
	if err != nil {
		if errors.Is(err, ErrUnavailable) && decliner != nil {
			if declineErr := decliner.Decline(ctx, callID); declineErr != nil {
				logger.Warn().Err(declineErr).Str("call_id", callID).Msg("failed to decline unavailable call")
			}
		}
		return nil, fmt.Errorf("negotiation context: %w", err)
	}
	return New(callID, role, nc, media, sig, logger), nil
}

// Phase returns the current negotiation phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// StartOffer drives the caller side once the remote accept arrived:
// create a local offer, relay it, and move to connecting.
func (c *Coordinator) StartOffer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseIdle && c.phase != PhaseOffering {
		return fmt.Errorf("cannot offer in phase %s", c.phase)
	}
	c.phase = PhaseOffering

	offer, err := c.nc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.sendSignal(ctx, Payload{Kind: KindOffer, SDP: &offer}); err != nil {
		return err
	}
	c.phase = PhaseConnecting
	c.log.Debug().Msg("offer sent")
	return nil
}

// Answering marks the callee side as waiting for the remote offer
// after the local user accepted the call.
func (c *Coordinator) Answering() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseIdle {
		return fmt.Errorf("cannot answer in phase %s", c.phase)
	}
	c.phase = PhaseAnswering
	return nil
}

// HandleEnvelope processes one relayed envelope for this call in
// arrival order.
func (c *Coordinator) HandleEnvelope(ctx context.Context, env relay.Envelope) error {
	switch env.Event {
	case relay.EventAccept:
		if c.role == RoleCaller {
			return c.StartOffer(ctx)
		}
		return nil
	case relay.EventDecline, relay.EventEnd:
		c.teardown()
		return nil
	case relay.EventSignal:
		payload, err := ParsePayload(env.Payload)
		if err != nil {
			return fmt.Errorf("bad signal payload: %w", err)
		}
		return c.handleSignal(ctx, payload)
	default:
		return nil
	}
}

func (c *Coordinator) handleSignal(ctx context.Context, payload Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseEnded {
		return nil
	}

	switch payload.Kind {
	case KindOffer:
		return c.handleOffer(ctx, *payload.SDP)
	case KindAnswer:
		return c.handleAnswer(*payload.SDP)
	case KindCandidate:
		return c.handleCandidate(*payload.Candidate)
	default:
		return fmt.Errorf("unsupported signal kind %q", payload.Kind)
	}
}

// handleOffer runs on the callee side. A replayed offer while the
// exchange already completed is ignored rather than renegotiated.
func (c *Coordinator) handleOffer(ctx context.Context, offer SDP) error {
	if c.phase == PhaseConnecting || c.phase == PhaseInCall {
		c.log.Debug().Msg("duplicate offer ignored")
		return nil
	}
	if c.phase != PhaseAnswering {
		return fmt.Errorf("unexpected offer in phase %s", c.phase)
	}

	if err := c.applyRemote(offer); err != nil {
		return err
	}

	answer, err := c.nc.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.sendSignal(ctx, Payload{Kind: KindAnswer, SDP: &answer}); err != nil {
		return err
	}
	c.phase = PhaseConnecting
	c.log.Debug().Msg("answer sent")
	return nil
}

// handleAnswer runs on the caller side after its offer went out.
func (c *Coordinator) handleAnswer(answer SDP) error {
	if c.role != RoleCaller {
		return fmt.Errorf("unexpected answer on callee side")
	}
	if c.remoteSet {
		return nil
	}
	if err := c.applyRemote(answer); err != nil {
		return err
	}
	c.phase = PhaseConnecting
	return nil
}

// handleCandidate buffers trickled candidates that race ahead of the
// offer/answer exchange and applies them once the remote description
// is in place.
func (c *Coordinator) handleCandidate(cand Candidate) error {
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		return nil
	}
	if err := c.nc.AddCandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// applyRemote sets the remote description and flushes any buffered
// candidates. Caller must hold c.mu.
func (c *Coordinator) applyRemote(desc SDP) error {
	if err := c.nc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote description: %w", err)
	}
	c.remoteSet = true

	for _, cand := range c.pending {
		if err := c.nc.AddCandidate(cand); err != nil {
			c.log.Warn().Err(err).Msg("buffered candidate rejected")
		}
	}
	c.pending = nil
	return nil
}

// ToggleAudio flips the local microphone. Returns the new muted state.
func (c *Coordinator) ToggleAudio() bool {
	if c.media == nil {
		return true
	}
	return c.media.ToggleAudio()
}

// ToggleVideo flips the local camera. Returns the new disabled state.
func (c *Coordinator) ToggleVideo() bool {
	if c.media == nil {
		return true
	}
	return c.media.ToggleVideo()
}

// Hangup tears the call down locally. It returns only after local
// capture is stopped and the negotiation context closed, so nothing
// leaks even if the remote end envelope never arrives. Idempotent.
func (c *Coordinator) Hangup() {
	c.teardown()
}

// teardown releases media and the negotiation context exactly once and
// pins the phase to ended.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.phase = PhaseEnded
	c.pending = nil
	media, nc := c.media, c.nc
	c.mu.Unlock()

	if media != nil {
		if err := media.Close(); err != nil {
			c.log.Warn().Err(err).Msg("closing media session")
		}
	}
	if err := nc.Close(); err != nil {
		c.log.Warn().Err(err).Msg("closing negotiation context")
	}
	c.log.Info().Msg("call torn down")
}

func (c *Coordinator) sendSignal(ctx context.Context, payload Payload) error {
	if err := c.sig.SendSignal(ctx, c.callID, payload); err != nil {
		return fmt.Errorf("send %s signal: %w", payload.Kind, err)
	}
	return nil
}
