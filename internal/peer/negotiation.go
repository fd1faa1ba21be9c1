package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrUnavailable means this device cannot run the negotiation
	// protocol at all. The application layer declines the call instead
	// of attempting negotiation.
	ErrUnavailable = errors.New("negotiation capability unavailable")
	// ErrTransportFailure means the underlying transport reported an
	// unrecoverable error mid-call.
	ErrTransportFailure = errors.New("negotiation transport failure")
)

// NegotiationContext abstracts the underlying negotiation engine so the
// coordinator can be exercised without opening real sockets.
type NegotiationContext interface {
	CreateOffer(ctx context.Context) (SDP, error)
	CreateAnswer(ctx context.Context) (SDP, error)
	SetRemoteDescription(s SDP) error
	AddCandidate(c Candidate) error

	// OnCandidate registers the sink for locally gathered trickle
	// candidates. A registered sink must be safe to call from the
	// engine's own goroutines.
	OnCandidate(fn func(Candidate))
	// OnConnected fires once when the transport reports live media
	// flowing from the peer.
	OnConnected(fn func())
	// OnFailed fires when the transport reports permanent failure.
	OnFailed(fn func(error))

	Close() error
}

// MediaSession controls the local capture devices bound to one call.
type MediaSession interface {
	// ToggleAudio flips the microphone and returns the new muted state.
	ToggleAudio() bool
	// ToggleVideo flips the camera and returns the new disabled state.
	ToggleVideo() bool
	Close() error
}

// PionContext implements NegotiationContext over a pion PeerConnection.
type PionContext struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onConnected func()
	onFailed    func(error)
}

// NewPionContext builds a peer connection ready for a two-party call.
// Transceivers are added up front so offers and answers always carry
// valid media sections even before capture starts.
func NewPionContext(iceServers []string, video bool) (*PionContext, error) {
	se := webrtc.SettingEngine{}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: add audio transceiver: %v", ErrUnavailable, err)
	}
	if video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%w: add video transceiver: %v", ErrUnavailable, err)
		}
	}

	p := &PionContext{pc: pc}

	// Pion keeps a single state-change handler, so both callbacks hang
	// off one dispatcher registered here.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.Lock()
		connected, failed := p.onConnected, p.onFailed
		p.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateConnected:
			if connected != nil {
				connected()
			}
		case webrtc.PeerConnectionStateFailed:
			if failed != nil {
				failed(fmt.Errorf("%w: peer connection failed", ErrTransportFailure))
			}
		}
	})

	return p, nil
}

func (p *PionContext) CreateOffer(ctx context.Context) (SDP, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return SDPFromPion(offer), nil
}

func (p *PionContext) CreateAnswer(ctx context.Context) (SDP, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return SDPFromPion(answer), nil
}

func (p *PionContext) SetRemoteDescription(s SDP) error {
	desc, err := s.ToPion()
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *PionContext) AddCandidate(c Candidate) error {
	if err := p.pc.AddICECandidate(c.ToPion()); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *PionContext) OnCandidate(fn func(Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		fn(CandidateFromPion(c.ToJSON()))
	})
}

func (p *PionContext) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

func (p *PionContext) OnFailed(fn func(error)) {
	p.mu.Lock()
	p.onFailed = fn
	p.mu.Unlock()
}

func (p *PionContext) Close() error {
	return p.pc.Close()
}

var _ NegotiationContext = (*PionContext)(nil)
