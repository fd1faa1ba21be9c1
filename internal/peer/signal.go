package peer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// SignalKind discriminates the negotiation payloads carried inside a
// signal envelope. The relay never looks at these; only the two
// coordinators do.
type SignalKind string

const (
	KindOffer     SignalKind = "offer"
	KindAnswer    SignalKind = "answer"
	KindCandidate SignalKind = "candidate"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of one trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Payload is the decoded body of a signal envelope: exactly one of the
// negotiation sub-kinds and its content.
type Payload struct {
	Kind      SignalKind `json:"kind"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// CandidatePayload wraps a trickled candidate for relaying.
func CandidatePayload(c Candidate) Payload {
	return Payload{Kind: KindCandidate, Candidate: &c}
}

func (p Payload) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode signal payload: %w", err)
	}
	return data, nil
}

// ParsePayload decodes and validates a relayed signal payload. Unknown
// fields and trailing data are rejected so malformed peers fail loudly.
func ParsePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return Payload{}, err
	}
	if err := p.validate(); err != nil {
		return Payload{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Payload{}, fmt.Errorf("unexpected trailing data")
	}
	return p, nil
}

func (p Payload) validate() error {
	switch p.Kind {
	case KindOffer:
		if p.SDP == nil {
			return fmt.Errorf("offer payload missing sdp")
		}
		if p.SDP.Type != "offer" {
			return fmt.Errorf("offer payload has sdp.type=%q", p.SDP.Type)
		}
		if p.Candidate != nil {
			return fmt.Errorf("offer payload has unexpected candidate")
		}
	case KindAnswer:
		if p.SDP == nil {
			return fmt.Errorf("answer payload missing sdp")
		}
		if p.SDP.Type != "answer" {
			return fmt.Errorf("answer payload has sdp.type=%q", p.SDP.Type)
		}
		if p.Candidate != nil {
			return fmt.Errorf("answer payload has unexpected candidate")
		}
	case KindCandidate:
		if p.Candidate == nil {
			return fmt.Errorf("candidate payload missing candidate")
		}
		if p.SDP != nil {
			return fmt.Errorf("candidate payload has unexpected sdp")
		}
	default:
		return fmt.Errorf("unsupported signal kind %q", p.Kind)
	}
	return nil
}
