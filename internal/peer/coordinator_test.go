package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ringlink/ringlink-server/internal/relay"
)

type fakeContext struct {
	mu          sync.Mutex
	remote      *SDP
	candidates  []Candidate
	closed      int
	offerErr    error
	onCandidate func(Candidate)
	onConnected func()
	onFailed    func(error)
}

func (f *fakeContext) CreateOffer(ctx context.Context) (SDP, error) {
	if f.offerErr != nil {
		return SDP{}, f.offerErr
	}
	return SDP{Type: "offer", SDP: "v=0 local-offer"}, nil
}

func (f *fakeContext) CreateAnswer(ctx context.Context) (SDP, error) {
	return SDP{Type: "answer", SDP: "v=0 local-answer"}, nil
}

func (f *fakeContext) SetRemoteDescription(s SDP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &s
	return nil
}

func (f *fakeContext) AddCandidate(c Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeContext) OnCandidate(fn func(Candidate)) { f.onCandidate = fn }
func (f *fakeContext) OnConnected(fn func())          { f.onConnected = fn }
func (f *fakeContext) OnFailed(fn func(error))        { f.onFailed = fn }

func (f *fakeContext) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeContext) appliedCandidates() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Candidate, len(f.candidates))
	copy(out, f.candidates)
	return out
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []Payload
	err  error
}

func (f *fakeSignaler) SendSignal(ctx context.Context, callID string, payload Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSignaler) sentKinds() []SignalKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]SignalKind, 0, len(f.sent))
	for _, p := range f.sent {
		kinds = append(kinds, p.Kind)
	}
	return kinds
}

type fakeMedia struct {
	mu     sync.Mutex
	muted  bool
	closed int
}

func (f *fakeMedia) ToggleAudio() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted
}

func (f *fakeMedia) ToggleVideo() bool { return false }

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func newTestCoordinator(role Role) (*Coordinator, *fakeContext, *fakeSignaler, *fakeMedia) {
	nc := &fakeContext{}
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	logger := zerolog.New(nil)
	return New("call-1", role, nc, media, sig, &logger), nc, sig, media
}

func signalEnvelope(t *testing.T, payload Payload) relay.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return relay.Envelope{CallID: "call-1", Event: relay.EventSignal, Payload: data}
}

func TestCallerOffersOnRemoteAccept(t *testing.T) {
	c, nc, sig, _ := newTestCoordinator(RoleCaller)
	ctx := context.Background()

	if err := c.HandleEnvelope(ctx, relay.Envelope{Event: relay.EventAccept}); err != nil {
		t.Fatalf("accept envelope failed: %v", err)
	}
	if c.Phase() != PhaseConnecting {
		t.Fatalf("expected connecting after offer sent, got %s", c.Phase())
	}
	if kinds := sig.sentKinds(); len(kinds) != 1 || kinds[0] != KindOffer {
		t.Fatalf("expected one offer sent, got %v", kinds)
	}

	answer := SDP{Type: "answer", SDP: "v=0 remote-answer"}
	if err := c.HandleEnvelope(ctx, signalEnvelope(t, Payload{Kind: KindAnswer, SDP: &answer})); err != nil {
		t.Fatalf("answer envelope failed: %v", err)
	}
	nc.mu.Lock()
	remote := nc.remote
	nc.mu.Unlock()
	if remote == nil || remote.SDP != answer.SDP {
		t.Fatalf("remote description not applied")
	}

	nc.onConnected()
	if c.Phase() != PhaseInCall {
		t.Fatalf("expected inCall once transport connects, got %s", c.Phase())
	}
}

func TestCalleeAnswersOffer(t *testing.T) {
	c, nc, sig, _ := newTestCoordinator(RoleCallee)
	ctx := context.Background()

	if err := c.Answering(); err != nil {
		t.Fatalf("answering failed: %v", err)
	}
	if c.Phase() != PhaseAnswering {
		t.Fatalf("expected answering, got %s", c.Phase())
	}

	offer := SDP{Type: "offer", SDP: "v=0 remote-offer"}
	if err := c.HandleEnvelope(ctx, signalEnvelope(t, Payload{Kind: KindOffer, SDP: &offer})); err != nil {
		t.Fatalf("offer envelope failed: %v", err)
	}
	if c.Phase() != PhaseConnecting {
		t.Fatalf("expected connecting after answer sent, got %s", c.Phase())
	}
	if kinds := sig.sentKinds(); len(kinds) != 1 || kinds[0] != KindAnswer {
		t.Fatalf("expected one answer sent, got %v", kinds)
	}
	nc.mu.Lock()
	remote := nc.remote
	nc.mu.Unlock()
	if remote == nil || remote.SDP != offer.SDP {
		t.Fatalf("remote offer not applied")
	}
}

func TestDuplicateOfferIsIgnored(t *testing.T) {
	c, _, sig, _ := newTestCoordinator(RoleCallee)
	ctx := context.Background()

	if err := c.Answering(); err != nil {
		t.Fatalf("answering failed: %v", err)
	}
	offer := SDP{Type: "offer", SDP: "v=0 remote-offer"}
	env := signalEnvelope(t, Payload{Kind: KindOffer, SDP: &offer})

	if err := c.HandleEnvelope(ctx, env); err != nil {
		t.Fatalf("offer envelope failed: %v", err)
	}
	if err := c.HandleEnvelope(ctx, env); err != nil {
		t.Fatalf("replayed offer must be ignored, got %v", err)
	}
	if kinds := sig.sentKinds(); len(kinds) != 1 {
		t.Fatalf("replayed offer triggered renegotiation: %v", kinds)
	}
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	c, nc, _, _ := newTestCoordinator(RoleCallee)
	ctx := context.Background()

	if err := c.Answering(); err != nil {
		t.Fatalf("answering failed: %v", err)
	}

	early := Candidate{Candidate: "candidate:early"}
	if err := c.HandleEnvelope(ctx, signalEnvelope(t, CandidatePayload(early))); err != nil {
		t.Fatalf("early candidate failed: %v", err)
	}
	if got := nc.appliedCandidates(); len(got) != 0 {
		t.Fatalf("candidate applied before remote description: %v", got)
	}

	offer := SDP{Type: "offer", SDP: "v=0 remote-offer"}
	if err := c.HandleEnvelope(ctx, signalEnvelope(t, Payload{Kind: KindOffer, SDP: &offer})); err != nil {
		t.Fatalf("offer envelope failed: %v", err)
	}

	late := Candidate{Candidate: "candidate:late"}
	if err := c.HandleEnvelope(ctx, signalEnvelope(t, CandidatePayload(late))); err != nil {
		t.Fatalf("late candidate failed: %v", err)
	}

	got := nc.appliedCandidates()
	if len(got) != 2 || got[0].Candidate != "candidate:early" || got[1].Candidate != "candidate:late" {
		t.Fatalf("unexpected candidate order: %v", got)
	}
}

func TestLocalCandidatesAreRelayed(t *testing.T) {
	_, nc, sig, _ := newTestCoordinator(RoleCaller)

	nc.onCandidate(Candidate{Candidate: "candidate:local"})

	if kinds := sig.sentKinds(); len(kinds) != 1 || kinds[0] != KindCandidate {
		t.Fatalf("expected relayed candidate, got %v", kinds)
	}
}

func TestTeardownHappensExactlyOnce(t *testing.T) {
	c, nc, _, media := newTestCoordinator(RoleCaller)
	ctx := context.Background()

	if err := c.HandleEnvelope(ctx, relay.Envelope{Event: relay.EventEnd}); err != nil {
		t.Fatalf("end envelope failed: %v", err)
	}
	if c.Phase() != PhaseEnded {
		t.Fatalf("expected ended, got %s", c.Phase())
	}

	// Remote end plus a racing local hang-up release resources once.
	c.Hangup()
	c.Hangup()

	if nc.closed != 1 {
		t.Fatalf("negotiation context closed %d times", nc.closed)
	}
	if media.closed != 1 {
		t.Fatalf("media session closed %d times", media.closed)
	}

	// Late envelopes after teardown are dropped.
	offer := SDP{Type: "offer", SDP: "v=0 remote-offer"}
	if err := c.HandleEnvelope(ctx, signalEnvelope(t, Payload{Kind: KindOffer, SDP: &offer})); err != nil {
		t.Fatalf("post-teardown envelope must be dropped, got %v", err)
	}
}

func TestDeclineEnvelopeTearsDown(t *testing.T) {
	c, nc, _, _ := newTestCoordinator(RoleCaller)
	ctx := context.Background()

	if err := c.HandleEnvelope(ctx, relay.Envelope{Event: relay.EventDecline}); err != nil {
		t.Fatalf("decline envelope failed: %v", err)
	}
	if c.Phase() != PhaseEnded || nc.closed != 1 {
		t.Fatalf("decline did not tear the call down")
	}
}

func TestTransportFailureTearsDown(t *testing.T) {
	c, nc, _, _ := newTestCoordinator(RoleCaller)

	nc.onFailed(errors.New("dtls handshake failed"))

	if c.Phase() != PhaseEnded || nc.closed != 1 {
		t.Fatalf("transport failure did not tear the call down")
	}
}

func TestHangupStopsMediaSynchronously(t *testing.T) {
	c, nc, _, media := newTestCoordinator(RoleCallee)

	c.Hangup()

	if media.closed != 1 || nc.closed != 1 {
		t.Fatalf("hangup returned before releasing resources")
	}
}

func TestToggleAudioDelegatesToMedia(t *testing.T) {
	c, _, _, _ := newTestCoordinator(RoleCaller)

	if muted := c.ToggleAudio(); !muted {
		t.Fatalf("first toggle should mute")
	}
	if muted := c.ToggleAudio(); muted {
		t.Fatalf("second toggle should unmute")
	}
}

func TestOfferFailurePropagates(t *testing.T) {
	nc := &fakeContext{offerErr: errors.New("no codecs")}
	sig := &fakeSignaler{}
	logger := zerolog.New(nil)
	c := New("call-1", RoleCaller, nc, nil, sig, &logger)

	if err := c.HandleEnvelope(context.Background(), relay.Envelope{Event: relay.EventAccept}); err == nil {
		t.Fatalf("expected offer creation error")
	}
	if len(sig.sentKinds()) != 0 {
		t.Fatalf("failed offer must not be relayed")
	}
}

type fakeDecliner struct {
	mu       sync.Mutex
	declined []string
	err      error
}

func (f *fakeDecliner) Decline(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.declined = append(f.declined, callID)
	return nil
}

func TestStartDeclinesWhenCapabilityUnavailable(t *testing.T) {
	factory := func() (NegotiationContext, error) {
		return nil, fmt.Errorf("%w: no media devices", ErrUnavailable)
	}
	decliner := &fakeDecliner{}
	logger := zerolog.New(nil)

	coord, err := Start(context.Background(), "call-1", RoleCallee, factory, nil, &fakeSignaler{}, decliner, &logger)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if coord != nil {
		t.Fatalf("no coordinator must exist when the capability is unavailable")
	}
	if len(decliner.declined) != 1 || decliner.declined[0] != "call-1" {
		t.Fatalf("expected call-1 declined, got %v", decliner.declined)
	}
}

func TestStartDoesNotDeclineOnOtherErrors(t *testing.T) {
	factory := func() (NegotiationContext, error) {
		return nil, errors.New("ice gathering broke")
	}
	decliner := &fakeDecliner{}
	logger := zerolog.New(nil)

	coord, err := Start(context.Background(), "call-1", RoleCallee, factory, nil, &fakeSignaler{}, decliner, &logger)
	if err == nil || coord != nil {
		t.Fatalf("expected failure without coordinator, got %v / %v", coord, err)
	}
	if len(decliner.declined) != 0 {
		t.Fatalf("a plain factory failure must not decline the call, got %v", decliner.declined)
	}
}

func TestStartBuildsCoordinatorWhenContextAvailable(t *testing.T) {
	nc := &fakeContext{}
	factory := func() (NegotiationContext, error) { return nc, nil }
	decliner := &fakeDecliner{}
	logger := zerolog.New(nil)

	coord, err := Start(context.Background(), "call-1", RoleCallee, factory, nil, &fakeSignaler{}, decliner, &logger)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if coord.Phase() != PhaseIdle {
		t.Fatalf("expected idle phase, got %s", coord.Phase())
	}
	if len(decliner.declined) != 0 {
		t.Fatalf("unexpected decline: %v", decliner.declined)
	}
}
