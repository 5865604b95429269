package negotiation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Strangers/internal/protocol"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type fakeStream struct {
	stopped atomic.Bool
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }
func (s *fakeStream) Stop()                       { s.stopped.Store(true) }

type fakePC struct {
	mu         sync.Mutex
	offerGate  chan struct{}
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []string
	stream     MediaStream
	closed     bool
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(Track)
}

func (p *fakePC) AddStream(s MediaStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = s
	return nil
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	if p.offerGate != nil {
		<-p.offerGate
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePC) SetLocalDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, sd)
	return nil
}

func (p *fakePC) SetRemoteDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, sd)
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remote) == 0 {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePC) OnTrack(fn func(Track)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) attachedStream() MediaStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

func (p *fakePC) remoteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remote)
}

func (p *fakePC) candidateList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePC) emitCandidate(c string) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: c})
}

func (p *fakePC) emitTrack(t Track) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

type fakeEngine struct {
	mu       sync.Mutex
	denied   bool
	acquired int
	stream   *fakeStream
	gates    map[int]chan struct{}
	pcs      []*fakePC
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{stream: &fakeStream{}, gates: map[int]chan struct{}{}}
}

func (e *fakeEngine) AcquireMedia(ctx context.Context, c Constraints) (MediaStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acquired++
	if e.denied {
		return nil, ErrPermissionDenied
	}
	return e.stream, nil
}

func (e *fakeEngine) NewPeerConnection(ice []webrtc.ICEServer) (PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pc := &fakePC{offerGate: e.gates[len(e.pcs)]}
	e.pcs = append(e.pcs, pc)
	return pc, nil
}

func (e *fakeEngine) pc(i int) *fakePC {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.pcs) {
		return nil
	}
	return e.pcs[i]
}

func (e *fakeEngine) pcCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pcs)
}

func (e *fakeEngine) acquireCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquired
}

type sent struct {
	event   protocol.Event
	payload any
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sent
}

func (s *fakeSignaler) Send(event protocol.Event, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{event, payload})
	return nil
}

func (s *fakeSignaler) count(event protocol.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sent {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakeSink struct {
	mu       sync.Mutex
	attached []Track
	clears   int
}

func (s *fakeSink) Attach(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, t)
}

func (s *fakeSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = nil
	s.clears++
}

func (s *fakeSink) snapshot() ([]Track, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.attached...), s.clears
}

type harness struct {
	engine *fakeEngine
	sig    *fakeSignaler
	sink   *fakeSink
	m      *Machine
	denied chan error
}

func newHarness(t *testing.T, setup func(*fakeEngine)) *harness {
	t.Helper()
	h := &harness{
		engine: newFakeEngine(),
		sig:    &fakeSignaler{},
		sink:   &fakeSink{},
		denied: make(chan error, 1),
	}
	if setup != nil {
		setup(h.engine)
	}
	h.m = New(Config{
		Engine:      h.engine,
		Signaler:    h.sig,
		Sink:        h.sink,
		Constraints: Constraints{Audio: true, Video: true},
		Hooks: Hooks{
			MediaDenied: func(err error) { h.denied <- err },
		},
	})
	t.Cleanup(h.m.Close)
	return h
}

func signal(t *testing.T, event protocol.Event, payload any) protocol.Envelope {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	return env
}

func offerEnv(t *testing.T, sdp string) protocol.Envelope {
	return signal(t, protocol.EventSDPOffer, map[string]string{"type": "offer", "sdp": sdp})
}

func answerEnv(t *testing.T) protocol.Envelope {
	return signal(t, protocol.EventSDPAnswer, map[string]string{"type": "answer", "sdp": "remote-answer"})
}

func candidateEnv(t *testing.T, c string) protocol.Envelope {
	return signal(t, protocol.EventICECandidate, map[string]any{"candidate": c, "sdpMid": "0", "sdpMLineIndex": 0})
}

func TestInitiatorFlow(t *testing.T) {
	h := newHarness(t, nil)

	h.m.PartnerFound(true)
	require.Eventually(t, func() bool { return h.sig.count(protocol.EventSDPOffer) == 1 }, waitFor, tick)
	assert.Equal(t, Negotiating, h.m.State())

	pc := h.engine.pc(0)
	require.NotNil(t, pc)
	assert.Equal(t, MediaStream(h.engine.stream), pc.attachedStream())

	require.NoError(t, h.m.HandleSignal(candidateEnv(t, "early")))
	require.NoError(t, h.m.HandleSignal(answerEnv(t)))
	require.Eventually(t, func() bool { return len(pc.candidateList()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, pc.remoteCount())

	pc.emitCandidate("local")
	require.Eventually(t, func() bool { return h.sig.count(protocol.EventICECandidate) == 1 }, waitFor, tick)

	pc.emitTrack(Track{ID: "v", Kind: "video"})
	require.Eventually(t, func() bool { return h.m.State() == Connected }, waitFor, tick)
	attached, _ := h.sink.snapshot()
	assert.Equal(t, []Track{{ID: "v", Kind: "video"}}, attached)
}

func TestResponderFlow(t *testing.T) {
	h := newHarness(t, nil)

	h.m.PartnerFound(false)
	require.NoError(t, h.m.HandleSignal(candidateEnv(t, "c1")))
	require.NoError(t, h.m.HandleSignal(offerEnv(t, "remote-offer")))
	require.NoError(t, h.m.HandleSignal(candidateEnv(t, "c2")))

	require.Eventually(t, func() bool { return h.sig.count(protocol.EventSDPAnswer) == 1 }, waitFor, tick)
	pc := h.engine.pc(0)
	require.Eventually(t, func() bool { return len(pc.candidateList()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"c1", "c2"}, pc.candidateList())
	assert.Zero(t, h.sig.count(protocol.EventSDPOffer), "responder never offers")
}

func TestInitiatorDiscardsOffer(t *testing.T) {
	h := newHarness(t, nil)

	h.m.PartnerFound(true)
	require.Eventually(t, func() bool { return h.sig.count(protocol.EventSDPOffer) == 1 }, waitFor, tick)

	require.NoError(t, h.m.HandleSignal(offerEnv(t, "glare")))
	assert.Never(t, func() bool { return h.sig.count(protocol.EventSDPAnswer) > 0 }, 100*time.Millisecond, tick)
	assert.Zero(t, h.engine.pc(0).remoteCount())
}

func TestTeardownReusesStream(t *testing.T) {
	h := newHarness(t, nil)

	h.m.PartnerFound(true)
	require.Eventually(t, func() bool { return h.sig.count(protocol.EventSDPOffer) == 1 }, waitFor, tick)
	gen := h.m.Generation()

	h.m.Teardown()
	require.Eventually(t, func() bool { return h.engine.pc(0).isClosed() }, waitFor, tick)
	assert.Equal(t, Idle, h.m.State())
	assert.Greater(t, h.m.Generation(), gen)
	_, clears := h.sink.snapshot()
	assert.Equal(t, 1, clears)
	assert.False(t, h.engine.stream.stopped.Load())

	h.m.PartnerFound(true)
	require.Eventually(t, func() bool { return h.sig.count(protocol.EventSDPOffer) == 2 }, waitFor, tick)
	assert.Equal(t, 1, h.engine.acquireCount())
	assert.Equal(t, 2, h.engine.pcCount())

	h.m.Close()
	assert.True(t, h.engine.stream.stopped.Load())
	require.Eventually(t, func() bool { return h.engine.pc(1).isClosed() }, waitFor, tick)
}

func TestTeardownIfSparesNewerCycle(t *testing.T) {
	h := newHarness(t, nil)

	h.m.PartnerFound(true)
	require.Eventually(t, func() bool { return h.sig.count(protocol.EventSDPOffer) == 1 }, waitFor, tick)
	old := h.m.Generation()

	h.m.PartnerFound(true)
	h.m.TeardownIf(old)
	require.Eventually(t, func() bool { return h.sig.count(protocol.EventSDPOffer) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.engine.pc(0).isClosed() }, waitFor, tick)
	assert.Never(t, func() bool { return h.engine.pc(1).isClosed() }, 100*time.Millisecond, tick)
	assert.NotEqual(t, Idle, h.m.State())

	h.m.TeardownIf(h.m.Generation())
	require.Eventually(t, func() bool { return h.engine.pc(1).isClosed() }, waitFor, tick)
	assert.Equal(t, Idle, h.m.State())
}

func TestStaleCompletionIgnored(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(e *fakeEngine) { e.gates[0] = gate })

	h.m.PartnerFound(true)
	require.Eventually(t, func() bool { return h.engine.pcCount() == 1 }, waitFor, tick)

	h.m.Teardown()
	h.m.PartnerFound(true)
	require.Eventually(t, func() bool { return h.sig.count(protocol.EventSDPOffer) == 1 }, waitFor, tick)

	close(gate)
	assert.Never(t, func() bool { return h.sig.count(protocol.EventSDPOffer) > 1 }, 100*time.Millisecond, tick)
	require.Eventually(t, func() bool { return h.engine.pc(0).isClosed() }, waitFor, tick)
	assert.False(t, h.engine.pc(1).isClosed())
}

func TestStaleCandidateDiscarded(t *testing.T) {
	h := newHarness(t, nil)

	h.m.PartnerFound(false)
	require.NoError(t, h.m.HandleSignal(offerEnv(t, "first")))
	require.Eventually(t, func() bool { return h.sig.count(protocol.EventSDPAnswer) == 1 }, waitFor, tick)

	h.m.Teardown()
	require.NoError(t, h.m.HandleSignal(candidateEnv(t, "old")))

	h.m.PartnerFound(false)
	require.NoError(t, h.m.HandleSignal(offerEnv(t, "second")))
	require.NoError(t, h.m.HandleSignal(candidateEnv(t, "new")))

	require.Eventually(t, func() bool { return h.engine.pcCount() == 2 && len(h.engine.pc(1).candidateList()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"new"}, h.engine.pc(1).candidateList())
	assert.Empty(t, h.engine.pc(0).candidateList())
}

func TestStaleLocalCandidateNotSent(t *testing.T) {
	h := newHarness(t, nil)

	h.m.PartnerFound(true)
	require.Eventually(t, func() bool { return h.sig.count(protocol.EventSDPOffer) == 1 }, waitFor, tick)
	pc := h.engine.pc(0)

	h.m.Teardown()
	pc.emitCandidate("late")
	pc.emitTrack(Track{ID: "late"})
	assert.Never(t, func() bool { return h.sig.count(protocol.EventICECandidate) > 0 }, 100*time.Millisecond, tick)
	attached, _ := h.sink.snapshot()
	assert.Empty(t, attached)
	assert.Equal(t, Idle, h.m.State())
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, func(e *fakeEngine) { e.denied = true })

	h.m.PartnerFound(true)
	select {
	case err := <-h.denied:
		assert.ErrorIs(t, err, ErrPermissionDenied)
		var nerr *Error
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, "acquire media", nerr.Op)
	case <-time.After(waitFor):
		t.Fatal("media denial not reported")
	}
	require.Eventually(t, func() bool { return h.m.State() == Idle }, waitFor, tick)
	assert.Zero(t, h.engine.pcCount())
}

func TestMalformedSignalRejected(t *testing.T) {
	h := newHarness(t, nil)

	err := h.m.HandleSignal(signal(t, protocol.EventSDPOffer, map[string]string{"type": "answer", "sdp": "x"}))
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)

	err = h.m.HandleSignal(protocol.Envelope{Type: protocol.EventICECandidate})
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)

	err = h.m.HandleSignal(protocol.Envelope{Type: protocol.EventMessage})
	assert.ErrorIs(t, err, protocol.ErrUnknownEvent)
}

func TestTeardownWhenIdle(t *testing.T) {
	var states []State
	var mu sync.Mutex
	m := New(Config{
		Engine:   newFakeEngine(),
		Signaler: &fakeSignaler{},
		Hooks: Hooks{StateChanged: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}},
	})
	defer m.Close()

	m.Teardown()
	m.Teardown()
	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0
	}, 50*time.Millisecond, tick)
	assert.Equal(t, Idle, m.State())
}
