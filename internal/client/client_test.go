package client

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Strangers/internal/client/control"
	"github.com/dkeye/Strangers/internal/client/negotiation"
	"github.com/dkeye/Strangers/internal/protocol"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []protocol.Event
	in   chan protocol.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan protocol.Envelope, 16)}
}

func (t *fakeTransport) Send(event protocol.Event, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, event)
	return nil
}

func (t *fakeTransport) Incoming() <-chan protocol.Envelope { return t.in }

func (t *fakeTransport) events() []protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Event(nil), t.sent...)
}

func (t *fakeTransport) push(tb testing.TB, event protocol.Event, payload any) {
	tb.Helper()
	frame, err := protocol.Encode(event, payload)
	require.NoError(tb, err)
	env, err := protocol.Decode(frame)
	require.NoError(tb, err)
	t.in <- env
}

type fakeUI struct {
	mu      sync.Mutex
	notices []string
	chats   []string
	labels  []string
	images  [][]byte
	photos  int
	chat    bool
}

func (u *fakeUI) Notice(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notices = append(u.notices, text)
}

func (u *fakeUI) Chat(name, text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chats = append(u.chats, name+": "+text)
}

func (u *fakeUI) PhotoRequested() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.photos++
}

func (u *fakeUI) Image(data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.images = append(u.images, data)
}

func (u *fakeUI) Label(label string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.labels = append(u.labels, label)
}

func (u *fakeUI) ChatEnabled(enabled bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chat = enabled
}

func (u *fakeUI) hasNotice(text string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, n := range u.notices {
		if n == text {
			return true
		}
	}
	return false
}

func (u *fakeUI) snapshot() fakeUI {
	u.mu.Lock()
	defer u.mu.Unlock()
	return fakeUI{
		notices: append([]string(nil), u.notices...),
		chats:   append([]string(nil), u.chats...),
		labels:  append([]string(nil), u.labels...),
		images:  append([][]byte(nil), u.images...),
		photos:  u.photos,
		chat:    u.chat,
	}
}

func startSession(t *testing.T, opts Options) (*Session, *fakeTransport, *fakeUI) {
	t.Helper()
	tr := newFakeTransport()
	ui := &fakeUI{}
	s := NewSession(tr, ui, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		s.Close()
	})
	return s, tr, ui
}

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func TestTextSessionFlow(t *testing.T) {
	_, tr, ui := startSession(t, Options{Name: "Alice"})

	require.Eventually(t, func() bool { return len(tr.events()) == 1 }, waitFor, tick)
	assert.Equal(t, []protocol.Event{protocol.EventSetName}, tr.events())

	tr.push(t, protocol.EventWaiting, nil)
	tr.push(t, protocol.EventPartnerFound, protocol.PartnerFound{Initiator: true})
	tr.push(t, protocol.EventMessage, protocol.ChatMessage{Text: "hi", Name: "Bob"})
	tr.push(t, protocol.EventMessage, protocol.ChatMessage{Text: "anon"})
	tr.push(t, protocol.EventPhotoRequest, nil)
	tr.push(t, protocol.EventReceiveImage, protocol.Image{Data: base64.StdEncoding.EncodeToString([]byte("png"))})

	require.Eventually(t, func() bool { return len(ui.snapshot().images) == 1 }, waitFor, tick)
	snap := ui.snapshot()
	assert.Equal(t, []string{control.NoticeWaiting, control.NoticeConnected}, snap.notices)
	assert.Equal(t, []string{"Bob: hi", "Stranger: anon"}, snap.chats)
	assert.Equal(t, 1, snap.photos)
	assert.Equal(t, []byte("png"), snap.images[0])
	assert.True(t, snap.chat)
}

func TestDisconnectControlSequence(t *testing.T) {
	s, tr, ui := startSession(t, Options{})

	tr.push(t, protocol.EventPartnerFound, protocol.PartnerFound{})
	require.Eventually(t, func() bool { return ui.hasNotice(control.NoticeConnected) }, waitFor, tick)

	s.Disconnect()
	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, []protocol.Event{protocol.EventDisconnectPartner, protocol.EventStartLooking}, tr.events())
	assert.Equal(t, []string{"Disconnect", "Confirm?", "Start", "Disconnect"}, ui.snapshot().labels)
	assert.Equal(t, "Disconnect", s.Label())
}

func TestMessageErrorShown(t *testing.T) {
	s, tr, ui := startSession(t, Options{})

	require.NoError(t, s.SendChat("  hello  "))
	require.NoError(t, s.SendChat("   "))
	assert.Equal(t, []protocol.Event{protocol.EventSendMessage}, tr.events())

	tr.push(t, protocol.EventMessageError, protocol.MessageError{Text: control.NoticeNoPartnerChat})
	require.Eventually(t, func() bool { return ui.hasNotice(control.NoticeNoPartnerChat) }, waitFor, tick)
}

func TestPartnerOfflineGrace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	_, tr, ui := startSession(t, Options{Clock: clock, GracePeriod: 10 * time.Second})

	tr.push(t, protocol.EventPartnerFound, nil)
	tr.push(t, protocol.EventPartnerOffline, nil)
	require.Eventually(t, func() bool { return ui.hasNotice(control.NoticePartnerGone) }, waitFor, tick)
	assert.False(t, ui.snapshot().chat)

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return ui.hasNotice(control.NoticeInactivity) }, waitFor, tick)
}

func TestSkipAndImage(t *testing.T) {
	s, tr, _ := startSession(t, Options{})

	require.NoError(t, s.Skip())
	require.NoError(t, s.SendImage([]byte{1, 2, 3}))
	require.NoError(t, s.SendImage(nil))
	require.NoError(t, s.RequestPhoto())
	assert.Equal(t, []protocol.Event{protocol.EventSkip, protocol.EventSendImage, protocol.EventRequestPhoto}, tr.events())
}

type stubStream struct{}

func (stubStream) Tracks() []webrtc.TrackLocal { return nil }
func (stubStream) Stop()                       {}

type stubPC struct{}

func (stubPC) AddStream(negotiation.MediaStream) error { return nil }
func (stubPC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}, nil
}
func (stubPC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}, nil
}
func (stubPC) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (stubPC) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (stubPC) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }
func (stubPC) OnICECandidate(func(webrtc.ICECandidateInit))         {}
func (stubPC) OnTrack(func(negotiation.Track))                      {}
func (stubPC) Close() error                                         { return nil }

type stubEngine struct{ deny bool }

func (e stubEngine) AcquireMedia(context.Context, negotiation.Constraints) (negotiation.MediaStream, error) {
	if e.deny {
		return nil, negotiation.ErrPermissionDenied
	}
	return stubStream{}, nil
}

func (stubEngine) NewPeerConnection([]webrtc.ICEServer) (negotiation.PeerConnection, error) {
	return stubPC{}, nil
}

func TestVideoInitiatorOffers(t *testing.T) {
	_, tr, _ := startSession(t, Options{Video: true, Engine: stubEngine{}})

	tr.push(t, protocol.EventPartnerFound, protocol.PartnerFound{Initiator: true})
	require.Eventually(t, func() bool {
		for _, e := range tr.events() {
			if e == protocol.EventSDPOffer {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestLateGraceExpirySparesNewCycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, tr, ui := startSession(t, Options{Video: true, Engine: stubEngine{}, Clock: clock})
	offers := func() int {
		n := 0
		for _, e := range tr.events() {
			if e == protocol.EventSDPOffer {
				n++
			}
		}
		return n
	}

	tr.push(t, protocol.EventPartnerFound, protocol.PartnerFound{Initiator: true})
	require.Eventually(t, func() bool { return offers() == 1 }, waitFor, tick)
	lost := s.machine.Generation()

	tr.push(t, protocol.EventPartnerOffline, nil)
	tr.push(t, protocol.EventPartnerFound, protocol.PartnerFound{Initiator: true})
	require.Eventually(t, func() bool { return offers() == 2 }, waitFor, tick)

	s.expire(lost)
	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return s.machine.State() == negotiation.Idle }, 100*time.Millisecond, tick)
	assert.False(t, ui.hasNotice(control.NoticeInactivity))
}

func TestVideoMediaDenied(t *testing.T) {
	_, tr, ui := startSession(t, Options{Video: true, Engine: stubEngine{deny: true}})

	tr.push(t, protocol.EventPartnerFound, protocol.PartnerFound{Initiator: true})
	require.Eventually(t, func() bool { return ui.hasNotice(control.NoticeMediaDenied) }, waitFor, tick)
	assert.True(t, ui.snapshot().chat, "chat stays usable without media")
}
