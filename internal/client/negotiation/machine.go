// Package negotiation drives one client's media handshake across repeated
// partner cycles. All state lives on a single event loop; engine calls run
// on a per-cycle serial executor and report back to the loop, where any
// result from a superseded cycle is discarded.
package negotiation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/protocol"
)

type State int32

const (
	Idle State = iota
	AwaitingMedia
	Negotiating
	Connected
	TornDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingMedia:
		return "awaiting-media"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case TornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Signaler sends an event to the server for relay to the partner.
type Signaler interface {
	Send(event protocol.Event, payload any) error
}

// Hooks run on the machine's loop and must not block.
type Hooks struct {
	StateChanged func(State)
	MediaDenied  func(error)
}

type Config struct {
	Engine      MediaEngine
	Signaler    Signaler
	Sink        RemoteSink
	ICEServers  []webrtc.ICEServer
	Constraints Constraints
	Hooks       Hooks
}

type mediaWaiter struct {
	nc   *negotiationContext
	cont func()
}

type Machine struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	state      atomic.Int32
	generation atomic.Uint64

	// loop owned
	nc        *negotiationContext
	stream    MediaStream
	acquiring bool
	waiters   []mediaWaiter
}

func New(cfg Config) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func(), 128),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

// Generation identifies the current partner cycle.
func (m *Machine) Generation() uint64 {
	return m.generation.Load()
}

// PartnerFound starts a fresh cycle. Only the initiator creates an offer.
func (m *Machine) PartnerFound(initiator bool) {
	m.post(func() { m.onPartnerFound(initiator) })
}

// Teardown ends the current cycle, if any. Signals and async results for it
// are discarded from here on.
func (m *Machine) Teardown() {
	m.post(m.teardown)
}

// TeardownIf ends the cycle of generation gen. It does nothing once a newer
// cycle has begun or the cycle was already torn down.
func (m *Machine) TeardownIf(gen uint64) {
	m.post(func() {
		if m.generation.Load() != gen {
			m.dropStale("teardown")
			return
		}
		m.teardown()
	})
}

// HandleSignal feeds a relayed sdp-offer, sdp-answer or ice-candidate.
func (m *Machine) HandleSignal(env protocol.Envelope) error {
	switch env.Type {
	case protocol.EventSDPOffer, protocol.EventSDPAnswer:
		sd, err := decodeDescription(env)
		if err != nil {
			return err
		}
		if env.Type == protocol.EventSDPOffer {
			m.post(func() { m.onOffer(sd) })
		} else {
			m.post(func() { m.onAnswer(sd) })
		}
	case protocol.EventICECandidate:
		var c webrtc.ICECandidateInit
		if err := protocol.DecodePayload(env, &c); err != nil {
			return err
		}
		m.post(func() { m.onCandidate(c) })
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, env.Type)
	}
	return nil
}

// Close tears down the cycle, stops the local stream and ends the loop.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.post(func() {
			m.teardown()
			if m.stream != nil {
				m.stream.Stop()
				m.stream = nil
			}
			m.cancel()
			close(m.done)
		})
	})
	<-m.done
}

func decodeDescription(env protocol.Envelope) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := protocol.DecodePayload(env, &sd); err != nil {
		return sd, err
	}
	want := webrtc.SDPTypeOffer
	if env.Type == protocol.EventSDPAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if sd.Type == webrtc.SDPTypeUnknown {
		sd.Type = want
	}
	if sd.Type != want || sd.SDP == "" {
		return sd, fmt.Errorf("%w: %s carries %s", protocol.ErrMalformedMessage, env.Type, sd.Type)
	}
	return sd, nil
}

func (m *Machine) loop() {
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.done:
			return
		}
	}
}

func (m *Machine) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Machine) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old == s {
		return
	}
	log.Debug().Str("module", "client.negotiation").Str("from", old.String()).Str("to", s.String()).Uint64("gen", m.generation.Load()).Msg("state")
	if m.cfg.Hooks.StateChanged != nil {
		m.cfg.Hooks.StateChanged(s)
	}
}

func (m *Machine) stale(nc *negotiationContext) bool {
	return m.nc == nil || m.nc.generation != nc.generation
}

func (m *Machine) dropStale(what string) {
	log.Debug().Err(ErrStaleSignal).Str("module", "client.negotiation").Str("signal", what).Uint64("gen", m.generation.Load()).Msg("dropped")
}

func (m *Machine) send(event protocol.Event, payload any) {
	if err := m.cfg.Signaler.Send(event, payload); err != nil {
		log.Warn().Err(err).Str("module", "client.negotiation").Str("event", string(event)).Msg("send")
	}
}
