// Package client wires the signaling transport, the negotiation machine and
// the disconnect control into one visitor session.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/client/control"
	"github.com/dkeye/Strangers/internal/client/negotiation"
	"github.com/dkeye/Strangers/internal/domain"
	"github.com/dkeye/Strangers/internal/protocol"
)

var ErrTransportClosed = errors.New("transport closed")

// UI receives everything the visitor should see. Calls may come from
// several goroutines.
type UI interface {
	Notice(text string)
	Chat(name, text string)
	PhotoRequested()
	Image(data []byte)
	Label(label string)
	ChatEnabled(enabled bool)
}

type Transport interface {
	Send(event protocol.Event, payload any) error
	Incoming() <-chan protocol.Envelope
}

type Options struct {
	Name        string
	Video       bool
	ICEServers  []webrtc.ICEServer
	GracePeriod time.Duration
	Clock       clockwork.Clock
	Engine      negotiation.MediaEngine
	Sink        negotiation.RemoteSink
}

type Session struct {
	transport Transport
	ui        UI
	name      string

	machine *negotiation.Machine
	control *control.Control
}

func NewSession(t Transport, ui UI, opts Options) *Session {
	s := &Session{
		transport: t,
		ui:        ui,
		name:      strings.TrimSpace(opts.Name),
	}

	if opts.Video && opts.Engine != nil {
		s.machine = negotiation.New(negotiation.Config{
			Engine:      opts.Engine,
			Signaler:    t,
			Sink:        opts.Sink,
			ICEServers:  opts.ICEServers,
			Constraints: negotiation.Constraints{Audio: true, Video: true},
			Hooks: negotiation.Hooks{
				StateChanged: func(st negotiation.State) {
					log.Debug().Str("module", "client").Str("state", st.String()).Msg("negotiation")
				},
				MediaDenied: func(error) {
					ui.Notice(control.NoticeMediaDenied)
				},
			},
		})
	}

	s.control = control.New(control.Config{
		Sender:      t,
		Clock:       opts.Clock,
		GracePeriod: opts.GracePeriod,
		Generation:  s.generation,
		Hooks: control.Hooks{
			LabelChanged: ui.Label,
			Notice:       ui.Notice,
			ChatEnabled:  ui.ChatEnabled,
			Teardown:     s.teardown,
			Expire:       s.expire,
		},
	})
	return s
}

// Run announces the display name and dispatches server events until the
// transport closes or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if s.name != "" {
		if err := s.transport.Send(protocol.EventSetName, protocol.SetName{Name: s.name}); err != nil {
			return err
		}
	}
	s.ui.Label(s.control.State().Label())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-s.transport.Incoming():
			if !ok {
				return ErrTransportClosed
			}
			s.dispatch(env)
		}
	}
}

func (s *Session) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.EventWaiting:
		s.control.Waiting()

	case protocol.EventPartnerFound:
		var pf protocol.PartnerFound
		if len(env.Payload) > 0 {
			if err := protocol.DecodePayload(env, &pf); err != nil {
				log.Warn().Err(err).Str("module", "client").Msg("partner-found payload")
			}
		}
		s.control.PartnerFound()
		if s.machine != nil {
			s.machine.PartnerFound(pf.Initiator)
		}

	case protocol.EventMessage:
		var msg protocol.ChatMessage
		if err := protocol.DecodePayload(env, &msg); err != nil {
			return
		}
		name := msg.Name
		if name == "" {
			name = domain.DefaultUsername
		}
		s.ui.Chat(name, msg.Text)

	case protocol.EventMessageError:
		var me protocol.MessageError
		if err := protocol.DecodePayload(env, &me); err != nil || me.Text == "" {
			me.Text = control.NoticeNoPartnerChat
		}
		s.ui.Notice(me.Text)

	case protocol.EventPhotoRequest:
		s.ui.PhotoRequested()

	case protocol.EventReceiveImage:
		var img protocol.Image
		if err := protocol.DecodePayload(env, &img); err != nil {
			return
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("image payload")
			return
		}
		s.ui.Image(data)

	case protocol.EventPartnerDisconnected:
		s.control.PartnerDisconnected()

	case protocol.EventPartnerOffline:
		s.control.PartnerOffline()

	case protocol.EventSDPOffer, protocol.EventSDPAnswer, protocol.EventICECandidate:
		if s.machine == nil {
			return
		}
		if err := s.machine.HandleSignal(env); err != nil {
			log.Debug().Err(err).Str("module", "client").Str("event", string(env.Type)).Msg("signal dropped")
		}

	case protocol.EventPong:
	default:
		log.Debug().Str("module", "client").Str("event", string(env.Type)).Msg("unhandled event")
	}
}

func (s *Session) teardown() {
	if s.machine != nil {
		s.machine.Teardown()
	}
}

func (s *Session) generation() uint64 {
	if s.machine == nil {
		return 0
	}
	return s.machine.Generation()
}

func (s *Session) expire(gen uint64) {
	if s.machine != nil {
		s.machine.TeardownIf(gen)
	}
}

func (s *Session) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.transport.Send(protocol.EventSendMessage, protocol.ChatMessage{Text: text, Name: s.name})
}

func (s *Session) RequestPhoto() error {
	return s.transport.Send(protocol.EventRequestPhoto, nil)
}

func (s *Session) SendImage(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.transport.Send(protocol.EventSendImage, protocol.Image{Data: base64.StdEncoding.EncodeToString(data)})
}

// Disconnect is one press of the disconnect control.
func (s *Session) Disconnect() {
	s.control.Activate()
}

// Skip drops the current partner and goes straight back to the queue.
func (s *Session) Skip() error {
	s.teardown()
	s.ui.Notice(control.NoticeSearching)
	return s.transport.Send(protocol.EventSkip, nil)
}

func (s *Session) Ping() error {
	return s.transport.Send(protocol.EventPing, nil)
}

func (s *Session) Label() string {
	return s.control.State().Label()
}

func (s *Session) Close() {
	s.control.Stop()
	if s.machine != nil {
		s.machine.Close()
	}
}
