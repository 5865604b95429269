package orch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/core"
	"github.com/dkeye/Strangers/internal/protocol"
)

// Relay forwards a partner-bound message from sid. It is the only path by
// which one client's traffic reaches another. Malformed input yields
// protocol.ErrMalformedMessage, an unpaired sender ErrNoPartner; nothing
// reaches a third session in either case.
func (o *Orchestrator) Relay(sid core.SessionID, env protocol.Envelope) error {
	out, payload, err := o.normalize(sid, env)
	if err != nil {
		o.Metrics.MessageDropped(string(env.Type), "malformed")
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	partner, ok := o.pairs.PartnerOf(sid)
	if !ok || !o.Registry.Live(partner) {
		o.Metrics.MessageDropped(string(env.Type), "no_partner")
		return ErrNoPartner
	}
	o.send(partner, out, payload)
	o.Metrics.MessageRelayed(string(out))
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("event", string(out)).Msg("relayed")
	return nil
}

// normalize maps an inbound event to what the partner receives.
func (o *Orchestrator) normalize(sid core.SessionID, env protocol.Envelope) (protocol.Event, any, error) {
	switch env.Type {
	case protocol.EventSendMessage:
		var msg protocol.ChatMessage
		if err := protocol.DecodePayload(env, &msg); err != nil {
			return "", nil, err
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return "", nil, fmt.Errorf("%w: empty text", protocol.ErrMalformedMessage)
		}
		name := strings.TrimSpace(msg.Name)
		if name == "" {
			name = o.Registry.Username(sid)
		}
		return protocol.EventMessage, protocol.ChatMessage{Text: text, Name: name}, nil

	case protocol.EventRequestPhoto:
		return protocol.EventPhotoRequest, nil, nil

	case protocol.EventSendImage:
		var img protocol.Image
		if err := protocol.DecodePayload(env, &img); err != nil {
			return "", nil, err
		}
		if img.Data == "" {
			return "", nil, fmt.Errorf("%w: empty image", protocol.ErrMalformedMessage)
		}
		return protocol.EventReceiveImage, img, nil

	case protocol.EventSDPOffer, protocol.EventSDPAnswer, protocol.EventICECandidate:
		if len(env.Payload) == 0 || string(env.Payload) == "null" {
			return "", nil, fmt.Errorf("%w: %s without payload", protocol.ErrMalformedMessage, env.Type)
		}
		return env.Type, json.RawMessage(env.Payload), nil
	}
	return "", nil, fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, env.Type)
}
