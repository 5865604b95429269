// Package protocol defines the Signaling Channel message contract shared by
// the server and the headless client. Every frame is a JSON envelope
// {"type": <event>, "payload": <event specific>}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type Event string

// Client to server.
const (
	EventSetName           Event = "set-name"
	EventSendMessage       Event = "send-message"
	EventRequestPhoto      Event = "request-photo"
	EventSendImage         Event = "send-image"
	EventDisconnectPartner Event = "disconnect-partner"
	EventSkip              Event = "skip"
	EventStartLooking      Event = "start-looking"
	EventPing              Event = "ping"
)

// Server to client.
const (
	EventWaiting             Event = "waiting"
	EventPartnerFound        Event = "partner-found"
	EventMessage             Event = "message"
	EventMessageError        Event = "message-error"
	EventPhotoRequest        Event = "photo-request"
	EventReceiveImage        Event = "receive-image"
	EventPartnerDisconnected Event = "partner-disconnected"
	EventPartnerOffline      Event = "partner-offline"
	EventPong                Event = "pong"
)

// Both directions, relayed verbatim to the partner.
const (
	EventSDPOffer     Event = "sdp-offer"
	EventSDPAnswer    Event = "sdp-answer"
	EventICECandidate Event = "ice-candidate"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownEvent     = errors.New("unknown event")
)

// Envelope is the wire shape of every frame.
type Envelope struct {
	Type    Event           `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ChatMessage struct {
	Text string `json:"text"`
	Name string `json:"name"`
}

type Image struct {
	Data string `json:"data"`
}

type PartnerFound struct {
	// Initiator tells the receiving side to create the SDP offer.
	Initiator bool `json:"initiator"`
}

type MessageError struct {
	Text string `json:"text"`
}

type SetName struct {
	Name string `json:"name"`
}

// IsSignaling reports whether the event belongs to the offer/answer/candidate exchange.
func (e Event) IsSignaling() bool {
	switch e {
	case EventSDPOffer, EventSDPAnswer, EventICECandidate:
		return true
	}
	return false
}

// RequiresPartner reports whether the event can only be served by relaying it to a partner.
func (e Event) RequiresPartner() bool {
	switch e {
	case EventSendMessage, EventRequestPhoto, EventSendImage:
		return true
	}
	return e.IsSignaling()
}

// Encode builds a frame. A nil payload produces an envelope without payload.
func Encode(t Event, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		env.Payload = p
	default:
		raw, err := sonic.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return sonic.Marshal(env)
}

// Decode parses a frame into its envelope; the payload is left raw.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedMessage, env.Type)
	}
	if err := sonic.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Type, err)
	}
	return nil
}

// DecodeName accepts both {"name": "..."} and a bare JSON string.
func DecodeName(env Envelope) (string, error) {
	var bare string
	if len(env.Payload) > 0 && sonic.Unmarshal(env.Payload, &bare) == nil {
		return bare, nil
	}
	var p SetName
	if err := DecodePayload(env, &p); err != nil {
		return "", err
	}
	return p.Name, nil
}
