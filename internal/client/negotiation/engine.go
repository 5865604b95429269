package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrStaleSignal      = errors.New("stale signal")
)

// Error wraps a failed engine operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

type Constraints struct {
	Audio bool
	Video bool
}

// MediaEngine is the capture and peer connection capability the machine
// drives. adapters/rtc implements it on pion.
type MediaEngine interface {
	// AcquireMedia fails with an error wrapping ErrPermissionDenied when
	// capture is refused.
	AcquireMedia(ctx context.Context, c Constraints) (MediaStream, error)
	NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error)
}

// MediaStream is the local capture. It outlives peer connections.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

type Track struct {
	ID       string
	StreamID string
	Kind     string
}

// PeerConnection calls may block; the machine never calls them from its
// event loop.
type PeerConnection interface {
	AddStream(s MediaStream) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(Track))
	// Close releases the connection and its senders. The shared stream is
	// left running.
	Close() error
}

// RemoteSink renders partner media.
type RemoteSink interface {
	Attach(t Track)
	Clear()
}
