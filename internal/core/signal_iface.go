package core

import "errors"

// Frame is a single encoded signaling message.
type Frame []byte

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: a full buffer is reported as ErrBackpressure.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
