package app

import "github.com/dkeye/Strangers/internal/core"

type BackpressureAction int

const (
	// KickMember closes the slow session's channel.
	KickMember BackpressureAction = iota
	// DropFrame discards the frame and keeps the session.
	DropFrame
)

// Policy decides what happens to a session whose outbound buffer is full.
type Policy interface {
	OnBackPressure(sid core.SessionID) BackpressureAction
}

// SimplePolicy disconnects slow consumers. Their partner then sees an
// ordinary partner-offline.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(sid core.SessionID) BackpressureAction {
	return KickMember
}
