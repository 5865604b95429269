package core

import "github.com/google/uuid"

// SessionID identifies one signaling connection for its whole lifetime.
type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

func (s SessionID) String() string { return string(s) }
