package negotiation

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// negotiationContext is one partner cycle. It is created on partner-found
// and dropped wholesale on teardown; fields are owned by the event loop.
type negotiationContext struct {
	generation uint64
	initiator  bool

	pc           PeerConnection
	remoteQueued bool
	pendingOffer *webrtc.SessionDescription
	pendingICE   []webrtc.ICECandidateInit
	connected    bool

	exec *serial
}

func newNegotiationContext(generation uint64, initiator bool) *negotiationContext {
	return &negotiationContext{
		generation: generation,
		initiator:  initiator,
		exec:       &serial{},
	}
}

// serial runs submitted funcs one at a time, in order, off the caller's
// goroutine. Submit never blocks.
type serial struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (s *serial) submit(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.drain()
}

func (s *serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}
