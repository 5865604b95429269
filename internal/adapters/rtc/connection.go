package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/client/negotiation"
)

// Connection is a pion peer connection carrying one local stream.
type Connection struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*webrtc.RTPSender
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(negotiation.Track)
}

func DefaultWebRTCConfig(iceServers []webrtc.ICEServer) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return webrtc.Configuration{ICEServers: iceServers}
}

func NewConnection(cfg webrtc.Configuration) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer_connection_state", s.String()).Msg("Peer state")
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(negotiation.Track{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind().String()})
		}
		go drainRemote(track)
	})
	return c, nil
}

// drainRemote consumes inbound RTP until the connection closes.
func drainRemote(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (c *Connection) AddStream(s negotiation.MediaStream) error {
	for _, t := range s.Tracks() {
		sender, err := c.pc.AddTrack(t)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.senders = append(c.senders, sender)
		c.mu.Unlock()
		go drainRTCP(sender)
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnTrack(fn func(negotiation.Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

// Close detaches this connection's senders, then closes it. The local
// stream keeps running for the next partner.
func (c *Connection) Close() error {
	c.mu.Lock()
	senders := c.senders
	c.senders = nil
	c.mu.Unlock()

	for _, s := range senders {
		if err := c.pc.RemoveTrack(s); err != nil {
			log.Debug().Err(err).Str("module", "webrtc").Msg("remove track")
		}
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Msg("closed")
	return nil
}
