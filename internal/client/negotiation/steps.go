package negotiation

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/protocol"
)

func (m *Machine) onPartnerFound(initiator bool) {
	if m.nc != nil {
		m.teardown()
	}
	nc := newNegotiationContext(m.generation.Add(1), initiator)
	m.nc = nc
	log.Info().Str("module", "client.negotiation").Uint64("gen", nc.generation).Bool("initiator", initiator).Msg("partner found")

	m.setState(AwaitingMedia)
	m.withMedia(nc, func() { m.openPeer(nc) })
}

func (m *Machine) teardown() {
	m.generation.Add(1)
	nc := m.nc
	m.nc = nil
	m.waiters = nil

	if nc != nil && nc.pc != nil {
		pc := nc.pc
		nc.exec.submit(func() {
			if err := pc.Close(); err != nil {
				log.Warn().Err(err).Str("module", "client.negotiation").Msg("close peer connection")
			}
		})
	}
	if m.cfg.Sink != nil {
		m.cfg.Sink.Clear()
	}
	if m.State() != Idle {
		m.setState(TornDown)
		m.setState(Idle)
	}
}

// withMedia runs cont once the shared stream exists. The stream is requested
// at most once no matter how many cycles wait on it.
func (m *Machine) withMedia(nc *negotiationContext, cont func()) {
	if m.stream != nil {
		cont()
		return
	}
	m.waiters = append(m.waiters, mediaWaiter{nc: nc, cont: cont})
	if m.acquiring {
		return
	}
	m.acquiring = true

	engine, constraints := m.cfg.Engine, m.cfg.Constraints
	go func() {
		s, err := engine.AcquireMedia(m.ctx, constraints)
		if !m.post(func() { m.mediaReady(s, err) }) && s != nil {
			s.Stop()
		}
	}()
}

func (m *Machine) mediaReady(s MediaStream, err error) {
	m.acquiring = false
	waiters := m.waiters
	m.waiters = nil

	if err != nil {
		err = newError("acquire media", err)
		log.Warn().Err(err).Str("module", "client.negotiation").Msg("media unavailable")
		denied := false
		for _, w := range waiters {
			if !m.stale(w.nc) {
				denied = true
				m.teardown()
			}
		}
		if denied && m.cfg.Hooks.MediaDenied != nil {
			m.cfg.Hooks.MediaDenied(err)
		}
		return
	}

	m.stream = s
	for _, w := range waiters {
		if !m.stale(w.nc) {
			w.cont()
		}
	}
}

func (m *Machine) openPeer(nc *negotiationContext) {
	engine, stream, ice := m.cfg.Engine, m.stream, m.cfg.ICEServers
	nc.exec.submit(func() {
		pc, err := engine.NewPeerConnection(ice)
		if err == nil {
			if err = pc.AddStream(stream); err != nil {
				_ = pc.Close()
				pc = nil
			}
		}
		if !m.post(func() { m.peerReady(nc, pc, err) }) && pc != nil {
			_ = pc.Close()
		}
	})
}

func (m *Machine) peerReady(nc *negotiationContext, pc PeerConnection, err error) {
	if m.stale(nc) {
		if pc != nil {
			nc.exec.submit(func() { _ = pc.Close() })
		}
		m.dropStale("peer connection")
		return
	}
	if err != nil {
		m.fail(newError("create peer connection", err))
		return
	}

	nc.pc = pc
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.post(func() {
			if m.stale(nc) {
				return
			}
			m.send(protocol.EventICECandidate, c)
		})
	})
	pc.OnTrack(func(t Track) {
		m.post(func() {
			if m.stale(nc) {
				return
			}
			if m.cfg.Sink != nil {
				m.cfg.Sink.Attach(t)
			}
			if !nc.connected {
				nc.connected = true
				m.setState(Connected)
			}
		})
	})

	m.setState(Negotiating)
	switch {
	case nc.initiator:
		m.offer(nc)
	case nc.pendingOffer != nil:
		sd := *nc.pendingOffer
		nc.pendingOffer = nil
		m.answer(nc, sd)
	}
}

func (m *Machine) offer(nc *negotiationContext) {
	pc := nc.pc
	nc.exec.submit(func() {
		sd, err := pc.CreateOffer()
		if err == nil {
			err = pc.SetLocalDescription(sd)
		}
		m.post(func() {
			if m.stale(nc) {
				m.dropStale("local offer")
				return
			}
			if err != nil {
				m.fail(newError("create offer", err))
				return
			}
			m.send(protocol.EventSDPOffer, sd)
		})
	})
}

func (m *Machine) answer(nc *negotiationContext, offer webrtc.SessionDescription) {
	pc := nc.pc
	nc.remoteQueued = true
	nc.exec.submit(func() {
		var sd webrtc.SessionDescription
		err := pc.SetRemoteDescription(offer)
		if err == nil {
			sd, err = pc.CreateAnswer()
		}
		if err == nil {
			err = pc.SetLocalDescription(sd)
		}
		m.post(func() {
			if m.stale(nc) {
				m.dropStale("local answer")
				return
			}
			if err != nil {
				m.fail(newError("answer offer", err))
				return
			}
			m.send(protocol.EventSDPAnswer, sd)
		})
	})
	m.flushCandidates(nc)
}

func (m *Machine) onOffer(sd webrtc.SessionDescription) {
	nc := m.nc
	switch {
	case nc == nil:
		m.dropStale("sdp-offer")
	case nc.initiator:
		// glare: the initiator already offered
		m.dropStale("sdp-offer to initiator")
	case nc.remoteQueued || nc.pendingOffer != nil:
		m.dropStale("repeated sdp-offer")
	case nc.pc == nil:
		nc.pendingOffer = &sd
	default:
		m.answer(nc, sd)
	}
}

func (m *Machine) onAnswer(sd webrtc.SessionDescription) {
	nc := m.nc
	if nc == nil || !nc.initiator || nc.pc == nil || nc.remoteQueued {
		m.dropStale("sdp-answer")
		return
	}
	pc := nc.pc
	nc.remoteQueued = true
	nc.exec.submit(func() {
		if err := pc.SetRemoteDescription(sd); err != nil {
			m.post(func() {
				if !m.stale(nc) {
					m.fail(newError("set remote answer", err))
				}
			})
		}
	})
	m.flushCandidates(nc)
}

// onCandidate buffers until the remote description is queued; candidates
// then follow it on the same executor.
func (m *Machine) onCandidate(c webrtc.ICECandidateInit) {
	nc := m.nc
	if nc == nil {
		m.dropStale("ice-candidate")
		return
	}
	if nc.pc == nil || !nc.remoteQueued {
		nc.pendingICE = append(nc.pendingICE, c)
		return
	}
	m.addCandidate(nc, c)
}

func (m *Machine) flushCandidates(nc *negotiationContext) {
	pending := nc.pendingICE
	nc.pendingICE = nil
	for _, c := range pending {
		m.addCandidate(nc, c)
	}
}

func (m *Machine) addCandidate(nc *negotiationContext, c webrtc.ICECandidateInit) {
	pc := nc.pc
	nc.exec.submit(func() {
		if err := pc.AddICECandidate(c); err != nil {
			log.Debug().Err(err).Str("module", "client.negotiation").Msg("add candidate")
		}
	})
}

func (m *Machine) fail(err error) {
	log.Error().Err(err).Str("module", "client.negotiation").Uint64("gen", m.generation.Load()).Msg("negotiation failed")
	m.teardown()
}
