package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/core"
	"github.com/dkeye/Strangers/internal/domain"
	"github.com/dkeye/Strangers/internal/protocol"
)

// Reason says why a pair was dissolved.
type Reason string

const (
	ReasonDisconnect  Reason = "disconnect"
	ReasonSkip        Reason = "skip"
	ReasonChannelLost Reason = "channel_lost"
)

// StartLooking puts sid back in the queue. Repeated calls are no-ops.
func (o *Orchestrator) StartLooking(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enqueueLocked(sid)
	o.tryPairLocked()
	o.observeLocked()
}

// DisconnectPartner dissolves the pair of sid and requeues the partner.
// sid itself stays out of the queue until it asks with start-looking.
func (o *Orchestrator) DisconnectPartner(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue.Remove(sid)
	o.disbandLocked(sid, ReasonDisconnect)
	o.Registry.SetState(sid, domain.StateIdle)
	o.tryPairLocked()
	o.observeLocked()
}

// Skip dissolves the pair of sid and requeues both sides, partner first.
func (o *Orchestrator) Skip(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disbandLocked(sid, ReasonSkip)
	o.enqueueLocked(sid)
	o.tryPairLocked()
	o.observeLocked()
}

// disbandLocked removes both registry entries before anyone is requeued.
func (o *Orchestrator) disbandLocked(sid core.SessionID, reason Reason) bool {
	partner, ok := o.pairs.Unlink(sid)
	if !ok {
		return false
	}
	o.Metrics.PairDisbanded(string(reason))
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("partner", string(partner)).Str("reason", string(reason)).Msg("pair disbanded")

	if !o.Registry.Live(partner) {
		return true
	}
	notice := protocol.EventPartnerDisconnected
	if reason == ReasonChannelLost {
		notice = protocol.EventPartnerOffline
	}
	o.send(partner, notice, nil)
	o.enqueueLocked(partner)
	return true
}

func (o *Orchestrator) enqueueLocked(sid core.SessionID) bool {
	if !o.Registry.Live(sid) {
		return false
	}
	if _, paired := o.pairs.PartnerOf(sid); paired {
		return false
	}
	if !o.queue.Push(sid) {
		return false
	}
	o.Registry.SetState(sid, domain.StateWaiting)
	o.send(sid, protocol.EventWaiting, nil)
	return true
}

// tryPairLocked pairs the queue head two at a time. A member whose channel
// died while queued is dropped; its live counterpart goes back in line. If a
// link is refused, members that are not already paired are held back and
// requeued once this pass ends.
func (o *Orchestrator) tryPairLocked() {
	var held []core.SessionID
	defer func() {
		for _, sid := range held {
			o.queue.Push(sid)
		}
	}()
	for o.queue.Len() >= 2 {
		a, b, _ := o.queue.PopPair()
		aLive, bLive := o.Registry.Live(a), o.Registry.Live(b)
		if !aLive || !bLive {
			if aLive {
				o.queue.Push(a)
			}
			if bLive {
				o.queue.Push(b)
			}
			continue
		}
		if err := o.pairs.Link(a, b); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("a", string(a)).Str("b", string(b)).Msg("link")
			for _, sid := range []core.SessionID{a, b} {
				if _, paired := o.pairs.PartnerOf(sid); !paired {
					held = append(held, sid)
				}
			}
			continue
		}
		o.Registry.SetState(a, domain.StatePaired)
		o.Registry.SetState(b, domain.StatePaired)
		// The lexicographically smaller id creates the offer.
		o.send(a, protocol.EventPartnerFound, protocol.PartnerFound{Initiator: a < b})
		o.send(b, protocol.EventPartnerFound, protocol.PartnerFound{Initiator: b < a})
		o.Metrics.PairFormed()
		log.Info().Str("module", "orch").Str("a", string(a)).Str("b", string(b)).Msg("paired")
	}
}
