// Package orch implements the session lifecycle: queue admission, pairing,
// relay authorization and partner-loss notification.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/app"
	"github.com/dkeye/Strangers/internal/app/matchmaking"
	"github.com/dkeye/Strangers/internal/core"
	"github.com/dkeye/Strangers/internal/metrics"
	"github.com/dkeye/Strangers/internal/protocol"
)

var ErrNoPartner = errors.New("no partner")

// Orchestrator owns the matchmaking queue and the pair registry. Every
// exported method runs as one atomic step under mu, so a pairing or a
// disband is never visible with only one side applied.
type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
	Metrics  metrics.Collector

	mu    sync.Mutex
	queue *matchmaking.Queue
	pairs *matchmaking.Pairs
}

func New(reg *app.Registry, policy app.Policy, collector metrics.Collector) *Orchestrator {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Orchestrator{
		Registry: reg,
		Policy:   policy,
		Metrics:  collector,
		queue:    matchmaking.NewQueue(),
		pairs:    matchmaking.NewPairs(),
	}
}

// Admit registers a freshly opened channel and puts it in the queue.
func (o *Orchestrator) Admit(sid core.SessionID, conn core.SignalConnection, clientToken string, cancel context.CancelFunc) {
	o.Registry.BindSignal(sid, conn, clientToken, cancel)
	o.Metrics.SessionOpened()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.enqueueLocked(sid)
	o.tryPairLocked()
	o.observeLocked()
}

// Leave handles channel close. The partner, if any, is told the session
// went offline and goes back to the queue.
func (o *Orchestrator) Leave(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.Registry.Unbind(sid) {
		return
	}
	o.Metrics.SessionClosed()
	o.queue.Remove(sid)
	o.disbandLocked(sid, ReasonChannelLost)
	o.tryPairLocked()
	o.observeLocked()
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("session left")
}

func (o *Orchestrator) SetName(sid core.SessionID, name string) error {
	return o.Registry.UpdateUsername(sid, name)
}

type Stats struct {
	Sessions int `json:"sessions"`
	Waiting  int `json:"waiting"`
	Paired   int `json:"paired"`
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		Sessions: o.Registry.Count(),
		Waiting:  o.queue.Len(),
		Paired:   o.pairs.Len(),
	}
}

// PartnerOf exposes the current pairing of sid.
func (o *Orchestrator) PartnerOf(sid core.SessionID) (core.SessionID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pairs.PartnerOf(sid)
}

func (o *Orchestrator) Waiting() []core.SessionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Snapshot()
}

// CheckInvariants verifies pair symmetry and that no session is both queued
// and paired.
func (o *Orchestrator) CheckInvariants() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.pairs.Verify(); err != nil {
		return err
	}
	for _, sid := range o.pairs.Keys() {
		if o.queue.Contains(sid) {
			return fmt.Errorf("session %s is queued and paired", sid)
		}
	}
	return nil
}

// Shutdown closes every open channel.
func (o *Orchestrator) Shutdown() {
	o.Registry.CancelAll()
}

// send must be called with mu held. It never blocks.
func (o *Orchestrator) send(sid core.SessionID, event protocol.Event, payload any) {
	conn, ok := o.Registry.GetSignal(sid)
	if !ok {
		return
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", string(event)).Msg("encode")
		return
	}
	err = conn.TrySend(frame)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrBackpressure):
		o.Metrics.MessageDropped(string(event), "backpressure")
		action := app.KickMember
		if o.Policy != nil {
			action = o.Policy.OnBackPressure(sid)
		}
		switch action {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("sid", string(sid)).Msg("slow consumer kicked")
			o.Registry.Cancel(sid)
		case app.DropFrame:
			log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("event", string(event)).Msg("frame dropped")
		}
	default:
		log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("event", string(event)).Msg("send failed")
	}
}

func (o *Orchestrator) observeLocked() {
	o.Metrics.QueueDepth(o.queue.Len())
	o.Metrics.PairedSessions(o.pairs.Len())
}
