package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/app/orch"
	"github.com/dkeye/Strangers/internal/core"
	"github.com/dkeye/Strangers/internal/protocol"
)

const noPartnerText = "You must be connected to a partner to send messages."

func (ctl *SignalWSController) handlePing(c *WsSignalConn) {
	ctl.sendJSON(c, protocol.EventPong, nil)
}

func (ctl *SignalWSController) handleSetName(sid core.SessionID, env protocol.Envelope) {
	name, err := protocol.DecodeName(env)
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad set-name payload")
		return
	}
	if err := ctl.Orch.SetName(sid, name); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("name rejected")
	}
}

// handleRelay forwards partner-bound traffic. Only an unpaired chat
// message is answered; every other failure is dropped without a reply.
func (ctl *SignalWSController) handleRelay(sid core.SessionID, token string, c *WsSignalConn, env protocol.Envelope) {
	if env.Type == protocol.EventSendMessage || env.Type == protocol.EventSendImage {
		if !ctl.Limiter.Allow(token) {
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("event", string(env.Type)).Msg("rate limited")
			ctl.Orch.Metrics.MessageDropped(string(env.Type), "rate_limited")
			return
		}
	}

	err := ctl.Orch.Relay(sid, env)
	switch {
	case err == nil:
	case errors.Is(err, orch.ErrNoPartner):
		if env.Type == protocol.EventSendMessage {
			ctl.sendJSON(c, protocol.EventMessageError, protocol.MessageError{Text: noPartnerText})
		}
	default:
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("event", string(env.Type)).Msg("dropped")
	}
}
