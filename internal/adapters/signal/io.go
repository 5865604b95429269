package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/core"
	"github.com/dkeye/Strangers/internal/protocol"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Options.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(ctl.Options.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Options.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Options.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// readPump owns the session: when it returns the channel is gone and the
// orchestrator is told so.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, token string, c *WsSignalConn) {
	defer func() {
		cancel()
		c.Close()
		ctl.Orch.Leave(sid)
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
	}()

	c.conn.SetReadLimit(ctl.Options.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Options.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.Options.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Options.PongWait))
		ctl.handleSignal(sid, token, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, token string, c *WsSignalConn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad frame")
		return
	}

	switch env.Type {
	case protocol.EventSetName:
		ctl.handleSetName(sid, env)
	case protocol.EventDisconnectPartner:
		ctl.Orch.DisconnectPartner(sid)
	case protocol.EventSkip:
		ctl.Orch.Skip(sid)
	case protocol.EventStartLooking:
		ctl.Orch.StartLooking(sid)
	case protocol.EventPing:
		ctl.handlePing(c)
	default:
		if !env.Type.RequiresPartner() {
			log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("type", string(env.Type)).Msg("unknown signal")
			return
		}
		ctl.handleRelay(sid, token, c, env)
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, event protocol.Event, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON encode")
		return
	}
	_ = c.TrySend(frame)
}
