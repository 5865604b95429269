// Package signal is the server side of the Signaling Channel: one
// websocket per visitor, a read pump that dispatches events into the
// orchestrator and a write pump that drains the outbound buffer.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/app/orch"
	"github.com/dkeye/Strangers/internal/core"
)

// ClientTokenKey is the gin context key holding the visitor's cookie token.
const ClientTokenKey = "client_token"

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  5 << 20,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		SendBuffer: 64,
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RateLimiter
	Options Options
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RateLimiter, opts Options) *SignalWSController {
	def := DefaultOptions()
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	return &SignalWSController{
		Orch:    o,
		Limiter: limiter,
		Options: opts,
	}
}

// WsSignalConn implements core.SignalConnection on top of a websocket. Only
// the write pump writes to the socket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, buffer),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and admits a new session. ctx bounds
// the lifetime of the connection and is canceled on server shutdown.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	sid := core.NewSessionID()
	token := c.GetString(ClientTokenKey)
	if token == "" {
		token = sid.String()
	}
	log.Info().Str("module", "signal").Str("sid", sid.String()).Str("client", token).Msg("new WS connection")

	conn := newWsSignalConn(ws, ctl.Options.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	ctl.Orch.Admit(sid, conn, token, cancel)
	go ctl.readPump(ctx, cancel, sid, token, conn)
}
