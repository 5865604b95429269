// Package control is the three-state disconnect affordance and the grace
// timer that cleans up after a partner silently vanishes.
package control

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Strangers/internal/protocol"
)

const DefaultGracePeriod = 10 * time.Second

// Notices shown to the local user.
const (
	NoticeWaiting       = "Keep the chat clean. Waiting for a partner..."
	NoticeConnected     = "You are now connected with a partner!"
	NoticePartnerLeft   = "Your partner disconnected."
	NoticePartnerGone   = "Your partner went offline."
	NoticeYouLeft       = "You disconnected."
	NoticeSearching     = "Searching for a new partner..."
	NoticeInactivity    = "Disconnected due to inactivity."
	NoticeMediaDenied   = "Camera or microphone access denied."
	NoticeNoPartnerChat = "You must be connected to a partner to send messages."
)

type State int

const (
	ReadyToDisconnect State = iota
	Confirming
	ReadyToSearch
)

// Label is the text of the single control in each state.
func (s State) Label() string {
	switch s {
	case ReadyToDisconnect:
		return "Disconnect"
	case Confirming:
		return "Confirm?"
	default:
		return "Start"
	}
}

type Sender interface {
	Send(event protocol.Event, payload any) error
}

// Hooks are invoked outside the state lock, in the order the transition
// produced them. A hook must not call back into a transition.
type Hooks struct {
	LabelChanged func(label string)
	Notice       func(text string)
	ChatEnabled  func(enabled bool)
	// Teardown closes the current negotiation context.
	Teardown func()
	// Expire closes the negotiation context of generation gen, if it is
	// still the current one.
	Expire func(gen uint64)
}

type Config struct {
	Sender      Sender
	Clock       clockwork.Clock
	GracePeriod time.Duration
	// Generation reports the negotiation generation the grace timer is
	// tied to when it is armed.
	Generation func() uint64
	Hooks      Hooks
}

type Control struct {
	sender     Sender
	clock      clockwork.Clock
	grace      time.Duration
	generation func() uint64
	hooks      Hooks

	// seq orders transitions together with their effects.
	seq sync.Mutex

	mu       sync.Mutex
	state    State
	timer    clockwork.Timer
	timerGen uint64
	cycle    uint64
}

func New(cfg Config) *Control {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Control{
		sender:     cfg.Sender,
		clock:      cfg.Clock,
		grace:      cfg.GracePeriod,
		generation: cfg.Generation,
		hooks:      cfg.Hooks,
		state:      ReadyToDisconnect,
	}
}

func (c *Control) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GraceArmed reports whether the inactivity timer is pending.
func (c *Control) GraceArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Activate is one user action on the control.
func (c *Control) Activate() {
	c.seq.Lock()
	defer c.seq.Unlock()
	c.mu.Lock()
	var fx effects
	switch c.state {
	case ReadyToDisconnect:
		c.setStateLocked(Confirming, &fx)
	case Confirming:
		c.cancelTimerLocked()
		fx.send(protocol.EventDisconnectPartner)
		fx.notice(NoticeYouLeft)
		fx.chat(false)
		fx.teardown()
		c.setStateLocked(ReadyToSearch, &fx)
	case ReadyToSearch:
		c.cancelTimerLocked()
		fx.send(protocol.EventStartLooking)
		fx.notice(NoticeSearching)
		c.setStateLocked(ReadyToDisconnect, &fx)
	}
	c.mu.Unlock()
	c.run(fx)
}

// Waiting handles the server's waiting event.
func (c *Control) Waiting() {
	c.seq.Lock()
	defer c.seq.Unlock()
	var fx effects
	fx.notice(NoticeWaiting)
	fx.chat(false)
	c.run(fx)
}

// PartnerFound cancels a pending grace timer unconditionally.
func (c *Control) PartnerFound() {
	c.seq.Lock()
	defer c.seq.Unlock()
	c.mu.Lock()
	var fx effects
	c.cancelTimerLocked()
	c.setStateLocked(ReadyToDisconnect, &fx)
	fx.notice(NoticeConnected)
	fx.chat(true)
	c.mu.Unlock()
	c.run(fx)
}

// PartnerDisconnected handles a graceful disband by the partner.
func (c *Control) PartnerDisconnected() {
	c.partnerLost(NoticePartnerLeft, false)
}

// PartnerOffline handles an abrupt loss and arms the grace timer.
func (c *Control) PartnerOffline() {
	c.partnerLost(NoticePartnerGone, true)
}

func (c *Control) partnerLost(notice string, arm bool) {
	c.seq.Lock()
	defer c.seq.Unlock()
	c.mu.Lock()
	var fx effects
	fx.notice(notice)
	fx.chat(false)
	fx.teardown()
	c.setStateLocked(ReadyToSearch, &fx)
	c.cancelTimerLocked()
	if arm {
		c.armTimerLocked()
	}
	c.mu.Unlock()
	c.run(fx)
}

// Stop cancels any pending timer.
func (c *Control) Stop() {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.mu.Unlock()
}

func (c *Control) armTimerLocked() {
	c.timerGen++
	gen := c.timerGen
	var cycle uint64
	if c.generation != nil {
		cycle = c.generation()
	}
	c.cycle = cycle
	c.timer = c.clock.AfterFunc(c.grace, func() { c.expire(gen) })
	log.Debug().Str("module", "client.control").Dur("grace", c.grace).Uint64("cycle", cycle).Msg("grace timer armed")
}

func (c *Control) cancelTimerLocked() {
	if c.timer == nil {
		return
	}
	c.timer.Stop()
	c.timer = nil
	c.timerGen++
}

// expire runs on the clock's goroutine. A timer canceled after it already
// fired is recognized by its generation and does nothing. Only the
// negotiation cycle current at arm time is closed.
func (c *Control) expire(gen uint64) {
	c.seq.Lock()
	defer c.seq.Unlock()
	c.mu.Lock()
	if gen != c.timerGen || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.timerGen++
	cycle := c.cycle
	var fx effects
	fx.expire(cycle)
	fx.notice(NoticeInactivity)
	c.mu.Unlock()

	log.Info().Str("module", "client.control").Uint64("cycle", cycle).Msg("partner did not return")
	c.run(fx)
}

func (c *Control) setStateLocked(s State, fx *effects) {
	if c.state == s {
		return
	}
	c.state = s
	fx.label(s.Label())
}

func (c *Control) run(fx effects) {
	for _, f := range fx {
		f(c)
	}
}

// effects collects side effects while mu is held so they run after it is
// released.
type effects []func(*Control)

func (fx *effects) send(event protocol.Event) {
	*fx = append(*fx, func(c *Control) {
		if c.sender == nil {
			return
		}
		if err := c.sender.Send(event, nil); err != nil {
			log.Warn().Err(err).Str("module", "client.control").Str("event", string(event)).Msg("send")
		}
	})
}

func (fx *effects) notice(text string) {
	*fx = append(*fx, func(c *Control) {
		if c.hooks.Notice != nil {
			c.hooks.Notice(text)
		}
	})
}

func (fx *effects) label(l string) {
	*fx = append(*fx, func(c *Control) {
		if c.hooks.LabelChanged != nil {
			c.hooks.LabelChanged(l)
		}
	})
}

func (fx *effects) chat(enabled bool) {
	*fx = append(*fx, func(c *Control) {
		if c.hooks.ChatEnabled != nil {
			c.hooks.ChatEnabled(enabled)
		}
	})
}

func (fx *effects) expire(cycle uint64) {
	*fx = append(*fx, func(c *Control) {
		if c.hooks.Expire != nil {
			c.hooks.Expire(cycle)
		}
	})
}

func (fx *effects) teardown() {
	*fx = append(*fx, func(c *Control) {
		if c.hooks.Teardown != nil {
			c.hooks.Teardown()
		}
	})
}
