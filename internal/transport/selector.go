package transport

import (
	"context"
	"log"
	"sync"
	"time"
)

// Mode is the operator-facing strategy override.
type Mode string

const (
	// ModeAuto lets the selector pick: push first, pull on failure,
	// with background failback probes.
	ModeAuto Mode = "auto"

	// ModePush forces the push strategy. If the connection cannot be
	// established the selector keeps retrying push and never falls back;
	// sends fail as not-connected and records stay pending.
	ModePush Mode = "push"

	// ModePull forces the pull strategy. A healthy push connection is
	// kept warm for rapid failback but never sends.
	ModePull Mode = "pull"
)

// SelectorConfig configures the strategy state machine.
type SelectorConfig struct {
	// HeartbeatInterval for the push liveness monitor.
	HeartbeatInterval time.Duration

	// ProbeInterval is how often a demoted selector re-attempts push.
	ProbeInterval time.Duration

	// Logger for selector activity (default: stderr logger).
	Logger *log.Logger
}

func (c SelectorConfig) withDefaults() SelectorConfig {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Selector owns the runtime switch between the push and pull strategies.
// Exactly one channel is active for outbound traffic at a time; inbound
// messages from either channel are funneled into a single handler.
type Selector struct {
	cfg  SelectorConfig
	push *PushChannel
	pull *PullChannel

	mu       sync.Mutex
	mode     Mode
	active   Channel
	handler  Handler
	liveness *Liveness
	started  bool

	// onActivate fires after every strategy switch with the new strategy
	// name. The orchestrator uses it to request a full state refresh.
	onActivate func(strategy string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSelector creates a selector over the two channels in ModeAuto.
func NewSelector(push *PushChannel, pull *PullChannel, cfg SelectorConfig) *Selector {
	return &Selector{
		cfg:  cfg.withDefaults(),
		push: push,
		pull: pull,
		mode: ModeAuto,
	}
}

// OnMessage registers the inbound handler. Must be called before Start.
func (s *Selector) OnMessage(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// OnActivate registers the strategy-switch callback. Must be called
// before Start.
func (s *Selector) OnActivate(fn func(strategy string)) {
	s.mu.Lock()
	s.onActivate = fn
	s.mu.Unlock()
}

// Start wires both channels and activates the initial strategy: push is
// attempted first (unless pull is forced), falling back to pull if it
// cannot be established within its timeout.
func (s *Selector) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	mode := s.mode
	s.mu.Unlock()

	s.push.OnMessage(s.inbound)
	s.pull.OnMessage(s.inbound)
	s.push.OnDrop(s.onPushDown)

	switch mode {
	case ModePull:
		s.activatePull()
	default:
		if !s.tryPromotePush() {
			if mode == ModePush {
				s.cfg.Logger.Printf("forced push mode: connection unavailable, retrying in background")
				s.setActive(s.push)
			} else {
				s.activatePull()
			}
		}
	}

	s.wg.Add(1)
	go s.probeLoop()
}

// Stop tears down both channels and all background work. In-flight
// exchanges are cancelled, not failed.
func (s *Selector) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	liveness := s.liveness
	s.liveness = nil
	s.active = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if liveness != nil {
		liveness.Stop()
	}
	s.push.Disconnect()
	s.pull.Disconnect()
	s.wg.Wait()
}

// Send transmits env over the active channel.
func (s *Selector) Send(ctx context.Context, env *Envelope) (bool, error) {
	active := s.Active()
	if active == nil {
		return false, ErrNotConnected
	}
	return active.Send(ctx, env)
}

// Active returns the channel currently allowed to send, or nil.
func (s *Selector) Active() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Strategy returns the active strategy name, or "none".
func (s *Selector) Strategy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "none"
	}
	return s.active.Strategy()
}

// Status returns the active channel's connection status.
func (s *Selector) Status() Status {
	active := s.Active()
	if active == nil {
		return StatusDisconnected
	}
	return active.Status()
}

// Mode returns the current operator override.
func (s *Selector) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ForcePush pins the push strategy regardless of automatic detection.
func (s *Selector) ForcePush() {
	s.mu.Lock()
	s.mode = ModePush
	started := s.started
	s.mu.Unlock()

	if !started {
		return
	}
	s.pull.Disconnect()
	if !s.tryPromotePush() {
		s.cfg.Logger.Printf("forced push mode: connection unavailable, retrying in background")
		s.setActive(s.push)
	}
}

// ForcePull pins the pull strategy. The push connection, if healthy, is
// left warm for rapid failback but no longer sends.
func (s *Selector) ForcePull() {
	s.mu.Lock()
	s.mode = ModePull
	started := s.started
	liveness := s.liveness
	s.liveness = nil
	s.mu.Unlock()

	if !started {
		return
	}
	if liveness != nil {
		liveness.Stop()
	}
	s.activatePull()
}

// AutoMode returns strategy selection to the selector.
func (s *Selector) AutoMode() {
	s.mu.Lock()
	s.mode = ModeAuto
	started := s.started
	s.mu.Unlock()

	if !started {
		return
	}
	if s.push.Status() == StatusConnected {
		s.promoteConnectedPush()
		return
	}
	if !s.tryPromotePush() {
		s.activatePull()
	}
}

// inbound funnels messages from whichever channel produced them. Any
// traffic counts as liveness; heartbeat pongs are consumed here.
func (s *Selector) inbound(env *Envelope) {
	s.mu.Lock()
	liveness := s.liveness
	h := s.handler
	s.mu.Unlock()

	if liveness != nil {
		liveness.MarkAlive()
	}
	if env.Kind == KindPong {
		return
	}
	if env.Kind == KindPing {
		// Answer server-initiated pings so the server's connection
		// tracking sees us as alive.
		go func() { _, _ = s.push.Send(context.Background(), &Envelope{Kind: KindPong}) }()
		return
	}
	if h != nil {
		h(env)
	}
}

// onPushDown handles an unexpected push death: dropped socket or missed
// heartbeats. Forced-push mode stays on push and waits for the probe
// loop; otherwise the selector demotes to pull.
func (s *Selector) onPushDown() {
	s.mu.Lock()
	mode := s.mode
	liveness := s.liveness
	s.liveness = nil
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}
	if liveness != nil {
		liveness.Stop()
	}
	s.push.Disconnect()

	if mode == ModePush {
		s.cfg.Logger.Printf("push channel down in forced push mode, waiting for probe")
		return
	}
	s.cfg.Logger.Printf("push channel down, failing over to pull")
	s.activatePull()
}

// tryPromotePush attempts to establish push and make it active.
func (s *Selector) tryPromotePush() bool {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.push.Connect(ctx); err != nil {
		s.cfg.Logger.Printf("push establish failed: %v", err)
		return false
	}
	s.promoteConnectedPush()
	return true
}

// promoteConnectedPush makes an already-connected push channel active.
func (s *Selector) promoteConnectedPush() {
	s.pull.Disconnect()

	s.mu.Lock()
	if s.liveness != nil {
		s.liveness.Stop()
	}
	s.liveness = NewLiveness(s.push, LivenessConfig{
		Interval: s.cfg.HeartbeatInterval,
		Logger:   s.cfg.Logger,
	}, s.onPushDown)
	liveness := s.liveness
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	liveness.Start(ctx)
	s.setActive(s.push)
}

// activatePull makes pull the active strategy.
func (s *Selector) activatePull() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	_ = s.pull.Connect(ctx) // pull connect cannot fail; it only starts the loop
	s.setActive(s.pull)
}

// setActive records the sending channel and notifies the orchestrator.
// Re-activating the current channel still notifies: a re-established push
// connection needs a full state refresh just like a strategy switch.
func (s *Selector) setActive(ch Channel) {
	s.mu.Lock()
	s.active = ch
	fn := s.onActivate
	s.mu.Unlock()

	s.cfg.Logger.Printf("active transport strategy: %s", ch.Strategy())
	if fn != nil {
		fn(ch.Strategy())
	}
}

// probeLoop periodically re-attempts push while it is wanted but not
// active: automatic failback after a demotion, and reconnection in
// forced-push mode.
func (s *Selector) probeLoop() {
	defer s.wg.Done()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.mu.Lock()
			mode := s.mode
			s.mu.Unlock()

			if mode == ModePull {
				continue
			}
			if s.push.Status() == StatusConnected {
				continue
			}
			if s.tryPromotePush() {
				s.cfg.Logger.Printf("push channel re-established")
			}
		}
	}
}
