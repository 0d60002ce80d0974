package transport

import (
	"context"
	"log"
	"sync"
	"time"
)

// maxUnansweredHeartbeats is how many consecutive silent intervals a push
// channel survives before it is declared dead.
const maxUnansweredHeartbeats = 2

// LivenessConfig configures a heartbeat monitor.
type LivenessConfig struct {
	// Interval between heartbeats.
	Interval time.Duration

	// Logger for monitor activity (default: stderr logger).
	Logger *log.Logger
}

func (c LivenessConfig) withDefaults() LivenessConfig {
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Liveness sends a heartbeat over a push channel each interval and counts
// intervals that pass without any inbound traffic. Two consecutive silent
// intervals fire the onDead callback, which the selector uses to tear the
// channel down and fail over to pull.
//
// Pull channels do not get a monitor: every poll is its own liveness
// check.
type Liveness struct {
	cfg    LivenessConfig
	ch     Channel
	onDead func()

	mu         sync.Mutex
	unanswered int
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewLiveness creates a monitor for ch. onDead fires at most once per
// Start.
func NewLiveness(ch Channel, cfg LivenessConfig, onDead func()) *Liveness {
	return &Liveness{cfg: cfg.withDefaults(), ch: ch, onDead: onDead}
}

// Start begins heartbeating. Stop or context cancellation ends it.
func (l *Liveness) Start(ctx context.Context) {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.unanswered = 0
	l.mu.Unlock()

	l.wg.Add(1)
	go l.loop(loopCtx)
}

// Stop ends heartbeating without declaring the channel dead.
func (l *Liveness) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
}

// MarkAlive resets the miss counter. The selector calls it on every
// inbound message, so any traffic counts as a heartbeat answer.
func (l *Liveness) MarkAlive() {
	l.mu.Lock()
	l.unanswered = 0
	l.mu.Unlock()
}

func (l *Liveness) loop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			l.mu.Lock()
			dead := l.unanswered >= maxUnansweredHeartbeats
			if !dead {
				l.unanswered++
			}
			l.mu.Unlock()

			if dead {
				l.cfg.Logger.Printf("push channel missed %d consecutive heartbeats, declaring dead", maxUnansweredHeartbeats)
				l.mu.Lock()
				cancel := l.cancel
				l.cancel = nil
				l.mu.Unlock()
				if cancel != nil {
					cancel()
				}
				if l.onDead != nil {
					l.onDead()
				}
				return
			}

			if _, err := l.ch.Send(ctx, &Envelope{Kind: KindPing}); err != nil {
				l.cfg.Logger.Printf("heartbeat send failed: %v", err)
			}
		}
	}
}
