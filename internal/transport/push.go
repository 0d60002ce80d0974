package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// PushConfig configures a WebSocket push channel.
type PushConfig struct {
	// URL is the ws:// or wss:// endpoint, e.g. ws://host:8080/ws/report-1.
	URL string

	// EstablishTimeout bounds Connect. Exceeding it is what demotes the
	// selector to pull.
	EstablishTimeout time.Duration

	// WriteTimeout bounds each individual Send.
	WriteTimeout time.Duration

	// Logger for channel activity (default: stderr logger).
	Logger *log.Logger
}

func (c PushConfig) withDefaults() PushConfig {
	if c.EstablishTimeout == 0 {
		c.EstablishTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// PushChannel is the persistent duplex strategy: a WebSocket connection
// with immediate delivery while connected.
type PushChannel struct {
	cfg PushConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	status  Status
	handler Handler
	onDrop  func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPushChannel creates a push channel for cfg. Connect establishes it.
func NewPushChannel(cfg PushConfig) *PushChannel {
	return &PushChannel{
		cfg:    cfg.withDefaults(),
		status: StatusDisconnected,
	}
}

// Strategy implements Channel.
func (p *PushChannel) Strategy() string { return "push" }

// OnMessage implements Channel.
func (p *PushChannel) OnMessage(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// OnDrop registers a callback fired when the connection dies outside an
// explicit Disconnect. The selector uses it to trigger failover.
func (p *PushChannel) OnDrop(fn func()) {
	p.mu.Lock()
	p.onDrop = fn
	p.mu.Unlock()
}

// Connect implements Channel. It dials the configured endpoint, bounded
// by EstablishTimeout, and starts the receive loop.
func (p *PushChannel) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return nil
	}
	p.status = StatusConnecting
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.EstablishTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.cfg.URL, nil)
	if err != nil {
		p.mu.Lock()
		p.status = StatusDisconnected
		p.mu.Unlock()
		return fmt.Errorf("failed to establish push channel: %w", err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.conn = conn
	p.cancel = readCancel
	p.status = StatusConnected
	p.mu.Unlock()

	p.wg.Add(1)
	go p.readLoop(readCtx, conn)

	p.cfg.Logger.Printf("push channel connected to %s", p.cfg.URL)
	return nil
}

// Disconnect implements Channel. In-flight reads and writes are
// cancelled; it is safe to Connect again afterwards.
func (p *PushChannel) Disconnect() {
	p.mu.Lock()
	conn := p.conn
	cancel := p.cancel
	p.conn = nil
	p.cancel = nil
	p.status = StatusDisconnected
	p.mu.Unlock()

	if conn == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	p.wg.Wait()
	p.cfg.Logger.Printf("push channel disconnected")
}

// Send implements Channel. The write is bounded by WriteTimeout; the
// acknowledgement arrives asynchronously via OnMessage.
func (p *PushChannel) Send(ctx context.Context, env *Envelope) (bool, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return false, ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s envelope: %w", env.Kind, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return false, fmt.Errorf("push write failed: %w", err)
	}
	return true, nil
}

// Status implements Channel.
func (p *PushChannel) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// readLoop delivers inbound envelopes until the connection dies.
func (p *PushChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer p.wg.Done()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			p.mu.Lock()
			dropped := p.conn == conn
			if dropped {
				p.conn = nil
				p.status = StatusDisconnected
			}
			onDrop := p.onDrop
			p.mu.Unlock()

			// Only an unexpected death notifies the selector; an
			// explicit Disconnect already knows.
			if dropped {
				p.cfg.Logger.Printf("push channel dropped: %v", err)
				if onDrop != nil {
					onDrop()
				}
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.cfg.Logger.Printf("push channel: discarding malformed message: %v", err)
			continue
		}

		p.mu.Lock()
		h := p.handler
		p.mu.Unlock()
		if h != nil {
			h(&env)
		}
	}
}
