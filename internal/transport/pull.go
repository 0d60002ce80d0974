package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// MinPullInterval is the floor for the pull strategy's request interval.
// Configured intervals below it are raised to it.
const MinPullInterval = time.Second

// PullRequest is the body of one poll: the client's queued outbound
// records folded in, plus the high-water mark of server state it has
// already seen.
type PullRequest struct {
	OwnerID string   `json:"owner_id"`
	Since   int64    `json:"since"`
	Records []*Frame `json:"records,omitempty"`
}

// PullResponse answers one poll with acknowledgements for the folded-in
// records and the server records newer than Since.
type PullResponse struct {
	Acks       []*Ack   `json:"acks,omitempty"`
	Records    []*Frame `json:"records"`
	ServerTime int64    `json:"server_time"`
}

// PullConfig configures an HTTP pull channel.
type PullConfig struct {
	// URL is the sync endpoint, e.g. http://host:8080/sync/report-1.
	URL string

	// OwnerID scopes the poll.
	OwnerID string

	// Interval between polls; raised to MinPullInterval if lower.
	Interval time.Duration

	// RequestTimeout bounds each poll round trip.
	RequestTimeout time.Duration

	// HTTPClient, if nil, defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger for channel activity (default: stderr logger).
	Logger *log.Logger
}

func (c PullConfig) withDefaults() PullConfig {
	if c.Interval < MinPullInterval {
		c.Interval = MinPullInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// PullChannel is the periodic request/response strategy. Outbound sends
// are queued and folded into the next request body; the response is
// delivered to the handler as an inbound batch.
type PullChannel struct {
	cfg PullConfig

	mu      sync.Mutex
	status  Status
	handler Handler
	queue   []*Frame
	since   int64

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPullChannel creates a pull channel for cfg. Connect starts polling.
func NewPullChannel(cfg PullConfig) *PullChannel {
	return &PullChannel{
		cfg:    cfg.withDefaults(),
		status: StatusDisconnected,
		wake:   make(chan struct{}, 1),
	}
}

// Strategy implements Channel.
func (p *PullChannel) Strategy() string { return "pull" }

// OnMessage implements Channel.
func (p *PullChannel) OnMessage(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Connect implements Channel: it starts the poll loop. The first poll
// fires immediately so a fresh failover gets server state without
// waiting a full interval.
func (p *PullChannel) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.status = StatusConnected
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(loopCtx)

	p.cfg.Logger.Printf("pull channel polling %s every %s", p.cfg.URL, p.cfg.Interval)
	return nil
}

// Disconnect implements Channel: it stops the poll loop. Queued outbound
// records are dropped; their owners stay pending and are re-sent on the
// next active channel.
func (p *PullChannel) Disconnect() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.status = StatusDisconnected
	p.queue = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.cfg.Logger.Printf("pull channel stopped")
}

// Send implements Channel. Records are queued for the next poll; a sync
// request lowers the Since mark and wakes the loop so the refresh is not
// delayed by a full interval.
func (p *PullChannel) Send(_ context.Context, env *Envelope) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return false, ErrNotConnected
	}

	switch env.Kind {
	case KindRecord:
		p.queue = append(p.queue, env.Record)
		p.wakeLocked()
	case KindSyncRequest:
		if env.Sync != nil && env.Sync.Since < p.since {
			p.since = env.Sync.Since
		}
		p.wakeLocked()
	case KindPing:
		// Pull polls are their own liveness check; nothing to send.
	default:
		return false, fmt.Errorf("pull channel cannot send %s envelopes", env.Kind)
	}
	return true, nil
}

// Status implements Channel. Degraded means the loop is running but the
// last poll failed.
func (p *PullChannel) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *PullChannel) wakeLocked() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// loop polls at the configured interval. Wakes shorten the wait but a
// poll never fires more often than MinPullInterval.
func (p *PullChannel) loop(ctx context.Context) {
	defer p.wg.Done()

	var lastPoll time.Time
	timer := time.NewTimer(0) // immediate first poll
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-p.wake:
			if wait := MinPullInterval - time.Since(lastPoll); wait > 0 {
				timer.Reset(wait)
				continue
			}

		case <-timer.C:
		}

		if time.Since(lastPoll) < MinPullInterval && !lastPoll.IsZero() {
			timer.Reset(MinPullInterval - time.Since(lastPoll))
			continue
		}

		lastPoll = time.Now()
		p.poll(ctx)
		timer.Reset(p.cfg.Interval)
	}
}

// poll performs one request/response exchange.
func (p *PullChannel) poll(ctx context.Context) {
	p.mu.Lock()
	outbound := p.queue
	p.queue = nil
	since := p.since
	p.mu.Unlock()

	req := PullRequest{OwnerID: p.cfg.OwnerID, Since: since, Records: outbound}
	resp, err := p.roundTrip(ctx, &req)
	if err != nil {
		// Undelivered records are not re-queued: the orchestrator still
		// holds them pending and re-sends on its own schedule.
		p.cfg.Logger.Printf("pull poll failed: %v", err)
		p.setStatus(StatusDegraded)
		return
	}

	p.mu.Lock()
	if resp.ServerTime > p.since {
		p.since = resp.ServerTime
	}
	h := p.handler
	p.mu.Unlock()
	p.setStatus(StatusConnected)

	if h == nil {
		return
	}
	for _, ack := range resp.Acks {
		h(&Envelope{Kind: KindAck, Ack: ack})
	}
	if len(resp.Records) > 0 || since == 0 {
		h(&Envelope{Kind: KindBatch, Batch: &Batch{
			OwnerID:    p.cfg.OwnerID,
			Records:    resp.Records,
			ServerTime: resp.ServerTime,
		}})
	}
}

func (p *PullChannel) roundTrip(ctx context.Context, pr *PullRequest) (*PullResponse, error) {
	body, err := json.Marshal(pr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pull request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pull request returned %s", httpResp.Status)
	}

	var out PullResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return &out, nil
}

func (p *PullChannel) setStatus(s Status) {
	p.mu.Lock()
	if p.cancel != nil {
		p.status = s
	}
	p.mu.Unlock()
}
