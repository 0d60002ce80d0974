package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/propio/fieldsync/internal/collection"
	"github.com/propio/fieldsync/internal/record"
	"github.com/propio/fieldsync/internal/store"
	"github.com/propio/fieldsync/internal/transport"
)

// Config tunes one engine instance.
type Config struct {
	// ExchangeTimeout bounds how long a sent record waits for its ack
	// before being marked failed (default 10s).
	ExchangeTimeout time.Duration

	// RetryMin and RetryMax bound the backoff between retry passes
	// (defaults 1s and 60s).
	RetryMin time.Duration
	RetryMax time.Duration

	// RefreshInterval is how often the engine asks the server for a full
	// state batch, on top of the refresh that fires on every strategy
	// activation (default 5m).
	RefreshInterval time.Duration

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.ExchangeTimeout == 0 {
		c.ExchangeTimeout = 10 * time.Second
	}
	if c.RetryMin == 0 {
		c.RetryMin = time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 60 * time.Second
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Status is the operator-facing view of one engine.
type Status struct {
	OwnerID  string           `json:"owner_id"`
	Strategy string           `json:"strategy"`
	Mode     transport.Mode   `json:"mode"`
	Channel  transport.Status `json:"channel"`
	Pending  int              `json:"pending"`

	// DegradedDurability is set while local persistence is failing; the
	// engine keeps operating from memory and clears the flag on the next
	// successful write.
	DegradedDurability bool `json:"degraded_durability"`
}

// outcome classifies one record exchange.
type outcome int

const (
	// outcomeSynced: the server acknowledged the sent version.
	outcomeSynced outcome = iota

	// outcomeFailed: rejection or timeout; the record is marked failed
	// and waits for the backoff timer.
	outcomeFailed

	// outcomeSkipped: no usable channel, strategy switch mid-flight, or
	// shutdown. The record stays pending and is retried without backoff.
	outcomeSkipped
)

// Engine synchronizes one owner's collection with the server.
type Engine struct {
	cfg     Config
	ownerID string
	col     *collection.Collection
	st      *store.Store
	sel     *transport.Selector
	bo      *backoff

	mu       sync.Mutex
	waiters  map[string]chan *transport.Ack
	abort    chan struct{}
	degraded bool
	started  bool

	kick       chan struct{}
	refreshReq chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine over an already-constructed collection, store
// and selector. Call Start to begin synchronizing.
func New(ownerID string, col *collection.Collection, st *store.Store, sel *transport.Selector, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		ownerID:    ownerID,
		col:        col,
		st:         st,
		sel:        sel,
		bo:         newBackoff(cfg.RetryMin, cfg.RetryMax),
		waiters:    make(map[string]chan *transport.Ack),
		abort:      make(chan struct{}),
		kick:       make(chan struct{}, 1),
		refreshReq: make(chan struct{}, 1),
	}
}

// Start hydrates the collection from the store, wires the transport, and
// begins the sync loop. Records that were pending at the last shutdown
// resume without requiring a new edit.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	snap, err := e.st.Load(e.ownerID)
	switch {
	case errors.Is(err, store.ErrCorruptSnapshot):
		// Unreadable snapshot: start empty and let the activation
		// refresh pull state back from the server.
		e.cfg.Logger.Printf("[engine %s] %v; starting empty, will refresh from server", e.ownerID, err)
	case err != nil:
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	case snap != nil:
		e.col.Hydrate(snap)
		e.cfg.Logger.Printf("[engine %s] hydrated %d records from local store", e.ownerID, len(snap))
	}

	// Failures from the previous run lost their retry timer with the
	// process; a restart counts as the retry.
	if n := e.col.RequeueFailed(); n > 0 {
		e.cfg.Logger.Printf("[engine %s] requeued %d failed records from last run", e.ownerID, n)
	}

	e.col.SetMutationHook(func() {
		e.persist()
		e.requestSync()
	})
	e.sel.OnMessage(e.handleInbound)
	e.sel.OnActivate(func(strategy string) {
		e.abortInFlight()
		e.requestRefresh()
		e.requestSync()
	})
	e.sel.Start(e.ctx)

	e.wg.Add(1)
	go e.run()

	e.requestSync()
	return nil
}

// Close stops the sync loop, tears down the transport, and writes a
// final snapshot. Pending records stay pending on disk.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	e.col.SetMutationHook(nil)
	cancel()
	e.sel.Stop()
	e.wg.Wait()

	return e.st.Persist(e.ownerID, e.col.Snapshot())
}

// Collection exposes the record collection for local reads and edits.
func (e *Engine) Collection() *collection.Collection { return e.col }

// OwnerID returns the aggregate this engine synchronizes.
func (e *Engine) OwnerID() string { return e.ownerID }

// Status reports the current operational state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	degraded := e.degraded
	e.mu.Unlock()

	return Status{
		OwnerID:            e.ownerID,
		Strategy:           e.sel.Strategy(),
		Mode:               e.sel.Mode(),
		Channel:            e.sel.Status(),
		Pending:            e.col.PendingCount(),
		DegradedDurability: degraded,
	}
}

// ForcePush pins the push strategy.
func (e *Engine) ForcePush() { e.sel.ForcePush() }

// ForcePull pins the pull strategy.
func (e *Engine) ForcePull() { e.sel.ForcePull() }

// AutoMode returns strategy selection to the transport layer.
func (e *Engine) AutoMode() { e.sel.AutoMode() }

// run is the engine's single sync goroutine. All outbound exchanges
// happen here, one record at a time, so local edits and inbound merges
// never race an in-flight send on ordering.
func (e *Engine) run() {
	defer e.wg.Done()

	retry := time.NewTimer(time.Hour)
	if !retry.Stop() {
		<-retry.C
	}
	defer retry.Stop()

	refresh := time.NewTicker(e.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-e.kick:
			e.pass(retry)

		case <-retry.C:
			if n := e.col.RequeueFailed(); n > 0 {
				e.cfg.Logger.Printf("[engine %s] retrying %d failed records", e.ownerID, n)
			}
			e.pass(retry)

		case <-e.refreshReq:
			e.sendRefresh()

		case <-refresh.C:
			e.sendRefresh()
		}
	}
}

// pass runs one sync pass and arms the retry timer whenever work is
// left behind: failed exchanges, or pending records the transport could
// not carry. The timer is what guarantees a stranded queue drains once
// the channel recovers, even if no activation or edit ever fires again.
func (e *Engine) pass(retry *time.Timer) {
	anySynced, anyFailed, blocked := e.syncPass()
	if anySynced {
		e.bo.reset()
	}
	if !anyFailed && !blocked {
		return
	}

	d := e.bo.next()
	if anyFailed {
		e.cfg.Logger.Printf("[engine %s] sync failures, next retry in %s", e.ownerID, d)
	} else {
		e.cfg.Logger.Printf("[engine %s] transport unavailable with %d records queued, next retry in %s", e.ownerID, e.col.PendingCount(), d)
	}
	if !retry.Stop() {
		select {
		case <-retry.C:
		default:
		}
	}
	retry.Reset(d)
}

// syncPass walks the pending queue oldest-first and exchanges each
// record with the server. blocked reports pending work the transport
// could not take: no connected channel, or a channel that went away
// mid-pass.
func (e *Engine) syncPass() (anySynced, anyFailed, blocked bool) {
	if e.sel.Status() != transport.StatusConnected {
		return false, false, e.col.PendingCount() > 0
	}
	pending := e.col.Pending()
	if len(pending) == 0 {
		return false, false, false
	}

	dirty := false
	for _, r := range pending {
		if e.ctx.Err() != nil {
			break
		}
		switch e.exchange(r) {
		case outcomeSynced:
			anySynced = true
			dirty = true
		case outcomeFailed:
			anyFailed = true
			dirty = true
		case outcomeSkipped:
			if dirty {
				e.persist()
			}
			return anySynced, anyFailed, true
		}
	}
	if dirty {
		e.persist()
	}
	return anySynced, anyFailed, false
}

// exchange sends one record version and waits for its acknowledgement.
func (e *Engine) exchange(r *record.Record) outcome {
	ackCh := make(chan *transport.Ack, 1)
	e.mu.Lock()
	e.waiters[r.ID] = ackCh
	abort := e.abort
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.waiters[r.ID] == ackCh {
			delete(e.waiters, r.ID)
		}
		e.mu.Unlock()
	}()

	env := &transport.Envelope{Kind: transport.KindRecord, Record: transport.NewFrame(r)}
	sendCtx, cancel := context.WithTimeout(e.ctx, e.cfg.ExchangeTimeout)
	defer cancel()

	if _, err := e.sel.Send(sendCtx, env); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return outcomeSkipped
		}
		e.col.MarkFailed(r.ID, r.UpdatedAt, err.Error())
		return outcomeFailed
	}

	select {
	case ack := <-ackCh:
		if ack.Accepted {
			e.col.MarkSynced(r.ID, r.UpdatedAt, ack.ServerFields)
			return outcomeSynced
		}
		e.col.MarkFailed(r.ID, r.UpdatedAt, ack.Error)
		return outcomeFailed

	case <-abort:
		return outcomeSkipped

	case <-sendCtx.Done():
		if e.ctx.Err() != nil {
			return outcomeSkipped
		}
		e.col.MarkFailed(r.ID, r.UpdatedAt, "exchange timed out")
		return outcomeFailed
	}
}

// handleInbound consumes envelopes from whichever channel is receiving.
// Runs on the channel goroutine; merge and persist are bounded work.
func (e *Engine) handleInbound(env *transport.Envelope) {
	switch env.Kind {
	case transport.KindAck:
		if env.Ack == nil {
			return
		}
		e.mu.Lock()
		ch := e.waiters[env.Ack.RecordID]
		delete(e.waiters, env.Ack.RecordID)
		e.mu.Unlock()
		if ch != nil {
			select {
			case ch <- env.Ack:
			default:
			}
		}
		// An ack with no waiter correlates to an exchange that already
		// timed out; the retry pass re-sends and the server's merge is
		// idempotent, so it is safe to drop.

	case transport.KindRecord:
		if env.Record == nil {
			return
		}
		if e.col.Merge(env.Record.ToRecord()) {
			e.persist()
		}

	case transport.KindBatch:
		if env.Batch == nil {
			return
		}
		batch := make([]*record.Record, 0, len(env.Batch.Records))
		for _, f := range env.Batch.Records {
			batch = append(batch, f.ToRecord())
		}
		if n := e.col.ApplyBatch(batch); n > 0 {
			e.cfg.Logger.Printf("[engine %s] applied %d remote records", e.ownerID, n)
			e.persist()
		}
		// A batch proves the channel is healthy again; drain anything
		// that queued up while it was not.
		e.requestSync()
	}
}

// sendRefresh asks the server for the owner's full state. The reply
// arrives as a batch through handleInbound.
func (e *Engine) sendRefresh() {
	env := &transport.Envelope{
		Kind: transport.KindSyncRequest,
		Sync: &transport.SyncRequest{OwnerID: e.ownerID, Since: 0},
	}
	if _, err := e.sel.Send(e.ctx, env); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		e.cfg.Logger.Printf("[engine %s] state refresh request failed: %v", e.ownerID, err)
	}
}

// persist writes the full snapshot. A write failure degrades durability
// but never blocks synchronization; the flag clears on the next success.
func (e *Engine) persist() {
	if err := e.st.Persist(e.ownerID, e.col.Snapshot()); err != nil {
		e.mu.Lock()
		was := e.degraded
		e.degraded = true
		e.mu.Unlock()
		if !was {
			e.cfg.Logger.Printf("[engine %s] local persistence failing, running from memory: %v", e.ownerID, err)
		}
		return
	}
	e.mu.Lock()
	e.degraded = false
	e.mu.Unlock()
}

// abortInFlight wakes any exchange waiting on the previous channel so a
// strategy switch leaves its record pending instead of failed.
func (e *Engine) abortInFlight() {
	e.mu.Lock()
	close(e.abort)
	e.abort = make(chan struct{})
	e.mu.Unlock()
}

// requestSync schedules a sync pass; coalesces if one is already queued.
func (e *Engine) requestSync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// requestRefresh schedules a full state refresh.
func (e *Engine) requestRefresh() {
	select {
	case e.refreshReq <- struct{}{}:
	default:
	}
}
