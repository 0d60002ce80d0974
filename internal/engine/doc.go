// Package engine runs the synchronization loop for one owner's records.
//
// Overview
//
// The Engine ties the layers together: it hydrates the collection from
// the durable store at startup, persists after every change, watches the
// pending queue, and exchanges records with the server over whichever
// transport strategy the selector has active. Records never leave the
// local store until the server has acknowledged them.
//
// Architecture
//
// One goroutine per engine drives every exchange, so record sends,
// retries, and full-state refreshes never race each other:
//
//	Collection ── mutation hook ──┐
//	                              ↓
//	                          run loop ── Selector ── Server
//	                              ↑
//	     retry timer / refresh ticker / strategy activation
//
// A pass walks the pending queue in order and exchanges one record at a
// time, correlating each send with its ack by record ID. A pass that
// hits failures, or that finds pending work with no usable channel, arms
// a retry timer on an exponential backoff; the backoff resets as soon as
// anything succeeds. Switching strategy aborts in-flight exchanges, and
// the affected records simply stay pending for the next pass.
//
// Usage
//
//	eng, err := engine.New("report-1", col, st, sel, engine.Config{})
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	// Local edits sync themselves via the mutation hook.
//	col.Insert(payload)
//
// Multi-owner processes hold their engines in a Registry, which builds
// one lazily per owner and shuts them all down together.
//
// Durability
//
// Every mutation persists the full collection snapshot before anything
// else happens. If the disk write fails the engine keeps syncing and
// reports DegradedDurability in its Status until a write succeeds again.
package engine
