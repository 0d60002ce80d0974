// Package transport provides the channels that carry fieldsync traffic
// between a replica and the central server.
//
// Overview
//
// Two strategies implement one contract: a persistent WebSocket push
// channel for immediate delivery, and a periodic HTTP pull channel that
// folds outbound records into its next request. The Selector owns the
// runtime switch between them: push is tried first, demoted to pull when
// it cannot be established or stops answering heartbeats, and re-probed
// in the background for failback. At most one channel sends at a time.
//
// Architecture
//
// Every message crosses the wire as an Envelope, whichever channel
// carries it:
//
//	Engine
//	  └── Selector (auto / forced push / forced pull)
//	        ├── PushChannel ── WebSocket ──┐
//	        └── PullChannel ── HTTP POST ──┤
//	                                       ↓
//	                                    Server
//
// The push channel keeps one WebSocket per owner and runs a liveness
// monitor over it: a ping per heartbeat interval, with any inbound
// traffic counting as proof of life. Two silent intervals in a row
// declare the connection dead and trigger failover. The pull channel
// polls on a fixed interval, sending queued outbound records in the
// request body and receiving acks plus a server batch in the response.
//
// Usage
//
// Build both channels, hand them to a Selector, and let it drive:
//
//	push := transport.NewPushChannel(transport.PushConfig{
//	    URL: "ws://server:8080/ws/report-1",
//	})
//	pull := transport.NewPullChannel(transport.PullConfig{
//	    URL:     "http://server:8080/sync/report-1",
//	    OwnerID: "report-1",
//	})
//
//	sel := transport.NewSelector(push, pull, nil)
//	sel.OnMessage(func(env *transport.Envelope) { /* inbound */ })
//	sel.OnActivate(func(ch transport.Channel) { /* strategy changed */ })
//
//	if err := sel.Start(ctx); err != nil {
//	    return err
//	}
//	defer sel.Stop()
//
//	sent, err := sel.Send(ctx, env)
//
// Error Handling
//
// Send distinguishes two failure classes. ErrNotConnected means the
// precondition failed and nothing left the replica; callers leave the
// affected records pending. Any other error means the attempt itself
// failed and the record's sync status should reflect that.
package transport
