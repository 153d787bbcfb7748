// Package gateway serves browser-automation sessions to WebSocket clients.
//
// # Overview
//
// The Gateway owns the session manager, the idle sweeper, the controller
// bridge and the optional session history store. Clients connect on the
// HTTP listener; controllers dial a separate listener (see the controller
// package).
//
// # Admission
//
// A client connecting to /ws is admitted in this order:
//
//  1. The optional admission limiter refuses bursts with 429.
//  2. A capacity slot is reserved. Over capacity the request is refused
//     with 503 and {"error":"capacity exceeded"} before any upgrade.
//  3. The request is upgraded and the session and its agent are created
//     from the reservation.
//  4. A connection frame carrying the session id is sent.
//
// # Client Protocol
//
// Inbound frames:
//
//	{"type":"message","content":"..."}
//	{"type":"abort"}
//	{"type":"ping"}
//
// Outbound frames are connection, processing, heartbeat, pong and error,
// plus every agent event forwarded with its own type, content and metadata.
//
// A message received while the session is processing is answered with an
// "already processing" error and otherwise ignored.
//
// # Close Codes
//
//   - 4000: idle timeout, sent when the sweeper evicts the session
//   - 4001: the agent could not be created
//   - 4008: no agent event arrived within the event gap timeout
//   - 1001: the gateway is shutting down
//
// # HTTP API
//
//   - GET /health - capacity, controller status and counters (always 200)
//   - GET /health/ready - 200 only while a controller is connected
//   - GET /api/sessions - live sessions plus recent history
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled and shutdown completes
//
// Shutdown disconnects every client with a going-away close, waits for
// their sessions to be torn down, then closes the bridge and the store.
package gateway
