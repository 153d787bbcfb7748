// ABOUTME: Package documentation for the browser-gateway Go client.
// ABOUTME: Covers the HTTP helpers and the WebSocket session type.

// Package client is a Go client for a running browser-gateway.
//
// # HTTP
//
// Health, Ready and Sessions wrap GET /health, /health/ready and
// /api/sessions, decoding into the gateway's own response types.
//
// # Sessions
//
// Connect dials /ws and returns once the connection frame has arrived,
// so Session.ID is always set. Admission refusals surface as
// ErrCapacityExceeded (503) or ErrRateLimited (429) before any upgrade.
//
// A Session runs one read goroutine that delivers frames on Frames().
// Send, Abort and Ping may be called from any goroutine. Turn is a
// convenience that sends a message and collects frames up to the
// completion or error frame.
//
// When the gateway closes the socket, Err returns a *CloseError carrying
// the close code: 4000 idle timeout, 4001 agent failure, 4008 event gap
// timeout, 1001 shutdown.
package client
