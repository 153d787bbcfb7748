// Package controller bridges sessions to the remote browser controller.
//
// # Overview
//
// A single controller process (typically a browser extension or automation
// daemon) dials the gateway over WebSocket. Several may be connected at once;
// exactly one is primary and receives every RPC, the rest wait as standby.
//
//	bridge := controller.NewBridge(controller.Config{Logger: logger})
//	go bridge.Serve(ln)
//	data, err := bridge.SendRequest(ctx, "click", map[string]string{"selector": "#ok"}, 0)
//
// # Wire Protocol
//
// JSON text frames:
//
//	request:   {"id": "1718000000000-7", "action": "click", "payload": {...}}
//	response:  {"id": "1718000000000-7", "ok": true, "data": {...}}
//	           {"id": "1718000000000-7", "ok": false, "error": "no such element"}
//	keepalive: {"type": "ping"} / {"type": "pong"}
//
// # Request Correlation
//
// Requests are correlated by id rather than by ordering, so many may be in
// flight on one socket. Each pending request is settled exactly once: by its
// response, its deadline, loss of the primary connection, bridge shutdown or
// cancellation of the caller's context. Responses that arrive after their
// request was settled are logged and dropped.
//
// # Failover
//
// When the primary socket closes, all pending requests fail with
// ErrPrimaryLost and the longest-connected standby is promoted. With no
// standby left, SendRequest fails fast with ErrControllerDisconnected until a
// controller reconnects. Nothing is retried automatically.
package controller
