// Package agent defines the automation-agent collaborator bound to each session.
//
// # Overview
//
// The gateway treats an agent as an opaque producer of events. A session owns
// exactly one Agent; each client message starts a turn whose events are read
// through an Iterator and forwarded to the client without interpretation.
//
//	it, err := a.Execute(ctx, "open the settings page")
//	for {
//	    ev, err := it.Next(ctx)
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    ...
//	}
//
// # Lifecycle
//
//   - Execute(ctx, message): start a turn; only one turn runs at a time
//   - Abort(): cancel the running turn (the iterator ends without further events)
//   - Destroy(ctx): release everything; idempotent, returns once teardown completes
//
// # Built-in Agents
//
// DirectAgent performs no reasoning: a message is a JSON command
// {"action": "...", "payload": {...}} forwarded to the controller as one RPC.
//
// ProcessAgent launches an external executable per turn and exchanges NDJSON
// over stdio. Lines with type "tool_call" carry {id, action, payload}; the
// agent forwards them to the controller and writes {"type":"tool_result", id,
// ok, data|error} back on stdin. Every other line is forwarded as an Event.
// Aborting a turn kills the process.
package agent
