// Package stream turns an agent's event iterator into what a client sees
// during a turn.
//
// There are two independent timeouts. Heartbeat injects a keepalive item
// whenever the agent has been quiet for the heartbeat interval, so slow but
// healthy turns keep the client's UI alive. Monitor enforces the event gap:
// if nothing at all arrives for the gap duration, the turn is considered
// dead and Next returns ErrEventGapTimeout.
//
//	items := stream.Heartbeat(ctx, it, 20*time.Second)
//	mon := stream.NewMonitor(items, 90*time.Second)
//	for {
//		item, err := mon.Next(ctx)
//		...
//	}
package stream
