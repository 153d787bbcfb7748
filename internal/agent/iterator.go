// ABOUTME: Channel-backed Iterator shared by the built-in agents.
// ABOUTME: A producer goroutine emits events until it returns or the turn is cancelled.

package agent

import (
	"context"
	"io"
	"sync"
)

type iterResult struct {
	event Event
	err   error
}

// produceFunc generates a turn's events. Returning nil ends the sequence with io.EOF.
type produceFunc func(ctx context.Context, emit func(Event) error) error

// chanIterator adapts a produceFunc to the Iterator interface.
type chanIterator struct {
	results chan iterResult
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
}

func newChanIterator(parent context.Context, produce produceFunc) *chanIterator {
	ctx, cancel := context.WithCancel(parent)
	it := &chanIterator{
		results: make(chan iterResult),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(it.done)
		defer close(it.results)

		err := produce(ctx, func(ev Event) error {
			select {
			case it.results <- iterResult{event: ev}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err == nil {
			return
		}
		select {
		case it.results <- iterResult{err: err}:
		case <-ctx.Done():
		}
	}()

	return it
}

// Next returns the next event, io.EOF at the end of the turn, or the
// producer's error.
func (it *chanIterator) Next(ctx context.Context) (Event, error) {
	select {
	case r, ok := <-it.results:
		if !ok {
			return Event{}, io.EOF
		}
		return r.event, r.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close cancels the producer and waits for it to exit.
func (it *chanIterator) Close() error {
	it.closeOnce.Do(it.cancel)
	<-it.done
	return nil
}

// Done is closed once the producer goroutine has exited.
func (it *chanIterator) Done() <-chan struct{} {
	return it.done
}
