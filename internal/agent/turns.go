// ABOUTME: Turn bookkeeping shared by the built-in agents.
// ABOUTME: Enforces one running turn, routes Abort to it, and makes Destroy idempotent.

package agent

import (
	"context"
	"sync"
)

type turns struct {
	mu        sync.Mutex
	current   *chanIterator
	destroyed bool

	destroyOnce sync.Once
	destroyDone chan struct{}
	destroyErr  error
}

func newTurns() *turns {
	return &turns{destroyDone: make(chan struct{})}
}

func (t *turns) start(ctx context.Context, produce produceFunc) (*chanIterator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return nil, ErrAgentDestroyed
	}
	if t.current != nil {
		select {
		case <-t.current.Done():
		default:
			return nil, ErrTurnInProgress
		}
	}

	it := newChanIterator(ctx, produce)
	t.current = it
	return it, nil
}

// abort cancels the running turn without waiting for it to exit.
func (t *turns) abort() {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()

	if cur != nil {
		cur.closeOnce.Do(cur.cancel)
	}
}

// destroy stops the running turn, runs cleanup once, and waits for both.
// Every caller observes the same result.
func (t *turns) destroy(ctx context.Context, cleanup func() error) error {
	t.destroyOnce.Do(func() {
		t.mu.Lock()
		t.destroyed = true
		cur := t.current
		t.mu.Unlock()

		go func() {
			defer close(t.destroyDone)
			if cur != nil {
				_ = cur.Close()
			}
			if cleanup != nil {
				t.destroyErr = cleanup()
			}
		}()
	})

	select {
	case <-t.destroyDone:
		return t.destroyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
