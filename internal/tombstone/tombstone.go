// ABOUTME: Bounded, time-limited record of keys that were settled without a result.
// ABOUTME: Lets the bridge tell late controller responses apart from unknown ones.

package tombstone

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	reason string
	at     time.Time
}

// Set remembers keys and why they were retired. Entries expire after the TTL;
// when full, the oldest entry is dropped. Expired entries are pruned lazily,
// so a Set needs no background goroutine.
type Set struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a Set. A non-positive maxSize is treated as 1.
func New(ttl time.Duration, maxSize int) *Set {
	return &Set{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: max(1, maxSize),
		now:     time.Now,
	}
}

// Add records key with reason. Re-adding a key refreshes it.
func (s *Set) Add(key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	if el, ok := s.entries[key]; ok {
		e := el.Value.(*entry)
		e.reason = reason
		e.at = now
		s.order.MoveToBack(el)
		return
	}

	if len(s.entries) >= s.maxSize {
		s.removeLocked(s.order.Front())
	}
	s.entries[key] = s.order.PushBack(&entry{key: key, reason: reason, at: now})
}

// Lookup returns the reason key was retired, if it is still remembered.
func (s *Set) Lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if s.now().Sub(e.at) >= s.ttl {
		s.removeLocked(el)
		return "", false
	}
	return e.reason, true
}

// Len returns the number of remembered keys, including any not yet pruned.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// pruneLocked drops expired entries from the front. Entries are ordered by
// time, so it stops at the first live one.
func (s *Set) pruneLocked(now time.Time) {
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		if now.Sub(el.Value.(*entry).at) < s.ttl {
			return
		}
		s.removeLocked(el)
	}
}

func (s *Set) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	s.order.Remove(el)
	delete(s.entries, el.Value.(*entry).key)
}
