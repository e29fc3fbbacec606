// Package keylock provides a mutex per string key. Entries exist only while
// some goroutine holds or waits for the key.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	// ch is a one-slot semaphore so waiters can give up on ctx.
	ch   chan struct{}
	refs int
}

type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the key and must be called exactly once.
func (s *Set) Lock(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		s.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			s.release(key, e)
		})
	}, nil
}

func (s *Set) release(key string, e *entry) {
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
