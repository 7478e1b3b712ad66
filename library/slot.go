package library

import (
	"sync"
	"sync/atomic"
)

// Slot is a dispatched library cache for one formal parameter. It keeps up
// to limit cached instances and degrades to uncached lookups once a
// receiver arrives that none of them accept and the slot is full. Slots are
// independent: one parameter going generic does not affect another.
type Slot[L Library] struct {
	create   func(receiver any) L
	uncached func(receiver any) L
	limit    func() int

	mu      sync.Mutex
	cached  atomic.Pointer[[]L]
	generic atomic.Bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewSlot creates a slot. limit is evaluated on every miss; a nil limit or
// one that yields zero or less makes the slot uncached from the start.
func NewSlot[L Library](r *Resolver[L], limit func() int) *Slot[L] {
	return newSlot(r.Create, r.Uncached, limit)
}

// NewSourceSlot is NewSlot over the untyped view of a resolver. Dispatch
// tables use it for parameters whose library is looked up per call.
func NewSourceSlot(src Source, limit func() int) *Slot[Library] {
	return newSlot(src.Bind, src.Lookup, limit)
}

func newSlot[L Library](create, uncached func(any) L, limit func() int) *Slot[L] {
	s := &Slot[L]{create: create, uncached: uncached, limit: limit}
	if limit == nil {
		s.generic.Store(true)
	}
	return s
}

// UncachedSlot returns a slot that never caches.
func UncachedSlot[L Library](r *Resolver[L]) *Slot[L] {
	return NewSlot(r, nil)
}

// Get returns a library instance that accepts receiver.
func (s *Slot[L]) Get(receiver any) L {
	if s.generic.Load() {
		s.misses.Add(1)
		return s.uncached(receiver)
	}
	if p := s.cached.Load(); p != nil {
		for _, lib := range *p {
			if lib.Accepts(receiver) {
				s.hits.Add(1)
				return lib
			}
		}
	}
	s.misses.Add(1)
	return s.specialize(receiver)
}

func (s *Slot[L]) specialize(receiver any) L {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generic.Load() {
		return s.uncached(receiver)
	}

	var current []L
	if p := s.cached.Load(); p != nil {
		current = *p
		// Another goroutine may have added a match while we waited.
		for _, lib := range current {
			if lib.Accepts(receiver) {
				return lib
			}
		}
	}

	if len(current) >= s.limit() {
		s.generic.Store(true)
		return s.uncached(receiver)
	}

	lib := s.create(receiver)
	next := make([]L, len(current), len(current)+1)
	copy(next, current)
	next = append(next, lib)
	s.cached.Store(&next)
	return lib
}

// Generic reports whether the slot has stopped caching.
func (s *Slot[L]) Generic() bool {
	return s.generic.Load()
}

// Len returns the number of cached instances.
func (s *Slot[L]) Len() int {
	if p := s.cached.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Stats returns hit and miss counts.
func (s *Slot[L]) Stats() (hits, misses uint64) {
	return s.hits.Load(), s.misses.Load()
}
