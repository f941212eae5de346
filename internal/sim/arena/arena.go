// Package arena provides generational handles over fixed and growable slot storage.
//
// Arena is safe for concurrent use and never waits on contention: every
// operation try-locks the slot it touches and reports ErrLocked instead of
// blocking. Pool is its single-goroutine counterpart without any locking.
package arena

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrFull means every slot is occupied. Capacity is sized for the largest
	// resident region, so this is a configuration error.
	ErrFull = errors.New("arena: full")
	// ErrLocked is transient contention; retry on a later tick.
	ErrLocked = errors.New("arena: slot locked")
	// ErrNotPresent means the handle is stale or the slot is empty; drop the handle.
	ErrNotPresent = errors.New("arena: not present")
)

// Index is a generational handle. It resolves only while the slot's
// generation matches and the slot is occupied.
type Index struct {
	Slot       int    `json:"slot"`
	Generation uint32 `json:"generation"`
}

type slot[T any] struct {
	mu         sync.RWMutex
	value      T
	occupied   bool
	generation uint32
}

type Arena[T any] struct {
	slots []slot[T]

	freeMu sync.Mutex
	free   []int

	live atomic.Int64
}

func New[T any](capacity int) *Arena[T] {
	if capacity < 0 {
		capacity = 0
	}
	a := &Arena[T]{
		slots: make([]slot[T], capacity),
		free:  make([]int, 0, capacity),
	}
	// Pop from the tail hands out low slots first.
	for i := capacity - 1; i >= 0; i-- {
		a.free = append(a.free, i)
	}
	return a
}

func (a *Arena[T]) Cap() int { return len(a.slots) }

// Len is the number of occupied slots.
func (a *Arena[T]) Len() int { return int(a.live.Load()) }

// Insert stores v in a free slot. It fails with ErrLocked if the free-list or
// the chosen slot is held by another goroutine, and with ErrFull if no slot is free.
func (a *Arena[T]) Insert(v T) (Index, error) {
	if !a.freeMu.TryLock() {
		return Index{}, ErrLocked
	}
	n := len(a.free)
	if n == 0 {
		a.freeMu.Unlock()
		return Index{}, ErrFull
	}
	i := a.free[n-1]
	s := &a.slots[i]
	if !s.mu.TryLock() {
		a.freeMu.Unlock()
		return Index{}, ErrLocked
	}
	a.free = a.free[:n-1]
	a.freeMu.Unlock()

	s.value = v
	s.occupied = true
	h := Index{Slot: i, Generation: s.generation}
	s.mu.Unlock()

	a.live.Add(1)
	return h, nil
}

// Remove takes the value out of the slot and bumps its generation so that
// every outstanding copy of h stops resolving.
func (a *Arena[T]) Remove(h Index) (T, error) {
	var zero T
	s := a.slotFor(h)
	if s == nil {
		return zero, ErrNotPresent
	}
	if !s.mu.TryLock() {
		return zero, ErrLocked
	}
	if !s.occupied || s.generation != h.Generation {
		s.mu.Unlock()
		return zero, ErrNotPresent
	}
	v := s.value
	s.value = zero
	s.occupied = false
	s.generation++

	// Slot lock is held while the index is returned, so the slot is never
	// observable as empty and absent from the free-list at the same time.
	// Insert only try-locks slots, so this ordering cannot deadlock.
	a.freeMu.Lock()
	a.free = append(a.free, h.Slot)
	a.freeMu.Unlock()
	s.mu.Unlock()

	a.live.Add(-1)
	return v, nil
}

// Get acquires shared access to the slot.
func (a *Arena[T]) Get(h Index) (*ReadGuard[T], error) {
	s := a.slotFor(h)
	if s == nil {
		return nil, ErrNotPresent
	}
	if !s.mu.TryRLock() {
		return nil, ErrLocked
	}
	if !s.occupied || s.generation != h.Generation {
		s.mu.RUnlock()
		return nil, ErrNotPresent
	}
	return &ReadGuard[T]{s: s}, nil
}

// GetMut acquires exclusive access to the slot.
func (a *Arena[T]) GetMut(h Index) (*WriteGuard[T], error) {
	s := a.slotFor(h)
	if s == nil {
		return nil, ErrNotPresent
	}
	if !s.mu.TryLock() {
		return nil, ErrLocked
	}
	if !s.occupied || s.generation != h.Generation {
		s.mu.Unlock()
		return nil, ErrNotPresent
	}
	return &WriteGuard[T]{s: s}, nil
}

func (a *Arena[T]) slotFor(h Index) *slot[T] {
	if h.Slot < 0 || h.Slot >= len(a.slots) {
		return nil
	}
	return &a.slots[h.Slot]
}

// ReadGuard holds a shared lock on one slot until Release. The guard may be
// released from a different goroutine than the one that acquired it, but it
// must not be used concurrently.
type ReadGuard[T any] struct {
	s        *slot[T]
	released bool
}

// Value must be treated as read-only.
func (g *ReadGuard[T]) Value() T { return g.s.value }

func (g *ReadGuard[T]) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.s.mu.RUnlock()
}

// WriteGuard holds an exclusive lock on one slot until Release.
type WriteGuard[T any] struct {
	s        *slot[T]
	released bool
}

func (g *WriteGuard[T]) Value() T { return g.s.value }

func (g *WriteGuard[T]) Set(v T) { g.s.value = v }

func (g *WriteGuard[T]) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.s.mu.Unlock()
}
