package netsync

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

// A PeerHandle identifies one remote endpoint of a server transport.
// It indexes a slot in the transport's arena; the generation changes
// every time the slot is reused, so a handle kept past its
// disconnect never refers to a later connection.
// The zero PeerHandle is never valid.
type PeerHandle struct {
	Index uint32
	Gen   uint32
}

// IsZero reports whether h is the zero handle
func (h PeerHandle) IsZero() bool { return h.Gen == 0 }

func (h PeerHandle) String() string {
	return fmt.Sprintf("peer#%d.%d", h.Index, h.Gen)
}

type arenaSlot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// An Arena stores one value per live connection
// and hands out generation-checked handles to them.
// It is safe for concurrent use.
type Arena[T any] struct {
	mu    deadlock.Mutex
	slots []arenaSlot[T]
	free  []uint32
	live  int
}

// Alloc stores v in a free slot and returns its handle
func (a *Arena[T]) Alloc(v T) PeerHandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var i uint32
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot[T]{})
		i = uint32(len(a.slots) - 1)
	}

	s := &a.slots[i]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.val = v
	a.live++

	return PeerHandle{Index: i, Gen: s.gen}
}

// Get returns the value h refers to
func (a *Arena[T]) Get(h PeerHandle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s := a.slot(h); s != nil {
		return s.val, true
	}

	var zero T
	return zero, false
}

// Free releases the slot of h and returns the value it held
func (a *Arena[T]) Free(h PeerHandle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	s := a.slot(h)
	if s == nil {
		return zero, false
	}

	v := s.val
	s.used = false
	s.val = zero
	a.free = append(a.free, h.Index)
	a.live--

	return v, true
}

// Len reports how many slots are in use
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.live
}

// Handles returns the handles of all slots in use
func (a *Arena[T]) Handles() []PeerHandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := make([]PeerHandle, 0, a.live)
	for i, s := range a.slots {
		if s.used {
			r = append(r, PeerHandle{Index: uint32(i), Gen: s.gen})
		}
	}
	return r
}

// Values returns the values of all slots in use
func (a *Arena[T]) Values() []T {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := make([]T, 0, a.live)
	for _, s := range a.slots {
		if s.used {
			r = append(r, s.val)
		}
	}
	return r
}

func (a *Arena[T]) slot(h PeerHandle) *arenaSlot[T] {
	if h.IsZero() || int(h.Index) >= len(a.slots) {
		return nil
	}

	s := &a.slots[h.Index]
	if !s.used || s.gen != h.Gen {
		return nil
	}
	return s
}
