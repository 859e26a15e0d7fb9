package registry

import (
	"errors"
	"sync"
)

// Handle identifies one registered value. The low 32 bits index a slot, the
// high 32 bits carry the slot's generation at allocation time, so a handle
// kept across a free/realloc cycle can never alias the slot's new occupant.
type Handle uint64

// None is the zero Handle; it never resolves.
const None Handle = 0

// ErrExhausted is returned when the arena has no free slots.
var ErrExhausted = errors.New("registry: no free slots")

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) index() uint32 { return uint32(h) }
func (h Handle) gen() uint32   { return uint32(h >> 32) }

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Registry is a fixed-capacity, generation-checked arena.
type Registry[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
}

// New creates an arena with the given capacity.
func New[T any](capacity int) *Registry[T] {
	if capacity < 1 {
		capacity = 1
	}
	r := &Registry[T]{slots: make([]slot[T], capacity)}
	for i := capacity - 1; i >= 0; i-- {
		r.free = append(r.free, uint32(i))
	}
	// Generation 0 is reserved so that the zero Handle stays invalid.
	for i := range r.slots {
		r.slots[i].gen = 1
	}
	return r
}

// Alloc stores val and returns its handle.
func (r *Registry[T]) Alloc(val T) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return None, ErrExhausted
	}
	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	s := &r.slots[idx]
	s.live = true
	s.val = val
	return makeHandle(idx, s.gen), nil
}

// Get resolves h, reporting false for freed or stale handles.
func (r *Registry[T]) Get(h Handle) (T, bool) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := h.index()
	if int(idx) >= len(r.slots) {
		return zero, false
	}
	s := &r.slots[idx]
	if !s.live || s.gen != h.gen() {
		return zero, false
	}
	return s.val, true
}

// Free releases h's slot and bumps its generation. It reports whether the
// handle was live; freeing a stale handle is a no-op.
func (r *Registry[T]) Free(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := h.index()
	if int(idx) >= len(r.slots) {
		return false
	}
	s := &r.slots[idx]
	if !s.live || s.gen != h.gen() {
		return false
	}
	var zero T
	s.live = false
	s.val = zero
	s.gen++
	r.free = append(r.free, idx)
	return true
}

// Len reports the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) - len(r.free)
}
