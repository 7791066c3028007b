package channel

import "math"

// Allocator hands out local channel ids for one connection. Ids count up
// from zero; once the counter reaches the limit, released ids are reused
// lowest first.
type Allocator struct {
	next  uint64
	limit uint64
	used  map[uint32]struct{}
}

// NewAllocator creates an Allocator covering the full uint32 id space.
func NewAllocator() *Allocator {
	return NewAllocatorWithLimit(math.MaxUint32)
}

// NewAllocatorWithLimit creates an Allocator that never hands out ids
// greater than or equal to limit.
func NewAllocatorWithLimit(limit uint32) *Allocator {
	return &Allocator{
		limit: uint64(limit),
		used:  make(map[uint32]struct{}),
	}
}

// Next returns a free id and marks it used. ok is false when every id up to
// the limit is taken.
func (a *Allocator) Next() (id uint32, ok bool) {
	if a.next < a.limit {
		id = uint32(a.next)
		a.next++
		a.used[id] = struct{}{}
		return id, true
	}

	for i := uint64(0); i < a.limit; i++ {
		if _, taken := a.used[uint32(i)]; !taken {
			a.used[uint32(i)] = struct{}{}
			return uint32(i), true
		}
	}
	return 0, false
}

// Release returns id to the pool.
func (a *Allocator) Release(id uint32) {
	delete(a.used, id)
}

// InUse returns how many ids are currently allocated.
func (a *Allocator) InUse() int {
	return len(a.used)
}
