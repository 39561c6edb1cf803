package optimize

import (
	"sync"
)

// SlicePool is a pool for reusing slices of T to reduce allocations
type SlicePool[T any] struct {
	pool sync.Pool
	size int
}

// NewSlicePool creates a slice pool with the given base capacity
func NewSlicePool[T any](size int) *SlicePool[T] {
	return &SlicePool[T]{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]T, 0, size)
			},
		},
	}
}

// Get gets an empty slice from the pool
func (p *SlicePool[T]) Get() []T {
	return p.pool.Get().([]T)
}

// Put returns a slice to the pool (truncates it first)
func (p *SlicePool[T]) Put(s []T) {
	// grown slices stay out so the pool keeps a stable footprint
	if cap(s) <= p.size*2 {
		p.pool.Put(s[:0])
	}
}
