// Package pool implements the best-fit allocator (C2): a length-keyed
// multiset of back-references into an extent.Map, used to assign new
// logical destinations to extents out of a set of holes.
package pool

import (
	"github.com/emirpasic/gods/v2/trees/redblacktree"

	"github.com/cosmos72/fsremap-go/extent"
)

// Pool is a best-fit index over the extents of a backing extent.Map. It
// does not own the backing map's lifetime, only observes it: Allocate
// mutates both the backing map and the pool's own bookkeeping in lockstep,
// mirroring fr_pool<T> in the original design.
type Pool struct {
	backing *extent.Map
	// buckets maps extent length -> stack of candidate extents of that
	// length, ordered so the smallest-physical extent of a given length is
	// popped first (built by iterating the backing map in reverse).
	buckets *redblacktree.Tree[uint64, []extent.Extent]
}

// Build constructs a Pool reflecting the current contents of m. The pool
// keeps m as its backing map, but its length index is a snapshot taken
// here: callers must call Build again after mutating m directly (Allocate/AllocateAll keep the pool
// and m in sync automatically).
func Build(m *extent.Map) *Pool {
	p := &Pool{
		backing: m,
		buckets: redblacktree.New[uint64, []extent.Extent](),
	}
	v := m.ToVector()
	// iterate backward: lower-physical extents of a given length end up
	// last in their bucket's slice, so they are popped first.
	for i := len(v) - 1; i >= 0; i-- {
		p.insert0(v[i])
	}
	return p
}

func (p *Pool) insert0(e extent.Extent) {
	bucket, _ := p.buckets.Get(e.Length)
	bucket = append(bucket, e)
	p.buckets.Put(e.Length, bucket)
}

func (p *Pool) popFrom(length uint64) (extent.Extent, bool) {
	bucket, ok := p.buckets.Get(length)
	if !ok || len(bucket) == 0 {
		return extent.Extent{}, false
	}
	e := bucket[len(bucket)-1]
	bucket = bucket[:len(bucket)-1]
	if len(bucket) == 0 {
		p.buckets.Remove(length)
	} else {
		p.buckets.Put(length, bucket)
	}
	return e, true
}

// lowerBound returns the smallest bucket length >= length, if any.
func (p *Pool) lowerBound(length uint64) (uint64, bool) {
	found := false
	var best uint64
	p.buckets.Each(func(key uint64, _ []extent.Extent) {
		if key >= length && (!found || key < best) {
			best, found = key, true
		}
	})
	return best, found
}

// largest returns the greatest bucket length present, if any.
func (p *Pool) largest() (uint64, bool) {
	found := false
	var best uint64
	p.buckets.Each(func(key uint64, _ []extent.Extent) {
		if !found || key > best {
			best, found = key, true
		}
	})
	return best, found
}

// Empty reports whether the pool has no free space left.
func (p *Pool) Empty() bool { return p.buckets.Size() == 0 }

// allocateUnfragmented consumes one pool entry of length >= target.Length
// in a single shot: target fits entirely inside a pool extent taken from
// the poolLength bucket.
func (p *Pool) allocateUnfragmented(target extent.Extent, source, allocatedOut *extent.Map, poolLength uint64) {
	poolExtent, _ := p.popFrom(poolLength)

	source.RemoveExtent(target)
	allocatedOut.Insert(extent.Extent{
		Physical: target.Physical,
		Logical:  poolExtent.Logical,
		Length:   target.Length,
		Tag:      target.Tag,
	})

	if remainder, ok := p.backing.RemoveFront(poolExtent, target.Length); ok {
		p.insert0(remainder)
	}
}

// allocateFragment consumes the single largest pool entry (necessarily
// smaller than target.Length, since a big-enough one would already have
// been used by allocateUnfragmented) and returns the still-unallocated
// remainder of target.
func (p *Pool) allocateFragment(target extent.Extent, source, allocatedOut *extent.Map) (extent.Extent, bool) {
	largest, ok := p.largest()
	if !ok {
		return extent.Extent{}, false
	}
	poolExtent, _ := p.popFrom(largest)

	allocatedOut.Insert(extent.Extent{
		Physical: target.Physical,
		Logical:  poolExtent.Logical,
		Length:   poolExtent.Length,
		Tag:      target.Tag,
	})

	p.backing.RemoveExtent(poolExtent)

	remainder, ok := source.RemoveFront(target, poolExtent.Length)
	return remainder, ok
}

// Allocate renumbers target's Logical field (possibly fragmenting it into
// several smaller extents) by consuming best-fit holes from the pool.
// Allocated fragments are moved out of source and into allocatedOut.
func (p *Pool) Allocate(target extent.Extent, source, allocatedOut *extent.Map) {
	for target.Length > 0 && !p.Empty() {
		if length, ok := p.lowerBound(target.Length); ok {
			p.allocateUnfragmented(target, source, allocatedOut, length)
			return
		}
		remainder, ok := p.allocateFragment(target, source, allocatedOut)
		if !ok {
			return
		}
		target = remainder
	}
}

// AllocateAll repeatedly allocates every extent of source until either
// source or the pool is exhausted.
func (p *Pool) AllocateAll(source, allocatedOut *extent.Map) {
	for _, e := range source.ToVector() {
		if p.Empty() {
			return
		}
		p.Allocate(e, source, allocatedOut)
	}
}
