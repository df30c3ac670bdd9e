package extent

import (
	"fmt"

	"github.com/google/btree"
)

// Map is an ordered collection of extents keyed by Physical, with the
// invariant that no two extents intersect or are mergeable: every insert
// that would create such a pair merges (possibly transitively) instead.
//
// Backed by a generic google/btree.BTreeG, which gives the predecessor/
// successor lookups the merge logic needs without hand-rolling a sorted
// slice splice on every insert.
type Map struct {
	t *btree.BTreeG[Extent]
}

func less(a, b Extent) bool { return a.Physical < b.Physical }

// NewMap returns an empty extent Map.
func NewMap() *Map {
	return &Map{t: btree.NewG(32, less)}
}

func (m *Map) Len() int    { return m.t.Len() }
func (m *Map) Empty() bool { return m.t.Len() == 0 }

// Clone returns a shallow copy of m (extents are value types, so this is a
// full independent copy).
func (m *Map) Clone() *Map {
	out := NewMap()
	m.t.Ascend(func(e Extent) bool {
		out.t.ReplaceOrInsert(e)
		return true
	})
	return out
}

// Ascend calls fn for every extent in increasing physical order, stopping
// early if fn returns false.
func (m *Map) Ascend(fn func(Extent) bool) { m.t.Ascend(fn) }

// Descend calls fn for every extent in decreasing physical order.
func (m *Map) Descend(fn func(Extent) bool) { m.t.Descend(fn) }

// ToVector collects all extents into a Vector sorted by physical.
func (m *Map) ToVector() Vector {
	v := make(Vector, 0, m.Len())
	m.t.Ascend(func(e Extent) bool {
		v = append(v, e)
		return true
	})
	return v
}

// Bounds returns the minimum Physical and the maximum Physical+Length
// present in the map. If the map is empty both are zero.
func (m *Map) Bounds() (min, max uint64) {
	if e, ok := m.t.Min(); ok {
		min = e.Physical
	}
	if e, ok := m.t.Max(); ok {
		max = e.PhysicalEnd()
	}
	return min, max
}

// predecessor returns the extent with the largest Physical strictly less
// than key.Physical, if any.
func (m *Map) predecessor(key Extent) (Extent, bool) {
	var found Extent
	ok := false
	m.t.DescendLessOrEqual(Extent{Physical: key.Physical}, func(e Extent) bool {
		if e.Physical < key.Physical {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok
}

// successor returns the extent with the smallest Physical strictly greater
// than key.Physical, if any.
func (m *Map) successor(key Extent) (Extent, bool) {
	var found Extent
	ok := false
	m.t.AscendGreaterOrEqual(Extent{Physical: key.Physical}, func(e Extent) bool {
		if e.Physical > key.Physical {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok
}

// Insert adds e to the map, merging transitively with any touching
// neighbors. Panics (fatal invariant violation, §4.1) if e intersects an
// existing extent.
func (m *Map) Insert(e Extent) {
	if cur, ok := m.t.Get(Extent{Physical: e.Physical}); ok {
		panic(fmt.Sprintf("extent.Map: insert %s intersects existing %s", e, cur))
	}
	for {
		if prev, ok := m.predecessor(e); ok {
			switch Compare(prev, e) {
			case Intersect:
				panic(fmt.Sprintf("extent.Map: insert %s intersects existing %s", e, prev))
			case TouchBefore:
				m.t.Delete(prev)
				e = Merge(prev, e)
				continue
			}
		}
		if next, ok := m.successor(e); ok {
			switch Compare(e, next) {
			case Intersect:
				panic(fmt.Sprintf("extent.Map: insert %s intersects existing %s", e, next))
			case TouchBefore:
				m.t.Delete(next)
				e = Merge(e, next)
				continue
			}
		}
		break
	}
	m.t.ReplaceOrInsert(e)
}

// Insert0 adds e without any merge check. Use with extreme caution: callers
// must guarantee e neither intersects nor touches any existing extent.
func (m *Map) Insert0(e Extent) { m.t.ReplaceOrInsert(e) }

// InsertAll inserts every extent of v into m, merging as needed.
func (m *Map) InsertAll(v Vector) {
	for _, e := range v {
		m.Insert(e)
	}
}

// InsertAllFrom merges every extent of other into m.
func (m *Map) InsertAllFrom(other *Map) {
	other.Ascend(func(e Extent) bool {
		m.Insert(e)
		return true
	})
}

// FindPhysicalBlock returns the extent covering physical block key, if any.
func (m *Map) FindPhysicalBlock(key uint64) (Extent, bool) {
	var found Extent
	ok := false
	m.t.DescendLessOrEqual(Extent{Physical: key}, func(e Extent) bool {
		if e.Physical <= key && key < e.PhysicalEnd() {
			found, ok = e, true
		}
		return false
	})
	return found, ok
}

// Remove deletes the sub-range described by victim from the map, splitting
// any extent that only partially overlaps it. victim.Logical is ignored;
// only the physical range is used.
func (m *Map) Remove(victim Extent) {
	lo, hi := victim.Physical, victim.PhysicalEnd()
	if lo >= hi {
		return
	}
	var overlapping []Extent
	m.t.AscendRange(Extent{Physical: 0}, Extent{Physical: hi}, func(e Extent) bool {
		if e.PhysicalEnd() > lo {
			overlapping = append(overlapping, e)
		}
		return true
	})
	// also check the predecessor of lo, in case it starts before lo but the
	// AscendRange above began scanning too late.
	if pred, ok := m.predecessor(Extent{Physical: lo + 1}); ok && pred.PhysicalEnd() > lo {
		already := false
		for _, e := range overlapping {
			if e.Physical == pred.Physical {
				already = true
				break
			}
		}
		if !already {
			overlapping = append([]Extent{pred}, overlapping...)
		}
	}

	for _, e := range overlapping {
		m.t.Delete(e)
		if e.Physical < lo {
			m.t.ReplaceOrInsert(Extent{Physical: e.Physical, Logical: e.Logical, Length: lo - e.Physical, Tag: e.Tag})
		}
		if e.PhysicalEnd() > hi {
			shift := e.Shift()
			m.t.ReplaceOrInsert(Extent{Physical: hi, Logical: uint64(int64(hi) + shift), Length: e.PhysicalEnd() - hi, Tag: e.Tag})
		}
	}
}

// RemoveExtent deletes exactly the extent e (which must be present in the
// map verbatim, e.g. obtained from Ascend/FindPhysicalBlock).
func (m *Map) RemoveExtent(e Extent) { m.t.Delete(e) }

// RemoveFront shrinks e by removing its first shrinkLength blocks, and
// returns the remaining extent plus whether anything remains.
func (m *Map) RemoveFront(e Extent, shrinkLength uint64) (Extent, bool) {
	m.t.Delete(e)
	if shrinkLength >= e.Length {
		return Extent{}, false
	}
	remainder := Extent{
		Physical: e.Physical + shrinkLength,
		Logical:  e.Logical + shrinkLength,
		Length:   e.Length - shrinkLength,
		Tag:      e.Tag,
	}
	m.t.ReplaceOrInsert(remainder)
	return remainder, true
}

// Transpose returns a new Map with every extent's Physical and Logical
// swapped.
func (m *Map) Transpose() *Map {
	out := NewMap()
	m.t.Ascend(func(e Extent) bool {
		out.t.ReplaceOrInsert(e.Transpose())
		return true
	})
	return out
}

// IntersectMaps computes the intersection of a and b under match and
// returns it as a new Map. Both maps are flattened to vectors sorted by
// physical and walked together with a two-pointer merge that advances
// whichever current extent ends first, so no repeated tree descents are
// needed.
func IntersectMaps(a, b *Map, match Match) *Map {
	dst := NewMap()

	av, bv := a.ToVector(), b.ToVector()
	i, j := 0, 0
	for i < len(av) && j < len(bv) {
		ae, be := av[i], bv[j]
		if ae.PhysicalEnd() <= be.Physical {
			i++
			continue
		}
		if be.PhysicalEnd() <= ae.Physical {
			j++
			continue
		}
		if r, ok := Intersect(ae, be, match); ok {
			dst.Insert(r)
		}
		if ae.PhysicalEnd() < be.PhysicalEnd() {
			i++
		} else {
			j++
		}
	}
	return dst
}

// ComplementPhysical treats v as sorted by physical and returns the
// physical gaps (in [0, deviceLength)) as a Map with Logical == Physical.
func ComplementPhysical(v Vector, deviceLength uint64) *Map {
	out := NewMap()
	var cursor uint64
	for _, e := range v {
		if e.Physical > cursor {
			out.Insert0(Extent{Physical: cursor, Logical: cursor, Length: e.Physical - cursor})
		}
		if e.PhysicalEnd() > cursor {
			cursor = e.PhysicalEnd()
		}
	}
	if cursor < deviceLength {
		out.Insert0(Extent{Physical: cursor, Logical: cursor, Length: deviceLength - cursor})
	}
	return out
}

// ComplementLogical is analogous to ComplementPhysical but works in logical
// coordinates: v must be sorted by Logical, and the result's Physical ==
// Logical == the logical gap offset.
func ComplementLogical(v Vector, fileLength uint64) *Map {
	out := NewMap()
	var cursor uint64
	for _, e := range v {
		if e.Logical > cursor {
			out.Insert0(Extent{Physical: cursor, Logical: cursor, Length: e.Logical - cursor})
		}
		if e.LogicalEnd() > cursor {
			cursor = e.LogicalEnd()
		}
	}
	if cursor < fileLength {
		out.Insert0(Extent{Physical: cursor, Logical: cursor, Length: fileLength - cursor})
	}
	return out
}
