package extent

import "sort"

// Vector is an unordered-until-sorted collection of extents with cheap
// append semantics, used as the exchange format between the I/O backend and
// the engine (mirrors fr_vector<T> in the original design).
type Vector []Extent

// AppendMerge appends e, merging it into the last element of v first if
// they touch (an O(1) check against only the tail, not a full scan).
func (v Vector) AppendMerge(e Extent) Vector {
	if n := len(v); n > 0 && Mergeable(v[n-1], e) {
		v[n-1] = Merge(v[n-1], e)
		return v
	}
	return append(v, e)
}

func (v Vector) SortByPhysical() {
	sort.Slice(v, func(i, j int) bool { return v[i].Physical < v[j].Physical })
}

func (v Vector) SortByLogical() {
	sort.Slice(v, func(i, j int) bool { return v[i].Logical < v[j].Logical })
}

func (v Vector) SortByReverseLength() {
	sort.Slice(v, func(i, j int) bool { return v[i].Length > v[j].Length })
}

// Transpose returns a new Vector with every extent's Physical and Logical
// swapped; the caller is responsible for re-sorting it for whatever order
// it needs next.
func (v Vector) Transpose() Vector {
	out := make(Vector, len(v))
	for i, e := range v {
		out[i] = e.Transpose()
	}
	return out
}

// TruncateAtLogical drops (or shrinks) every extent so no Logical offset
// exceeds limit. v must already be sorted by Logical.
func (v Vector) TruncateAtLogical(limit uint64) Vector {
	out := v[:0:0]
	for _, e := range v {
		if e.Logical >= limit {
			break
		}
		if e.LogicalEnd() > limit {
			e.Length = limit - e.Logical
		}
		out = append(out, e)
	}
	return out
}

// TotalLength sums the Length of every extent in v.
func (v Vector) TotalLength() uint64 {
	var total uint64
	for _, e := range v {
		total += e.Length
	}
	return total
}
