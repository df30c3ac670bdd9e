// Package extent implements the extent algebra: sorted collections of
// (physical, logical, length) triples describing how blocks on a device
// map to blocks of a file, with merge, intersect, complement, shift and
// transpose operations.
package extent

import "fmt"

// Tag classifies the origin or nature of an extent's content.
type Tag int

const (
	// TagDefault is the zero value: an ordinary extent with unknown content.
	TagDefault Tag = iota
	// TagZeroed marks an extent known to contain only zero bytes (an
	// "unwritten" allocation in the source filesystem).
	TagZeroed
	// TagDevice marks a working-set extent sourced from device-in-use blocks.
	TagDevice
	// TagLoopFile marks a working-set extent sourced from the loop file itself.
	TagLoopFile
)

func (t Tag) String() string {
	switch t {
	case TagZeroed:
		return "zeroed"
	case TagDevice:
		return "device"
	case TagLoopFile:
		return "loop-file"
	default:
		return "default"
	}
}

// Extent is a contiguous run of Length blocks starting at Physical on the
// device and Logical inside the file it belongs to.
type Extent struct {
	Physical uint64
	Logical  uint64
	Length   uint64
	Tag      Tag
}

func New(physical, logical, length uint64, tag Tag) Extent {
	return Extent{Physical: physical, Logical: logical, Length: length, Tag: tag}
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d..%d) -> [%d..%d) (%s)", e.Physical, e.Physical+e.Length, e.Logical, e.Logical+e.Length, e.Tag)
}

// PhysicalEnd returns Physical + Length.
func (e Extent) PhysicalEnd() uint64 { return e.Physical + e.Length }

// LogicalEnd returns Logical + Length.
func (e Extent) LogicalEnd() uint64 { return e.Logical + e.Length }

// Shift is Logical - Physical, used to test alignment between extents.
func (e Extent) Shift() int64 { return int64(e.Logical) - int64(e.Physical) }

// Invariant reports whether Physical == Logical, i.e. the extent needs no
// relocation at all.
func (e Extent) Invariant() bool { return e.Physical == e.Logical }

// aligned reports whether two extents share the same logical-physical shift,
// the precondition for TOUCH/merge relations to be meaningful.
func aligned(a, b Extent) bool { return a.Shift() == b.Shift() }

// Relation describes the relative position of two extents ordered by
// physical offset (a before b).
type Relation int

const (
	Before Relation = iota
	TouchBefore
	Intersect
	TouchAfter
	After
)

// Compare returns the Relation of a with respect to b, assuming
// a.Physical <= b.Physical is NOT required: Compare handles either order,
// but the TouchBefore/TouchAfter labels are from a's perspective (a relative
// to b).
func Compare(a, b Extent) Relation {
	if a.Physical+a.Length <= b.Physical {
		if a.Physical+a.Length == b.Physical && aligned(a, b) && a.Tag == b.Tag {
			return TouchBefore
		}
		return Before
	}
	if b.Physical+b.Length <= a.Physical {
		if b.Physical+b.Length == a.Physical && aligned(a, b) && a.Tag == b.Tag {
			return TouchAfter
		}
		return After
	}
	return Intersect
}

// Mergeable reports whether a and b touch exactly and can be merged into a
// single extent (§4 "mergeable").
func Mergeable(a, b Extent) bool {
	r := Compare(a, b)
	return r == TouchBefore || r == TouchAfter
}

// Merge combines two touching extents into one. Panics if they are not
// mergeable: callers must check Mergeable first (this mirrors the fatal
// invariant-violation contract of the original map's merge()).
func Merge(a, b Extent) Extent {
	if !Mergeable(a, b) {
		panic(fmt.Sprintf("extent: cannot merge non-touching extents %s and %s", a, b))
	}
	lo, hi := a, b
	if lo.Physical > hi.Physical {
		lo, hi = hi, lo
	}
	return Extent{
		Physical: lo.Physical,
		Logical:  lo.Logical,
		Length:   lo.Length + hi.Length,
		Tag:      lo.Tag,
	}
}

// Match selects which operand's Logical field survives an intersection.
type Match int

const (
	// MatchBoth requires overlap in both physical and logical space with an
	// identical shift; the intersection is empty otherwise.
	MatchBoth Match = iota
	// MatchPhysical1 intersects physical ranges only; Logical is inherited
	// from the first operand.
	MatchPhysical1
	// MatchPhysical2 intersects physical ranges only; Logical is inherited
	// from the second operand.
	MatchPhysical2
)

// Transpose swaps Physical and Logical in a new Extent.
func (e Extent) Transpose() Extent {
	return Extent{Physical: e.Logical, Logical: e.Physical, Length: e.Length, Tag: e.Tag}
}

// Intersect computes the intersection of two extents under the given match
// mode. ok is false if there is no intersection.
func Intersect(a, b Extent, match Match) (result Extent, ok bool) {
	switch match {
	case MatchPhysical1, MatchPhysical2:
		lo := a.Physical
		if b.Physical > lo {
			lo = b.Physical
		}
		hi := a.PhysicalEnd()
		if b.PhysicalEnd() < hi {
			hi = b.PhysicalEnd()
		}
		if lo >= hi {
			return Extent{}, false
		}
		length := hi - lo
		if match == MatchPhysical1 {
			return Extent{Physical: lo, Logical: a.Logical + (lo - a.Physical), Length: length, Tag: a.Tag}, true
		}
		return Extent{Physical: lo, Logical: b.Logical + (lo - b.Physical), Length: length, Tag: b.Tag}, true

	default: // MatchBoth
		if !aligned(a, b) {
			return Extent{}, false
		}
		lo := a.Physical
		if b.Physical > lo {
			lo = b.Physical
		}
		hi := a.PhysicalEnd()
		if b.PhysicalEnd() < hi {
			hi = b.PhysicalEnd()
		}
		if lo >= hi {
			return Extent{}, false
		}
		return Extent{Physical: lo, Logical: lo + uint64(a.Shift()), Length: hi - lo, Tag: a.Tag}, true
	}
}

// Clamp restricts e to the physical range [lo,hi) of other's physical range,
// preserving e's shift. ok is false if the ranges do not overlap.
func (e Extent) Clamp(other Extent) (Extent, bool) {
	lo := e.Physical
	if other.Physical > lo {
		lo = other.Physical
	}
	hi := e.PhysicalEnd()
	if other.PhysicalEnd() < hi {
		hi = other.PhysicalEnd()
	}
	if lo >= hi {
		return Extent{}, false
	}
	shift := e.Shift()
	return Extent{Physical: lo, Logical: uint64(int64(lo) + shift), Length: hi - lo, Tag: e.Tag}, true
}
