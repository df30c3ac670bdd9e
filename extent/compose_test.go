package extent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mapOf(extents ...Extent) *Map {
	m := NewMap()
	for _, e := range extents {
		m.Insert0(e)
	}
	return m
}

func TestComposeFullCoverageNoHoles(t *testing.T) {
	r := require.New(t)

	// A: device-physical 100.. maps onto C [0,10)
	a := mapOf(New(100, 0, 10, TagDefault))
	// B: dst-physical 500.. maps onto the same C [0,10)
	b := mapOf(New(500, 0, 10, TagDefault))

	ab, unmapped, err := Compose(a, b)
	r.NoError(err)
	r.Empty(unmapped)

	v := ab.ToVector()
	r.Len(v, 1)
	r.Equal(New(100, 500, 10, TagDefault), v[0])
}

func TestComposeHoleInAProducesUnmapped(t *testing.T) {
	r := require.New(t)

	// A covers C [0,5) and [8,10): a hole at [5,8).
	a := mapOf(New(100, 0, 5, TagDefault), New(200, 8, 2, TagDefault))
	// B covers all of C [0,10).
	b := mapOf(New(500, 0, 10, TagDefault))

	ab, unmapped, err := Compose(a, b)
	r.NoError(err)

	v := ab.ToVector()
	v.SortByPhysical()
	r.Len(v, 2)
	r.Equal(New(100, 500, 5, TagDefault), v[0])
	r.Equal(New(200, 508, 2, TagDefault), v[1])

	// the hole in A's coverage of C, [5,8), reappears in B's own coordinates.
	r.Len(unmapped, 1)
	r.Equal(New(505, 5, 3, TagDefault), unmapped[0])
}

func TestComposeTrailingHoleInAProducesUnmapped(t *testing.T) {
	r := require.New(t)

	// A only covers the first half of C; the rest is a trailing hole, not an
	// error, since B's coverage is also exhausted by the end of it.
	a := mapOf(New(100, 0, 5, TagDefault))
	b := mapOf(New(500, 0, 10, TagDefault))

	ab, unmapped, err := Compose(a, b)
	r.NoError(err)

	v := ab.ToVector()
	r.Len(v, 1)
	r.Equal(New(100, 500, 5, TagDefault), v[0])

	r.Len(unmapped, 1)
	r.Equal(New(505, 5, 5, TagDefault), unmapped[0])
}

func TestComposeMultipleBEntriesAdvanceIndependently(t *testing.T) {
	r := require.New(t)

	// A is a single run covering all of C [0,10).
	a := mapOf(New(100, 0, 10, TagDefault))
	// B is split into two adjacent-in-C runs at different physical offsets.
	b := mapOf(New(500, 0, 4, TagDefault), New(600, 4, 6, TagDefault))

	ab, unmapped, err := Compose(a, b)
	r.NoError(err)
	r.Empty(unmapped)

	v := ab.ToVector()
	v.SortByPhysical()
	r.Len(v, 2)
	r.Equal(New(100, 500, 4, TagDefault), v[0])
	r.Equal(New(104, 600, 6, TagDefault), v[1])
}

func TestComposeAExtendingPastBIsError(t *testing.T) {
	r := require.New(t)

	// A covers C [0,5) and [8,13); B only covers C [0,10). The tail of A's
	// second run, [10,13), has nothing left in B to map to.
	a := mapOf(New(100, 0, 5, TagDefault), New(200, 8, 5, TagDefault))
	b := mapOf(New(500, 0, 10, TagDefault))

	ab, unmapped, err := Compose(a, b)
	r.Error(err)
	r.Nil(ab)
	r.Nil(unmapped)
}
