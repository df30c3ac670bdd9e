package selftest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInventedExtentsPartitionDevice(t *testing.T) {
	r := require.New(t)

	b := New(42, 1000, 4096, 0.5)

	var total uint64
	for _, e := range b.LoopExtents {
		total += e.Length
	}
	for _, e := range b.FreeExtents {
		total += e.Length
	}
	r.EqualValues(1000, total)
}

func TestInventedExtentsAreDeterministic(t *testing.T) {
	r := require.New(t)

	a := New(7, 500, 4096, 0.3)
	b := New(7, 500, 4096, 0.3)

	r.Equal(a.LoopExtents, b.LoopExtents)
	r.Equal(a.FreeExtents, b.FreeExtents)
}

func TestInventedExtentsVaryBySeed(t *testing.T) {
	r := require.New(t)

	a := New(1, 500, 4096, 0.3)
	b := New(2, 500, 4096, 0.3)

	r.NotEqual(a.LoopExtents, b.LoopExtents)
}

// TestInventedExtentsRequireRelocation guards against a scattering bug: if
// the loop file's physical runs were handed out in logical order instead of
// shuffled order, every extent would satisfy Physical == Logical and
// Analyze would find nothing to relocate, making --self-test a no-op.
func TestInventedExtentsRequireRelocation(t *testing.T) {
	r := require.New(t)

	b := New(42, 1000, 4096, 0.5)
	movable := false
	for _, e := range b.LoopExtents {
		if e.Physical != e.Logical {
			movable = true
			break
		}
	}
	r.True(movable, "expected at least one scattered (non-invariant) loop extent")
}
