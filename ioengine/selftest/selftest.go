// Package selftest generates pseudo-random but internally consistent loop
// file / free space layouts and drives the engine against a memsim
// backend, for the --self-test CLI mode. Grounded on
// original_source/fsremap/src/io/io_self_test.hh's "invent_extents" class.
package selftest

import (
	"context"
	"math/rand/v2"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ioengine"
	"github.com/cosmos72/fsremap-go/ioengine/memsim"
)

// Backend wraps a memsim.Backend whose extents and device contents were
// invented deterministically from a seed, rather than supplied by a caller.
type Backend struct {
	*memsim.Backend
}

var _ ioengine.Backend = (*Backend)(nil)

// New invents a random-but-consistent device of devLengthBlocks blocks,
// with a loop file covering loopFraction of it (0,1), seeded by seed so
// runs are reproducible.
func New(seed uint64, devLengthBlocks uint64, blockSize uint64, loopFraction float64) *Backend {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	sim := memsim.New(blockSize, devLengthBlocks*blockSize)
	loop, free := inventExtents(rng, devLengthBlocks, loopFraction)
	sim.LoopExtents = loop
	sim.FreeExtents = free

	fillRandom(rng, sim.Dev)

	return &Backend{Backend: sim}
}

// inventExtents builds a random disjoint partition of [0, devLengthBlocks)
// into physical runs, shuffles their order, and hands out the first
// targetLoopBlocks worth of (shuffled) runs as the loop file's physical
// extents, assigning them increasing logical offsets starting at 0. The
// shuffle is the point: a freshly-extracted loop file is never already
// sitting at its target logical offset, so physical must not equal logical
// for most runs, or there would be nothing left for Analyze/Relocate to do.
// The unclaimed runs become free space, Physical == Logical on those since
// free space never moves. Grounded on io_self_test.hh's "invent" step,
// generalized to actually scatter the loop file instead of leaving it
// pre-aligned.
func inventExtents(rng *rand.Rand, devLengthBlocks uint64, loopFraction float64) (loop, free extent.Vector) {
	if devLengthBlocks == 0 {
		return nil, nil
	}

	var pool extent.Vector
	for cursor := uint64(0); cursor < devLengthBlocks; {
		remaining := devLengthBlocks - cursor
		runLen := uint64(1) + uint64(rng.IntN(int(min(remaining, 64))))
		pool = append(pool, extent.New(cursor, cursor, runLen, extent.TagDefault))
		cursor += runLen
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	targetLoopBlocks := uint64(float64(devLengthBlocks) * loopFraction)
	var logicalCursor uint64
	for len(pool) > 0 && logicalCursor < targetLoopBlocks {
		e := pool[0]
		pool = pool[1:]

		need := targetLoopBlocks - logicalCursor
		if e.Length > need {
			loop = append(loop, extent.New(e.Physical, logicalCursor, need, extent.TagDefault))
			remainder := extent.New(e.Physical+need, e.Physical+need, e.Length-need, extent.TagDefault)
			pool = append(pool, remainder)
			logicalCursor += need
			break
		}
		loop = append(loop, extent.New(e.Physical, logicalCursor, e.Length, extent.TagDefault))
		logicalCursor += e.Length
	}
	free = append(free, pool...)

	loop.SortByLogical()
	free.SortByLogical()
	return loop, free
}

// fillRandom fills buf with pseudo-random bytes drawn from rng; math/rand/v2
// has no Read method (use crypto/rand for anything security-sensitive), so
// self-test content is filled eight bytes at a time instead.
func fillRandom(rng *rand.Rand, buf []byte) {
	for i := 0; i < len(buf); i += 8 {
		v := rng.Uint64()
		for j := 0; j < 8 && i+j < len(buf); j++ {
			buf[i+j] = byte(v >> (8 * j))
		}
	}
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (b *Backend) Open(ctx context.Context, args ioengine.Args) error {
	return nil
}
