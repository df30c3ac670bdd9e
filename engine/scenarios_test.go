package engine

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/ioengine/memsim"
	"github.com/cosmos72/fsremap-go/journal"
)

// Scenario A — pure swap: both extents must survive analysis as loop-file
// work (TagLoopFile), each needing relocation to the other's slot.
func TestAnalyzeScenarioAPureSwap(t *testing.T) {
	r := require.New(t)
	e := newTestEngine(4)

	loop := extent.Vector{
		extent.New(2, 0, 2, extent.TagDefault),
		extent.New(0, 2, 2, extent.TagDefault),
	}
	ws, err := e.Analyze(context.Background(), loop, nil, nil, 4, 0)
	r.NoError(err)
	r.EqualValues(4, ws.WorkBlocks)
	r.Equal(2, ws.Map.Len())
}

// Scenario B — invariant tail: both extents have physical == logical and
// must be dropped entirely, leaving an empty working set.
func TestAnalyzeScenarioBInvariantTail(t *testing.T) {
	r := require.New(t)
	e := newTestEngine(4)

	loop := extent.Vector{
		extent.New(0, 0, 2, extent.TagDefault),
		extent.New(3, 3, 1, extent.TagDefault),
	}
	free := extent.Vector{extent.New(2, 2, 1, extent.TagDefault)}

	ws, err := e.Analyze(context.Background(), loop, free, nil, 4, 0)
	r.NoError(err)
	r.True(ws.Map.Empty())
	r.EqualValues(0, ws.WorkBlocks)
}

// Scenario C — a ZEROED extent must move into both free space and
// to_clear_map, and must not itself require relocation.
func TestAnalyzeScenarioCZeroedExtent(t *testing.T) {
	r := require.New(t)
	e := newTestEngine(4)

	loop := extent.Vector{
		extent.New(0, 0, 2, extent.TagZeroed),
		extent.New(2, 2, 2, extent.TagDefault),
	}
	ws, err := e.Analyze(context.Background(), loop, nil, nil, 4, 0)
	r.NoError(err)
	r.True(ws.Map.Empty()) // both extents end up invariant once (0,0,2) is freed

	toClear := e.toClearMap.ToVector()
	r.Len(toClear, 1)
	r.EqualValues(0, toClear[0].Physical)
	r.EqualValues(2, toClear[0].Length)
}

// Scenario D — fragmenting allocation, exercised through Analyze directly
// (not the pool package in isolation: see pool.TestAllocateFragmenting for
// an allocator-only split of a 5-block extent across holes of 2, 2 and 1
// blocks). Device length 20; loop_extents occupy physical [0,15) and map
// onto logical [0,1), [2,4), [6,8), [10,15) and [15,20), leaving loop_holes
// at logical [1,2), [4,6) and [8,10) (lengths 1, 2, 2 - five blocks total).
// physical [15,20) is left entirely to other data (no loop_extents or
// free_extents cover it), so dev_map surfaces it as one 5-block extent that
// must be renumbered across those three holes - none of which alone is big
// enough to hold it.
func TestAnalyzeScenarioDFragmentingAllocationThroughAnalyze(t *testing.T) {
	r := require.New(t)
	e := newTestEngine(20)

	loop := extent.Vector{
		extent.New(0, 0, 1, extent.TagDefault),   // invariant, dropped from the working set
		extent.New(1, 2, 2, extent.TagDefault),
		extent.New(3, 6, 2, extent.TagDefault),
		extent.New(5, 10, 5, extent.TagDefault),
		extent.New(10, 15, 5, extent.TagDefault),
	}
	ws, err := e.Analyze(context.Background(), loop, nil, nil, 20, 0)
	r.NoError(err)
	r.EqualValues(19, ws.WorkBlocks)

	var deviceTagged extent.Vector
	for _, v := range ws.Map.ToVector() {
		if v.Tag == extent.TagDevice {
			deviceTagged = append(deviceTagged, v)
		}
	}
	// the single 5-block extent at physical [15,20) could not fit any one
	// hole (1, 2 and 2 blocks respectively), so pool.Allocate fragmented it
	// into exactly as many pieces as there are holes.
	r.Len(deviceTagged, 3)
	r.EqualValues(5, deviceTagged.TotalLength())

	// to_clear_map must carry the same renumbered fragments (Comment 1's
	// union fix): the TagDevice entries record the old positions of the
	// relocated device data, which need zeroing once relocation finishes.
	var clearedDeviceTagged uint64
	for _, v := range e.toClearMap.ToVector() {
		if v.Tag == extent.TagDevice {
			clearedDeviceTagged += v.Length
		}
	}
	r.EqualValues(5, clearedDeviceTagged)
}

// Scenario E — storage spill. A single 30-block cyclic permutation confined
// to physical [0,30) of a 100-block device (block i's data belongs at
// logical (i+1)%30): every block is initially blocked by another block
// still occupying its destination, so nothing can move directly until some
// of the cycle is pushed through auxiliary storage. With only 8 blocks of
// storage (a primary candidate region of 4 plus a secondary spill region of
// 4, mirroring job.Run's CreateStorage wiring - see job/run.go's
// SeedStorageFree call), the move loop must cycle fill_storage and
// move_to_target repeatedly rather than complete in one pass.
func TestRelocateScenarioEStorageSpill(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	const cycleLen = 30
	const devLen = 100
	const storageBlocks = 8 // 4 primary candidate blocks + 4 secondary spill blocks

	backend := memsim.New(1, devLen)
	for i := range backend.Dev {
		backend.Dev[i] = byte(i)
	}
	r.NoError(backend.CreateStorage(ctx, nil, 1, storageBlocks, 0))

	e := New(hclog.NewNullLogger(), backend, nil)

	loop := make(extent.Vector, 0, cycleLen)
	for i := uint64(0); i < cycleLen; i++ {
		loop = append(loop, extent.New(i, (i+1)%cycleLen, 1, extent.TagDefault))
	}
	free := extent.Vector{extent.New(cycleLen, cycleLen, devLen-cycleLen, extent.TagDefault)}

	ws, err := e.Analyze(ctx, loop, free, nil, devLen, 0)
	r.NoError(err)
	r.EqualValues(cycleLen, ws.WorkBlocks)

	e.SeedStorageFree(storageBlocks)

	jrnlPath := filepath.Join(t.TempDir(), "job.journal")
	jrnl, err := journal.Open(jrnlPath, true)
	r.NoError(err)
	defer jrnl.Close()

	r.NoError(e.Relocate(ctx, jrnl, storageBlocks))

	r.True(e.devMap.Empty())
	r.True(e.storageMap.Empty())

	for d := uint64(0); d < cycleLen; d++ {
		src := (d - 1 + cycleLen) % cycleLen
		r.Equalf(byte(src), backend.Dev[d], "block %d should hold data originally at block %d", d, src)
	}
	for d := uint64(cycleLen); d < devLen; d++ {
		r.Equal(byte(d), backend.Dev[d]) // the untouched free region never moves
	}
}

// Scenario F — replay. Run Scenario A to completion while recording a real
// journal, then simulate a crash: truncate that journal to its header plus
// only the first progress tuple, and re-run Analyze+Relocate from scratch
// against a fresh backend in the same initial state, replaying through a
// journal opened on the truncated file. The final device layout must match
// the uninterrupted run exactly, and a deliberately corrupted replay tuple
// must be rejected with ferr.ReplayMismatch rather than silently diverge.
func TestRelocateScenarioFReplay(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	newBackend := func() *memsim.Backend {
		b := memsim.New(1, 4)
		for i := range b.Dev {
			b.Dev[i] = byte(i)
		}
		r.NoError(b.CreateStorage(ctx, nil, 1, 2, 0))
		return b
	}
	loop := extent.Vector{
		extent.New(2, 0, 2, extent.TagDefault),
		extent.New(0, 2, 2, extent.TagDefault),
	}

	// uninterrupted run, recording a real journal.
	fullPath := filepath.Join(t.TempDir(), "full.journal")
	fullBackend := newBackend()
	fullEngine := New(hclog.NewNullLogger(), fullBackend, nil)
	_, err := fullEngine.Analyze(ctx, loop, nil, nil, 4, 0)
	r.NoError(err)
	fullEngine.SeedStorageFree(2)

	fullJrnl, err := journal.Open(fullPath, true)
	r.NoError(err)
	r.NoError(fullEngine.Relocate(ctx, fullJrnl, 2))
	r.NoError(fullJrnl.Close())

	fullLines := readLines(t, fullPath)
	r.GreaterOrEqual(len(fullLines), 2) // header + at least one progress tuple

	// simulate a crash right after the first progress tuple was durably
	// written: a journal containing only the header and that one line.
	crashedPath := filepath.Join(t.TempDir(), "crashed.journal")
	writeLines(t, crashedPath, fullLines[:2])

	resumedBackend := newBackend()
	resumedEngine := New(hclog.NewNullLogger(), resumedBackend, nil)
	_, err = resumedEngine.Analyze(ctx, loop, nil, nil, 4, 0)
	r.NoError(err)
	resumedEngine.SeedStorageFree(2)

	resumedJrnl, err := journal.Open(crashedPath, true)
	r.NoError(err)
	r.NoError(resumedEngine.Relocate(ctx, resumedJrnl, 2))
	r.NoError(resumedJrnl.Close())

	r.Equal(fullBackend.Dev, resumedBackend.Dev)

	// a corrupted replay tuple (doesn't match what the engine recomputes)
	// must fail loudly instead of resuming from the wrong point.
	corruptPath := filepath.Join(t.TempDir(), "corrupt.journal")
	corruptLines := append(append([]string{}, fullLines[:1]...), "999 999")
	writeLines(t, corruptPath, corruptLines)

	corruptBackend := newBackend()
	corruptEngine := New(hclog.NewNullLogger(), corruptBackend, nil)
	_, err = corruptEngine.Analyze(ctx, loop, nil, nil, 4, 0)
	r.NoError(err)
	corruptEngine.SeedStorageFree(2)

	corruptJrnl, err := journal.Open(corruptPath, true)
	r.NoError(err)
	defer corruptJrnl.Close()

	err = corruptEngine.Relocate(ctx, corruptJrnl, 2)
	r.Error(err)
	r.True(ferr.Is(err, ferr.ReplayMismatch))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	require.NoError(t, s.Err())
	return lines
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}
