package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/ioengine/memsim"
	"github.com/cosmos72/fsremap-go/journal"
)

// TestRelocateScenarioAPureSwap drives the full Analyze+Relocate cycle for
// the pure-swap scenario and checks the device ends up holding the loop
// file's declared layout.
func TestRelocateScenarioAPureSwap(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	backend := memsim.New(1, 4)
	// seed device contents: block i holds byte value i, so we can track
	// where data ends up.
	for i := range backend.Dev {
		backend.Dev[i] = byte(i)
	}
	r.NoError(backend.CreateStorage(ctx, nil, 1, 2, 0))

	e := New(hclog.NewNullLogger(), backend, nil)

	loop := extent.Vector{
		extent.New(2, 0, 2, extent.TagDefault),
		extent.New(0, 2, 2, extent.TagDefault),
	}
	_, err := e.Analyze(ctx, loop, nil, nil, 4, 0)
	r.NoError(err)

	e.SeedStorageFree(2)

	jrnlPath := filepath.Join(t.TempDir(), "job.journal")
	jrnl, err := journal.Open(jrnlPath, true)
	r.NoError(err)
	defer jrnl.Close()

	err = e.Relocate(ctx, jrnl, 2)
	r.NoError(err)

	r.True(e.devMap.Empty())
	r.True(e.storageMap.Empty())

	// block 0 of the device (logical destination 0 per the loop file) must
	// now hold what was originally at physical block 2.
	r.Equal(byte(2), backend.Dev[0])
	r.Equal(byte(3), backend.Dev[1])
	r.Equal(byte(0), backend.Dev[2])
	r.Equal(byte(1), backend.Dev[3])
}

// TestRelocateFailsFileTooLargeOnSparseTrailingHole covers the case no
// extent map can reveal: the loop file's real length (as reported by
// ioengine.LoopFileLength, standing in for a sparse file's trailing
// unallocated hole) exceeds the device, even though every FIEMAP extent on
// its own fits comfortably and Analyze sees nothing wrong.
func TestRelocateFailsFileTooLargeOnSparseTrailingHole(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	backend := memsim.New(1, 4)
	backend.LoopFileBlocks = 6 // real stat(2) length, unreachable from extents alone
	r.NoError(backend.CreateStorage(ctx, nil, 1, 0, 0))

	e := New(hclog.NewNullLogger(), backend, nil)

	loop := extent.Vector{extent.New(0, 0, 4, extent.TagDefault)}
	ws, err := e.Analyze(ctx, loop, nil, nil, 4, backend.LoopFileBlocks)
	r.NoError(err)
	r.True(ws.Map.Empty())

	e.SeedStorageFree(0)

	jrnlPath := filepath.Join(t.TempDir(), "job.journal")
	jrnl, err := journal.Open(jrnlPath, true)
	r.NoError(err)
	defer jrnl.Close()

	err = e.Relocate(ctx, jrnl, 0)
	r.Error(err)
	r.True(ferr.Is(err, ferr.FileTooLarge))
}
