package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ioengine"
)

func TestDumpAndLoadRoundTrip(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()

	v := extent.Vector{
		extent.New(0, 0, 10, extent.TagDefault),
		extent.New(20, 10, 5, extent.TagZeroed),
	}

	path := filepath.Join(dir, "loop_extents.txt")
	r.NoError(DumpExtentFile(path, v))

	got, err := loadExtentFile(path)
	r.NoError(err)
	r.Equal(v, got)
}

func TestBackendOpenLoadsLoopAndFreeFilesWithoutZeroFile(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()

	loopPath := filepath.Join(dir, "loop_extents.txt")
	freePath := filepath.Join(dir, "free_space_extents.txt")

	r.NoError(DumpExtentFile(loopPath, extent.Vector{extent.New(0, 0, 4, extent.TagDefault)}))
	r.NoError(DumpExtentFile(freePath, extent.Vector{extent.New(4, 4, 4, extent.TagDefault)}))

	b := New(loopPath, freePath, "", 8, 4096)
	r.NoError(b.Open(context.Background(), ioengine.Args{}))

	r.Len(b.LoopExtents, 1)
	r.Len(b.FreeExtents, 1)
	r.Nil(b.ZeroExtents)
}

func TestLoadExtentFileRejectsMalformedLine(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.txt")

	r.NoError(writeFile(path, "# header\nnot-a-number 1 2\n"))

	_, err := loadExtentFile(path)
	r.Error(err)
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
