package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cosmos72/fsremap-go/extent"
)

func writeRaw(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o600)
}

func TestExtentFileRoundTripScalesByBlockSize(t *testing.T) {
	r := require.New(t)

	path := filepath.Join(t.TempDir(), "loop_extents.txt")
	v := extent.Vector{
		extent.New(1, 0, 2, extent.TagDefault),
		extent.New(4, 2, 1, extent.TagZeroed),
	}
	r.NoError(dumpExtentFileBytes(path, v, 4096))

	got, err := loadExtentFileBytes(path, 4096)
	r.NoError(err)
	r.Len(got, 2)
	r.EqualValues(1, got[0].Physical)
	r.EqualValues(0, got[0].Logical)
	r.EqualValues(2, got[0].Length)
	r.EqualValues(4, got[1].Physical)
	r.EqualValues(2, got[1].Logical)
	r.EqualValues(1, got[1].Length)
}

func TestLoadExtentFileMissingReturnsEmpty(t *testing.T) {
	r := require.New(t)
	got, err := loadExtentFileBytes(filepath.Join(t.TempDir(), "nope.txt"), 4096)
	r.NoError(err)
	r.Nil(got)
}

func TestLoadExtentFileRejectsUnalignedValues(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "bad.txt")
	r.NoError(writeRaw(path, "100 0 50 0\n"))
	_, err := loadExtentFileBytes(path, 4096)
	r.Error(err)
}
