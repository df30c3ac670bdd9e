package memsim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
)

func TestCopyDevToStorageAndBack(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	b := New(4096, 16*4096)
	for i := range b.Dev {
		b.Dev[i] = byte(i)
	}
	r.NoError(b.CreateStorage(ctx, nil, 4096, 16*4096, 4096))

	r.NoError(b.Copy(ctx, extent.DevToStorage, 0, 0, 2))
	r.Equal(b.Dev[:2*4096], b.Storage[:2*4096])

	r.NoError(b.Zero(ctx, extent.DevToDev, 0, 1))
	for i := uint64(0); i < 4096; i++ {
		r.Zero(b.Dev[i])
	}

	r.NoError(b.Copy(ctx, extent.StorageToDev, 0, 5, 2))
	r.Equal(b.Storage[:2*4096], b.Dev[5*4096:7*4096])
}

func TestCopyOutOfRangeIsInvariant(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	b := New(4096, 4*4096)
	err := b.Copy(ctx, extent.DevToDev, 0, 0, 100)
	r.Error(err)
	r.True(ferr.Is(err, ferr.InternalInvariant))
}

func TestUmountDevRecorded(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	b := New(4096, 4096)
	r.False(b.Unmounted())
	r.NoError(b.UmountDev(ctx))
	r.True(b.Unmounted())
}
