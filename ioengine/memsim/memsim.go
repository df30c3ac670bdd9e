// Package memsim implements an in-memory ioengine.Backend: the device,
// loop file and auxiliary storage are all plain byte slices. It backs
// engine scenario tests and the --self-test driver, mirroring
// original_source/fsremap/src/io/io_self_test.hh's "no real device needed"
// approach to exercising the relocation engine.
package memsim

import (
	"context"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/ioengine"
)

// Backend is an in-memory ioengine.Backend. Dev and Storage are exported so
// tests can seed and inspect their contents directly.
type Backend struct {
	BlockSize uint64

	Dev     []byte
	Storage []byte

	LoopExtents extent.Vector
	FreeExtents extent.Vector
	ZeroExtents extent.Vector

	// LoopFileBlocks, when set by a test, stands in for the loop file's
	// real stat(2) size (FIEMAP has no meaning in this simulator). Zero
	// means "not configured": Relocate's checkOddLastBlock then uses only
	// its extent-derived check, same as for a backend that doesn't
	// implement ioengine.LoopFileLength at all.
	LoopFileBlocks uint64

	unmounted bool
	closed    bool

	pending []pendingCopy
}

type pendingCopy struct {
	dir                     extent.Dir
	fromPhysical, toPhysical, length uint64
}

var _ ioengine.Backend = (*Backend)(nil)
var _ ioengine.DeviceLength = (*Backend)(nil)
var _ ioengine.LoopFileLength = (*Backend)(nil)

// New returns a Backend with devLength bytes of device storage, ready to
// have its extents and device contents seeded by the caller before Open.
func New(blockSize uint64, devLength uint64) *Backend {
	return &Backend{
		BlockSize: blockSize,
		Dev:       make([]byte, devLength),
	}
}

func (b *Backend) Open(ctx context.Context, args ioengine.Args) error {
	return nil
}

func (b *Backend) DeviceLength(ctx context.Context) (uint64, error) {
	return uint64(len(b.Dev)), nil
}

// LoopFileLength reports LoopFileBlocks, the test-configured stand-in for
// the loop file's real length in blocks; see the field doc for the zero-value
// fallback behavior.
func (b *Backend) LoopFileLength(ctx context.Context) (uint64, error) {
	return b.LoopFileBlocks, nil
}

func (b *Backend) ReadExtents(ctx context.Context) (loopExtents, freeExtents, zeroExtents extent.Vector, blockSize uint64, err error) {
	return b.LoopExtents, b.FreeExtents, b.ZeroExtents, b.BlockSize, nil
}

// CreateStorage sizes Storage to hold primary's device-resident candidates
// followed by the secondary spill region, addressed as one flat logical
// range exactly the way storage.VirtualStorage presents them to the posix
// backend — memsim just doesn't need real mmaps to do it, since it's
// already one contiguous byte slice.
func (b *Backend) CreateStorage(ctx context.Context, primary extent.Vector, blockSize uint64, secondaryBytes, bufferBytes int64) error {
	var primaryBlocks uint64
	for _, e := range primary {
		primaryBlocks += e.Length
	}
	b.Storage = make([]byte, primaryBlocks*blockSize+uint64(secondaryBytes))
	return nil
}

// region returns the byte slice backing side (Dev or Storage); callers do
// their own range checks.
func (b *Backend) region(side extent.Side) []byte {
	if side == extent.SideDev {
		return b.Dev
	}
	return b.Storage
}

func (b *Backend) Copy(ctx context.Context, dir extent.Dir, fromPhysical, toPhysical, length uint64) error {
	from := b.region(dir.From)
	to := b.region(dir.To)

	fromOff := fromPhysical * b.BlockSize
	toOff := toPhysical * b.BlockSize
	n := length * b.BlockSize

	if fromOff+n > uint64(len(from)) || toOff+n > uint64(len(to)) {
		return ferr.New(ferr.InternalInvariant, "memsim: copy %s [%d,%d) out of range (from=%d to=%d)", dir, fromPhysical, fromPhysical+length, len(from), len(to))
	}

	copy(to[toOff:toOff+n], from[fromOff:fromOff+n])
	b.pending = append(b.pending, pendingCopy{dir, fromPhysical, toPhysical, length})
	return nil
}

func (b *Backend) Zero(ctx context.Context, to extent.Dir, physical, length uint64) error {
	region := b.region(to.To)
	off := physical * b.BlockSize
	n := length * b.BlockSize
	if off+n > uint64(len(region)) {
		return ferr.New(ferr.InternalInvariant, "memsim: zero [%d,%d) out of range (len=%d)", physical, physical+length, len(region))
	}
	for i := off; i < off+n; i++ {
		region[i] = 0
	}
	return nil
}

func (b *Backend) Flush(ctx context.Context) error {
	b.pending = b.pending[:0]
	return nil
}

func (b *Backend) UmountDev(ctx context.Context) error {
	b.unmounted = true
	return nil
}

// Unmounted reports whether UmountDev was called, for test assertions.
func (b *Backend) Unmounted() bool { return b.unmounted }

func (b *Backend) CloseStorage(ctx context.Context) error {
	b.Storage = nil
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	b.closed = true
	return nil
}
