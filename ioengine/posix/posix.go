// Package posix implements ioengine.Backend against a real block device
// and loop file using golang.org/x/sys/unix: FIEMAP to enumerate loop-file
// extents, BLKGETSIZE64 to size the device, Fallocate to size the
// secondary storage spill file, and pread/pwrite for the actual copies.
package posix

import (
	"context"
	cryptorand "crypto/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/ioengine"
	"github.com/cosmos72/fsremap-go/storage"
)

// secondaryStorageEntropy is the monotonic ULID source for secondary spill
// file names, the same construction developgo-lsvd's disk.go uses for its
// segment sequence numbers: crypto/rand entropy, monotonic so two files
// created within the same millisecond still sort and never collide.
var secondaryStorageEntropy = ulid.Monotonic(cryptorand.Reader, 0)

// secondaryStorageName generates a unique spill file name under dir (the OS
// temp directory when dir is empty), namespaced by a ULID instead of the
// OS-random suffix os.CreateTemp would pick, so a leftover spill file from a
// crashed run sorts and timestamps itself meaningfully.
func secondaryStorageName(dir string) (string, error) {
	id, err := ulid.New(ulid.Now(), secondaryStorageEntropy)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "fsremap-secondary-"+id.String()+".tmp"), nil
}

// Backend is the real-device ioengine.Backend.
type Backend struct {
	log hclog.Logger

	dev      *os.File
	loopFile *os.File
	storage  *os.File

	// vs unifies the device-resident primary segments CreateStorage mapped
	// and the secondary spill file behind one storage-offset address space
	// (C5, storage.VirtualStorage). nil until CreateStorage runs.
	vs *storage.VirtualStorage

	devPath   string
	umountCmd string

	blockSize  uint64
	devLength  uint64

	// loopFileBytes is the loop file's real stat(2) size, independent of
	// anything FIEMAP enumerated: a sparse trailing hole has no extent at
	// all, so this is the only way to see past the last real extent.
	loopFileBytes uint64

	// fdCache is an LRU of auxiliary file descriptors. New creates it and
	// Close purges it; no code path in this backend adds entries, so it
	// stays empty.
	fdCache *lru.Cache[string, *os.File]

	queue []queuedCopy
}

type queuedCopy struct {
	dir                              extent.Dir
	fromPhysical, toPhysical, length uint64
}

var _ ioengine.Backend = (*Backend)(nil)
var _ ioengine.DeviceLength = (*Backend)(nil)
var _ ioengine.LoopFileLength = (*Backend)(nil)

// New returns a Backend that logs through log.
func New(log hclog.Logger) (*Backend, error) {
	cache, err := lru.New[string, *os.File](16)
	if err != nil {
		return nil, errors.Wrap(err, "posix: failed to build fd cache")
	}
	return &Backend{log: log, fdCache: cache}, nil
}

func (b *Backend) Open(ctx context.Context, args ioengine.Args) error {
	dev, err := os.OpenFile(args.DevPath, os.O_RDWR, 0)
	if err != nil {
		return ferr.Wrap(ferr.NoPermission, err, "posix: failed to open device %s", args.DevPath)
	}
	loop, err := os.Open(args.LoopFilePath)
	if err != nil {
		dev.Close()
		return ferr.Wrap(ferr.IoError, err, "posix: failed to open loop file %s", args.LoopFilePath)
	}

	length, err := deviceLength(dev)
	if err != nil {
		dev.Close()
		loop.Close()
		return err
	}

	b.dev = dev
	b.loopFile = loop
	b.devPath = args.DevPath
	b.umountCmd = args.UmountCmd
	b.devLength = length
	b.log.Debug("opened device", "path", args.DevPath, "length", length)
	return nil
}

func deviceLength(f *os.File) (uint64, error) {
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		// not a block device (e.g. a regular file used in tests): fall back
		// to stat.
		info, statErr := f.Stat()
		if statErr != nil {
			return 0, ferr.Wrap(ferr.IoError, err, "posix: BLKGETSIZE64 failed and stat fallback failed")
		}
		return uint64(info.Size()), nil
	}
	return uint64(size), nil
}

func (b *Backend) DeviceLength(ctx context.Context) (uint64, error) {
	return b.devLength, nil
}

// LoopFileLength reports the loop file's real byte length rounded up to the
// next whole block, so an unallocated trailing partial block still counts
// against the device's capacity (§4.5.2's "odd-sized last block" case).
func (b *Backend) LoopFileLength(ctx context.Context) (uint64, error) {
	if b.blockSize == 0 {
		return 0, ferr.New(ferr.InternalInvariant, "posix: LoopFileLength called before ReadExtents")
	}
	return (b.loopFileBytes + b.blockSize - 1) / b.blockSize, nil
}

// effectiveBlockSize returns the largest power-of-two block size that
// exactly divides every physical/logical/length in extents and devLength.
func effectiveBlockSize(extents extent.Vector, devLength uint64) uint64 {
	size := devLength & (^devLength + 1) // largest power of two dividing devLength
	reduce := func(v uint64) {
		if v == 0 {
			return
		}
		for size > 1 && v%size != 0 {
			size /= 2
		}
	}
	for _, e := range extents {
		reduce(e.Physical)
		reduce(e.Logical)
		reduce(e.Length)
	}
	if size == 0 {
		size = 1
	}
	return size
}

func (b *Backend) ReadExtents(ctx context.Context) (loopExtents, freeExtents, zeroExtents extent.Vector, blockSize uint64, err error) {
	byteExtents, fileSize, err := fileExtents(b.loopFile)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	byteExtents.SortByLogical()
	b.loopFileBytes = fileSize

	// the effective block size must be derived from the loop file's own
	// byte-granularity extents before anything else, since every other
	// quantity (free space, device length) needs to be expressed in that
	// same block unit.
	blockSize = effectiveBlockSize(byteExtents, b.devLength)
	if blockSize == 0 {
		blockSize = 1
	}

	loopExtents = make(extent.Vector, len(byteExtents))
	for i, e := range byteExtents {
		loopExtents[i] = extent.New(e.Physical/blockSize, e.Logical/blockSize, e.Length/blockSize, e.Tag)
	}

	// free space is whatever the device has that the loop file doesn't
	// cover; the posix backend derives it the same way fsremap's
	// "fill device with zero-file" trick does, but since Go has no portable
	// sparse-file-as-zero-file primitive we instead compute it directly
	// from the complement of the loop file's physical coverage.
	free := extent.ComplementPhysical(loopExtents, b.devLength/blockSize)
	freeExtents = free.ToVector()

	b.blockSize = blockSize
	return loopExtents, freeExtents, nil, blockSize, nil
}

// CreateStorage sizes the secondary spill file, maps it together with
// primary's device-resident segments into one storage.VirtualStorage, and
// keeps the spill file open so CloseStorage can unlink it. Primary blocks
// are read directly off b.dev at their real physical offset; storage
// offset 0 always starts primary's logical space (matching
// engine.SeedStorageFree's layout), and secondary's logical space begins
// right after it.
func (b *Backend) CreateStorage(ctx context.Context, primary extent.Vector, blockSize uint64, secondaryBytes, bufferBytes int64) error {
	name, err := secondaryStorageName("")
	if err != nil {
		return ferr.Wrap(ferr.IoError, err, "posix: failed to generate secondary storage file name")
	}
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return ferr.Wrap(ferr.IoError, err, "posix: failed to create secondary storage file")
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, secondaryBytes); err != nil {
		// some filesystems don't support fallocate; fall back to Truncate.
		if err := f.Truncate(secondaryBytes); err != nil {
			f.Close()
			os.Remove(f.Name())
			return ferr.Wrap(ferr.NoSpace, err, "posix: failed to size secondary storage file to %d bytes", secondaryBytes)
		}
	}

	segments := make([]storage.PrimarySegment, 0, len(primary))
	for _, e := range primary {
		segments = append(segments, storage.PrimarySegment{
			FileOffset: int64(e.Physical * blockSize),
			Bytes:      e.Length * blockSize,
		})
	}

	vs, err := storage.Open(b.dev, segments, f, uint64(secondaryBytes))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return ferr.Wrap(ferr.IoError, err, "posix: failed to map virtual storage")
	}

	b.storage = f
	b.vs = vs
	return nil
}

// storageReadAt/storageWriteAt dispatch through b.vs for the STORAGE side
// (unifying primary device segments and the secondary spill file behind
// one logical offset) and directly against b.dev for the DEV side, which
// is never virtualized.
func (b *Backend) storageReadAt(side extent.Side, physical uint64, buf []byte) error {
	if side == extent.SideDev {
		_, err := b.dev.ReadAt(buf, int64(physical*b.blockSize))
		return err
	}
	return b.vs.ReadAt(buf, physical*b.blockSize)
}

func (b *Backend) storageWriteAt(side extent.Side, physical uint64, buf []byte) error {
	if side == extent.SideDev {
		_, err := b.dev.WriteAt(buf, int64(physical*b.blockSize))
		return err
	}
	return b.vs.WriteAt(buf, physical*b.blockSize)
}

func (b *Backend) Copy(ctx context.Context, dir extent.Dir, fromPhysical, toPhysical, length uint64) error {
	if !dir.Valid() {
		return ferr.New(ferr.InternalInvariant, "posix: invalid copy direction %s", dir)
	}
	// batch same-direction requests; a direction change forces a flush so
	// in-flight requests are never reordered across a direction boundary.
	if len(b.queue) > 0 && b.queue[len(b.queue)-1].dir != dir {
		if err := b.Flush(ctx); err != nil {
			return err
		}
	}
	b.queue = append(b.queue, queuedCopy{dir, fromPhysical, toPhysical, length})
	return nil
}

func (b *Backend) Flush(ctx context.Context) error {
	if len(b.queue) == 0 {
		return nil
	}
	// DEV->DEV batches are read sorted by source physical, then written
	// sorted by destination physical, mirroring move_fragment/
	// flush_copy_bytes in the original I/O layer.
	batch := b.queue
	b.queue = nil

	sort.Slice(batch, func(i, j int) bool { return batch[i].fromPhysical < batch[j].fromPhysical })

	type staged struct {
		data []byte
		q    queuedCopy
	}
	staging := make([]staged, 0, len(batch))

	for _, q := range batch {
		buf := make([]byte, q.length*b.blockSize)
		if err := b.storageReadAt(q.dir.From, q.fromPhysical, buf); err != nil {
			return ferr.Wrap(ferr.IoError, err, "posix: read failed during copy %s", q.dir)
		}
		staging = append(staging, staged{buf, q})
	}

	sort.Slice(staging, func(i, j int) bool { return staging[i].q.toPhysical < staging[j].q.toPhysical })

	for _, s := range staging {
		if err := b.storageWriteAt(s.q.dir.To, s.q.toPhysical, s.data); err != nil {
			return ferr.Wrap(ferr.IoError, err, "posix: write failed during copy %s", s.q.dir)
		}
	}
	return b.vsFlush()
}

// vsFlush pushes VirtualStorage's mmap'd pages to their backing files; a
// no-op until CreateStorage has run, and harmless if STORAGE was never
// touched this Flush.
func (b *Backend) vsFlush() error {
	if b.vs == nil {
		return nil
	}
	return b.vs.Flush()
}

func (b *Backend) Zero(ctx context.Context, to extent.Dir, physical, length uint64) error {
	if err := b.Flush(ctx); err != nil {
		return err
	}
	buf := make([]byte, length*b.blockSize)
	if err := b.storageWriteAt(to.To, physical, buf); err != nil {
		return ferr.Wrap(ferr.IoError, err, "posix: zero failed at physical %d length %d", physical, length)
	}
	return b.vsFlush()
}

func (b *Backend) UmountDev(ctx context.Context) error {
	if b.umountCmd == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", b.umountCmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return ferr.Wrap(ferr.DeviceBusy, err, "posix: umount command failed: %s", string(out))
	}
	return nil
}

func (b *Backend) CloseStorage(ctx context.Context) error {
	var firstErr error
	if b.vs != nil {
		if err := b.vs.Close(); err != nil {
			firstErr = errors.Wrap(err, "posix: failed to unmap virtual storage")
		}
		b.vs = nil
	}
	if b.storage != nil {
		path := b.storage.Name()
		err := b.storage.Close()
		b.storage = nil
		os.Remove(path)
		if err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "posix: failed to close secondary storage file")
		}
	}
	return firstErr
}

func (b *Backend) Close(ctx context.Context) error {
	var firstErr error
	if b.loopFile != nil {
		if err := b.loopFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.dev != nil {
		if err := b.dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.fdCache.Purge()
	if firstErr != nil {
		return errors.Wrap(firstErr, "posix: failed to close backend")
	}
	return nil
}
