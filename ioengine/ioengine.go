// Package ioengine defines the pluggable I/O backend abstraction (C3): the
// relocation engine never touches a file descriptor directly, it only calls
// a Backend, so the same engine code drives a real block device, an
// in-memory simulator, or a replayed extent dump.
package ioengine

import (
	"context"

	"github.com/cosmos72/fsremap-go/extent"
)

// Args carries the subset of command-line configuration an I/O backend
// needs to open its device and loop file.
type Args struct {
	DevPath       string
	LoopFilePath  string
	UmountCmd     string
	ForceRun      bool
	SimulateRun   bool
	JobDir        string
}

// Backend is the abstract I/O surface the engine drives. Implementations
// live one per subpackage: posix (real devices), memsim (in-memory,
// self-test driver), replay (fixed dumped extents).
type Backend interface {
	// Open validates and opens the device and loop file described by args.
	Open(ctx context.Context, args Args) error

	// ReadExtents retrieves the loop-file extents, free-space extents and
	// (if any) zeroed-but-allocated extents, all ordered by Logical, plus
	// the device's effective block size.
	ReadExtents(ctx context.Context) (loopExtents, freeExtents, zeroExtents extent.Vector, blockSize uint64, err error)

	// CreateStorage prepares the bounded auxiliary storage: primary names
	// the device-resident free-space candidates (in blocks, at blockSize)
	// the provisioner chose to reuse as scratch space, secondaryBytes sizes
	// a spill file, and bufferBytes sizes a RAM staging buffer.
	CreateStorage(ctx context.Context, primary extent.Vector, blockSize uint64, secondaryBytes, bufferBytes int64) error

	// Copy relocates length blocks of data, in direction dir, from
	// fromPhysical to toPhysical. Implementations may queue adjacent
	// requests and flush them together; Flush forces the queue to drain.
	Copy(ctx context.Context, dir extent.Dir, fromPhysical, toPhysical, length uint64) error

	// Zero writes zero blocks into to at physical for length blocks.
	Zero(ctx context.Context, to extent.Dir, physical, length uint64) error

	// Flush drains any queued Copy requests.
	Flush(ctx context.Context) error

	// UmountDev unmounts the device before the destructive relocation
	// phase begins.
	UmountDev(ctx context.Context) error

	// CloseStorage releases the auxiliary storage (unmaps, closes the
	// spill file).
	CloseStorage(ctx context.Context) error

	// Close releases the device and loop file handles.
	Close(ctx context.Context) error
}

// DeviceLength reports the backend's device length in bytes, needed by the
// provisioner and by Analyze's ComplementPhysical call. Backends may
// implement it; job.Run type-asserts for it and fails with
// ferr.InternalInvariant when it is absent.
type DeviceLength interface {
	DeviceLength(ctx context.Context) (uint64, error)
}

// LoopFileLength reports the loop file's real length in blocks, rounded up
// so a trailing partial block still counts. This is distinct from anything
// Analyze can derive from ReadExtents' loop extents: a sparse file can have
// an unallocated trailing hole with no extent at all, which is invisible to
// extent enumeration but still occupies logical space the relocated device
// must have room for (§4.5.2's "odd-sized last block" check). Optional
// backends may implement it; job.Run type-asserts for it, and when a backend
// doesn't, Relocate's checkOddLastBlock uses only its extent-derived check.
type LoopFileLength interface {
	LoopFileLength(ctx context.Context) (uint64, error)
}
