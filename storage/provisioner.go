// Package storage implements the bounded auxiliary storage (C5): sizing it
// against free RAM and the device's own free space, then exposing a single
// address space over primary (device-resident) and secondary (spill-file)
// regions so the relocation engine never needs to know which backs a given
// storage offset.
package storage

import (
	"os"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
)

// ExactSizes pins the provisioner to caller-specified primary/secondary
// sizes (bytes) instead of deriving them from free RAM, mirroring the
// `-xp`/`-xs` command-line flags and the journal's replay cross-check.
type ExactSizes struct {
	Primary   int64
	Secondary int64
}

// Plan is the outcome of provisioning: which device-resident candidate
// extents make up the primary storage, and how large the secondary spill
// file must be.
type Plan struct {
	Primary       extent.Vector
	PrimaryBytes  uint64
	SecondaryPath string
	SecondaryBytes uint64
}

// Provisioner implements the §4.4 sizing policy.
type Provisioner struct {
	// SecondaryDir is the directory the secondary spill file is created in
	// (normally the job directory, on a different filesystem than the
	// device being relocated).
	SecondaryDir string

	// FreeRAMFunc reports free RAM in bytes; overridable for tests.
	// Defaults to reading github.com/shirou/gopsutil/v4/mem.
	FreeRAMFunc func() (uint64, error)
}

func defaultFreeRAM() (uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, "storage: failed to read free RAM")
	}
	return v.Available, nil
}

func (p *Provisioner) freeRAM() (uint64, error) {
	if p.FreeRAMFunc != nil {
		return p.FreeRAMFunc()
	}
	return defaultFreeRAM()
}

const defaultPageSize = 4096

// Plan derives a Plan from candidates (the device's free-space holes,
// sorted by physical offset), the amount of work to do in blocks, and the
// block size. When exact is non-nil, the primary quota is exact.Primary and
// the secondary size is exact.Secondary; candidates are still picked by the
// same size and alignment rules, and Plan fails with ferr.NoSpace if they
// cannot supply the requested primary size.
func (p *Provisioner) Plan(candidates extent.Vector, workBlocks, blockSize uint64, exact *ExactSizes) (Plan, error) {
	if blockSize == 0 {
		return Plan{}, ferr.New(ferr.InvalidArgument, "storage: blockSize must be non-zero")
	}
	workBytes := workBlocks * blockSize

	freeRAM, err := p.freeRAM()
	if err != nil {
		return Plan{}, err
	}

	var primaryQuota, totalQuota uint64
	if exact != nil {
		primaryQuota = uint64(exact.Primary)
		totalQuota = uint64(exact.Primary + exact.Secondary)
	} else {
		ramBuffer := min64(freeRAM/4, workBytes)
		ramBuffer = roundUp(ramBuffer, max64(blockSize, defaultPageSize))
		totalQuota = min64(freeRAM/2, workBytes/8)
		if totalQuota < ramBuffer {
			totalQuota = ramBuffer
		}
		primaryQuota = totalQuota
	}

	minExtent := max64(defaultPageSize, (workBlocks/1024)*blockSize)

	sorted := make(extent.Vector, len(candidates))
	copy(sorted, candidates)
	sorted.SortByReverseLength()

	var chosen extent.Vector
	var chosenBytes uint64
	for _, e := range sorted {
		lengthBytes := e.Length * blockSize
		if lengthBytes < minExtent {
			continue
		}
		if chosenBytes >= primaryQuota {
			break
		}
		aligned := alignExtentBytes(e, blockSize, defaultPageSize)
		if aligned.Length == 0 {
			continue
		}
		remaining := primaryQuota - chosenBytes
		alignedBytes := aligned.Length * blockSize
		if alignedBytes > remaining {
			trimmed := remaining / blockSize
			if trimmed == 0 {
				continue
			}
			aligned.Length = trimmed
			alignedBytes = trimmed * blockSize
		}
		chosen = append(chosen, aligned)
		chosenBytes += alignedBytes
	}
	chosen.SortByPhysical()

	secondaryBytes := uint64(0)
	if totalQuota > chosenBytes {
		secondaryBytes = totalQuota - chosenBytes
	}

	if exact != nil {
		if chosenBytes < uint64(exact.Primary) {
			return Plan{}, ferr.New(ferr.NoSpace,
				"storage: requested exact primary size %d bytes, only %d bytes available in device free space", exact.Primary, chosenBytes)
		}
		secondaryBytes = uint64(exact.Secondary)
	}

	return Plan{
		Primary:        chosen,
		PrimaryBytes:   chosenBytes,
		SecondaryBytes: secondaryBytes,
	}, nil
}

// CreateSecondary creates (and truncates to size) the secondary spill file.
func (p *Provisioner) CreateSecondary(size uint64) (*os.File, string, error) {
	f, err := os.CreateTemp(p.SecondaryDir, "fsremap-storage-*.tmp")
	if err != nil {
		return nil, "", errors.Wrap(err, "storage: failed to create secondary storage file")
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, "", errors.Wrap(err, "storage: failed to size secondary storage file")
	}
	return f, f.Name(), nil
}

func alignExtentBytes(e extent.Extent, blockSize, pageSize uint64) extent.Extent {
	pageBlocks := pageSize / blockSize
	if pageBlocks == 0 {
		pageBlocks = 1
	}
	physical := roundUp(e.Physical, pageBlocks)
	shrink := physical - e.Physical
	if shrink >= e.Length {
		return extent.Extent{}
	}
	length := (e.Length - shrink) / pageBlocks * pageBlocks
	if length == 0 {
		return extent.Extent{}
	}
	return extent.New(physical, e.Logical+shrink, length, e.Tag)
}

func roundUp(v, multiple uint64) uint64 {
	if multiple == 0 {
		return v
	}
	rem := v % multiple
	if rem == 0 {
		return v
	}
	return v + (multiple - rem)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
