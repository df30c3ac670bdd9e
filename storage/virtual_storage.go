package storage

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/cosmos72/fsremap-go/ferr"
)

// PrimarySegment is one device-resident span chosen as primary storage: a
// byte range of primaryFile (the device itself) at FileOffset, Bytes long.
// The provisioner's chosen candidates are rarely a single contiguous run
// (fr_work<T>::fill_io_primary_storage in the original keeps a whole
// fragment vector rather than demanding one span), so VirtualStorage maps
// one segment at a time and presents their concatenation as one logical
// address range.
type PrimarySegment struct {
	FileOffset int64
	Bytes      uint64
}

// VirtualStorage presents primary (device-resident free space, possibly
// fragmented across several segments) and secondary (spill file) regions as
// one contiguous logical byte range, addressed by a single storage offset.
// The engine reads and writes storage extents without ever knowing which
// segment or region backs a given offset.
type VirtualStorage struct {
	primarySegs []primarySeg
	secondary   mmap.MMap

	primaryFile   *os.File
	secondaryFile *os.File

	primaryBytes   uint64
	secondaryBytes uint64
}

type primarySeg struct {
	data mmap.MMap
	off  uint64 // logical offset (within the primary region) this segment starts at
}

// Open maps each of primary's segments from primaryFile and secondaryFile
// over the secondary region, in that logical order (primary first). If any
// mapping fails, the segments already mapped are unmapped again and Open
// returns an error (ferr.InternalInvariant when the secondary mapping is the
// one that fails).
func Open(primaryFile *os.File, primary []PrimarySegment, secondaryFile *os.File, secondaryBytes uint64) (*VirtualStorage, error) {
	vs := &VirtualStorage{primaryFile: primaryFile, secondaryFile: secondaryFile, secondaryBytes: secondaryBytes}

	var cum uint64
	for _, seg := range primary {
		if seg.Bytes == 0 {
			continue
		}
		m, err := mmap.MapRegion(primaryFile, int(seg.Bytes), mmap.RDWR, 0, seg.FileOffset)
		if err != nil {
			vs.Close()
			return nil, errors.Wrap(err, "storage: failed to map primary storage segment")
		}
		vs.primarySegs = append(vs.primarySegs, primarySeg{data: m, off: cum})
		cum += seg.Bytes
	}
	vs.primaryBytes = cum

	if secondaryBytes > 0 {
		secondary, err := mmap.MapRegion(secondaryFile, int(secondaryBytes), mmap.RDWR, 0, 0)
		if err != nil {
			vs.Close()
			return nil, ferr.Wrap(ferr.InternalInvariant, err, "storage: failed to map secondary storage region after primary succeeded")
		}
		vs.secondary = secondary
	}

	return vs, nil
}

// region returns the byte slice and relative offset backing a storage
// offset, selecting the matching primary segment or the secondary region.
func (vs *VirtualStorage) region(offset uint64) (mmap.MMap, uint64, error) {
	if offset < vs.primaryBytes {
		for _, seg := range vs.primarySegs {
			if rel := offset - seg.off; offset >= seg.off && rel < uint64(len(seg.data)) {
				return seg.data, rel, nil
			}
		}
		return nil, 0, ferr.New(ferr.InternalInvariant, "storage: read from unmapped primary region at offset %d", offset)
	}
	rel := offset - vs.primaryBytes
	if vs.secondary == nil {
		return nil, 0, ferr.New(ferr.InternalInvariant, "storage: read from unmapped secondary region at offset %d", offset)
	}
	return vs.secondary, rel, nil
}

// ReadAt copies len(p) bytes starting at storage offset off into p. The
// range must lie entirely within one segment or the secondary region;
// callers split requests that straddle a boundary beforehand.
func (vs *VirtualStorage) ReadAt(p []byte, off uint64) error {
	region, rel, err := vs.region(off)
	if err != nil {
		return err
	}
	if rel+uint64(len(p)) > uint64(len(region)) {
		return ferr.New(ferr.InternalInvariant, "storage: read at %d length %d crosses region boundary", off, len(p))
	}
	copy(p, region[rel:rel+uint64(len(p))])
	return nil
}

// WriteAt copies p into storage at offset off.
func (vs *VirtualStorage) WriteAt(p []byte, off uint64) error {
	region, rel, err := vs.region(off)
	if err != nil {
		return err
	}
	if rel+uint64(len(p)) > uint64(len(region)) {
		return ferr.New(ferr.InternalInvariant, "storage: write at %d length %d crosses region boundary", off, len(p))
	}
	copy(region[rel:rel+uint64(len(p))], p)
	return nil
}

// Flush pushes dirty pages of every mapped region to their backing files.
func (vs *VirtualStorage) Flush() error {
	for _, seg := range vs.primarySegs {
		if err := seg.data.Flush(); err != nil {
			return errors.Wrap(err, "storage: failed to flush primary storage segment")
		}
	}
	if vs.secondary != nil {
		if err := vs.secondary.Flush(); err != nil {
			return errors.Wrap(err, "storage: failed to flush secondary storage")
		}
	}
	return nil
}

// Close unmaps every region. The underlying files are the caller's to close.
func (vs *VirtualStorage) Close() error {
	var firstErr error
	for _, seg := range vs.primarySegs {
		if err := seg.data.Unmap(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "storage: failed to unmap primary storage segment")
		}
	}
	if vs.secondary != nil {
		if err := vs.secondary.Unmap(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "storage: failed to unmap secondary storage")
		}
	}
	return firstErr
}
