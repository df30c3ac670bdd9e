package engine

import (
	"context"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/journal"
)

// SeedStorageFree initializes the storage free-space map with the primary
// and secondary storage regions the provisioner selected, expressed as
// logical storage offsets (0..primaryBlocks+secondaryBlocks). Must be
// called once after Analyze and before Relocate.
func (e *Engine) SeedStorageFree(totalBlocks uint64) {
	if totalBlocks == 0 {
		return
	}
	e.storageFree.Insert(extent.New(0, 0, totalBlocks, extent.TagDefault))
}

// Relocate runs the fillStorage / moveToTarget(DEV) / moveToTarget(STORAGE)
// cycle of §4.5.2 until the working set and storage are both empty.
// storageCapacity bounds how many blocks of auxiliary storage are
// available (K in the spec).
func (e *Engine) Relocate(ctx context.Context, jrnl *journal.Journal, storageCapacity uint64) error {
	if err := e.checkOddLastBlock(); err != nil {
		return err
	}

	for !e.devMap.Empty() || !e.storageMap.Empty() {
		if !e.devMap.Empty() && e.storageFreeLen() > 0 {
			if err := e.fillStorage(ctx, storageCapacity); err != nil {
				return err
			}
			e.metrics.storageFillCycles.Inc()
		}

		movedDev, err := e.moveToTarget(ctx, extent.SideDev)
		if err != nil {
			return err
		}
		movedStorage, err := e.moveToTarget(ctx, extent.SideStorage)
		if err != nil {
			return err
		}

		remainingDev := e.devMap.ToVector().TotalLength()
		remainingStorage := e.storageMap.ToVector().TotalLength()
		if err := jrnl.Next(remainingDev, remainingStorage); err != nil {
			return err
		}
		e.metrics.journalWrites.Inc()

		if movedDev == 0 && movedStorage == 0 && (!e.devMap.Empty() || !e.storageMap.Empty()) {
			// neither source made progress and storage could not absorb
			// anything new either: the permutation is stuck, which should
			// be impossible if Analyze's invariant held.
			return ferr.New(ferr.InternalInvariant, "relocate: no progress possible with %d dev block(s) and %d storage block(s) remaining", e.devMap.Len(), e.storageMap.Len())
		}
	}
	return nil
}

// checkOddLastBlock fails with FileTooLarge before the move loop starts if
// the loop file's length is not a multiple of the block size and exceeds
// the rounded-down device length (there is no destination for the odd
// tail).
func (e *Engine) checkOddLastBlock() error {
	// realLoopFileLength (stat-based, from ioengine.LoopFileLength) catches
	// the case extent enumeration alone cannot: a sparse loop file whose
	// true length exceeds the device via a trailing unallocated hole with
	// no FIEMAP extent at all, so it never shows up in devMap/loopByLogical.
	if e.realLoopFileLength > 0 && e.realLoopFileLength > e.devLength {
		return ferr.New(ferr.FileTooLarge, "relocate: loop file is %d block(s) long, device only has %d", e.realLoopFileLength, e.devLength)
	}

	// the working set (built in Analyze) already expresses every quantity
	// in whole blocks; an odd tail manifests as a logical destination at or
	// beyond devLength once rounded.
	var maxLogical uint64
	e.devMap.Ascend(func(ex extent.Extent) bool {
		if end := ex.LogicalEnd(); end > maxLogical {
			maxLogical = end
		}
		return true
	})
	if maxLogical > e.devLength {
		return ferr.New(ferr.FileTooLarge, "relocate: loop file's layout requires %d blocks, device only has %d", maxLogical, e.devLength)
	}
	return nil
}

func (e *Engine) storageFreeLen() uint64 {
	return e.storageFree.ToVector().TotalLength()
}

// fillStorage walks devMap in physical order, placing as much as possible
// into storage's free extents, until storage has no free blocks or devMap
// is exhausted.
func (e *Engine) fillStorage(ctx context.Context, capacity uint64) error {
	for !e.devMap.Empty() {
		freeLen := e.storageFreeLen()
		if freeLen == 0 {
			return nil
		}

		var src extent.Extent
		found := false
		e.devMap.Ascend(func(ex extent.Extent) bool {
			src = ex
			found = true
			return false
		})
		if !found {
			return nil
		}

		var dst extent.Extent
		dstFound := false
		e.storageFree.Ascend(func(ex extent.Extent) bool {
			dst = ex
			dstFound = true
			return false
		})
		if !dstFound {
			return nil
		}

		n := src.Length
		if dst.Length < n {
			n = dst.Length
		}
		if capacity > 0 && n > capacity {
			n = capacity
		}

		// physically copy the device blocks into storage before the maps
		// are renumbered to reflect the move.
		dir := extent.Dir{From: extent.SideDev, To: extent.SideStorage}
		if err := e.backend.Copy(ctx, dir, src.Physical, dst.Physical, n); err != nil {
			return err
		}
		if err := e.backend.Flush(ctx); err != nil {
			return err
		}

		// place src[:n] at storage offset dst.Physical
		e.devMap.Remove(extent.New(src.Physical, src.Logical, n, src.Tag))
		e.devTranspose.Remove(extent.New(src.Logical, src.Physical, n, src.Tag))
		e.devFree.Insert(extent.New(src.Physical, src.Physical, n, extent.TagDefault))

		e.storageFree.Remove(extent.New(dst.Physical, dst.Logical, n, dst.Tag))

		placed := extent.New(dst.Physical, src.Logical, n, src.Tag)
		e.storageMap.Insert0(placed)
		e.storageTranspose.Insert0(placed.Transpose())

		e.metrics.blocksRelocated.Add(float64(n))
	}
	return nil
}

// moveToTarget copies every block of source whose destination physical
// range is currently free on the device, in target-physical order.
func (e *Engine) moveToTarget(ctx context.Context, source extent.Side) (uint64, error) {
	var sourceMap, sourceTranspose *extent.Map
	if source == extent.SideDev {
		sourceMap, sourceTranspose = e.devMap, e.devTranspose
	} else {
		sourceMap, sourceTranspose = e.storageMap, e.storageTranspose
	}

	movable := extent.IntersectMaps(sourceTranspose, e.devFree, extent.MatchPhysical1)
	if movable.Empty() {
		return 0, nil
	}

	var moved uint64
	for _, m := range movable.ToVector() {
		// m is in transpose space: Physical=logical destination, Logical=
		// source physical (see extent.Extent.Transpose). The destination we
		// copy to is m.Physical; the source we copy from is m.Logical.
		dir := extent.Dir{From: source, To: extent.SideDev}
		if err := e.backend.Copy(ctx, dir, m.Logical, m.Physical, m.Length); err != nil {
			return moved, err
		}
		if err := e.backend.Flush(ctx); err != nil {
			return moved, err
		}

		sourceMap.Remove(extent.New(m.Logical, m.Physical, m.Length, m.Tag))
		sourceTranspose.Remove(extent.New(m.Physical, m.Logical, m.Length, m.Tag))
		e.devFree.Remove(extent.New(m.Physical, m.Physical, m.Length, extent.TagDefault))

		if source == extent.SideStorage {
			e.storageFree.Insert(extent.New(m.Logical, m.Logical, m.Length, extent.TagDefault))
		} else {
			e.devFree.Insert(extent.New(m.Logical, m.Logical, m.Length, extent.TagDefault))
		}

		moved += m.Length
		e.metrics.blocksRelocated.Add(float64(m.Length))
	}
	return moved, nil
}
