package job

import (
	"context"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cosmos72/fsremap-go/engine"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/ioengine"
	"github.com/cosmos72/fsremap-go/storage"
)

// Run drives the full init->analyze->create-storage->relocate->clear->close
// sequence of fr_work<T>::main (work.t.hh), in that order: unmount happens
// at the start of the relocate phase (fr_work<T>::relocate's first action),
// not before analysis, so a dry run (-n) never touches the mount state.
func (j *Job) Run(ctx context.Context, reg prometheus.Registerer) error {
	openArgs := ioengine.Args{
		DevPath:      j.args.DevPath,
		LoopFilePath: j.args.LoopFilePath,
		UmountCmd:    j.args.UmountCmd,
		ForceRun:     j.args.ForceRun,
		SimulateRun:  j.args.SimulateRun,
		JobDir:       j.dir,
	}
	if err := j.backend.Open(ctx, openArgs); err != nil {
		return err
	}

	loopExtents, freeExtents, zeroExtents, blockSize, err := j.backend.ReadExtents(ctx)
	if err != nil {
		j.backend.Close(ctx)
		return err
	}

	// persist what was read, so a resumed --test run can replay this exact
	// layout later (see SUPPLEMENTED FEATURES: exact storage size replay).
	if err := dumpExtentFileBytes(filepath.Join(j.dir, "loop_extents.txt"), loopExtents, blockSize); err != nil {
		j.backend.Close(ctx)
		return err
	}
	if err := dumpExtentFileBytes(filepath.Join(j.dir, "free_space_extents.txt"), freeExtents, blockSize); err != nil {
		j.backend.Close(ctx)
		return err
	}
	if len(zeroExtents) > 0 {
		if err := dumpExtentFileBytes(filepath.Join(j.dir, "to_zero_extents.txt"), zeroExtents, blockSize); err != nil {
			j.backend.Close(ctx)
			return err
		}
	}

	devLength, err := deviceLengthBlocks(ctx, j.backend, blockSize)
	if err != nil {
		j.backend.Close(ctx)
		return err
	}
	realLoopFileLength, err := loopFileLengthBlocks(ctx, j.backend)
	if err != nil {
		j.backend.Close(ctx)
		return err
	}

	j.eng = engine.New(j.log, j.backend, reg)
	ws, err := j.eng.Analyze(ctx, loopExtents, freeExtents, zeroExtents, devLength, realLoopFileLength)
	if err != nil {
		j.backend.Close(ctx)
		return err
	}
	j.log.Info("analysis completed", "blocks_to_relocate", ws.WorkBlocks)

	var exact *storage.ExactSizes
	if j.args.ExactPrimary != nil || j.args.ExactSecondary != nil {
		e := storage.ExactSizes{}
		if j.args.ExactPrimary != nil {
			e.Primary = int64(*j.args.ExactPrimary)
		}
		if j.args.ExactSecondary != nil {
			e.Secondary = int64(*j.args.ExactSecondary)
		}
		exact = &e
	}

	plan, err := j.prov.Plan(ws.PrimaryCandidates, ws.WorkBlocks, blockSize, exact)
	if err != nil {
		j.backend.Close(ctx)
		return err
	}

	requestedPrimary, requestedSecondary := int64(plan.PrimaryBytes), int64(plan.SecondaryBytes)
	primaryBytes, secondaryBytes, err := j.jrnl.CrossCheckSizes(requestedPrimary, requestedSecondary)
	if err != nil {
		j.backend.Close(ctx)
		return err
	}
	if !j.jrnl.Replaying() {
		if err := j.jrnl.WriteSizes(primaryBytes, secondaryBytes); err != nil {
			j.backend.Close(ctx)
			return err
		}
	}

	if err := j.backend.CreateStorage(ctx, plan.Primary, blockSize, secondaryBytes, int64(j.args.RAMBufferBytes)); err != nil {
		j.backend.Close(ctx)
		return err
	}

	// the storage address space is primary (plan.Primary's device-resident
	// candidates, mapped by storage.VirtualStorage) followed by secondary
	// (the spill file), in that order - see CreateStorage's backend
	// implementations.
	storageBlocks := (uint64(primaryBytes) + uint64(secondaryBytes)) / blockSize
	j.eng.SeedStorageFree(storageBlocks)

	// unmount now: everything from here on is destructive and must not run
	// against a still-mounted filesystem.
	if err := j.backend.UmountDev(ctx); err != nil {
		if !j.args.ForceRun {
			j.backend.CloseStorage(ctx)
			j.backend.Close(ctx)
			return err
		}
		j.log.Warn("continuing despite umount failure (--force-run)", "error", err)
	}

	if err := j.eng.Relocate(ctx, j.jrnl, storageBlocks); err != nil {
		j.backend.CloseStorage(ctx)
		j.backend.Close(ctx)
		return err
	}

	if err := j.eng.ClearFreeSpace(ctx, j.args.Clear); err != nil {
		j.backend.CloseStorage(ctx)
		j.backend.Close(ctx)
		return err
	}

	if err := j.backend.CloseStorage(ctx); err != nil {
		j.backend.Close(ctx)
		return err
	}
	return j.backend.Close(ctx)
}

func deviceLengthBlocks(ctx context.Context, backend ioengine.Backend, blockSize uint64) (uint64, error) {
	dl, ok := backend.(ioengine.DeviceLength)
	if !ok {
		return 0, ferr.New(ferr.InternalInvariant, "job: backend does not report a device length")
	}
	bytes, err := dl.DeviceLength(ctx)
	if err != nil {
		return 0, err
	}
	if blockSize == 0 {
		return 0, ferr.New(ferr.InternalInvariant, "job: block size is zero")
	}
	return bytes / blockSize, nil
}

// loopFileLengthBlocks reports the backend's real loop-file length in
// blocks, or 0 if it doesn't implement the optional ioengine.LoopFileLength
// interface at all (unlike device length, this is not mandatory: Relocate's
// checkOddLastBlock then uses only its extent-derived check).
func loopFileLengthBlocks(ctx context.Context, backend ioengine.Backend) (uint64, error) {
	ll, ok := backend.(ioengine.LoopFileLength)
	if !ok {
		return 0, nil
	}
	return ll.LoopFileLength(ctx)
}
