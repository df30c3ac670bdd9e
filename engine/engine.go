// Package engine implements the relocation engine (C6): the analysis pass
// that turns a loop-file layout into a fully-resolved working set, the
// move loop that actually relocates blocks through bounded storage, and
// the post-pass that clears residue. Every block index is a plain uint64:
// the original design distinguishes a narrow (uint32) and wide (uint64)
// representation purely to save memory on huge devices, but extent.Map is
// already fixed to uint64 throughout (see extent.Extent), so splitting the
// engine into two generic instantiations would only duplicate the whole
// extent algebra for a memory optimization with no behavioral difference —
// see DESIGN.md for the full reasoning.
package engine

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/ioengine"
	"github.com/cosmos72/fsremap-go/pool"
)

// ClearPolicy selects the post-pass behavior of ClearFreeSpace.
type ClearPolicy int

const (
	ClearAll ClearPolicy = iota
	ClearMinimal
	ClearNone
)

// WorkingSet is the fully-resolved output of Analyze: every block that
// still needs to move, keyed by its current physical location, with a
// destination logical offset inside the loop holes.
type WorkingSet struct {
	Map               *extent.Map
	PrimaryCandidates extent.Vector
	WorkBlocks        uint64
}

// Engine holds the six extent maps and statistics the relocation algorithm
// operates on (§4.5): dev_map/dev_free/dev_transpose and their storage
// analogues, plus to_clear_map.
type Engine struct {
	log     hclog.Logger
	backend ioengine.Backend

	blockSize  uint64
	devLength  uint64 // in blocks

	devMap       *extent.Map // blocks still to relocate, keyed by physical
	devFree      *extent.Map // device physical holes
	devTranspose *extent.Map // devMap keyed by logical

	storageMap       *extent.Map
	storageFree      *extent.Map
	storageTranspose *extent.Map

	toClearMap *extent.Map

	// realLoopFileLength is the loop file's true length in blocks, from
	// ioengine.LoopFileLength, rounded up. Zero means the backend doesn't
	// implement the optional interface: checkOddLastBlock then falls back
	// to the weaker extent-derived check it has always done.
	realLoopFileLength uint64

	metrics *metrics

	TotalCount, UsedCount, FreeCount uint64
}

type metrics struct {
	blocksRelocated   prometheus.Counter
	storageFillCycles prometheus.Counter
	journalWrites     prometheus.Counter
	copyLatency       prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		blocksRelocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fsremap_blocks_relocated_total",
			Help: "Number of blocks physically relocated so far.",
		}),
		storageFillCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fsremap_storage_fill_cycles_total",
			Help: "Number of times the move loop ran fillStorage.",
		}),
		journalWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fsremap_journal_writes_total",
			Help: "Number of progress tuples appended to the persistence journal.",
		}),
		copyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "fsremap_copy_latency_seconds",
			Help: "Latency of individual backend Copy calls.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.blocksRelocated, m.storageFillCycles, m.journalWrites, m.copyLatency)
	}
	return m
}

// New builds an Engine around backend, logging through log and registering
// metrics against reg (nil disables registration, e.g. in tests).
func New(log hclog.Logger, backend ioengine.Backend, reg prometheus.Registerer) *Engine {
	return &Engine{
		log:     log,
		backend: backend,
		metrics: newMetrics(reg),
	}
}

// Analyze implements §4.5.1 steps 1-10. realLoopFileLength is the loop
// file's real length in blocks as reported by ioengine.LoopFileLength (0 if
// the backend doesn't implement that optional interface); it is only
// carried through to Relocate's checkOddLastBlock. loop_holes is bounded by
// devLength, not by any loop-file length.
func (e *Engine) Analyze(ctx context.Context, loopExtents, freeExtents, zeroExtents extent.Vector, devLength, realLoopFileLength uint64) (*WorkingSet, error) {
	e.devLength = devLength
	e.realLoopFileLength = realLoopFileLength

	// step 4 (done first so later maps see ZEROED extents already moved):
	// ZEROED extents move out of loop_map into both free_map and
	// to_clear_map.
	var zeroedLoop extent.Vector
	loopRest := loopExtents[:0:0]
	for _, le := range loopExtents {
		if le.Tag == extent.TagZeroed {
			zeroedLoop = append(zeroedLoop, le)
		} else {
			loopRest = append(loopRest, le)
		}
	}
	freeExtents = append(append(extent.Vector{}, freeExtents...), zeroedLoop...)
	freeExtents.SortByPhysical()

	e.toClearMap = extent.NewMap()
	e.toClearMap.InsertAll(zeroedLoop)
	for _, ze := range zeroExtents {
		e.toClearMap.Insert0(ze)
	}

	// step 1: loop_holes = complement_logical(loop_extents), bounded by the
	// DEVICE's length, not the loop file's own extent-derived coverage: the
	// loop file is destined to occupy the whole device once relocated in
	// place, so any device-length logical position past the last declared
	// loop extent is just as much a hole as a gap between two loop extents
	// (mirrors work.t.hh:314's complement0_logical_shift(..., dev_length)).
	loopByLogical := append(extent.Vector{}, loopRest...)
	loopByLogical.SortByLogical()
	loopHoles := extent.ComplementLogical(loopByLogical, e.devLength)

	// step 2: loop_map sorted by physical
	loopMap := extent.NewMap()
	loopMap.InsertAll(loopRest)

	// step 3: loop_map ∩ free_map (PHYSICAL1) must be empty
	freeMap := extent.NewMap()
	freeMap.InsertAll(freeExtents)
	clash := extent.IntersectMaps(loopMap, freeMap, extent.MatchPhysical1)
	if !clash.Empty() {
		return nil, ferr.New(ferr.InconsistentEnumeration,
			"analyze: %d block(s) claimed by both the loop file and device free space", clash.Len())
	}

	// step 5: dev_map = complement_physical(loop_extents ∪ free_extents)
	used := append(append(extent.Vector{}, loopRest...), freeExtents...)
	used.SortByPhysical()
	devMap := extent.ComplementPhysical(used, e.devLength)

	// step 6: find dev_map extents that are already in their final
	// destination. Both complement_physical and complement_logical stamp
	// Logical == Physical as a placeholder, so a plain Physical==Logical
	// test on dev_map alone is always true and proves nothing; the genuine
	// invariant condition is a dev_map extent whose physical position is
	// ALSO a logical hole at that same offset (MatchBoth requires aligned
	// shift, and both operands carry shift 0, so this reduces to exactly
	// that coincidence). Such extents need no relocation: remove them from
	// both dev_map and loop_holes, since the hole they'd have filled is no
	// longer free.
	invariant := extent.IntersectMaps(devMap, loopHoles, extent.MatchBoth)
	for _, iv := range invariant.ToVector() {
		devMap.Remove(iv)
		loopHoles.Remove(iv)
	}

	// step 7: best-fit renumber dev_map into loop_holes.
	p := pool.Build(loopHoles)
	renumbered := extent.NewMap()
	p.AllocateAll(devMap, renumbered)

	// step 8: residual after allocation is a self-inconsistent layout.
	if !devMap.Empty() {
		return nil, ferr.New(ferr.NoSpace,
			"analyze: %d block(s) of device data have no destination inside the loop file's holes", devMap.Len())
	}

	// step 9: merge renumbered device extents with surviving loop-file
	// extents into the working set, tagging source.
	ws := extent.NewMap()
	for _, le := range loopRest {
		if le.Physical == le.Logical {
			continue // invariant, needs no relocation
		}
		ws.Insert0(extent.New(le.Physical, le.Logical, le.Length, extent.TagLoopFile))
	}
	for _, re := range renumbered.ToVector() {
		ws.Insert0(extent.New(re.Physical, re.Logical, re.Length, extent.TagDevice))
	}

	e.devMap = ws
	e.devTranspose = ws.Transpose()
	e.devFree = freeMap

	// step 10: transpose(working set) ∩ device free space (PHYSICAL1) seeds
	// the primary-storage candidates.
	primaryCandidates := extent.IntersectMaps(e.devTranspose, e.devFree, extent.MatchPhysical1).ToVector()

	// to_clear_map is device-renumbered ∪ primary-storage ∪ ZEROED-tagged
	// (already seeded above): once the move loop finishes, a TagDevice
	// entry's Physical field is the old position of data that has since
	// been relocated elsewhere, and every primary-storage candidate held
	// scratch data during the move — both need zeroing under
	// CLEAR_MINIMAL, not just the extents that were ZEROED up front.
	for _, re := range renumbered.ToVector() {
		e.toClearMap.Insert0(extent.New(re.Physical, re.Physical, re.Length, extent.TagDevice))
	}
	for _, pc := range primaryCandidates {
		e.toClearMap.Insert0(extent.New(pc.Physical, pc.Physical, pc.Length, extent.TagDefault))
	}

	workBlocks := ws.ToVector().TotalLength()

	e.storageMap = extent.NewMap()
	e.storageFree = extent.NewMap()
	e.storageTranspose = extent.NewMap()

	e.TotalCount = workBlocks
	e.FreeCount = e.devFree.ToVector().TotalLength()

	return &WorkingSet{Map: ws, PrimaryCandidates: primaryCandidates, WorkBlocks: workBlocks}, nil
}

