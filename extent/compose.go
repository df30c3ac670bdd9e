package extent

import "github.com/cosmos72/fsremap-go/ferr"

// Compose walks aOverC (A mapped onto shared coordinate C) and bOverC (B
// mapped onto C) in lock-step over C, producing a Map from A to B. A hole in
// aOverC's coverage of C is not an error: the corresponding sub-range of
// bOverC is appended to unmapped instead, in B's own coordinates (mirrors
// original_source/fsremap/src/vector.t.hh:259-266's "insert the unmapped
// b<->c fragment" branch). Grounded on fr_io_prealloc's read_extents_file:
// A is a placeholder file's extents inside DEVICE, B is the real file's
// extents wherever it actually lives, C is their shared byte offset; the
// composed A<->B map gives device-physical positions for everything A
// already covers, and unmapped flags the rest for zeroing.
//
// Fails with ferr.InvalidFilesystem only if a range covered by aOverC
// extends past the end of bOverC's coverage in C — the one direction Compose
// cannot recover from, since there would be nothing in B left to map it to
// (§4.1 Compose).
func Compose(aOverC, bOverC *Map) (abMap *Map, unmapped Vector, err error) {
	av := aOverC.ToVector()
	av.SortByLogical() // "C" coordinate is stored as Logical for both inputs
	bv := bOverC.ToVector()
	bv.SortByLogical()

	abMap = NewMap()
	i, j := 0, 0
	var cursorC uint64

	for j < len(bv) {
		b := bv[j]
		if b.LogicalEnd() <= cursorC {
			// b is fully consumed (not merely started before cursorC).
			j++
			continue
		}
		if b.Logical > cursorC {
			// gap in B before this entry: nothing to map, nothing to flag.
			cursorC = b.Logical
		}

		// advance A to cover cursorC
		for i < len(av) && av[i].LogicalEnd() <= cursorC {
			i++
		}
		if i >= len(av) || av[i].Logical > cursorC {
			// A has no coverage here: the corresponding slice of B is unmapped.
			lim := b.LogicalEnd()
			if i < len(av) && av[i].Logical < lim {
				lim = av[i].Logical
			}
			unmapped = unmapped.AppendMerge(Extent{
				Physical: b.Physical + (cursorC - b.Logical),
				Logical:  cursorC,
				Length:   lim - cursorC,
				Tag:      b.Tag,
			})
			cursorC = lim
			if cursorC >= b.LogicalEnd() {
				j++
			}
			continue
		}

		a := av[i]
		lim := b.LogicalEnd()
		if a.LogicalEnd() < lim {
			lim = a.LogicalEnd()
		}
		length := lim - cursorC
		if length == 0 {
			j++
			continue
		}

		aPhys := a.Physical + (cursorC - a.Logical)
		bPhys := b.Physical + (cursorC - b.Logical)
		abMap.Insert(Extent{Physical: aPhys, Logical: bPhys, Length: length, Tag: b.Tag})

		cursorC += length
		if cursorC >= b.LogicalEnd() {
			j++
		}
		if cursorC >= a.LogicalEnd() {
			i++
		}
	}

	// If A still has coverage left that B never reached, that's the "A
	// extends past the end of B's coverage" failure mode. av[i] itself may
	// be only partially consumed (cursorC can sit strictly inside it), so
	// check its end rather than its start; every entry after av[i] starts
	// at or past av[i].LogicalEnd() (av is sorted) and is beyond cursorC too.
	if i < len(av) && av[i].LogicalEnd() > cursorC {
		return nil, nil, ferr.New(ferr.InvalidFilesystem,
			"composed map A has coverage at C=%d..%d beyond B's coverage", av[i].Logical, av[i].LogicalEnd())
	}

	return abMap, unmapped, nil
}
