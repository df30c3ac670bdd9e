package engine

import (
	"context"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
)

// ClearFreeSpace implements §4.5.3. to_clear_map is the set Analyze
// computed once (device-renumbered ∪ primary-storage ∪ ZEROED-tagged) and
// is never recomputed here from devTranspose.
func (e *Engine) ClearFreeSpace(ctx context.Context, policy ClearPolicy) error {
	var toZero extent.Vector

	switch policy {
	case ClearAll:
		toZero = append(e.toClearMap.ToVector(), e.devFree.ToVector()...)
	case ClearMinimal:
		toZero = e.toClearMap.ToVector()
	case ClearNone:
		toZero = e.zeroedOnly()
	default:
		return ferr.New(ferr.InvalidArgument, "clear: unknown policy %d", policy)
	}

	for _, z := range toZero {
		if z.Physical == 0 {
			return ferr.New(ferr.InternalInvariant, "clear: refusing to zero physical block 0")
		}
		if err := e.backend.Zero(ctx, extent.DevToDev, z.Physical, z.Length); err != nil {
			return err
		}
	}
	return e.backend.Flush(ctx)
}

// zeroedOnly filters to_clear_map down to ZEROED-tagged extents only, for
// CLEAR_NONE.
func (e *Engine) zeroedOnly() extent.Vector {
	var out extent.Vector
	for _, z := range e.toClearMap.ToVector() {
		if z.Tag == extent.TagZeroed {
			out = append(out, z)
		}
	}
	return out
}
