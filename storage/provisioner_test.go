package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
)

func TestPlanSelectsLargestCandidatesFirst(t *testing.T) {
	r := require.New(t)

	p := &Provisioner{FreeRAMFunc: func() (uint64, error) { return 1 << 30, nil }}

	candidates := extent.Vector{
		extent.New(0, 0, 1, extent.TagDefault),
		extent.New(100, 100, 1000, extent.TagDefault),
		extent.New(2000, 2000, 10, extent.TagDefault),
	}

	plan, err := p.Plan(candidates, 100, 4096, nil)
	r.NoError(err)
	r.NotEmpty(plan.Primary)
	// the largest candidate (length 1000) must be picked before the tiny ones
	r.Equal(uint64(100), plan.Primary[0].Physical)
}

func TestPlanExactSizesFailsOnShortfall(t *testing.T) {
	r := require.New(t)

	p := &Provisioner{FreeRAMFunc: func() (uint64, error) { return 1 << 30, nil }}

	candidates := extent.Vector{
		extent.New(0, 0, 1, extent.TagDefault),
	}

	_, err := p.Plan(candidates, 100, 4096, &ExactSizes{Primary: 1 << 20, Secondary: 0})
	r.Error(err)
	r.True(ferr.Is(err, ferr.NoSpace))
}

func TestPlanExactSizesSucceedsWithEnoughSpace(t *testing.T) {
	r := require.New(t)

	p := &Provisioner{FreeRAMFunc: func() (uint64, error) { return 1 << 30, nil }}

	candidates := extent.Vector{
		extent.New(0, 0, 4096, extent.TagDefault), // 4096 blocks * 4096 bytes = 16MiB
	}

	plan, err := p.Plan(candidates, 100, 4096, &ExactSizes{Primary: 1 << 20, Secondary: 1 << 16})
	r.NoError(err)
	r.GreaterOrEqual(plan.PrimaryBytes, uint64(1<<20))
	r.EqualValues(1<<16, plan.SecondaryBytes)
}
