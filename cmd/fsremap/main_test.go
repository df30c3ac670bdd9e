package main

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/cosmos72/fsremap-go/engine"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/job"
)

func TestVerbosityLevelMapping(t *testing.T) {
	r := require.New(t)
	r.Equal(hclog.Warn, verbosityLevel(true, false, false, false, false))
	r.Equal(hclog.Info, verbosityLevel(false, true, false, false, false))
	r.Equal(hclog.Info, verbosityLevel(false, false, false, false, false))
	r.Equal(hclog.Info, verbosityLevel(false, false, true, false, false))
	r.Equal(hclog.Debug, verbosityLevel(false, false, false, true, false))
	r.Equal(hclog.Trace, verbosityLevel(false, false, false, false, true))
}

func TestResolveClearPolicyDefaultsToAll(t *testing.T) {
	r := require.New(t)
	p, err := resolveClearPolicy(false, false, false)
	r.NoError(err)
	r.Equal(engine.ClearAll, p)
}

func TestResolveClearPolicyHonorsEachFlag(t *testing.T) {
	r := require.New(t)

	p, err := resolveClearPolicy(true, false, false)
	r.NoError(err)
	r.Equal(engine.ClearAll, p)

	p, err = resolveClearPolicy(false, true, false)
	r.NoError(err)
	r.Equal(engine.ClearMinimal, p)

	p, err = resolveClearPolicy(false, false, true)
	r.NoError(err)
	r.Equal(engine.ClearNone, p)
}

func TestResolveClearPolicyRejectsMultipleFlags(t *testing.T) {
	r := require.New(t)
	_, err := resolveClearPolicy(true, true, false)
	r.Error(err)
	r.True(ferr.Is(err, ferr.InvalidArgument))
}

func TestResolveBackendKindDefaultsToPosix(t *testing.T) {
	r := require.New(t)
	k, err := resolveBackendKind(false, false, false)
	r.NoError(err)
	r.Equal(job.BackendPosix, k)
}

func TestResolveBackendKindRejectsMultipleFlags(t *testing.T) {
	r := require.New(t)
	_, err := resolveBackendKind(false, true, true)
	r.Error(err)
	r.True(ferr.Is(err, ferr.InvalidArgument))
}
