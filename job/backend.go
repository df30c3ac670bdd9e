package job

import (
	"github.com/hashicorp/go-hclog"

	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/ioengine/posix"
	"github.com/cosmos72/fsremap-go/ioengine/replay"
	"github.com/cosmos72/fsremap-go/ioengine/selftest"
)

func newPosixBackend(log hclog.Logger) (*posix.Backend, error) {
	return posix.New(log)
}

// newTestBackend implements --test: its three CLI arguments are
// DEVICE-LENGTH, LOOP-FILE-EXTENTS and FREE-SPACE-EXTENTS (see the usage
// text in fr_remap::usage in original_source/fsremap/src/remap.cc), not a
// real device and loop file.
func newTestBackend(args Args) (*replay.Backend, error) {
	if args.LoopFilePath == "" || args.TestFreeExtentsPath == "" {
		return nil, ferr.New(ferr.InvalidArgument, "job: --test requires loop-file-extents and free-space-extents paths")
	}
	if args.TestDeviceLength == 0 {
		return nil, ferr.New(ferr.InvalidArgument, "job: --test requires a nonzero device length")
	}
	blockSize := args.SelfTestBlockSize
	if blockSize == 0 {
		blockSize = 1
	}
	return replay.New(args.LoopFilePath, args.TestFreeExtentsPath, args.ZeroFilePath, args.TestDeviceLength, blockSize), nil
}

func newSelfTestBackend(args Args) *selftest.Backend {
	seed := args.SelfTestSeed
	devLen := args.SelfTestDevLenBlocks
	if devLen == 0 {
		devLen = 1 << 16
	}
	blockSize := args.SelfTestBlockSize
	if blockSize == 0 {
		blockSize = 1
	}
	fraction := args.SelfTestLoopFraction
	if fraction <= 0 || fraction >= 1 {
		fraction = 0.6
	}
	return selftest.New(seed, devLen, blockSize, fraction)
}
