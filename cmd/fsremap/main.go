// Command fsremap relocates a loop file's content to the start of a device
// in place, freeing the space after it for use as a replacement filesystem.
// See SPEC_FULL.md / original_source/fsremap/src/remap.cc for the
// command-line contract this mirrors.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cosmos72/fsremap-go/engine"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/job"
	"github.com/cosmos72/fsremap-go/sizeutil"
	"github.com/cosmos72/fsremap-go/ui"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	var (
		quiet, veryQuiet                       bool
		verbose, veryVerbose, veryVeryVerbose  bool
		forceRun, simulateRun                  bool
		rootDir                                string
		jobID                                  uint64
		umountCmd                              string
		ramSize, secSize                       string
		exactPrimary, exactSecondary           string
		clearAll, clearMinimal, clearNone      bool
		usePosix, useTest, useSelfTest         bool
		progressTTY                            string
		selfTestSeed                           uint64
		selfTestDevBlocks                      uint64
		selfTestBlockSize                      uint64
	)

	cmd := &cobra.Command{
		Use:   "fsremap DEVICE LOOP-FILE [ZERO-FILE]",
		Short: "relocate a loop file's content to the start of a device, in place",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := verbosityLevel(veryQuiet, quiet, verbose, veryVerbose, veryVeryVerbose)
			log := hclog.New(&hclog.LoggerOptions{Name: "fsremap", Level: level})

			clear, err := resolveClearPolicy(clearAll, clearMinimal, clearNone)
			if err != nil {
				return reportAndReturn(log, err)
			}
			backendKind, err := resolveBackendKind(usePosix, useTest, useSelfTest)
			if err != nil {
				return reportAndReturn(log, err)
			}

			jargs := job.Args{
				DevPath:      args[0],
				LoopFilePath: args[1],
				RootDir:      rootDir,
				JobID:        jobID,
				ForceRun:     forceRun,
				SimulateRun:  simulateRun,
				UmountCmd:    umountCmd,
				Clear:        clear,
				Backend:      backendKind,
				SelfTestSeed: selfTestSeed,
				SelfTestDevLenBlocks: selfTestDevBlocks,
				SelfTestBlockSize:    selfTestBlockSize,
			}
			if len(args) == 3 {
				jargs.ZeroFilePath = args[2]
			}
			if backendKind == job.BackendTest {
				jargs.LoopFilePath = args[1]
				jargs.TestFreeExtentsPath = args[2]
				n, err := sizeutil.ParseScaled(args[0])
				if err != nil {
					return reportAndReturn(log, err)
				}
				jargs.TestDeviceLength = n
			}

			if ramSize != "" {
				n, err := sizeutil.ParseScaled(ramSize)
				if err != nil {
					return reportAndReturn(log, err)
				}
				jargs.RAMBufferBytes = n
			}
			if secSize != "" {
				n, err := sizeutil.ParseScaled(secSize)
				if err != nil {
					return reportAndReturn(log, err)
				}
				jargs.SecondaryBytes = n
			}
			if exactPrimary != "" {
				n, err := sizeutil.ParseScaled(exactPrimary)
				if err != nil {
					return reportAndReturn(log, err)
				}
				jargs.ExactPrimary = &n
			}
			if exactSecondary != "" {
				n, err := sizeutil.ParseScaled(exactSecondary)
				if err != nil {
					return reportAndReturn(log, err)
				}
				jargs.ExactSecondary = &n
			}

			var tty *ui.TTY
			if progressTTY != "" {
				tty, err = ui.Open(progressTTY)
				if err != nil {
					return reportAndReturn(log, err)
				}
				defer tty.Close()
				tty.Update(time.Now(), 1, 0)
			}

			ctx := context.Background()
			j, err := job.Open(ctx, log, jargs)
			if err != nil {
				return reportAndReturn(log, err)
			}
			defer j.Close()

			reg := prometheus.NewRegistry()
			runErr := j.Run(ctx, reg)
			if tty != nil {
				if runErr == nil {
					tty.Update(time.Now(), 1, 1)
				}
				tty.Done()
			}
			if runErr != nil {
				return reportAndReturn(log, runErr)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&quiet, "quiet", "q", false, "reduce verbosity")
	flags.BoolVar(&veryQuiet, "qq", false, "reduce verbosity further")
	flags.BoolVarP(&verbose, "verbose", "v", false, "increase verbosity")
	flags.BoolVar(&veryVerbose, "vv", false, "increase verbosity further")
	flags.BoolVar(&veryVeryVerbose, "vvv", false, "maximum verbosity (trace)")
	flags.BoolVarP(&forceRun, "force-run", "f", false, "degrade sanity failures to warnings")
	flags.BoolVarP(&simulateRun, "simulate-run", "n", false, "do not perform any I/O")
	flags.StringVarP(&rootDir, "dir", "t", "", "directory for journal and logs (default $HOME)")
	flags.Uint64VarP(&jobID, "job", "j", 0, "choose or resume a job id (0 picks a free one)")
	flags.StringVar(&umountCmd, "umount-cmd", "", "command to unmount the device")
	flags.StringVarP(&ramSize, "ram", "m", "", "memory buffer size (k|M|G|T|P|E|Z|Y suffix)")
	flags.StringVarP(&secSize, "storage", "s", "", "secondary storage size")
	flags.StringVar(&exactPrimary, "xp", "", "exact primary storage size")
	flags.StringVar(&exactSecondary, "xs", "", "exact secondary storage size")
	flags.BoolVar(&clearAll, "clear-all", false, "clear all free blocks after remapping (default)")
	flags.BoolVar(&clearMinimal, "clear-minimal", false, "DANGEROUS! clear only overwritten free blocks")
	flags.BoolVar(&clearNone, "clear-none", false, "DANGEROUS! do not clear any free blocks")
	flags.BoolVar(&usePosix, "posix", false, "use POSIX I/O (default)")
	flags.BoolVar(&useTest, "test", false, "use test I/O: DEVICE-LENGTH LOOP-FILE-EXTENTS FREE-SPACE-EXTENTS")
	flags.BoolVar(&useSelfTest, "self-test", false, "perform a self-test with randomized data, no device required")
	flags.StringVar(&progressTTY, "progress-tty", "", "device to render progress to")
	flags.Uint64Var(&selfTestSeed, "self-test-seed", 1, "PRNG seed for --self-test")
	flags.Uint64Var(&selfTestDevBlocks, "self-test-dev-blocks", 1<<16, "simulated device length in blocks for --self-test")
	flags.Uint64Var(&selfTestBlockSize, "self-test-block-size", 4096, "simulated block size for --self-test")

	cmd.SetArgs(argv)
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func verbosityLevel(veryQuiet, quiet, verbose, veryVerbose, veryVeryVerbose bool) hclog.Level {
	switch {
	case veryQuiet:
		return hclog.Warn
	case quiet:
		return hclog.Info
	case veryVeryVerbose:
		return hclog.Trace
	case veryVerbose:
		return hclog.Debug
	case verbose:
		return hclog.Info
	default:
		return hclog.Info
	}
}

func resolveClearPolicy(all, minimal, none bool) (engine.ClearPolicy, error) {
	n := 0
	for _, b := range []bool{all, minimal, none} {
		if b {
			n++
		}
	}
	if n > 1 {
		return 0, ferr.New(ferr.InvalidArgument, "--clear-all, --clear-minimal and --clear-none are mutually exclusive")
	}
	switch {
	case minimal:
		return engine.ClearMinimal, nil
	case none:
		return engine.ClearNone, nil
	default:
		return engine.ClearAll, nil
	}
}

func resolveBackendKind(posix, test, selfTest bool) (job.BackendKind, error) {
	n := 0
	for _, b := range []bool{posix, test, selfTest} {
		if b {
			n++
		}
	}
	if n > 1 {
		return 0, ferr.New(ferr.InvalidArgument, "--posix, --test and --self-test are mutually exclusive")
	}
	switch {
	case test:
		return job.BackendTest, nil
	case selfTest:
		return job.BackendSelfTest, nil
	default:
		return job.BackendPosix, nil
	}
}

// reportAndReturn logs err at ERROR/FATAL exactly once (marking it reported,
// mirroring the sign-bit convention's "already logged" bookkeeping) and
// returns it so RunE's caller treats the run as failed.
func reportAndReturn(log hclog.Logger, err error) error {
	if ferr.IsReported(err) {
		return err
	}
	if ferr.Is(err, ferr.InternalInvariant) {
		log.Error("internal invariant violation", "error", err)
	} else {
		log.Error(fmt.Sprint(err))
	}
	ferr.MarkReported(err)
	return err
}
