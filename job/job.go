// Package job implements the orchestrator (C8): it resolves a job directory
// under <dir>/.fsremap/job.<id>, opens the persistence journal and extent
// dump files, wires together an ioengine.Backend, storage.Provisioner,
// journal.Journal and engine.Engine, and drives the init->analyze->
// create-storage->relocate->clear->close sequence. Grounded on fr_job
// (job directory and id allocation) and fr_work<T>::main/run
// (the call sequence) in original_source/fsremap/src/job.cc and
// work.t.hh.
package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/cosmos72/fsremap-go/engine"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/ioengine"
	"github.com/cosmos72/fsremap-go/journal"
	"github.com/cosmos72/fsremap-go/storage"
)

// BackendKind selects which ioengine.Backend implementation drives the run.
type BackendKind int

const (
	BackendPosix BackendKind = iota
	BackendTest
	BackendSelfTest
)

// Args mirrors the CLI surface of §6: everything cmd/fsremap parses out of
// flags and positional arguments before handing off to Job.
type Args struct {
	DevPath      string
	LoopFilePath string
	ZeroFilePath string

	RootDir string // --dir; empty means $HOME
	JobID   uint64 // --job; 0 means "pick a free id"

	ForceRun    bool
	SimulateRun bool
	UmountCmd   string

	RAMBufferBytes   uint64
	SecondaryBytes   uint64 // 0 means "let the provisioner decide"
	ExactPrimary     *uint64
	ExactSecondary   *uint64

	Clear engine.ClearPolicy

	Backend BackendKind

	SelfTestSeed         uint64
	SelfTestDevLenBlocks uint64
	SelfTestBlockSize    uint64
	SelfTestLoopFraction float64

	// TestDeviceLength and TestFreeExtentsPath are only consulted when
	// Backend == BackendTest: --test's three arguments are DEVICE-LENGTH,
	// LOOP-FILE-EXTENTS (read from LoopFilePath) and FREE-SPACE-EXTENTS
	// (TestFreeExtentsPath), per fr_remap's usage text.
	TestDeviceLength   uint64
	TestFreeExtentsPath string
}

// Job owns a resolved job directory, the persistence journal, and the
// engine for a single run.
type Job struct {
	log hclog.Logger

	dir string
	id  uint64

	args Args

	jrnl    *journal.Journal
	backend ioengine.Backend
	eng     *engine.Engine
	prov    *storage.Provisioner
}

const defaultJobMax = 1000000

// Open resolves the job directory (creating <dir>/.fsremap and
// job.<id> as needed), opens its persistence journal, and constructs the
// I/O backend selected by args.Backend. It mirrors fr_job::init: when
// args.JobID is 0 it scans ascending ids for the first one whose directory
// does not yet exist; a nonzero JobID is used as-is, and an *existing*
// directory for that id is resumed (rather than treated as a conflict) so
// that a cancelled run can be continued via -j.
func Open(ctx context.Context, log hclog.Logger, args Args) (*Job, error) {
	root := args.RootDir
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			log.Warn("$HOME is not set, persistent storage will use sub-folders of the current directory")
			home = "."
		}
		root = home
	}
	base := filepath.Join(root, ".fsremap")
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, ferr.Wrap(ferr.IoError, err, "job: failed to create %s", base)
	}

	dir, id, resuming, err := resolveJobDir(base, args.JobID)
	if err != nil {
		return nil, err
	}
	if resuming {
		log.Info("resuming job", "id", id, "dir", dir)
	} else {
		log.Info("starting job", "id", id, "dir", dir)
	}

	jrnlPath := filepath.Join(dir, "fsremap.persist")
	jrnl, err := journal.Open(jrnlPath, args.SimulateRun)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(log, args)
	if err != nil {
		jrnl.Close()
		return nil, err
	}

	return &Job{
		log:     log,
		dir:     dir,
		id:      id,
		args:    args,
		jrnl:    jrnl,
		backend: backend,
		prov:    &storage.Provisioner{SecondaryDir: dir},
	}, nil
}

// resolveJobDir implements the id-allocation loop described on Open.
func resolveJobDir(base string, jobID uint64) (dir string, id uint64, resuming bool, err error) {
	if jobID != 0 {
		dir = filepath.Join(base, fmt.Sprintf("job.%d", jobID))
		if _, statErr := os.Stat(dir); statErr == nil {
			return dir, jobID, true, nil
		}
		if mkErr := os.Mkdir(dir, 0o700); mkErr != nil {
			return "", 0, false, ferr.Wrap(ferr.IoError, mkErr, "job: failed to create job directory %s", dir)
		}
		return dir, jobID, false, nil
	}

	for i := uint64(1); i != defaultJobMax; i++ {
		candidate := filepath.Join(base, fmt.Sprintf("job.%d", i))
		if mkErr := os.Mkdir(candidate, 0o700); mkErr == nil {
			return candidate, i, false, nil
		} else if !os.IsExist(mkErr) {
			return "", 0, false, ferr.Wrap(ferr.IoError, mkErr, "job: failed to create job directory %s", candidate)
		}
	}
	return "", 0, false, ferr.New(ferr.IoError, "job: failed to locate a free job id under %s", base)
}

func newBackend(log hclog.Logger, args Args) (ioengine.Backend, error) {
	switch args.Backend {
	case BackendPosix:
		return newPosixBackend(log)
	case BackendTest:
		return newTestBackend(args)
	case BackendSelfTest:
		return newSelfTestBackend(args), nil
	default:
		return nil, ferr.New(ferr.InvalidArgument, "job: unknown backend kind %d", args.Backend)
	}
}

// Dir returns the resolved job directory.
func (j *Job) Dir() string { return j.dir }

// ID returns the resolved job id.
func (j *Job) ID() uint64 { return j.id }

// Close releases the journal; Run's own completion path is responsible for
// closing the backend and storage.
func (j *Job) Close() error {
	return j.jrnl.Close()
}
