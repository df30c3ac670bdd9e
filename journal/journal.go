// Package journal implements the append-only persistence log (C4) that
// lets the relocation engine resume after a crash: it replays every
// progress tuple it already wrote before falling back to recording new
// ones, exactly reproducing the first part of an interrupted run instead
// of re-running it.
package journal

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/cosmos72/fsremap-go/ferr"
)

const (
	headerReal      = "real job"
	headerSimulated = "simulated job"
)

// state distinguishes the two phases of a resumed run: Replaying re-reads
// tuples already on disk and checks the engine reproduces them exactly;
// Recording appends new ones. The transition happens once on first EOF,
// per Design Notes §9's "explicit state machine, not coroutine" guidance.
type state int

const (
	stateRecording state = iota
	stateReplaying
)

// Journal is a single append-only persistence file, opened for both
// reading (replay) and appending (recording).
type Journal struct {
	path      string
	file      *os.File
	reader    *bufio.Reader
	state     state
	simulated bool

	// sizesWritten guards against writing the primary/secondary exact-size
	// line more than once.
	sizesWritten bool
}

// Open creates (if needed) and opens the journal at path. simulated selects
// whether this is a "real job" or "simulated job" run; on resume the header
// already on disk must match, else ferr.ReplayMismatch.
func Open(path string, simulated bool) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "journal: failed to open %q", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "journal: failed to stat %q", path)
	}

	j := &Journal{path: path, file: f, simulated: simulated}

	if info.Size() == 0 {
		if err := j.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		j.state = stateRecording
		return j, nil
	}

	j.reader = bufio.NewReader(f)
	line, err := j.reader.ReadString('\n')
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "journal: failed to read header of %q", path)
	}
	header := trimNewline(line)

	want := headerSimulated
	if !simulated {
		want = headerReal
	}
	if header != want {
		f.Close()
		return nil, ferr.New(ferr.ReplayMismatch,
			"journal %q was started as %q, cannot resume it as %q", path, header, want)
	}
	j.state = stateReplaying
	return j, nil
}

func (j *Journal) writeHeader() error {
	header := headerReal
	if j.simulated {
		header = headerSimulated
	}
	if _, err := fmt.Fprintf(j.file, "%s\n", header); err != nil {
		return errors.Wrapf(err, "journal: failed to write header to %q", j.path)
	}
	return j.sync()
}

func (j *Journal) sync() error {
	if err := j.file.Sync(); err != nil {
		return errors.Wrapf(err, "journal: failed to fsync %q", j.path)
	}
	return nil
}

// Replaying reports whether the journal still has unread recorded tuples.
func (j *Journal) Replaying() bool { return j.state == stateReplaying }

// WriteSizes appends the one-time primary/secondary exact storage sizes
// line. A no-op while replaying (the sizes are read back via
// CrossCheckSizes instead). May only be called once per run.
func (j *Journal) WriteSizes(primary, secondary int64) error {
	if j.sizesWritten {
		return ferr.New(ferr.InternalInvariant, "journal: WriteSizes called twice")
	}
	j.sizesWritten = true
	if j.state == stateReplaying {
		return nil
	}
	if _, err := fmt.Fprintf(j.file, "%d %d\n", primary, secondary); err != nil {
		return errors.Wrapf(err, "journal: failed to write sizes to %q", j.path)
	}
	return j.sync()
}

// CrossCheckSizes reads back the persisted primary/secondary sizes (if
// resuming) and compares them against the caller's requested sizes;
// mismatches where both sides are non-zero are a ReplayMismatch, exactly
// mirroring fr_persist::get_storage_sizes_exact. Returns the sizes to
// actually use (the persisted ones take precedence while replaying).
func (j *Journal) CrossCheckSizes(requestedPrimary, requestedSecondary int64) (primary, secondary int64, err error) {
	if j.state != stateReplaying {
		// fresh run: nothing is persisted yet, the caller's own WriteSizes
		// call (right after this one) is what actually records them.
		return requestedPrimary, requestedSecondary, nil
	}

	line, err := j.reader.ReadString('\n')
	if err != nil {
		return 0, 0, errors.Wrapf(err, "journal: failed to read sizes line from %q", j.path)
	}
	var p, s int64
	if _, scanErr := fmt.Sscanf(trimNewline(line), "%d %d", &p, &s); scanErr != nil {
		return 0, 0, ferr.Wrap(ferr.ReplayMismatch, scanErr, "journal: corrupted sizes line in %q", j.path)
	}
	j.sizesWritten = true

	if p != 0 && requestedPrimary != 0 && p != requestedPrimary {
		return 0, 0, ferr.New(ferr.ReplayMismatch,
			"mismatched primary storage exact size: %d bytes requested, %d bytes found in journal", requestedPrimary, p)
	}
	if s != 0 && requestedSecondary != 0 && s != requestedSecondary {
		return 0, 0, ferr.New(ferr.ReplayMismatch,
			"mismatched secondary storage exact size: %d bytes requested, %d bytes found in journal", requestedSecondary, s)
	}
	return p, s, nil
}

// Next advances the journal by one progress tuple. While replaying, it
// compares (remainingDev, remainingStorage) against the next tuple on disk
// and fails with ferr.ReplayMismatch on disagreement; once the recorded
// tuples are exhausted it flips to Recording and appends new tuples from
// that point on, exactly at the point the crash interrupted the original
// run.
func (j *Journal) Next(remainingDev, remainingStorage uint64) error {
	if j.state == stateReplaying {
		line, err := j.reader.ReadString('\n')
		if err != nil {
			// EOF: replayed tuples exhausted, switch to recording and fall
			// through to append this tuple for real.
			j.state = stateRecording
		} else {
			var dev, storage uint64
			if _, scanErr := fmt.Sscanf(trimNewline(line), "%d %d", &dev, &storage); scanErr != nil {
				return ferr.Wrap(ferr.ReplayMismatch, scanErr, "journal: corrupted progress line in %q", j.path)
			}
			if dev != remainingDev || storage != remainingStorage {
				return ferr.New(ferr.ReplayMismatch,
					"journal %q expected (%d,%d), engine computed (%d,%d)",
					j.path, dev, storage, remainingDev, remainingStorage)
			}
			return nil
		}
	}

	if _, err := fmt.Fprintf(j.file, "%d %d\n", remainingDev, remainingStorage); err != nil {
		return errors.Wrapf(err, "journal: failed to append progress to %q", j.path)
	}
	return j.sync()
}

// Close releases the underlying file handle.
func (j *Journal) Close() error {
	if err := j.file.Close(); err != nil {
		return errors.Wrapf(err, "journal: failed to close %q", j.path)
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
