// Package ui implements the minimal progress renderer behind --progress-tty:
// a single overwritten status line with a percentage and an ETA, written to
// the given TTY device. Grounded on the init()/show_io_op() structure of
// original_source/fsremap/src/ui/ui_tty.cc, but deliberately thin — per-I/O
// block highlighting is out of scope, only the percentage/ETA summary line
// survives into this rendering.
package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cosmos72/fsremap-go/eta"
	"github.com/cosmos72/fsremap-go/ferr"
)

// TTY renders progress as a single status line, cleared and rewritten on
// every Update.
type TTY struct {
	w       io.Writer
	closer  io.Closer
	tracker *eta.Tracker
	start   time.Time
}

// Open opens path (a tty device, e.g. /dev/pts/3) for writing and returns a
// TTY ready to receive Update calls. The original's init() additionally
// queries TIOCGWINSZ to lay out a two-region block grid; since this
// rendering only ever prints a one-line summary, the window size is not
// needed here.
func Open(path string) (*TTY, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err, "ui: opening progress tty %q", path)
	}
	return &TTY{w: f, closer: f, tracker: eta.NewTracker(0), start: time.Now()}, nil
}

// NewWriter wraps an arbitrary io.Writer (e.g. for tests) instead of opening
// a real device.
func NewWriter(w io.Writer) *TTY {
	return &TTY{w: w, tracker: eta.NewTracker(0), start: time.Now()}
}

// Update records a new (totalBlocks, doneBlocks) sample and repaints the
// status line: "\r<percentage>% done, ETA <duration>" or "... ETA unknown"
// before enough samples have accumulated.
func (t *TTY) Update(now time.Time, totalBlocks, doneBlocks uint64) {
	var fraction float64
	if totalBlocks > 0 {
		fraction = float64(doneBlocks) / float64(totalBlocks)
	}
	remaining, ok := t.tracker.Add(now, fraction)

	pct := fraction * 100
	if ok {
		fmt.Fprintf(t.w, "\r%5.1f%% done, ETA %s   ", pct, remaining.Round(time.Second))
	} else {
		fmt.Fprintf(t.w, "\r%5.1f%% done, ETA unknown   ", pct)
	}
}

// Done clears the status line, leaving the cursor at the start of that
// now-empty line; no newline is written.
func (t *TTY) Done() {
	fmt.Fprint(t.w, "\r\033[K")
}

// Close closes the underlying device, if Open (rather than NewWriter)
// created it.
func (t *TTY) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
