// Package replay implements an ioengine.Backend that replays a previously
// dumped extent layout over an in-memory memsim device: used by --test
// mode to re-run a job's Analyze phase deterministically against extents
// captured from a real device, without touching the device again.
package replay

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
	"github.com/cosmos72/fsremap-go/ioengine"
	"github.com/cosmos72/fsremap-go/ioengine/memsim"
)

// Backend replays loop/free/zero extent dumps read from disk, backed by an
// in-memory device so relocation can still actually run (e.g. against a
// scratch file standing in for the device).
type Backend struct {
	*memsim.Backend
	LoopPath, FreePath, ZeroPath string
}

var _ ioengine.Backend = (*Backend)(nil)

// New returns a Backend that will load its extents from the three named
// dump files on Open. devLengthBlocks sizes the in-memory device.
func New(loopPath, freePath, zeroPath string, devLengthBlocks, blockSize uint64) *Backend {
	return &Backend{
		Backend:  memsim.New(blockSize, devLengthBlocks*blockSize),
		LoopPath: loopPath, FreePath: freePath, ZeroPath: zeroPath,
	}
}

func (b *Backend) Open(ctx context.Context, args ioengine.Args) error {
	loop, err := loadExtentFile(b.LoopPath)
	if err != nil {
		return err
	}
	free, err := loadExtentFile(b.FreePath)
	if err != nil {
		return err
	}
	var zero extent.Vector
	if b.ZeroPath != "" {
		zero, err = loadExtentFile(b.ZeroPath)
		if err != nil {
			return err
		}
	}
	b.LoopExtents, b.FreeExtents, b.ZeroExtents = loop, free, zero
	return nil
}

// loadExtentFile parses the dump format shared with the job package:
// "physical logical length user_data" per line, blank lines and lines
// starting with "#" skipped.
func loadExtentFile(path string) (extent.Vector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err, "replay: failed to open extent dump %s", path)
	}
	defer f.Close()

	var out extent.Vector
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, ferr.New(ferr.InvalidFilesystem, "replay: %s:%d: expected at least 3 fields, got %d", path, lineNo, len(fields))
		}
		physical, err1 := strconv.ParseUint(fields[0], 10, 64)
		logical, err2 := strconv.ParseUint(fields[1], 10, 64)
		length, err3 := strconv.ParseUint(fields[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, ferr.New(ferr.InvalidFilesystem, "replay: %s:%d: malformed extent line %q", path, lineNo, line)
		}
		tag := extent.TagDefault
		if len(fields) >= 4 {
			t, err4 := strconv.ParseUint(fields[3], 10, 64)
			if err4 != nil || t > uint64(extent.TagLoopFile) {
				return nil, ferr.New(ferr.InvalidFilesystem, "replay: %s:%d: unknown user_data %q", path, lineNo, fields[3])
			}
			tag = extent.Tag(t)
		}
		out = append(out, extent.New(physical, logical, length, tag))
	}
	if err := sc.Err(); err != nil {
		return nil, ferr.Wrap(ferr.IoError, err, "replay: failed reading %s", path)
	}
	return out, nil
}

// DumpExtentFile writes v in the same "physical logical length user_data"
// format loadExtentFile reads, with a commented header line.
func DumpExtentFile(path string, v extent.Vector) error {
	f, err := os.Create(path)
	if err != nil {
		return ferr.Wrap(ferr.IoError, err, "replay: failed to create extent dump %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# physical logical length user_data")
	for _, e := range v {
		fmt.Fprintf(w, "%d %d %d %d\n", e.Physical, e.Logical, e.Length, e.Tag)
	}
	return w.Flush()
}
