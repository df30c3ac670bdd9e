package job

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cosmos72/fsremap-go/extent"
	"github.com/cosmos72/fsremap-go/ferr"
)

// loadExtentFileBytes reads the byte-unit dump format of §6 ("physical
// logical length user_data" per line, blank lines and "#" headers
// tolerated) and rescales every value into units of blockSize, the same
// format replay.loadExtentFile expects but kept local since job also needs
// to *write* the files in this exact layout.
func loadExtentFileBytes(path string, blockSize uint64) (extent.Vector, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err, "job: failed to open extent dump %s", path)
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
			return nil, ferr.New(ferr.InvalidFilesystem, "job: %s:%d: expected at least 3 fields, got %d", path, lineNo, len(fields))
		}
		physical, err1 := strconv.ParseUint(fields[0], 10, 64)
		logical, err2 := strconv.ParseUint(fields[1], 10, 64)
		length, err3 := strconv.ParseUint(fields[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, ferr.New(ferr.InvalidFilesystem, "job: %s:%d: malformed extent line %q", path, lineNo, line)
		}
		if physical%blockSize != 0 || logical%blockSize != 0 || length%blockSize != 0 {
			return nil, ferr.New(ferr.InvalidFilesystem, "job: %s:%d: extent not aligned to block size %d", path, lineNo, blockSize)
		}
		out = append(out, extent.New(physical/blockSize, logical/blockSize, length/blockSize, extent.TagDefault))
	}
	if err := sc.Err(); err != nil {
		return nil, ferr.Wrap(ferr.IoError, err, "job: failed reading %s", path)
	}
	return out, nil
}

// dumpExtentFileBytes writes v (in block units) to path in byte units.
func dumpExtentFileBytes(path string, v extent.Vector, blockSize uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return ferr.Wrap(ferr.IoError, err, "job: failed to create extent dump %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# physical logical length user_data")
	for _, e := range v {
		fmt.Fprintf(w, "%d %d %d %d\n", e.Physical*blockSize, e.Logical*blockSize, e.Length*blockSize, e.Tag)
	}
	return w.Flush()
}
