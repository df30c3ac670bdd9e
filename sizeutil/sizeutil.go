// Package sizeutil parses the human-readable size arguments accepted by the
// CLI (-m, -s, -xp, -xs): a decimal integer optionally followed by a single
// binary-scale suffix. Grounded on ff_str2un_scaled /
// ff_str2ull_scaled in original_source/fsremap/src/misc.cc.
package sizeutil

import (
	"strconv"

	"github.com/cosmos72/fsremap-go/ferr"
)

// scaleBits maps each accepted suffix to the number of bits to shift the
// parsed integer left by, mirroring the original's byte-power-of-1024
// encoding (k=2^10 ... Y=2^80).
var scaleBits = map[byte]uint{
	'k': 10,
	'M': 20,
	'G': 30,
	'T': 40,
	'P': 50,
	'E': 60,
	'Z': 70,
	'Y': 80,
}

// ParseScaled parses a string like "512", "64k", "4G" into a byte count.
// An empty suffix means bytes. Overflow of the 64-bit result is reported as
// ferr.Overflow, an unrecognized suffix or unparseable digits as
// ferr.InvalidArgument.
func ParseScaled(s string) (uint64, error) {
	if s == "" {
		return 0, ferr.New(ferr.InvalidArgument, "sizeutil: empty size argument")
	}

	digits := s
	var suffix byte
	last := s[len(s)-1]
	if last < '0' || last > '9' {
		suffix = last
		digits = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, ferr.Wrap(ferr.InvalidArgument, err, "sizeutil: invalid size %q", s)
	}

	if suffix == 0 {
		return n, nil
	}

	bits, ok := scaleBits[suffix]
	if !ok {
		return 0, ferr.New(ferr.InvalidArgument, "sizeutil: unrecognized size suffix %q in %q", string(suffix), s)
	}

	if bits >= 64 || n > (^uint64(0))>>bits {
		return 0, ferr.New(ferr.Overflow, "sizeutil: size %q overflows 64 bits", s)
	}
	return n << bits, nil
}
