// SPDX-License-Identifier: MIT

// Package sizeunit implements the size-string parser and the Free/Used
// threshold model used to decide when a storage tier needs cleaning
// (spec.md §4.F).
package sizeunit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Kind distinguishes a threshold measured against free space from one
// measured against used space.
type Kind int

const (
	// Free thresholds trigger when free space drops too low.
	Free Kind = iota
	// Used thresholds trigger when used space grows too high.
	Used
)

func (k Kind) String() string {
	if k == Used {
		return "used"
	}
	return "free"
}

// Threshold is a single bound on disk usage, tagged by which quantity it
// measures (spec.md §3 Threshold).
type Threshold struct {
	Kind  Kind
	Bytes int64
}

// String renders the threshold kind and a human-readable (SI) byte count,
// e.g. "free 2.1 GB" for 2 GiB.
func (t Threshold) String() string {
	return fmt.Sprintf("%s %s", t.Kind, humanize.Bytes(uint64(t.Bytes)))
}

var multipliers = map[byte]int64{
	'k': 1 << 10,
	'K': 1 << 10,
	'm': 1 << 20,
	'M': 1 << 20,
	'g': 1 << 30,
	'G': 1 << 30,
	't': 1 << 40,
	'T': 1 << 40,
}

// ParseSize parses a <decimal-integer><unit?> size string such as "500m",
// "2g", "10T", or a bare byte count such as "1048576", into a byte count
// (spec.md §4.F).
//
// Exactly one trailing unit letter (k/m/g/t, case-insensitive) is
// recognized; no unit means bytes. The numeric part must be an unsigned
// decimal integer: any character outside [0-9kmgtKMGT] is a configuration
// error, so forms like "1.5g", "1e3", or "+5g" are rejected rather than
// silently accepted by a float parse.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	last := s[len(s)-1]
	mult, hasUnit := multipliers[last]
	numPart := s
	if hasUnit {
		numPart = s[:len(s)-1]
	}

	if numPart == "" {
		return 0, fmt.Errorf("size string %q has no numeric part", s)
	}
	for _, r := range numPart {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid size string %q: %q is outside [0-9kmgtKMGT]", s, r)
		}
	}

	value, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size string %q: %w", s, err)
	}

	if !hasUnit {
		mult = 1
	}

	return value * mult, nil
}

// DiskStat is the subset of filesystem statistics a Threshold is evaluated
// against.
type DiskStat struct {
	FreeBytes  uint64
	TotalBytes uint64
}

// NeedsCleaning reports whether disk usage has crossed the "begin"
// threshold: cleaning should start (or continue) when this is true.
func NeedsCleaning(begin Threshold, stat DiskStat) bool {
	switch begin.Kind {
	case Free:
		return int64(stat.FreeBytes) < begin.Bytes
	case Used:
		used := int64(stat.TotalBytes - stat.FreeBytes)
		return used > begin.Bytes
	default:
		return false
	}
}

// CleanEnough reports whether disk usage has recovered past the "end"
// threshold: cleaning should stop when this is true.
func CleanEnough(end Threshold, stat DiskStat) bool {
	switch end.Kind {
	case Free:
		return int64(stat.FreeBytes) >= end.Bytes
	case Used:
		used := int64(stat.TotalBytes - stat.FreeBytes)
		return used <= end.Bytes
	default:
		return true
	}
}
