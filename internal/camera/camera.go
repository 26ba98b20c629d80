// SPDX-License-Identifier: MIT

// Package camera holds the daemon's immutable camera data model
// (spec.md §3 Camera).
package camera

import (
	"fmt"
	"strings"
)

// Camera identifies a single configured video source.
type Camera struct {
	// Name is the operator-chosen identifier. Segment file paths use its
	// sanitized form, SafeName (spec.md §3 segment file path format).
	Name string
	// URL is the stream source, typically an rtsp:// URL.
	URL string
}

// SafeName returns a Name sanitized for use as a filesystem path segment:
// only alphanumerics, '-', and '_' survive, everything else becomes '_'.
func (c Camera) SafeName() string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, c.Name)
}

func (c Camera) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.URL)
}
