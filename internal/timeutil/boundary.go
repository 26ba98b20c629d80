// SPDX-License-Identifier: MIT

// Package timeutil provides the wall-clock boundary arithmetic that drives
// segment rollover (spec.md §4.A).
package timeutil

import "time"

// NextBoundary returns the earliest instant strictly after now at which
// (minute*60+second) mod segmentSeconds == 0 and the sub-second component is
// zero. segmentSeconds must evenly divide 3600, which guarantees every
// boundary also falls on an hour start.
//
// When now sits exactly on a boundary, NextBoundary still returns the next
// one: the comparison is strict.
func NextBoundary(now time.Time, segmentSeconds int) time.Time {
	year, month, day := now.Date()
	hour, _, _ := now.Clock()
	hourStart := time.Date(year, month, day, hour, 0, 0, 0, now.Location())

	withinHour := int(now.Sub(hourStart) / time.Second)
	next := withinHour - withinHour%segmentSeconds + segmentSeconds

	return hourStart.Add(time.Duration(next) * time.Second)
}
