// SPDX-License-Identifier: MIT

// Package health provides an in-process status snapshot of the daemon's
// camera workers and storage tiers.
//
// There is deliberately no HTTP or RPC surface here: the daemon exposes no
// network-facing API. Snapshot is logged periodically (see runHealthLoop in
// cmd/nvr) and consulted from tests; it is not served to
// anything outside the process.
package health

import (
	"fmt"
	"strings"
	"time"
)

// CameraInfo describes the health state of a single camera worker.
type CameraInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Restarts int           `json:"restarts,omitempty"`
}

// TierInfo describes the health state of a single storage tier.
type TierInfo struct {
	Name           string `json:"name"`
	FreeBytes      uint64 `json:"free_bytes"`
	TotalBytes     uint64 `json:"total_bytes"`
	CleaningActive bool   `json:"cleaning_active"`
}

// CameraStatusProvider returns the current health status of all camera
// workers. cmd/nvr adapts the supervisor's Status to this interface.
type CameraStatusProvider interface {
	Cameras() []CameraInfo
}

// TierStatusProvider returns the current status of all storage tiers.
// cmd/nvr adapts the storage chain's per-tier Status to this interface.
type TierStatusProvider interface {
	Tiers() []TierInfo
}

// Snapshot is a point-in-time status summary of the whole daemon.
type Snapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	Healthy   bool         `json:"healthy"`
	Cameras   []CameraInfo `json:"cameras"`
	Tiers     []TierInfo   `json:"tiers"`
}

// Collect builds a Snapshot from the supervisor and storage chain.
func Collect(cams CameraStatusProvider, tiers TierStatusProvider) Snapshot {
	snap := Snapshot{Timestamp: time.Now()}

	if cams != nil {
		snap.Cameras = cams.Cameras()
	}
	if tiers != nil {
		snap.Tiers = tiers.Tiers()
	}

	healthy := true
	for _, c := range snap.Cameras {
		if !c.Healthy {
			healthy = false
			break
		}
	}
	snap.Healthy = healthy

	return snap
}

// String renders a one-line human-readable summary, suitable for a
// structured log attribute or a log line on its own.
func (s Snapshot) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "healthy=%t cameras=%d tiers=%d", s.Healthy, len(s.Cameras), len(s.Tiers))
	for _, c := range s.Cameras {
		if !c.Healthy {
			fmt.Fprintf(&sb, " unhealthy_camera=%s(%s)", c.Name, c.Error)
		}
	}
	return sb.String()
}
