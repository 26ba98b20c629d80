// SPDX-License-Identifier: MIT

// Package storagetier implements the per-tier disk cleaner and the
// supervisor tick that walks the storage chain in reverse (spec.md §4.G).
package storagetier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"github.com/nvr-project/nvr/internal/fsutil"
	"github.com/nvr-project/nvr/internal/sizeunit"
	"github.com/nvr-project/nvr/internal/util"
)

// Tier is one entry in the storage chain. Root is both its filesystem path
// and its identity in logs (the "tier" attribute).
type Tier struct {
	Root       string
	Begin, End sizeunit.Threshold
	HalfDuplex bool

	// Tracker, if set, records the tier's cleaner goroutine for the
	// duration of each run, so callers can assert no cleaner is left
	// dangling across a test or a shutdown.
	Tracker *util.ResourceTracker

	mu           sync.Mutex
	cleanOngoing bool
	worker       *cleanerHandle
	next         *Tier
	log          *slog.Logger
}

type cleanerHandle struct {
	done chan struct{}
	err  error
}

// NewChain wires tiers into a linked chain in priority order: tiers[0] is the
// tier new segments land in, each subsequent tier is the migration target
// of the one before it.
func NewChain(logger *slog.Logger, tiers []*Tier) []*Tier {
	for i := range tiers {
		tiers[i].log = logger.With("tier", tiers[i].Root)
		if i+1 < len(tiers) {
			tiers[i].next = tiers[i+1]
		}
	}
	return tiers
}

// statfs reads the live disk usage for a tier's root. Extracted as a
// variable so tests can stub it.
var statfs = func(root string) (sizeunit.DiskStat, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(root, &stat); err != nil {
		return sizeunit.DiskStat{}, fmt.Errorf("statfs %s: %w", root, err)
	}
	// #nosec G115 - bsize/blocks are platform-defined unsigned on all
	// syscall.Statfs_t targets we build for.
	total := uint64(stat.Blocks) * uint64(stat.Bsize)
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	return sizeunit.DiskStat{FreeBytes: free, TotalBytes: total}, nil
}

// acceptWrite reports whether next may currently accept an incoming
// migration: always true for a nil (no further) tier, false only when next
// is half-duplex and already running a cleaner, since concurrent read/write
// on such media is unproductive.
func acceptWrite(next *Tier) bool {
	if next == nil {
		return true
	}
	next.mu.Lock()
	defer next.mu.Unlock()
	return !(next.HalfDuplex && next.worker != nil)
}

// Tick runs one supervisor pass over tiers in reverse order (terminal tier
// first), per spec.md §4.G.
func Tick(tiers []*Tier) {
	for i := len(tiers) - 1; i >= 0; i-- {
		tiers[i].tick()
	}
}

func (t *Tier) tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.worker != nil {
		select {
		case <-t.worker.done:
			if t.worker.err != nil {
				t.log.Warn("cleaner worker failed", "error", t.worker.err)
			}
			t.worker = nil
		default:
			return // still running, nothing else to evaluate this tick
		}
	}

	stat, err := statfs(t.Root)
	if err != nil {
		t.log.Error("statfs failed, skipping tick", "error", err)
		return
	}

	if t.cleanOngoing {
		if sizeunit.CleanEnough(t.End, stat) {
			t.cleanOngoing = false
			return
		}
	} else {
		if !sizeunit.NeedsCleaning(t.Begin, stat) {
			return
		}
		t.cleanOngoing = true
	}

	if !acceptWrite(t.next) {
		return
	}

	t.spawnWorker()
}

func (t *Tier) spawnWorker() {
	done := make(chan struct{})
	h := &cleanerHandle{done: done}
	t.worker = h

	next := t.next
	root := t.Root
	end := t.End
	log := t.log
	tracker := t.Tracker

	resourceName := "cleaner:" + root
	if tracker != nil {
		tracker.TrackResource(resourceName, h)
	}

	go func() {
		defer close(done)
		defer func() {
			if tracker != nil {
				tracker.UntrackResource(resourceName)
			}
		}()
		var err error
		if next != nil {
			err = cleanFolderMove(root, next.Root)
		} else {
			err = cleanFolderRemoveUntil(root, end)
		}
		if err != nil {
			log.Warn("cleaner run ended with error", "error", err)
		}
		h.err = err
	}()
}

// cleanFolderMove finds the oldest file under root and migrates it under
// next, preserving its path relative to root.
func cleanFolderMove(root, next string) error {
	oldest, err := fsutil.FindOldestFile(root)
	if err != nil {
		return err
	}
	if oldest == "" {
		return nil
	}
	rel, err := relPath(root, oldest)
	if err != nil {
		return err
	}
	return fsutil.MoveFile(oldest, joinPath(next, rel))
}

// cleanFolderRemoveUntil repeatedly deletes the oldest file under root
// until the end threshold is satisfied (terminal-tier cleanup).
func cleanFolderRemoveUntil(root string, end sizeunit.Threshold) error {
	for {
		stat, err := statfs(root)
		if err != nil {
			return err
		}
		if sizeunit.CleanEnough(end, stat) {
			return nil
		}
		oldest, err := fsutil.FindOldestFile(root)
		if err != nil {
			return err
		}
		if oldest == "" {
			return nil
		}
		if err := removeFile(oldest); err != nil {
			return err
		}
	}
}

// Shutdown blocks until any in-flight cleaner worker on tier completes,
// used by the supervisor during a clean process exit.
func (t *Tier) Shutdown(ctx context.Context) {
	t.mu.Lock()
	h := t.worker
	t.mu.Unlock()
	if h == nil {
		return
	}
	select {
	case <-h.done:
	case <-ctx.Done():
	}
}

// Status reads the tier's current disk usage and cleaning state, for
// internal/health reporting. Errors reading disk usage are swallowed and
// reported as a zeroed stat, matching tick()'s own best-effort handling.
func (t *Tier) Status() (stat sizeunit.DiskStat, cleaning bool) {
	stat, _ = statfs(t.Root)
	t.mu.Lock()
	cleaning = t.worker != nil
	t.mu.Unlock()
	return stat, cleaning
}
