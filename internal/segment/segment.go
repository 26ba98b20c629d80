// SPDX-License-Identifier: MIT

// Package segment implements the per-camera wall-clock segmentation state
// machine: dual overlapping outputs, boundary rollover, and dispatch
// (spec.md §4.E).
package segment

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/nvr-project/nvr/internal/avio"
	"github.com/nvr-project/nvr/internal/camera"
	"github.com/nvr-project/nvr/internal/timeutil"
)

// ErrFailedToConnect is returned when the worker's initial input open
// fails, and also wraps any non-EOF error from reading packets mid-stream.
var ErrFailedToConnect = avio.ErrFailedToConnect

// ErrBrokenMux is returned when an output write fails non-recoverably.
var ErrBrokenMux = avio.ErrBrokenMux

// Plan is the timing configuration driving rollover (spec.md §3
// TimingPlan).
type Plan struct {
	// Naming is a time.Format layout used to build each segment's relative
	// path from its open time.
	Naming    string
	Segment   int
	StopDelay int
	Suffix    string
}

// PathFor builds the segment file path for a camera at time t, rooted at
// root (typically the hot tier's path): {root}/{formatted_time}_{camera_name}{suffix}
// (spec.md §3, §6 persisted state layout).
func (p Plan) PathFor(root string, cam camera.Camera, t time.Time) string {
	return filepath.Join(root, t.Format(p.Naming)+"_"+cam.SafeName()+p.Suffix)
}

// Clock abstracts wall-clock reads so tests can drive the rollover state
// machine deterministically.
type Clock func() time.Time

// Worker runs one camera's capture-to-disk loop: open the input, then pull
// packets until the source terminates, maintaining the dual-output overlap
// window described in spec.md §4.E.
func Worker(root string, cam camera.Camera, plan Plan, clock Clock) error {
	in, err := avio.OpenInput(cam.URL)
	if err != nil {
		return err
	}
	defer in.Close()

	timeNow := clock()
	timeNext := timeutil.NextBoundary(timeNow, plan.Segment)
	timeStop := timeNext.Add(time.Duration(plan.StopDelay) * time.Second)

	outputThis, err := avio.OpenOutput(plan.PathFor(root, cam, timeNow), in, 0)
	if err != nil {
		return err
	}
	var outputLast *avio.Output

	// faulted names whichever output, if any, a WritePacket/AdjustAndWrite
	// call reported ErrBrokenMux on. That output is torn down without a
	// trailer write (spec.md §5); the other, if still open, gets a normal
	// Close.
	var faulted *avio.Output
	defer func() {
		closeOutput(outputLast, faulted)
		closeOutput(outputThis, faulted)
	}()

	packets := in.Packets()

	for {
		pkt, err := packets.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFailedToConnect, err)
		}

		timeNow = clock()

		// Rollover.
		if !timeNow.Before(timeNext) {
			if outputLast != nil {
				closing := outputLast
				outputLast = nil
				if cerr := closing.Close(); cerr != nil {
					pkt.Raw.Free()
					return cerr
				}
			}
			outputLast = outputThis

			pivotPts := pkt.Raw.Pts()
			newOutput, err := avio.OpenOutput(plan.PathFor(root, cam, timeNow), in, pivotPts)
			if err != nil {
				pkt.Raw.Free()
				return err
			}
			outputThis = newOutput
			timeNext = timeutil.NextBoundary(timeNow, plan.Segment)
		}

		// End of overlap.
		if !timeNow.Before(timeStop) {
			if outputLast != nil {
				closing := outputLast
				outputLast = nil
				if cerr := closing.Close(); cerr != nil {
					pkt.Raw.Free()
					return cerr
				}
			}
			timeStop = timeNext.Add(time.Duration(plan.StopDelay) * time.Second)
		}

		// Dispatch.
		info := streamInfo(in, pkt.StreamIndex)
		if info == nil || info.Invalid {
			pkt.Raw.Free()
			continue
		}

		if outputLast != nil {
			clone := astiav.AllocPacket()
			if err := clone.Ref(pkt.Raw); err == nil {
				if err := outputLast.AdjustAndWrite(clone, pkt.StreamIndex, info.TimeBase); err != nil {
					faulted = outputLast
					clone.Free()
					pkt.Raw.Free()
					return err
				}
			}
			clone.Free()
		}

		if err := outputThis.AdjustAndWrite(pkt.Raw, pkt.StreamIndex, info.TimeBase); err != nil {
			faulted = outputThis
			pkt.Raw.Free()
			return err
		}
		pkt.Raw.Free()
	}
}

// closeOutput finalizes o on the worker's way out: the output that faulted
// (if any) is discarded without a trailer write, everything else gets a
// normal Close.
func closeOutput(o, faulted *avio.Output) {
	if o == nil {
		return
	}
	if o == faulted {
		o.Discard()
		return
	}
	_ = o.Close()
}

func streamInfo(in *avio.Input, streamIndex int) *avio.StreamInfo {
	for i := range in.Streams {
		if in.Streams[i].Index == streamIndex {
			return &in.Streams[i]
		}
	}
	return nil
}
