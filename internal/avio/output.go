// SPDX-License-Identifier: MIT

package avio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/asticode/go-astiav"

	"github.com/nvr-project/nvr/internal/fsutil"
)

// ErrBrokenMux is returned when a write to an output container fails
// non-recoverably (spec.md §4.D).
var ErrBrokenMux = errors.New("broken mux")

// Output is one open media container being written to disk, with its own
// dense stream mapping inherited from the Input it was opened against.
type Output struct {
	oc       *astiav.FormatContext
	pb       *astiav.IOContext
	path     string
	ptsOffset int64
	// streamForIndex maps an Input stream's original Index to this
	// output's corresponding *astiav.Stream.
	streamForIndex map[int]*astiav.Stream
	timeBase       map[int]astiav.Rational
	headerWritten  bool
}

// OpenOutput creates a new container at path, adds one output stream per
// carryable input stream (codec parameters copied, codec tag cleared so the
// muxer re-derives it), copies the input's metadata, and writes the header
// (spec.md §4.D steps 1-5).
//
// ptsOffset is subtracted from every packet's pts/dts before it is written:
// the first output of a worker's lifetime uses 0, every later one uses the
// pts of the packet that triggered the rollover.
func OpenOutput(path string, in *Input, ptsOffset int64) (*Output, error) {
	if err := fsutil.EnsureParentDir(path); err != nil {
		return nil, err
	}

	oc, err := astiav.AllocOutputFormatContext(nil, "", path)
	if err != nil || oc == nil {
		return nil, fmt.Errorf("%w: allocate output context for %s: %v", ErrBrokenMux, path, err)
	}

	out := &Output{
		oc:             oc,
		path:           path,
		ptsOffset:      ptsOffset,
		streamForIndex: make(map[int]*astiav.Stream),
		timeBase:       make(map[int]astiav.Rational),
	}

	for _, s := range in.Streams {
		if s.Invalid {
			continue
		}
		os := oc.NewStream(nil)
		if os == nil {
			oc.Free()
			return nil, fmt.Errorf("%w: new stream for input stream %d", ErrBrokenMux, s.Index)
		}
		if err := s.Params.Copy(os.CodecParameters()); err != nil {
			oc.Free()
			return nil, fmt.Errorf("%w: copy codec parameters for stream %d: %v", ErrBrokenMux, s.Index, err)
		}
		os.CodecParameters().SetCodecTag(0)
		os.SetTimeBase(s.TimeBase)

		out.streamForIndex[s.Index] = os
		out.timeBase[s.Index] = s.TimeBase
	}

	if in.Metadata != nil {
		oc.SetMetadata(in.Metadata)
	}

	ioFlags := astiav.NewIOContextFlags(astiav.IOContextFlagWrite)
	pb, err := astiav.OpenIOContext(path, ioFlags, nil, nil)
	if err != nil {
		oc.Free()
		return nil, fmt.Errorf("%w: open io for %s: %v", ErrBrokenMux, path, err)
	}
	oc.SetPb(pb)
	out.pb = pb

	if err := oc.WriteHeader(nil); err != nil {
		out.Close()
		return nil, fmt.Errorf("%w: write header for %s: %v", ErrBrokenMux, path, err)
	}
	out.headerWritten = true

	return out, nil
}

// WritePacket performs an interleaved write of p. A spurious "invalid
// argument" (errno 22) from the muxer on an occasional out-of-order packet
// is logged and swallowed; any other error is ErrBrokenMux.
func (o *Output) WritePacket(p *astiav.Packet) error {
	err := o.oc.WriteInterleavedFrame(p)
	if err == nil {
		return nil
	}
	if isEinval(err) {
		slog.Warn("ignoring spurious invalid-argument write error", "path", o.path, "error", err)
		return nil
	}
	return fmt.Errorf("%w: write packet to %s: %v", ErrBrokenMux, o.path, err)
}

// isEinval reports whether err corresponds to ffmpeg's AVERROR(EINVAL),
// which go-astiav surfaces via the libc strerror text "Invalid argument".
func isEinval(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "invalid argument")
}

// AdjustAndWrite rescales p's timestamps from srcTimeBase to the
// destination stream's time base, clears the byte-position field, remaps
// the stream index to this output's mapping slot for streamIndex, subtracts
// the output's pts_offset from pts/dts when present, then writes it
// (spec.md §4.D adjust_and_write).
func (o *Output) AdjustAndWrite(p *astiav.Packet, streamIndex int, srcTimeBase astiav.Rational) error {
	os, ok := o.streamForIndex[streamIndex]
	if !ok {
		return fmt.Errorf("%w: no output stream mapped for input stream %d", ErrBrokenMux, streamIndex)
	}

	p.RescaleTs(srcTimeBase, os.TimeBase())
	p.SetPos(-1)
	p.SetStreamIndex(os.Index())

	if pts := p.Pts(); pts != astiav.NoPtsValue {
		p.SetPts(pts - o.ptsOffset)
	}
	if dts := p.Dts(); dts != astiav.NoPtsValue {
		p.SetDts(dts - o.ptsOffset)
	}

	return o.WritePacket(p)
}

// Close flushes and finalizes the container: writes the trailer (if the
// header was successfully written), then releases native resources. Callers
// that already know the container is broken (a prior WritePacket/
// AdjustAndWrite returned ErrBrokenMux) must call Discard instead — spec.md
// §5 requires a failed BrokenMux not attempt to write trailers on the
// offending output.
func (o *Output) Close() error {
	var err error
	if o.headerWritten {
		err = o.oc.WriteTrailer()
	}
	o.release()
	if err != nil {
		return fmt.Errorf("%w: write trailer for %s: %v", ErrBrokenMux, o.path, err)
	}
	return nil
}

// Discard releases the output's native resources without attempting to
// write a trailer (spec.md §5: a failed BrokenMux does not write trailers on
// the offending output).
func (o *Output) Discard() {
	o.release()
}

func (o *Output) release() {
	if o.pb != nil {
		_ = o.pb.Close()
		o.pb.Free()
		o.pb = nil
	}
	if o.oc != nil {
		o.oc.Free()
		o.oc = nil
	}
}
