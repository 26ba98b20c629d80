// SPDX-License-Identifier: MIT

// Package avio wraps github.com/asticode/go-astiav's format contexts into
// the Input/Output/PacketSource primitives spec.md §4.C/§4.D describe:
// stream enumeration with a dense output mapping, packet demux, container
// muxing with metadata inheritance and pts rescaling.
package avio

import (
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
)

// StreamInfo describes one elementary stream of an opened Input.
type StreamInfo struct {
	// Index is the stream's original index in the source container.
	Index int
	// OutputIndex is the dense, stable mapping slot assigned to carryable
	// streams (audio/video/subtitle), starting at 0. -1 if Invalid.
	OutputIndex int
	// Invalid streams (data, attachment, unknown...) are dropped at
	// dispatch time, never written to an output.
	Invalid bool

	Params   *astiav.CodecParameters
	TimeBase astiav.Rational
}

// Input is an opened media source: a demuxer plus its stream table.
type Input struct {
	fc       *astiav.FormatContext
	Streams  []StreamInfo
	Metadata *astiav.Dictionary
}

// ErrFailedToConnect is returned by OpenInput when the source cannot be
// opened or probed.
var ErrFailedToConnect = errors.New("failed to connect")

// OpenInput opens url and enumerates its elementary streams, assigning a
// dense output-mapping index to every audio/video/subtitle stream in
// source order (spec.md §4.C).
func OpenInput(url string) (*Input, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, fmt.Errorf("%w: allocate format context", ErrFailedToConnect)
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	// Matches common low-latency RTSP tuning; safe no-ops for other schemes.
	_ = opts.Set("rtsp_transport", "tcp", 0)
	_ = opts.Set("stimeout", "5000000", 0)

	if err := fc.OpenInput(url, nil, opts); err != nil {
		fc.Free()
		return nil, fmt.Errorf("%w: open %s: %v", ErrFailedToConnect, url, err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("%w: probe %s: %v", ErrFailedToConnect, url, err)
	}

	in := &Input{fc: fc, Metadata: fc.Metadata()}

	outIdx := 0
	for _, s := range fc.Streams() {
		info := StreamInfo{
			Index:    s.Index(),
			Params:   s.CodecParameters(),
			TimeBase: s.TimeBase(),
		}
		switch s.CodecParameters().MediaType() {
		case astiav.MediaTypeAudio, astiav.MediaTypeVideo, astiav.MediaTypeSubtitle:
			info.OutputIndex = outIdx
			outIdx++
		default:
			info.Invalid = true
			info.OutputIndex = -1
		}
		in.Streams = append(in.Streams, info)
	}

	return in, nil
}

// Close releases the input's native resources.
func (in *Input) Close() {
	if in.fc == nil {
		return
	}
	in.fc.CloseInput()
	in.fc.Free()
	in.fc = nil
}

// Packet is one demuxed (stream_index, packet) pair.
type Packet struct {
	StreamIndex int
	Raw         *astiav.Packet
}

// PacketSource is a lazy, finite sequence of packets from an Input. Next
// returns io.EOF only when the demuxer reports end of file; any other read
// error, a dropped connection included, is returned unchanged and is not
// treated as a normal end of the sequence.
type PacketSource struct {
	in *Input
}

// Packets returns the input's packet source.
func (in *Input) Packets() *PacketSource {
	return &PacketSource{in: in}
}

// Next pulls the next packet. The caller owns Raw and must call Raw.Free()
// (after Unref, if reused) once done with it.
func (ps *PacketSource) Next() (Packet, error) {
	pkt := astiav.AllocPacket()
	if err := ps.in.fc.ReadFrame(pkt); err != nil {
		pkt.Free()
		if errors.Is(err, astiav.ErrEof) {
			return Packet{}, io.EOF
		}
		return Packet{}, err
	}
	return Packet{StreamIndex: pkt.StreamIndex(), Raw: pkt}, nil
}
