// Package depacketizer turns RTP packets into mediaframe.Frames. Opus emits
// one frame per packet with TOC-derived config; VPx emits a frame per
// completed access unit with resolution parsed from the keyframe
// descriptor.
package depacketizer

import (
	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/mediaframe"
	"github.com/pion/rtp"
)

// OpusFrameSizeMs maps an RFC 6716 §3.1 TOC config number (0..31) to its
// frame duration in milliseconds, grounded on the original Opus.cpp preset
// table.
var OpusFrameSizeMs = [32]float32{
	// SILK-only, NB/MB/WB x {10,20,40,60}
	10, 20, 40, 60, 10, 20, 40, 60, 10, 20, 40, 60,
	// Hybrid, SWB/FB x {10,20}
	10, 20, 10, 20,
	// CELT-only, NB/WB/SWB/FB x {2.5,5,10,20}
	2.5, 5, 10, 20,
	2.5, 5, 10, 20,
	2.5, 5, 10, 20,
	2.5, 5, 10, 20,
}

// OpusTOC is the parsed first byte of an Opus packet (RFC 6716 §3.1).
type OpusTOC struct {
	Config    uint8
	Stereo    bool
	FrameSize float32 // ms
}

// ParseOpusTOC decodes the configuration/stereo bits of an Opus TOC byte.
func ParseOpusTOC(toc byte) OpusTOC {
	config := toc >> 3
	return OpusTOC{
		Config:    config,
		Stereo:    toc&0x04 != 0,
		FrameSize: OpusFrameSizeMs[config],
	}
}

// OpusDepacketizer converts RTP packets carrying Opus payloads into audio
// Frames, one per packet. A single-byte payload is libopus's DTX signal.
type OpusDepacketizer struct {
	alloc     *bufferpool.Allocator
	clockRate uint32
	config    *mediaframe.AudioFrameConfig
}

// NewOpusDepacketizer builds a depacketizer using alloc for frame payload
// buffers, at the given RTP clock rate (48000 for Opus).
func NewOpusDepacketizer(alloc *bufferpool.Allocator, clockRate uint32) *OpusDepacketizer {
	return &OpusDepacketizer{alloc: alloc, clockRate: clockRate}
}

// IsDTX reports whether payload is libopus's single-byte discontinuous
// transmission marker.
func IsDTX(payload []byte) bool { return len(payload) == 1 }

// AddPacket depacketizes one RTP packet into a Frame. configChanged reports
// whether the channel count changed from the previous packet.
func (d *OpusDepacketizer) AddPacket(pkt *rtp.Packet, deepCopy bool) (frame *mediaframe.Frame, configChanged bool) {
	if pkt == nil || len(pkt.Payload) == 0 {
		return nil, false
	}
	toc := ParseOpusTOC(pkt.Payload[0])
	channels := uint8(1)
	if toc.Stereo {
		channels = 2
	}

	changed := d.config == nil || d.config.Channels != channels
	cfg := mediaframe.AudioFrameConfig{Channels: channels, BitsPerSample: 16}
	d.config = &cfg

	// The RTP packet's payload slice does not outlive this call, so the
	// frame always holds its own pool-owned copy regardless of deepCopy;
	// the flag is kept for interface parity with AddPacket and is
	// meaningful for depacketizers (e.g. VPx) that can otherwise return a
	// slice view into an access-unit accumulation buffer.
	_ = deepCopy
	buf := d.alloc.Allocate(len(pkt.Payload))
	copy(buf.Bytes(), pkt.Payload)

	return &mediaframe.Frame{
		Mime:      mediaframe.MimeOpus,
		IsKey: true, // vacuous for audio
		Timestamp: pkt.Timestamp,
		ClockRate: d.clockRate,
		Payload:   buf,
		Audio:     &cfg,
	}, changed
}

// AudioConfig returns the last observed audio config, if any.
func (d *OpusDepacketizer) AudioConfig() *mediaframe.AudioFrameConfig {
	return d.config
}
