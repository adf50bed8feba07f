package webm

import (
	"fmt"
	"io"

	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/mediaframe"
	mkvparse "github.com/remko/go-mkvparse"
)

// FrameHandler receives demuxed frames in arrival order. Handlers must copy
// payload if they retain it past the call.
type FrameHandler interface {
	OnFrame(frame *mediaframe.Frame)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(frame *mediaframe.Frame)

func (f FrameHandlerFunc) OnFrame(frame *mediaframe.Frame) { f(frame) }

// Demuxer pulls SimpleBlocks out of a Matroska byte stream and re-emits them
// as mediaframe.Frames, reversing Muxer round-trip
// property (Invariant 7).
type Demuxer struct {
	handler FrameHandler
	alloc   *bufferpool.Allocator

	tracks map[uint64]trackMeta
	curTs  int64 // running Cluster timecode, ns
	scale  int64 // TimecodeScale, ns per tick
}

type trackMeta struct {
	mime      mediaframe.Mime
	clockRate uint32
	kind      mediaframe.Kind
	width     uint16
	height    uint16
	channels  uint8
}

// NewDemuxer builds a Demuxer that calls handler for each reconstructed
// frame, allocating frame payloads from alloc.
func NewDemuxer(alloc *bufferpool.Allocator, handler FrameHandler) *Demuxer {
	return &Demuxer{
		handler: handler,
		alloc:   alloc,
		tracks:  make(map[uint64]trackMeta),
		scale:   1000000,
	}
}

// Parse consumes r to EOF, calling the handler for every SimpleBlock frame
// encountered. It is pull-based in the sense that mkvparse drives a single
// SAX-style pass with no backtracking or seeking
// "no seeking, single forward pass" requirement.
func (d *Demuxer) Parse(r io.Reader) error {
	return mkvparse.Parse(r, &handlerAdapter{d: d})
}

func mimeFromCodecID(codecID string) mediaframe.Mime {
	switch codecID {
	case "A_OPUS":
		return mediaframe.MimeOpus
	case "V_VP8":
		return mediaframe.MimeVP8
	case "V_VP9":
		return mediaframe.MimeVP9
	case "V_MPEG4/ISO/AVC":
		return mediaframe.MimeH264
	case "V_MPEGH/ISO/HEVC":
		return mediaframe.MimeH265
	case "A_PCM/FLOAT/IEEE":
		return mediaframe.MimePCMA
	default:
		return ""
	}
}

// handlerAdapter implements mkvparse.Handler, translating its SAX callbacks
// into accumulated track metadata and emitted frames.
type handlerAdapter struct {
	mkvparse.DefaultHandler
	d *Demuxer

	curTrackNumber uint64
	curTrackMime   string
	curWidth       uint64
	curHeight      uint64
	curChannels    uint64
	inTrackEntry   bool
}

func (h *handlerAdapter) HandleMasterBegin(id mkvparse.ElementID, info mkvparse.ElementInfo) (bool, error) {
	if id == mkvparse.TrackEntryElement {
		h.inTrackEntry = true
		h.curTrackNumber = 0
		h.curTrackMime = ""
		h.curWidth, h.curHeight, h.curChannels = 0, 0, 0
	}
	return true, nil
}

func (h *handlerAdapter) HandleMasterEnd(id mkvparse.ElementID, info mkvparse.ElementInfo) error {
	if id == mkvparse.TrackEntryElement && h.inTrackEntry {
		mime := mimeFromCodecID(h.curTrackMime)
		kind := mediaframe.KindVideo
		if mime == mediaframe.MimeOpus || mime == mediaframe.MimePCMA || mime == mediaframe.MimePCMU {
			kind = mediaframe.KindAudio
		}
		h.d.tracks[h.curTrackNumber] = trackMeta{
			mime:      mime,
			clockRate: 0, // SamplingFrequency is not parsed; stays 0
			kind:      kind,
			width:     uint16(h.curWidth),
			height:    uint16(h.curHeight),
			channels:  uint8(h.curChannels),
		}
		h.inTrackEntry = false
	}
	return nil
}

func (h *handlerAdapter) HandleInteger(id mkvparse.ElementID, value int64, info mkvparse.ElementInfo) error {
	if !h.inTrackEntry {
		switch id {
		case mkvparse.TimecodeScaleElement:
			h.d.scale = value
		case mkvparse.TimecodeElement:
			// Cluster-level Timecode: the base for subsequent blocks'
			// relative timecodes, in TimecodeScale units.
			h.d.curTs = value
		}
		return nil
	}
	switch id {
	case mkvparse.TrackNumberElement:
		h.curTrackNumber = uint64(value)
	case mkvparse.PixelWidthElement:
		h.curWidth = uint64(value)
	case mkvparse.PixelHeightElement:
		h.curHeight = uint64(value)
	case mkvparse.ChannelsElement:
		h.curChannels = uint64(value)
	}
	return nil
}

func (h *handlerAdapter) HandleString(id mkvparse.ElementID, value string, info mkvparse.ElementInfo) error {
	if h.inTrackEntry && id == mkvparse.CodecIDElement {
		h.curTrackMime = value
	}
	return nil
}

func (h *handlerAdapter) HandleFloat(id mkvparse.ElementID, value float64, info mkvparse.ElementInfo) error {
	return nil
}

func (h *handlerAdapter) HandleBinary(id mkvparse.ElementID, value []byte, info mkvparse.ElementInfo) error {
	if id != mkvparse.SimpleBlockElement && id != mkvparse.BlockElement {
		return nil
	}
	return h.emitBlock(value, info)
}

// emitBlock parses the minimal SimpleBlock/Block header (track number as a
// vint, a 16-bit signed relative timecode, a flags byte) and hands the
// remainder off as frame payload.
func (h *handlerAdapter) emitBlock(value []byte, info mkvparse.ElementInfo) error {
	track, n, ok := readVint(value)
	if !ok {
		return fmt.Errorf("webm: malformed block header")
	}
	if n+3 > len(value) {
		return fmt.Errorf("webm: truncated block header")
	}
	relTs := int16(uint16(value[n])<<8 | uint16(value[n+1]))
	flags := value[n+2]
	payload := value[n+3:]

	meta, known := h.d.tracks[track]
	if !known {
		return nil
	}
	absTsNs := (h.d.curTs + int64(relTs)) * h.d.scale

	frame := &mediaframe.Frame{
		Mime:      meta.mime,
		IsKey:     flags&0x80 != 0 || meta.kind == mediaframe.KindAudio,
		Timestamp: uint32(absTsNs / int64(h.d.scale)),
		Payload:   nil,
	}
	buf := h.d.alloc.Allocate(len(payload))
	copy(buf.Bytes(), payload)
	frame.Payload = buf
	if meta.kind == mediaframe.KindAudio {
		frame.Audio = &mediaframe.AudioFrameConfig{Channels: meta.channels, BitsPerSample: 16}
	} else {
		frame.Video = &mediaframe.VideoFrameConfig{Width: meta.width, Height: meta.height}
	}
	h.d.handler.OnFrame(frame)
	return nil
}

// readVint reads an EBML variable-length integer (used for the block's
// leading track-number field), returning the decoded value and its
// encoded byte length.
func readVint(b []byte) (value uint64, length int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	first := b[0]
	mask := byte(0x80)
	length = 1
	for mask != 0 && first&mask == 0 {
		mask >>= 1
		length++
	}
	if length > len(b) || length > 8 {
		return 0, 0, false
	}
	value = uint64(first &^ mask)
	for i := 1; i < length; i++ {
		value = value<<8 | uint64(b[i])
	}
	return value, length, true
}
