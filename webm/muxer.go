// Package webm implements the wire container for the translation pipeline:
// a live-profile, single-segment Matroska muxer (no seek, no cues, no
// duration estimate) and a pull-based demuxer for the reply direction.
package webm

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/n0remac/sfu-translate/mediaframe"
)

// writerApp identifies this muxer in the Matroska SegmentInfo.
const writerApp = "sfu-translate"

// CodecID maps a mediaframe.Mime to its Matroska codec id.
func CodecID(mime mediaframe.Mime) (string, error) {
	switch mime {
	case mediaframe.MimeOpus:
		return "A_OPUS", nil
	case mediaframe.MimeVP8:
		return "V_VP8", nil
	case mediaframe.MimeVP9:
		return "V_VP9", nil
	case mediaframe.MimeH264:
		return "V_MPEG4/ISO/AVC", nil
	case mediaframe.MimeH265:
		return "V_MPEGH/ISO/HEVC", nil
	case mediaframe.MimePCMA, mediaframe.MimePCMU:
		return "A_PCM/FLOAT/IEEE", nil
	default:
		return "", fmt.Errorf("webm: unsupported mime %q", mime)
	}
}

// Sink receives the muxer's append-only output buffer. Implementations must
// not retain buf past the call. The muxer hands off its accumulated slice and
// starts a fresh one for the next output. A
// non-owning raw pointer in the original; here a plain []byte handed off
// synchronously achieves the same effect.
type Sink interface {
	StartMediaWriting(senderID uint64) error
	WriteMediaPayload(senderID uint64, buf []byte) error
	EndMediaWriting(senderID uint64)
}

type pendingFrame struct {
	track     uint64
	keyframe  bool
	tsNs      int64
	payload   []byte
}

// Muxer is a single live-mode Matroska segment writer. Tracks must be added
// before any frame is written; SimpleBlocks are flushed only once their
// timestamp is <= the minimum "last seen" timestamp across all declared
// tracks, keeping interleaving monotonic .
type Muxer struct {
	mu sync.Mutex

	senderID   uint64
	sink       Sink
	startedOut bool

	audioTrack   *trackInfo
	videoTrack   *trackInfo
	blockWriters []webm.BlockWriteCloser
	started      bool // frames have begun flowing; tracks now immutable

	pending      []pendingFrame
	lastWritten  map[uint64]int64 // track number -> last flushed ts
	seen         map[uint64]int64 // track number -> last seen (pre-flush) ts

	buf pendingWriter
}

type trackInfo struct {
	number  uint64
	codecID string
	audio   *mediaframe.AudioFrameConfig
	video   *mediaframe.VideoFrameConfig
	clock   uint32
}

// pendingWriter is an append-only in-memory buffer the muxer writes EBML
// bytes into before handing them to Sink "append-only
// in-memory buffer."
type pendingWriter struct {
	data []byte
}

func (p *pendingWriter) Write(b []byte) (int, error) {
	p.data = append(p.data, b...)
	return len(b), nil
}

func (p *pendingWriter) takeAndReset() []byte {
	out := p.data
	p.data = nil
	return out
}

// NewMuxer constructs a Muxer that will flush to sink under senderID once
// StartMediaWriting has been called for the first payload.
func NewMuxer(senderID uint64, sink Sink) *Muxer {
	return &Muxer{
		senderID:    senderID,
		sink:        sink,
		lastWritten: make(map[uint64]int64),
	}
}

// AddAudioTrack declares the audio track; must be called before any frame is
// written.
func (m *Muxer) AddAudioTrack(cfg mediaframe.AudioFrameConfig, mime mediaframe.Mime, clockRate uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return 0, errors.New("webm: cannot add track after media has been written")
	}
	codecID, err := CodecID(mime)
	if err != nil {
		return 0, err
	}
	number := uint64(1)
	if m.videoTrack != nil {
		number = m.videoTrack.number + 1
	}
	m.audioTrack = &trackInfo{number: number, codecID: codecID, audio: &cfg, clock: clockRate}
	return number, nil
}

// AddVideoTrack declares the video track; must be called before any frame is
// written.
func (m *Muxer) AddVideoTrack(cfg mediaframe.VideoFrameConfig, mime mediaframe.Mime, clockRate uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return 0, errors.New("webm: cannot add track after media has been written")
	}
	codecID, err := CodecID(mime)
	if err != nil {
		return 0, err
	}
	number := uint64(1)
	if m.audioTrack != nil {
		number = m.audioTrack.number + 1
	}
	m.videoTrack = &trackInfo{number: number, codecID: codecID, video: &cfg, clock: clockRate}
	return number, nil
}

// ensureStarted lazily builds the EBML header + Segment + Tracks once the
// first frame arrives, per ebml-go's webm.NewSimpleBlockWriter contract.
func (m *Muxer) ensureStarted() error {
	if m.started {
		return nil
	}
	var entries []webm.TrackEntry
	if m.audioTrack != nil {
		entries = append(entries, webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: m.audioTrack.number,
			TrackUID:    m.audioTrack.number,
			CodecID:     m.audioTrack.codecID,
			TrackType:   2, // audio
			Audio: &webm.Audio{
				SamplingFrequency: float64(m.audioTrack.clock),
				Channels:          uint64(m.audioTrack.audio.Channels),
			},
		})
	}
	if m.videoTrack != nil {
		entries = append(entries, webm.TrackEntry{
			Name:        "Video",
			TrackNumber: m.videoTrack.number,
			TrackUID:    m.videoTrack.number,
			CodecID:     m.videoTrack.codecID,
			TrackType:   1, // video
			Video: &webm.Video{
				PixelWidth:  uint64(m.videoTrack.video.Width),
				PixelHeight: uint64(m.videoTrack.video.Height),
			},
		})
	}
	if len(entries) == 0 {
		return errors.New("webm: no tracks declared")
	}
	writers, err := webm.NewSimpleBlockWriter(&m.buf, entries,
		webm.WithEBMLHeader(webm.DefaultEBMLHeader),
		webm.WithSegmentInfo(&webm.SegmentInfo{
			TimecodeScale: 1000000, // ns per tick, ms-resolution timecodes
			MuxingApp:     writerApp,
			WritingApp:    writerApp,
		}),
	)
	if err != nil {
		return fmt.Errorf("webm: init segment: %w", err)
	}
	m.blockWriters = writers
	m.started = true
	return nil
}

// AddFrame enqueues frame on track at mkvTsNs, then flushes whatever portion
// of the pending set is now safe to write in timestamp order. Frames whose
// timestamp regresses for their track are dropped.
func (m *Muxer) AddFrame(track uint64, frame *mediaframe.Frame, mkvTsNs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureStarted(); err != nil {
		return err
	}
	if last, ok := m.lastWritten[track]; ok && mkvTsNs < last {
		return nil // dropped: out-of-order for this track
	}

	m.pending = append(m.pending, pendingFrame{
		track:    track,
		keyframe: frame.IsKey,
		tsNs:     mkvTsNs,
		payload:  frame.Payload.Bytes(),
	})
	sort.SliceStable(m.pending, func(i, j int) bool { return m.pending[i].tsNs < m.pending[j].tsNs })

	floor := m.flushFloor(track, mkvTsNs)
	if err := m.flushUpTo(floor); err != nil {
		return err
	}
	return m.dispatch()
}

// flushFloor computes the timestamp up to which it is safe to flush: the
// minimum of the last-seen timestamp across all declared tracks (or just
// this track's own, if only one medium is present).
func (m *Muxer) flushFloor(track uint64, ts int64) int64 {
	m.trackLast(track, ts)
	if m.audioTrack != nil && m.videoTrack != nil {
		a := m.trackLastSeen(m.audioTrack.number)
		v := m.trackLastSeen(m.videoTrack.number)
		if a < v {
			return a
		}
		return v
	}
	return m.trackLastSeen(track)
}

func (m *Muxer) trackLast(track uint64, ts int64) {
	if cur, ok := m.seenByTrack(track); !ok || ts > cur {
		m.setSeen(track, ts)
	}
}

// seenByTrack/setSeen track the most recent timestamp observed per track
// (distinct from lastWritten, which tracks what was actually flushed).
func (m *Muxer) seenByTrack(track uint64) (int64, bool) {
	v, ok := m.seen[track]
	return v, ok
}

func (m *Muxer) setSeen(track uint64, ts int64) {
	if m.seen == nil {
		m.seen = make(map[uint64]int64)
	}
	m.seen[track] = ts
}

func (m *Muxer) trackLastSeen(track uint64) int64 {
	v, ok := m.seen[track]
	if !ok {
		return 0
	}
	return v
}

func (m *Muxer) flushUpTo(floor int64) error {
	var kept []pendingFrame
	for _, pf := range m.pending {
		if pf.tsNs > floor {
			kept = append(kept, pf)
			continue
		}
		if err := m.writeBlock(pf); err != nil {
			return err
		}
		m.lastWritten[pf.track] = pf.tsNs
	}
	m.pending = kept
	return nil
}

func (m *Muxer) writeBlock(pf pendingFrame) error {
	var w webm.BlockWriteCloser
	if m.audioTrack != nil && pf.track == m.audioTrack.number {
		w = m.writerFor(m.audioTrack.number)
	} else if m.videoTrack != nil && pf.track == m.videoTrack.number {
		w = m.writerFor(m.videoTrack.number)
	}
	if w == nil {
		return fmt.Errorf("webm: unknown track %d", pf.track)
	}
	_, err := w.Write(pf.keyframe, pf.tsNs/int64(time.Millisecond), pf.payload)
	return err
}

func (m *Muxer) writerFor(track uint64) webm.BlockWriteCloser {
	if m.audioTrack != nil && track == m.audioTrack.number && len(m.blockWriters) > 0 {
		return m.blockWriters[0]
	}
	if m.videoTrack != nil && track == m.videoTrack.number {
		if m.audioTrack != nil && len(m.blockWriters) > 1 {
			return m.blockWriters[1]
		}
		if m.audioTrack == nil && len(m.blockWriters) > 0 {
			return m.blockWriters[0]
		}
	}
	return nil
}

// dispatch hands any freshly accumulated bytes to the Sink.
func (m *Muxer) dispatch() error {
	out := m.buf.takeAndReset()
	if len(out) == 0 {
		return nil
	}
	if !m.startedOut {
		if err := m.sink.StartMediaWriting(m.senderID); err != nil {
			return err
		}
		m.startedOut = true
	}
	return m.sink.WriteMediaPayload(m.senderID, out)
}

// Close finalizes the segment and notifies the sink
// "on finalization end_media_writing(sender_id) fires."
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.blockWriters {
		_ = w.Close()
	}
	if err := m.dispatch(); err != nil {
		return err
	}
	if m.startedOut {
		m.sink.EndMediaWriting(m.senderID)
	}
	return nil
}

var _ io.Writer = (*pendingWriter)(nil)
