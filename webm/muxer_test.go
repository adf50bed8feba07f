package webm

import (
	"bytes"
	"testing"

	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/mediaframe"
)

type recordingSink struct {
	started []uint64
	ended   []uint64
	payload bytes.Buffer
}

func (s *recordingSink) StartMediaWriting(senderID uint64) error {
	s.started = append(s.started, senderID)
	return nil
}

func (s *recordingSink) WriteMediaPayload(senderID uint64, buf []byte) error {
	s.payload.Write(buf)
	return nil
}

func (s *recordingSink) EndMediaWriting(senderID uint64) {
	s.ended = append(s.ended, senderID)
}

func makeFrame(alloc *bufferpool.Allocator, mime mediaframe.Mime, ts uint32, payload []byte) *mediaframe.Frame {
	buf := alloc.Allocate(len(payload))
	copy(buf.Bytes(), payload)
	return &mediaframe.Frame{Mime: mime, Timestamp: ts, IsKey: true, Payload: buf}
}

func TestMuxerEmitsEBMLHeaderAndSegment(t *testing.T) {
	alloc := bufferpool.New()
	sink := &recordingSink{}
	m := NewMuxer(1, sink)
	if _, err := m.AddAudioTrack(mediaframe.AudioFrameConfig{Channels: 1}, mediaframe.MimeOpus, 48000); err != nil {
		t.Fatalf("AddAudioTrack: %v", err)
	}
	f := makeFrame(alloc, mediaframe.MimeOpus, 960, []byte{0x0c, 0xff})
	if err := m.AddFrame(1, f, 20_000_000); err != nil {
		t.Fatalf("AddFrame: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.started) != 1 || sink.started[0] != 1 {
		t.Fatalf("expected exactly one StartMediaWriting(1), got %v", sink.started)
	}
	if len(sink.ended) != 1 {
		t.Fatalf("expected EndMediaWriting to fire once, got %v", sink.ended)
	}
	out := sink.payload.Bytes()
	if len(out) < 4 {
		t.Fatalf("expected non-trivial EBML output, got %d bytes", len(out))
	}
	// EBML header magic: 0x1A45DFA3.
	want := []byte{0x1A, 0x45, 0xDF, 0xA3}
	if !bytes.Equal(out[:4], want) {
		t.Fatalf("expected EBML header magic, got % x", out[:4])
	}
	// Segment element ID: 0x18538067.
	if !bytes.Contains(out, []byte{0x18, 0x53, 0x80, 0x67}) {
		t.Fatalf("expected a Segment element in the output")
	}
}

func TestMuxerRejectsTrackAddAfterWrite(t *testing.T) {
	alloc := bufferpool.New()
	sink := &recordingSink{}
	m := NewMuxer(1, sink)
	if _, err := m.AddAudioTrack(mediaframe.AudioFrameConfig{Channels: 1}, mediaframe.MimeOpus, 48000); err != nil {
		t.Fatalf("AddAudioTrack: %v", err)
	}
	f := makeFrame(alloc, mediaframe.MimeOpus, 960, []byte{0x0c})
	if err := m.AddFrame(1, f, 20_000_000); err != nil {
		t.Fatalf("AddFrame: %v", err)
	}
	if _, err := m.AddVideoTrack(mediaframe.VideoFrameConfig{Width: 640, Height: 480}, mediaframe.MimeVP8, 90000); err == nil {
		t.Fatalf("expected error adding a track after media has started")
	}
}

func TestMuxerInterleavesAudioAndVideoByTimestampFloor(t *testing.T) {
	alloc := bufferpool.New()
	sink := &recordingSink{}
	m := NewMuxer(1, sink)
	audioTrack, _ := m.AddAudioTrack(mediaframe.AudioFrameConfig{Channels: 1}, mediaframe.MimeOpus, 48000)
	videoTrack, _ := m.AddVideoTrack(mediaframe.VideoFrameConfig{Width: 640, Height: 480}, mediaframe.MimeVP8, 90000)

	// Video frame arrives first at ts=40ms; with no audio seen yet the floor
	// is 0, so it must stay pending rather than flush immediately.
	v1 := makeFrame(alloc, mediaframe.MimeVP8, 3600, []byte{0x10, 0x00, 0x01})
	if err := m.AddFrame(videoTrack, v1, 40_000_000); err != nil {
		t.Fatalf("AddFrame video: %v", err)
	}
	if len(m.pending) != 1 {
		t.Fatalf("expected the video frame to remain pending, got %d pending", len(m.pending))
	}

	// Audio catches up past the video timestamp; the floor becomes
	// min(41ms, 40ms) = 40ms, so the video frame flushes while the audio
	// frame, being past the floor, stays pending.
	a1 := makeFrame(alloc, mediaframe.MimeOpus, 1920, []byte{0x0c, 0xff})
	if err := m.AddFrame(audioTrack, a1, 41_000_000); err != nil {
		t.Fatalf("AddFrame audio: %v", err)
	}
	if len(m.pending) != 1 || m.pending[0].track != audioTrack {
		t.Fatalf("expected only the audio frame to remain pending once audio passed the video timestamp, got %d pending", len(m.pending))
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
