package serializer

import (
	"testing"
	"time"

	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/mediaframe"
	"github.com/n0remac/sfu-translate/writerqueue"
)

type recordingSink struct {
	started, ended []uint64
	writes         int
}

func (s *recordingSink) StartMediaWriting(senderID uint64) error {
	s.started = append(s.started, senderID)
	return nil
}

func (s *recordingSink) WriteMediaPayload(senderID uint64, buf []byte) error {
	s.writes++
	return nil
}

func (s *recordingSink) EndMediaWriting(senderID uint64) {
	s.ended = append(s.ended, senderID)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition never became true")
	}
}

func audioFrame(alloc *bufferpool.Allocator, ts uint32) *mediaframe.Frame {
	buf := alloc.Allocate(2)
	copy(buf.Bytes(), []byte{0x0c, 0xff})
	return &mediaframe.Frame{
		Mime:      mediaframe.MimeOpus,
		IsKey:     true,
		Timestamp: ts,
		ClockRate: 48000,
		Payload:   buf,
		Audio:     &mediaframe.AudioFrameConfig{Channels: 1, BitsPerSample: 16},
	}
}

func TestWriteIsNoOpWithNoSinks(t *testing.T) {
	alloc := bufferpool.New()
	q := writerqueue.New[*mediaframe.Frame]()
	s := New(q)
	defer s.Close()

	s.Write(audioFrame(alloc, 960))
	time.Sleep(10 * time.Millisecond)
	// Nothing registered to observe; the call simply must not panic or block.
}

func TestAddSinkReceivesSubsequentFrames(t *testing.T) {
	alloc := bufferpool.New()
	q := writerqueue.New[*mediaframe.Frame]()
	s := New(q)
	defer s.Close()

	sink := &recordingSink{}
	s.AddSink(sink, 42)

	s.Write(audioFrame(alloc, 960))
	s.Write(audioFrame(alloc, 1920))

	waitFor(t, func() bool { return sink.writes > 0 })
	if len(sink.started) != 1 || sink.started[0] != 42 {
		t.Fatalf("expected StartMediaWriting(42) exactly once, got %v", sink.started)
	}
}

func TestPausedWriteIsNoOp(t *testing.T) {
	alloc := bufferpool.New()
	q := writerqueue.New[*mediaframe.Frame]()
	s := New(q)
	defer s.Close()

	sink := &recordingSink{}
	s.AddSink(sink, 1)
	s.SetPaused(true)

	s.Write(audioFrame(alloc, 960))
	time.Sleep(20 * time.Millisecond)
	if sink.writes != 0 {
		t.Fatalf("expected no writes while paused, got %d", sink.writes)
	}

	s.SetPaused(false)
	s.Write(audioFrame(alloc, 1920))
	waitFor(t, func() bool { return sink.writes > 0 })
}

func TestSinkAddedMidStreamGetsFreshMuxer(t *testing.T) {
	alloc := bufferpool.New()
	q := writerqueue.New[*mediaframe.Frame]()
	s := New(q)
	defer s.Close()

	first := &recordingSink{}
	s.AddSink(first, 1)
	s.Write(audioFrame(alloc, 960))
	waitFor(t, func() bool { return first.writes > 0 })

	second := &recordingSink{}
	s.AddSink(second, 2)
	s.Write(audioFrame(alloc, 1920))
	waitFor(t, func() bool { return second.writes > 0 })
	if len(second.started) != 1 || second.started[0] != 2 {
		t.Fatalf("expected the late-joining sink to get its own StartMediaWriting, got %v", second.started)
	}
}
