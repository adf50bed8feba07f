package player

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/mediaframe"
	"github.com/n0remac/sfu-translate/timerwheel"
	"github.com/n0remac/sfu-translate/webm"
	"github.com/pion/rtp"
)

type recordingCallback struct {
	mu       sync.Mutex
	started  []uint64
	finished []uint64
	packets  []*rtp.Packet
}

func (c *recordingCallback) OnPlayStarted(mediaID, sourceID uint64, ssrc uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, mediaID)
}

func (c *recordingCallback) OnPlay(mediaID, sourceID uint64, pkt *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, pkt)
}

func (c *recordingCallback) OnPlayFinished(mediaID, sourceID uint64, ssrc uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, mediaID)
}

func (c *recordingCallback) snapshot() (started, finished, packets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.started), len(c.finished), len(c.packets)
}

// buildContainer muxes n Opus frames spaced 20ms apart into a self-contained
// WebM byte stream, the same round-trip fixture webm's own tests use.
func buildContainer(t *testing.T, alloc *bufferpool.Allocator, n int) []byte {
	t.Helper()
	var out bytes.Buffer
	sink := containerSink{buf: &out}
	m := webm.NewMuxer(1, sink)
	track, err := m.AddAudioTrack(mediaframe.AudioFrameConfig{Channels: 1}, mediaframe.MimeOpus, 48000)
	if err != nil {
		t.Fatalf("AddAudioTrack: %v", err)
	}
	for i := 0; i < n; i++ {
		buf := alloc.Allocate(2)
		copy(buf.Bytes(), []byte{0x0c, 0xff})
		frame := &mediaframe.Frame{Mime: mediaframe.MimeOpus, IsKey: true, Payload: buf}
		if err := m.AddFrame(track, frame, int64(i)*20_000_000); err != nil {
			t.Fatalf("AddFrame: %v", err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return out.Bytes()
}

type containerSink struct{ buf *bytes.Buffer }

func (s containerSink) StartMediaWriting(uint64) error             { return nil }
func (s containerSink) WriteMediaPayload(_ uint64, b []byte) error { _, err := s.buf.Write(b); return err }
func (s containerSink) EndMediaWriting(uint64)                     {}

func TestPlaySchedulesFramesAndFinishes(t *testing.T) {
	alloc := bufferpool.New()
	wheel := timerwheel.New()
	defer wheel.Close()

	p := New(wheel, alloc)
	cb := &recordingCallback{}
	p.AddStream(111, 48000, 96, mediaframe.MimeOpus, cb)

	data := buildContainer(t, alloc, 5)
	containerBuf := alloc.Allocate(len(data))
	copy(containerBuf.Bytes(), data)

	p.Play(111, 77, containerBuf)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, finished, packets := cb.snapshot(); finished == 1 && packets == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	started, finished, packets := cb.snapshot()
	if started != 1 {
		t.Fatalf("expected exactly one OnPlayStarted, got %d", started)
	}
	if packets != 5 {
		t.Fatalf("expected 5 OnPlay calls, got %d", packets)
	}
	if finished != 1 {
		t.Fatalf("expected exactly one OnPlayFinished, got %d", finished)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	for i, pkt := range cb.packets {
		if pkt.SSRC != 111 {
			t.Fatalf("packet %d: expected ssrc 111, got %d", i, pkt.SSRC)
		}
		if pkt.SequenceNumber != uint16(i+1) {
			t.Fatalf("packet %d: expected seq %d, got %d", i, i+1, pkt.SequenceNumber)
		}
	}
	for i := 1; i < len(cb.packets); i++ {
		if cb.packets[i].Timestamp <= cb.packets[i-1].Timestamp {
			t.Fatalf("expected strictly increasing RTP timestamps, got %d then %d",
				cb.packets[i-1].Timestamp, cb.packets[i].Timestamp)
		}
	}
}

func TestStopEmitsFinishedOnceAndCancelsQueue(t *testing.T) {
	alloc := bufferpool.New()
	wheel := timerwheel.New()
	defer wheel.Close()

	p := New(wheel, alloc)
	cb := &recordingCallback{}
	p.AddStream(222, 48000, 96, mediaframe.MimeOpus, cb)

	data := buildContainer(t, alloc, 20)
	containerBuf := alloc.Allocate(len(data))
	copy(containerBuf.Bytes(), data)
	p.Play(222, 5, containerBuf)
	// A second buffer queues behind the first; Stop must discard it.
	queuedBuf := alloc.Allocate(len(data))
	copy(queuedBuf.Bytes(), data)
	p.Play(222, 5, queuedBuf)

	time.Sleep(20 * time.Millisecond)
	p.Stop(222, 5)
	p.Stop(222, 5) // idempotent: must not double-report finished

	time.Sleep(100 * time.Millisecond)
	started, finished, _ := cb.snapshot()
	if started != 1 {
		t.Fatalf("expected the queued buffer never to start after Stop, got %d OnPlayStarted", started)
	}
	if finished != 1 {
		t.Fatalf("expected exactly one OnPlayFinished after Stop, got %d", finished)
	}
}

func TestSecondBufferQueuesUntilFirstFinishes(t *testing.T) {
	alloc := bufferpool.New()
	wheel := timerwheel.New()
	defer wheel.Close()

	p := New(wheel, alloc)
	cb := &recordingCallback{}
	p.AddStream(333, 48000, 96, mediaframe.MimeOpus, cb)

	data := buildContainer(t, alloc, 3)
	buf1 := alloc.Allocate(len(data))
	copy(buf1.Bytes(), data)
	buf2 := alloc.Allocate(len(data))
	copy(buf2.Bytes(), data)

	p.Play(333, 9, buf1)
	p.Play(333, 9, buf2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if started, finished, _ := cb.snapshot(); started == 2 && finished == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	started, finished, packets := cb.snapshot()
	if started != 2 || finished != 2 {
		t.Fatalf("expected both buffers to play sequentially: started=%d finished=%d", started, finished)
	}
	if packets != 6 {
		t.Fatalf("expected 6 total packets across both buffers, got %d", packets)
	}
}
