// Package serializer implements MediaFrameSerializer and SinkWriter: fan-out
// of one producer frame stream to N per-sink muxer instances via the shared
// writer queue.
package serializer

import (
	"sync"
	"sync/atomic"

	"github.com/n0remac/sfu-translate/mediaframe"
	"github.com/n0remac/sfu-translate/webm"
	"github.com/n0remac/sfu-translate/writerqueue"
)

var nextSerializerID atomic.Uint64

// Sink is the destination a SinkWriter eventually muxes into — typically a
// TranslatorEndPoint's outbound media path.
type Sink = webm.Sink

type frameQueue = writerqueue.Queue[*mediaframe.Frame]

// Serializer fans out one producer's Frame stream to every registered Sink,
// each behind its own SinkWriter/Muxer so a Sink can join mid-stream and
// start from a fresh EBML header.
type Serializer struct {
	id    uint64
	queue *frameQueue

	mu         sync.Mutex
	sinks      map[uint64]*SinkWriter
	paused     bool
	nextSinkID uint64
}

// New constructs a Serializer that enqueues work onto queue under a unique
// writer id.
func New(queue *frameQueue) *Serializer {
	s := &Serializer{
		id:    nextSerializerID.Add(1),
		queue: queue,
		sinks: make(map[uint64]*SinkWriter),
	}
	queue.Register(s.id, s)
	return s
}

// AddSink registers sink under senderID, returning a handle for RemoveSink.
// The sink's SinkWriter starts with a fresh muxer state
// ("the sink receives a new EBML header").
func (s *Serializer) AddSink(sink Sink, senderID uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSinkID++
	id := s.nextSinkID
	s.sinks[id] = newSinkWriter(sink, senderID)
	return id
}

// RemoveSink unregisters the sink and closes its muxer.
func (s *Serializer) RemoveSink(id uint64) {
	s.mu.Lock()
	sw, ok := s.sinks[id]
	delete(s.sinks, id)
	s.mu.Unlock()
	if ok {
		_ = sw.close()
	}
}

// SetPaused toggles write's no-op behavior.
func (s *Serializer) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

// Paused reports the current pause state.
func (s *Serializer) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Write enqueues frame for fan-out. A no-op while paused or with no sinks
// registered; resume emits no catch-up frames because nothing was buffered
// while paused.
func (s *Serializer) Write(frame *mediaframe.Frame) {
	s.mu.Lock()
	skip := s.paused || len(s.sinks) == 0
	s.mu.Unlock()
	if skip {
		return
	}
	s.queue.Write(writerqueue.PacketInfo[*mediaframe.Frame]{WriterID: s.id, Payload: frame})
}

// WriteRTPMedia implements writerqueue.Writer: the background drain
// goroutine calls back into the serializer, which fans the frame out to
// every SinkWriter.
func (s *Serializer) WriteRTPMedia(info writerqueue.PacketInfo[*mediaframe.Frame]) {
	s.mu.Lock()
	sinks := make([]*SinkWriter, 0, len(s.sinks))
	for _, sw := range s.sinks {
		sinks = append(sinks, sw)
	}
	s.mu.Unlock()
	for _, sw := range sinks {
		sw.writeFrame(info.Payload)
	}
}

// Close tears down every sink and unregisters from the writer queue.
func (s *Serializer) Close() {
	s.mu.Lock()
	sinks := s.sinks
	s.sinks = make(map[uint64]*SinkWriter)
	s.mu.Unlock()
	for _, sw := range sinks {
		_ = sw.close()
	}
	s.queue.Unregister(s.id)
}
