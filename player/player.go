// Package player implements RtpPacketsPlayer: it parses
// a translated container buffer back into timed RTP packets and schedules
// their emission on a timer so downstream delivery preserves (ssrc,
// source_id)-scoped ordering, one buffer at a time.
package player

import (
	"bytes"
	"log"
	"sync"
	"time"

	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/depacketizer"
	"github.com/n0remac/sfu-translate/mediaframe"
	"github.com/n0remac/sfu-translate/timerwheel"
	"github.com/n0remac/sfu-translate/webm"
	"github.com/pion/rtp"
)

// Callback receives the three lifecycle events of one played media buffer:
// one OnPlayStarted, N OnPlay (one per decoded frame, timestamped as an
// offset from the start of this media), one OnPlayFinished.
type Callback interface {
	OnPlayStarted(mediaID uint64, sourceID uint64, ssrc uint32)
	OnPlay(mediaID uint64, sourceID uint64, pkt *rtp.Packet)
	OnPlayFinished(mediaID uint64, sourceID uint64, ssrc uint32)
}

type streamInfo struct {
	ssrc        uint32
	clockRate   uint32
	payloadType uint8
	mime        mediaframe.Mime
	callback    Callback
}

type playKey struct {
	ssrc     uint32
	sourceID uint64
}

// playSession tracks one in-flight container buffer's scheduled emission.
// Every field here is touched only from the Wheel's loop goroutine (the
// chain of Singleshot callbacks that drives it), except stopped, which Stop
// sets under Player.mu.
type playSession struct {
	key      playKey
	mediaID  uint64
	info     *streamInfo
	frames   []*mediaframe.Frame
	idx      int
	baseMs   int64
	seq      uint16
	timerID  timerwheel.ID
	stopped  bool
}

type keyState struct {
	active *playSession
	queue  []*bufferpool.Buffer
}

// Player is one RtpPacketsPlayer instance, shared by every TranslatorSource
// that registers a stream with it.
type Player struct {
	mu    sync.Mutex
	wheel *timerwheel.Wheel
	alloc *bufferpool.Allocator

	streams     map[uint32]*streamInfo
	keys        map[playKey]*keyState
	nextMediaID uint64
}

// New constructs a Player scheduling playback on wheel and allocating
// demuxed frame payloads from alloc.
func New(wheel *timerwheel.Wheel, alloc *bufferpool.Allocator) *Player {
	return &Player{
		wheel:   wheel,
		alloc:   alloc,
		streams: make(map[uint32]*streamInfo),
		keys:    make(map[playKey]*keyState),
	}
}

// AddStream registers ssrc's output shape and the sink of its playback
// events.
func (p *Player) AddStream(ssrc uint32, clockRate uint32, payloadType uint8, mime mediaframe.Mime, cb Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams[ssrc] = &streamInfo{ssrc: ssrc, clockRate: clockRate, payloadType: payloadType, mime: mime, callback: cb}
}

// RemoveStream unregisters ssrc and abandons any in-flight or queued
// playback for every source_id under it.
func (p *Player) RemoveStream(ssrc uint32) {
	p.mu.Lock()
	delete(p.streams, ssrc)
	var toStop []*playSession
	for key, ks := range p.keys {
		if key.ssrc != ssrc {
			continue
		}
		if ks.active != nil {
			toStop = append(toStop, ks.active)
		}
		delete(p.keys, key)
	}
	p.mu.Unlock()
	for _, sess := range toStop {
		p.wheel.Unregister(sess.timerID)
	}
}

// Play parses buf as a Matroska container and schedules its frames for
// timed emission. If (ssrc, sourceID) already has a buffer in flight, buf
// is queued and starts only once the current one finishes: playback is
// serialized through the timer thread one buffer at a time.
func (p *Player) Play(ssrc uint32, sourceID uint64, buf *bufferpool.Buffer) {
	p.mu.Lock()
	info, ok := p.streams[ssrc]
	if !ok {
		p.mu.Unlock()
		return
	}
	key := playKey{ssrc: ssrc, sourceID: sourceID}
	ks := p.keys[key]
	if ks == nil {
		ks = &keyState{}
		p.keys[key] = ks
	}
	if ks.active != nil {
		ks.queue = append(ks.queue, buf)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.startSession(key, info, buf)
}

// Stop cancels any in-flight playback for (ssrc, sourceID), emitting
// OnPlayFinished for it and discarding anything queued behind it, matching
// a disconnect-triggered stop of that one media id.
func (p *Player) Stop(ssrc uint32, sourceID uint64) {
	key := playKey{ssrc: ssrc, sourceID: sourceID}
	p.mu.Lock()
	ks, ok := p.keys[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	active := ks.active
	ks.active = nil
	ks.queue = nil
	info := p.streams[ssrc]
	var alreadyStopped bool
	if active != nil {
		alreadyStopped = active.stopped
		active.stopped = true
	}
	p.mu.Unlock()

	if active == nil || alreadyStopped {
		return
	}
	p.wheel.Unregister(active.timerID)
	if info != nil {
		info.callback.OnPlayFinished(active.mediaID, sourceID, ssrc)
	}
}

func (p *Player) startSession(key playKey, info *streamInfo, buf *bufferpool.Buffer) {
	var frames []*mediaframe.Frame
	dmx := webm.NewDemuxer(p.alloc, webm.FrameHandlerFunc(func(f *mediaframe.Frame) {
		frames = append(frames, f)
	}))
	if err := dmx.Parse(bytes.NewReader(buf.Bytes())); err != nil {
		log.Printf("[player] demux ssrc=%d source=%d: %v", key.ssrc, key.sourceID, err)
	}

	p.mu.Lock()
	p.nextMediaID++
	mediaID := p.nextMediaID
	sess := &playSession{key: key, mediaID: mediaID, info: info, frames: frames}
	ks := p.keys[key]
	if ks == nil {
		ks = &keyState{}
		p.keys[key] = ks
	}
	ks.active = sess
	p.mu.Unlock()

	info.callback.OnPlayStarted(mediaID, key.sourceID, key.ssrc)

	if len(frames) == 0 {
		p.finishSession(sess)
		return
	}
	sess.baseMs = int64(frames[0].Timestamp)
	sess.timerID = p.wheel.Register(func() { p.emitNext(sess) })
	p.wheel.Start(sess.timerID, true)
}

// emitNext fires one scheduled frame and arms the next, preserving the
// original inter-frame spacing (in ms) so playback keeps the translated
// stream's real cadence.
func (p *Player) emitNext(sess *playSession) {
	p.mu.Lock()
	stopped := sess.stopped
	p.mu.Unlock()
	if stopped {
		return
	}

	frame := sess.frames[sess.idx]
	offsetMs := int64(frame.Timestamp) - sess.baseMs
	if offsetMs < 0 {
		offsetMs = 0
	}
	rtpTs := uint32(offsetMs * int64(sess.info.clockRate) / 1000)
	sess.seq++

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    sess.info.payloadType,
			SequenceNumber: sess.seq,
			Timestamp:      rtpTs,
			SSRC:           sess.key.ssrc,
		},
		Payload: postProcess(frame.Mime, frame.Payload.Bytes()),
	}
	sess.info.callback.OnPlay(sess.mediaID, sess.key.sourceID, pkt)

	sess.idx++
	if sess.idx >= len(sess.frames) {
		p.wheel.Unregister(sess.timerID)
		p.finishSession(sess)
		return
	}

	delayMs := int64(sess.frames[sess.idx].Timestamp) - int64(frame.Timestamp)
	if delayMs < 0 {
		delayMs = 0
	}
	p.wheel.SetTimeout(sess.timerID, time.Duration(delayMs)*time.Millisecond)
	p.wheel.Start(sess.timerID, true)
}

// finishSession reports OnPlayFinished and starts the next queued buffer
// for this key, if any.
func (p *Player) finishSession(sess *playSession) {
	p.mu.Lock()
	already := sess.stopped
	sess.stopped = true
	ks := p.keys[sess.key]
	var next *bufferpool.Buffer
	if ks != nil {
		ks.active = nil
		if len(ks.queue) > 0 {
			next = ks.queue[0]
			ks.queue = ks.queue[1:]
		}
	}
	info := sess.info
	p.mu.Unlock()
	if !already {
		info.callback.OnPlayFinished(sess.mediaID, sess.key.sourceID, sess.key.ssrc)
	}
	if next != nil {
		p.startSession(sess.key, info, next)
	}
}

// postProcess applies the per-codec fixups calls for (e.g.
// Opus TOC fixups); this subsystem is codec-passthrough (
// Non-goals: "no transcoding"), so for Opus this only validates the TOC
// byte still parses, never rewrites payload bytes.
func postProcess(mime mediaframe.Mime, payload []byte) []byte {
	if mime == mediaframe.MimeOpus && len(payload) > 0 {
		_ = depacketizer.ParseOpusTOC(payload[0])
	}
	return payload
}
