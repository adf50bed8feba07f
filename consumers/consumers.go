// Package consumers implements ConsumersManager and EndPointInfo:
// per-source endpoint lifecycle, consumer/endpoint matching, and
// per-consumer RTP timeline mapping. Packet cloning and field rewriting
// follows the same shallow-copy-then-rewrite idiom as rtpRewrite.mapPacket
// in n0remac-robot-webrtc's webrtc/sfu.go.
package consumers

import (
	"fmt"
	"sync"

	"github.com/n0remac/sfu-translate/mediaframe"
	"github.com/pion/rtp"
)

// LangVoiceKey identifies an (output language, output voice) tuple; at most
// one endpoint exists per key within one Manager.
type LangVoiceKey struct {
	Language string
	Voice    string
}

// EndPointHandle is the subset of endpoint.EndPoint the manager needs,
// expressed structurally so this package does not import endpoint (which
// would create an import cycle once translator wires both together).
type EndPointHandle interface {
	SetLanguageVoice(from, to, voiceID string)
	Close()
}

// Factory creates a new endpoint for key, e.g. dialing the translation
// service or falling back to a stub when unavailable. id
// is the numeric endpoint id the Manager has already assigned, handed to
// the factory so callers (translator.Translator) can correlate their own
// endpoint identity with the id BeginPacketsSending/SendPacket/
// EndPacketsSending address.
type Factory func(id uint64, key LangVoiceKey) EndPointHandle

// EndPointInfo is one active (language, voice) tuple's state within a
// source.
type EndPointInfo struct {
	id        uint64
	Endpoint  EndPointHandle
	Key       LangVoiceKey
	Consumers map[string]struct{}

	mu                   sync.Mutex
	playing              bool
	mediaID              uint64
	timeline             *mediaframe.Timeline // clone of original_timeline, taken at join and again at play start
	startTs              uint32
	offset               uint32
	lastTranslatedTs     uint32
	haveLastTranslatedTs bool
}

func newEndPointInfo(id uint64, ep EndPointHandle, key LangVoiceKey, initial *mediaframe.Timeline) *EndPointInfo {
	return &EndPointInfo{
		id:        id,
		Endpoint:  ep,
		Key:       key,
		Consumers: make(map[string]struct{}),
		timeline:  initial,
	}
}

// IsPlaying reports whether this endpoint is currently delivering translated
// audio.
func (e *EndPointInfo) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// OutgoingPacket is one packet a Manager method emits, addressed to every
// consumer except those in Rejected.
type OutgoingPacket struct {
	Packet   *rtp.Packet
	Rejected map[string]struct{}
}

// Manager is one ConsumersManager instance, owned by a single
// TranslatorSource for one original/mapped SSRC pair.
type Manager struct {
	mu sync.Mutex

	mappedSSRC       uint32
	payloadType      uint8
	originalTimeline *mediaframe.Timeline
	factory          Factory

	endpoints        map[uint64]*EndPointInfo
	byKey            map[LangVoiceKey]uint64
	consumerEndpoint map[string]uint64
	nextEndpointID   uint64
}

// New constructs a Manager for one SSRC pair.
func New(mappedSSRC uint32, payloadType uint8, factory Factory) *Manager {
	return &Manager{
		mappedSSRC:       mappedSSRC,
		payloadType:      payloadType,
		originalTimeline: mediaframe.NewTimeline(),
		factory:          factory,
		endpoints:        make(map[uint64]*EndPointInfo),
		byKey:            make(map[LangVoiceKey]uint64),
		consumerEndpoint: make(map[string]uint64),
	}
}

// SetInputLanguage broadcasts a new source language to every endpoint.
func (m *Manager) SetInputLanguage(lang string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.endpoints {
		info.Endpoint.SetLanguageVoice(lang, info.Key.Language, info.Key.Voice)
	}
}

// AddConsumer attaches consumerID to the endpoint matching key, creating one
// via the factory if none exists.
func (m *Manager) AddConsumer(consumerID string, key LangVoiceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.consumerEndpoint[consumerID]; exists {
		return fmt.Errorf("consumers: %q already attached", consumerID)
	}
	info := m.findOrCreateLocked(key)
	info.Consumers[consumerID] = struct{}{}
	m.consumerEndpoint[consumerID] = info.id
	return nil
}

// UpdateConsumer moves consumerID to the endpoint for newKey. If the
// consumer's current endpoint becomes empty, it is repurposed in place
// rather than destroyed and recreated.
func (m *Manager) UpdateConsumer(consumerID string, newKey LangVoiceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	curID, ok := m.consumerEndpoint[consumerID]
	if !ok {
		return fmt.Errorf("consumers: %q not attached", consumerID)
	}
	cur := m.endpoints[curID]
	delete(cur.Consumers, consumerID)

	if len(cur.Consumers) == 0 {
		delete(m.byKey, cur.Key)
		cur.Key = newKey
		m.byKey[newKey] = cur.id
		cur.Endpoint.SetLanguageVoice("", newKey.Language, newKey.Voice)
		cur.Consumers[consumerID] = struct{}{}
		return nil
	}

	info := m.findOrCreateLocked(newKey)
	info.Consumers[consumerID] = struct{}{}
	m.consumerEndpoint[consumerID] = info.id
	return nil
}

// RemoveConsumer detaches consumerID, destroying its endpoint if it becomes
// empty.
func (m *Manager) RemoveConsumer(consumerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.consumerEndpoint[consumerID]
	if !ok {
		return
	}
	delete(m.consumerEndpoint, consumerID)
	info, ok := m.endpoints[id]
	if !ok {
		return
	}
	delete(info.Consumers, consumerID)
	if len(info.Consumers) == 0 {
		delete(m.endpoints, id)
		delete(m.byKey, info.Key)
		info.Endpoint.Close()
	}
}

func (m *Manager) findOrCreateLocked(key LangVoiceKey) *EndPointInfo {
	if id, ok := m.byKey[key]; ok {
		return m.endpoints[id]
	}
	m.nextEndpointID++
	id := m.nextEndpointID
	ep := m.factory(id, key)
	// A newly joined endpoint starts its own timeline from the producer's
	// current position, rather than from zero, so its first few forwarded
	// original packets don't carry a spurious multi-second timestamp jump.
	info := newEndPointInfo(id, ep, key, m.originalTimeline.Clone())
	m.endpoints[id] = info
	m.byKey[key] = id
	return info
}

// allConsumersExceptLocked returns every attached consumer id outside
// exclude's endpoint, used to mark a packet addressed to one endpoint's
// consumers as rejected for everyone else.
func (m *Manager) allConsumersExceptLocked(exclude *EndPointInfo) map[string]struct{} {
	rejected := make(map[string]struct{}, len(m.consumerEndpoint))
	for cid := range m.consumerEndpoint {
		if _, mine := exclude.Consumers[cid]; !mine {
			rejected[cid] = struct{}{}
		}
	}
	return rejected
}

// DispatchOriginalPacket updates the original timeline and returns one
// mapped clone per endpoint that is not currently playing translated audio
// — each addressed to that endpoint's own consumers and rejected for
// everyone else — plus the rejected set for the original packet itself: the
// union of every endpoint's own consumers, playing or not. A playing
// endpoint's consumers are never sent the original (they get SendPacket
// output instead), so they go straight into that union without a clone; a
// non-playing endpoint's consumers go into the union too, since they get the
// clone in place of the original.
func (m *Manager) DispatchOriginalPacket(pkt *rtp.Packet) ([]OutgoingPacket, map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prevTs := m.originalTimeline.Timestamp()
	m.originalTimeline.SetTimestamp(pkt.Timestamp)
	m.originalTimeline.SetSeqNumber(pkt.SequenceNumber)
	delta := pkt.Timestamp - prevTs

	rejectOriginal := make(map[string]struct{}, len(m.consumerEndpoint))
	var out []OutgoingPacket
	for _, info := range m.endpoints {
		for cid := range info.Consumers {
			rejectOriginal[cid] = struct{}{}
		}
		if info.IsPlaying() {
			continue
		}
		outTs, outSeq := info.advanceOriginal(delta)
		cp := *pkt
		cp.SSRC = m.mappedSSRC
		cp.PayloadType = m.payloadType
		cp.Timestamp = outTs
		cp.SequenceNumber = outSeq
		out = append(out, OutgoingPacket{Packet: &cp, Rejected: m.allConsumersExceptLocked(info)})
	}
	return out, rejectOriginal
}

// advanceOriginal rewrites this endpoint's own timeline forward by delta
// (the original stream's inter-packet timestamp delta) and returns the
// timestamp/sequence to stamp onto the forwarded clone:
// "timestamp = endpoint_timeline.timestamp + original_delta".
func (e *EndPointInfo) advanceOriginal(delta uint32) (ts uint32, seq uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts = e.timeline.Timestamp() + delta
	e.timeline.SetTimestamp(ts)
	seq = e.timeline.AdvanceSeqNumber()
	return ts, seq
}

// BeginPacketsSending marks endpointID as playing and snapshots the current
// original timeline as its own.
func (m *Manager) BeginPacketsSending(mediaID uint64, endpointID uint64) {
	m.mu.Lock()
	info, ok := m.endpoints[endpointID]
	snapshot := m.originalTimeline.Clone()
	m.mu.Unlock()
	if !ok {
		return
	}
	info.mu.Lock()
	info.playing = true
	info.mediaID = mediaID
	info.timeline = snapshot
	info.startTs = snapshot.Timestamp()
	info.offset = 0
	info.haveLastTranslatedTs = false
	info.mu.Unlock()
}

// SendPacket rewrites a translated packet's timestamp/sequence onto
// endpointID's own timeline and returns it addressed to that endpoint's
// consumers, rejected for everyone else. The first translated packet for a
// play session bumps the offset once by the snapshot timeline's pending
// delta, continuing on from wherever the original stream left off; every
// later packet in the session accumulates its own translated-to-translated
// delta on top of that baseline.
func (m *Manager) SendPacket(mediaID uint64, endpointID uint64, translated *rtp.Packet) (OutgoingPacket, bool) {
	m.mu.Lock()
	info, ok := m.endpoints[endpointID]
	if !ok {
		m.mu.Unlock()
		return OutgoingPacket{}, false
	}
	rejected := m.allConsumersExceptLocked(info)
	mappedSSRC := m.mappedSSRC
	payloadType := m.payloadType
	m.mu.Unlock()

	info.mu.Lock()
	if info.mediaID != mediaID || !info.playing {
		info.mu.Unlock()
		return OutgoingPacket{}, false
	}
	if !info.haveLastTranslatedTs {
		info.offset += info.timeline.TimestampDelta()
		info.lastTranslatedTs = translated.Timestamp
		info.haveLastTranslatedTs = true
	} else if delta := translated.Timestamp - info.lastTranslatedTs; int32(delta) > 0 {
		info.offset += delta
		info.lastTranslatedTs = translated.Timestamp
	}
	outTs := info.startTs + info.offset
	outSeq := info.timeline.AdvanceSeqNumber()
	info.mu.Unlock()

	cp := *translated
	cp.SSRC = mappedSSRC
	cp.PayloadType = payloadType
	cp.Timestamp = outTs
	cp.SequenceNumber = outSeq
	return OutgoingPacket{Packet: &cp, Rejected: rejected}, true
}

// EndPacketsSending clears the playing flag for endpointID.
func (m *Manager) EndPacketsSending(mediaID uint64, endpointID uint64) {
	m.mu.Lock()
	info, ok := m.endpoints[endpointID]
	m.mu.Unlock()
	if !ok {
		return
	}
	info.mu.Lock()
	if info.mediaID == mediaID {
		info.playing = false
	}
	info.mu.Unlock()
}
