package translator

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/consumers"
	"github.com/n0remac/sfu-translate/depacketizer"
	"github.com/n0remac/sfu-translate/endpoint"
	"github.com/n0remac/sfu-translate/mediaframe"
	"github.com/n0remac/sfu-translate/player"
	"github.com/n0remac/sfu-translate/serializer"
	"github.com/n0remac/sfu-translate/writerqueue"
	"github.com/pion/rtp"
)

// Depacketizer is the subset of depacketizer.OpusDepacketizer and
// depacketizer.VPxDepacketizer that Source drives.
type Depacketizer interface {
	AddPacket(pkt *rtp.Packet, deepCopy bool) (frame *mediaframe.Frame, configChanged bool)
}

// RtpPacketsCollector is the external sink matched RTP packets are
// delivered to: "packets emerge on mapped_ssrc through the
// caller-supplied RtpPacketsCollector with a rejected_consumers set
// attached." Left as an abstract contract, same as the worker boundary
// keeps out of scope.
type RtpPacketsCollector interface {
	Collect(pkt *rtp.Packet, rejected map[string]struct{})
}

// EndPointFactory builds a fresh, not-yet-opened endpoint for one (language,
// voice) tuple "Implements the endpoint factory:
// chooses between websocket, stub, or file endpoint."
type EndPointFactory func(key consumers.LangVoiceKey) endpoint.EndPoint

// newDepacketizer selects the concrete depacketizer for mime. Translation is
// codec-passthrough, so Source's own codec never changes across its
// lifetime.
func newDepacketizer(alloc *bufferpool.Allocator, mime mediaframe.Mime, clockRate uint32) (Depacketizer, error) {
	switch mime {
	case mediaframe.MimeOpus:
		return depacketizer.NewOpusDepacketizer(alloc, clockRate), nil
	case mediaframe.MimeVP8, mediaframe.MimeVP9:
		return depacketizer.NewVPxDepacketizer(alloc, mime, clockRate), nil
	default:
		return nil, fmt.Errorf("translator: unsupported mime %q", mime)
	}
}

// Source is one TranslatorSource: the per-(original,mapped)-SSRC glue
// between the depacketizer, the frame serializer, the consumers manager,
// and the RTP packets player.
type Source struct {
	originalSSRC uint32
	mappedSSRC   uint32
	payloadType  uint8
	clockRate    uint32
	mime         mediaframe.Mime

	alloc      *bufferpool.Allocator
	depack     Depacketizer
	serializer *serializer.Serializer
	manager    *consumers.Manager
	player     *player.Player
	collector  RtpPacketsCollector
	endpoints  *endpointIDs

	endpointFactory EndPointFactory

	mu           sync.Mutex
	numConsumers int
	language     Language
	paused       bool
}

// SourceConfig bundles everything Translator threads into a new Source; the
// queue, wheel-driven player, and allocator are shared across every Source
// one Translator owns.
type SourceConfig struct {
	OriginalSSRC uint32
	MappedSSRC   uint32
	PayloadType  uint8
	ClockRate    uint32
	Mime         mediaframe.Mime

	Allocator       *bufferpool.Allocator
	Queue           *writerqueue.Queue[*mediaframe.Frame]
	Player          *player.Player
	Collector       RtpPacketsCollector
	EndPointFactory EndPointFactory
}

// NewSource builds a Source for one original/mapped SSRC pair, created when
// the producer's stream is added.
func NewSource(cfg SourceConfig) (*Source, error) {
	depack, err := newDepacketizer(cfg.Allocator, cfg.Mime, cfg.ClockRate)
	if err != nil {
		return nil, err
	}
	s := &Source{
		originalSSRC:    cfg.OriginalSSRC,
		mappedSSRC:      cfg.MappedSSRC,
		payloadType:     cfg.PayloadType,
		clockRate:       cfg.ClockRate,
		mime:            cfg.Mime,
		alloc:           cfg.Allocator,
		depack:          depack,
		serializer:      serializer.New(cfg.Queue),
		player:          cfg.Player,
		collector:       cfg.Collector,
		endpoints:       newEndpointIDs(),
		endpointFactory: cfg.EndPointFactory,
	}
	s.manager = consumers.New(cfg.MappedSSRC, cfg.PayloadType, s.createEndpoint)
	return s, nil
}

// OriginalSSRC returns the producer-side SSRC this source depacketizes.
func (s *Source) OriginalSSRC() uint32 { return s.originalSSRC }

// MappedSSRC returns the SSRC translated packets are emitted on.
func (s *Source) MappedSSRC() uint32 { return s.mappedSSRC }

// Mime returns the codec this source was created for.
func (s *Source) Mime() mediaframe.Mime { return s.mime }

// ClockRate returns this source's RTP clock rate.
func (s *Source) ClockRate() uint32 { return s.clockRate }

// AddSink registers sink on this source's internal serializer, for
// debug/test writers.
func (s *Source) AddSink(sink serializer.Sink, senderID uint64) uint64 {
	return s.serializer.AddSink(sink, senderID)
}

// RemoveSink unregisters a sink previously added via AddSink, by the id it
// returned.
func (s *Source) RemoveSink(id uint64) {
	s.serializer.RemoveSink(id)
}

// AddOriginalRtpPacket depacketizes pkt, writes any resulting frame to the
// serializer, dispatches a mapped clone to every non-playing endpoint's
// consumers, and forwards pkt itself rejected for every consumer whose
// endpoint has claimed it (playing or not — those consumers get a clone or
// SendPacket output instead).
func (s *Source) AddOriginalRtpPacket(pkt *rtp.Packet) {
	if frame, _ := s.depack.AddPacket(pkt, false); frame != nil {
		s.serializer.Write(frame)
	}
	clones, rejected := s.manager.DispatchOriginalPacket(pkt)
	for _, out := range clones {
		s.collector.Collect(out.Packet, out.Rejected)
	}
	s.collector.Collect(pkt, rejected)
}

// SetPaused forwards to the serializer, which then drops writes.
func (s *Source) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	s.serializer.SetPaused(paused)
}

// SetInputLanguage broadcasts a new source language to every endpoint.
func (s *Source) SetInputLanguage(lang Language) {
	s.mu.Lock()
	s.language = lang
	s.mu.Unlock()
	s.manager.SetInputLanguage(string(lang))
}

// AddConsumer attaches consumerID to a matching endpoint, registering this
// source with the player on the first consumer, per
// original_source/.../TranslatorSource.cpp's "if 0 == size, 1st" guard.
func (s *Source) AddConsumer(consumerID string, key consumers.LangVoiceKey) error {
	s.mu.Lock()
	first := s.numConsumers == 0
	s.numConsumers++
	s.mu.Unlock()
	if first {
		s.player.AddStream(s.originalSSRC, s.clockRate, s.payloadType, s.mime, s)
	}
	if err := s.manager.AddConsumer(consumerID, key); err != nil {
		s.mu.Lock()
		s.numConsumers--
		s.mu.Unlock()
		return err
	}
	return nil
}

// UpdateConsumer moves consumerID to the endpoint for newKey.
func (s *Source) UpdateConsumer(consumerID string, newKey consumers.LangVoiceKey) error {
	return s.manager.UpdateConsumer(consumerID, newKey)
}

// RemoveConsumer detaches consumerID, unregistering this source from the
// player once it has no consumers left, per
// original_source/.../TranslatorSource.cpp's "if 0 == size, last" guard.
func (s *Source) RemoveConsumer(consumerID string) {
	s.manager.RemoveConsumer(consumerID)
	s.mu.Lock()
	if s.numConsumers > 0 {
		s.numConsumers--
	}
	empty := s.numConsumers == 0
	s.mu.Unlock()
	if empty {
		s.player.RemoveStream(s.originalSSRC)
	}
}

// createEndpoint is the consumers.Factory this source's Manager calls; it
// builds the concrete endpoint via endpointFactory, binds its uuid identity
// to the Manager-assigned numeric id (so OnBinary/OnStateChanged can route
// back to the right player session), opens it, and wraps it as the narrow
// consumers.EndPointHandle.
func (s *Source) createEndpoint(id uint64, key consumers.LangVoiceKey) consumers.EndPointHandle {
	ep := s.endpointFactory(key)
	s.endpoints.bind(ep.ID(), id)
	ep.AddSink(s)
	sinkID := s.serializer.AddSink(&endpointMediaSink{ep: ep}, id)

	s.mu.Lock()
	from := string(s.language)
	s.mu.Unlock()
	if from != "" {
		ep.SetLanguageVoice(endpoint.LanguageVoice{From: from, To: key.Language, VoiceID: key.Voice})
	}
	ep.Open()
	return &endpointHandle{ep: ep, serializer: s.serializer, sinkID: sinkID}
}

// endpointHandle adapts endpoint.EndPoint to consumers.EndPointHandle's
// narrower (from,to,voiceID string) shape, and unregisters the endpoint's
// serializer sink alongside closing the endpoint itself.
type endpointHandle struct {
	ep         endpoint.EndPoint
	serializer *serializer.Serializer
	sinkID     uint64
}

func (h *endpointHandle) SetLanguageVoice(from, to, voiceID string) {
	h.ep.SetLanguageVoice(endpoint.LanguageVoice{From: from, To: to, VoiceID: voiceID})
}

func (h *endpointHandle) Close() {
	h.serializer.RemoveSink(h.sinkID)
	h.ep.Close()
}

// endpointMediaSink implements webm.Sink, feeding one endpoint's muxed
// outbound container bytes into its WriteBinary, the outbound half of
// ConsumersManager::CreateEndPoint's SetInputMediaSource wiring.
type endpointMediaSink struct{ ep endpoint.EndPoint }

func (s *endpointMediaSink) StartMediaWriting(senderID uint64) error { return nil }

func (s *endpointMediaSink) WriteMediaPayload(senderID uint64, buf []byte) error {
	s.ep.WriteBinary(buf)
	return nil
}

func (s *endpointMediaSink) EndMediaWriting(senderID uint64) {}

// OnStateChanged implements endpoint.Sink: a disconnected endpoint stops
// any in-flight playback for it "on disconnect, issues
// RtpPacketsPlayer.stop(ssrc, endpoint_id)."
func (s *Source) OnStateChanged(id uuid.UUID, state endpoint.State) {
	if state != endpoint.StateDisconnected {
		return
	}
	if n, ok := s.endpoints.numberFor(id); ok {
		s.player.Stop(s.originalSSRC, n)
	}
}

// OnText implements endpoint.Sink; control-plane acknowledgements from the
// translation service carry no data this subsystem acts on.
func (s *Source) OnText(id uuid.UUID, text string) {}

// OnBinary implements endpoint.Sink: a translated container buffer is
// handed to the player for this endpoint's source id.
func (s *Source) OnBinary(id uuid.UUID, buf *bufferpool.Buffer) {
	if n, ok := s.endpoints.numberFor(id); ok {
		s.player.Play(s.originalSSRC, n, buf)
	}
}

// OnFailure implements endpoint.Sink "reported
// asynchronously via a failure callback with a kind."
func (s *Source) OnFailure(id uuid.UUID, f endpoint.Failure) {
	log.Printf("[translator] source ssrc=%d endpoint=%s failure=%d", s.originalSSRC, id, f)
}

// OnPlayStarted implements player.Callback
// BeginPacketsSending.
func (s *Source) OnPlayStarted(mediaID, sourceID uint64, ssrc uint32) {
	s.manager.BeginPacketsSending(mediaID, sourceID)
}

// OnPlay implements player.Callback: translated packets are re-stamped onto
// the endpoint's own timeline and forwarded to the collector via
// consumers.Manager.SendPacket.
func (s *Source) OnPlay(mediaID, sourceID uint64, pkt *rtp.Packet) {
	if out, ok := s.manager.SendPacket(mediaID, sourceID, pkt); ok {
		s.collector.Collect(out.Packet, out.Rejected)
	}
}

// OnPlayFinished implements player.Callback
// EndPacketsSending.
func (s *Source) OnPlayFinished(mediaID, sourceID uint64, ssrc uint32) {
	s.manager.EndPacketsSending(mediaID, sourceID)
}

var (
	_ endpoint.Sink   = (*Source)(nil)
	_ player.Callback = (*Source)(nil)
)
