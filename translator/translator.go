package translator

import (
	"fmt"
	"log"
	"sync"

	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/consumers"
	"github.com/n0remac/sfu-translate/mediaframe"
	"github.com/n0remac/sfu-translate/player"
	"github.com/n0remac/sfu-translate/timerwheel"
	"github.com/n0remac/sfu-translate/writerqueue"
	"github.com/pion/rtp"
)

// StreamInfo describes one producer stream Translator.AddStream is asked to
// cover, the Go equivalent of the original's RtpStream lookup.
type StreamInfo struct {
	SSRC        uint32
	PayloadType uint8
	ClockRate   uint32
	Mime        mediaframe.Mime
}

// consumerState is one registered consumer's mutable language/voice target,
// grounded on Translator.cpp's ConsumerTranslatorImpl. Sources receive only
// the consumer id and its LangVoiceKey, not this struct.
type consumerState struct {
	mu       sync.Mutex
	id       string
	language string
	voice    string
}

func (c *consumerState) ID() string { return c.id }

func (c *consumerState) LanguageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

func (c *consumerState) VoiceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// setLanguage updates the target language, reporting whether it changed.
func (c *consumerState) setLanguage(lang string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.language == lang {
		return false
	}
	c.language = lang
	return true
}

// setVoice updates the target voice, reporting whether it changed.
func (c *consumerState) setVoice(voice string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.voice == voice {
		return false
	}
	c.voice = voice
	return true
}

func (c *consumerState) key() consumers.LangVoiceKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return consumers.LangVoiceKey{Language: c.language, Voice: c.voice}
}

// Config bundles the collaborators one Translator shares across every
// Source it owns.
type Config struct {
	ProducerID      string
	Wheel           *timerwheel.Wheel
	Allocator       *bufferpool.Allocator
	Queue           *writerqueue.Queue[*mediaframe.Frame]
	Player          *player.Player
	Output          RtpPacketsCollector
	EndPointFactory EndPointFactory

	// InitialLanguage and InitialPaused seed every Source created
	// afterward, mirroring the producer's state at Translator.Create time
	// in original_source/.../Translator.cpp.
	InitialLanguage Language
	InitialPaused   bool
}

// Translator is one producer's translation state: the registry of its
// per-SSRC Sources and the consumers attached to it.
type Translator struct {
	producerID      string
	wheel           *timerwheel.Wheel
	alloc           *bufferpool.Allocator
	queue           *writerqueue.Queue[*mediaframe.Frame]
	player          *player.Player
	output          RtpPacketsCollector
	endpointFactory EndPointFactory

	mu               sync.RWMutex
	paused           bool
	language         Language
	sources          map[uint32]*Source // keyed by original SSRC
	mappedToOriginal map[uint32]uint32
	consumers        map[string]*consumerState
}

// New constructs a Translator for one producer. No streams or consumers are
// registered yet; callers drive AddStream/AddConsumer as the producer's
// state becomes known, matching Translator::Create's loop over the
// producer's existing RTP streams.
func New(cfg Config) *Translator {
	return &Translator{
		producerID:       cfg.ProducerID,
		wheel:            cfg.Wheel,
		alloc:            cfg.Allocator,
		queue:            cfg.Queue,
		player:           cfg.Player,
		output:           cfg.Output,
		endpointFactory:  cfg.EndPointFactory,
		paused:           cfg.InitialPaused,
		language:         cfg.InitialLanguage,
		sources:          make(map[uint32]*Source),
		mappedToOriginal: make(map[uint32]uint32),
		consumers:        make(map[string]*consumerState),
	}
}

// ProducerID returns the id of the producer this Translator serves.
func (t *Translator) ProducerID() string { return t.producerID }

// AddStream registers stream under mappedSSRC, creating its Source on first
// sight and applying the producer's current language/paused state plus
// every already-registered consumer to it and
// Translator::AddStream. A stream already registered under the same SSRC is
// accepted as a no-op once its shape is confirmed unchanged.
func (t *Translator) AddStream(stream StreamInfo, mappedSSRC uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if src, ok := t.sources[stream.SSRC]; ok {
		if src.Mime() != stream.Mime || src.ClockRate() != stream.ClockRate || src.MappedSSRC() != mappedSSRC {
			return fmt.Errorf("translator: stream %d shape mismatch with existing source", stream.SSRC)
		}
		t.mappedToOriginal[mappedSSRC] = stream.SSRC
		return nil
	}

	src, err := NewSource(SourceConfig{
		OriginalSSRC:    stream.SSRC,
		MappedSSRC:      mappedSSRC,
		PayloadType:     stream.PayloadType,
		ClockRate:       stream.ClockRate,
		Mime:            stream.Mime,
		Allocator:       t.alloc,
		Queue:           t.queue,
		Player:          t.player,
		Collector:       t.output,
		EndPointFactory: t.endpointFactory,
	})
	if err != nil {
		return fmt.Errorf("translator: stream %d: %w", stream.SSRC, err)
	}

	src.SetInputLanguage(t.language)
	src.SetPaused(t.paused)
	for _, c := range t.consumers {
		if err := src.AddConsumer(c.id, c.key()); err != nil {
			log.Printf("[translator] producer=%s stream=%d: add existing consumer %s: %v",
				t.producerID, stream.SSRC, c.id, err)
		}
	}

	t.sources[stream.SSRC] = src
	t.mappedToOriginal[mappedSSRC] = stream.SSRC
	return nil
}

// RemoveStream drops the source for ssrc, falling back to the mapped-SSRC
// lookup if ssrc isn't found directly (the caller may only know the mapped
// SSRC), per Translator::RemoveStream, and reports whether anything was
// removed.
func (t *Translator) RemoveStream(ssrc uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sources[ssrc]; !ok {
		if original, ok := t.mappedToOriginal[ssrc]; ok {
			delete(t.mappedToOriginal, ssrc)
			ssrc = original
		}
	}
	if _, ok := t.sources[ssrc]; !ok {
		return false
	}
	delete(t.sources, ssrc)
	for mapped, original := range t.mappedToOriginal {
		if original == ssrc {
			delete(t.mappedToOriginal, mapped)
		}
	}
	return true
}

// sourceForLocked resolves ssrc to its Source, trying the mapped-SSRC
// fallback first just like RemoveStream's.
func (t *Translator) sourceForLocked(ssrc uint32) *Source {
	if src, ok := t.sources[ssrc]; ok {
		return src
	}
	if original, ok := t.mappedToOriginal[ssrc]; ok {
		return t.sources[original]
	}
	return nil
}

// AddOriginalRtpPacket routes pkt to the Source matching its SSRC (or its
// mapped SSRC), per Translator::AddOriginalRtpPacketForTranslation.
func (t *Translator) AddOriginalRtpPacket(pkt *rtp.Packet) {
	t.mu.RLock()
	src := t.sourceForLocked(pkt.SSRC)
	t.mu.RUnlock()
	if src != nil {
		src.AddOriginalRtpPacket(pkt)
	}
}

// AddConsumer registers consumerID with target (language, voice) and
// attaches it to every existing source, per Translator::AddConsumer. A
// consumer already registered is a no-op, matching the original's
// count-guarded insert.
func (t *Translator) AddConsumer(consumerID, language, voice string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.consumers[consumerID]; exists {
		return nil
	}
	c := &consumerState{id: consumerID, language: language, voice: voice}
	t.consumers[consumerID] = c
	key := c.key()
	for ssrc, src := range t.sources {
		if err := src.AddConsumer(consumerID, key); err != nil {
			log.Printf("[translator] producer=%s stream=%d: add consumer %s: %v", t.producerID, ssrc, consumerID, err)
		}
	}
	return nil
}

// RemoveConsumer detaches consumerID from every source and drops it from
// the registry, per Translator::RemoveConsumer.
func (t *Translator) RemoveConsumer(consumerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.consumers[consumerID]; !ok {
		return
	}
	delete(t.consumers, consumerID)
	for _, src := range t.sources {
		src.RemoveConsumer(consumerID)
	}
}

// UpdateConsumerLanguageOrVoice updates consumerID's target and, only if
// either value actually changed, forwards the new key to every source so it
// can move the consumer to a matching (or newly created) endpoint, per
// Translator::UpdateConsumerLanguageOrVoice.
func (t *Translator) UpdateConsumerLanguageOrVoice(consumerID, language, voice string) error {
	t.mu.RLock()
	c, ok := t.consumers[consumerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("translator: consumer %q not registered", consumerID)
	}

	changedLang := c.setLanguage(language)
	changedVoice := c.setVoice(voice)
	if !changedLang && !changedVoice {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	key := c.key()
	for ssrc, src := range t.sources {
		if err := src.UpdateConsumer(consumerID, key); err != nil {
			log.Printf("[translator] producer=%s stream=%d: update consumer %s: %v", t.producerID, ssrc, consumerID, err)
		}
	}
	return nil
}

// SetProducerPaused forwards a pause state change to every source, but only
// when it actually changed, per Translator::SetProducerPaused.
func (t *Translator) SetProducerPaused(paused bool) {
	t.mu.Lock()
	if t.paused == paused {
		t.mu.Unlock()
		return
	}
	t.paused = paused
	sources := make([]*Source, 0, len(t.sources))
	for _, src := range t.sources {
		sources = append(sources, src)
	}
	t.mu.Unlock()
	for _, src := range sources {
		src.SetPaused(paused)
	}
}

// SetProducerLanguage forwards a source-language change to every source,
// but only when it actually changed, per Translator::SetProducerLanguageId.
func (t *Translator) SetProducerLanguage(lang Language) {
	t.mu.Lock()
	if t.language == lang {
		t.mu.Unlock()
		return
	}
	t.language = lang
	sources := make([]*Source, 0, len(t.sources))
	for _, src := range t.sources {
		sources = append(sources, src)
	}
	t.mu.Unlock()
	for _, src := range sources {
		src.SetInputLanguage(lang)
	}
}

// ProducerLanguage returns the producer's current source language.
func (t *Translator) ProducerLanguage() Language {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.language
}
