// Package endpoint implements TranslatorEndPoint and its ws/file/stub
// subclasses: an abstract connection state machine that
// drives outbound media to, and receives inbound translated media from, an
// external translation service.
package endpoint

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/listeners"
)

// State is one node of the Disconnected → Connecting → Connected →
// Disconnected loop; Invalid is terminal.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Failure is the taxonomy of reasons an endpoint can fail to do its job.
type Failure int

const (
	FailureNone Failure = iota
	FailureNoConnection
	FailureCustomHeader
	FailureWriteText
	FailureWriteBinary
	FailureTlsOptions
	FailureGeneral
)

// LanguageVoice is the (from, to, voice) tuple an endpoint announces to the
// far side whenever it changes, and once upon entering Connected.
type LanguageVoice struct {
	From    string
	To      string
	VoiceID string
}

// Sink receives state changes and inbound media from an EndPoint.
type Sink interface {
	OnStateChanged(id uuid.UUID, state State)
	OnText(id uuid.UUID, text string)
	OnBinary(id uuid.UUID, buf *bufferpool.Buffer)
	OnFailure(id uuid.UUID, f Failure)
}

// EndPoint is the operation set every subclass (ws/file/stub) implements.
type EndPoint interface {
	ID() uuid.UUID
	Open()
	Close()
	WriteBinary(buf []byte) bool
	WriteText(text string) bool
	State() State
	SetLanguageVoice(lv LanguageVoice)
	AddSink(sink Sink)
	RemoveSink(sink Sink)
}

// base provides the shared state machine, sink dispatch, and control-JSON
// plumbing every subclass embeds.
type base struct {
	id    uuid.UUID
	state atomic.Int32
	sinks *listeners.List[Sink]

	lv     LanguageVoice
	haveLV atomic.Bool
}

func newBase() base {
	return base{id: uuid.New(), sinks: listeners.New[Sink]()}
}

func (b *base) ID() uuid.UUID { return b.id }

func (b *base) State() State { return State(b.state.Load()) }

func (b *base) AddSink(sink Sink)    { b.sinks.Add(sink) }
func (b *base) RemoveSink(sink Sink) {
	b.sinks.Remove(func(s Sink) bool { return s == sink })
}

// setState transitions state and notifies sinks; entering Connected also
// sends the current language pack if one has been set.
func (b *base) setState(s State, onConnected func()) {
	prev := State(b.state.Swap(int32(s)))
	if prev == s {
		return
	}
	b.sinks.Invoke(func(sink Sink) { sink.OnStateChanged(b.id, s) })
	if s == StateConnected && onConnected != nil {
		onConnected()
	}
}

func (b *base) notifyFailure(f Failure) {
	b.sinks.Invoke(func(sink Sink) { sink.OnFailure(b.id, f) })
}

func (b *base) notifyText(text string) {
	b.sinks.Invoke(func(sink Sink) { sink.OnText(b.id, text) })
}

func (b *base) notifyBinary(buf *bufferpool.Buffer) {
	b.sinks.Invoke(func(sink Sink) { sink.OnBinary(b.id, buf) })
}

// SetLanguageVoice records the pack; subclasses call sendLanguagePack (via
// buildControlJSON) whenever it changes and the endpoint is Connected.
func (b *base) SetLanguageVoice(lv LanguageVoice) {
	b.lv = lv
	b.haveLV.Store(true)
}
