package endpoint

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/timerwheel"
)

// fileReplayInterval is the fixed replay cadence for FileEndPoint. It is an
// unexported constant, not a tunable, and is not a production setting.
const fileReplayInterval = 200 * time.Millisecond

// FileEndPointConfig configures the debug file-replay transport: replaying a
// pre-recorded container file every T_replay ms once the peer has pushed at
// least MinBytesToArm bytes.
type FileEndPointConfig struct {
	Path          string
	MinBytesToArm uint64 // K
}

// FileEndPoint is a debug transport for integration tests without a live
// translation service: once enough bytes have been pushed to it, it starts
// replaying a fixture file back as binary frames on a fixed interval.
type FileEndPoint struct {
	base

	cfg     FileEndPointConfig
	alloc   *bufferpool.Allocator
	wheel   *timerwheel.Wheel
	timerID timerwheel.ID

	bytesWritten atomic.Uint64
	armed        atomic.Bool
	fixture      []byte
}

// NewFileEndPoint constructs a FileEndPoint sharing wheel for its replay
// timer and alloc for wrapping replayed bytes as pool buffers.
func NewFileEndPoint(cfg FileEndPointConfig, wheel *timerwheel.Wheel, alloc *bufferpool.Allocator) *FileEndPoint {
	return &FileEndPoint{base: newBase(), cfg: cfg, alloc: alloc, wheel: wheel}
}

// Open loads the fixture and enters Connected immediately; replay only
// starts once WriteBinary has pushed ≥ MinBytesToArm bytes.
func (f *FileEndPoint) Open() {
	if f.State() == StateConnecting || f.State() == StateConnected {
		return
	}
	data, err := os.ReadFile(f.cfg.Path)
	if err != nil {
		f.notifyFailure(FailureNoConnection)
		f.setState(StateInvalid, nil)
		return
	}
	f.fixture = data
	f.timerID = f.wheel.Register(f.replayTick)
	f.setState(StateConnected, func() {
		if f.haveLV.Load() {
			f.WriteText(mustControlJSON(f.lv))
		}
	})
}

func (f *FileEndPoint) replayTick() {
	if f.State() != StateConnected || len(f.fixture) == 0 {
		return
	}
	buf := f.alloc.Allocate(len(f.fixture))
	copy(buf.Bytes(), f.fixture)
	f.notifyBinary(buf)
}

// Close stops replay and transitions to Disconnected.
func (f *FileEndPoint) Close() {
	f.wheel.Unregister(f.timerID)
	f.setState(StateDisconnected, nil)
}

// WriteBinary accepts inbound bytes and arms replay once the configured
// threshold is crossed.
func (f *FileEndPoint) WriteBinary(buf []byte) bool {
	if f.State() != StateConnected {
		return false
	}
	total := f.bytesWritten.Add(uint64(len(buf)))
	if total >= f.cfg.MinBytesToArm && f.armed.CompareAndSwap(false, true) {
		f.wheel.SetTimeout(f.timerID, fileReplayInterval)
		f.wheel.Start(f.timerID, false)
	}
	return true
}

// WriteText is valid only in Connected; dropped otherwise.
func (f *FileEndPoint) WriteText(text string) bool {
	return f.State() == StateConnected
}

// SetLanguageVoice records the pack; the file transport never dials out to
// announce it, so there is no Connected-time send beyond the initial one in
// Open.
func (f *FileEndPoint) SetLanguageVoice(lv LanguageVoice) {
	f.base.SetLanguageVoice(lv)
}

func mustControlJSON(lv LanguageVoice) string {
	s, err := buildControlJSON(lv)
	if err != nil {
		return ""
	}
	return s
}

var _ EndPoint = (*FileEndPoint)(nil)
