package mediaframe

import "sync"

// Timeline tracks an RTP stream's last timestamp/sequence and the delta
// needed to continue it monotonically, grounded on
// original_source/.../RtpPacketsTimeline.cpp:
//
//	next_timestamp = last_timestamp + timestamp_delta
//	next_seq       = last_seq + 1
//
// timestamp_delta only updates when a strictly later timestamp is observed.
type Timeline struct {
	mu              sync.Mutex
	lastTimestamp   uint32
	lastSeq         uint16
	timestampDelta  uint32
	haveTimestamp   bool
	haveSeq         bool
}

// NewTimeline builds a zeroed timeline.
func NewTimeline() *Timeline { return &Timeline{} }

// Clone returns an independent copy of the current state, used when an
// endpoint snapshots the producer's timeline at play start.
func (t *Timeline) Clone() *Timeline {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := *t
	c.mu = sync.Mutex{}
	return &c
}

// SetTimestamp records an observed timestamp, updating the delta only when
// it is strictly later than the previous one.
func (t *Timeline) SetTimestamp(ts uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.haveTimestamp {
		if delta := ts - t.lastTimestamp; ts != t.lastTimestamp && int32(delta) > 0 {
			t.timestampDelta = delta
		}
	}
	t.lastTimestamp = ts
	t.haveTimestamp = true
}

// SetSeqNumber records an observed sequence number directly (used when
// mirroring an externally observed stream, e.g. the original producer's
// RTP flow).
func (t *Timeline) SetSeqNumber(seq uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeq = seq
	t.haveSeq = true
}

// Timestamp returns the last recorded timestamp.
func (t *Timeline) Timestamp() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTimestamp
}

// TimestampDelta returns the current inter-frame timestamp delta.
func (t *Timeline) TimestampDelta() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timestampDelta
}

// AdvanceSeqNumber increments and returns the next sequence number.
func (t *Timeline) AdvanceSeqNumber() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeq++
	t.haveSeq = true
	return t.lastSeq
}
