package consumers

import (
	"testing"

	"github.com/pion/rtp"
)

type fakeEndPoint struct {
	closed  bool
	from    string
	to      string
	voiceID string
}

func (f *fakeEndPoint) SetLanguageVoice(from, to, voiceID string) {
	f.from, f.to, f.voiceID = from, to, voiceID
}

func (f *fakeEndPoint) Close() { f.closed = true }

func fakeFactory() (Factory, *[]*fakeEndPoint) {
	created := []*fakeEndPoint{}
	return func(id uint64, key LangVoiceKey) EndPointHandle {
		ep := &fakeEndPoint{to: key.Language, voiceID: key.Voice}
		created = append(created, ep)
		return ep
	}, &created
}

func pkt(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           111,
			PayloadType:    96,
		},
		Payload: []byte{1, 2, 3},
	}
}

// S1/S2: one endpoint per (lang,voice) key, shared by multiple consumers.
func TestAddConsumerSharesOneEndpointPerKey(t *testing.T) {
	factory, created := fakeFactory()
	m := New(222, 97, factory)

	key := LangVoiceKey{Language: "en", Voice: "v1"}
	if err := m.AddConsumer("c1", key); err != nil {
		t.Fatalf("AddConsumer c1: %v", err)
	}
	if err := m.AddConsumer("c2", key); err != nil {
		t.Fatalf("AddConsumer c2: %v", err)
	}
	if len(*created) != 1 {
		t.Fatalf("expected exactly one endpoint created for a shared key, got %d", len(*created))
	}
	if len(m.endpoints) != 1 {
		t.Fatalf("invariant 4 violated: expected at most one endpoint per key, got %d", len(m.endpoints))
	}
}

// S2: removing one of two consumers on a shared endpoint keeps it alive;
// removing the last one destroys it.
func TestRemoveConsumerDestroysEndpointOnlyWhenEmpty(t *testing.T) {
	factory, created := fakeFactory()
	m := New(222, 97, factory)
	key := LangVoiceKey{Language: "en", Voice: "v1"}

	m.AddConsumer("c1", key)
	m.AddConsumer("c2", key)

	m.RemoveConsumer("c1")
	if len(m.endpoints) != 1 {
		t.Fatalf("expected endpoint to survive with one consumer left, got %d endpoints", len(m.endpoints))
	}
	if (*created)[0].closed {
		t.Fatalf("endpoint closed too early")
	}

	m.RemoveConsumer("c2")
	if len(m.endpoints) != 0 {
		t.Fatalf("expected endpoint destroyed once its last consumer left, got %d endpoints", len(m.endpoints))
	}
	if !(*created)[0].closed {
		t.Fatalf("expected endpoint.Close() to be called once orphaned")
	}
}

// S3: updating a consumer's language/voice repurposes its now-empty
// endpoint in place instead of creating a new one.
func TestUpdateConsumerRepurposesEmptyEndpoint(t *testing.T) {
	factory, created := fakeFactory()
	m := New(222, 97, factory)
	enKey := LangVoiceKey{Language: "en", Voice: "v1"}
	esKey := LangVoiceKey{Language: "es", Voice: "v1"}

	m.AddConsumer("c1", enKey)
	if err := m.UpdateConsumer("c1", esKey); err != nil {
		t.Fatalf("UpdateConsumer: %v", err)
	}

	if len(*created) != 1 {
		t.Fatalf("expected no new endpoint created on repurpose, got %d created", len(*created))
	}
	if len(m.endpoints) != 1 {
		t.Fatalf("expected exactly one endpoint after repurpose, got %d", len(m.endpoints))
	}
	if _, ok := m.byKey[enKey]; ok {
		t.Fatalf("old key %v should no longer map to an endpoint", enKey)
	}
	id, ok := m.byKey[esKey]
	if !ok {
		t.Fatalf("expected new key %v to map to the repurposed endpoint", esKey)
	}
	info := m.endpoints[id]
	if _, attached := info.Consumers["c1"]; !attached {
		t.Fatalf("expected c1 still attached to the repurposed endpoint")
	}
	ep := (*created)[0]
	if ep.to != "es" || ep.voiceID != "v1" {
		t.Fatalf("expected SetLanguageVoice(_, es, v1) on repurpose, got to=%q voiceID=%q", ep.to, ep.voiceID)
	}
}

// S3 (two consumers sharing an endpoint): updating one of them off the
// shared endpoint must not repurpose it out from under the remaining
// consumer — it should join/create the target endpoint instead.
func TestUpdateConsumerOnSharedEndpointJoinsTarget(t *testing.T) {
	factory, _ := fakeFactory()
	m := New(222, 97, factory)
	enKey := LangVoiceKey{Language: "en", Voice: "v1"}
	esKey := LangVoiceKey{Language: "es", Voice: "v1"}

	m.AddConsumer("c1", enKey)
	m.AddConsumer("c2", enKey)

	if err := m.UpdateConsumer("c1", esKey); err != nil {
		t.Fatalf("UpdateConsumer: %v", err)
	}

	if len(m.endpoints) != 2 {
		t.Fatalf("expected en endpoint to survive for c2 and a new es endpoint for c1, got %d endpoints", len(m.endpoints))
	}
	enID, ok := m.byKey[enKey]
	if !ok {
		t.Fatalf("expected en key to still map to an endpoint")
	}
	if _, attached := m.endpoints[enID].Consumers["c2"]; !attached {
		t.Fatalf("expected c2 to remain on the en endpoint")
	}
}

// Invariant 4: at most one endpoint per (lang,voice) key, verified
// directly against the byKey/endpoints maps after a mixed sequence of
// adds, updates and removals.
func TestAtMostOneEndpointPerKeyInvariant(t *testing.T) {
	factory, _ := fakeFactory()
	m := New(222, 97, factory)
	enKey := LangVoiceKey{Language: "en", Voice: "v1"}
	esKey := LangVoiceKey{Language: "es", Voice: "v1"}

	m.AddConsumer("c1", enKey)
	m.AddConsumer("c2", enKey)
	m.AddConsumer("c3", esKey)
	m.UpdateConsumer("c2", esKey)
	m.RemoveConsumer("c1")

	seen := map[LangVoiceKey]int{}
	for _, info := range m.endpoints {
		seen[info.Key]++
	}
	for key, count := range seen {
		if count != 1 {
			t.Fatalf("invariant 4 violated: key %v mapped to %d endpoints", key, count)
		}
	}
}

// Invariant 1: for any packet, a consumer is either addressed (not in
// Rejected) by exactly one outgoing copy, or rejected by every copy —
// never both received and rejected for the same packet.
func TestDispatchOriginalPacketRejectedIsExhaustiveAndExclusive(t *testing.T) {
	factory, _ := fakeFactory()
	m := New(222, 97, factory)
	enKey := LangVoiceKey{Language: "en", Voice: "v1"}
	esKey := LangVoiceKey{Language: "es", Voice: "v1"}

	m.AddConsumer("c1", enKey)
	m.AddConsumer("c2", esKey)

	out, _ := m.DispatchOriginalPacket(pkt(1, 960))
	if len(out) != 2 {
		t.Fatalf("expected one outgoing copy per non-playing endpoint, got %d", len(out))
	}

	for _, o := range out {
		addressedTo := map[string]bool{"c1": true, "c2": true}
		for rej := range o.Rejected {
			if addressedTo[rej] {
				delete(addressedTo, rej)
			}
		}
		if len(addressedTo) != 1 {
			t.Fatalf("expected exactly one consumer addressed (not rejected) per outgoing copy, got %d: %v", len(addressedTo), addressedTo)
		}
	}

	for _, cid := range []string{"c1", "c2"} {
		rejectedCount := 0
		addressedCount := 0
		for _, o := range out {
			if _, rej := o.Rejected[cid]; rej {
				rejectedCount++
			} else {
				addressedCount++
			}
		}
		if addressedCount != 1 {
			t.Fatalf("consumer %s should be addressed by exactly one outgoing copy, got %d", cid, addressedCount)
		}
		if rejectedCount != len(out)-1 {
			t.Fatalf("consumer %s should be rejected by every other copy, got %d of %d", cid, rejectedCount, len(out)-1)
		}
	}
}

// A playing endpoint's consumers receive no copy of the original packet
// at all (they're served via SendPacket instead).
func TestDispatchOriginalPacketSkipsPlayingEndpoints(t *testing.T) {
	factory, _ := fakeFactory()
	m := New(222, 97, factory)
	key := LangVoiceKey{Language: "en", Voice: "v1"}
	m.AddConsumer("c1", key)

	var id uint64
	for eid := range m.endpoints {
		id = eid
	}
	m.BeginPacketsSending(1, id)

	out, rejected := m.DispatchOriginalPacket(pkt(1, 960))
	if len(out) != 0 {
		t.Fatalf("expected no mapped clone while the only endpoint is playing, got %d", len(out))
	}
	if _, rej := rejected["c1"]; !rej {
		t.Fatalf("expected the playing endpoint's consumer to be rejected on the original packet")
	}
}

// Timestamps/sequence numbers forwarded to a non-playing endpoint track
// that endpoint's own timeline monotonically, independent of any other
// endpoint's timeline (invariant 2, guards the earlier shared-timeline bug).
func TestDispatchOriginalPacketPerEndpointTimelineIsIndependent(t *testing.T) {
	factory, _ := fakeFactory()
	m := New(222, 97, factory)
	enKey := LangVoiceKey{Language: "en", Voice: "v1"}
	esKey := LangVoiceKey{Language: "es", Voice: "v1"}
	m.AddConsumer("c1", enKey)

	// First packet establishes the first endpoint's and the original
	// timeline's starting position.
	m.DispatchOriginalPacket(pkt(1, 1000))

	// Second consumer joins after the stream has already advanced; its
	// endpoint should start from the current position, not zero.
	m.AddConsumer("c2", esKey)

	out, _ := m.DispatchOriginalPacket(pkt(2, 1960))
	if len(out) != 2 {
		t.Fatalf("expected two outgoing copies, got %d", len(out))
	}
	for _, o := range out {
		if o.Packet.Timestamp < 1000 {
			t.Fatalf("expected a late-joining endpoint to start from the producer's current position, got ts=%d", o.Packet.Timestamp)
		}
	}
}

// BeginPacketsSending/SendPacket/EndPacketsSending playing-state
// transitions and rejected-set correctness for translated output.
func TestSendPacketLifecycle(t *testing.T) {
	factory, _ := fakeFactory()
	m := New(222, 97, factory)
	key := LangVoiceKey{Language: "en", Voice: "v1"}
	m.AddConsumer("c1", key)
	m.AddConsumer("other-consumer", LangVoiceKey{Language: "es", Voice: "v1"})

	var id uint64
	for eid, info := range m.endpoints {
		if _, ok := info.Consumers["c1"]; ok {
			id = eid
		}
	}

	m.BeginPacketsSending(7, id)
	info := m.endpoints[id]
	if !info.IsPlaying() {
		t.Fatalf("expected endpoint to be playing after BeginPacketsSending")
	}

	out, ok := m.SendPacket(7, id, pkt(10, 5000))
	if !ok {
		t.Fatalf("expected SendPacket to succeed for a playing endpoint with matching mediaID")
	}
	if _, rejected := out.Rejected["c1"]; rejected {
		t.Fatalf("expected c1 to receive the translated packet, not be rejected")
	}
	if _, rejected := out.Rejected["other-consumer"]; !rejected {
		t.Fatalf("expected other-consumer to be rejected for this endpoint's translated output")
	}

	out2, ok := m.SendPacket(7, id, pkt(11, 5960))
	if !ok {
		t.Fatalf("expected second SendPacket to succeed")
	}
	if out2.Packet.Timestamp <= out.Packet.Timestamp {
		t.Fatalf("expected monotonically increasing timestamps, got %d then %d", out.Packet.Timestamp, out2.Packet.Timestamp)
	}
	if out2.Packet.SequenceNumber != out.Packet.SequenceNumber+1 {
		t.Fatalf("expected strictly increasing sequence numbers, got %d then %d", out.Packet.SequenceNumber, out2.Packet.SequenceNumber)
	}

	// A stale mediaID must not be honored.
	if _, ok := m.SendPacket(999, id, pkt(12, 6000)); ok {
		t.Fatalf("expected SendPacket to reject a mismatched mediaID")
	}

	m.EndPacketsSending(7, id)
	if info.IsPlaying() {
		t.Fatalf("expected endpoint to stop playing after EndPacketsSending")
	}
	if _, ok := m.SendPacket(7, id, pkt(13, 7000)); ok {
		t.Fatalf("expected SendPacket to fail once the endpoint stopped playing")
	}
}

// The first translated packet of a play session bumps startTs by the
// original timeline's pending delta at the moment play began, rather than
// starting flush at startTs itself.
func TestSendPacketFirstFrameBumpsOffsetByOriginalDelta(t *testing.T) {
	factory, _ := fakeFactory()
	m := New(222, 97, factory)
	key := LangVoiceKey{Language: "en", Voice: "v1"}
	m.AddConsumer("c1", key)

	var id uint64
	for eid := range m.endpoints {
		id = eid
	}

	// Establish a 960-wide original cadence before play begins, so the
	// snapshot timeline's delta is nonzero.
	m.DispatchOriginalPacket(pkt(1, 1000))
	m.DispatchOriginalPacket(pkt(2, 1960))

	m.BeginPacketsSending(1, id)
	info := m.endpoints[id]
	startTs := info.startTs

	out, ok := m.SendPacket(1, id, pkt(10, 5000))
	if !ok {
		t.Fatalf("expected SendPacket to succeed")
	}
	if out.Packet.Timestamp != startTs+960 {
		t.Fatalf("expected first translated packet to bump startTs by the original delta (960), got %d (startTs=%d)", out.Packet.Timestamp, startTs)
	}
}

func TestSetInputLanguageBroadcastsToAllEndpoints(t *testing.T) {
	factory, created := fakeFactory()
	m := New(222, 97, factory)
	m.AddConsumer("c1", LangVoiceKey{Language: "en", Voice: "v1"})
	m.AddConsumer("c2", LangVoiceKey{Language: "es", Voice: "v2"})

	m.SetInputLanguage("fr")

	for _, ep := range *created {
		if ep.from != "fr" {
			t.Fatalf("expected every endpoint's SetLanguageVoice(from=fr, ...) to be called, got from=%q", ep.from)
		}
	}
}

func TestAddConsumerRejectsDoubleAttach(t *testing.T) {
	factory, _ := fakeFactory()
	m := New(222, 97, factory)
	key := LangVoiceKey{Language: "en", Voice: "v1"}
	if err := m.AddConsumer("c1", key); err != nil {
		t.Fatalf("AddConsumer: %v", err)
	}
	if err := m.AddConsumer("c1", key); err == nil {
		t.Fatalf("expected a second AddConsumer for the same id to fail")
	}
}
