package endpoint

import "testing"

func TestStubEndPointStartsConnected(t *testing.T) {
	s := NewStubEndPoint()
	if s.State() != StateConnected {
		t.Fatalf("expected stub to start Connected, got %v", s.State())
	}
	if !s.WriteBinary([]byte{1, 2, 3}) {
		t.Fatalf("expected WriteBinary to report success while Connected")
	}
	if !s.WriteText("hello") {
		t.Fatalf("expected WriteText to report success while Connected")
	}
}

func TestStubEndPointCloseTransitionsDisconnected(t *testing.T) {
	s := NewStubEndPoint()
	s.Close()
	if s.State() != StateDisconnected {
		t.Fatalf("expected Disconnected after Close, got %v", s.State())
	}
	if s.WriteBinary([]byte{1}) {
		t.Fatalf("expected WriteBinary to fail once disconnected")
	}
}
