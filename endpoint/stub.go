package endpoint

// StubEndPoint immediately enters Connected, accepts writes, and emits no
// messages — used when the translation service factory falls back because
// the service is unavailable.
type StubEndPoint struct {
	base
}

// NewStubEndPoint constructs a stub already in the Connected state.
func NewStubEndPoint() *StubEndPoint {
	s := &StubEndPoint{base: newBase()}
	s.state.Store(int32(StateConnected))
	return s
}

func (s *StubEndPoint) Open()  {}
func (s *StubEndPoint) Close() { s.setState(StateDisconnected, nil) }

// WriteBinary accepts and discards; always reports success while Connected.
func (s *StubEndPoint) WriteBinary(buf []byte) bool { return s.State() == StateConnected }

// WriteText accepts and discards; always reports success while Connected.
func (s *StubEndPoint) WriteText(text string) bool { return s.State() == StateConnected }

var _ EndPoint = (*StubEndPoint)(nil)
