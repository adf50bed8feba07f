package endpoint

import (
	"sync"

	"github.com/google/uuid"
	"github.com/n0remac/sfu-translate/bufferpool"
)

type capturingSink struct {
	mu       sync.Mutex
	states   []State
	texts    []string
	binaries [][]byte
	failures []Failure
}

func (c *capturingSink) OnStateChanged(id uuid.UUID, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, state)
}

func (c *capturingSink) OnText(id uuid.UUID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
}

func (c *capturingSink) OnBinary(id uuid.UUID, buf *bufferpool.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), buf.Bytes()...)
	c.binaries = append(c.binaries, cp)
}

func (c *capturingSink) OnFailure(id uuid.UUID, f Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, f)
}

func (c *capturingSink) snapshotStates() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.states...)
}

func (c *capturingSink) snapshotTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func (c *capturingSink) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binaries)
}
