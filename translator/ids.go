package translator

import (
	"sync"

	"github.com/google/uuid"
)

// endpointIDs correlates an endpoint.EndPoint's globally-unique uuid
// identity with the small per-source uint64 id consumers.Manager assigns
// it internally, per original_source/.../TranslatorSource.hpp's
// TranslatorEndPointSink callbacks, which address endpoints by uint64 while
// endpoint.EndPoint (this repo's Go rendering) addresses itself by uuid.
type endpointIDs struct {
	mu       sync.RWMutex
	byUUID   map[uuid.UUID]uint64
	byNumber map[uint64]uuid.UUID
}

func newEndpointIDs() *endpointIDs {
	return &endpointIDs{
		byUUID:   make(map[uuid.UUID]uint64),
		byNumber: make(map[uint64]uuid.UUID),
	}
}

func (e *endpointIDs) bind(id uuid.UUID, number uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byUUID[id] = number
	e.byNumber[number] = id
}

func (e *endpointIDs) numberFor(id uuid.UUID) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.byUUID[id]
	return n, ok
}

func (e *endpointIDs) unbind(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.byUUID[id]; ok {
		delete(e.byUUID, id)
		delete(e.byNumber, n)
	}
}
