package bufferpool

import (
	"sort"
	"sync"
	"time"
)

// Allocator is a sized stack + aged heap chunk allocator.
// It is not a singleton: callers construct one per subsystem that needs
// buffers and thread it through constructors.
type Allocator struct {
	stack map[int][]*chunk // size class -> inventory

	mu   sync.Mutex // protects heap
	heap map[int][]*chunk // aligned size -> chunks (free or acquired)

	maxAgeMs int64
	gcStop   chan struct{}
	gcDone   chan struct{}
}

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithMaxAge sets the heap-chunk eviction age used by PurgeGarbage and the
// optional GC tick. Zero (the default) disables age-based eviction until
// explicitly purged with PurgeGarbage(0).
func WithMaxAge(d time.Duration) Option {
	return func(a *Allocator) { a.maxAgeMs = d.Milliseconds() }
}

// New builds an Allocator with its stack-tier inventory preallocated.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		stack: make(map[int][]*chunk, len(stackClasses)),
		heap:  make(map[int][]*chunk),
	}
	for _, class := range stackClasses {
		inv := make([]*chunk, stackInventoryPerClass)
		for i := range inv {
			inv[i] = &chunk{data: make([]byte, class), size: class}
		}
		a.stack[class] = inv
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StartGC launches a periodic purge tick at the given interval. Call Stop to
// shut it down; it is safe to never call StartGC at all (purely optional).
func (a *Allocator) StartGC(interval time.Duration) {
	if interval <= 0 {
		return
	}
	a.gcStop = make(chan struct{})
	a.gcDone = make(chan struct{})
	go func() {
		defer close(a.gcDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.gcStop:
				return
			case <-ticker.C:
				if a.maxAgeMs > 0 {
					a.PurgeGarbage(time.Duration(a.maxAgeMs) * time.Millisecond)
				}
			}
		}
	}()
}

// StopGC stops a GC tick started with StartGC, if any.
func (a *Allocator) StopGC() {
	if a.gcStop == nil {
		return
	}
	close(a.gcStop)
	<-a.gcDone
	a.gcStop, a.gcDone = nil, nil
}

// Allocate rounds size to the next-larger stack class and attempts an
// acquire there; on miss it falls back to the heap tier (exact size, then
// any larger free chunk, then a fresh allocation).
func (a *Allocator) Allocate(size int) *Buffer {
	if size < 0 {
		return nil
	}
	if size == 0 {
		return newBuffer(&chunk{data: nil, size: 0}, 0)
	}
	if class, ok := roundToStackClass(size); ok {
		for _, c := range a.stack[class] {
			if c.acquire() {
				return newBuffer(c, size)
			}
		}
	}
	return a.allocateHeap(size)
}

// Reallocate releases old (if non-nil) and allocates a fresh buffer sized
// for size, per the allocate/reallocate contract in.
func (a *Allocator) Reallocate(size int, old *Buffer) *Buffer {
	if old != nil {
		old.Release(a)
	}
	return a.Allocate(size)
}

func (a *Allocator) allocateHeap(size int) *Buffer {
	aligned := alignHeapSize(size)
	a.mu.Lock()
	if c := takeFreeHeapChunk(a.heap, aligned); c != nil {
		a.mu.Unlock()
		return newBuffer(c, size)
	}
	c := &chunk{data: make([]byte, aligned), size: aligned, heap: true}
	c.acquired.Store(true)
	a.heap[aligned] = append(a.heap[aligned], c)
	a.mu.Unlock()
	return newBuffer(c, size)
}

// takeFreeHeapChunk finds a free chunk of exactly size, else the
// smallest free chunk strictly larger than size.
func takeFreeHeapChunk(heap map[int][]*chunk, size int) *chunk {
	if chunks, ok := heap[size]; ok {
		for _, c := range chunks {
			if c.acquire() {
				return c
			}
		}
	}
	sizes := make([]int, 0, len(heap))
	for s := range heap {
		if s > size {
			sizes = append(sizes, s)
		}
	}
	sort.Ints(sizes)
	for _, s := range sizes {
		for _, c := range heap[s] {
			if c.acquire() {
				return c
			}
		}
	}
	return nil
}

func alignHeapSize(size int) int {
	const alignment = 4096
	if size%alignment == 0 {
		return size
	}
	return ((size / alignment) + 1) * alignment
}

func (a *Allocator) release(c *chunk) {
	if c == nil || c.data == nil {
		return
	}
	c.release(time.Now().UnixMilli())
}

// PurgeGarbage evicts heap chunks whose release age is >= maxAge. Passing 0
// drops all free heap chunks unconditionally
// "purge(max_age=0) drops all chunks".
func (a *Allocator) PurgeGarbage(maxAge time.Duration) {
	now := time.Now().UnixMilli()
	ageMs := maxAge.Milliseconds()
	a.mu.Lock()
	defer a.mu.Unlock()
	for size, chunks := range a.heap {
		kept := chunks[:0]
		for _, c := range chunks {
			if c.acquired.Load() {
				kept = append(kept, c)
				continue
			}
			if maxAge == 0 || now-c.lastRelease.Load() >= ageMs {
				continue // evicted
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(a.heap, size)
		} else {
			a.heap[size] = kept
		}
	}
}

// HeapChunkCount returns the number of heap chunks currently tracked
// (free and acquired), for tests.
func (a *Allocator) HeapChunkCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, chunks := range a.heap {
		n += len(chunks)
	}
	return n
}
