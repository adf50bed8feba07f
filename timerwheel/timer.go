// Package timerwheel implements a single-threaded cooperative timer set: one
// dedicated event-loop goroutine drives register/set-timeout/start/stop/
// unregister.
package timerwheel

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
)

// ID identifies a registered timer.
type ID uint64

// Callback runs on the wheel's loop goroutine. Callbacks for distinct timers
// are not ordered relative to each other beyond fire time; callbacks for the
// same timer never overlap.
type Callback func()

type commandKind int

const (
	cmdSetTimeout commandKind = iota
	cmdStart
	cmdStop
	cmdUnregister
)

type command struct {
	id      ID
	kind    commandKind
	ms      int64
	single  bool
}

type timerRecord struct {
	id        ID
	cb        Callback
	timeoutMs int64
	single    bool
	running   bool
	deadline  time.Time
}

// Wheel is a single event-loop-thread timer set. Operations from other
// goroutines post commands that the loop drains at each tick; all callbacks
// run on the loop goroutine.
type Wheel struct {
	mu      sync.Mutex
	cmds    []command
	wake    chan struct{}
	timers  map[ID]*timerRecord
	nextID  ID
	done    core.Fuse
	loopRun sync.WaitGroup
}

// New starts the wheel's event-loop goroutine immediately.
func New() *Wheel {
	w := &Wheel{
		wake:   make(chan struct{}, 1),
		timers: make(map[ID]*timerRecord),
		done:   core.NewFuse(),
	}
	w.loopRun.Add(1)
	go w.loop()
	return w
}

// Close stops the loop goroutine. Registered timers still in flight are
// dropped; it is idempotent.
func (w *Wheel) Close() {
	w.done.Break()
	w.poke()
	w.loopRun.Wait()
}

// Register allocates a timer bound to cb. The timer is not started.
func (w *Wheel) Register(cb Callback) ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.timers[id] = &timerRecord{id: id, cb: cb}
	return id
}

// SetTimeout changes a registered timer's interval; if running, it re-arms
// to the new interval on the next loop tick.
func (w *Wheel) SetTimeout(id ID, d time.Duration) {
	w.post(command{id: id, kind: cmdSetTimeout, ms: d.Milliseconds()})
}

// Start arms the timer. singleshot=true fires once and auto-stops before the
// callback runs; singleshot=false repeats every timeout until Stop.
func (w *Wheel) Start(id ID, singleshot bool) {
	w.post(command{id: id, kind: cmdStart, single: singleshot})
}

// Stop disarms the timer without destroying its registration.
func (w *Wheel) Stop(id ID) {
	w.post(command{id: id, kind: cmdStop})
}

// Unregister destroys the timer record. Safe to call after Stop; a callback
// already in flight when Unregister races it is held via a snapshot closure
// and will still complete, but no further firings occur.
func (w *Wheel) Unregister(id ID) {
	w.post(command{id: id, kind: cmdUnregister})
}

// Singleshot registers, arms for one fire after d, and returns its ID.
func (w *Wheel) Singleshot(d time.Duration, fn Callback) ID {
	id := w.Register(fn)
	w.SetTimeout(id, d)
	w.Start(id, true)
	return id
}

func (w *Wheel) post(c command) {
	w.mu.Lock()
	w.cmds = append(w.cmds, c)
	w.mu.Unlock()
	w.poke()
}

func (w *Wheel) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Wheel) loop() {
	defer w.loopRun.Done()
	const tick = 2 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-w.done.Watch():
			return
		case <-w.wake:
			w.drainCommands()
		case <-ticker.C:
			w.drainCommands()
			w.fireExpired()
		}
	}
}

func (w *Wheel) drainCommands() {
	w.mu.Lock()
	cmds := w.cmds
	w.cmds = nil
	w.mu.Unlock()

	for _, c := range cmds {
		w.mu.Lock()
		rec, ok := w.timers[c.id]
		if !ok {
			w.mu.Unlock()
			continue
		}
		switch c.kind {
		case cmdSetTimeout:
			rec.timeoutMs = c.ms
			if rec.running {
				rec.deadline = time.Now().Add(time.Duration(rec.timeoutMs) * time.Millisecond)
			}
		case cmdStart:
			rec.single = c.single
			rec.running = true
			rec.deadline = time.Now().Add(time.Duration(rec.timeoutMs) * time.Millisecond)
		case cmdStop:
			rec.running = false
		case cmdUnregister:
			delete(w.timers, c.id)
		}
		w.mu.Unlock()
	}
}

func (w *Wheel) fireExpired() {
	now := time.Now()
	var toFire []*timerRecord
	w.mu.Lock()
	for _, rec := range w.timers {
		if rec.running && !now.Before(rec.deadline) {
			toFire = append(toFire, rec)
			if rec.single {
				rec.running = false // auto-stop before invoking, per spec
			} else {
				rec.deadline = now.Add(time.Duration(rec.timeoutMs) * time.Millisecond)
			}
		}
	}
	w.mu.Unlock()

	for _, rec := range toFire {
		if rec.cb != nil {
			rec.cb()
		}
	}
}
