package memory

import (
	"sync"
	"sync/atomic"
)

type mutatorState uint8

const (
	mutatorRunning mutatorState = iota // may touch the heap
	mutatorParked                      // promised not to touch the heap until Unpark
	mutatorStopped                     // waiting at a safepoint for the world to resume
)

// world tracks the registered mutators and implements the two ways a
// collector synchronizes with them: stopping the world, and handshakes.
//
// Stopping the world waits until every other mutator is parked or waiting at
// a safepoint. A handshake runs a function once for every mutator without a
// global pause: a running mutator runs it itself at its next safepoint, and
// the collector runs it on behalf of parked mutators.
type world struct {
	mu   sync.Mutex
	cond *sync.Cond

	// Registered mutators. Only changed under mu, and never while the world
	// is stopped.
	mutators []*Mutator
	nextID   int

	stopping  bool
	collector *Mutator // mutator that stopped the world, if any

	hsFn      func(m *Mutator)
	hsSeq     uint64
	hsPending int

	// Fast path for safepoints: set while a stop or a handshake is pending.
	requested atomic.Bool
}

func (w *world) init() {
	w.cond = sync.NewCond(&w.mu)
}

func (w *world) register(m *Mutator) {
	w.mu.Lock()
	// A collector must never see a half registered mutator.
	for w.stopping {
		w.cond.Wait()
	}
	w.nextID++
	m.id = w.nextID
	m.state = mutatorRunning
	// A new mutator has no roots yet, so any handshake in progress does not
	// concern it.
	m.hsSeq = w.hsSeq
	w.mutators = append(w.mutators, m)
	w.mu.Unlock()
}

func (w *world) unregister(m *Mutator) {
	w.mu.Lock()
	for w.stopping {
		w.cond.Wait()
	}
	if w.hsFn != nil && m.hsSeq != w.hsSeq {
		m.hsSeq = w.hsSeq
		w.hsPending--
	}
	for i, other := range w.mutators {
		if other == m {
			w.mutators = append(w.mutators[:i], w.mutators[i+1:]...)
			break
		}
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// numMutators returns the number of registered mutators.
func (w *world) numMutators() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.mutators)
}

func (w *world) runningOthers(self *Mutator) int {
	n := 0
	for _, m := range w.mutators {
		if m != self && m.state == mutatorRunning {
			n++
		}
	}
	return n
}

// stopTheWorld waits until every mutator other than self is parked or
// stopped at a safepoint. self may be nil when the caller is not a mutator.
//
// If another thread is already collecting, stopTheWorld waits for it to
// finish and returns false: the caller should retry whatever it needed the
// collection for.
func (w *world) stopTheWorld(self *Mutator) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		w.waitLocked(self)
		return false
	}
	w.stopping = true
	w.collector = self
	w.requested.Store(true)
	for w.runningOthers(self) > 0 {
		w.cond.Wait()
	}
	return true
}

// startTheWorld resumes the mutators after stopTheWorld.
func (w *world) startTheWorld() {
	w.mu.Lock()
	w.stopping = false
	w.collector = nil
	w.requested.Store(w.hsFn != nil)
	w.cond.Broadcast()
	w.mu.Unlock()
}

// waitLocked blocks m at a safepoint until the world is resumed.
func (w *world) waitLocked(m *Mutator) {
	if m == nil {
		for w.stopping {
			w.cond.Wait()
		}
		return
	}
	prev := m.state
	m.state = mutatorStopped
	w.cond.Broadcast()
	for w.stopping {
		w.cond.Wait()
	}
	m.state = prev
}

// handshake runs fn once for every registered mutator and returns when all of
// them are done. Only one handshake runs at a time.
func (w *world) handshake(fn func(m *Mutator)) {
	w.mu.Lock()
	w.hsFn = fn
	w.hsSeq++
	w.hsPending = 0
	for _, m := range w.mutators {
		if m.state == mutatorParked {
			fn(m)
			m.hsSeq = w.hsSeq
		} else {
			w.hsPending++
		}
	}
	if w.hsPending > 0 {
		w.requested.Store(true)
		for w.hsPending > 0 {
			w.cond.Wait()
		}
	}
	w.hsFn = nil
	w.requested.Store(w.stopping)
	w.mu.Unlock()
}

// safepoint is called by a running mutator when it holds no references
// outside its roots.
func (w *world) safepoint(m *Mutator) {
	if !w.requested.Load() {
		return
	}
	w.mu.Lock()
	w.ackLocked(m)
	if w.stopping && w.collector != m {
		w.waitLocked(m)
	}
	w.mu.Unlock()
}

// ackLocked runs a pending handshake for m. The lock is released while the
// handshake function runs.
func (w *world) ackLocked(m *Mutator) {
	if w.hsFn == nil || m.hsSeq == w.hsSeq {
		return
	}
	fn, seq := w.hsFn, w.hsSeq
	m.hsSeq = seq
	w.mu.Unlock()
	fn(m)
	w.mu.Lock()
	w.hsPending--
	w.cond.Broadcast()
}

func (w *world) park(m *Mutator) {
	w.mu.Lock()
	w.ackLocked(m)
	m.state = mutatorParked
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *world) unpark(m *Mutator) {
	w.mu.Lock()
	for w.stopping && w.collector != m {
		w.cond.Wait()
	}
	m.state = mutatorRunning
	w.mu.Unlock()
}
