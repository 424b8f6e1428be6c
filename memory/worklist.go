package memory

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// worklist is a LIFO container of grey objects: objects that are known to be
// reachable but whose reference slots have not been scanned yet. It is shared
// between tracing workers and mutator write barriers, so every operation takes
// a short lock.
// The zero value is an empty worklist.
type worklist struct {
	mu    sync.Mutex
	items []Ref
	// Number of objects popped by a worker and not finished yet. Scanning an
	// object can push more work, so the list is only drained when it is empty
	// and nothing is in flight.
	inFlight int
}

// Push an object onto the worklist.
func (w *worklist) Push(ref Ref) {
	w.mu.Lock()
	w.items = append(w.items, ref)
	w.mu.Unlock()
}

// Pop an object off the worklist. The caller must call done once it has
// scanned the object.
func (w *worklist) Pop() (Ref, bool) {
	w.mu.Lock()
	n := len(w.items)
	if n == 0 {
		w.mu.Unlock()
		return Nil, false
	}
	ref := w.items[n-1]
	w.items = w.items[:n-1]
	w.inFlight++
	w.mu.Unlock()
	return ref, true
}

func (w *worklist) done() {
	w.mu.Lock()
	w.inFlight--
	w.mu.Unlock()
}

// Empty checks if the worklist is empty and no popped object is still being
// scanned.
func (w *worklist) Empty() bool {
	w.mu.Lock()
	empty := len(w.items) == 0 && w.inFlight == 0
	w.mu.Unlock()
	return empty
}

// Len returns the number of objects waiting to be scanned.
func (w *worklist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// reset drops all pending work.
func (w *worklist) reset() {
	w.mu.Lock()
	w.items = w.items[:0]
	w.inFlight = 0
	w.mu.Unlock()
}

// drain scans objects until the worklist is empty. scan may push more objects.
func (w *worklist) drain(scan func(Ref)) {
	for {
		ref, ok := w.Pop()
		if !ok {
			return
		}
		scan(ref)
		w.done()
	}
}

// drainParallel is drain with several workers. It returns once the list is
// empty and no worker is scanning anymore.
func (w *worklist) drainParallel(workers int, scan func(Ref)) {
	if workers <= 1 {
		w.drain(scan)
		return
	}
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				ref, ok := w.Pop()
				if ok {
					scan(ref)
					w.done()
					continue
				}
				if w.Empty() {
					return nil
				}
				// Another worker is scanning and may push more work.
				runtime.Gosched()
			}
		})
	}
	g.Wait()
}
