package memory

import (
	"sync"
	"sync/atomic"
)

// pauseless collects concurrently with the mutators. Every cycle:
//
//   - takes the relinquished full pages as evacuation candidates,
//   - flips the epoch: objects stamped with the new epoch are marked, and new
//     objects are stamped with it at allocation,
//   - marks the external roots and, through a handshake, the root stack of
//     every mutator,
//   - traces from the worklist on CollectorThreads workers while write
//     barriers shade both the old and the new value of every store,
//   - recycles candidates without live data and evacuates the sparse ones:
//     each is quarantined, its live objects copied into collector pages and
//     forwarded, then released,
//   - rewrites the roots (handshake again) and the slots of every live object
//     through the forwarding table,
//   - waits until every mutator passed a safepoint, then retires the
//     forwarding table and frees the evacuated pages.
//
// Mutators only ever wait for the page of an object being evacuated.
type pauseless struct {
	heap *Heap
	work worklist
	evac gcThread

	epoch atomic.Uint32

	// Write barriers hold gate shared. The collector holds it exclusively to
	// flip the epoch and to decide that marking is over, so no barrier is
	// halfway when it does.
	gate    sync.RWMutex
	marking atomic.Bool

	// Held for the duration of a cycle.
	cycleMu sync.Mutex

	mu        sync.Mutex
	cond      *sync.Cond
	requested uint64
	completed uint64
	running   bool
	stopping  bool
	done      chan struct{}
	// Outcome of the last completed cycle.
	last cycleResult

	// evacuateHook runs for every page that is being evacuated, while the page
	// is quarantined.
	evacuateHook func(p *Page)
	// markHook runs once the roots are shaded, before tracing starts.
	markHook func()
	// relocateHook runs once the candidates are evacuated, before any slot is
	// rewritten.
	relocateHook func()

	marked    atomic.Uint64
	evacuated atomic.Uint64
	recycled  atomic.Uint64
	relocated atomic.Uint64
}

func (c *pauseless) Name() string { return string(Pauseless) }

func (c *pauseless) Attach(h *Heap) {
	c.heap = h
	c.evac = gcThread{heap: h, region: regionDefault}
	c.cond = sync.NewCond(&c.mu)
	c.epoch.Store(1)
	h.concurrent = true
}

func (c *pauseless) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.done = make(chan struct{})
	go c.loop()
}

func (c *pauseless) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.done
	c.mu.Lock()
	c.running = false
	c.stopping = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *pauseless) loop() {
	defer close(c.done)
	for {
		c.mu.Lock()
		for c.requested == c.completed && !c.stopping {
			c.cond.Wait()
		}
		if c.stopping {
			c.mu.Unlock()
			return
		}
		target := c.requested
		c.mu.Unlock()

		c.cycleMu.Lock()
		res := c.cycle()
		c.cycleMu.Unlock()

		c.mu.Lock()
		c.completed = target
		c.last = res
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// request asks for a cycle that starts after the call and returns a ticket to
// wait for it.
func (c *pauseless) request() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested++
	c.cond.Broadcast()
	return c.requested
}

// wait blocks until the cycle of a ticket has completed. It returns false if
// the collector stopped first.
func (c *pauseless) wait(ticket uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.completed < ticket && c.running && !c.stopping {
		c.cond.Wait()
	}
	return c.completed >= ticket
}

func (c *pauseless) exclusive() func() {
	c.cycleMu.Lock()
	return c.cycleMu.Unlock
}

// maybeTrigger starts a cycle in the background when few pages are left.
func (c *pauseless) maybeTrigger() {
	h := c.heap
	if h.FreePages()*100 >= h.cfg.TriggerPercent*h.NumPages() {
		return
	}
	c.mu.Lock()
	if c.requested == c.completed {
		c.requested++
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// RequestPage takes a free page, waiting for cycles while none is free. The
// heap is exhausted only after a cycle that freed no page while no page was
// relinquished during it, because the next cycle would find nothing either.
// Pages freed by a cycle may be taken by other mutators first; the request
// then waits for another cycle.
func (c *pauseless) RequestPage(m *Mutator) *Page {
	h := c.heap
	for waited := false; ; waited = true {
		if p := h.takePage(m, regionDefault); p != nil {
			c.maybeTrigger()
			return p
		}
		if waited {
			if res := c.lastResult(); !res.progressed() {
				h.fatal(ErrHeapExhausted, "no free page after a concurrent cycle freed none (%d pages of %d bytes, %d kept)",
					h.NumPages(), h.pageSize, res.kept)
				return nil
			}
		}
		ticket := c.request()
		m.Park()
		ok := c.wait(ticket)
		m.Unpark()
		if !ok {
			h.fatal(ErrInvariantViolation, "page requested while the collector is stopped")
			return nil
		}
	}
}

// cycleResult tells what a cycle did for the free list.
type cycleResult struct {
	freed        int    // recycled and evacuated pages
	kept         int    // candidates that stay full
	relinquished uint64 // pages relinquished while the cycle ran
}

// progressed reports whether the cycle or the next one can free pages.
func (r cycleResult) progressed() bool {
	return r.freed > 0 || r.relinquished > 0
}

func (c *pauseless) lastResult() cycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *pauseless) Allocate(m *Mutator, size uintptr) Ref {
	ref := m.bump(size)
	if ref == Nil {
		c.heap.fatal(ErrAllocationOverrun, "object of %d bytes does not fit in a page of %d bytes", size, c.heap.pageSize)
	}
	return ref
}

// RecordAllocation stamps the new object with the current epoch: an object
// allocated during a cycle is live for that cycle.
func (c *pauseless) RecordAllocation(m *Mutator, ref Ref, size uintptr) {
	c.heap.pageOf(ref).setEpoch(ref.offset(), c.epoch.Load())
}

// RunCycle requests a cycle and waits for it. The mutator is parked while it
// waits, so the collector handles its roots on its behalf.
func (c *pauseless) RunCycle(m *Mutator) {
	ticket := c.request()
	if m != nil {
		m.Park()
		defer m.Unpark()
	}
	c.wait(ticket)
}

func (c *pauseless) Relinquish(p *Page) {
	c.heap.RelinquishFullPage(p)
}

func (c *pauseless) ReadBarrier(ref Ref) Ref {
	return c.heap.Resolve(ref)
}

// WriteBarrier stores v, which the caller has pinned. While marking, the
// overwritten value and the new value are both shaded, so neither an object
// hidden behind an already scanned object nor an object whose last reference
// is overwritten can be missed.
func (c *pauseless) WriteBarrier(holder Ref, slot *uint64, v Ref) {
	c.gate.RLock()
	if c.marking.Load() {
		c.shade(v)
		old := Ref(atomic.SwapUint64(slot, uint64(v)))
		c.shade(old)
	} else {
		atomic.StoreUint64(slot, uint64(v))
	}
	c.gate.RUnlock()
}

// Epoch returns the current epoch.
func (c *pauseless) Epoch() uint32 {
	return c.epoch.Load()
}

// Counters implements counterReporter.
func (c *pauseless) Counters() map[string]uint64 {
	return map[string]uint64{
		"epoch":             uint64(c.epoch.Load()),
		"evacuated-pages":   c.evacuated.Load(),
		"recycled-pages":    c.recycled.Load(),
		"relocated-objects": c.relocated.Load(),
	}
}

// shade marks an object for the current epoch and queues it for scanning.
func (c *pauseless) shade(ref Ref) {
	if ref == Nil {
		return
	}
	h := c.heap
	p := h.pageOf(ref)
	off := ref.offset()
	e := c.epoch.Load()
	for {
		cur := p.epoch(off)
		if cur == e {
			return
		}
		if !p.validObject(off) {
			h.fatal(ErrInvariantViolation, "invalid object header at %v", ref)
		}
		if p.casEpoch(off, cur, e) {
			size := p.objectSize(off)
			p.AddLiveData(size)
			c.marked.Add(uint64(size))
			c.work.Push(ref)
			return
		}
	}
}

func (c *pauseless) scan(ref Ref) {
	p, off := c.heap.pageOf(ref), ref.offset()
	for i, n := 0, p.numRefs(off); i < n; i++ {
		c.shade(Ref(atomic.LoadUint64(p.slot(off, i))))
	}
}

func (c *pauseless) cycle() cycleResult {
	h := c.heap
	start := h.beginCycle("concurrent")

	// Only pages that were full before the flip are candidates: every object
	// allocated after it is live and lives elsewhere.
	candidates, seq := h.takeFullPages()
	for _, p := range candidates {
		p.liveData.Store(0)
	}
	c.marked.Store(0)

	c.gate.Lock()
	e := c.epoch.Add(1)
	c.marking.Store(true)
	c.gate.Unlock()

	h.walkExternalRoots(func(slot *Ref) {
		c.shade(*slot)
	})
	h.world.handshake(func(m *Mutator) {
		m.walkRoots(func(slot *Ref) {
			c.shade(*slot)
		})
	})
	if c.markHook != nil {
		c.markHook()
	}
	for {
		c.work.drainParallel(h.cfg.CollectorThreads, c.scan)
		c.gate.Lock()
		if c.work.Empty() {
			c.marking.Store(false)
			c.gate.Unlock()
			break
		}
		c.gate.Unlock()
	}

	// Relocation.
	fwd := h.installForwarding()
	threshold := h.pageSize * uintptr(h.cfg.EvacuateBelowPercent) / 100
	var keep, evacuated []*Page
	for _, p := range candidates {
		live := p.LiveData()
		switch {
		case live == 0:
			h.RelinquishPage(p)
			c.recycled.Add(1)
		case live < threshold && c.evacuate(p, fwd, e):
			evacuated = append(evacuated, p)
			c.evacuated.Add(1)
		default:
			keep = append(keep, p)
		}
	}

	if c.relocateHook != nil {
		c.relocateHook()
	}

	// Fix-up.
	if fwd.len() > 0 {
		fix := func(slot *uint64) {
			for {
				v := Ref(atomic.LoadUint64(slot))
				if v == Nil {
					return
				}
				nv := h.Resolve(v)
				if nv == v || atomic.CompareAndSwapUint64(slot, uint64(v), uint64(nv)) {
					return
				}
			}
		}
		h.walkExternalRoots(func(slot *Ref) {
			fix((*uint64)(slot))
		})
		h.world.handshake(func(m *Mutator) {
			m.walkRoots(func(slot *Ref) {
				fix((*uint64)(slot))
			})
		})
		skip := make(map[*Page]bool, len(evacuated))
		for _, p := range evacuated {
			skip[p] = true
		}
		for _, p := range h.issuedPages() {
			if skip[p] {
				continue
			}
			p.Walk(func(off, size uintptr) bool {
				if p.epoch(off) != e {
					return true // dead, or not initialized yet
				}
				for i, n := 0, p.numRefs(off); i < n; i++ {
					fix(p.slot(off, i))
				}
				return true
			})
		}
		// Every mutator passes a safepoint, dropping any reference to an old
		// location it was still holding.
		h.world.handshake(func(m *Mutator) {})
	}
	c.relocated.Add(uint64(h.retireForwarding()))
	for _, p := range evacuated {
		h.RelinquishPage(p)
	}
	h.returnFullPages(keep)
	c.evac.release()

	h.endCycle("concurrent", start, c.marked.Load())
	return cycleResult{
		freed:        len(candidates) - len(keep),
		kept:         len(keep),
		relinquished: h.relinquishedSince(seq),
	}
}

// evacuate copies the live objects of p into collector pages and forwards
// them. It returns false if p keeps live objects, because there was no room
// to copy them all.
func (c *pauseless) evacuate(p *Page, fwd *forwardingTable, e uint32) bool {
	h := c.heap
	if uintptr(h.FreePages())*h.pageSize < p.LiveData()+h.pageSize {
		return false
	}
	p.Block()
	defer p.Unblock()
	if c.evacuateHook != nil {
		c.evacuateHook(p)
	}
	ok := true
	p.Walk(func(off, size uintptr) bool {
		if p.epoch(off) != e {
			return true
		}
		from := makeRef(p.index, off)
		to := c.evac.allocate(size)
		if to == Nil {
			ok = false
			return false
		}
		h.copyObject(from, to)
		h.forward(fwd, from, to)
		return true
	})
	return ok
}
