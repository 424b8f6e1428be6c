package memory

import (
	"sync"
	"sync/atomic"
)

// copying is a semispace collector. Mutators may hold at most half of the
// pool; the other half is the reserve the survivors are copied into. A cycle
// copies every reachable object into fresh pages, rewrites all references
// through the forwarding table and recycles every page of the old space.
type copying struct {
	heap *Heap
	work worklist
	to   gcThread

	mu   sync.Mutex
	used int // pages in the current space
}

func (c *copying) Name() string { return string(Copying) }

func (c *copying) Attach(h *Heap) {
	c.heap = h
	c.to = gcThread{heap: h, region: regionDefault}
}

func (c *copying) Start() {}
func (c *copying) Stop()  {}

func (c *copying) budget() int {
	return c.heap.NumPages() / 2
}

func (c *copying) RequestPage(m *Mutator) *Page {
	h := c.heap
	for attempt := 0; attempt < 2; attempt++ {
		c.mu.Lock()
		if c.used < c.budget() {
			if p := h.takePage(m, regionDefault); p != nil {
				c.used++
				c.mu.Unlock()
				return p
			}
		}
		c.mu.Unlock()
		if attempt == 0 {
			c.RunCycle(m)
		}
	}
	h.fatal(ErrHeapExhausted, "semispace of %d pages still full after a collection cycle", c.budget())
	return nil
}

func (c *copying) Allocate(m *Mutator, size uintptr) Ref {
	ref := m.bump(size)
	if ref == Nil {
		c.heap.fatal(ErrAllocationOverrun, "object of %d bytes does not fit in a page of %d bytes", size, c.heap.pageSize)
	}
	return ref
}

func (c *copying) RecordAllocation(m *Mutator, ref Ref, size uintptr) {}

func (c *copying) RunCycle(m *Mutator) {
	c.heap.stopTheWorld(m, "full", c.collect)
}

func (c *copying) Relinquish(p *Page) {
	c.heap.RelinquishFullPage(p)
}

func (c *copying) ReadBarrier(ref Ref) Ref { return ref }

func (c *copying) WriteBarrier(holder Ref, slot *uint64, v Ref) {
	atomic.StoreUint64(slot, uint64(v))
}

// UsedPages returns the number of pages in the current space.
func (c *copying) UsedPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Counters implements counterReporter.
func (c *copying) Counters() map[string]uint64 {
	return map[string]uint64{
		"semispace-pages": uint64(c.budget()),
		"used-pages":      uint64(c.UsedPages()),
	}
}

func (c *copying) collect() uint64 {
	h := c.heap
	from := h.issuedPages()
	for _, p := range from {
		p.from = true
	}
	for _, m := range h.world.mutators {
		m.page = nil
		m.pending = false
	}

	// Copy everything reachable. Slots are not rewritten yet: the scan reads
	// the old copies.
	fwd := h.installForwarding()
	var live uint64
	evacuate := func(ref Ref) {
		p := h.pageOf(ref)
		off := ref.offset()
		if !p.from || p.hasTag(off, tagForwarded) {
			return
		}
		if !p.validObject(off) {
			h.fatal(ErrInvariantViolation, "invalid object header at %v", ref)
		}
		size := p.objectSize(off)
		to := c.to.allocate(size)
		if to == Nil {
			h.fatal(ErrHeapExhausted, "to-space exhausted while copying %v", ref)
		}
		h.copyObject(ref, to)
		h.forward(fwd, ref, to)
		live += uint64(size)
		c.work.Push(ref)
	}
	h.walkRoots(func(slot *Ref) {
		evacuate(*slot)
	})
	c.work.drain(func(ref Ref) {
		p, off := h.pageOf(ref), ref.offset()
		for i, n := 0, p.numRefs(off); i < n; i++ {
			if v := Ref(atomic.LoadUint64(p.slot(off, i))); v != Nil {
				evacuate(v)
			}
		}
	})

	// Fix up every reference to an old location.
	fix := func(v Ref) Ref {
		if v != Nil && h.pageOf(v).from {
			return h.forwardedTo(v)
		}
		return v
	}
	toPages := c.to.pages()
	for _, p := range toPages {
		p.Walk(func(off, size uintptr) bool {
			for i, n := 0, p.numRefs(off); i < n; i++ {
				slot := p.slot(off, i)
				atomic.StoreUint64(slot, uint64(fix(Ref(atomic.LoadUint64(slot)))))
			}
			return true
		})
	}
	h.walkRoots(func(slot *Ref) {
		*slot = fix(*slot)
	})

	for _, p := range from {
		h.RelinquishPage(p)
	}
	h.retireForwarding()

	c.mu.Lock()
	c.used = len(toPages)
	c.mu.Unlock()
	c.to.release()
	return live
}
