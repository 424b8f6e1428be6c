package memory

import (
	"sync"
	"sync/atomic"
)

// markSweep never moves objects. A cycle marks every reachable object, then
// sweeps every issued page: pages without a marked object are recycled, and
// runs of dead objects in the other pages become free chunks that later
// allocations reuse.
type markSweep struct {
	heap *Heap
	work worklist

	// freeLock guards free. It is never held across a safepoint, so a
	// mutator never holds it while the world is stopped.
	freeLock sync.Mutex
	free     freeList
}

func (c *markSweep) Name() string { return string(MarkSweep) }

func (c *markSweep) Attach(h *Heap) {
	c.heap = h
	c.free.heap = h
}

func (c *markSweep) Start() {}
func (c *markSweep) Stop()  {}

func (c *markSweep) RequestPage(m *Mutator) *Page {
	return c.heap.requestPage(m, m, regionDefault)
}

// Allocate reuses a free chunk if one fits, and bump allocates otherwise.
func (c *markSweep) Allocate(m *Mutator, size uintptr) Ref {
	c.freeLock.Lock()
	ref := c.free.pop(size)
	c.freeLock.Unlock()
	if ref != Nil {
		return ref
	}
	if ref := m.bump(size); ref != Nil {
		return ref
	}
	c.heap.fatal(ErrAllocationOverrun, "object of %d bytes does not fit in a page of %d bytes", size, c.heap.pageSize)
	return Nil
}

func (c *markSweep) RecordAllocation(m *Mutator, ref Ref, size uintptr) {}

func (c *markSweep) RunCycle(m *Mutator) {
	c.heap.stopTheWorld(m, "full", c.collect)
}

func (c *markSweep) Relinquish(p *Page) {
	c.heap.RelinquishFullPage(p)
}

func (c *markSweep) ReadBarrier(ref Ref) Ref { return ref }

func (c *markSweep) WriteBarrier(holder Ref, slot *uint64, v Ref) {
	atomic.StoreUint64(slot, uint64(v))
}

// FreeBytes returns the number of bytes in free chunks.
func (c *markSweep) FreeBytes() uintptr {
	c.freeLock.Lock()
	defer c.freeLock.Unlock()
	return c.free.bytes
}

// Counters implements counterReporter.
func (c *markSweep) Counters() map[string]uint64 {
	c.freeLock.Lock()
	defer c.freeLock.Unlock()
	_, counts := c.free.counts()
	chunks := 0
	for _, n := range counts {
		chunks += n
	}
	return map[string]uint64{
		"free-bytes":  uint64(c.free.bytes),
		"free-chunks": uint64(chunks),
	}
}

func (c *markSweep) collect() uint64 {
	h := c.heap
	live := h.markReachable(&c.work, nil)

	current := make(map[*Page]bool)
	for _, m := range h.world.mutators {
		if m.page != nil {
			current[m.page] = true
		}
	}

	c.freeLock.Lock()
	defer c.freeLock.Unlock()
	c.free.reset()
	for _, p := range h.issuedPages() {
		sweepPage(h, p, &c.free, current[p])
	}
	return live
}

// markReachable sets the mark bit of every object reachable from the roots
// and returns their total size. If filter is not nil, objects on pages it
// rejects are neither marked nor scanned.
func (h *Heap) markReachable(work *worklist, filter func(p *Page) bool) uint64 {
	var live uint64
	mark := func(ref Ref) {
		p := h.pageOf(ref)
		if filter != nil && !filter(p) {
			return
		}
		off := ref.offset()
		if !p.validObject(off) || p.hasTag(off, tagFree) {
			h.fatal(ErrInvariantViolation, "invalid object header at %v", ref)
		}
		if p.setTag(off, tagMark) {
			return
		}
		live += uint64(p.objectSize(off))
		work.Push(ref)
	}
	h.walkRoots(func(slot *Ref) {
		mark(*slot)
	})
	work.drain(func(ref Ref) {
		p, off := h.pageOf(ref), ref.offset()
		for i, n := 0, p.numRefs(off); i < n; i++ {
			if v := Ref(atomic.LoadUint64(p.slot(off, i))); v != Nil {
				mark(v)
			}
		}
	})
	return live
}

// sweepPage frees the dead objects of a page. A page without live objects is
// recycled: a mutator's current page is cleared in place, any other page goes
// back to the free list. Otherwise runs of dead objects become free chunks
// and the mark bits are cleared for the next cycle.
func sweepPage(h *Heap, p *Page, free *freeList, current bool) {
	live := false
	inRun := false
	var runStart uintptr
	p.Walk(func(off, size uintptr) bool {
		if p.hasTag(off, tagMark) {
			if inRun {
				free.insert(makeRef(p.index, runStart), off-runStart)
				inRun = false
			}
			live = true
		} else if !inRun {
			inRun = true
			runStart = off
		}
		return true
	})
	if !live {
		if current {
			p.ClearPage()
		} else {
			h.RelinquishPage(p)
		}
		return
	}
	if inRun {
		free.insert(makeRef(p.index, runStart), p.Used()-runStart)
	}
	p.ClearMarkBits()
}
