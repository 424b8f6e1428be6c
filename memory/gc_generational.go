package memory

import (
	"sync"
	"sync/atomic"
)

// generational splits the heap into a nursery and a mature region.
//
// Mutators bump allocate into private nursery pages. Objects larger than
// MaxNurseryObjectSize go straight to the mature region: shared mature pages
// (bump allocation and free chunks, reclaimed by mark-sweep), or a detached
// page for objects larger than a page.
//
// A minor cycle copies the live nursery objects found from the roots and the
// remembered set. Survivors age by one; once they reach PromotionAge they are
// copied to the mature region instead of a fresh nursery page. A full cycle
// marks the whole heap and sweeps the mature region, then runs a minor cycle
// that promotes every survivor into the room the sweep freed. A minor cycle
// that might not find room for every nursery object runs as a full cycle.
type generational struct {
	heap *Heap
	work worklist

	mu          sync.Mutex
	nurseryUsed int // nursery pages issued, survivors included

	// matureLock guards the mature region. It is never held across a
	// safepoint.
	matureLock sync.Mutex
	mature     gcThread
	free       freeList
	large      []*Page

	// Mature objects that may hold a reference to a nursery object.
	remMu      sync.Mutex
	remembered map[Ref]struct{}

	minorCycles atomic.Uint64
	fullCycles  atomic.Uint64
	promoted    atomic.Uint64
}

func (c *generational) Name() string { return string(Generational) }

func (c *generational) Attach(h *Heap) {
	c.heap = h
	c.mature = gcThread{heap: h, region: regionMature}
	c.free.heap = h
	c.remembered = make(map[Ref]struct{})
}

func (c *generational) Start() {}
func (c *generational) Stop()  {}

func (c *generational) nurseryFull() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nurseryUsed >= c.heap.cfg.NurseryPages
}

func (c *generational) takeNurseryPage(m *Mutator) *Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nurseryUsed >= c.heap.cfg.NurseryPages {
		return nil
	}
	p := c.heap.takePage(m, regionNursery)
	if p != nil {
		c.nurseryUsed++
	}
	return p
}

// RequestPage returns a nursery page. A full nursery is collected with a
// minor cycle; if that does not yield a page, a full cycle runs.
func (c *generational) RequestPage(m *Mutator) *Page {
	if c.nurseryFull() {
		c.runMinor(m)
	}
	if p := c.takeNurseryPage(m); p != nil {
		return p
	}
	c.RunCycle(m)
	if p := c.takeNurseryPage(m); p != nil {
		return p
	}
	c.heap.fatal(ErrHeapExhausted, "no nursery page after a full collection cycle (%d pages of %d bytes)", c.heap.NumPages(), c.heap.pageSize)
	return nil
}

// Allocate places objects larger than the maximum nursery object size in the
// mature region, whatever the state of the nursery.
func (c *generational) Allocate(m *Mutator, size uintptr) Ref {
	if size > c.heap.cfg.MaxNurseryObjectSize {
		return c.allocateMature(m, size)
	}
	return m.bump(size)
}

func (c *generational) allocateMature(m *Mutator, size uintptr) Ref {
	for attempt := 0; attempt < 2; attempt++ {
		c.matureLock.Lock()
		ref := c.allocateMatureLocked(size)
		c.matureLock.Unlock()
		if ref != Nil {
			return ref
		}
		if attempt == 0 {
			c.RunCycle(m)
		}
	}
	c.heap.fatal(ErrHeapExhausted, "no room for a mature object of %d bytes after a full collection cycle", size)
	return Nil
}

// allocateMatureLocked allocates in the mature region without collecting.
func (c *generational) allocateMatureLocked(size uintptr) Ref {
	h := c.heap
	if size > h.pageSize {
		p := h.newDetachedPage(size, &c.mature)
		if p == nil {
			return Nil
		}
		c.large = append(c.large, p)
		return p.AllocateObject(size)
	}
	if p := c.mature.page; p != nil && p.Free() >= size {
		return p.AllocateObject(size)
	}
	if ref := c.free.pop(size); ref != Nil {
		return ref
	}
	return c.mature.allocate(size)
}

func (c *generational) RecordAllocation(m *Mutator, ref Ref, size uintptr) {}

// RunCycle runs a full cycle.
func (c *generational) RunCycle(m *Mutator) {
	c.heap.stopTheWorld(m, "full", c.full)
}

func (c *generational) full() uint64 {
	c.fullCycles.Add(1)
	live := c.collectMature()
	c.minor(true)
	return live
}

func (c *generational) runMinor(m *Mutator) {
	c.heap.stopTheWorld(m, "minor", func() uint64 {
		if !c.promotionFits() {
			return c.full()
		}
		c.minorCycles.Add(1)
		return c.minor(false)
	})
}

// promotionFits reports whether the free pages and the free room of the
// mature region could take every nursery object.
func (c *generational) promotionFits() bool {
	h := c.heap
	var young uintptr
	for _, p := range h.issuedPages() {
		if p.region == regionNursery {
			young += p.Used()
		}
	}
	room := uintptr(h.FreePages()) * h.pageSize
	c.matureLock.Lock()
	room += c.free.bytes
	if p := c.mature.page; p != nil {
		room += p.Free()
	}
	c.matureLock.Unlock()
	return young <= room
}

func (c *generational) Relinquish(p *Page) {
	c.heap.RelinquishFullPage(p)
}

func (c *generational) ReadBarrier(ref Ref) Ref { return ref }

// WriteBarrier remembers mature objects that get a reference to a nursery
// object, so that a minor cycle finds the nursery objects only they reach.
func (c *generational) WriteBarrier(holder Ref, slot *uint64, v Ref) {
	atomic.StoreUint64(slot, uint64(v))
	if holder == Nil || v == Nil {
		return
	}
	h := c.heap
	if !h.pageOf(holder).region.isMature() || h.pageOf(v).region != regionNursery {
		return
	}
	c.remMu.Lock()
	c.remembered[holder] = struct{}{}
	c.remMu.Unlock()
}

func (r pageRegion) isMature() bool {
	return r == regionMature || r == regionLarge
}

// Counters implements counterReporter.
func (c *generational) Counters() map[string]uint64 {
	c.remMu.Lock()
	remembered := len(c.remembered)
	c.remMu.Unlock()
	return map[string]uint64{
		"minor-cycles": c.minorCycles.Load(),
		"full-cycles":  c.fullCycles.Load(),
		"promoted":     c.promoted.Load(),
		"remembered":   uint64(remembered),
	}
}

// minor evacuates the live nursery objects. With promoteAll set every
// survivor moves to the mature region, unless it is full. A survivor that
// finds no room in its region goes to the other one. It returns the number of
// bytes copied.
func (c *generational) minor(promoteAll bool) uint64 {
	h := c.heap
	var from []*Page
	for _, p := range h.issuedPages() {
		if p.region == regionNursery {
			p.from = true
			from = append(from, p)
		}
	}
	for _, m := range h.world.mutators {
		m.page = nil
		m.pending = false
	}

	c.matureLock.Lock()
	defer c.matureLock.Unlock()

	fwd := h.installForwarding()
	survivors := gcThread{heap: h, region: regionNursery}
	var promoted []Ref
	var live uint64

	evacuate := func(slot *uint64) {
		v := Ref(atomic.LoadUint64(slot))
		if v == Nil {
			return
		}
		p := h.pageOf(v)
		if !p.from {
			return
		}
		off := v.offset()
		if p.hasTag(off, tagForwarded) {
			atomic.StoreUint64(slot, uint64(h.forwardedTo(v)))
			return
		}
		if !p.validObject(off) {
			h.fatal(ErrInvariantViolation, "invalid object header at %v", v)
		}
		size := p.objectSize(off)
		age := p.age(off) + 1

		to := Nil
		promote := promoteAll || age >= h.cfg.PromotionAge
		if !promote {
			to = survivors.allocate(size)
		}
		if to == Nil {
			if to = c.allocateMatureLocked(size); to != Nil {
				promoted = append(promoted, to)
				age = 0
			}
		}
		if to == Nil && promote {
			to = survivors.allocate(size)
		}
		if to == Nil {
			h.fatal(ErrHeapExhausted, "no room for the nursery survivor %v (%d bytes)", v, size)
		}
		h.copyObject(v, to)
		h.pageOf(to).setAge(to.offset(), age)
		h.forward(fwd, v, to)
		live += uint64(size)
		atomic.StoreUint64(slot, uint64(to))
		c.work.Push(to)
	}
	scan := func(ref Ref) {
		p, off := h.pageOf(ref), ref.offset()
		for i, n := 0, p.numRefs(off); i < n; i++ {
			evacuate(p.slot(off, i))
		}
	}

	h.walkRoots(func(slot *Ref) {
		evacuate((*uint64)(slot))
	})
	c.remMu.Lock()
	remembered := c.remembered
	c.remembered = make(map[Ref]struct{})
	c.remMu.Unlock()
	for holder := range remembered {
		scan(holder)
	}
	c.work.drain(scan)

	for _, p := range from {
		h.RelinquishPage(p)
	}
	h.retireForwarding()

	survivorPages := survivors.pages()
	survivors.release()
	c.mu.Lock()
	c.nurseryUsed = len(survivorPages)
	c.mu.Unlock()
	c.promoted.Add(uint64(len(promoted)))

	// Mature objects that still point into the nursery stay remembered.
	youngSlot := func(ref Ref) bool {
		p, off := h.pageOf(ref), ref.offset()
		for i, n := 0, p.numRefs(off); i < n; i++ {
			if v := Ref(atomic.LoadUint64(p.slot(off, i))); v != Nil && h.pageOf(v).region == regionNursery {
				return true
			}
		}
		return false
	}
	for holder := range remembered {
		if youngSlot(holder) {
			c.remembered[holder] = struct{}{}
		}
	}
	for _, holder := range promoted {
		if youngSlot(holder) {
			c.remembered[holder] = struct{}{}
		}
	}
	return live
}

// collectMature marks the whole heap and sweeps the mature region. Remembered
// objects that died are forgotten. It returns the number of live bytes.
func (c *generational) collectMature() uint64 {
	h := c.heap
	live := h.markReachable(&c.work, nil)

	c.remMu.Lock()
	for holder := range c.remembered {
		if !h.pageOf(holder).hasTag(holder.offset(), tagMark) {
			delete(c.remembered, holder)
		}
	}
	c.remMu.Unlock()

	c.matureLock.Lock()
	defer c.matureLock.Unlock()
	c.free.reset()
	for _, p := range c.mature.pages() {
		sweepPage(h, p, &c.free, p == c.mature.page)
	}
	var pages []*Page
	for _, p := range c.mature.full {
		if p.pageState() == pageInUse {
			pages = append(pages, p)
		}
	}
	c.mature.full = pages

	var large []*Page
	for _, p := range c.large {
		if p.hasTag(0, tagMark) {
			p.clearTag(0, tagMark)
			large = append(large, p)
		} else {
			h.RelinquishPage(p)
		}
	}
	c.large = large
	return live
}
