package memory

import (
	"sync/atomic"
)

// Mutator is a thread of the running program: it allocates objects, reads
// and writes their fields and keeps a stack of roots. Each mutator owns a
// private current page, so allocation does not contend with other mutators.
//
// A Mutator must only be used by a single goroutine. References held outside
// the root stack are only valid until the next safepoint: every allocation is
// a safepoint, as are Safepoint and Park.
//
// A mutator that does not touch the heap for a while (waiting on a channel,
// sleeping, ...) must Park, otherwise collectors wait for it.
type Mutator struct {
	heap *Heap
	id   int

	// Guarded by heap.world.mu.
	state mutatorState
	hsSeq uint64

	page    *Page
	pending bool // current page crossed its watermark

	roots []Ref
	// Keeps a new object alive while its page is being replaced.
	scratch Ref
}

// NewMutator registers a new mutator thread.
func (h *Heap) NewMutator() *Mutator {
	m := &Mutator{heap: h}
	h.world.register(m)
	return m
}

// Close unregisters the mutator and relinquishes its current page.
func (m *Mutator) Close() {
	if p := m.page; p != nil {
		m.page = nil
		m.pending = false
		m.heap.collector.Relinquish(p)
	}
	m.roots = nil
	m.heap.world.unregister(m)
}

// ID returns a number identifying the mutator within its heap.
func (m *Mutator) ID() int { return m.id }

// Heap returns the heap the mutator allocates from.
func (m *Mutator) Heap() *Heap { return m.heap }

// CurrentPage returns the page the mutator is bump allocating into, if any.
func (m *Mutator) CurrentPage() *Page { return m.page }

// PageFull implements PageOwner.
func (m *Mutator) PageFull(p *Page) {
	if p == m.page {
		m.pending = true
	}
}

// Safepoint lets a pending collection or handshake run.
func (m *Mutator) Safepoint() {
	m.heap.world.safepoint(m)
}

// Park tells collectors that the mutator won't touch the heap until Unpark.
// Parking is a safepoint.
func (m *Mutator) Park() {
	m.heap.world.park(m)
}

// Unpark resumes a parked mutator. It waits for a stop-the-world collection in
// progress to finish.
func (m *Mutator) Unpark() {
	m.heap.world.unpark(m)
}

// Push pushes ref onto the root stack and returns its index.
func (m *Mutator) Push(ref Ref) int {
	m.roots = append(m.roots, Nil)
	i := len(m.roots) - 1
	m.heap.storeRoot(&m.roots[i], ref)
	return i
}

// Root returns root i.
func (m *Mutator) Root(i int) Ref {
	return Ref(atomic.LoadUint64((*uint64)(&m.roots[i])))
}

// SetRoot replaces root i.
func (m *Mutator) SetRoot(i int, ref Ref) {
	m.heap.storeRoot(&m.roots[i], ref)
}

// Pop drops the top n roots.
func (m *Mutator) Pop(n int) {
	clear(m.roots[len(m.roots)-n:])
	m.roots = m.roots[:len(m.roots)-n]
}

// Depth returns the number of roots on the stack.
func (m *Mutator) Depth() int {
	return len(m.roots)
}

func (m *Mutator) walkRoots(visit func(slot *Ref)) {
	for i := range m.roots {
		if m.roots[i] != Nil {
			visit(&m.roots[i])
		}
	}
	if m.scratch != Nil {
		visit(&m.scratch)
	}
}

// Collect runs a full collection cycle, or waits for one under the pauseless
// collector.
func (m *Mutator) Collect() {
	m.heap.collector.RunCycle(m)
}

// Allocate returns an object with at least size bytes of raw data. The data
// is zeroed and word aligned. Allocation is a safepoint and may collect.
func (m *Mutator) Allocate(size int) Ref {
	return m.New(TypeRaw, 0, size)
}

// New allocates an object of type t with nrefs reference slots, all nil, and
// dataBytes bytes of zeroed data. Allocation is a safepoint and may collect.
func (m *Mutator) New(t TypeID, nrefs, dataBytes int) Ref {
	if nrefs < 0 || dataBytes < 0 || uint64(nrefs) > 1<<31 {
		m.heap.fatal(ErrInvariantViolation, "bad object shape: %d refs, %d bytes", nrefs, dataBytes)
	}
	size := ObjectSize(nrefs, dataBytes)
	m.Safepoint()

	h := m.heap
	ref := h.collector.Allocate(m, size)
	p := h.pageOf(ref)
	off := ref.offset()
	p.setSizeAndRefs(off, p.objectSize(off), nrefs)
	p.setType(off, t)
	h.collector.RecordAllocation(m, ref, size)

	h.allocCount.Add(1)
	h.allocBytes.Add(uint64(size))
	if h.cfg.AllocationStats {
		if info := h.types.get(t); info != nil {
			info.objects.Add(1)
			info.bytes.Add(uint64(size))
		}
	}

	if m.pending {
		ref = m.replacePage(ref)
	}
	return ref
}

// bump allocates size bytes in the current page, replacing the page first if
// it has no room left. It returns Nil if the object can never fit in a page.
func (m *Mutator) bump(size uintptr) Ref {
	if size > m.heap.pageSize {
		return Nil
	}
	if m.page == nil || m.page.Free() < size {
		if p := m.page; p != nil {
			m.page = nil
			m.pending = false
			m.heap.collector.Relinquish(p)
		}
		m.page = m.heap.collector.RequestPage(m)
		m.pending = false
	}
	return m.page.AllocateObject(size)
}

// replacePage relinquishes a page that crossed its watermark and takes a new
// one. ref, the object just allocated, may move if the request collects.
func (m *Mutator) replacePage(ref Ref) Ref {
	m.pending = false
	if p := m.page; p != nil {
		m.page = nil
		m.heap.collector.Relinquish(p)
	}
	m.heap.storeRoot(&m.scratch, ref)
	m.page = m.heap.collector.RequestPage(m)
	ref = m.heap.collector.ReadBarrier(m.scratch)
	m.scratch = Nil
	return ref
}
