package memory

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// Collector is a collection strategy. It decides where objects are placed,
// when cycles run and what the barriers do. The heap and the mutators only
// talk to the collector through this interface.
type Collector interface {
	// Name returns the strategy name.
	Name() string

	// Attach binds the collector to its heap. It is called once, before
	// Start.
	Attach(h *Heap)

	// Start and Stop run and stop background collector threads, if any.
	Start()
	Stop()

	// RequestPage returns a page for the mutator to allocate into, collecting
	// if no page is free.
	RequestPage(m *Mutator) *Page

	// Allocate returns a new object of size bytes, its header holding only
	// its size.
	Allocate(m *Mutator, size uintptr) Ref

	// RecordAllocation is called once the header of a new object is filled
	// in, before the object is visible to anybody but its mutator.
	RecordAllocation(m *Mutator, ref Ref, size uintptr)

	// RunCycle runs a full collection cycle. m is the calling mutator, or nil.
	RunCycle(m *Mutator)

	// Relinquish takes back a page its owner doesn't allocate into anymore.
	Relinquish(p *Page)

	// ReadBarrier returns the current location of a referenced object.
	ReadBarrier(ref Ref) Ref

	// WriteBarrier stores v into slot, which lives in the object holder or,
	// if holder is Nil, in a root.
	WriteBarrier(holder Ref, slot *uint64, v Ref)
}

// Strategy names a collection strategy.
type Strategy string

const (
	Generational Strategy = "generational"
	Copying      Strategy = "copying"
	MarkSweep    Strategy = "marksweep"
	Pauseless    Strategy = "pauseless"
)

// strategyInfo describes a collection strategy.
type strategyInfo struct {
	doc string
	// Whether collection runs concurrently with the mutators.
	concurrent bool
	new        func() Collector
}

var strategies = map[Strategy]strategyInfo{
	Generational: {
		doc: "stop-the-world nursery collection with promotion to a mark-sweep mature region",
		new: func() Collector { return &generational{} },
	},
	Copying: {
		doc: "stop-the-world semispace copying",
		new: func() Collector { return &copying{} },
	},
	MarkSweep: {
		doc: "stop-the-world mark-sweep with free chunk reuse",
		new: func() Collector { return &markSweep{} },
	},
	Pauseless: {
		doc:        "concurrent marking and page evacuation behind read and write barriers",
		concurrent: true,
		new:        func() Collector { return &pauseless{} },
	},
}

// Strategies returns the names of all collection strategies, sorted.
func Strategies() []Strategy {
	names := make([]Strategy, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Describe returns a one line description of a strategy.
func (s Strategy) Describe() string {
	return strategies[s].doc
}

// Concurrent reports whether the strategy collects while mutators run.
func (s Strategy) Concurrent() bool {
	return strategies[s].concurrent
}

// ParseStrategy returns the strategy with the given name.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(name)
	if _, ok := strategies[s]; !ok {
		return "", fmt.Errorf("unknown collection strategy %q (known: %v)", name, Strategies())
	}
	return s, nil
}

// NewCollector returns a new, unattached collector for strategy s.
func NewCollector(s Strategy) (Collector, error) {
	info, ok := strategies[s]
	if !ok {
		return nil, fmt.Errorf("unknown collection strategy %q", s)
	}
	return info.new(), nil
}

// gcThread is the page owner of pages the collector allocates into itself:
// to-space pages, promotion targets and evacuation targets.
type gcThread struct {
	heap   *Heap
	region pageRegion
	page   *Page
	full   []*Page // pages filled during the current cycle
}

// PageFull implements PageOwner. Collector pages are filled up to the end.
func (g *gcThread) PageFull(p *Page) {}

// allocate returns size bytes in a collector page. It never collects: it
// returns Nil if no page is free.
func (g *gcThread) allocate(size uintptr) Ref {
	if size > g.heap.pageSize {
		return Nil
	}
	if g.page == nil || g.page.Free() < size {
		if g.page != nil {
			g.full = append(g.full, g.page)
		}
		g.page = g.heap.takePage(g, g.region)
		if g.page == nil {
			return Nil
		}
	}
	return g.page.AllocateObject(size)
}

// pages returns every page filled by the collector since the last reset,
// the current page included.
func (g *gcThread) pages() []*Page {
	pages := g.full
	if g.page != nil {
		pages = append(pages, g.page)
	}
	return pages
}

// release relinquishes every collector page as full and forgets them.
func (g *gcThread) release() {
	for _, p := range g.pages() {
		g.heap.RelinquishFullPage(p)
	}
	g.page = nil
	g.full = nil
}

// copyObject copies the object at from into a fresh object at to, header
// included, and clears the GC tag bits of the copy that belong to the old
// location. The new object may be larger than the old one (a free chunk
// that was not worth splitting); it keeps its own size.
func (h *Heap) copyObject(from, to Ref) {
	fp, tp := h.pageOf(from), h.pageOf(to)
	foff, toff := from.offset(), to.offset()
	size, room := fp.objectSize(foff), tp.objectSize(toff)
	if room < size {
		h.fatal(ErrInvariantViolation, "copy of %v (%d bytes) into %v (%d bytes)", from, size, to, room)
	}
	n := size / wordSize
	src := fp.arena[foff/wordSize : foff/wordSize+n]
	dst := tp.arena[toff/wordSize : toff/wordSize+n]
	for i := range src {
		atomic.StoreUint64(&dst[i], atomic.LoadUint64(&src[i]))
	}
	tp.setSizeAndRefs(toff, room, fp.numRefs(foff))
	tp.clearTag(toff, tagForwarded|tagMark|tagFree)
}

// stopTheWorld stops every mutator but m and runs a cycle. If another thread
// was collecting, it waits for it and then runs its own cycle anyway, so the
// caller always sees a cycle that started after its request.
func (h *Heap) stopTheWorld(m *Mutator, kind string, cycle func() uint64) {
	for !h.world.stopTheWorld(m) {
	}
	defer h.world.startTheWorld()
	start := h.beginCycle(kind)
	live := cycle()
	h.endCycle(kind, start, live)
}

// cycleTime is the total time spent collecting.
func (h *Heap) cycleTime() time.Duration {
	return time.Duration(h.gcTime.Load())
}
