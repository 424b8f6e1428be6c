package memory

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the heap parameters. Zero fields get their defaults.
type Config struct {
	HeapSize uintptr // total size of the page pool, rounded down to whole pages
	PageSize uintptr
	Strategy Strategy

	// Verbosity 0 is silent, 1 logs heap setup, 2 logs every collection
	// cycle and 3 also writes a heap dump per cycle to DumpDir.
	Verbosity int
	DumpDir   string

	// Percentage of a page after which the page asks its owner to replace it.
	WatermarkPercent int

	// Generational collector.
	NurseryPages         int
	MaxNurseryObjectSize uintptr
	PromotionAge         int

	// Pauseless collector.
	EvacuateBelowPercent int
	TriggerPercent       int
	CollectorThreads     int

	// Count allocations per object type.
	AllocationStats bool

	Logger *slog.Logger

	// Exit terminates the process after a fatal heap error. It defaults to
	// os.Exit.
	Exit func(code int)
}

const (
	DefaultHeapSize  = 1 << 20
	DefaultPageSize  = 32 << 10
	minPageSize      = 256
	maxPageSize      = 1 << 31
	defaultWatermark = 90
)

func (c Config) withDefaults() Config {
	if c.HeapSize == 0 {
		c.HeapSize = DefaultHeapSize
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Strategy == "" {
		c.Strategy = Generational
	}
	if c.WatermarkPercent == 0 {
		c.WatermarkPercent = defaultWatermark
	}
	if c.NurseryPages == 0 {
		c.NurseryPages = max(1, int(c.HeapSize/c.PageSize)/4)
	}
	if c.MaxNurseryObjectSize == 0 {
		c.MaxNurseryObjectSize = c.PageSize / 4
	}
	if c.PromotionAge == 0 {
		c.PromotionAge = 2
	}
	if c.EvacuateBelowPercent == 0 {
		c.EvacuateBelowPercent = 50
	}
	if c.TriggerPercent == 0 {
		c.TriggerPercent = 25
	}
	if c.CollectorThreads == 0 {
		c.CollectorThreads = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.PageSize%wordSize != 0:
		return fmt.Errorf("page size %d is not a multiple of %d", c.PageSize, wordSize)
	case c.PageSize < minPageSize:
		return fmt.Errorf("page size %d is smaller than %d bytes", c.PageSize, minPageSize)
	case c.PageSize > maxPageSize:
		return fmt.Errorf("page size %d is larger than %d bytes", c.PageSize, maxPageSize)
	case c.HeapSize/c.PageSize < 2:
		return fmt.Errorf("heap size %d holds less than 2 pages of %d bytes", c.HeapSize, c.PageSize)
	case c.WatermarkPercent < 1 || c.WatermarkPercent > 100:
		return fmt.Errorf("watermark %d%% out of range", c.WatermarkPercent)
	case c.PromotionAge < 1 || c.PromotionAge > maxAge:
		return fmt.Errorf("promotion age %d out of range 1..%d", c.PromotionAge, maxAge)
	case c.MaxNurseryObjectSize > c.PageSize:
		return fmt.Errorf("max nursery object size %d is larger than a page", c.MaxNurseryObjectSize)
	case c.EvacuateBelowPercent < 0 || c.EvacuateBelowPercent > 100:
		return fmt.Errorf("evacuation threshold %d%% out of range", c.EvacuateBelowPercent)
	case c.TriggerPercent < 0 || c.TriggerPercent > 100:
		return fmt.Errorf("trigger threshold %d%% out of range", c.TriggerPercent)
	case c.CollectorThreads < 1:
		return fmt.Errorf("need at least one collector thread")
	}
	if _, ok := strategies[c.Strategy]; !ok {
		return fmt.Errorf("unknown collection strategy %q", c.Strategy)
	}
	return nil
}

// RootSet is implemented by owners of references that live outside the heap
// and outside the mutator root stacks, like a global bindings table.
//
// WalkRoots must call visit with the address of every reference it holds,
// while holding whatever lock guards those references. The collector may
// rewrite the reference through the slot. Writes to the references must go
// through Heap.StoreRoot under the same lock.
type RootSet interface {
	WalkRoots(visit func(slot *Ref))
}

// Heap is a pool of fixed-size pages carved out of a single region, together
// with the collector that reclaims them.
type Heap struct {
	cfg      Config
	log      *slog.Logger
	pageSize uintptr

	region  []uint64
	release func() error
	pool    []*Page // pages carved out of the region

	// All pages by index: the pool followed by detached pages. Replaced as a
	// whole when a detached page is added.
	registry   atomic.Pointer[[]*Page]
	registryMu sync.Mutex

	lock  sync.Mutex // guards the free list, the full list and page states
	free  *Page
	nfree int
	full  []*Page
	// Number of pages ever relinquished full.
	relinquished uint64

	collector  Collector
	concurrent bool // mutator accesses respect page quarantine
	world      world
	fwd        atomic.Pointer[forwardingTable]
	types      typeRegistry

	rootsMu  sync.Mutex
	rootSets []RootSet

	hooksMu    sync.Mutex
	fatalHooks []func(error)

	// Statistics.
	cycles      atomic.Uint64
	gcTime      atomic.Int64
	lastGC      atomic.Int64
	allocBytes  atomic.Uint64
	allocCount  atomic.Uint64
	liveBytes   atomic.Uint64
	pagesIssued atomic.Uint64

	closed bool
}

// NewHeap reserves a region of cfg.HeapSize bytes, rounded down to a whole
// number of pages, and starts the configured collector.
func NewHeap(cfg Config) (*Heap, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	collector, err := NewCollector(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	npages := int(cfg.HeapSize / cfg.PageSize)
	pageWords := int(cfg.PageSize / wordSize)
	region, release, err := reserveRegion(npages * pageWords)
	if err != nil {
		return nil, err
	}

	h := &Heap{
		cfg:      cfg,
		log:      cfg.Logger,
		pageSize: cfg.PageSize,
		region:   region,
		release:  release,
	}
	h.types.init()
	h.world.init()

	h.pool = make([]*Page, npages)
	for i := range h.pool {
		arena := region[i*pageWords : (i+1)*pageWords : (i+1)*pageWords]
		h.pool[i] = newPage(h, i, arena, cfg.WatermarkPercent)
	}
	// Hand out pages in address order.
	for i := npages - 1; i >= 0; i-- {
		p := h.pool[i]
		p.next = h.free
		h.free = p
	}
	h.nfree = npages
	registry := append([]*Page(nil), h.pool...)
	h.registry.Store(&registry)

	h.collector = collector
	collector.Attach(h)
	collector.Start()

	if cfg.Verbosity >= 1 {
		h.log.Info("heap initialized",
			"strategy", collector.Name(),
			"pages", npages,
			"pageSize", cfg.PageSize,
			"heapSize", uintptr(npages)*cfg.PageSize)
	}
	return h, nil
}

// Close stops the collector and releases the heap region. No mutator may use
// the heap anymore.
func (h *Heap) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.collector.Stop()
	h.pool = nil
	h.registry.Store(nil)
	h.region = nil
	return h.release()
}

// Config returns the effective configuration, defaults included.
func (h *Heap) Config() Config { return h.cfg }

// Collector returns the collector the heap was configured with.
func (h *Heap) Collector() Collector { return h.collector }

// PageSize returns the size of a pool page in bytes.
func (h *Heap) PageSize() uintptr { return h.pageSize }

// NumPages returns the number of pages in the pool.
func (h *Heap) NumPages() int { return len(h.pool) }

// FreePages returns the number of pages on the free list.
func (h *Heap) FreePages() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.nfree
}

// RegisterType registers an object type by name and returns its id.
// Registering the same name twice returns the same id.
func (h *Heap) RegisterType(name string) TypeID {
	id, ok := h.types.register(name)
	if !ok {
		h.fatal(ErrInvariantViolation, "cannot register type %q: all %d type ids are taken", name, maxTypes)
	}
	return id
}

// TypeName returns the name a type was registered with.
func (h *Heap) TypeName(t TypeID) string {
	return h.types.name(t)
}

// AddRootSet adds a set of external roots that every cycle must visit.
func (h *Heap) AddRootSet(rs RootSet) {
	h.rootsMu.Lock()
	h.rootSets = append(h.rootSets, rs)
	h.rootsMu.Unlock()
}

func (h *Heap) walkExternalRoots(visit func(slot *Ref)) {
	h.rootsMu.Lock()
	sets := append([]RootSet(nil), h.rootSets...)
	h.rootsMu.Unlock()
	for _, rs := range sets {
		rs.WalkRoots(func(slot *Ref) {
			if *slot != Nil {
				visit(slot)
			}
		})
	}
}

// walkRoots visits every non-nil root: the external root sets and the root
// stacks of all mutators. The world must be stopped.
func (h *Heap) walkRoots(visit func(slot *Ref)) {
	h.walkExternalRoots(visit)
	for _, m := range h.world.mutators {
		m.walkRoots(visit)
	}
}

// StoreRoot writes v to a reference owned by a RootSet, applying the write
// barrier of the collector.
func (h *Heap) StoreRoot(slot *Ref, v Ref) {
	h.storeRoot(slot, v)
}

func (h *Heap) pages() []*Page {
	if r := h.registry.Load(); r != nil {
		return *r
	}
	return nil
}

// pageOf returns the page ref points into. A reference to a page that does not
// exist or is not issued is heap corruption.
func (h *Heap) pageOf(ref Ref) *Page {
	pages := h.pages()
	i := ref.pageIndex()
	if i < 0 || i >= len(pages) {
		h.fatal(ErrInvariantViolation, "reference %v points outside the heap", ref)
	}
	p := pages[i]
	if st := p.pageState(); st == pageFree || st == pageRetired {
		h.fatal(ErrInvariantViolation, "reference %v points into a %s page", ref, st)
	}
	return p
}

// Page returns the page that holds the object referenced by ref.
func (h *Heap) Page(ref Ref) *Page {
	return h.pageOf(ref)
}

// pin resolves ref to the current location of its object. Under the
// pauseless collector the page stays read locked until unpin, so the object
// can't be evacuated while it is accessed.
func (h *Heap) pin(ref Ref) (Ref, *Page) {
	if ref == Nil {
		h.fatal(ErrInvariantViolation, "nil reference dereferenced")
	}
	for {
		p := h.pageOf(ref)
		if h.concurrent {
			p.enter()
			if p.forwarded.Load() && p.hasTag(ref.offset(), tagForwarded) {
				p.leave()
				ref = h.forwardedTo(ref)
				continue
			}
		}
		if gcAsserts && !p.validObject(ref.offset()) {
			h.unpin(p)
			h.fatal(ErrInvariantViolation, "invalid object header at %v", ref)
		}
		return ref, p
	}
}

func (h *Heap) unpin(p *Page) {
	if h.concurrent {
		p.leave()
	}
}

// pinPair pins a holder and the value about to be stored into it. The pages
// are locked in index order, and only once if they are the same page.
func (h *Heap) pinPair(holder, v Ref) (Ref, *Page, Ref, *Page) {
	if v == Nil {
		holder, hp := h.pin(holder)
		return holder, hp, Nil, nil
	}
	if !h.concurrent {
		holder, hp := h.pin(holder)
		v, vp := h.pin(v)
		return holder, hp, v, vp
	}
	for {
		hp, vp := h.pageOf(holder), h.pageOf(v)
		first, second := hp, vp
		if second.index < first.index {
			first, second = second, first
		}
		first.enter()
		if second != first {
			second.enter()
		}
		moved := false
		if hp.forwarded.Load() && hp.hasTag(holder.offset(), tagForwarded) {
			holder, moved = h.forwardedTo(holder), true
		}
		if vp.forwarded.Load() && vp.hasTag(v.offset(), tagForwarded) {
			v, moved = h.forwardedTo(v), true
		}
		if moved {
			h.unpinPair(hp, vp)
			continue
		}
		if gcAsserts && (!hp.validObject(holder.offset()) || !vp.validObject(v.offset())) {
			h.unpinPair(hp, vp)
			h.fatal(ErrInvariantViolation, "invalid object header at %v or %v", holder, v)
		}
		return holder, hp, v, vp
	}
}

func (h *Heap) unpinPair(hp, vp *Page) {
	if !h.concurrent {
		return
	}
	if vp != nil && vp != hp {
		vp.leave()
	}
	hp.leave()
}

// takePage removes a page from the free list without collecting. It returns
// nil if no page is free.
func (h *Heap) takePage(owner PageOwner, region pageRegion) *Page {
	h.lock.Lock()
	defer h.lock.Unlock()
	p := h.free
	if p == nil {
		return nil
	}
	if st := p.pageState(); st != pageFree {
		h.fatal(ErrInvariantViolation, "page %d issued twice (state %s)", p.index, st)
	}
	h.free = p.next
	p.next = nil
	h.nfree--
	p.state.Store(uint32(pageInUse))
	p.owner = owner
	p.region = region
	p.signalled = false
	h.pagesIssued.Add(1)
	return p
}

// takePages removes n pages from the free list at once, or none.
func (h *Heap) takePages(n int, owner PageOwner, region pageRegion) []*Page {
	h.lock.Lock()
	if h.nfree < n {
		h.lock.Unlock()
		return nil
	}
	h.lock.Unlock()
	pages := make([]*Page, 0, n)
	for len(pages) < n {
		p := h.takePage(owner, region)
		if p == nil {
			// Someone else got there first.
			for _, p := range pages {
				h.RelinquishPage(p)
			}
			return nil
		}
		pages = append(pages, p)
	}
	return pages
}

// RequestPage returns a free page for the mutator, running a collection if no
// page is free. The process terminates if no page is free after a complete
// cycle.
func (h *Heap) RequestPage(m *Mutator) *Page {
	return h.collector.RequestPage(m)
}

// requestPage is the page request path shared by the stop-the-world
// collectors: take a free page, or collect once and try again.
func (h *Heap) requestPage(m *Mutator, owner PageOwner, region pageRegion) *Page {
	if p := h.takePage(owner, region); p != nil {
		return p
	}
	h.collector.RunCycle(m)
	if p := h.takePage(owner, region); p != nil {
		return p
	}
	h.fatal(ErrHeapExhausted, "no free page after a collection cycle (%d pages of %d bytes)", len(h.pool), h.pageSize)
	return nil
}

// RelinquishFullPage hands a page back to the heap. Its objects stay where
// they are until the next cycle reclaims the page.
func (h *Heap) RelinquishFullPage(p *Page) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if st := p.pageState(); st != pageInUse {
		h.fatal(ErrInvariantViolation, "page %d relinquished while %s", p.index, st)
	}
	p.state.Store(uint32(pageFull))
	p.owner = nil
	h.full = append(h.full, p)
	h.relinquished++
}

// RelinquishPage clears a page and puts it straight back on the free list.
// The page must not hold live objects anymore.
func (h *Heap) RelinquishPage(p *Page) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.freePageLocked(p)
}

func (h *Heap) freePageLocked(p *Page) {
	if st := p.pageState(); st == pageFree || st == pageRetired {
		h.fatal(ErrInvariantViolation, "page %d relinquished while %s", p.index, st)
	}
	if p.pageState() == pageFull {
		for i, q := range h.full {
			if q == p {
				h.full = append(h.full[:i], h.full[i+1:]...)
				break
			}
		}
	}
	if p.reserved != nil {
		// Detached page: the arena goes away, the reserved pool pages are
		// freed instead.
		for _, r := range p.reserved {
			h.freePageLocked(r)
		}
		p.reserved = nil
		p.arena = nil
		p.end, p.limit = 0, 0
		p.cursor.Store(0)
		p.owner = nil
		p.state.Store(uint32(pageRetired))
		return
	}
	p.ClearPage()
	p.owner = nil
	p.region = regionDefault
	p.state.Store(uint32(pageFree))
	p.next = h.free
	h.free = p
	h.nfree++
}

// returnFullPages puts pages taken with takeFullPages back on the full list.
func (h *Heap) returnFullPages(pages []*Page) {
	h.lock.Lock()
	h.full = append(h.full, pages...)
	h.lock.Unlock()
}

// takeFullPages removes all relinquished full pages from the full list and
// returns them. The caller now owns them. It also returns the number of pages
// relinquished so far, for relinquishedSince.
func (h *Heap) takeFullPages() ([]*Page, uint64) {
	h.lock.Lock()
	defer h.lock.Unlock()
	full := h.full
	h.full = nil
	return full, h.relinquished
}

// relinquishedSince returns the number of pages relinquished full after
// takeFullPages returned seq.
func (h *Heap) relinquishedSince(seq uint64) uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.relinquished - seq
}

// issuedPages returns every page that is not free.
func (h *Heap) issuedPages() []*Page {
	var pages []*Page
	for _, p := range h.pages() {
		if st := p.pageState(); st == pageInUse || st == pageFull {
			pages = append(pages, p)
		}
	}
	return pages
}

// newDetachedPage creates a page outside the pool for a single object of the
// given size. The page reserves as many pool pages as its size covers so that
// the pool accounting stays exact. It returns nil if not enough pool pages are
// free.
func (h *Heap) newDetachedPage(size uintptr, owner PageOwner) *Page {
	n := int((size + h.pageSize - 1) / h.pageSize)
	reserved := h.takePages(n, owner, regionLarge)
	if reserved == nil {
		return nil
	}

	h.registryMu.Lock()
	defer h.registryMu.Unlock()
	pages := h.pages()
	var p *Page
	for _, q := range pages[len(h.pool):] {
		if q.pageState() == pageRetired {
			p = q
			break
		}
	}
	arena := make([]uint64, size/wordSize)
	if p == nil {
		p = newPage(h, len(pages), arena, 100)
		grown := append(append([]*Page(nil), pages...), p)
		h.registry.Store(&grown)
	} else {
		p.arena = arena
		p.end = size
		p.limit = size
	}
	p.reserved = reserved
	p.owner = owner
	p.region = regionLarge
	p.signalled = false
	p.state.Store(uint32(pageInUse))
	return p
}

// beginCycle marks the start of a collection cycle.
func (h *Heap) beginCycle(kind string) time.Time {
	if h.cfg.Verbosity >= 2 {
		h.log.Info("gc cycle start", "collector", h.collector.Name(), "kind", kind, "cycle", h.cycles.Load()+1)
	}
	return time.Now()
}

// endCycle records a completed collection cycle that found live bytes of
// reachable objects.
func (h *Heap) endCycle(kind string, start time.Time, live uint64) {
	d := time.Since(start)
	n := h.cycles.Add(1)
	h.gcTime.Add(int64(d))
	h.lastGC.Store(time.Now().UnixNano())
	h.liveBytes.Store(live)
	if h.cfg.Verbosity >= 2 {
		h.log.Info("gc cycle done",
			"collector", h.collector.Name(),
			"kind", kind,
			"cycle", n,
			"duration", d,
			"live", live,
			"freePages", h.FreePages())
	}
	if h.cfg.Verbosity >= 3 {
		if err := h.dumpCycle(n); err != nil {
			h.log.Warn("could not write heap dump", "cycle", n, "err", err)
		}
	}
}
