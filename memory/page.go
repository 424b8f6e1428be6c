package memory

import (
	"sync"
	"sync/atomic"
)

type pageState uint32

const (
	pageFree    pageState = iota // on the free list
	pageInUse                    // issued to a mutator or collector thread
	pageFull                     // relinquished, waiting for the next cycle
	pageRetired                  // detached page whose object died
)

// String returns a human-readable version of the page state, for debugging.
func (s pageState) String() string {
	switch s {
	case pageFree:
		return "free"
	case pageInUse:
		return "in-use"
	case pageFull:
		return "full"
	case pageRetired:
		return "retired"
	default:
		// must never happen
		return "!err"
	}
}

type pageRegion uint8

const (
	regionDefault pageRegion = iota
	regionNursery
	regionMature
	regionLarge
)

func (r pageRegion) String() string {
	switch r {
	case regionNursery:
		return "nursery"
	case regionMature:
		return "mature"
	case regionLarge:
		return "large"
	default:
		return "default"
	}
}

// PageOwner is the thread a page has been issued to. The page calls PageFull
// once when an allocation crosses the collection watermark, so that the owner
// can relinquish it and get a replacement before running out of room.
type PageOwner interface {
	PageFull(p *Page)
}

// Page is a fixed-size arena with a bump allocation cursor. Objects are
// addressed by their byte offset into the arena.
type Page struct {
	heap   *Heap
	index  int
	arena  []uint64
	end    uintptr // size of the arena in bytes
	limit  uintptr // collection watermark
	cursor atomic.Uintptr

	// Only touched by the owner of the page, or by a stop-the-world collector.
	owner     PageOwner
	signalled bool
	region    pageRegion

	state atomic.Uint32 // pageState, changed under heap.lock
	next  *Page         // free list, guarded by heap.lock

	// Stop-the-world collectors flag the pages they evacuate.
	from bool

	// Used by the pauseless collector. Mutators read-lock access for every
	// access to an object on the page; evacuation write-locks it.
	access    sync.RWMutex
	blocked   atomic.Bool
	forwarded atomic.Bool
	liveData  atomic.Int64

	// Pool pages held by a detached (large object) page.
	reserved []*Page
}

func newPage(h *Heap, index int, arena []uint64, watermarkPercent int) *Page {
	p := &Page{
		heap:  h,
		index: index,
		arena: arena,
		end:   uintptr(len(arena)) * wordSize,
	}
	p.limit = p.end * uintptr(watermarkPercent) / 100
	return p
}

// Index returns the position of the page in the heap.
func (p *Page) Index() int { return p.index }

// Size returns the capacity of the page in bytes.
func (p *Page) Size() uintptr { return p.end }

// Used returns the number of bytes allocated in the page.
func (p *Page) Used() uintptr { return p.cursor.Load() }

// Free returns the number of bytes left before the end of the page.
func (p *Page) Free() uintptr { return p.end - p.cursor.Load() }

func (p *Page) pageState() pageState {
	return pageState(p.state.Load())
}

// AllocateObject returns a zeroed object of size bytes at the cursor and
// advances the cursor. The size is recorded in the object header before the
// cursor moves, so a concurrent walk of the page never sees a hole.
//
// Running past the end of the page is fatal: callers check Free first, so an
// overrun means the page sizing or the accounting is broken.
func (p *Page) AllocateObject(size uintptr) Ref {
	if size < headerSize || size%wordSize != 0 {
		p.heap.fatal(ErrInvariantViolation, "bad object size %d", size)
	}
	off := p.cursor.Load()
	next := off + size
	if next > p.end || next < off {
		p.heap.fatal(ErrAllocationOverrun, "failed to allocate %d bytes in page %d (%d bytes free)", size, p.index, p.end-off)
	}
	p.setSizeAndRefs(off, size, 0)
	p.cursor.Store(next)

	if next > p.limit && !p.signalled {
		p.signalled = true
		if p.owner != nil {
			p.owner.PageFull(p)
		}
	}
	return makeRef(p.index, off)
}

// ClearPage resets the cursor to the start of the page and zeroes the memory
// that was in use. The page must not contain live objects.
func (p *Page) ClearPage() {
	used := p.cursor.Load()
	clear(p.arena[:used/wordSize])
	p.cursor.Store(0)
	p.signalled = false
	p.from = false
	p.forwarded.Store(false)
	p.liveData.Store(0)
}

// ClearMarkBits walks every object from the start of the page to the cursor
// and clears its mark bit. It returns the number of objects visited.
func (p *Page) ClearMarkBits() int {
	n := 0
	p.Walk(func(off, size uintptr) bool {
		p.clearTag(off, tagMark)
		n++
		return true
	})
	return n
}

// Walk calls fn for every object (and free chunk) in the page, in address
// order, until fn returns false. The sizes of all objects must add up to the
// cursor exactly.
func (p *Page) Walk(fn func(off, size uintptr) bool) {
	end := p.cursor.Load()
	off := uintptr(0)
	for off < end {
		size := p.objectSize(off)
		if size < headerSize || size%wordSize != 0 || off+size > end {
			p.heap.fatal(ErrInvariantViolation, "page %d: bad object header at %#x (size %d, cursor %#x)", p.index, off, size, end)
		}
		if !fn(off, size) {
			return
		}
		off += size
	}
	if off != end {
		p.heap.fatal(ErrInvariantViolation, "page %d: object sizes end at %#x, cursor at %#x", p.index, off, end)
	}
}

// Block quarantines the page: mutators that try to access an object on it
// wait until Unblock.
func (p *Page) Block() {
	p.access.Lock()
	p.blocked.Store(true)
}

// Unblock lifts the quarantine.
func (p *Page) Unblock() {
	p.blocked.Store(false)
	p.access.Unlock()
}

// Blocked reports whether the page is quarantined.
func (p *Page) Blocked() bool {
	return p.blocked.Load()
}

// AddLiveData records that size more bytes of the page were found live in the
// current cycle.
func (p *Page) AddLiveData(size uintptr) {
	p.liveData.Add(int64(size))
}

// LiveData returns the number of live bytes found in the current cycle.
func (p *Page) LiveData() uintptr {
	return uintptr(p.liveData.Load())
}

func (p *Page) enter() { p.access.RLock() }
func (p *Page) leave() { p.access.RUnlock() }
