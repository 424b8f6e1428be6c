package memory

// Every heap object starts with a two word header:
//
//	word 0: | nrefs (32 bits)             | size in bytes (32 bits)            |
//	word 1: | epoch (32 bits) | unused (8) | type id (16 bits) | GC tag (8 bits) |
//
// The header is followed by nrefs reference slots and then by the data words.
// The size includes the header and is always a multiple of the word size, so
// a page can be walked from its start to its cursor by following the sizes.
//
// The GC tag holds the mark bit (mark-sweep and the mature region of the
// generational collector), the forwarded bit (set on the old copy of an object
// once it has been relocated), the free bit (free chunks in mark-sweep pages)
// and the age of nursery objects. The epoch is the color of the pauseless
// collector: an object is marked in a cycle when its epoch equals the epoch of
// that cycle.

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pagedgc/pagedgc/internal/gclayout"
)

const (
	wordSize    = gclayout.WordSize
	headerWords = gclayout.HeaderWords
	headerSize  = gclayout.HeaderSize
)

const (
	tagMark      = 1 << 0
	tagForwarded = 1 << 1
	tagFree      = 1 << 2
	tagAgeShift  = 4
	tagAgeMask   = 0xf << tagAgeShift
	maxAge       = tagAgeMask >> tagAgeShift
)

// Ref is a reference to a heap object. The high 32 bits hold the page index
// plus one and the low 32 bits the byte offset of the object header inside
// that page. The zero Ref is nil.
type Ref uint64

const Nil Ref = 0

func makeRef(page int, off uintptr) Ref {
	return Ref(uint64(page+1)<<32 | uint64(uint32(off)))
}

func (r Ref) pageIndex() int {
	return int(r>>32) - 1
}

func (r Ref) offset() uintptr {
	return uintptr(uint32(r))
}

// IsNil reports whether r is the nil reference.
func (r Ref) IsNil() bool {
	return r == Nil
}

func (r Ref) String() string {
	if r == Nil {
		return "nil"
	}
	return fmt.Sprintf("%d:%#x", r.pageIndex(), r.offset())
}

// ObjectSize returns the size of an object with nrefs reference slots and
// dataBytes bytes of data.
func ObjectSize(nrefs, dataBytes int) uintptr {
	return gclayout.Layout{Refs: nrefs, DataBytes: dataBytes}.Size()
}

// Header accessors. All header words are read and written atomically: the
// pauseless collector reads headers while mutators allocate into the same
// page.

func (p *Page) word(off uintptr) *uint64 {
	return &p.arena[off/wordSize]
}

func (p *Page) objectSize(off uintptr) uintptr {
	return uintptr(uint32(atomic.LoadUint64(p.word(off))))
}

func (p *Page) numRefs(off uintptr) int {
	return int(atomic.LoadUint64(p.word(off)) >> 32)
}

func (p *Page) setSizeAndRefs(off, size uintptr, nrefs int) {
	atomic.StoreUint64(p.word(off), uint64(nrefs)<<32|uint64(uint32(size)))
}

func (p *Page) meta(off uintptr) uint64 {
	return atomic.LoadUint64(p.word(off + wordSize))
}

func (p *Page) tag(off uintptr) uint8 {
	return uint8(p.meta(off))
}

func (p *Page) hasTag(off uintptr, bits uint8) bool {
	return p.tag(off)&bits != 0
}

// setTag sets bits in the GC tag and reports whether they were all set
// already.
func (p *Page) setTag(off uintptr, bits uint8) (already bool) {
	w := p.word(off + wordSize)
	for {
		old := atomic.LoadUint64(w)
		if uint8(old)&bits == bits {
			return true
		}
		if atomic.CompareAndSwapUint64(w, old, old|uint64(bits)) {
			return false
		}
	}
}

func (p *Page) clearTag(off uintptr, bits uint8) {
	w := p.word(off + wordSize)
	for {
		old := atomic.LoadUint64(w)
		if uint8(old)&bits == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(w, old, old&^uint64(bits)) {
			return
		}
	}
}

func (p *Page) age(off uintptr) int {
	return int(p.tag(off)&tagAgeMask) >> tagAgeShift
}

func (p *Page) setAge(off uintptr, age int) {
	if age > maxAge {
		age = maxAge
	}
	w := p.word(off + wordSize)
	for {
		old := atomic.LoadUint64(w)
		nw := old&^uint64(tagAgeMask) | uint64(age<<tagAgeShift)
		if atomic.CompareAndSwapUint64(w, old, nw) {
			return
		}
	}
}

func (p *Page) typeID(off uintptr) TypeID {
	return TypeID(p.meta(off) >> 8)
}

func (p *Page) setType(off uintptr, t TypeID) {
	w := p.word(off + wordSize)
	for {
		old := atomic.LoadUint64(w)
		nw := old&^uint64(0xffff<<8) | uint64(t)<<8
		if atomic.CompareAndSwapUint64(w, old, nw) {
			return
		}
	}
}

func (p *Page) epoch(off uintptr) uint32 {
	return uint32(p.meta(off) >> 32)
}

func (p *Page) setEpoch(off uintptr, e uint32) {
	w := p.word(off + wordSize)
	for {
		old := atomic.LoadUint64(w)
		nw := uint64(uint32(old)) | uint64(e)<<32
		if atomic.CompareAndSwapUint64(w, old, nw) {
			return
		}
	}
}

// casEpoch changes the epoch from old to e. It fails when another thread
// stamped the object first.
func (p *Page) casEpoch(off uintptr, old, e uint32) bool {
	w := p.word(off + wordSize)
	for {
		cur := atomic.LoadUint64(w)
		if uint32(cur>>32) != old {
			return false
		}
		nw := uint64(uint32(cur)) | uint64(e)<<32
		if atomic.CompareAndSwapUint64(w, cur, nw) {
			return true
		}
	}
}

// slot returns the address of reference slot i of the object at off.
func (p *Page) slot(off uintptr, i int) *uint64 {
	return &p.arena[(off+headerSize)/wordSize+uintptr(i)]
}

// dataWord returns the address of data word i of the object at off.
func (p *Page) dataWord(off uintptr, i int) *uint64 {
	return &p.arena[(off+headerSize)/wordSize+uintptr(p.numRefs(off))+uintptr(i)]
}

func (p *Page) dataWords(off uintptr) int {
	return int((p.objectSize(off)-headerSize)/wordSize) - p.numRefs(off)
}

// validObject reports whether the header at off describes an object that fits
// the page. A header that doesn't is heap corruption.
func (p *Page) validObject(off uintptr) bool {
	size := p.objectSize(off)
	if size < headerSize || size%wordSize != 0 || off+size > p.cursor.Load() {
		return false
	}
	if p.hasTag(off, tagFree) {
		return true
	}
	if uintptr(headerSize+p.numRefs(off)*wordSize) > size {
		return false
	}
	return p.heap == nil || p.heap.types.known(p.typeID(off))
}

// TypeID identifies an object type registered by the object model. It is used
// for allocation statistics and header validation.
type TypeID uint16

// TypeRaw is the type of objects allocated through Mutator.Allocate.
const TypeRaw TypeID = 0

// TypeStats holds allocation counters of a single type.
type TypeStats struct {
	Name    string
	Objects uint64
	Bytes   uint64
}

type typeInfo struct {
	name    string
	objects atomic.Uint64
	bytes   atomic.Uint64
}

type typeRegistry struct {
	mu    sync.RWMutex
	types []*typeInfo
	names map[string]TypeID
}

func (r *typeRegistry) init() {
	r.names = make(map[string]TypeID)
	r.register("raw")
}

// maxTypes is the number of type ids that fit in an object header.
const maxTypes = 1 << 16

// register returns false if name is new and every type id is taken.
func (r *typeRegistry) register(name string) (TypeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.names[name]; ok {
		return id, true
	}
	if len(r.types) >= maxTypes {
		return 0, false
	}
	id := TypeID(len(r.types))
	r.types = append(r.types, &typeInfo{name: name})
	r.names[name] = id
	return id, true
}

func (r *typeRegistry) known(id TypeID) bool {
	r.mu.RLock()
	ok := int(id) < len(r.types)
	r.mu.RUnlock()
	return ok
}

func (r *typeRegistry) get(id TypeID) *typeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.types) {
		return nil
	}
	return r.types[id]
}

func (r *typeRegistry) name(id TypeID) string {
	if t := r.get(id); t != nil {
		return t.name
	}
	return fmt.Sprintf("type#%d", id)
}

func (r *typeRegistry) snapshot() []TypeStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]TypeStats, 0, len(r.types))
	for _, t := range r.types {
		stats = append(stats, TypeStats{
			Name:    t.name,
			Objects: t.objects.Load(),
			Bytes:   t.bytes.Load(),
		})
	}
	return stats
}
