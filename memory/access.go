package memory

import (
	"encoding/binary"
	"sync/atomic"
)

// The access path of the mutator. Every access pins the object, which
// resolves relocated objects and, under the pauseless collector, waits while
// the page of the object is quarantined.

func (h *Heap) checkSlot(p *Page, ref Ref, i int) {
	if n := p.numRefs(ref.offset()); i < 0 || i >= n {
		h.unpin(p)
		h.fatal(ErrInvariantViolation, "slot %d out of range for %v with %d slots", i, ref, n)
	}
}

func (h *Heap) checkWord(p *Page, ref Ref, i int) {
	if n := p.dataWords(ref.offset()); i < 0 || i >= n {
		h.unpin(p)
		h.fatal(ErrInvariantViolation, "data word %d out of range for %v with %d words", i, ref, n)
	}
}

// Load returns reference slot i of the object ref. A slot that still holds
// the old location of a relocated object is healed.
func (m *Mutator) Load(ref Ref, i int) Ref {
	h := m.heap
	ref, p := h.pin(ref)
	h.checkSlot(p, ref, i)
	slot := p.slot(ref.offset(), i)
	v := Ref(atomic.LoadUint64(slot))
	if nv := h.collector.ReadBarrier(v); nv != v {
		atomic.CompareAndSwapUint64(slot, uint64(v), uint64(nv))
		v = nv
	}
	h.unpin(p)
	return v
}

// Store writes v to reference slot i of the object ref.
func (m *Mutator) Store(ref Ref, i int, v Ref) {
	h := m.heap
	ref, p, v, vp := h.pinPair(ref, v)
	h.checkSlot(p, ref, i)
	h.collector.WriteBarrier(ref, p.slot(ref.offset(), i), v)
	h.unpinPair(p, vp)
}

// LoadWord returns data word i of the object ref.
func (m *Mutator) LoadWord(ref Ref, i int) uint64 {
	h := m.heap
	ref, p := h.pin(ref)
	h.checkWord(p, ref, i)
	w := atomic.LoadUint64(p.dataWord(ref.offset(), i))
	h.unpin(p)
	return w
}

// StoreWord writes data word i of the object ref.
func (m *Mutator) StoreWord(ref Ref, i int, w uint64) {
	h := m.heap
	ref, p := h.pin(ref)
	h.checkWord(p, ref, i)
	atomic.StoreUint64(p.dataWord(ref.offset(), i), w)
	h.unpin(p)
}

// ReadBytes copies the data area of the object ref into dst and returns the
// number of bytes copied.
func (m *Mutator) ReadBytes(ref Ref, dst []byte) int {
	h := m.heap
	ref, p := h.pin(ref)
	defer h.unpin(p)
	off := ref.offset()
	n := min(len(dst), p.dataWords(off)*wordSize)
	var buf [wordSize]byte
	for i := 0; i < n; i += wordSize {
		binary.LittleEndian.PutUint64(buf[:], atomic.LoadUint64(p.dataWord(off, i/wordSize)))
		copy(dst[i:n], buf[:])
	}
	return n
}

// WriteBytes copies src into the data area of the object ref and returns the
// number of bytes copied. The rest of the last word written is zeroed.
func (m *Mutator) WriteBytes(ref Ref, src []byte) int {
	h := m.heap
	ref, p := h.pin(ref)
	defer h.unpin(p)
	off := ref.offset()
	n := min(len(src), p.dataWords(off)*wordSize)
	for i := 0; i < n; i += wordSize {
		var buf [wordSize]byte
		copy(buf[:], src[i:n])
		atomic.StoreUint64(p.dataWord(off, i/wordSize), binary.LittleEndian.Uint64(buf[:]))
	}
	return n
}

// SizeOf returns the size of the object ref in bytes, header included.
func (m *Mutator) SizeOf(ref Ref) uintptr {
	h := m.heap
	ref, p := h.pin(ref)
	size := p.objectSize(ref.offset())
	h.unpin(p)
	return size
}

// DataSize returns the size of the data area of the object ref in bytes.
func (m *Mutator) DataSize(ref Ref) int {
	h := m.heap
	ref, p := h.pin(ref)
	n := p.dataWords(ref.offset()) * wordSize
	h.unpin(p)
	return n
}

// TypeOf returns the type of the object ref.
func (m *Mutator) TypeOf(ref Ref) TypeID {
	h := m.heap
	ref, p := h.pin(ref)
	t := p.typeID(ref.offset())
	h.unpin(p)
	return t
}

// NumRefs returns the number of reference slots of the object ref.
func (m *Mutator) NumRefs(ref Ref) int {
	h := m.heap
	ref, p := h.pin(ref)
	n := p.numRefs(ref.offset())
	h.unpin(p)
	return n
}

// Same reports whether a and b reference the same object. Either may be the
// old location of an object relocated by the cycle that is running.
func (m *Mutator) Same(a, b Ref) bool {
	if a == b {
		return true
	}
	return m.heap.Resolve(a) == m.heap.Resolve(b)
}

// storeRoot writes v to a root slot through the write barrier.
func (h *Heap) storeRoot(slot *Ref, v Ref) {
	if v == Nil {
		h.collector.WriteBarrier(Nil, (*uint64)(slot), Nil)
		return
	}
	v, p := h.pin(v)
	h.collector.WriteBarrier(Nil, (*uint64)(slot), v)
	h.unpin(p)
}
