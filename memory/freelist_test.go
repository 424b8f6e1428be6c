package memory

import (
	"slices"
	"testing"
)

func TestFreeList(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 8 * 1024, PageSize: 1024, Strategy: MarkSweep})
	p := h.takePage(nil, regionDefault)
	p.AllocateObject(p.Size())

	l := freeList{heap: h}
	l.insert(makeRef(p.index, 0), 64)
	l.insert(makeRef(p.index, 64), 32)
	l.insert(makeRef(p.index, 96), 64)
	l.insert(makeRef(p.index, 160), 128)

	sizes, counts := l.counts()
	if !slices.Equal(sizes, []uintptr{32, 64, 128}) || !slices.Equal(counts, []int{1, 2, 1}) {
		t.Errorf("counts returned %v, %v, want [32 64 128], [1 2 1]", sizes, counts)
	}
	if l.bytes != 288 {
		t.Errorf("free bytes %d, want 288", l.bytes)
	}

	// The smallest chunk that fits is split; the rest stays on the list.
	ref := l.pop(48)
	if ref == Nil || p.objectSize(ref.offset()) != 48 || p.hasTag(ref.offset(), tagFree) {
		t.Errorf("pop(48) returned %v of %d bytes, want a 48 byte object", ref, p.objectSize(ref.offset()))
	}
	sizes, _ = l.counts()
	if !slices.Equal(sizes, []uintptr{16, 32, 64, 128}) {
		t.Errorf("sizes after pop(48) %v, want [16 32 64 128]", sizes)
	}

	// A leftover too small for a chunk stays with the object.
	ref = l.pop(120)
	if ref != makeRef(p.index, 160) || p.objectSize(ref.offset()) != 128 {
		t.Errorf("pop(120) returned %v of %d bytes, want %v of 128 bytes", ref, p.objectSize(ref.offset()), makeRef(p.index, 160))
	}

	if ref := l.pop(1000); ref != Nil {
		t.Errorf("pop(1000) returned %v, want nil", ref)
	}

	// A chunk that lost its free tag means the list is corrupted.
	chunk := makeRef(p.index, 64)
	p.clearTag(chunk.offset(), tagFree)
	expectFatal(t, ErrInvariantViolation, func() {
		l.pop(32)
	})
}
