package memory

import "testing"

func TestMarkSweepFreeChunks(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 16 * 1024, PageSize: 1024, Strategy: MarkSweep})
	m := h.NewMutator()
	defer m.Close()
	c := h.Collector().(*markSweep)

	root := buildList(m, 20, 1)
	free := h.FreePages()
	m.Collect()

	var stats Stats
	h.ReadStats(&stats)
	if want := uint64(20 * ObjectSize(1, 8)); stats.LiveBytes != want {
		t.Errorf("LiveBytes %d, want %d", stats.LiveBytes, want)
	}
	if c.FreeBytes() == 0 {
		t.Errorf("no free chunks after sweeping pages with dead objects")
	}
	if stats.Collector["free-bytes"] != uint64(c.FreeBytes()) {
		t.Errorf("free-bytes counter %d, want %d", stats.Collector["free-bytes"], c.FreeBytes())
	}
	if h.FreePages() < free {
		t.Errorf("%d free pages after the cycle, %d before", h.FreePages(), free)
	}
	checkList(t, m, root, 20)

	// Every surviving object is unmarked and the pages still walk cleanly.
	for _, p := range h.issuedPages() {
		p.Walk(func(off, size uintptr) bool {
			if p.hasTag(off, tagMark) {
				t.Errorf("object %v still marked after the cycle", makeRef(p.index, off))
			}
			return true
		})
	}
	if err := h.Verify(m); err != nil {
		t.Error(err)
	}
}

func TestMarkSweepReusesChunks(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 16 * 1024, PageSize: 1024, Strategy: MarkSweep})
	m := h.NewMutator()
	defer m.Close()
	c := h.Collector().(*markSweep)

	root := buildList(m, 20, 1)
	m.Collect()
	before := c.FreeBytes()

	for i := 0; i < 4; i++ {
		m.Allocate(40)
	}
	if after, want := c.FreeBytes(), before-4*ObjectSize(0, 40); after != want {
		t.Errorf("free chunk bytes %d after allocating 4 objects, want %d", after, want)
	}
	checkList(t, m, root, 20)
	if err := h.Verify(m); err != nil {
		t.Error(err)
	}
}
