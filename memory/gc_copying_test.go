package memory

import "testing"

func TestCopyingMovesEverything(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 16 * 1024, PageSize: 1024, Strategy: Copying})
	m := h.NewMutator()
	defer m.Close()
	c := h.Collector().(*copying)

	root := buildList(m, 20, 1)
	old := m.Root(root)
	oldPage := h.Page(old)
	m.Collect()

	head := m.Root(root)
	if head == old {
		t.Errorf("list head still at %v after a copying cycle", old)
	}
	if h.Page(head) == oldPage {
		t.Errorf("list head still on page %d after a copying cycle", oldPage.Index())
	}
	if m.CurrentPage() != nil {
		t.Errorf("mutator kept a from-space page")
	}
	checkList(t, m, root, 20)
	if err := h.Verify(m); err != nil {
		t.Error(err)
	}

	// 20 nodes of 32 bytes fit in a single page.
	if n := c.UsedPages(); n != 1 {
		t.Errorf("%d pages in use after the cycle, want 1", n)
	}
	if n := h.FreePages(); n != h.NumPages()-1 {
		t.Errorf("%d free pages after the cycle, want %d", n, h.NumPages()-1)
	}
}

func TestCopyingSemispaceBudget(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 16 * 1024, PageSize: 1024, Strategy: Copying})
	m := h.NewMutator()
	defer m.Close()
	c := h.Collector().(*copying)

	root := buildList(m, 10, 0)
	for i := 0; i < 500; i++ {
		m.Allocate(100)
		if n := c.UsedPages(); n > h.NumPages()/2 {
			t.Fatalf("%d pages in use, more than half of %d", n, h.NumPages())
		}
	}
	var stats Stats
	h.ReadStats(&stats)
	if stats.NumGC == 0 {
		t.Errorf("no cycle after allocating 60KB in a 16KB heap")
	}
	checkList(t, m, root, 10)
	if err := h.Verify(m); err != nil {
		t.Error(err)
	}
}
