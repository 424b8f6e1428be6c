package memory

import (
	"testing"
)

// buildList pushes a list of n nodes onto the root stack and returns its root
// index. Node i holds i in its data word; the head is node n-1. garbage dead
// objects are allocated after every node.
func buildList(m *Mutator, n, garbage int) int {
	root := m.Push(Nil)
	for i := 0; i < n; i++ {
		node := m.New(TypeRaw, 1, 8)
		m.StoreWord(node, 0, uint64(i))
		m.Store(node, 0, m.Root(root))
		m.SetRoot(root, node)
		for j := 0; j < garbage; j++ {
			m.Allocate(40)
		}
	}
	return root
}

func checkList(t *testing.T, m *Mutator, root, n int) {
	t.Helper()
	ref := m.Root(root)
	for i := n - 1; i >= 0; i-- {
		if ref == Nil {
			t.Errorf("list ends after %d nodes, want %d", n-1-i, n)
			return
		}
		if v := m.LoadWord(ref, 0); v != uint64(i) {
			t.Errorf("node %d holds %d", i, v)
		}
		ref = m.Load(ref, 0)
	}
	if ref != Nil {
		t.Errorf("list longer than %d nodes", n)
	}
}

func TestStrategies(t *testing.T) {
	names := Strategies()
	if len(names) != 4 {
		t.Fatalf("Strategies returned %v, want 4 strategies", names)
	}
	for _, s := range names {
		if s.Describe() == "" {
			t.Errorf("strategy %s has no description", s)
		}
		if parsed, err := ParseStrategy(string(s)); err != nil || parsed != s {
			t.Errorf("ParseStrategy(%q) returned %v, %v", s, parsed, err)
		}
		c, err := NewCollector(s)
		if err != nil || c.Name() != string(s) {
			t.Errorf("NewCollector(%q) returned a collector named %q, %v", s, c.Name(), err)
		}
	}
	if !Pauseless.Concurrent() || MarkSweep.Concurrent() {
		t.Errorf("only the pauseless strategy should be concurrent")
	}
	if _, err := ParseStrategy("refcount"); err == nil {
		t.Errorf("ParseStrategy accepted an unknown strategy")
	}
}

// TestCollectorsKeepReachable runs every strategy through cycles triggered
// both by page requests and explicitly, and checks that reachable objects
// survive intact and that no reference to a relocated object is left.
func TestCollectorsKeepReachable(t *testing.T) {
	for _, s := range Strategies() {
		t.Run(string(s), func(t *testing.T) {
			h := newTestHeap(t, Config{HeapSize: 32 * 1024, PageSize: 1024, Strategy: s})
			m := h.NewMutator()
			defer m.Close()

			root := buildList(m, 50, 2)
			for round := 0; round < 5; round++ {
				for i := 0; i < 200; i++ {
					m.Allocate(100)
				}
				m.Collect()
				checkList(t, m, root, 50)
				if err := h.Verify(m); err != nil {
					t.Fatalf("round %d: %v", round, err)
				}
			}

			var stats Stats
			h.ReadStats(&stats)
			if stats.NumGC < 5 {
				t.Errorf("NumGC %d, want at least 5", stats.NumGC)
			}
			if stats.Strategy != s {
				t.Errorf("stats for strategy %q, want %q", stats.Strategy, s)
			}
		})
	}
}

func TestCopyObjectIntoLargerChunk(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 8 * 1024, PageSize: 1024, Strategy: MarkSweep})
	p := h.takePage(nil, regionDefault)
	from := p.AllocateObject(ObjectSize(1, 8))
	p.setSizeAndRefs(from.offset(), p.objectSize(from.offset()), 1)
	*p.dataWord(from.offset(), 0) = 7
	p.setTag(from.offset(), tagMark)
	to := p.AllocateObject(ObjectSize(1, 16))

	h.copyObject(from, to)
	off := to.offset()
	if size := p.objectSize(off); size != ObjectSize(1, 16) {
		t.Errorf("copy has size %d, want %d", size, ObjectSize(1, 16))
	}
	if n := p.numRefs(off); n != 1 {
		t.Errorf("copy has %d slots, want 1", n)
	}
	if w := *p.dataWord(off, 0); w != 7 {
		t.Errorf("copy holds %d, want 7", w)
	}
	if p.hasTag(off, tagMark) {
		t.Errorf("copy is still marked")
	}
}
