package universe

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/pagedgc/pagedgc/memory"
)

func newTestUniverse(t *testing.T, cfg memory.Config, opts Options) *Universe {
	t.Helper()
	if cfg.HeapSize == 0 {
		cfg.HeapSize = 64 * 1024
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 1024
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Exit = func(int) {}
	u, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	t.Cleanup(func() { u.Close() })
	return u
}

func TestBootstrap(t *testing.T) {
	u := newTestUniverse(t, memory.Config{}, Options{})
	m := u.Heap().NewMutator()
	defer m.Close()

	for _, name := range coreClassNames {
		class, ok := u.Global(name)
		if !ok {
			t.Errorf("no global %s", name)
			continue
		}
		if got := u.ClassName(m, class); got != name {
			t.Errorf("global %s names class %q", name, got)
		}
		if meta := u.ClassOf(m, class); u.ClassName(m, meta) != "Class" {
			t.Errorf("class of %s is %q, want Class", name, u.ClassName(m, meta))
		}
		super := u.Superclass(m, class)
		switch {
		case name == "Object" && super != memory.Nil:
			t.Errorf("Object has superclass %q", u.ClassName(m, super))
		case name != "Object" && u.ClassName(m, super) != "Object":
			t.Errorf("superclass of %s is %q, want Object", name, u.ClassName(m, super))
		}
	}

	i := u.NewInteger(m, 1234)
	if got := u.ClassName(m, u.ClassOf(m, i)); got != "Integer" {
		t.Errorf("class of an integer is %q, want Integer", got)
	}
	if got := u.IntegerValue(m, i); got != 1234 {
		t.Errorf("IntegerValue returned %d, want 1234", got)
	}
}

func TestIntegerCache(t *testing.T) {
	u := newTestUniverse(t, memory.Config{}, Options{})
	m := u.Heap().NewMutator()
	defer m.Close()

	for _, v := range []int64{intCacheMin, 0, 3, intCacheMax - 1} {
		a := u.NewInteger(m, v)
		b := u.NewInteger(m, v)
		if a != b {
			t.Errorf("NewInteger(%d) returned %v and %v, want the cached object", v, a, b)
		}
		if got := u.IntegerValue(m, a); got != v {
			t.Errorf("cached integer holds %d, want %d", got, v)
		}
	}
	a := m.Push(u.NewInteger(m, intCacheMax))
	b := u.NewInteger(m, intCacheMax)
	if m.Same(m.Root(a), b) {
		t.Errorf("NewInteger(%d) returned the same object twice", intCacheMax)
	}
}

func TestSymbols(t *testing.T) {
	u := newTestUniverse(t, memory.Config{}, Options{})
	m := u.Heap().NewMutator()
	defer m.Close()

	n := u.NumSymbols()
	a := m.Push(u.SymbolFor(m, "at:put:"))
	b := u.SymbolFor(m, "at:put:")
	if !m.Same(m.Root(a), b) {
		t.Errorf("SymbolFor returned two objects for the same name")
	}
	if got := u.NumSymbols(); got != n+1 {
		t.Errorf("%d symbols after adding one to %d", got, n)
	}
	if got := u.SymbolName(m, b); got != "at:put:" {
		t.Errorf("SymbolName returned %q, want at:put:", got)
	}
	if got := u.ClassName(m, u.ClassOf(m, b)); got != "Symbol" {
		t.Errorf("class of a symbol is %q, want Symbol", got)
	}
}

func TestBlockClasses(t *testing.T) {
	u := newTestUniverse(t, memory.Config{}, Options{})
	m := u.Heap().NewMutator()
	defer m.Close()

	c := m.Push(u.BlockClass(m, 2))
	if got := u.ClassName(m, m.Root(c)); got != "Block3" {
		t.Errorf("block class with 2 arguments is %q, want Block3", got)
	}
	if got := u.ClassName(m, u.Superclass(m, m.Root(c))); got != "Block" {
		t.Errorf("superclass of Block3 is %q, want Block", got)
	}
	if again := u.BlockClass(m, 2); !m.Same(again, m.Root(c)) {
		t.Errorf("BlockClass created a second class for 2 arguments")
	}

	ctx := m.Push(u.NewArray(m, 3))
	blk := u.NewBlock(m, 2, m.Root(ctx))
	if !m.Same(u.ClassOf(m, blk), m.Root(c)) {
		t.Errorf("block is not an instance of Block3")
	}
	if !m.Same(u.BlockContext(m, blk), m.Root(ctx)) {
		t.Errorf("block lost its context")
	}
}

// TestObjectsSurviveCollections keeps objects of every kind reachable from
// the globals only, and collects repeatedly.
func TestObjectsSurviveCollections(t *testing.T) {
	for _, s := range memory.Strategies() {
		t.Run(string(s), func(t *testing.T) {
			u := newTestUniverse(t, memory.Config{Strategy: s}, Options{})
			m := u.Heap().NewMutator()
			defer m.Close()

			point := m.Push(u.NewClass(m, "Point", mustGlobal(t, u, "Object"), 2))
			u.SetGlobal("Point", m.Root(point))
			arr := m.Push(u.NewArray(m, 10))
			for i := 0; i < 10; i++ {
				p := m.Push(u.NewInstance(m, m.Root(point)))
				x := u.NewInteger(m, int64(1000+i))
				u.SetField(m, m.Root(p), 0, x)
				y := u.NewDouble(m, float64(i)/4)
				u.SetField(m, m.Root(p), 1, y)
				u.ArrayPut(m, m.Root(arr), i, m.Root(p))
				m.Pop(1)
			}
			u.SetGlobal("points", m.Root(arr))
			u.SetGlobal("greeting", u.NewString(m, "hello, paged heap"))
			m.Pop(2)

			for round := 0; round < 3; round++ {
				for i := 0; i < 200; i++ {
					u.NewString(m, fmt.Sprintf("garbage %d", i))
					u.NewInteger(m, int64(i*1000))
				}
				m.Collect()
			}

			if got := u.StringValue(m, mustGlobal(t, u, "greeting")); got != "hello, paged heap" {
				t.Errorf("greeting holds %q", got)
			}
			arr2 := mustGlobal(t, u, "points")
			if n := u.ArrayLength(m, arr2); n != 10 {
				t.Fatalf("array of %d elements, want 10", n)
			}
			for i := 0; i < 10; i++ {
				p := u.ArrayAt(m, arr2, i)
				if got := u.ClassName(m, u.ClassOf(m, p)); got != "Point" {
					t.Errorf("element %d is a %q, want Point", i, got)
				}
				if got := u.IntegerValue(m, u.Field(m, p, 0)); got != int64(1000+i) {
					t.Errorf("element %d: x is %d, want %d", i, got, 1000+i)
				}
				if got := u.DoubleValue(m, u.Field(m, p, 1)); got != float64(i)/4 {
					t.Errorf("element %d: y is %v, want %v", i, got, float64(i)/4)
				}
			}
			if err := u.Heap().Verify(m); err != nil {
				t.Error(err)
			}
		})
	}
}

func mustGlobal(t *testing.T, u *Universe, name string) memory.Ref {
	t.Helper()
	v, ok := u.Global(name)
	if !ok {
		t.Fatalf("no global %s", name)
	}
	return v
}

func TestAllocationStatistics(t *testing.T) {
	u := newTestUniverse(t, memory.Config{AllocationStats: true}, Options{})
	m := u.Heap().NewMutator()
	defer m.Close()

	point := m.Push(u.NewClass(m, "Point", mustGlobal(t, u, "Object"), 2))
	for i := 0; i < 3; i++ {
		u.NewInstance(m, m.Root(point))
	}
	u.NewDouble(m, math.Pi)

	var stats memory.Stats
	u.Heap().ReadStats(&stats)
	found := map[string]memory.TypeStats{}
	for _, ts := range stats.Types {
		found[ts.Name] = ts
	}
	if ts := found["Point"]; ts.Objects != 3 || ts.Bytes != 3*uint64(memory.ObjectSize(3, 0)) {
		t.Errorf("Point: %d objects of %d bytes, want 3 of %d", ts.Objects, ts.Bytes, 3*memory.ObjectSize(3, 0))
	}
	if ts := found["VMDouble"]; ts.Objects != 1 {
		t.Errorf("%d doubles counted, want 1", ts.Objects)
	}
	// One class object per core class, plus Point.
	if ts := found["VMClass"]; ts.Objects != numCoreClasses+1 {
		t.Errorf("%d classes counted, want %d", ts.Objects, numCoreClasses+1)
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram(10)
	for _, v := range []int64{-15, 5, 15, 19, -3} {
		h.Add(v)
	}
	want := []Bucket{{-1, 1}, {0, 2}, {1, 2}}
	got := h.Buckets()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Buckets returned %v, want %v", got, want)
	}

	u := newTestUniverse(t, memory.Config{}, Options{IntegerHistogram: true})
	m := u.Heap().NewMutator()
	defer m.Close()
	u.NewInteger(m, 3)
	u.NewInteger(m, 3)
	u.NewInteger(m, 250)
	got = u.Histogram().Buckets()
	want = []Bucket{{3, 2}, {250, 1}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("integer histogram %v, want %v", got, want)
	}
}

// TestConcurrentSymbols interns the same names from several mutators while
// the pauseless collector runs.
func TestConcurrentSymbols(t *testing.T) {
	const (
		mutators = 4
		names    = 50
	)
	u := newTestUniverse(t, memory.Config{
		Strategy:       memory.Pauseless,
		TriggerPercent: 50,
	}, Options{})
	base := u.NumSymbols()

	var wg sync.WaitGroup
	for i := 0; i < mutators; i++ {
		m := u.Heap().NewMutator()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.Close()
			for round := 0; round < 10; round++ {
				for j := 0; j < names; j++ {
					name := fmt.Sprintf("selector%d:", j)
					sym := u.SymbolFor(m, name)
					if got := u.SymbolName(m, sym); got != name {
						t.Errorf("symbol %s has name %q", name, got)
					}
					u.NewString(m, name)
				}
			}
		}()
	}
	wg.Wait()

	if got := u.NumSymbols(); got != base+names {
		t.Errorf("%d symbols, want %d", got, base+names)
	}
	if err := u.Heap().Verify(nil); err != nil {
		t.Error(err)
	}
}
