package memory

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// newTestHeap returns a heap whose fatal errors panic with a *FatalError
// instead of exiting.
func newTestHeap(t *testing.T, cfg Config) *Heap {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Exit == nil {
		cfg.Exit = func(int) {}
	}
	h, err := NewHeap(cfg)
	if err != nil {
		t.Fatalf("NewHeap returned %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// expectFatal runs fn and checks that it fails with a fatal error of the
// given kind.
func expectFatal(t *testing.T, kind error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		err, ok := r.(*FatalError)
		if !ok {
			t.Fatalf("recovered %v, want a fatal %v", r, kind)
		}
		if !errors.Is(err, kind) {
			t.Errorf("fatal error %v, want kind %v", err, kind)
		}
	}()
	fn()
}

func TestNewHeapPages(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 10*1024 + 100, PageSize: 1024, Strategy: MarkSweep})
	if n := h.NumPages(); n != 10 {
		t.Errorf("NumPages returned %d, want 10", n)
	}
	if n := h.FreePages(); n != 10 {
		t.Errorf("FreePages returned %d, want 10", n)
	}
	if s := h.PageSize(); s != 1024 {
		t.Errorf("PageSize returned %d, want 1024", s)
	}
	cfg := h.Config()
	if cfg.WatermarkPercent != 90 || cfg.PromotionAge != 2 || cfg.NurseryPages != 2 {
		t.Errorf("defaults: watermark %d, promotion age %d, nursery pages %d, want 90, 2, 2",
			cfg.WatermarkPercent, cfg.PromotionAge, cfg.NurseryPages)
	}
	if name := h.Collector().Name(); name != "marksweep" {
		t.Errorf("collector %q, want marksweep", name)
	}
}

func TestNewHeapInvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{PageSize: 128},
		{PageSize: 1001},
		{HeapSize: 1024, PageSize: 1024},
		{Strategy: "refcount"},
		{WatermarkPercent: 150},
		{PromotionAge: 16},
		{PageSize: 1024, MaxNurseryObjectSize: 2048},
		{CollectorThreads: -1},
	} {
		if h, err := NewHeap(cfg); err == nil {
			h.Close()
			t.Errorf("NewHeap(%+v) succeeded, want an error", cfg)
		}
	}
}

func TestTakeAndRelinquish(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 4 * 1024, PageSize: 1024, Strategy: MarkSweep})

	seen := make(map[*Page]bool)
	for i := 0; i < 4; i++ {
		p := h.takePage(nil, regionDefault)
		if p == nil {
			t.Fatalf("takePage returned nil after %d pages", i)
		}
		if seen[p] {
			t.Fatalf("page %d issued twice", p.Index())
		}
		seen[p] = true
	}
	if p := h.takePage(nil, regionDefault); p != nil {
		t.Errorf("takePage returned page %d from an empty pool", p.Index())
	}

	for p := range seen {
		h.RelinquishFullPage(p)
	}
	full, _ := h.takeFullPages()
	if len(full) != 4 {
		t.Errorf("takeFullPages returned %d pages, want 4", len(full))
	}
	for _, p := range full {
		h.RelinquishPage(p)
	}
	if n := h.FreePages(); n != 4 {
		t.Errorf("FreePages returned %d, want 4", n)
	}

	p := h.takePage(nil, regionDefault)
	h.RelinquishPage(p)
	expectFatal(t, ErrInvariantViolation, func() {
		h.RelinquishPage(p)
	})
	expectFatal(t, ErrInvariantViolation, func() {
		h.RelinquishFullPage(p)
	})
}

func TestTakePageConcurrent(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 64 * 1024, PageSize: 1024, Strategy: MarkSweep})

	var mu sync.Mutex
	issued := make(map[*Page]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p := h.takePage(nil, regionDefault)
				if p == nil {
					return
				}
				mu.Lock()
				issued[p]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(issued) != 64 {
		t.Errorf("%d distinct pages issued, want 64", len(issued))
	}
	for p, n := range issued {
		if n != 1 {
			t.Errorf("page %d issued %d times", p.Index(), n)
		}
	}
}

func TestOnFatal(t *testing.T) {
	var code int
	var reported error
	h := newTestHeap(t, Config{
		HeapSize: 4 * 1024,
		PageSize: 1024,
		Strategy: MarkSweep,
		Exit:     func(c int) { code = c },
	})
	h.OnFatal(func(err error) { reported = err })

	p := h.takePage(nil, regionDefault)
	h.RelinquishPage(p)
	expectFatal(t, ErrInvariantViolation, func() {
		h.RelinquishPage(p)
	})
	if code != 1 {
		t.Errorf("exit code %d, want 1", code)
	}
	if !errors.Is(reported, ErrInvariantViolation) {
		t.Errorf("fatal hook got %v, want an invariant violation", reported)
	}
}

func TestRegisterTypeLimit(t *testing.T) {
	var reported error
	h := newTestHeap(t, Config{HeapSize: 4 * 1024, PageSize: 1024, Strategy: MarkSweep})
	h.OnFatal(func(err error) { reported = err })

	// Type 0 is raw.
	for i := 1; i < maxTypes; i++ {
		h.RegisterType("T" + strconv.Itoa(i))
	}
	if id := h.RegisterType("T1"); id != 1 {
		t.Errorf("RegisterType of a known type returned %d with every id taken, want 1", id)
	}
	expectFatal(t, ErrInvariantViolation, func() {
		h.RegisterType("one too many")
	})
	if !errors.Is(reported, ErrInvariantViolation) {
		t.Errorf("fatal hook got %v, want an invariant violation", reported)
	}
}

const exhaustEnvVar = "PAGEDGC_EXHAUST_HEAP"

// TestHeapExhaustionExits fills a small heap with objects that all stay
// reachable. The page request that finds the heap full after a cycle must
// terminate the process.
func TestHeapExhaustionExits(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
	ep, err := os.Executable()
	if err != nil {
		t.Fatalf("Executable failed: %v", err)
	}

	for _, s := range Strategies() {
		t.Run(string(s), func(t *testing.T) {
			// inside spawned test executable
			if os.Getenv(exhaustEnvVar) == "1" {
				h, err := NewHeap(Config{HeapSize: 4 * 1024, PageSize: 1024, Strategy: s})
				if err != nil {
					t.Fatalf("NewHeap returned %v", err)
				}
				m := h.NewMutator()
				for {
					m.Push(m.Allocate(100))
				}
			}

			// spawn test executable
			var stderr bytes.Buffer
			cmd := exec.Command(ep, "-test.run=TestHeapExhaustionExits/"+string(s)+"$")
			cmd.Env = append(os.Environ(), exhaustEnvVar+"=1")
			cmd.Stderr = &stderr

			var exitErr *exec.ExitError
			if err := cmd.Run(); !errors.As(err, &exitErr) {
				t.Fatalf("exec(self) expected exec.ExitError: %v", err)
			}
			if code := exitErr.ExitCode(); code != 1 {
				t.Errorf("exit code %d, want 1", code)
			}
			if !strings.Contains(stderr.String(), "heap exhausted") {
				t.Errorf("stderr does not report heap exhaustion:\n%s", stderr.String())
			}
		})
	}
}

func TestReadStats(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 8 * 1024, PageSize: 1024, Strategy: MarkSweep, AllocationStats: true})
	point := h.RegisterType("Point")
	if again := h.RegisterType("Point"); again != point {
		t.Errorf("RegisterType returned %d for a known type, want %d", again, point)
	}
	if name := h.TypeName(point); name != "Point" {
		t.Errorf("TypeName returned %q, want Point", name)
	}

	m := h.NewMutator()
	defer m.Close()
	for i := 0; i < 3; i++ {
		m.New(point, 0, 16)
	}
	m.Allocate(8)

	var s Stats
	h.ReadStats(&s)
	if s.Mallocs != 4 {
		t.Errorf("Mallocs %d, want 4", s.Mallocs)
	}
	if want := uint64(3*ObjectSize(0, 16) + ObjectSize(0, 8)); s.TotalAlloc != want {
		t.Errorf("TotalAlloc %d, want %d", s.TotalAlloc, want)
	}
	if s.Pages != 8 || s.FreePages != 7 || s.PagesIssued != 1 {
		t.Errorf("pages %d, free %d, issued %d, want 8, 7, 1", s.Pages, s.FreePages, s.PagesIssued)
	}
	if s.Mutators != 1 {
		t.Errorf("Mutators %d, want 1", s.Mutators)
	}
	var found bool
	for _, ts := range s.Types {
		if ts.Name == "Point" {
			found = true
			if ts.Objects != 3 || ts.Bytes != uint64(3*ObjectSize(0, 16)) {
				t.Errorf("Point stats %+v, want 3 objects of %d bytes", ts, ObjectSize(0, 16))
			}
		}
	}
	if !found {
		t.Errorf("no allocation statistics for Point in %+v", s.Types)
	}
}
