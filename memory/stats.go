package memory

import (
	"time"
)

// Stats is a snapshot of the heap statistics.
type Stats struct {
	Strategy Strategy

	// Collection cycles.
	NumGC      uint64
	PauseTotal time.Duration // total time spent in cycles
	LastGC     time.Time

	// Pages.
	PageSize    uintptr
	Pages       int
	FreePages   int
	FullPages   int
	PagesIssued uint64 // cumulative

	// Objects.
	Mallocs    uint64 // cumulative count of objects allocated
	TotalAlloc uint64 // cumulative bytes allocated
	LiveBytes  uint64 // bytes of reachable objects found by the last cycle

	Mutators int

	// Counters specific to the collection strategy.
	Collector map[string]uint64

	// Per type allocation counters, when allocation statistics are enabled.
	Types []TypeStats
}

// counterReporter is implemented by collectors with their own counters.
type counterReporter interface {
	Counters() map[string]uint64
}

// ReadStats populates s with the heap statistics.
//
// The statistics are up to date as of the call. ReadStats does not collect.
func (h *Heap) ReadStats(s *Stats) {
	h.lock.Lock()
	s.FreePages = h.nfree
	s.FullPages = len(h.full)
	h.lock.Unlock()

	s.Strategy = h.cfg.Strategy
	s.NumGC = h.cycles.Load()
	s.PauseTotal = h.cycleTime()
	s.LastGC = time.Time{}
	if ns := h.lastGC.Load(); ns != 0 {
		s.LastGC = time.Unix(0, ns)
	}
	s.PageSize = h.pageSize
	s.Pages = len(h.pool)
	s.PagesIssued = h.pagesIssued.Load()
	s.Mallocs = h.allocCount.Load()
	s.TotalAlloc = h.allocBytes.Load()
	s.LiveBytes = h.liveBytes.Load()
	s.Mutators = h.world.numMutators()

	s.Collector = nil
	if r, ok := h.collector.(counterReporter); ok {
		s.Collector = r.Counters()
	}
	s.Types = nil
	if h.cfg.AllocationStats {
		s.Types = h.types.snapshot()
	}
}

// NumGC returns the number of completed collection cycles.
func (h *Heap) NumGC() uint64 { return h.cycles.Load() }

// GCTime returns the total time spent collecting.
func (h *Heap) GCTime() time.Duration { return h.cycleTime() }
