// Package diagnostics reports what a heap did during a run: the time spent
// collecting and the number of cycles, and optionally per-type allocation
// statistics, an integer histogram, an allocation profile and an archive of
// all of these files.
package diagnostics

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/pagedgc/pagedgc/memory"
	"github.com/pagedgc/pagedgc/universe"
)

// Report is a snapshot of the heap statistics taken at shutdown.
type Report struct {
	Stats memory.Stats

	// Integer histogram, if one was recorded.
	Histogram      []universe.Bucket
	HistogramWidth int64

	// Error that ended the run, if any.
	Err error
}

// NewReport takes a snapshot of the statistics of h. hist may be nil.
func NewReport(h *memory.Heap, hist *universe.Histogram) *Report {
	r := &Report{}
	h.ReadStats(&r.Stats)
	if hist != nil {
		r.Histogram = hist.Buckets()
		r.HistogramWidth = hist.Width()
	}
	return r
}

// FatalReport returns the part of the report that can be taken while the
// heap is failing, from a fatal error hook.
func FatalReport(h *memory.Heap, err error) *Report {
	r := &Report{Err: err}
	r.Stats.Strategy = h.Config().Strategy
	r.Stats.NumGC = h.NumGC()
	r.Stats.PauseTotal = h.GCTime()
	return r
}

// Types returns the types with at least one allocation, sorted by name.
func (r *Report) Types() []memory.TypeStats {
	var types []memory.TypeStats
	for _, t := range r.Stats.Types {
		if t.Objects != 0 {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
	return types
}

const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"
	colorRed   = "\x1b[31m"
	colorCyan  = "\x1b[36m"
)

// Terminal returns a writer for f that understands ANSI colors on every
// platform, and whether f is a terminal that should get them.
func Terminal(f *os.File) (io.Writer, bool) {
	fd := f.Fd()
	color := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return colorable.NewColorable(f), color
}

// WriteTo prints the report in a human readable form to w. With color set,
// it uses ANSI escape sequences.
func (r *Report) WriteTo(w io.Writer, color bool) {
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + colorReset
	}
	s := &r.Stats

	if r.Err != nil {
		fmt.Fprintln(w, paint(colorRed, "error: "+r.Err.Error()))
	}
	fmt.Fprintf(w, "Time spent in GC: [%s] msec\n", paint(colorBold, fmt.Sprint(s.PauseTotal.Milliseconds())))
	fmt.Fprintf(w, "Number of GC cycles performed: %s\n", paint(colorBold, fmt.Sprint(s.NumGC)))

	if s.Pages == 0 {
		return
	}
	fmt.Fprintln(w, paint(colorCyan, "heap:"))
	fmt.Fprintf(w, "  collector:  %s\n", s.Strategy)
	fmt.Fprintf(w, "  pages:      %d of %d bytes, %d free, %d issued in total\n", s.Pages, s.PageSize, s.FreePages, s.PagesIssued)
	fmt.Fprintf(w, "  allocated:  %d objects, %d bytes\n", s.Mallocs, s.TotalAlloc)
	fmt.Fprintf(w, "  live:       %d bytes after the last cycle\n", s.LiveBytes)
	if !s.LastGC.IsZero() {
		fmt.Fprintf(w, "  last cycle: %s\n", s.LastGC.Format(time.RFC3339Nano))
	}
	if len(s.Collector) != 0 {
		names := make([]string, 0, len(s.Collector))
		for name := range s.Collector {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, paint(colorCyan, string(s.Strategy)+":"))
		for _, name := range names {
			fmt.Fprintf(w, "  %-18s %d\n", name+":", s.Collector[name])
		}
	}

	if types := r.Types(); len(types) != 0 {
		fmt.Fprintln(w, paint(colorCyan, "allocations:"))
		for _, t := range types {
			fmt.Fprintf(w, "  %-18s %10d objects %12d bytes\n", t.Name, t.Objects, t.Bytes)
		}
	}
}
