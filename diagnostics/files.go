package diagnostics

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/blakesmith/ar"
	"github.com/gofrs/flock"
	"github.com/google/pprof/profile"
)

// File name suffixes of the statistics files.
const (
	AllocationStatsSuffix = "_allocation_statistics.csv"
	HistogramSuffix       = "_integer_histogram.csv"
)

// writeLocked replaces the file at path with the output of write, holding an
// exclusive lock on path.lock so concurrent runs with the same prefix don't
// interleave their files.
func writeLocked(path string, write func(w io.Writer) error) (err error) {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("could not lock %s: %w", path, err)
	}
	defer lock.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteAllocationStats writes one line per allocated type to
// <prefix>_allocation_statistics.csv: the type name, the number of objects
// and their total size in bytes. It returns the file name.
func (r *Report) WriteAllocationStats(prefix string) (string, error) {
	path := prefix + AllocationStatsSuffix
	return path, writeLocked(path, func(w io.Writer) error {
		for _, t := range r.Types() {
			if _, err := fmt.Fprintf(w, "%s, %d, %d\n", t.Name, t.Objects, t.Bytes); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteHistogram writes one line per histogram bucket to
// <prefix>_integer_histogram.csv: the bucket and its count. It returns the
// file name.
func (r *Report) WriteHistogram(prefix string) (string, error) {
	path := prefix + HistogramSuffix
	return path, writeLocked(path, func(w io.Writer) error {
		for _, b := range r.Histogram {
			if _, err := fmt.Fprintf(w, "%d, %d\n", b.Bucket, b.Count); err != nil {
				return err
			}
		}
		return nil
	})
}

// Profile returns the allocations as a pprof profile with one sample per
// type, or a single sample for all objects if no per-type statistics were
// collected.
func (r *Report) Profile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
		TimeNanos:  time.Now().UnixNano(),
	}
	add := func(name string, objects, bytes uint64) {
		id := uint64(len(p.Function) + 1)
		fn := &profile.Function{ID: id, Name: name, SystemName: name, Filename: "heap"}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(objects), int64(bytes)},
			Label:    map[string][]string{"collector": {string(r.Stats.Strategy)}},
		})
	}
	if types := r.Types(); len(types) != 0 {
		for _, t := range types {
			add(t.Name, t.Objects, t.Bytes)
		}
	} else {
		add("all", r.Stats.Mallocs, r.Stats.TotalAlloc)
	}
	return p
}

// WriteProfile writes the allocation profile to path, gzipped in the pprof
// format.
func (r *Report) WriteProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.Profile().Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Archive bundles files into a Unix ar archive at path, under their base
// names.
func Archive(path string, files []string) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	w := ar.NewWriter(out)
	if err := w.WriteGlobalHeader(); err != nil {
		return err
	}
	for _, name := range files {
		if err := addToArchive(w, name); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
	}
	return nil
}

// addToArchive writes the file in a single Write: the writer pads odd-sized
// members and counts the padding byte in what it returns.
func addToArchive(w *ar.Writer, name string) error {
	st, err := os.Stat(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	hdr := &ar.Header{
		Name:    filepath.Base(name),
		ModTime: st.ModTime(),
		Mode:    int64(st.Mode().Perm()),
		Size:    int64(len(data)),
	}
	if err := w.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
