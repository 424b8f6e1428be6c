package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pagedgc/pagedgc/memory"
)

func TestParseSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Size
	}{
		{"4096", 4096},
		{"64KB", 64 << 10},
		{"64kb", 64 << 10},
		{"4MB", 4 << 20},
		{" 1 MB ", 1 << 20},
		{"2GB", 2 << 30},
		{"512B", 512},
	} {
		got, err := ParseSize(tc.in)
		if err != nil {
			t.Errorf("ParseSize(%q) returned error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseSize(%q) returned %d, want %d", tc.in, got, tc.want)
		}
	}
	for _, in := range []string{"", "MB", "4XB", "-1"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q) succeeded, want an error", in)
		}
	}
}

func TestSizeString(t *testing.T) {
	for _, tc := range []struct {
		in   Size
		want string
	}{
		{4 << 20, "4MB"},
		{1536 << 10, "1536KB"},
		{1 << 30, "1GB"},
		{1000, "1000"},
		{0, "0"},
	} {
		if got := tc.in.String(); got != tc.want {
			t.Errorf("Size(%d).String() returned %q, want %q", uint64(tc.in), got, tc.want)
		}
		back, err := ParseSize(tc.in.String())
		if err != nil || back != tc.in {
			t.Errorf("ParseSize(%q) returned %d, %v, want %d", tc.in.String(), back, err, tc.in)
		}
	}
}

func TestNormalizeArgs(t *testing.T) {
	got := NormalizeArgs([]string{"-g", "-H4MB", "-H", "2MB", "-H=1MB", "--H8KB", "--", "-H1"})
	want := []string{"-g", "-H=4MB", "-H", "2MB", "-H=1MB", "--H=8KB", "--", "-H1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeArgs returned %q, want %q", got, want)
	}
}

func parse(t *testing.T, args []string, env map[string]string) (*Config, *flag.FlagSet, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c, err := Parse(fs, args, func(name string) string { return env[name] })
	return c, fs, err
}

func TestParseDefaults(t *testing.T) {
	c, fs, err := parse(t, nil, nil)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !reflect.DeepEqual(c, Default()) {
		t.Errorf("Parse without arguments returned %+v, want %+v", c, Default())
	}
	if fs.NArg() != 0 {
		t.Errorf("unexpected arguments %q", fs.Args())
	}
}

func TestParsePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gc.yaml")
	err := os.WriteFile(path, []byte(strings.Join([]string{
		"heap_size: 8MB",
		"page_size: 4096",
		"strategy: copying",
		"verbosity: 1",
		"collector_threads: 3",
		"allocation_stats: true",
		"stats_prefix: bench",
	}, "\n")), 0o666)
	if err != nil {
		t.Fatal(err)
	}

	env := map[string]string{EnvOptions: "-gc 'marksweep' -page 8KB -g"}
	c, fs, err := parse(t, []string{"-config", path, "-H2MB", "-g", "extra"}, env)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	for _, check := range []struct {
		name      string
		got, want interface{}
	}{
		{"heap size (flag)", c.HeapSize, Size(2 << 20)},
		{"page size (env)", c.PageSize, Size(8 << 10)},
		{"strategy (env)", c.Strategy, "marksweep"},
		{"verbosity (file, env and flag)", c.Verbosity, 3},
		{"collector threads (file)", c.CollectorThreads, 3},
		{"allocation stats (file)", c.AllocationStats, true},
		{"stats prefix (file)", c.StatsPrefix, "bench"},
		{"promotion age (default)", c.PromotionAge, 2},
		{"file", c.File, path},
	} {
		if !reflect.DeepEqual(check.got, check.want) {
			t.Errorf("%s is %v, want %v", check.name, check.got, check.want)
		}
	}
	if !reflect.DeepEqual(fs.Args(), []string{"extra"}) {
		t.Errorf("remaining arguments %q, want [extra]", fs.Args())
	}
}

func TestParseErrors(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.yaml")
	if err := os.WriteFile(unknown, []byte("heap_sise: 4MB\n"), 0o666); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		name string
		args []string
		env  string
	}{
		{"unknown strategy", []string{"-gc", "refcount"}, ""},
		{"bad size", []string{"-H4XB"}, ""},
		{"heap too small", []string{"-H32KB", "-page", "32KB"}, ""},
		{"too verbose", []string{"-g", "-g", "-g", "-g"}, ""},
		{"watermark", []string{"-watermark", "0"}, ""},
		{"no evacuation threshold", []string{"-evacuate", "0"}, ""},
		{"no trigger threshold", []string{"-trigger", "0"}, ""},
		{"promotion age", []string{"-promotion-age", "0"}, ""},
		{"missing file", []string{"-config", filepath.Join(dir, "missing.yaml")}, ""},
		{"unknown key", []string{"-config=" + unknown}, ""},
		{"env quoting", nil, "-gc 'copying"},
		{"env argument", nil, "-g stray"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parse(t, tc.args, map[string]string{EnvOptions: tc.env})
			if err == nil {
				t.Errorf("Parse succeeded, want an error")
			}
		})
	}
}

func TestHeapConfig(t *testing.T) {
	c := Default()
	c.Strategy = "pauseless"
	c.CollectorThreads = 4
	c.MaxNurseryObjectSize = 1024
	c.AllocationStats = true
	hc := c.HeapConfig(nil)
	if hc.Strategy != memory.Pauseless || hc.CollectorThreads != 4 || hc.MaxNurseryObjectSize != 1024 || !hc.AllocationStats {
		t.Errorf("HeapConfig returned %+v", hc)
	}
	if hc.HeapSize != memory.DefaultHeapSize || hc.PageSize != memory.DefaultPageSize {
		t.Errorf("HeapConfig returned a heap of %d bytes in pages of %d, want %d and %d",
			hc.HeapSize, hc.PageSize, memory.DefaultHeapSize, memory.DefaultPageSize)
	}

	h, err := memory.NewHeap(hc)
	if err != nil {
		t.Fatalf("NewHeap rejected the default settings: %v", err)
	}
	h.Close()
}
