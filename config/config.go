// Package config collects the settings of a heap and the runtime around it
// from defaults, a YAML file, the SOMGC_OPTS environment variable and the
// command line, in increasing order of precedence.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v2"

	"github.com/pagedgc/pagedgc/memory"
)

// EnvOptions names the environment variable holding extra command line
// options, split like a shell would.
const EnvOptions = "SOMGC_OPTS"

// Config holds all settings. The YAML keys are listed in the struct tags.
type Config struct {
	HeapSize  Size   `yaml:"heap_size"`
	PageSize  Size   `yaml:"page_size"`
	Strategy  string `yaml:"strategy"`
	Verbosity int    `yaml:"verbosity"`

	WatermarkPercent int `yaml:"watermark_percent"`

	NurseryPages         int  `yaml:"nursery_pages"`
	MaxNurseryObjectSize Size `yaml:"max_nursery_object_size"`
	PromotionAge         int  `yaml:"promotion_age"`

	EvacuateBelowPercent int `yaml:"evacuate_below_percent"`
	TriggerPercent       int `yaml:"trigger_percent"`
	CollectorThreads     int `yaml:"collector_threads"`

	AllocationStats  bool   `yaml:"allocation_stats"`
	IntegerHistogram bool   `yaml:"integer_histogram"`
	DumpDir          string `yaml:"dump_dir"`
	StatsPrefix      string `yaml:"stats_prefix"`

	// File is the YAML file the settings were read from, if any.
	File string `yaml:"-"`
}

// Default returns the default settings: a 1MB generational heap of 32KB pages.
func Default() *Config {
	return &Config{
		HeapSize:             memory.DefaultHeapSize,
		PageSize:             memory.DefaultPageSize,
		Strategy:             string(memory.Generational),
		WatermarkPercent:     90,
		PromotionAge:         2,
		EvacuateBelowPercent: 50,
		TriggerPercent:       25,
		CollectorThreads:     1,
		StatsPrefix:          "somgc",
	}
}

// LoadFile overlays the settings in a YAML file. Unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	c.File = path
	return nil
}

// verbosity is the -g flag: every occurrence raises the verbosity by one.
type verbosity struct{ n *int }

func (v verbosity) String() string {
	if v.n == nil {
		return "0"
	}
	return fmt.Sprint(*v.n)
}

func (v verbosity) Set(string) error {
	*v.n++
	return nil
}

func (v verbosity) IsBoolFlag() bool { return true }

// RegisterFlags defines a flag for every setting on fs. The flags write
// directly into c.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.File, "config", c.File, "read settings from this YAML file")
	fs.Var(verbosity{&c.Verbosity}, "g", "raise the collector verbosity (repeatable)")
	fs.Var(&c.HeapSize, "H", "heap size, like -H4MB")
	fs.Var(&c.PageSize, "page", "page size")
	fs.StringVar(&c.Strategy, "gc", c.Strategy, "collection strategy: "+strategyList())
	fs.IntVar(&c.WatermarkPercent, "watermark", c.WatermarkPercent, "page fill percentage that triggers a page replacement")
	fs.IntVar(&c.NurseryPages, "nursery", c.NurseryPages, "nursery size in pages (generational, 0 for a quarter of the heap)")
	fs.Var(&c.MaxNurseryObjectSize, "max-nursery-object", "largest object allocated in the nursery (generational, 0 for a quarter of a page)")
	fs.IntVar(&c.PromotionAge, "promotion-age", c.PromotionAge, "minor cycles survived before promotion (generational)")
	fs.IntVar(&c.EvacuateBelowPercent, "evacuate", c.EvacuateBelowPercent, "evacuate full pages with less live data than this percentage (pauseless)")
	fs.IntVar(&c.TriggerPercent, "trigger", c.TriggerPercent, "start a cycle when fewer pages than this percentage are free (pauseless)")
	fs.IntVar(&c.CollectorThreads, "threads", c.CollectorThreads, "tracing threads (pauseless)")
	fs.BoolVar(&c.AllocationStats, "stats", c.AllocationStats, "count allocations per type and write them at exit")
	fs.BoolVar(&c.IntegerHistogram, "histogram", c.IntegerHistogram, "record a histogram of allocated integers and write it at exit")
	fs.StringVar(&c.DumpDir, "dump", c.DumpDir, "directory for heap dumps (with -g -g -g)")
	fs.StringVar(&c.StatsPrefix, "stats-prefix", c.StatsPrefix, "file name prefix of the statistics files")
}

func strategyList() string {
	var names []string
	for _, s := range memory.Strategies() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}

// NormalizeArgs rewrites the -H<size> form of the heap size flag, which the
// flag package can't parse, to -H=<size>.
func NormalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i:]...)
		}
		for _, prefix := range []string{"-H", "--H"} {
			rest, ok := strings.CutPrefix(arg, prefix)
			if ok && rest != "" && rest[0] != '=' {
				arg = prefix + "=" + rest
				break
			}
		}
		out = append(out, arg)
	}
	return out
}

// configFile returns the value of the last -config flag in args.
func configFile(args []string) string {
	path := ""
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			path = v
		} else if name == "config" && i+1 < len(args) {
			path = args[i+1]
			i++
		}
	}
	return path
}

// Parse builds the settings from the defaults, the YAML file given with
// -config, the options in the environment variable SOMGC_OPTS and args. The
// flags are registered on fs, which is used to parse args; the remaining
// arguments are available through fs.Args.
func Parse(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	c := Default()
	var env []string
	if opts := getenv(EnvOptions); opts != "" {
		var err error
		env, err = shlex.Split(opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvOptions, err)
		}
		env = NormalizeArgs(env)
	}
	args = NormalizeArgs(args)

	path := configFile(args)
	if path == "" {
		path = configFile(env)
	}
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if len(env) != 0 {
		envFlags := flag.NewFlagSet(EnvOptions, flag.ContinueOnError)
		envFlags.SetOutput(io.Discard)
		c.RegisterFlags(envFlags)
		if err := envFlags.Parse(env); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvOptions, err)
		}
		if envFlags.NArg() != 0 {
			return nil, fmt.Errorf("%s: unexpected argument %q", EnvOptions, envFlags.Arg(0))
		}
	}

	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	c.File = path
	return c, c.Validate()
}

// Validate checks the settings that can be checked without creating a heap.
func (c *Config) Validate() error {
	if _, err := memory.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	switch {
	case c.Verbosity < 0 || c.Verbosity > 3:
		return fmt.Errorf("verbosity %d out of range 0..3", c.Verbosity)
	case c.PageSize == 0:
		return fmt.Errorf("page size must not be zero")
	case c.HeapSize < 2*c.PageSize:
		return fmt.Errorf("heap size %v holds less than 2 pages of %v", c.HeapSize, c.PageSize)
	case c.CollectorThreads < 1:
		return fmt.Errorf("need at least one collector thread, got %d", c.CollectorThreads)
	case c.NurseryPages < 0:
		return fmt.Errorf("negative nursery size %d", c.NurseryPages)
	case c.PromotionAge < 1:
		return fmt.Errorf("promotion age %d must be at least 1", c.PromotionAge)
	}
	for _, p := range []struct {
		name  string
		value int
		min   int
	}{
		{"watermark", c.WatermarkPercent, 1},
		{"evacuation threshold", c.EvacuateBelowPercent, 1},
		{"trigger threshold", c.TriggerPercent, 1},
	} {
		if p.value < p.min || p.value > 100 {
			return fmt.Errorf("%s %d%% out of range %d..100", p.name, p.value, p.min)
		}
	}
	if c.StatsPrefix == "" && (c.AllocationStats || c.IntegerHistogram) {
		return fmt.Errorf("statistics requested without a file name prefix")
	}
	return nil
}

// HeapConfig returns the heap parameters for these settings.
func (c *Config) HeapConfig(logger *slog.Logger) memory.Config {
	return memory.Config{
		HeapSize:             uintptr(c.HeapSize),
		PageSize:             uintptr(c.PageSize),
		Strategy:             memory.Strategy(c.Strategy),
		Verbosity:            c.Verbosity,
		DumpDir:              c.DumpDir,
		WatermarkPercent:     c.WatermarkPercent,
		NurseryPages:         c.NurseryPages,
		MaxNurseryObjectSize: uintptr(c.MaxNurseryObjectSize),
		PromotionAge:         c.PromotionAge,
		EvacuateBelowPercent: c.EvacuateBelowPercent,
		TriggerPercent:       c.TriggerPercent,
		CollectorThreads:     c.CollectorThreads,
		AllocationStats:      c.AllocationStats,
		Logger:               logger,
	}
}
