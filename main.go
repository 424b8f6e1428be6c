package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagedgc/pagedgc/config"
	"github.com/pagedgc/pagedgc/diagnostics"
	"github.com/pagedgc/pagedgc/memory"
	"github.com/pagedgc/pagedgc/universe"
)

func usage(command string) {
	switch command {
	default:
		fmt.Fprintln(os.Stderr, "somgc: paged heap and garbage collector playground")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "usage:")
		fmt.Fprintf(os.Stderr, "  %s <command> [arguments]\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\ncommands:")
		fmt.Fprintln(os.Stderr, "  run:         run the allocation workload and report")
		fmt.Fprintln(os.Stderr, "  strategies:  list the collection strategies")
		fmt.Fprintln(os.Stderr, "  verify-dump: check the checksums of a heap dump")
		fmt.Fprintln(os.Stderr, "  help:        print this help text")
		fmt.Fprintf(os.Stderr, "\nSettings are also read from the %s environment variable.\n", config.EnvOptions)
		fmt.Fprintf(os.Stderr, "\nfor more details, see %s help <command>\n", os.Args[0])
	case "run":
		fmt.Fprintf(os.Stderr, "usage: %s run [flags]\n\nflags:\n", os.Args[0])
		fs := flag.NewFlagSet("run", flag.ContinueOnError)
		registerRunFlags(fs)
		config.Default().RegisterFlags(fs)
		fs.SetOutput(os.Stderr)
		fs.PrintDefaults()
	case "verify-dump":
		fmt.Fprintf(os.Stderr, "usage: %s verify-dump <dir> <name> <page size>\n", os.Args[0])
	}
}

type runFlags struct {
	mutators   int
	depth      int
	iterations int
	pprof      string
	archive    string
}

var flags runFlags

func registerRunFlags(fs *flag.FlagSet) {
	fs.IntVar(&flags.mutators, "mutators", runtime.NumCPU(), "number of mutator threads")
	fs.IntVar(&flags.depth, "depth", 10, "depth of the temporary trees")
	fs.IntVar(&flags.iterations, "iterations", 20, "trees built by each mutator")
	fs.StringVar(&flags.pprof, "pprof", "", "write an allocation profile to this file")
	fs.StringVar(&flags.archive, "archive", "", "bundle the report files into this ar archive")
}

// newLogger logs to stderr, with debug messages from verbosity 2.
func newLogger(w io.Writer, verbosity int) *slog.Logger {
	level := slog.LevelInfo
	if verbosity >= 2 {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.Usage = func() { usage("run") }
	registerRunFlags(fs)
	cfg, err := config.Parse(fs, args, os.Getenv)
	if err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if flags.mutators < 1 || flags.depth < 0 || flags.iterations < 0 {
		return errors.New("need at least one mutator and a non-negative depth and iteration count")
	}

	logger := newLogger(os.Stderr, cfg.Verbosity)
	u, err := universe.New(cfg.HeapConfig(logger), universe.Options{
		IntegerHistogram: cfg.IntegerHistogram,
	})
	if err != nil {
		return err
	}
	defer u.Close()
	h := u.Heap()
	h.OnFatal(func(err error) {
		w, color := diagnostics.Terminal(os.Stderr)
		diagnostics.FatalReport(h, err).WriteTo(w, color)
	})

	start := time.Now()
	if err := binaryTrees(u, flags); err != nil {
		return err
	}
	logger.Info("workload done", "duration", time.Since(start), "mutators", flags.mutators)

	report := diagnostics.NewReport(h, u.Histogram())
	w, color := diagnostics.Terminal(os.Stdout)
	report.WriteTo(w, color)
	return writeFiles(cfg, report)
}

// writeFiles writes the statistics files that were asked for, and bundles
// them.
func writeFiles(cfg *config.Config, report *diagnostics.Report) error {
	var files []string
	if cfg.AllocationStats {
		path, err := report.WriteAllocationStats(cfg.StatsPrefix)
		if err != nil {
			return err
		}
		files = append(files, path)
	}
	if cfg.IntegerHistogram {
		path, err := report.WriteHistogram(cfg.StatsPrefix)
		if err != nil {
			return err
		}
		files = append(files, path)
	}
	if flags.pprof != "" {
		if err := report.WriteProfile(flags.pprof); err != nil {
			return err
		}
		files = append(files, flags.pprof)
	}
	if flags.archive != "" {
		if len(files) == 0 {
			return errors.New("nothing to archive: enable -stats, -histogram or -pprof")
		}
		return diagnostics.Archive(flags.archive, files)
	}
	return nil
}

// binaryTrees keeps a long lived tree in a global and has every mutator
// build and check temporary trees.
func binaryTrees(u *universe.Universe, f runFlags) error {
	h := u.Heap()
	m := h.NewMutator()
	object, _ := u.Global("Object")
	node := u.NewClass(m, "TreeNode", object, 2)
	u.SetGlobal("TreeNode", node)
	u.SetGlobal("longLived", bottomUp(u, m, f.depth))
	m.Close()

	var g errgroup.Group
	for i := 0; i < f.mutators; i++ {
		m := h.NewMutator()
		g.Go(func() error {
			defer m.Close()
			for it := 0; it < f.iterations; it++ {
				tree := bottomUp(u, m, f.depth)
				if n, want := count(u, m, tree), 1<<(f.depth+1)-1; n != want {
					return fmt.Errorf("mutator %d: tree of %d nodes, want %d", m.ID(), n, want)
				}
				u.NewInteger(m, int64(it*f.depth))
				u.NewString(m, "iteration "+strconv.Itoa(it))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m = h.NewMutator()
	defer m.Close()
	tree, _ := u.Global("longLived")
	if n, want := count(u, m, tree), 1<<(f.depth+1)-1; n != want {
		return fmt.Errorf("long lived tree of %d nodes, want %d", n, want)
	}
	return nil
}

func bottomUp(u *universe.Universe, m *memory.Mutator, depth int) memory.Ref {
	class, _ := u.Global("TreeNode")
	node := m.Push(u.NewInstance(m, class))
	if depth > 0 {
		left := bottomUp(u, m, depth-1)
		u.SetField(m, m.Root(node), 0, left)
		right := bottomUp(u, m, depth-1)
		u.SetField(m, m.Root(node), 1, right)
	}
	ref := m.Root(node)
	m.Pop(1)
	return ref
}

func count(u *universe.Universe, m *memory.Mutator, node memory.Ref) int {
	if node == memory.Nil {
		return 0
	}
	return 1 + count(u, m, u.Field(m, node, 0)) + count(u, m, u.Field(m, node, 1))
}

func verifyDump(args []string) error {
	if len(args) != 3 {
		usage("verify-dump")
		return errors.New("need a directory, a dump name and a page size")
	}
	pageSize, err := config.ParseSize(args[2])
	if err != nil {
		return err
	}
	pages, err := memory.VerifyDump(args[0], args[1], uintptr(pageSize))
	if err != nil {
		return err
	}
	for _, p := range pages {
		fmt.Printf("page %4d  %-6s %-8s %8d bytes  crc %04x\n", p.Index, p.State, p.Region, p.Used, p.CRC)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "No command-line arguments supplied.")
		usage("")
		os.Exit(1)
	}
	command := os.Args[1]

	var err error
	switch command {
	case "run":
		err = run(os.Args[2:])
	case "strategies":
		for _, s := range memory.Strategies() {
			fmt.Printf("%-13s %s\n", s, s.Describe())
		}
	case "verify-dump":
		err = verifyDump(os.Args[2:])
	case "help":
		command := ""
		if len(os.Args) > 2 {
			command = os.Args[2]
		}
		usage(command)
	default:
		fmt.Fprintln(os.Stderr, "Unknown command:", command)
		usage("")
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
