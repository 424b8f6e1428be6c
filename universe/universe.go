// Package universe is the runtime context around a heap: the global
// bindings, the symbol table, the core and block classes and the cache of
// small integers. It is the root set the collectors start tracing from, and
// it provides a small object model to allocate from.
//
// Every object has its class in reference slot 0. References held outside a
// root (a mutator root stack or one of the tables here) are only valid until
// the next allocation of the mutator that holds them.
package universe

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pagedgc/pagedgc/memory"
)

// Small integers in [intCacheMin, intCacheMax) are allocated once.
const (
	intCacheMin = -5
	intCacheMax = 100
)

// Classes created at bootstrap, in creation order.
const (
	classObject = iota
	classClass
	classSymbol
	classInteger
	classDouble
	classString
	classArray
	classBlock
	numCoreClasses
)

var coreClassNames = [numCoreClasses]string{
	classObject:  "Object",
	classClass:   "Class",
	classSymbol:  "Symbol",
	classInteger: "Integer",
	classDouble:  "Double",
	classString:  "String",
	classArray:   "Array",
	classBlock:   "Block",
}

// Options configures a universe.
type Options struct {
	// IntegerHistogram counts allocated integers in buckets of
	// HistogramBucket values each.
	IntegerHistogram bool
	HistogramBucket  int64
}

// Universe holds the heap and every root outside the mutator stacks.
type Universe struct {
	heap *memory.Heap
	log  *slog.Logger

	types types
	hist  *Histogram

	// Guards core, blocks and ints.
	mu     sync.Mutex
	core   [numCoreClasses]memory.Ref
	blocks map[int]*memory.Ref
	ints   [intCacheMax - intCacheMin]memory.Ref

	globalsMu sync.Mutex
	globals   map[string]*memory.Ref

	symbolsMu sync.Mutex
	symbols   map[string]*memory.Ref
}

type types struct {
	integer, double, str, symbol, array, class, block memory.TypeID
}

// New creates a heap for cfg and bootstraps the core classes and the integer
// cache in it.
func New(cfg memory.Config, opts Options) (*Universe, error) {
	h, err := memory.NewHeap(cfg)
	if err != nil {
		return nil, err
	}
	u := &Universe{
		heap:    h,
		log:     h.Config().Logger,
		blocks:  make(map[int]*memory.Ref),
		globals: make(map[string]*memory.Ref),
		symbols: make(map[string]*memory.Ref),
	}
	if opts.IntegerHistogram {
		u.hist = NewHistogram(opts.HistogramBucket)
	}
	u.types = types{
		integer: h.RegisterType("VMInteger"),
		double:  h.RegisterType("VMDouble"),
		str:     h.RegisterType("VMString"),
		symbol:  h.RegisterType("VMSymbol"),
		array:   h.RegisterType("VMArray"),
		class:   h.RegisterType("VMClass"),
		block:   h.RegisterType("VMBlock"),
	}
	h.AddRootSet(u)

	m := h.NewMutator()
	defer m.Close()
	u.bootstrap(m)
	if cfg.Verbosity >= 1 {
		u.log.Info("universe ready",
			"classes", numCoreClasses,
			"cachedIntegers", len(u.ints),
			"collector", h.Collector().Name())
	}
	return u, nil
}

func (u *Universe) bootstrap(m *memory.Mutator) {
	// Object, Class and Symbol are created without names, which need the
	// Symbol class.
	for i := classObject; i <= classSymbol; i++ {
		c := u.newClassObject(m, 0, u.heap.RegisterType(coreClassNames[i]))
		u.mu.Lock()
		u.heap.StoreRoot(&u.core[i], c)
		u.mu.Unlock()
	}
	for i := classObject; i <= classSymbol; i++ {
		name := u.SymbolFor(m, coreClassNames[i])
		m.Store(u.coreClass(i), 2, name)
		m.Store(u.coreClass(i), 0, u.coreClass(classClass))
		if i != classObject {
			m.Store(u.coreClass(i), 1, u.coreClass(classObject))
		}
	}
	for i := classSymbol + 1; i < numCoreClasses; i++ {
		c := u.NewClass(m, coreClassNames[i], u.coreClass(classObject), 0)
		u.mu.Lock()
		u.heap.StoreRoot(&u.core[i], c)
		u.mu.Unlock()
	}
	for i := 0; i < numCoreClasses; i++ {
		u.SetGlobal(coreClassNames[i], u.coreClass(i))
	}

	for i := range u.ints {
		r := u.newInteger(m, int64(intCacheMin+i))
		u.mu.Lock()
		u.heap.StoreRoot(&u.ints[i], r)
		u.mu.Unlock()
	}
}

// Heap returns the heap of the universe.
func (u *Universe) Heap() *memory.Heap { return u.heap }

// Histogram returns the integer histogram, or nil if it is disabled.
func (u *Universe) Histogram() *Histogram { return u.hist }

// Close releases the heap.
func (u *Universe) Close() error {
	return u.heap.Close()
}

// WalkRoots implements memory.RootSet.
func (u *Universe) WalkRoots(visit func(slot *memory.Ref)) {
	u.mu.Lock()
	for i := range u.core {
		visit(&u.core[i])
	}
	for _, slot := range u.blocks {
		visit(slot)
	}
	for i := range u.ints {
		visit(&u.ints[i])
	}
	u.mu.Unlock()

	u.globalsMu.Lock()
	for _, slot := range u.globals {
		visit(slot)
	}
	u.globalsMu.Unlock()

	u.symbolsMu.Lock()
	for _, slot := range u.symbols {
		visit(slot)
	}
	u.symbolsMu.Unlock()
}

func (u *Universe) coreClass(i int) memory.Ref {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.core[i]
}

// SetGlobal binds name to v.
func (u *Universe) SetGlobal(name string, v memory.Ref) {
	u.globalsMu.Lock()
	defer u.globalsMu.Unlock()
	slot, ok := u.globals[name]
	if !ok {
		slot = new(memory.Ref)
		u.globals[name] = slot
	}
	u.heap.StoreRoot(slot, v)
}

// Global returns the value bound to name.
func (u *Universe) Global(name string) (memory.Ref, bool) {
	u.globalsMu.Lock()
	defer u.globalsMu.Unlock()
	slot, ok := u.globals[name]
	if !ok {
		return memory.Nil, false
	}
	return *slot, true
}

// HasGlobal reports whether name is bound.
func (u *Universe) HasGlobal(name string) bool {
	_, ok := u.Global(name)
	return ok
}

// Globals returns the bound names, sorted.
func (u *Universe) Globals() []string {
	u.globalsMu.Lock()
	names := make([]string, 0, len(u.globals))
	for name := range u.globals {
		names = append(names, name)
	}
	u.globalsMu.Unlock()
	sort.Strings(names)
	return names
}

// SymbolFor returns the unique symbol with the given name, creating it if
// needed.
func (u *Universe) SymbolFor(m *memory.Mutator, name string) memory.Ref {
	u.symbolsMu.Lock()
	slot, ok := u.symbols[name]
	var sym memory.Ref
	if ok {
		sym = *slot
	}
	u.symbolsMu.Unlock()
	if ok {
		return sym
	}

	sym = u.newBytes(m, u.types.symbol, classSymbol, name)

	u.symbolsMu.Lock()
	defer u.symbolsMu.Unlock()
	if slot, ok := u.symbols[name]; ok {
		// Another mutator created it meanwhile.
		return *slot
	}
	slot = new(memory.Ref)
	u.symbols[name] = slot
	u.heap.StoreRoot(slot, sym)
	return sym
}

// NumSymbols returns the size of the symbol table.
func (u *Universe) NumSymbols() int {
	u.symbolsMu.Lock()
	defer u.symbolsMu.Unlock()
	return len(u.symbols)
}

// BlockClass returns the class of blocks taking nargs arguments, creating
// it on first use.
func (u *Universe) BlockClass(m *memory.Mutator, nargs int) memory.Ref {
	if nargs < 0 {
		panic(fmt.Sprintf("universe: block with %d arguments", nargs))
	}
	u.mu.Lock()
	slot, ok := u.blocks[nargs]
	var c memory.Ref
	if ok {
		c = *slot
	}
	u.mu.Unlock()
	if ok {
		return c
	}

	name := fmt.Sprintf("Block%d", nargs+1)
	c = u.NewClass(m, name, u.coreClass(classBlock), 0)

	u.mu.Lock()
	defer u.mu.Unlock()
	if slot, ok := u.blocks[nargs]; ok {
		return *slot
	}
	slot = new(memory.Ref)
	u.blocks[nargs] = slot
	u.heap.StoreRoot(slot, c)
	return c
}
