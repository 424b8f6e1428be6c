package universe

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pagedgc/pagedgc/internal/gclayout"
	"github.com/pagedgc/pagedgc/memory"
)

// Object shapes. Reference slot 0 always holds the class.
var (
	// Integers and doubles: class, then the value.
	boxLayout = gclayout.Layout{Refs: 1, DataBytes: gclayout.WordSize}

	// Classes: class, superclass, name; then the number of instance fields
	// and the type id of the instances.
	classLayout = gclayout.Layout{Refs: 3, DataBytes: 2 * gclayout.WordSize}

	// Blocks: class, then the context they were created in.
	blockLayout = gclayout.Layout{Refs: 2}
)

// Strings and symbols: class, then the length and the bytes.
func bytesLayout(n int) gclayout.Layout {
	return gclayout.Layout{Refs: 1, DataBytes: gclayout.WordSize + n}
}

// Arrays: class, then the elements.
func arrayLayout(n int) gclayout.Layout {
	return gclayout.Layout{Refs: 1 + n}
}

func (u *Universe) alloc(m *memory.Mutator, t memory.TypeID, l gclayout.Layout) memory.Ref {
	return m.New(t, l.Refs, l.DataBytes)
}

func (u *Universe) newClassObject(m *memory.Mutator, fields int, instances memory.TypeID) memory.Ref {
	c := u.alloc(m, u.types.class, classLayout)
	m.Store(c, 0, u.coreClass(classClass))
	m.StoreWord(c, 0, uint64(fields))
	m.StoreWord(c, 1, uint64(instances))
	return c
}

// NewClass creates a class named name with the given superclass, whose
// instances have fields reference fields. Instances are counted under the
// class name in the allocation statistics.
func (u *Universe) NewClass(m *memory.Mutator, name string, super memory.Ref, fields int) memory.Ref {
	if fields < 0 {
		panic(fmt.Sprintf("universe: class %s with %d fields", name, fields))
	}
	base := m.Push(super)
	m.Push(u.SymbolFor(m, name))
	c := u.newClassObject(m, fields, u.heap.RegisterType(name))
	m.Store(c, 1, m.Root(base))
	m.Store(c, 2, m.Root(base+1))
	m.Pop(2)
	return c
}

// ClassOf returns the class of obj.
func (u *Universe) ClassOf(m *memory.Mutator, obj memory.Ref) memory.Ref {
	return m.Load(obj, 0)
}

// Superclass returns the superclass of class, or nil for Object.
func (u *Universe) Superclass(m *memory.Mutator, class memory.Ref) memory.Ref {
	return m.Load(class, 1)
}

// ClassName returns the name of class.
func (u *Universe) ClassName(m *memory.Mutator, class memory.Ref) string {
	return u.SymbolName(m, m.Load(class, 2))
}

// NumFields returns the number of fields of the instances of class.
func (u *Universe) NumFields(m *memory.Mutator, class memory.Ref) int {
	return int(m.LoadWord(class, 0))
}

// NewInstance creates an instance of class with all fields nil.
func (u *Universe) NewInstance(m *memory.Mutator, class memory.Ref) memory.Ref {
	fields := u.NumFields(m, class)
	t := memory.TypeID(m.LoadWord(class, 1))
	i := m.Push(class)
	obj := u.alloc(m, t, gclayout.Refs(1+fields))
	m.Store(obj, 0, m.Root(i))
	m.Pop(1)
	return obj
}

// Field returns field i of obj.
func (u *Universe) Field(m *memory.Mutator, obj memory.Ref, i int) memory.Ref {
	return m.Load(obj, 1+i)
}

// SetField sets field i of obj.
func (u *Universe) SetField(m *memory.Mutator, obj memory.Ref, i int, v memory.Ref) {
	m.Store(obj, 1+i, v)
}

// NewInteger returns an integer object. Small integers come from the cache.
func (u *Universe) NewInteger(m *memory.Mutator, v int64) memory.Ref {
	if u.hist != nil {
		u.hist.Add(v)
	}
	if v >= intCacheMin && v < intCacheMax {
		u.mu.Lock()
		defer u.mu.Unlock()
		return u.ints[v-intCacheMin]
	}
	return u.newInteger(m, v)
}

func (u *Universe) newInteger(m *memory.Mutator, v int64) memory.Ref {
	obj := u.alloc(m, u.types.integer, boxLayout)
	m.Store(obj, 0, u.coreClass(classInteger))
	m.StoreWord(obj, 0, uint64(v))
	return obj
}

// IntegerValue returns the value of an integer object.
func (u *Universe) IntegerValue(m *memory.Mutator, obj memory.Ref) int64 {
	return int64(m.LoadWord(obj, 0))
}

// NewDouble returns a double object.
func (u *Universe) NewDouble(m *memory.Mutator, f float64) memory.Ref {
	obj := u.alloc(m, u.types.double, boxLayout)
	m.Store(obj, 0, u.coreClass(classDouble))
	m.StoreWord(obj, 0, math.Float64bits(f))
	return obj
}

// DoubleValue returns the value of a double object.
func (u *Universe) DoubleValue(m *memory.Mutator, obj memory.Ref) float64 {
	return math.Float64frombits(m.LoadWord(obj, 0))
}

func (u *Universe) newBytes(m *memory.Mutator, t memory.TypeID, class int, s string) memory.Ref {
	obj := u.alloc(m, t, bytesLayout(len(s)))
	m.Store(obj, 0, u.coreClass(class))
	buf := make([]byte, gclayout.WordSize+len(s))
	binary.LittleEndian.PutUint64(buf, uint64(len(s)))
	copy(buf[gclayout.WordSize:], s)
	m.WriteBytes(obj, buf)
	return obj
}

func (u *Universe) bytesValue(m *memory.Mutator, obj memory.Ref) string {
	buf := make([]byte, m.DataSize(obj))
	m.ReadBytes(obj, buf)
	n := binary.LittleEndian.Uint64(buf)
	return string(buf[gclayout.WordSize : gclayout.WordSize+int(n)])
}

// NewString returns a string object holding s.
func (u *Universe) NewString(m *memory.Mutator, s string) memory.Ref {
	return u.newBytes(m, u.types.str, classString, s)
}

// StringValue returns the contents of a string object.
func (u *Universe) StringValue(m *memory.Mutator, obj memory.Ref) string {
	return u.bytesValue(m, obj)
}

// SymbolName returns the name of a symbol.
func (u *Universe) SymbolName(m *memory.Mutator, sym memory.Ref) string {
	if sym == memory.Nil {
		return ""
	}
	return u.bytesValue(m, sym)
}

// NewArray returns an array of n nil elements.
func (u *Universe) NewArray(m *memory.Mutator, n int) memory.Ref {
	if n < 0 {
		panic(fmt.Sprintf("universe: array of length %d", n))
	}
	obj := u.alloc(m, u.types.array, arrayLayout(n))
	m.Store(obj, 0, u.coreClass(classArray))
	return obj
}

// ArrayLength returns the number of elements of an array.
func (u *Universe) ArrayLength(m *memory.Mutator, arr memory.Ref) int {
	return m.NumRefs(arr) - 1
}

// ArrayAt returns element i of an array.
func (u *Universe) ArrayAt(m *memory.Mutator, arr memory.Ref, i int) memory.Ref {
	return m.Load(arr, 1+i)
}

// ArrayPut sets element i of an array.
func (u *Universe) ArrayPut(m *memory.Mutator, arr memory.Ref, i int, v memory.Ref) {
	m.Store(arr, 1+i, v)
}

// NewBlock returns a block taking nargs arguments, created in context.
func (u *Universe) NewBlock(m *memory.Mutator, nargs int, context memory.Ref) memory.Ref {
	i := m.Push(context)
	m.Push(u.BlockClass(m, nargs))
	obj := u.alloc(m, u.types.block, blockLayout)
	m.Store(obj, 0, m.Root(i+1))
	m.Store(obj, 1, m.Root(i))
	m.Pop(2)
	return obj
}

// BlockContext returns the context a block was created in.
func (u *Universe) BlockContext(m *memory.Mutator, block memory.Ref) memory.Ref {
	return m.Load(block, 1)
}
