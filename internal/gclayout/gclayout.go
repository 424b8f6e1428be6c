package gclayout

// Object shapes shared by the heap and the object model.
// See memory/object.go for the header encoding.

const (
	// WordSize is the allocation granularity. Every object size is a multiple
	// of it, so every object starts word aligned.
	WordSize = 8

	// HeaderWords is the number of words in front of every object.
	HeaderWords = 2
	HeaderSize  = HeaderWords * WordSize
)

// Layout describes a heap object: how many reference slots follow the header
// and how many data bytes follow the reference slots.
type Layout struct {
	Refs      int
	DataBytes int
}

// Refs returns a layout for an object holding n references.
func Refs(n int) Layout { return Layout{Refs: n} }

// DataWords returns the number of words reserved for the data area.
func (l Layout) DataWords() int {
	return (l.DataBytes + WordSize - 1) / WordSize
}

// Size returns the total object size in bytes, header included.
func (l Layout) Size() uintptr {
	return uintptr(HeaderSize + l.Refs*WordSize + l.DataWords()*WordSize)
}
