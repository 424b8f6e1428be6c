package memory

// Free chunks are dead objects in partially live pages, turned into a single
// header with the free tag set and the chunk size. They are kept in a
// two-level list sorted by size:
// - The outer level (freeRange) has one entry for each unique chunk size.
// - The inner level (freeRangeMore) has one entry for each additional chunk
//   of the same size.
// This keeps insertion and removal proportional to the number of distinct
// sizes instead of the number of chunks.

// Chunks smaller than this are not split off: the rest stays with the object.
const minChunkSize = headerSize

type freeRange struct {
	size uintptr
	ref  Ref

	// nextLen is the next larger free range.
	nextLen *freeRange

	// nextWithLen is the next free range with this size.
	nextWithLen *freeRangeMore
}

type freeRangeMore struct {
	ref  Ref
	next *freeRangeMore
}

// freeList is not safe for concurrent use: callers guard it with their own
// lock.
type freeList struct {
	heap   *Heap
	ranges *freeRange
	bytes  uintptr
}

// insert turns the memory at ref into a free chunk of size bytes and adds it
// to the list.
func (l *freeList) insert(ref Ref, size uintptr) {
	if size < minChunkSize {
		l.heap.fatal(ErrInvariantViolation, "free chunk of %d bytes at %v", size, ref)
	}
	p := l.heap.pageOf(ref)
	off := ref.offset()
	p.setSizeAndRefs(off, size, 0)
	p.clearTag(off, 0xff)
	p.setTag(off, tagFree)
	l.bytes += size

	// Skip until the next range is at least the target size.
	insDst := &l.ranges
	for *insDst != nil && (*insDst).size < size {
		insDst = &(*insDst).nextLen
	}

	next := *insDst
	if next != nil && next.size == size {
		next.nextWithLen = &freeRangeMore{ref: ref, next: next.nextWithLen}
	} else {
		*insDst = &freeRange{
			size:    size,
			ref:     ref,
			nextLen: next,
		}
	}
}

// pop removes a chunk of at least size bytes and returns an object of size
// bytes at its start, zeroed, with only its size in the header. The leftover
// goes back on the list. It returns Nil if no chunk is large enough.
func (l *freeList) pop(size uintptr) Ref {
	remDst := &l.ranges
	for *remDst != nil && (*remDst).size < size {
		remDst = &(*remDst).nextLen
	}
	rangeWithSize := *remDst
	if rangeWithSize == nil {
		return Nil
	}
	removed := rangeWithSize.size

	var ref Ref
	if more := rangeWithSize.nextWithLen; more != nil {
		rangeWithSize.nextWithLen = more.next
		ref = more.ref
	} else {
		*remDst = rangeWithSize.nextLen
		ref = rangeWithSize.ref
	}
	l.bytes -= removed

	p := l.heap.pageOf(ref)
	off := ref.offset()
	if !p.hasTag(off, tagFree) || p.objectSize(off) != removed {
		l.heap.fatal(ErrInvariantViolation, "corrupted free list: chunk %v is not free", ref)
	}
	if removed-size >= minChunkSize {
		l.insert(makeRef(p.index, off+size), removed-size)
	} else {
		size = removed
	}
	clear(p.arena[off/wordSize : (off+size)/wordSize])
	p.setSizeAndRefs(off, size, 0)
	return ref
}

// reset empties the list. The chunks stay in their pages as free objects.
func (l *freeList) reset() {
	l.ranges = nil
	l.bytes = 0
}

// counts returns the number of chunks per chunk size, by increasing size.
func (l *freeList) counts() (sizes []uintptr, counts []int) {
	for r := l.ranges; r != nil; r = r.nextLen {
		n := 1
		for more := r.nextWithLen; more != nil; more = more.next {
			n++
		}
		sizes = append(sizes, r.size)
		counts = append(counts, n)
	}
	return sizes, counts
}
