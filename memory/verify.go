package memory

import (
	"fmt"
	"sync/atomic"
)

// exclusiveCollector is implemented by collectors with background cycles.
// exclusive waits for the cycle in progress and keeps new ones from starting
// until the returned function is called.
type exclusiveCollector interface {
	exclusive() (release func())
}

// Verify checks the heap: every issued page walks cleanly up to its cursor,
// no forwarding table outlives its cycle, and every reference reachable from
// the roots points to a valid object that has not been relocated or freed.
//
// m is the calling mutator, or nil. Verify stops the world while it runs.
// It returns the first problem found.
func (h *Heap) Verify(m *Mutator) error {
	if ec, ok := h.collector.(exclusiveCollector); ok {
		release := ec.exclusive()
		defer release()
	}
	for !h.world.stopTheWorld(m) {
	}
	defer h.world.startTheWorld()

	if t := h.fwd.Load(); t != nil {
		return fmt.Errorf("forwarding table with %d records outside of a cycle", t.len())
	}
	for _, p := range h.issuedPages() {
		if err := verifyPage(p); err != nil {
			return err
		}
	}

	seen := make(map[Ref]bool)
	var stack []Ref
	var err error
	check := func(ref Ref, from string) {
		if err != nil || ref == Nil || seen[ref] {
			return
		}
		if err = h.verifyRef(ref); err != nil {
			err = fmt.Errorf("%s: %w", from, err)
			return
		}
		seen[ref] = true
		stack = append(stack, ref)
	}
	h.walkRoots(func(slot *Ref) {
		check(Ref(atomic.LoadUint64((*uint64)(slot))), "root")
	})
	for err == nil && len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p, off := h.pages()[ref.pageIndex()], ref.offset()
		for i, n := 0, p.numRefs(off); i < n; i++ {
			check(Ref(atomic.LoadUint64(p.slot(off, i))), fmt.Sprintf("slot %d of %v", i, ref))
		}
	}
	return err
}

func (h *Heap) verifyRef(ref Ref) error {
	pages := h.pages()
	i := ref.pageIndex()
	if i < 0 || i >= len(pages) {
		return fmt.Errorf("reference %v points outside the heap", ref)
	}
	p := pages[i]
	if st := p.pageState(); st != pageInUse && st != pageFull {
		return fmt.Errorf("reference %v points into a %s page", ref, st)
	}
	off := ref.offset()
	if off%wordSize != 0 || off+headerSize > p.Used() {
		return fmt.Errorf("reference %v points past the cursor of page %d", ref, i)
	}
	switch {
	case !p.validObject(off):
		return fmt.Errorf("invalid object header at %v", ref)
	case p.hasTag(off, tagForwarded):
		return fmt.Errorf("reference %v to a relocated object", ref)
	case p.hasTag(off, tagFree):
		return fmt.Errorf("reference %v to a free chunk", ref)
	}
	return nil
}

func verifyPage(p *Page) error {
	end := p.cursor.Load()
	if end > p.end {
		return fmt.Errorf("page %d: cursor %#x past the end %#x", p.index, end, p.end)
	}
	off := uintptr(0)
	for off < end {
		size := p.objectSize(off)
		if size < headerSize || size%wordSize != 0 || off+size > end {
			return fmt.Errorf("page %d: bad object header at %#x (size %d, cursor %#x)", p.index, off, size, end)
		}
		off += size
	}
	return nil
}
