package memory

import "sync"

// forwardingTable maps the old location of every object relocated in the
// current cycle to its new location. A table lives for a single cycle: it is
// installed when the first object moves and retired once every reference to
// an old location has been rewritten.
type forwardingTable struct {
	mu      sync.RWMutex
	entries map[Ref]Ref
}

func newForwardingTable() *forwardingTable {
	return &forwardingTable{entries: make(map[Ref]Ref)}
}

func (t *forwardingTable) record(from, to Ref) {
	t.mu.Lock()
	t.entries[from] = to
	t.mu.Unlock()
}

func (t *forwardingTable) lookup(from Ref) (Ref, bool) {
	t.mu.RLock()
	to, ok := t.entries[from]
	t.mu.RUnlock()
	return to, ok
}

func (t *forwardingTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// installForwarding starts a new cycle-scoped forwarding table.
func (h *Heap) installForwarding() *forwardingTable {
	t := newForwardingTable()
	if !h.fwd.CompareAndSwap(nil, t) {
		h.fatal(ErrInvariantViolation, "forwarding table installed twice in one cycle")
	}
	return t
}

// retireForwarding drops the forwarding table of the current cycle. It returns
// the number of objects that were relocated.
func (h *Heap) retireForwarding() int {
	t := h.fwd.Swap(nil)
	if t == nil {
		return 0
	}
	return t.len()
}

// forwardedTo returns the new location of a relocated object.
func (h *Heap) forwardedTo(ref Ref) Ref {
	t := h.fwd.Load()
	if t == nil {
		h.fatal(ErrInvariantViolation, "object %v is forwarded outside of a cycle", ref)
	}
	to, ok := t.lookup(ref)
	if !ok {
		h.fatal(ErrInvariantViolation, "object %v is forwarded but has no forwarding record", ref)
	}
	return to
}

// forward records that the object at from now lives at to and flags the old
// copy.
func (h *Heap) forward(t *forwardingTable, from, to Ref) {
	t.record(from, to)
	p := h.pageOf(from)
	p.forwarded.Store(true)
	p.setTag(from.offset(), tagForwarded)
}

// Resolve returns the current location of the object referenced by ref,
// following the forwarding record if the object has been relocated in the
// cycle that is running. It never waits: an object that is being copied right
// now still resolves to its old location, and accessing it through the old
// location waits for the copy to finish.
func (h *Heap) Resolve(ref Ref) Ref {
	for ref != Nil {
		t := h.fwd.Load()
		if t == nil {
			return ref
		}
		p := h.pageOf(ref)
		if !p.forwarded.Load() || !p.hasTag(ref.offset(), tagForwarded) {
			return ref
		}
		to, ok := t.lookup(ref)
		if !ok {
			h.fatal(ErrInvariantViolation, "object %v is forwarded but has no forwarding record", ref)
		}
		ref = to
	}
	return ref
}
