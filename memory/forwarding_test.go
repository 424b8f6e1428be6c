package memory

import "testing"

func TestForwarding(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: 8 * 1024, PageSize: 1024, Strategy: Copying})
	p := h.takePage(nil, regionDefault)
	from := p.AllocateObject(32)
	to := p.AllocateObject(32)
	other := p.AllocateObject(32)

	if got := h.Resolve(from); got != from {
		t.Errorf("Resolve returned %v without a forwarding table, want %v", got, from)
	}

	fwd := h.installForwarding()
	h.forward(fwd, from, to)
	if got := h.Resolve(from); got != to {
		t.Errorf("Resolve(%v) returned %v, want %v", from, got, to)
	}
	if got := h.Resolve(other); got != other {
		t.Errorf("Resolve(%v) returned %v for an object that did not move", other, got)
	}
	if got := h.forwardedTo(from); got != to {
		t.Errorf("forwardedTo(%v) returned %v, want %v", from, got, to)
	}
	if !p.hasTag(from.offset(), tagForwarded) {
		t.Errorf("old copy %v is not flagged forwarded", from)
	}
	expectFatal(t, ErrInvariantViolation, func() {
		h.forwardedTo(other)
	})
	expectFatal(t, ErrInvariantViolation, func() {
		h.installForwarding()
	})

	if n := h.retireForwarding(); n != 1 {
		t.Errorf("retireForwarding returned %d, want 1", n)
	}
	if n := h.retireForwarding(); n != 0 {
		t.Errorf("second retireForwarding returned %d, want 0", n)
	}
	expectFatal(t, ErrInvariantViolation, func() {
		h.forwardedTo(from)
	})
}
