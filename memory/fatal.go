package memory

import (
	"errors"
	"fmt"
	"os"
)

// Set gcAsserts to true to validate the object header behind every reference
// the mutator access path touches. The collectors always validate the headers
// they trace.
const gcAsserts = true

// Kinds of fatal errors. A FatalError wraps one of them.
var (
	ErrAllocationOverrun  = errors.New("allocation overrun")
	ErrHeapExhausted      = errors.New("heap exhausted")
	ErrInvariantViolation = errors.New("invariant violation")
)

// FatalError describes an unrecoverable heap failure. The heap never returns
// one: it is reported to the fatal hooks and the process exits.
type FatalError struct {
	Kind error
	Msg  string
}

func (e *FatalError) Error() string {
	return "gc: " + e.Kind.Error() + ": " + e.Msg
}

func (e *FatalError) Unwrap() error {
	return e.Kind
}

// OnFatal registers fn to run before the process exits on a fatal heap error.
// The heap lock may be held when fn runs: fn must only use the lock-free
// accessors NumGC and GCTime.
func (h *Heap) OnFatal(fn func(err error)) {
	h.hooksMu.Lock()
	h.fatalHooks = append(h.fatalHooks, fn)
	h.hooksMu.Unlock()
}

// fatal reports an unrecoverable error and terminates the process. It never
// returns: if the configured exit function returns, fatal panics with the
// error instead.
func (h *Heap) fatal(kind error, format string, args ...any) {
	err := &FatalError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	if h == nil {
		panic(err)
	}
	h.log.Error("fatal heap error", "kind", kind.Error(), "msg", err.Msg)

	h.hooksMu.Lock()
	hooks := h.fatalHooks
	h.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}

	exit := h.cfg.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(1)
	panic(err)
}
