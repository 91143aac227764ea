package vm

// ---------------------------------------------------------------------------
// Exception Handling Infrastructure
// ---------------------------------------------------------------------------

// TryBlock records one entered try region. The SETUP pseudo-instructions
// push these; the depths snapshot where the operand and block stacks stood
// at entry so an unwind can restore them.
type TryBlock struct {
	ExceptOffset  int // handler offset, -1 when the region has no except clause
	FinallyOffset int // finally offset, -1 when the region has no finally clause

	StackDepth int // operand stack depth at entry
	BlockDepth int // frame block stack depth at entry

	Filter   Value  // exception type filter; nil catches everything
	BindName string // name the handler binds the exception to, "" for none
}

// HasExcept reports whether the region has an except clause.
func (tb TryBlock) HasExcept() bool { return tb.ExceptOffset >= 0 }

// HasFinally reports whether the region has a finally clause.
func (tb TryBlock) HasFinally() bool { return tb.FinallyOffset >= 0 }

// Handler is the resolution of a handler search: where control should
// transfer and which try region claimed the exception.
type Handler struct {
	Offset    int
	IsFinally bool
	Try       TryBlock
}

// ---------------------------------------------------------------------------
// ExceptionState
// ---------------------------------------------------------------------------

// ExceptionState tracks the exception machinery of one execution context:
// the stack of entered try regions, the exception currently being handled
// (with the chain of outer exceptions behind it), whether control is inside
// a finally suite, and the single-slot registers for control flow that a
// finally suite has postponed.
//
// The state is per-context, not per-frame: an exception raised three calls
// deep unwinds through the try regions of every frame between the raise and
// the handler.
type ExceptionState struct {
	tryBlocks []TryBlock

	// Exception being handled, with outer handled exceptions stacked
	// behind it for implicit chaining.
	current  Value
	contexts []Value

	// Nesting depth of finally suites currently executing.
	finallyDepth int

	// Control flow postponed by an intercepting finally. Single slots: a
	// new pending action replaces the old one.
	pendingReturn    Value
	hasPendingReturn bool
	pendingExc       Value
	hasPendingExc    bool
}

// NewExceptionState creates an empty exception state.
func NewExceptionState() *ExceptionState {
	return &ExceptionState{}
}

// Clear resets all state: try regions, current exception, chaining,
// finally depth, and pending registers.
func (es *ExceptionState) Clear() {
	es.tryBlocks = es.tryBlocks[:0]
	es.current = nil
	es.contexts = es.contexts[:0]
	es.finallyDepth = 0
	es.pendingReturn = nil
	es.hasPendingReturn = false
	es.pendingExc = nil
	es.hasPendingExc = false
}

// ---------------------------------------------------------------------------
// Try region stack
// ---------------------------------------------------------------------------

// PushTry records entry into a try region.
func (es *ExceptionState) PushTry(tb TryBlock) {
	es.tryBlocks = append(es.tryBlocks, tb)
}

// PopTry removes and returns the innermost try region. An empty stack
// returns false.
func (es *ExceptionState) PopTry() (TryBlock, bool) {
	if len(es.tryBlocks) == 0 {
		return TryBlock{}, false
	}
	tb := es.tryBlocks[len(es.tryBlocks)-1]
	es.tryBlocks = es.tryBlocks[:len(es.tryBlocks)-1]
	return tb, true
}

// TopTry returns the innermost try region without removing it.
func (es *ExceptionState) TopTry() (TryBlock, bool) {
	if len(es.tryBlocks) == 0 {
		return TryBlock{}, false
	}
	return es.tryBlocks[len(es.tryBlocks)-1], true
}

// TryDepth returns the number of entered try regions.
func (es *ExceptionState) TryDepth() int { return len(es.tryBlocks) }

// InTryBlock reports whether any try region is active.
func (es *ExceptionState) InTryBlock() bool { return len(es.tryBlocks) > 0 }

// UnwindTryTo pops try regions until at most depth remain. Frame returns
// use this to drop the regions the returning frame entered.
func (es *ExceptionState) UnwindTryTo(depth int) {
	if depth < 0 {
		depth = 0
	}
	if depth < len(es.tryBlocks) {
		es.tryBlocks = es.tryBlocks[:depth]
	}
}

// ---------------------------------------------------------------------------
// Handler search
// ---------------------------------------------------------------------------

// FindHandler resolves where a raised exception should transfer control,
// scanning try regions innermost first. The matches predicate decides
// whether a region's type filter applies to the in-flight exception; nil
// filters are catch-all and match unconditionally.
//
// For each region, an except clause whose filter matches claims the
// exception. Otherwise a finally clause intercepts the search: control must
// run the finally suite before the exception may travel further out, so
// the scan stops there. Regions with a non-matching except and no finally
// are skipped. Returns false when no region claims the exception, leaving
// it to terminate the context.
//
// The try stack is not modified; the caller unwinds to the claiming region
// once control actually transfers.
func (es *ExceptionState) FindHandler(matches func(filter Value) bool) (Handler, bool) {
	for i := len(es.tryBlocks) - 1; i >= 0; i-- {
		tb := es.tryBlocks[i]
		if tb.HasExcept() && (tb.Filter == nil || (matches != nil && matches(tb.Filter))) {
			return Handler{Offset: tb.ExceptOffset, Try: tb}, true
		}
		if tb.HasFinally() {
			return Handler{Offset: tb.FinallyOffset, IsFinally: true, Try: tb}, true
		}
	}
	return Handler{}, false
}

// FindFinallyHandler returns the innermost region with a finally clause,
// skipping except-only regions. Return and break statements use this to
// locate finally suites that must run before control leaves.
func (es *ExceptionState) FindFinallyHandler() (Handler, bool) {
	for i := len(es.tryBlocks) - 1; i >= 0; i-- {
		tb := es.tryBlocks[i]
		if tb.HasFinally() {
			return Handler{Offset: tb.FinallyOffset, IsFinally: true, Try: tb}, true
		}
	}
	return Handler{}, false
}

// ---------------------------------------------------------------------------
// Current exception and chaining
// ---------------------------------------------------------------------------

// SetCurrentException installs exc as the exception being handled. An
// exception already in flight is pushed onto the context chain first, which
// is what makes "during handling of X, Y occurred" reconstructible.
func (es *ExceptionState) SetCurrentException(exc Value) {
	if es.current != nil {
		es.contexts = append(es.contexts, es.current)
	}
	es.current = exc
}

// CurrentException returns the exception being handled, or nil.
func (es *ExceptionState) CurrentException() Value { return es.current }

// HandlingException reports whether an exception is being handled.
func (es *ExceptionState) HandlingException() bool { return es.current != nil }

// PopExceptionContext ends handling of the current exception and restores
// the next outer one, returning the newly current exception (nil when the
// chain is empty).
func (es *ExceptionState) PopExceptionContext() Value {
	if n := len(es.contexts); n > 0 {
		es.current = es.contexts[n-1]
		es.contexts[n-1] = nil
		es.contexts = es.contexts[:n-1]
	} else {
		es.current = nil
	}
	return es.current
}

// ContextDepth returns how many outer exceptions are stacked behind the
// current one.
func (es *ExceptionState) ContextDepth() int { return len(es.contexts) }

// ---------------------------------------------------------------------------
// Finally tracking
// ---------------------------------------------------------------------------

// EnterFinally marks entry into a finally suite. Suites nest.
func (es *ExceptionState) EnterFinally() {
	es.finallyDepth++
}

// LeaveFinally marks exit from a finally suite.
func (es *ExceptionState) LeaveFinally() {
	if es.finallyDepth > 0 {
		es.finallyDepth--
	}
}

// InFinally reports whether control is inside any finally suite.
func (es *ExceptionState) InFinally() bool { return es.finallyDepth > 0 }

// ---------------------------------------------------------------------------
// Pending control flow
// ---------------------------------------------------------------------------
//
// When a return or a raise is intercepted by a finally suite, the action is
// parked here while the suite runs and resumed when it completes. Each
// register holds a single action: a newer one replaces whatever was parked,
// matching the rule that a return from inside a finally suite wins over the
// return or exception that triggered it.

// SetPendingReturn parks a return value to resume after finally suites run.
func (es *ExceptionState) SetPendingReturn(v Value) {
	es.pendingReturn = v
	es.hasPendingReturn = true
}

// TakePendingReturn removes and returns the parked return value.
func (es *ExceptionState) TakePendingReturn() (Value, bool) {
	if !es.hasPendingReturn {
		return nil, false
	}
	v := es.pendingReturn
	es.pendingReturn = nil
	es.hasPendingReturn = false
	return v, true
}

// HasPendingReturn reports whether a return value is parked.
func (es *ExceptionState) HasPendingReturn() bool { return es.hasPendingReturn }

// SetPendingException parks an in-flight exception to re-raise after
// finally suites run.
func (es *ExceptionState) SetPendingException(exc Value) {
	es.pendingExc = exc
	es.hasPendingExc = true
}

// TakePendingException removes and returns the parked exception.
func (es *ExceptionState) TakePendingException() (Value, bool) {
	if !es.hasPendingExc {
		return nil, false
	}
	v := es.pendingExc
	es.pendingExc = nil
	es.hasPendingExc = false
	return v, true
}

// HasPendingException reports whether an exception is parked.
func (es *ExceptionState) HasPendingException() bool { return es.hasPendingExc }
