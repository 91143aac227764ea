package vm

import "testing"

// typeError and valueError stand in for exception type objects; the handler
// search only compares filters through the matches predicate.
type excType struct{ name string }

var (
	typeError  = &excType{name: "TypeError"}
	valueError = &excType{name: "ValueError"}
)

// matchExact treats a filter as matching when it is the same type object.
func matchExact(raised *excType) func(Value) bool {
	return func(filter Value) bool {
		return filter == Value(raised)
	}
}

func exceptOnly(offset int, filter Value) TryBlock {
	return TryBlock{ExceptOffset: offset, FinallyOffset: -1, Filter: filter}
}

func finallyOnly(offset int) TryBlock {
	return TryBlock{ExceptOffset: -1, FinallyOffset: offset}
}

// ---------------------------------------------------------------------------
// Try region stack
// ---------------------------------------------------------------------------

func TestTryRegionStack(t *testing.T) {
	es := NewExceptionState()

	if es.InTryBlock() || es.TryDepth() != 0 {
		t.Error("fresh state has active try regions")
	}
	if _, ok := es.PopTry(); ok {
		t.Error("PopTry() on empty stack reported ok")
	}
	if _, ok := es.TopTry(); ok {
		t.Error("TopTry() on empty stack reported ok")
	}

	es.PushTry(exceptOnly(10, nil))
	es.PushTry(finallyOnly(20))

	if es.TryDepth() != 2 || !es.InTryBlock() {
		t.Fatalf("TryDepth() = %d, want 2", es.TryDepth())
	}
	top, ok := es.TopTry()
	if !ok || top.FinallyOffset != 20 {
		t.Errorf("TopTry() = %+v", top)
	}
	if es.TryDepth() != 2 {
		t.Error("TopTry() modified the stack")
	}

	tb, ok := es.PopTry()
	if !ok || tb.FinallyOffset != 20 {
		t.Errorf("PopTry() = %+v", tb)
	}
	tb, ok = es.PopTry()
	if !ok || tb.ExceptOffset != 10 {
		t.Errorf("PopTry() = %+v", tb)
	}
}

func TestTryBlockClauses(t *testing.T) {
	both := TryBlock{ExceptOffset: 5, FinallyOffset: 9}
	if !both.HasExcept() || !both.HasFinally() {
		t.Error("offsets >= 0 must report their clauses")
	}
	if exceptOnly(5, nil).HasFinally() {
		t.Error("except-only region reports a finally clause")
	}
	if finallyOnly(9).HasExcept() {
		t.Error("finally-only region reports an except clause")
	}
}

func TestUnwindTryTo(t *testing.T) {
	es := NewExceptionState()
	for i := 0; i < 4; i++ {
		es.PushTry(exceptOnly(i*10, nil))
	}

	es.UnwindTryTo(6) // above current depth: no change
	if es.TryDepth() != 4 {
		t.Errorf("TryDepth() = %d, want 4", es.TryDepth())
	}

	es.UnwindTryTo(1)
	if es.TryDepth() != 1 {
		t.Errorf("TryDepth() = %d, want 1", es.TryDepth())
	}
	if top, _ := es.TopTry(); top.ExceptOffset != 0 {
		t.Errorf("surviving region = %+v, want the outermost", top)
	}

	es.UnwindTryTo(-2)
	if es.TryDepth() != 0 {
		t.Errorf("TryDepth() = %d, want 0", es.TryDepth())
	}
}

// ---------------------------------------------------------------------------
// Handler search
// ---------------------------------------------------------------------------

func TestFindHandlerCatchAll(t *testing.T) {
	es := NewExceptionState()
	es.PushTry(exceptOnly(10, nil))

	h, ok := es.FindHandler(matchExact(typeError))
	if !ok || h.Offset != 10 || h.IsFinally {
		t.Errorf("FindHandler() = (%+v, %v), want except at 10", h, ok)
	}
	if es.TryDepth() != 1 {
		t.Error("FindHandler() modified the try stack")
	}
}

func TestFindHandlerTypeFilter(t *testing.T) {
	es := NewExceptionState()
	es.PushTry(exceptOnly(10, typeError))

	if h, ok := es.FindHandler(matchExact(typeError)); !ok || h.Offset != 10 {
		t.Errorf("matching filter: FindHandler() = (%+v, %v)", h, ok)
	}
	if _, ok := es.FindHandler(matchExact(valueError)); ok {
		t.Error("non-matching filter claimed the exception")
	}
}

func TestFindHandlerNilPredicateMatchesOnlyCatchAll(t *testing.T) {
	es := NewExceptionState()
	es.PushTry(exceptOnly(10, typeError))

	if _, ok := es.FindHandler(nil); ok {
		t.Error("typed filter matched without a predicate")
	}

	es.PushTry(exceptOnly(20, nil))
	h, ok := es.FindHandler(nil)
	if !ok || h.Offset != 20 {
		t.Errorf("FindHandler(nil) = (%+v, %v), want catch-all at 20", h, ok)
	}
}

func TestFindHandlerInnermostWins(t *testing.T) {
	es := NewExceptionState()
	es.PushTry(exceptOnly(10, nil))
	es.PushTry(exceptOnly(20, nil))

	h, ok := es.FindHandler(matchExact(typeError))
	if !ok || h.Offset != 20 {
		t.Errorf("FindHandler() = (%+v, %v), want the inner region", h, ok)
	}
}

func TestFindHandlerSkipsNonMatchingExcept(t *testing.T) {
	es := NewExceptionState()
	es.PushTry(exceptOnly(10, nil))        // outer: catch-all
	es.PushTry(exceptOnly(20, valueError)) // inner: wrong type

	h, ok := es.FindHandler(matchExact(typeError))
	if !ok || h.Offset != 10 {
		t.Errorf("FindHandler() = (%+v, %v), want the outer catch-all", h, ok)
	}
}

func TestFindHandlerFinallyIntercepts(t *testing.T) {
	es := NewExceptionState()
	es.PushTry(exceptOnly(10, nil)) // outer: would match
	es.PushTry(finallyOnly(30))     // inner: must run first

	h, ok := es.FindHandler(matchExact(typeError))
	if !ok || !h.IsFinally || h.Offset != 30 {
		t.Errorf("FindHandler() = (%+v, %v), want the inner finally", h, ok)
	}
}

func TestFindHandlerFinallyInterceptsAfterSkippedExcept(t *testing.T) {
	es := NewExceptionState()
	es.PushTry(finallyOnly(40))            // outermost
	es.PushTry(exceptOnly(20, valueError)) // skipped: wrong type
	es.PushTry(TryBlock{ExceptOffset: -1, FinallyOffset: 30})

	h, ok := es.FindHandler(matchExact(typeError))
	if !ok || !h.IsFinally || h.Offset != 30 {
		t.Errorf("FindHandler() = (%+v, %v), want finally at 30", h, ok)
	}
}

func TestFindHandlerRegionWithBothClauses(t *testing.T) {
	es := NewExceptionState()
	es.PushTry(TryBlock{ExceptOffset: 10, FinallyOffset: 30, Filter: typeError})

	// Matching exception goes to the except clause.
	if h, ok := es.FindHandler(matchExact(typeError)); !ok || h.IsFinally || h.Offset != 10 {
		t.Errorf("matching: FindHandler() = (%+v, %v)", h, ok)
	}
	// Non-matching exception still runs the finally suite.
	if h, ok := es.FindHandler(matchExact(valueError)); !ok || !h.IsFinally || h.Offset != 30 {
		t.Errorf("non-matching: FindHandler() = (%+v, %v)", h, ok)
	}
}

func TestFindHandlerNoRegions(t *testing.T) {
	es := NewExceptionState()
	if _, ok := es.FindHandler(matchExact(typeError)); ok {
		t.Error("handler found with no try regions")
	}
}

func TestFindFinallyHandlerSkipsExceptOnly(t *testing.T) {
	es := NewExceptionState()
	es.PushTry(finallyOnly(40))
	es.PushTry(exceptOnly(20, nil))

	h, ok := es.FindFinallyHandler()
	if !ok || h.Offset != 40 || !h.IsFinally {
		t.Errorf("FindFinallyHandler() = (%+v, %v), want finally at 40", h, ok)
	}

	es2 := NewExceptionState()
	es2.PushTry(exceptOnly(20, nil))
	if _, ok := es2.FindFinallyHandler(); ok {
		t.Error("finally handler found among except-only regions")
	}
}

func TestHandlerCarriesTryBlock(t *testing.T) {
	es := NewExceptionState()
	tb := TryBlock{
		ExceptOffset:  10,
		FinallyOffset: -1,
		StackDepth:    3,
		BlockDepth:    1,
		Filter:        nil,
		BindName:      "err",
	}
	es.PushTry(tb)

	h, ok := es.FindHandler(nil)
	if !ok {
		t.Fatal("FindHandler() found nothing")
	}
	if h.Try.StackDepth != 3 || h.Try.BlockDepth != 1 || h.Try.BindName != "err" {
		t.Errorf("Handler.Try = %+v, want the pushed region", h.Try)
	}
}

// ---------------------------------------------------------------------------
// Current exception and chaining
// ---------------------------------------------------------------------------

func TestCurrentExceptionChaining(t *testing.T) {
	es := NewExceptionState()

	if es.HandlingException() || es.CurrentException() != nil {
		t.Error("fresh state is handling an exception")
	}

	es.SetCurrentException(typeError)
	if !es.HandlingException() || es.CurrentException() != Value(typeError) {
		t.Errorf("CurrentException() = %v", es.CurrentException())
	}
	if es.ContextDepth() != 0 {
		t.Errorf("ContextDepth() = %d, want 0", es.ContextDepth())
	}

	// A second exception during handling chains behind the first.
	es.SetCurrentException(valueError)
	if es.CurrentException() != Value(valueError) {
		t.Errorf("CurrentException() = %v", es.CurrentException())
	}
	if es.ContextDepth() != 1 {
		t.Errorf("ContextDepth() = %d, want 1", es.ContextDepth())
	}

	// Ending the inner handler restores the outer exception.
	if restored := es.PopExceptionContext(); restored != Value(typeError) {
		t.Errorf("PopExceptionContext() = %v, want the outer exception", restored)
	}
	if es.CurrentException() != Value(typeError) {
		t.Error("outer exception not restored")
	}

	if restored := es.PopExceptionContext(); restored != nil {
		t.Errorf("PopExceptionContext() = %v, want nil", restored)
	}
	if es.HandlingException() {
		t.Error("still handling after the chain emptied")
	}

	// Popping past empty stays nil.
	if restored := es.PopExceptionContext(); restored != nil {
		t.Errorf("PopExceptionContext() on empty = %v", restored)
	}
}

// ---------------------------------------------------------------------------
// Finally tracking and pending control flow
// ---------------------------------------------------------------------------

func TestFinallyNesting(t *testing.T) {
	es := NewExceptionState()

	if es.InFinally() {
		t.Error("fresh state is in a finally suite")
	}
	es.EnterFinally()
	es.EnterFinally()
	if !es.InFinally() {
		t.Error("InFinally() = false inside nested suites")
	}
	es.LeaveFinally()
	if !es.InFinally() {
		t.Error("InFinally() = false with one suite still active")
	}
	es.LeaveFinally()
	if es.InFinally() {
		t.Error("InFinally() = true after leaving all suites")
	}
	es.LeaveFinally() // floor at zero
	if es.InFinally() {
		t.Error("finally depth went negative")
	}
}

func TestPendingReturn(t *testing.T) {
	es := NewExceptionState()

	if _, ok := es.TakePendingReturn(); ok {
		t.Error("TakePendingReturn() on empty register reported ok")
	}

	es.SetPendingReturn(1)
	es.SetPendingReturn(2) // newer action replaces the parked one
	if !es.HasPendingReturn() {
		t.Fatal("HasPendingReturn() = false after set")
	}

	v, ok := es.TakePendingReturn()
	if !ok || v != 2 {
		t.Errorf("TakePendingReturn() = (%v, %v), want (2, true)", v, ok)
	}
	if es.HasPendingReturn() {
		t.Error("register still set after take")
	}
	if _, ok := es.TakePendingReturn(); ok {
		t.Error("second take reported ok")
	}
}

func TestPendingException(t *testing.T) {
	es := NewExceptionState()

	es.SetPendingException(typeError)
	if !es.HasPendingException() {
		t.Fatal("HasPendingException() = false after set")
	}
	v, ok := es.TakePendingException()
	if !ok || v != Value(typeError) {
		t.Errorf("TakePendingException() = (%v, %v)", v, ok)
	}
	if es.HasPendingException() {
		t.Error("register still set after take")
	}
}

func TestClearResetsEverything(t *testing.T) {
	es := NewExceptionState()
	es.PushTry(exceptOnly(10, nil))
	es.SetCurrentException(typeError)
	es.SetCurrentException(valueError)
	es.EnterFinally()
	es.SetPendingReturn(1)
	es.SetPendingException(typeError)

	es.Clear()

	if es.InTryBlock() || es.TryDepth() != 0 {
		t.Error("try regions survived Clear()")
	}
	if es.HandlingException() || es.ContextDepth() != 0 {
		t.Error("exception chain survived Clear()")
	}
	if es.InFinally() {
		t.Error("finally depth survived Clear()")
	}
	if es.HasPendingReturn() || es.HasPendingException() {
		t.Error("pending registers survived Clear()")
	}
}
