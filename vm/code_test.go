package vm

import (
	"bytes"
	"testing"
)

// ---------------------------------------------------------------------------
// CodeObject construction tests
// ---------------------------------------------------------------------------

func testCodeParams() CodeObjectParams {
	return CodeObjectParams{
		Name:      "f",
		QualName:  "mod.f",
		Filename:  "mod.py",
		FirstLine: 10,
		ArgCount:  2,
		NumLocals: 3,
		StackSize: 4,
		Code:      []byte{byte(OpLoadFast), 0, byte(OpReturnValue)},
		Constants: []Constant{NoneConst(), IntConst(1)},
		Names:     []string{"print"},
		VarNames:  []string{"a", "b", "tmp"},
		FreeVars:  []string{"outer"},
		CellVars:  []string{"shared"},
		Lines:     []LineEntry{{Offset: 0, Line: 10}, {Offset: 2, Line: 11}},
	}
}

func TestNewCodeObjectAccessors(t *testing.T) {
	co := NewCodeObject(testCodeParams())

	if co.Name() != "f" {
		t.Errorf("Name() = %q", co.Name())
	}
	if co.QualName() != "mod.f" {
		t.Errorf("QualName() = %q", co.QualName())
	}
	if co.Filename() != "mod.py" {
		t.Errorf("Filename() = %q", co.Filename())
	}
	if co.FirstLine() != 10 {
		t.Errorf("FirstLine() = %d", co.FirstLine())
	}
	if co.ArgCount() != 2 || co.NumLocals() != 3 || co.StackSize() != 4 {
		t.Errorf("counts = (%d, %d, %d), want (2, 3, 4)",
			co.ArgCount(), co.NumLocals(), co.StackSize())
	}
	if co.NumCells() != 1 || co.NumFreeVars() != 1 {
		t.Errorf("cells/free = (%d, %d), want (1, 1)", co.NumCells(), co.NumFreeVars())
	}
	if !bytes.Equal(co.Code(), []byte{byte(OpLoadFast), 0, byte(OpReturnValue)}) {
		t.Errorf("Code() = %v", co.Code())
	}
}

func TestNewCodeObjectCopiesInputs(t *testing.T) {
	params := testCodeParams()
	co := NewCodeObject(params)

	params.Code[0] = 0xFF
	params.Constants[0] = IntConst(99)
	params.Names[0] = "mutated"
	params.VarNames[0] = "mutated"
	params.Lines[0] = LineEntry{Offset: 0, Line: 999}

	if co.Code()[0] == 0xFF {
		t.Error("Code shares caller slice")
	}
	if c, _ := co.ConstantAt(0); c.Kind() != KindNone {
		t.Error("Constants share caller slice")
	}
	if name, _ := co.NameAt(0); name != "print" {
		t.Error("Names share caller slice")
	}
	if name, _ := co.VarNameAt(0); name != "a" {
		t.Error("VarNames share caller slice")
	}
	if co.LineForOffset(0) != 10 {
		t.Error("Lines share caller slice")
	}
}

func TestCodeObjectSliceAccessorsCopy(t *testing.T) {
	co := NewCodeObject(testCodeParams())

	names := co.Names()
	names[0] = "mutated"
	if name, _ := co.NameAt(0); name != "print" {
		t.Error("Names() exposes internals")
	}

	consts := co.Constants()
	consts[0] = IntConst(5)
	if c, _ := co.ConstantAt(0); c.Kind() != KindNone {
		t.Error("Constants() exposes internals")
	}
}

func TestCodeObjectBoundsChecks(t *testing.T) {
	co := NewCodeObject(testCodeParams())

	if _, ok := co.ConstantAt(-1); ok {
		t.Error("ConstantAt(-1) reported ok")
	}
	if _, ok := co.ConstantAt(2); ok {
		t.Error("ConstantAt(2) reported ok")
	}
	if _, ok := co.NameAt(1); ok {
		t.Error("NameAt(1) reported ok")
	}
	if _, ok := co.VarNameAt(3); ok {
		t.Error("VarNameAt(3) reported ok")
	}
}

func TestQualNameDefaultsToName(t *testing.T) {
	co := NewCodeObject(CodeObjectParams{Name: "g"})
	if co.QualName() != "g" {
		t.Errorf("QualName() = %q, want %q", co.QualName(), "g")
	}
}

// ---------------------------------------------------------------------------
// Flags and line table tests
// ---------------------------------------------------------------------------

func TestCodeFlags(t *testing.T) {
	gen := NewCodeObject(CodeObjectParams{Name: "g", Flags: CodeFlagGenerator})
	if !gen.IsGenerator() || gen.IsCoroutine() {
		t.Error("generator flags misreported")
	}

	coro := NewCodeObject(CodeObjectParams{Name: "c", Flags: CodeFlagCoroutine})
	if !coro.IsCoroutine() || coro.IsGenerator() {
		t.Error("coroutine flags misreported")
	}

	agen := NewCodeObject(CodeObjectParams{Name: "ag", Flags: CodeFlagAsyncGenerator})
	if !agen.IsAsyncGenerator() {
		t.Error("async generator flag misreported")
	}
}

func TestLineForOffset(t *testing.T) {
	co := NewCodeObject(CodeObjectParams{
		Name:      "f",
		FirstLine: 5,
		Code:      make([]byte, 12),
		Lines: []LineEntry{
			{Offset: 0, Line: 5},
			{Offset: 4, Line: 7},
			{Offset: 10, Line: 9},
		},
	})

	tests := []struct {
		offset, line int
	}{
		{0, 5},
		{3, 5},
		{4, 7},
		{9, 7},
		{10, 9},
		{100, 9},
	}
	for _, tt := range tests {
		if got := co.LineForOffset(tt.offset); got != tt.line {
			t.Errorf("LineForOffset(%d) = %d, want %d", tt.offset, got, tt.line)
		}
	}
}

func TestLineForOffsetWithoutTable(t *testing.T) {
	co := NewCodeObject(CodeObjectParams{Name: "f", FirstLine: 3})
	if got := co.LineForOffset(0); got != 3 {
		t.Errorf("LineForOffset without table = %d, want FirstLine 3", got)
	}
}
