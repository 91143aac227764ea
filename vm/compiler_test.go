package vm

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"
)

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func jumpOperandAt(code []byte, pos int) int16 {
	return int16(uint16(code[pos]) | uint16(code[pos+1])<<8)
}

// ---------------------------------------------------------------------------
// Name interning and emit encodings
// ---------------------------------------------------------------------------

func TestInternNameDeduplicates(t *testing.T) {
	c := NewCompiler()

	x1, err := c.InternName("x")
	if err != nil {
		t.Fatalf("InternName: %v", err)
	}
	y, _ := c.InternName("y")
	x2, _ := c.InternName("x")

	if x1 != 0 || y != 1 {
		t.Errorf("indices = (%d, %d), want (0, 1)", x1, y)
	}
	if x2 != x1 {
		t.Errorf("re-interned index = %d, want %d", x2, x1)
	}
}

func TestInternNameOverflow(t *testing.T) {
	if testing.Short() {
		t.Skip("fills the name table")
	}
	c := NewCompiler()
	for i := 0; i <= math.MaxUint16; i++ {
		if _, err := c.InternName(fmt.Sprintf("n%d", i)); err != nil {
			t.Fatalf("InternName(%d): %v", i, err)
		}
	}
	if _, err := c.InternName("overflow"); !errors.Is(err, ErrTooManyNames) {
		t.Errorf("InternName overflow error = %v, want ErrTooManyNames", err)
	}
}

func TestEmitEncodings(t *testing.T) {
	c := NewCompiler()

	positions := []int{
		c.EmitArg1(OpLoadFast, 3),
		c.EmitArg2(OpLoadConst, 0x0102),
		c.EmitArg4(OpExtendedArg, 0x01020304),
		c.Emit(OpReturnValue),
	}
	wantPositions := []int{0, 2, 5, 10}
	for i, pos := range positions {
		if pos != wantPositions[i] {
			t.Errorf("emit %d position = %d, want %d", i, pos, wantPositions[i])
		}
	}

	co, err := c.Finish(CodeObjectParams{Name: "f"})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	want := []byte{
		byte(OpLoadFast), 3,
		byte(OpLoadConst), 0x02, 0x01,
		byte(OpExtendedArg), 0x04, 0x03, 0x02, 0x01,
		byte(OpReturnValue),
	}
	if !bytes.Equal(co.Code(), want) {
		t.Errorf("Code() = % X, want % X", co.Code(), want)
	}
}

func TestEmitWidthMismatchPanics(t *testing.T) {
	c := NewCompiler()
	expectPanic(t, "Emit(LOAD_CONST)", func() { c.Emit(OpLoadConst) })
	expectPanic(t, "EmitArg1(LOAD_CONST)", func() { c.EmitArg1(OpLoadConst, 0) })
	expectPanic(t, "EmitArg2(NOP)", func() { c.EmitArg2(OpNop, 0) })
	expectPanic(t, "Emit(invalid)", func() { c.Emit(Opcode(0xA7)) })
}

// ---------------------------------------------------------------------------
// Jump labels
// ---------------------------------------------------------------------------

func TestForwardJumpPatch(t *testing.T) {
	c := NewCompiler()
	l := c.NewLabel()

	if _, ok := l.Target(); ok {
		t.Error("fresh label reports resolved")
	}

	c.EmitJump(OpJump, l) // operand at 1..2, falls through to offset 3
	c.Emit(OpNop)         // offset 3
	c.MarkLabel(l)        // offset 4

	if target, ok := l.Target(); !ok || target != 4 {
		t.Errorf("Target() = (%d, %v), want (4, true)", target, ok)
	}

	co, err := c.Finish(CodeObjectParams{Name: "f"})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	// Offsets are relative to the end of the operand: 4 - 3 = 1.
	if got := jumpOperandAt(co.Code(), 1); got != 1 {
		t.Errorf("forward jump operand = %d, want 1", got)
	}
}

func TestBackwardJumpPatch(t *testing.T) {
	c := NewCompiler()
	l := c.NewLabel()

	c.MarkLabel(l) // offset 0
	c.Emit(OpNop)
	c.EmitJump(OpJump, l) // at offset 1, next instruction at 4

	co, err := c.Finish(CodeObjectParams{Name: "f"})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got := jumpOperandAt(co.Code(), 2); got != -4 {
		t.Errorf("backward jump operand = %d, want -4", got)
	}
}

func TestLabelSharedByMultipleJumps(t *testing.T) {
	c := NewCompiler()
	l := c.NewLabel()

	c.EmitJump(OpJump, l) // operand at 1, next at 3
	c.Emit(OpNop)
	c.EmitJump(OpJump, l) // at 4, operand at 5, next at 7
	c.MarkLabel(l)        // offset 7

	co, err := c.Finish(CodeObjectParams{Name: "f"})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got := jumpOperandAt(co.Code(), 1); got != 4 {
		t.Errorf("first jump operand = %d, want 4", got)
	}
	if got := jumpOperandAt(co.Code(), 5); got != 0 {
		t.Errorf("second jump operand = %d, want 0", got)
	}
}

func TestUnresolvedLabel(t *testing.T) {
	c := NewCompiler()
	c.EmitJump(OpJump, c.NewLabel())

	if err := c.FixupJumps(); !errors.Is(err, ErrUnresolvedLabel) {
		t.Errorf("FixupJumps() = %v, want ErrUnresolvedLabel", err)
	}
	if _, err := c.Finish(CodeObjectParams{Name: "f"}); !errors.Is(err, ErrUnresolvedLabel) {
		t.Errorf("Finish() = %v, want ErrUnresolvedLabel", err)
	}
}

func TestUnreferencedLabelIsHarmless(t *testing.T) {
	c := NewCompiler()
	c.NewLabel() // created, never jumped to, never marked
	c.Emit(OpNop)

	if _, err := c.Finish(CodeObjectParams{Name: "f"}); err != nil {
		t.Errorf("Finish() = %v, want nil", err)
	}
}

func TestJumpTooFar(t *testing.T) {
	c := NewCompiler()
	l := c.NewLabel()
	c.EmitJump(OpJump, l)
	for i := 0; i < math.MaxInt16+10; i++ {
		c.Emit(OpNop)
	}
	c.MarkLabel(l)

	if _, err := c.Finish(CodeObjectParams{Name: "f"}); !errors.Is(err, ErrJumpTooFar) {
		t.Errorf("Finish() = %v, want ErrJumpTooFar", err)
	}
}

func TestMarkLabelTwicePanics(t *testing.T) {
	c := NewCompiler()
	l := c.NewLabel()
	c.MarkLabel(l)
	expectPanic(t, "MarkLabel twice", func() { c.MarkLabel(l) })
}

func TestEmitJumpRequiresOffsetOperand(t *testing.T) {
	c := NewCompiler()
	expectPanic(t, "EmitJump(NOP)", func() { c.EmitJump(OpNop, c.NewLabel()) })
}

// ---------------------------------------------------------------------------
// Stack accounting
// ---------------------------------------------------------------------------

func TestStackDepthTracking(t *testing.T) {
	c := NewCompiler()
	ci, _ := c.AddConstant(IntConst(1))

	c.EmitArg2(OpLoadConst, ci)
	if c.StackDepth() != 1 {
		t.Errorf("depth after first load = %d, want 1", c.StackDepth())
	}
	c.EmitArg2(OpLoadConst, ci)
	if c.StackDepth() != 2 {
		t.Errorf("depth after second load = %d, want 2", c.StackDepth())
	}
	c.EmitArg1(OpBinaryOp, uint8(BinAdd))
	if c.StackDepth() != 1 {
		t.Errorf("depth after BINARY_OP = %d, want 1", c.StackDepth())
	}
	c.Emit(OpReturnValue)
	if c.StackDepth() != 0 {
		t.Errorf("depth after RETURN_VALUE = %d, want 0", c.StackDepth())
	}
	if c.MaxStack() != 2 {
		t.Errorf("MaxStack() = %d, want 2", c.MaxStack())
	}

	co, err := c.Finish(CodeObjectParams{Name: "add"})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if co.StackSize() != 2 {
		t.Errorf("StackSize() = %d, want 2", co.StackSize())
	}
}

func TestVariadicStackEffectUsesOperand(t *testing.T) {
	c := NewCompiler()
	ci, _ := c.AddConstant(IntConst(1))

	c.EmitArg2(OpLoadConst, ci)
	c.EmitArg2(OpLoadConst, ci)
	c.EmitArg2(OpLoadConst, ci)
	c.EmitArg1(OpBuildTuple, 3) // pops 3, pushes 1

	if c.StackDepth() != 1 {
		t.Errorf("depth after BUILD_TUPLE 3 = %d, want 1", c.StackDepth())
	}
	if c.MaxStack() != 3 {
		t.Errorf("MaxStack() = %d, want 3", c.MaxStack())
	}
}

func TestStackUnderflow(t *testing.T) {
	c := NewCompiler()
	c.Emit(OpPopTop)

	if c.StackDepth() != 0 {
		t.Errorf("depth after underflow = %d, want clamped 0", c.StackDepth())
	}
	if _, err := c.Finish(CodeObjectParams{Name: "f"}); !errors.Is(err, ErrStackUnderflow) {
		t.Errorf("Finish() = %v, want ErrStackUnderflow", err)
	}
}

// ---------------------------------------------------------------------------
// Line table and lifecycle
// ---------------------------------------------------------------------------

func TestSetLineRecordsTable(t *testing.T) {
	c := NewCompiler()
	ci, _ := c.AddConstant(NoneConst())

	c.SetLine(1)
	c.EmitArg2(OpLoadConst, ci) // offsets 0..2
	c.SetLine(1)                // same line, no new entry
	c.Emit(OpReturnValue)       // offset 3
	c.SetLine(2)
	c.Emit(OpNop) // offset 4

	co, err := c.Finish(CodeObjectParams{Name: "f", FirstLine: 1})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	tests := []struct {
		offset, line int
	}{
		{0, 1},
		{3, 1},
		{4, 2},
	}
	for _, tt := range tests {
		if got := co.LineForOffset(tt.offset); got != tt.line {
			t.Errorf("LineForOffset(%d) = %d, want %d", tt.offset, got, tt.line)
		}
	}
	if entries := co.Lines(); len(entries) != 2 {
		t.Errorf("len(Lines()) = %d, want 2", len(entries))
	}
}

func TestFinishCapturesCompilerState(t *testing.T) {
	c := NewCompiler()
	ci, _ := c.AddConstant(StringConst("hello"))
	ni, _ := c.InternName("print")

	c.EmitArg2(OpLoadName, ni)
	c.EmitArg2(OpLoadConst, ci)
	c.EmitArg1(OpCallFunction, 1)
	c.Emit(OpReturnValue)

	// Caller-supplied pools are overwritten by the assembled state.
	co, err := c.Finish(CodeObjectParams{
		Name:      "main",
		Names:     []string{"ignored"},
		Constants: []Constant{IntConst(0), IntConst(1), IntConst(2)},
		StackSize: 99,
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if co.NameCount() != 1 {
		t.Fatalf("NameCount() = %d, want 1", co.NameCount())
	}
	if name, _ := co.NameAt(0); name != "print" {
		t.Errorf("NameAt(0) = %q, want %q", name, "print")
	}
	if co.ConstantCount() != 1 {
		t.Fatalf("ConstantCount() = %d, want 1", co.ConstantCount())
	}
	if con, _ := co.ConstantAt(0); con.Str() != "hello" {
		t.Errorf("ConstantAt(0) = %v", con)
	}
	if co.StackSize() != 2 {
		t.Errorf("StackSize() = %d, want 2", co.StackSize())
	}
}

func TestFinishResetsCompiler(t *testing.T) {
	c := NewCompiler()
	c.InternName("x")
	c.AddConstant(IntConst(7))
	c.EmitArg2(OpLoadConst, 0)
	c.Emit(OpReturnValue)

	if _, err := c.Finish(CodeObjectParams{Name: "first"}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if c.Offset() != 0 || c.StackDepth() != 0 || c.MaxStack() != 0 {
		t.Errorf("state after Finish = (%d, %d, %d), want zeros",
			c.Offset(), c.StackDepth(), c.MaxStack())
	}

	// The next object starts from a clean name table.
	idx, _ := c.InternName("y")
	if idx != 0 {
		t.Errorf("first name index after reset = %d, want 0", idx)
	}
	c.Emit(OpNop)
	co, err := c.Finish(CodeObjectParams{Name: "second"})
	if err != nil {
		t.Fatalf("second Finish: %v", err)
	}
	if co.Name() != "second" || len(co.Code()) != 1 {
		t.Errorf("second object = %q with %d bytes", co.Name(), len(co.Code()))
	}
}

// ---------------------------------------------------------------------------
// End-to-end container output
// ---------------------------------------------------------------------------

func TestCompileProducesContainer(t *testing.T) {
	c := NewCompiler()
	ci, _ := c.AddConstant(NoneConst())
	c.EmitArg2(OpLoadConst, ci)
	c.Emit(OpReturnValue)

	co, err := c.Finish(CodeObjectParams{Name: "<module>", Filename: "m.py"})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	data, err := c.Compile(co)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(data) < DPBHeaderSize {
		t.Fatalf("container is %d bytes, want at least %d", len(data), DPBHeaderSize)
	}
	if !bytes.Equal(data[:4], DPBMagic[:]) {
		t.Errorf("magic = % X, want % X", data[:4], DPBMagic[:])
	}

	again, err := c.Compile(co)
	if err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("Compile output is not deterministic")
	}
}
