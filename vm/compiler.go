package vm

import (
	"errors"
	"fmt"
	"math"
)

// Compile-time failure classes. The compiler accumulates the first failure
// it observes and reports it from Finish; emit calls stay chainable.
var (
	ErrTooManyNames    = errors.New("too many names")
	ErrUnresolvedLabel = errors.New("unresolved label")
	ErrJumpTooFar      = errors.New("jump offset exceeds 16-bit range")
	ErrStackUnderflow  = errors.New("stack depth went negative")
)

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// Label represents a jump target that may not be placed yet.
type Label struct {
	resolved bool
	position int   // target offset once resolved
	refs     []int // placeholder positions awaiting a patch
}

// Target returns the resolved target offset.
func (l *Label) Target() (int, bool) {
	return l.position, l.resolved
}

// ---------------------------------------------------------------------------
// Compiler
// ---------------------------------------------------------------------------

// Compiler assembles the instruction stream of one code object at a time:
// it interns names, pools constants, tracks the operand stack depth from
// static effects, and resolves jump labels in a deferred fixup pass.
//
// A Compiler is not safe for concurrent use.
type Compiler struct {
	code      []byte
	pool      *ConstantPool
	names     []string
	nameIndex map[string]uint16

	stackDepth int
	maxStack   int

	labels []*Label

	lines   []LineEntry
	curLine int

	runtimeTag string
	errs       []error
}

// NewCompiler creates an empty compiler.
func NewCompiler() *Compiler {
	c := &Compiler{pool: NewConstantPool()}
	c.Reset()
	return c
}

// Reset returns the compiler to its zero state. All per-object state is
// dropped: buffer, pools, labels, depth tracking and recorded errors.
func (c *Compiler) Reset() {
	c.code = c.code[:0]
	c.pool.Reset()
	c.names = c.names[:0]
	c.nameIndex = make(map[string]uint16)
	c.stackDepth = 0
	c.maxStack = 0
	c.labels = c.labels[:0]
	c.lines = c.lines[:0]
	c.curLine = 0
	c.errs = c.errs[:0]
}

// SetRuntimeTag sets the source-runtime tag stamped into compiled
// containers. An empty tag falls back to the package default.
func (c *Compiler) SetRuntimeTag(tag string) {
	c.runtimeTag = tag
}

// Offset returns the current end of the instruction buffer.
func (c *Compiler) Offset() int {
	return len(c.code)
}

// StackDepth returns the running stack depth after the last emit.
func (c *Compiler) StackDepth() int {
	return c.stackDepth
}

// MaxStack returns the peak stack depth observed so far.
func (c *Compiler) MaxStack() int {
	return c.maxStack
}

// InternName returns the index of name in the name table, adding it on
// first use.
func (c *Compiler) InternName(name string) (uint16, error) {
	if idx, ok := c.nameIndex[name]; ok {
		return idx, nil
	}
	if len(c.names) > math.MaxUint16 {
		err := fmt.Errorf("%w: %d", ErrTooManyNames, len(c.names))
		c.record(err)
		return 0, err
	}
	idx := uint16(len(c.names))
	c.names = append(c.names, name)
	c.nameIndex[name] = idx
	return idx, nil
}

// AddConstant adds a constant to the pool, interning hashable kinds.
func (c *Compiler) AddConstant(con Constant) (uint16, error) {
	idx, err := c.pool.Add(con)
	if err != nil {
		c.record(err)
	}
	return idx, err
}

// SetLine records that instructions emitted from the current offset onward
// originate from the given source line.
func (c *Compiler) SetLine(line int) {
	if line == c.curLine {
		return
	}
	c.curLine = line
	c.lines = append(c.lines, LineEntry{Offset: len(c.code), Line: line})
}

// Emit appends an opcode that takes no operand. Returns the instruction
// offset.
func (c *Compiler) Emit(op Opcode) int {
	c.checkEmit(op, 0)
	pos := len(c.code)
	c.code = append(c.code, byte(op))
	c.applyEffect(op, 0)
	return pos
}

// EmitArg1 appends an opcode with an 8-bit operand.
func (c *Compiler) EmitArg1(op Opcode, operand uint8) int {
	c.checkEmit(op, 1)
	pos := len(c.code)
	c.code = append(c.code, byte(op), operand)
	c.applyEffect(op, uint32(operand))
	return pos
}

// EmitArg2 appends an opcode with a 16-bit operand (little-endian).
func (c *Compiler) EmitArg2(op Opcode, operand uint16) int {
	c.checkEmit(op, 2)
	pos := len(c.code)
	c.code = append(c.code, byte(op), byte(operand), byte(operand>>8))
	c.applyEffect(op, uint32(operand))
	return pos
}

// EmitArg4 appends an opcode with a 32-bit operand (little-endian).
func (c *Compiler) EmitArg4(op Opcode, operand uint32) int {
	c.checkEmit(op, 4)
	pos := len(c.code)
	c.code = append(c.code,
		byte(op), byte(operand), byte(operand>>8), byte(operand>>16), byte(operand>>24))
	c.applyEffect(op, operand)
	return pos
}

// NewLabel creates an unresolved label.
func (c *Compiler) NewLabel() *Label {
	l := &Label{refs: make([]int, 0, 2)}
	c.labels = append(c.labels, l)
	return l
}

// MarkLabel resolves a label to the current offset and patches every
// recorded forward reference.
func (c *Compiler) MarkLabel(l *Label) {
	if l.resolved {
		panic("label already resolved")
	}
	l.resolved = true
	l.position = len(c.code)

	for _, ref := range l.refs {
		offset := l.position - (ref + 2) // relative to the end of the operand
		if !c.patchOffset(ref, offset) {
			return
		}
	}
	l.refs = nil
}

// EmitJump appends a jump-class instruction targeting a label. Forward
// jumps leave a two-byte placeholder patched when the label is marked.
// Returns the instruction offset.
func (c *Compiler) EmitJump(op Opcode, l *Label) int {
	if op.OperandBytes() != 2 {
		panic(fmt.Sprintf("EmitJump: %s does not take a 16-bit offset", op))
	}
	c.checkEmit(op, 2)
	pos := len(c.code)
	c.code = append(c.code, byte(op))
	if l.resolved {
		offset := l.position - (len(c.code) + 2)
		c.code = append(c.code, 0, 0)
		c.patchOffset(len(c.code)-2, offset)
	} else {
		l.refs = append(l.refs, len(c.code))
		c.code = append(c.code, 0, 0) // placeholder
	}
	c.applyEffect(op, 0)
	return pos
}

// FixupJumps verifies that every referenced label was marked. It is the
// second pass of jump resolution; MarkLabel patches eagerly, so all that
// remains is detecting placeholders with no target.
func (c *Compiler) FixupJumps() error {
	for _, l := range c.labels {
		if !l.resolved && len(l.refs) > 0 {
			return fmt.Errorf("%w: %d reference(s) with no target", ErrUnresolvedLabel, len(l.refs))
		}
	}
	return nil
}

// Finish validates the assembled stream and captures it into an immutable
// CodeObject. Code, Constants, Names, StackSize and Lines on params are
// overwritten from compiler state. The compiler resets afterwards so the
// next object can be assembled; finished inner objects join their parent
// via AddConstant(CodeConst(inner)).
func (c *Compiler) Finish(params CodeObjectParams) (*CodeObject, error) {
	if err := c.FixupJumps(); err != nil {
		return nil, err
	}
	if len(c.errs) > 0 {
		return nil, c.errs[0]
	}

	params.Code = c.code
	params.Constants = c.pool.Constants()
	params.Names = c.names
	params.StackSize = c.maxStack
	params.Lines = c.lines

	co := NewCodeObject(params)
	c.Reset()
	return co, nil
}

// Compile serializes a finished root code object and its nested objects
// into a DPB container. The compiler state is reset first; Compile does
// not depend on any prior emits.
func (c *Compiler) Compile(co *CodeObject) ([]byte, error) {
	c.Reset()
	w := newDPBWriter(c.runtimeTag)
	return w.WriteProgram(co)
}

func (c *Compiler) checkEmit(op Opcode, width int) {
	info := op.Info()
	if !op.Valid() {
		panic(fmt.Sprintf("emit of invalid opcode 0x%02X", byte(op)))
	}
	if info.OperandBytes != width {
		panic(fmt.Sprintf("emit %s: operand width %d, want %d", info.Name, width, info.OperandBytes))
	}
}

func (c *Compiler) applyEffect(op Opcode, operand uint32) {
	c.stackDepth += StackEffect(op, operand)
	if c.stackDepth < 0 {
		c.record(fmt.Errorf("%w: depth %d after %s at offset %d",
			ErrStackUnderflow, c.stackDepth, op, len(c.code)))
		c.stackDepth = 0
	}
	if c.stackDepth > c.maxStack {
		c.maxStack = c.stackDepth
	}
}

// patchOffset writes a signed 16-bit jump offset at pos. On range overflow
// it records ErrJumpTooFar and reports false.
func (c *Compiler) patchOffset(pos, offset int) bool {
	if offset < math.MinInt16 || offset > math.MaxInt16 {
		c.record(fmt.Errorf("%w: offset %d", ErrJumpTooFar, offset))
		return false
	}
	c.code[pos] = byte(offset)
	c.code[pos+1] = byte(offset >> 8)
	return true
}

func (c *Compiler) record(err error) {
	c.errs = append(c.errs, err)
}
