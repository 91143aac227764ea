package vm

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

// Value is the open payload type carried on operand stacks, in locals, and
// in cells. The full object model lives above this package; the only value
// the core materializes itself is None.
type Value any

// NoneType is the type of the None singleton.
type NoneType struct{}

func (NoneType) String() string { return "None" }

// None is the canonical absent value. Forgiving accessors return it instead
// of failing: popping an empty stack, reading an out-of-range local or an
// out-of-range deref slot all yield None.
var None Value = NoneType{}

// ---------------------------------------------------------------------------
// Cells
// ---------------------------------------------------------------------------

// Cell is a shared variable slot. Closures capture variables by cell so an
// inner function and its enclosing scope observe each other's writes.
type Cell struct {
	value Value
}

// NewCell creates a cell holding the given value.
func NewCell(v Value) *Cell {
	return &Cell{value: v}
}

// Get returns the cell's current value.
func (c *Cell) Get() Value { return c.value }

// Set replaces the cell's value.
func (c *Cell) Set(v Value) { c.value = v }

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

// BlockKind identifies what kind of region a frame block protects.
type BlockKind uint8

const (
	BlockLoop BlockKind = iota
	BlockExcept
	BlockFinally
	BlockWith
)

func (k BlockKind) String() string {
	switch k {
	case BlockLoop:
		return "loop"
	case BlockExcept:
		return "except"
	case BlockFinally:
		return "finally"
	case BlockWith:
		return "with"
	}
	return "block"
}

// Block marks an active loop, except, finally, or with region on a frame.
type Block struct {
	Kind    BlockKind
	Handler int // instruction offset control transfers to on unwind
	Level   int // operand stack depth when the block was entered
}

// ---------------------------------------------------------------------------
// Frame: one function activation
// ---------------------------------------------------------------------------

// Frame is a single activation record: the executing code object, an
// instruction pointer, fast locals, an operand stack, a block stack, and
// the cell and free variable slots for closures.
//
// The dispatch loop that drives a Frame lives above this package. Stack and
// variable accessors are forgiving: underflow and out-of-range reads return
// None rather than panicking, so a buggy instruction stream cannot take the
// host process down.
type Frame struct {
	code *CodeObject
	ip   int

	locals []Value
	stack  []Value
	blocks []Block

	cells    []*Cell
	freeVars []*Cell

	back *Frame // calling frame, nil for the entry frame
}

// NewFrame creates a frame for executing co. Locals are initialized to
// None; cell slots are freshly allocated per the code object's cell count.
func NewFrame(co *CodeObject) *Frame {
	return NewFrameWithCells(co, co.NumCells(), nil)
}

// NewFrameWithCells creates a frame with numCells fresh cells and the given
// captured free variable cells. Closure calls pass the cells captured at
// function creation time.
func NewFrameWithCells(co *CodeObject, numCells int, freeVars []*Cell) *Frame {
	locals := make([]Value, co.NumLocals())
	for i := range locals {
		locals[i] = None
	}
	cells := make([]*Cell, numCells)
	for i := range cells {
		cells[i] = NewCell(None)
	}
	return &Frame{
		code:     co,
		locals:   locals,
		stack:    make([]Value, 0, co.StackSize()),
		cells:    cells,
		freeVars: freeVars,
	}
}

// Code returns the code object this frame executes.
func (f *Frame) Code() *CodeObject { return f.code }

// Back returns the calling frame, or nil for the entry frame.
func (f *Frame) Back() *Frame { return f.back }

// IP returns the current instruction offset.
func (f *Frame) IP() int { return f.ip }

// SetIP moves the instruction pointer to the given offset.
func (f *Frame) SetIP(offset int) { f.ip = offset }

// AdvanceIP moves the instruction pointer forward by n bytes.
func (f *Frame) AdvanceIP(n int) { f.ip += n }

// Line returns the source line for the current instruction pointer.
func (f *Frame) Line() int { return f.code.LineForOffset(f.ip) }

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// Push pushes a value onto the operand stack. The stack grows beyond the
// declared StackSize if an instruction stream exceeds its accounting.
func (f *Frame) Push(v Value) {
	f.stack = append(f.stack, v)
}

// Pop removes and returns the top of stack. Popping an empty stack returns
// None.
func (f *Frame) Pop() Value {
	if len(f.stack) == 0 {
		return None
	}
	v := f.stack[len(f.stack)-1]
	f.stack[len(f.stack)-1] = nil
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

// Peek returns the top of stack without removing it, or None when empty.
func (f *Frame) Peek() Value {
	if len(f.stack) == 0 {
		return None
	}
	return f.stack[len(f.stack)-1]
}

// PeekN returns the value n slots below the top of stack: PeekN(0) is the
// top. Out-of-range reads return None.
func (f *Frame) PeekN(n int) Value {
	idx := len(f.stack) - 1 - n
	if n < 0 || idx < 0 {
		return None
	}
	return f.stack[idx]
}

// StackDepth returns the current operand stack depth.
func (f *Frame) StackDepth() int { return len(f.stack) }

// UnwindTo pops operands until the stack depth equals level. Levels at or
// above the current depth leave the stack unchanged.
func (f *Frame) UnwindTo(level int) {
	if level < 0 {
		level = 0
	}
	for len(f.stack) > level {
		f.stack[len(f.stack)-1] = nil
		f.stack = f.stack[:len(f.stack)-1]
	}
}

// ---------------------------------------------------------------------------
// Locals
// ---------------------------------------------------------------------------

// Local returns the local at index i, or None when out of range.
func (f *Frame) Local(i int) Value {
	if i < 0 || i >= len(f.locals) {
		return None
	}
	return f.locals[i]
}

// SetLocal stores v into local slot i. Out-of-range stores are ignored.
func (f *Frame) SetLocal(i int, v Value) {
	if i < 0 || i >= len(f.locals) {
		return
	}
	f.locals[i] = v
}

// NumLocals returns the number of fast local slots.
func (f *Frame) NumLocals() int { return len(f.locals) }

// ---------------------------------------------------------------------------
// Cells and free variables
// ---------------------------------------------------------------------------

// Deref slot numbering: indices below len(cells) address this frame's own
// cells; the remainder address captured free variable cells.

// GetDeref reads deref slot i. Out-of-range or unbound slots return None.
func (f *Frame) GetDeref(i int) Value {
	c := f.derefCell(i)
	if c == nil {
		return None
	}
	return c.Get()
}

// SetDeref writes deref slot i. Out-of-range or unbound slots are ignored.
func (f *Frame) SetDeref(i int, v Value) {
	if c := f.derefCell(i); c != nil {
		c.Set(v)
	}
}

// DerefCell returns the cell behind deref slot i, or nil when out of range.
func (f *Frame) DerefCell(i int) *Cell {
	return f.derefCell(i)
}

func (f *Frame) derefCell(i int) *Cell {
	if i < 0 {
		return nil
	}
	if i < len(f.cells) {
		return f.cells[i]
	}
	i -= len(f.cells)
	if i < len(f.freeVars) {
		return f.freeVars[i]
	}
	return nil
}

// NumCells returns the number of locally owned cells.
func (f *Frame) NumCells() int { return len(f.cells) }

// NumFreeVars returns the number of captured free variable cells.
func (f *Frame) NumFreeVars() int { return len(f.freeVars) }

// ---------------------------------------------------------------------------
// Block stack
// ---------------------------------------------------------------------------

// PushBlock records entry into a protected region, snapshotting the current
// operand stack depth.
func (f *Frame) PushBlock(kind BlockKind, handler int) {
	f.blocks = append(f.blocks, Block{
		Kind:    kind,
		Handler: handler,
		Level:   len(f.stack),
	})
}

// PopBlock removes and returns the innermost block. An empty block stack
// returns false.
func (f *Frame) PopBlock() (Block, bool) {
	if len(f.blocks) == 0 {
		return Block{}, false
	}
	b := f.blocks[len(f.blocks)-1]
	f.blocks = f.blocks[:len(f.blocks)-1]
	return b, true
}

// TopBlock returns the innermost block without removing it.
func (f *Frame) TopBlock() (Block, bool) {
	if len(f.blocks) == 0 {
		return Block{}, false
	}
	return f.blocks[len(f.blocks)-1], true
}

// BlockDepth returns the number of active blocks.
func (f *Frame) BlockDepth() int { return len(f.blocks) }

// FindExceptionHandler returns the innermost block that can receive an
// exception: an except or finally block. Loop and with blocks are skipped.
// The block stack is not modified.
func (f *Frame) FindExceptionHandler() (Block, bool) {
	for i := len(f.blocks) - 1; i >= 0; i-- {
		b := f.blocks[i]
		if b.Kind == BlockExcept || b.Kind == BlockFinally {
			return b, true
		}
	}
	return Block{}, false
}

// FindExceptHandler returns the innermost except block.
func (f *Frame) FindExceptHandler() (Block, bool) {
	return f.findBlock(BlockExcept)
}

// FindFinallyHandler returns the innermost finally block.
func (f *Frame) FindFinallyHandler() (Block, bool) {
	return f.findBlock(BlockFinally)
}

func (f *Frame) findBlock(kind BlockKind) (Block, bool) {
	for i := len(f.blocks) - 1; i >= 0; i-- {
		if f.blocks[i].Kind == kind {
			return f.blocks[i], true
		}
	}
	return Block{}, false
}

// UnwindToHandler pops blocks until it removes an except or finally block,
// which it returns. Loop and with blocks popped on the way are discarded.
// Returns false when no handler block exists; the block stack is then
// empty.
func (f *Frame) UnwindToHandler() (Block, bool) {
	for {
		b, ok := f.PopBlock()
		if !ok {
			return Block{}, false
		}
		if b.Kind == BlockExcept || b.Kind == BlockFinally {
			return b, true
		}
	}
}

// ---------------------------------------------------------------------------
// Frame iteration
// ---------------------------------------------------------------------------

// FrameIterator walks a frame chain from the leaf activation to the entry
// frame. Iteration is single-use.
type FrameIterator struct {
	current *Frame
}

// NewFrameIterator creates an iterator starting at leaf.
func NewFrameIterator(leaf *Frame) *FrameIterator {
	return &FrameIterator{current: leaf}
}

// Next returns the next frame in the chain, or false when exhausted.
func (it *FrameIterator) Next() (*Frame, bool) {
	if it.current == nil {
		return nil, false
	}
	f := it.current
	it.current = f.back
	return f, true
}
