package vm

// CodeFlags describe execution properties of a code object.
type CodeFlags uint32

const (
	// CodeFlagOptimized marks code whose locals resolve by slot index
	// (function bodies, as opposed to module or class bodies).
	CodeFlagOptimized CodeFlags = 1 << iota
	// CodeFlagGenerator marks generator function bodies.
	CodeFlagGenerator
	// CodeFlagCoroutine marks async function bodies.
	CodeFlagCoroutine
	// CodeFlagAsyncGenerator marks async generator bodies.
	CodeFlagAsyncGenerator
)

// LineEntry maps an instruction offset to a source line. Entries are sorted
// by offset; a lookup takes the last entry at or before the queried offset.
type LineEntry struct {
	Offset int
	Line   int
}

// CodeObject is one compiled body (module, function, comprehension...).
// It is immutable after creation and safe to share across call stacks.
type CodeObject struct {
	name      string
	qualName  string
	filename  string
	firstLine int

	argCount        int
	posOnlyArgCount int
	kwOnlyArgCount  int
	numLocals       int
	stackSize       int
	flags           CodeFlags

	code      []byte
	constants []Constant
	names     []string
	varNames  []string
	freeVars  []string
	cellVars  []string

	lines []LineEntry
}

// CodeObjectParams carries the inputs for NewCodeObject.
type CodeObjectParams struct {
	Name      string
	QualName  string
	Filename  string
	FirstLine int

	ArgCount        int
	PosOnlyArgCount int
	KwOnlyArgCount  int
	NumLocals       int
	StackSize       int
	Flags           CodeFlags

	Code      []byte
	Constants []Constant
	Names     []string
	VarNames  []string
	FreeVars  []string
	CellVars  []string

	Lines []LineEntry
}

// NewCodeObject creates an immutable CodeObject. Every input slice is
// copied; there are no mutation methods after construction.
func NewCodeObject(params CodeObjectParams) *CodeObject {
	qualName := params.QualName
	if qualName == "" {
		qualName = params.Name
	}
	return &CodeObject{
		name:            params.Name,
		qualName:        qualName,
		filename:        params.Filename,
		firstLine:       params.FirstLine,
		argCount:        params.ArgCount,
		posOnlyArgCount: params.PosOnlyArgCount,
		kwOnlyArgCount:  params.KwOnlyArgCount,
		numLocals:       params.NumLocals,
		stackSize:       params.StackSize,
		flags:           params.Flags,
		code:            copyBytes(params.Code),
		constants:       copyConstants(params.Constants),
		names:           copyStrings(params.Names),
		varNames:        copyStrings(params.VarNames),
		freeVars:        copyStrings(params.FreeVars),
		cellVars:        copyStrings(params.CellVars),
		lines:           copyLines(params.Lines),
	}
}

// Name returns the simple name of the code object.
func (c *CodeObject) Name() string { return c.name }

// QualName returns the dotted qualified name.
func (c *CodeObject) QualName() string { return c.qualName }

// Filename returns the source file the code was compiled from.
func (c *CodeObject) Filename() string { return c.filename }

// FirstLine returns the source line of the first instruction.
func (c *CodeObject) FirstLine() int { return c.firstLine }

// ArgCount returns the number of positional parameters.
func (c *CodeObject) ArgCount() int { return c.argCount }

// PosOnlyArgCount returns the number of positional-only parameters.
func (c *CodeObject) PosOnlyArgCount() int { return c.posOnlyArgCount }

// KwOnlyArgCount returns the number of keyword-only parameters.
func (c *CodeObject) KwOnlyArgCount() int { return c.kwOnlyArgCount }

// NumLocals returns the local variable slot count, parameters included.
func (c *CodeObject) NumLocals() int { return c.numLocals }

// StackSize returns the operand stack depth the body requires.
func (c *CodeObject) StackSize() int { return c.stackSize }

// Flags returns the execution flags.
func (c *CodeObject) Flags() CodeFlags { return c.flags }

// IsGenerator reports whether the body is a generator.
func (c *CodeObject) IsGenerator() bool { return c.flags&CodeFlagGenerator != 0 }

// IsCoroutine reports whether the body is a coroutine.
func (c *CodeObject) IsCoroutine() bool { return c.flags&CodeFlagCoroutine != 0 }

// IsAsyncGenerator reports whether the body is an async generator.
func (c *CodeObject) IsAsyncGenerator() bool { return c.flags&CodeFlagAsyncGenerator != 0 }

// Code returns the raw instruction bytes. The slice is the internal
// storage: callers must treat it as read-only.
func (c *CodeObject) Code() []byte { return c.code }

// ConstantCount returns the size of the constant pool.
func (c *CodeObject) ConstantCount() int { return len(c.constants) }

// ConstantAt returns the pool entry at index i.
func (c *CodeObject) ConstantAt(i int) (Constant, bool) {
	if i < 0 || i >= len(c.constants) {
		return Constant{}, false
	}
	return c.constants[i], true
}

// Constants returns a copy of the constant pool.
func (c *CodeObject) Constants() []Constant { return copyConstants(c.constants) }

// NameCount returns the size of the name table.
func (c *CodeObject) NameCount() int { return len(c.names) }

// NameAt returns the interned name at index i.
func (c *CodeObject) NameAt(i int) (string, bool) {
	if i < 0 || i >= len(c.names) {
		return "", false
	}
	return c.names[i], true
}

// Names returns a copy of the interned name table.
func (c *CodeObject) Names() []string { return copyStrings(c.names) }

// VarNameAt returns the local variable name at slot i.
func (c *CodeObject) VarNameAt(i int) (string, bool) {
	if i < 0 || i >= len(c.varNames) {
		return "", false
	}
	return c.varNames[i], true
}

// VarNames returns a copy of the local variable names.
func (c *CodeObject) VarNames() []string { return copyStrings(c.varNames) }

// FreeVars returns a copy of the free variable names.
func (c *CodeObject) FreeVars() []string { return copyStrings(c.freeVars) }

// CellVars returns a copy of the cell variable names.
func (c *CodeObject) CellVars() []string { return copyStrings(c.cellVars) }

// NumCells returns the number of cells a frame for this code allocates.
func (c *CodeObject) NumCells() int { return len(c.cellVars) }

// NumFreeVars returns the number of free variables the code closes over.
func (c *CodeObject) NumFreeVars() int { return len(c.freeVars) }

// Lines returns a copy of the offset-to-line table.
func (c *CodeObject) Lines() []LineEntry { return copyLines(c.lines) }

// LineForOffset returns the source line covering the given instruction
// offset, or FirstLine when the table has no entry at or before it.
func (c *CodeObject) LineForOffset(offset int) int {
	line := c.firstLine
	for _, e := range c.lines {
		if e.Offset > offset {
			break
		}
		line = e.Line
	}
	return line
}

func copyBytes(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyConstants(in []Constant) []Constant {
	if len(in) == 0 {
		return nil
	}
	out := make([]Constant, len(in))
	copy(out, in)
	return out
}

func copyLines(in []LineEntry) []LineEntry {
	if len(in) == 0 {
		return nil
	}
	out := make([]LineEntry, len(in))
	copy(out, in)
	return out
}
