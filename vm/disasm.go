package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction, with its operand resolved against
// the owning code object where the opcode gives it meaning.
type Instruction struct {
	Offset  int
	Op      Opcode
	Operand uint32

	// Annotation renders the operand's referent: a constant literal, a
	// name, a jump target, an operator. Empty when the operand is plain.
	Annotation string

	// Truncated marks an instruction whose operand runs past the end of
	// the bytecode.
	Truncated bool
}

// DecodeInstruction decodes the instruction at offset and returns it along
// with the offset of the next instruction. Undefined opcodes decode as a
// one-byte instruction whose name marks them invalid.
func DecodeInstruction(co *CodeObject, offset int) (Instruction, int) {
	code := co.Code()
	inst := Instruction{Offset: offset}
	if offset < 0 || offset >= len(code) {
		inst.Truncated = true
		return inst, len(code)
	}

	inst.Op = Opcode(code[offset])
	width := inst.Op.OperandBytes()
	next := offset + 1 + width

	if !inst.Op.Valid() {
		return inst, offset + 1
	}
	if next > len(code) {
		inst.Truncated = true
		return inst, len(code)
	}

	switch width {
	case 1:
		inst.Operand = uint32(code[offset+1])
	case 2:
		inst.Operand = uint32(ReadUint16(code[offset+1:]))
	case 4:
		inst.Operand = ReadUint32(code[offset+1:])
	}
	inst.Annotation = annotate(co, inst.Op, inst.Operand, next)
	return inst, next
}

// annotate resolves an operand against the code object. Unresolvable
// indices annotate as "?" rather than failing; the disassembler accepts
// inconsistent containers.
func annotate(co *CodeObject, op Opcode, operand uint32, next int) string {
	switch op {
	case OpLoadConst, OpReturnConst:
		if c, ok := co.ConstantAt(int(operand)); ok {
			return c.String()
		}
		return "?"

	case OpLoadName, OpLoadGlobal, OpLoadAttr, OpLoadMethod,
		OpStoreName, OpStoreGlobal, OpStoreAttr,
		OpDeleteName, OpDeleteGlobal, OpDeleteAttr:
		if name, ok := co.NameAt(int(operand)); ok {
			return name
		}
		return "?"

	case OpLoadFast, OpStoreFast, OpDeleteFast:
		if name, ok := co.VarNameAt(int(operand)); ok {
			return name
		}
		return "?"

	case OpLoadDeref, OpStoreDeref, OpDeleteDeref, OpLoadClosure:
		return derefName(co, int(operand))

	case OpJump, OpPopJumpIfTrue, OpPopJumpIfFalse, OpForIter,
		OpSetupLoop, OpSetupExcept, OpSetupFinally, OpSetupWith,
		OpContinueLoop, OpSend:
		target := next + int(int16(operand))
		return fmt.Sprintf("-> %04d", target)

	case OpBinaryOp:
		return BinaryOp(operand).String()

	case OpCompareOp:
		return CompareOp(operand).String()
	}
	return ""
}

// derefName maps a deref slot index to its variable name: cell variables
// first, then free variables.
func derefName(co *CodeObject, i int) string {
	cells := co.CellVars()
	if i >= 0 && i < len(cells) {
		return cells[i]
	}
	free := co.FreeVars()
	if j := i - len(cells); j >= 0 && j < len(free) {
		return free[j]
	}
	return "?"
}

// String renders the instruction in listing form.
func (inst Instruction) String() string {
	name := inst.Op.Name()
	if inst.Truncated {
		return fmt.Sprintf("%04d  %s <truncated>", inst.Offset, name)
	}
	if inst.Op.OperandBytes() == 0 || !inst.Op.Valid() {
		return fmt.Sprintf("%04d  %s", inst.Offset, name)
	}
	if inst.Annotation == "" {
		return fmt.Sprintf("%04d  %s %d", inst.Offset, name, inst.Operand)
	}
	return fmt.Sprintf("%04d  %s %d (%s)", inst.Offset, name, inst.Operand, inst.Annotation)
}

// DisassembleInstruction renders the instruction at offset and returns the
// listing line plus the offset of the next instruction.
func DisassembleInstruction(co *CodeObject, offset int) (string, int) {
	inst, next := DecodeInstruction(co, offset)
	return inst.String(), next
}

// Disassemble renders a full listing of the code object's bytecode, one
// instruction per line. Disassembly stops after rendering an undefined
// opcode, since operand boundaries past it are unknowable.
func Disassemble(co *CodeObject) string {
	var sb strings.Builder
	code := co.Code()
	for offset := 0; offset < len(code); {
		inst, next := DecodeInstruction(co, offset)
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(inst.String())
		if !inst.Op.Valid() || inst.Truncated {
			break
		}
		offset = next
	}
	return sb.String()
}
