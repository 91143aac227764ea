package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
//
// The opcode space is partitioned into semantic bands by high hex digit.
// Every byte value decodes: bytes outside the defined set report
// Valid() == false and must be treated as fatal by any consumer, never
// skipped. Operand width is a pure function of the opcode byte.
type Opcode byte

// Stack Manipulation
const (
	OpNop       Opcode = 0x00 // no operation
	OpPopTop    Opcode = 0x01 // discard top of stack
	OpDupTop    Opcode = 0x02 // duplicate top of stack
	OpDupTopTwo Opcode = 0x03 // duplicate top two entries
	OpRotTwo    Opcode = 0x04 // swap top two entries
	OpRotThree  Opcode = 0x05 // lift second and third to the top
	OpCopy      Opcode = 0x06 // push copy of the n-th entry (8-bit n)
	OpSwap      Opcode = 0x07 // swap top with the n-th entry (8-bit n)
)

// Loads
const (
	OpLoadConst   Opcode = 0x10 // push constant (16-bit pool index)
	OpLoadFast    Opcode = 0x11 // push local variable (8-bit slot)
	OpLoadName    Opcode = 0x12 // push named variable (16-bit name index)
	OpLoadGlobal  Opcode = 0x13 // push global (16-bit name index)
	OpLoadAttr    Opcode = 0x14 // replace TOS with attribute (16-bit name index)
	OpLoadMethod  Opcode = 0x15 // push bound method + receiver (16-bit name index)
	OpLoadDeref   Opcode = 0x16 // push cell/free variable contents (8-bit index)
	OpLoadClosure Opcode = 0x17 // push the cell itself for closure capture (8-bit index)
)

// Stores and Deletes
const (
	OpStoreFast    Opcode = 0x20 // pop into local variable (8-bit slot)
	OpStoreName    Opcode = 0x21 // pop into named variable (16-bit name index)
	OpStoreGlobal  Opcode = 0x22 // pop into global (16-bit name index)
	OpStoreAttr    Opcode = 0x23 // pop value and object, set attribute (16-bit name index)
	OpStoreDeref   Opcode = 0x24 // pop into cell/free variable (8-bit index)
	OpStoreSubscr  Opcode = 0x25 // pop key, object, value; object[key] = value
	OpDeleteFast   Opcode = 0x26 // clear local variable (8-bit slot)
	OpDeleteName   Opcode = 0x27 // delete named variable (16-bit name index)
	OpDeleteGlobal Opcode = 0x28 // delete global (16-bit name index)
	OpDeleteAttr   Opcode = 0x29 // pop object, delete attribute (16-bit name index)
	OpDeleteSubscr Opcode = 0x2A // pop key and object, delete object[key]
	OpDeleteDeref  Opcode = 0x2B // clear cell/free variable (8-bit index)
)

// Unary and Binary Operators
const (
	OpUnaryPositive Opcode = 0x30 // +TOS
	OpUnaryNegative Opcode = 0x31 // -TOS
	OpUnaryNot      Opcode = 0x32 // not TOS
	OpUnaryInvert   Opcode = 0x33 // ~TOS
	OpBinaryOp      Opcode = 0x34 // binary operator (8-bit BinaryOp operand)
	OpBinarySubscr  Opcode = 0x35 // pop key and object, push object[key]
)

// Comparisons
const (
	OpCompareOp     Opcode = 0x40 // rich comparison (8-bit CompareOp operand)
	OpIsOp          Opcode = 0x41 // identity test (8-bit invert flag)
	OpContainsOp    Opcode = 0x42 // membership test (8-bit invert flag)
	OpCheckExcMatch Opcode = 0x43 // replace TOS with exception-match result
)

// Control Flow
const (
	OpJump           Opcode = 0x50 // unconditional jump (signed 16-bit offset)
	OpPopJumpIfTrue  Opcode = 0x51 // pop, jump if truthy (signed 16-bit offset)
	OpPopJumpIfFalse Opcode = 0x52 // pop, jump if falsy (signed 16-bit offset)
	OpGetIter        Opcode = 0x53 // replace TOS with iter(TOS)
	OpForIter        Opcode = 0x54 // push next item or jump past loop (signed 16-bit offset)
	OpReturnValue    Opcode = 0x55 // return top of stack
	OpReturnConst    Opcode = 0x56 // return constant (16-bit pool index)
)

// Calls and Function Construction
const (
	OpCallFunction   Opcode = 0x60 // call with positional args (8-bit argc)
	OpCallFunctionKw Opcode = 0x61 // call with kwargs name tuple on top (8-bit argc)
	OpCallFunctionEx Opcode = 0x62 // call with unpacked args (8-bit flags, bit 0 = kwargs)
	OpCallMethod     Opcode = 0x63 // call method pushed by LOAD_METHOD (8-bit argc)
	OpMakeFunction   Opcode = 0x64 // build function from code (8-bit flags)
)

// MAKE_FUNCTION operand flags. Each set bit pops one extra stack entry
// below the code object.
const (
	MakeFuncDefaults    = 0x01 // positional defaults tuple
	MakeFuncKwDefaults  = 0x02 // keyword-only defaults dict
	MakeFuncAnnotations = 0x04 // annotations dict
	MakeFuncClosure     = 0x08 // closure cell tuple
)

// Object Construction
const (
	OpBuildTuple     Opcode = 0x70 // build tuple from n entries (8-bit n)
	OpBuildList      Opcode = 0x71 // build list from n entries (8-bit n)
	OpBuildSet       Opcode = 0x72 // build set from n entries (8-bit n)
	OpBuildMap       Opcode = 0x73 // build dict from n key/value pairs (8-bit n)
	OpBuildString    Opcode = 0x74 // concatenate n strings (8-bit n)
	OpBuildSlice     Opcode = 0x75 // build slice from n entries (8-bit n, 2 or 3)
	OpListAppend     Opcode = 0x76 // append TOS to list at depth n (8-bit n)
	OpSetAdd         Opcode = 0x77 // add TOS to set at depth n (8-bit n)
	OpMapAdd         Opcode = 0x78 // pop key/value into dict at depth n (8-bit n)
	OpListExtend     Opcode = 0x79 // extend list at depth n with TOS iterable (8-bit n)
	OpDictMerge      Opcode = 0x7A // merge TOS mapping into dict at depth n (8-bit n)
	OpUnpackSequence Opcode = 0x7B // unpack TOS into n entries (8-bit n)
	OpUnpackEx       Opcode = 0x7C // starred unpack (16-bit lo|hi<<8)
	OpFormatValue    Opcode = 0x7D // format TOS (8-bit flags, bit 2 = fmt spec on stack)
	OpLoadBuildClass Opcode = 0x7E // push the class builder
)

// Exception and Block Pseudo-ops
const (
	OpSetupLoop       Opcode = 0x80 // enter loop block (signed 16-bit exit offset)
	OpSetupExcept     Opcode = 0x81 // enter try block (signed 16-bit handler offset)
	OpSetupFinally    Opcode = 0x82 // enter try/finally block (signed 16-bit finally offset)
	OpSetupWith       Opcode = 0x83 // enter with block, push __exit__ (signed 16-bit offset)
	OpPopBlock        Opcode = 0x84 // leave innermost block
	OpPopExcept       Opcode = 0x85 // pop handled exception
	OpPushExcInfo     Opcode = 0x86 // push current exception on handler entry
	OpRaiseVarargs    Opcode = 0x87 // raise (8-bit argc: 0 reraise, 1 exc, 2 exc from cause)
	OpReraise         Opcode = 0x88 // re-raise the exception on top of stack
	OpWithExceptStart Opcode = 0x89 // call __exit__ with the current exception
	OpEndFinally      Opcode = 0x8A // resume pending return/exception after finally body
	OpBreakLoop       Opcode = 0x8B // unwind to innermost loop exit
	OpContinueLoop    Opcode = 0x8C // unwind to loop head (signed 16-bit offset)
)

// Generators and Async
const (
	OpYieldValue       Opcode = 0x90 // suspend, yield TOS; resumes with sent value
	OpYieldFrom        Opcode = 0x91 // delegate to sub-iterator
	OpGetYieldFromIter Opcode = 0x92 // coerce TOS for yield-from
	OpAwait            Opcode = 0x93 // replace TOS with its awaitable iterator
	OpSend             Opcode = 0x94 // send TOS into sub-iterator, jump on stop (signed 16-bit offset)
	OpGetAiter         Opcode = 0x95 // replace TOS with async iterator
	OpGetAnext         Opcode = 0x96 // push awaitable for next async item
	OpEndAsyncFor      Opcode = 0x97 // finish async-for on StopAsyncIteration
	OpBeforeAsyncWith  Opcode = 0x98 // resolve async context manager entry pair
)

// OpExtendedArg is the single 4-byte-operand opcode. It prefixes the
// following instruction, contributing high-order operand bits.
const OpExtendedArg Opcode = 0xF0

// ---------------------------------------------------------------------------
// Operator operand enums
// ---------------------------------------------------------------------------

// BinaryOp is the 8-bit operand of OpBinaryOp.
type BinaryOp uint8

const (
	BinAdd BinaryOp = iota
	BinSub
	BinMul
	BinDiv
	BinFloorDiv
	BinMod
	BinPow
	BinLShift
	BinRShift
	BinAnd
	BinOr
	BinXor
	BinMatMul
	// In-place variants occupy the same order after the plain set.
	BinInplaceAdd
	BinInplaceSub
	BinInplaceMul
	BinInplaceDiv
	BinInplaceFloorDiv
	BinInplaceMod
	BinInplacePow
	BinInplaceLShift
	BinInplaceRShift
	BinInplaceAnd
	BinInplaceOr
	BinInplaceXor
	BinInplaceMatMul
)

var binaryOpNames = [...]string{
	"+", "-", "*", "/", "//", "%", "**", "<<", ">>", "&", "|", "^", "@",
	"+=", "-=", "*=", "/=", "//=", "%=", "**=", "<<=", ">>=", "&=", "|=", "^=", "@=",
}

// String implements the Stringer interface.
func (b BinaryOp) String() string {
	if int(b) < len(binaryOpNames) {
		return binaryOpNames[b]
	}
	return fmt.Sprintf("BINARY_OP_%d", uint8(b))
}

// CompareOp is the 8-bit operand of OpCompareOp.
type CompareOp uint8

const (
	CmpLt CompareOp = iota
	CmpLe
	CmpEq
	CmpNe
	CmpGt
	CmpGe
)

var compareOpNames = [...]string{"<", "<=", "==", "!=", ">", ">="}

// String implements the Stringer interface.
func (c CompareOp) String() string {
	if int(c) < len(compareOpNames) {
		return compareOpNames[c]
	}
	return fmt.Sprintf("COMPARE_OP_%d", uint8(c))
}

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes: 0, 1, 2 or 4
	StackEffect  int    // net effect on stack for fixed-effect opcodes
	Variadic     bool   // effect depends on the operand; see StackEffect
}

// opcodeTable maps defined opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpNop:       {"NOP", 0, 0, false},
	OpPopTop:    {"POP_TOP", 0, -1, false},
	OpDupTop:    {"DUP_TOP", 0, 1, false},
	OpDupTopTwo: {"DUP_TOP_TWO", 0, 2, false},
	OpRotTwo:    {"ROT_TWO", 0, 0, false},
	OpRotThree:  {"ROT_THREE", 0, 0, false},
	OpCopy:      {"COPY", 1, 1, false},
	OpSwap:      {"SWAP", 1, 0, false},

	// Loads
	OpLoadConst:   {"LOAD_CONST", 2, 1, false},
	OpLoadFast:    {"LOAD_FAST", 1, 1, false},
	OpLoadName:    {"LOAD_NAME", 2, 1, false},
	OpLoadGlobal:  {"LOAD_GLOBAL", 2, 1, false},
	OpLoadAttr:    {"LOAD_ATTR", 2, 0, false},
	OpLoadMethod:  {"LOAD_METHOD", 2, 1, false},
	OpLoadDeref:   {"LOAD_DEREF", 1, 1, false},
	OpLoadClosure: {"LOAD_CLOSURE", 1, 1, false},

	// Stores and deletes
	OpStoreFast:    {"STORE_FAST", 1, -1, false},
	OpStoreName:    {"STORE_NAME", 2, -1, false},
	OpStoreGlobal:  {"STORE_GLOBAL", 2, -1, false},
	OpStoreAttr:    {"STORE_ATTR", 2, -2, false},
	OpStoreDeref:   {"STORE_DEREF", 1, -1, false},
	OpStoreSubscr:  {"STORE_SUBSCR", 0, -3, false},
	OpDeleteFast:   {"DELETE_FAST", 1, 0, false},
	OpDeleteName:   {"DELETE_NAME", 2, 0, false},
	OpDeleteGlobal: {"DELETE_GLOBAL", 2, 0, false},
	OpDeleteAttr:   {"DELETE_ATTR", 2, -1, false},
	OpDeleteSubscr: {"DELETE_SUBSCR", 0, -2, false},
	OpDeleteDeref:  {"DELETE_DEREF", 1, 0, false},

	// Operators
	OpUnaryPositive: {"UNARY_POSITIVE", 0, 0, false},
	OpUnaryNegative: {"UNARY_NEGATIVE", 0, 0, false},
	OpUnaryNot:      {"UNARY_NOT", 0, 0, false},
	OpUnaryInvert:   {"UNARY_INVERT", 0, 0, false},
	OpBinaryOp:      {"BINARY_OP", 1, -1, false},
	OpBinarySubscr:  {"BINARY_SUBSCR", 0, -1, false},

	// Comparisons
	OpCompareOp:     {"COMPARE_OP", 1, -1, false},
	OpIsOp:          {"IS_OP", 1, -1, false},
	OpContainsOp:    {"CONTAINS_OP", 1, -1, false},
	OpCheckExcMatch: {"CHECK_EXC_MATCH", 0, 0, false},

	// Control flow
	OpJump:           {"JUMP", 2, 0, false},
	OpPopJumpIfTrue:  {"POP_JUMP_IF_TRUE", 2, -1, false},
	OpPopJumpIfFalse: {"POP_JUMP_IF_FALSE", 2, -1, false},
	OpGetIter:        {"GET_ITER", 0, 0, false},
	OpForIter:        {"FOR_ITER", 2, 1, false},
	OpReturnValue:    {"RETURN_VALUE", 0, -1, false},
	OpReturnConst:    {"RETURN_CONST", 2, 0, false},

	// Calls
	OpCallFunction:   {"CALL_FUNCTION", 1, 0, true},
	OpCallFunctionKw: {"CALL_FUNCTION_KW", 1, 0, true},
	OpCallFunctionEx: {"CALL_FUNCTION_EX", 1, 0, true},
	OpCallMethod:     {"CALL_METHOD", 1, 0, true},
	OpMakeFunction:   {"MAKE_FUNCTION", 1, 0, true},

	// Object construction
	OpBuildTuple:     {"BUILD_TUPLE", 1, 0, true},
	OpBuildList:      {"BUILD_LIST", 1, 0, true},
	OpBuildSet:       {"BUILD_SET", 1, 0, true},
	OpBuildMap:       {"BUILD_MAP", 1, 0, true},
	OpBuildString:    {"BUILD_STRING", 1, 0, true},
	OpBuildSlice:     {"BUILD_SLICE", 1, 0, true},
	OpListAppend:     {"LIST_APPEND", 1, -1, false},
	OpSetAdd:         {"SET_ADD", 1, -1, false},
	OpMapAdd:         {"MAP_ADD", 1, -2, false},
	OpListExtend:     {"LIST_EXTEND", 1, -1, false},
	OpDictMerge:      {"DICT_MERGE", 1, -1, false},
	OpUnpackSequence: {"UNPACK_SEQUENCE", 1, 0, true},
	OpUnpackEx:       {"UNPACK_EX", 2, 0, true},
	OpFormatValue:    {"FORMAT_VALUE", 1, 0, true},
	OpLoadBuildClass: {"LOAD_BUILD_CLASS", 0, 1, false},

	// Exception and block pseudo-ops
	OpSetupLoop:       {"SETUP_LOOP", 2, 0, false},
	OpSetupExcept:     {"SETUP_EXCEPT", 2, 0, false},
	OpSetupFinally:    {"SETUP_FINALLY", 2, 0, false},
	OpSetupWith:       {"SETUP_WITH", 2, 1, false},
	OpPopBlock:        {"POP_BLOCK", 0, 0, false},
	OpPopExcept:       {"POP_EXCEPT", 0, -1, false},
	OpPushExcInfo:     {"PUSH_EXC_INFO", 0, 1, false},
	OpRaiseVarargs:    {"RAISE_VARARGS", 1, 0, true},
	OpReraise:         {"RERAISE", 0, -1, false},
	OpWithExceptStart: {"WITH_EXCEPT_START", 0, 1, false},
	OpEndFinally:      {"END_FINALLY", 0, 0, false},
	OpBreakLoop:       {"BREAK_LOOP", 0, 0, false},
	OpContinueLoop:    {"CONTINUE_LOOP", 2, 0, false},

	// Generators and async
	OpYieldValue:       {"YIELD_VALUE", 0, 0, false},
	OpYieldFrom:        {"YIELD_FROM", 0, -1, false},
	OpGetYieldFromIter: {"GET_YIELD_FROM_ITER", 0, 0, false},
	OpAwait:            {"AWAIT", 0, 0, false},
	OpSend:             {"SEND", 2, -1, false},
	OpGetAiter:         {"GET_AITER", 0, 0, false},
	OpGetAnext:         {"GET_ANEXT", 0, 1, false},
	OpEndAsyncFor:      {"END_ASYNC_FOR", 0, -2, false},
	OpBeforeAsyncWith:  {"BEFORE_ASYNC_WITH", 0, 1, false},

	// Escape
	OpExtendedArg: {"EXTENDED_ARG", 4, 0, false},
}

// Info returns the metadata for an opcode. Undefined opcodes report an
// INVALID_XX name with zero operand bytes.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("INVALID_%02X", byte(op)), OperandBytes: 0, StackEffect: 0}
}

// Valid reports whether the opcode byte is a defined instruction.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// StackEffect returns the net stack effect of executing op with the given
// operand. It is a pure function of its inputs: fixed-effect opcodes ignore
// the operand, variadic ones compute from it.
func StackEffect(op Opcode, operand uint32) int {
	info, ok := opcodeTable[op]
	if !ok {
		return 0
	}
	if !info.Variadic {
		return info.StackEffect
	}
	n := int(operand)
	switch op {
	case OpCallFunction:
		// pops callable + n args, pushes result
		return -n
	case OpCallFunctionKw:
		// as CALL_FUNCTION plus the kwargs name tuple
		return -n - 1
	case OpCallFunctionEx:
		// pops callable + args tuple (+ kwargs dict), pushes result
		if operand&0x01 != 0 {
			return -2
		}
		return -1
	case OpCallMethod:
		// pops method + receiver + n args, pushes result
		return -n - 1
	case OpMakeFunction:
		// pops code object plus one entry per flag bit, pushes function
		pops := 0
		for _, flag := range []uint32{MakeFuncDefaults, MakeFuncKwDefaults, MakeFuncAnnotations, MakeFuncClosure} {
			if operand&flag != 0 {
				pops++
			}
		}
		return -pops
	case OpBuildTuple, OpBuildList, OpBuildSet, OpBuildString, OpBuildSlice:
		return 1 - n
	case OpBuildMap:
		return 1 - 2*n
	case OpUnpackSequence:
		return n - 1
	case OpUnpackEx:
		// operand packs before-star count (low byte) and after-star count
		// (high byte); the starred list itself is one more entry
		return int(operand&0xFF) + int(operand>>8&0xFF)
	case OpFormatValue:
		if operand&0x04 != 0 {
			return -1
		}
		return 0
	case OpRaiseVarargs:
		return -n
	}
	return info.StackEffect
}
