package vm

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrTooManyConstants is reported when a constant pool exceeds the 16-bit
// operand index space.
var ErrTooManyConstants = errors.New("too many constants")

// ---------------------------------------------------------------------------
// Constant kinds
// ---------------------------------------------------------------------------

// ConstantKind identifies the variant held by a Constant. The set is closed:
// these are the only value kinds a code object may embed.
type ConstantKind uint8

const (
	KindNone ConstantKind = iota
	KindBool
	KindInt
	KindFloat
	KindComplex
	KindString
	KindBytes
	KindTuple
	KindFrozenSet
	KindCode
	KindEllipsis
)

var constantKindNames = [...]string{
	"None", "Bool", "Int", "Float", "Complex", "String", "Bytes",
	"Tuple", "FrozenSet", "Code", "Ellipsis",
}

// String implements the Stringer interface.
func (k ConstantKind) String() string {
	if int(k) < len(constantKindNames) {
		return constantKindNames[k]
	}
	return fmt.Sprintf("ConstantKind(%d)", uint8(k))
}

// ---------------------------------------------------------------------------
// Constant
// ---------------------------------------------------------------------------

// Constant is one immutable entry of a code object's constant pool.
// Build values through the *Const constructors; the zero value is None.
type Constant struct {
	kind  ConstantKind
	b     bool
	i     int64
	f     float64 // real part for KindComplex
	imag  float64
	s     string // KindString payload
	bs    []byte // KindBytes payload
	items []Constant
	code  *CodeObject
}

// NoneConst returns the None constant.
func NoneConst() Constant { return Constant{kind: KindNone} }

// EllipsisConst returns the Ellipsis constant.
func EllipsisConst() Constant { return Constant{kind: KindEllipsis} }

// BoolConst returns a boolean constant.
func BoolConst(v bool) Constant { return Constant{kind: KindBool, b: v} }

// IntConst returns an integer constant.
func IntConst(v int64) Constant { return Constant{kind: KindInt, i: v} }

// FloatConst returns a float constant.
func FloatConst(v float64) Constant { return Constant{kind: KindFloat, f: v} }

// ComplexConst returns a complex constant from real and imaginary parts.
func ComplexConst(re, im float64) Constant {
	return Constant{kind: KindComplex, f: re, imag: im}
}

// StringConst returns a string constant.
func StringConst(v string) Constant { return Constant{kind: KindString, s: v} }

// BytesConst returns a bytes constant. The input slice is copied.
func BytesConst(v []byte) Constant {
	bs := make([]byte, len(v))
	copy(bs, v)
	return Constant{kind: KindBytes, bs: bs}
}

// TupleConst returns a tuple constant. The element slice is copied.
func TupleConst(items []Constant) Constant {
	cp := make([]Constant, len(items))
	copy(cp, items)
	return Constant{kind: KindTuple, items: cp}
}

// FrozenSetConst returns a frozenset constant. The element slice is copied.
func FrozenSetConst(items []Constant) Constant {
	cp := make([]Constant, len(items))
	copy(cp, items)
	return Constant{kind: KindFrozenSet, items: cp}
}

// CodeConst returns a constant wrapping a nested code object.
func CodeConst(co *CodeObject) Constant { return Constant{kind: KindCode, code: co} }

// Kind returns the variant tag.
func (c Constant) Kind() ConstantKind { return c.kind }

// Bool returns the boolean payload. Valid only for KindBool.
func (c Constant) Bool() bool { return c.b }

// Int returns the integer payload. Valid only for KindInt.
func (c Constant) Int() int64 { return c.i }

// Float returns the float payload. Valid only for KindFloat.
func (c Constant) Float() float64 { return c.f }

// Complex returns the real and imaginary parts. Valid only for KindComplex.
func (c Constant) Complex() (re, im float64) { return c.f, c.imag }

// Str returns the string payload. Valid only for KindString.
func (c Constant) Str() string { return c.s }

// Bytes returns the bytes payload. Callers must not modify it.
func (c Constant) Bytes() []byte { return c.bs }

// Items returns the elements of a tuple or frozenset constant.
// Callers must not modify the returned slice.
func (c Constant) Items() []Constant { return c.items }

// Code returns the nested code object. Valid only for KindCode.
func (c Constant) Code() *CodeObject { return c.code }

// String renders the constant as a source-style literal.
func (c Constant) String() string {
	switch c.kind {
	case KindNone:
		return "None"
	case KindEllipsis:
		return "Ellipsis"
	case KindBool:
		if c.b {
			return "True"
		}
		return "False"
	case KindInt:
		return fmt.Sprintf("%d", c.i)
	case KindFloat:
		return formatFloatLiteral(c.f)
	case KindComplex:
		return fmt.Sprintf("(%s+%sj)", formatFloatLiteral(c.f), formatFloatLiteral(c.imag))
	case KindString:
		return fmt.Sprintf("%q", c.s)
	case KindBytes:
		return fmt.Sprintf("b%q", c.bs)
	case KindTuple:
		return "(" + joinConstants(c.items) + ")"
	case KindFrozenSet:
		return "frozenset({" + joinConstants(c.items) + "})"
	case KindCode:
		if c.code != nil {
			return fmt.Sprintf("<code %s>", c.code.Name())
		}
		return "<code>"
	}
	return fmt.Sprintf("<constant kind=%d>", uint8(c.kind))
}

func formatFloatLiteral(f float64) string {
	s := fmt.Sprintf("%g", f)
	if !strings.ContainsAny(s, ".eEnI") {
		s += ".0"
	}
	return s
}

func joinConstants(items []Constant) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.String()
	}
	return strings.Join(parts, ", ")
}

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// constantKey is the structural interning key for hashable constants.
// The kind tag participates in the key, so Bool and Int never collapse
// into one slot even when their payloads coincide numerically.
type constantKey struct {
	kind  ConstantKind
	b     bool
	i     int64
	fbits uint64
	s     string
}

// ConstantPool accumulates the constants of one code object.
//
// Hashable kinds (None, Bool, Int, Float, String) are interned structurally:
// adding an equal value twice yields the original index. Floats are keyed by
// IEEE-754 bit pattern, so 0.0 and -0.0 occupy distinct slots and a NaN
// re-uses its slot only for the identical bit pattern. Every other kind gets
// a fresh slot on every add.
type ConstantPool struct {
	consts []Constant
	index  map[constantKey]uint16
}

// NewConstantPool creates an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{
		index: make(map[constantKey]uint16),
	}
}

// Add appends a constant and returns its pool index, re-using the existing
// slot for an equal hashable constant.
func (p *ConstantPool) Add(c Constant) (uint16, error) {
	key, hashable := internKey(c)
	if hashable {
		if idx, ok := p.index[key]; ok {
			return idx, nil
		}
	}
	if len(p.consts) > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %d", ErrTooManyConstants, len(p.consts))
	}
	idx := uint16(len(p.consts))
	p.consts = append(p.consts, c)
	if hashable {
		p.index[key] = idx
	}
	return idx, nil
}

// At returns the constant at index i.
func (p *ConstantPool) At(i int) (Constant, bool) {
	if i < 0 || i >= len(p.consts) {
		return Constant{}, false
	}
	return p.consts[i], true
}

// Len returns the number of pool slots.
func (p *ConstantPool) Len() int { return len(p.consts) }

// Constants returns a copy of the pool contents in index order.
func (p *ConstantPool) Constants() []Constant {
	out := make([]Constant, len(p.consts))
	copy(out, p.consts)
	return out
}

// Reset empties the pool for re-use.
func (p *ConstantPool) Reset() {
	p.consts = p.consts[:0]
	p.index = make(map[constantKey]uint16)
}

func internKey(c Constant) (constantKey, bool) {
	switch c.kind {
	case KindNone:
		return constantKey{kind: KindNone}, true
	case KindBool:
		return constantKey{kind: KindBool, b: c.b}, true
	case KindInt:
		return constantKey{kind: KindInt, i: c.i}, true
	case KindFloat:
		return constantKey{kind: KindFloat, fbits: math.Float64bits(c.f)}, true
	case KindString:
		return constantKey{kind: KindString, s: c.s}, true
	}
	return constantKey{}, false
}
