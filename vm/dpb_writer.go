package vm

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// ---------------------------------------------------------------------------
// DPB Container Format Constants
// ---------------------------------------------------------------------------

// DPBMagic is the magic number identifying a Drift portable bytecode
// container. The fourth byte doubles as the major format generation.
var DPBMagic = [4]byte{'D', 'P', 'B', 0x01}

// DPB format version
// v1: initial format
const DPBVersion uint32 = 1

// DPB header size in bytes
// magic(4) + version(4) + runtimeTag(16) + flags(4) + reserved(4) +
// codeOffset(8) + constantsOffset(8) + namesOffset(8) + objectsOffset(8) +
// debugOffset(8) + codeSize(8) + constantsCount(8) + namesCount(8) +
// contentHash(32) = 128
const DPBHeaderSize = 128

// runtimeTagSize is the fixed width of the NUL-padded runtime tag field.
const runtimeTagSize = 16

// DefaultRuntimeTag is stamped into containers built without an explicit
// runtime tag.
const DefaultRuntimeTag = "drift-3.12"

// Container flags
const (
	FlagNone          uint32 = 0
	FlagHasGenerators uint32 = 1 << 0 // at least one code object is a generator
	FlagHasAsync      uint32 = 1 << 1 // at least one code object is a coroutine
)

// Fixed byte offsets of the header fields.
const (
	hdrOffMagic      = 0
	hdrOffVersion    = 4
	hdrOffRuntimeTag = 8
	hdrOffFlags      = 24
	hdrOffReserved   = 28
	hdrOffCode       = 32
	hdrOffConstants  = 40
	hdrOffNames      = 48
	hdrOffObjects    = 56
	hdrOffDebug      = 64
	hdrOffCodeSize   = 72
	hdrOffConstCount = 80
	hdrOffNameCount  = 88
	hdrOffHash       = 96
)

// ---------------------------------------------------------------------------
// dpbWriter: Serializes a code object tree to container bytes
// ---------------------------------------------------------------------------

// dpbWriter serializes a root code object and every code object reachable
// from its constant pools into a DPB container. It writes a placeholder
// header, appends the five sections in fixed order, then back-patches the
// section offsets, the counts, and finally the content hash.
type dpbWriter struct {
	// Output buffer
	buf *bytes.Buffer

	// Runtime tag to stamp into the header
	runtimeTag string

	// Code objects in table order: row 0 is the root, nested objects
	// follow depth-first.
	rows     []*CodeObject
	rowIndex map[*CodeObject]uint32

	// Per-row location of the bytecode inside the code section
	spans []codeSpan

	// Section offsets (for header back-patching)
	codeOffset      uint64
	constantsOffset uint64
	namesOffset     uint64
	objectsOffset   uint64
	debugOffset     uint64
}

// codeSpan locates one row's bytecode relative to the code section start.
type codeSpan struct {
	offset uint64
	length uint64
}

// newDPBWriter creates a writer that stamps the given runtime tag. An empty
// tag falls back to DefaultRuntimeTag.
func newDPBWriter(runtimeTag string) *dpbWriter {
	if runtimeTag == "" {
		runtimeTag = DefaultRuntimeTag
	}
	return &dpbWriter{
		buf:        bytes.NewBuffer(nil),
		runtimeTag: runtimeTag,
		rowIndex:   make(map[*CodeObject]uint32),
	}
}

// WriteProgram serializes root and all nested code objects, returning the
// complete container bytes.
func (w *dpbWriter) WriteProgram(root *CodeObject) ([]byte, error) {
	if root == nil {
		return nil, fmt.Errorf("dpb: nil code object")
	}
	if len(w.runtimeTag) > runtimeTagSize {
		return nil, fmt.Errorf("dpb: runtime tag %q longer than %d bytes", w.runtimeTag, runtimeTagSize)
	}

	if err := w.collect(root); err != nil {
		return nil, err
	}

	w.writeHeader()
	w.writeCodeSection()
	if err := w.writeConstantsSection(root); err != nil {
		return nil, err
	}
	w.writeNamesSection(root)
	if err := w.writeObjectTable(); err != nil {
		return nil, err
	}
	w.writeDebugSection()

	w.patchHeader(root)
	w.patchHash()

	return w.buf.Bytes(), nil
}

// ---------------------------------------------------------------------------
// Collection phase: assign table rows depth-first
// ---------------------------------------------------------------------------

// collect registers co and, depth-first, every code object found in its
// constant pool. An object reachable through several pools keeps the row
// assigned on first visit.
func (w *dpbWriter) collect(co *CodeObject) error {
	if _, ok := w.rowIndex[co]; ok {
		return nil
	}
	w.rowIndex[co] = uint32(len(w.rows))
	w.rows = append(w.rows, co)

	for i := 0; i < len(co.constants); i++ {
		c := co.constants[i]
		if err := w.checkContainers(c); err != nil {
			return err
		}
		if c.Kind() != KindCode {
			continue
		}
		child := c.Code()
		if child == nil {
			return fmt.Errorf("dpb: constant %d of %q is a nil code object", i, co.Name())
		}
		if err := w.collect(child); err != nil {
			return err
		}
	}
	return nil
}

// checkContainers rejects code objects nested inside tuple or frozenset
// constants. Container constants hold hashable immutables only; a code
// reference must occupy its own pool slot so it can carry a table row index.
func (w *dpbWriter) checkContainers(c Constant) error {
	if c.Kind() != KindTuple && c.Kind() != KindFrozenSet {
		return nil
	}
	for _, item := range c.Items() {
		if item.Kind() == KindCode {
			return fmt.Errorf("dpb: code object nested inside %v constant", c.Kind())
		}
		if err := w.checkContainers(item); err != nil {
			return err
		}
	}
	return nil
}

// containerFlags derives the header flags from the collected rows.
func (w *dpbWriter) containerFlags() uint32 {
	flags := FlagNone
	for _, co := range w.rows {
		if co.IsGenerator() || co.IsAsyncGenerator() {
			flags |= FlagHasGenerators
		}
		if co.IsCoroutine() || co.IsAsyncGenerator() {
			flags |= FlagHasAsync
		}
	}
	return flags
}

// ---------------------------------------------------------------------------
// Header writing
// ---------------------------------------------------------------------------

func (w *dpbWriter) writeHeader() {
	// Magic number
	w.buf.Write(DPBMagic[:])

	// Version
	buf := make([]byte, 4)
	WriteUint32(buf, DPBVersion)
	w.buf.Write(buf)

	// Runtime tag, NUL-padded to 16 bytes
	var tag [runtimeTagSize]byte
	copy(tag[:], w.runtimeTag)
	w.buf.Write(tag[:])

	// Flags
	WriteUint32(buf, w.containerFlags())
	w.buf.Write(buf)

	// Reserved, must be zero
	WriteUint32(buf, 0)
	w.buf.Write(buf)

	// Five section offsets plus code size and two counts (placeholders)
	buf8 := make([]byte, 8)
	for i := 0; i < 8; i++ {
		WriteUint64(buf8, 0)
		w.buf.Write(buf8)
	}

	// Content hash (placeholder - 32 bytes)
	var hash [sha256.Size]byte
	w.buf.Write(hash[:])
}

// patchHeader updates the header with the final section offsets and counts.
func (w *dpbWriter) patchHeader(root *CodeObject) {
	data := w.buf.Bytes()

	WriteUint64(data[hdrOffCode:], w.codeOffset)
	WriteUint64(data[hdrOffConstants:], w.constantsOffset)
	WriteUint64(data[hdrOffNames:], w.namesOffset)
	WriteUint64(data[hdrOffObjects:], w.objectsOffset)
	WriteUint64(data[hdrOffDebug:], w.debugOffset)

	WriteUint64(data[hdrOffCodeSize:], w.codeSectionSize())
	WriteUint64(data[hdrOffConstCount:], uint64(len(root.constants)))
	WriteUint64(data[hdrOffNameCount:], uint64(len(root.names)))
}

// patchHash computes the SHA-256 hash over everything after the header and
// stores it in the header hash field.
func (w *dpbWriter) patchHash() {
	data := w.buf.Bytes()
	sum := sha256.Sum256(data[DPBHeaderSize:])
	copy(data[hdrOffHash:hdrOffHash+sha256.Size], sum[:])
}

func (w *dpbWriter) codeSectionSize() uint64 {
	var total uint64
	for _, s := range w.spans {
		total += s.length
	}
	return total
}

// ---------------------------------------------------------------------------
// Section writing
// ---------------------------------------------------------------------------

// writeCodeSection concatenates the bytecode of every row and records the
// span each row occupies.
func (w *dpbWriter) writeCodeSection() {
	w.codeOffset = uint64(w.buf.Len())

	w.spans = make([]codeSpan, len(w.rows))
	var rel uint64
	for i, co := range w.rows {
		code := co.Code()
		w.spans[i] = codeSpan{offset: rel, length: uint64(len(code))}
		w.buf.Write(code)
		rel += uint64(len(code))
	}
}

// writeConstantsSection writes the root object's constant pool. The entry
// count lives in the header.
func (w *dpbWriter) writeConstantsSection(root *CodeObject) error {
	w.constantsOffset = uint64(w.buf.Len())
	for _, c := range root.constants {
		if err := w.writeConstant(c); err != nil {
			return err
		}
	}
	return nil
}

// writeNamesSection writes the root object's name table. The entry count
// lives in the header.
func (w *dpbWriter) writeNamesSection(root *CodeObject) {
	w.namesOffset = uint64(w.buf.Len())
	for _, name := range root.names {
		w.writeString(name)
	}
}

// writeObjectTable writes one row per collected code object. Row 0 (the
// root) stores its pools in the dedicated sections; nested rows embed their
// own constant and name pools inline.
func (w *dpbWriter) writeObjectTable() error {
	w.objectsOffset = uint64(w.buf.Len())

	w.writeUint32(uint32(len(w.rows)))
	for i, co := range w.rows {
		if err := w.writeObjectRow(uint32(i), co); err != nil {
			return err
		}
	}
	return nil
}

func (w *dpbWriter) writeObjectRow(row uint32, co *CodeObject) error {
	w.writeString(co.Name())
	w.writeString(co.QualName())
	w.writeString(co.Filename())

	w.writeUint32(uint32(co.FirstLine()))
	w.writeUint32(uint32(co.ArgCount()))
	w.writeUint32(uint32(co.PosOnlyArgCount()))
	w.writeUint32(uint32(co.KwOnlyArgCount()))
	w.writeUint32(uint32(co.NumLocals()))
	w.writeUint32(uint32(co.StackSize()))
	w.writeUint32(uint32(co.Flags()))

	// Bytecode span inside the code section
	span := w.spans[row]
	w.writeUint64(span.offset)
	w.writeUint64(span.length)

	w.writeStringList(co.varNames)
	w.writeStringList(co.freeVars)
	w.writeStringList(co.cellVars)

	// Nested rows carry their pools inline; the root's live in the
	// constants and names sections.
	if row != 0 {
		w.writeUint32(uint32(len(co.constants)))
		for _, c := range co.constants {
			if err := w.writeConstant(c); err != nil {
				return err
			}
		}
		w.writeUint32(uint32(len(co.names)))
		for _, name := range co.names {
			w.writeString(name)
		}
	}
	return nil
}

// writeDebugSection writes the line table of every row as absolute
// (instruction offset, line number) pairs.
func (w *dpbWriter) writeDebugSection() {
	w.debugOffset = uint64(w.buf.Len())

	for _, co := range w.rows {
		w.writeUint32(uint32(len(co.lines)))
		for _, entry := range co.lines {
			w.writeUint32(uint32(entry.Offset))
			w.writeUint32(uint32(entry.Line))
		}
	}
}

// ---------------------------------------------------------------------------
// Constant encoding
// ---------------------------------------------------------------------------

// writeConstant encodes one constant as a kind tag byte followed by a
// kind-specific payload. Code constants encode the object table row index
// of the referenced code object.
func (w *dpbWriter) writeConstant(c Constant) error {
	w.buf.WriteByte(byte(c.Kind()))

	switch c.Kind() {
	case KindNone, KindEllipsis:
		// Tag only

	case KindBool:
		if c.Bool() {
			w.buf.WriteByte(1)
		} else {
			w.buf.WriteByte(0)
		}

	case KindInt:
		buf := make([]byte, 8)
		WriteInt64(buf, c.Int())
		w.buf.Write(buf)

	case KindFloat:
		buf := make([]byte, 8)
		WriteFloat64(buf, c.Float())
		w.buf.Write(buf)

	case KindComplex:
		re, im := c.Complex()
		buf := make([]byte, 8)
		WriteFloat64(buf, re)
		w.buf.Write(buf)
		WriteFloat64(buf, im)
		w.buf.Write(buf)

	case KindString:
		w.writeString(c.Str())

	case KindBytes:
		bs := c.Bytes()
		w.writeUint32(uint32(len(bs)))
		w.buf.Write(bs)

	case KindTuple, KindFrozenSet:
		items := c.Items()
		w.writeUint32(uint32(len(items)))
		for _, item := range items {
			if err := w.writeConstant(item); err != nil {
				return err
			}
		}

	case KindCode:
		row, ok := w.rowIndex[c.Code()]
		if !ok {
			return fmt.Errorf("dpb: code constant %q not collected", c.Code().Name())
		}
		w.writeUint32(row)

	default:
		return fmt.Errorf("dpb: cannot encode constant kind %d", c.Kind())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Primitive writers
// ---------------------------------------------------------------------------

func (w *dpbWriter) writeUint32(v uint32) {
	buf := make([]byte, 4)
	WriteUint32(buf, v)
	w.buf.Write(buf)
}

func (w *dpbWriter) writeUint64(v uint64) {
	buf := make([]byte, 8)
	WriteUint64(buf, v)
	w.buf.Write(buf)
}

// writeString writes a string as [length:u32 | utf8 bytes].
func (w *dpbWriter) writeString(s string) {
	w.writeUint32(uint32(len(s)))
	w.buf.WriteString(s)
}

// writeStringList writes a count-prefixed string list.
func (w *dpbWriter) writeStringList(list []string) {
	w.writeUint32(uint32(len(list)))
	for _, s := range list {
		w.writeString(s)
	}
}

// ---------------------------------------------------------------------------
// Convenience entry points
// ---------------------------------------------------------------------------

// WriteProgram serializes a code object tree into DPB container bytes using
// the default runtime tag.
func WriteProgram(root *CodeObject) ([]byte, error) {
	return newDPBWriter("").WriteProgram(root)
}

// WriteProgramTagged serializes a code object tree, stamping the given
// runtime tag into the container header.
func WriteProgramTagged(root *CodeObject, runtimeTag string) ([]byte, error) {
	return newDPBWriter(runtimeTag).WriteProgram(root)
}

// WriteProgramTo serializes root and writes the container to out.
func WriteProgramTo(out io.Writer, root *CodeObject, runtimeTag string) (int64, error) {
	data, err := newDPBWriter(runtimeTag).WriteProgram(root)
	if err != nil {
		return 0, err
	}
	n, err := out.Write(data)
	return int64(n), err
}

// SaveProgram serializes root and writes the container to path.
func SaveProgram(path string, root *CodeObject, runtimeTag string) error {
	data, err := newDPBWriter(runtimeTag).WriteProgram(root)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
