package vm

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
)

// ---------------------------------------------------------------------------
// Container error taxonomy
// ---------------------------------------------------------------------------

var (
	// ErrTruncated indicates the input is shorter than the fixed header.
	ErrTruncated = errors.New("container truncated")

	// ErrInvalidMagic indicates the input does not start with the DPB magic.
	ErrInvalidMagic = errors.New("invalid container magic")

	// ErrVersionMismatch indicates an unsupported container format version.
	ErrVersionMismatch = errors.New("container version mismatch")

	// ErrCorruptHeader indicates a header field that fails validation.
	ErrCorruptHeader = errors.New("corrupt container header")

	// ErrHashMismatch indicates the stored content hash does not match the
	// hash of the data after the header.
	ErrHashMismatch = errors.New("container content hash mismatch")

	// ErrCorruptData indicates malformed section contents.
	ErrCorruptData = errors.New("corrupt container data")

	// ErrUnexpectedEOF indicates a read past the end of the container.
	ErrUnexpectedEOF = errors.New("unexpected end of container data")
)

// ---------------------------------------------------------------------------
// Header
// ---------------------------------------------------------------------------

// Header is the parsed fixed-size DPB container header.
type Header struct {
	Magic      [4]byte
	Version    uint32
	RuntimeTag string
	Flags      uint32

	CodeOffset      uint64
	ConstantsOffset uint64
	NamesOffset     uint64
	ObjectsOffset   uint64
	DebugOffset     uint64

	CodeSize       uint64
	ConstantsCount uint64
	NamesCount     uint64

	Hash [sha256.Size]byte
}

// HasGenerators reports whether the container declares generator code.
func (h *Header) HasGenerators() bool { return h.Flags&FlagHasGenerators != 0 }

// HasAsync reports whether the container declares coroutine code.
func (h *Header) HasAsync() bool { return h.Flags&FlagHasAsync != 0 }

// ReadHeader parses and validates the fixed header without touching the
// section data. It checks the magic, the version, the reserved field, and
// that every section offset lies within the input.
func ReadHeader(data []byte) (*Header, error) {
	if len(data) < DPBHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(data), DPBHeaderSize)
	}

	var h Header
	copy(h.Magic[:], data[hdrOffMagic:hdrOffMagic+4])
	if h.Magic != DPBMagic {
		return nil, fmt.Errorf("%w: got % X", ErrInvalidMagic, h.Magic[:])
	}

	h.Version = ReadUint32(data[hdrOffVersion:])
	if h.Version != DPBVersion {
		return nil, fmt.Errorf("%w: got v%d, support v%d", ErrVersionMismatch, h.Version, DPBVersion)
	}

	h.RuntimeTag = decodeRuntimeTag(data[hdrOffRuntimeTag : hdrOffRuntimeTag+runtimeTagSize])
	h.Flags = ReadUint32(data[hdrOffFlags:])

	if reserved := ReadUint32(data[hdrOffReserved:]); reserved != 0 {
		return nil, fmt.Errorf("%w: reserved field is %#x, want 0", ErrCorruptHeader, reserved)
	}

	h.CodeOffset = ReadUint64(data[hdrOffCode:])
	h.ConstantsOffset = ReadUint64(data[hdrOffConstants:])
	h.NamesOffset = ReadUint64(data[hdrOffNames:])
	h.ObjectsOffset = ReadUint64(data[hdrOffObjects:])
	h.DebugOffset = ReadUint64(data[hdrOffDebug:])

	h.CodeSize = ReadUint64(data[hdrOffCodeSize:])
	h.ConstantsCount = ReadUint64(data[hdrOffConstCount:])
	h.NamesCount = ReadUint64(data[hdrOffNameCount:])

	size := uint64(len(data))
	sections := []struct {
		name   string
		offset uint64
	}{
		{"code", h.CodeOffset},
		{"constants", h.ConstantsOffset},
		{"names", h.NamesOffset},
		{"objects", h.ObjectsOffset},
		{"debug", h.DebugOffset},
	}
	for _, s := range sections {
		if s.offset < DPBHeaderSize || s.offset > size {
			return nil, fmt.Errorf("%w: %s section offset %d outside container of %d bytes",
				ErrCorruptHeader, s.name, s.offset, size)
		}
	}
	if h.CodeSize > size-h.CodeOffset {
		return nil, fmt.Errorf("%w: code section of %d bytes at offset %d overruns container of %d bytes",
			ErrCorruptHeader, h.CodeSize, h.CodeOffset, size)
	}

	copy(h.Hash[:], data[hdrOffHash:hdrOffHash+sha256.Size])
	return &h, nil
}

// VerifyHash recomputes the SHA-256 over everything after the header and
// compares it against the stored content hash.
func (h *Header) VerifyHash(data []byte) error {
	if len(data) < DPBHeaderSize {
		return fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(data), DPBHeaderSize)
	}
	sum := sha256.Sum256(data[DPBHeaderSize:])
	if !bytes.Equal(sum[:], h.Hash[:]) {
		return fmt.Errorf("%w: stored %x, computed %x", ErrHashMismatch, h.Hash[:8], sum[:8])
	}
	return nil
}

// decodeRuntimeTag strips the NUL padding from the fixed-width tag field.
func decodeRuntimeTag(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		return string(field[:i])
	}
	return string(field)
}

// ---------------------------------------------------------------------------
// dpbReader: bounds-checked cursor over container bytes
// ---------------------------------------------------------------------------

type dpbReader struct {
	data []byte
	pos  int
}

func (r *dpbReader) remaining() int {
	return len(r.data) - r.pos
}

func (r *dpbReader) readByte() (byte, error) {
	if r.pos+1 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *dpbReader) readUint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := ReadUint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *dpbReader) readUint64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := ReadUint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *dpbReader) readInt64() (int64, error) {
	v, err := r.readUint64()
	return int64(v), err
}

func (r *dpbReader) readFloat64() (float64, error) {
	if r.pos+8 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := ReadFloat64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *dpbReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, ErrUnexpectedEOF
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *dpbReader) readString() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readCount reads a u32 element count and rejects values that could not
// possibly fit in the remaining input, given a minimum encoded size per
// element. This bounds allocations on corrupt input.
func (r *dpbReader) readCount(minElemSize int) (int, error) {
	n, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	count := int(n)
	if count < 0 || count > r.remaining()/minElemSize {
		return 0, fmt.Errorf("%w: element count %d exceeds remaining %d bytes", ErrCorruptData, count, r.remaining())
	}
	return count, nil
}

func (r *dpbReader) readStringList() ([]string, error) {
	count, err := r.readCount(4)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	list := make([]string, 0, count)
	for i := 0; i < count; i++ {
		s, err := r.readString()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// ---------------------------------------------------------------------------
// Constant decoding
// ---------------------------------------------------------------------------

// constRef is a decoded constant pool slot. A non-negative row marks a code
// reference that is resolved against the object table after all rows are
// parsed.
type constRef struct {
	c   Constant
	row int64
}

// readConstant decodes one constant. Code references are legal only in
// top-level pool slots, never inside tuple or frozenset payloads.
func (r *dpbReader) readConstant(topLevel bool) (constRef, error) {
	none := constRef{row: -1}

	tag, err := r.readByte()
	if err != nil {
		return none, err
	}

	switch ConstantKind(tag) {
	case KindNone:
		return constRef{c: NoneConst(), row: -1}, nil

	case KindEllipsis:
		return constRef{c: EllipsisConst(), row: -1}, nil

	case KindBool:
		b, err := r.readByte()
		if err != nil {
			return none, err
		}
		if b > 1 {
			return none, fmt.Errorf("%w: bool constant byte %#x", ErrCorruptData, b)
		}
		return constRef{c: BoolConst(b == 1), row: -1}, nil

	case KindInt:
		v, err := r.readInt64()
		if err != nil {
			return none, err
		}
		return constRef{c: IntConst(v), row: -1}, nil

	case KindFloat:
		v, err := r.readFloat64()
		if err != nil {
			return none, err
		}
		return constRef{c: FloatConst(v), row: -1}, nil

	case KindComplex:
		re, err := r.readFloat64()
		if err != nil {
			return none, err
		}
		im, err := r.readFloat64()
		if err != nil {
			return none, err
		}
		return constRef{c: ComplexConst(re, im), row: -1}, nil

	case KindString:
		s, err := r.readString()
		if err != nil {
			return none, err
		}
		return constRef{c: StringConst(s), row: -1}, nil

	case KindBytes:
		n, err := r.readUint32()
		if err != nil {
			return none, err
		}
		bs, err := r.readBytes(int(n))
		if err != nil {
			return none, err
		}
		return constRef{c: BytesConst(bs), row: -1}, nil

	case KindTuple, KindFrozenSet:
		count, err := r.readCount(1)
		if err != nil {
			return none, err
		}
		items := make([]Constant, 0, count)
		for i := 0; i < count; i++ {
			item, err := r.readConstant(false)
			if err != nil {
				return none, err
			}
			items = append(items, item.c)
		}
		if ConstantKind(tag) == KindTuple {
			return constRef{c: TupleConst(items), row: -1}, nil
		}
		return constRef{c: FrozenSetConst(items), row: -1}, nil

	case KindCode:
		if !topLevel {
			return none, fmt.Errorf("%w: code reference inside container constant", ErrCorruptData)
		}
		row, err := r.readUint32()
		if err != nil {
			return none, err
		}
		return constRef{row: int64(row)}, nil

	default:
		return none, fmt.Errorf("%w: unknown constant kind %d", ErrCorruptData, tag)
	}
}

func (r *dpbReader) readConstantList(count int) ([]constRef, error) {
	if count == 0 {
		return nil, nil
	}
	refs := make([]constRef, 0, count)
	for i := 0; i < count; i++ {
		ref, err := r.readConstant(true)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ---------------------------------------------------------------------------
// Program loading
// ---------------------------------------------------------------------------

// objectRow is the parsed but not yet materialized form of one object table
// entry.
type objectRow struct {
	name     string
	qualName string
	filename string

	firstLine int
	argCount  int
	posOnly   int
	kwOnly    int
	numLocals int
	stackSize int
	flags     CodeFlags

	span codeSpan

	varNames []string
	freeVars []string
	cellVars []string

	consts []constRef
	names  []string
	lines  []LineEntry
}

// programLoader materializes CodeObjects from parsed rows, resolving code
// references bottom-up.
type programLoader struct {
	code     []byte
	rows     []objectRow
	built    []*CodeObject
	building []bool
}

// LoadProgram fully validates a DPB container and decodes it into a
// Program. Validation failures surface before any decoding result escapes:
// the function never returns a partially valid Program.
func LoadProgram(data []byte) (*Program, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if err := h.VerifyHash(data); err != nil {
		return nil, err
	}

	code := data[h.CodeOffset : h.CodeOffset+h.CodeSize]

	// Object table
	tr := &dpbReader{data: data, pos: int(h.ObjectsOffset)}
	rowCount, err := tr.readCount(1)
	if err != nil {
		return nil, fmt.Errorf("object table: %w", err)
	}
	if rowCount == 0 {
		return nil, fmt.Errorf("%w: empty code object table", ErrCorruptData)
	}
	rows := make([]objectRow, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		row, err := readObjectRow(tr, i, h.CodeSize)
		if err != nil {
			return nil, fmt.Errorf("object table row %d: %w", i, err)
		}
		rows = append(rows, row)
	}

	// Root pools live in the dedicated sections.
	cr := &dpbReader{data: data, pos: int(h.ConstantsOffset)}
	if h.ConstantsCount > uint64(cr.remaining()) {
		return nil, fmt.Errorf("%w: constant count %d exceeds remaining %d bytes",
			ErrCorruptData, h.ConstantsCount, cr.remaining())
	}
	rootConsts, err := cr.readConstantList(int(h.ConstantsCount))
	if err != nil {
		return nil, fmt.Errorf("constants section: %w", err)
	}
	rows[0].consts = rootConsts

	nr := &dpbReader{data: data, pos: int(h.NamesOffset)}
	if h.NamesCount > uint64(nr.remaining())/4 {
		return nil, fmt.Errorf("%w: name count %d exceeds remaining %d bytes",
			ErrCorruptData, h.NamesCount, nr.remaining())
	}
	rootNames := make([]string, 0, h.NamesCount)
	for i := uint64(0); i < h.NamesCount; i++ {
		s, err := nr.readString()
		if err != nil {
			return nil, fmt.Errorf("names section: %w", err)
		}
		rootNames = append(rootNames, s)
	}
	rows[0].names = rootNames

	// Debug section: one line table per row, in row order.
	dr := &dpbReader{data: data, pos: int(h.DebugOffset)}
	for i := range rows {
		count, err := dr.readCount(8)
		if err != nil {
			return nil, fmt.Errorf("debug section row %d: %w", i, err)
		}
		if count == 0 {
			continue
		}
		lines := make([]LineEntry, 0, count)
		for j := 0; j < count; j++ {
			off, err := dr.readUint32()
			if err != nil {
				return nil, fmt.Errorf("debug section row %d: %w", i, err)
			}
			line, err := dr.readUint32()
			if err != nil {
				return nil, fmt.Errorf("debug section row %d: %w", i, err)
			}
			lines = append(lines, LineEntry{Offset: int(off), Line: int(line)})
		}
		rows[i].lines = lines
	}

	loader := &programLoader{
		code:     code,
		rows:     rows,
		built:    make([]*CodeObject, len(rows)),
		building: make([]bool, len(rows)),
	}
	objects := make([]*CodeObject, len(rows))
	for i := range rows {
		co, err := loader.buildObject(int64(i))
		if err != nil {
			return nil, err
		}
		objects[i] = co
	}

	return &Program{
		header:  *h,
		root:    objects[0],
		objects: objects,
	}, nil
}

// LoadProgramFile reads a container from disk and loads it.
func LoadProgramFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadProgram(data)
}

// readObjectRow parses one object table entry. Row 0 (the root) has no
// inline pools.
func readObjectRow(r *dpbReader, row int, codeSize uint64) (objectRow, error) {
	var o objectRow
	var err error

	if o.name, err = r.readString(); err != nil {
		return o, err
	}
	if o.qualName, err = r.readString(); err != nil {
		return o, err
	}
	if o.filename, err = r.readString(); err != nil {
		return o, err
	}

	scalars := []*int{&o.firstLine, &o.argCount, &o.posOnly, &o.kwOnly, &o.numLocals, &o.stackSize}
	for _, p := range scalars {
		v, err := r.readUint32()
		if err != nil {
			return o, err
		}
		*p = int(v)
	}
	flags, err := r.readUint32()
	if err != nil {
		return o, err
	}
	o.flags = CodeFlags(flags)

	if o.span.offset, err = r.readUint64(); err != nil {
		return o, err
	}
	if o.span.length, err = r.readUint64(); err != nil {
		return o, err
	}
	if o.span.length > codeSize || o.span.offset > codeSize-o.span.length {
		return o, fmt.Errorf("%w: bytecode span [%d,+%d) outside code section of %d bytes",
			ErrCorruptData, o.span.offset, o.span.length, codeSize)
	}

	if o.varNames, err = r.readStringList(); err != nil {
		return o, err
	}
	if o.freeVars, err = r.readStringList(); err != nil {
		return o, err
	}
	if o.cellVars, err = r.readStringList(); err != nil {
		return o, err
	}

	if row != 0 {
		constCount, err := r.readCount(1)
		if err != nil {
			return o, err
		}
		if o.consts, err = r.readConstantList(constCount); err != nil {
			return o, err
		}
		if o.names, err = r.readStringList(); err != nil {
			return o, err
		}
	}
	return o, nil
}

// buildObject materializes the code object for a table row, recursively
// building referenced rows first. Reference cycles are rejected.
func (l *programLoader) buildObject(idx int64) (*CodeObject, error) {
	if idx < 0 || idx >= int64(len(l.rows)) {
		return nil, fmt.Errorf("%w: code reference to row %d of %d", ErrCorruptData, idx, len(l.rows))
	}
	if l.built[idx] != nil {
		return l.built[idx], nil
	}
	if l.building[idx] {
		return nil, fmt.Errorf("%w: code reference cycle through row %d", ErrCorruptData, idx)
	}
	l.building[idx] = true
	defer func() { l.building[idx] = false }()

	row := l.rows[idx]

	consts := make([]Constant, len(row.consts))
	for i, ref := range row.consts {
		if ref.row < 0 {
			consts[i] = ref.c
			continue
		}
		child, err := l.buildObject(ref.row)
		if err != nil {
			return nil, err
		}
		consts[i] = CodeConst(child)
	}

	co := NewCodeObject(CodeObjectParams{
		Name:            row.name,
		QualName:        row.qualName,
		Filename:        row.filename,
		FirstLine:       row.firstLine,
		ArgCount:        row.argCount,
		PosOnlyArgCount: row.posOnly,
		KwOnlyArgCount:  row.kwOnly,
		NumLocals:       row.numLocals,
		StackSize:       row.stackSize,
		Flags:           row.flags,
		Code:            l.code[row.span.offset : row.span.offset+row.span.length],
		Constants:       consts,
		Names:           row.names,
		VarNames:        row.varNames,
		FreeVars:        row.freeVars,
		CellVars:        row.cellVars,
		Lines:           row.lines,
	})
	l.built[idx] = co
	return co, nil
}
