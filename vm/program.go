package vm

import "crypto/sha256"

// ---------------------------------------------------------------------------
// Program: a fully loaded DPB container
// ---------------------------------------------------------------------------

// Program is the decoded, validated form of a DPB container: the parsed
// header plus every code object from the object table. Programs are
// immutable once loaded.
type Program struct {
	header  Header
	root    *CodeObject
	objects []*CodeObject
}

// Header returns a copy of the parsed container header.
func (p *Program) Header() Header { return p.header }

// Root returns the module-level code object (object table row 0).
func (p *Program) Root() *CodeObject { return p.root }

// Hash returns the container's SHA-256 content hash.
func (p *Program) Hash() [sha256.Size]byte { return p.header.Hash }

// RuntimeTag returns the runtime tag the container was built for.
func (p *Program) RuntimeTag() string { return p.header.RuntimeTag }

// Flags returns the container flag word.
func (p *Program) Flags() uint32 { return p.header.Flags }

// ObjectCount returns the number of code objects in the object table.
func (p *Program) ObjectCount() int { return len(p.objects) }

// ObjectAt returns the code object at the given table row.
func (p *Program) ObjectAt(row int) (*CodeObject, bool) {
	if row < 0 || row >= len(p.objects) {
		return nil, false
	}
	return p.objects[row], true
}

// Objects returns a copy of the object table in row order.
func (p *Program) Objects() []*CodeObject {
	out := make([]*CodeObject, len(p.objects))
	copy(out, p.objects)
	return out
}
