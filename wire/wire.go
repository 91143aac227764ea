// Package wire defines the CBOR envelopes that describe compiled programs
// to tooling: the compile cache, the CLI, and anything else that wants
// program metadata without decoding a full container.
package wire

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/driftlabs/drift/vm"
)

// cborEncMode holds CBOR encoding options with canonical mode for
// deterministic encoding: equal envelopes marshal to identical bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ProgramMeta describes one compiled program: the header facts tooling
// filters on, plus the content hash that keys the program everywhere.
type ProgramMeta struct {
	Name          string   `cbor:"1,keyasint"`
	RuntimeTag    string   `cbor:"2,keyasint"`
	FormatVersion uint32   `cbor:"3,keyasint"`
	Flags         uint32   `cbor:"4,keyasint"`
	CodeSize      uint64   `cbor:"5,keyasint"`
	ConstantCount uint64   `cbor:"6,keyasint"`
	NameCount     uint64   `cbor:"7,keyasint"`
	ObjectCount   uint32   `cbor:"8,keyasint"`
	Hash          [32]byte `cbor:"9,keyasint"`
	BuiltAt       int64    `cbor:"10,keyasint"` // Unix seconds, UTC
}

// NewProgramMeta builds the envelope for a loaded program.
func NewProgramMeta(p *vm.Program, builtAt time.Time) *ProgramMeta {
	h := p.Header()
	return &ProgramMeta{
		Name:          p.Root().Name(),
		RuntimeTag:    h.RuntimeTag,
		FormatVersion: h.Version,
		Flags:         h.Flags,
		CodeSize:      h.CodeSize,
		ConstantCount: h.ConstantsCount,
		NameCount:     h.NamesCount,
		ObjectCount:   uint32(p.ObjectCount()),
		Hash:          p.Hash(),
		BuiltAt:       builtAt.UTC().Unix(),
	}
}

// Built returns the build timestamp as a time.Time in UTC.
func (m *ProgramMeta) Built() time.Time {
	return time.Unix(m.BuiltAt, 0).UTC()
}

// HasGenerators reports whether the program declares generator code.
func (m *ProgramMeta) HasGenerators() bool {
	return m.Flags&vm.FlagHasGenerators != 0
}

// HasAsync reports whether the program declares coroutine code.
func (m *ProgramMeta) HasAsync() bool {
	return m.Flags&vm.FlagHasAsync != 0
}

// MarshalProgramMeta serializes a ProgramMeta to CBOR bytes.
func MarshalProgramMeta(m *ProgramMeta) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

// UnmarshalProgramMeta deserializes a ProgramMeta from CBOR bytes.
func UnmarshalProgramMeta(data []byte) (*ProgramMeta, error) {
	var m ProgramMeta
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wire: unmarshal program meta: %w", err)
	}
	return &m, nil
}
