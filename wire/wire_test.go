package wire

import (
	"bytes"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/driftlabs/drift/vm"
)

func TestProgramMeta_CBORRoundTrip(t *testing.T) {
	h := sha256.Sum256([]byte("container"))

	m := &ProgramMeta{
		Name:          "<module>",
		RuntimeTag:    "drift-3.12",
		FormatVersion: 1,
		Flags:         vm.FlagHasGenerators,
		CodeSize:      64,
		ConstantCount: 5,
		NameCount:     2,
		ObjectCount:   3,
		Hash:          h,
		BuiltAt:       1756080000,
	}

	data, err := MarshalProgramMeta(m)
	if err != nil {
		t.Fatalf("MarshalProgramMeta: %v", err)
	}

	got, err := UnmarshalProgramMeta(data)
	if err != nil {
		t.Fatalf("UnmarshalProgramMeta: %v", err)
	}

	if got.Name != m.Name {
		t.Errorf("Name: got %q, want %q", got.Name, m.Name)
	}
	if got.RuntimeTag != m.RuntimeTag {
		t.Error("RuntimeTag mismatch")
	}
	if got.FormatVersion != 1 || got.Flags != vm.FlagHasGenerators {
		t.Error("FormatVersion/Flags mismatch")
	}
	if got.CodeSize != 64 || got.ConstantCount != 5 || got.NameCount != 2 {
		t.Error("size fields mismatch")
	}
	if got.ObjectCount != 3 {
		t.Errorf("ObjectCount: got %d, want 3", got.ObjectCount)
	}
	if got.Hash != h {
		t.Error("Hash mismatch")
	}
	if got.BuiltAt != m.BuiltAt {
		t.Error("BuiltAt mismatch")
	}
}

func TestProgramMeta_DeterministicEncoding(t *testing.T) {
	m := &ProgramMeta{Name: "<module>", RuntimeTag: "drift-3.12", FormatVersion: 1}

	first, err := MarshalProgramMeta(m)
	if err != nil {
		t.Fatalf("MarshalProgramMeta: %v", err)
	}
	second, err := MarshalProgramMeta(m)
	if err != nil {
		t.Fatalf("MarshalProgramMeta: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("canonical encoding is not deterministic")
	}
}

func TestUnmarshalProgramMeta_Garbage(t *testing.T) {
	if _, err := UnmarshalProgramMeta([]byte{0xFF, 0x00, 0x13}); err == nil {
		t.Error("garbage input unmarshalled")
	}
}

func TestNewProgramMeta(t *testing.T) {
	gen := vm.NewCodeObject(vm.CodeObjectParams{
		Name:      "gen",
		Flags:     vm.CodeFlagGenerator,
		StackSize: 1,
		Code:      []byte{byte(vm.OpReturnConst), 0, 0},
		Constants: []vm.Constant{vm.NoneConst()},
	})
	root := vm.NewCodeObject(vm.CodeObjectParams{
		Name:      "<module>",
		StackSize: 1,
		Code:      []byte{byte(vm.OpLoadConst), 0, 0, byte(vm.OpReturnValue)},
		Constants: []vm.Constant{vm.CodeConst(gen)},
		Names:     []string{"gen"},
	})

	data, err := vm.WriteProgramTagged(root, "drift-3.12")
	if err != nil {
		t.Fatalf("WriteProgramTagged: %v", err)
	}
	p, err := vm.LoadProgram(data)
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}

	builtAt := time.Date(2026, 3, 14, 9, 26, 53, 500, time.UTC)
	m := NewProgramMeta(p, builtAt)

	if m.Name != "<module>" {
		t.Errorf("Name: got %q", m.Name)
	}
	if m.RuntimeTag != "drift-3.12" {
		t.Errorf("RuntimeTag: got %q", m.RuntimeTag)
	}
	if m.FormatVersion != vm.DPBVersion {
		t.Errorf("FormatVersion: got %d", m.FormatVersion)
	}
	if m.ObjectCount != 2 {
		t.Errorf("ObjectCount: got %d, want 2", m.ObjectCount)
	}
	if m.Hash != p.Hash() {
		t.Error("Hash mismatch")
	}
	if !m.HasGenerators() {
		t.Error("HasGenerators should be true")
	}
	if m.HasAsync() {
		t.Error("HasAsync should be false")
	}

	h := p.Header()
	if m.CodeSize != h.CodeSize || m.ConstantCount != h.ConstantsCount || m.NameCount != h.NamesCount {
		t.Error("header size fields mismatch")
	}

	// Timestamps round to whole seconds in UTC.
	if want := builtAt.Truncate(time.Second); !m.Built().Equal(want) {
		t.Errorf("Built(): got %v, want %v", m.Built(), want)
	}
}
