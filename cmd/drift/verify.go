package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/driftlabs/drift/manifest"
	"github.com/driftlabs/drift/vm"
)

// handleVerifyCommand processes the `drift verify` subcommand: full
// structural validation including the content hash and, when a drift.toml
// is in scope, a runtime tag check against the project configuration.
func handleVerifyCommand(args []string, verbose bool) {
	if len(args) != 1 {
		fatalf("usage: drift verify <file.dpb>")
	}
	path := args[0]

	p, err := vm.LoadProgramFile(path)
	if err != nil {
		fatalf("%s: %v", path, err)
	}

	m, err := manifest.FindAndLoad(filepath.Dir(path))
	if err != nil {
		fatalf("%v", err)
	}
	if m != nil && p.RuntimeTag() != m.RuntimeTag() {
		fatalf("%s: runtime tag %q does not match manifest %q", path, p.RuntimeTag(), m.RuntimeTag())
	}

	if verbose {
		fmt.Printf("%d code objects, %d bytes of bytecode\n", p.ObjectCount(), p.Header().CodeSize)
		if m != nil {
			fmt.Printf("checked against %s\n", filepath.Join(m.Dir, manifest.ManifestFile))
		}
	}
	fmt.Printf("%s %s\n", path, color.GreenString("ok"))
}
