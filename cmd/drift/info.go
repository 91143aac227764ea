package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/driftlabs/drift/vm"
)

// handleInfoCommand processes the `drift info` subcommand: it prints the
// container header and checks the content hash, without decoding sections.
func handleInfoCommand(args []string, verbose bool) {
	if len(args) != 1 {
		fatalf("usage: drift info <file.dpb>")
	}
	path := args[0]

	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("%v", err)
	}
	h, err := vm.ReadHeader(data)
	if err != nil {
		fatalf("%s: %v", path, err)
	}

	label := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s      %s\n", label("file:"), path)
	fmt.Printf("%s    v%d\n", label("format:"), h.Version)
	fmt.Printf("%s   %s\n", label("runtime:"), h.RuntimeTag)
	fmt.Printf("%s     %s\n", label("flags:"), flagNames(h.Flags))
	fmt.Printf("%s      %d bytes of bytecode, %d total\n", label("size:"), h.CodeSize, len(data))
	fmt.Printf("%s     %d constants, %d names\n", label("pools:"), h.ConstantsCount, h.NamesCount)
	fmt.Printf("%s      %x\n", label("hash:"), h.Hash)

	if verbose {
		fmt.Println()
		fmt.Printf("  %-10s %8s\n", "section", "offset")
		fmt.Printf("  %-10s %8d\n", "code", h.CodeOffset)
		fmt.Printf("  %-10s %8d\n", "constants", h.ConstantsOffset)
		fmt.Printf("  %-10s %8d\n", "names", h.NamesOffset)
		fmt.Printf("  %-10s %8d\n", "objects", h.ObjectsOffset)
		fmt.Printf("  %-10s %8d\n", "debug", h.DebugOffset)
		fmt.Println()
	}

	if err := h.VerifyHash(data); err != nil {
		fmt.Printf("%s %s\n", label("integrity:"), color.RedString("hash mismatch"))
		os.Exit(1)
	}
	fmt.Printf("%s %s\n", label("integrity:"), color.GreenString("ok"))
}

// flagNames renders the container flag word for humans.
func flagNames(flags uint32) string {
	var names []string
	if flags&vm.FlagHasGenerators != 0 {
		names = append(names, "generators")
	}
	if flags&vm.FlagHasAsync != 0 {
		names = append(names, "async")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
