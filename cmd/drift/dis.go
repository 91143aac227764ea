package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/driftlabs/drift/vm"
)

// handleDisCommand processes the `drift dis` subcommand: a full listing of
// every code object in the container, root first.
func handleDisCommand(args []string, verbose bool) {
	if len(args) != 1 {
		fatalf("usage: drift dis <file.dpb>")
	}
	p, err := vm.LoadProgramFile(args[0])
	if err != nil {
		fatalf("%s: %v", args[0], err)
	}

	header := color.New(color.FgCyan, color.Bold)
	for i, co := range p.Objects() {
		if i > 0 {
			fmt.Println()
		}
		header.Printf("%s", qualOrName(co))
		fmt.Printf("  (%s:%d)\n", co.Filename(), co.FirstLine())
		if verbose {
			fmt.Printf("  args=%d locals=%d stack=%d cells=%d free=%d\n",
				co.ArgCount(), co.NumLocals(), co.StackSize(), co.NumCells(), co.NumFreeVars())
		}
		printListing(co)
	}
}

func qualOrName(co *vm.CodeObject) string {
	if q := co.QualName(); q != "" {
		return q
	}
	return co.Name()
}

// printListing renders one code object's bytecode, stopping at an undefined
// opcode the same way the disassembler does.
func printListing(co *vm.CodeObject) {
	opName := color.New(color.FgYellow).SprintFunc()
	annot := color.New(color.FgGreen).SprintFunc()

	code := co.Code()
	for offset := 0; offset < len(code); {
		inst, next := vm.DecodeInstruction(co, offset)

		fmt.Printf("  %04d  %s", inst.Offset, opName(inst.Op.Name()))
		switch {
		case inst.Truncated:
			fmt.Print(" <truncated>")
		case inst.Op.Valid() && inst.Op.OperandBytes() > 0:
			fmt.Printf(" %d", inst.Operand)
			if inst.Annotation != "" {
				fmt.Printf(" %s", annot("("+inst.Annotation+")"))
			}
		}
		fmt.Println()

		if !inst.Op.Valid() || inst.Truncated {
			break
		}
		offset = next
	}
}
