// Package vm implements the Drift bytecode core.
//
// This package contains:
//   - The DPB container format: writer, reader, and validation
//   - Immutable code objects with interned constant and name pools
//   - A bytecode assembler with label fixup and stack-depth accounting
//   - The closed 256-slot opcode space and its disassembler
//   - Frames, call stacks, and the exception handling state machine
//
// The dispatch loop and the object model live above this package: vm
// defines the execution substrate a host interpreter drives.
package vm
