// Package vm implements the mu virtual machine.
//
// This package contains:
//   - Tagged values with fixed per-kind equality, hashing and repr
//   - The reference-counted table engine (range, array and map strides)
//   - The bytecode format, emitter and disassembler
//   - Stack depth analysis and validation of compiled code
//   - The interpreter, with tail calls run on a trampoline
//   - The builtin operator set and the Runtime that hosts programs
//
// Cycles between tables (for example a scope holding a closure over
// itself) keep each other's counts above zero and are never torn down by
// Release. The Go collector still reclaims their memory.
package vm
