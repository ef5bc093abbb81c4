// Package vm models the parts of the Smalltalk virtual machine that the
// code cache talks to but does not own.
//
// This package contains:
//   - the 32-bit tagged Oop word embedded in generated code
//   - classes, vtable-based method lookup and selector interning
//   - interpreted methods with their bytecode stream
//   - a small object memory (Universe) with young/old generations
//
// The interpreter loop, the real heap and the reflective class mutation
// machinery live elsewhere; only their contracts are modeled here.
package vm
