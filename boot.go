package main

import "halcyon/kernel/kmain"

var bootInfoPtr uintptr

// main works as a trampoline for the actual kernel entrypoint
// (kmain.Kmain) and is intentionally defined to prevent the Go compiler
// from optimizing away the kernel code as it is not aware of the presence
// of the rt0 code.
//
// The rt0 assembly code invokes Kmain directly after setting up the GDT, a
// minimal g0 struct and the physical memory direct map; it passes the
// address of the boot info block it assembled. A global variable is passed
// as the argument here to prevent the compiler from inlining the call and
// removing Kmain from the generated object file.
//
// main is not expected to return. If it does, the rt0 code will halt the
// CPU.
func main() {
	kmain.Kmain(bootInfoPtr)
}
