// Package irq provides the interrupt context types and the vector dispatch
// table that connects the low-level interrupt stubs to Go handlers.
package irq

import "halcyon/kernel/kfmt"

// Regs contains a snapshot of the general-purpose register values at the
// point where an interrupt occurred. The field order matches the push order
// of the interrupt entry stubs and the pop order of cpu.JumpToContext; it
// must not be changed.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Print outputs a dump of the register values to the active console.
func (r *Regs) Print() {
	kfmt.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Printf("RBP = %16x\n", r.RBP)
	kfmt.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Frame describes the interrupt frame that the CPU pushes to the stack when
// an interrupt occurs.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Print outputs a dump of the interrupt frame to the active console.
func (f *Frame) Print() {
	kfmt.Printf("RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	kfmt.Printf("RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	kfmt.Printf("RFL = %16x\n", f.RFlags)
}

// Context is the full CPU state saved by the interrupt entry stubs: the
// general-purpose registers followed by the CPU-pushed frame. A pointer to a
// Context is what cpu.JumpToContext consumes when resuming a task.
type Context struct {
	Regs  Regs
	Frame Frame
}

// Print outputs a dump of the full saved state to the active console.
func (c *Context) Print() {
	c.Regs.Print()
	c.Frame.Print()
}
