// Package cpu provides the amd64 port that the memory manager and the
// scheduler sit on top of: interrupt gating, TLB maintenance, page-table
// root register access and the low-level context restore primitive.
//
// The exported symbols are declared as function variables pointing to the
// assembly implementations. Calling the real implementations requires ring 0;
// tests, which run in user mode, replace them with stubs.
package cpu

import "unsafe"

var (
	// EnableInterrupts enables external interrupt delivery.
	EnableInterrupts = enableInterrupts

	// DisableInterrupts disables external interrupt delivery.
	DisableInterrupts = disableInterrupts

	// SaveFlagsDisableInterrupts returns the current RFLAGS value and
	// then disables external interrupt delivery. The returned value is
	// meant to be passed to RestoreFlags when exiting the critical
	// section so that nested sections do not prematurely re-enable
	// interrupts.
	SaveFlagsDisableInterrupts = saveFlagsDisableInterrupts

	// RestoreFlags loads the supplied value into RFLAGS.
	RestoreFlags = restoreFlags

	// Halt stops instruction execution with interrupts disabled. It is
	// the terminal operation of the kernel panic path.
	Halt = halt

	// HaltUntilInterrupt suspends instruction execution until the next
	// interrupt fires. The idle task spins on this.
	HaltUntilInterrupt = haltUntilInterrupt

	// FlushTLBEntry invalidates the TLB entry for a particular virtual
	// address on the current CPU.
	FlushTLBEntry = flushTLBEntry

	// SwitchPDT sets the page-table root register (CR3) to the supplied
	// physical address, flushing all non-global TLB entries.
	SwitchPDT = switchPDT

	// ActivePDT returns the physical address of the currently active
	// page-table hierarchy root.
	ActivePDT = activePDT

	// JumpToContext restores the full register state stored at the
	// supplied address (an interrupt-frame-shaped context snapshot) and
	// resumes execution at its saved instruction pointer. It never
	// returns to the caller.
	JumpToContext = jumpToContext

	// RaiseRescheduleInterrupt raises the software interrupt vector
	// reserved for voluntary rescheduling.
	RaiseRescheduleInterrupt = raiseRescheduleInterrupt
)

func enableInterrupts()
func disableInterrupts()
func saveFlagsDisableInterrupts() uintptr
func restoreFlags(flags uintptr)
func halt()
func haltUntilInterrupt()
func flushTLBEntry(virtAddr uintptr)
func switchPDT(pdtPhysAddr uintptr)
func activePDT() uintptr
func jumpToContext(ctxAddr unsafe.Pointer)
func raiseRescheduleInterrupt()
