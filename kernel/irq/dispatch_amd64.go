package irq

import "halcyon/kernel/kfmt"

// Vector identifies an entry in the interrupt dispatch table.
type Vector uint8

const (
	// TimerVector is raised by the programmable interval timer at the
	// scheduler tick frequency.
	TimerVector = Vector(0x20)

	// RescheduleVector is the software vector that tasks raise to
	// voluntarily give up the CPU.
	RescheduleVector = Vector(0x30)
)

// HandlerFn is a function invoked to service an interrupt vector. Any
// modifications to the supplied Context are propagated back to the location
// where the interrupt occurred, which is how the scheduler switches tasks.
type HandlerFn func(*Context)

var handlers [256]HandlerFn

// InstallHandler registers a handler for the given vector, replacing any
// previous registration.
func InstallHandler(vector Vector, handler HandlerFn) {
	handlers[vector] = handler
}

// Dispatch routes an interrupt to its registered handler. It is invoked by
// the interrupt entry stubs with interrupts disabled. Vectors without a
// handler get their context dumped so spurious interrupts are visible during
// bring-up.
func Dispatch(vector Vector, ctx *Context) {
	if handler := handlers[vector]; handler != nil {
		handler(ctx)
		return
	}

	kfmt.Printf("[irq] unhandled vector %x\n", uint8(vector))
	ctx.Print()
}
