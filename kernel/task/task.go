// Package task implements kernel tasks and a round-robin preemptive
// scheduler driven by the timer interrupt.
package task

import (
	"unsafe"

	"halcyon/kernel/irq"
	"halcyon/kernel/mm"
	"halcyon/kernel/mm/vmm"
)

// State describes the lifecycle state of a task.
type State uint8

const (
	// StateNew marks a task that has been created but not yet queued.
	StateNew State = iota

	// StateReady marks a task that is runnable and waiting for the CPU.
	StateReady

	// StateRunning marks the task that currently owns the CPU.
	StateRunning

	// StateBlocked marks a task that is sleeping or waiting on a wait
	// queue. Blocked tasks are skipped by the scheduler until they are
	// woken.
	StateBlocked

	// StateTerminated marks a task that has exited. Its resources are
	// reclaimed by the scheduler on a subsequent timer tick.
	StateTerminated
)

// ID uniquely identifies a task for its lifetime.
type ID uint32

// EntryFn is the entry point of a kernel task. Entry functions must not
// return; they exit via Exit.
type EntryFn func()

const (
	// stackPages is the size of each task's kernel stack in pages.
	stackPages = 2

	// Segment selectors loaded into the synthesized interrupt frame of a
	// new task. Tasks always start executing in ring 0.
	kernelCS = 0x08
	kernelSS = 0x10

	// initialRFlags has the interrupt enable bit set so a task starts
	// with preemption active, plus the always-one reserved bit.
	initialRFlags = 0x202
)

// Task describes a kernel task. Task structs are allocated from a slab
// cache and linked into the scheduler's circular run queue.
type Task struct {
	id    ID
	name  string
	state State

	// priority is reserved for a future priority-aware scheduler; the
	// current scheduler never reads it.
	priority uint8

	// ctx holds the task's register state while it is not running. The
	// scheduler resumes tasks by restoring it via cpu.JumpToContext.
	ctx irq.Context

	// stackAddr is the base of the task's kernel stack allocation.
	stackAddr uintptr

	// addrSpace is the task's address space; nil selects the kernel
	// address space.
	addrSpace *vmm.AddressSpace

	// sleepTicks is the number of timer ticks left until a sleeping
	// task is woken.
	sleepTicks uint64

	exitCode uint32

	// prev and next link the task into the scheduler's circular run
	// queue; wqNext links it into a wait queue while it is blocked.
	prev, next *Task
	wqNext     *Task
}

// ID returns the task's identifier.
func (t *Task) ID() ID { return t.id }

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// State returns the task's current lifecycle state.
func (t *Task) State() State { return t.state }

// ExitCode returns the code passed to Exit by a terminated task.
func (t *Task) ExitCode() uint32 { return t.exitCode }

// initContext synthesizes the interrupt frame that the scheduler restores
// when the task is first dispatched. Using the interrupt return path for
// both the first dispatch and every later preemption keeps a single resume
// path in the scheduler.
func (t *Task) initContext(entry EntryFn) {
	stackTop := t.stackAddr + stackPages*mm.PageSize

	t.ctx = irq.Context{}
	t.ctx.Frame.RIP = uint64(entryAddress(entry))
	t.ctx.Frame.CS = kernelCS
	t.ctx.Frame.RFlags = initialRFlags
	t.ctx.Frame.RSP = uint64(stackTop)
	t.ctx.Frame.SS = kernelSS
}

// entryAddress extracts the code address of a task entry function. Go
// function values point to a closure record whose first word is the code
// pointer.
func entryAddress(entry EntryFn) uintptr {
	closure := *(*uintptr)(unsafe.Pointer(&entry))
	return *(*uintptr)(unsafe.Pointer(closure))
}
