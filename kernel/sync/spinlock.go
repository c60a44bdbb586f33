// Package sync provides the spinlock primitives used by the kernel
// subsystems. The Go runtime's own sync package is not usable this early;
// these locks busy-wait and never sleep.
package sync

import (
	"sync/atomic"

	"halcyon/kernel/cpu"
)

// relaxFn is invoked while busy-waiting for a contended lock. Tests replace
// it with runtime.Gosched so that goroutines simulating other CPUs get a
// chance to release the lock.
var relaxFn = func() {}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for atomic.SwapUint32(&l.state, 1) != 0 {
		for atomic.LoadUint32(&l.state) != 0 {
			relaxFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IrqSpinlock is a spinlock that additionally masks external interrupts for
// the duration of the critical section. Any lock that can be acquired from
// interrupt context must be of this type or the interrupt handler can
// deadlock against the code it interrupted.
type IrqSpinlock struct {
	lock  Spinlock
	flags uintptr
}

// AcquireIrqSave saves the current interrupt state, disables interrupt
// delivery and then acquires the lock.
func (l *IrqSpinlock) AcquireIrqSave() {
	flags := cpu.SaveFlagsDisableInterrupts()
	l.lock.Acquire()
	l.flags = flags
}

// ReleaseIrqRestore releases the lock and restores the interrupt state that
// was captured by the matching AcquireIrqSave call.
func (l *IrqSpinlock) ReleaseIrqRestore() {
	flags := l.flags
	l.lock.Release()
	cpu.RestoreFlags(flags)
}
