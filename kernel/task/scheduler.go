package task

import (
	"unsafe"

	"halcyon/kernel"
	"halcyon/kernel/cpu"
	"halcyon/kernel/irq"
	"halcyon/kernel/kfmt"
	"halcyon/kernel/mm"
	"halcyon/kernel/mm/slab"
	"halcyon/kernel/mm/vmm"
	"halcyon/kernel/sync"
)

const (
	// tickMs is the timer tick period programmed into the PIT.
	tickMs = 1

	// quantumTicks is the number of ticks a task may run before the
	// scheduler requests a reschedule (a 20ms time slice).
	quantumTicks = 20
)

var (
	errPreemptUnderflow = &kernel.Error{Module: "task", Message: "preemption counter underflow"}

	// taskCache serves Task allocations.
	taskCache slab.Cache

	// queueHead points into the circular run queue; nil when the queue
	// is empty. Tasks are appended in creation order and the scheduler
	// visits them round-robin.
	queueHead *Task

	currentTask *Task
	idleTask    *Task

	nextID    ID = 1
	tickCount uint64

	// needReschedule is set by the timer quantum, Yield and wait queue
	// wakeups; CheckReschedule consumes it.
	needReschedule bool

	// preemptCount suppresses rescheduling while non-zero. It starts at
	// one so nothing is scheduled before Init completes.
	preemptCount uint32 = 1

	// schedLock guards the run queue, the wait queues and task state
	// transitions performed outside interrupt context.
	schedLock sync.IrqSpinlock

	// The following functions are used by tests to mock calls into the
	// vmm package and the task cache; they are automatically inlined by
	// the compiler.
	getFreePagesFn = vmm.GetFreePages
	freePagesFn    = vmm.FreePages
	allocTaskFn    = func() (uintptr, *kernel.Error) { return taskCache.Alloc() }
	freeTaskFn     = func(obj uintptr) *kernel.Error { return taskCache.Free(obj) }
)

// Init creates the task slab cache, the idle task and the bootstrap task
// that adopts the currently executing kernel flow, then enables preemption.
func Init() *kernel.Error {
	if err := slab.CacheInit(&taskCache, "task", unsafe.Sizeof(Task{}), 0, nil, nil); err != nil {
		return err
	}

	idle, err := NewTask("idle", idleTaskEntry)
	if err != nil {
		return err
	}

	// The idle task is dispatched only when nothing else is runnable; it
	// never takes a turn in the round-robin rotation.
	schedLock.AcquireIrqSave()
	unlink(idle)
	idleTask = idle
	schedLock.ReleaseIrqRestore()

	// The bootstrap task describes the flow that called Init. It runs on
	// the boot stack; its context is captured on its first preemption.
	obj, err := allocTaskFn()
	if err != nil {
		return err
	}

	boot := (*Task)(unsafe.Pointer(obj))
	*boot = Task{name: "boot", state: StateRunning}

	schedLock.AcquireIrqSave()
	boot.id = nextID
	nextID++
	enqueue(boot)
	currentTask = boot
	schedLock.ReleaseIrqRestore()

	EnablePreemption()
	return nil
}

// NewTask allocates a task with its own kernel stack and appends it to the
// run queue in the ready state. The task starts executing entry when the
// scheduler first dispatches it.
func NewTask(name string, entry EntryFn) (*Task, *kernel.Error) {
	obj, err := allocTaskFn()
	if err != nil {
		return nil, err
	}

	t := (*Task)(unsafe.Pointer(obj))
	*t = Task{name: name, state: StateNew}

	stackAddr, err := getFreePagesFn(stackPages)
	if err != nil {
		freeTaskFn(obj)
		return nil, err
	}

	t.stackAddr = stackAddr
	t.initContext(entry)

	schedLock.AcquireIrqSave()
	t.id = nextID
	nextID++
	t.state = StateReady
	enqueue(t)
	schedLock.ReleaseIrqRestore()

	return t, nil
}

// CurrentTask returns the task that owns the CPU.
func CurrentTask() *Task {
	return currentTask
}

// TickCount returns the number of timer ticks since Init.
func TickCount() uint64 {
	return tickCount
}

// PickNext selects the task to run after the current one: the first ready
// task found when scanning the run queue round-robin from the task after the
// current one. The idle task is returned when nothing is runnable.
func PickNext() *Task {
	if queueHead == nil {
		return idleTask
	}

	start := queueHead
	if currentTask != nil && currentTask.next != nil {
		start = currentTask
	}

	// Single-task fast path.
	if start.next == start {
		if start.state == StateReady {
			return start
		}
		return idleTask
	}

	for t := start.next; ; t = t.next {
		if t.state == StateReady {
			return t
		}
		if t == start {
			return idleTask
		}
	}
}

// CheckReschedule runs at the tail of the timer and reschedule interrupts.
// When a reschedule is pending and preemption is enabled it saves the
// interrupted context into the current task, picks the next task and resumes
// it, reloading the MMU root only when the address space changes. Switching
// to a different task does not return; the interrupted flow resumes when the
// scheduler dispatches its task again.
func CheckReschedule(ctx *irq.Context) {
	if !needReschedule || preemptCount != 0 {
		return
	}
	needReschedule = false

	prev := currentTask
	prev.ctx = *ctx
	if prev.state == StateRunning {
		prev.state = StateReady
	}

	next := PickNext()
	if next == prev {
		prev.state = StateRunning
		return
	}

	next.state = StateRunning
	currentTask = next

	if taskRootFrame(next) != taskRootFrame(prev) {
		activateTaskSpace(next)
	}

	cpu.JumpToContext(unsafe.Pointer(&next.ctx))
}

// Tick advances the scheduler clock by one timer tick: sleeping tasks move
// closer to waking, the running task burns its quantum, and at most one
// terminated task is reaped before a pending reschedule is honored.
func Tick(ctx *irq.Context) {
	tickCount++

	var reapTarget *Task
	if queueHead != nil {
		t := queueHead
		for {
			next := t.next

			if t.state == StateBlocked && t.sleepTicks > 0 {
				t.sleepTicks--
				if t.sleepTicks == 0 {
					t.state = StateReady
				}
			}

			if reapTarget == nil && t.state == StateTerminated && t != currentTask {
				reapTarget = t
			}

			t = next
			if t == queueHead {
				break
			}
		}
	}

	if tickCount%quantumTicks == 0 {
		needReschedule = true
	}

	if reapTarget != nil {
		reap(reapTarget)
	}

	CheckReschedule(ctx)
}

// Sleep blocks the current task for at least ms milliseconds. The wakeup
// granularity is one timer tick.
func Sleep(ms uint64) {
	schedLock.AcquireIrqSave()
	currentTask.sleepTicks = (ms + tickMs - 1) / tickMs
	currentTask.state = StateBlocked
	schedLock.ReleaseIrqRestore()

	Yield()
}

// Yield gives up the remainder of the current task's quantum by raising the
// reschedule interrupt. The interrupt handler captures the full register
// context and hands it to CheckReschedule.
func Yield() {
	needReschedule = true
	cpu.RaiseRescheduleInterrupt()
}

// YieldBlocked marks the current task blocked and yields. The task does not
// run again until something moves it back to the ready state.
func YieldBlocked() {
	schedLock.AcquireIrqSave()
	currentTask.state = StateBlocked
	schedLock.ReleaseIrqRestore()

	Yield()
}

// Exit terminates the current task. The scheduler reclaims the task's stack
// and descriptor on a later tick, after another stack is active. Exit does
// not return.
func Exit(code uint32) {
	schedLock.AcquireIrqSave()
	currentTask.exitCode = code
	currentTask.state = StateTerminated
	schedLock.ReleaseIrqRestore()

	for {
		Yield()
		cpu.HaltUntilInterrupt()
	}
}

// DisablePreemption suspends rescheduling until the matching
// EnablePreemption call. Calls nest.
func DisablePreemption() {
	schedLock.AcquireIrqSave()
	preemptCount++
	schedLock.ReleaseIrqRestore()
}

// EnablePreemption reverses one DisablePreemption call. Unbalanced calls
// indicate a kernel bug and halt the system.
func EnablePreemption() {
	schedLock.AcquireIrqSave()
	if preemptCount == 0 {
		kfmt.Panic(errPreemptUnderflow)
	}
	preemptCount--
	schedLock.ReleaseIrqRestore()
}

// reap removes a terminated task from the run queue and releases its stack
// and descriptor. It must never run on the stack it is about to free, so
// only the scheduler calls it, on behalf of a task other than the current
// one.
func reap(t *Task) {
	unlink(t)

	if t.stackAddr != 0 {
		freePagesFn(t.stackAddr, stackPages)
	}

	freeTaskFn(uintptr(unsafe.Pointer(t)))
}

// enqueue appends a task to the circular run queue. The caller must hold
// schedLock or run with interrupts disabled.
func enqueue(t *Task) {
	if queueHead == nil {
		queueHead = t
		t.next, t.prev = t, t
		return
	}

	tail := queueHead.prev
	tail.next = t
	t.prev = tail
	t.next = queueHead
	queueHead.prev = t
}

// unlink removes a task from the circular run queue.
func unlink(t *Task) {
	if t.next == t {
		queueHead = nil
	} else {
		t.prev.next = t.next
		t.next.prev = t.prev
		if queueHead == t {
			queueHead = t.next
		}
	}

	t.next, t.prev = nil, nil
}

// taskRootFrame returns the top-level page table frame of the task's
// address space; tasks without their own space share the kernel's.
func taskRootFrame(t *Task) mm.Frame {
	if t.addrSpace == nil {
		return vmm.KernelAddressSpace().RootFrame()
	}
	return t.addrSpace.RootFrame()
}

// activateTaskSpace loads the task's address space into the MMU.
func activateTaskSpace(t *Task) {
	if t.addrSpace == nil {
		vmm.KernelAddressSpace().Activate()
		return
	}
	t.addrSpace.Activate()
}

// idleTaskEntry runs when no other task is ready. Halting keeps the CPU
// parked until the next interrupt.
func idleTaskEntry() {
	for {
		cpu.HaltUntilInterrupt()
	}
}
