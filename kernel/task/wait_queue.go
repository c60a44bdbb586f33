package task

// WaitQueue blocks tasks until another task wakes them. Tasks are woken in
// the order they went to sleep.
type WaitQueue struct {
	head, tail *Task
}

// Sleep appends the current task to the queue, blocks it and yields. The
// call returns when another task wakes this one via WakeOne or WakeAll.
func (wq *WaitQueue) Sleep() {
	schedLock.AcquireIrqSave()

	t := currentTask
	t.wqNext = nil
	if wq.tail != nil {
		wq.tail.wqNext = t
	} else {
		wq.head = t
	}
	wq.tail = t
	t.state = StateBlocked

	schedLock.ReleaseIrqRestore()

	Yield()
}

// WakeOne marks the longest-sleeping task ready and requests a reschedule.
// It returns the woken task or nil if the queue was empty.
func (wq *WaitQueue) WakeOne() *Task {
	schedLock.AcquireIrqSave()
	t := wq.wakeHeadLocked()
	schedLock.ReleaseIrqRestore()

	return t
}

// WakeAll marks every sleeping task ready and returns the number of tasks
// woken.
func (wq *WaitQueue) WakeAll() int {
	var woken int

	schedLock.AcquireIrqSave()
	for wq.wakeHeadLocked() != nil {
		woken++
	}
	schedLock.ReleaseIrqRestore()

	return woken
}

// wakeHeadLocked pops the queue head and marks it ready. The caller must
// hold schedLock.
func (wq *WaitQueue) wakeHeadLocked() *Task {
	t := wq.head
	if t == nil {
		return nil
	}

	wq.head = t.wqNext
	if wq.head == nil {
		wq.tail = nil
	}
	t.wqNext = nil

	t.sleepTicks = 0
	t.state = StateReady
	needReschedule = true

	return t
}
