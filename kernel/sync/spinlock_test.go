package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"halcyon/kernel/cpu"
)

func TestSpinlock(t *testing.T) {
	// Substitute relaxFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origRelaxFn func()) { relaxFn = origRelaxFn }(relaxFn)
	relaxFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()
}

func TestIrqSpinlock(t *testing.T) {
	defer func(origSave func() uintptr, origRestore func(uintptr)) {
		cpu.SaveFlagsDisableInterrupts = origSave
		cpu.RestoreFlags = origRestore
	}(cpu.SaveFlagsDisableInterrupts, cpu.RestoreFlags)

	var (
		savedFlags    = uintptr(0x202)
		restoredFlags uintptr
		saveCount     int
	)

	cpu.SaveFlagsDisableInterrupts = func() uintptr {
		saveCount++
		return savedFlags
	}
	cpu.RestoreFlags = func(flags uintptr) {
		restoredFlags = flags
	}

	var l IrqSpinlock
	l.AcquireIrqSave()

	if l.lock.TryToAcquire() != false {
		t.Error("expected the inner lock to be held after AcquireIrqSave")
	}

	l.ReleaseIrqRestore()

	if saveCount != 1 {
		t.Errorf("expected the interrupt state to be saved once; got %d", saveCount)
	}

	if restoredFlags != savedFlags {
		t.Errorf("expected ReleaseIrqRestore to restore flags %x; got %x", savedFlags, restoredFlags)
	}

	if !l.lock.TryToAcquire() {
		t.Error("expected the inner lock to be free after ReleaseIrqRestore")
	}
}
