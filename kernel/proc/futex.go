package proc

import (
	"sync/atomic"
	"time"
	"unsafe"

	"orrery/kernel/sync"
)

// userWordFn resolves the 4-byte user word behind a futex address. The
// default dereferences the address directly; the host harness and tests
// override it to map futex addresses into their simulated user memory.
var userWordFn = func(va uintptr) *int32 {
	return (*int32)(unsafe.Pointer(va))
}

// futexTable maps the user virtual addresses of a task's futex words to
// their wait queues. Queues are created on first contention and torn down
// with the task.
type futexTable struct {
	lock   sync.Spinlock
	queues map[uintptr]*sync.WaitQueue
}

func (ft *futexTable) init() {
	ft.queues = make(map[uintptr]*sync.WaitQueue)
}

// queue returns the wait queue for va, creating it on first use.
func (ft *futexTable) queue(va uintptr) *sync.WaitQueue {
	ft.lock.Acquire()
	defer ft.lock.Release()

	wq, ok := ft.queues[va]
	if !ok {
		wq = sync.New()
		ft.queues[va] = wq
	}
	return wq
}

// closeAll closes every queue so sleepers return immediately and later
// sleeps never park. Used by task teardown.
func (ft *futexTable) closeAll() {
	ft.lock.Acquire()
	queues := make([]*sync.WaitQueue, 0, len(ft.queues))
	for _, wq := range ft.queues {
		queues = append(queues, wq)
	}
	ft.lock.Release()

	for _, wq := range queues {
		wq.Close()
	}
}

// FutexDown is the contended-path entry of a user-space lock: the user word
// is atomically decremented and, when the result is negative, the caller
// sleeps on the address's queue. The sleep carries the Futex flag, so a
// timeout or interruption leaves a wakeup debt that absorbs the Up this
// sleeper will never consume, keeping the user counter and the kernel wait
// state in agreement.
func (task *Task) FutexDown(t *Thread, va uintptr, timeout time.Duration) sync.Result {
	word := userWordFn(va)

	if atomic.AddInt32(word, -1) >= 0 {
		return sync.OK
	}

	wq := task.futexes.queue(va)
	flags := sync.Futex | sync.Interruptible

	if t != nil {
		return t.SleepOn(wq, timeout, flags)
	}
	return wq.Sleep(nil, timeout, flags)
}

// FutexUp releases one unit of a user-space lock: the user word is
// atomically incremented and, when the previous value was negative, one
// sleeper on the address's queue is woken.
func (task *Task) FutexUp(va uintptr) {
	word := userWordFn(va)

	if atomic.AddInt32(word, 1) <= 0 {
		task.futexes.queue(va).WakeOne()
	}
}

// FutexSleepers returns the number of threads parked on va's queue,
// exposed for the accounting invariant checks in tests.
func (task *Task) FutexSleepers(va uintptr) int {
	return task.futexes.queue(va).Len()
}
