// Package proc implements the executable-work half of the kernel object
// model: threads, the per-CPU scheduler that runs them, the tasks that own
// them and the futex tables tasks expose to user space.
package proc

import (
	"context"
	"sync/atomic"
	"time"

	"orrery/kernel"
	"orrery/kernel/sync"
)

// State is the lifecycle state of a thread.
type State uint8

const (
	// StateEntering marks a freshly created thread that has not been
	// handed to the scheduler yet.
	StateEntering State = iota

	// StateReady marks a thread queued on a CPU's runqueue.
	StateReady

	// StateRunning marks the thread a CPU is currently executing. At most
	// one CPU sees a given thread in this state at any instant.
	StateRunning

	// StateSleeping marks a thread parked on exactly one wait queue.
	StateSleeping

	// StateExiting marks a thread that has finished. It is detached from
	// its task as soon as it exits; its exit value stays readable by its
	// joiner.
	StateExiting
)

// String implements fmt.Stringer for diagnostics.
func (s State) String() string {
	switch s {
	case StateEntering:
		return "Entering"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateExiting:
		return "Exiting"
	}
	return "Unknown"
}

// ThreadFlag alters thread creation.
type ThreadFlag uint8

const (
	// ThreadDetached creates the thread pre-detached: nobody may join it
	// and it reaps itself on exit.
	ThreadDetached ThreadFlag = 1 << iota
)

// yield directives handed from a thread to the CPU engine that runs it.
const (
	yieldReady uint8 = iota
	yieldSleep
	yieldExit
)

var (
	errTaskRefused     = &kernel.Error{Module: "proc", Message: "task no longer accepts new threads", Kind: kernel.KindLimit}
	errThreadDetached  = &kernel.Error{Module: "proc", Message: "cannot join a detached thread", Kind: kernel.KindInvalid}
	errThreadJoined    = &kernel.Error{Module: "proc", Message: "thread already has a joiner", Kind: kernel.KindInvalid}
	errThreadNotReaped = &kernel.Error{Module: "proc", Message: "detach of an already-joined thread", Kind: kernel.KindInvalid}

	threadIDCounter uint64
)

// EntryFn is a thread body. The thread passes itself in so the body can
// sleep, join and observe termination through its own identity; the return
// value becomes the exit value read by the joiner.
type EntryFn func(self *Thread, arg interface{}) uintptr

// Thread is one kernel-schedulable execution context. Its stack and saved
// registers live in the goroutine that backs it; the scheduler multiplexes
// those goroutines onto logical CPUs through a strict one-running-per-CPU
// handshake, and every sleep gives the CPU back through the Blocker hooks
// below.
type Thread struct {
	id   uint64
	name string

	lock  sync.Spinlock
	state State

	// task is a borrowed reference to the owning task, dropped when the
	// thread is reaped.
	task *Task

	priority int
	weight   int

	preemptCount int32

	// ctx is cancelled when termination is requested and carries this
	// thread as its sleep Blocker. Interruptible sleeps watch it.
	ctx    context.Context
	cancel context.CancelFunc

	// wakeupDeadline is the absolute deadline of the current timed sleep,
	// zero when the thread sleeps without one.
	wakeupDeadline time.Time

	// sleptAt timestamps the transition into StateSleeping so the
	// scheduler can grant a priority bonus after long sleeps.
	sleptAt time.Time

	// exitWq is closed when the thread exits; the joiner sleeps on it.
	exitWq    *sync.WaitQueue
	detached  bool
	hasJoiner bool
	exitValue uintptr

	entry EntryFn
	arg   interface{}

	// resume and yield form the CPU handshake: the engine sends on resume
	// to schedule the thread and receives on yield when it gives the CPU
	// back. yieldAction tells the engine why.
	resume      chan struct{}
	yield       chan struct{}
	yieldAction uint8

	// yieldedCPU records that BlockBegin released a CPU which BlockEnd
	// must reacquire. Only the thread's own goroutine touches it.
	yieldedCPU bool

	curCPU *CPU
	qnext  *Thread

	sched *Scheduler
}

// NewThread creates a thread in state Entering, linked into task. The thread
// does not run until it is handed to the scheduler with Ready. Creation
// fails once the task stops accepting new threads.
func NewThread(task *Task, name string, flags ThreadFlag, entry EntryFn, arg interface{}) (*Thread, *kernel.Error) {
	cancelCtx, cancel := context.WithCancel(context.Background())

	t := &Thread{
		id:       atomic.AddUint64(&threadIDCounter, 1),
		name:     name,
		state:    StateEntering,
		task:     task,
		priority: DefaultPriority,
		weight:   1,
		cancel:   cancel,
		exitWq:   sync.New(),
		detached: flags&ThreadDetached != 0,
		entry:    entry,
		arg:      arg,
		resume:   make(chan struct{}, 1),
		yield:    make(chan struct{}, 1),
		sched:    task.reg.cfg.Scheduler,
	}
	t.ctx = sync.WithBlocker(cancelCtx, t)

	if err := task.attachThread(t); err != nil {
		cancel()
		return nil, err
	}

	go t.run()
	return t, nil
}

// run is the goroutine body backing the thread. It waits for its first
// scheduling before touching the entry function.
func (t *Thread) run() {
	<-t.resume
	value := t.entry(t, t.arg)
	t.exit(value)
}

// ID returns the thread id.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Task returns the owning task.
func (t *Thread) Task() *Task { return t.task }

// State returns the current lifecycle state.
func (t *Thread) State() State {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.state
}

func (t *Thread) setState(s State) {
	t.lock.Acquire()
	t.state = s
	t.lock.Release()
}

// Priority returns the thread's current priority band.
func (t *Thread) Priority() int {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.priority
}

// SetPriority clamps and stores the priority band.
func (t *Thread) SetPriority(prio int) {
	if prio < 0 {
		prio = 0
	}
	if prio > NumPriorities-1 {
		prio = NumPriorities - 1
	}
	t.lock.Acquire()
	t.priority = prio
	t.lock.Release()
}

// DisablePreemption increments the preemption-disable counter. While it is
// non-zero the scheduler will not demote this thread on quantum expiry.
func (t *Thread) DisablePreemption() {
	atomic.AddInt32(&t.preemptCount, 1)
}

// EnablePreemption decrements the counter.
func (t *Thread) EnablePreemption() {
	if atomic.AddInt32(&t.preemptCount, -1) < 0 {
		panic(&kernel.Error{Module: "proc", Message: "unbalanced EnablePreemption", Kind: kernel.KindFatal})
	}
}

// PreemptionDisabled reports whether preemption is currently off.
func (t *Thread) PreemptionDisabled() bool {
	return atomic.LoadInt32(&t.preemptCount) > 0
}

// RequestTermination asks the thread to die. Interruptible sleeps in
// progress return Intr; the thread also observes the request at its next
// syscall boundary via Terminated.
func (t *Thread) RequestTermination() {
	t.cancel()
}

// Terminated reports whether termination has been requested.
func (t *Thread) Terminated() bool {
	return t.ctx.Err() != nil
}

// Context returns the thread's context: cancelled by RequestTermination and
// carrying the thread as its sleep Blocker. Blocking operations performed
// on behalf of this thread must use it.
func (t *Thread) Context() context.Context { return t.ctx }

// Ready hands the thread to the scheduler, moving Entering/Sleeping to
// Ready.
func (t *Thread) Ready() {
	t.sched.Ready(t)
}

// BlockBegin implements sync.Blocker: the thread is about to park on a wait
// queue, so it transitions to Sleeping and gives its CPU back.
func (t *Thread) BlockBegin() {
	t.lock.Acquire()
	t.state = StateSleeping
	t.sleptAt = time.Now()
	onCPU := t.curCPU != nil
	t.lock.Release()

	if onCPU {
		t.yieldedCPU = true
		t.yieldAction = yieldSleep
		t.yield <- struct{}{}
	}
}

// BlockEnd implements sync.Blocker: the sleep is over, so the thread goes
// back through the scheduler for a fresh CPU.
func (t *Thread) BlockEnd() {
	if t.yieldedCPU {
		t.yieldedCPU = false
		t.sched.Ready(t)
		<-t.resume
		return
	}

	// Threads running outside an engine CPU only track the nominal state.
	t.lock.Acquire()
	t.state = StateRunning
	t.sleptAt = time.Time{}
	t.lock.Release()
}

// SleepOn parks the thread on wq. The state transition, CPU release and the
// rescheduling after the wakeup ride on the Blocker carried by the thread's
// context; the Interruptible flag additionally wires the sleep to this
// thread's termination signal.
func (t *Thread) SleepOn(wq *sync.WaitQueue, timeout time.Duration, flags sync.Flags) sync.Result {
	if flags&sync.Interruptible != 0 && t.Terminated() {
		return sync.Intr
	}

	if timeout > 0 {
		t.lock.Acquire()
		t.wakeupDeadline = time.Now().Add(timeout)
		t.lock.Release()
	}

	res := wq.Sleep(t.ctx, timeout, flags)

	if timeout > 0 {
		t.lock.Acquire()
		t.wakeupDeadline = time.Time{}
		t.lock.Release()
	}

	return res
}

// Sleep parks the thread for the supplied duration on a private queue
// nobody ever wakes.
func (t *Thread) Sleep(d time.Duration) {
	t.SleepOn(sync.New(), d, sync.None)
}

// WakeupDeadline returns the absolute deadline of the thread's current
// timed sleep, or the zero time.
func (t *Thread) WakeupDeadline() time.Time {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.wakeupDeadline
}

// Yield gives the CPU back and re-enters the runqueue at the current
// priority. Outside an engine CPU it is a no-op.
func (t *Thread) Yield() {
	t.lock.Acquire()
	onCPU := t.curCPU != nil
	if onCPU {
		t.state = StateReady
	}
	t.lock.Release()

	if !onCPU {
		return
	}

	t.yieldAction = yieldReady
	t.yield <- struct{}{}
	<-t.resume
}

// Join waits for the thread to exit and returns its exit value. A thread
// has exactly one joiner: a second Join, or joining a detached thread, is
// an error. ctx should be the joiner's thread context so the wait releases
// the joiner's CPU; host goroutines pass nil.
func (t *Thread) Join(ctx context.Context) (uintptr, *kernel.Error) {
	t.lock.Acquire()
	if t.detached {
		t.lock.Release()
		return 0, errThreadDetached
	}
	if t.hasJoiner {
		t.lock.Release()
		return 0, errThreadJoined
	}
	t.hasJoiner = true
	t.lock.Release()

	// The exit queue is closed when the thread exits, so this returns
	// immediately for already-dead threads.
	t.exitWq.Sleep(ctx, 0, sync.None)

	t.lock.Acquire()
	value := t.exitValue
	t.lock.Release()
	return value, nil
}

// Detach flags the thread for self-reaping. Exactly one of Join or Detach
// may win.
func (t *Thread) Detach() *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	if t.hasJoiner {
		return errThreadNotReaped
	}
	t.detached = true
	return nil
}

// exit finishes the thread: state moves to Exiting, the exit value is
// published and the joiner woken. Reaping (dropping the task reference)
// happens on the engine side, or inline when no engine runs the thread.
func (t *Thread) exit(value uintptr) {
	t.lock.Acquire()
	t.state = StateExiting
	t.exitValue = value
	onCPU := t.curCPU != nil
	t.lock.Release()

	t.exitWq.Close()

	if onCPU {
		t.yieldAction = yieldExit
		t.yield <- struct{}{}
		return
	}
	t.finish()
}

// finish drops the thread's borrowed task reference. The last detach of a
// task destroys it.
func (t *Thread) finish() {
	if t.task != nil {
		t.task.detachThread(t)
	}
}
