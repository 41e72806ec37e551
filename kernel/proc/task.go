package proc

import (
	"sync/atomic"

	"orrery/kernel"
	"orrery/kernel/elf"
	"orrery/kernel/ipc"
	"orrery/kernel/mm"
	"orrery/kernel/mm/tlb"
	"orrery/kernel/mm/vmm"
	"orrery/kernel/sync"
)

// TaskID uniquely identifies a task for its whole lifetime. IDs are assigned
// monotonically and never reused.
type TaskID uint64

// Capability is a bit in a task's capability set.
type Capability uint32

const (
	// CapMemManager allows privileged memory-management calls.
	CapMemManager Capability = 1 << iota

	// CapIOManager allows claiming I/O ranges and interrupts.
	CapIOManager

	// CapPreemptControl allows disabling preemption from user space.
	CapPreemptControl

	// CapTaskControl allows killing other tasks.
	CapTaskControl
)

const (
	// userStackTop is the page-aligned base of the main user stack area.
	userStackTop = uintptr(0x00007fffff000000)

	// userStackPages is the number of pages reserved for the initial
	// stack.
	userStackPages = 4
)

var (
	errTaskNotFound = &kernel.Error{Module: "proc", Message: "no task registered under this id", Kind: kernel.KindInvalid}
)

// Config carries the subsystem handles a task registry needs. They are
// passed explicitly so boot code decides the wiring once instead of the
// package reaching for hidden singletons.
type Config struct {
	// Scheduler runs the threads of every task created through the
	// registry.
	Scheduler *Scheduler

	// NewMapper builds the page-table implementation for each new address
	// space.
	NewMapper func() vmm.Mapper

	// Shootdown coordinates cross-CPU invalidation for the address spaces
	// of the registry's tasks. May be nil on single-CPU configurations.
	Shootdown *tlb.Shootdown
}

// Registry is the system-wide task index: every live task is reachable
// through its id until its last reference is dropped.
type Registry struct {
	lock    sync.Spinlock
	tasks   map[TaskID]*Task
	counter uint64

	cfg Config
}

// NewRegistry returns an empty task registry using the supplied subsystem
// handles.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		tasks: make(map[TaskID]*Task),
		cfg:   cfg,
	}
}

// Task owns an address space, a group of threads, a capability set, the IPC
// endpoints and a futex table. A task's reference count equals its live
// thread count plus the number of external references; the task is freed
// when the count reaches zero and its address-space reference has been
// released.
type Task struct {
	lock sync.Spinlock

	id   TaskID
	name string

	as *vmm.AddressSpace

	threads []*Thread
	main    *Thread

	refs int32

	caps Capability

	acceptNewThreads bool

	answerbox   ipc.Answerbox
	phones      [ipc.MaxPhones]ipc.Phone
	activeCalls int32

	futexes futexTable

	reg *Registry
}

// Create builds a task with no threads owning as. The task takes one
// address-space reference and becomes reachable through its id.
func (r *Registry) Create(as *vmm.AddressSpace, name string) *Task {
	t := &Task{
		name:             name,
		as:               as,
		acceptNewThreads: true,
		reg:              r,
	}
	t.answerbox.Init()
	t.futexes.init()

	as.Get()

	r.lock.Acquire()
	r.counter++
	t.id = TaskID(r.counter)
	r.tasks[t.id] = t
	r.lock.Release()

	return t
}

// Find returns the task registered under id, or nil.
func (r *Registry) Find(id TaskID) *Task {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.tasks[id]
}

// Tasks returns a snapshot of all live tasks.
func (r *Registry) Tasks() []*Task {
	r.lock.Acquire()
	defer r.lock.Release()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// RunProgram loads an executable image into a fresh address space, creates
// the task, its main thread parked at the image entry point and the user
// stack, plus the companion killer thread that reaps the task when the main
// thread exits. Both threads are handed to the scheduler before returning.
func (r *Registry) RunProgram(image []byte, name string) (*Task, *kernel.Error) {
	as := vmm.NewAddressSpace(r.cfg.NewMapper(), r.cfg.Shootdown)

	info, err := elf.Load(image, as)
	if err != nil {
		return nil, err
	}

	stackBase := userStackTop - userStackPages*mm.PageSize
	if _, err = as.CreateArea(vmm.AreaRead|vmm.AreaWrite|vmm.AreaCacheable,
		userStackPages*mm.PageSize, stackBase, vmm.AnonymousBackend, [2]interface{}{}); err != nil {
		return nil, err
	}

	task := r.Create(as, name)

	// Hold an external reference while the thread pair is wired up so an
	// early exit of the main thread cannot free the task under us.
	task.Get()

	main, err := NewThread(task, "uinit", 0, func(_ *Thread, arg interface{}) uintptr {
		// Stand-in for the user-mode transition: touch the entry point
		// and the stack so both fault in, then run to completion. The
		// actual jump to user code is the architecture's business.
		entry := arg.(uintptr)
		if ferr := as.HandleFault(entry, vmm.AccessExec); ferr != nil {
			return 1
		}
		if ferr := as.HandleFault(userStackTop-mm.PageSize, vmm.AccessWrite); ferr != nil {
			return 1
		}
		return 0
	}, info.Entry)
	if err != nil {
		task.Release()
		return nil, err
	}
	task.lock.Acquire()
	task.main = main
	task.lock.Release()

	killer, err := NewThread(task, "ktaskkill", 0, func(self *Thread, _ interface{}) uintptr {
		_, _ = main.Join(self.Context())
		_ = r.Kill(self, task.id)
		return 0
	}, nil)
	if err != nil {
		main.RequestTermination()
		task.Release()
		return nil, err
	}

	killer.Ready()
	main.Ready()

	task.Release()
	return task, nil
}

// Kill tears a task down: no new threads are accepted, every thread except
// current gets a termination request, the futex queues are closed and a
// cleanup kernel thread reaps the stragglers and releases the IPC state. The
// task itself is freed once its reference count drains to zero.
func (r *Registry) Kill(current *Thread, id TaskID) *kernel.Error {
	r.lock.Acquire()
	task := r.tasks[id]
	r.lock.Release()

	if task == nil {
		return errTaskNotFound
	}

	// Hold an external reference so the task cannot disappear while the
	// teardown is set up.
	task.Get()

	// The cleanup thread must be attached before the task stops accepting
	// new threads.
	cleanup, err := NewThread(task, "ktaskclnp", 0, func(self *Thread, _ interface{}) uintptr {
		task.cleanup(self)
		return 0
	}, nil)

	task.lock.Acquire()
	task.acceptNewThreads = false
	threads := make([]*Thread, len(task.threads))
	copy(threads, task.threads)
	task.lock.Release()

	for _, t := range threads {
		if t == current || t == cleanup {
			continue
		}
		t.RequestTermination()
	}

	// Interrupt futex sleepers: their queues close, pending sleeps return
	// immediately and the queues refuse future parking.
	task.futexes.closeAll()

	if err == nil {
		cleanup.Ready()
	}

	task.Release()
	return err
}

// cleanup runs in the ktaskclnp kernel thread: it joins every other
// non-detached thread of the task and then releases the IPC state. The
// task's memory is freed by the final reference drop, which this thread's
// own exit usually supplies.
func (task *Task) cleanup(self *Thread) {
	for {
		task.lock.Acquire()
		var victim *Thread
		for _, t := range task.threads {
			if t == self {
				continue
			}
			t.lock.Acquire()
			eligible := !t.detached && !t.hasJoiner
			t.lock.Release()
			if eligible {
				victim = t
				break
			}
		}
		task.lock.Release()

		if victim == nil {
			break
		}
		if _, err := victim.Join(self.Context()); err != nil {
			break
		}
	}

	task.releaseIPC()
}

// ID returns the task id.
func (task *Task) ID() TaskID { return task.id }

// Name returns the task name.
func (task *Task) Name() string { return task.name }

// AddressSpace returns the task's address space.
func (task *Task) AddressSpace() *vmm.AddressSpace { return task.as }

// Answerbox returns the task's IPC answerbox.
func (task *Task) Answerbox() *ipc.Answerbox { return &task.answerbox }

// Phone returns phone slot i.
func (task *Task) Phone(i int) *ipc.Phone { return &task.phones[i] }

// MainThread returns the designated main thread, if any.
func (task *Task) MainThread() *Thread {
	task.lock.Acquire()
	defer task.lock.Release()
	return task.main
}

// Threads returns a snapshot of the task's live threads.
func (task *Task) Threads() []*Thread {
	task.lock.Acquire()
	defer task.lock.Release()
	out := make([]*Thread, len(task.threads))
	copy(out, task.threads)
	return out
}

// Refs returns the current reference count.
func (task *Task) Refs() int32 {
	return atomic.LoadInt32(&task.refs)
}

// Get adds an external reference.
func (task *Task) Get() {
	atomic.AddInt32(&task.refs, 1)
}

// Release drops a reference taken with Get; the last drop frees the task.
func (task *Task) Release() {
	if atomic.AddInt32(&task.refs, -1) == 0 {
		task.destroy()
	}
}

// HasCapability reports whether the task holds cap.
func (task *Task) HasCapability(cap Capability) bool {
	task.lock.Acquire()
	defer task.lock.Release()
	return task.caps&cap != 0
}

// GrantCapability adds cap to the task's capability set.
func (task *Task) GrantCapability(cap Capability) {
	task.lock.Acquire()
	task.caps |= cap
	task.lock.Release()
}

// RevokeCapability removes cap.
func (task *Task) RevokeCapability(cap Capability) {
	task.lock.Acquire()
	task.caps &^= cap
	task.lock.Release()
}

// ActiveCalls returns the number of the task's calls still awaiting an
// answer.
func (task *Task) ActiveCalls() int32 {
	return atomic.LoadInt32(&task.activeCalls)
}

// Call posts a call through phone slot i, accounting it as active until the
// answer is picked up with WaitAnswer.
func (task *Task) Call(i int, c *ipc.Call) *kernel.Error {
	if err := task.phones[i].Call(c, &task.answerbox); err != nil {
		return err
	}
	atomic.AddInt32(&task.activeCalls, 1)
	return nil
}

// CallDone balances Call after its answer has been consumed.
func (task *Task) CallDone() {
	atomic.AddInt32(&task.activeCalls, -1)
}

// attachThread links t into the task, refusing once the task stops
// accepting new threads. Each thread holds one task reference.
func (task *Task) attachThread(t *Thread) *kernel.Error {
	task.lock.Acquire()
	if !task.acceptNewThreads {
		task.lock.Release()
		return errTaskRefused
	}
	task.threads = append(task.threads, t)
	task.lock.Release()

	task.Get()
	return nil
}

// detachThread unlinks a reaped thread and drops its reference. The last
// drop frees the task.
func (task *Task) detachThread(t *Thread) {
	task.lock.Acquire()
	for i, cur := range task.threads {
		if cur == t {
			task.threads = append(task.threads[:i], task.threads[i+1:]...)
			break
		}
	}
	if task.main == t {
		task.main = nil
	}
	task.lock.Release()

	task.Release()
}

// releaseIPC resets every phone and force-answers the pending calls in the
// answerbox so remote callers are not left sleeping on a dead task.
func (task *Task) releaseIPC() {
	for i := range task.phones {
		task.phones[i].Hangup()
		task.phones[i].Reset()
	}
	task.answerbox.Close()
}

// destroy frees the task once the last reference is gone: it leaves the id
// index and releases the address space.
func (task *Task) destroy() {
	task.reg.lock.Acquire()
	delete(task.reg.tasks, task.id)
	task.reg.lock.Release()

	task.releaseIPC()
	task.futexes.closeAll()

	task.as.Put()
}
