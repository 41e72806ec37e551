// Package syscall is the kernel's system-call surface: one method per call,
// operating on the current thread's task. The architecture trap trampoline
// decodes registers into these calls; that encoding is arch business and
// lives outside this package.
package syscall

import (
	"time"

	"orrery/kernel"
	"orrery/kernel/debugconsole"
	"orrery/kernel/ipc"
	"orrery/kernel/mm/vmm"
	"orrery/kernel/proc"
	"orrery/kernel/sync"
)

var errNoPhone = &kernel.Error{Module: "syscall", Message: "phone index out of range", Kind: kernel.KindInvalid}

// InboxEntry is one named handle passed to a newly spawned program.
type InboxEntry struct {
	Name   string
	Handle int
}

// PCB is the process control block handed to a program's user-space entry
// point.
type PCB struct {
	Argc int
	Argv []string
	CWD  string

	Inbox []InboxEntry
}

// NewPCB assembles a PCB for program startup.
func NewPCB(argv []string, cwd string, inbox []InboxEntry) *PCB {
	return &PCB{
		Argc:  len(argv),
		Argv:  argv,
		CWD:   cwd,
		Inbox: inbox,
	}
}

// Table dispatches system calls against the kernel object model. It is
// constructed once at boot with the live subsystem handles.
type Table struct {
	registry *proc.Registry
}

// NewTable returns a syscall table bound to the task registry.
func NewTable(registry *proc.Registry) *Table {
	return &Table{registry: registry}
}

// TaskGetID returns the calling task's id.
func (s *Table) TaskGetID(current *proc.Thread) proc.TaskID {
	return current.Task().ID()
}

// ThreadCreate spawns a new thread in the calling task and hands it to the
// scheduler.
func (s *Table) ThreadCreate(current *proc.Thread, name string, entry proc.EntryFn, arg interface{}) (uint64, *kernel.Error) {
	t, err := proc.NewThread(current.Task(), name, 0, entry, arg)
	if err != nil {
		return 0, err
	}
	t.Ready()
	return t.ID(), nil
}

// ThreadExit flags the calling thread for termination. The thread unwinds
// at its next interruptible suspension or syscall boundary.
func (s *Table) ThreadExit(current *proc.Thread) {
	current.RequestTermination()
}

// AsAreaCreate registers an anonymous area in the calling task's address
// space.
func (s *Table) AsAreaCreate(current *proc.Thread, flags vmm.AreaFlag, size, base uintptr) *kernel.Error {
	_, err := current.Task().AddressSpace().CreateArea(flags, size, base, vmm.AnonymousBackend, [2]interface{}{})
	return err
}

// AsAreaResize grows or shrinks an area of the calling task.
func (s *Table) AsAreaResize(current *proc.Thread, base, newSize uintptr) *kernel.Error {
	return current.Task().AddressSpace().ResizeArea(base, newSize)
}

// AsAreaDestroy removes an area of the calling task.
func (s *Table) AsAreaDestroy(current *proc.Thread, base uintptr) *kernel.Error {
	return current.Task().AddressSpace().DestroyArea(base)
}

// FutexWait blocks the calling thread on the futex word at va.
func (s *Table) FutexWait(current *proc.Thread, va uintptr, timeout time.Duration) sync.Result {
	return current.Task().FutexDown(current, va, timeout)
}

// FutexWake releases one waiter of the futex word at va.
func (s *Table) FutexWake(current *proc.Thread, va uintptr) {
	current.Task().FutexUp(va)
}

// IPCCall posts a call through one of the calling task's phones.
func (s *Table) IPCCall(current *proc.Thread, phone int, c *ipc.Call) *kernel.Error {
	if phone < 0 || phone >= ipc.MaxPhones {
		return errNoPhone
	}
	return current.Task().Call(phone, c)
}

// IPCWait receives the next call posted to the calling task's answerbox.
func (s *Table) IPCWait(current *proc.Thread, timeout time.Duration, flags sync.Flags) (*ipc.Call, sync.Result) {
	return current.Task().Answerbox().Receive(current.Context(), timeout, flags)
}

// IPCAnswer completes a received call.
func (s *Table) IPCAnswer(current *proc.Thread, c *ipc.Call, retval uintptr) {
	current.Task().Answerbox().Answer(c, retval)
}

// IPCWaitAnswer picks up the answer to one of the calling task's own calls.
func (s *Table) IPCWaitAnswer(current *proc.Thread, timeout time.Duration, flags sync.Flags) (*ipc.Call, sync.Result) {
	c, res := current.Task().Answerbox().WaitAnswer(current.Context(), timeout, flags)
	if c != nil {
		current.Task().CallDone()
	}
	return c, res
}

// DebugEnableConsole switches kernel output to the in-kernel debug console.
func (s *Table) DebugEnableConsole(current *proc.Thread) *debugconsole.Console {
	return debugconsole.Enable()
}
