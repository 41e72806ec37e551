// Package tlb implements the cross-CPU TLB invalidation protocol. When one
// CPU removes a page mapping, every other CPU may still hold the stale
// translation in its TLB; the initiator posts an invalidation message into
// each target's mailbox, kicks the targets with an IPI and waits until all of
// them have drained their mailbox before letting the unmap complete.
package tlb

import (
	"sync/atomic"

	"orrery/kernel/cpu"
	"orrery/kernel/mm"
	"orrery/kernel/sync"
)

// MsgKind selects the scope of a TLB invalidation.
type MsgKind uint8

const (
	// InvalidateAll flushes the target's entire TLB. Losing precision is
	// always safe, so overflowing mailboxes promote their batch to this.
	InvalidateAll MsgKind = iota

	// InvalidateASID flushes every translation tagged with one ASID.
	InvalidateASID

	// InvalidatePages flushes a run of pages within one ASID.
	InvalidatePages
)

// Message describes one pending invalidation.
type Message struct {
	Kind  MsgKind
	ASID  mm.ASID
	Page  mm.Page
	Count int
}

// MailboxSize bounds the number of messages a target CPU can have pending.
// Overflow collapses the whole batch into a single InvalidateAll.
const MailboxSize = 8

// mailbox is the bounded per-CPU message queue. The shootdown lock serializes
// writers and the atomic pending flag hands the mailbox to the drain side, so
// count is a plain field.
type mailbox struct {
	msgs  [MailboxSize]Message
	count int
}

// CPUState holds the per-CPU half of the protocol: the mailbox and the
// pending flag the target clears after draining.
type CPUState struct {
	box     mailbox
	pending uint32
}

// Pending returns true while the CPU has undrained messages.
func (c *CPUState) Pending() bool {
	return atomic.LoadUint32(&c.pending) == 1
}

// Drain executes every queued invalidation on the local TLB and acknowledges
// the initiator. It is called from the IPI handler of the target CPU.
func (c *CPUState) Drain() {
	if atomic.LoadUint32(&c.pending) == 0 {
		return
	}

	for i := 0; i < c.box.count; i++ {
		msg := &c.box.msgs[i]
		switch msg.Kind {
		case InvalidateAll:
			flushAllFn()
		case InvalidateASID:
			flushASIDFn(msg.ASID)
		case InvalidatePages:
			for p := 0; p < msg.Count; p++ {
				flushPageFn(msg.ASID, msg.Page+mm.Page(p))
			}
		}
	}

	c.box.count = 0
	atomic.StoreUint32(&c.pending, 0)
}

// post appends msg to the mailbox. On overflow the whole batch is replaced by
// a single InvalidateAll. Must be called with the shootdown lock held.
func (c *CPUState) post(msg Message) {
	if c.box.count == MailboxSize {
		c.box.msgs[0] = Message{Kind: InvalidateAll}
		c.box.count = 1
		return
	}
	if c.box.count == 1 && c.box.msgs[0].Kind == InvalidateAll {
		// Batch already promoted; anything else is redundant.
		return
	}
	c.box.msgs[c.box.count] = msg
	c.box.count++
}

var (
	// The local flush primitives default to the amd64 instructions; the
	// architecture layer may install its own via SetFlushHandlers, and
	// the host harness installs recorders since the real instructions
	// are privileged.
	flushPageFn = func(_ mm.ASID, page mm.Page) {
		cpu.FlushTLBEntry(page.Address())
	}
	flushASIDFn = func(_ mm.ASID) {
		// Without hardware ASID-scoped flush support, reloading the
		// page-table root flushes all non-global entries.
		cpu.SwitchPDT(cpu.ActivePDT())
	}
	flushAllFn = func() {
		cpu.SwitchPDT(cpu.ActivePDT())
	}

	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// SetFlushHandlers installs the local TLB flush primitives a CPU uses when
// draining its mailbox: one for a single page within an ASID, one for a
// whole ASID and one for the full TLB. Nil arguments leave the matching
// handler unchanged.
func SetFlushHandlers(page func(asid mm.ASID, page mm.Page), asid func(asid mm.ASID), all func()) {
	if page != nil {
		flushPageFn = page
	}
	if asid != nil {
		flushASIDFn = asid
	}
	if all != nil {
		flushAllFn = all
	}
}

// SetInterruptControls installs the disable/enable-interrupts pair the
// initiator brackets a shootdown with. The host harness installs no-ops;
// the real instructions are privileged. Nil arguments leave the matching
// control unchanged.
func SetInterruptControls(disable, enable func()) {
	if disable != nil {
		disableInterruptsFn = disable
	}
	if enable != nil {
		enableInterruptsFn = enable
	}
}

// Shootdown coordinates cross-CPU invalidation. A single global lock
// serializes initiators; per-CPU mailboxes carry the messages.
type Shootdown struct {
	lock sync.Spinlock

	cpus []*CPUState

	// sendIPI kicks a target CPU so it drains its mailbox. The boot code
	// wires this to the platform interrupt controller; the host harness
	// wires it to a goroutine notification.
	sendIPI func(cpuID int)
}

// NewShootdown returns a coordinator for cpuCount CPUs using sendIPI to
// deliver cross-CPU kicks. A nil sendIPI is allowed for single-CPU
// configurations where no remote TLBs exist.
func NewShootdown(cpuCount int, sendIPI func(cpuID int)) *Shootdown {
	sd := &Shootdown{
		cpus:    make([]*CPUState, cpuCount),
		sendIPI: sendIPI,
	}
	for i := range sd.cpus {
		sd.cpus[i] = &CPUState{}
	}
	return sd
}

// CPU exposes the per-CPU state so interrupt handlers can reach their own
// mailbox.
func (sd *Shootdown) CPU(id int) *CPUState {
	return sd.cpus[id]
}

// Start posts the invalidation described by (kind, asid, page, count) to
// every CPU except self, kicks the targets and spins until each one has
// drained its mailbox. Interrupts stay disabled and the global shootdown lock
// stays held until the matching Finalize call, so the caller can remove the
// mapping knowing no CPU can observe it afterwards.
func (sd *Shootdown) Start(self int, kind MsgKind, asid mm.ASID, page mm.Page, count int) {
	disableInterruptsFn()
	sd.lock.Acquire()

	msg := Message{Kind: kind, ASID: asid, Page: page, Count: count}
	for id, state := range sd.cpus {
		if id == self {
			continue
		}
		state.post(msg)
		atomic.StoreUint32(&state.pending, 1)
	}

	for id, state := range sd.cpus {
		if id == self {
			continue
		}
		if sd.sendIPI != nil {
			sd.sendIPI(id)
		}
		for state.Pending() {
			// Spin; the target clears pending once drained.
		}
	}
}

// Finalize releases the shootdown lock and restores interrupts. The caller
// invokes it after completing the page-table change the shootdown protects.
func (sd *Shootdown) Finalize() {
	sd.lock.Release()
	enableInterruptsFn()
}
