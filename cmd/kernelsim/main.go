// Command kernelsim boots the kernel object model on the build host: a
// software page table and an in-memory frame store stand in for the MMU, so
// the scheduler, address spaces, pagers, futexes and IPC run end to end
// without hardware. It is the quickest way to watch a program load, fault
// its pages in and get torn down again.
package main

import (
	"encoding/binary"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"orrery/kernel/ipc"
	"orrery/kernel/mm"
	"orrery/kernel/mm/pmm"
	"orrery/kernel/mm/tlb"
	"orrery/kernel/mm/vmm"
	"orrery/kernel/proc"
	"orrery/kernel/sync"
)

var log zerolog.Logger

func main() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	var (
		cpus   int
		frames int
	)

	root := &cobra.Command{
		Use:   "kernelsim",
		Short: "run the kernel object model on the build host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cpus, frames)
		},
	}
	root.Flags().IntVar(&cpus, "cpus", 2, "number of logical CPUs")
	root.Flags().IntVar(&frames, "frames", 1024, "number of physical frames to simulate")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap wires the subsystem handles together the way the real boot path
// would: frame pool, frame store, shootdown coordinator, scheduler and task
// registry.
func bootstrap(cpus, frames int) *proc.Registry {
	vmm.SetFrameStore(vmm.NewMemFrameStore())
	pmm.AddRegion(mm.Frame(0x100), frames)

	// The software page tables have no TLB to flush and the host may not
	// toggle interrupts, so the shootdown protocol runs with no-op
	// primitives; what matters here is the mailbox/ack ordering.
	tlb.SetFlushHandlers(func(mm.ASID, mm.Page) {}, func(mm.ASID) {}, func() {})
	tlb.SetInterruptControls(func() {}, func() {})

	var sd *tlb.Shootdown
	sd = tlb.NewShootdown(cpus, func(id int) { sd.CPU(id).Drain() })

	sched := proc.NewScheduler(cpus)
	sched.Start()

	return proc.NewRegistry(proc.Config{
		Scheduler: sched,
		NewMapper: func() vmm.Mapper { return vmm.NewHashMapper() },
		Shootdown: sd,
	})
}

func run(cpus, frames int) error {
	log.Info().Int("cpus", cpus).Int("frames", frames).Msg("booting")

	reg := bootstrap(cpus, frames)
	freeBefore := pmm.FreeFrameCount()

	// Load and run a program: its segments fault in on demand and the
	// killer thread reaps the task when the main thread finishes.
	task, err := reg.RunProgram(buildImage(), "init")
	if err != nil {
		log.Error().Str("module", err.Module).Msg(err.Message)
		return err
	}
	id := task.ID()
	log.Info().Uint64("task", uint64(id)).Msg("program started")

	for reg.Find(id) != nil {
		time.Sleep(time.Millisecond)
	}
	log.Info().Uint64("task", uint64(id)).Msg("task reaped, address space destroyed")

	futexDemo(reg)
	ipcDemo(reg)

	log.Info().
		Int("frames_before", freeBefore).
		Int("frames_after", pmm.FreeFrameCount()).
		Msg("frame accounting")

	return nil
}

// futexDemo runs a two-thread ping-pong over a contended futex word.
func futexDemo(reg *proc.Registry) {
	as := vmm.NewAddressSpace(vmm.NewHashMapper(), nil)
	task := reg.Create(as, "futex-demo")
	task.Get()
	defer task.Release()

	var word int32 = 1
	va := uintptr(unsafe.Pointer(&word))

	var rounds int32

	worker := func(self *proc.Thread, arg interface{}) uintptr {
		counter := arg.(*int32)
		for i := 0; i < 100; i++ {
			task.FutexDown(self, va, time.Second)
			atomic.AddInt32(counter, 1)
			task.FutexUp(va)
		}
		return 0
	}

	a, _ := proc.NewThread(task, "ping", 0, worker, &rounds)
	b, _ := proc.NewThread(task, "pong", 0, worker, &rounds)
	a.Ready()
	b.Ready()
	a.Join(nil)
	b.Join(nil)

	log.Info().
		Int32("rounds", atomic.LoadInt32(&rounds)).
		Int32("word", atomic.LoadInt32(&word)).
		Msg("futex ping-pong done")
}

// ipcDemo connects a client task's phone to a server task's answerbox and
// round-trips one call.
func ipcDemo(reg *proc.Registry) {
	server := reg.Create(vmm.NewAddressSpace(vmm.NewHashMapper(), nil), "ipc-server")
	client := reg.Create(vmm.NewAddressSpace(vmm.NewHashMapper(), nil), "ipc-client")
	server.Get()
	client.Get()
	defer server.Release()
	defer client.Release()

	if err := client.Phone(0).Connect(server.Answerbox()); err != nil {
		log.Error().Msg(err.Message)
		return
	}

	srv, _ := proc.NewThread(server, "server", 0, func(self *proc.Thread, _ interface{}) uintptr {
		call, res := server.Answerbox().Receive(self.Context(), time.Second, sync.None)
		if res != sync.OK || call == nil {
			return 1
		}
		server.Answerbox().Answer(call, call.Args[0]+call.Args[1])
		return 0
	}, nil)

	cli, _ := proc.NewThread(client, "client", 0, func(self *proc.Thread, _ interface{}) uintptr {
		call := &ipc.Call{Method: 1, Args: [5]uintptr{20, 22}}
		if err := client.Call(0, call); err != nil {
			return 1
		}
		answer, res := client.Answerbox().WaitAnswer(self.Context(), time.Second, sync.None)
		if res != sync.OK || answer == nil {
			return 1
		}
		client.CallDone()
		log.Info().Uint64("retval", uint64(answer.Retval)).Msg("ipc answer received")
		return 0
	}, nil)

	srv.Ready()
	cli.Ready()
	srv.Join(nil)
	cli.Join(nil)
}

// buildImage assembles a minimal statically linked ELF64 executable: one
// read-execute segment holding the entry page and one read-write segment
// whose memory size exceeds its file size, so loading exercises the shared,
// copied and zero-filled pager paths.
func buildImage() []byte {
	const (
		pageSize  = 0x1000
		textVaddr = 0x400000
		dataVaddr = 0x600000
	)

	image := make([]byte, 3*pageSize)
	le := binary.LittleEndian

	// ELF header.
	copy(image, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(image[16:], 2)  // ET_EXEC
	le.PutUint16(image[18:], 62) // EM_X86_64
	le.PutUint32(image[20:], 1)
	le.PutUint64(image[24:], textVaddr+0x100) // entry
	le.PutUint64(image[32:], 64)              // phoff
	le.PutUint16(image[52:], 64)              // ehsize
	le.PutUint16(image[54:], 56)              // phentsize
	le.PutUint16(image[56:], 2)               // phnum

	phdr := func(index int, flags uint32, off, vaddr, fileSz, memSz uint64) {
		base := 64 + index*56
		le.PutUint32(image[base:], 1) // PT_LOAD
		le.PutUint32(image[base+4:], flags)
		le.PutUint64(image[base+8:], off)
		le.PutUint64(image[base+16:], vaddr)
		le.PutUint64(image[base+24:], vaddr)
		le.PutUint64(image[base+32:], fileSz)
		le.PutUint64(image[base+40:], memSz)
		le.PutUint64(image[base+48:], pageSize)
	}

	phdr(0, 5, pageSize, textVaddr, pageSize, pageSize)     // R-X
	phdr(1, 6, 2*pageSize, dataVaddr, pageSize, 3*pageSize) // RW-, with .bss tail

	// Fill the text page with HLT so a disassembler shows something sane.
	for i := pageSize; i < 2*pageSize; i++ {
		image[i] = 0xf4
	}

	return image
}
