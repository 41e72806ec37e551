// Command kdebugctl drives the in-kernel debug console from the build host.
// It boots the same hosted harness kernelsim uses, flips kernel output to
// the debug console ring and inspects what the kernel logged - the host-side
// counterpart of the debug_enable_console system call.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"orrery/kernel/debugconsole"
	"orrery/kernel/kfmt"
	"orrery/kernel/mm"
	"orrery/kernel/mm/pmm"
	"orrery/kernel/mm/vmm"
	"orrery/kernel/proc"
)

var log zerolog.Logger

func main() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	root := &cobra.Command{
		Use:   "kdebugctl",
		Short: "inspect the in-kernel debug console",
	}
	root.AddCommand(dumpCmd(), framesCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// boot brings up the minimal object graph the console commands poke at.
func boot() *proc.Registry {
	vmm.SetFrameStore(vmm.NewMemFrameStore())
	pmm.AddRegion(mm.Frame(0x100), 512)

	sched := proc.NewScheduler(1)
	sched.Start()

	return proc.NewRegistry(proc.Config{
		Scheduler: sched,
		NewMapper: func() vmm.Mapper { return vmm.NewHashMapper() },
	})
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "enable the debug console, run a task and dump its output",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := boot()
			console := debugconsole.Enable()

			as := vmm.NewAddressSpace(vmm.NewHashMapper(), nil)
			task := reg.Create(as, "probe")
			task.Get()

			t, err := proc.NewThread(task, "probe", 0, func(self *proc.Thread, _ interface{}) uintptr {
				kfmt.Printf("[probe] task %d thread %d alive\n", uint64(self.Task().ID()), self.ID())
				kfmt.Printf("[probe] free frames: %d\n", pmm.FreeFrameCount())
				return 0
			}, nil)
			if err != nil {
				return fmt.Errorf("%s: %s", err.Module, err.Message)
			}
			t.Ready()
			t.Join(nil)
			task.Release()

			os.Stdout.Write(console.Contents())
			return nil
		},
	}
}

func framesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "frames",
		Short: "report physical frame allocator state",
		RunE: func(cmd *cobra.Command, args []string) error {
			boot()

			before := pmm.FreeFrameCount()
			frame, err := pmm.FrameAlloc(1, pmm.AllocAtomic)
			if err != nil {
				return fmt.Errorf("%s: %s", err.Module, err.Message)
			}
			log.Info().
				Uint64("frame", uint64(frame)).
				Int("free_before", before).
				Int("free_now", pmm.FreeFrameCount()).
				Msg("allocated probe frame")

			if err := pmm.FrameFree(frame); err != nil {
				return fmt.Errorf("%s: %s", err.Module, err.Message)
			}
			log.Info().Int("free_after", pmm.FreeFrameCount()).Msg("released probe frame")
			return nil
		},
	}
}
