package hermit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tinyrange/hermit/internal/config"
	"github.com/tinyrange/hermit/internal/paging"
	"github.com/tinyrange/hermit/internal/sched"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T, mutate func(*config.Config)) *Machine {
	t.Helper()
	cfg := config.Default()
	cfg.Uhyve = true
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewMachine(cfg, testLogger())
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m
}

func TestBootToIdle(t *testing.T) {
	m := newTestMachine(t, nil)
	is := m.Isle(1)

	// Core 0 runs the idle task.
	if is.Scheduler().Current(0) != is.Scheduler().Idle(0) {
		t.Fatal("core 0 not on the idle task")
	}
	if got := is.APIC().CPUOnline(); got != 1 {
		t.Fatalf("cpu_online = %d, want 1", got)
	}
	if is.APIC().ICR() == 0 {
		t.Fatal("APIC calibration produced icr == 0")
	}
	// ISA lines are unmasked except the cascade input.
	for line := 0; line < 16; line++ {
		masked := is.APIC().IOAPIC().Masked(line)
		if line == 2 && !masked {
			t.Fatal("cascade line unmasked")
		}
		if line != 2 && masked {
			t.Fatalf("ISA line %d still masked", line)
		}
	}
}

func TestSMPBringupAndShootdown(t *testing.T) {
	m := newTestMachine(t, func(c *config.Config) { c.Cores = 4 })
	is := m.Isle(1)

	if got := is.APIC().CPUOnline(); got != 4 {
		t.Fatalf("cpu_online = %d, want 4", got)
	}
	for c := 0; c < 4; c++ {
		if !is.APIC().Online(c) {
			t.Fatalf("core %d offline", c)
		}
	}

	// A remap on core 0 shoots the other three cores down exactly once.
	space := is.Space()
	if e := space.Map(0, 0x40000000, 0x800000, 1, paging.FlagRW, true); e != 0 {
		t.Fatalf("map: %v", e)
	}
	if e := space.Map(0, 0x40000000, 0x900000, 1, paging.FlagRW, true); e != 0 {
		t.Fatalf("remap: %v", e)
	}
	for c := 1; c < 4; c++ {
		if got := space.TLB(c).FullFlushes(); got != 1 {
			t.Fatalf("core %d reloaded CR3 %d times, want 1", c, got)
		}
	}
	if got := space.TLB(0).PageFlushes(); got != 1 {
		t.Fatalf("core 0 flushed %d pages, want 1", got)
	}
}

func TestRunTaskToHostExit(t *testing.T) {
	m := newTestMachine(t, nil)
	is := m.Isle(1)

	ran := false
	_, e := is.Spawn(func(tc *TaskContext) {
		ran = true
		tc.HostExit(7)
	}, sched.NormalPrio, 0)
	if e != 0 {
		t.Fatalf("spawn: %v", e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !ran {
		t.Fatal("task body never ran")
	}
	if got := is.ExitCode(); got != 7 {
		t.Fatalf("exit code = %d, want 7", got)
	}
}

func TestRunSleepWakesByDeadline(t *testing.T) {
	m := newTestMachine(t, nil)
	is := m.Isle(1)

	var before, after uint64
	_, e := is.Spawn(func(tc *TaskContext) {
		before = tc.Isle().Clock().Ticks()
		tc.Sleep(100)
		after = tc.Isle().Clock().Ticks()
		tc.HostExit(0)
	}, sched.NormalPrio, 0)
	if e != 0 {
		t.Fatalf("spawn: %v", e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if after < before+100 {
		t.Fatalf("woke at tick %d, armed for %d", after, before+100)
	}
	if after > before+101 {
		t.Fatalf("woke late: tick %d, want ~%d", after, before+100)
	}
}

func TestHeapDemandPagingThroughTask(t *testing.T) {
	m := newTestMachine(t, func(c *config.Config) { c.GoRuntime = true })
	is := m.Isle(1)

	var faultErr, refaultErr int
	id, e := is.Spawn(func(tc *TaskContext) {
		heap := tc.Isle().Scheduler().Task(tc.ID()).Heap
		addr := heap.Start + 1<<20

		if e := tc.Touch(addr, true); e != 0 {
			faultErr = int(e)
		}
		// The second access must not trap.
		before := tc.Isle().Frames().AllocatedPages()
		if e := tc.Touch(addr, false); e != 0 {
			refaultErr = int(e)
		}
		if tc.Isle().Frames().AllocatedPages() != before {
			refaultErr = -1000
		}
		tc.HostExit(0)
	}, sched.NormalPrio, 0)
	if e != 0 {
		t.Fatalf("spawn: %v", e)
	}
	if e := is.SetupHeap(id, 16<<20); e != 0 {
		t.Fatalf("setup heap: %v", e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if faultErr != 0 {
		t.Fatalf("demand fault failed: %d", faultErr)
	}
	if refaultErr != 0 {
		t.Fatalf("refault misbehaved: %d", refaultErr)
	}
}

func TestCrossIsleDoorbellDelivery(t *testing.T) {
	m := newTestMachine(t, func(c *config.Config) { c.Isles = 3 })

	// Sending from isle 2's device to isle 3 rings isle 3's doorbell,
	// and the IRQ path hands the packet to isle 3's stack input.
	pkt := make([]byte, 128)
	pkt[0] = 0x45
	copy(pkt[16:20], []byte{192, 168, 28, 3})

	got := make(chan int, 1)
	m.Isle(3).Device().SetRxHandler(func(p []byte) { got <- len(p) })

	if e := m.Isle(2).Device().Send(pkt); e != 0 {
		t.Fatalf("send: %v", e)
	}
	select {
	case n := <-got:
		if n != len(pkt) {
			t.Fatalf("received %d bytes, want %d", n, len(pkt))
		}
	default:
		t.Fatal("doorbell never delivered the packet")
	}
}

func TestPreemptionAcrossPriorities(t *testing.T) {
	m := newTestMachine(t, nil)
	is := m.Isle(1)
	s := is.Scheduler()

	a, _ := is.Spawn(func(tc *TaskContext) {}, 8, 0)
	s.Reschedule(0)
	if s.Current(0) != a {
		t.Fatal("A not running")
	}

	b, _ := is.Spawn(func(tc *TaskContext) {}, 16, 0)
	// Any interrupt's epilogue notices the higher priority.
	is.Dispatcher().Dispatch(0, 121)
	if s.Current(0) != b {
		t.Fatalf("current = %d, want %d", s.Current(0), b)
	}
	if s.Task(a).Status != sched.StatusReady {
		t.Fatal("A not left READY")
	}
}
