package sched

import (
	"testing"

	"github.com/tinyrange/hermit/internal/clock"
	"github.com/tinyrange/hermit/kerrno"
)

// fakeStacks hands out fake stack bases and can be driven to exhaustion.
type fakeStacks struct {
	next   uint64
	budget int // negative = unlimited
	frees  int
}

func (f *fakeStacks) AllocStack(size uint64) uint64 {
	if f.budget == 0 {
		return 0
	}
	if f.budget > 0 {
		f.budget--
	}
	f.next += 0x10000000
	return f.next
}

func (f *fakeStacks) FreeStack(base, size uint64) { f.frees++ }

type fakeIPI struct {
	wakeups []struct{ from, to int }
}

func (f *fakeIPI) SendWakeup(from, to int) {
	f.wakeups = append(f.wakeups, struct{ from, to int }{from, to})
}

type fakeTimer struct {
	armed    []struct {
		core  int
		ticks uint64
	}
	disarmed int
}

func (f *fakeTimer) ArmOneShot(core int, ticks uint64) {
	f.armed = append(f.armed, struct {
		core  int
		ticks uint64
	}{core, ticks})
}

func (f *fakeTimer) DisarmTimer(core int) { f.disarmed++ }

func noop(id TaskID, arg uint64) {}

func newTestSched(t *testing.T, cores int) (*Scheduler, *fakeIPI, *fakeTimer, *clock.Clock) {
	t.Helper()
	clk := clock.New(2000)
	ipi := &fakeIPI{}
	timer := &fakeTimer{}
	s, err := New(cores, clk, &fakeStacks{budget: -1}, Options{
		IPI:      ipi,
		Timer:    timer,
		DynTicks: true,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, ipi, timer, clk
}

func checkBitmapInvariant(t *testing.T, s *Scheduler, core int) {
	t.Helper()
	q := s.Queue(core)
	bitmap := q.Bitmap()
	for p := uint8(1); p < MaxPrio; p++ {
		setBit := bitmap&(1<<p) != 0
		nonEmpty := q.QueueLen(s.Slab(), p) > 0
		if setBit != nonEmpty {
			t.Fatalf("bitmap invariant broken at prio %d: bit=%v queue=%v", p, setBit, nonEmpty)
		}
	}
}

func TestBootIdle(t *testing.T) {
	s, _, _, _ := newTestSched(t, 2)

	if s.Idle(0) != 0 {
		t.Fatal("task 0 must be the boot core's idle task")
	}
	if got := s.Task(0).Status; got != StatusIdle {
		t.Fatalf("task 0 status = %s", got)
	}
	if s.Current(0) != 0 || s.Current(1) != 1 {
		t.Fatal("cores must start on their idle tasks")
	}
}

func TestCreateRunsOverIdle(t *testing.T) {
	s, _, _, _ := newTestSched(t, 1)

	id, e := s.CreateTask(0, noop, 0, NormalPrio, 0)
	if e != 0 {
		t.Fatalf("create: %v", e)
	}
	checkBitmapInvariant(t, s, 0)

	if !s.Reschedule(0) {
		t.Fatal("idle core did not pick up the new task")
	}
	if s.Current(0) != id {
		t.Fatalf("current = %d, want %d", s.Current(0), id)
	}
	if got := s.Task(id).Status; got != StatusRunning {
		t.Fatalf("status = %s", got)
	}
	checkBitmapInvariant(t, s, 0)
}

func TestPriorityPreemption(t *testing.T) {
	s, _, _, _ := newTestSched(t, 1)

	a, _ := s.CreateTask(0, noop, 0, 8, 0)
	s.Reschedule(0)
	if s.Current(0) != a {
		t.Fatal("task A not running")
	}

	b, e := s.CreateTask(0, noop, 0, 16, 0)
	if e != 0 {
		t.Fatalf("create B: %v", e)
	}

	// The IRQ epilogue notices the higher priority and switches.
	if !s.CheckScheduling(0) {
		t.Fatal("check_scheduling did not preempt")
	}
	if s.Current(0) != b {
		t.Fatalf("current = %d, want B=%d", s.Current(0), b)
	}

	// A was re-enqueued at the tail of queue[7] and stays READY.
	ta := s.Task(a)
	if ta.Status != StatusReady {
		t.Fatalf("A status = %s, want ready", ta.Status)
	}
	if got := s.Queue(0).QueueLen(s.Slab(), 8); got != 1 {
		t.Fatalf("queue[7] len = %d, want 1", got)
	}
	checkBitmapInvariant(t, s, 0)
}

func TestEqualPriorityKeepsRunningUntilSliceExpires(t *testing.T) {
	s, _, _, clk := newTestSched(t, 1)

	a, _ := s.CreateTask(0, noop, 0, 8, 0)
	s.Reschedule(0)
	b, _ := s.CreateTask(0, noop, 0, 8, 0)

	// Fresh slice: equal priority does not preempt.
	if s.CheckScheduling(0) {
		t.Fatal("preempted with a fresh slice")
	}
	if s.Current(0) != a {
		t.Fatal("A lost the CPU early")
	}

	// After a tick's worth of cycles the round-robin heuristic kicks in.
	clk.AdvanceCycles(clk.CyclesPerTick() + 1)
	if !s.CheckScheduling(0) {
		t.Fatal("slice expiry did not reschedule")
	}
	if s.Current(0) != b {
		t.Fatalf("current = %d, want B=%d", s.Current(0), b)
	}
	if s.Task(a).Status != StatusReady {
		t.Fatal("A not re-enqueued")
	}
}

func TestTimerWakeup(t *testing.T) {
	s, _, timer, clk := newTestSched(t, 1)

	a, _ := s.CreateTask(0, noop, 0, 8, 0)
	s.Reschedule(0)

	now := clk.Ticks()
	if e := s.SetTimer(0, now+100); e != 0 {
		t.Fatalf("set_timer: %v", e)
	}
	ta := s.Task(a)
	if ta.Status != StatusBlocked || ta.Flags&FlagTimer == 0 {
		t.Fatalf("A not parked: status=%s flags=%#x", ta.Status, ta.Flags)
	}
	if s.TimerQueueLen(0) != 1 {
		t.Fatal("timer queue empty")
	}
	if len(timer.armed) == 0 || timer.armed[len(timer.armed)-1].ticks != 100 {
		t.Fatalf("one-shot not armed for 100 ticks: %+v", timer.armed)
	}

	// Blocked task leaves the CPU.
	s.Reschedule(0)
	if s.Current(0) != s.Idle(0) {
		t.Fatal("core not idling while A sleeps")
	}

	// Nothing wakes before the deadline.
	clk.TickBy(99)
	if s.CheckTimers(0) != 0 {
		t.Fatal("woke before the deadline")
	}
	clk.TickBy(1)
	if s.CheckTimers(0) != 1 {
		t.Fatal("deadline expiry did not wake A")
	}
	if s.Task(a).Status != StatusReady {
		t.Fatal("A not ready after expiry")
	}
	s.Reschedule(0)
	if s.Current(0) != a {
		t.Fatal("scheduler did not select A after wakeup")
	}
}

func TestWakeupIdempotent(t *testing.T) {
	s, _, _, _ := newTestSched(t, 1)

	a, _ := s.CreateTask(0, noop, 0, 8, 0)
	s.Reschedule(0)
	s.BlockCurrent(0)
	s.Reschedule(0)

	if e := s.WakeupTask(0, a); e != 0 {
		t.Fatalf("wakeup: %v", e)
	}
	if got := s.Queue(0).QueueLen(s.Slab(), 8); got != 1 {
		t.Fatalf("queue len = %d after first wakeup", got)
	}
	// A second wakeup must not enqueue twice.
	if e := s.WakeupTask(0, a); e != 0 {
		t.Fatalf("second wakeup: %v", e)
	}
	if got := s.Queue(0).QueueLen(s.Slab(), 8); got != 1 {
		t.Fatalf("queue len = %d after second wakeup, want 1", got)
	}
	checkBitmapInvariant(t, s, 0)
}

func TestCrossCoreWakeupSendsIPI(t *testing.T) {
	s, ipi, _, _ := newTestSched(t, 2)

	id, e := s.CreateTask(0, noop, 0, 8, 1)
	if e != 0 {
		t.Fatalf("create: %v", e)
	}
	if len(ipi.wakeups) != 1 || ipi.wakeups[0].to != 1 {
		t.Fatalf("remote create did not IPI core 1: %+v", ipi.wakeups)
	}

	s.Reschedule(1)
	if s.Current(1) != id {
		t.Fatal("core 1 did not pick up the task")
	}
	s.BlockCurrent(1)
	s.Reschedule(1)

	// Wakeup from core 0 pushes to core 1 (the task's last core) and
	// kicks it.
	before := len(ipi.wakeups)
	if e := s.WakeupTask(0, id); e != 0 {
		t.Fatalf("wakeup: %v", e)
	}
	if len(ipi.wakeups) != before+1 || ipi.wakeups[before].to != 1 {
		t.Fatalf("cross-core wakeup missing IPI: %+v", ipi.wakeups)
	}
	if got := s.Queue(1).QueueLen(s.Slab(), 8); got != 1 {
		t.Fatal("task not on core 1's queue")
	}
}

func TestExitReclaims(t *testing.T) {
	stacks := &fakeStacks{budget: -1}
	clk := clock.New(2000)
	s, err := New(1, clk, stacks, Options{DynTicks: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	id, _ := s.CreateTask(0, noop, 0, 8, 0)
	s.Reschedule(0)
	if s.Queue(0).NrTasks() != 1 {
		t.Fatal("nr_tasks != 1")
	}

	s.DoExit(0, -1)
	if s.Queue(0).NrTasks() != 0 {
		t.Fatal("nr_tasks not decremented")
	}
	// The switch back to idle reclaimed both stacks.
	if got := s.Task(id).Status; got != StatusInvalid {
		t.Fatalf("exited task status = %s, want invalid", got)
	}
	if stacks.frees != 2 {
		t.Fatalf("stack frees = %d, want 2", stacks.frees)
	}
	if s.Current(0) != s.Idle(0) {
		t.Fatal("core not back on idle")
	}

	// The slot is reusable.
	id2, e := s.CreateTask(0, noop, 0, 8, 0)
	if e != 0 || id2 != id {
		t.Fatalf("slot not recycled: id2=%d err=%v", id2, e)
	}
}

func TestCreateValidation(t *testing.T) {
	s, _, _, _ := newTestSched(t, 1)

	if _, e := s.CreateTask(0, noop, 0, IdlePrio, 0); e != kerrno.EINVAL {
		t.Fatalf("prio 0: %v", e)
	}
	if _, e := s.CreateTask(0, noop, 0, 32, 0); e != kerrno.EINVAL {
		t.Fatalf("prio 32: %v", e)
	}
	if _, e := s.CreateTask(0, noop, 0, 8, 7); e != kerrno.EINVAL {
		t.Fatalf("bad core: %v", e)
	}
}

func TestSlabExhaustion(t *testing.T) {
	s, _, _, _ := newTestSched(t, 1)

	created := 0
	for {
		_, e := s.CreateTask(0, noop, 0, 8, 0)
		if e == kerrno.ENOMEM {
			break
		}
		if e != 0 {
			t.Fatalf("unexpected error: %v", e)
		}
		created++
		if created > MaxTasks {
			t.Fatal("never exhausted")
		}
	}
	if created != MaxTasks-1 {
		t.Fatalf("created %d tasks, want %d", created, MaxTasks-1)
	}
}

func TestStackFailureUnwinds(t *testing.T) {
	clk := clock.New(2000)
	stacks := &fakeStacks{budget: 3} // idle IST + one task's IST and stack
	s, err := New(1, clk, stacks, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// First create consumes the remaining two allocations.
	if _, e := s.CreateTask(0, noop, 0, 8, 0); e != 0 {
		t.Fatalf("first create: %v", e)
	}
	// Second one fails its IST allocation outright.
	if _, e := s.CreateTask(0, noop, 0, 8, 0); e != kerrno.ENOMEM {
		t.Fatalf("expected ENOMEM, got %v", e)
	}
}

func TestFPULazyOwnership(t *testing.T) {
	s, _, _, _ := newTestSched(t, 1)

	a, _ := s.CreateTask(0, noop, 0, 8, 0)
	s.Reschedule(0)
	s.HandleFPUTrap(0)

	ta := s.Task(a)
	if ta.Flags&FlagFPUUsed == 0 || ta.Flags&FlagFPUInit == 0 {
		t.Fatalf("A flags = %#x", ta.Flags)
	}
	if ta.FPU.CWD != 0x37F || ta.FPU.MXCSR != 0x1F80 {
		t.Fatalf("fresh FPU state = %+v", ta.FPU)
	}
	if s.Queue(0).FPUOwner() != a {
		t.Fatal("A does not own the FPU")
	}

	// B takes over; A's used-flag clears, keeping ownership unique.
	b, _ := s.CreateTask(0, noop, 0, 16, 0)
	s.Reschedule(0)
	if s.Current(0) != b {
		t.Fatal("B not running")
	}
	s.HandleFPUTrap(0)
	if s.Queue(0).FPUOwner() != b {
		t.Fatal("ownership did not move to B")
	}
	if s.Task(a).Flags&FlagFPUUsed != 0 {
		t.Fatal("A still flagged FPU_USED")
	}
}

func TestCloneInheritsParent(t *testing.T) {
	s, _, _, _ := newTestSched(t, 2)

	root, _ := s.CreateTask(0, noop, 0, 8, 0)
	s.Reschedule(0)
	s.SetTaskHeap(root, nil)

	c1, e := s.CloneTask(0, noop, 0, 8)
	if e != 0 {
		t.Fatalf("clone: %v", e)
	}
	tc := s.Task(c1)
	if tc.Parent != root {
		t.Fatalf("clone parent = %d, want %d", tc.Parent, root)
	}
	if tc.OwnsHeap {
		t.Fatal("clone must not own the heap")
	}

	// Clones spread round-robin over the cores.
	c2, _ := s.CloneTask(0, noop, 0, 8)
	if s.Task(c1).LastCore == s.Task(c2).LastCore {
		t.Fatalf("clones landed on the same core %d", s.Task(c1).LastCore)
	}
}

func TestSemaphoreTimeout(t *testing.T) {
	s, _, _, clk := newTestSched(t, 1)

	a, _ := s.CreateTask(0, noop, 0, 8, 0)
	s.Reschedule(0)

	sem := s.NewSemaphore(0)
	if e := sem.Wait(0, 20); e != kerrno.EBUSY {
		t.Fatalf("wait on empty sem = %v, want EBUSY", e)
	}
	if s.Task(a).Status != StatusBlocked {
		t.Fatal("waiter not blocked")
	}
	s.Reschedule(0)

	// 20 ms at 100 Hz is 2 ticks.
	clk.TickBy(2)
	if s.CheckTimers(0) != 1 {
		t.Fatal("timeout did not wake the waiter")
	}
	if sem.Acquired(a) {
		t.Fatal("timed-out wait reported acquired")
	}

	// A post after the timeout must not resurrect the old wait.
	sem.Post(0)
	if !sem.TryWait() {
		t.Fatal("post after timeout lost the token")
	}
}

func TestSemaphoreHandoff(t *testing.T) {
	s, _, _, _ := newTestSched(t, 1)

	a, _ := s.CreateTask(0, noop, 0, 8, 0)
	s.Reschedule(0)

	sem := s.NewSemaphore(1)
	if e := sem.Wait(0, 0); e != 0 {
		t.Fatalf("first wait should take the token: %v", e)
	}
	if e := sem.Wait(0, 0); e != kerrno.EBUSY {
		t.Fatalf("second wait = %v, want EBUSY", e)
	}
	s.Reschedule(0)

	sem.Post(0)
	if !sem.Acquired(a) {
		t.Fatal("post did not hand the token to the waiter")
	}
	if s.Task(a).Status != StatusReady {
		t.Fatal("waiter not woken by post")
	}
}

func TestShutdownSelectsIdle(t *testing.T) {
	down := false
	clk := clock.New(2000)
	s, err := New(1, clk, &fakeStacks{budget: -1}, Options{GoDown: func() bool { return down }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	a, _ := s.CreateTask(0, noop, 0, 8, 0)
	s.Reschedule(0)
	if s.Current(0) != a {
		t.Fatal("task not running")
	}

	down = true
	if !s.Reschedule(0) {
		t.Fatal("shutdown did not switch to idle")
	}
	if s.Current(0) != s.Idle(0) {
		t.Fatal("core not on idle during shutdown")
	}
}
