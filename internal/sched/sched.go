package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hermit/internal/clock"
	"github.com/tinyrange/hermit/internal/trace"
	"github.com/tinyrange/hermit/internal/vma"
	"github.com/tinyrange/hermit/kerrno"
)

// IPISender pokes a remote core out of HALT after a cross-core push.
type IPISender interface {
	SendWakeup(fromCore, destCore int)
}

// TimerArmer programs the per-core one-shot under dynamic ticks.
type TimerArmer interface {
	ArmOneShot(core int, ticks uint64)
	DisarmTimer(core int)
}

// StackAllocator provides kernel and interrupt stacks. Returning base 0
// signals out of memory.
type StackAllocator interface {
	AllocStack(size uint64) uint64
	FreeStack(base, size uint64)
}

// HeapReleaser tears down a finished root task's heap VMA.
type HeapReleaser interface {
	ReleaseHeap(area *vma.Area)
}

// Options wires the scheduler's collaborators.
type Options struct {
	IPI      IPISender
	Timer    TimerArmer
	Heap     HeapReleaser
	DynTicks bool
	GoDown   func() bool
}

// Scheduler owns the PCB slab and one ready queue per core.
type Scheduler struct {
	clk    *clock.Clock
	stacks StackAllocator
	opts   Options

	// mu orders PCB slot allocation; queue state has per-core locks.
	mu    sync.Mutex
	tasks []Task

	queues []*ReadyQueue

	nextClone atomic.Uint32
}

var schedTrace = trace.WithSource("sched")

// New builds the scheduler and installs one idle task per core in the
// first slots of the slab: task 0 is the boot core's idle task.
func New(cores int, clk *clock.Clock, stacks StackAllocator, opts Options) (*Scheduler, error) {
	if cores <= 0 || cores > MaxTasks/2 {
		return nil, fmt.Errorf("sched: unsupported core count %d", cores)
	}
	s := &Scheduler{
		clk:    clk,
		stacks: stacks,
		opts:   opts,
		tasks:  make([]Task, MaxTasks),
	}
	for i := range s.tasks {
		s.tasks[i].ID = TaskID(i)
		s.tasks[i].Parent = NoTask
		s.tasks[i].resetLinks()
	}
	for c := 0; c < cores; c++ {
		idle := &s.tasks[c]
		idle.Status = StatusIdle
		idle.Prio = IdlePrio
		idle.LastCore = c
		// The idle stack is tiny and lives for the machine's lifetime;
		// failure to allocate it at boot is fatal for the caller.
		idle.ISTBase = stacks.AllocStack(ISTSize)
		if idle.ISTBase == 0 {
			return nil, fmt.Errorf("sched: no memory for core %d idle stack", c)
		}

		q := newReadyQueue()
		q.idle = TaskID(c)
		q.current = TaskID(c)
		s.queues = append(s.queues, q)
	}
	return s, nil
}

// Cores returns the number of scheduling domains.
func (s *Scheduler) Cores() int { return len(s.queues) }

// Queue exposes a core's ready queue for invariant checks.
func (s *Scheduler) Queue(core int) *ReadyQueue { return s.queues[core] }

// Slab exposes the PCB array for queue inspection helpers.
func (s *Scheduler) Slab() []Task { return s.tasks }

// Task returns a snapshot of the PCB.
func (s *Scheduler) Task(id TaskID) Task {
	q := s.queues[s.tasks[id].LastCore]
	q.mu.Lock()
	defer q.mu.Unlock()
	return s.tasks[id]
}

// Current returns the task running (or idling) on core.
func (s *Scheduler) Current(core int) TaskID {
	q := s.queues[core]
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Idle returns core's idle task id.
func (s *Scheduler) Idle(core int) TaskID { return s.queues[core].idle }

// Schedule picks the next task for core. Called with IRQs disabled on
// that core. It returns the outgoing and incoming ids; switched is
// false when the current task keeps the CPU. An equal ready priority
// keeps the current task; the slice-expiry path in CheckScheduling is
// the only caller that overrides that.
func (s *Scheduler) Schedule(core int) (from, to TaskID, switched bool) {
	return s.schedule(core, false)
}

func (s *Scheduler) schedule(core int, allowEqual bool) (from, to TaskID, switched bool) {
	q := s.queues[core]
	q.mu.Lock()

	curID := q.current
	cur := &s.tasks[curID]
	if cur.Status == StatusFinished {
		q.oldTask = curID
	}

	next := NoTask
	switch {
	case s.opts.GoDown != nil && s.opts.GoDown():
		if curID != q.idle {
			next = q.idle
			if cur.Status == StatusRunning {
				cur.Status = StatusReady
				q.oldTask = curID
			}
		}
	default:
		prio := q.highestPrioLocked()
		if prio == 0 {
			if cur.Status != StatusRunning && cur.Status != StatusIdle {
				next = q.idle
			}
		} else if prio > cur.Prio || cur.Status != StatusRunning ||
			(allowEqual && prio == cur.Prio) {
			next = q.popReadyLocked(s.tasks, prio)
			if s.tasks[next].Status != StatusReady {
				panic(fmt.Sprintf("sched: popped task %d in state %s", next, s.tasks[next].Status))
			}
			if cur.Status == StatusRunning {
				cur.Status = StatusReady
				q.oldTask = curID
			}
		}
	}

	if next == NoTask || next == curID {
		q.mu.Unlock()
		return curID, curID, false
	}

	nt := &s.tasks[next]
	if next != q.idle {
		nt.Status = StatusRunning
	}
	nt.LastCore = core
	nt.LastTSC = s.clk.Rdtsc()
	q.current = next
	q.mu.Unlock()

	schedTrace.Event("core=%d switch %d->%d", core, curID, next)
	return curID, next, true
}

// FinishTaskSwitch completes the switch on the new stack: a FINISHED
// old task is destroyed, a READY one re-enters its priority queue.
func (s *Scheduler) FinishTaskSwitch(core int) {
	q := s.queues[core]
	q.mu.Lock()

	old := q.oldTask
	q.oldTask = NoTask
	if old == NoTask {
		q.mu.Unlock()
		return
	}

	t := &s.tasks[old]
	switch t.Status {
	case StatusFinished:
		if t.StackBase != 0 {
			s.stacks.FreeStack(t.StackBase, DefaultStackSize)
			t.StackBase = 0
		}
		if t.ISTBase != 0 {
			s.stacks.FreeStack(t.ISTBase, ISTSize)
			t.ISTBase = 0
		}
		if t.OwnsHeap && t.Heap != nil && s.opts.Heap != nil {
			s.opts.Heap.ReleaseHeap(t.Heap)
		}
		t.Heap = nil
		if q.fpuOwner == old {
			q.fpuOwner = NoTask
		}
		t.Status = StatusInvalid
		t.Entry = nil
		t.waitingOn = nil
	case StatusReady:
		q.pushReadyLocked(s.tasks, old)
	}
	q.mu.Unlock()
}

// Reschedule is the voluntary entry point: select, then finish.
func (s *Scheduler) Reschedule(core int) bool {
	_, _, switched := s.Schedule(core)
	if switched {
		s.FinishTaskSwitch(core)
	}
	return switched
}

// CheckScheduling runs in the IRQ epilogue. A higher ready priority
// preempts immediately; under dynamic ticks an equal priority preempts
// once the running task has consumed a tick's worth of cycles, which
// keeps round-robin alive without a periodic timer.
func (s *Scheduler) CheckScheduling(core int) bool {
	q := s.queues[core]
	q.mu.Lock()
	prio := q.highestPrioLocked()
	cur := &s.tasks[q.current]
	resched := false
	if prio > cur.Prio {
		resched = true
	} else if s.opts.DynTicks && prio != 0 && prio == cur.Prio &&
		s.clk.Rdtsc()-cur.LastTSC >= s.clk.CyclesPerTick() {
		resched = true
	}
	equal := resched && prio == cur.Prio
	q.mu.Unlock()

	if resched {
		_, _, switched := s.schedule(core, equal)
		if switched {
			s.FinishTaskSwitch(core)
		}
		return switched
	}
	return false
}

// CreateTask allocates a PCB, its stacks, and enqueues it READY on the
// target core, kicking that core when it is remote.
func (s *Scheduler) CreateTask(callingCore int, entry EntryFunc, arg uint64, prio uint8, coreID int) (TaskID, kerrno.Errno) {
	if prio == IdlePrio || prio >= MaxPrio {
		return NoTask, kerrno.EINVAL
	}
	if coreID < 0 || coreID >= len(s.queues) || entry == nil {
		return NoTask, kerrno.EINVAL
	}

	ist := s.stacks.AllocStack(ISTSize)
	if ist == 0 {
		return NoTask, kerrno.ENOMEM
	}
	stack := s.stacks.AllocStack(DefaultStackSize)
	if stack == 0 {
		s.stacks.FreeStack(ist, ISTSize)
		return NoTask, kerrno.ENOMEM
	}

	s.mu.Lock()
	id := NoTask
	for i := len(s.queues); i < MaxTasks; i++ {
		if s.tasks[i].Status == StatusInvalid {
			id = TaskID(i)
			break
		}
	}
	if id == NoTask {
		s.mu.Unlock()
		s.stacks.FreeStack(stack, DefaultStackSize)
		s.stacks.FreeStack(ist, ISTSize)
		return NoTask, kerrno.ENOMEM
	}

	t := &s.tasks[id]
	*t = Task{
		ID:        id,
		Status:    StatusReady,
		LastCore:  coreID,
		Prio:      prio,
		StartTick: s.clk.Ticks(),
		Parent:    NoTask,
		OwnsHeap:  true,
		StackBase: stack,
		ISTBase:   ist,
		Entry:     entry,
		Arg:       arg,
	}
	t.resetLinks()
	s.mu.Unlock()

	q := s.queues[coreID]
	q.mu.Lock()
	q.pushReadyLocked(s.tasks, id)
	q.nrTasks++
	q.mu.Unlock()

	if coreID != callingCore && s.opts.IPI != nil {
		s.opts.IPI.SendWakeup(callingCore, coreID)
	}
	schedTrace.Event("create id=%d prio=%d core=%d", id, prio, coreID)
	return id, 0
}

// CloneTask creates a sibling of the calling core's current task:
// shared heap, inherited TLS, parent link, and a round-robin core pick
// across the initialized cores.
func (s *Scheduler) CloneTask(callingCore int, entry EntryFunc, arg uint64, prio uint8) (TaskID, kerrno.Errno) {
	q := s.queues[callingCore]
	q.mu.Lock()
	parentID := q.current
	parent := s.tasks[parentID]
	q.mu.Unlock()

	target := int(s.nextClone.Add(1)) % len(s.queues)

	id, e := s.CreateTask(callingCore, entry, arg, prio, target)
	if e != 0 {
		return NoTask, e
	}

	tq := s.queues[target]
	tq.mu.Lock()
	t := &s.tasks[id]
	t.Heap = parent.Heap
	t.OwnsHeap = false
	t.TLSAddr = parent.TLSAddr
	t.TLSSize = parent.TLSSize
	t.Parent = parentID
	tq.mu.Unlock()
	return id, 0
}

// SetTaskHeap attaches the demand-paged heap VMA to a task.
func (s *Scheduler) SetTaskHeap(id TaskID, area *vma.Area) {
	q := s.queues[s.tasks[id].LastCore]
	q.mu.Lock()
	s.tasks[id].Heap = area
	q.mu.Unlock()
}

// BlockCurrent moves the calling core's current task to BLOCKED. The
// caller must reschedule afterwards. Blocking the idle task is EINVAL.
func (s *Scheduler) BlockCurrent(core int) (TaskID, kerrno.Errno) {
	q := s.queues[core]
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.current
	if id == q.idle {
		return NoTask, kerrno.EINVAL
	}
	s.tasks[id].Status = StatusBlocked
	return id, 0
}

// WakeupTask makes a BLOCKED task READY on its last core, detaching it
// from the timer queue if needed, and kicks the remote core. Waking a
// task that is not blocked is a no-op, which makes wakeup idempotent
// with respect to queue membership.
func (s *Scheduler) WakeupTask(fromCore int, id TaskID) kerrno.Errno {
	if id < 0 || int(id) >= MaxTasks {
		return kerrno.EINVAL
	}

	target := s.tasks[id].LastCore
	q := s.queues[target]
	q.mu.Lock()
	t := &s.tasks[id]
	if t.Status != StatusBlocked {
		q.mu.Unlock()
		return 0
	}

	if t.Flags&FlagTimer != 0 {
		wasHead := q.timers.head == id
		q.timers.remove(s.tasks, id)
		t.Flags &^= FlagTimer
		if wasHead {
			s.rearmTimerLocked(target, q)
		}
	}
	t.Status = StatusReady
	q.pushReadyLocked(s.tasks, id)
	q.mu.Unlock()

	if target != fromCore && s.opts.IPI != nil {
		s.opts.IPI.SendWakeup(fromCore, target)
	}
	return 0
}

// DoExit terminates the calling core's current task and never selects
// it again; the switch that follows reclaims its resources.
func (s *Scheduler) DoExit(core int, code int32) {
	q := s.queues[core]
	q.mu.Lock()
	id := q.current
	t := &s.tasks[id]
	if id == q.idle {
		q.mu.Unlock()
		panic("sched: idle task called do_exit")
	}
	t.ExitCode = code
	t.Status = StatusFinished
	// Drop the thread-local copy before the PCB is recycled.
	t.TLSAddr, t.TLSSize = 0, 0
	if q.nrTasks > 0 {
		q.nrTasks--
	}
	q.mu.Unlock()

	schedTrace.Event("exit id=%d code=%d", id, code)
	s.Reschedule(core)
}

// MarkStarted flips the fresh-task flag; the run loop calls it when it
// enters the task body for the first time.
func (s *Scheduler) MarkStarted(id TaskID) bool {
	q := s.queues[s.tasks[id].LastCore]
	q.mu.Lock()
	defer q.mu.Unlock()
	if s.tasks[id].started {
		return false
	}
	s.tasks[id].started = true
	return true
}
