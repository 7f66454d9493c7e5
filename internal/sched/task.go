// Package sched implements the task model and the per-core schedulers:
// a fixed PCB slab indexed by task id, priority-bitmap ready queues, a
// sorted timer queue per core, lazy FPU ownership, and the cross-core
// wakeup protocol.
package sched

import (
	"github.com/tinyrange/hermit/internal/vma"
)

// TaskID indexes the PCB slab. Intrusive list links are ids, never
// pointers, so queue state can be checked against the slab directly.
type TaskID int32

// NoTask is the null link.
const NoTask TaskID = -1

// Slab and priority geometry.
const (
	MaxTasks = 256

	MaxPrio      = 32 // priorities 0..31
	IdlePrio     = 0  // reserved for the per-core idle tasks
	NormalPrio   = 8
	RealtimePrio = 31
)

// Stack sizes. The IST keeps interrupt entry off the task stack.
const (
	ISTSize          = 8 * 1024
	DefaultStackSize = 64 * 1024 * 1024
)

// TaskStatus is the PCB lifecycle state.
type TaskStatus uint8

const (
	StatusInvalid TaskStatus = iota
	StatusReady
	StatusRunning
	StatusBlocked
	StatusFinished
	StatusIdle
)

func (s TaskStatus) String() string {
	switch s {
	case StatusInvalid:
		return "invalid"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusBlocked:
		return "blocked"
	case StatusFinished:
		return "finished"
	case StatusIdle:
		return "idle"
	}
	return "unknown"
}

// Task flag bits.
type TaskFlags uint8

const (
	FlagFPUInit TaskFlags = 1 << iota
	FlagFPUUsed
	FlagTimer
)

// EntryFunc is a task body. It runs on the owning core's run loop; the
// id identifies the task for the blocking primitives.
type EntryFunc func(id TaskID, arg uint64)

// FPUState is the lazily switched floating point context.
type FPUState struct {
	Initialized bool
	CWD         uint16
	MXCSR       uint32
	SavedBy     TaskID // diagnostics: who last saved this state
}

// init is the fresh-task FPU programming.
func (f *FPUState) init() {
	f.Initialized = true
	f.CWD = 0x37F
	f.MXCSR = 0x1F80
}

// Task is one PCB slot.
type Task struct {
	ID       TaskID
	Status   TaskStatus
	LastCore int
	Prio     uint8
	Flags    TaskFlags

	// Timeout is the absolute tick deadline while FlagTimer is set.
	Timeout   uint64
	StartTick uint64
	LastTSC   uint64

	Heap     *vma.Area
	OwnsHeap bool
	Parent   TaskID

	TLSAddr uint64
	TLSSize uint64

	LwipErr   int32
	ExitCode  int32

	StackBase uint64
	ISTBase   uint64

	FPU FPUState

	Entry EntryFunc
	Arg   uint64

	// started is consumed by the run loop: a fresh task's first switch
	// enters thread_entry rather than resuming a saved frame.
	started bool

	// waitingOn links a blocked waiter back to its semaphore so a timer
	// expiry can leave the wait list.
	waitingOn   *Semaphore
	semAcquired bool

	next, prev TaskID
	inList     bool
}

// InQueue reports whether the task currently sits in an intrusive list.
func (t *Task) InQueue() bool { return t.inList }

func (t *Task) resetLinks() {
	t.next, t.prev = NoTask, NoTask
	t.inList = false
}
