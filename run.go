package hermit

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/tinyrange/hermit/internal/clock"
	"github.com/tinyrange/hermit/internal/irq"
	"github.com/tinyrange/hermit/internal/paging"
	"github.com/tinyrange/hermit/internal/sched"
	"github.com/tinyrange/hermit/internal/uhyve"
	"github.com/tinyrange/hermit/kerrno"
)

// taskRuntime is the execution coroutine behind one task: the core's
// run loop hands the CPU over through resume and gets it back through
// yield whenever the task blocks, yields, or exits.
type taskRuntime struct {
	resume chan struct{}
	yield  chan struct{}
}

// TaskFunc is an application task body.
type TaskFunc func(tc *TaskContext)

// Spawn creates a task on the chosen core.
func (is *Isle) Spawn(fn TaskFunc, prio uint8, core int) (sched.TaskID, kerrno.Errno) {
	return is.sch.CreateTask(0, is.wrap(fn), 0, prio, core)
}

// SpawnClone creates a sibling of the calling context's task,
// inheriting its heap, and lets the scheduler pick the core.
func (tc *TaskContext) SpawnClone(fn TaskFunc, prio uint8) (sched.TaskID, kerrno.Errno) {
	return tc.isle.sch.CloneTask(tc.core(), tc.isle.wrap(fn), 0, prio)
}

func (is *Isle) wrap(fn TaskFunc) sched.EntryFunc {
	return func(id sched.TaskID, arg uint64) {
		fn(&TaskContext{isle: is, id: id})
	}
}

func (is *Isle) runtimeFor(id sched.TaskID) *taskRuntime {
	is.rtMu.Lock()
	defer is.rtMu.Unlock()
	if rt, ok := is.runtimes[id]; ok {
		return rt
	}
	rt := &taskRuntime{resume: make(chan struct{}), yield: make(chan struct{})}
	is.runtimes[id] = rt

	go func() {
		<-rt.resume
		defer func() { rt.yield <- struct{}{} }()

		t := is.sch.Task(id)
		is.sch.MarkStarted(id)
		t.Entry(id, t.Arg)

		// Falling off the end of the body is an implicit exit.
		if is.sch.Task(id).Status == sched.StatusRunning {
			is.sch.DoExit(is.sch.Task(id).LastCore, 0)
		}
	}()
	return rt
}

func (is *Isle) dropRuntime(id sched.TaskID) {
	is.rtMu.Lock()
	defer is.rtMu.Unlock()
	delete(is.runtimes, id)
}

// Run drives every online core until the isle shuts down or the
// context ends.
func (is *Isle) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for c := 0; c < is.cfg.Cores; c++ {
		if !is.apic.Online(c) {
			continue
		}
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			is.runCore(ctx, core)
		}(c)
	}
	wg.Wait()
	return ctx.Err()
}

func (is *Isle) runCore(ctx context.Context, core int) {
	bsp := core == is.apic.BootProcessor()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if is.apic.GoDown() {
			is.shutdownSystem(core, bsp)
			return
		}

		cur := is.sch.Current(core)
		if cur != is.sch.Idle(core) {
			rt := is.runtimeFor(cur)
			rt.resume <- struct{}{}
			<-rt.yield
			if is.sch.Task(cur).Status == sched.StatusInvalid {
				is.dropRuntime(cur)
			}
			continue
		}

		if is.sch.Reschedule(core) {
			continue
		}

		// Idle with a pending deadline: the boot core owns virtual
		// time and jumps straight to the next event.
		if bsp {
			if deadline, ok := is.sch.NextDeadline(core); ok {
				now := is.clk.Ticks()
				if deadline > now {
					ticks := deadline - now
					is.clk.TickBy(ticks)
					is.clk.AdvanceCycles(ticks * is.clk.CyclesPerTick())
				}
				is.disp.Dispatch(core, irq.VectorApicTimer)
				continue
			}
		}

		// HALT until an interrupt arrives.
		select {
		case <-is.disp.WaitChannel(core):
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// shutdownSystem is the per-core teardown the shutdown IPI triggers:
// timer off, x2APIC disabled on the boot core, cpu_online dropped.
// The boot processor waits for the others before closing the network.
func (is *Isle) shutdownSystem(core int, bsp bool) {
	is.apic.DisarmTimer(core)

	if !bsp {
		is.apic.SetOffline(core)
		return
	}

	// The boot processor is the last one out: wait until every
	// application processor has drained, then tear down the network.
	for is.apic.CPUOnline() > 1 {
		time.Sleep(time.Millisecond)
	}
	is.netif.Close()
	is.apic.DisableX2(core)
	is.apic.SetOffline(core)
	is.log.Info("isle down", "exit_code", is.exitCode.Load())
}

// Run drives every isle of the machine concurrently.
func (m *Machine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(m.isles))
	for i, is := range m.isles {
		wg.Add(1)
		go func(i int, is *Isle) {
			defer wg.Done()
			errs[i] = is.Run(ctx)
		}(i, is)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// TaskContext is the blocking surface handed to task bodies. Every
// method must be called from the task's own goroutine.
type TaskContext struct {
	isle *Isle
	id   sched.TaskID
}

// ID returns the task id.
func (tc *TaskContext) ID() sched.TaskID { return tc.id }

// Isle returns the owning isle.
func (tc *TaskContext) Isle() *Isle { return tc.isle }

func (tc *TaskContext) core() int { return tc.isle.sch.Task(tc.id).LastCore }

// park gives the CPU back to the run loop and blocks until the
// scheduler selects this task again.
func (tc *TaskContext) park() {
	rt := tc.isle.runtimeFor(tc.id)
	rt.yield <- struct{}{}
	<-rt.resume
}

// Yield offers the CPU voluntarily.
func (tc *TaskContext) Yield() {
	core := tc.core()
	if tc.isle.sch.Reschedule(core) {
		tc.park()
	}
}

// Sleep blocks the task for the given number of timer ticks.
func (tc *TaskContext) Sleep(ticks uint64) {
	core := tc.core()
	deadline := tc.isle.clk.Ticks() + ticks
	if e := tc.isle.sch.SetTimer(core, deadline); e != 0 {
		return
	}
	tc.isle.sch.Reschedule(core)
	tc.park()
}

// SleepMs blocks for milliseconds, rounded up to ticks.
func (tc *TaskContext) SleepMs(ms uint64) {
	ticks := (ms*clock.TimerFreq + 999) / 1000
	if ticks == 0 {
		ticks = 1
	}
	tc.Sleep(ticks)
}

// SemWait blocks on the semaphore with an optional millisecond
// timeout; it reports whether the token was acquired.
func (tc *TaskContext) SemWait(sem *sched.Semaphore, timeoutMs uint64) bool {
	core := tc.core()
	switch sem.Wait(core, timeoutMs) {
	case 0:
		return true
	case kerrno.EBUSY:
		tc.isle.sch.Reschedule(core)
		tc.park()
		return sem.Acquired(tc.id)
	default:
		return false
	}
}

// Exit terminates the task immediately.
func (tc *TaskContext) Exit(code int32) {
	tc.isle.sch.DoExit(tc.core(), code)
	runtime.Goexit()
}

// Touch performs a memory access at a heap address, faulting the page
// in on first use. A fault outside the task's heap is fatal for the
// task, mirroring the page-fault handler's contract.
func (tc *TaskContext) Touch(addr uint64, write bool) kerrno.Errno {
	is := tc.isle
	if _, err := is.space.Translate(addr); err == nil {
		return 0
	}

	code := uint64(paging.FaultUser)
	if write {
		code |= paging.FaultWrite
	}
	heap := is.sch.Task(tc.id).Heap
	e := is.space.HandleFault(tc.core(), addr, code, heap, is.cfg.GoRuntime, is.log)
	if e == kerrno.EFAULT {
		tc.Exit(int32(kerrno.EFAULT))
	}
	return e
}

// HostWrite forwards a write to the host through the hypercall port.
func (tc *TaskContext) HostWrite(fd int32, data []byte) (int64, error) {
	is := tc.isle
	if is.uhyveDev == nil {
		return 0, fmt.Errorf("hermit: uhyve disabled")
	}
	if len(data) > 3*4096-64 {
		return 0, fmt.Errorf("hermit: hypercall payload too large")
	}

	is.uhyveMu.Lock()
	defer is.uhyveMu.Unlock()

	buf := is.uhyveScratch + 64
	if _, err := is.ram.WriteAt(data, int64(buf)); err != nil {
		return 0, err
	}
	if err := uhyve.WriteArgs(is.ram, is.uhyveScratch, fd, buf, uint64(len(data))); err != nil {
		return 0, err
	}
	if err := is.uhyveDev.WritePort(uhyve.PortWrite, is.uhyveScratch); err != nil {
		return 0, err
	}
	ret, err := is.ram.Uint64(is.uhyveScratch + 16)
	return int64(ret), err
}

// HostExit asks the hypervisor to terminate the isle. The hypercall
// never returns to the guest: the calling task ends here, whatever
// state the shutdown epilogue left the core in.
func (tc *TaskContext) HostExit(code int32) {
	is := tc.isle
	if is.uhyveDev != nil {
		is.uhyveMu.Lock()
		is.ram.PutUint32(is.uhyveScratch, uint32(code))
		is.uhyveDev.WritePort(uhyve.PortExit, is.uhyveScratch)
		is.uhyveMu.Unlock()
	} else {
		is.exitCode.Store(code)
		is.Shutdown()
	}
	runtime.Goexit()
}
