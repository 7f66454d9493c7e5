package sched

import "github.com/tinyrange/hermit/kerrno"

// SetTimer blocks the calling core's current task until the absolute
// tick deadline. If the task becomes the new head of the timer queue
// the one-shot is re-armed for it (dynamic ticks). The caller must
// reschedule afterwards.
func (s *Scheduler) SetTimer(core int, deadline uint64) kerrno.Errno {
	q := s.queues[core]
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.current
	if id == q.idle {
		return kerrno.EINVAL
	}
	t := &s.tasks[id]
	t.Status = StatusBlocked
	t.Flags |= FlagTimer
	t.Timeout = deadline
	q.timers.insertByDeadline(s.tasks, id)

	if q.timers.head == id {
		s.rearmTimerLocked(core, q)
	}
	return 0
}

// CheckTimers wakes every head of the timer queue whose deadline has
// passed. It runs on every IRQ epilogue. The table lock is taken
// first because an expiring wait may have to leave a semaphore's wait
// list.
func (s *Scheduler) CheckTimers(core int) int {
	now := s.clk.Ticks()
	s.mu.Lock()
	q := s.queues[core]
	q.mu.Lock()

	woken := 0
	for {
		head := q.timers.head
		if head == NoTask || s.tasks[head].Timeout > now {
			break
		}
		q.timers.remove(s.tasks, head)
		t := &s.tasks[head]
		t.Flags &^= FlagTimer
		if sem := t.waitingOn; sem != nil {
			// The wait timed out: leave the semaphore's wait list so a
			// later post cannot hand the token to a task that already
			// returned.
			sem.dropWaiter(head)
			t.waitingOn = nil
			t.semAcquired = false
		}
		t.Status = StatusReady
		q.pushReadyLocked(s.tasks, head)
		woken++
	}
	s.rearmTimerLocked(core, q)
	q.mu.Unlock()
	s.mu.Unlock()
	return woken
}

// rearmTimerLocked programs the one-shot for the current timer-queue
// head, or disarms it when the queue is empty. Only meaningful under
// dynamic ticks.
func (s *Scheduler) rearmTimerLocked(core int, q *ReadyQueue) {
	if !s.opts.DynTicks || s.opts.Timer == nil {
		return
	}
	head := q.timers.head
	if head == NoTask {
		s.opts.Timer.DisarmTimer(core)
		return
	}
	now := s.clk.Ticks()
	deadline := s.tasks[head].Timeout
	ticks := uint64(1)
	if deadline > now {
		ticks = deadline - now
	}
	s.opts.Timer.ArmOneShot(core, ticks)
}

// NextDeadline returns the earliest armed deadline on core, if any.
// The idle loop uses it to advance virtual time straight to the next
// event instead of ticking through dead air.
func (s *Scheduler) NextDeadline(core int) (uint64, bool) {
	q := s.queues[core]
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timers.head == NoTask {
		return 0, false
	}
	return s.tasks[q.timers.head].Timeout, true
}

// TimerQueueLen counts the parked tasks (tests).
func (s *Scheduler) TimerQueueLen(core int) int {
	q := s.queues[core]
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id := q.timers.head; id != NoTask; id = s.tasks[id].next {
		n++
	}
	return n
}
