package sched

import (
	"github.com/tinyrange/hermit/internal/clock"
	"github.com/tinyrange/hermit/kerrno"
)

// Semaphore is a counting semaphore whose waiters park in the
// scheduler. Waits accept a millisecond timeout; a timeout puts the
// waiter back on its ready queue and removes it from the wait list.
//
// Lock order: semaphore state (count, wait list, the waitingOn back
// links) lives under the scheduler's table lock, which is always taken
// before any per-core queue lock.
type Semaphore struct {
	s *Scheduler

	value   int
	waiters []TaskID
}

// NewSemaphore builds a semaphore with the given initial count.
func (s *Scheduler) NewSemaphore(value int) *Semaphore {
	return &Semaphore{s: s, value: value}
}

// TryWait takes a token without blocking.
func (m *Semaphore) TryWait() bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.value > 0 {
		m.value--
		return true
	}
	return false
}

// Wait takes a token or blocks the calling core's current task. A zero
// timeout waits forever; otherwise the wait expires after timeoutMs
// milliseconds, rounded up to whole ticks so it can never fire early.
// The return value is 0 when the token was taken immediately; EBUSY
// means the task blocked and the caller must reschedule, then consult
// Acquired once it runs again.
func (m *Semaphore) Wait(core int, timeoutMs uint64) kerrno.Errno {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if m.value > 0 {
		m.value--
		return 0
	}

	q := m.s.queues[core]
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.current
	if id == q.idle {
		return kerrno.EINVAL
	}
	t := &m.s.tasks[id]
	t.Status = StatusBlocked
	t.waitingOn = m
	t.semAcquired = false
	m.waiters = append(m.waiters, id)

	if timeoutMs > 0 {
		ticks := (timeoutMs*clock.TimerFreq + 999) / 1000
		if ticks == 0 {
			ticks = 1
		}
		t.Flags |= FlagTimer
		t.Timeout = m.s.clk.Ticks() + ticks
		q.timers.insertByDeadline(m.s.tasks, id)
		if q.timers.head == id {
			m.s.rearmTimerLocked(core, q)
		}
	}
	return kerrno.EBUSY
}

// Acquired reports the outcome of a blocked wait after the task runs
// again: true when a post handed it the token, false on timeout.
func (m *Semaphore) Acquired(id TaskID) bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.tasks[id].semAcquired
}

// Post releases a token: the oldest still-parked waiter gets it and
// wakes, or the count rises.
func (m *Semaphore) Post(fromCore int) {
	m.s.mu.Lock()
	for len(m.waiters) > 0 {
		id := m.waiters[0]
		m.waiters = m.waiters[1:]
		t := &m.s.tasks[id]
		if t.waitingOn != m {
			// Timed out after we last looked; skip.
			continue
		}
		t.waitingOn = nil
		t.semAcquired = true
		m.s.mu.Unlock()

		m.s.WakeupTask(fromCore, id)
		return
	}
	m.value++
	m.s.mu.Unlock()
}

// dropWaiter removes a timed-out task from the wait list. Called by
// CheckTimers with the table lock held.
func (m *Semaphore) dropWaiter(id TaskID) {
	for i, w := range m.waiters {
		if w == id {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}
