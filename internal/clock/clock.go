// Package clock provides the machine time base: a virtual TSC plus the
// 100 Hz tick counter the timer queues are armed against. The clock is
// advanced by the run loop (or directly by tests), so every timing
// property stays deterministic.
package clock

import "sync/atomic"

// TimerFreq is the tick rate in Hz.
const TimerFreq = 100

// Clock models the per-machine time sources. The TSC is shared by all
// cores, which is what the scheduler's cross-core RDTSC comparisons
// assume on real hardware with invariant TSC.
type Clock struct {
	freqMHz uint64

	tsc   atomic.Uint64
	ticks atomic.Uint64
}

// New builds a clock for a CPU running at freqMHz.
func New(freqMHz uint64) *Clock {
	if freqMHz == 0 {
		freqMHz = 1000
	}
	return &Clock{freqMHz: freqMHz}
}

// CPUFreqMHz returns the modeled CPU frequency.
func (c *Clock) CPUFreqMHz() uint64 { return c.freqMHz }

// CyclesPerTick returns the TSC delta of one timer tick.
func (c *Clock) CyclesPerTick() uint64 { return c.freqMHz * 1_000_000 / TimerFreq }

// Rdtsc reads the virtual time stamp counter.
func (c *Clock) Rdtsc() uint64 { return c.tsc.Load() }

// AdvanceCycles moves the TSC forward.
func (c *Clock) AdvanceCycles(n uint64) { c.tsc.Add(n) }

// Udelay busy-waits for us microseconds; in the machine model the wait
// is the TSC advance itself.
func (c *Clock) Udelay(us uint64) { c.AdvanceCycles(us * c.freqMHz) }

// Tick registers one timer interrupt and returns the new tick count.
func (c *Clock) Tick() uint64 { return c.ticks.Add(1) }

// TickBy registers n elapsed ticks at once (dynamic-ticks wakeup after
// a long HALT) and returns the new count.
func (c *Clock) TickBy(n uint64) uint64 { return c.ticks.Add(n) }

// Ticks returns the monotonic tick count.
func (c *Clock) Ticks() uint64 { return c.ticks.Load() }
