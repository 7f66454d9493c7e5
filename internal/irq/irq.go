// Package irq implements the 256-entry vector table and the per-core
// dispatch discipline: handlers run with further delivery held off,
// the controller is acknowledged on the way out, and the epilogue hooks
// (timer expiry, preemption check) run last.
package irq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hermit/internal/trace"
	"github.com/tinyrange/hermit/kerrno"
)

// Fixed vector layout.
const (
	VectorExceptionBase = 0   // 0..31 CPU exceptions
	VectorPageFault     = 14  // replaced exception handler
	VectorIRQBase       = 32  // legacy PIC IRQs 0..15
	VectorIOAPICBase    = 48  // IOAPIC redirected IRQs 16..23
	VectorDriver80      = 112 // irq80..irq82 reserved drivers
	VectorDriver81      = 113
	VectorDriver82      = 114
	VectorShutdown      = 113 // 81+32: shutdown broadcast
	VectorWakeup        = 121 // cross-core wakeup IPI
	VectorMmnif         = 122 // mmnif doorbell
	VectorApicTimer     = 123
	VectorLint0         = 124
	VectorLint1         = 125
	VectorApicError     = 126
	VectorApicSpurious  = 127
	VectorSyscall       = 128 // legacy int 0x80
	VectorTLBShootdown  = 115
	NumVectors          = 256
)

// Handler services one interrupt on one core.
type Handler func(core int, vector uint8)

// EOISink acknowledges a serviced vector with the interrupt controller.
type EOISink interface {
	EOI(vector uint8)
}

// coreState is the per-core interrupt context: the disable-nesting
// depth and the vectors held pending while delivery is off.
type coreState struct {
	mu      sync.Mutex
	depth   int
	pending []uint8
	wake    chan struct{}
}

func (c *coreState) pushPending(vector uint8) {
	for _, v := range c.pending {
		if v == vector {
			// Fixed-delivery interrupts fold while pending, the same
			// way a set IRR bit does.
			return
		}
	}
	c.pending = append(c.pending, vector)
}

// Dispatcher owns the vector table and drives per-core delivery.
type Dispatcher struct {
	mu       sync.Mutex
	handlers [NumVectors]Handler

	eoi      EOISink
	epilogue func(core int)

	cores []*coreState

	spurious atomic.Uint64
}

var irqTrace = trace.WithSource("irq")

// NewDispatcher builds a dispatcher for the given core count.
func NewDispatcher(cores int) *Dispatcher {
	d := &Dispatcher{}
	for i := 0; i < cores; i++ {
		d.cores = append(d.cores, &coreState{wake: make(chan struct{}, 1)})
	}
	return d
}

// SetEOISink wires the interrupt controller acknowledgement path.
func (d *Dispatcher) SetEOISink(s EOISink) { d.eoi = s }

// SetEpilogue installs the hook run after every serviced interrupt
// (check_timers + check_scheduling in the kernel proper).
func (d *Dispatcher) SetEpilogue(fn func(core int)) { d.epilogue = fn }

// Register installs a handler for vector. Installing over a live
// handler is EBUSY; drivers must unregister first.
func (d *Dispatcher) Register(vector uint8, h Handler) kerrno.Errno {
	if h == nil {
		return kerrno.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[vector] != nil {
		return kerrno.EBUSY
	}
	d.handlers[vector] = h
	return 0
}

// Unregister removes the handler for vector.
func (d *Dispatcher) Unregister(vector uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[vector] = nil
}

// handler returns the installed handler, if any.
func (d *Dispatcher) handler(vector uint8) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[vector]
}

// DisableIRQs raises the core's disable-nesting depth.
func (d *Dispatcher) DisableIRQs(core int) {
	c := d.cores[core]
	c.mu.Lock()
	c.depth++
	c.mu.Unlock()
}

// EnableIRQs lowers the nesting depth; reaching zero drains the
// vectors that arrived while delivery was off.
func (d *Dispatcher) EnableIRQs(core int) {
	c := d.cores[core]
	c.mu.Lock()
	if c.depth > 0 {
		c.depth--
	}
	var drain []uint8
	if c.depth == 0 {
		drain = c.pending
		c.pending = nil
	}
	c.mu.Unlock()

	for _, v := range drain {
		d.Dispatch(core, v)
	}
}

// IRQsEnabled reports whether the core currently accepts delivery.
func (d *Dispatcher) IRQsEnabled(core int) bool {
	c := d.cores[core]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth == 0
}

// Dispatch delivers vector to core. With delivery disabled the vector
// is held pending; otherwise the handler runs with IRQs off, the
// controller is acknowledged, and the epilogue hook runs.
func (d *Dispatcher) Dispatch(core int, vector uint8) {
	c := d.cores[core]
	c.mu.Lock()
	if c.depth > 0 {
		c.pushPending(vector)
		c.mu.Unlock()
		d.kick(core)
		return
	}
	c.depth++ // handlers run with IRQs off
	c.mu.Unlock()

	irqTrace.Event("core=%d vector=%d", core, vector)

	if h := d.handler(vector); h != nil {
		h(core, vector)
	} else if vector == VectorApicSpurious {
		d.spurious.Add(1)
	}

	if d.eoi != nil {
		d.eoi.EOI(vector)
	}
	if d.epilogue != nil {
		d.epilogue(core)
	}

	d.EnableIRQs(core)
	d.kick(core)
}

// kick wakes a core out of HALT.
func (d *Dispatcher) kick(core int) {
	select {
	case d.cores[core].wake <- struct{}{}:
	default:
	}
}

// WaitChannel returns the channel a halted core run loop blocks on.
func (d *Dispatcher) WaitChannel(core int) <-chan struct{} {
	return d.cores[core].wake
}

// Spurious returns the spurious-interrupt count.
func (d *Dispatcher) Spurious() uint64 { return d.spurious.Load() }

// VectorName names a vector for logs.
func VectorName(vector uint8) string {
	switch {
	case vector == VectorPageFault:
		return "page-fault"
	case vector < VectorIRQBase:
		return fmt.Sprintf("exception-%d", vector)
	case vector == VectorWakeup:
		return "wakeup-ipi"
	case vector == VectorMmnif:
		return "mmnif-doorbell"
	case vector == VectorApicTimer:
		return "apic-timer"
	case vector == VectorApicError:
		return "apic-error"
	case vector == VectorApicSpurious:
		return "apic-spurious"
	case vector == VectorTLBShootdown:
		return "tlb-shootdown"
	case vector == VectorSyscall:
		return "syscall"
	default:
		return fmt.Sprintf("vector-%d", vector)
	}
}
