package apic

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hermit/internal/clock"
	"github.com/tinyrange/hermit/internal/irq"
	"github.com/tinyrange/hermit/internal/trace"
)

// CalibrationTicks is how many timer ticks the calibration loop spins.
const CalibrationTicks = 3

// Router injects a delivered interrupt into a core. The machine wires
// this to the IRQ dispatcher.
type Router interface {
	Deliver(core int, vector uint8)
}

// CoreStarter launches an application processor at the trampoline
// entry. The machine's run loop provides it.
type CoreStarter interface {
	StartCore(core int, entry uint64) error
}

// Config selects the APIC personality at init.
type Config struct {
	Cores      int
	X2APIC     bool // enable x2APIC when available
	NoX2       bool // explicit disable wins over availability
	DynTicks   bool
	CPUFreqMHz uint64
}

// APIC is the machine-wide interrupt complex: one local APIC per core,
// one IOAPIC, and the routing glue.
type APIC struct {
	mu sync.Mutex

	clk    *clock.Clock
	router Router
	log    *slog.Logger

	regs  []*lapicRegs
	local []LocalApic
	x2    bool

	enabled  atomic.Bool
	dynTicks bool

	// icr is the calibrated timer increment for one tick.
	icr uint32

	ioapic *IOAPIC

	// irqRedirect maps ISA IRQs to IOAPIC inputs; identity unless the
	// MP table overrides an entry.
	irqRedirect [16]uint8

	online     []atomic.Bool
	cpuOnline  atomic.Uint32
	bootProc   int
	goDown     atomic.Bool

	// legacy PIC EOI counters, kept for the pre-APIC EOI path.
	picMasterEOI atomic.Uint64
	picSlaveEOI  atomic.Uint64
	apicEOI      atomic.Uint64

	starter CoreStarter
}

var apicTrace = trace.WithSource("apic")

// New builds the APIC complex. The boot processor comes up online;
// application processors wait for the INIT/SIPI dance.
func New(cfg Config, clk *clock.Clock, router Router, log *slog.Logger) *APIC {
	a := &APIC{
		clk:      clk,
		router:   router,
		log:      log,
		x2:       cfg.X2APIC && !cfg.NoX2,
		dynTicks: cfg.DynTicks,
		ioapic:   NewIOAPIC(24),
		online:   make([]atomic.Bool, cfg.Cores),
	}
	for i := range a.irqRedirect {
		a.irqRedirect[i] = uint8(i)
	}
	for i := 0; i < cfg.Cores; i++ {
		regs := newLapicRegs(uint32(i), clk, a)
		a.regs = append(a.regs, regs)
		if a.x2 {
			a.local = append(a.local, &x2apic{regs: regs})
		} else {
			a.local = append(a.local, &xapic{regs: regs})
		}
	}
	a.online[0].Store(true)
	a.cpuOnline.Store(1)
	a.ioapic.SetRouting(a)
	return a
}

// Local returns the core's register interface.
func (a *APIC) Local(core int) LocalApic { return a.local[core] }

// IsX2 reports the active addressing mode.
func (a *APIC) IsX2() bool { return a.x2 }

// BootProcessor returns the BSP id.
func (a *APIC) BootProcessor() int { return a.bootProc }

// IOAPIC returns the redirection unit.
func (a *APIC) IOAPIC() *IOAPIC { return a.ioapic }

// SetCoreStarter wires the AP launch path.
func (a *APIC) SetCoreStarter(s CoreStarter) { a.starter = s }

// ICR returns the calibrated timer increment per tick (zero before
// calibration).
func (a *APIC) ICR() uint32 { return a.icr }

// Calibrate measures the LAPIC timer against the TSC: arm a one-shot
// for the maximum count, spin three ticks worth of CPU cycles, read
// the remaining count. Runs with IRQs conceptually disabled (the
// machine calls it from the boot path before delivery starts).
func (a *APIC) Calibrate(core int) error {
	la := a.local[core]

	la.Write(RegTimerDCR, 0xB) // divide by 1
	la.Write(RegLVTTimer, irq.VectorApicTimer|lvtMasked)
	const max = ^uint32(0)
	la.Write(RegTimerICR, max)

	cycles := uint64(CalibrationTicks) * a.clk.CyclesPerTick()
	start := a.clk.Rdtsc()
	for a.clk.Rdtsc()-start < cycles {
		// The spin itself advances the virtual TSC.
		a.clk.AdvanceCycles(cycles - (a.clk.Rdtsc() - start))
	}

	remaining := la.Read(RegTimerCCR)
	diff := max - remaining
	a.icr = diff / CalibrationTicks
	if a.icr == 0 {
		return fmt.Errorf("apic: timer calibration produced zero increment")
	}
	a.log.Info("lapic timer calibrated", "core", core, "icr", a.icr)

	a.reset(core)
	return nil
}

// reset programs the post-calibration register state: SVR enabled with
// spurious vector 127, TPR clear, timer disabled (dynamic ticks) or
// periodic, LINT0/LINT1 masked, error LVT on vector 126.
func (a *APIC) reset(core int) {
	la := a.local[core]
	la.Write(RegSVR, svrDefault)
	la.Write(RegTPR, 0)
	if a.dynTicks {
		la.Write(RegLVTTimer, irq.VectorApicTimer|lvtMasked)
		la.Write(RegTimerICR, 0)
	} else {
		la.Write(RegLVTTimer, irq.VectorApicTimer|lvtTimerPeriod)
		la.Write(RegTimerICR, a.icr)
	}
	la.Write(RegLINT0, lvtMasked)
	la.Write(RegLINT1, lvtMasked)
	la.Write(RegLVTError, irq.VectorApicError)
	a.enabled.Store(true)
}

// ArmOneShot programs the core's timer for ticks timer ticks from now
// (dynamic ticks).
func (a *APIC) ArmOneShot(core int, ticks uint64) {
	la := a.local[core]
	la.Write(RegLVTTimer, irq.VectorApicTimer)
	count := ticks * uint64(a.icr)
	if count == 0 {
		count = 1
	}
	if count > uint64(^uint32(0)) {
		count = uint64(^uint32(0))
	}
	la.Write(RegTimerICR, uint32(count))
}

// DisarmTimer stops the core's timer.
func (a *APIC) DisarmTimer(core int) {
	la := a.local[core]
	la.Write(RegLVTTimer, irq.VectorApicTimer|lvtMasked)
	la.Write(RegTimerICR, 0)
}

// EOI implements irq.EOISink. Vectors at or above 123, or any vector
// once the APIC is enabled, acknowledge the local APIC; everything
// else goes to the legacy PIC pair.
func (a *APIC) EOI(vector uint8) {
	if a.enabled.Load() || vector >= 123 {
		a.apicEOI.Add(1)
		a.ioapic.HandleEOI(vector)
		return
	}
	if vector >= 40 {
		a.picSlaveEOI.Add(1)
	}
	a.picMasterEOI.Add(1)
}

// deliverIPI implements ipiSink: an ICR write lands here with the
// destination APIC id already extracted.
func (a *APIC) deliverIPI(destAPIC uint32, mode uint32, vector uint8) {
	switch mode {
	case 0x5: // INIT (or INIT de-assert); nothing to model
		return
	case 0x6: // STARTUP
		a.startup(int(destAPIC), uint64(vector)<<12)
		return
	}

	core := int(destAPIC)
	if core < 0 || core >= len(a.online) {
		return
	}
	apicTrace.Event("ipi dest=%d vector=%d", core, vector)
	a.router.Deliver(core, vector)
}

// SendIPI sends a fixed-delivery IPI to the destination core, using
// the MSR path under x2APIC and the ICR pair otherwise.
func (a *APIC) SendIPI(fromCore, destCore int, vector uint8) {
	if a.x2 {
		x2 := a.local[fromCore].(*x2apic)
		x2.WriteICR64((uint64(destCore) << x2ICRDestShift) | icrAssert | uint64(vector))
		return
	}
	la := a.local[fromCore]
	for la.Read(RegICR1)&icrBusy != 0 {
	}
	la.Write(RegICR2, uint32(destCore)<<icrDestShift)
	la.Write(RegICR1, icrAssert|icrFixed|uint32(vector))
}

// SendWakeup delivers the scheduler wakeup IPI.
func (a *APIC) SendWakeup(fromCore, destCore int) {
	a.SendIPI(fromCore, destCore, irq.VectorWakeup)
}

// SendTLBShootdown implements paging.ShootdownSender: flush IPIs to
// every online core except the sender.
func (a *APIC) SendTLBShootdown(fromCore int) {
	for c := range a.online {
		if c == fromCore || !a.online[c].Load() {
			continue
		}
		a.SendIPI(fromCore, c, irq.VectorTLBShootdown)
	}
}

// BroadcastShutdown raises the shutdown vector everywhere, including
// the caller, and latches go_down.
func (a *APIC) BroadcastShutdown(fromCore int) {
	a.goDown.Store(true)
	for c := range a.online {
		if !a.online[c].Load() {
			continue
		}
		a.SendIPI(fromCore, c, irq.VectorShutdown)
	}
}

// GoDown reports whether the shutdown flag fired.
func (a *APIC) GoDown() bool { return a.goDown.Load() }

// SetOnline is called by a core once its bring-up finished.
func (a *APIC) SetOnline(core int) {
	if !a.online[core].Swap(true) {
		a.cpuOnline.Add(1)
	}
}

// SetOffline is the shutdown-path counterpart.
func (a *APIC) SetOffline(core int) {
	if a.online[core].Swap(false) {
		a.cpuOnline.Add(^uint32(0))
	}
}

// Online reports whether a core is up.
func (a *APIC) Online(core int) bool { return a.online[core].Load() }

// CPUOnline returns the number of online cores.
func (a *APIC) CPUOnline() uint32 { return a.cpuOnline.Load() }

// DisableX2 is the boot-core teardown step; the xAPIC flavor ignores
// it.
func (a *APIC) DisableX2(core int) {
	if core != a.bootProc || !a.x2 {
		return
	}
	a.enabled.Store(false)
}

var _ irq.EOISink = (*APIC)(nil)
