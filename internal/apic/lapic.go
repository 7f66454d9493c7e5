// Package apic implements the local-APIC/x2APIC driver, the IOAPIC
// redirection table, MP-table discovery, timer calibration, and the
// IPI primitives the scheduler and TLB shootdown consume.
package apic

import (
	"sync"

	"github.com/tinyrange/hermit/internal/clock"
)

// Local APIC register offsets (xAPIC MMIO layout; the x2APIC MSR for a
// register is 0x800 + reg>>4).
const (
	RegID        = 0x020
	RegVersion   = 0x030
	RegTPR       = 0x080
	RegEOI       = 0x0B0
	RegSVR       = 0x0F0
	RegESR       = 0x280
	RegICR1      = 0x300
	RegICR2      = 0x310
	RegLVTTimer  = 0x320
	RegLVTTherm  = 0x330
	RegLVTPerf   = 0x340
	RegLINT0     = 0x350
	RegLINT1     = 0x360
	RegLVTError  = 0x370
	RegTimerICR  = 0x380 // initial count
	RegTimerCCR  = 0x390 // current count
	RegTimerDCR  = 0x3E0 // divide configuration
)

// ICR fields.
const (
	icrAssert      = 1 << 14
	icrBusy        = 1 << 12
	icrFixed       = 0x0 << 8
	icrInit        = 0x5 << 8
	icrStartup     = 0x6 << 8
	icrDestShift   = 24
	x2ICRDestShift = 32
)

// LVT fields.
const (
	lvtMasked      = 1 << 16
	lvtTimerPeriod = 1 << 17
)

const (
	svrEnable       = 1 << 8
	svrDefault      = 0x17F // enabled, spurious vector 127
	lapicDefaultBase = 0xFEE00000
)

// LocalApic is the register access surface. The xAPIC flavor addresses
// the MMIO window, the x2APIC flavor the MSR file; everything above the
// accessors is shared.
type LocalApic interface {
	Read(reg uint32) uint32
	Write(reg uint32, value uint32)
	IsX2() bool
}

// ipiSink receives decoded ICR writes.
type ipiSink interface {
	deliverIPI(destAPIC uint32, mode uint32, vector uint8)
}

// lapicRegs is one core's register file plus the down-counting timer
// model. The timer counts against the machine TSC, one count per
// divider cycles.
type lapicRegs struct {
	mu sync.Mutex

	apicID uint32
	regs   map[uint32]uint32

	clk      *clock.Clock
	armTSC   uint64 // TSC at the last initial-count write
	initCnt  uint32
	divider  uint64

	sink ipiSink
	icr2 uint32
}

func newLapicRegs(apicID uint32, clk *clock.Clock, sink ipiSink) *lapicRegs {
	return &lapicRegs{
		apicID:  apicID,
		regs:    map[uint32]uint32{RegVersion: 0x50014, RegSVR: 0xFF},
		clk:     clk,
		divider: 1,
		sink:    sink,
	}
}

func (l *lapicRegs) read(reg uint32) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch reg {
	case RegID:
		return l.apicID << 24
	case RegTimerCCR:
		return l.currentCountLocked()
	case RegICR1:
		// The busy bit never lingers in the model; sends are immediate.
		return l.regs[RegICR1] &^ uint32(icrBusy)
	default:
		return l.regs[reg]
	}
}

func (l *lapicRegs) currentCountLocked() uint32 {
	if l.initCnt == 0 {
		return 0
	}
	elapsed := (l.clk.Rdtsc() - l.armTSC) / l.divider
	if elapsed >= uint64(l.initCnt) {
		if l.regs[RegLVTTimer]&lvtTimerPeriod != 0 {
			return l.initCnt - uint32(elapsed%uint64(l.initCnt))
		}
		return 0
	}
	return l.initCnt - uint32(elapsed)
}

func (l *lapicRegs) write(reg uint32, value uint32) {
	l.mu.Lock()

	switch reg {
	case RegTimerICR:
		l.initCnt = value
		l.armTSC = l.clk.Rdtsc()
		l.regs[reg] = value
	case RegTimerDCR:
		l.divider = dcrDivider(value)
		l.regs[reg] = value
	case RegICR2:
		l.icr2 = value
		l.regs[reg] = value
	case RegICR1:
		l.regs[reg] = value
		dest := l.icr2 >> icrDestShift
		mode := (value >> 8) & 0x7
		vector := uint8(value & 0xFF)
		sink := l.sink
		l.mu.Unlock()
		if sink != nil {
			sink.deliverIPI(dest, mode, vector)
		}
		return
	default:
		l.regs[reg] = value
	}
	l.mu.Unlock()
}

// dcrDivider decodes the divide-configuration register.
func dcrDivider(v uint32) uint64 {
	bits := (v & 0x3) | ((v & 0x8) >> 1)
	if bits == 0x7 {
		return 1
	}
	return 2 << bits
}

// xapic addresses the register file through the MMIO window.
type xapic struct{ regs *lapicRegs }

func (x *xapic) Read(reg uint32) uint32         { return x.regs.read(reg) }
func (x *xapic) Write(reg uint32, value uint32) { x.regs.write(reg, value) }
func (x *xapic) IsX2() bool                     { return false }

// x2apic addresses the same file through MSRs 0x800 + reg>>4, with the
// 64-bit ICR collapsing destination and command into one write.
type x2apic struct{ regs *lapicRegs }

const x2MSRBase = 0x800

func (x *x2apic) Read(reg uint32) uint32         { return x.regs.read(reg) }
func (x *x2apic) Write(reg uint32, value uint32) { x.regs.write(reg, value) }
func (x *x2apic) IsX2() bool                     { return true }

// WriteICR64 is the x2APIC-only MSR 0x830 write.
func (x *x2apic) WriteICR64(value uint64) {
	x.regs.mu.Lock()
	x.regs.icr2 = uint32(value>>x2ICRDestShift) << icrDestShift
	sink := x.regs.sink
	x.regs.mu.Unlock()

	mode := uint32(value>>8) & 0x7
	vector := uint8(value & 0xFF)
	if sink != nil {
		sink.deliverIPI(uint32(value>>x2ICRDestShift), mode, vector)
	}
}

var (
	_ LocalApic = (*xapic)(nil)
	_ LocalApic = (*x2apic)(nil)
)
