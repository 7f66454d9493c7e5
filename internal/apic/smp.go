package apic

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/hermit/internal/mem"
)

// AP bring-up: the boot processor parks a real-mode trampoline at
// SMPSetupAddr, patches the live CR3 into it, writes the CMOS warm
// reset vector, and kicks each application processor with
// INIT / INIT-deassert / STARTUP / STARTUP.

const (
	// SMPSetupAddr is where the real-mode trampoline lands.
	SMPSetupAddr uint64 = 0x8000

	trampolineSize = 0x1000

	// cr3Placeholder marks the dword the boot core patches with the
	// live page-table root before waking an AP.
	cr3Placeholder uint32 = 0xDEADC0DE
	cr3PatchOffset        = 0x10

	cmosAddrPort  = 0x70
	cmosDataPort  = 0x71
	cmosResetReg  = 0x0F
	cmosWarmReset = 0x0A
)

// BootDelays selects the fast (modern) or legacy INIT/SIPI pacing.
type BootDelays struct {
	Legacy bool
}

func (d BootDelays) afterINIT() uint64 {
	if d.Legacy {
		return 10000
	}
	return 10
}

func (d BootDelays) afterSIPI() uint64 {
	if d.Legacy {
		return 200
	}
	return 10
}

// cmos is the tiny warm-reset latch the trampoline path programs.
type cmos struct {
	index byte
	regs  [128]byte
}

func (c *cmos) write(port uint16, value byte) {
	switch port {
	case cmosAddrPort:
		c.index = value & 0x7F
	case cmosDataPort:
		c.regs[c.index] = value
	}
}

// WriteTrampoline installs the trampoline image and patches CR3 into
// the placeholder slot.
func WriteTrampoline(ram *mem.RAM, cr3 uint64) error {
	img := make([]byte, trampolineSize)
	// Marker prologue so the startup path can verify the image.
	copy(img[0:8], "HERMTRMP")
	binary.LittleEndian.PutUint32(img[cr3PatchOffset:], cr3Placeholder)

	patched := false
	for off := 0; off+4 <= len(img); off += 4 {
		if binary.LittleEndian.Uint32(img[off:]) == cr3Placeholder {
			binary.LittleEndian.PutUint32(img[off:], uint32(cr3))
			patched = true
			break
		}
	}
	if !patched {
		return fmt.Errorf("apic: trampoline carries no CR3 placeholder")
	}
	_, err := ram.WriteAt(img, int64(SMPSetupAddr))
	return err
}

// BootAPs wakes every application processor and waits for cpu_online
// to reach want. The delays follow the fast path unless legacy pacing
// is configured.
func (a *APIC) BootAPs(ram *mem.RAM, cr3 uint64, delays BootDelays) error {
	want := uint32(len(a.online))
	if want <= 1 {
		return nil
	}
	if a.starter == nil {
		return fmt.Errorf("apic: no core starter wired")
	}

	if err := WriteTrampoline(ram, cr3); err != nil {
		return err
	}

	var reset cmos
	reset.write(cmosAddrPort, cmosResetReg)
	reset.write(cmosDataPort, cmosWarmReset)

	bsp := a.bootProc
	for c := 0; c < len(a.online); c++ {
		if c == bsp || a.online[c].Load() {
			continue
		}

		a.sendICR(bsp, uint32(c), icrInit|icrAssert, 0)
		a.clk.Udelay(delays.afterINIT())
		a.sendICR(bsp, uint32(c), icrInit, 0) // de-assert
		a.clk.Udelay(delays.afterINIT())

		vector := uint8(SMPSetupAddr >> 12)
		for i := 0; i < 2; i++ {
			a.sendICR(bsp, uint32(c), icrStartup|icrAssert, vector)
			a.clk.Udelay(delays.afterSIPI())
		}
	}

	// Wait for the APs to report in.
	for spins := 0; a.CPUOnline() < want; spins++ {
		if spins > 10000 {
			return fmt.Errorf("apic: SMP bring-up timed out with %d/%d cores", a.CPUOnline(), want)
		}
		a.clk.Udelay(100)
	}
	return nil
}

// sendICR writes the ICR pair (or the x2APIC MSR) with an arbitrary
// delivery mode.
func (a *APIC) sendICR(fromCore int, destAPIC uint32, command uint32, vector uint8) {
	if a.x2 {
		x2 := a.local[fromCore].(*x2apic)
		x2.WriteICR64((uint64(destAPIC) << x2ICRDestShift) | uint64(command) | uint64(vector))
		return
	}
	la := a.local[fromCore]
	for la.Read(RegICR1)&icrBusy != 0 {
	}
	la.Write(RegICR2, destAPIC<<icrDestShift)
	la.Write(RegICR1, command|uint32(vector))
}

// startup handles a received STARTUP IPI: launch the core at the
// trampoline entry unless it is already running.
func (a *APIC) startup(core int, entry uint64) {
	if core < 0 || core >= len(a.online) || a.online[core].Load() {
		return
	}
	if a.starter == nil {
		return
	}
	if err := a.starter.StartCore(core, entry); err != nil {
		a.log.Error("AP start failed", "core", core, "err", err)
	}
}
