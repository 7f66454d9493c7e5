package apic

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/hermit/internal/clock"
	"github.com/tinyrange/hermit/internal/irq"
	"github.com/tinyrange/hermit/internal/mem"
)

type captureRouter struct {
	delivered []struct {
		core   int
		vector uint8
	}
}

func (c *captureRouter) Deliver(core int, vector uint8) {
	c.delivered = append(c.delivered, struct {
		core   int
		vector uint8
	}{core, vector})
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAPIC(t *testing.T, cores int, x2 bool) (*APIC, *captureRouter, *clock.Clock) {
	t.Helper()
	clk := clock.New(2000)
	router := &captureRouter{}
	a := New(Config{Cores: cores, X2APIC: x2, DynTicks: true}, clk, router, discardLog())
	return a, router, clk
}

func TestCalibrationProducesIncrement(t *testing.T) {
	a, _, clk := newTestAPIC(t, 1, false)
	if err := a.Calibrate(0); err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if a.ICR() == 0 {
		t.Fatal("icr is zero after calibration")
	}
	// With divide-by-1 the increment equals the cycles in one tick.
	if got, want := uint64(a.ICR()), clk.CyclesPerTick(); got != want {
		t.Fatalf("icr = %d, want %d", got, want)
	}
}

func TestSendIPIxAPIC(t *testing.T) {
	a, router, _ := newTestAPIC(t, 2, false)
	a.SetOnline(1)

	a.SendIPI(0, 1, irq.VectorWakeup)
	if len(router.delivered) != 1 {
		t.Fatalf("delivered %d IPIs, want 1", len(router.delivered))
	}
	if d := router.delivered[0]; d.core != 1 || d.vector != irq.VectorWakeup {
		t.Fatalf("unexpected delivery %+v", d)
	}
}

func TestSendIPIx2APIC(t *testing.T) {
	a, router, _ := newTestAPIC(t, 2, true)
	if !a.IsX2() {
		t.Fatal("expected x2APIC mode")
	}
	a.SetOnline(1)

	a.SendIPI(0, 1, irq.VectorMmnif)
	if len(router.delivered) != 1 || router.delivered[0].vector != irq.VectorMmnif {
		t.Fatalf("unexpected deliveries %+v", router.delivered)
	}
}

func TestShootdownSkipsSenderAndOffline(t *testing.T) {
	a, router, _ := newTestAPIC(t, 4, false)
	a.SetOnline(1)
	a.SetOnline(2)
	// core 3 stays offline

	a.SendTLBShootdown(0)
	if len(router.delivered) != 2 {
		t.Fatalf("delivered %d shootdowns, want 2", len(router.delivered))
	}
	for _, d := range router.delivered {
		if d.core == 0 || d.core == 3 {
			t.Fatalf("shootdown hit wrong core %d", d.core)
		}
		if d.vector != irq.VectorTLBShootdown {
			t.Fatalf("wrong vector %d", d.vector)
		}
	}
}

func TestEOIPolicy(t *testing.T) {
	a, _, _ := newTestAPIC(t, 1, false)

	// Before the APIC is enabled, low vectors acknowledge the PIC.
	a.EOI(irq.VectorIRQBase)
	if a.picMasterEOI.Load() != 1 || a.picSlaveEOI.Load() != 0 {
		t.Fatal("vector 32 should hit the master PIC only")
	}
	a.EOI(45)
	if a.picSlaveEOI.Load() != 1 {
		t.Fatal("vector >= 40 should also hit the slave PIC")
	}

	// High vectors always acknowledge the APIC.
	a.EOI(irq.VectorApicTimer)
	if a.apicEOI.Load() != 1 {
		t.Fatal("vector 123 should hit APIC_EOI")
	}

	// Once enabled, everything does.
	if err := a.Calibrate(0); err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	a.EOI(irq.VectorIRQBase)
	if a.apicEOI.Load() != 2 {
		t.Fatal("enabled APIC should take every EOI")
	}
}

func TestIOAPICRedirect(t *testing.T) {
	a, router, _ := newTestAPIC(t, 2, false)
	a.SetOnline(1)

	if err := a.IOAPIC().IntOn(4, 1); err != nil {
		t.Fatalf("inton: %v", err)
	}
	if a.IOAPIC().Masked(4) {
		t.Fatal("line still masked after IntOn")
	}

	a.RaiseISAIRQ(4)
	if len(router.delivered) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(router.delivered))
	}
	if d := router.delivered[0]; d.core != 1 || d.vector != irq.VectorIRQBase+4 {
		t.Fatalf("unexpected delivery %+v", d)
	}

	if err := a.IOAPIC().IntOff(4); err != nil {
		t.Fatalf("intoff: %v", err)
	}
	a.RaiseISAIRQ(4)
	if len(router.delivered) != 1 {
		t.Fatal("masked line still delivered")
	}
}

func TestMPTableRoundTrip(t *testing.T) {
	ram, err := mem.NewRAM(0, 2<<20)
	if err != nil {
		t.Fatalf("ram: %v", err)
	}
	if err := BuildMPTable(ram, 4); err != nil {
		t.Fatalf("build: %v", err)
	}

	info, err := ProbeMP(ram)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !info.Found {
		t.Fatal("MP table not found")
	}
	if len(info.APICIDs) != 4 {
		t.Fatalf("parsed %d processors, want 4", len(info.APICIDs))
	}
	if info.BootAPIC != 0 {
		t.Fatalf("boot apic = %d, want 0", info.BootAPIC)
	}
	if info.IOAPICBase != IOAPICBase {
		t.Fatalf("ioapic base = %#x", info.IOAPICBase)
	}
	if got := info.ISARedirect[3]; got != 3 {
		t.Fatalf("isa redirect 3 -> %d, want identity", got)
	}
	if info.LAPICBase != lapicDefaultBase {
		t.Fatalf("lapic base = %#x", info.LAPICBase)
	}
}

func TestProbeWithoutTableFallsBack(t *testing.T) {
	ram, err := mem.NewRAM(0, 2<<20)
	if err != nil {
		t.Fatalf("ram: %v", err)
	}
	info, err := ProbeMP(ram)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if info.Found {
		t.Fatal("found a table in empty memory")
	}
	if info.LAPICBase != lapicDefaultBase {
		t.Fatalf("fallback lapic base = %#x", info.LAPICBase)
	}
}

func TestSMPBringup(t *testing.T) {
	a, _, _ := newTestAPIC(t, 4, false)
	ram, err := mem.NewRAM(0, 2<<20)
	if err != nil {
		t.Fatalf("ram: %v", err)
	}

	a.SetCoreStarter(coreStarterFunc(func(core int, entry uint64) error {
		if entry != SMPSetupAddr {
			t.Fatalf("AP entry = %#x, want %#x", entry, SMPSetupAddr)
		}
		a.SetOnline(core)
		return nil
	}))

	if err := a.BootAPs(ram, 0x1000, BootDelays{}); err != nil {
		t.Fatalf("boot aps: %v", err)
	}
	if got := a.CPUOnline(); got != 4 {
		t.Fatalf("cpu_online = %d, want 4", got)
	}
	for c := 0; c < 4; c++ {
		if !a.Online(c) {
			t.Fatalf("core %d offline", c)
		}
	}

	// The trampoline carries the patched CR3.
	var buf [4]byte
	if _, err := ram.ReadAt(buf[:], int64(SMPSetupAddr+cr3PatchOffset)); err != nil {
		t.Fatalf("read trampoline: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf[:]); got != 0x1000 {
		t.Fatalf("trampoline CR3 = %#x, want 0x1000", got)
	}
}

type coreStarterFunc func(core int, entry uint64) error

func (f coreStarterFunc) StartCore(core int, entry uint64) error { return f(core, entry) }
