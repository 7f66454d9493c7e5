// Package hermit assembles the unikernel machine: guest memory, the
// paging space, the APIC complex, per-core schedulers, the mmnif
// transport shared between isles, and the uhyve hypercall ports. One
// Machine is one launch; each Isle inside it is an independent
// unikernel instance wired to the others through the shared ring.
package hermit

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hermit/internal/apic"
	"github.com/tinyrange/hermit/internal/clock"
	"github.com/tinyrange/hermit/internal/config"
	"github.com/tinyrange/hermit/internal/irq"
	"github.com/tinyrange/hermit/internal/mb"
	"github.com/tinyrange/hermit/internal/mem"
	"github.com/tinyrange/hermit/internal/mmnif"
	"github.com/tinyrange/hermit/internal/paging"
	"github.com/tinyrange/hermit/internal/rcce"
	"github.com/tinyrange/hermit/internal/sched"
	"github.com/tinyrange/hermit/internal/uhyve"
	"github.com/tinyrange/hermit/internal/vma"
	"github.com/tinyrange/hermit/kerrno"
)

// Machine is one launch of one or more isles over a shared mmnif
// region.
type Machine struct {
	cfg config.Config
	log *slog.Logger

	shm       *mem.RAM
	transport *mmnif.Transport

	isles []*Isle
}

// NewMachine boots every isle of the configuration.
func NewMachine(cfg config.Config, log *slog.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	shm, err := mem.NewRAM(0, pageCeil(mmnif.RegionSize(cfg.Isles)))
	if err != nil {
		return nil, fmt.Errorf("hermit: mmnif region: %w", err)
	}
	transport, err := mmnif.NewTransport(shm, 0, cfg.Isles)
	if err != nil {
		return nil, err
	}

	m := &Machine{cfg: cfg, log: log, shm: shm, transport: transport}
	for i := 1; i <= cfg.Isles; i++ {
		isle, err := m.newIsle(i)
		if err != nil {
			return nil, fmt.Errorf("hermit: isle %d: %w", i, err)
		}
		m.isles = append(m.isles, isle)
	}
	transport.SetDoorbell(m)
	return m, nil
}

// SendDoorbell implements mmnif.DoorbellSender: the doorbell IPI lands
// on the destination isle's boot core.
func (m *Machine) SendDoorbell(destIsle int) {
	if destIsle < 1 || destIsle > len(m.isles) {
		return
	}
	is := m.isles[destIsle-1]
	is.disp.Dispatch(is.apic.BootProcessor(), irq.VectorMmnif)
}

// Isle returns the isle with the given 1-based id.
func (m *Machine) Isle(id int) *Isle { return m.isles[id-1] }

// Isles returns the isle count.
func (m *Machine) Isles() int { return len(m.isles) }

// Isle is one unikernel instance.
type Isle struct {
	id  int
	m   *Machine
	cfg config.Config
	log *slog.Logger

	ram    *mem.RAM
	pools  *mem.Pools
	frames *mem.FrameAllocator
	space  *paging.Space
	vmas   *vma.List

	clk  *clock.Clock
	disp *irq.Dispatcher
	apic *apic.APIC
	sch  *sched.Scheduler

	dev   *mmnif.Device
	netif *mmnif.Netif

	uhyveDev     *uhyve.Device
	uhyveScratch uint64
	uhyveMu      sync.Mutex

	sessions *rcce.Registry

	image *mb.Image
	info  *mb.Info

	exitCode atomic.Int32

	rtMu     sync.Mutex
	runtimes map[sched.TaskID]*taskRuntime
}

// kernelHome is the frame range reserved for the application image
// when no ELF has been loaded yet.
const (
	kernelHomeStart = 0x200000
	kernelHomeEnd   = 0x400000
)

func pageCeil(v uint64) uint64 {
	return (v + mem.PageMask) &^ uint64(mem.PageMask)
}

// newIsle runs the bootstrap chain: memory, paging, VMA, IRQ table,
// APIC, timer, task model, scheduler, then the device surface.
func (m *Machine) newIsle(id int) (*Isle, error) {
	cfg := m.cfg
	log := m.log.With("isle", id)

	is := &Isle{
		id:       id,
		m:        m,
		cfg:      cfg,
		log:      log,
		clk:      clock.New(cfg.CPUFreqMHz),
		runtimes: make(map[sched.TaskID]*taskRuntime),
	}

	// Guest memory and the boot structures the loader publishes.
	ram, err := mem.NewRAM(0, cfg.MemoryMiB<<20)
	if err != nil {
		return nil, err
	}
	is.ram = ram
	mods := []mb.Module{{Start: kernelHomeStart, End: kernelHomeEnd}}
	infoAddr, err := mb.WriteInfo(ram, cfg.MemoryMiB<<20, cfg.Cmdline, mods)
	if err != nil {
		return nil, err
	}
	info, err := mb.ReadInfo(ram, infoAddr)
	if err != nil {
		return nil, err
	}
	is.info = info

	// Frame pools from the memory map, minus the kernel home and the
	// command line.
	is.pools = mem.NewPools(hbBase(cfg), cfg.HBMemMiB<<20)
	is.frames = is.pools.RAM
	if err := is.frames.InitFromMemoryMap(info.Regions, kernelHomeStart, kernelHomeEnd, info.CmdAddr); err != nil {
		return nil, err
	}

	// Paging and the VMA window.
	space, err := paging.NewSpace(ram, is.frames, cfg.Cores)
	if err != nil {
		return nil, err
	}
	space.NXSupported = true
	is.space = space
	is.vmas = &vma.List{}
	is.reserveBootPages(infoAddr, info.CmdAddr)

	// Interrupt plumbing.
	is.disp = irq.NewDispatcher(cfg.Cores)
	is.apic = apic.New(apic.Config{
		Cores:      cfg.Cores,
		X2APIC:     cfg.X2APIC,
		NoX2:       cfg.NoX2APIC,
		DynTicks:   cfg.DynTicks,
		CPUFreqMHz: cfg.CPUFreqMHz,
	}, is.clk, routerFunc(func(core int, vector uint8) {
		is.disp.Dispatch(core, vector)
	}), log)
	is.disp.SetEOISink(is.apic)
	space.SetShootdownSender(is.apic)

	// Topology: a multi-core isle publishes an MP table and parses it
	// back; uhyve-style single core boots on the fallback path.
	if cfg.Cores > 1 {
		if err := apic.BuildMPTable(ram, cfg.Cores); err != nil {
			return nil, err
		}
		mpInfo, err := apic.ProbeMP(ram)
		if err != nil {
			return nil, err
		}
		is.apic.ApplyMP(mpInfo)
	}
	if err := is.apic.Calibrate(0); err != nil {
		return nil, err
	}

	// Task model and scheduler.
	sch, err := sched.New(cfg.Cores, is.clk, is, sched.Options{
		IPI:      is.apic,
		Timer:    is.apic,
		Heap:     is,
		DynTicks: cfg.DynTicks,
		GoDown:   is.apic.GoDown,
	})
	if err != nil {
		// Losing the idle stack at boot is not recoverable.
		return nil, fmt.Errorf("boot: %w", err)
	}
	is.sch = sch

	is.registerHandlers()
	is.disp.SetEpilogue(func(core int) {
		sch.CheckTimers(core)
		sch.CheckScheduling(core)
	})

	// IOAPIC: unmask every ISA line except the cascade input.
	for line := 0; line < 16; line++ {
		if line == 2 {
			continue
		}
		if err := is.apic.IOAPIC().IntOn(line, uint8(is.apic.BootProcessor())); err != nil {
			return nil, err
		}
	}

	// Application processors.
	is.apic.SetCoreStarter(is)
	if cfg.Cores > 1 {
		delays := apic.BootDelays{Legacy: cfg.LegacyBootDelays}
		if err := is.apic.BootAPs(ram, space.RootPhys(), delays); err != nil {
			return nil, err
		}
	}

	// Network: the ring NIC plus its stack.
	dev, err := m.transport.NewDevice(id)
	if err != nil {
		return nil, err
	}
	is.dev = dev
	netif, err := mmnif.NewNetif(dev, log)
	if err != nil {
		return nil, err
	}
	is.netif = netif

	// Hypercall ports and their bounce buffer.
	if cfg.Uhyve {
		is.uhyveScratch = is.frames.GetPages(4)
		if is.uhyveScratch == 0 {
			return nil, fmt.Errorf("boot: no frames for the hypercall buffer")
		}
		is.uhyveDev = uhyve.NewDevice(ram, log, func(code int32) {
			is.exitCode.Store(code)
			is.Shutdown()
		})
		is.uhyveDev.Root = cfg.UhyveRoot
	}

	is.sessions = rcce.NewRegistry(is.pools)

	log.Info("isle up",
		"cores", cfg.Cores,
		"memory_mib", cfg.MemoryMiB,
		"icr", is.apic.ICR(),
		"x2apic", is.apic.IsX2())
	return is, nil
}

func hbBase(cfg config.Config) uint64 {
	if cfg.HBMemMiB == 0 {
		return 0
	}
	return cfg.MemoryMiB << 20 // directly above ordinary RAM
}

// Module mirrors mb.Module for the public surface.
type Module = mb.Module

// routerFunc adapts a closure to apic.Router.
type routerFunc func(core int, vector uint8)

func (f routerFunc) Deliver(core int, vector uint8) { f(core, vector) }

// reserveBootPages marks the multiboot info page and the command line
// as occupied. Addresses below the VMA window need no entry: the
// allocator never reaches under vma.Min, and the frame pool already
// excludes low memory.
func (is *Isle) reserveBootPages(infoAddr, cmdAddr uint64) {
	for _, addr := range []uint64{infoAddr, cmdAddr} {
		if addr == 0 || addr <= vma.Min {
			continue
		}
		page := addr &^ uint64(mem.PageMask)
		is.vmas.Add(page, page+mem.PageSize, vma.Read|vma.NoAccess)
	}
}

func (is *Isle) registerHandlers() {
	// The timer tick itself carries no body; expiry and preemption run
	// in the shared IRQ epilogue.
	is.disp.Register(irq.VectorApicTimer, func(core int, _ uint8) {})
	is.disp.Register(irq.VectorWakeup, func(core int, _ uint8) {})
	is.disp.Register(irq.VectorTLBShootdown, func(core int, _ uint8) {
		is.space.ShootdownHandler(core)
	})
	is.disp.Register(irq.VectorMmnif, func(core int, _ uint8) {
		is.dev.Doorbell()
	})
	is.disp.Register(irq.VectorApicError, func(core int, _ uint8) {
		is.log.Error("apic error interrupt", "core", core)
	})
}

// StartCore implements apic.CoreStarter: an AP that received its
// STARTUP IPI reports online; its run loop starts with Run.
func (is *Isle) StartCore(core int, entry uint64) error {
	if entry != apic.SMPSetupAddr {
		return fmt.Errorf("hermit: AP %d started at %#x, want the trampoline", core, entry)
	}
	is.apic.SetOnline(core)
	return nil
}

// AllocStack implements sched.StackAllocator over the VMA window.
func (is *Isle) AllocStack(size uint64) uint64 {
	return is.vmas.Alloc(size, vma.Read|vma.Write)
}

// FreeStack implements sched.StackAllocator.
func (is *Isle) FreeStack(base, size uint64) {
	is.vmas.Free(base, base+pageCeil(size))
}

// ReleaseHeap implements sched.HeapReleaser: drop the mapping and the
// reservation of a finished root task's heap.
func (is *Isle) ReleaseHeap(area *vma.Area) {
	npages := (area.End - area.Start) >> mem.PageShift
	is.space.Unmap(0, area.Start, npages)
	is.vmas.Free(area.Start, area.End)
}

// LoadKernel loads the application ELF as the first boot module.
func (is *Isle) LoadKernel(r io.ReaderAt) error {
	params := mb.BootParams{
		PhysStart:   kernelHomeStart,
		PhysLimit:   is.ram.Size(),
		Cores:       uint32(is.cfg.Cores),
		APICID:      uint32(is.apic.BootProcessor()),
		MemSize:     is.ram.Size(),
		NUMACount:   1,
		UARTPort:    0x3F8,
		CmdlinePtr:  is.info.CmdAddr,
		CmdlineSize: uint64(len(is.info.Cmdline)),
	}
	img, err := mb.LoadELF(r, is.ram, is.space, params)
	if err != nil {
		return err
	}
	is.image = img
	return nil
}

// Shutdown raises the shutdown vector on every online core.
func (is *Isle) Shutdown() {
	is.apic.BroadcastShutdown(is.apic.BootProcessor())
}

// ExitCode returns the code the guest passed to the exit hypercall.
func (is *Isle) ExitCode() int32 { return is.exitCode.Load() }

// Accessors for the component surfaces.

func (is *Isle) Scheduler() *sched.Scheduler  { return is.sch }
func (is *Isle) Space() *paging.Space         { return is.space }
func (is *Isle) APIC() *apic.APIC             { return is.apic }
func (is *Isle) Clock() *clock.Clock          { return is.clk }
func (is *Isle) Dispatcher() *irq.Dispatcher  { return is.disp }
func (is *Isle) Frames() *mem.FrameAllocator  { return is.frames }
func (is *Isle) VMAs() *vma.List              { return is.vmas }
func (is *Isle) Netif() *mmnif.Netif          { return is.netif }
func (is *Isle) Device() *mmnif.Device        { return is.dev }
func (is *Isle) Sessions() *rcce.Registry     { return is.sessions }
func (is *Isle) BootInfo() *mb.Info           { return is.info }

// SetupHeap reserves and attaches a demand-paged heap to a task.
func (is *Isle) SetupHeap(id sched.TaskID, size uint64) kerrno.Errno {
	start := is.vmas.Alloc(size, vma.Heap|vma.Read|vma.Write|vma.User)
	if start == 0 {
		return kerrno.ENOMEM
	}
	area := is.vmas.Find(start)
	if area == nil {
		return kerrno.EINVAL
	}
	is.sch.SetTaskHeap(id, area)
	return 0
}
