// Package paging implements the 4-level self-referential page tables.
// The tables are real little-endian entries inside guest RAM; every
// manual walk reads and writes entries through the fixed virtual
// windows produced by the self-reference, resolved the same way the
// MMU would resolve them.
package paging

import (
	"fmt"
	"sync"

	"github.com/tinyrange/hermit/internal/mem"
	"github.com/tinyrange/hermit/kerrno"
)

// ShootdownSender delivers a TLB-flush IPI to every online core except
// the sender. The APIC layer provides the implementation.
type ShootdownSender interface {
	SendTLBShootdown(fromCore int)
}

// Space is the single address space of the unikernel.
type Space struct {
	// mu is the global page-table lock; every table mutation holds it
	// with IRQs off on the calling core.
	mu sync.Mutex

	ram    *mem.RAM
	frames *mem.FrameAllocator

	rootPhys uint64
	tlbs     []*TLB
	ipi      ShootdownSender

	// NXSupported governs whether leaf XD bits are honored/installed.
	NXSupported bool

	// kernelStart/kernelEnd delimit the 2 MiB-mapped kernel image used
	// by the VirtToPhys fast path.
	kernelStart, kernelEnd uint64
}

// NewSpace builds an address space with one TLB per core and installs
// the self-reference in a fresh root table.
func NewSpace(ram *mem.RAM, frames *mem.FrameAllocator, cores int) (*Space, error) {
	if cores <= 0 {
		return nil, fmt.Errorf("paging: need at least one core")
	}
	root := frames.GetPage()
	if root == 0 {
		return nil, fmt.Errorf("paging: no frame for the root table")
	}
	if err := ram.ZeroPage(root); err != nil {
		return nil, err
	}

	s := &Space{ram: ram, frames: frames, rootPhys: root}
	for i := 0; i < cores; i++ {
		s.tlbs = append(s.tlbs, &TLB{})
	}
	selfEntry := root | FlagPresent | FlagRW | FlagSelf
	if err := ram.PutUint64(root+uint64(RecursionIdx)*8, selfEntry); err != nil {
		return nil, err
	}
	return s, nil
}

// SetShootdownSender wires the IPI path once the APIC exists.
func (s *Space) SetShootdownSender(ipi ShootdownSender) { s.ipi = ipi }

// SetKernelSpan records the kernel image span for VirtToPhys.
func (s *Space) SetKernelSpan(start, end uint64) { s.kernelStart, s.kernelEnd = start, end }

// RootPhys returns the physical address of the root table (CR3).
func (s *Space) RootPhys() uint64 { return s.rootPhys }

// TLB returns the given core's TLB model.
func (s *Space) TLB(core int) *TLB { return s.tlbs[core] }

// Cores returns the number of cores the space serves.
func (s *Space) Cores() int { return len(s.tlbs) }

// translate resolves v through the live tables, returning the physical
// address, the leaf entry, and the leaf level (0 for 4 KiB, 1 for
// 2 MiB). Window addresses resolve through the self-reference like any
// other address.
func (s *Space) translate(v uint64) (phys uint64, entry uint64, level int, err error) {
	v = Canonical(v)
	table := s.rootPhys
	for lvl := 3; lvl >= 0; lvl-- {
		e, rerr := s.ram.Uint64(table + index(lvl, v)*8)
		if rerr != nil {
			return 0, 0, 0, rerr
		}
		if e&FlagPresent == 0 {
			return 0, 0, 0, fmt.Errorf("paging: not present at level %d for %#x", lvl, v)
		}
		if lvl == 0 {
			return (e & addrMask) | (v & uint64(mem.PageMask)), e, 0, nil
		}
		if lvl == 1 && e&FlagHuge != 0 {
			return (e & addrMask &^ uint64(HugePageMask)) | (v & HugePageMask), e, 1, nil
		}
		table = e & addrMask
	}
	return 0, 0, 0, fmt.Errorf("paging: walk fell through for %#x", v)
}

// entryPhys resolves the physical location of the entry covering v at
// level by translating its fixed-window virtual address.
func (s *Space) entryPhys(level int, v uint64) (uint64, error) {
	phys, _, _, err := s.translate(EntryVirt(level, v))
	if err != nil {
		return 0, err
	}
	return phys, nil
}

// ensureTablesLocked walks levels 3..1 for v and installs any missing
// intermediate table. Freshly installed tables are zeroed through their
// window mapping before first use.
func (s *Space) ensureTablesLocked(v uint64) kerrno.Errno {
	for lvl := 3; lvl >= 1; lvl-- {
		ep, err := s.entryPhys(lvl, v)
		if err != nil {
			return kerrno.EFAULT
		}
		e, err := s.ram.Uint64(ep)
		if err != nil {
			return kerrno.EFAULT
		}
		if e&FlagPresent != 0 {
			continue
		}
		frame := s.frames.GetPage()
		if frame == 0 {
			return kerrno.ENOMEM
		}
		if err := s.ram.PutUint64(ep, frame|tableFlags); err != nil {
			return kerrno.EFAULT
		}
		// The new table is now reachable through its window; zero it
		// there before any entry in it is consulted.
		windowPage := EntryVirt(lvl-1, v) &^ uint64(mem.PageMask)
		phys, _, _, terr := s.translate(windowPage)
		if terr != nil || phys != frame {
			return kerrno.EFAULT
		}
		if err := s.ram.ZeroPage(phys); err != nil {
			return kerrno.EFAULT
		}
	}
	return 0
}

// Map installs npages 4 KiB mappings for [viraddr, ...) onto
// [phyaddr, ...) with the given leaf bits. Overwriting a present leaf
// flushes that page from the calling core's TLB and, when doIPI is
// set, ends with a shootdown IPI to every other online core.
func (s *Space) Map(core int, viraddr, phyaddr uint64, npages uint64, bits uint64, doIPI bool) kerrno.Errno {
	if npages == 0 || viraddr&mem.PageMask != 0 || phyaddr&mem.PageMask != 0 {
		return kerrno.EINVAL
	}
	if !s.NXSupported {
		bits &^= FlagXD
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sendIPI := false
	for i := uint64(0); i < npages; i++ {
		v := Canonical(viraddr + i*mem.PageSize)
		p := phyaddr + i*mem.PageSize

		if e := s.ensureTablesLocked(v); e != 0 {
			return e
		}
		ep, err := s.entryPhys(0, v)
		if err != nil {
			return kerrno.EFAULT
		}
		old, err := s.ram.Uint64(ep)
		if err != nil {
			return kerrno.EFAULT
		}
		if err := s.ram.PutUint64(ep, (p&addrMask)|bits|FlagPresent); err != nil {
			return kerrno.EFAULT
		}
		if old&FlagPresent != 0 {
			s.tlbs[core].FlushPage(v)
			sendIPI = true
		}
	}

	if doIPI && sendIPI && s.ipi != nil {
		s.ipi.SendTLBShootdown(core)
	}
	return 0
}

// MapHuge installs n2m 2 MiB leaf entries at level 1, as the boot
// loader does for the kernel image.
func (s *Space) MapHuge(core int, viraddr, phyaddr uint64, n2m uint64, bits uint64) kerrno.Errno {
	if n2m == 0 || viraddr&HugePageMask != 0 || phyaddr&HugePageMask != 0 {
		return kerrno.EINVAL
	}
	if !s.NXSupported {
		bits &^= FlagXD
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := uint64(0); i < n2m; i++ {
		v := Canonical(viraddr + i*HugePageSize)
		p := phyaddr + i*HugePageSize

		// Only levels 3..2 need to exist for a level-1 leaf.
		for lvl := 3; lvl >= 2; lvl-- {
			ep, err := s.entryPhys(lvl, v)
			if err != nil {
				return kerrno.EFAULT
			}
			e, err := s.ram.Uint64(ep)
			if err != nil {
				return kerrno.EFAULT
			}
			if e&FlagPresent != 0 {
				continue
			}
			frame := s.frames.GetPage()
			if frame == 0 {
				return kerrno.ENOMEM
			}
			if err := s.ram.PutUint64(ep, frame|tableFlags); err != nil {
				return kerrno.EFAULT
			}
			windowPage := EntryVirt(lvl-1, v) &^ uint64(mem.PageMask)
			phys, _, _, terr := s.translate(windowPage)
			if terr != nil || phys != frame {
				return kerrno.EFAULT
			}
			if err := s.ram.ZeroPage(phys); err != nil {
				return kerrno.EFAULT
			}
		}

		ep, err := s.entryPhys(1, v)
		if err != nil {
			return kerrno.EFAULT
		}
		if err := s.ram.PutUint64(ep, (p&addrMask)|bits|FlagPresent|FlagHuge); err != nil {
			return kerrno.EFAULT
		}
	}
	return 0
}

// Unmap clears the leaf entries for [viraddr, viraddr+npages*4K),
// flushes each page from the local TLB, and IPIs the other cores.
// Intermediate tables are retained.
func (s *Space) Unmap(core int, viraddr uint64, npages uint64) kerrno.Errno {
	if npages == 0 || viraddr&mem.PageMask != 0 {
		return kerrno.EINVAL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := false
	for i := uint64(0); i < npages; i++ {
		v := Canonical(viraddr + i*mem.PageSize)
		ep, err := s.entryPhys(0, v)
		if err != nil {
			// No table covers this page; nothing to clear.
			continue
		}
		old, err := s.ram.Uint64(ep)
		if err != nil {
			return kerrno.EFAULT
		}
		if err := s.ram.PutUint64(ep, 0); err != nil {
			return kerrno.EFAULT
		}
		if old&FlagPresent != 0 {
			cleared = true
		}
		s.tlbs[core].FlushPage(v)
	}

	if cleared && s.ipi != nil {
		s.ipi.SendTLBShootdown(core)
	}
	return 0
}

// VirtToPhys translates v. Addresses inside the kernel image's 2 MiB
// region resolve through the L2 window with a 21-bit offset; everything
// else resolves through the L1 window with a 12-bit offset. Returns 0
// for unmapped addresses.
func (s *Space) VirtToPhys(v uint64) uint64 {
	v = Canonical(v)
	if s.kernelStart != 0 && v >= s.kernelStart&^uint64(HugePageMask) && v < s.kernelEnd {
		ep, err := s.entryPhys(1, v)
		if err != nil {
			return 0
		}
		e, err := s.ram.Uint64(ep)
		if err != nil || e&FlagPresent == 0 {
			return 0
		}
		return (e & addrMask &^ uint64(HugePageMask)) | (v & HugePageMask)
	}

	ep, err := s.entryPhys(0, v)
	if err != nil {
		return 0
	}
	e, err := s.ram.Uint64(ep)
	if err != nil || e&FlagPresent == 0 {
		return 0
	}
	return (e & addrMask) | (v & uint64(mem.PageMask))
}

// Translate is the checked variant used by the fault handler and the
// uhyve port layer.
func (s *Space) Translate(v uint64) (uint64, error) {
	phys, _, _, err := s.translate(v)
	return phys, err
}

// ShootdownHandler runs on a core that received the TLB-flush IPI.
func (s *Space) ShootdownHandler(core int) {
	s.tlbs[core].FlushAll()
}
