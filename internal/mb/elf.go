package mb

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"github.com/tinyrange/hermit/internal/mem"
	"github.com/tinyrange/hermit/internal/paging"
)

// hermitOSABI is the e_ident pad byte that marks a unikernel image.
const hermitOSABI = 0x42

const identPadIndex = 7 // EI_OSABI

// BootParams is the block the loader patches at a fixed offset past
// the entry point, in field order.
type BootParams struct {
	PhysStart uint64
	PhysLimit uint64
	Cores     uint32
	APICID    uint32
	MemSize   uint64
	NUMACount uint32
	UARTPort  uint32
	CmdlinePtr  uint64
	CmdlineSize uint64
}

// bootParamsOffset is where the block sits relative to the entry point.
const bootParamsOffset = 0x08

// Image is a loaded kernel.
type Image struct {
	Entry     uint64
	PhysStart uint64
	PhysEnd   uint64
}

// LoadELF validates and loads the first boot module: an ELF64
// executable whose identification pad byte is 0x42. LOAD segments are
// copied to their physical addresses and mapped 2 MiB-aligned with
// GLOBAL|RW; GNU_STACK and TLS headers are accepted without action.
// Finally the boot-parameter block near the entry point is patched.
func LoadELF(r io.ReaderAt, ram *mem.RAM, space *paging.Space, params BootParams) (*Image, error) {
	var ident [16]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, fmt.Errorf("mb: read ELF ident: %w", err)
	}
	if !bytes.Equal(ident[:4], []byte{0x7F, 'E', 'L', 'F'}) {
		return nil, fmt.Errorf("mb: not an ELF image")
	}
	if ident[identPadIndex] != hermitOSABI {
		return nil, fmt.Errorf("mb: image pad byte %#x is not a unikernel (want %#x)", ident[identPadIndex], hermitOSABI)
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("mb: parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("mb: need an x86-64 ELF64 image")
	}

	img := &Image{Entry: f.Entry}
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
		case elf.PT_GNU_STACK, elf.PT_TLS:
			// Accepted, nothing to do.
			continue
		default:
			continue
		}
		if prog.Memsz == 0 {
			continue
		}

		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("mb: read segment @%#x: %w", prog.Off, err)
			}
		}
		if _, err := ram.WriteAt(data, int64(prog.Paddr)); err != nil {
			return nil, fmt.Errorf("mb: copy segment to %#x: %w", prog.Paddr, err)
		}
		if bss := prog.Memsz - prog.Filesz; bss > 0 {
			if err := ram.Memset(prog.Paddr+prog.Filesz, 0, bss); err != nil {
				return nil, err
			}
		}

		// Map the covering 2 MiB range.
		start := prog.Paddr &^ uint64(paging.HugePageMask)
		end := (prog.Paddr + prog.Memsz + paging.HugePageMask) &^ uint64(paging.HugePageMask)
		if e := space.MapHuge(0, start, start, (end-start)/paging.HugePageSize,
			paging.FlagGlobal|paging.FlagRW); e != 0 {
			return nil, fmt.Errorf("mb: map segment [%#x, %#x): %v", start, end, e)
		}

		if img.PhysStart == 0 || prog.Paddr < img.PhysStart {
			img.PhysStart = prog.Paddr
		}
		if end := prog.Paddr + prog.Memsz; end > img.PhysEnd {
			img.PhysEnd = end
		}
	}
	if img.PhysStart == 0 && img.PhysEnd == 0 {
		return nil, fmt.Errorf("mb: image has no loadable segments")
	}

	space.SetKernelSpan(img.PhysStart, img.PhysEnd)

	if err := patchBootParams(ram, img.Entry, params); err != nil {
		return nil, err
	}
	return img, nil
}

func patchBootParams(ram *mem.RAM, entry uint64, p BootParams) error {
	at := entry + bootParamsOffset
	fields := []struct {
		size int
		v    uint64
	}{
		{8, p.PhysStart},
		{8, p.PhysLimit},
		{4, uint64(p.Cores)},
		{4, uint64(p.APICID)},
		{8, p.MemSize},
		{4, uint64(p.NUMACount)},
		{4, uint64(p.UARTPort)},
		{8, p.CmdlinePtr},
		{8, p.CmdlineSize},
	}
	for _, f := range fields {
		var err error
		switch f.size {
		case 8:
			err = ram.PutUint64(at, f.v)
		case 4:
			err = ram.PutUint32(at, uint32(f.v))
		}
		if err != nil {
			return err
		}
		at += uint64(f.size)
	}
	return nil
}

// ReadBootParams decodes a previously patched block (tests and the
// kernel's own early init).
func ReadBootParams(ram *mem.RAM, entry uint64) (BootParams, error) {
	at := entry + bootParamsOffset
	var p BootParams
	var err error
	read64 := func() uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = ram.Uint64(at)
		at += 8
		return v
	}
	read32 := func() uint32 {
		if err != nil {
			return 0
		}
		var v uint32
		v, err = ram.Uint32(at)
		at += 4
		return v
	}
	p.PhysStart = read64()
	p.PhysLimit = read64()
	p.Cores = read32()
	p.APICID = read32()
	p.MemSize = read64()
	p.NUMACount = read32()
	p.UARTPort = read32()
	p.CmdlinePtr = read64()
	p.CmdlineSize = read64()
	return p, err
}
