// Package mb implements the multiboot handoff: the info structure and
// memory map the loader publishes, and the ELF64 image loader that
// maps the kernel 2 MiB-aligned and patches the boot-parameter block.
package mb

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/hermit/internal/mem"
)

// Multiboot info flag bits we produce and consume.
const (
	flagMemory  = 1 << 0
	flagCmdline = 1 << 2
	flagMods    = 1 << 3
	flagMmap    = 1 << 6
)

// Memory map entry types.
const (
	MemAvailable = 1
	MemReserved  = 2
)

// Info is the decoded multiboot information structure.
type Info struct {
	Addr    uint64 // where the structure itself lives
	Cmdline string
	CmdAddr uint64
	Modules []Module
	Regions []mem.MapRegion
}

// Module is one boot module; the first must be the kernel ELF.
type Module struct {
	Start, End uint64
	String     string
}

// Layout used by WriteInfo. Everything lands in the page at 0x9000,
// below 1 MiB, so the info block itself stays out of the frame pools.
const (
	infoAddr    = 0x9000
	cmdlineAddr = 0x9800
	mmapAddr    = 0x9A00
	modsAddr    = 0x9D00
)

// WriteInfo publishes a multiboot info structure describing the given
// memory size, command line, and modules.
func WriteInfo(ram *mem.RAM, memBytes uint64, cmdline string, mods []Module) (uint64, error) {
	if len(cmdline) > 0x1FF {
		return 0, fmt.Errorf("mb: command line too long (%d bytes)", len(cmdline))
	}

	// Memory map: low memory hole, then everything above 1 MiB.
	type mmapEntry struct {
		base, length uint64
		kind         uint32
	}
	entries := []mmapEntry{
		{0, 0x9F000, MemAvailable},
		{0x9F000, 0x100000 - 0x9F000, MemReserved},
		{0x100000, memBytes - 0x100000, MemAvailable},
	}
	pos := uint64(mmapAddr)
	for _, e := range entries {
		b := make([]byte, 24)
		binary.LittleEndian.PutUint32(b[0:4], 20) // size of the rest
		binary.LittleEndian.PutUint64(b[4:12], e.base)
		binary.LittleEndian.PutUint64(b[12:20], e.length)
		binary.LittleEndian.PutUint32(b[20:24], e.kind)
		if _, err := ram.WriteAt(b, int64(pos)); err != nil {
			return 0, err
		}
		pos += 24
	}
	mmapLen := pos - mmapAddr

	if _, err := ram.WriteAt(append([]byte(cmdline), 0), int64(cmdlineAddr)); err != nil {
		return 0, err
	}

	// Module list.
	for i, m := range mods {
		b := make([]byte, 16)
		binary.LittleEndian.PutUint32(b[0:4], uint32(m.Start))
		binary.LittleEndian.PutUint32(b[4:8], uint32(m.End))
		if _, err := ram.WriteAt(b, int64(modsAddr+uint64(i)*16)); err != nil {
			return 0, err
		}
	}

	info := make([]byte, 88)
	binary.LittleEndian.PutUint32(info[0:4], flagMemory|flagCmdline|flagMods|flagMmap)
	binary.LittleEndian.PutUint32(info[4:8], 640)                       // mem_lower KiB
	binary.LittleEndian.PutUint32(info[8:12], uint32((memBytes-0x100000)/1024)) // mem_upper KiB
	binary.LittleEndian.PutUint32(info[16:20], cmdlineAddr)
	binary.LittleEndian.PutUint32(info[20:24], uint32(len(mods)))
	binary.LittleEndian.PutUint32(info[24:28], modsAddr)
	binary.LittleEndian.PutUint32(info[44:48], uint32(mmapLen))
	binary.LittleEndian.PutUint32(info[48:52], mmapAddr)
	if _, err := ram.WriteAt(info, int64(infoAddr)); err != nil {
		return 0, err
	}
	return infoAddr, nil
}

// ReadInfo parses a multiboot info structure at addr.
func ReadInfo(ram *mem.RAM, addr uint64) (*Info, error) {
	buf := make([]byte, 88)
	if _, err := ram.ReadAt(buf, int64(addr)); err != nil {
		return nil, err
	}
	flags := binary.LittleEndian.Uint32(buf[0:4])
	info := &Info{Addr: addr}

	if flags&flagCmdline != 0 {
		info.CmdAddr = uint64(binary.LittleEndian.Uint32(buf[16:20]))
		s, err := readCString(ram, info.CmdAddr)
		if err != nil {
			return nil, err
		}
		info.Cmdline = s
	}

	if flags&flagMods != 0 {
		count := binary.LittleEndian.Uint32(buf[20:24])
		base := uint64(binary.LittleEndian.Uint32(buf[24:28]))
		for i := uint32(0); i < count; i++ {
			e := make([]byte, 16)
			if _, err := ram.ReadAt(e, int64(base+uint64(i)*16)); err != nil {
				return nil, err
			}
			info.Modules = append(info.Modules, Module{
				Start: uint64(binary.LittleEndian.Uint32(e[0:4])),
				End:   uint64(binary.LittleEndian.Uint32(e[4:8])),
			})
		}
	}

	if flags&flagMmap != 0 {
		length := uint64(binary.LittleEndian.Uint32(buf[44:48]))
		base := uint64(binary.LittleEndian.Uint32(buf[48:52]))
		for pos := uint64(0); pos < length; {
			e := make([]byte, 24)
			if _, err := ram.ReadAt(e, int64(base+pos)); err != nil {
				return nil, err
			}
			size := binary.LittleEndian.Uint32(e[0:4])
			info.Regions = append(info.Regions, mem.MapRegion{
				Base:      binary.LittleEndian.Uint64(e[4:12]),
				Length:    binary.LittleEndian.Uint64(e[12:20]),
				Available: binary.LittleEndian.Uint32(e[20:24]) == MemAvailable,
			})
			pos += uint64(size) + 4
		}
	}
	return info, nil
}

func readCString(ram *mem.RAM, addr uint64) (string, error) {
	var out []byte
	var b [1]byte
	for i := uint64(0); i < 0x200; i++ {
		if _, err := ram.ReadAt(b[:], int64(addr+i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", fmt.Errorf("mb: unterminated command line at %#x", addr)
}
