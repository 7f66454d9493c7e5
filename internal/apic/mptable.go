package apic

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/hermit/internal/mem"
)

// MP 1.4 table discovery. uhyve boots without one, in which case the
// fallback keeps boot_processor = 0 and the core count from config.

const (
	mpFloatSig  = "_MP_"
	mpConfigSig = "PCMP"

	mpScanLow1  = 0xF0000
	mpScanHigh1 = 0x100000
	mpScanLow2  = 0x9F000
	mpScanHigh2 = 0xA0000

	mpEntryProcessor = 0
	mpEntryBus       = 1
	mpEntryIOAPIC    = 2
	mpEntryIOInt     = 3
	mpEntryLocalInt  = 4

	mpCPUEnabled = 1 << 0
	mpCPUBoot    = 1 << 1
)

// MPInfo is the digest of a parsed MP config table.
type MPInfo struct {
	Found      bool
	LAPICBase  uint64
	APICIDs    []uint8
	BootAPIC   uint8
	IOAPICID   uint8
	IOAPICBase uint64

	// ISARedirect maps ISA IRQ -> IOAPIC input for entries the table
	// carried; absent IRQs keep their identity mapping.
	ISARedirect map[uint8]uint8
}

// ProbeMP scans low memory for the floating-pointer structure and
// parses the config table it points at.
func ProbeMP(ram *mem.RAM) (MPInfo, error) {
	info := MPInfo{LAPICBase: lapicDefaultBase, ISARedirect: map[uint8]uint8{}}

	fps := scanFor(ram, mpScanLow1, mpScanHigh1)
	if fps == 0 {
		fps = scanFor(ram, mpScanLow2, mpScanHigh2)
	}
	if fps == 0 {
		return info, nil
	}

	cfgPtr, err := ram.Uint32(fps + 4)
	if err != nil || cfgPtr == 0 {
		return info, err
	}
	return parseConfig(ram, uint64(cfgPtr), info)
}

func scanFor(ram *mem.RAM, lo, hi uint64) uint64 {
	var sig [4]byte
	for addr := lo; addr+16 <= hi; addr += 16 {
		if _, err := ram.ReadAt(sig[:], int64(addr)); err != nil {
			return 0
		}
		if string(sig[:]) == mpFloatSig && checksumOK(ram, addr, 16) {
			return addr
		}
	}
	return 0
}

func checksumOK(ram *mem.RAM, addr, n uint64) bool {
	buf := make([]byte, n)
	if _, err := ram.ReadAt(buf, int64(addr)); err != nil {
		return false
	}
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return sum == 0
}

func parseConfig(ram *mem.RAM, addr uint64, info MPInfo) (MPInfo, error) {
	var sig [4]byte
	if _, err := ram.ReadAt(sig[:], int64(addr)); err != nil {
		return info, err
	}
	if string(sig[:]) != mpConfigSig {
		return info, fmt.Errorf("apic: bad MP config signature at %#x", addr)
	}

	header := make([]byte, 44)
	if _, err := ram.ReadAt(header, int64(addr)); err != nil {
		return info, err
	}
	entryCount := binary.LittleEndian.Uint16(header[34:36])
	info.LAPICBase = uint64(binary.LittleEndian.Uint32(header[36:40]))
	info.Found = true

	var isaBus = uint8(0xFF)
	pos := addr + 44
	for i := uint16(0); i < entryCount; i++ {
		var kind [1]byte
		if _, err := ram.ReadAt(kind[:], int64(pos)); err != nil {
			return info, err
		}
		switch kind[0] {
		case mpEntryProcessor:
			e := make([]byte, 20)
			if _, err := ram.ReadAt(e, int64(pos)); err != nil {
				return info, err
			}
			if e[3]&mpCPUEnabled != 0 {
				info.APICIDs = append(info.APICIDs, e[1])
				if e[3]&mpCPUBoot != 0 {
					info.BootAPIC = e[1]
				}
			}
			pos += 20
		case mpEntryBus:
			e := make([]byte, 8)
			if _, err := ram.ReadAt(e, int64(pos)); err != nil {
				return info, err
			}
			if string(e[2:5]) == "ISA" {
				isaBus = e[1]
			}
			pos += 8
		case mpEntryIOAPIC:
			e := make([]byte, 8)
			if _, err := ram.ReadAt(e, int64(pos)); err != nil {
				return info, err
			}
			if e[3]&1 != 0 {
				info.IOAPICID = e[1]
				info.IOAPICBase = uint64(binary.LittleEndian.Uint32(e[4:8]))
			}
			pos += 8
		case mpEntryIOInt, mpEntryLocalInt:
			e := make([]byte, 8)
			if _, err := ram.ReadAt(e, int64(pos)); err != nil {
				return info, err
			}
			if kind[0] == mpEntryIOInt && e[4] == isaBus && e[5] < 16 {
				info.ISARedirect[e[5]] = e[7]
			}
			pos += 8
		default:
			return info, fmt.Errorf("apic: unknown MP entry type %d", kind[0])
		}
	}
	return info, nil
}

// ApplyMP folds a probe result into the complex: redirect-map entries
// present in the table overwrite the identity defaults.
func (a *APIC) ApplyMP(info MPInfo) {
	for isa, input := range info.ISARedirect {
		if int(isa) < len(a.irqRedirect) {
			a.irqRedirect[isa] = input
		}
	}
}

// BuildMPTable writes a floating-pointer structure and config table for
// cores processors into low memory, the way the launcher publishes the
// topology for a bare-metal boot.
func BuildMPTable(ram *mem.RAM, cores int) error {
	const fpsAddr = 0xF1000
	cfgAddr := uint64(fpsAddr + 16)

	// Config table: header + cores processor entries + ISA bus +
	// IOAPIC + 16 ISA interrupt entries.
	entryCount := cores + 1 + 1 + 16
	tableLen := 44 + cores*20 + 8 + 8 + 16*8
	table := make([]byte, tableLen)
	copy(table[0:4], mpConfigSig)
	binary.LittleEndian.PutUint16(table[4:6], uint16(tableLen))
	table[6] = 4 // spec rev 1.4
	copy(table[8:16], "HERMIT  ")
	copy(table[16:28], "MACHINE     ")
	binary.LittleEndian.PutUint16(table[34:36], uint16(entryCount))
	binary.LittleEndian.PutUint32(table[36:40], uint32(lapicDefaultBase))

	pos := 44
	for c := 0; c < cores; c++ {
		table[pos] = mpEntryProcessor
		table[pos+1] = uint8(c)
		table[pos+2] = 0x14
		flags := byte(mpCPUEnabled)
		if c == 0 {
			flags |= mpCPUBoot
		}
		table[pos+3] = flags
		pos += 20
	}

	table[pos] = mpEntryBus
	table[pos+1] = 0
	copy(table[pos+2:pos+8], "ISA   ")
	pos += 8

	table[pos] = mpEntryIOAPIC
	table[pos+1] = uint8(cores) // IOAPIC id above the CPU ids
	table[pos+2] = 0x11
	table[pos+3] = 1 // enabled
	binary.LittleEndian.PutUint32(table[pos+4:pos+8], uint32(IOAPICBase))
	pos += 8

	for n := 0; n < 16; n++ {
		table[pos] = mpEntryIOInt
		table[pos+1] = 0 // INT
		table[pos+4] = 0 // ISA bus
		table[pos+5] = uint8(n)
		table[pos+6] = uint8(cores)
		table[pos+7] = uint8(n)
		pos += 8
	}

	table[7] = checksumFix(table)
	if _, err := ram.WriteAt(table, int64(cfgAddr)); err != nil {
		return err
	}

	fps := make([]byte, 16)
	copy(fps[0:4], mpFloatSig)
	binary.LittleEndian.PutUint32(fps[4:8], uint32(cfgAddr))
	fps[8] = 1 // length in 16-byte units
	fps[9] = 4 // spec rev
	fps[10] = checksumFix(fps)
	_, err := ram.WriteAt(fps, int64(fpsAddr))
	return err
}

// checksumFix returns the byte that makes the buffer sum to zero,
// assuming the checksum slot currently holds zero.
func checksumFix(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return byte(0x100 - uint16(sum))
}
