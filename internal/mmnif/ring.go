// Package mmnif implements the intra-unikernel shared-memory network:
// one receive ring per isle inside a common physical region, a
// descriptor table guarded by a per-isle lock, and an IPI doorbell.
// The ring appears to the TCP/IP stack as a point-to-point NIC
// carrying raw IPv4 packets.
package mmnif

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/hermit/internal/mem"
)

// Geometry. One header plus one heap per isle, laid out back to back
// in the shared region the launcher publishes.
const (
	MaxIsle        = 8
	MaxDescriptors = 64
	RxBufferLen    = 32 * 1024

	// MTU is the payload ceiling; anything longer than maxFrame is
	// refused outright.
	MTU      = 1500
	maxFrame = 1536
	minFrame = 20 // bare IPv4 header
)

// Descriptor states.
const (
	StatFree uint8 = iota
	StatPending
	StatRdy
	StatInproc
	StatProc
)

// On-ring layout: header { head u16, tail u16, dwrite u8, dread u8,
// dcount u8, pad } followed by the descriptor table of
// { stat u8, pad u8, len u16, addr u64 } entries.
const (
	offHead   = 0
	offTail   = 2
	offDwrite = 4
	offDread  = 5
	offDcount = 6

	descBase = 8
	descSize = 12

	headerSize = descBase + MaxDescriptors*descSize
)

// RegionSize is the shared-memory footprint for n isles.
func RegionSize(n int) uint64 {
	return uint64(n) * (headerSize + RxBufferLen)
}

// ring is one isle's receive ring mapped over the shared region.
type ring struct {
	shm        *mem.RAM
	headerBase uint64
	heapBase   uint64
}

func ringAt(shm *mem.RAM, base uint64, isle int) ring {
	stride := uint64(headerSize + RxBufferLen)
	return ring{
		shm:        shm,
		headerBase: base + uint64(isle-1)*stride,
		heapBase:   base + uint64(isle-1)*stride + headerSize,
	}
}

// init formats an empty ring: every descriptor FREE, dcount full.
func (r ring) init() error {
	zero := make([]byte, headerSize)
	zero[offDcount] = MaxDescriptors
	_, err := r.shm.WriteAt(zero, int64(r.headerBase))
	return err
}

func (r ring) u8(off uint64) uint8 {
	var b [1]byte
	r.shm.ReadAt(b[:], int64(r.headerBase+off))
	return b[0]
}

func (r ring) putU8(off uint64, v uint8) {
	r.shm.WriteAt([]byte{v}, int64(r.headerBase+off))
}

func (r ring) u16(off uint64) uint16 {
	var b [2]byte
	r.shm.ReadAt(b[:], int64(r.headerBase+off))
	return binary.LittleEndian.Uint16(b[:])
}

func (r ring) putU16(off uint64, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	r.shm.WriteAt(b[:], int64(r.headerBase+off))
}

func (r ring) head() uint16    { return r.u16(offHead) }
func (r ring) tail() uint16    { return r.u16(offTail) }
func (r ring) dwrite() uint8   { return r.u8(offDwrite) }
func (r ring) dread() uint8    { return r.u8(offDread) }
func (r ring) dcount() uint8   { return r.u8(offDcount) }
func (r ring) setHead(v uint16)  { r.putU16(offHead, v) }
func (r ring) setTail(v uint16)  { r.putU16(offTail, v) }
func (r ring) setDwrite(v uint8) { r.putU8(offDwrite, v) }
func (r ring) setDread(v uint8)  { r.putU8(offDread, v) }
func (r ring) setDcount(v uint8) { r.putU8(offDcount, v) }

// descriptor accessors.

func (r ring) descOff(i uint8) uint64 {
	return r.headerBase + descBase + uint64(i)*descSize
}

func (r ring) descStat(i uint8) uint8 {
	var b [1]byte
	r.shm.ReadAt(b[:], int64(r.descOff(i)))
	return b[0]
}

func (r ring) setDescStat(i uint8, stat uint8) {
	r.shm.WriteAt([]byte{stat}, int64(r.descOff(i)))
}

func (r ring) descLen(i uint8) uint16 {
	var b [2]byte
	r.shm.ReadAt(b[:], int64(r.descOff(i)+2))
	return binary.LittleEndian.Uint16(b[:])
}

func (r ring) descAddr(i uint8) uint64 {
	var b [8]byte
	r.shm.ReadAt(b[:], int64(r.descOff(i)+4))
	return binary.LittleEndian.Uint64(b[:])
}

func (r ring) setDesc(i uint8, stat uint8, length uint16, addr uint64) {
	var b [descSize]byte
	b[0] = stat
	binary.LittleEndian.PutUint16(b[2:4], length)
	binary.LittleEndian.PutUint64(b[4:12], addr)
	r.shm.WriteAt(b[:], int64(r.descOff(i)))
}

// allocRange picks a byte range in the heap for a packet of length n:
// forward from tail, wrapping to offset 0 when the end would overrun
// and the front of the ring is clear; between tail and head when the
// ring has wrapped. Returns the heap offset or an error when the live
// packets leave no room.
func (r ring) allocRange(n uint16) (uint16, error) {
	head, tail := r.head(), r.tail()
	if tail >= head {
		if uint32(tail)+uint32(n) <= RxBufferLen {
			r.setTail(tail + n)
			return tail, nil
		}
		// Wrap to offset 0; the front is free only up to head, and a
		// head of zero means the ring is already in the wrapped-full
		// state at the start.
		if head > 0 && n < head {
			r.setTail(n)
			return 0, nil
		}
		return 0, fmt.Errorf("mmnif: ring full at wrap")
	}
	// Wrapped: allocate inside [tail, head).
	if uint32(tail)+uint32(n) <= uint32(head) {
		r.setTail(tail + n)
		return tail, nil
	}
	return 0, fmt.Errorf("mmnif: ring full")
}

// readHeap copies n bytes at heap offset off.
func (r ring) readHeap(off uint16, n uint16) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := r.shm.ReadAt(buf, int64(r.heapBase+uint64(off))); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeHeap copies data to heap offset off.
func (r ring) writeHeap(off uint16, data []byte) error {
	_, err := r.shm.WriteAt(data, int64(r.heapBase+uint64(off)))
	return err
}
