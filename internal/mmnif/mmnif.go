package mmnif

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hermit/internal/mem"
	"github.com/tinyrange/hermit/internal/trace"
	"github.com/tinyrange/hermit/kerrno"
)

// DoorbellSender raises the mmnif IPI (vector 122) on the destination
// isle's boot core.
type DoorbellSender interface {
	SendDoorbell(destIsle int)
}

// Transport is the shared region carrying every isle's receive ring,
// plus the per-isle sender locks. All isles of one launch share a
// single Transport, which is exactly the shared-physical-memory
// contract of the real system.
type Transport struct {
	shm   *mem.RAM
	base  uint64
	isles int

	// islelocks guard each destination's descriptor table against
	// concurrent senders.
	islelocks []sync.Mutex

	doorbell DoorbellSender
}

var mmnifTrace = trace.WithSource("mmnif")

// NewTransport formats rings for n isles inside shm at base.
func NewTransport(shm *mem.RAM, base uint64, isles int) (*Transport, error) {
	if isles < 1 || isles > MaxIsle {
		return nil, fmt.Errorf("mmnif: isle count %d out of range", isles)
	}
	if base+RegionSize(isles) > shm.End() {
		return nil, fmt.Errorf("mmnif: shared region does not fit %d isles", isles)
	}
	t := &Transport{
		shm:       shm,
		base:      base,
		isles:     isles,
		islelocks: make([]sync.Mutex, isles),
	}
	for i := 1; i <= isles; i++ {
		if err := ringAt(shm, base, i).init(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SetDoorbell wires the IPI path.
func (t *Transport) SetDoorbell(d DoorbellSender) { t.doorbell = d }

// Isles returns the number of rings.
func (t *Transport) Isles() int { return t.isles }

// Ring exposes a raw ring view for invariant checks.
func (t *Transport) Ring(isle int) RingStats {
	r := ringAt(t.shm, t.base, isle)
	stats := RingStats{
		Head:   r.head(),
		Tail:   r.tail(),
		Dwrite: r.dwrite(),
		Dread:  r.dread(),
		Dcount: r.dcount(),
	}
	for i := uint8(0); i < MaxDescriptors; i++ {
		stats.Stats[i] = r.descStat(i)
	}
	return stats
}

// RingStats is a snapshot of one ring's header for diagnostics.
type RingStats struct {
	Head, Tail     uint16
	Dwrite, Dread  uint8
	Dcount         uint8
	Stats          [MaxDescriptors]uint8
}

// Send copies one packet into the destination isle's ring and rings
// the doorbell. The payload may arrive as a chain of fragments (the
// stack's buffer chain); the total length must fit a frame.
func (t *Transport) Send(destIsle int, chain ...[]byte) kerrno.Errno {
	if destIsle < 1 || destIsle > t.isles {
		return kerrno.ENXIO
	}
	total := 0
	for _, frag := range chain {
		total += len(frag)
	}
	if total < minFrame || total > maxFrame {
		return kerrno.EINVAL
	}

	r := ringAt(t.shm, t.base, destIsle)
	lock := &t.islelocks[destIsle-1]

	// Claim a descriptor and a heap range. No queueing: a full ring
	// makes the sender spin, so surface EBUSY and let the caller retry.
	lock.Lock()
	if r.dcount() == 0 {
		lock.Unlock()
		return kerrno.EBUSY
	}
	off, err := r.allocRange(uint16(total))
	if err != nil {
		lock.Unlock()
		return kerrno.EBUSY
	}
	slot := r.dwrite()
	r.setDesc(slot, StatPending, uint16(total), uint64(off))
	r.setDwrite((slot + 1) % MaxDescriptors)
	r.setDcount(r.dcount() - 1)
	lock.Unlock()

	// Copy the fragment chain outside the lock.
	pos := off
	for _, frag := range chain {
		if err := r.writeHeap(pos, frag); err != nil {
			return kerrno.EIO
		}
		pos += uint16(len(frag))
	}

	// Publish, then ring the doorbell.
	r.setDescStat(slot, StatRdy)
	mmnifTrace.Event("tx isle=%d slot=%d len=%d off=%d", destIsle, slot, total, off)
	if t.doorbell != nil {
		t.doorbell.SendDoorbell(destIsle)
	}
	return 0
}

// Device is one isle's receive side: the IRQ half folds doorbells into
// a single in-progress walk, the walk half drains RDY descriptors into
// the attached handler.
type Device struct {
	t      *Transport
	isleID int

	checkInProgress atomic.Bool

	mu sync.Mutex
	rx func(packet []byte)

	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txPackets atomic.Uint64
}

// NewDevice attaches the isle's view of the transport.
func (t *Transport) NewDevice(isleID int) (*Device, error) {
	if isleID < 1 || isleID > t.isles {
		return nil, fmt.Errorf("mmnif: isle id %d out of range", isleID)
	}
	return &Device{t: t, isleID: isleID}, nil
}

// IsleID returns the device's isle number.
func (d *Device) IsleID() int { return d.isleID }

// SetRxHandler installs the packet sink (the network stack input).
func (d *Device) SetRxHandler(fn func(packet []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = fn
}

// Send transmits towards the isle owning the destination address.
func (d *Device) Send(packet []byte) kerrno.Errno {
	dest := DestIsle(packet)
	if dest == d.isleID {
		return kerrno.EINVAL
	}
	e := d.t.Send(dest, packet)
	if e == 0 {
		d.txPackets.Add(1)
	}
	return e
}

// Doorbell is the vector-122 IRQ handler: concurrent rings fold into
// the walk already in progress.
func (d *Device) Doorbell() {
	if d.checkInProgress.Swap(true) {
		return
	}
	d.Poll()
}

// Poll drains the ring; the stack thread calls it (directly in
// single-threaded mode, via its callback queue otherwise) and clears
// the fold flag when the walk is done.
func (d *Device) Poll() int {
	defer d.checkInProgress.Store(false)

	r := ringAt(d.t.shm, d.t.base, d.isleID)
	lock := &d.t.islelocks[d.isleID-1]

	received := 0
	for {
		lock.Lock()
		slot := r.dread()
		stat := r.descStat(slot)
		if stat != StatRdy {
			// FREE (or a sender mid-publish): stop the walk here.
			lock.Unlock()
			break
		}
		r.setDescStat(slot, StatInproc)
		length := r.descLen(slot)
		addr := r.descAddr(slot)
		lock.Unlock()

		packet, err := r.readHeap(uint16(addr), length)
		if err != nil {
			packet = nil
		}

		lock.Lock()
		r.setDescStat(slot, StatProc)
		d.releaseLocked(r)
		lock.Unlock()

		if packet != nil {
			d.rxPackets.Add(1)
			d.rxBytes.Add(uint64(length))
			d.mu.Lock()
			rx := d.rx
			d.mu.Unlock()
			if rx != nil {
				rx(packet)
			}
			received++
		}
	}
	return received
}

// releaseLocked frees contiguous PROC descriptors starting at dread,
// advancing head over the released bytes. A release whose successor
// sits at a lower heap offset is the wrap point: head restarts at 0.
func (d *Device) releaseLocked(r ring) {
	for {
		slot := r.dread()
		if r.descStat(slot) != StatProc {
			return
		}
		length := r.descLen(slot)
		addr := r.descAddr(slot)

		newHead := uint16(addr) + length
		next := (slot + 1) % MaxDescriptors
		if r.descStat(next) != StatFree && r.descAddr(next) < addr {
			newHead = 0
		}
		r.setHead(newHead)

		r.setDesc(slot, StatFree, 0, 0)
		r.setDread(next)
		r.setDcount(r.dcount() + 1)

		if r.dcount() == MaxDescriptors {
			// Ring drained; reset the byte cursors so the next burst
			// starts clean.
			r.setHead(0)
			r.setTail(0)
			return
		}
	}
}

// Stats returns the device counters.
func (d *Device) Stats() (rxPackets, rxBytes uint64) {
	return d.rxPackets.Load(), d.rxBytes.Load()
}

// DestIsle selects the destination isle for an IPv4 packet: the last
// octet of a 192.168.28.0/24 destination is the isle id; anything else
// forwards to isle 1, where the host gateway lives.
func DestIsle(packet []byte) int {
	if len(packet) < minFrame {
		return 1
	}
	if packet[0]>>4 != 4 {
		return 1
	}
	dst := packet[16:20]
	if dst[0] == 192 && dst[1] == 168 && dst[2] == 28 {
		return int(dst[3])
	}
	return 1
}
