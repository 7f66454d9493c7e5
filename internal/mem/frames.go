package mem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hermit/kerrno"
)

// freeNode is one [start, end) range of free frames. The list is kept
// address sorted and ranges stay disjoint; lengths are always a
// multiple of PageSize.
type freeNode struct {
	start, end uint64
	prev, next *freeNode
}

// FrameAllocator hands out physical page frames from a segregated free
// list. The zero physical address doubles as the failure value, which
// is safe because the low I/O region is never part of a pool.
type FrameAllocator struct {
	mu sync.Mutex

	// head is the static sentinel. It can carry a range itself; when
	// that range drains the sentinel stays in the list with start==end.
	head freeNode

	// Coalesce enables merging adjacent ranges on free. It defaults to
	// off, matching the historical fragmentation behavior; flip it for
	// long-running workloads.
	Coalesce bool

	totalPages     atomic.Uint64
	allocatedPages atomic.Uint64
	availablePages atomic.Uint64
}

// NewFrameAllocator returns an empty allocator. Feed it ranges with
// AddRange (or InitFromMemoryMap).
func NewFrameAllocator() *FrameAllocator {
	a := &FrameAllocator{}
	a.head.next = nil
	return a
}

// AddRange donates the frame range [start, end) to the pool.
func (a *FrameAllocator) AddRange(start, end uint64) kerrno.Errno {
	start = (start + PageMask) &^ uint64(PageMask)
	end &^= uint64(PageMask)
	if start >= end {
		return kerrno.EINVAL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if e := a.insertLocked(start, end); e != 0 {
		return e
	}
	pages := (end - start) >> PageShift
	a.totalPages.Add(pages)
	a.availablePages.Add(pages)
	return 0
}

func (a *FrameAllocator) insertLocked(start, end uint64) kerrno.Errno {
	// An empty sentinel can take the range directly as long as it would
	// stay sorted against the first interior node.
	if a.head.start == a.head.end {
		if a.head.next == nil || end <= a.head.next.start {
			if a.head.next != nil && a.head.next.start < end {
				return kerrno.EINVAL
			}
			a.head.start, a.head.end = start, end
			return 0
		}
	} else if end <= a.head.start {
		// The sentinel stays first in address order: it takes the new
		// range and its old one moves into an interior node.
		n := &freeNode{start: a.head.start, end: a.head.end, prev: &a.head, next: a.head.next}
		if a.head.next != nil {
			a.head.next.prev = n
		}
		a.head.next = n
		a.head.start, a.head.end = start, end
		if a.Coalesce && end == n.start {
			a.head.end = n.end
			a.unlinkLocked(n)
		}
		return 0
	}

	// Find the last range starting below the new one.
	cur := &a.head
	for cur.next != nil && cur.next.start < start {
		cur = cur.next
	}
	if cur.start < cur.end && cur.end > start {
		return kerrno.EINVAL
	}
	if cur.next != nil && cur.next.start < end {
		return kerrno.EINVAL
	}

	if a.Coalesce {
		if cur.start < cur.end && cur.end == start {
			cur.end = end
			if cur.next != nil && cur.next.start == cur.end {
				cur.end = cur.next.end
				a.unlinkLocked(cur.next)
			}
			return 0
		}
		if cur.next != nil && cur.next.start == end {
			cur.next.start = start
			return 0
		}
	}

	n := &freeNode{start: start, end: end, prev: cur, next: cur.next}
	if cur.next != nil {
		cur.next.prev = n
	}
	cur.next = n
	return 0
}

func (a *FrameAllocator) unlinkLocked(n *freeNode) {
	if n == &a.head {
		// The sentinel never leaves the list; it just drains.
		n.start, n.end = 0, 0
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
}

// GetPages allocates n contiguous frames, first fit. Returns the
// physical base address or 0 when the pool cannot satisfy the request.
func (a *FrameAllocator) GetPages(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	size := n << PageShift

	a.mu.Lock()
	defer a.mu.Unlock()

	for cur := &a.head; cur != nil; cur = cur.next {
		have := cur.end - cur.start
		if have < size {
			continue
		}
		addr := cur.start
		if have == size {
			a.unlinkLocked(cur)
		} else {
			cur.start += size
		}
		a.allocatedPages.Add(n)
		a.availablePages.Add(^uint64(n - 1))
		return addr
	}
	return 0
}

// GetPage allocates a single frame.
func (a *FrameAllocator) GetPage() uint64 { return a.GetPages(1) }

// GetZeroedPage allocates a frame and clears it through ram.
func (a *FrameAllocator) GetZeroedPage(ram *RAM) uint64 {
	addr := a.GetPage()
	if addr == 0 {
		return 0
	}
	if err := ram.ZeroPage(addr); err != nil {
		a.PutPages(addr, 1)
		return 0
	}
	return addr
}

// PutPages returns n frames starting at addr to the pool.
func (a *FrameAllocator) PutPages(addr uint64, n uint64) kerrno.Errno {
	if n == 0 || addr == 0 || addr&PageMask != 0 {
		return kerrno.EINVAL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if e := a.insertLocked(addr, addr+(n<<PageShift)); e != 0 {
		return e
	}
	a.allocatedPages.Add(^uint64(n - 1))
	a.availablePages.Add(n)
	return 0
}

// TotalPages returns the number of frames ever donated to the pool.
func (a *FrameAllocator) TotalPages() uint64 { return a.totalPages.Load() }

// AllocatedPages returns the number of frames currently handed out.
func (a *FrameAllocator) AllocatedPages() uint64 { return a.allocatedPages.Load() }

// AvailablePages returns the number of frames currently free.
func (a *FrameAllocator) AvailablePages() uint64 { return a.availablePages.Load() }

// Ranges returns a snapshot of the free list for diagnostics.
func (a *FrameAllocator) Ranges() [][2]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out [][2]uint64
	for cur := &a.head; cur != nil; cur = cur.next {
		if cur.start < cur.end {
			out = append(out, [2]uint64{cur.start, cur.end})
		}
	}
	return out
}

// MapRegion is one entry of the boot memory map.
type MapRegion struct {
	Base      uint64
	Length    uint64
	Available bool
}

// lowIOLimit is the top of the legacy I/O region excluded from the
// ordinary pool.
const lowIOLimit = 0x100000

// InitFromMemoryMap seeds the allocator from a multiboot-style memory
// map, carving out the kernel image span, the command line page, and
// the low I/O region.
func (a *FrameAllocator) InitFromMemoryMap(regions []MapRegion, kernelStart, kernelEnd, cmdline uint64) error {
	added := false
	for _, reg := range regions {
		if !reg.Available || reg.Length == 0 {
			continue
		}
		start, end := reg.Base, reg.Base+reg.Length
		if start < lowIOLimit {
			start = lowIOLimit
		}
		if start >= end {
			continue
		}
		for _, hole := range carve(start, end, kernelStart, kernelEnd, cmdline) {
			if hole[0] >= hole[1] {
				continue
			}
			if e := a.AddRange(hole[0], hole[1]); e == 0 {
				added = true
			}
		}
	}
	if !added {
		return fmt.Errorf("mem: memory map left no usable frames")
	}
	return nil
}

// carve subtracts the kernel span and the command line page from
// [start, end).
func carve(start, end, kstart, kend, cmdline uint64) [][2]uint64 {
	out := [][2]uint64{{start, end}}
	sub := func(s, e uint64) {
		var next [][2]uint64
		for _, r := range out {
			if e <= r[0] || s >= r[1] {
				next = append(next, r)
				continue
			}
			if r[0] < s {
				next = append(next, [2]uint64{r[0], s})
			}
			if e < r[1] {
				next = append(next, [2]uint64{e, r[1]})
			}
		}
		out = next
	}
	if kstart < kend {
		sub(kstart&^uint64(PageMask), (kend+PageMask)&^uint64(PageMask))
	}
	if cmdline != 0 {
		base := cmdline &^ uint64(PageMask)
		sub(base, base+PageSize)
	}
	return out
}
