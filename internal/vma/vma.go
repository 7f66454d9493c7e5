// Package vma tracks reserved virtual address ranges for an address
// space. The list is orthogonal to the page tables: adding a VMA does
// not map pages and freeing one does not unmap them; callers do both.
package vma

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tinyrange/hermit/internal/mem"
	"github.com/tinyrange/hermit/kerrno"
)

// Flags describe the intended access for a reserved range.
type Flags uint32

const (
	NoAccess Flags = 0
	Read     Flags = 1 << iota
	Write
	Execute
	Cacheable
	User
	Heap
)

func (f Flags) String() string {
	var parts []string
	for _, e := range []struct {
		bit  Flags
		name string
	}{{Read, "r"}, {Write, "w"}, {Execute, "x"}, {Cacheable, "c"}, {User, "u"}, {Heap, "h"}} {
		if f&e.bit != 0 {
			parts = append(parts, e.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "")
}

// Allocation bounds for Alloc. VMAs live strictly inside (Min, Max).
const (
	Min uint64 = 0xC0000
	Max uint64 = 0xFFFFFE8000000000
)

// Area is one reserved [Start, End) range.
type Area struct {
	Start, End uint64
	Flags      Flags

	prev, next *Area
}

// List is an address-sorted list of non-overlapping areas. One list
// exists per address space; the unikernel effectively has one global
// list plus per-task bookkeeping for the heap.
type List struct {
	mu   sync.Mutex
	head *Area
}

// Add reserves [start, end). Overlap with an existing area is EINVAL,
// as are unaligned or out-of-window ranges.
func (l *List) Add(start, end uint64, flags Flags) kerrno.Errno {
	if start >= end || start&mem.PageMask != 0 || end&mem.PageMask != 0 {
		return kerrno.EINVAL
	}
	if start <= Min || end >= Max {
		return kerrno.EINVAL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var prev *Area
	cur := l.head
	for cur != nil && cur.Start < start {
		prev, cur = cur, cur.next
	}
	if prev != nil && prev.End > start {
		return kerrno.EINVAL
	}
	if cur != nil && cur.Start < end {
		return kerrno.EINVAL
	}

	a := &Area{Start: start, End: end, Flags: flags, prev: prev, next: cur}
	if prev != nil {
		prev.next = a
	} else {
		l.head = a
	}
	if cur != nil {
		cur.prev = a
	}
	return 0
}

// Alloc finds the lowest hole of at least size bytes inside (Min, Max),
// reserves it, and returns its start. Returns 0 when no hole fits.
func (l *List) Alloc(size uint64, flags Flags) uint64 {
	if size == 0 {
		return 0
	}
	size = (size + mem.PageMask) &^ uint64(mem.PageMask)

	l.mu.Lock()
	defer l.mu.Unlock()

	base := (Min + mem.PageSize) &^ uint64(mem.PageMask)
	var prev *Area
	cur := l.head
	for {
		limit := Max
		if cur != nil {
			limit = cur.Start
		}
		if limit > base && limit-base >= size {
			a := &Area{Start: base, End: base + size, Flags: flags, prev: prev, next: cur}
			if prev != nil {
				prev.next = a
			} else {
				l.head = a
			}
			if cur != nil {
				cur.prev = a
			}
			return base
		}
		if cur == nil {
			return 0
		}
		if cur.End > base {
			base = cur.End
		}
		prev, cur = cur, cur.next
	}
}

// Free releases [start, end): an exact match removes the area, a
// boundary hit shrinks it, and a strictly interior range splits it.
func (l *List) Free(start, end uint64) kerrno.Errno {
	if start >= end || start&mem.PageMask != 0 || end&mem.PageMask != 0 {
		return kerrno.EINVAL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for cur := l.head; cur != nil; cur = cur.next {
		if start < cur.Start || end > cur.End {
			continue
		}
		switch {
		case start == cur.Start && end == cur.End:
			if cur.prev != nil {
				cur.prev.next = cur.next
			} else {
				l.head = cur.next
			}
			if cur.next != nil {
				cur.next.prev = cur.prev
			}
		case start == cur.Start:
			cur.Start = end
		case end == cur.End:
			cur.End = start
		default:
			upper := &Area{Start: end, End: cur.End, Flags: cur.Flags, prev: cur, next: cur.next}
			if cur.next != nil {
				cur.next.prev = upper
			}
			cur.End = start
			cur.next = upper
		}
		return 0
	}
	return kerrno.EINVAL
}

// Find returns the area containing addr, or nil.
func (l *List) Find(addr uint64) *Area {
	l.mu.Lock()
	defer l.mu.Unlock()
	for cur := l.head; cur != nil; cur = cur.next {
		if addr >= cur.Start && addr < cur.End {
			return cur
		}
	}
	return nil
}

// Areas returns a snapshot of the list.
func (l *List) Areas() []Area {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Area
	for cur := l.head; cur != nil; cur = cur.next {
		out = append(out, Area{Start: cur.Start, End: cur.End, Flags: cur.Flags})
	}
	return out
}

// Dump formats the list for kernel logs.
func (l *List) Dump() string {
	var b strings.Builder
	for _, a := range l.Areas() {
		fmt.Fprintf(&b, "[%#x, %#x) %s\n", a.Start, a.End, a.Flags)
	}
	return b.String()
}
