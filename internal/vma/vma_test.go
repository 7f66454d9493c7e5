package vma

import (
	"reflect"
	"testing"
)

func TestAddRejectsOverlap(t *testing.T) {
	var l List
	if e := l.Add(0x200000, 0x400000, Read|Write); e != 0 {
		t.Fatalf("add: %v", e)
	}
	if e := l.Add(0x300000, 0x500000, Read); e == 0 {
		t.Fatal("expected EINVAL on overlap")
	}
	if e := l.Add(0x100000, 0x200000, Read); e != 0 {
		t.Fatalf("adjacent add should succeed: %v", e)
	}
}

func TestAddRejectsOutOfWindow(t *testing.T) {
	var l List
	if e := l.Add(0x0, 0x1000, Read); e == 0 {
		t.Fatal("expected rejection below Min")
	}
	if e := l.Add(Max-0x1000, Max, Read); e == 0 {
		t.Fatal("expected rejection at Max")
	}
	if e := l.Add(0x200123, 0x300000, Read); e == 0 {
		t.Fatal("expected rejection of unaligned start")
	}
}

func TestAddFreeRestoresList(t *testing.T) {
	var l List
	l.Add(0x200000, 0x400000, Read)
	before := l.Areas()

	if e := l.Add(0x500000, 0x600000, Read|Write); e != 0 {
		t.Fatalf("add: %v", e)
	}
	if e := l.Free(0x500000, 0x600000); e != 0 {
		t.Fatalf("free: %v", e)
	}
	if got := l.Areas(); !reflect.DeepEqual(got, before) {
		t.Fatalf("list not restored: %v != %v", got, before)
	}
}

func TestFreeShrinkAndSplit(t *testing.T) {
	var l List
	l.Add(0x200000, 0x600000, Read|Write)

	// Boundary hit shrinks.
	if e := l.Free(0x200000, 0x300000); e != 0 {
		t.Fatalf("shrink: %v", e)
	}
	areas := l.Areas()
	if len(areas) != 1 || areas[0].Start != 0x300000 {
		t.Fatalf("unexpected areas after shrink: %v", areas)
	}

	// Interior range splits.
	if e := l.Free(0x400000, 0x500000); e != 0 {
		t.Fatalf("split: %v", e)
	}
	areas = l.Areas()
	if len(areas) != 2 {
		t.Fatalf("expected split into 2, got %v", areas)
	}
	if areas[0].End != 0x400000 || areas[1].Start != 0x500000 {
		t.Fatalf("bad split boundaries: %v", areas)
	}
	if areas[1].Flags != Read|Write {
		t.Fatalf("split lost flags: %v", areas[1].Flags)
	}

	// Range spanning the hole no longer matches any area.
	if e := l.Free(0x300000, 0x600000); e == 0 {
		t.Fatal("expected EINVAL for range spanning freed hole")
	}
}

func TestAllocFindsFirstHole(t *testing.T) {
	var l List
	a := l.Alloc(0x10000, Read|Write)
	if a == 0 {
		t.Fatal("alloc failed on empty list")
	}
	if a <= Min {
		t.Fatalf("allocation at %#x not above Min", a)
	}

	b := l.Alloc(0x10000, Read)
	if b != a+0x10000 {
		t.Fatalf("expected tight packing, got %#x after %#x", b, a)
	}

	// Free the first area and re-allocate the same hole.
	if e := l.Free(a, a+0x10000); e != 0 {
		t.Fatalf("free: %v", e)
	}
	c := l.Alloc(0x8000, Read)
	if c != a {
		t.Fatalf("expected reuse of the hole at %#x, got %#x", a, c)
	}
}

func TestFindLocatesArea(t *testing.T) {
	var l List
	l.Add(0x200000, 0x400000, Heap|Read|Write)

	if a := l.Find(0x2FF000); a == nil || a.Flags&Heap == 0 {
		t.Fatalf("find inside: %v", a)
	}
	if a := l.Find(0x400000); a != nil {
		t.Fatalf("end is exclusive, got %v", a)
	}
}
