package irq

import (
	"testing"

	"github.com/tinyrange/hermit/kerrno"
)

type captureEOI struct {
	vectors []uint8
}

func (c *captureEOI) EOI(vector uint8) { c.vectors = append(c.vectors, vector) }

func TestDispatchRunsHandlerThenEOIThenEpilogue(t *testing.T) {
	d := NewDispatcher(1)
	eoi := &captureEOI{}
	d.SetEOISink(eoi)

	var order []string
	d.SetEpilogue(func(core int) { order = append(order, "epilogue") })
	if e := d.Register(VectorApicTimer, func(core int, vector uint8) {
		order = append(order, "handler")
	}); e != 0 {
		t.Fatalf("register: %v", e)
	}

	d.Dispatch(0, VectorApicTimer)

	if len(order) != 2 || order[0] != "handler" || order[1] != "epilogue" {
		t.Fatalf("order = %v", order)
	}
	if len(eoi.vectors) != 1 || eoi.vectors[0] != VectorApicTimer {
		t.Fatalf("eoi = %v", eoi.vectors)
	}
}

func TestRegisterConflicts(t *testing.T) {
	d := NewDispatcher(1)
	h := func(int, uint8) {}
	if e := d.Register(40, h); e != 0 {
		t.Fatalf("register: %v", e)
	}
	if e := d.Register(40, h); e != kerrno.EBUSY {
		t.Fatalf("double register = %v, want EBUSY", e)
	}
	d.Unregister(40)
	if e := d.Register(40, h); e != 0 {
		t.Fatalf("re-register after unregister: %v", e)
	}
	if e := d.Register(41, nil); e != kerrno.EINVAL {
		t.Fatalf("nil handler = %v", e)
	}
}

func TestDisabledDeliveryHeldPending(t *testing.T) {
	d := NewDispatcher(1)
	fired := 0
	d.Register(VectorWakeup, func(int, uint8) { fired++ })

	d.DisableIRQs(0)
	d.Dispatch(0, VectorWakeup)
	d.Dispatch(0, VectorWakeup) // folds with the pending one
	if fired != 0 {
		t.Fatal("handler ran with IRQs disabled")
	}
	if d.IRQsEnabled(0) {
		t.Fatal("IRQs report enabled while nested")
	}

	d.EnableIRQs(0)
	if fired != 1 {
		t.Fatalf("fired %d times after enable, want 1 (folded)", fired)
	}
}

func TestNestedHandlersQueue(t *testing.T) {
	d := NewDispatcher(1)
	var order []uint8
	d.Register(100, func(core int, v uint8) {
		order = append(order, v)
		// An interrupt raised while servicing one stays pending until
		// the epilogue finishes.
		if v == 100 {
			d.Dispatch(0, 101)
		}
	})
	d.Register(101, func(core int, v uint8) { order = append(order, v) })

	d.Dispatch(0, 100)
	if len(order) != 2 || order[0] != 100 || order[1] != 101 {
		t.Fatalf("order = %v", order)
	}
}

func TestSpuriousCounted(t *testing.T) {
	d := NewDispatcher(1)
	d.Dispatch(0, VectorApicSpurious)
	if d.Spurious() != 1 {
		t.Fatalf("spurious = %d", d.Spurious())
	}
}
