package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := OpenFile(path); err != nil {
		t.Fatalf("open: %v", err)
	}

	Event("sched", "switch %d->%d", 1, 2)
	tr := WithSource("irq")
	tr.Event("core=%d vector=%d", 0, 123)
	tr.Bytes([]byte{0xAA, 0xBB})

	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	var recs []Record
	if err := Each(f, func(r Record) error {
		recs = append(recs, r)
		return nil
	}); err != nil {
		t.Fatalf("each: %v", err)
	}

	if len(recs) != 3 {
		t.Fatalf("decoded %d records", len(recs))
	}
	if recs[0].Source != "sched" || string(recs[0].Payload) != "switch 1->2" {
		t.Fatalf("record 0 = %+v", recs[0])
	}
	if recs[1].Source != "irq" || recs[1].Kind != KindEvent {
		t.Fatalf("record 1 = %+v", recs[1])
	}
	if recs[2].Kind != KindBytes || !bytes.Equal(recs[2].Payload, []byte{0xAA, 0xBB}) {
		t.Fatalf("record 2 = %+v", recs[2])
	}
}

func TestEmitWithoutSinkIsNoop(t *testing.T) {
	// Nothing open: events vanish instead of crashing hot paths.
	Event("sched", "dropped")
}
