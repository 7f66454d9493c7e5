package paging

import (
	"log/slog"
	"strings"

	"github.com/tinyrange/hermit/internal/mem"
	"github.com/tinyrange/hermit/internal/trace"
	"github.com/tinyrange/hermit/internal/vma"
	"github.com/tinyrange/hermit/kerrno"
)

// Page-fault error code bits as pushed by the CPU.
const (
	FaultPresent uint64 = 1 << 0
	FaultWrite   uint64 = 1 << 1
	FaultUser    uint64 = 1 << 2
	FaultRsvd    uint64 = 1 << 3
	FaultFetch   uint64 = 1 << 4
)

// DecodeFault renders the error-code bits the way the fatal-fault log
// reports them.
func DecodeFault(code uint64) string {
	var parts []string
	if code&FaultUser != 0 {
		parts = append(parts, "user")
	} else {
		parts = append(parts, "supervisor")
	}
	switch {
	case code&FaultFetch != 0:
		parts = append(parts, "fetch")
	case code&FaultWrite != 0:
		parts = append(parts, "write")
	default:
		parts = append(parts, "read")
	}
	if code&FaultPresent != 0 {
		parts = append(parts, "protection")
	} else {
		parts = append(parts, "not-present")
	}
	if code&FaultRsvd != 0 {
		parts = append(parts, "reserved-bit")
	}
	return strings.Join(parts, " ")
}

var faultTrace = trace.WithSource("paging.fault")

// HandleFault services a page fault at addr with the CPU error code.
// A not-present fault inside the faulting task's heap VMA is demand
// paging: a fresh frame (zeroed when the image carries a Go runtime)
// is mapped USER|RW with XD when supported. Anything else is fatal for
// the task: the fault is logged in full and -EFAULT is returned so the
// caller exits the task.
func (s *Space) HandleFault(core int, addr, code uint64, heap *vma.Area, goRuntime bool, log *slog.Logger) kerrno.Errno {
	faultTrace.Event("core=%d addr=%#x code=%#x", core, addr, code)

	if heap != nil && code&FaultPresent == 0 && addr >= heap.Start && addr < heap.End {
		page := addr &^ uint64(mem.PageMask)
		if _, err := s.Translate(page); err == nil {
			// Raced with another core mapping the same page; retry the
			// access.
			return 0
		}

		var frame uint64
		if goRuntime {
			frame = s.frames.GetZeroedPage(s.ram)
		} else {
			frame = s.frames.GetPage()
		}
		if frame == 0 {
			log.Error("demand paging out of memory", "addr", addr, "core", core)
			return kerrno.ENOMEM
		}

		bits := FlagUser | FlagRW
		if s.NXSupported {
			bits |= FlagXD
		}
		if e := s.Map(core, page, frame, 1, bits, false); e != 0 {
			s.frames.PutPages(frame, 1)
			return e
		}
		return 0
	}

	log.Error("fatal page fault",
		"core", core,
		"addr", addr,
		"code", code,
		"decoded", DecodeFault(code))
	return kerrno.EFAULT
}
