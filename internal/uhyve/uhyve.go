// Package uhyve implements the hypervisor hypercall ports: the guest
// writes the physical address of an argument struct to a well-known
// I/O port and the host performs the file operation in its stead. The
// unikernel has no filesystem of its own; this is the only I/O path.
package uhyve

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/hermit/internal/mem"
)

// Hypercall port numbers.
const (
	PortWrite uint16 = 0x400
	PortOpen  uint16 = 0x440
	PortClose uint16 = 0x480
	PortRead  uint16 = 0x500
	PortExit  uint16 = 0x540
	PortLseek uint16 = 0x580
)

// Ports lists every hypercall port, in the shape the machine's I/O
// port mux expects.
func Ports() []uint16 {
	return []uint16{PortWrite, PortOpen, PortClose, PortRead, PortExit, PortLseek}
}

// Device services hypercalls against host files. Guest fds map 1:1 to
// host fds; 0..2 pass through to the host's stdio.
type Device struct {
	ram *mem.RAM
	log *slog.Logger

	// Root confines open() to a directory when non-empty.
	Root string

	mu      sync.Mutex
	guestFd map[int32]int

	onExit func(code int32)
	exited bool
}

// NewDevice builds the hypercall device over guest memory.
func NewDevice(ram *mem.RAM, log *slog.Logger, onExit func(code int32)) *Device {
	return &Device{
		ram:     ram,
		log:     log,
		guestFd: map[int32]int{0: 0, 1: 1, 2: 2},
		onExit:  onExit,
	}
}

// Exited reports whether the guest requested exit.
func (d *Device) Exited() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exited
}

// WritePort handles an OUT instruction on one of the hypercall ports;
// args is the guest-physical address of the argument struct.
func (d *Device) WritePort(port uint16, args uint64) error {
	switch port {
	case PortExit:
		return d.exit(args)
	case PortWrite:
		return d.write(args)
	case PortRead:
		return d.read(args)
	case PortOpen:
		return d.open(args)
	case PortClose:
		return d.close(args)
	case PortLseek:
		return d.lseek(args)
	default:
		return fmt.Errorf("uhyve: unhandled port %#x", port)
	}
}

func (d *Device) hostFd(guest int32) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd, ok := d.guestFd[guest]
	return fd, ok
}

// exit: { i32 code }
func (d *Device) exit(args uint64) error {
	code, err := d.ram.Uint32(args)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.exited = true
	d.mu.Unlock()
	d.log.Info("guest exit", "code", int32(code))
	if d.onExit != nil {
		d.onExit(int32(code))
	}
	return nil
}

// write: { i32 fd, const char* buf_phys, usize len }; the host's byte
// count is written back into len.
func (d *Device) write(args uint64) error {
	fd, err := d.ram.Uint32(args)
	if err != nil {
		return err
	}
	bufPhys, err := d.ram.Uint64(args + 8)
	if err != nil {
		return err
	}
	length, err := d.ram.Uint64(args + 16)
	if err != nil {
		return err
	}

	host, ok := d.hostFd(int32(fd))
	if !ok {
		return d.ram.PutUint64(args+16, signExtend(-int64(unix.EBADF)))
	}

	buf := make([]byte, length)
	if _, err := d.ram.ReadAt(buf, int64(bufPhys)); err != nil {
		return err
	}
	n, werr := unix.Write(host, buf)
	if werr != nil {
		n = -int(werr.(unix.Errno))
	}
	return d.ram.PutUint64(args+16, uint64(int64(n)))
}

// read: { i32 fd, char* buf_phys, usize len, isize ret }
func (d *Device) read(args uint64) error {
	fd, err := d.ram.Uint32(args)
	if err != nil {
		return err
	}
	bufPhys, err := d.ram.Uint64(args + 8)
	if err != nil {
		return err
	}
	length, err := d.ram.Uint64(args + 16)
	if err != nil {
		return err
	}

	host, ok := d.hostFd(int32(fd))
	if !ok {
		return d.ram.PutUint64(args+24, signExtend(-int64(unix.EBADF)))
	}

	buf := make([]byte, length)
	n, rerr := unix.Read(host, buf)
	if rerr != nil {
		return d.ram.PutUint64(args+24, signExtend(-int64(rerr.(unix.Errno))))
	}
	if n > 0 {
		if _, err := d.ram.WriteAt(buf[:n], int64(bufPhys)); err != nil {
			return err
		}
	}
	return d.ram.PutUint64(args+24, uint64(int64(n)))
}

// open: { const char* name_phys, i32 flags, i32 mode, i32 ret }
func (d *Device) open(args uint64) error {
	namePhys, err := d.ram.Uint64(args)
	if err != nil {
		return err
	}
	flags, err := d.ram.Uint32(args + 8)
	if err != nil {
		return err
	}
	mode, err := d.ram.Uint32(args + 12)
	if err != nil {
		return err
	}

	name, err := d.readCString(namePhys)
	if err != nil {
		return err
	}
	if d.Root != "" {
		name = filepath.Join(d.Root, filepath.Clean("/"+name))
	}

	host, oerr := unix.Open(name, int(flags), mode)
	if oerr != nil {
		return d.ram.PutUint32(args+16, uint32(-int32(oerr.(unix.Errno))))
	}

	d.mu.Lock()
	d.guestFd[int32(host)] = host
	d.mu.Unlock()
	d.log.Debug("guest open", "name", name, "fd", host)
	return d.ram.PutUint32(args+16, uint32(int32(host)))
}

// close: { i32 fd, i32 ret }
func (d *Device) close(args uint64) error {
	fd, err := d.ram.Uint32(args)
	if err != nil {
		return err
	}
	guest := int32(fd)
	if guest <= 2 {
		// Never close the host's stdio on the guest's behalf.
		return d.ram.PutUint32(args+4, 0)
	}

	d.mu.Lock()
	host, ok := d.guestFd[guest]
	delete(d.guestFd, guest)
	d.mu.Unlock()
	if !ok {
		return d.ram.PutUint32(args+4, uint32(-int32(unix.EBADF)))
	}
	if cerr := unix.Close(host); cerr != nil {
		return d.ram.PutUint32(args+4, uint32(-int32(cerr.(unix.Errno))))
	}
	return d.ram.PutUint32(args+4, 0)
}

// lseek: { i32 fd, off_t offset, i32 whence }; the resulting offset is
// written back in place.
func (d *Device) lseek(args uint64) error {
	fd, err := d.ram.Uint32(args)
	if err != nil {
		return err
	}
	offset, err := d.ram.Uint64(args + 8)
	if err != nil {
		return err
	}
	whence, err := d.ram.Uint32(args + 16)
	if err != nil {
		return err
	}

	host, ok := d.hostFd(int32(fd))
	if !ok {
		return d.ram.PutUint64(args+8, signExtend(-int64(unix.EBADF)))
	}
	pos, serr := unix.Seek(host, int64(offset), int(whence))
	if serr != nil {
		return d.ram.PutUint64(args+8, signExtend(-int64(serr.(unix.Errno))))
	}
	return d.ram.PutUint64(args+8, uint64(pos))
}

func (d *Device) readCString(phys uint64) (string, error) {
	var out []byte
	var b [1]byte
	for i := uint64(0); i < 4096; i++ {
		if _, err := d.ram.ReadAt(b[:], int64(phys+i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", fmt.Errorf("uhyve: unterminated path string at %#x", phys)
}

func signExtend(v int64) uint64 { return uint64(v) }

// helpers for building argument structs, shared with the syscall layer
// and the tests.

// WriteArgs serializes the write hypercall struct.
func WriteArgs(ram *mem.RAM, at uint64, fd int32, buf uint64, length uint64) error {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint32(b[0:4], uint32(fd))
	binary.LittleEndian.PutUint64(b[8:16], buf)
	binary.LittleEndian.PutUint64(b[16:24], length)
	_, err := ram.WriteAt(b, int64(at))
	return err
}

// ReadArgs serializes the read hypercall struct.
func ReadArgs(ram *mem.RAM, at uint64, fd int32, buf uint64, length uint64) error {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint32(b[0:4], uint32(fd))
	binary.LittleEndian.PutUint64(b[8:16], buf)
	binary.LittleEndian.PutUint64(b[16:24], length)
	_, err := ram.WriteAt(b, int64(at))
	return err
}

// OpenArgs serializes the open hypercall struct.
func OpenArgs(ram *mem.RAM, at uint64, name uint64, flags, mode uint32) error {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b[0:8], name)
	binary.LittleEndian.PutUint32(b[8:12], flags)
	binary.LittleEndian.PutUint32(b[12:16], mode)
	_, err := ram.WriteAt(b, int64(at))
	return err
}
