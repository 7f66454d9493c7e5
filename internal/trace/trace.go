// Package trace is a low-overhead binary event logger for the hot
// kernel paths (IRQ entry, IPIs, context switches). Writers reserve
// space by atomically advancing a file offset, so tracing never takes a
// lock on the paths it instruments.
//
// Record layout:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes, payload bytes
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindEvent
	KindBytes
)

const headerSize = 16

// Sink is where records land. Offsets are pre-reserved, so the sink
// only needs positioned writes.
type Sink interface {
	io.WriterAt
	io.Closer
}

var (
	sink   atomic.Pointer[Sink]
	offset atomic.Uint64
)

// OpenFile starts tracing into filename, truncating previous content.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts tracing into w. Opening over an active sink discards the
// old one and reports it, since buffered records may be lost.
func Open(w Sink) error {
	offset.Store(0)
	if sink.Swap(&w) != nil {
		return fmt.Errorf("trace: already open, discarded old sink")
	}
	return nil
}

// Close stops tracing and closes the sink.
func Close() error {
	s := sink.Swap(nil)
	offset.Store(0)
	if s == nil {
		return nil
	}
	return (*s).Close()
}

func emit(kind Kind, source string, payload []byte) {
	s := sink.Load()
	if s == nil {
		return
	}

	size := uint64(headerSize + len(source) + len(payload))
	off := offset.Add(size) - size

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	copy(buf[headerSize:], source)
	copy(buf[headerSize+len(source):], payload)

	if _, err := (*s).WriteAt(buf, int64(off)); err != nil {
		// Tracing must never take the kernel down; drop the record.
		_ = err
	}
}

// Event records a formatted event for source.
func Event(source, format string, args ...any) {
	emit(KindEvent, source, fmt.Appendf(nil, format, args...))
}

// Bytes records a raw payload for source.
func Bytes(source string, payload []byte) {
	emit(KindBytes, source, payload)
}

// Tracer is a source-bound handle so hot paths don't rebuild the source
// string per record.
type Tracer struct{ source string }

// WithSource returns a handle bound to source.
func WithSource(source string) Tracer { return Tracer{source: source} }

func (t Tracer) Event(format string, args ...any) { Event(t.source, format, args...) }
func (t Tracer) Bytes(payload []byte)             { Bytes(t.source, payload) }

// Record is one decoded entry.
type Record struct {
	Time    time.Time
	Kind    Kind
	Source  string
	Payload []byte
}

// Each decodes records from r in write order.
func Each(r io.Reader, fn func(Record) error) error {
	br := bufio.NewReader(r)
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("trace: read header: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid {
			return fmt.Errorf("trace: invalid record kind")
		}
		sourceLen := binary.LittleEndian.Uint16(header[2:4])
		payloadLen := binary.LittleEndian.Uint32(header[4:8])
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))

		buf := make([]byte, int(sourceLen)+int(payloadLen))
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("trace: read body: %w", err)
		}
		rec := Record{
			Time:    time.Unix(0, ts),
			Kind:    kind,
			Source:  string(buf[:sourceLen]),
			Payload: buf[sourceLen:],
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
