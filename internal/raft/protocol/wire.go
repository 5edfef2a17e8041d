package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownStatus  = errors.New("unknown status")
)

// Status is the first byte of every response
type Status uint8

const (
	StatusError Status = 0
	StatusOK    Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const scratchBufferSize = 256

// Scratch buffers are borrowed for a single encode and returned right after the frame is copied out
var scratchBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, 0, scratchBufferSize)
		return &b
	},
}

// encode runs fn against a pooled scratch buffer and returns a copy of what it wrote
func encode(fn func(w *writer)) []byte {
	bp := scratchBuffers.Get().(*[]byte)
	w := writer{buf: (*bp)[:0]}
	fn(&w)

	out := make([]byte, len(w.buf))
	copy(out, w.buf)

	*bp = w.buf[:0]
	scratchBuffers.Put(bp)
	return out
}

type writer struct {
	buf []byte
}

func (w *writer) uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) uint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) string(s string) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// reader decodes a frame. The first failure sticks and every later read is a no-op.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
	}
}

func (r *reader) need(n int, what string) bool {
	if r.err != nil {
		return false
	}
	if len(r.data)-r.off < n {
		r.fail("truncated %s at offset %d", what, r.off)
		return false
	}
	return true
}

func (r *reader) uint8(what string) uint8 {
	if !r.need(1, what) {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *reader) uint64(what string) uint64 {
	if !r.need(8, what) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

// millis reads a duration sent in milliseconds, saturating at the largest time.Duration
func (r *reader) millis(what string) time.Duration {
	ms := r.uint64(what)
	if ms > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return math.MaxInt64
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *reader) bytes(what string) []byte {
	if !r.need(4, what) {
		return nil
	}
	n := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	if uint64(n) > math.MaxInt32 || !r.need(int(n), what) {
		r.fail("truncated %s at offset %d", what, r.off)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:])
	r.off += int(n)
	return out
}

func (r *reader) string(what string) string {
	return string(r.bytes(what))
}

// finish reports the first decoding error, or trailing garbage after a complete frame
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(r.data)-r.off)
	}
	return nil
}
