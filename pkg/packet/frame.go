package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	HeaderLength = 4

	// DefaultMaxFrameSize bounds a single frame payload.
	DefaultMaxFrameSize = 8 * 1024 * 1024

	defaultReadSize = 4096
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
)

func checkFrameSize(n, maxFrameSize int) error {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if n > maxFrameSize || uint64(n) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, n, maxFrameSize)
	}
	return nil
}

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst []byte, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes payload as one frame with a single Write call.
func WriteFrame(w io.Writer, payload []byte, maxFrameSize int) (err error) {
	var (
		n int
	)
	if err = checkFrameSize(len(payload), maxFrameSize); err != nil {
		return
	}
	buf := AppendFrame(make([]byte, 0, HeaderLength+len(payload)), payload)
	if n, err = w.Write(buf); err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	return
}

// Decoder splits a byte stream into frames. Partial frames stay buffered until complete.
type Decoder struct {
	buf          []byte
	maxFrameSize int
}

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered is the number of bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame, if any.
func (d *Decoder) Next() (frame []byte, ok bool, err error) {
	if len(d.buf) < HeaderLength {
		return
	}
	size := binary.BigEndian.Uint32(d.buf)
	if err = checkFrameSize(int(size), d.maxFrameSize); err != nil {
		return
	}
	end := HeaderLength + int(size)
	if len(d.buf) < end {
		return
	}
	frame = make([]byte, size)
	copy(frame, d.buf[HeaderLength:end])
	d.buf = d.buf[end:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frame, true, nil
}

func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Reader reads frames from an io.Reader. A stream that ends in the middle of a
// frame reports io.EOF, the same as a clean end.
type Reader struct {
	rd  io.Reader
	dec *Decoder
	buf []byte
	err error
}

func (r *Reader) ReadFrame() (frame []byte, err error) {
	var (
		ok bool
		n  int
	)
	for {
		if frame, ok, err = r.dec.Next(); err != nil || ok {
			return
		}
		if r.err != nil {
			return nil, r.err
		}
		n, r.err = r.rd.Read(r.buf)
		if n > 0 {
			r.dec.Feed(r.buf[:n])
		}
	}
}

func NewReader(rd io.Reader, maxFrameSize int) *Reader {
	return &Reader{
		rd:  rd,
		dec: NewDecoder(maxFrameSize),
		buf: make([]byte, defaultReadSize),
	}
}
