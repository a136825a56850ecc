package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/uole/chanmux/internal/crypto"
)

const (
	typeEncryption = 0x40
	typeCompress   = 0x80

	Ver               = 0xFB
	headLength        = 6
	minCompressLength = 512
	maxSegmentLength  = 16 * 1024 * 1024
)

var (
	bufferPool = sync.Pool{
		New: func() any {
			return new(bytes.Buffer)
		},
	}
)

type (
	// Conn wraps a byte transport with optional snappy compression and xor
	// obfuscation. Each Write becomes one segment: ver, flag, u32 length, body.
	Conn struct {
		opts      *Options
		rw        io.ReadWriter
		buf       bytes.Buffer
		head      [headLength]byte
		wmutex    sync.Mutex
		closeFlag int32
	}

	Option func(o *Options)

	Options struct {
		Compress bool
		Encrypt  bool
		xor      *crypto.XOR
	}
)

func (conn *Conn) readSegment() (err error) {
	var (
		n    int
		flag uint8
		src  []byte
		p    []byte
	)
	if _, err = io.ReadFull(conn.rw, conn.head[:]); err != nil {
		return
	}
	if conn.head[0] != Ver {
		return fmt.Errorf("invalid stream protocol version 0x%02X", conn.head[0])
	}
	flag = conn.head[1]
	length := binary.BigEndian.Uint32(conn.head[2:])
	if length > maxSegmentLength {
		return fmt.Errorf("stream segment of %d bytes exceeds limit", length)
	}
	src = make([]byte, length)
	if _, err = io.ReadFull(conn.rw, src); err != nil {
		return
	}
	if flag&typeEncryption != 0 {
		if conn.opts.xor == nil {
			return fmt.Errorf("encrypted segment but no key configured")
		}
		conn.opts.xor.Apply(src)
	}
	if flag&typeCompress != 0 {
		if n, err = snappy.DecodedLen(src); err != nil {
			return
		}
		if p, err = snappy.Decode(make([]byte, n), src); err != nil {
			return
		}
	} else {
		p = src
	}
	conn.buf.Write(p)
	return
}

func (conn *Conn) Read(b []byte) (n int, err error) {
	for conn.buf.Len() == 0 {
		if err = conn.readSegment(); err != nil {
			return
		}
	}
	return conn.buf.Read(b)
}

func (conn *Conn) Write(b []byte) (n int, err error) {
	var (
		flag uint8
		p    []byte
	)
	length := len(b)
	if length <= 0 {
		return
	}
	if length > maxSegmentLength {
		return 0, fmt.Errorf("stream segment of %d bytes exceeds limit", length)
	}
	w := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		w.Reset()
		bufferPool.Put(w)
	}()
	if conn.opts.Compress && length > minCompressLength {
		flag |= typeCompress
		p = snappy.Encode(nil, b)
	} else {
		p = b
	}
	if conn.opts.Encrypt {
		flag |= typeEncryption
	}
	// low bits carry noise
	flag |= uint8(rand.Int31n(63))
	w.WriteByte(Ver)
	w.WriteByte(flag)
	_ = binary.Write(w, binary.BigEndian, uint32(len(p)))
	w.Write(p)
	if conn.opts.Encrypt {
		conn.opts.xor.Apply(w.Bytes()[headLength:])
	}
	conn.wmutex.Lock()
	defer conn.wmutex.Unlock()
	if _, err = w.WriteTo(conn.rw); err == nil {
		n = length
	}
	return
}

func (conn *Conn) Close() (err error) {
	if !atomic.CompareAndSwapInt32(&conn.closeFlag, 0, 1) {
		return
	}
	if c, ok := conn.rw.(io.Closer); ok {
		err = c.Close()
	}
	return
}

func (conn *Conn) LocalAddr() net.Addr {
	if c, ok := conn.rw.(net.Conn); ok {
		return c.LocalAddr()
	}
	return nil
}

func (conn *Conn) RemoteAddr() net.Addr {
	if c, ok := conn.rw.(net.Conn); ok {
		return c.RemoteAddr()
	}
	return nil
}

func (conn *Conn) SetDeadline(t time.Time) error {
	if c, ok := conn.rw.(net.Conn); ok {
		return c.SetDeadline(t)
	}
	return nil
}

func (conn *Conn) SetReadDeadline(t time.Time) error {
	if c, ok := conn.rw.(net.Conn); ok {
		return c.SetReadDeadline(t)
	}
	return nil
}

func (conn *Conn) SetWriteDeadline(t time.Time) error {
	if c, ok := conn.rw.(net.Conn); ok {
		return c.SetWriteDeadline(t)
	}
	return nil
}

func WithCompress() Option {
	return func(o *Options) {
		o.Compress = true
	}
}

func WithEncrypt(key []byte) Option {
	return func(o *Options) {
		if len(key) > 0 {
			o.Encrypt = true
			o.xor = crypto.NewXOR(key)
		} else {
			o.Encrypt = false
			o.xor = nil
		}
	}
}

func New(rw io.ReadWriter, cbs ...Option) *Conn {
	opts := &Options{}
	for _, cb := range cbs {
		cb(opts)
	}
	return &Conn{
		rw:   rw,
		opts: opts,
	}
}
