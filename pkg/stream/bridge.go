package stream

import (
	"errors"
	"io"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/uole/chanmux/pkg/multiplex"
)

const (
	DefaultChunkSize = 4096
)

// Bridge turns a transport stream's send and receive halves into one duplex
// byte stream. An outbound pump forwards written bytes to the send half in
// chunks; an inbound pump feeds bytes read from the receive half to Read.
type Bridge struct {
	send      multiplex.SendStream
	recv      multiplex.RecvStream
	inReader  *io.PipeReader
	inWriter  *io.PipeWriter
	outReader *io.PipeReader
	outWriter *io.PipeWriter
	chunkSize int
	waitGroup conc.WaitGroup
	closeOnce sync.Once
	readOnce  sync.Once
	writeOnce sync.Once
}

func (b *Bridge) outboundPump() {
	var (
		n    int
		err  error
		werr error
	)
	buf := make([]byte, b.chunkSize)
	for {
		n, err = b.outReader.Read(buf)
		if n > 0 {
			if werr = b.send.Write(buf[:n]); werr != nil {
				_ = b.send.Close()
				_ = b.outReader.CloseWithError(werr)
				return
			}
		}
		if err != nil {
			_ = b.send.Close()
			return
		}
	}
}

func (b *Bridge) inboundPump() {
	var (
		p   []byte
		err error
	)
	for {
		p, err = b.recv.Read(b.chunkSize)
		if len(p) > 0 {
			if _, werr := b.inWriter.Write(p); werr != nil {
				_ = b.recv.Close()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = b.inWriter.Close()
			} else {
				_ = b.inWriter.CloseWithError(err)
			}
			_ = b.recv.Close()
			return
		}
	}
}

func (b *Bridge) Read(p []byte) (int, error) {
	return b.inReader.Read(p)
}

// Write returns once the outbound pump has taken all of p.
func (b *Bridge) Write(p []byte) (int, error) {
	return b.outWriter.Write(p)
}

// CloseWrite flushes and ends the outbound direction.
func (b *Bridge) CloseWrite() error {
	b.writeOnce.Do(func() {
		_ = b.outWriter.Close()
	})
	return nil
}

// CloseRead discards further inbound bytes and stops the inbound pump.
func (b *Bridge) CloseRead() error {
	b.readOnce.Do(func() {
		_ = b.inReader.CloseWithError(io.ErrClosedPipe)
		_ = b.recv.Close()
	})
	return nil
}

// Close ends both directions and waits for the pumps to exit.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		_ = b.CloseWrite()
		_ = b.CloseRead()
		b.waitGroup.Wait()
	})
	return nil
}

func NewBridge(send multiplex.SendStream, recv multiplex.RecvStream, chunkSize int) *Bridge {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	b := &Bridge{
		send:      send,
		recv:      recv,
		chunkSize: chunkSize,
	}
	b.inReader, b.inWriter = io.Pipe()
	b.outReader, b.outWriter = io.Pipe()
	b.waitGroup.Go(b.outboundPump)
	b.waitGroup.Go(b.inboundPump)
	return b
}
