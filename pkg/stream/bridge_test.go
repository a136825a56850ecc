package stream

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/uole/chanmux/pkg/multiplex"
	"gotest.tools/v3/assert"
)

type fakeSend struct {
	mutex  sync.Mutex
	chunks [][]byte
	fail   error
	closed bool
}

func (s *fakeSend) Write(b []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.chunks = append(s.chunks, append([]byte(nil), b...))
	return nil
}

func (s *fakeSend) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSend) snapshot() ([][]byte, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.chunks, s.closed
}

type fakeRecv struct {
	feed      chan []byte
	end       chan error
	closeOnce sync.Once
	closeChan chan struct{}
}

func newFakeRecv() *fakeRecv {
	return &fakeRecv{
		feed:      make(chan []byte, 16),
		end:       make(chan error, 1),
		closeChan: make(chan struct{}),
	}
}

func (r *fakeRecv) Read(maxLen int) ([]byte, error) {
	select {
	case p := <-r.feed:
		if len(p) > maxLen {
			panic("read exceeds maxLen")
		}
		return p, nil
	case err := <-r.end:
		return nil, err
	case <-r.closeChan:
		return nil, multiplex.ErrStreamClosed
	}
}

func (r *fakeRecv) Close() error {
	r.closeOnce.Do(func() {
		close(r.closeChan)
	})
	return nil
}

func TestBridgeOutboundChunks(t *testing.T) {
	send, recv := &fakeSend{}, newFakeRecv()
	b := NewBridge(send, recv, 0)

	payload := bytes.Repeat([]byte{0xAB}, DefaultChunkSize*2+100)
	n, err := b.Write(payload)
	assert.NilError(t, err)
	assert.Equal(t, n, len(payload))
	assert.NilError(t, b.Close())

	chunks, closed := send.snapshot()
	assert.Assert(t, closed)
	var joined []byte
	for _, c := range chunks {
		assert.Assert(t, len(c) <= DefaultChunkSize)
		joined = append(joined, c...)
	}
	assert.DeepEqual(t, joined, payload)
}

func TestBridgeInboundCleanEnd(t *testing.T) {
	send, recv := &fakeSend{}, newFakeRecv()
	b := NewBridge(send, recv, 8)
	defer b.Close()

	recv.feed <- []byte("hello ")
	recv.feed <- []byte("world")
	recv.end <- io.EOF

	data, err := io.ReadAll(b)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "hello world")
}

func TestBridgeInboundError(t *testing.T) {
	send, recv := &fakeSend{}, newFakeRecv()
	b := NewBridge(send, recv, 0)
	defer b.Close()

	boom := errors.New("connection reset")
	recv.end <- boom
	_, err := b.Read(make([]byte, 8))
	assert.Assert(t, errors.Is(err, boom))
}

func TestBridgeWriteFailureSurfacesOnNextWrite(t *testing.T) {
	boom := errors.New("write failed")
	send, recv := &fakeSend{fail: boom}, newFakeRecv()
	b := NewBridge(send, recv, 0)
	defer b.Close()

	_, _ = b.Write([]byte("first"))
	_, err := b.Write([]byte("second"))
	assert.Assert(t, errors.Is(err, boom))
	_, closed := send.snapshot()
	assert.Assert(t, closed)
}

func TestBridgeCloseStopsInboundPump(t *testing.T) {
	send, recv := &fakeSend{}, newFakeRecv()
	b := NewBridge(send, recv, 0)
	assert.NilError(t, b.Close())

	select {
	case <-recv.closeChan:
	default:
		t.Fatal("receive half left open")
	}
	_, err := b.Read(make([]byte, 1))
	assert.Assert(t, errors.Is(err, io.ErrClosedPipe))
	_, err = b.Write([]byte("x"))
	assert.Assert(t, errors.Is(err, io.ErrClosedPipe))
}
