package mem

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/uole/chanmux/pkg/multiplex"
	"gotest.tools/v3/assert"
)

func TestStreamsPairInCallOrder(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	ctx := context.Background()
	for i := byte(0); i < 5; i++ {
		send, _, err := a.OpenStream(ctx)
		assert.NilError(t, err)
		assert.NilError(t, send.Write([]byte{i}))
	}
	for i := byte(0); i < 5; i++ {
		_, recv, err := b.AcceptStream(ctx)
		assert.NilError(t, err)
		p, err := recv.Read(16)
		assert.NilError(t, err)
		assert.DeepEqual(t, p, []byte{i})
	}
	assert.Equal(t, a.Opened(), int64(5))
}

func TestStreamReadChunksAndEOF(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	send, _, err := a.OpenStream(context.Background())
	assert.NilError(t, err)
	_, recv, err := b.AcceptStream(context.Background())
	assert.NilError(t, err)

	assert.NilError(t, send.Write([]byte("abcdef")))
	assert.NilError(t, send.Close())

	p, err := recv.Read(4)
	assert.NilError(t, err)
	assert.Equal(t, string(p), "abcd")
	p, err = recv.Read(4)
	assert.NilError(t, err)
	assert.Equal(t, string(p), "ef")
	_, err = recv.Read(4)
	assert.Equal(t, err, io.EOF)
}

func TestRecvCloseFailsPeerWrite(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	send, _, _ := a.OpenStream(context.Background())
	_, recv, _ := b.AcceptStream(context.Background())
	assert.NilError(t, recv.Close())
	assert.Assert(t, errors.Is(send.Write([]byte("x")), multiplex.ErrStreamClosed))
}

func TestSessionCloseResetsEverything(t *testing.T) {
	a, b := Pair()
	_, recv, err := a.OpenStream(context.Background())
	assert.NilError(t, err)

	errChan := make(chan error, 1)
	go func() {
		_, err := recv.Read(16)
		errChan <- err
	}()
	time.Sleep(10 * time.Millisecond)
	assert.NilError(t, b.Close())

	assert.Assert(t, errors.Is(<-errChan, multiplex.ErrSessionClosed))
	_, _, err = a.OpenStream(context.Background())
	assert.Assert(t, errors.Is(err, multiplex.ErrSessionClosed))
	// the stream opened above was still queued, but the session is gone
	_, _, err = b.AcceptStream(context.Background())
	assert.Assert(t, errors.Is(err, multiplex.ErrSessionClosed))
}

func TestAcceptHonoursContext(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := b.AcceptStream(ctx)
	assert.Assert(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDatagrams(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	assert.NilError(t, a.SendDatagram([]byte("ping")))
	p, err := b.ReceiveDatagram(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, string(p), "ping")

	err = a.SendDatagram(make([]byte, MaxDatagramSize+1))
	assert.Assert(t, errors.Is(err, multiplex.ErrDatagramTooLarge))

	for i := 0; i < datagramBacklog*2; i++ {
		assert.NilError(t, a.SendDatagram([]byte{1}))
	}
	assert.Equal(t, len(b.datagrams), datagramBacklog)
}

func TestListener(t *testing.T) {
	l := Listen("test")
	ctx := context.Background()
	client, err := l.Dial(ctx)
	assert.NilError(t, err)
	server, err := l.Accept(ctx)
	assert.NilError(t, err)
	assert.Equal(t, client.Addr().String(), "test")

	send, _, err := client.OpenStream(ctx)
	assert.NilError(t, err)
	assert.NilError(t, send.Write([]byte("hi")))
	_, recv, err := server.AcceptStream(ctx)
	assert.NilError(t, err)
	p, err := recv.Read(8)
	assert.NilError(t, err)
	assert.Equal(t, string(p), "hi")

	assert.NilError(t, l.Close())
	_, err = l.Dial(ctx)
	assert.Assert(t, err != nil)
}
