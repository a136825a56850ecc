package kcp

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/uole/chanmux/pkg/multiplex"
	"gotest.tools/v3/assert"
)

func readN(t *testing.T, recv multiplex.RecvStream, n int) string {
	t.Helper()
	var out []byte
	for len(out) < n {
		p, err := recv.Read(n - len(out))
		assert.NilError(t, err)
		out = append(out, p...)
	}
	return string(out)
}

func TestSessionStreams(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback transport test in short mode")
	}
	for _, key := range [][]byte{nil, []byte("0123456789abcdef0123456789abcdef")} {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		l, err := Listen("127.0.0.1:0", WithKey(key))
		assert.NilError(t, err)

		client, err := Dial(ctx, l.Addr().String(), WithKey(key))
		assert.NilError(t, err)
		send, recv, err := client.OpenStream(ctx)
		assert.NilError(t, err)
		assert.NilError(t, send.Write([]byte("hello kcp")))

		server, err := l.Accept(ctx)
		assert.NilError(t, err)
		psend, precv, err := server.AcceptStream(ctx)
		assert.NilError(t, err)
		assert.Equal(t, readN(t, precv, 9), "hello kcp")
		assert.NilError(t, psend.Write([]byte("back")))
		assert.Equal(t, readN(t, recv, 4), "back")

		assert.NilError(t, client.Close())
		assert.NilError(t, server.Close())
		assert.NilError(t, l.Close())
		cancel()
	}
}

func TestAcceptAfterClose(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback transport test in short mode")
	}
	l, err := Listen("127.0.0.1:0")
	assert.NilError(t, err)
	defer l.Close()
	client, err := Dial(context.Background(), l.Addr().String())
	assert.NilError(t, err)
	assert.NilError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = client.AcceptStream(ctx)
	assert.Assert(t, errors.Is(err, multiplex.ErrSessionClosed), "got %v", err)
	assert.Assert(t, errors.Is(client.SendDatagram(nil), multiplex.ErrDatagramUnsupported))
}

func pipeSessions(t *testing.T) (*Session, *Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	client, err := NewSession(c1, true)
	assert.NilError(t, err)
	server, err := NewSession(c2, false)
	assert.NilError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestSendCloseEndsPeerStream(t *testing.T) {
	client, server := pipeSessions(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	send, _, err := client.OpenStream(ctx)
	assert.NilError(t, err)
	assert.NilError(t, send.Write([]byte("hi")))
	assert.NilError(t, send.Close())

	_, precv, err := server.AcceptStream(ctx)
	assert.NilError(t, err)
	assert.Equal(t, readN(t, precv, 2), "hi")

	eof := make(chan error, 1)
	go func() {
		_, err := precv.Read(16)
		eof <- err
	}()
	select {
	case err = <-eof:
		assert.Assert(t, errors.Is(err, io.EOF), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not see end of stream")
	}
}

func TestRecvCloseUnblocksRead(t *testing.T) {
	client, server := pipeSessions(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	send, recv, err := client.OpenStream(ctx)
	assert.NilError(t, err)
	assert.NilError(t, send.Write([]byte("x")))
	_, _, err = server.AcceptStream(ctx)
	assert.NilError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := recv.Read(16)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	assert.NilError(t, recv.Close())
	select {
	case err = <-done:
		assert.Assert(t, err != nil)
	case <-time.After(5 * time.Second):
		t.Fatal("Read still blocked after Close")
	}
}
