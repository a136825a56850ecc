package chanmux

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/uole/chanmux/pkg/multiplex"
	"github.com/uole/chanmux/pkg/multiplex/mem"
	"github.com/uole/chanmux/pkg/packet"
	"gotest.tools/v3/assert"
)

func rawStreams(t *testing.T) (multiplex.SendStream, multiplex.RecvStream, multiplex.SendStream, multiplex.RecvStream) {
	t.Helper()
	a, b := mem.Pair()
	t.Cleanup(func() {
		_ = a.Close()
	})
	send, recv, err := a.OpenStream(context.Background())
	assert.NilError(t, err)
	psend, precv, err := b.AcceptStream(context.Background())
	assert.NilError(t, err)
	return send, recv, psend, precv
}

func TestChannelMalformedFrameTearsDown(t *testing.T) {
	send, recv, psend, _ := rawStreams(t)
	ch := newChannel[uint32, uint32](3, send, recv, newOptions())

	assert.NilError(t, psend.Write(packet.AppendFrame(nil, []byte{1, 2})))
	_, err := ch.Recv()
	assert.Assert(t, errors.Is(err, packet.ErrDecode), "got %v", err)
	assert.ErrorContains(t, err, "channel 3")

	_, err = ch.Recv()
	assert.Assert(t, err != nil)
	assert.Assert(t, ch.Send(1) != nil)
}

func TestChannelOversizedSend(t *testing.T) {
	send, recv, psend, precv := rawStreams(t)
	opts := newOptions(WithMaxFrameSize(16))
	ch := newChannel[string, string](0, send, recv, opts)
	peer := newChannel[string, string](0, psend, precv, opts)
	defer ch.Close()
	defer peer.Close()

	err := ch.Send(strings.Repeat("x", 64))
	assert.Assert(t, errors.Is(err, packet.ErrFrameTooLarge), "got %v", err)
	assert.NilError(t, ch.Send("ok"))
	got, err := peer.Recv()
	assert.NilError(t, err)
	assert.Equal(t, got, "ok")
}

func TestChannelOversizedFrameTearsDown(t *testing.T) {
	send, recv, psend, _ := rawStreams(t)
	ch := newChannel[string, string](0, send, recv, newOptions(WithMaxFrameSize(16)))

	var header [packet.HeaderLength]byte
	binary.BigEndian.PutUint32(header[:], 1000)
	assert.NilError(t, psend.Write(header[:]))
	_, err := ch.Recv()
	assert.Assert(t, errors.Is(err, packet.ErrFrameTooLarge), "got %v", err)
	_, err = ch.Recv()
	assert.Assert(t, err != nil)
}

func TestChannelCloseSend(t *testing.T) {
	send, recv, psend, precv := rawStreams(t)
	opts := newOptions(WithChunkSize(3))
	ch := newChannel[string, string](0, send, recv, opts)
	peer := newChannel[string, string](0, psend, precv, opts)
	defer ch.Close()
	defer peer.Close()

	assert.NilError(t, ch.Send("last words"))
	assert.NilError(t, ch.CloseSend())
	got, err := peer.Recv()
	assert.NilError(t, err)
	assert.Equal(t, got, "last words")
	_, err = peer.Recv()
	assert.Equal(t, err, io.EOF)

	assert.NilError(t, peer.Send("still listening"))
	got, err = ch.Recv()
	assert.NilError(t, err)
	assert.Equal(t, got, "still listening")
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	send, recv, _, _ := rawStreams(t)
	ch := newChannel[string, string](0, send, recv, newOptions())
	assert.NilError(t, ch.Close())
	assert.NilError(t, ch.Close())
}
