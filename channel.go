package chanmux

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/uole/chanmux/pkg/multiplex"
	"github.com/uole/chanmux/pkg/packet"
	"github.com/uole/chanmux/pkg/stream"
)

// Channel carries typed messages over one transport stream. It receives Rx
// values and sends Tx values. Send and Recv may be used from different
// goroutines; concurrent senders are serialized.
type Channel[Rx, Tx any] struct {
	index        uint64
	bridge       *stream.Bridge
	reader       *packet.Reader
	maxFrameSize int
	wmutex       sync.Mutex
	rmutex       sync.Mutex
	closeFlag    int32
}

// Index is the position of the negotiation that produced this channel on the
// local Sequencer. The root channel is 0.
func (ch *Channel[Rx, Tx]) Index() uint64 {
	return ch.index
}

// Send encodes v and writes it as one frame. An encoding failure tears the
// channel down; an oversized message only fails this call.
func (ch *Channel[Rx, Tx]) Send(v Tx) (err error) {
	var buf []byte
	if buf, err = packet.Marshal(v); err != nil {
		_ = ch.Close()
		return
	}
	ch.wmutex.Lock()
	defer ch.wmutex.Unlock()
	return packet.WriteFrame(ch.bridge, buf, ch.maxFrameSize)
}

// Recv blocks for the next message. It returns io.EOF once the peer closed
// its sending side. Malformed frames tear the channel down.
func (ch *Channel[Rx, Tx]) Recv() (v Rx, err error) {
	var frame []byte
	ch.rmutex.Lock()
	defer ch.rmutex.Unlock()
	if frame, err = ch.reader.ReadFrame(); err != nil {
		if errors.Is(err, packet.ErrFrameTooLarge) {
			_ = ch.Close()
		}
		return
	}
	if err = packet.Unmarshal(frame, &v); err != nil {
		_ = ch.Close()
		err = fmt.Errorf("channel %d: %w", ch.index, err)
	}
	return
}

// CloseSend flushes pending writes and signals end of stream to the peer.
// Receiving keeps working unless the transport lacks half-close (kcp).
func (ch *Channel[Rx, Tx]) CloseSend() error {
	return ch.bridge.CloseWrite()
}

// Close releases the stream and waits for its pumps to exit.
func (ch *Channel[Rx, Tx]) Close() error {
	if !atomic.CompareAndSwapInt32(&ch.closeFlag, 0, 1) {
		return nil
	}
	return ch.bridge.Close()
}

func newChannel[Rx, Tx any](index uint64, send multiplex.SendStream, recv multiplex.RecvStream, opts *Options) *Channel[Rx, Tx] {
	b := stream.NewBridge(send, recv, opts.ChunkSize)
	return &Channel[Rx, Tx]{
		index:        index,
		bridge:       b,
		reader:       packet.NewReader(b, opts.MaxFrameSize),
		maxFrameSize: opts.MaxFrameSize,
	}
}
