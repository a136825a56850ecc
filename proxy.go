package chanmux

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/uole/chanmux/internal/queue"
)

// Proxy puts a Channel behind a non-blocking API for polling consumers.
// Send queues a message and returns; ReceiveAll drains what has arrived.
// When the channel ends, the proxy goes quiet: sends are dropped and Err
// reports why.
type Proxy[Rx, Tx any] struct {
	ch         *Channel[Rx, Tx]
	inbound    *queue.Queue[Rx]
	outbound   *queue.Queue[Tx]
	onRecv     func()
	ctx        context.Context
	cancelFunc context.CancelFunc
	waitGroup  conc.WaitGroup
	once       sync.Once
	mutex      sync.Mutex
	err        error
}

func (p *Proxy[Rx, Tx]) terminate(err error) {
	p.once.Do(func() {
		p.mutex.Lock()
		p.err = err
		p.mutex.Unlock()
		p.cancelFunc()
		p.outbound.Close()
		_ = p.ch.Close()
	})
}

func (p *Proxy[Rx, Tx]) recvLoop() {
	for {
		v, err := p.ch.Recv()
		if err != nil {
			p.terminate(err)
			return
		}
		p.inbound.Push(v)
		if p.onRecv != nil {
			p.onRecv()
		}
	}
}

func (p *Proxy[Rx, Tx]) sendLoop() {
	for {
		v, err := p.outbound.Pop(p.ctx)
		if err != nil {
			return
		}
		if err = p.ch.Send(v); err != nil {
			p.terminate(err)
			return
		}
	}
}

// Send queues v. Messages go out in the order Send was called. It reports
// false when the proxy has stopped and v was dropped.
func (p *Proxy[Rx, Tx]) Send(v Tx) bool {
	return p.outbound.Push(v)
}

// ReceiveAll returns every message buffered so far without blocking.
func (p *Proxy[Rx, Tx]) ReceiveAll() []Rx {
	return p.inbound.Drain()
}

// Err is nil while the proxy runs. After the peer closed cleanly it is io.EOF.
func (p *Proxy[Rx, Tx]) Err() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.err
}

// Done is closed once the proxy stopped.
func (p *Proxy[Rx, Tx]) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Close stops both loops and closes the channel. Buffered inbound messages
// stay readable through ReceiveAll.
func (p *Proxy[Rx, Tx]) Close() error {
	p.terminate(ErrChannelClosed)
	p.waitGroup.Wait()
	if err := p.Err(); err != nil && !errors.Is(err, ErrChannelClosed) && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// NewProxy starts the proxy loops. onRecv, if set, runs on the receiving
// goroutine after each message is buffered.
func NewProxy[Rx, Tx any](ch *Channel[Rx, Tx], onRecv func()) *Proxy[Rx, Tx] {
	p := &Proxy[Rx, Tx]{
		ch:       ch,
		inbound:  queue.New[Rx](),
		outbound: queue.New[Tx](),
		onRecv:   onRecv,
	}
	p.ctx, p.cancelFunc = context.WithCancel(context.Background())
	p.waitGroup.Go(p.recvLoop)
	p.waitGroup.Go(p.sendLoop)
	return p
}

// ConnectBiStreamProxy redeems a BiStream token by opening and wraps the channel in a Proxy.
func ConnectBiStreamProxy[Rx, Tx any](ctx context.Context, s *Sequencer, t BiStream[Rx, Tx], onRecv func()) (*Proxy[Rx, Tx], error) {
	ch, err := RedeemBiStream(ctx, s, t)
	if err != nil {
		return nil, err
	}
	return NewProxy(ch, onRecv), nil
}
