package chanmux

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uole/chanmux/pkg/multiplex"
	"github.com/uole/chanmux/pkg/multiplex/mem"
	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"
)

var errLinkDown = errors.New("link down")

// watchedSession records how many open/accept calls overlap and can be told to
// fail them.
type watchedSession struct {
	multiplex.Session
	delay  time.Duration
	fail   int32
	active int32
	peak   int32
	calls  int32
}

func (w *watchedSession) enter() func() {
	n := atomic.AddInt32(&w.active, 1)
	atomic.AddInt32(&w.calls, 1)
	for {
		peak := atomic.LoadInt32(&w.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&w.peak, peak, n) {
			break
		}
	}
	return func() {
		atomic.AddInt32(&w.active, -1)
	}
}

func (w *watchedSession) OpenStream(ctx context.Context) (multiplex.SendStream, multiplex.RecvStream, error) {
	defer w.enter()()
	if atomic.LoadInt32(&w.fail) == 1 {
		return nil, nil, errLinkDown
	}
	send, recv, err := w.Session.OpenStream(ctx)
	time.Sleep(w.delay)
	return send, recv, err
}

func (w *watchedSession) AcceptStream(ctx context.Context) (multiplex.SendStream, multiplex.RecvStream, error) {
	defer w.enter()()
	if atomic.LoadInt32(&w.fail) == 1 {
		return nil, nil, errLinkDown
	}
	send, recv, err := w.Session.AcceptStream(ctx)
	time.Sleep(w.delay)
	return send, recv, err
}

type endpoint[Rx, Tx any] struct {
	seq  *Sequencer
	root *Channel[Rx, Tx]
}

// connect builds a client and a server Sequencer over the given sessions.
// The client receives C and sends S on the root channel.
func connect[C, S any](t *testing.T, client, server multiplex.Session) (*endpoint[C, S], *endpoint[S, C]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var (
		c endpoint[C, S]
		s endpoint[S, C]
		g errgroup.Group
	)
	g.Go(func() (err error) {
		c.seq, c.root, err = NewClientSequencer[C, S](ctx, client)
		return
	})
	g.Go(func() (err error) {
		s.seq, s.root, err = NewServerSequencer[S, C](ctx, server)
		return
	})
	assert.NilError(t, g.Wait())
	t.Cleanup(func() {
		_ = c.seq.Close()
		_ = s.seq.Close()
	})
	return &c, &s
}

func newPair[C, S any](t *testing.T) (*endpoint[C, S], *endpoint[S, C]) {
	a, b := mem.Pair()
	return connect[C, S](t, a, b)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
