package mem

import (
	"context"
	"errors"
	"net"

	"github.com/uole/chanmux/internal/queue"
	"github.com/uole/chanmux/pkg/multiplex"
)

// Listener hands out the server ends of sessions created by Dial.
type Listener struct {
	addr     Addr
	sessions *queue.Queue[*Session]
}

func (l *Listener) Accept(ctx context.Context) (multiplex.Session, error) {
	sess, err := l.sessions.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	return sess, nil
}

// Dial connects a new session to the listener.
func (l *Listener) Dial(ctx context.Context) (multiplex.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := Pair()
	client.remote, server.local = l.addr, l.addr
	if !l.sessions.Push(server) {
		return nil, net.ErrClosed
	}
	return client, nil
}

func (l *Listener) Addr() net.Addr {
	return l.addr
}

func (l *Listener) Close() (err error) {
	l.sessions.Close()
	for _, sess := range l.sessions.Drain() {
		_ = sess.Close()
	}
	return
}

func Listen(addr string) *Listener {
	return &Listener{
		addr:     Addr(addr),
		sessions: queue.New[*Session](),
	}
}
