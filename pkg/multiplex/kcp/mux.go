package kcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/uole/chanmux/internal/queue"
	"github.com/uole/chanmux/pkg/multiplex"
	kcp "github.com/xtaci/kcp-go"
	"github.com/xtaci/smux"
)

type (
	Listener struct {
		l *kcp.Listener
	}

	// Session runs smux over a kcp connection. smux has no context-aware
	// accept, so a single loop queues incoming streams instead.
	Session struct {
		conn      net.Conn
		sess      *smux.Session
		streams   *queue.Queue[*smux.Stream]
		waitGroup conc.WaitGroup
	}

	// fullStream adapts an smux stream to multiplex.Split. smux has no
	// half-close, so ending the write side closes the whole stream.
	fullStream struct {
		*smux.Stream
		once sync.Once
		err  error
	}
)

func (s *fullStream) Close() error {
	s.once.Do(func() {
		s.err = s.Stream.Close()
	})
	return s.err
}

func (s *fullStream) CloseWrite() error {
	return s.Close()
}

func (s *fullStream) CloseRead() error {
	return s.Stream.SetReadDeadline(time.Now())
}

func split(str *smux.Stream) (multiplex.SendStream, multiplex.RecvStream) {
	return multiplex.Split(&fullStream{Stream: str})
}

func (sess *Session) acceptLoop() {
	defer sess.streams.Close()
	for {
		str, err := sess.sess.AcceptStream()
		if err != nil {
			return
		}
		if !sess.streams.Push(str) {
			_ = str.Close()
			return
		}
	}
}

func (sess *Session) OpenStream(ctx context.Context) (multiplex.SendStream, multiplex.RecvStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	str, err := sess.sess.OpenStream()
	if err != nil {
		if sess.sess.IsClosed() {
			return nil, nil, multiplex.ErrSessionClosed
		}
		return nil, nil, err
	}
	send, recv := split(str)
	return send, recv, nil
}

func (sess *Session) AcceptStream(ctx context.Context) (multiplex.SendStream, multiplex.RecvStream, error) {
	str, err := sess.streams.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil, nil, multiplex.ErrSessionClosed
		}
		return nil, nil, err
	}
	send, recv := split(str)
	return send, recv, nil
}

func (sess *Session) SendDatagram(b []byte) error {
	return multiplex.ErrDatagramUnsupported
}

func (sess *Session) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return nil, multiplex.ErrDatagramUnsupported
}

func (sess *Session) Addr() net.Addr {
	return sess.conn.RemoteAddr()
}

func (sess *Session) Close() (err error) {
	err = sess.sess.Close()
	sess.streams.Close()
	sess.waitGroup.Wait()
	for _, str := range sess.streams.Drain() {
		_ = str.Close()
	}
	return
}

// NewSession runs smux over an established connection. Exactly one end must be the client.
func NewSession(conn net.Conn, client bool) (*Session, error) {
	var (
		err error
		mux *smux.Session
	)
	cfg := smux.DefaultConfig()
	if client {
		mux, err = smux.Client(conn, cfg)
	} else {
		mux, err = smux.Server(conn, cfg)
	}
	if err != nil {
		return nil, err
	}
	sess := &Session{
		conn:    conn,
		sess:    mux,
		streams: queue.New[*smux.Stream](),
	}
	sess.waitGroup.Go(sess.acceptLoop)
	return sess, nil
}

func (l *Listener) Accept(ctx context.Context) (multiplex.Session, error) {
	if conn, err := l.l.Accept(); err != nil {
		return nil, err
	} else {
		return NewSession(conn, false)
	}
}

func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *Listener) Close() (err error) {
	return l.l.Close()
}
