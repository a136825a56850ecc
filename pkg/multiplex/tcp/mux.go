package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/sourcegraph/conc"
	"github.com/uole/chanmux/internal/queue"
	"github.com/uole/chanmux/pkg/multiplex"
	"github.com/uole/chanmux/pkg/stream"
)

type (
	Listener struct {
		l    net.Listener
		opts *Options
	}

	// Session runs yamux over a connection. A single loop queues incoming
	// streams so AcceptStream can honour ctx.
	Session struct {
		conn      net.Conn
		sess      *yamux.Session
		streams   *queue.Queue[*yamux.Stream]
		waitGroup conc.WaitGroup
	}

	// halfStream makes yamux's half-close visible to multiplex.Split.
	halfStream struct {
		*yamux.Stream
	}
)

func (s halfStream) CloseWrite() error {
	return s.Stream.Close()
}

// CloseRead wakes a blocked Read; yamux Close alone only ends the write side.
func (s halfStream) CloseRead() error {
	return s.Stream.SetReadDeadline(time.Now())
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

func wrapErr(err error) error {
	if errors.Is(err, yamux.ErrSessionShutdown) {
		return multiplex.ErrSessionClosed
	}
	return err
}

func (sess *Session) OpenStream(ctx context.Context) (multiplex.SendStream, multiplex.RecvStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	str, err := sess.sess.OpenStream()
	if err != nil {
		return nil, nil, wrapErr(err)
	}
	send, recv := multiplex.Split(halfStream{str})
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
	send, recv := multiplex.Split(halfStream{str})
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

// NewSession runs yamux over an established connection. Exactly one end must be the client.
func NewSession(conn net.Conn, client bool, cbs ...Option) (*Session, error) {
	var (
		err error
		rwc io.ReadWriteCloser
		mux *yamux.Session
	)
	opts := &Options{}
	for _, cb := range cbs {
		cb(opts)
	}
	rwc = conn
	if opts.Key != nil || opts.Compress {
		var sopts []stream.Option
		if opts.Key != nil {
			sopts = append(sopts, stream.WithEncrypt(opts.Key))
		}
		if opts.Compress {
			sopts = append(sopts, stream.WithCompress())
		}
		rwc = stream.New(conn, sopts...)
	}
	cfg := yamux.DefaultConfig()
	cfg.MaxStreamWindowSize = 512 * 1024
	cfg.LogOutput = io.Discard
	if client {
		mux, err = yamux.Client(rwc, cfg)
	} else {
		mux, err = yamux.Server(rwc, cfg)
	}
	if err != nil {
		return nil, err
	}
	sess := &Session{
		conn:    conn,
		sess:    mux,
		streams: queue.New[*yamux.Stream](),
	}
	sess.waitGroup.Go(sess.acceptLoop)
	return sess, nil
}

func (l *Listener) Accept(ctx context.Context) (multiplex.Session, error) {
	if conn, err := l.l.Accept(); err != nil {
		return nil, err
	} else {
		return NewSession(conn, false, func(o *Options) {
			*o = *l.opts
		})
	}
}

func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *Listener) Close() (err error) {
	return l.l.Close()
}
