package quic

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/uole/chanmux/pkg/multiplex"
)

const (
	// streamPreamble is written by the opener so the acceptor sees the stream
	// before any application data is sent.
	streamPreamble = 0xCA

	errorCodeClose  = 1000
	errorCodeCancel = 1001
	datagramBacklog = 128
)

type (
	Listener struct {
		l *quic.Listener
	}

	Session struct {
		conn      quic.Connection
		once      sync.Once
		datagrams chan []byte
	}

	sendStream struct {
		str quic.Stream
	}

	recvStream struct {
		str quic.Stream
	}
)

func (s *sendStream) Write(b []byte) (err error) {
	_, err = s.str.Write(b)
	return
}

func (s *sendStream) Close() error {
	return s.str.Close()
}

func (s *recvStream) Read(maxLen int) ([]byte, error) {
	buf := make([]byte, maxLen)
	for {
		n, err := s.str.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *recvStream) Close() error {
	s.str.CancelRead(errorCodeCancel)
	return nil
}

func (sess *Session) receiveLoop() {
	defer close(sess.datagrams)
	for {
		buf, err := sess.conn.ReceiveMessage(context.Background())
		if err != nil {
			return
		}
		select {
		case sess.datagrams <- buf:
		default:
		}
	}
}

func (sess *Session) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	sess.once.Do(func() {
		go sess.receiveLoop()
	})
	select {
	case buf, ok := <-sess.datagrams:
		if !ok {
			return nil, multiplex.ErrSessionClosed
		}
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (sess *Session) SendDatagram(b []byte) error {
	if err := sess.conn.SendMessage(b); err != nil {
		return fmt.Errorf("quic datagram: %w", err)
	}
	return nil
}

func (sess *Session) Addr() net.Addr {
	return sess.conn.RemoteAddr()
}

func (sess *Session) OpenStream(ctx context.Context) (multiplex.SendStream, multiplex.RecvStream, error) {
	str, err := sess.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err = str.Write([]byte{streamPreamble}); err != nil {
		str.CancelWrite(errorCodeCancel)
		return nil, nil, err
	}
	return &sendStream{str: str}, &recvStream{str: str}, nil
}

func (sess *Session) AcceptStream(ctx context.Context) (multiplex.SendStream, multiplex.RecvStream, error) {
	var (
		err error
		str quic.Stream
	)
	if str, err = sess.conn.AcceptStream(ctx); err != nil {
		return nil, nil, err
	}
	head := make([]byte, 1)
	if _, err = io.ReadFull(str, head); err != nil {
		return nil, nil, err
	}
	if head[0] != streamPreamble {
		str.CancelRead(errorCodeCancel)
		str.CancelWrite(errorCodeCancel)
		return nil, nil, fmt.Errorf("invalid stream preamble 0x%02X", head[0])
	}
	return &sendStream{str: str}, &recvStream{str: str}, nil
}

func (sess *Session) Close() error {
	return sess.conn.CloseWithError(errorCodeClose, io.ErrClosedPipe.Error())
}

func (mux *Listener) Accept(ctx context.Context) (multiplex.Session, error) {
	if conn, err := mux.l.Accept(ctx); err == nil {
		return newSession(conn), nil
	} else {
		return nil, err
	}
}

func (mux *Listener) Addr() net.Addr {
	return mux.l.Addr()
}

func (mux *Listener) Close() error {
	return mux.l.Close()
}

func newSession(conn quic.Connection) *Session {
	return &Session{
		conn:      conn,
		datagrams: make(chan []byte, datagramBacklog),
	}
}
