package multiplex

import (
	"context"
	"errors"
	"net"
)

var (
	ErrSessionClosed       = errors.New("session closed")
	ErrStreamClosed        = errors.New("stream closed")
	ErrDatagramUnsupported = errors.New("datagrams not supported by transport")
	ErrDatagramTooLarge    = errors.New("datagram too large")
)

type (
	Listener interface {
		Accept(ctx context.Context) (Session, error)
		Addr() net.Addr
		Close() (err error)
	}

	// Session is one multiplexed connection. The Nth OpenStream on one end
	// pairs with the Nth AcceptStream on the other.
	Session interface {
		Addr() net.Addr
		OpenStream(ctx context.Context) (SendStream, RecvStream, error)
		AcceptStream(ctx context.Context) (SendStream, RecvStream, error)
		SendDatagram(b []byte) error
		ReceiveDatagram(ctx context.Context) ([]byte, error)
		Close() error
	}

	SendStream interface {
		Write(b []byte) error
		// Close ends the write direction; the peer reads io.EOF. Transports
		// without half-close (kcp) close the whole stream, which also ends the
		// local receive half.
		Close() error
	}

	RecvStream interface {
		// Read returns up to maxLen bytes, or io.EOF once the peer closed its write direction.
		Read(maxLen int) ([]byte, error)
		// Close stops reading and unblocks a pending Read.
		Close() error
	}
)
