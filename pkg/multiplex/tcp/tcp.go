package tcp

import (
	"context"
	"net"

	"github.com/uole/chanmux/pkg/multiplex"
)

type (
	Option func(o *Options)

	Options struct {
		Key      []byte
		Compress bool
	}
)

func WithKey(key []byte) Option {
	return func(o *Options) {
		o.Key = key
	}
}

func WithCompress(compress bool) Option {
	return func(o *Options) {
		o.Compress = compress
	}
}

func Listen(addr string, cbs ...Option) (multiplex.Listener, error) {
	var (
		err    error
		listen net.Listener
	)
	opts := &Options{}
	for _, cb := range cbs {
		cb(opts)
	}
	if listen, err = net.Listen("tcp", addr); err != nil {
		return nil, err
	} else {
		return &Listener{l: listen, opts: opts}, nil
	}
}

func Dial(ctx context.Context, addr string, cbs ...Option) (multiplex.Session, error) {
	var (
		err    error
		conn   net.Conn
		dialer net.Dialer
	)
	if conn, err = dialer.DialContext(ctx, "tcp", addr); err != nil {
		return nil, err
	}
	sess, err := NewSession(conn, true, cbs...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}
