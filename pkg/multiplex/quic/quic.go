package quic

import (
	"context"
	"crypto/tls"
	"os"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/uole/chanmux/pkg/multiplex"
)

const (
	// DefaultIdleTimeout keeps long-lived sessions up across quiet periods.
	DefaultIdleTimeout = time.Hour * 24 * 10
)

type (
	Option func(o *Options)

	Options struct {
		TLSConfig *tls.Config
		Config    *quic.Config
	}
)

func init() {
	os.Setenv("QUIC_GO_DISABLE_RECEIVE_BUFFER_WARNING", "true")
	os.Setenv("QUIC_GO_LOG_LEVEL", "error")
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = cfg
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Config.MaxIdleTimeout = d
		}
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(o *Options) {
		o.Config.KeepAlivePeriod = d
	}
}

func newOptions(cbs ...Option) *Options {
	opts := &Options{
		Config: &quic.Config{
			MaxIdleTimeout:        DefaultIdleTimeout,
			EnableDatagrams:       true,
			MaxIncomingStreams:    1024,
			MaxIncomingUniStreams: -1,
		},
	}
	for _, cb := range cbs {
		cb(opts)
	}
	return opts
}

func Dial(ctx context.Context, addr string, cbs ...Option) (multiplex.Session, error) {
	var (
		err  error
		conn quic.Connection
	)
	opts := newOptions(cbs...)
	tlsConf := opts.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{NextProto},
		}
	}
	if conn, err = quic.DialAddr(ctx, addr, tlsConf, opts.Config); err != nil {
		return nil, err
	} else {
		return newSession(conn), nil
	}
}

func Listen(addr string, cbs ...Option) (multiplex.Listener, error) {
	var (
		err    error
		listen *quic.Listener
	)
	opts := newOptions(cbs...)
	tlsConf := opts.TLSConfig
	if tlsConf == nil {
		if tlsConf, err = SelfSignedConfig(); err != nil {
			return nil, err
		}
	}
	if listen, err = quic.ListenAddr(addr, tlsConf, opts.Config); err != nil {
		return nil, err
	}
	return &Listener{l: listen}, nil
}
