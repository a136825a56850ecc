package chanmux

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/uole/chanmux/pkg/multiplex"
	"github.com/uole/chanmux/pkg/multiplex/kcp"
	"github.com/uole/chanmux/pkg/multiplex/quic"
	"github.com/uole/chanmux/pkg/multiplex/tcp"
	"go.uber.org/zap"
)

const (
	ProtoQUIC = "quic"
	ProtoKCP  = "kcp"
	ProtoTCP  = "tcp"

	defaultAttempts   = 3
	defaultRetryDelay = time.Second
)

func quicOptions(info *ConnectionInfo, server bool) (opts []quic.Option, err error) {
	var tlsConf *tls.Config
	if info.IdleTimeout > 0 {
		opts = append(opts, quic.WithIdleTimeout(info.IdleTimeout))
	}
	if server && info.CertFile != "" {
		if tlsConf, err = quic.LoadConfig(info.CertFile, info.KeyFile); err != nil {
			return
		}
		opts = append(opts, quic.WithTLSConfig(tlsConf))
	}
	return
}

func dial(ctx context.Context, info *ConnectionInfo) (conn multiplex.Session, err error) {
	switch info.Proto {
	case ProtoQUIC:
		var opts []quic.Option
		if opts, err = quicOptions(info, false); err != nil {
			return
		}
		conn, err = quic.Dial(ctx, info.Address, opts...)
	case ProtoKCP:
		conn, err = kcp.Dial(ctx, info.Address, kcp.WithKey(info.SecretKey))
	case ProtoTCP, "":
		conn, err = tcp.Dial(ctx, info.Address, tcp.WithKey(info.SecretKey), tcp.WithCompress(info.Compress))
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownProto, info.Proto)
	}
	return
}

// Dial establishes a transport session, retrying failed attempts.
func Dial(ctx context.Context, info *ConnectionInfo) (sess *Session, err error) {
	var conn multiplex.Session
	attempts := info.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}
	delay := info.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	err = retry.Do(
		func() (err error) {
			conn, err = dial(ctx, info)
			return
		},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errorIsUnknownProto(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			Logger().Debug("dial retry", zap.String("address", info.Address), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	sess = NewSession(conn, protoName(info.Proto))
	sess.Address = info.Address
	return sess, nil
}

// Listen opens a transport listener for info.Proto.
func Listen(info *ConnectionInfo) (multiplex.Listener, error) {
	switch info.Proto {
	case ProtoQUIC:
		opts, err := quicOptions(info, true)
		if err != nil {
			return nil, err
		}
		return quic.Listen(info.Address, opts...)
	case ProtoKCP:
		return kcp.Listen(info.Address, kcp.WithKey(info.SecretKey))
	case ProtoTCP, "":
		return tcp.Listen(info.Address, tcp.WithKey(info.SecretKey), tcp.WithCompress(info.Compress))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProto, info.Proto)
	}
}

func protoName(proto string) string {
	if proto == "" {
		return ProtoTCP
	}
	return proto
}

func errorIsUnknownProto(err error) bool {
	return errors.Is(err, ErrUnknownProto)
}
