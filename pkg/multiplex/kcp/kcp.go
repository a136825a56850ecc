package kcp

import (
	"context"

	"github.com/uole/chanmux/pkg/multiplex"
	kcp "github.com/xtaci/kcp-go"
)

const (
	dataShards   = 10
	parityShards = 3
)

type (
	Option func(o *Options)

	Options struct {
		Key []byte
	}
)

func WithKey(key []byte) Option {
	return func(o *Options) {
		o.Key = key
	}
}

func blockCrypt(key []byte) (kcp.BlockCrypt, error) {
	if len(key) == 0 {
		return nil, nil
	}
	return kcp.NewSimpleXORBlockCrypt(key)
}

func Listen(addr string, cbs ...Option) (multiplex.Listener, error) {
	var (
		err    error
		listen *kcp.Listener
		block  kcp.BlockCrypt
	)
	opts := &Options{}
	for _, cb := range cbs {
		cb(opts)
	}
	if block, err = blockCrypt(opts.Key); err != nil {
		return nil, err
	}
	if listen, err = kcp.ListenWithOptions(addr, block, dataShards, parityShards); err != nil {
		return nil, err
	} else {
		return &Listener{l: listen}, nil
	}
}

func Dial(ctx context.Context, addr string, cbs ...Option) (multiplex.Session, error) {
	var (
		err   error
		conn  *kcp.UDPSession
		block kcp.BlockCrypt
	)
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	opts := &Options{}
	for _, cb := range cbs {
		cb(opts)
	}
	if block, err = blockCrypt(opts.Key); err != nil {
		return nil, err
	}
	if conn, err = kcp.DialWithOptions(addr, block, dataShards, parityShards); err != nil {
		return nil, err
	}
	sess, err := NewSession(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}
