package chanmux

import (
	"github.com/uole/chanmux/pkg/packet"
	"github.com/uole/chanmux/pkg/stream"
	"go.uber.org/zap"
)

type (
	Option func(o *Options)

	Options struct {
		MaxFrameSize int
		ChunkSize    int
		Logger       *zap.Logger
	}
)

func WithMaxFrameSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxFrameSize = n
		}
	}
}

func WithChunkSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ChunkSize = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func newOptions(cbs ...Option) *Options {
	opts := &Options{
		MaxFrameSize: packet.DefaultMaxFrameSize,
		ChunkSize:    stream.DefaultChunkSize,
		Logger:       Logger(),
	}
	for _, cb := range cbs {
		cb(opts)
	}
	return opts
}
