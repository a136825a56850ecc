package chanmux

import "errors"

var (
	// ErrSessionFailed wraps a transport failure to open or accept a stream.
	// It is sticky: every later negotiation on the same Sequencer fails with it.
	ErrSessionFailed = errors.New("session failed")
	// ErrSequencerClosed is returned by negotiations issued after Close.
	ErrSequencerClosed = errors.New("sequencer closed")
	// ErrChannelClosed is reported by a Proxy closed locally.
	ErrChannelClosed = errors.New("channel closed")
	// ErrUnknownProto is returned for an unsupported transport name.
	ErrUnknownProto = errors.New("unknown proto")
	// ErrServerClosed is returned by Serve on a stopped or already serving Server.
	ErrServerClosed = errors.New("server closed")
)
