package mem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/uole/chanmux/internal/queue"
	"github.com/uole/chanmux/pkg/multiplex"
)

const (
	// MaxDatagramSize mirrors a conservative QUIC datagram payload.
	MaxDatagramSize = 1200

	datagramBacklog = 64
)

type Addr string

func (a Addr) Network() string {
	return "mem"
}

func (a Addr) String() string {
	return string(a)
}

// pipe is one direction of a stream.
type pipe struct {
	chunks  *queue.Queue[[]byte]
	ctx     context.Context
	cancel  context.CancelFunc
	reset   atomic.Value // error
	pending []byte
	rmutex  sync.Mutex
}

func newPipe() *pipe {
	p := &pipe{chunks: queue.New[[]byte]()}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

func (p *pipe) resetErr() error {
	if v := p.reset.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (p *pipe) abort(err error) {
	p.reset.CompareAndSwap(nil, err)
	p.chunks.Close()
	p.cancel()
}

type sendStream struct {
	p *pipe
}

func (s *sendStream) Write(b []byte) error {
	if err := s.p.resetErr(); err != nil {
		return err
	}
	if s.p.ctx.Err() != nil {
		return multiplex.ErrStreamClosed
	}
	if len(b) == 0 {
		return nil
	}
	if !s.p.chunks.Push(append([]byte(nil), b...)) {
		return multiplex.ErrStreamClosed
	}
	return nil
}

func (s *sendStream) Close() error {
	s.p.chunks.Close()
	return nil
}

type recvStream struct {
	p *pipe
}

func (r *recvStream) Read(maxLen int) (b []byte, err error) {
	r.p.rmutex.Lock()
	defer r.p.rmutex.Unlock()
	if err = r.p.resetErr(); err != nil {
		return nil, err
	}
	if len(r.p.pending) == 0 {
		if r.p.pending, err = r.p.chunks.Pop(r.p.ctx); err != nil {
			if rerr := r.p.resetErr(); rerr != nil {
				return nil, rerr
			}
			if errors.Is(err, queue.ErrClosed) {
				return nil, io.EOF
			}
			return nil, multiplex.ErrStreamClosed
		}
	}
	n := len(r.p.pending)
	if n > maxLen {
		n = maxLen
	}
	b = r.p.pending[:n]
	r.p.pending = r.p.pending[n:]
	return b, nil
}

// Close stops reading. Later writes from the peer fail.
func (r *recvStream) Close() error {
	r.p.cancel()
	return nil
}

type streamPair struct {
	ab *pipe
	ba *pipe
}

type link struct {
	streams   sync.Map // *streamPair
	closeFlag int32
	closeChan chan struct{}
}

func (l *link) close() bool {
	if !atomic.CompareAndSwapInt32(&l.closeFlag, 0, 1) {
		return false
	}
	close(l.closeChan)
	l.streams.Range(func(key, value any) bool {
		sp := key.(*streamPair)
		sp.ab.abort(multiplex.ErrSessionClosed)
		sp.ba.abort(multiplex.ErrSessionClosed)
		return true
	})
	return true
}

// Session is one end of an in-memory multiplexed connection.
type Session struct {
	link      *link
	local     Addr
	remote    Addr
	peer      *Session
	accepts   *queue.Queue[*streamPair]
	datagrams chan []byte
	opens     int64
}

func (sess *Session) Addr() net.Addr {
	return sess.remote
}

func (sess *Session) closed() bool {
	return atomic.LoadInt32(&sess.link.closeFlag) == 1
}

func (sess *Session) OpenStream(ctx context.Context) (multiplex.SendStream, multiplex.RecvStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if sess.closed() {
		return nil, nil, multiplex.ErrSessionClosed
	}
	sp := &streamPair{ab: newPipe(), ba: newPipe()}
	sess.link.streams.Store(sp, struct{}{})
	if !sess.peer.accepts.Push(sp) {
		return nil, nil, multiplex.ErrSessionClosed
	}
	atomic.AddInt64(&sess.opens, 1)
	return &sendStream{p: sp.ab}, &recvStream{p: sp.ba}, nil
}

func (sess *Session) AcceptStream(ctx context.Context) (multiplex.SendStream, multiplex.RecvStream, error) {
	sp, err := sess.accepts.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil, nil, multiplex.ErrSessionClosed
		}
		return nil, nil, err
	}
	if sess.closed() {
		return nil, nil, multiplex.ErrSessionClosed
	}
	return &sendStream{p: sp.ba}, &recvStream{p: sp.ab}, nil
}

// Opened reports how many streams this end has opened.
func (sess *Session) Opened() int64 {
	return atomic.LoadInt64(&sess.opens)
}

// SendDatagram drops the datagram when the peer is not keeping up.
func (sess *Session) SendDatagram(b []byte) error {
	if sess.closed() {
		return multiplex.ErrSessionClosed
	}
	if len(b) > MaxDatagramSize {
		return fmt.Errorf("%w: %d > %d", multiplex.ErrDatagramTooLarge, len(b), MaxDatagramSize)
	}
	select {
	case sess.peer.datagrams <- append([]byte(nil), b...):
	default:
	}
	return nil
}

func (sess *Session) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-sess.datagrams:
		return b, nil
	case <-sess.link.closeChan:
		return nil, multiplex.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down both ends, resetting every stream.
func (sess *Session) Close() error {
	if sess.link.close() {
		sess.accepts.Close()
		sess.peer.accepts.Close()
	}
	return nil
}

func newSession(l *link, local, remote Addr) *Session {
	return &Session{
		link:      l,
		local:     local,
		remote:    remote,
		accepts:   queue.New[*streamPair](),
		datagrams: make(chan []byte, datagramBacklog),
	}
}

// Pair returns two connected sessions.
func Pair() (*Session, *Session) {
	l := &link{closeChan: make(chan struct{})}
	a := newSession(l, "mem-a", "mem-b")
	b := newSession(l, "mem-b", "mem-a")
	a.peer, b.peer = b, a
	return a, b
}
