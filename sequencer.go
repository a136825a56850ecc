package chanmux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/sourcegraph/conc"
	"github.com/uole/chanmux/internal/queue"
	"github.com/uole/chanmux/internal/sequence"
	"github.com/uole/chanmux/pkg/multiplex"
	"go.uber.org/zap"
)

type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

type direction uint8

const (
	dirOpen direction = iota + 1
	dirAccept
)

func (d direction) String() string {
	if d == dirOpen {
		return "open"
	}
	return "accept"
}

const (
	negotiationPending int32 = iota
	negotiationSettled
	negotiationAbandoned
)

type negotiation struct {
	state int32
	index uint64
	kind  TokenKind
	dir   direction
	ctx   context.Context
	send  multiplex.SendStream
	recv  multiplex.RecvStream
	err   error
	done  chan struct{}
}

// Sequencer owns the open and accept primitives of one session. A single
// goroutine performs negotiations in the order they were requested, one at a
// time, so the Nth open here meets the Nth accept on the peer. Share the
// pointer; do not copy.
type Sequencer struct {
	id         string
	role       Role
	sess       multiplex.Session
	opts       *Options
	logger     *zap.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
	queue      *queue.Queue[*negotiation]
	sequence   sequence.Sequence
	mutex      sync.Mutex
	err        error
	closeFlag  int32
	waitGroup  conc.WaitGroup
}

func (s *Sequencer) ID() string {
	return s.id
}

func (s *Sequencer) Role() Role {
	return s.role
}

// Err returns the error that stopped the Sequencer, if any.
func (s *Sequencer) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

// Done is closed when the Sequencer is closed.
func (s *Sequencer) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Negotiated reports how many negotiations were requested, the root included.
func (s *Sequencer) Negotiated() uint64 {
	return s.sequence.Current()
}

// SendDatagram and ReceiveDatagram pass through to the session; they do not
// take part in stream pairing.
func (s *Sequencer) SendDatagram(b []byte) error {
	return s.sess.SendDatagram(b)
}

func (s *Sequencer) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return s.sess.ReceiveDatagram(ctx)
}

func (s *Sequencer) enqueue(ctx context.Context, kind TokenKind, dir direction) (n *negotiation, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	n = &negotiation{
		index: s.sequence.Next() - 1,
		kind:  kind,
		dir:   dir,
		ctx:   ctx,
		done:  make(chan struct{}),
	}
	s.queue.Push(n)
	return
}

func (s *Sequencer) fail(err error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err == nil {
		s.err = err
		s.logger.Warn("sequencer failed", zap.String("id", s.id), zap.Error(err))
	}
	return s.err
}

// settle marks n finished. If its caller already gave up, the streams it
// produced are closed here.
func (s *Sequencer) settle(n *negotiation) {
	if !atomic.CompareAndSwapInt32(&n.state, negotiationPending, negotiationSettled) && n.err == nil {
		s.logger.Warn("abandoned negotiation",
			zap.String("id", s.id),
			zap.Uint64("index", n.index),
			zap.Stringer("kind", n.kind),
		)
		_ = n.send.Close()
		_ = n.recv.Close()
	}
	close(n.done)
}

func (s *Sequencer) negotiate(n *negotiation) {
	defer s.settle(n)
	if err := s.Err(); err != nil {
		n.err = err
		return
	}
	if err := n.ctx.Err(); err != nil {
		n.err = err
		s.logger.Debug("negotiation skipped",
			zap.String("id", s.id),
			zap.Uint64("index", n.index),
			zap.Stringer("kind", n.kind),
			zap.Error(err),
		)
		return
	}
	var err error
	if n.dir == dirOpen {
		n.send, n.recv, err = s.sess.OpenStream(n.ctx)
	} else {
		n.send, n.recv, err = s.sess.AcceptStream(n.ctx)
	}
	if err != nil {
		if ctxErr := n.ctx.Err(); ctxErr != nil && s.Err() == nil {
			n.err = ctxErr
			return
		}
		n.err = s.fail(fmt.Errorf("%w: %s %s: %v", ErrSessionFailed, n.kind, n.dir, err))
		return
	}
	s.logger.Debug("negotiated",
		zap.String("id", s.id),
		zap.Uint64("index", n.index),
		zap.Stringer("kind", n.kind),
		zap.Stringer("dir", n.dir),
	)
}

func (s *Sequencer) negotiateLoop() {
	for {
		n, err := s.queue.Pop(s.ctx)
		if err != nil {
			return
		}
		s.negotiate(n)
	}
}

// Close stops the Sequencer and closes the session. Queued and later
// negotiations fail with ErrSequencerClosed.
func (s *Sequencer) Close() (err error) {
	if !atomic.CompareAndSwapInt32(&s.closeFlag, 0, 1) {
		return
	}
	s.mutex.Lock()
	if s.err == nil {
		s.err = ErrSequencerClosed
	}
	s.mutex.Unlock()
	s.cancelFunc()
	s.queue.Close()
	err = s.sess.Close()
	s.waitGroup.Wait()
	for _, n := range s.queue.Drain() {
		n.err = s.Err()
		close(n.done)
	}
	return
}

// wait blocks until n has been negotiated. A redemption abandoned through ctx
// leaves the peer's matching call unpaired; the negotiation loop closes
// whatever stream it still produces.
func (s *Sequencer) wait(ctx context.Context, n *negotiation) error {
	select {
	case <-n.done:
		return n.err
	case <-ctx.Done():
		if atomic.CompareAndSwapInt32(&n.state, negotiationPending, negotiationAbandoned) {
			return ctx.Err()
		}
		<-n.done
		return n.err
	}
}

func redeem[Rx, Tx any](ctx context.Context, s *Sequencer, kind TokenKind, dir direction) (*Channel[Rx, Tx], error) {
	n, err := s.enqueue(ctx, kind, dir)
	if err != nil {
		return nil, err
	}
	if err = s.wait(ctx, n); err != nil {
		return nil, err
	}
	return newChannel[Rx, Tx](n.index, n.send, n.recv, s.opts), nil
}

// Pending resolves to the producer's channel once the peer redeems the token.
type Pending[Rx, Tx any] struct {
	s    *Sequencer
	n    *negotiation
	once sync.Once
	ch   *Channel[Rx, Tx]
}

// Done is closed once the negotiation finished, successfully or not.
func (p *Pending[Rx, Tx]) Done() <-chan struct{} {
	return p.n.done
}

// Wait blocks until the channel is established. It may be called repeatedly
// and always yields the same channel.
func (p *Pending[Rx, Tx]) Wait(ctx context.Context) (*Channel[Rx, Tx], error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.n.done:
	}
	if p.n.err != nil {
		return nil, p.n.err
	}
	p.once.Do(func() {
		p.ch = newChannel[Rx, Tx](p.n.index, p.n.send, p.n.recv, p.s.opts)
	})
	return p.ch, nil
}

func newPending[Rx, Tx any](s *Sequencer, n *negotiation) *Pending[Rx, Tx] {
	return &Pending[Rx, Tx]{s: s, n: n}
}

func newSequencer(role Role, sess multiplex.Session, cbs ...Option) *Sequencer {
	opts := newOptions(cbs...)
	s := &Sequencer{
		id:     xid.New().String(),
		role:   role,
		sess:   sess,
		opts:   opts,
		logger: opts.Logger,
		queue:  queue.New[*negotiation](),
	}
	s.ctx, s.cancelFunc = context.WithCancel(context.Background())
	s.waitGroup.Go(s.negotiateLoop)
	return s
}

func newRoot[Rx, Tx any](ctx context.Context, role Role, sess multiplex.Session, cbs ...Option) (*Sequencer, *Channel[Rx, Tx], error) {
	dir := dirOpen
	if role == RoleServer {
		dir = dirAccept
	}
	s := newSequencer(role, sess, cbs...)
	ch, err := redeem[Rx, Tx](ctx, s, kindRoot, dir)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	s.logger.Debug("sequencer ready", zap.String("id", s.id), zap.Stringer("role", role))
	return s, ch, nil
}

// NewClientSequencer takes ownership of sess and opens the root channel.
func NewClientSequencer[Rx, Tx any](ctx context.Context, sess multiplex.Session, cbs ...Option) (*Sequencer, *Channel[Rx, Tx], error) {
	return newRoot[Rx, Tx](ctx, RoleClient, sess, cbs...)
}

// NewServerSequencer takes ownership of sess and accepts the root channel.
func NewServerSequencer[Rx, Tx any](ctx context.Context, sess multiplex.Session, cbs ...Option) (*Sequencer, *Channel[Rx, Tx], error) {
	return newRoot[Rx, Tx](ctx, RoleServer, sess, cbs...)
}
