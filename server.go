package chanmux

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/uole/chanmux/pkg/multiplex"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// Handler runs for the lifetime of one accepted session. The session is
// closed when the handler returns.
type Handler func(ctx context.Context, sess *Session) error

type (
	ServerOption func(o *ServerOptions)

	ServerOptions struct {
		Proto string
		// AcceptRate caps accepted sessions per second; zero means unlimited.
		AcceptRate int
		// Heartbeat answers datagram pings on every session.
		Heartbeat bool
		Logger    *zap.Logger
	}
)

func WithProto(proto string) ServerOption {
	return func(o *ServerOptions) {
		o.Proto = proto
	}
}

func WithAcceptRate(n int) ServerOption {
	return func(o *ServerOptions) {
		o.AcceptRate = n
	}
}

func WithHeartbeat() ServerOption {
	return func(o *ServerOptions) {
		o.Heartbeat = true
	}
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(o *ServerOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

type Server struct {
	ctx        context.Context
	cancelFunc context.CancelFunc
	Uptime     time.Time
	listener   multiplex.Listener
	handler    Handler
	opts       *ServerOptions
	limiter    ratelimit.Limiter
	waitGroup  conc.WaitGroup
	mutex      sync.RWMutex
	sessions   map[string]*Session
	closeFlag  int32
	serveState int32
	exitChan   chan struct{}
}

const (
	serveIdle int32 = iota
	serveRunning
	serveStopped
)

func (svr *Server) getSessionSnapshot() []*Session {
	svr.mutex.RLock()
	defer svr.mutex.RUnlock()
	ss := make([]*Session, 0, len(svr.sessions))
	for _, sess := range svr.sessions {
		ss = append(ss, sess)
	}
	return ss
}

// Sessions lists the live sessions, oldest first.
func (svr *Server) Sessions() []*SessionInfo {
	ss := svr.getSessionSnapshot()
	infos := make([]*SessionInfo, 0, len(ss))
	for _, sess := range ss {
		infos = append(infos, sess.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Uptime.Before(infos[j].Uptime)
	})
	return infos
}

func (svr *Server) Addr() net.Addr {
	return svr.listener.Addr()
}

func (svr *Server) process(sess *Session) {
	logger := svr.opts.Logger.With(zap.String("session", sess.ID), zap.String("address", sess.Address))
	svr.mutex.Lock()
	svr.sessions[sess.ID] = sess
	svr.mutex.Unlock()
	logger.Info("session opened")
	ctx, cancelFunc := context.WithCancel(svr.ctx)
	var wg conc.WaitGroup
	defer func() {
		cancelFunc()
		_ = sess.Close()
		wg.Wait()
		svr.mutex.Lock()
		delete(svr.sessions, sess.ID)
		svr.mutex.Unlock()
		logger.Info("session closed", zap.Duration("duration", time.Since(sess.Uptime)))
	}()
	if svr.opts.Heartbeat {
		wg.Go(func() {
			if err := sess.Receive(ctx, nil); err != nil && ctx.Err() == nil {
				logger.Debug("datagram loop stopped", zap.Error(err))
			}
		})
	}
	if err := svr.handler(ctx, sess); err != nil && ctx.Err() == nil {
		logger.Warn("session handler error", zap.Error(err))
	}
}

// Serve accepts sessions until the listener fails or Stop is called. It may
// only be called once.
func (svr *Server) Serve() (err error) {
	var conn multiplex.Session
	if !atomic.CompareAndSwapInt32(&svr.serveState, serveIdle, serveRunning) {
		return ErrServerClosed
	}
	defer close(svr.exitChan)
	svr.opts.Logger.Info("server started", zap.String("proto", svr.opts.Proto), zap.Stringer("address", svr.listener.Addr()))
	for {
		svr.limiter.Take()
		if conn, err = svr.listener.Accept(svr.ctx); err != nil {
			if svr.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return
		}
		if svr.ctx.Err() != nil {
			_ = conn.Close()
			return nil
		}
		sess := NewSession(conn, svr.opts.Proto)
		svr.waitGroup.Go(func() {
			svr.process(sess)
		})
	}
}

// Stop closes the listener and every live session, then waits for handlers.
func (svr *Server) Stop() (err error) {
	if !atomic.CompareAndSwapInt32(&svr.closeFlag, 0, 1) {
		return
	}
	svr.cancelFunc()
	err = svr.listener.Close()
	if !atomic.CompareAndSwapInt32(&svr.serveState, serveIdle, serveStopped) {
		<-svr.exitChan
	}
	for _, sess := range svr.getSessionSnapshot() {
		_ = sess.Close()
	}
	svr.waitGroup.Wait()
	return
}

func NewServer(l multiplex.Listener, handler Handler, cbs ...ServerOption) *Server {
	opts := &ServerOptions{
		Proto:  ProtoTCP,
		Logger: Logger(),
	}
	for _, cb := range cbs {
		cb(opts)
	}
	svr := &Server{
		Uptime:   time.Now(),
		listener: l,
		handler:  handler,
		opts:     opts,
		sessions: make(map[string]*Session),
		exitChan: make(chan struct{}),
	}
	if opts.AcceptRate > 0 {
		svr.limiter = ratelimit.New(opts.AcceptRate)
	} else {
		svr.limiter = ratelimit.NewUnlimited()
	}
	svr.ctx, svr.cancelFunc = context.WithCancel(context.Background())
	return svr
}
