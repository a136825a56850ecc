// Package arith is a small service used by the command line tool and the
// end-to-end tests. The root service adds; it also hands out a subtraction
// sub-service and calls back into a subtraction service offered by the caller.
package arith

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/uole/chanmux"
	"github.com/uole/chanmux/pkg/rpc"
	"go.uber.org/zap"
)

type Method uint8

const (
	MethodAdd Method = iota + 1
	MethodGetSub
	MethodApply
)

type (
	SubRequest struct {
		A uint32
		B uint32
	}

	// SubToken lets the holder call the producer's subtraction service.
	SubToken = chanmux.Subservice[rpc.Request[SubRequest], rpc.Response[uint32]]

	// CallbackToken lets the holder call a subtraction service served by the producer.
	CallbackToken = chanmux.OfferedService[rpc.Request[SubRequest], rpc.Response[uint32]]

	Request struct {
		Method   Method
		A        uint32
		B        uint32
		Callback CallbackToken
	}

	Response struct {
		Value uint32
		Sub   SubToken
	}

	// RootChannel is the root channel as seen by the calling end.
	RootChannel = chanmux.Channel[rpc.Response[Response], rpc.Request[Request]]
	// ServeChannel is the root channel as seen by the serving end.
	ServeChannel = chanmux.Channel[rpc.Request[Request], rpc.Response[Response]]

	subClient = rpc.Client[SubRequest, uint32]
)

// Subtract saturates at zero.
func Subtract(a, b uint32) uint32 {
	if b > a {
		return 0
	}
	return a - b
}

func subtractHandler(ctx context.Context, req SubRequest) (uint32, error) {
	return Subtract(req.A, req.B), nil
}

// Service implements the root service for one session.
type Service struct {
	seq       *chanmux.Sequencer
	logger    *zap.Logger
	waitGroup conc.WaitGroup
}

func (svc *Service) serveSub(ctx context.Context, pending *chanmux.Pending[rpc.Request[SubRequest], rpc.Response[uint32]]) {
	ch, err := pending.Wait(ctx)
	if err != nil {
		svc.logger.Debug("sub-service not redeemed", zap.Error(err))
		return
	}
	defer ch.Close()
	if err = rpc.Serve[SubRequest, uint32](ctx, ch, subtractHandler); err != nil && ctx.Err() == nil {
		svc.logger.Debug("sub-service stopped", zap.Uint64("channel", ch.Index()), zap.Error(err))
	}
}

func (svc *Service) handle(ctx context.Context, req Request) (res Response, err error) {
	switch req.Method {
	case MethodAdd:
		res.Value = req.A + req.B
	case MethodGetSub:
		var pending *chanmux.Pending[rpc.Request[SubRequest], rpc.Response[uint32]]
		if res.Sub, pending, err = chanmux.OfferSubservice[rpc.Request[SubRequest], rpc.Response[uint32]](svc.seq); err != nil {
			return
		}
		svc.waitGroup.Go(func() {
			svc.serveSub(ctx, pending)
		})
	case MethodApply:
		var ch *chanmux.Channel[rpc.Response[uint32], rpc.Request[SubRequest]]
		if ch, err = chanmux.RedeemReverseService(ctx, svc.seq, req.Callback); err != nil {
			return
		}
		client := rpc.NewClient[SubRequest, uint32](ch)
		defer client.Close()
		if res.Value, err = client.Call(ctx, SubRequest{A: req.A, B: req.B}); err != nil {
			return
		}
	default:
		err = fmt.Errorf("unknown method %d", req.Method)
	}
	return
}

// Serve answers root requests until the peer goes away. Sub-services handed
// out meanwhile are stopped before it returns.
func (svc *Service) Serve(ctx context.Context, root *ServeChannel) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		svc.waitGroup.Wait()
	}()
	return rpc.Serve[Request, Response](ctx, root, svc.handle)
}

func NewService(seq *chanmux.Sequencer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = chanmux.Logger()
	}
	return &Service{seq: seq, logger: logger}
}

// Client calls the root service. Calls that move tokens hold a lock from
// request to redemption so token order matches on both ends.
type Client struct {
	seq   *chanmux.Sequencer
	rpc   *rpc.Client[Request, Response]
	mutex sync.Mutex
}

func (c *Client) Add(ctx context.Context, a, b uint32) (uint32, error) {
	res, err := c.rpc.Call(ctx, Request{Method: MethodAdd, A: a, B: b})
	return res.Value, err
}

// Sub is a handle on a subtraction sub-service.
type Sub struct {
	client *subClient
}

func (s *Sub) Subtract(ctx context.Context, a, b uint32) (uint32, error) {
	return s.client.Call(ctx, SubRequest{A: a, B: b})
}

func (s *Sub) Close() error {
	return s.client.Close()
}

// GetSub asks for a sub-service and redeems the returned token.
func (c *Client) GetSub(ctx context.Context) (*Sub, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	res, err := c.rpc.Call(ctx, Request{Method: MethodGetSub})
	if err != nil {
		return nil, err
	}
	ch, err := chanmux.RedeemSubservice(ctx, c.seq, res.Sub)
	if err != nil {
		return nil, err
	}
	return &Sub{client: rpc.NewClient[SubRequest, uint32](ch)}, nil
}

// Apply offers a local subtraction service and has the server call it with a and b.
func (c *Client) Apply(ctx context.Context, a, b uint32, fn func(a, b uint32) uint32) (uint32, error) {
	c.mutex.Lock()
	token, pending, err := chanmux.OfferReverseService[rpc.Request[SubRequest], rpc.Response[uint32]](c.seq)
	if err != nil {
		c.mutex.Unlock()
		return 0, err
	}
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		ch, err := pending.Wait(serveCtx)
		if err != nil {
			done <- err
			return
		}
		defer ch.Close()
		done <- rpc.Serve[SubRequest, uint32](serveCtx, ch, func(ctx context.Context, req SubRequest) (uint32, error) {
			return fn(req.A, req.B), nil
		})
	}()
	res, err := c.rpc.Call(ctx, Request{Method: MethodApply, A: a, B: b, Callback: token})
	c.mutex.Unlock()
	if err != nil {
		return 0, err
	}
	if err = <-done; err != nil {
		return 0, err
	}
	return res.Value, nil
}

func (c *Client) Close() error {
	return c.rpc.Close()
}

func NewClient(seq *chanmux.Sequencer, root *RootChannel) *Client {
	return &Client{
		seq: seq,
		rpc: rpc.NewClient[Request, Response](root),
	}
}
