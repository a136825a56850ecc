// Package rpc layers request/response calls over a typed message channel.
// Responses are matched to calls by ID, so calls on one Client may overlap.
package rpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/uole/chanmux/internal/sequence"
)

var (
	ErrClientClosed = errors.New("rpc client closed")
)

type (
	// Conn is the message channel the stubs run over.
	Conn[Rx, Tx any] interface {
		Send(v Tx) error
		Recv() (Rx, error)
		Close() error
	}

	Request[T any] struct {
		ID   uint64
		Body T
	}

	Response[T any] struct {
		ID    uint64
		Error string
		Body  T
	}

	Handler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)
)

// RemoteError is a handler failure reported by the serving end.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}

type Client[Req, Resp any] struct {
	conn      Conn[Response[Resp], Request[Req]]
	sequence  sequence.Sequence
	mutex     sync.Mutex
	pending   map[uint64]chan Response[Resp]
	err       error
	closeFlag int32
	closeChan chan struct{}
	waitGroup conc.WaitGroup
}

func (c *Client[Req, Resp]) fail(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.err == nil {
		c.err = err
		close(c.closeChan)
	}
}

func (c *Client[Req, Resp]) recvLoop() {
	for {
		res, err := c.conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClientClosed
			}
			c.fail(err)
			return
		}
		c.mutex.Lock()
		ch, ok := c.pending[res.ID]
		delete(c.pending, res.ID)
		c.mutex.Unlock()
		if ok {
			ch <- res
		}
	}
}

func (c *Client[Req, Resp]) Err() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.err
}

// Call sends req and waits for the matching response.
func (c *Client[Req, Resp]) Call(ctx context.Context, req Req) (resp Resp, err error) {
	id := c.sequence.Next()
	ch := make(chan Response[Resp], 1)
	c.mutex.Lock()
	if c.err != nil {
		err = c.err
		c.mutex.Unlock()
		return
	}
	c.pending[id] = ch
	c.mutex.Unlock()
	defer func() {
		c.mutex.Lock()
		delete(c.pending, id)
		c.mutex.Unlock()
	}()
	if err = c.conn.Send(Request[Req]{ID: id, Body: req}); err != nil {
		return
	}
	select {
	case res := <-ch:
		if res.Error != "" {
			err = &RemoteError{Message: res.Error}
			return
		}
		return res.Body, nil
	case <-c.closeChan:
		err = c.Err()
	case <-ctx.Done():
		err = ctx.Err()
	}
	return
}

// Close closes the connection and fails outstanding calls.
func (c *Client[Req, Resp]) Close() (err error) {
	if !atomic.CompareAndSwapInt32(&c.closeFlag, 0, 1) {
		return
	}
	c.fail(ErrClientClosed)
	err = c.conn.Close()
	c.waitGroup.Wait()
	return
}

func NewClient[Req, Resp any](conn Conn[Response[Resp], Request[Req]]) *Client[Req, Resp] {
	c := &Client[Req, Resp]{
		conn:      conn,
		pending:   make(map[uint64]chan Response[Resp]),
		closeChan: make(chan struct{}),
	}
	c.waitGroup.Go(c.recvLoop)
	return c
}

// Serve answers requests one at a time, in arrival order, until the peer
// stops sending or ctx is done. A clean end of stream returns nil.
func Serve[Req, Resp any](ctx context.Context, conn Conn[Request[Req], Response[Resp]], h Handler[Req, Resp]) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	for {
		req, err := conn.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		res := Response[Resp]{ID: req.ID}
		if res.Body, err = h(ctx, req.Body); err != nil {
			res.Error = err.Error()
		}
		if err = conn.Send(res); err != nil {
			return err
		}
	}
}
