package arith

import (
	"context"
	"testing"
	"time"

	"github.com/uole/chanmux"
	"github.com/uole/chanmux/pkg/multiplex/mem"
	"github.com/uole/chanmux/pkg/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"
)

func setup(t *testing.T) (context.Context, *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	a, b := mem.Pair()
	served := make(chan error, 1)
	go func() {
		seq, root, err := chanmux.NewServerSequencer[rpc.Request[Request], rpc.Response[Response]](ctx, b)
		if err != nil {
			served <- err
			return
		}
		defer seq.Close()
		served <- NewService(seq, zap.NewNop()).Serve(ctx, root)
	}()

	seq, root, err := chanmux.NewClientSequencer[rpc.Response[Response], rpc.Request[Request]](ctx, a)
	assert.NilError(t, err)
	client := NewClient(seq, root)
	t.Cleanup(func() {
		_ = client.Close()
		_ = seq.Close()
		<-served
	})
	return ctx, client
}

func TestServeStopsSubservices(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, b := mem.Pair()

	served := make(chan error, 1)
	go func() {
		seq, root, err := chanmux.NewServerSequencer[rpc.Request[Request], rpc.Response[Response]](ctx, b)
		if err != nil {
			served <- err
			return
		}
		defer seq.Close()
		served <- NewService(seq, zap.NewNop()).Serve(ctx, root)
	}()
	seq, root, err := chanmux.NewClientSequencer[rpc.Response[Response], rpc.Request[Request]](ctx, a)
	assert.NilError(t, err)
	defer seq.Close()
	client := NewClient(seq, root)

	sub, err := client.GetSub(ctx)
	assert.NilError(t, err)
	defer sub.Close()
	diff, err := sub.Subtract(ctx, 9, 4)
	assert.NilError(t, err)
	assert.Equal(t, diff, uint32(5))

	assert.NilError(t, client.Close())
	select {
	case err = <-served:
		assert.NilError(t, err)
	case <-ctx.Done():
		t.Fatal("Serve did not return after the root channel closed")
	}
	_, err = sub.Subtract(ctx, 9, 4)
	assert.Assert(t, err != nil)
}

func TestSubtract(t *testing.T) {
	assert.Equal(t, Subtract(10, 4), uint32(6))
	assert.Equal(t, Subtract(4, 10), uint32(0))
}

func TestAdd(t *testing.T) {
	ctx, client := setup(t)
	sum, err := client.Add(ctx, 2, 3)
	assert.NilError(t, err)
	assert.Equal(t, sum, uint32(5))
}

func TestSubservice(t *testing.T) {
	ctx, client := setup(t)
	sub, err := client.GetSub(ctx)
	assert.NilError(t, err)
	defer sub.Close()
	for _, tc := range []struct{ a, b, want uint32 }{
		{a: 10, b: 3, want: 7},
		{a: 3, b: 10, want: 0},
		{a: 5, b: 5, want: 0},
	} {
		got, err := sub.Subtract(ctx, tc.a, tc.b)
		assert.NilError(t, err)
		assert.Equal(t, got, tc.want)
	}

	// the root keeps working next to the sub-service
	sum, err := client.Add(ctx, 1, 1)
	assert.NilError(t, err)
	assert.Equal(t, sum, uint32(2))
}

func TestApplyCallsBackIntoClient(t *testing.T) {
	ctx, client := setup(t)
	calls := 0
	got, err := client.Apply(ctx, 9, 4, func(a, b uint32) uint32 {
		calls++
		return a * b
	})
	assert.NilError(t, err)
	assert.Equal(t, got, uint32(36))
	assert.Equal(t, calls, 1)
}

func TestConcurrentCalls(t *testing.T) {
	ctx, client := setup(t)
	var g errgroup.Group
	for i := uint32(0); i < 8; i++ {
		i := i
		g.Go(func() error {
			sum, err := client.Add(ctx, i, i)
			if err != nil {
				return err
			}
			assert.Check(t, sum == 2*i)
			return nil
		})
		g.Go(func() error {
			sub, err := client.GetSub(ctx)
			if err != nil {
				return err
			}
			defer sub.Close()
			diff, err := sub.Subtract(ctx, 100, i)
			if err != nil {
				return err
			}
			assert.Check(t, diff == 100-i)
			return nil
		})
		g.Go(func() error {
			got, err := client.Apply(ctx, i, 1, Subtract)
			if err != nil {
				return err
			}
			assert.Check(t, got == Subtract(i, 1))
			return nil
		})
	}
	assert.NilError(t, g.Wait())
}

func TestUnknownMethod(t *testing.T) {
	ctx, client := setup(t)
	_, err := client.rpc.Call(ctx, Request{Method: 99})
	assert.ErrorContains(t, err, "unknown method 99")
}
