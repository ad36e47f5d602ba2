// Package queue serializes calls to capabilities whose transport cannot
// carry more than one request at a time.
package queue

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
)

// Caller is an invocable capability.
type Caller[Req, Resp any] interface {
	Call(ctx context.Context, req Req) (Resp, error)
	// Concurrent reports whether several calls may be in flight at once.
	Concurrent() bool
}

// Func adapts a function to Caller.
type Func[Req, Resp any] struct {
	Fn              func(ctx context.Context, req Req) (Resp, error)
	AllowConcurrent bool
}

// Caller returns f as a Caller.
func (f Func[Req, Resp]) Caller() Caller[Req, Resp] {
	return funcCaller[Req, Resp](f)
}

type funcCaller[Req, Resp any] Func[Req, Resp]

func (f funcCaller[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return f.Fn(ctx, req)
}

func (f funcCaller[Req, Resp]) Concurrent() bool {
	return f.AllowConcurrent
}

// Result is the outcome of a submitted call.
type Result[Resp any] struct {
	Value Resp
	Err   error
}

// Queue runs calls one at a time in submission order. Once a call fails
// with a dead-transport error every later call fails with that error
// without reaching the transport.
type Queue[Req, Resp any] struct {
	inner Caller[Req, Resp]

	mu   sync.Mutex
	tail chan struct{}
	dead error
}

// Wrap returns c itself when it supports concurrent calls, and a Queue
// around it otherwise.
func Wrap[Req, Resp any](c Caller[Req, Resp]) Caller[Req, Resp] {
	if c.Concurrent() {
		return c
	}

	return &Queue[Req, Resp]{inner: c}
}

// Concurrent is true: a Queue may be shared by concurrent callers.
func (q *Queue[Req, Resp]) Concurrent() bool {
	return true
}

// Call submits req and waits for its turn and result.
func (q *Queue[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	r := <-q.Submit(ctx, req)
	return r.Value, r.Err
}

// Submit enqueues req and returns a channel that receives its result. The
// position in the queue is fixed when Submit returns.
func (q *Queue[Req, Resp]) Submit(ctx context.Context, req Req) <-chan Result[Resp] {
	out := make(chan Result[Resp], 1)

	q.mu.Lock()
	if q.dead != nil {
		err := q.dead
		q.mu.Unlock()

		out <- Result[Resp]{Err: err}

		return out
	}

	prev := q.tail
	mine := make(chan struct{})
	q.tail = mine
	q.mu.Unlock()

	go func() {
		defer close(mine)

		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				out <- Result[Resp]{Err: ctx.Err()}
				// Keep the slot until the predecessor finishes so later
				// calls still run in order.
				<-prev

				return
			}
		}

		if err := q.deadErr(); err != nil {
			out <- Result[Resp]{Err: err}
			return
		}

		v, err := q.inner.Call(ctx, req)
		if IsTransportClosed(err) {
			q.markDead(err)
		}

		out <- Result[Resp]{Value: v, Err: err}
	}()

	return out
}

// Dead returns the error that closed the queue, if any.
func (q *Queue[Req, Resp]) Dead() error {
	return q.deadErr()
}

func (q *Queue[Req, Resp]) deadErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dead
}

func (q *Queue[Req, Resp]) markDead(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dead == nil {
		q.dead = err
	}
}

// IsTransportClosed reports whether err means the transport is unusable.
func IsTransportClosed(err error) bool {
	return errors.Is(err, apperrors.ErrTransportClosed)
}
