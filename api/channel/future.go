// Copyright (c) 2026 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package channel

import (
	"errors"
	"sync"

	"go.uber.org/conduit/api/transport"
)

// ErrCanceled is the error a future completes with when it is canceled.
var ErrCanceled = errors.New("request canceled")

// Future is the eventual result of a request execution. Completion callbacks
// run on whichever goroutine completes the future, so they must be cheap and
// must not block.
type Future struct {
	mu        sync.Mutex
	completed bool
	resp      *transport.Response
	err       error
	listeners []func(*transport.Response, error)
	done      chan struct{}
}

// Promise is the producer side of a Future. Exactly one of Complete, Fail,
// or a cancellation wins; the rest report false.
type Promise struct {
	fut *Future
}

// NewPromise creates an incomplete promise/future pair.
func NewPromise() *Promise {
	return &Promise{fut: &Future{done: make(chan struct{})}}
}

// Future returns the consumer side of the promise.
func (p *Promise) Future() *Future {
	return p.fut
}

// Complete fulfills the promise with a response. Returns false if the future
// was already completed; the caller then still owns the response and must
// release it.
func (p *Promise) Complete(resp *transport.Response) bool {
	return p.fut.complete(resp, nil)
}

// Fail fulfills the promise with an error. Returns false if the future was
// already completed.
func (p *Promise) Fail(err error) bool {
	return p.fut.complete(nil, err)
}

// CompletedFuture returns a future already completed with resp.
func CompletedFuture(resp *transport.Response) *Future {
	p := NewPromise()
	p.Complete(resp)
	return p.Future()
}

// FailedFuture returns a future already failed with err.
func FailedFuture(err error) *Future {
	p := NewPromise()
	p.Fail(err)
	return p.Future()
}

func (f *Future) complete(resp *transport.Response, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.resp = resp
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	for _, l := range listeners {
		l(resp, err)
	}
	return true
}

// Cancel completes the future with ErrCanceled. Returns true if this call
// caused the completion. Layers that dispatched the request downstream
// observe the cancellation through their completion listeners and propagate
// it.
func (f *Future) Cancel() bool {
	return f.complete(nil, ErrCanceled)
}

// Done returns a channel closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Canceled reports whether the future completed by cancellation.
func (f *Future) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed && errors.Is(f.err, ErrCanceled)
}

// Result blocks until the future completes and returns its outcome.
func (f *Future) Result() (*transport.Response, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// Peek returns the outcome without blocking. ok is false while the future is
// still pending.
func (f *Future) Peek() (resp *transport.Response, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err, f.completed
}

// Listen registers a completion callback. If the future already completed,
// the callback runs inline on the calling goroutine; otherwise it runs on
// the goroutine that completes the future, after the result is recorded.
func (f *Future) Listen(fn func(*transport.Response, error)) {
	f.mu.Lock()
	if !f.completed {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	resp, err := f.resp, f.err
	f.mu.Unlock()
	fn(resp, err)
}
