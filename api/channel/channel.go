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

// Package channel defines the capabilities that admission and routing layers
// are built from: a Channel executes a request and eventually produces a
// response, and a LimitedChannel may instead decline so that callers can try
// elsewhere or queue.
package channel

import (
	"context"

	"go.uber.org/conduit/api/transport"
)

// Channel executes requests. Execute never blocks waiting on network I/O;
// the returned future completes on whichever goroutine finishes the work.
// The future always completes: implementations must not return futures that
// stay pending forever.
type Channel interface {
	Execute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) *Future
}

// LimitedChannel executes requests or declines them. MaybeExecute returns
// (nil, false) when the channel is limited, meaning the request was not sent
// and the caller should try another channel or queue the request.
type LimitedChannel interface {
	MaybeExecute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*Future, bool)
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) *Future

// Execute calls the wrapped function.
func (f ChannelFunc) Execute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) *Future {
	return f(ctx, endpoint, req)
}

// LimitedChannelFunc adapts a function to the LimitedChannel interface.
type LimitedChannelFunc func(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*Future, bool)

// MaybeExecute calls the wrapped function.
func (f LimitedChannelFunc) MaybeExecute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*Future, bool) {
	return f(ctx, endpoint, req)
}

// Adapt converts a Channel into a LimitedChannel that never declines.
func Adapt(c Channel) LimitedChannel {
	return LimitedChannelFunc(func(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*Future, bool) {
		return c.Execute(ctx, endpoint, req), true
	})
}
