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

// Package channeltest provides scriptable channels for tests.
package channeltest

import (
	"context"
	"io"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
)

// Body is a closable response body that records whether it was closed.
type Body struct {
	io.Reader
	closed atomic.Bool
}

// NewBody builds a body with the given content.
func NewBody(content string) *Body {
	return &Body{Reader: strings.NewReader(content)}
}

// Close marks the body closed.
func (b *Body) Close() error {
	b.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (b *Body) Closed() bool {
	return b.closed.Load()
}

// Response builds a response with the given status and alternating header
// key-value pairs.
func Response(status int, headers ...string) *transport.Response {
	h := transport.NewHeaders()
	for i := 0; i+1 < len(headers); i += 2 {
		h = h.With(headers[i], headers[i+1])
	}
	return transport.NewResponse(status, h, NewBody(""))
}

// Call captures one executed request.
type Call struct {
	Endpoint transport.Endpoint
	Request  *transport.Request
	Promise  *channel.Promise
}

// Channel is a scriptable transport channel. Without a responder, executed
// requests stay pending until completed through the channel; with one,
// requests complete inline.
type Channel struct {
	mu        sync.Mutex
	responder func(transport.Endpoint, *transport.Request) (*transport.Response, error)
	calls     []*Call
}

// Respond installs a responder that completes requests inline.
func (c *Channel) Respond(fn func(transport.Endpoint, *transport.Request) (*transport.Response, error)) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = fn
	return c
}

// RespondStatus completes every request inline with the given status.
func (c *Channel) RespondStatus(status int) *Channel {
	return c.Respond(func(transport.Endpoint, *transport.Request) (*transport.Response, error) {
		return Response(status), nil
	})
}

// Execute implements channel.Channel.
func (c *Channel) Execute(_ context.Context, endpoint transport.Endpoint, req *transport.Request) *channel.Future {
	p := channel.NewPromise()
	c.mu.Lock()
	c.calls = append(c.calls, &Call{Endpoint: endpoint, Request: req, Promise: p})
	fn := c.responder
	c.mu.Unlock()
	if fn != nil {
		if resp, err := fn(endpoint, req); err != nil {
			p.Fail(err)
		} else {
			p.Complete(resp)
		}
	}
	return p.Future()
}

// Calls returns every captured call.
func (c *Channel) Calls() []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// NumCalls returns the number of executed requests.
func (c *Channel) NumCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// CompleteNext completes the oldest pending call.
func (c *Channel) CompleteNext(resp *transport.Response, err error) bool {
	c.mu.Lock()
	var next *Call
	for _, call := range c.calls {
		if !call.Promise.Future().IsDone() {
			next = call
			break
		}
	}
	c.mu.Unlock()
	if next == nil {
		return false
	}
	if err != nil {
		return next.Promise.Fail(err)
	}
	return next.Promise.Complete(resp)
}

// Limited is a scriptable limited channel. While limited it declines every
// request; otherwise it behaves like Channel.
type Limited struct {
	Channel
	limited  atomic.Bool
	declined atomic.Int32
}

// SetLimited flips the channel's willingness to accept requests.
func (l *Limited) SetLimited(limited bool) {
	l.limited.Store(limited)
}

// Declined reports how many requests were declined.
func (l *Limited) Declined() int {
	return int(l.declined.Load())
}

// MaybeExecute implements channel.LimitedChannel.
func (l *Limited) MaybeExecute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*channel.Future, bool) {
	if l.limited.Load() {
		l.declined.Inc()
		return nil, false
	}
	return l.Execute(ctx, endpoint, req), true
}
