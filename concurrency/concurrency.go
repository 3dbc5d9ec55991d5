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

// Package concurrency gates a single host's channel behind an AIMD
// concurrency limiter. When the host's adaptive ceiling has been reached,
// MaybeExecute declines instead of sending.
package concurrency

import (
	"context"

	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
	"go.uber.org/conduit/limiter"
	"go.uber.org/conduit/neverthrow"
	"go.uber.org/zap"
)

// LimitedReason tags requests declined by this channel on the limited meter.
const LimitedReason = "concurrency_limited"

// Instrumentation receives limiter telemetry. Implementations must tolerate
// concurrent calls.
type Instrumentation interface {
	// Limited is called when a request is declined.
	Limited()

	// ReportState publishes the current ceiling and in-flight count.
	ReportState(limit float64, inflight int)
}

// Channel wraps one downstream channel for one host as a LimitedChannel
// gated by the limiter. The permit acquired for a request is attached to the
// returned future and released exactly once with the classified outcome.
type Channel struct {
	delegate   channel.Channel
	limiter    *limiter.Limiter
	instrument Instrumentation
	logger     *zap.Logger
}

// Option customizes the channel.
type Option interface {
	apply(*Channel)
}

type optionFunc func(*Channel)

func (f optionFunc) apply(c *Channel) { f(c) }

// Logger specifies a logger.
func Logger(logger *zap.Logger) Option {
	return optionFunc(func(c *Channel) {
		c.logger = logger
	})
}

// Instrument installs limiter telemetry.
func Instrument(i Instrumentation) Option {
	return optionFunc(func(c *Channel) {
		c.instrument = i
	})
}

// New creates a concurrency limited channel over the delegate. The delegate
// is wrapped so that panics surface as failed futures, which guarantees the
// permit attached to each request is released.
func New(delegate channel.Channel, lim *limiter.Limiter, opts ...Option) *Channel {
	c := &Channel{
		limiter: lim,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o.apply(c)
	}
	c.delegate = neverthrow.Channel(delegate, c.logger)
	return c
}

// Limiter returns the underlying limiter.
func (c *Channel) Limiter() *limiter.Limiter {
	return c.limiter
}

// MaybeExecute sends the request if the host has concurrency headroom.
func (c *Channel) MaybeExecute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*channel.Future, bool) {
	permit, ok := c.limiter.Acquire()
	if !ok {
		if ce := c.logger.Check(zap.DebugLevel, "limited"); ce != nil {
			ce.Write(zap.Float64("max", c.limiter.Limit()))
		}
		if c.instrument != nil {
			c.instrument.Limited()
		}
		return nil, false
	}
	if ce := c.logger.Check(zap.DebugLevel, "sending"); ce != nil {
		ce.Write(
			zap.Int("inflight", c.limiter.Inflight()),
			zap.Float64("max", c.limiter.Limit()),
		)
	}
	c.reportState()
	result := c.delegate.Execute(ctx, endpoint, req)
	result.Listen(func(resp *transport.Response, err error) {
		permit.OnResult(resp, err)
		c.reportState()
	})
	return result, true
}

func (c *Channel) reportState() {
	if c.instrument != nil {
		c.instrument.ReportState(c.limiter.Limit(), c.limiter.Inflight())
	}
}
