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

// Package neverthrow wraps channels so that a panicking delegate surfaces as
// a failed future instead of unwinding the caller. Layers that attach
// permits or queue bookkeeping to futures rely on this: a delegate that
// panics would otherwise skip the completion path entirely.
package neverthrow

import (
	"context"
	"fmt"

	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
	"go.uber.org/zap"
)

// Channel wraps a channel.Channel.
func Channel(delegate channel.Channel, logger *zap.Logger) channel.Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return channel.ChannelFunc(func(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (f *channel.Future) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("channel panicked during execute",
					zap.String("service", endpoint.ServiceName),
					zap.String("endpoint", endpoint.EndpointName),
					zap.Any("panic", r))
				f = channel.FailedFuture(fmt.Errorf("channel panicked: %v", r))
			}
		}()
		return delegate.Execute(ctx, endpoint, req)
	})
}

// LimitedChannel wraps a channel.LimitedChannel.
func LimitedChannel(delegate channel.LimitedChannel, logger *zap.Logger) channel.LimitedChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return channel.LimitedChannelFunc(func(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (f *channel.Future, ok bool) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("channel panicked during maybe-execute",
					zap.String("service", endpoint.ServiceName),
					zap.String("endpoint", endpoint.EndpointName),
					zap.Any("panic", r))
				f, ok = channel.FailedFuture(fmt.Errorf("channel panicked: %v", r)), true
			}
		}()
		return delegate.MaybeExecute(ctx, endpoint, req)
	})
}
