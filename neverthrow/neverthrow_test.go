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

package neverthrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
)

var _endpoint = transport.Endpoint{ServiceName: "svc", EndpointName: "op"}

func TestChannelConvertsPanic(t *testing.T) {
	ch := Channel(channel.ChannelFunc(func(context.Context, transport.Endpoint, *transport.Request) *channel.Future {
		panic("transport bug")
	}), nil)

	f := ch.Execute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, f.IsDone())
	_, err := f.Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport bug")
}

func TestChannelPassesThrough(t *testing.T) {
	ch := Channel(channel.ChannelFunc(func(context.Context, transport.Endpoint, *transport.Request) *channel.Future {
		return channel.CompletedFuture(&transport.Response{Status: 200})
	}), nil)

	resp, err := ch.Execute(context.Background(), _endpoint, &transport.Request{}).Result()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestLimitedChannelConvertsPanic(t *testing.T) {
	ch := LimitedChannel(channel.LimitedChannelFunc(func(context.Context, transport.Endpoint, *transport.Request) (*channel.Future, bool) {
		panic("selection bug")
	}), nil)

	f, ok := ch.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok, "a panic is a completed attempt, not a decline")
	_, err := f.Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selection bug")
}

func TestLimitedChannelPreservesDecline(t *testing.T) {
	ch := LimitedChannel(channel.LimitedChannelFunc(func(context.Context, transport.Endpoint, *transport.Request) (*channel.Future, bool) {
		return nil, false
	}), nil)

	_, ok := ch.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	assert.False(t, ok)
}
