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

package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
	"go.uber.org/conduit/internal/channeltest"
	"go.uber.org/conduit/limiter"
)

var _endpoint = transport.Endpoint{
	ServiceName:  "svc",
	EndpointName: "op",
	Method:       transport.MethodGet,
}

type recordingInstrumentation struct {
	mu       sync.Mutex
	limited  int
	limit    float64
	inflight int
}

func (r *recordingInstrumentation) Limited() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limited++
}

func (r *recordingInstrumentation) ReportState(limit float64, inflight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = limit
	r.inflight = inflight
}

func TestExecutesWithPermit(t *testing.T) {
	lim := limiter.New(limiter.BehaviorHost)
	host := &channeltest.Channel{}
	ch := New(host, lim)

	f, ok := ch.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	assert.Equal(t, 1, lim.Inflight())

	require.True(t, host.CompleteNext(channeltest.Response(200), nil))
	resp, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 0, lim.Inflight(), "permit must release on completion")
	assert.Greater(t, lim.Limit(), 20.0, "a success must grow the limit")
}

func TestDeclinesWhenLimited(t *testing.T) {
	lim := limiter.New(limiter.BehaviorHost)
	instrument := &recordingInstrumentation{}
	host := &channeltest.Channel{}
	ch := New(host, lim, Instrument(instrument))

	var held []*limiter.Permit
	for {
		p, ok := lim.Acquire()
		if !ok {
			break
		}
		held = append(held, p)
	}

	_, ok := ch.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	assert.False(t, ok)
	assert.Equal(t, 0, host.NumCalls(), "a declined request must not reach the host")
	assert.Equal(t, 1, instrument.limited)

	for _, p := range held {
		p.Ignore()
	}
}

func TestQoSResponseBacksOff(t *testing.T) {
	lim := limiter.New(limiter.BehaviorHost)
	host := &channeltest.Channel{}
	ch := New(host, lim)

	f, ok := ch.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	require.True(t, host.CompleteNext(channeltest.Response(503), nil))
	_, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 18.0, lim.Limit())
	assert.Equal(t, 0, lim.Inflight())
}

func TestTransportFailureBacksOff(t *testing.T) {
	lim := limiter.New(limiter.BehaviorHost)
	host := &channeltest.Channel{}
	ch := New(host, lim)

	f, ok := ch.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	require.True(t, host.CompleteNext(nil, errors.New("connection reset")))
	_, err := f.Result()
	require.Error(t, err)
	assert.Equal(t, 18.0, lim.Limit())
	assert.Equal(t, 0, lim.Inflight())
}

func TestPanickingDelegateReleasesPermit(t *testing.T) {
	lim := limiter.New(limiter.BehaviorHost)
	ch := New(panicker{}, lim)

	f, ok := ch.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	_, err := f.Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, 0, lim.Inflight(), "the permit must release even when the delegate panics")
}

type panicker struct{}

func (panicker) Execute(context.Context, transport.Endpoint, *transport.Request) *channel.Future {
	panic("transport bug")
}
