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

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/conduit/api/transport"
	"go.uber.org/conduit/internal/channeltest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var _endpoint = transport.Endpoint{
	ServiceName:  "svc",
	EndpointName: "op",
	Method:       transport.MethodGet,
}

func endpointNamed(name string) transport.Endpoint {
	return transport.Endpoint{ServiceName: "svc", EndpointName: name, Method: transport.MethodGet}
}

type countingInstrumentation struct {
	mu      sync.Mutex
	depth   int
	samples []time.Duration
}

func (c *countingInstrumentation) IncrementQueued() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth++
}

func (c *countingInstrumentation) DecrementQueued() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth--
}

func (c *countingInstrumentation) RecordQueuedTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, d)
}

func (c *countingInstrumentation) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth
}

func (c *countingInstrumentation) Samples() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.samples))
	copy(out, c.samples)
	return out
}

func TestFastPathSkipsQueue(t *testing.T) {
	delegate := &channeltest.Limited{}
	instrument := &countingInstrumentation{}
	q := New(delegate, Instrument(instrument))

	f := q.Execute(context.Background(), _endpoint, &transport.Request{})
	require.Equal(t, 1, delegate.NumCalls())
	assert.Equal(t, 0, instrument.Depth())
	assert.Empty(t, instrument.Samples(), "the queue was never used, so no zero timing is recorded")

	require.True(t, delegate.CompleteNext(channeltest.Response(200), nil))
	resp, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestQueuesWhileLimitedAndDrains(t *testing.T) {
	delegate := &channeltest.Limited{}
	delegate.SetLimited(true)
	instrument := &countingInstrumentation{}
	q := New(delegate, Instrument(instrument))

	f := q.Execute(context.Background(), _endpoint, &transport.Request{})
	assert.False(t, f.IsDone())
	assert.Equal(t, 0, delegate.NumCalls())
	assert.Equal(t, 1, instrument.Depth())
	assert.Equal(t, int32(1), q.sizeEstimate.Load())

	delegate.SetLimited(false)
	q.schedule()
	require.Equal(t, 1, delegate.NumCalls())
	assert.Equal(t, 0, instrument.Depth())
	assert.Equal(t, int32(0), q.sizeEstimate.Load())

	require.True(t, delegate.CompleteNext(channeltest.Response(200), nil))
	resp, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Len(t, instrument.Samples(), 1)
}

func TestQueueRecordsZeroTimeAfterFirstUse(t *testing.T) {
	delegate := &channeltest.Limited{}
	delegate.SetLimited(true)
	instrument := &countingInstrumentation{}
	q := New(delegate, Instrument(instrument))

	queued := q.Execute(context.Background(), _endpoint, &transport.Request{})
	delegate.SetLimited(false)
	q.schedule()
	require.True(t, delegate.CompleteNext(channeltest.Response(200), nil))
	_, err := queued.Result()
	require.NoError(t, err)

	// A later fast-path dispatch counts as zero queue time.
	fast := q.Execute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, delegate.CompleteNext(channeltest.Response(200), nil))
	_, err = fast.Result()
	require.NoError(t, err)
	samples := instrument.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, time.Duration(0), samples[1])
}

func TestQueueFull(t *testing.T) {
	delegate := &channeltest.Limited{}
	delegate.SetLimited(true)
	q := New(delegate, MaxQueueSize(2))

	first := q.Execute(context.Background(), _endpoint, &transport.Request{})
	second := q.Execute(context.Background(), _endpoint, &transport.Request{})
	assert.False(t, first.IsDone())
	assert.False(t, second.IsDone())

	third := q.Execute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, third.IsDone(), "overflow must fail synchronously")
	_, err := third.Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")

	first.Cancel()
	second.Cancel()
	q.schedule()
}

func TestZeroMaxQueueSize(t *testing.T) {
	delegate := &channeltest.Limited{}
	q := New(delegate, MaxQueueSize(0))

	// Fast path still works.
	f := q.Execute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, delegate.CompleteNext(channeltest.Response(200), nil))
	_, err := f.Result()
	require.NoError(t, err)

	// With no headroom, a limited delegate fails the request immediately.
	delegate.SetLimited(true)
	f = q.Execute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, f.IsDone())
	_, err = f.Result()
	assert.Contains(t, err.Error(), "queue is full")
}

func TestDispatchPreservesFIFO(t *testing.T) {
	delegate := &channeltest.Limited{}
	delegate.SetLimited(true)
	q := New(delegate)

	futures := []struct {
		name string
	}{{"a"}, {"b"}, {"c"}}
	for _, f := range futures {
		q.Execute(context.Background(), endpointNamed(f.name), &transport.Request{})
	}

	delegate.SetLimited(false)
	q.schedule()
	calls := delegate.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].Endpoint.EndpointName)
	assert.Equal(t, "b", calls[1].Endpoint.EndpointName)
	assert.Equal(t, "c", calls[2].Endpoint.EndpointName)
	for _, call := range calls {
		call.Promise.Complete(channeltest.Response(200))
	}
}

func TestCancelWhileQueued(t *testing.T) {
	delegate := &channeltest.Limited{}
	delegate.SetLimited(true)
	instrument := &countingInstrumentation{}
	q := New(delegate, Instrument(instrument))

	first := q.Execute(context.Background(), endpointNamed("first"), &transport.Request{})
	second := q.Execute(context.Background(), endpointNamed("second"), &transport.Request{})
	assert.Equal(t, 2, instrument.Depth())

	second.Cancel()

	delegate.SetLimited(false)
	q.schedule()
	calls := delegate.Calls()
	require.Len(t, calls, 1, "only the first request may dispatch")
	assert.Equal(t, "first", calls[0].Endpoint.EndpointName)
	assert.Equal(t, 0, instrument.Depth(), "the queued counter must return to zero")
	assert.Equal(t, int32(0), q.sizeEstimate.Load())

	calls[0].Promise.Complete(channeltest.Response(200))
	resp, err := first.Result()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestCancelPropagatesToDispatched(t *testing.T) {
	delegate := &channeltest.Limited{}
	delegate.SetLimited(true)
	q := New(delegate)

	f := q.Execute(context.Background(), _endpoint, &transport.Request{})
	delegate.SetLimited(false)
	q.schedule()
	require.Equal(t, 1, delegate.NumCalls())

	f.Cancel()
	downstream := delegate.Calls()[0].Promise.Future()
	assert.True(t, downstream.Canceled(), "cancel must reach the dispatched request")
}

func TestLateResponseIsClosed(t *testing.T) {
	delegate := &channeltest.Limited{}
	delegate.SetLimited(true)
	q := New(delegate)

	f := q.Execute(context.Background(), _endpoint, &transport.Request{})
	delegate.SetLimited(false)
	q.schedule()
	require.Equal(t, 1, delegate.NumCalls())

	f.Cancel()

	// The delegate produced a response after the caller walked away. The
	// queue is the last owner and must release it.
	late := channeltest.Response(200)
	delegate.Calls()[0].Promise.Complete(late)
	assert.True(t, late.Closed())
}

func TestCompletionDrivesNextDispatch(t *testing.T) {
	delegate := &channeltest.Limited{}
	q := New(delegate)

	running := q.Execute(context.Background(), _endpoint, &transport.Request{})
	require.Equal(t, 1, delegate.NumCalls())

	// While the first request runs, the delegate refuses; the second waits.
	delegate.SetLimited(true)
	queued := q.Execute(context.Background(), endpointNamed("queued"), &transport.Request{})
	assert.False(t, queued.IsDone())
	require.Equal(t, 1, delegate.NumCalls())

	// Completion of the first request re-drives the queue.
	delegate.SetLimited(false)
	require.True(t, delegate.CompleteNext(channeltest.Response(200), nil))
	_, err := running.Result()
	require.NoError(t, err)
	require.Equal(t, 2, delegate.NumCalls())

	require.True(t, delegate.CompleteNext(channeltest.Response(200), nil))
	_, err = queued.Result()
	require.NoError(t, err)
}
