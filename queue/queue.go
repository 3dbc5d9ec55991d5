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

// Package queue bounds the number of outstanding requests across a client.
// When the downstream limited channel declines a request, the queue absorbs
// it and re-drives it as capacity returns: every completion of a dispatched
// request triggers another scheduling pass.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/atomic"
	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
	"go.uber.org/conduit/neverthrow"
	"go.uber.org/zap"
)

const (
	_defaultMaxQueueSize = 100000

	_enqueuedSpan  = "conduit_request_enqueued"
	_scheduledSpan = "conduit_request_scheduled"
)

// Instrumentation reports queue depth changes and queue time.
type Instrumentation interface {
	IncrementQueued()
	DecrementQueued()
	RecordQueuedTime(d time.Duration)
}

// QueuedChannel exposes a Channel over a LimitedChannel delegate. Requests
// the delegate declines are held in a bounded FIFO and re-dispatched when
// earlier requests complete.
type QueuedChannel struct {
	delegate     channel.LimitedChannel
	channelName  string
	queued       *deque
	sizeEstimate *atomic.Int32
	maxQueueSize int
	instrument   Instrumentation
	tracer       opentracing.Tracer
	logger       *zap.Logger

	// Metrics aren't reported until the queue is first used, so endpoints
	// that never queue don't emit a stream of zero timings. The unguarded
	// read on the fast path may skip or extra-record one sample per queue;
	// that race is accepted.
	shouldRecordQueueMetrics *atomic.Bool
}

type deferredCall struct {
	ctx      context.Context
	endpoint transport.Endpoint
	request  *transport.Request
	promise  *channel.Promise
	span     opentracing.Span
	enqueued time.Time
}

// Option customizes a queued channel.
type Option interface {
	apply(*QueuedChannel)
}

type optionFunc func(*QueuedChannel)

func (f optionFunc) apply(q *QueuedChannel) { f(q) }

// ChannelName names the channel in logs.
func ChannelName(name string) Option {
	return optionFunc(func(q *QueuedChannel) {
		q.channelName = name
	})
}

// MaxQueueSize bounds the queue. A size of zero disables queueing entirely:
// requests either dispatch on the fast path or fail.
//
// Defaults to 100000.
func MaxQueueSize(n int) Option {
	return optionFunc(func(q *QueuedChannel) {
		q.maxQueueSize = n
	})
}

// Logger specifies a logger.
func Logger(logger *zap.Logger) Option {
	return optionFunc(func(q *QueuedChannel) {
		q.logger = logger
	})
}

// Tracer specifies the tracer used for queued request spans.
//
// Defaults to the global tracer.
func Tracer(tracer opentracing.Tracer) Option {
	return optionFunc(func(q *QueuedChannel) {
		q.tracer = tracer
	})
}

// Instrument installs queue instrumentation.
func Instrument(i Instrumentation) Option {
	return optionFunc(func(q *QueuedChannel) {
		q.instrument = i
	})
}

// New creates a queued channel over the delegate. The delegate is wrapped so
// panics surface as failed futures rather than corrupting queue accounting.
func New(delegate channel.LimitedChannel, opts ...Option) *QueuedChannel {
	q := &QueuedChannel{
		queued:                   newDeque(),
		sizeEstimate:             atomic.NewInt32(0),
		maxQueueSize:             _defaultMaxQueueSize,
		tracer:                   opentracing.GlobalTracer(),
		logger:                   zap.NewNop(),
		shouldRecordQueueMetrics: atomic.NewBool(false),
	}
	for _, o := range opts {
		o.apply(q)
	}
	q.delegate = neverthrow.LimitedChannel(delegate, q.logger)
	return q
}

// Execute runs the request, queueing it if the delegate is limited. When the
// queue is at capacity the returned future is already failed.
func (q *QueuedChannel) Execute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) *channel.Future {
	if result, ok := q.MaybeExecute(ctx, endpoint, req); ok {
		return result
	}
	return channel.FailedFuture(fmt.Errorf(
		"unable to make a request (queue is full): maxQueueSize=%d", q.maxQueueSize))
}

// MaybeExecute enqueues the request and schedules as many queued requests as
// possible. Returns false only when the queue is at capacity.
func (q *QueuedChannel) MaybeExecute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*channel.Future, bool) {
	// Optimistically avoid the queue in the fast path. Queueing adds
	// contention between goroutines and should be avoided unless we need to
	// shed load.
	if q.sizeEstimate.Load() <= 0 {
		if result, ok := q.delegate.MaybeExecute(ctx, endpoint, req); ok {
			result.Listen(func(*transport.Response, error) {
				q.schedule()
			})
			// The queue was avoided, which is equivalent to spending zero
			// time on it.
			if q.shouldRecordQueueMetrics.Load() {
				q.recordQueuedTime(0)
			}
			return result, true
		}
	}

	// Re-read the size here as well as before the optimistic attempt:
	// maybeExecute may take long enough for other requests to queue.
	if int(q.sizeEstimate.Load()) >= q.maxQueueSize {
		return nil, false
	}

	q.shouldRecordQueueMetrics.Store(true)

	call := &deferredCall{
		ctx:      ctx,
		endpoint: endpoint,
		request:  req,
		promise:  channel.NewPromise(),
		span:     q.tracer.StartSpan(_enqueuedSpan),
		enqueued: time.Now(),
	}

	if !q.queued.pushBack(call) {
		return nil, false
	}
	newSize := q.incrementQueueSize()

	if ce := q.logger.Check(zap.DebugLevel, "request queued"); ce != nil {
		ce.Write(
			zap.Int("queueSize", newSize),
			zap.String("channelName", q.channelName),
		)
	}

	q.schedule()

	return call.promise.Future(), true
}

// schedule drains as many queued requests as the delegate will accept.
// Called when requests are submitted and when they complete. Reentrant:
// concurrent passes interleave safely because each queue operation and each
// delegate attempt is atomic.
func (q *QueuedChannel) schedule() {
	numScheduled := 0
	for q.scheduleNextTask() {
		numScheduled++
	}

	if ce := q.logger.Check(zap.DebugLevel, "scheduled requests"); ce != nil {
		ce.Write(
			zap.Int("numScheduled", numScheduled),
			zap.String("channelName", q.channelName),
		)
	}
}

func (q *QueuedChannel) incrementQueueSize() int {
	if q.instrument != nil {
		q.instrument.IncrementQueued()
	}
	return int(q.sizeEstimate.Inc())
}

func (q *QueuedChannel) decrementQueueSize() {
	q.sizeEstimate.Dec()
	if q.instrument != nil {
		q.instrument.DecrementQueued()
	}
}

func (q *QueuedChannel) recordQueuedTime(d time.Duration) {
	if q.instrument != nil {
		q.instrument.RecordQueuedTime(d)
	}
}

// scheduleNextTask attempts to dispatch the queue head. If the delegate
// accepts, the dispatched future is wired to the one previously returned to
// the caller. If it declines, the head goes back to the front of the queue.
// Returns true if more requests may be schedulable.
func (q *QueuedChannel) scheduleNextTask() bool {
	head, ok := q.queued.pollFirst()
	if !ok {
		return false
	}
	queuedResponse := head.promise
	// If the future completed already (most likely via cancel) the call must
	// not be dispatched. Cancel may still race between this check and the
	// dispatch; the scheduled request is promptly canceled in that case.
	if queuedResponse.Future().IsDone() {
		q.decrementQueueSize()
		head.span.Finish()
		q.recordQueuedTime(time.Since(head.enqueued))
		return true
	}

	scheduled := q.tracer.StartSpan(_scheduledSpan, opentracing.ChildOf(head.span.Context()))
	defer scheduled.Finish()

	result, ok := q.delegate.MaybeExecute(head.ctx, head.endpoint, head.request)
	if ok {
		q.decrementQueueSize()
		head.span.Finish()
		q.recordQueuedTime(time.Since(head.enqueued))
		result.Listen(func(resp *transport.Response, err error) {
			q.forwardAndSchedule(queuedResponse, resp, err)
		})
		queuedResponse.Future().Listen(func(_ *transport.Response, err error) {
			if !errors.Is(err, channel.ErrCanceled) {
				return
			}
			if !result.Cancel() {
				if ce := q.logger.Check(zap.DebugLevel, "failed to cancel delegate response"); ce != nil {
					ce.Write(
						zap.String("channel", q.channelName),
						zap.String("service", head.endpoint.ServiceName),
						zap.String("endpoint", head.endpoint.EndpointName),
					)
				}
			}
		})
		return true
	}

	if !q.queued.pushFront(head) {
		// Should never happen, the deque has no maximum size.
		q.logger.Error("failed to add an attempted call back to the deque",
			zap.String("channel", q.channelName),
			zap.String("service", head.endpoint.ServiceName),
			zap.String("endpoint", head.endpoint.EndpointName),
		)
		q.decrementQueueSize()
		head.span.Finish()
		q.recordQueuedTime(time.Since(head.enqueued))
		if !queuedResponse.Fail(fmt.Errorf(
			"failed to re-queue request for %s", head.endpoint)) {
			q.logger.Debug("queued response has already been completed",
				zap.String("channel", q.channelName),
				zap.String("service", head.endpoint.ServiceName),
				zap.String("endpoint", head.endpoint.EndpointName),
			)
		}
	}
	return false
}

// forwardAndSchedule forwards the outcome of a dispatched request to the
// future previously returned to the caller, then runs another scheduling
// pass. If the caller's future was already completed, a late response body
// belongs to nobody else and is closed here.
func (q *QueuedChannel) forwardAndSchedule(promise *channel.Promise, resp *transport.Response, err error) {
	if err == nil {
		if !promise.Complete(resp) {
			_ = resp.Close()
		}
	} else if !promise.Fail(err) {
		if errors.Is(err, channel.ErrCanceled) {
			q.logger.Debug("call was canceled", zap.Error(err))
		} else {
			q.logger.Info("call failed after the future completed", zap.Error(err))
		}
	}
	q.schedule()
}
