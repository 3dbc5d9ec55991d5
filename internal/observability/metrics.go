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

// Package observability builds the client's metric catalog over a tagged
// metric scope. All types tolerate a nil scope, reporting nothing, so the
// admission layers never need to check whether metrics are wired.
package observability

import (
	"math"
	"runtime"
	"time"

	"go.uber.org/conduit/api/transport"
	"go.uber.org/net/metrics"
	"go.uber.org/net/metrics/bucket"
	"go.uber.org/zap"
)

const (
	_channel  = "channel"
	_service  = "service"
	_endpoint = "endpoint"
	_status   = "status"
	_reason   = "reason"
	_host     = "host"
	_strategy = "strategy"

	// StatusSuccess tags 2xx responses.
	StatusSuccess = "success"
	// StatusFailure tags QoS, server error, and transport failure outcomes.
	StatusFailure = "failure"
)

var _bucketsMs = bucket.NewRPCLatency()

// Metrics is the per-client metric catalog. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	logger *zap.Logger
	meter  *metrics.Scope
	tags   metrics.Tags

	responses        *metrics.CounterVector
	successLatencies *metrics.Histogram
	failureLatencies *metrics.Histogram
	limited          *metrics.CounterVector
	limiterMax       *metrics.GaugeVector
	limiterInflight  *metrics.GaugeVector
	pinSuccess       *metrics.Counter
	pinNextNode      *metrics.CounterVector
	pinReshuffle     *metrics.Counter
	balancedScore    *metrics.GaugeVector
	strategy         *metrics.CounterVector
	permitLeaks      *metrics.Counter
	responseLeaks    *metrics.Counter
}

// New builds the catalog under the given scope, tagging every metric with
// the channel name. A nil scope produces a no-op catalog.
func New(meter *metrics.Scope, channelName string, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		return nil
	}
	tags := metrics.Tags{_channel: channelName}
	m := &Metrics{logger: logger, meter: meter, tags: tags}
	var err error

	if m.responses, err = meter.CounterVector(metrics.Spec{
		Name:      "client_response",
		Help:      "Responses observed by the client, by endpoint and disposition.",
		ConstTags: tags,
		VarTags:   []string{_service, _endpoint, _status},
	}); err != nil {
		logger.Error("Failed to create response counter.", zap.Error(err))
	}
	if m.successLatencies, err = meter.Histogram(metrics.HistogramSpec{
		Spec: metrics.Spec{
			Name:      "client_response_success_latency_ms",
			Help:      "Latency distribution of successful requests.",
			ConstTags: tags,
		},
		Unit:    time.Millisecond,
		Buckets: _bucketsMs,
	}); err != nil {
		logger.Error("Failed to create success latency histogram.", zap.Error(err))
	}
	if m.failureLatencies, err = meter.Histogram(metrics.HistogramSpec{
		Spec: metrics.Spec{
			Name:      "client_response_failure_latency_ms",
			Help:      "Latency distribution of failed requests.",
			ConstTags: tags,
		},
		Unit:    time.Millisecond,
		Buckets: _bucketsMs,
	}); err != nil {
		logger.Error("Failed to create failure latency histogram.", zap.Error(err))
	}
	if m.limited, err = meter.CounterVector(metrics.Spec{
		Name:      "limited",
		Help:      "Requests declined by a limited channel.",
		ConstTags: tags,
		VarTags:   []string{_reason},
	}); err != nil {
		logger.Error("Failed to create limited counter.", zap.Error(err))
	}
	if m.limiterMax, err = meter.GaugeVector(metrics.Spec{
		Name:      "concurrencylimiter_max",
		Help:      "Current concurrency ceiling, per host.",
		ConstTags: tags,
		VarTags:   []string{_host},
	}); err != nil {
		logger.Error("Failed to create limiter max gauge.", zap.Error(err))
	}
	if m.limiterInflight, err = meter.GaugeVector(metrics.Spec{
		Name:      "concurrencylimiter_in_flight",
		Help:      "Outstanding permits, per host.",
		ConstTags: tags,
		VarTags:   []string{_host},
	}); err != nil {
		logger.Error("Failed to create limiter in-flight gauge.", zap.Error(err))
	}
	if m.pinSuccess, err = meter.Counter(metrics.Spec{
		Name:      "pinuntilerror_success",
		Help:      "Successful responses from the pinned host.",
		ConstTags: tags,
	}); err != nil {
		logger.Error("Failed to create pin success counter.", zap.Error(err))
	}
	if m.pinNextNode, err = meter.CounterVector(metrics.Spec{
		Name:      "pinuntilerror_nextnode",
		Help:      "Pinned host advances, by reason.",
		ConstTags: tags,
		VarTags:   []string{_reason},
	}); err != nil {
		logger.Error("Failed to create pin next-node counter.", zap.Error(err))
	}
	if m.pinReshuffle, err = meter.Counter(metrics.Spec{
		Name:      "pinuntilerror_reshuffle",
		Help:      "Host order reshuffles.",
		ConstTags: tags,
	}); err != nil {
		logger.Error("Failed to create pin reshuffle counter.", zap.Error(err))
	}
	if m.balancedScore, err = meter.GaugeVector(metrics.Spec{
		Name:      "balanced_score",
		Help:      "Balanced strategy score, per host.",
		ConstTags: tags,
		VarTags:   []string{_host},
	}); err != nil {
		logger.Error("Failed to create balanced score gauge.", zap.Error(err))
	}
	if m.strategy, err = meter.CounterVector(metrics.Spec{
		Name:      "nodeselection_strategy",
		Help:      "Node selection strategy activations.",
		ConstTags: tags,
		VarTags:   []string{_strategy},
	}); err != nil {
		logger.Error("Failed to create strategy counter.", zap.Error(err))
	}
	if m.permitLeaks, err = meter.Counter(metrics.Spec{
		Name:      "permit_leak_suspected",
		Help:      "Permits collected without an explicit release.",
		ConstTags: tags,
	}); err != nil {
		logger.Error("Failed to create permit leak counter.", zap.Error(err))
	}
	if m.responseLeaks, err = meter.Counter(metrics.Spec{
		Name:      "response_leak",
		Help:      "Response bodies collected without an explicit close.",
		ConstTags: tags,
	}); err != nil {
		logger.Error("Failed to create response leak counter.", zap.Error(err))
	}
	return m
}

// Response records a completed request.
func (m *Metrics) Response(endpoint transport.Endpoint, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.responses != nil {
		if c, err := m.responses.Get(
			_service, endpoint.ServiceName,
			_endpoint, endpoint.EndpointName,
			_status, status,
		); err == nil {
			c.Inc()
		}
	}
	if status == StatusSuccess {
		if m.successLatencies != nil {
			m.successLatencies.Observe(elapsed)
		}
	} else if m.failureLatencies != nil {
		m.failureLatencies.Observe(elapsed)
	}
}

// Limited records a declined request.
func (m *Metrics) Limited(reason string) {
	if m == nil || m.limited == nil {
		return
	}
	if c, err := m.limited.Get(_reason, reason); err == nil {
		c.Inc()
	}
}

// HostLimit publishes the limiter ceiling for a host, rounded to the
// nearest integer.
func (m *Metrics) HostLimit(host string, limit float64) {
	if m == nil || m.limiterMax == nil {
		return
	}
	if g, err := m.limiterMax.Get(_host, host); err == nil {
		g.Store(int64(math.Round(limit)))
	}
}

// HostInflight publishes the outstanding permit count for a host.
func (m *Metrics) HostInflight(host string, inflight int64) {
	if m == nil || m.limiterInflight == nil {
		return
	}
	if g, err := m.limiterInflight.Get(_host, host); err == nil {
		g.Store(inflight)
	}
}

// PinSuccess counts a success from the pinned host.
func (m *Metrics) PinSuccess() {
	if m == nil || m.pinSuccess == nil {
		return
	}
	m.pinSuccess.Inc()
}

// PinNextNode counts an advance off the pinned host.
func (m *Metrics) PinNextNode(reason string) {
	if m == nil || m.pinNextNode == nil {
		return
	}
	if c, err := m.pinNextNode.Get(_reason, reason); err == nil {
		c.Inc()
	}
}

// PinReshuffle counts a host order reshuffle.
func (m *Metrics) PinReshuffle() {
	if m == nil || m.pinReshuffle == nil {
		return
	}
	m.pinReshuffle.Inc()
}

// BalancedScore publishes a host's balanced-strategy score.
func (m *Metrics) BalancedScore(host string, score int64) {
	if m == nil || m.balancedScore == nil {
		return
	}
	if g, err := m.balancedScore.Get(_host, host); err == nil {
		g.Store(score)
	}
}

// Strategy counts activation of a node selection strategy.
func (m *Metrics) Strategy(name string) {
	if m == nil || m.strategy == nil {
		return
	}
	if c, err := m.strategy.Get(_strategy, name); err == nil {
		c.Inc()
	}
}

// PermitLeaked counts a leaked permit.
func (m *Metrics) PermitLeaked() {
	if m == nil || m.permitLeaks == nil {
		return
	}
	m.permitLeaks.Inc()
}

// ResponseLeaked counts a leaked response body.
func (m *Metrics) ResponseLeaked() {
	if m == nil || m.responseLeaks == nil {
		return
	}
	m.responseLeaks.Inc()
}

// QueueInstrumentation builds the channel-wide queue instrumentation.
func (m *Metrics) QueueInstrumentation() *QueueInstrumentation {
	if m == nil {
		return nil
	}
	return m.newQueueInstrumentation("requests_queued", "request_queued_time_ms", nil)
}

// EndpointQueueInstrumentation builds queue instrumentation scoped to a
// single endpoint, for per-endpoint queues.
func (m *Metrics) EndpointQueueInstrumentation(endpoint transport.Endpoint) *QueueInstrumentation {
	if m == nil {
		return nil
	}
	return m.newQueueInstrumentation(
		"requests_endpoint_queued",
		"request_endpoint_queued_time_ms",
		metrics.Tags{
			_service:  endpoint.ServiceName,
			_endpoint: endpoint.EndpointName,
		},
	)
}

func (m *Metrics) newQueueInstrumentation(gaugeName, timeName string, extraTags metrics.Tags) *QueueInstrumentation {
	tags := metrics.Tags{}
	for k, v := range m.tags {
		tags[k] = v
	}
	for k, v := range extraTags {
		tags[k] = v
	}
	qi := &QueueInstrumentation{}
	var err error
	if qi.queued, err = m.meter.Gauge(metrics.Spec{
		Name:      gaugeName,
		Help:      "Requests waiting in the client queue.",
		ConstTags: tags,
	}); err != nil {
		m.logger.Error("Failed to create queued gauge.", zap.Error(err))
	}
	if qi.queuedTime, err = m.meter.Histogram(metrics.HistogramSpec{
		Spec: metrics.Spec{
			Name:      timeName,
			Help:      "Time spent by requests in the client queue.",
			ConstTags: tags,
		},
		Unit:    time.Millisecond,
		Buckets: _bucketsMs,
	}); err != nil {
		m.logger.Error("Failed to create queued time histogram.", zap.Error(err))
	}
	return qi
}

// QueueInstrumentation reports queue depth and queue time. A nil value is
// valid and records nothing.
type QueueInstrumentation struct {
	queued     *metrics.Gauge
	queuedTime *metrics.Histogram
}

// IncrementQueued records an enqueue.
func (q *QueueInstrumentation) IncrementQueued() {
	if q == nil || q.queued == nil {
		return
	}
	q.queued.Inc()
}

// DecrementQueued records a dequeue.
func (q *QueueInstrumentation) DecrementQueued() {
	if q == nil || q.queued == nil {
		return
	}
	q.queued.Dec()
}

// RecordQueuedTime records the time a request spent queued.
func (q *QueueInstrumentation) RecordQueuedTime(d time.Duration) {
	if q == nil || q.queuedTime == nil {
		return
	}
	q.queuedTime.Observe(d)
}

// DetectBodyLeak arms leak detection on a response: if the response is
// collected without having been closed, onLeak fires and the body is
// released. Closing the response does not remove the finalizer; a response
// already closed when it is collected is skipped. Detection depends on the
// garbage collector running, so it is best-effort, like the rest of leak
// telemetry.
func DetectBodyLeak(resp *transport.Response, onLeak func()) {
	if resp == nil || resp.Body == nil {
		return
	}
	runtime.SetFinalizer(resp, func(r *transport.Response) {
		if r.Closed() {
			return
		}
		if onLeak != nil {
			onLeak()
		}
		_ = r.Close()
	})
}
