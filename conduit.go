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

// Package conduit is a client-side request admission and routing engine.
// Given a set of hosts, it decides whether and where to send each request,
// queues requests no host is currently willing to accept, bounds concurrency
// to each host adaptively, and retries failures per policy.
//
// The pipeline per client is fixed:
//
//	caller → retry → queue → node selection → { concurrency-limited host } → transport
//
// Completion of any dispatched request flows back through each layer and
// triggers the next queued attempt.
package conduit

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/uber-go/tally"
	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
	"go.uber.org/conduit/concurrency"
	"go.uber.org/conduit/internal/observability"
	"go.uber.org/conduit/limiter"
	"go.uber.org/conduit/neverthrow"
	"go.uber.org/conduit/nodeselection"
	"go.uber.org/conduit/queue"
	"go.uber.org/conduit/x/retry"
	"go.uber.org/net/metrics"
	"go.uber.org/zap"
)

// Client executes requests against a service's hosts through the full
// admission pipeline.
type Client struct {
	cfg      Config
	top      channel.Channel
	selector channel.LimitedChannel
	hosts    []nodeselection.Host
	metrics  *observability.Metrics
	// Registries enforce metric uniqueness, so the channel-wide queue
	// instrumentation is created once and shared by sticky sessions.
	queueInstrumentation *observability.QueueInstrumentation
	opts                 clientOptions
}

type clientOptions struct {
	logger *zap.Logger
	meter  *metrics.Scope
	tally  tally.Scope
	tracer opentracing.Tracer
	seed   int64
	seeded bool
}

// Option customizes a client.
type Option interface {
	apply(*clientOptions)
}

type optionFunc func(*clientOptions)

func (f optionFunc) apply(o *clientOptions) { f(o) }

// WithLogger specifies a logger.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(o *clientOptions) {
		o.logger = logger
	})
}

// WithMetrics specifies the tagged metric scope for the client catalog.
func WithMetrics(meter *metrics.Scope) Option {
	return optionFunc(func(o *clientOptions) {
		o.meter = meter
	})
}

// WithTally specifies the tally scope for retry metrics.
func WithTally(scope tally.Scope) Option {
	return optionFunc(func(o *clientOptions) {
		o.tally = scope
	})
}

// WithTracer specifies the tracer for queued request spans.
func WithTracer(tracer opentracing.Tracer) Option {
	return optionFunc(func(o *clientOptions) {
		o.tracer = tracer
	})
}

// WithRandSeed fixes the seed behind host shuffles, tie-breaking, and
// backoff jitter, making routing deterministic for tests.
func WithRandSeed(seed int64) Option {
	return optionFunc(func(o *clientOptions) {
		o.seed = seed
		o.seeded = true
	})
}

// New builds a client from the configuration.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	o := clientOptions{
		logger: zap.NewNop(),
		tally:  tally.NoopScope,
		tracer: opentracing.GlobalTracer(),
	}
	for _, opt := range opts {
		opt.apply(&o)
	}
	if !o.seeded {
		o.seed = time.Now().UnixNano()
	}
	logger := o.logger.With(zap.String("channelName", cfg.ChannelName))

	m := observability.New(o.meter, cfg.ChannelName, logger)
	m.Strategy(string(cfg.NodeSelectionStrategy))

	hosts := make([]nodeselection.Host, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		hosts[i] = nodeselection.Host{
			ID:      h.ID,
			Channel: newHostChannel(cfg, h, m, logger),
		}
	}

	c := &Client{
		cfg:     cfg,
		hosts:   hosts,
		metrics: m,
		opts: clientOptions{
			logger: logger,
			meter:  o.meter,
			tally:  o.tally,
			tracer: o.tracer,
			seed:   o.seed,
			seeded: true,
		},
	}

	selector, err := nodeselection.New(cfg.NodeSelectionStrategy, hosts,
		nodeselection.Logger(logger),
		nodeselection.Seed(o.seed),
		nodeselection.InstrumentPin(pinInstrumentation{m}),
		nodeselection.InstrumentBalanced(balancedInstrumentation{m}),
	)
	if err != nil {
		return nil, err
	}
	c.selector = selector
	c.queueInstrumentation = m.QueueInstrumentation()
	c.top = c.assemble(selector, c.queueInstrumentation)
	return c, nil
}

// newHostChannel gates one host's transport per the client QoS policy.
func newHostChannel(cfg Config, h Host, m *observability.Metrics, logger *zap.Logger) channel.LimitedChannel {
	switch cfg.ClientQoS {
	case DangerousDisableSympatheticClientQoS:
		return channel.Adapt(neverthrow.Channel(h.Channel, logger))
	default:
		lim := limiter.New(limiter.BehaviorHost, limiter.OnLeak(m.PermitLeaked))
		return concurrency.New(h.Channel, lim,
			concurrency.Logger(logger.With(zap.String("host", h.ID))),
			concurrency.Instrument(limiterInstrumentation{metrics: m, host: h.ID}),
		)
	}
}

// assemble stacks the queue and retry layers over a node selector and
// finishes with response instrumentation.
func (c *Client) assemble(selector channel.LimitedChannel, qi queue.Instrumentation) channel.Channel {
	var queueOpts []queue.Option
	queueOpts = append(queueOpts,
		queue.ChannelName(c.cfg.ChannelName),
		queue.MaxQueueSize(c.cfg.MaxQueueSize),
		queue.Logger(c.opts.logger),
		queue.Tracer(c.opts.tracer),
	)
	if qi != nil {
		queueOpts = append(queueOpts, queue.Instrument(qi))
	}
	queued := queue.New(selector, queueOpts...)

	retrying := retry.New(queued, bypassQueue(selector),
		retry.Retries(c.cfg.MaxNumRetries),
		retry.BackoffSlotSize(c.cfg.BackoffSlotSize),
		retry.WithServerQoS(c.cfg.ServerQoS),
		retry.WithRetryOnTimeout(c.cfg.RetryOnTimeout),
		retry.WithTally(c.opts.tally.Tagged(map[string]string{"channel": c.cfg.ChannelName})),
		retry.Logger(c.opts.logger),
		retry.Seed(c.opts.seed),
	)
	return c.instrumented(retrying)
}

// bypassQueue adapts a node selector into the channel retries flow through:
// a retried request does not queue a second time, and a fully limited host
// set surfaces as a retryable error.
func bypassQueue(selector channel.LimitedChannel) channel.Channel {
	return channel.ChannelFunc(func(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) *channel.Future {
		if f, ok := selector.MaybeExecute(ctx, endpoint, req); ok {
			return f
		}
		return channel.FailedFuture(retry.ErrLimited)
	})
}

// instrumented records the per-response metric and arms body leak detection
// at the top of the pipeline.
func (c *Client) instrumented(delegate channel.Channel) channel.Channel {
	m := c.metrics
	return channel.ChannelFunc(func(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) *channel.Future {
		start := time.Now()
		result := delegate.Execute(ctx, endpoint, req)
		result.Listen(func(resp *transport.Response, err error) {
			m.Response(endpoint, responseStatus(resp, err), time.Since(start))
			if err == nil {
				observability.DetectBodyLeak(resp, m.ResponseLeaked)
			}
		})
		return result
	})
}

func responseStatus(resp *transport.Response, err error) string {
	if err != nil {
		return observability.StatusFailure
	}
	if resp != nil && (resp.Status == 429 || resp.Status >= 500) {
		return observability.StatusFailure
	}
	return observability.StatusSuccess
}

// Execute runs a request through the pipeline. The caller identity from the
// configuration is stamped on requests that don't carry one.
func (c *Client) Execute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) *channel.Future {
	if req != nil && req.Caller == "" && c.cfg.ClientName != "" {
		stamped := *req
		stamped.Caller = c.cfg.ClientName
		req = &stamped
	}
	return c.top.Execute(ctx, endpoint, req)
}

// EndpointChannel builds a channel with a dedicated queue for one endpoint,
// sharing the client's hosts, limiters, and retry policy. Endpoints with a
// dedicated queue don't compete for the client-wide queue bound.
func (c *Client) EndpointChannel(endpoint transport.Endpoint) channel.Channel {
	return c.assemble(c.selector, c.metrics.EndpointQueueInstrumentation(endpoint))
}

// Sticky mints a session-pinned channel over the client's hosts. The first
// host to accept a request from the session serves every later request; the
// session has its own queue but shares the per-host limiters with the
// client.
func (c *Client) Sticky() channel.Channel {
	sticky := nodeselection.NewSticky(c.hosts, nodeselection.Logger(c.opts.logger))
	return c.assemble(sticky, c.queueInstrumentation)
}

type limiterInstrumentation struct {
	metrics *observability.Metrics
	host    string
}

func (l limiterInstrumentation) Limited() {
	l.metrics.Limited(concurrency.LimitedReason)
}

func (l limiterInstrumentation) ReportState(limit float64, inflight int) {
	l.metrics.HostLimit(l.host, limit)
	l.metrics.HostInflight(l.host, int64(inflight))
}

type pinInstrumentation struct {
	metrics *observability.Metrics
}

func (p pinInstrumentation) Success() {
	p.metrics.PinSuccess()
}

func (p pinInstrumentation) NextNode(reason string) {
	p.metrics.PinNextNode(reason)
}

func (p pinInstrumentation) Reshuffle() {
	p.metrics.PinReshuffle()
}

type balancedInstrumentation struct {
	metrics *observability.Metrics
}

func (b balancedInstrumentation) Score(host string, score int64) {
	b.metrics.BalancedScore(host, score)
}
