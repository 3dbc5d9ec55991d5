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

// Package retry re-attempts failed requests. Backpressure responses back off
// exponentially or per the server's Retry-After; transport failures back
// off; permanent redirects re-route to the named host immediately without
// spending retry budget. Backoff waits are scheduled with timers, never by
// blocking the caller.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
	"go.uber.org/zap"
)

const (
	_defaultMaxRetries      = 4
	_defaultBackoffSlotSize = 250 * time.Millisecond

	// Redirect chains do not consume retry budget, so they need their own
	// terminator for misconfigured servers that redirect in a loop.
	_maxRedirects = 20

	_locationHeader   = "Location"
	_retryAfterHeader = "Retry-After"
)

// ErrLimited is returned by retry delegates when every host declined a
// request. It is retryable with backoff.
var ErrLimited = errors.New("no host accepted the request")

// ServerQoS selects how QoS responses (429, 503) are handled.
type ServerQoS int

const (
	// AutomaticRetry retries QoS responses, honoring Retry-After.
	AutomaticRetry ServerQoS = iota

	// PropagateQosToCaller returns QoS responses to the caller unretried.
	PropagateQosToCaller
)

// RetryOnTimeout selects whether timed-out requests are retried.
type RetryOnTimeout int

const (
	// Disabled fails timed-out requests to the caller.
	Disabled RetryOnTimeout = iota

	// DangerousEnableAtRiskOfRetryStorms retries timeouts like transport
	// failures. Dangerous because timeouts are frequently a symptom of
	// overload.
	DangerousEnableAtRiskOfRetryStorms
)

// Channel wraps a delegate with retries. First attempts flow through the
// primary delegate (normally the client queue); retries flow through the
// retry delegate (normally node selection directly) so that a retried
// request does not queue twice.
type Channel struct {
	delegate      channel.Channel
	retryDelegate channel.Channel

	maxRetries     int
	slot           time.Duration
	serverQoS      ServerQoS
	retryOnTimeout RetryOnTimeout
	observer       *observer
	logger         *zap.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option customizes a retrying channel.
type Option interface {
	apply(*Channel)
}

type optionFunc func(*Channel)

func (f optionFunc) apply(c *Channel) { f(c) }

// Retries sets the maximum number of retries per request.
//
// Defaults to 4.
func Retries(n int) Option {
	return optionFunc(func(c *Channel) {
		c.maxRetries = n
	})
}

// BackoffSlotSize sets the exponential backoff slot.
//
// Defaults to 250ms.
func BackoffSlotSize(d time.Duration) Option {
	return optionFunc(func(c *Channel) {
		c.slot = d
	})
}

// WithServerQoS sets the QoS response policy.
func WithServerQoS(q ServerQoS) Option {
	return optionFunc(func(c *Channel) {
		c.serverQoS = q
	})
}

// WithRetryOnTimeout sets the timeout retry policy.
func WithRetryOnTimeout(r RetryOnTimeout) Option {
	return optionFunc(func(c *Channel) {
		c.retryOnTimeout = r
	})
}

// WithTally sets a tally scope for retry metrics.
func WithTally(scope tally.Scope) Option {
	return optionFunc(func(c *Channel) {
		c.observer = newObserver(scope)
	})
}

// Logger specifies a logger.
func Logger(logger *zap.Logger) Option {
	return optionFunc(func(c *Channel) {
		c.logger = logger
	})
}

// Seed specifies the random seed for backoff jitter.
func Seed(seed int64) Option {
	return optionFunc(func(c *Channel) {
		c.rand = rand.New(rand.NewSource(seed))
	})
}

// New creates a retrying channel. retryDelegate may be nil, in which case
// retries flow through the primary delegate.
func New(delegate channel.Channel, retryDelegate channel.Channel, opts ...Option) *Channel {
	c := &Channel{
		delegate:      delegate,
		retryDelegate: retryDelegate,
		maxRetries:    _defaultMaxRetries,
		slot:          _defaultBackoffSlotSize,
		observer:      newObserver(tally.NoopScope),
		logger:        zap.NewNop(),
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o.apply(c)
	}
	if c.retryDelegate == nil {
		c.retryDelegate = c.delegate
	}
	return c
}

// Execute runs the request, retrying per policy. The returned future
// completes with the final attempt's outcome; earlier outcomes are replaced
// transparently.
func (c *Channel) Execute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) *channel.Future {
	promise := channel.NewPromise()
	attempt := &call{
		channel:  c,
		ctx:      ctx,
		endpoint: endpoint,
		req:      req,
		promise:  promise,
	}
	// A caller cancellation must reach whichever attempt or backoff timer
	// is outstanding at that moment.
	promise.Future().Listen(func(_ *transport.Response, err error) {
		if errors.Is(err, channel.ErrCanceled) {
			attempt.cancelInflight()
		}
	})
	attempt.attempt(c.delegate)
	return promise.Future()
}

type call struct {
	channel  *Channel
	ctx      context.Context
	endpoint transport.Endpoint
	req      *transport.Request
	promise  *channel.Promise

	failures  int
	redirects int

	current atomic.Value // *channel.Future of the outstanding attempt
	timer   atomic.Value // *time.Timer of the pending backoff
}

func (c *call) cancelInflight() {
	if t, ok := c.timer.Load().(*time.Timer); ok && t != nil {
		t.Stop()
	}
	if f, ok := c.current.Load().(*channel.Future); ok && f != nil {
		f.Cancel()
	}
}

func (c *call) attempt(through channel.Channel) {
	if c.promise.Future().IsDone() {
		return
	}
	c.channel.observer.call()
	result := through.Execute(c.ctx, c.endpoint, c.req)
	c.current.Store(result)
	// The caller may have canceled between the done-check and the store;
	// re-check so the attempt doesn't outlive the caller's interest.
	if c.promise.Future().Canceled() {
		result.Cancel()
	}
	result.Listen(c.onResult)
}

func (c *call) onResult(resp *transport.Response, err error) {
	if c.promise.Future().IsDone() {
		// Most likely canceled while this attempt was in flight. The
		// response belongs to nobody now.
		_ = resp.Close()
		return
	}

	if err != nil {
		c.onError(err)
		return
	}

	switch {
	case resp.Status == 429:
		c.onQoS(resp, ReasonStatus429)
	case resp.Status == 503:
		c.onQoS(resp, ReasonStatus503)
	case resp.Status == 308:
		c.onRedirect(resp)
	case resp.Status >= 500:
		c.onServerError(resp)
	default:
		c.finish(resp, nil)
	}
}

func (c *call) onError(err error) {
	switch {
	case errors.Is(err, channel.ErrCanceled) || errors.Is(err, context.Canceled):
		c.finish(nil, err)
	case isTimeout(err):
		if c.channel.retryOnTimeout == DangerousEnableAtRiskOfRetryStorms && c.budgetRemains() {
			c.backoffRetry(ReasonTimeout, nil)
			return
		}
		c.finish(nil, err)
	case errors.Is(err, ErrLimited):
		if c.budgetRemains() {
			c.backoffRetry(ReasonLimited, nil)
			return
		}
		c.finish(nil, err)
	default:
		if c.budgetRemains() {
			c.backoffRetry(ReasonIOException, nil)
			return
		}
		c.finish(nil, err)
	}
}

func (c *call) onQoS(resp *transport.Response, reason string) {
	if c.channel.serverQoS == PropagateQosToCaller || !c.budgetRemains() {
		c.finish(resp, nil)
		return
	}
	retryAfter := parseRetryAfter(resp.Headers)
	_ = resp.Close()
	c.backoffRetry(reason, retryAfter)
}

// onRedirect retries a 308 immediately against the host named by Location.
// Redirects do not consume retry budget.
func (c *call) onRedirect(resp *transport.Response) {
	location, ok := resp.Headers.Get(_locationHeader)
	if !ok || c.redirects >= _maxRedirects {
		c.finish(resp, nil)
		return
	}
	_ = resp.Close()
	c.redirects++
	c.channel.observer.retry(ReasonStatus308)
	c.channel.logger.Debug("following permanent redirect",
		zap.String("location", location),
		zap.Int("redirects", c.redirects),
	)
	redirected := *c.req
	redirected.RoutingHint = location
	c.req = &redirected
	c.attempt(c.channel.retryDelegate)
}

func (c *call) onServerError(resp *transport.Response) {
	if c.endpoint.Idempotent() && c.budgetRemains() {
		_ = resp.Close()
		c.backoffRetry(ReasonStatus5xx, nil)
		return
	}
	c.finish(resp, nil)
}

func (c *call) budgetRemains() bool {
	return c.failures < c.channel.maxRetries
}

// backoffRetry schedules the next attempt. With no Retry-After, the wait is
// full-jitter exponential: uniform over [0, 2^failures * slot], both ends
// included.
func (c *call) backoffRetry(reason string, retryAfter *time.Duration) {
	var wait time.Duration
	if retryAfter != nil {
		wait = *retryAfter
	} else {
		window := c.channel.slot * (1 << uint(c.failures))
		c.channel.randMu.Lock()
		wait = time.Duration(c.channel.rand.Int63n(int64(window) + 1))
		c.channel.randMu.Unlock()
	}
	c.failures++
	c.channel.observer.retry(reason)
	c.channel.logger.Debug("retrying request",
		zap.String("reason", reason),
		zap.Int("failures", c.failures),
		zap.Duration("wait", wait),
	)
	timer := time.AfterFunc(wait, func() {
		c.attempt(c.channel.retryDelegate)
	})
	c.timer.Store(timer)
	// Cancel may have completed the promise while the timer was being
	// armed; its cancel listener could have missed the new timer.
	if c.promise.Future().Canceled() {
		timer.Stop()
	}
}

func (c *call) finish(resp *transport.Response, err error) {
	if err == nil {
		if resp != nil && resp.Status >= 200 && resp.Status < 300 {
			c.channel.observer.success()
		}
		if !c.promise.Complete(resp) {
			_ = resp.Close()
		}
		return
	}
	c.promise.Fail(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// parseRetryAfter reads a Retry-After header as either delay seconds or an
// HTTP date. Returns nil when absent or unparseable.
func parseRetryAfter(headers transport.Headers) *time.Duration {
	raw, ok := headers.Get(_retryAfterHeader)
	if !ok {
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
