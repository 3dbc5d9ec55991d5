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

// Package limiter provides an additive-increase multiplicative-decrease
// concurrency limiter. One limiter guards one upstream host: Acquire hands
// out a permit when the host's adaptive ceiling allows another outstanding
// request, and the outcome reported at release moves the ceiling.
package limiter

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
)

const (
	initialLimit = 20.0
	minLimit     = 1.0
	maxLimit     = 1000.0

	// Multiplicative decrease applied when a request observes backpressure.
	backoffRatio = 0.9
)

// Behavior selects which traffic a limiter is accounting for. Host and
// endpoint limiters share the same outcome classification; the behavior is
// retained on the limiter for instrumentation.
type Behavior int

const (
	// BehaviorHost accounts for all traffic to a single host.
	BehaviorHost Behavior = iota

	// BehaviorEndpoint accounts for traffic to a single endpoint of a host.
	BehaviorEndpoint
)

func (b Behavior) String() string {
	switch b {
	case BehaviorHost:
		return "host"
	case BehaviorEndpoint:
		return "endpoint"
	default:
		return "unknown"
	}
}

// Outcome classifies a completed request for limit accounting.
type Outcome int

const (
	// OutcomeSuccess grows the limit additively.
	OutcomeSuccess Outcome = iota

	// OutcomeDropped shrinks the limit multiplicatively. Dropped means the
	// host signaled overload or the request failed in transit.
	OutcomeDropped

	// OutcomeIgnore leaves the limit unchanged.
	OutcomeIgnore
)

// Classify maps a completed request to its limiter outcome. A nil response
// with a nil error is treated as a success for bodiless completions.
//
// QoS statuses (429, 503) and permanent redirects (308) signal load shedding
// and count as drops, as do transport failures. Non-QoS server errors say
// nothing about concurrency, so they are ignored, as are cancellations.
func Classify(resp *transport.Response, err error) Outcome {
	if err != nil {
		if errors.Is(err, channel.ErrCanceled) || errors.Is(err, context.Canceled) {
			return OutcomeIgnore
		}
		return OutcomeDropped
	}
	if resp == nil {
		return OutcomeSuccess
	}
	switch {
	case resp.Status == 429 || resp.Status == 503 || resp.Status == 308:
		return OutcomeDropped
	case resp.Status >= 500:
		return OutcomeIgnore
	default:
		return OutcomeSuccess
	}
}

// Limiter is an AIMD concurrency limiter for a single host. The zero value
// is not usable; construct with New.
type Limiter struct {
	behavior Behavior
	onLeak   func()

	mu       sync.Mutex
	limit    float64
	inflight int
}

// Option customizes a limiter.
type Option interface {
	apply(*Limiter)
}

type optionFunc func(*Limiter)

func (f optionFunc) apply(l *Limiter) { f(l) }

// OnLeak installs a callback invoked when a permit is collected without
// having been released. Used for leak telemetry.
func OnLeak(fn func()) Option {
	return optionFunc(func(l *Limiter) {
		l.onLeak = fn
	})
}

// New creates a limiter with the initial concurrency ceiling.
func New(behavior Behavior, opts ...Option) *Limiter {
	l := &Limiter{
		behavior: behavior,
		limit:    initialLimit,
	}
	for _, o := range opts {
		o.apply(l)
	}
	return l
}

// Behavior returns the limiter's accounting behavior.
func (l *Limiter) Behavior() Behavior {
	return l.behavior
}

// Limit returns the current concurrency ceiling.
func (l *Limiter) Limit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Inflight returns the number of outstanding permits.
func (l *Limiter) Inflight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight
}

// Acquire returns a permit when the host has headroom, or false when the
// limit has been reached. Acquire never blocks.
func (l *Limiter) Acquire() (*Permit, bool) {
	l.mu.Lock()
	if l.inflight >= int(math.Floor(l.limit)) {
		l.mu.Unlock()
		return nil, false
	}
	l.inflight++
	l.mu.Unlock()

	p := &Permit{limiter: l}
	// A permit that goes out of scope unreleased still returns its slot,
	// with an ignore outcome, and reports the leak.
	runtime.SetFinalizer(p, leakedPermit)
	return p, true
}

func leakedPermit(p *Permit) {
	if p.release(OutcomeIgnore) && p.limiter.onLeak != nil {
		p.limiter.onLeak()
	}
}

func (l *Limiter) onRelease(outcome Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight--
	switch outcome {
	case OutcomeSuccess:
		l.limit = math.Min(maxLimit, l.limit+1/l.limit)
	case OutcomeDropped:
		l.limit = math.Max(minLimit, l.limit*backoffRatio)
	case OutcomeIgnore:
	}
}

// Permit represents one outstanding request against the host. It must be
// released exactly once; releasing again is a no-op.
type Permit struct {
	limiter  *Limiter
	released atomic.Bool
}

// Success releases the permit, growing the limit.
func (p *Permit) Success() {
	p.release(OutcomeSuccess)
}

// Dropped releases the permit, backing the limit off.
func (p *Permit) Dropped() {
	p.release(OutcomeDropped)
}

// Ignore releases the permit without moving the limit.
func (p *Permit) Ignore() {
	p.release(OutcomeIgnore)
}

// OnResult releases the permit with the outcome classified from a completed
// request.
func (p *Permit) OnResult(resp *transport.Response, err error) {
	p.release(Classify(resp, err))
}

func (p *Permit) release(outcome Outcome) bool {
	if !p.released.CAS(false, true) {
		return false
	}
	runtime.SetFinalizer(p, nil)
	p.limiter.onRelease(outcome)
	return true
}
