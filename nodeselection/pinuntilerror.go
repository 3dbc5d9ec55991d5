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

package nodeselection

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
	"go.uber.org/conduit/limiter"
	"go.uber.org/zap"
)

// PinUntilError keeps routing to one host until it fails, then advances to
// the next. The host order is shuffled at construction and periodically
// reshuffled so that a fleet of clients does not converge on the same hosts.
type PinUntilError struct {
	nodes       *reshufflingNodeList
	currentHost *atomic.Int32
	instrument  PinInstrumentation
	logger      *zap.Logger
}

// NewPinUntilError builds the strategy. With noReshuffle the initial shuffle
// is kept for the lifetime of the channel.
func NewPinUntilError(hosts []Host, noReshuffle bool, opts ...Option) *PinUntilError {
	o := defaultOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}
	return &PinUntilError{
		nodes:       newReshufflingNodeList(hosts, rand.New(rand.NewSource(o.seed)), o.reshuffle, noReshuffle),
		currentHost: atomic.NewInt32(0),
		instrument:  o.pin,
		logger:      o.logger,
	}
}

// MaybeExecute tries the pinned host first and advances past hosts that are
// limited. Returns false only when every host declined.
func (p *PinUntilError) MaybeExecute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*channel.Future, bool) {
	hosts := p.nodes.snapshot(p.instrument)
	if f, ok := tryHint(ctx, hosts, endpoint, req); ok {
		return f, true
	}
	n := len(hosts)
	start := int(p.currentHost.Load()) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		result, ok := hosts[idx].Channel.MaybeExecute(ctx, endpoint, req)
		if !ok {
			p.advance(idx, n, ReasonLimited)
			continue
		}
		result.Listen(func(resp *transport.Response, err error) {
			p.observe(idx, n, resp, err)
		})
		return result, true
	}
	return nil, false
}

func (p *PinUntilError) observe(idx, n int, resp *transport.Response, err error) {
	switch limiter.Classify(resp, err) {
	case limiter.OutcomeSuccess:
		if int(p.currentHost.Load()) == idx && p.instrument != nil {
			p.instrument.Success()
		}
	case limiter.OutcomeDropped:
		reason := ReasonResponseCode
		if err != nil {
			reason = ReasonThrowable
		}
		p.advance(idx, n, reason)
	case limiter.OutcomeIgnore:
		// Server errors and cancellations say nothing about this host's
		// suitability as a pin.
	}
}

// advance moves the pin off idx. The compare-and-swap keeps concurrent
// failures from the same host from skipping hosts.
func (p *PinUntilError) advance(idx, n int, reason string) {
	if !p.currentHost.CAS(int32(idx), int32((idx+1)%n)) {
		return
	}
	if p.instrument != nil {
		p.instrument.NextNode(reason)
	}
	if ce := p.logger.Check(zap.DebugLevel, "advanced pinned host"); ce != nil {
		ce.Write(zap.Int("from", idx), zap.String("reason", reason))
	}
}

// reshufflingNodeList hands out the host order, recomputing the shuffle once
// per interval.
type reshufflingNodeList struct {
	mu          sync.Mutex
	hosts       []Host
	rand        *rand.Rand
	interval    time.Duration
	noReshuffle bool
	next        *atomic.Int64
}

func newReshufflingNodeList(hosts []Host, rnd *rand.Rand, interval time.Duration, noReshuffle bool) *reshufflingNodeList {
	shuffled := make([]Host, len(hosts))
	copy(shuffled, hosts)
	rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return &reshufflingNodeList{
		hosts:       shuffled,
		rand:        rnd,
		interval:    interval,
		noReshuffle: noReshuffle,
		next:        atomic.NewInt64(time.Now().Add(interval).UnixNano()),
	}
}

func (l *reshufflingNodeList) snapshot(instrument PinInstrumentation) []Host {
	if !l.noReshuffle {
		now := time.Now().UnixNano()
		if next := l.next.Load(); now >= next && l.next.CAS(next, now+l.interval.Nanoseconds()) {
			l.mu.Lock()
			// Replace rather than mutate so snapshots already handed out
			// stay stable.
			reshuffled := make([]Host, len(l.hosts))
			copy(reshuffled, l.hosts)
			l.rand.Shuffle(len(reshuffled), func(i, j int) {
				reshuffled[i], reshuffled[j] = reshuffled[j], reshuffled[i]
			})
			l.hosts = reshuffled
			l.mu.Unlock()
			if instrument != nil {
				instrument.Reshuffle()
			}
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hosts
}
