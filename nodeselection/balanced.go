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
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
)

const (
	// Half-life of the failure and success reservoirs.
	_balancedHalfLife = 30 * time.Second

	// A QoS response is a much stronger signal than a single failure.
	_failureWeight = 1.0
	_qosWeight     = 10.0

	// Recent successes earn a small discount, so a host digging out of a
	// bad patch is retried before its failure memory fully decays.
	_successDiscount = 0.3

	// Random noise added to each score snapshot, enough to break ties
	// without reordering meaningfully different hosts.
	_tieBreakNoise = 0.25
)

// Balanced scores each host by load and recent history, attempting hosts in
// ascending score order. An idle host with no recent failures scores zero.
type Balanced struct {
	hosts      []*scoredHost
	instrument BalancedInstrumentation

	randMu sync.Mutex
	rand   *rand.Rand
}

type scoredHost struct {
	host      Host
	inflight  *atomic.Int32
	failures  *reservoir
	successes *reservoir
}

func (s *scoredHost) score() float64 {
	score := float64(s.inflight.Load()) + s.failures.get() - _successDiscount*s.successes.get()
	return math.Max(0, score)
}

func (s *scoredHost) observe(resp *transport.Response, err error) {
	if err != nil {
		if !errors.Is(err, channel.ErrCanceled) {
			s.failures.add(_failureWeight)
		}
		return
	}
	switch {
	case resp == nil:
		s.successes.add(1)
	case resp.Status == 429 || resp.Status == 503:
		s.failures.add(_qosWeight)
	case resp.Status >= 500 || resp.Status == 308:
		s.failures.add(_failureWeight)
	case resp.Status < 300:
		s.successes.add(1)
	}
}

// NewBalanced builds the strategy.
func NewBalanced(hosts []Host, opts ...Option) *Balanced {
	o := defaultOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}
	scored := make([]*scoredHost, len(hosts))
	for i, h := range hosts {
		scored[i] = &scoredHost{
			host:      h,
			inflight:  atomic.NewInt32(0),
			failures:  newReservoir(_balancedHalfLife, nil),
			successes: newReservoir(_balancedHalfLife, nil),
		}
	}
	return &Balanced{
		hosts:      scored,
		instrument: o.balanced,
		rand:       rand.New(rand.NewSource(o.seed)),
	}
}

// MaybeExecute attempts hosts in ascending score order and returns the first
// acceptance.
func (b *Balanced) MaybeExecute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*channel.Future, bool) {
	if idx, ok := b.hintIndex(req); ok {
		if f, done := b.attempt(ctx, b.hosts[idx], endpoint, req); done {
			return f, true
		}
	}
	for _, sh := range b.rank() {
		if f, ok := b.attempt(ctx, sh, endpoint, req); ok {
			return f, true
		}
	}
	return nil, false
}

func (b *Balanced) attempt(ctx context.Context, sh *scoredHost, endpoint transport.Endpoint, req *transport.Request) (*channel.Future, bool) {
	sh.inflight.Inc()
	result, ok := sh.host.Channel.MaybeExecute(ctx, endpoint, req)
	if !ok {
		sh.inflight.Dec()
		return nil, false
	}
	result.Listen(func(resp *transport.Response, err error) {
		sh.inflight.Dec()
		sh.observe(resp, err)
		if b.instrument != nil {
			b.instrument.Score(sh.host.ID, int64(math.Round(sh.score())))
		}
	})
	return result, true
}

func (b *Balanced) rank() []*scoredHost {
	type entry struct {
		host  *scoredHost
		score float64
	}
	entries := make([]entry, len(b.hosts))
	b.randMu.Lock()
	for i, sh := range b.hosts {
		entries[i] = entry{host: sh, score: sh.score() + b.rand.Float64()*_tieBreakNoise}
	}
	b.randMu.Unlock()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].score < entries[j].score
	})
	ranked := make([]*scoredHost, len(entries))
	for i, e := range entries {
		ranked[i] = e.host
	}
	return ranked
}

func (b *Balanced) hintIndex(req *transport.Request) (int, bool) {
	if req == nil || req.RoutingHint == "" {
		return 0, false
	}
	for i, sh := range b.hosts {
		if sh.host.ID == req.RoutingHint {
			return i, true
		}
	}
	return 0, false
}
