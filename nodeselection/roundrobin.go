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

	"go.uber.org/atomic"
	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
)

// RoundRobin spreads requests across hosts in rotation, advancing the
// starting host on every call and skipping hosts that decline.
type RoundRobin struct {
	hosts []Host
	next  *atomic.Int64
}

// NewRoundRobin builds the strategy.
func NewRoundRobin(hosts []Host, _ ...Option) *RoundRobin {
	return &RoundRobin{
		hosts: hosts,
		next:  atomic.NewInt64(0),
	}
}

// MaybeExecute returns the first host to accept, or false after a full
// revolution of refusals.
func (r *RoundRobin) MaybeExecute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*channel.Future, bool) {
	if f, ok := tryHint(ctx, r.hosts, endpoint, req); ok {
		return f, true
	}
	n := len(r.hosts)
	offset := int(r.next.Inc()-1) % n
	if offset < 0 {
		offset += n
	}
	for i := 0; i < n; i++ {
		idx := (offset + i) % n
		if result, ok := r.hosts[idx].Channel.MaybeExecute(ctx, endpoint, req); ok {
			return result, true
		}
	}
	return nil, false
}
