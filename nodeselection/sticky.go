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
	"go.uber.org/zap"
)

// Sticky is a session-pinned view over a host pool. Until a host accepts a
// request the view behaves like a simple ordered scan; the first host to
// accept becomes the session's host, and every later request targets only
// it. Sessions built over the same pool share the per-host channels and
// therefore the per-host limiters.
type Sticky struct {
	hosts  []Host
	chosen *atomic.Int32
	logger *zap.Logger
}

// NewSticky builds a fresh session view over the hosts.
func NewSticky(hosts []Host, opts ...Option) *Sticky {
	o := defaultOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}
	return &Sticky{
		hosts:  hosts,
		chosen: atomic.NewInt32(-1),
		logger: o.logger,
	}
}

// MaybeExecute routes to the session's host once one is pinned, declining
// when that host is limited so the session's queue absorbs the request.
func (s *Sticky) MaybeExecute(ctx context.Context, endpoint transport.Endpoint, req *transport.Request) (*channel.Future, bool) {
	if chosen := s.chosen.Load(); chosen >= 0 {
		return s.hosts[chosen].Channel.MaybeExecute(ctx, endpoint, req)
	}
	for i := range s.hosts {
		result, ok := s.hosts[i].Channel.MaybeExecute(ctx, endpoint, req)
		if !ok {
			continue
		}
		// Two concurrent first requests may race here; the first CAS wins
		// and later requests follow its host.
		if s.chosen.CAS(-1, int32(i)) {
			if ce := s.logger.Check(zap.DebugLevel, "pinned session host"); ce != nil {
				ce.Write(zap.String("host", s.hosts[i].ID))
			}
		}
		return result, true
	}
	return nil, false
}

// ChosenHost returns the pinned host's identifier, or false before any host
// accepted.
func (s *Sticky) ChosenHost() (string, bool) {
	chosen := s.chosen.Load()
	if chosen < 0 {
		return "", false
	}
	return s.hosts[chosen].ID, true
}
