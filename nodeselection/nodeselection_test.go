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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/conduit/api/transport"
	"go.uber.org/conduit/internal/channeltest"
)

var _endpoint = transport.Endpoint{
	ServiceName:  "svc",
	EndpointName: "op",
	Method:       transport.MethodGet,
}

func newHosts(ids ...string) ([]Host, map[string]*channeltest.Limited) {
	hosts := make([]Host, len(ids))
	byID := make(map[string]*channeltest.Limited, len(ids))
	for i, id := range ids {
		ch := &channeltest.Limited{}
		hosts[i] = Host{ID: id, Channel: ch}
		byID[id] = ch
	}
	return hosts, byID
}

type recordingPin struct {
	mu         sync.Mutex
	successes  int
	nextNodes  []string
	reshuffles int
}

func (r *recordingPin) Success() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *recordingPin) NextNode(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextNodes = append(r.nextNodes, reason)
}

func (r *recordingPin) Reshuffle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reshuffles++
}

func TestParseStrategy(t *testing.T) {
	for _, valid := range []string{
		"pin-until-error", "pin-until-error-without-reshuffle", "round-robin", "balanced",
	} {
		s, err := ParseStrategy(valid)
		require.NoError(t, err)
		assert.Equal(t, Strategy(valid), s)
	}
	_, err := ParseStrategy("random")
	assert.Error(t, err)
}

func TestRoundRobinRotates(t *testing.T) {
	hosts, byID := newHosts("a", "b", "c")
	rr := NewRoundRobin(hosts)

	for i := 0; i < 3; i++ {
		f, ok := rr.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
		require.True(t, ok)
		require.NotNil(t, f)
	}
	assert.Equal(t, 1, byID["a"].NumCalls())
	assert.Equal(t, 1, byID["b"].NumCalls())
	assert.Equal(t, 1, byID["c"].NumCalls())
}

func TestRoundRobinSkipsLimited(t *testing.T) {
	hosts, byID := newHosts("a", "b")
	byID["a"].SetLimited(true)
	rr := NewRoundRobin(hosts)

	for i := 0; i < 2; i++ {
		_, ok := rr.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
		require.True(t, ok)
	}
	assert.Equal(t, 0, byID["a"].NumCalls())
	assert.Equal(t, 2, byID["b"].NumCalls())
}

func TestRoundRobinAllLimited(t *testing.T) {
	hosts, byID := newHosts("a", "b")
	byID["a"].SetLimited(true)
	byID["b"].SetLimited(true)
	rr := NewRoundRobin(hosts)

	_, ok := rr.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	assert.False(t, ok)
	assert.Equal(t, 1, byID["a"].Declined())
	assert.Equal(t, 1, byID["b"].Declined())
}

func TestPinUntilErrorStaysPinned(t *testing.T) {
	hosts, byID := newHosts("a", "b", "c")
	pin := NewPinUntilError(hosts, true, Seed(1))

	var pinned string
	for i := 0; i < 5; i++ {
		f, ok := pin.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
		require.True(t, ok)
		for id, ch := range byID {
			if ch.NumCalls() > 0 {
				if pinned == "" {
					pinned = id
				}
				assert.Equal(t, pinned, id, "all requests must land on the pinned host")
			}
		}
		require.True(t, byID[pinned].CompleteNext(channeltest.Response(200), nil))
		_, err := f.Result()
		require.NoError(t, err)
	}
	assert.Equal(t, 5, byID[pinned].NumCalls())
}

func TestPinUntilErrorAdvancesOnQoS(t *testing.T) {
	hosts, byID := newHosts("a", "b")
	instrument := &recordingPin{}
	pin := NewPinUntilError(hosts, true, Seed(1), InstrumentPin(instrument))

	f, ok := pin.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	var first string
	for id, ch := range byID {
		if ch.NumCalls() == 1 {
			first = id
		}
	}
	require.NotEmpty(t, first)
	require.True(t, byID[first].CompleteNext(channeltest.Response(503), nil))
	_, err := f.Result()
	require.NoError(t, err)

	assert.Equal(t, []string{ReasonResponseCode}, instrument.nextNodes)

	// The next request must land on the other host.
	_, ok = pin.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	for id, ch := range byID {
		if id != first {
			assert.Equal(t, 1, ch.NumCalls())
		}
	}
}

func TestPinUntilErrorAdvancesPastLimitedHosts(t *testing.T) {
	hosts, byID := newHosts("a", "b", "c")
	instrument := &recordingPin{}
	pin := NewPinUntilError(hosts, true, Seed(1), InstrumentPin(instrument))

	for _, ch := range byID {
		ch.SetLimited(true)
	}
	_, ok := pin.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	assert.False(t, ok, "all hosts limited must decline")
	assert.Len(t, instrument.nextNodes, 3)
	for _, reason := range instrument.nextNodes {
		assert.Equal(t, ReasonLimited, reason)
	}
}

func TestPinUntilErrorReshuffles(t *testing.T) {
	hosts, _ := newHosts("a", "b", "c")
	instrument := &recordingPin{}
	pin := NewPinUntilError(hosts, false, Seed(1), InstrumentPin(instrument), ReshuffleInterval(time.Nanosecond))

	time.Sleep(time.Millisecond)
	_, ok := pin.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	assert.Equal(t, 1, instrument.reshuffles)
}

func TestBalancedPrefersIdleHost(t *testing.T) {
	hosts, byID := newHosts("busy", "idle")
	b := NewBalanced(hosts, Seed(1))

	// Park two requests on one host so its inflight score dominates the
	// tie-break noise.
	hinted := &transport.Request{RoutingHint: "busy"}
	for i := 0; i < 2; i++ {
		_, ok := b.MaybeExecute(context.Background(), _endpoint, hinted)
		require.True(t, ok)
	}
	require.Equal(t, 2, byID["busy"].NumCalls())

	for i := 0; i < 2; i++ {
		_, ok := b.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
		require.True(t, ok)
	}
	assert.Equal(t, 2, byID["idle"].NumCalls(), "new requests must favor the less loaded host")
}

func TestBalancedPenalizesQoS(t *testing.T) {
	hosts, byID := newHosts("a", "b")
	b := NewBalanced(hosts, Seed(1))

	f, ok := b.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	var qosHost string
	for id, ch := range byID {
		if ch.NumCalls() == 1 {
			qosHost = id
		}
	}
	require.True(t, byID[qosHost].CompleteNext(channeltest.Response(429), nil))
	_, err := f.Result()
	require.NoError(t, err)

	// The QoS penalty far outweighs tie-break noise: subsequent requests
	// avoid the penalized host while both are otherwise idle.
	for i := 0; i < 3; i++ {
		_, ok := b.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
		require.True(t, ok)
	}
	assert.Equal(t, 1, byID[qosHost].NumCalls())
}

func TestBalancedSkipsLimited(t *testing.T) {
	hosts, byID := newHosts("a", "b")
	byID["a"].SetLimited(true)
	byID["b"].SetLimited(true)
	b := NewBalanced(hosts, Seed(1))
	_, ok := b.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	assert.False(t, ok)
}

func TestRoutingHintSteersStrategies(t *testing.T) {
	req := &transport.Request{RoutingHint: "c"}

	t.Run("round robin", func(t *testing.T) {
		hosts, byID := newHosts("a", "b", "c")
		rr := NewRoundRobin(hosts)
		_, ok := rr.MaybeExecute(context.Background(), _endpoint, req)
		require.True(t, ok)
		assert.Equal(t, 1, byID["c"].NumCalls())
		assert.Equal(t, 0, byID["a"].NumCalls())
	})

	t.Run("pin until error", func(t *testing.T) {
		hosts, byID := newHosts("a", "b", "c")
		pin := NewPinUntilError(hosts, true, Seed(1))
		_, ok := pin.MaybeExecute(context.Background(), _endpoint, req)
		require.True(t, ok)
		assert.Equal(t, 1, byID["c"].NumCalls())
	})

	t.Run("balanced", func(t *testing.T) {
		hosts, byID := newHosts("a", "b", "c")
		b := NewBalanced(hosts, Seed(1))
		_, ok := b.MaybeExecute(context.Background(), _endpoint, req)
		require.True(t, ok)
		assert.Equal(t, 1, byID["c"].NumCalls())
	})
}

func TestStickyPinsFirstAcceptingHost(t *testing.T) {
	hosts, byID := newHosts("a", "b", "c")
	byID["a"].SetLimited(true)
	sticky := NewSticky(hosts)

	_, ok := sticky.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	chosen, pinned := sticky.ChosenHost()
	require.True(t, pinned)
	assert.Equal(t, "b", chosen)

	// Host a recovering must not steal the session.
	byID["a"].SetLimited(false)
	_, ok = sticky.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	assert.Equal(t, 0, byID["a"].NumCalls())
	assert.Equal(t, 2, byID["b"].NumCalls())
}

func TestStickyDeclinesWhenPinnedHostLimited(t *testing.T) {
	hosts, byID := newHosts("a", "b")
	sticky := NewSticky(hosts)

	_, ok := sticky.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	require.Equal(t, 1, byID["a"].NumCalls())

	byID["a"].SetLimited(true)
	_, ok = sticky.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	assert.False(t, ok, "a limited pinned host declines rather than failing over")
	assert.Equal(t, 0, byID["b"].NumCalls())
}

func TestNewSingleHostBypassesStrategy(t *testing.T) {
	hosts, byID := newHosts("only")
	ch, err := New(StrategyBalanced, hosts)
	require.NoError(t, err)
	_, ok := ch.MaybeExecute(context.Background(), _endpoint, &transport.Request{})
	require.True(t, ok)
	assert.Equal(t, 1, byID["only"].NumCalls())
}

func TestNewRejectsEmptyHosts(t *testing.T) {
	_, err := New(StrategyRoundRobin, nil)
	assert.Error(t, err)
}
