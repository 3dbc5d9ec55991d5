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

// Package nodeselection dispatches requests across a client's hosts. Each
// strategy owns the client's per-host limited channels and returns the first
// that accepts; a strategy declines only when every host is limited.
package nodeselection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/api/transport"
	"go.uber.org/zap"
)

// Host pairs a host identifier with its limited channel. The identifier is
// typically the host's address, and is what request routing hints name.
type Host struct {
	ID      string
	Channel channel.LimitedChannel
}

// Strategy names a node selection strategy.
type Strategy string

// Supported strategies.
const (
	StrategyPinUntilError                 Strategy = "pin-until-error"
	StrategyPinUntilErrorWithoutReshuffle Strategy = "pin-until-error-without-reshuffle"
	StrategyRoundRobin                    Strategy = "round-robin"
	StrategyBalanced                      Strategy = "balanced"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPinUntilError, StrategyPinUntilErrorWithoutReshuffle, StrategyRoundRobin, StrategyBalanced:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown node selection strategy %q", s)
	}
}

// PinInstrumentation receives pin-until-error telemetry.
type PinInstrumentation interface {
	Success()
	NextNode(reason string)
	Reshuffle()
}

// BalancedInstrumentation receives balanced-strategy telemetry.
type BalancedInstrumentation interface {
	Score(host string, score int64)
}

// Next-node reasons.
const (
	ReasonLimited      = "limited"
	ReasonResponseCode = "response_code"
	ReasonThrowable    = "throwable"
)

type options struct {
	logger    *zap.Logger
	seed      int64
	pin       PinInstrumentation
	balanced  BalancedInstrumentation
	reshuffle time.Duration
}

// Option customizes a strategy.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// Logger specifies a logger.
func Logger(logger *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = logger
	})
}

// Seed specifies the random seed used for shuffles and tie-breaking.
//
// Defaults to the current time in nanoseconds when the strategy is built.
func Seed(seed int64) Option {
	return optionFunc(func(o *options) {
		o.seed = seed
	})
}

// InstrumentPin installs pin-until-error telemetry.
func InstrumentPin(i PinInstrumentation) Option {
	return optionFunc(func(o *options) {
		o.pin = i
	})
}

// InstrumentBalanced installs balanced-strategy telemetry.
func InstrumentBalanced(i BalancedInstrumentation) Option {
	return optionFunc(func(o *options) {
		o.balanced = i
	})
}

// ReshuffleInterval overrides the pin-until-error reshuffle period.
func ReshuffleInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.reshuffle = d
	})
}

func defaultOptions() options {
	return options{
		logger:    zap.NewNop(),
		seed:      time.Now().UnixNano(),
		reshuffle: 10 * time.Minute,
	}
}

// New builds the limited channel for the given strategy over the hosts. A
// single-host client bypasses strategy bookkeeping entirely.
func New(strategy Strategy, hosts []Host, opts ...Option) (channel.LimitedChannel, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("node selection requires at least one host")
	}
	if len(hosts) == 1 {
		return hosts[0].Channel, nil
	}
	switch strategy {
	case StrategyPinUntilError, StrategyPinUntilErrorWithoutReshuffle:
		return NewPinUntilError(hosts, strategy == StrategyPinUntilErrorWithoutReshuffle, opts...), nil
	case StrategyRoundRobin:
		return NewRoundRobin(hosts, opts...), nil
	case StrategyBalanced:
		return NewBalanced(hosts, opts...), nil
	default:
		return nil, fmt.Errorf("unknown node selection strategy %q", strategy)
	}
}

// hintIndex resolves a request's routing hint against the host set.
func hintIndex(hosts []Host, req *transport.Request) (int, bool) {
	if req == nil || req.RoutingHint == "" {
		return 0, false
	}
	for i := range hosts {
		if hosts[i].ID == req.RoutingHint {
			return i, true
		}
	}
	return 0, false
}

// tryHint attempts the hinted host first, when the hint names a known host.
func tryHint(ctx context.Context, hosts []Host, endpoint transport.Endpoint, req *transport.Request) (*channel.Future, bool) {
	idx, ok := hintIndex(hosts, req)
	if !ok {
		return nil, false
	}
	return hosts[idx].Channel.MaybeExecute(ctx, endpoint, req)
}
