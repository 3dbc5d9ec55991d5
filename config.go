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

package conduit

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/conduit/api/channel"
	"go.uber.org/conduit/nodeselection"
	"go.uber.org/conduit/x/retry"
	"go.uber.org/multierr"
)

// ClientQoS selects whether the client applies sympathetic concurrency
// limiting toward its hosts.
type ClientQoS int

const (
	// Enabled gates each host behind an adaptive concurrency limiter.
	Enabled ClientQoS = iota

	// DangerousDisableSympatheticClientQoS sends without concurrency
	// limiting. Dangerous because a struggling host keeps receiving the
	// client's full load.
	DangerousDisableSympatheticClientQoS
)

// Host names one upstream and supplies its transport channel.
type Host struct {
	// ID identifies the host, typically its address. Routing hints and
	// redirect Location values are matched against it.
	ID string

	// Channel executes requests against the host.
	Channel channel.Channel
}

// Config is the surface the admission and routing engine consumes. It is
// plain data: parsing files into it is the caller's concern.
type Config struct {
	// ChannelName names the client in metrics and logs.
	ChannelName string

	// ClientName identifies the calling service, stamped on requests.
	ClientName string

	// Hosts are the upstreams of this client.
	Hosts []Host

	// MaxQueueSize bounds the client-wide request queue.
	//
	// Defaults to 100000.
	MaxQueueSize int

	// MaxNumRetries bounds retries per request. A negative value disables
	// retries entirely.
	//
	// Defaults to 4.
	MaxNumRetries int

	// BackoffSlotSize is the exponential backoff slot for retries.
	//
	// Defaults to 250ms.
	BackoffSlotSize time.Duration

	// ServerQoS selects how QoS responses are handled.
	ServerQoS retry.ServerQoS

	// RetryOnTimeout selects whether timed-out requests are retried.
	RetryOnTimeout retry.RetryOnTimeout

	// ClientQoS selects whether per-host concurrency limiting applies.
	ClientQoS ClientQoS

	// NodeSelectionStrategy selects how hosts are chosen.
	//
	// Defaults to balanced.
	NodeSelectionStrategy nodeselection.Strategy
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var err error
	if c.ChannelName == "" {
		err = multierr.Append(err, errors.New("channel name is required"))
	}
	if len(c.Hosts) == 0 {
		err = multierr.Append(err, errors.New("at least one host is required"))
	}
	seen := make(map[string]struct{}, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.ID == "" {
			err = multierr.Append(err, fmt.Errorf("host %d has no ID", i))
		}
		if h.Channel == nil {
			err = multierr.Append(err, fmt.Errorf("host %q has no channel", h.ID))
		}
		if _, ok := seen[h.ID]; ok {
			err = multierr.Append(err, fmt.Errorf("host ID %q is duplicated", h.ID))
		}
		seen[h.ID] = struct{}{}
	}
	if c.MaxQueueSize < 0 {
		err = multierr.Append(err, errors.New("max queue size must not be negative"))
	}
	if c.NodeSelectionStrategy != "" {
		if _, serr := nodeselection.ParseStrategy(string(c.NodeSelectionStrategy)); serr != nil {
			err = multierr.Append(err, serr)
		}
	}
	return err
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 100000
	}
	if c.MaxNumRetries == 0 {
		c.MaxNumRetries = 4
	} else if c.MaxNumRetries < 0 {
		c.MaxNumRetries = 0
	}
	if c.BackoffSlotSize == 0 {
		c.BackoffSlotSize = 250 * time.Millisecond
	}
	if c.NodeSelectionStrategy == "" {
		c.NodeSelectionStrategy = nodeselection.StrategyBalanced
	}
	return c
}
