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

package retry

import "github.com/uber-go/tally"

// Reasons tagged on the retries counter.
const (
	ReasonStatus429   = "status_429"
	ReasonStatus503   = "status_503"
	ReasonStatus308   = "status_308"
	ReasonStatus5xx   = "status_5xx"
	ReasonIOException = "io_exception"
	ReasonTimeout     = "timeout"
	ReasonLimited     = "limited"
)

// observer records retry metrics to a tally scope.
type observer struct {
	calls     tally.Counter
	successes tally.Counter
	retries   map[string]tally.Counter
}

func newObserver(scope tally.Scope) *observer {
	reasons := []string{
		ReasonStatus429,
		ReasonStatus503,
		ReasonStatus308,
		ReasonStatus5xx,
		ReasonIOException,
		ReasonTimeout,
		ReasonLimited,
	}
	retries := make(map[string]tally.Counter, len(reasons))
	for _, reason := range reasons {
		retries[reason] = scope.Tagged(map[string]string{"reason": reason}).Counter("retries")
	}
	return &observer{
		calls:     scope.Counter("retry_calls"),
		successes: scope.Counter("retry_successes"),
		retries:   retries,
	}
}

func (o *observer) call() {
	o.calls.Inc(1)
}

func (o *observer) success() {
	o.successes.Inc(1)
}

func (o *observer) retry(reason string) {
	if c, ok := o.retries[reason]; ok {
		c.Inc(1)
	}
}
