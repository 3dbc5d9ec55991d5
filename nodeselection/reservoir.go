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
	"math"
	"sync"
	"time"
)

// reservoir accumulates events and forgets them exponentially over a
// wall-clock half-life. Decay is applied lazily on access, so an idle
// reservoir costs nothing.
type reservoir struct {
	halfLife time.Duration
	now      func() time.Time

	mu    sync.Mutex
	value float64
	last  time.Time
}

func newReservoir(halfLife time.Duration, now func() time.Time) *reservoir {
	if now == nil {
		now = time.Now
	}
	return &reservoir{
		halfLife: halfLife,
		now:      now,
		last:     now(),
	}
}

func (r *reservoir) add(x float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decayLocked()
	r.value += x
}

func (r *reservoir) get() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decayLocked()
	return r.value
}

func (r *reservoir) decayLocked() {
	now := r.now()
	elapsed := now.Sub(r.last)
	if elapsed <= 0 {
		return
	}
	r.value *= math.Exp2(-float64(elapsed) / float64(r.halfLife))
	r.last = now
}
