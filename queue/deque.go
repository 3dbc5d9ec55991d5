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

package queue

import "sync"

// deque is a growable double-ended queue of deferred calls. It deliberately
// exposes no size accessor: depth is tracked by the channel's atomic size
// estimate, which stays O(1) under contention.
type deque struct {
	mu   sync.Mutex
	buf  []*deferredCall
	head int
	n    int
}

func newDeque() *deque {
	return &deque{buf: make([]*deferredCall, 16)}
}

// pushBack appends a call at the tail. Always succeeds; the boolean mirrors
// the contract of bounded deques so callers handle the impossible case.
func (d *deque) pushBack(call *deferredCall) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grow()
	d.buf[(d.head+d.n)%len(d.buf)] = call
	d.n++
	return true
}

// pushFront prepends a call at the head.
func (d *deque) pushFront(call *deferredCall) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grow()
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = call
	d.n++
	return true
}

// pollFirst removes and returns the head call.
func (d *deque) pollFirst() (*deferredCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == 0 {
		return nil, false
	}
	call := d.buf[d.head]
	d.buf[d.head] = nil
	d.head = (d.head + 1) % len(d.buf)
	d.n--
	return call, true
}

func (d *deque) grow() {
	if d.n < len(d.buf) {
		return
	}
	buf := make([]*deferredCall, 2*len(d.buf))
	for i := 0; i < d.n; i++ {
		buf[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = buf
	d.head = 0
}
