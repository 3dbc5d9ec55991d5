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

package transport

import (
	"io"

	"go.uber.org/atomic"
)

// Response is the low level response representation. The body is a scoped
// resource: whoever ends up owning the response must close it exactly once.
// Close is idempotent so that layers discarding a response they no longer
// own (a late arrival racing a cancellation, a retried attempt) can release
// it without coordinating with the caller.
type Response struct {
	// Status code returned by the server.
	Status int

	// Headers for the response.
	Headers Headers

	// Body of the response. May be nil for bodyless responses.
	Body io.ReadCloser

	closed atomic.Bool
}

// NewResponse builds a response with the given status, headers, and body.
func NewResponse(status int, headers Headers, body io.ReadCloser) *Response {
	return &Response{Status: status, Headers: headers, Body: body}
}

// Close releases the response body. The first call closes the underlying
// body; subsequent calls are no-ops.
func (r *Response) Close() error {
	if r == nil || !r.closed.CAS(false, true) {
		return nil
	}
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Closed reports whether the response has been released.
func (r *Response) Closed() bool {
	return r != nil && r.closed.Load()
}
