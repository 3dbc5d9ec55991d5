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

import "io"

// Request is the low level request representation. The admission and routing
// layers treat requests as immutable except for RoutingHint, which the retry
// layer sets when a server redirects within the same service.
type Request struct {
	// Name of the client making the request.
	Caller string

	// Headers for the request.
	Headers Headers

	// PathParams fill the endpoint's path template.
	PathParams map[string]string

	// QueryParams for the request.
	QueryParams map[string][]string

	// RoutingHint names the host that should serve this request, when known.
	// Node selection strategies attempt the named host first. Empty for the
	// common case of strategy-chosen hosts.
	RoutingHint string

	// Request payload.
	Body io.Reader
}
