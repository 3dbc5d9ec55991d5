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

import "strings"

// CanonicalizeHeaderKey canonicalizes the given header key for storage into
// Headers.
func CanonicalizeHeaderKey(k string) string {
	return strings.ToLower(k)
}

// Headers is the representation of request and response headers. Each key
// may carry multiple values. The zero value is a valid, empty header set.
//
//	var headers transport.Headers
//	headers = headers.With("foo", "bar")
//	headers = headers.With("baz", "qux")
type Headers struct {
	// This representation allows us to make zero-value valid
	items map[string][]string
}

// NewHeaders builds a new Headers object.
func NewHeaders() Headers {
	return Headers{}
}

// NewHeadersWithCapacity allocates a new Headers object with the given
// capacity. A capacity of zero or less is ignored.
func NewHeadersWithCapacity(capacity int) Headers {
	if capacity <= 0 {
		return Headers{}
	}
	return Headers{items: make(map[string][]string, capacity)}
}

// With returns a Headers object with the given key-value pair appended to it.
//
// The returned object MAY not point to the same Headers underlying data store
// as the original Headers so the returned Headers MUST always be used instead
// of the original object.
func (h Headers) With(k, v string) Headers {
	if h.items == nil {
		h.items = make(map[string][]string)
	}
	key := CanonicalizeHeaderKey(k)
	h.items[key] = append(h.items[key], v)
	return h
}

// Get returns the first value associated with the given header name.
func (h Headers) Get(k string) (string, bool) {
	vs := h.items[CanonicalizeHeaderKey(k)]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Values returns all values associated with the given header name.
func (h Headers) Values(k string) []string {
	return h.items[CanonicalizeHeaderKey(k)]
}

// Del deletes the header with the given name.
func (h Headers) Del(k string) {
	delete(h.items, CanonicalizeHeaderKey(k))
}

// Items returns the underlying map for this Headers object. Keys are
// canonicalized. The returned map MUST NOT be mutated.
func (h Headers) Items() map[string][]string {
	return h.items
}

// Len returns the number of header keys.
func (h Headers) Len() int {
	return len(h.items)
}
