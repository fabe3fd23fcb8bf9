// Copyright 2026 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package potato

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// Request is a minimal HTTP/1.1 request. It gets passed by value (as a copy)
// into the isolated worker.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// maxBody limits the size of request bodies read.
const maxBody = 1 << 20

// ReadRequest reads a request from r.
func ReadRequest(r *bufio.Reader) (Request, error) {
	hreq, err := http.ReadRequest(r)
	if err != nil {
		return Request{}, fmt.Errorf("reading request: %w", err)
	}
	defer hreq.Body.Close()
	body, err := io.ReadAll(io.LimitReader(hreq.Body, maxBody))
	if err != nil {
		return Request{}, fmt.Errorf("reading request body: %w", err)
	}
	req := Request{
		Method:  hreq.Method,
		Path:    hreq.URL.Path,
		Headers: map[string]string{},
		Body:    string(body),
	}
	for key := range hreq.Header {
		req.Headers[key] = hreq.Header.Get(key)
	}
	return req, nil
}

// Response is a minimal HTTP/1.1 response.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// NewResponse returns a new response with the given status code.
func NewResponse(status int) Response {
	return Response{Status: status, Headers: map[string]string{}}
}

// ErrorResponse returns a "500 Internal Server Error" response with the
// message as plain text body.
func ErrorResponse(msg string) Response {
	return NewResponse(http.StatusInternalServerError).
		WithHeader("Content-Type", "text/plain; charset=utf-8").
		WithBody([]byte(msg))
}

// WithHeader sets a header.
func (r Response) WithHeader(key, value string) Response {
	headers := make(map[string]string, len(r.Headers)+1)
	for k, v := range r.Headers {
		headers[k] = v
	}
	headers[key] = value
	r.Headers = headers
	return r
}

// WithBody sets the body.
func (r Response) WithBody(body []byte) Response {
	r.Body = body
	return r
}

// Bytes renders the response in HTTP/1.1 wire format. The headers are
// rendered in sorted order, followed by the body's Content-Length and the
// directive to close the connection.
func (r Response) Bytes() []byte {
	var b bytes.Buffer
	text := http.StatusText(r.Status)
	if text == "" {
		text = "Status"
	}
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, text)
	keys := make([]string, 0, len(r.Headers))
	for key := range r.Headers {
		switch strings.ToLower(key) {
		case "content-length", "connection":
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", key, r.Headers[key])
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\nConnection: close\r\n\r\n", len(r.Body))
	b.Write(r.Body)
	return b.Bytes()
}
