// Licensed to LinDB under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. LinDB licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package models

import (
	"net/http"
	"time"
)

// Request represents one outbound request descriptor handed to the dispatcher.
//
// Timeout is enforced by the dispatcher itself, never by the transport;
// the transport's own timer is disabled when the request is started.
type Request struct {
	URL        string        `json:"url"`
	Method     string        `json:"method"`
	Header     http.Header   `json:"header,omitempty"`
	Body       []byte        `json:"-"`
	Timeout    time.Duration `json:"timeout"`
	GatherData bool          `json:"gatherData"`
}

// NewRequest creates a GET request descriptor for the given url.
func NewRequest(url string) *Request {
	return &Request{
		URL:    url,
		Method: http.MethodGet,
	}
}

// Clone returns a shallow copy of the request with a deep-copied header.
func (r *Request) Clone() *Request {
	cloned := *r
	if r.Header != nil {
		cloned.Header = r.Header.Clone()
	}
	return &cloned
}
