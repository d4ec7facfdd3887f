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

package dispatch

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidRequest is returned synchronously at the dispatch call site
	// for a nil request, an empty url, or an unparsable url.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrResourceExhausted is returned by DispatchLong when the endpoint's
	// long request quota is full at call time. It never reaches the delegate.
	ErrResourceExhausted = errors.New("long request quota exhausted")
	// ErrDispatcherStopped is returned when dispatching after Stop.
	ErrDispatcherStopped = errors.New("dispatcher is stopped")

	// errRequestStalled is the synthesized underlying error of a timeout;
	// the transport never responded within the declared interval.
	errRequestStalled = errors.New("no response from transport within the request timeout")
)

// NoTransportError represents a transport handle construction failure.
type NoTransportError struct {
	URL string
	Err error
}

func (e *NoTransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no transport available for url[%s]", e.URL)
	}
	return fmt.Sprintf("create transport handle for url[%s] failure: %v", e.URL, e.Err)
}

// Unwrap returns the underlying handle construction error.
func (e *NoTransportError) Unwrap() error { return e.Err }

// TimeoutError represents a request timeout enforced by the dispatcher.
type TimeoutError struct {
	URL        string
	Underlying error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timeout for url[%s]: %v", e.URL, e.Underlying)
}

// Unwrap returns the synthesized underlying error.
func (e *TimeoutError) Unwrap() error { return e.Underlying }

// IsTimeout returns if the given error is a dispatcher enforced timeout.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
