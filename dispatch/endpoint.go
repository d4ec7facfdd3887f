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
	"net/url"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// endpointCacheSize bounds the parsed endpoint cache for hot request urls.
const endpointCacheSize = 1024

var endpointCache, _ = lru.New[string, Endpoint](endpointCacheSize)

// Endpoint is the canonical (scheme, host, port) grouping key for admission control.
// Two requests share admission capacity iff their endpoint keys are equal.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// ParseEndpoint derives the canonical endpoint key from a request url.
// Scheme and host are lowered; the port defaults to the scheme's well-known port.
func ParseEndpoint(rawURL string) (Endpoint, error) {
	if e, ok := endpointCache.Get(rawURL); ok {
		return e, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, errors.WithMessagef(ErrInvalidRequest, "parse url[%s] failure: %v", rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if scheme == "" || host == "" {
		return Endpoint{}, errors.WithMessagef(ErrInvalidRequest, "url[%s] missing scheme or host", rawURL)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, errors.WithMessagef(ErrInvalidRequest, "url[%s] invalid port", rawURL)
		}
	} else {
		port = wellKnownPort(scheme)
		if port == 0 {
			return Endpoint{}, errors.WithMessagef(ErrInvalidRequest, "url[%s] unknown scheme[%s]", rawURL, scheme)
		}
	}
	e := Endpoint{Scheme: scheme, Host: host, Port: port}
	endpointCache.Add(rawURL, e)
	return e, nil
}

func wellKnownPort(scheme string) int {
	switch scheme {
	case "http", "ws":
		return 80
	case "https", "wss":
		return 443
	default:
		return 0
	}
}

// String returns the canonical endpoint representation.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}
