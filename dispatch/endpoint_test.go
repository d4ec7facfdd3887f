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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEndpoint(t *testing.T) {
	// case 1: default port by scheme
	e, err := ParseEndpoint("http://example.com/path?q=1")
	assert.NoError(t, err)
	assert.Equal(t, Endpoint{Scheme: "http", Host: "example.com", Port: 80}, e)
	e, err = ParseEndpoint("https://example.com/path")
	assert.NoError(t, err)
	assert.Equal(t, Endpoint{Scheme: "https", Host: "example.com", Port: 443}, e)
	// case 2: scheme and host compared case-insensitively
	e, err = ParseEndpoint("HTTPS://Example.COM/Path")
	assert.NoError(t, err)
	assert.Equal(t, Endpoint{Scheme: "https", Host: "example.com", Port: 443}, e)
	// case 3: explicit port kept
	e, err = ParseEndpoint("http://example.com:8080/path")
	assert.NoError(t, err)
	assert.Equal(t, Endpoint{Scheme: "http", Host: "example.com", Port: 8080}, e)
	// case 4: websocket schemes
	e, err = ParseEndpoint("ws://example.com/socket")
	assert.NoError(t, err)
	assert.Equal(t, 80, e.Port)
	e, err = ParseEndpoint("wss://example.com/socket")
	assert.NoError(t, err)
	assert.Equal(t, 443, e.Port)
	// case 5: missing scheme/host
	_, err = ParseEndpoint("example.com/path")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = ParseEndpoint("http://")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	// case 6: unknown scheme without explicit port
	_, err = ParseEndpoint("gopher://example.com/doc")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	// case 7: unknown scheme with explicit port is a valid key
	e, err = ParseEndpoint("gopher://example.com:70/doc")
	assert.NoError(t, err)
	assert.Equal(t, Endpoint{Scheme: "gopher", Host: "example.com", Port: 70}, e)
}

func TestParseEndpoint_SharedCapacity(t *testing.T) {
	// two urls of the same endpoint share one admission key
	e1, err := ParseEndpoint("http://example.com/a")
	assert.NoError(t, err)
	e2, err := ParseEndpoint("http://EXAMPLE.com:80/b")
	assert.NoError(t, err)
	assert.Equal(t, e1, e2)

	// different port means a different key
	e3, err := ParseEndpoint("http://example.com:8080/a")
	assert.NoError(t, err)
	assert.NotEqual(t, e1, e3)
}

func TestEndpoint_String(t *testing.T) {
	e := Endpoint{Scheme: "https", Host: "example.com", Port: 443}
	assert.Equal(t, "https://example.com:443", e.String())
}
