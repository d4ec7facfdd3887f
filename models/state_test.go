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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEndpointStates_ToTable(t *testing.T) {
	var states EndpointStates
	rows, tableStr := states.ToTable()
	assert.Zero(t, rows)
	assert.Empty(t, tableStr)

	states = EndpointStates{{
		Endpoint:     "http://example.com:80",
		RunningShort: 2,
		RunningLong:  1,
		WaitingShort: 3,
		IdleWorkers:  1,
		BusyWorkers:  3,
	}}
	rows, tableStr = states.ToTable()
	assert.Equal(t, 1, rows)
	assert.Contains(t, tableStr, "http://example.com:80")
	assert.NotEmpty(t, states.String())
}

func TestRequest(t *testing.T) {
	req := NewRequest("http://example.com/f")
	assert.Equal(t, http.MethodGet, req.Method)

	req.Header = http.Header{"Accept": []string{"application/json"}}
	req.Timeout = time.Second
	cloned := req.Clone()
	assert.Equal(t, req, cloned)
	// the header is deep copied
	cloned.Header.Set("Accept", "text/plain")
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
}
