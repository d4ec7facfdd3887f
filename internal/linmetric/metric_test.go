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

package linmetric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScope(t *testing.T) {
	scope := NewScope("test.scope")
	assert.Equal(t, "test.scope", scope.Name())

	gauge := scope.NewGauge("workers_alive")
	gauge.Incr()
	gauge.Incr()
	gauge.Decr()
	assert.Equal(t, float64(1), gauge.Get())
	gauge.Add(4)
	gauge.Update(2)
	assert.Equal(t, float64(2), gauge.Get())

	counter := scope.NewDeltaCounter("tasks_consumed")
	counter.Incr()
	counter.Add(2)
	assert.Equal(t, float64(3), counter.Get())

	sum := scope.NewDurationSum("waiting_duration_sum")
	sum.UpdateDuration(10 * time.Millisecond)
	sum.UpdateSince(time.Now().Add(-20 * time.Millisecond))
	assert.GreaterOrEqual(t, sum.Get(), float64(30))

	values := scope.Gather()
	assert.Equal(t, float64(2), values["workers_alive"])
	assert.Equal(t, float64(3), values["tasks_consumed"])
	assert.Len(t, values, 3)
}
