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
	"sync"
	"time"

	"go.uber.org/atomic"
)

// BoundGauge is a gauge field bound to a scope.
type BoundGauge struct {
	value     atomic.Float64
	fieldName string
}

func newGauge(fieldName string) *BoundGauge {
	return &BoundGauge{fieldName: fieldName}
}

// Incr increments the gauge by 1.
func (g *BoundGauge) Incr() { g.value.Add(1) }

// Decr decrements the gauge by 1.
func (g *BoundGauge) Decr() { g.value.Sub(1) }

// Add adds v to the gauge.
func (g *BoundGauge) Add(v float64) { g.value.Add(v) }

// Update sets the gauge to a new value.
func (g *BoundGauge) Update(v float64) { g.value.Store(v) }

// Get returns the current gauge value.
func (g *BoundGauge) Get() float64 { return g.value.Load() }

func (g *BoundGauge) name() string { return g.fieldName }

func (g *BoundGauge) gather() float64 { return g.value.Load() }

// BoundDeltaCounter is a delta counter field bound to a scope.
type BoundDeltaCounter struct {
	value     atomic.Float64
	fieldName string
}

func newDeltaCounter(fieldName string) *BoundDeltaCounter {
	return &BoundDeltaCounter{fieldName: fieldName}
}

// Incr increments the counter by 1.
func (c *BoundDeltaCounter) Incr() { c.value.Add(1) }

// Add adds v to the counter.
func (c *BoundDeltaCounter) Add(v float64) { c.value.Add(v) }

// Get returns the accumulated counter value.
func (c *BoundDeltaCounter) Get() float64 { return c.value.Load() }

func (c *BoundDeltaCounter) name() string { return c.fieldName }

func (c *BoundDeltaCounter) gather() float64 { return c.value.Load() }

// BoundDurationSum accumulates durations in milliseconds.
type BoundDurationSum struct {
	value     atomic.Float64
	fieldName string
}

func newDurationSum(fieldName string) *BoundDurationSum {
	return &BoundDurationSum{fieldName: fieldName}
}

// UpdateDuration adds the given duration.
func (d *BoundDurationSum) UpdateDuration(elapsed time.Duration) {
	d.value.Add(float64(elapsed.Nanoseconds()) / 1e6)
}

// UpdateSince adds the duration elapsed since the given start time.
func (d *BoundDurationSum) UpdateSince(start time.Time) {
	d.UpdateDuration(time.Since(start))
}

// Get returns the accumulated sum in milliseconds.
func (d *BoundDurationSum) Get() float64 { return d.value.Load() }

func (d *BoundDurationSum) name() string { return d.fieldName }

func (d *BoundDurationSum) gather() float64 { return d.value.Load() }

type field interface {
	name() string
	gather() float64
}

// Scope is a named group of metric fields.
type Scope struct {
	name string

	mu     sync.Mutex
	fields []field
}

var (
	registryMu sync.Mutex
	registry   []*Scope
)

// NewScope creates a scope registered under the given name.
func NewScope(name string) *Scope {
	s := &Scope{name: name}
	registryMu.Lock()
	registry = append(registry, s)
	registryMu.Unlock()
	return s
}

// NewGauge creates a gauge field under this scope.
func (s *Scope) NewGauge(fieldName string) *BoundGauge {
	g := newGauge(fieldName)
	s.register(g)
	return g
}

// NewDeltaCounter creates a delta counter field under this scope.
func (s *Scope) NewDeltaCounter(fieldName string) *BoundDeltaCounter {
	c := newDeltaCounter(fieldName)
	s.register(c)
	return c
}

// NewDurationSum creates a duration sum field under this scope.
func (s *Scope) NewDurationSum(fieldName string) *BoundDurationSum {
	d := newDurationSum(fieldName)
	s.register(d)
	return d
}

func (s *Scope) register(f field) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fields = append(s.fields, f)
}

// Name returns the scope name.
func (s *Scope) Name() string { return s.name }

// Gather returns a snapshot of all field values under this scope.
func (s *Scope) Gather() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := make(map[string]float64, len(s.fields))
	for _, f := range s.fields {
		rs[f.name()] = f.gather()
	}
	return rs
}
