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

package logsink

import (
	"fmt"
	"sync"

	"github.com/lindb/common/pkg/logger"
)

// Sink receives trace messages emitted by a component, tagged with its source name.
type Sink func(source, message string)

var (
	mu      sync.RWMutex
	sinks   []Sink
	enabled = make(map[string]bool)

	defaultLogger = logger.GetLogger("HTTPGate", "Trace")
)

// Register adds a sink that receives all trace messages of enabled sources.
func Register(sink Sink) {
	mu.Lock()
	defer mu.Unlock()

	sinks = append(sinks, sink)
}

// Enable turns tracing for the given source on or off at runtime.
func Enable(source string, on bool) {
	mu.Lock()
	defer mu.Unlock()

	enabled[source] = on
}

// Enabled returns if tracing for the given source is currently on.
func Enabled(source string) bool {
	mu.RLock()
	defer mu.RUnlock()

	return enabled[source]
}

// Source represents a named trace source owned by one component.
type Source struct {
	name string
}

// GetSource returns the trace source for the given component name.
func GetSource(name string) *Source {
	return &Source{name: name}
}

// Logf formats and emits a trace message when the source is enabled.
func (s *Source) Logf(format string, args ...interface{}) {
	if !Enabled(s.name) {
		return
	}
	msg := fmt.Sprintf(format, args...)

	mu.RLock()
	registered := make([]Sink, len(sinks))
	copy(registered, sinks)
	mu.RUnlock()

	if len(registered) == 0 {
		defaultLogger.Debug(msg, logger.String("source", s.name))
		return
	}
	for _, sink := range registered {
		sink(s.name, msg)
	}
}
