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
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lindb/common/models"
	"github.com/lindb/common/pkg/encoding"
)

// EndpointState represents a snapshot of one endpoint's admission state.
type EndpointState struct {
	Endpoint     string `json:"endpoint"`
	RunningShort int    `json:"runningShort"`
	RunningLong  int    `json:"runningLong"`
	WaitingShort int    `json:"waitingShort"`
	WaitingLong  int    `json:"waitingLong"`
	IdleWorkers  int    `json:"idleWorkers"`
	BusyWorkers  int    `json:"busyWorkers"`
	LastActivity int64  `json:"lastActivity"`
}

// EndpointStates represents the endpoint state list.
type EndpointStates []EndpointState

// ToTable returns endpoint state list as table if it has value, else return empty string.
func (s EndpointStates) ToTable() (rows int, tableStr string) {
	if len(s) == 0 {
		return 0, ""
	}
	writer := models.NewTableFormatter()
	writer.AppendHeader(table.Row{"Endpoint", "Running(Short)", "Running(Long)", "Waiting(Short)", "Waiting(Long)", "Idle Workers", "Busy Workers"})
	for i := range s {
		r := s[i]
		writer.AppendRow(table.Row{
			r.Endpoint,
			strconv.Itoa(r.RunningShort),
			strconv.Itoa(r.RunningLong),
			strconv.Itoa(r.WaitingShort),
			strconv.Itoa(r.WaitingLong),
			strconv.Itoa(r.IdleWorkers),
			strconv.Itoa(r.BusyWorkers),
		})
	}
	return len(s), writer.Render()
}

// String returns a human readable string
func (s EndpointStates) String() string {
	return string(encoding.JSONMarshal(&s))
}
