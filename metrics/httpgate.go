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

package metrics

import (
	"github.com/lindb/httpgate/internal/linmetric"
)

// ConcurrentStatistics represents the statistics of a worker pool.
type ConcurrentStatistics struct {
	WorkersAlive       *linmetric.BoundGauge        // current workers count in use
	WorkersCreated     *linmetric.BoundDeltaCounter // workers created count since start
	WorkersKilled      *linmetric.BoundDeltaCounter // workers killed since start
	TasksConsumed      *linmetric.BoundDeltaCounter // tasks consumed count
	TasksRejected      *linmetric.BoundDeltaCounter // tasks rejected count
	TasksPanic         *linmetric.BoundDeltaCounter // tasks panic count
	TasksWaitingTime   *linmetric.BoundDurationSum  // tasks waiting total time
	TasksExecutingTime *linmetric.BoundDurationSum  // tasks executing total time
}

// NewConcurrentStatistics creates the statistics of a worker pool by pool name.
func NewConcurrentStatistics(poolName string) *ConcurrentStatistics {
	scope := linmetric.NewScope("httpgate.concurrent.pool." + poolName)
	return &ConcurrentStatistics{
		WorkersAlive:       scope.NewGauge("workers_alive"),
		WorkersCreated:     scope.NewDeltaCounter("workers_created"),
		WorkersKilled:      scope.NewDeltaCounter("workers_killed"),
		TasksConsumed:      scope.NewDeltaCounter("tasks_consumed"),
		TasksRejected:      scope.NewDeltaCounter("tasks_rejected"),
		TasksPanic:         scope.NewDeltaCounter("tasks_panic"),
		TasksWaitingTime:   scope.NewDurationSum("tasks_waiting_duration_sum"),
		TasksExecutingTime: scope.NewDurationSum("tasks_executing_duration_sum"),
	}
}

// DispatcherStatistics represents the statistics of the url dispatcher.
type DispatcherStatistics struct {
	OperationsAdmitted  *linmetric.BoundDeltaCounter // operations admitted to run
	OperationsQueued    *linmetric.BoundDeltaCounter // operations enqueued to wait for a slot
	OperationsRejected  *linmetric.BoundDeltaCounter // long operations rejected at admission
	OperationsCompleted *linmetric.BoundDeltaCounter // operations finished successfully
	OperationsFailed    *linmetric.BoundDeltaCounter // operations finished with transport error
	OperationsTimedOut  *linmetric.BoundDeltaCounter // operations terminated by request timeout
	OperationsCancelled *linmetric.BoundDeltaCounter // operations cancelled by caller
	EndpointsAlive      *linmetric.BoundGauge        // endpoints with live state
	WorkersAlive        *linmetric.BoundGauge        // endpoint worker threads alive
}

// NewDispatcherStatistics creates the statistics of the url dispatcher.
func NewDispatcherStatistics() *DispatcherStatistics {
	scope := linmetric.NewScope("httpgate.dispatch")
	return &DispatcherStatistics{
		OperationsAdmitted:  scope.NewDeltaCounter("operations_admitted"),
		OperationsQueued:    scope.NewDeltaCounter("operations_queued"),
		OperationsRejected:  scope.NewDeltaCounter("operations_rejected"),
		OperationsCompleted: scope.NewDeltaCounter("operations_completed"),
		OperationsFailed:    scope.NewDeltaCounter("operations_failed"),
		OperationsTimedOut:  scope.NewDeltaCounter("operations_timeout"),
		OperationsCancelled: scope.NewDeltaCounter("operations_cancelled"),
		EndpointsAlive:      scope.NewGauge("endpoints_alive"),
		WorkersAlive:        scope.NewGauge("workers_alive"),
	}
}

// TimerStatistics represents the statistics of the timer service.
type TimerStatistics struct {
	Scheduled *linmetric.BoundDeltaCounter // entries scheduled
	Fired     *linmetric.BoundDeltaCounter // entries fired
	Cancelled *linmetric.BoundDeltaCounter // entries cancelled before firing
	Panics    *linmetric.BoundDeltaCounter // entries panicked during invocation
	Pending   *linmetric.BoundGauge        // entries pending in the schedule
}

// NewTimerStatistics creates the statistics of the timer service.
func NewTimerStatistics() *TimerStatistics {
	scope := linmetric.NewScope("httpgate.timer")
	return &TimerStatistics{
		Scheduled: scope.NewDeltaCounter("entries_scheduled"),
		Fired:     scope.NewDeltaCounter("entries_fired"),
		Cancelled: scope.NewDeltaCounter("entries_cancelled"),
		Panics:    scope.NewDeltaCounter("entries_panic"),
		Pending:   scope.NewGauge("entries_pending"),
	}
}
