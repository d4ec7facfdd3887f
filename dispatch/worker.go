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
	"time"

	"go.uber.org/atomic"

	"github.com/lindb/common/pkg/logger"

	errorpkg "github.com/lindb/httpgate/pkg/error"
)

// workerTaskCapacity bounds the pending event queue of one worker thread.
const workerTaskCapacity = 16

// workerThread wraps one goroutine with a serialized event loop. Workers are
// leased from an endpoint's free-list to service one operation at a time; all
// transport callbacks of that operation are delivered through the same loop.
type workerThread struct {
	tasks        chan func()
	stopCh       chan struct{}
	lastActivity atomic.Int64 // unix nano of the last executed task or touch
	stopped      atomic.Bool

	logger logger.Logger
}

func newWorkerThread() *workerThread {
	w := &workerThread{
		tasks:  make(chan func(), workerTaskCapacity),
		stopCh: make(chan struct{}),
		logger: logger.GetLogger("HTTPGate", "Worker"),
	}
	w.lastActivity.Store(time.Now().UnixNano())
	go w.loop()
	return w
}

// post enqueues a task onto the worker's event loop;
// it returns false when the worker is stopped.
func (w *workerThread) post(task func()) bool {
	if w.stopped.Load() {
		return false
	}
	select {
	case w.tasks <- task:
		return true
	case <-w.stopCh:
		return false
	}
}

// idleSince returns how long the worker has been idle.
func (w *workerThread) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, w.lastActivity.Load()))
}

// touch refreshes the worker's activity timestamp, keeping a freshly leased
// worker out of the collector's reach.
func (w *workerThread) touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// stop terminates the worker after draining its pending tasks.
func (w *workerThread) stop() {
	if w.stopped.Swap(true) {
		return
	}
	close(w.stopCh)
}

func (w *workerThread) loop() {
	for {
		select {
		case task := <-w.tasks:
			w.exec(task)
		case <-w.stopCh:
			// drain pending tasks, delegate callbacks already posted still fire
			for {
				select {
				case task := <-w.tasks:
					w.exec(task)
				default:
					return
				}
			}
		}
	}
}

func (w *workerThread) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic when execute worker task",
				logger.Error(errorpkg.Error(r)), logger.Stack())
		}
		w.lastActivity.Store(time.Now().UnixNano())
	}()
	task()
}

// admitWaiter represents one operation waiting for an endpoint slot. The grant
// channel receives the leased worker; the channel is closed instead when the
// wait is abandoned. Per-endpoint FIFO order is kept by the endpoint's wait
// queue, not by waiter scheduling.
type admitWaiter struct {
	op        *operation
	grant     chan *workerThread
	cancelled atomic.Bool
}

func newAdmitWaiter(op *operation) *admitWaiter {
	return &admitWaiter{
		op:    op,
		grant: make(chan *workerThread, 1),
	}
}
