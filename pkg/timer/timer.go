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

package timer

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lindb/common/pkg/logger"

	"github.com/lindb/httpgate/metrics"
	errorpkg "github.com/lindb/httpgate/pkg/error"
	"github.com/lindb/httpgate/pkg/logsink"
)

//go:generate mockgen -source=./timer.go -destination=./timer_mock.go -package=timer

// anchorInterval is the longest the worker sleeps before re-checking the schedule,
// even when no entry is due earlier.
const anchorInterval = time.Second * 5

// Service represents a single-worker scheduler of one-shot delayed invocations.
// All scheduled functions run serialized on the service's worker goroutine,
// so they are expected to be short; a long-running invocation delays the others.
type Service interface {
	// Schedule enqueues fn to run after delay, identified by (owner, key, arg)
	// for later cancellation.
	Schedule(owner interface{}, key string, arg interface{}, delay time.Duration, fn func())
	// ScheduleFunc enqueues fn to run after delay, without a cancellation identity.
	ScheduleFunc(delay time.Duration, fn func())
	// Cancel cancels all pending entries scheduled with the given owner.
	Cancel(owner interface{})
	// CancelKey cancels all pending entries scheduled with the given owner and key.
	CancelKey(owner interface{}, key string)
	// CancelArg cancels all pending entries scheduled with the given owner, key and arg.
	// Entries already executing or executed are not cancellable.
	CancelArg(owner interface{}, key string, arg interface{})
	// Stop stops the worker after its current iteration.
	Stop()
}

var (
	svc               Service
	once4TimerService sync.Once

	lock sync.Mutex // just for test
)

// InitTimerService initializes the timer service singleton.
func InitTimerService(s Service) {
	lock.Lock()
	defer lock.Unlock()

	svc = s
}

// GetTimerService returns the timer service singleton instance,
// creating and starting it on first use.
func GetTimerService() Service {
	if svc != nil {
		return svc
	}
	once4TimerService.Do(func() {
		svc = NewTimerService()
	})
	return svc
}

// entry is one scheduled invocation.
type entry struct {
	owner    interface{}
	key      string
	arg      interface{}
	fn       func()
	deadline time.Time
	seq      uint64 // ties on deadline break by insertion order
}

// entryHeap is a min-heap ordered by (deadline, seq).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*entry))
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type command struct {
	schedule *entry

	// cancellation prefix: owner; owner+key; owner+key+arg
	cancelOwner interface{}
	withKey     bool
	cancelKey   string
	withArg     bool
	cancelArg   interface{}
}

// timerService implements Service interface.
type timerService struct {
	commands chan *command
	running  atomic.Bool
	stopped  chan struct{}
	seq      atomic.Uint64

	statistics *metrics.TimerStatistics
	trace      *logsink.Source
	logger     logger.Logger
}

// NewTimerService creates and starts a timer service.
func NewTimerService() Service {
	s := &timerService{
		commands:   make(chan *command, 64),
		stopped:    make(chan struct{}),
		statistics: metrics.NewTimerStatistics(),
		trace:      logsink.GetSource("TimerService"),
		logger:     logger.GetLogger("HTTPGate", "Timer"),
	}
	s.running.Store(true)
	go s.run()
	return s
}

func (s *timerService) Schedule(owner interface{}, key string, arg interface{}, delay time.Duration, fn func()) {
	if fn == nil || !s.running.Load() {
		return
	}
	s.submit(&command{schedule: &entry{
		owner:    owner,
		key:      key,
		arg:      arg,
		fn:       fn,
		deadline: time.Now().Add(delay),
		seq:      s.seq.Inc(),
	}})
}

func (s *timerService) ScheduleFunc(delay time.Duration, fn func()) {
	s.Schedule(nil, "", nil, delay, fn)
}

func (s *timerService) Cancel(owner interface{}) {
	s.submit(&command{cancelOwner: owner})
}

func (s *timerService) CancelKey(owner interface{}, key string) {
	s.submit(&command{cancelOwner: owner, withKey: true, cancelKey: key})
}

func (s *timerService) CancelArg(owner interface{}, key string, arg interface{}) {
	s.submit(&command{cancelOwner: owner, withKey: true, cancelKey: key, withArg: true, cancelArg: arg})
}

func (s *timerService) submit(cmd *command) {
	select {
	case s.commands <- cmd:
	case <-s.stopped:
	}
}

func (s *timerService) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.stopped)
}

// run is the worker loop; it owns the schedule, so entries need no external lock.
func (s *timerService) run() {
	schedule := &entryHeap{}
	heap.Init(schedule)
	wakeup := time.NewTimer(anchorInterval)
	defer wakeup.Stop()

	for s.running.Load() {
		s.fireDue(schedule)

		sleep := anchorInterval
		if schedule.Len() > 0 {
			if until := time.Until((*schedule)[0].deadline); until < sleep {
				sleep = until
			}
		}
		if sleep < 0 {
			sleep = 0
		}
		if !wakeup.Stop() {
			select {
			case <-wakeup.C:
			default:
			}
		}
		wakeup.Reset(sleep)

		select {
		case <-s.stopped:
			return
		case <-wakeup.C:
			// anchor tick, due entries processed on the next iteration
		case cmd := <-s.commands:
			s.apply(schedule, cmd)
		}
		s.statistics.Pending.Update(float64(schedule.Len()))
	}
}

func (s *timerService) apply(schedule *entryHeap, cmd *command) {
	if cmd.schedule != nil {
		heap.Push(schedule, cmd.schedule)
		s.statistics.Scheduled.Incr()
		s.trace.Logf("schedule entry key=%s delay until %s", cmd.schedule.key, cmd.schedule.deadline)
		return
	}
	kept := (*schedule)[:0]
	removed := 0
	for _, e := range *schedule {
		if s.matches(e, cmd) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	*schedule = kept
	if removed > 0 {
		heap.Init(schedule)
		s.statistics.Cancelled.Add(float64(removed))
		s.trace.Logf("cancelled %d pending entries", removed)
	}
}

func (s *timerService) matches(e *entry, cmd *command) bool {
	if e.owner != cmd.cancelOwner {
		return false
	}
	if cmd.withKey && e.key != cmd.cancelKey {
		return false
	}
	if cmd.withArg && e.arg != cmd.cancelArg {
		return false
	}
	return true
}

func (s *timerService) fireDue(schedule *entryHeap) {
	now := time.Now()
	for schedule.Len() > 0 && !(*schedule)[0].deadline.After(now) {
		e := heap.Pop(schedule).(*entry)
		s.invoke(e)
	}
}

func (s *timerService) invoke(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.statistics.Panics.Incr()
			s.logger.Error("panic when invoke timer entry",
				logger.String("key", e.key),
				logger.Error(errorpkg.Error(r)), logger.Stack())
		}
	}()
	s.statistics.Fired.Incr()
	e.fn()
}
