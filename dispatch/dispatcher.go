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
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/lindb/common/pkg/logger"

	"github.com/lindb/httpgate/config"
	"github.com/lindb/httpgate/internal/concurrent"
	"github.com/lindb/httpgate/metrics"
	"github.com/lindb/httpgate/models"
	"github.com/lindb/httpgate/pkg/logsink"
	"github.com/lindb/httpgate/pkg/timer"
)

//go:generate mockgen -source=./dispatcher.go -destination=./dispatcher_mock.go -package=dispatch

// for testing
var (
	newSessionTransportFunc    = newSessionTransport
	newConnectionTransportFunc = newConnectionTransport
)

const (
	// admissionPoolSize bounds the background waiters blocked on endpoint slots.
	admissionPoolSize = 512
	// cancelRetryInterval is the backoff while a cancel races an admission grant.
	cancelRetryInterval = time.Millisecond * 5
)

// URLDispatcher partitions outbound request concurrency by endpoint. Excess
// requests queue internally, so the transport layer never sees more than the
// endpoint's admission quota of simultaneous connections.
//
// Per-endpoint admission is only meaningful when all traffic to an endpoint
// flows through one instance; use the process-wide instance unless isolation
// is wanted on purpose.
type URLDispatcher interface {
	// DispatchSync dispatches the request and blocks the calling goroutine
	// until the terminal state, returning the gathered body and metadata.
	DispatchSync(req *models.Request) (data []byte, resp *Response, err error)
	// DispatchShort dispatches an asynchronous short request; it never rejects
	// for admission reasons, the operation waits for a slot in background.
	DispatchShort(req *models.Request, delegate OperationDelegate) (Operation, error)
	// DispatchLong dispatches an asynchronous long request; it fails
	// immediately with ErrResourceExhausted when the endpoint's long quota is
	// full at call time.
	DispatchLong(req *models.Request, delegate OperationDelegate) (Operation, error)
	// IsLongRequestAllowed returns if a DispatchLong call would currently pass
	// admission. Advisory only, not a reservation.
	IsLongRequestAllowed(req *models.Request) bool
	// Cancel initiates cancellation of the operation; idempotent, a no-op on a
	// terminal operation. The delegate receives OnFinish as the clean terminal.
	Cancel(op Operation)
	// SetMaxConnectionsPerEndpoint updates the per-endpoint hard cap at runtime.
	SetMaxConnectionsPerEndpoint(n int)
	// SetMaxLongRunningPerEndpoint updates the per-endpoint long quota at runtime.
	SetMaxLongRunningPerEndpoint(n int)
	// SetUseSharedTransport toggles preferring the shared session transport.
	SetUseSharedTransport(use bool)
	// State returns a snapshot of all live endpoint states.
	State() models.EndpointStates
	// Stop cancels all pending operations and tears the dispatcher down.
	Stop()
}

var (
	dispatcher      URLDispatcher
	once4Dispatcher sync.Once

	lock sync.Mutex // just for test
)

// InitURLDispatcher initializes the url dispatcher singleton.
func InitURLDispatcher(d URLDispatcher) {
	lock.Lock()
	defer lock.Unlock()

	dispatcher = d
}

// GetURLDispatcher returns the url dispatcher singleton instance,
// creating it with the default config on first use.
func GetURLDispatcher() URLDispatcher {
	if dispatcher != nil {
		return dispatcher
	}
	once4Dispatcher.Do(func() {
		dispatcher = NewURLDispatcher(config.NewDefaultHTTPGate())
	})
	return dispatcher
}

// dispatchMode selects the blocking behavior of an admission attempt.
type dispatchMode int

const (
	modeSync dispatchMode = iota
	modeShortAsync
	modeLongAsync
)

// endpointState tracks the admission state of one live endpoint.
type endpointState struct {
	key Endpoint

	mutex        sync.Mutex
	dead         bool
	running      [2]int                  // per-class running count
	waiters      [2][]*admitWaiter       // per-class FIFO wait queue
	idleWorkers  []*workerThread         // free-list of reusable workers
	busyWorkers  int                     // workers currently servicing operations
	ops          map[*operation]struct{} // running operations, strongly held
	lastActivity time.Time
}

// urlDispatcher implements URLDispatcher interface.
type urlDispatcher struct {
	cfg            *config.HTTPGate
	maxConnections atomic.Int32
	maxLongRunning atomic.Int32
	useShared      atomic.Bool

	mutex     sync.Mutex
	endpoints map[Endpoint]*endpointState

	tmutex         sync.Mutex
	session        Transport
	sessionInit    bool
	connection     Transport
	connectionInit bool

	admissionPool concurrent.Pool
	statistics    *metrics.DispatcherStatistics
	trace         *logsink.Source
	logger        logger.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// NewURLDispatcher creates a url dispatcher with the given config.
func NewURLDispatcher(cfg *config.HTTPGate) URLDispatcher {
	if cfg == nil {
		cfg = config.NewDefaultHTTPGate()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &urlDispatcher{
		cfg:           cfg,
		endpoints:     make(map[Endpoint]*endpointState),
		admissionPool: concurrent.NewPool("dispatch-admission", admissionPoolSize),
		statistics:    metrics.NewDispatcherStatistics(),
		trace:         logsink.GetSource("URLDispatcher"),
		logger:        logger.GetLogger("HTTPGate", "Dispatcher"),
		ctx:           ctx,
		cancel:        cancel,
	}
	d.maxConnections.Store(int32(cfg.MaxConnectionsPerEndpoint))
	d.maxLongRunning.Store(int32(cfg.MaxLongRunningPerEndpoint))
	d.useShared.Store(cfg.UseSharedTransport)
	go d.collect()
	return d
}

func (d *urlDispatcher) SetMaxConnectionsPerEndpoint(n int) {
	if n >= 1 {
		d.maxConnections.Store(int32(n))
	}
}

func (d *urlDispatcher) SetMaxLongRunningPerEndpoint(n int) {
	if n >= 0 {
		d.maxLongRunning.Store(int32(n))
	}
}

func (d *urlDispatcher) SetUseSharedTransport(use bool) {
	d.useShared.Store(use)
}

func (d *urlDispatcher) DispatchSync(req *models.Request) (data []byte, resp *Response, err error) {
	if req == nil {
		return nil, nil, errors.WithMessage(ErrInvalidRequest, "nil request")
	}
	r := req.Clone()
	r.GatherData = true
	op, err := d.dispatch(r, ShortRequest, syncDelegate{}, modeSync)
	if err != nil {
		return nil, nil, err
	}
	<-op.Done()
	o := op.(*operation)
	return o.Data(), o.Response(), o.Err()
}

func (d *urlDispatcher) DispatchShort(req *models.Request, delegate OperationDelegate) (Operation, error) {
	return d.dispatch(req, ShortRequest, delegate, modeShortAsync)
}

func (d *urlDispatcher) DispatchLong(req *models.Request, delegate OperationDelegate) (Operation, error) {
	return d.dispatch(req, LongRequest, delegate, modeLongAsync)
}

func (d *urlDispatcher) dispatch(req *models.Request, class RequestClass,
	delegate OperationDelegate, mode dispatchMode,
) (Operation, error) {
	if d.stopped.Load() {
		return nil, ErrDispatcherStopped
	}
	if req == nil || req.URL == "" {
		return nil, errors.WithMessage(ErrInvalidRequest, "nil request or empty url")
	}
	if _, err := ParseEndpoint(req.URL); err != nil {
		return nil, err
	}
	if delegate == nil {
		delegate = syncDelegate{}
	}
	op := newOperation(d, req, class, delegate)
	if d.transport() == nil {
		// no transport constructible: the delegate observes the failure
		// before the dispatch call returns
		err := &NoTransportError{URL: req.URL}
		if _, ok := op.markTerminal(Failed, err); ok {
			d.statistics.OperationsFailed.Incr()
			delegate.OnFail(op, err)
			op.signalDone()
		}
		return op, nil
	}
	if err := d.admit(op, mode); err != nil {
		return nil, err
	}
	return op, nil
}

// admit runs the admission algorithm for the operation on its endpoint.
func (d *urlDispatcher) admit(op *operation, mode dispatchMode) error {
	for {
		es := d.endpointState(op.endpoint)
		es.mutex.Lock()
		if es.dead {
			// lost a race with the collector, fetch a fresh state
			es.mutex.Unlock()
			continue
		}
		if d.canAdmitLocked(es, op.class, true) {
			w := d.admitLocked(es, op)
			op.markRunning(w)
			es.mutex.Unlock()
			d.statistics.OperationsAdmitted.Incr()
			w.post(func() { d.startTransport(op, w) })
			return nil
		}
		if mode == modeLongAsync {
			es.mutex.Unlock()
			d.statistics.OperationsRejected.Incr()
			return errors.WithMessagef(ErrResourceExhausted, "endpoint[%s]", op.endpoint.String())
		}
		wtr := newAdmitWaiter(op)
		es.waiters[op.class] = append(es.waiters[op.class], wtr)
		es.lastActivity = time.Now()
		op.markWaiting(wtr)
		es.mutex.Unlock()
		d.statistics.OperationsQueued.Incr()
		d.admissionPool.Submit(d.ctx, concurrent.NewTask(func() {
			d.awaitAdmission(op, wtr)
		}, nil))
		return nil
	}
}

// canAdmitLocked checks the admission condition of one class; a new arrival
// may not jump a non-empty wait queue of its class.
func (d *urlDispatcher) canAdmitLocked(es *endpointState, class RequestClass, newArrival bool) bool {
	hard := int(d.maxConnections.Load())
	quota := hard
	if class == LongRequest {
		quota = int(d.maxLongRunning.Load())
	}
	if newArrival && len(es.waiters[class]) > 0 {
		return false
	}
	total := es.running[ShortRequest] + es.running[LongRequest]
	return es.running[class] < quota && total < hard
}

// admitLocked takes one slot of the operation's class and leases a worker.
func (d *urlDispatcher) admitLocked(es *endpointState, op *operation) *workerThread {
	es.running[op.class]++
	es.ops[op] = struct{}{}
	es.lastActivity = time.Now()
	return d.leaseWorkerLocked(es)
}

func (d *urlDispatcher) leaseWorkerLocked(es *endpointState) *workerThread {
	var w *workerThread
	if n := len(es.idleWorkers); n > 0 {
		w = es.idleWorkers[0]
		es.idleWorkers = es.idleWorkers[1:]
		w.touch()
	} else {
		w = newWorkerThread()
		d.statistics.WorkersAlive.Incr()
	}
	es.busyWorkers++
	return w
}

// awaitAdmission blocks a background waiter until its operation is granted a
// slot or the wait is abandoned.
func (d *urlDispatcher) awaitAdmission(op *operation, wtr *admitWaiter) {
	w, ok := <-wtr.grant
	if !ok {
		// cancelled(or shut down) while waiting, no slot was taken
		if _, k := op.markTerminal(Cancelled, nil); k {
			d.statistics.OperationsCancelled.Incr()
			op.delegate.OnFinish(op)
			op.signalDone()
		}
		return
	}
	op.markRunning(w)
	if wtr.cancelled.Load() {
		// cancel raced the grant, give the slot back
		if _, k := op.markTerminal(Cancelled, nil); k {
			d.statistics.OperationsCancelled.Incr()
			op.delegate.OnFinish(op)
			d.release(op, w)
			op.signalDone()
		}
		return
	}
	d.statistics.OperationsAdmitted.Incr()
	w.post(func() { d.startTransport(op, w) })
}

// startTransport creates and starts the transport handle; executed on the
// operation's leased worker.
func (d *urlDispatcher) startTransport(op *operation, w *workerThread) {
	if op.State() != Running {
		return
	}
	t := d.transport()
	if t == nil {
		d.failNoTransport(op, w, nil)
		return
	}
	cb := transportCallbacks{
		onResponse: op.onTransportResponse,
		onData:     op.onTransportData,
		onFinish:   op.onTransportFinish,
		onFail:     op.onTransportFail,
	}
	h, err := t.CreateHandle(op, op.req, w.post, cb)
	if err != nil {
		d.logger.Error("create transport handle failure",
			logger.String("url", op.req.URL), logger.Error(err))
		d.failNoTransport(op, w, err)
		return
	}
	if !op.attachHandle(h) {
		// reached a terminal state while the handle was constructed
		h.Cancel()
		return
	}
	if timeout := d.requestTimeout(op.req); timeout > 0 {
		timer.GetTimerService().Schedule(op, timeoutKey, nil, timeout, op.timeout)
	}
	d.trace.Logf("start operation[%s] class[%s] on endpoint[%s]", op.id, op.class, op.endpoint)
	h.Start()
}

func (d *urlDispatcher) failNoTransport(op *operation, w *workerThread, cause error) {
	err := &NoTransportError{URL: op.req.URL, Err: cause}
	if _, ok := op.markTerminal(Failed, err); !ok {
		return
	}
	d.statistics.OperationsFailed.Incr()
	op.delegate.OnFail(op, err)
	d.release(op, w)
	op.signalDone()
}

// requestTimeout returns the declared timeout of the request,
// defaulting to the configured request timeout.
func (d *urlDispatcher) requestTimeout(req *models.Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return time.Duration(d.cfg.RequestTimeout)
}

// release frees the operation's slot, returns its worker to the endpoint
// free-list and promotes the head of the wait queues.
func (d *urlDispatcher) release(op *operation, w *workerThread) {
	es := d.getEndpointState(op.endpoint)
	if es == nil {
		if w != nil {
			w.stop()
			d.statistics.WorkersAlive.Decr()
		}
		return
	}
	es.mutex.Lock()
	if _, ok := es.ops[op]; ok {
		delete(es.ops, op)
		es.running[op.class]--
	}
	if w != nil {
		es.busyWorkers--
		w.touch()
		es.idleWorkers = append(es.idleWorkers, w)
	}
	es.lastActivity = time.Now()
	d.promoteLocked(es)
	es.mutex.Unlock()
}

// promoteLocked admits waiting operations while slots are available,
// in wait-queue FIFO order per class.
func (d *urlDispatcher) promoteLocked(es *endpointState) {
	for _, class := range []RequestClass{ShortRequest, LongRequest} {
		for len(es.waiters[class]) > 0 && d.canAdmitLocked(es, class, false) {
			wtr := es.waiters[class][0]
			es.waiters[class] = es.waiters[class][1:]
			w := d.admitLocked(es, wtr.op)
			wtr.grant <- w
		}
	}
}

func (d *urlDispatcher) IsLongRequestAllowed(req *models.Request) bool {
	if req == nil || d.stopped.Load() {
		return false
	}
	e, err := ParseEndpoint(req.URL)
	if err != nil {
		return false
	}
	es := d.getEndpointState(e)
	if es == nil {
		return d.maxLongRunning.Load() > 0 && d.maxConnections.Load() > 0
	}
	es.mutex.Lock()
	defer es.mutex.Unlock()

	return d.canAdmitLocked(es, LongRequest, true)
}

func (d *urlDispatcher) Cancel(o Operation) {
	op, ok := o.(*operation)
	if !ok || op == nil {
		return
	}
	for {
		op.mutex.Lock()
		state := op.state
		if state.terminal() || state == Pending {
			op.mutex.Unlock()
			return
		}
		if state == Waiting {
			wtr := op.waiter
			op.mutex.Unlock()
			if d.cancelWaiting(op, wtr) {
				return
			}
			// a grant raced the cancel; retry against the new state
			time.Sleep(cancelRetryInterval)
			continue
		}
		// running
		h := op.handle
		op.handle = nil
		op.state = Cancelled
		w := op.worker
		op.mutex.Unlock()

		timer.GetTimerService().CancelKey(op, timeoutKey)
		if h != nil {
			h.Cancel()
		}
		d.statistics.OperationsCancelled.Incr()
		deliver := func() {
			op.delegate.OnFinish(op)
			d.release(op, w)
			op.signalDone()
		}
		if w == nil || !w.post(deliver) {
			deliver()
		}
		return
	}
}

// cancelWaiting abandons a waiting operation; it returns false when the waiter
// was already granted, in which case the grant path observes the cancel flag.
func (d *urlDispatcher) cancelWaiting(op *operation, wtr *admitWaiter) bool {
	if wtr == nil {
		return true
	}
	wtr.cancelled.Store(true)
	es := d.getEndpointState(op.endpoint)
	if es == nil {
		return true
	}
	es.mutex.Lock()
	removed := removeWaiterLocked(es, wtr)
	es.mutex.Unlock()
	if removed {
		close(wtr.grant)
	}
	return removed
}

func removeWaiterLocked(es *endpointState, wtr *admitWaiter) bool {
	queue := es.waiters[wtr.op.class]
	for i, candidate := range queue {
		if candidate == wtr {
			es.waiters[wtr.op.class] = append(queue[:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

// transport returns the configured transport, preferring the shared session
// transport and falling back to the per-connection transport.
func (d *urlDispatcher) transport() Transport {
	if d.useShared.Load() {
		if t := d.sessionTransport(); t != nil {
			return t
		}
	}
	return d.connectionTransport()
}

func (d *urlDispatcher) sessionTransport() Transport {
	d.tmutex.Lock()
	defer d.tmutex.Unlock()

	if !d.sessionInit {
		d.session = newSessionTransportFunc()
		d.sessionInit = true
	}
	return d.session
}

func (d *urlDispatcher) connectionTransport() Transport {
	d.tmutex.Lock()
	defer d.tmutex.Unlock()

	if !d.connectionInit {
		d.connection = newConnectionTransportFunc()
		d.connectionInit = true
	}
	return d.connection
}

// endpointState returns the live state of the endpoint, creating it when absent.
func (d *urlDispatcher) endpointState(e Endpoint) *endpointState {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	es, ok := d.endpoints[e]
	if !ok {
		es = &endpointState{
			key:          e,
			ops:          make(map[*operation]struct{}),
			lastActivity: time.Now(),
		}
		d.endpoints[e] = es
		d.statistics.EndpointsAlive.Incr()
	}
	return es
}

func (d *urlDispatcher) getEndpointState(e Endpoint) *endpointState {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.endpoints[e]
}

func (d *urlDispatcher) endpointStates() (rs []*endpointState) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, es := range d.endpoints {
		rs = append(rs, es)
	}
	return rs
}

func (d *urlDispatcher) State() models.EndpointStates {
	var rs models.EndpointStates
	for _, es := range d.endpointStates() {
		es.mutex.Lock()
		rs = append(rs, models.EndpointState{
			Endpoint:     es.key.String(),
			RunningShort: es.running[ShortRequest],
			RunningLong:  es.running[LongRequest],
			WaitingShort: len(es.waiters[ShortRequest]),
			WaitingLong:  len(es.waiters[LongRequest]),
			IdleWorkers:  len(es.idleWorkers),
			BusyWorkers:  es.busyWorkers,
			LastActivity: es.lastActivity.UnixMilli(),
		})
		es.mutex.Unlock()
	}
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].Endpoint < rs[j].Endpoint
	})
	return rs
}

// collect reclaims idle workers and dead endpoint states periodically.
func (d *urlDispatcher) collect() {
	interval := time.Duration(d.cfg.WorkerCollectInterval)
	if interval <= 0 {
		interval = time.Second * 10
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.collectIdleWorkers()
		}
	}
}

func (d *urlDispatcher) collectIdleWorkers() {
	idleTimeout := time.Duration(d.cfg.WorkerIdleTimeout)
	if idleTimeout <= 0 {
		idleTimeout = time.Second * 15
	}
	now := time.Now()
	for _, es := range d.endpointStates() {
		es.mutex.Lock()
		kept := es.idleWorkers[:0]
		for _, w := range es.idleWorkers {
			if w.idleSince(now) >= idleTimeout {
				w.stop()
				d.statistics.WorkersAlive.Decr()
				d.trace.Logf("reclaim idle worker of endpoint[%s]", es.key)
			} else {
				kept = append(kept, w)
			}
		}
		es.idleWorkers = kept
		empty := len(es.idleWorkers) == 0 && es.busyWorkers == 0 &&
			es.running[ShortRequest]+es.running[LongRequest] == 0 &&
			len(es.waiters[ShortRequest])+len(es.waiters[LongRequest]) == 0 &&
			now.Sub(es.lastActivity) >= idleTimeout
		if empty {
			es.dead = true
		}
		es.mutex.Unlock()
		if empty {
			d.removeEndpoint(es)
		}
	}
}

func (d *urlDispatcher) removeEndpoint(es *endpointState) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.endpoints[es.key] == es {
		delete(d.endpoints, es.key)
		d.statistics.EndpointsAlive.Decr()
	}
}

func (d *urlDispatcher) Stop() {
	if d.stopped.Swap(true) {
		return
	}
	d.cancel()

	states := d.endpointStates()
	var running []*operation
	for _, es := range states {
		es.mutex.Lock()
		for _, class := range []RequestClass{ShortRequest, LongRequest} {
			for _, wtr := range es.waiters[class] {
				wtr.cancelled.Store(true)
				close(wtr.grant)
			}
			es.waiters[class] = nil
		}
		for op := range es.ops {
			running = append(running, op)
		}
		es.mutex.Unlock()
	}
	for _, op := range running {
		d.Cancel(op)
	}
	for _, op := range running {
		<-op.Done()
	}
	// abandoned waiters finish inside the pool before it stops
	d.admissionPool.Stop()

	for _, es := range states {
		es.mutex.Lock()
		for _, w := range es.idleWorkers {
			w.stop()
			d.statistics.WorkersAlive.Decr()
		}
		es.idleWorkers = nil
		es.mutex.Unlock()
	}
	d.logger.Info("url dispatcher stopped")
}

// syncDelegate is the internal delegate of synchronous dispatches; the
// gathered body is read from the operation after completion. It also serves as
// the fallback for a nil delegate.
type syncDelegate struct{}

func (syncDelegate) OnResponse(Operation, *Response) {}
func (syncDelegate) OnData(Operation, []byte)        {}
func (syncDelegate) OnFinish(Operation)              {}
func (syncDelegate) OnFail(Operation, error)         {}
