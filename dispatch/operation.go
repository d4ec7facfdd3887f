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
	"bytes"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/lindb/httpgate/models"
	"github.com/lindb/httpgate/pkg/timer"
)

// timeoutKey identifies the request timeout entry of an operation in the timer service.
const timeoutKey = "operationTimeout"

// RequestClass partitions per-endpoint admission capacity.
type RequestClass int

const (
	// ShortRequest is the default class for normal downloads of seconds-scale duration.
	ShortRequest RequestClass = iota
	// LongRequest is for streaming/persistent connections of minutes-plus duration,
	// limited by its own smaller quota.
	LongRequest
)

// String returns the string value of RequestClass.
func (c RequestClass) String() string {
	if c == LongRequest {
		return "Long"
	}
	return "Short"
}

// State represents the lifecycle state of an operation.
type State int

const (
	Pending State = iota
	Waiting
	Running
	Completed
	Cancelled
	TimedOut
	Failed
)

// String returns the string value of State.
func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Waiting:
		return "Waiting"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	case TimedOut:
		return "TimedOut"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// terminal returns if the state is one of the four terminal states.
func (s State) terminal() bool {
	return s >= Completed
}

// Response represents the response metadata of an operation.
type Response struct {
	StatusCode    int
	Status        string
	Header        http.Header
	ContentLength int64
}

// AuthChallenge represents an authentication challenge raised by a transport.
type AuthChallenge struct {
	Host   string
	Realm  string
	Scheme string
}

// Credential represents the credential answering an authentication challenge.
type Credential struct {
	Username string
	Password string
}

// OperationDelegate receives the callbacks of one operation. All callbacks of
// one operation are serialized on the operation's leased worker; callbacks of
// different operations may interleave.
type OperationDelegate interface {
	// OnResponse is called once, before any OnData.
	OnResponse(op Operation, resp *Response)
	// OnData is called zero or more times with the incremental body bytes.
	OnData(op Operation, chunk []byte)
	// OnFinish is the clean terminal callback; cancellation also ends here.
	OnFinish(op Operation)
	// OnFail is the error terminal callback. Exactly one of OnFinish/OnFail fires.
	OnFail(op Operation, err error)
}

// AuthChallengeHandler is the optional delegate capability for authentication
// challenges; when the delegate lacks it, default handling is performed by the
// transport. Presence is resolved once at operation construction.
type AuthChallengeHandler interface {
	OnAuthChallenge(op Operation, challenge *AuthChallenge) (*Credential, bool)
}

// Operation is the handle of one dispatched request.
type Operation interface {
	// ID returns the unique id of the operation.
	ID() string
	// Request returns the request descriptor.
	Request() *models.Request
	// Endpoint returns the admission endpoint key.
	Endpoint() Endpoint
	// Class returns the request class.
	Class() RequestClass
	// State returns the current lifecycle state.
	State() State
	// Response returns the response metadata, valid after the terminal transition.
	Response() *Response
	// Data returns the gathered response body, valid after the terminal transition.
	Data() []byte
	// Err returns the terminal error, nil unless the operation failed or timed out.
	Err() error
	// Done returns a channel closed at the terminal transition,
	// after the delegate's terminal callback returned.
	Done() <-chan struct{}

	authChallengeHandler() AuthChallengeHandler
}

// operation implements Operation interface.
type operation struct {
	id          string
	req         *models.Request
	endpoint    Endpoint
	class       RequestClass
	delegate    OperationDelegate
	authHandler AuthChallengeHandler // nil when the delegate lacks the capability
	dispatcher  *urlDispatcher

	mutex  sync.Mutex
	state  State
	handle Handle        // live transport handle; nil before start and after terminal
	worker *workerThread // leased worker while running
	waiter *admitWaiter  // set while waiting for admission
	resp   *Response
	err    error
	data   bytes.Buffer

	done     chan struct{}
	doneOnce sync.Once
}

func newOperation(d *urlDispatcher, req *models.Request, class RequestClass, delegate OperationDelegate) *operation {
	authHandler, _ := delegate.(AuthChallengeHandler)
	return &operation{
		id:          uuid.New().String(),
		req:         req,
		endpoint:    mustEndpoint(req.URL),
		class:       class,
		delegate:    delegate,
		authHandler: authHandler,
		dispatcher:  d,
		state:       Pending,
		done:        make(chan struct{}),
	}
}

// mustEndpoint re-parses an already validated url; the parse cache makes this cheap.
func mustEndpoint(rawURL string) Endpoint {
	e, _ := ParseEndpoint(rawURL)
	return e
}

func (op *operation) ID() string { return op.id }

func (op *operation) Request() *models.Request { return op.req }

func (op *operation) Endpoint() Endpoint { return op.endpoint }

func (op *operation) Class() RequestClass { return op.class }

func (op *operation) State() State {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	return op.state
}

func (op *operation) Response() *Response {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	return op.resp
}

func (op *operation) Data() []byte {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	return op.data.Bytes()
}

func (op *operation) Err() error {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	return op.err
}

func (op *operation) Done() <-chan struct{} { return op.done }

func (op *operation) authChallengeHandler() AuthChallengeHandler { return op.authHandler }

func (op *operation) signalDone() {
	op.doneOnce.Do(func() {
		close(op.done)
	})
}

// markRunning transitions the operation to Running with its leased worker.
func (op *operation) markRunning(w *workerThread) {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	op.state = Running
	op.worker = w
	op.waiter = nil
}

// markWaiting transitions the operation to Waiting on the given admission waiter.
func (op *operation) markWaiting(wtr *admitWaiter) {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	op.state = Waiting
	op.waiter = wtr
}

// markTerminal performs the single terminal transition; it returns false when the
// operation is already terminal. The transport handle is cleared, so late transport
// callbacks are dropped by the handle identity check.
func (op *operation) markTerminal(state State, err error) (h Handle, ok bool) {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	if op.state.terminal() {
		return nil, false
	}
	h = op.handle
	op.handle = nil
	op.state = state
	op.err = err
	return h, true
}

// attachHandle binds the transport handle; it returns false when the operation
// reached a terminal state before the handle was constructed.
func (op *operation) attachHandle(h Handle) bool {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	if op.state != Running {
		return false
	}
	op.handle = h
	return true
}

func (op *operation) leasedWorker() *workerThread {
	op.mutex.Lock()
	defer op.mutex.Unlock()

	return op.worker
}

// onTransportResponse handles the response metadata callback; executed on the leased worker.
func (op *operation) onTransportResponse(h Handle, resp *Response) {
	op.mutex.Lock()
	if op.handle != h {
		op.mutex.Unlock()
		return
	}
	op.resp = resp
	cancelTimer := op.class == LongRequest
	op.mutex.Unlock()

	if cancelTimer {
		// long operations are allowed to stream past the timeout once the
		// endpoint answered; short operations keep the timer until terminal
		timer.GetTimerService().CancelKey(op, timeoutKey)
	}
	op.delegate.OnResponse(op, resp)
}

// onTransportData handles one body chunk; executed on the leased worker.
func (op *operation) onTransportData(h Handle, chunk []byte) {
	op.mutex.Lock()
	if op.handle != h {
		op.mutex.Unlock()
		return
	}
	if op.req.GatherData {
		op.data.Write(chunk)
	}
	op.mutex.Unlock()

	op.delegate.OnData(op, chunk)
}

// onTransportFinish handles the transport's clean completion; executed on the leased worker.
func (op *operation) onTransportFinish(h Handle) {
	op.mutex.Lock()
	if op.handle != h || op.state.terminal() {
		op.mutex.Unlock()
		return
	}
	op.handle = nil
	op.state = Completed
	op.mutex.Unlock()

	timer.GetTimerService().CancelKey(op, timeoutKey)
	op.dispatcher.statistics.OperationsCompleted.Incr()
	op.delegate.OnFinish(op)
	op.dispatcher.release(op, op.leasedWorker())
	op.signalDone()
}

// onTransportFail handles a transport error; executed on the leased worker.
func (op *operation) onTransportFail(h Handle, err error) {
	op.mutex.Lock()
	if op.handle != h || op.state.terminal() {
		op.mutex.Unlock()
		return
	}
	op.handle = nil
	op.state = Failed
	op.err = err
	op.mutex.Unlock()

	timer.GetTimerService().CancelKey(op, timeoutKey)
	op.dispatcher.statistics.OperationsFailed.Incr()
	op.delegate.OnFail(op, err)
	op.dispatcher.release(op, op.leasedWorker())
	op.signalDone()
}

// timeout is fired by the timer service when the declared request timeout elapsed;
// the delegate callback is re-posted to the leased worker to keep per-operation
// serialization.
func (op *operation) timeout() {
	err := &TimeoutError{URL: op.req.URL, Underlying: errRequestStalled}
	h, ok := op.markTerminal(TimedOut, err)
	if !ok {
		return
	}
	if h != nil {
		h.Cancel()
	}
	op.dispatcher.statistics.OperationsTimedOut.Incr()
	w := op.leasedWorker()
	deliver := func() {
		op.delegate.OnFail(op, err)
		op.dispatcher.release(op, w)
		op.signalDone()
	}
	if w == nil || !w.post(deliver) {
		deliver()
	}
}
