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
	"io"
	"net/http"

	resty "github.com/go-resty/resty/v2"

	"github.com/lindb/common/pkg/logger"

	"github.com/lindb/httpgate/models"
)

//go:generate mockgen -source=./transport.go -destination=./transport_mock.go -package=dispatch

// chunkSize is the read size of the streamed response body.
const chunkSize = 32 * 1024

// transportCallbacks carries the callbacks a transport fires while executing
// one operation. Each callback passes the originating handle; callbacks of a
// stale handle are dropped by the operation.
type transportCallbacks struct {
	onResponse func(h Handle, resp *Response)
	onData     func(h Handle, chunk []byte)
	onFinish   func(h Handle)
	onFail     func(h Handle, err error)
}

// Handle represents one live transport exchange.
type Handle interface {
	// Start begins the exchange; callbacks fire on the operation's leased worker.
	Start()
	// Cancel aborts the exchange; safe to call from any goroutine, idempotent.
	Cancel()
}

// Transport creates handles that execute requests and surface callbacks.
// The declared request timeout is ignored here on purpose: the transport's own
// timer is untrusted and the dispatcher enforces timeouts through the timer
// service. Authentication challenges receive default handling from the
// underlying client; a delegate's AuthChallengeHandler capability is consulted
// by transports that surface challenges.
type Transport interface {
	// CreateHandle constructs a handle for the request. post schedules a
	// closure onto the operation's leased worker event loop.
	CreateHandle(op Operation, req *models.Request, post func(func()) bool, cb transportCallbacks) (Handle, error)
}

// restyHandle implements Handle over a cancellable request context.
type restyHandle struct {
	startFn func()
	cancel  context.CancelFunc
}

func (h *restyHandle) Start() { h.startFn() }

func (h *restyHandle) Cancel() { h.cancel() }

// sessionTransport executes all operations through one shared resty client;
// each exchange runs on a transport-owned goroutine and re-posts its callbacks
// to the operation's leased worker.
type sessionTransport struct {
	client *resty.Client
	logger logger.Logger
}

// newSessionTransport creates the shared session transport.
func newSessionTransport() Transport {
	client := resty.New()
	// the transport timer is disabled, timeouts belong to the dispatcher
	client.SetTimeout(0)
	return &sessionTransport{
		client: client,
		logger: logger.GetLogger("HTTPGate", "Transport"),
	}
}

func (t *sessionTransport) CreateHandle(_ Operation, req *models.Request, post func(func()) bool, cb transportCallbacks) (Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &restyHandle{cancel: cancel}
	h.startFn = func() {
		go executeRequest(ctx, t.client, h, req, post, cb)
	}
	return h, nil
}

// connectionTransport creates a fresh client per operation and executes the
// whole exchange on the leased worker's event loop directly, so callbacks
// already arrive on that worker.
type connectionTransport struct {
	logger logger.Logger
}

// newConnectionTransport creates the per-connection transport.
func newConnectionTransport() Transport {
	return &connectionTransport{
		logger: logger.GetLogger("HTTPGate", "Transport"),
	}
}

func (t *connectionTransport) CreateHandle(_ Operation, req *models.Request, post func(func()) bool, cb transportCallbacks) (Handle, error) {
	client := resty.New()
	client.SetTimeout(0)
	ctx, cancel := context.WithCancel(context.Background())
	h := &restyHandle{cancel: cancel}
	direct := func(task func()) bool {
		task()
		return true
	}
	h.startFn = func() {
		// the exchange occupies the worker loop until terminal; cancellation
		// aborts the request context from outside the loop
		post(func() {
			executeRequest(ctx, client, h, req, direct, cb)
		})
	}
	return h, nil
}

// executeRequest runs one exchange and streams the body through deliver.
func executeRequest(ctx context.Context, client *resty.Client, h Handle,
	req *models.Request, deliver func(func()) bool, cb transportCallbacks,
) {
	r := client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if len(req.Header) > 0 {
		r.SetHeaderMultiValues(req.Header)
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	resp, err := r.Execute(method, req.URL)
	if err != nil {
		deliver(func() { cb.onFail(h, err) })
		return
	}
	raw := resp.RawBody()
	defer func() {
		_ = raw.Close()
	}()

	meta := &Response{
		StatusCode: resp.StatusCode(),
		Status:     resp.Status(),
		Header:     resp.Header(),
	}
	if resp.RawResponse != nil {
		meta.ContentLength = resp.RawResponse.ContentLength
	}
	deliver(func() { cb.onResponse(h, meta) })

	buf := make([]byte, chunkSize)
	for {
		n, err := raw.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			deliver(func() { cb.onData(h, chunk) })
		}
		switch {
		case err == io.EOF:
			deliver(func() { cb.onFinish(h) })
			return
		case err != nil:
			deliver(func() { cb.onFail(h, err) })
			return
		}
	}
}
