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
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lindb/common/pkg/ltoml"

	"github.com/lindb/httpgate/config"
	"github.com/lindb/httpgate/models"
)

// testConfig returns a config with short reclamation windows for tests.
func testConfig() *config.HTTPGate {
	cfg := config.NewDefaultHTTPGate()
	cfg.RequestTimeout = ltoml.Duration(5 * time.Second)
	cfg.WorkerIdleTimeout = ltoml.Duration(200 * time.Millisecond)
	cfg.WorkerCollectInterval = ltoml.Duration(50 * time.Millisecond)
	return cfg
}

// fakeTransport is a controllable in-memory transport.
type fakeTransport struct {
	mu        sync.Mutex
	delay     time.Duration            // completion delay before the response
	delays    map[string]time.Duration // per-url delay overrides
	never     bool                     // never respond, wait for cancellation
	execErr   error                    // fail the exchange instead of responding
	createErr error                    // fail handle construction
	chunks    [][]byte                 // body chunks delivered after the response
	started   []string                 // urls in transport start order

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (t *fakeTransport) startedURLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs := make([]string, len(t.started))
	copy(rs, t.started)
	return rs
}

func (t *fakeTransport) delayFor(url string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.delays[url]; ok {
		return d
	}
	return t.delay
}

func (t *fakeTransport) CreateHandle(_ Operation, req *models.Request,
	post func(func()) bool, cb transportCallbacks,
) (Handle, error) {
	if t.createErr != nil {
		return nil, t.createErr
	}
	h := &fakeHandle{cancelled: make(chan struct{})}
	h.startFn = func() {
		t.mu.Lock()
		t.started = append(t.started, req.URL)
		t.mu.Unlock()
		go t.execute(h, req, post, cb)
	}
	return h, nil
}

func (t *fakeTransport) execute(h *fakeHandle, req *models.Request, post func(func()) bool, cb transportCallbacks) {
	cur := t.inflight.Inc()
	for {
		observed := t.maxInflight.Load()
		if cur <= observed || t.maxInflight.CompareAndSwap(observed, cur) {
			break
		}
	}
	defer t.inflight.Dec()

	if t.never {
		<-h.cancelled
		return
	}
	select {
	case <-h.cancelled:
		return
	case <-time.After(t.delayFor(req.URL)):
	}
	if t.execErr != nil {
		post(func() { cb.onFail(h, t.execErr) })
		return
	}
	post(func() { cb.onResponse(h, &Response{StatusCode: 200, Status: "200 OK"}) })
	for _, chunk := range t.chunks {
		c := chunk
		post(func() { cb.onData(h, c) })
	}
	post(func() { cb.onFinish(h) })
}

type fakeHandle struct {
	startFn   func()
	cancelled chan struct{}
	once      sync.Once
}

func (h *fakeHandle) Start() { h.startFn() }

func (h *fakeHandle) Cancel() {
	h.once.Do(func() {
		close(h.cancelled)
	})
}

// testDelegate records delegate callbacks per operation.
type testDelegate struct {
	mu     sync.Mutex
	events []string
	errs   []error

	active    atomic.Int32
	maxActive atomic.Int32
	terminals atomic.Int32
}

func (d *testDelegate) record(event string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events = append(d.events, event)
}

func (d *testDelegate) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	rs := make([]string, len(d.events))
	copy(rs, d.events)
	return rs
}

func (d *testDelegate) lastErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.errs) == 0 {
		return nil
	}
	return d.errs[len(d.errs)-1]
}

func (d *testDelegate) OnResponse(_ Operation, _ *Response) {
	cur := d.active.Inc()
	for {
		observed := d.maxActive.Load()
		if cur <= observed || d.maxActive.CompareAndSwap(observed, cur) {
			break
		}
	}
	d.record("response")
}

func (d *testDelegate) OnData(_ Operation, chunk []byte) {
	d.record("data:" + string(chunk))
}

func (d *testDelegate) OnFinish(_ Operation) {
	d.active.Dec()
	d.terminals.Inc()
	d.record("finish")
}

func (d *testDelegate) OnFail(_ Operation, err error) {
	d.active.Dec()
	d.terminals.Inc()
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
	d.record("fail")
}

// restoreTransportFactories resets the transport factory overrides.
func restoreTransportFactories() {
	newSessionTransportFunc = newSessionTransport
	newConnectionTransportFunc = newConnectionTransport
}

// useFakeTransport points both factories at the given transport.
func useFakeTransport(t Transport) {
	newSessionTransportFunc = func() Transport { return t }
	newConnectionTransportFunc = func() Transport { return t }
}
