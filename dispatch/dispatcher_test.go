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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/lindb/httpgate/models"
)

func TestURLDispatcher_DispatchSync(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{
		delay:  10 * time.Millisecond,
		chunks: [][]byte{[]byte("hello "), []byte("world")},
	}
	useFakeTransport(ft)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	data, resp, err := d.DispatchSync(models.NewRequest("http://example.com/file"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	// the returned data equals the concatenation of the delivered chunks
	assert.Equal(t, []byte("hello world"), data)
}

func TestURLDispatcher_DispatchSync_InvalidRequest(t *testing.T) {
	defer restoreTransportFactories()
	useFakeTransport(&fakeTransport{})
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	// case 1: nil request
	_, _, err := d.DispatchSync(nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	// case 2: empty url
	_, _, err = d.DispatchSync(&models.Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	// case 3: unparsable url
	_, _, err = d.DispatchSync(models.NewRequest("not a url"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestURLDispatcher_HardCapEnforcement(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{delay: 100 * time.Millisecond}
	useFakeTransport(ft)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	delegate := &testDelegate{}
	var ops []Operation
	for i := 0; i < 10; i++ {
		op, err := d.DispatchShort(models.NewRequest(fmt.Sprintf("http://example.com/f%d", i)), delegate)
		require.NoError(t, err)
		ops = append(ops, op)
	}
	for _, op := range ops {
		select {
		case <-op.Done():
		case <-time.After(3 * time.Second):
			t.Fatalf("operation %s not terminal", op.ID())
		}
	}
	// at most 4 operations ever hold transport slots simultaneously
	assert.LessOrEqual(t, ft.maxInflight.Load(), int32(4))
	assert.Equal(t, int32(10), delegate.terminals.Load())
	for _, op := range ops {
		assert.Equal(t, Completed, op.State())
	}
}

func TestURLDispatcher_LongQuotaEnforcement(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{never: true}
	useFakeTransport(ft)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	delegate := &testDelegate{}
	req := models.NewRequest("http://example.com/stream")

	op1, err := d.DispatchLong(req, delegate)
	require.NoError(t, err)
	op2, err := d.DispatchLong(req, delegate)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(ft.startedURLs()) == 2
	}, time.Second, 10*time.Millisecond)

	// case 1: a 3rd long request is rejected immediately
	_, err = d.DispatchLong(req, delegate)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.False(t, d.IsLongRequestAllowed(req))

	// case 2: a short request still runs, slots 3 and 4 remain for short
	op4, err := d.DispatchShort(models.NewRequest("http://example.com/f"), delegate)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(ft.startedURLs()) == 3
	}, time.Second, 10*time.Millisecond)

	d.Cancel(op1)
	d.Cancel(op2)
	d.Cancel(op4)
	<-op1.Done()
	<-op2.Done()
}

func TestURLDispatcher_TimeoutPreemptsStalledTransport(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{never: true}
	useFakeTransport(ft)
	cfg := testConfig()
	cfg.MaxConnectionsPerEndpoint = 1
	d := NewURLDispatcher(cfg)
	defer d.Stop()

	delegate := &testDelegate{}
	req := models.NewRequest("http://example.com/stalled")
	req.Timeout = 200 * time.Millisecond

	start := time.Now()
	op, err := d.DispatchShort(req, delegate)
	require.NoError(t, err)
	// a queued operation on the same endpoint waits for the stalled slot
	queued, err := d.DispatchShort(models.NewRequest("http://example.com/queued"), delegate)
	require.NoError(t, err)

	select {
	case <-op.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not enforced")
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 800*time.Millisecond)
	assert.Equal(t, TimedOut, op.State())
	assert.True(t, IsTimeout(op.Err()))
	assert.True(t, IsTimeout(delegate.lastErr()))

	// the freed slot admits the queued operation
	assert.Eventually(t, func() bool {
		return queued.State() == Running || queued.State().terminal()
	}, time.Second, 5*time.Millisecond)
	d.Cancel(queued)
}

func TestURLDispatcher_FIFOWithinClass(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{
		delays: map[string]time.Duration{
			"http://example.com/a": 100 * time.Millisecond,
			"http://example.com/b": 160 * time.Millisecond,
			"http://example.com/c": 220 * time.Millisecond,
			"http://example.com/d": 280 * time.Millisecond,
			"http://example.com/f": 10 * time.Millisecond,
			"http://example.com/g": 10 * time.Millisecond,
			"http://example.com/h": 10 * time.Millisecond,
		},
	}
	useFakeTransport(ft)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	delegate := &testDelegate{}
	submit := func(name string) Operation {
		op, err := d.DispatchShort(models.NewRequest("http://example.com/"+name), delegate)
		require.NoError(t, err)
		return op
	}
	var running []Operation
	for i, name := range []string{"a", "b", "c", "d"} {
		running = append(running, submit(name))
		// each admitted operation starts on its own worker, wait out the race
		started := i + 1
		assert.Eventually(t, func() bool {
			return len(ft.startedURLs()) == started
		}, time.Second, time.Millisecond)
	}

	waiting := []Operation{submit("f"), submit("g"), submit("h")}
	for _, op := range append(running, waiting...) {
		select {
		case <-op.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("operation not terminal")
		}
	}
	// admission order within the short wait queue equals submission order
	assert.Equal(t, []string{
		"http://example.com/a",
		"http://example.com/b",
		"http://example.com/c",
		"http://example.com/d",
		"http://example.com/f",
		"http://example.com/g",
		"http://example.com/h",
	}, ft.startedURLs())
}

func TestURLDispatcher_CancelAfterCompleteIsNoop(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{delay: 10 * time.Millisecond}
	useFakeTransport(ft)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	delegate := &testDelegate{}
	op, err := d.DispatchShort(models.NewRequest("http://example.com/fast"), delegate)
	require.NoError(t, err)
	<-op.Done()
	assert.Equal(t, Completed, op.State())

	events := delegate.recorded()
	time.Sleep(50 * time.Millisecond)
	d.Cancel(op)
	d.Cancel(op)
	time.Sleep(50 * time.Millisecond)
	// no additional delegate callback fires, the terminal state stays Completed
	assert.Equal(t, events, delegate.recorded())
	assert.Equal(t, Completed, op.State())
}

func TestURLDispatcher_CancelRunning(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{never: true}
	useFakeTransport(ft)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	delegate := &testDelegate{}
	op, err := d.DispatchShort(models.NewRequest("http://example.com/stream"), delegate)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(ft.startedURLs()) == 1
	}, time.Second, 5*time.Millisecond)

	d.Cancel(op)
	select {
	case <-op.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel not delivered")
	}
	// cancellation is a clean terminal, not an error
	assert.Equal(t, Cancelled, op.State())
	assert.Equal(t, []string{"finish"}, delegate.recorded())
	assert.NoError(t, op.Err())
}

func TestURLDispatcher_CancelWaiting(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{never: true}
	useFakeTransport(ft)
	cfg := testConfig()
	cfg.MaxConnectionsPerEndpoint = 1
	d := NewURLDispatcher(cfg)
	defer d.Stop()

	blocker, err := d.DispatchShort(models.NewRequest("http://example.com/a"), &testDelegate{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(ft.startedURLs()) == 1
	}, time.Second, 5*time.Millisecond)

	delegate := &testDelegate{}
	waiting, err := d.DispatchShort(models.NewRequest("http://example.com/b"), delegate)
	require.NoError(t, err)
	assert.Equal(t, Waiting, waiting.State())

	d.Cancel(waiting)
	select {
	case <-waiting.Done():
	case <-time.After(time.Second):
		t.Fatal("waiting cancel not delivered")
	}
	assert.Equal(t, Cancelled, waiting.State())
	assert.Equal(t, []string{"finish"}, delegate.recorded())
	// the slot was never taken, the blocker still runs alone
	assert.Equal(t, 1, len(ft.startedURLs()))
	d.Cancel(blocker)
}

func TestURLDispatcher_NoTransport_SyncFail(t *testing.T) {
	defer restoreTransportFactories()
	newSessionTransportFunc = func() Transport { return nil }
	newConnectionTransportFunc = func() Transport { return nil }
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	delegate := &testDelegate{}
	op, err := d.DispatchShort(models.NewRequest("http://example.com/f"), delegate)
	require.NoError(t, err)
	// the delegate observed the failure before DispatchShort returned
	assert.Equal(t, []string{"fail"}, delegate.recorded())
	assert.Equal(t, Failed, op.State())
	var noTransport *NoTransportError
	assert.ErrorAs(t, op.Err(), &noTransport)
	assert.Equal(t, "http://example.com/f", noTransport.URL)
}

func TestURLDispatcher_CreateHandleFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer func() {
		restoreTransportFactories()
		ctrl.Finish()
	}()
	mockTransport := NewMockTransport(ctrl)
	mockTransport.EXPECT().CreateHandle(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("handle construction err"))
	useFakeTransport(mockTransport)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	delegate := &testDelegate{}
	op, err := d.DispatchShort(models.NewRequest("http://example.com/f"), delegate)
	require.NoError(t, err)
	select {
	case <-op.Done():
	case <-time.After(time.Second):
		t.Fatal("failure not delivered")
	}
	assert.Equal(t, Failed, op.State())
	var noTransport *NoTransportError
	assert.ErrorAs(t, op.Err(), &noTransport)
}

func TestURLDispatcher_TransportFailure(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{delay: 10 * time.Millisecond, execErr: fmt.Errorf("connection reset")}
	useFakeTransport(ft)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	delegate := &testDelegate{}
	op, err := d.DispatchShort(models.NewRequest("http://example.com/f"), delegate)
	require.NoError(t, err)
	<-op.Done()
	// the transport native error passes through unmodified
	assert.Equal(t, Failed, op.State())
	assert.Equal(t, []string{"fail"}, delegate.recorded())
	assert.EqualError(t, delegate.lastErr(), "connection reset")
}

func TestURLDispatcher_WorkerIdleReclamation(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{delay: 5 * time.Millisecond}
	useFakeTransport(ft)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	op, err := d.DispatchShort(models.NewRequest("http://example.com/f"), &testDelegate{})
	require.NoError(t, err)
	<-op.Done()

	states := d.State()
	require.Len(t, states, 1)
	assert.Equal(t, 1, states[0].IdleWorkers)

	// the collector reclaims the idle worker and the endpoint state
	assert.Eventually(t, func() bool {
		return len(d.State()) == 0
	}, 2*time.Second, 20*time.Millisecond)

	// a new dispatch spawns a fresh worker and completes normally
	data, resp, err := d.DispatchSync(models.NewRequest("http://example.com/again"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, data)
}

func TestURLDispatcher_EndpointIsolation(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{never: true}
	useFakeTransport(ft)
	cfg := testConfig()
	cfg.MaxConnectionsPerEndpoint = 1
	d := NewURLDispatcher(cfg)
	defer d.Stop()

	// saturating one endpoint leaves another endpoint unaffected
	op1, err := d.DispatchShort(models.NewRequest("http://one.example.com/f"), &testDelegate{})
	require.NoError(t, err)
	op2, err := d.DispatchShort(models.NewRequest("http://two.example.com/f"), &testDelegate{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(ft.startedURLs()) == 2
	}, time.Second, 5*time.Millisecond)
	d.Cancel(op1)
	d.Cancel(op2)
}

func TestURLDispatcher_RuntimeConfig(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{never: true}
	useFakeTransport(ft)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()

	req := models.NewRequest("http://example.com/stream")
	assert.True(t, d.IsLongRequestAllowed(req))
	d.SetMaxLongRunningPerEndpoint(0)
	assert.False(t, d.IsLongRequestAllowed(req))
	_, err := d.DispatchLong(req, &testDelegate{})
	assert.ErrorIs(t, err, ErrResourceExhausted)
	d.SetMaxLongRunningPerEndpoint(2)
	assert.True(t, d.IsLongRequestAllowed(req))
}

func TestURLDispatcher_Stop(t *testing.T) {
	defer restoreTransportFactories()
	ft := &fakeTransport{never: true}
	useFakeTransport(ft)
	cfg := testConfig()
	cfg.MaxConnectionsPerEndpoint = 1
	d := NewURLDispatcher(cfg)

	running, err := d.DispatchShort(models.NewRequest("http://example.com/a"), &testDelegate{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(ft.startedURLs()) == 1
	}, time.Second, 5*time.Millisecond)
	waiting, err := d.DispatchShort(models.NewRequest("http://example.com/b"), &testDelegate{})
	require.NoError(t, err)

	d.Stop()
	assert.Equal(t, Cancelled, running.State())
	<-waiting.Done()
	assert.Equal(t, Cancelled, waiting.State())

	// dispatching after stop fails synchronously
	_, err = d.DispatchShort(models.NewRequest("http://example.com/c"), &testDelegate{})
	assert.ErrorIs(t, err, ErrDispatcherStopped)
	// stop is idempotent
	d.Stop()
}

func TestGetURLDispatcher_Singleton(t *testing.T) {
	defer InitURLDispatcher(nil)
	d := NewURLDispatcher(testConfig())
	defer d.Stop()
	InitURLDispatcher(d)
	assert.Equal(t, d, GetURLDispatcher())
}
