// Copyright 2024 The Portico Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/porticolabs/portico/pool"
	"github.com/porticolabs/portico/registry"
	"github.com/porticolabs/portico/resolver"
	"github.com/porticolabs/portico/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend scripts the behavior of one endpoint address.
type fakeBackend struct {
	mu       sync.Mutex
	dials    int
	requests int
	failDial bool
	failDo   bool
	blockCtx bool
	status   int
}

func (b *fakeBackend) counts() (dials, requests int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials, b.requests
}

type fakeDialer struct {
	mu       sync.Mutex
	backends map[string]*fakeBackend
}

func newFakeDialer(addrs ...string) *fakeDialer {
	d := &fakeDialer{backends: map[string]*fakeBackend{}}
	for _, addr := range addrs {
		d.backends[addr] = &fakeBackend{}
	}
	return d
}

func (d *fakeDialer) backend(addr string) *fakeBackend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backends[addr]
}

func (d *fakeDialer) totalDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, b := range d.backends {
		total += b.dials
	}
	return total
}

func (d *fakeDialer) Dial(_ context.Context, _, hostPort string) (transport.Conn, error) {
	backend := d.backend(hostPort)
	if backend == nil {
		return nil, errors.New("dial of unexpected address " + hostPort)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.failDial {
		return nil, errors.New("connection refused")
	}
	backend.dials++
	return &fakeConn{backend: backend, hostPort: hostPort}, nil
}

type fakeConn struct {
	backend  *fakeBackend
	hostPort string
	closed   bool
}

func (c *fakeConn) Do(req *http.Request) (*http.Response, error) {
	c.backend.mu.Lock()
	c.backend.requests++
	failDo, blockCtx, status := c.backend.failDo, c.backend.blockCtx, c.backend.status
	c.backend.mu.Unlock()

	if blockCtx {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	if failDo {
		return nil, errors.New("connection reset by peer")
	}
	if status == 0 {
		status = http.StatusOK
	}
	header := http.Header{}
	header.Set("X-Backend", c.hostPort)
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("hello from " + c.hostPort)),
	}, nil
}

func (c *fakeConn) Close() error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.closed = true
	return nil
}

type testRig struct {
	registry *registry.Registry
	dialer   *fakeDialer
	pool     *pool.Pool
	router   *Router
}

func newTestRig(t *testing.T, dialer *fakeDialer, opts ...Option) *testRig {
	t.Helper()
	reg := registry.NewRegistry(registry.WithSweepInterval(time.Hour))
	t.Cleanup(reg.Close)
	connPool := pool.NewPool(dialer)
	res := resolver.New(reg)
	rt := New(res, reg, connPool, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	return &testRig{registry: reg, dialer: dialer, pool: connPool, router: rt}
}

func serviceRequest(service string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "http://portico.test/", nil)
	req.Header.Set(DefaultServiceHeader, service)
	return req
}

func drain(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return string(body)
}

func TestRouteRoundRobin(t *testing.T) {
	t.Parallel()
	endpointA := registry.Endpoint{HostPort: "127.0.0.1:7001"}
	endpointB := registry.Endpoint{HostPort: "127.0.0.1:7002"}
	rig := newTestRig(t, newFakeDialer(endpointA.HostPort, endpointB.HostPort))
	_, err := rig.registry.Register("billing", endpointA, 5*time.Second)
	require.NoError(t, err)
	_, err = rig.registry.Register("billing", endpointB, 5*time.Second)
	require.NoError(t, err)

	counts := map[string]int{}
	var order []string
	for i := 0; i < 10; i++ {
		resp, err := rig.router.Route(serviceRequest("billing"))
		require.NoError(t, err)
		backend := resp.Header.Get("X-Backend")
		counts[backend]++
		order = append(order, backend)
		drain(t, resp)
	}
	assert.Equal(t, 5, counts[endpointA.HostPort])
	assert.Equal(t, 5, counts[endpointB.HostPort])
	// Strict alternation in address order.
	for i, backend := range order {
		if i%2 == 0 {
			assert.Equal(t, endpointA.HostPort, backend, "request %d", i)
		} else {
			assert.Equal(t, endpointB.HostPort, backend, "request %d", i)
		}
	}
	// Connections were reused: one dial per backend.
	assert.Equal(t, 2, rig.dialer.totalDials())
}

func TestRouteFailover(t *testing.T) {
	t.Parallel()
	endpointA := registry.Endpoint{HostPort: "127.0.0.1:7001"}
	endpointB := registry.Endpoint{HostPort: "127.0.0.1:7002"}
	dialer := newFakeDialer(endpointA.HostPort, endpointB.HostPort)
	rig := newTestRig(t, dialer)
	_, err := rig.registry.Register("billing", endpointA, 5*time.Second)
	require.NoError(t, err)
	_, err = rig.registry.Register("billing", endpointB, 5*time.Second)
	require.NoError(t, err)

	// Kill A's connectivity at the transport level.
	backendA := dialer.backend(endpointA.HostPort)
	backendA.mu.Lock()
	backendA.failDo = true
	backendA.mu.Unlock()

	// The in-flight request fails over to B without the caller observing
	// an error.
	resp, err := rig.router.Route(serviceRequest("billing"))
	require.NoError(t, err)
	assert.Equal(t, endpointB.HostPort, resp.Header.Get("X-Backend"))
	drain(t, resp)

	// The failure demoted A; it is excluded while B stays healthy.
	snapshot := rig.registry.Snapshot("billing")
	states := map[string]registry.HealthState{}
	for _, status := range snapshot {
		states[status.Endpoint.HostPort] = status.State
	}
	assert.Equal(t, registry.StateSuspect, states[endpointA.HostPort])
	assert.Equal(t, registry.StateHealthy, states[endpointB.HostPort])

	for i := 0; i < 5; i++ {
		resp, err := rig.router.Route(serviceRequest("billing"))
		require.NoError(t, err)
		assert.Equal(t, endpointB.HostPort, resp.Header.Get("X-Backend"))
		drain(t, resp)
	}
}

func TestRouteUnroutableImmediately(t *testing.T) {
	t.Parallel()
	dialer := newFakeDialer()
	rig := newTestRig(t, dialer)

	_, err := rig.router.Route(serviceRequest("nonesuch"))
	require.ErrorIs(t, err, ErrUnroutable)
	require.ErrorIs(t, err, resolver.ErrServiceUnknown)

	var routeErr *RouteError
	require.ErrorAs(t, err, &routeErr)
	assert.Equal(t, "nonesuch", routeErr.Service)

	// No destination means zero connection-pool activity.
	assert.Zero(t, dialer.totalDials())
}

func TestRouteMissingServiceName(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, newFakeDialer())
	req := httptest.NewRequest(http.MethodGet, "http://portico.test/", nil)
	_, err := rig.router.Route(req)
	require.ErrorIs(t, err, ErrUnroutable)
}

func TestApplicationErrorsPassThrough(t *testing.T) {
	t.Parallel()
	endpoint := registry.Endpoint{HostPort: "127.0.0.1:7001"}
	dialer := newFakeDialer(endpoint.HostPort)
	rig := newTestRig(t, dialer)
	_, err := rig.registry.Register("billing", endpoint, 5*time.Second)
	require.NoError(t, err)

	backend := dialer.backend(endpoint.HostPort)
	backend.mu.Lock()
	backend.status = http.StatusInternalServerError
	backend.mu.Unlock()

	resp, err := rig.router.Route(serviceRequest("billing"))
	require.NoError(t, err, "an application error response is not a routing error")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	drain(t, resp)

	// No retry happened and the endpoint's health is untouched.
	_, requests := backend.counts()
	assert.Equal(t, 1, requests)
	assert.Equal(t, registry.StateHealthy, rig.registry.Snapshot("billing")[0].State)
}

func TestRetryBudgetBound(t *testing.T) {
	t.Parallel()
	addrs := []string{"127.0.0.1:7001", "127.0.0.1:7002", "127.0.0.1:7003", "127.0.0.1:7004"}
	dialer := newFakeDialer(addrs...)
	rig := newTestRig(t, dialer)
	for _, addr := range addrs {
		_, err := rig.registry.Register("billing", registry.Endpoint{HostPort: addr}, 5*time.Second)
		require.NoError(t, err)
		backend := dialer.backend(addr)
		backend.mu.Lock()
		backend.failDo = true
		backend.mu.Unlock()
	}

	_, err := rig.router.Route(serviceRequest("billing"))
	require.ErrorIs(t, err, ErrBackendUnavailable)

	// Default budget: 1 attempt + 2 retries = 3 distinct endpoints tried,
	// never the fourth.
	total := 0
	for _, addr := range addrs {
		_, requests := dialer.backend(addr).counts()
		assert.LessOrEqual(t, requests, 1, "endpoint %s tried more than once", addr)
		total += requests
	}
	assert.Equal(t, 3, total)
}

func TestRetryOnDialFailure(t *testing.T) {
	t.Parallel()
	endpointA := registry.Endpoint{HostPort: "127.0.0.1:7001"}
	endpointB := registry.Endpoint{HostPort: "127.0.0.1:7002"}
	dialer := newFakeDialer(endpointA.HostPort, endpointB.HostPort)
	rig := newTestRig(t, dialer)
	_, err := rig.registry.Register("billing", endpointA, 5*time.Second)
	require.NoError(t, err)
	_, err = rig.registry.Register("billing", endpointB, 5*time.Second)
	require.NoError(t, err)

	backendA := dialer.backend(endpointA.HostPort)
	backendA.mu.Lock()
	backendA.failDial = true
	backendA.mu.Unlock()

	resp, err := rig.router.Route(serviceRequest("billing"))
	require.NoError(t, err)
	assert.Equal(t, endpointB.HostPort, resp.Header.Get("X-Backend"))
	drain(t, resp)
}

func TestCancellationStopsRouting(t *testing.T) {
	t.Parallel()
	endpointA := registry.Endpoint{HostPort: "127.0.0.1:7001"}
	endpointB := registry.Endpoint{HostPort: "127.0.0.1:7002"}
	dialer := newFakeDialer(endpointA.HostPort, endpointB.HostPort)
	rig := newTestRig(t, dialer)
	_, err := rig.registry.Register("billing", endpointA, 5*time.Second)
	require.NoError(t, err)
	_, err = rig.registry.Register("billing", endpointB, 5*time.Second)
	require.NoError(t, err)

	backendA := dialer.backend(endpointA.HostPort)
	backendA.mu.Lock()
	backendA.blockCtx = true
	backendA.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	req := serviceRequest("billing").WithContext(ctx)
	errs := make(chan error, 1)
	go func() {
		_, err := rig.router.Route(req)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("route never observed cancellation")
	}

	// Cancellation must not proceed to retry on B.
	_, requests := dialer.backend(endpointB.HostPort).counts()
	assert.Zero(t, requests)
}

func TestRouterClose(t *testing.T) {
	t.Parallel()
	endpoint := registry.Endpoint{HostPort: "127.0.0.1:7001"}
	dialer := newFakeDialer(endpoint.HostPort)
	reg := registry.NewRegistry(registry.WithSweepInterval(time.Hour))
	t.Cleanup(reg.Close)
	connPool := pool.NewPool(dialer)
	rt := New(resolver.New(reg), reg, connPool)
	_, err := reg.Register("billing", endpoint, 5*time.Second)
	require.NoError(t, err)

	resp, err := rt.Route(serviceRequest("billing"))
	require.NoError(t, err)
	drain(t, resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Close(ctx))

	_, err = rt.Route(serviceRequest("billing"))
	require.Error(t, err)
}

// TestServeHTTPEndToEnd exercises the full stack against real HTTP
// backends: extraction, resolution, pooling, the default dialer, and the
// response copy, including the hop header.
func TestServeHTTPEndToEnd(t *testing.T) {
	t.Parallel()
	var hopSeen sync.Map
	newBackend := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hop := r.Header.Get("X-Portico-Hop"); hop != "" {
				hopSeen.Store(name, hop)
			}
			_, _ = io.WriteString(w, name)
		}))
	}
	backend1 := newBackend("one")
	t.Cleanup(backend1.Close)
	backend2 := newBackend("two")
	t.Cleanup(backend2.Close)

	reg := registry.NewRegistry(registry.WithSweepInterval(time.Hour))
	t.Cleanup(reg.Close)
	connPool := pool.NewPool(transport.NewDialer())
	rt := New(resolver.New(reg), reg, connPool,
		WithHopHeader("X-Portico-Hop", "portico-test"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})

	addr1 := strings.TrimPrefix(backend1.URL, "http://")
	addr2 := strings.TrimPrefix(backend2.URL, "http://")
	_, err := reg.Register("billing", registry.Endpoint{HostPort: addr1}, 5*time.Second)
	require.NoError(t, err)
	_, err = reg.Register("billing", registry.Endpoint{HostPort: addr2}, 5*time.Second)
	require.NoError(t, err)

	front := httptest.NewServer(rt)
	t.Cleanup(front.Close)

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		req, err := http.NewRequest(http.MethodGet, front.URL, nil)
		require.NoError(t, err)
		req.Header.Set(DefaultServiceHeader, "billing")
		resp, err := front.Client().Do(req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		counts[string(body)]++
	}
	assert.Equal(t, 3, counts["one"])
	assert.Equal(t, 3, counts["two"])

	hop1, ok := hopSeen.Load("one")
	require.True(t, ok)
	assert.Equal(t, "portico-test", hop1)
}

func TestServeHTTPErrorMapping(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, newFakeDialer())
	recorder := httptest.NewRecorder()
	rig.router.ServeHTTP(recorder, serviceRequest("nonesuch"))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}
