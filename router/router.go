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

// Package router forwards inbound requests to registered backends. For
// every call it extracts the target service name, resolves it to a
// concrete endpoint, obtains a connection from the pool, forwards the
// request, and streams the response back. Transport-level failures are
// recovered by retrying against distinct endpoints up to a bounded budget;
// application-level responses, including error statuses, pass through
// untouched.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/porticolabs/portico/metrics"
	"github.com/porticolabs/portico/pool"
	"github.com/porticolabs/portico/registry"
)

var (
	// ErrUnroutable means no resolvable destination exists for the
	// request: the service name could not be extracted, was never
	// registered, or has no live endpoint. Unroutable requests fail
	// immediately, without retries, since retrying cannot help.
	ErrUnroutable = errors.New("unroutable")

	// ErrBackendUnavailable means a destination exists but every routing
	// attempt within the retry budget failed at the connection or
	// transport level.
	ErrBackendUnavailable = errors.New("backend unavailable")

	errRouterClosed = errors.New("router is closed")
)

// RouteError is the terminal error returned by Route. Kind is always one
// of ErrUnroutable or ErrBackendUnavailable; Cause carries the underlying
// failure(s).
type RouteError struct {
	Service string
	Kind    error
	Cause   error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route %q: %v: %v", e.Service, e.Kind, e.Cause)
}

func (e *RouteError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

// EndpointResolver selects endpoints for service names, honoring an
// exclusion set. *resolver.Resolver satisfies it.
type EndpointResolver interface {
	ResolveExcluding(name string, excluded map[string]struct{}) (registry.Endpoint, error)
}

// HealthReporter receives fast failure-detection signals.
// *registry.Registry satisfies it.
type HealthReporter interface {
	MarkUnhealthy(name string, endpoint registry.Endpoint)
}

// ConnPool supplies pooled connections. *pool.Pool satisfies it.
type ConnPool interface {
	Acquire(ctx context.Context, service string, endpoint registry.Endpoint) (*pool.PooledConn, error)
	Release(pc *pool.PooledConn, outcome pool.Outcome)
	Close() error
}

// Option customizes the behavior of a Router.
type Option interface {
	apply(*options)
}

// WithExtractPolicy configures how the target service name is read from
// inbound requests. If not specified, HeaderPolicy with
// DefaultServiceHeader is used.
func WithExtractPolicy(policy ExtractPolicy) Option {
	return optionFunc(func(opts *options) {
		opts.policy = policy
	})
}

// WithRetryBudget configures how many additional attempts against distinct
// endpoints are made after the first routing attempt fails at the
// connection or transport level. If not specified, 2 is used. A negative
// budget is treated as zero.
func WithRetryBudget(retries int) Option {
	return optionFunc(func(opts *options) {
		opts.retries = retries
		opts.retriesSet = true
	})
}

// WithHopHeader makes the router stamp its identity onto forwarded
// requests. The hop header is the only mutation the router applies to
// traffic; without this option, requests are forwarded byte-identical.
func WithHopHeader(header, value string) Option {
	return optionFunc(func(opts *options) {
		opts.hopHeader = header
		opts.hopValue = value
	})
}

// WithObserver configures the observability hooks that receive resolution
// failure and retry events.
func WithObserver(observer metrics.Observer) Option {
	return optionFunc(func(opts *options) {
		opts.observer = observer
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	policy     ExtractPolicy
	observer   metrics.Observer
	retries    int
	retriesSet bool
	hopHeader  string
	hopValue   string
}

func (opts *options) applyDefaults() {
	if opts.policy == nil {
		opts.policy = HeaderPolicy{}
	}
	if opts.observer == nil {
		opts.observer = metrics.NopObserver()
	}
	if !opts.retriesSet {
		opts.retries = 2
	}
	if opts.retries < 0 {
		opts.retries = 0
	}
}

// Router is the request-facing component. It is created once at startup,
// shared for the process lifetime, and torn down with Close, which drains
// in-flight requests and closes the pooled connections.
type Router struct {
	resolver EndpointResolver
	health   HealthReporter
	pool     ConnPool
	policy   ExtractPolicy
	observer metrics.Observer
	retries  int

	hopHeader string
	hopValue  string

	inflight sync.WaitGroup
	// +checkatomic
	closed atomic.Bool
}

// New returns a Router wiring the given resolver, registry health surface,
// and connection pool together.
func New(resolver EndpointResolver, health HealthReporter, connPool ConnPool, opt ...Option) *Router {
	var opts options
	for _, o := range opt {
		o.apply(&opts)
	}
	opts.applyDefaults()
	return &Router{
		resolver:  resolver,
		health:    health,
		pool:      connPool,
		policy:    opts.policy,
		observer:  opts.observer,
		retries:   opts.retries,
		hopHeader: opts.hopHeader,
		hopValue:  opts.hopValue,
	}
}

// Route forwards the request to an endpoint of its target service and
// returns the backend's response unmodified. The caller owns the response
// and must close its body; the underlying connection returns to the pool
// only once the body is fully consumed or closed.
func (rt *Router) Route(req *http.Request) (*http.Response, error) {
	if rt.closed.Load() {
		return nil, errRouterClosed
	}
	rt.inflight.Add(1)
	resp, err := rt.route(req)
	if err != nil {
		rt.inflight.Done()
		return nil, err
	}
	return resp, nil
}

func (rt *Router) route(req *http.Request) (*http.Response, error) {
	name, outbound, err := rt.policy.Extract(req)
	if err != nil {
		return nil, &RouteError{Service: name, Kind: ErrUnroutable, Cause: err}
	}
	ctx := req.Context()

	// The exclusion set of already-tried endpoints is threaded through
	// each attempt so retries always land on distinct endpoints.
	tried := map[string]struct{}{}
	var lastErr error
	for attempt := 0; attempt <= rt.retries; attempt++ {
		if attempt > 0 {
			rt.observer.RouteRetried(name)
		}
		endpoint, err := rt.resolver.ResolveExcluding(name, tried)
		if err != nil {
			rt.observer.ResolveFailed(name)
			if attempt == 0 {
				// No destination exists at all: fail immediately,
				// retrying cannot produce a route.
				return nil, &RouteError{Service: name, Kind: ErrUnroutable, Cause: err}
			}
			return nil, &RouteError{Service: name, Kind: ErrBackendUnavailable, Cause: errors.Join(lastErr, err)}
		}
		tried[endpoint.HostPort] = struct{}{}

		conn, err := rt.pool.Acquire(ctx, name, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if ctx.Err() != nil {
			// Cancelled before any bytes were sent: the connection is
			// still trustworthy.
			rt.pool.Release(conn, pool.Reusable)
			return nil, ctx.Err()
		}

		resp, err := rt.forward(conn, outbound)
		if err != nil {
			if ctx.Err() != nil {
				// Interrupted mid-flight: the connection's state is no
				// longer trustworthy, and retrying a cancelled request
				// is never correct.
				rt.pool.Release(conn, pool.Broken)
				return nil, ctx.Err()
			}
			rt.health.MarkUnhealthy(name, endpoint)
			rt.pool.Release(conn, pool.Broken)
			lastErr = err
			continue
		}

		// Application responses, including 4xx/5xx, pass through
		// untouched: retrying a completed response could duplicate side
		// effects downstream.
		rt.releaseWhenDone(conn, resp)
		return resp, nil
	}
	return nil, &RouteError{Service: name, Kind: ErrBackendUnavailable, Cause: lastErr}
}

func (rt *Router) forward(conn *pool.PooledConn, req *http.Request) (*http.Response, error) {
	outbound := req.Clone(req.Context())
	outbound.RequestURI = "" // inbound server requests carry this; client transports reject it
	if rt.hopHeader != "" {
		outbound.Header.Set(rt.hopHeader, rt.hopValue)
	}
	return conn.Do(outbound)
}

// releaseWhenDone wraps the response body so the connection returns to the
// pool as Reusable once the caller finishes with the response.
func (rt *Router) releaseWhenDone(conn *pool.PooledConn, resp *http.Response) {
	release := func() {
		rt.pool.Release(conn, pool.Reusable)
		rt.inflight.Done()
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		release()
		return
	}
	resp.Body = &releaseOnDone{ReadCloser: resp.Body, release: release}
}

// Close drains in-flight requests, then closes the connection pool. The
// context bounds the drain; on expiry the pool is closed anyway and the
// context error returned.
func (rt *Router) Close(ctx context.Context) error {
	rt.closed.Store(true)
	drained := make(chan struct{})
	go func() {
		rt.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if closeErr := rt.pool.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// ServeHTTP exposes the router as an HTTP handler, mapping terminal
// routing errors to service-unavailable style responses.
func (rt *Router) ServeHTTP(writer http.ResponseWriter, req *http.Request) {
	resp, err := rt.Route(req)
	if err != nil {
		if req.Context().Err() != nil {
			// Caller is gone; nothing useful to write.
			return
		}
		status := http.StatusBadGateway
		if errors.Is(err, ErrUnroutable) {
			status = http.StatusServiceUnavailable
		}
		http.Error(writer, err.Error(), status)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	header := writer.Header()
	for key, values := range resp.Header {
		header[key] = values
	}
	writer.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(writer, resp.Body)
}

// releaseOnDone invokes release exactly once, when the body is exhausted
// or closed, whichever comes first.
type releaseOnDone struct {
	io.ReadCloser
	release func()

	// +checkatomic
	done atomic.Bool
}

func (b *releaseOnDone) finish() {
	if b.done.CompareAndSwap(false, true) {
		b.release()
	}
}

func (b *releaseOnDone) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.finish()
	}
	return n, err
}

func (b *releaseOnDone) Close() error {
	err := b.ReadCloser.Close()
	b.finish()
	return err
}
