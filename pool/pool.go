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

// Package pool caches reusable outbound connections per endpoint. Each
// (service, address) pair has an independent bounded pool: acquiring from
// one endpoint never blocks on another endpoint's pool.
//
// A connection handed out by Acquire is never handed out again until it
// is Released, and a connection released as Broken is closed rather than
// offered to another caller. Idle connections are closed by a background
// reaper, independent of request traffic.
package pool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/porticolabs/portico/internal"
	"github.com/porticolabs/portico/metrics"
	"github.com/porticolabs/portico/registry"
	"github.com/porticolabs/portico/transport"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPoolExhausted is returned by Acquire when the endpoint is at its
	// connection maximum and the bounded wait timed out (or fail-fast is
	// configured).
	ErrPoolExhausted = errors.New("connection pool exhausted")

	errPoolClosed = errors.New("connection pool is closed")
)

// Outcome tells Release what to do with a returned connection.
type Outcome int

const (
	// Reusable returns the connection to the idle set for a later Acquire.
	Reusable = Outcome(iota)
	// Broken closes the connection; its state is no longer trustworthy and
	// it must never be handed to another caller.
	Broken
)

// PooledConn is a connection checked out from the pool. It belongs
// exclusively to the caller until passed back to [Pool.Release].
type PooledConn struct {
	conn     transport.Conn
	endpoint registry.Endpoint
	owner    *endpointPool

	// +checkatomic
	released atomic.Bool
}

// Do sends the request over the checked-out connection.
func (pc *PooledConn) Do(req *http.Request) (*http.Response, error) {
	return pc.conn.Do(req)
}

// Endpoint returns the endpoint this connection is pinned to.
func (pc *PooledConn) Endpoint() registry.Endpoint {
	return pc.endpoint
}

// Option customizes the behavior of a Pool.
type Option interface {
	apply(*options)
}

// WithRootContext configures the root context for the pool's idle reaper
// goroutine. If not specified, [context.Background] is used.
func WithRootContext(ctx context.Context) Option {
	return optionFunc(func(opts *options) {
		opts.rootCtx = ctx
	})
}

// WithMaxPerEndpoint bounds the total connections (idle plus checked-out)
// per endpoint. If zero, 8 is used.
func WithMaxPerEndpoint(limit int) Option {
	return optionFunc(func(opts *options) {
		opts.maxPerEndpoint = limit
	})
}

// WithAcquireTimeout bounds how long Acquire waits for a connection when
// the endpoint is at its maximum. A zero timeout means fail fast: Acquire
// returns ErrPoolExhausted immediately instead of waiting. If no option is
// given, 5 seconds is used.
func WithAcquireTimeout(d time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.acquireTimeout = d
		opts.acquireTimeoutSet = true
	})
}

// WithIdleTimeout configures how long a connection may sit idle before the
// background reaper closes it. If zero, 1 minute is used.
func WithIdleTimeout(d time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.idleTimeout = d
	})
}

// WithObserver configures the observability hooks that receive pool
// exhaustion events.
func WithObserver(observer metrics.Observer) Option {
	return optionFunc(func(opts *options) {
		opts.observer = observer
	})
}

// withClock is used by tests to drive the reaper and bounded waits with a
// fake clock.
func withClock(clock internal.Clock) Option {
	return optionFunc(func(opts *options) {
		opts.clock = clock
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	rootCtx           context.Context //nolint:containedctx
	clock             internal.Clock
	observer          metrics.Observer
	maxPerEndpoint    int
	acquireTimeout    time.Duration
	acquireTimeoutSet bool
	idleTimeout       time.Duration
}

func (opts *options) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.observer == nil {
		opts.observer = metrics.NopObserver()
	}
	if opts.maxPerEndpoint == 0 {
		opts.maxPerEndpoint = 8
	}
	if !opts.acquireTimeoutSet {
		opts.acquireTimeout = 5 * time.Second
	}
	if opts.idleTimeout == 0 {
		opts.idleTimeout = time.Minute
	}
}

// Pool manages per-endpoint connection pools. It is safe for concurrent
// use.
type Pool struct {
	dialer         transport.Dialer
	clock          internal.Clock
	observer       metrics.Observer
	maxPerEndpoint int
	acquireTimeout time.Duration
	idleTimeout    time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	entries map[poolKey]*endpointPool
	closed  bool
}

type poolKey struct {
	service  string
	hostPort string
}

// NewPool returns a Pool that opens connections with the given dialer and
// starts the idle reaper. Call Close to stop the reaper and close all
// pooled connections.
func NewPool(dialer transport.Dialer, opt ...Option) *Pool {
	var opts options
	for _, o := range opt {
		o.apply(&opts)
	}
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(opts.rootCtx)
	pool := &Pool{
		dialer:         dialer,
		clock:          opts.clock,
		observer:       opts.observer,
		maxPerEndpoint: opts.maxPerEndpoint,
		acquireTimeout: opts.acquireTimeout,
		idleTimeout:    opts.idleTimeout,
		cancel:         cancel,
		done:           make(chan struct{}),
		entries:        map[poolKey]*endpointPool{},
	}
	go pool.reap(ctx)
	return pool
}

// Acquire returns a connection to the given endpoint: an idle one if
// available, a freshly dialed one if the endpoint is under its connection
// maximum, and otherwise the result of the bounded-wait policy.
func (p *Pool) Acquire(ctx context.Context, service string, endpoint registry.Endpoint) (*PooledConn, error) {
	ep, err := p.getOrCreate(service, endpoint)
	if err != nil {
		return nil, err
	}
	conn, mustDial, waiter, err := ep.reserve()
	if err != nil {
		return nil, err
	}
	if waiter != nil {
		conn, mustDial, err = ep.await(ctx, waiter)
		if err != nil {
			return nil, err
		}
	}
	if mustDial {
		conn, err = p.dialer.Dial(ctx, endpoint.EffectiveScheme(), endpoint.HostPort)
		if err != nil {
			ep.forfeit()
			return nil, err
		}
	}
	return &PooledConn{conn: conn, endpoint: endpoint, owner: ep}, nil
}

// Release returns a checked-out connection to the pool. Releasing the same
// connection twice is a no-op.
func (p *Pool) Release(pc *PooledConn, outcome Outcome) {
	if pc == nil || !pc.released.CompareAndSwap(false, true) {
		return
	}
	pc.owner.release(pc.conn, outcome)
}

// Close stops the idle reaper, closes all idle connections, and fails any
// callers blocked in Acquire. Connections currently checked out are closed
// as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	entries := make([]*endpointPool, 0, len(p.entries))
	for _, ep := range p.entries {
		entries = append(entries, ep)
	}
	p.entries = map[poolKey]*endpointPool{}
	p.mu.Unlock()

	p.cancel()
	grp, _ := errgroup.WithContext(context.Background())
	for _, ep := range entries {
		grp.Go(func() error {
			ep.close()
			return nil
		})
	}
	err := grp.Wait()
	<-p.done
	return err
}

func (p *Pool) getOrCreate(service string, endpoint registry.Endpoint) (*endpointPool, error) {
	key := poolKey{service: service, hostPort: endpoint.HostPort}
	p.mu.RLock()
	ep, closed := p.entries[key], p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errPoolClosed
	}
	if ep != nil {
		return ep, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// double-check in case things changed while upgrading lock
	if p.closed {
		return nil, errPoolClosed
	}
	if ep = p.entries[key]; ep != nil {
		return ep, nil
	}
	ep = &endpointPool{key: key, parent: p}
	p.entries[key] = ep
	return ep, nil
}

// removeIfUnused garbage-collects an endpoint pool with no connections and
// no waiters, re-checking under both locks.
func (p *Pool) removeIfUnused(key poolKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.entries[key]
	if ep == nil {
		return
	}
	ep.mu.Lock()
	unused := ep.total == 0 && len(ep.waiters) == 0
	ep.mu.Unlock()
	if unused {
		delete(p.entries, key)
	}
}

// reap periodically closes idle connections older than the idle timeout.
// It holds at most one endpoint pool's lock at a time.
func (p *Pool) reap(ctx context.Context) {
	defer close(p.done)
	ticker := p.clock.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	now := p.clock.Now()
	p.mu.RLock()
	entries := make([]*endpointPool, 0, len(p.entries))
	for _, ep := range p.entries {
		entries = append(entries, ep)
	}
	p.mu.RUnlock()

	for _, ep := range entries {
		var stale []transport.Conn

		ep.mu.Lock()
		kept := ep.idle[:0]
		for _, ic := range ep.idle {
			if now.Sub(ic.since) > p.idleTimeout {
				stale = append(stale, ic.conn)
				ep.total--
			} else {
				kept = append(kept, ic)
			}
		}
		for i := len(kept); i < len(ep.idle); i++ {
			ep.idle[i] = idleConn{}
		}
		ep.idle = kept
		unused := ep.total == 0 && len(ep.waiters) == 0
		ep.mu.Unlock()

		for _, conn := range stale {
			_ = conn.Close()
		}
		if unused {
			p.removeIfUnused(ep.key)
		}
	}
}
