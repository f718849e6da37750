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

// Package registry implements the authoritative table of service names to
// live endpoints. Services register endpoints with a ttl and keep them
// alive with renewals; a background sweep demotes unrenewed registrations
// to Suspect, then Dead, and eventually removes them.
//
// The registry knows nothing about HTTP. The read path for request routing
// is [Registry.Snapshot], consumed by the resolver package.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/porticolabs/portico/internal"
	"github.com/porticolabs/portico/metrics"
)

var (
	// ErrUnknownEndpoint is returned by Renew and Deregister when no live
	// record exists for the given service name and endpoint address.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	errRegistryClosed = errors.New("registry is closed")
)

// RegistrationID identifies one registration. Re-registering the same
// (service, address) pair refreshes the existing record and keeps its ID.
type RegistrationID uint64

// EndpointStatus pairs an endpoint with its health state at snapshot time.
type EndpointStatus struct {
	Endpoint Endpoint
	State    HealthState
}

// Registry is the mutable table mapping service names to sets of endpoints
// with liveness metadata. It is safe for concurrent use: the table itself
// is guarded by a read-mostly lock, and each service entry is guarded
// independently so unrelated service names never contend.
type Registry struct {
	clock         internal.Clock
	observer      metrics.Observer
	sweepInterval time.Duration
	deadGrace     time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	nextID atomic.Uint64
}

// entry holds all records for one service name, ordered by registration
// time. All record state is guarded by the entry's own mutex.
type entry struct {
	mu      sync.Mutex
	records []*record
}

type record struct {
	id            RegistrationID
	endpoint      Endpoint
	ttl           time.Duration
	registeredAt  time.Time
	lastRenewedAt time.Time
	state         HealthState
	deadAt        time.Time
}

// Option customizes the behavior of a Registry.
type Option interface {
	apply(*options)
}

// WithRootContext configures the root context for the registry's background
// sweep goroutine. If not specified, [context.Background] is used. The
// context should only be cancelled once the registry is no longer in use.
func WithRootContext(ctx context.Context) Option {
	return optionFunc(func(opts *options) {
		opts.rootCtx = ctx
	})
}

// WithSweepInterval configures how often the ttl sweep runs. If zero or no
// option is given, 1 second is used.
func WithSweepInterval(d time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.sweepInterval = d
	})
}

// WithDeadGrace configures how long Dead records are retained for
// diagnostics before the sweep removes them. If zero or no option is given,
// 30 seconds is used.
func WithDeadGrace(d time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.deadGrace = d
	})
}

// WithObserver configures the observability hooks that receive registration
// and expiration events.
func WithObserver(observer metrics.Observer) Option {
	return optionFunc(func(opts *options) {
		opts.observer = observer
	})
}

// withClock is used by tests to drive the sweep with a fake clock.
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
	rootCtx       context.Context //nolint:containedctx
	clock         internal.Clock
	observer      metrics.Observer
	sweepInterval time.Duration
	deadGrace     time.Duration
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
	if opts.sweepInterval == 0 {
		opts.sweepInterval = time.Second
	}
	if opts.deadGrace == 0 {
		opts.deadGrace = 30 * time.Second
	}
}

// NewRegistry returns a new, empty Registry and starts its background
// sweep. Call Close to stop the sweep and release resources.
func NewRegistry(opt ...Option) *Registry {
	var opts options
	for _, o := range opt {
		o.apply(&opts)
	}
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(opts.rootCtx)
	registry := &Registry{
		clock:         opts.clock,
		observer:      opts.observer,
		sweepInterval: opts.sweepInterval,
		deadGrace:     opts.deadGrace,
		cancel:        cancel,
		done:          make(chan struct{}),
		entries:       map[string]*entry{},
	}
	go registry.sweep(ctx)
	return registry
}

// Close stops the background sweep. The registry must not be used after
// Close returns.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	<-r.done
}

// Register creates or refreshes the record for the given endpoint under the
// given service name. It is idempotent on (name, endpoint.HostPort):
// re-registering the same address updates the ttl, resets the health state
// to Healthy, and keeps the original RegistrationID rather than duplicating
// the record.
func (r *Registry) Register(name string, endpoint Endpoint, ttl time.Duration) (RegistrationID, error) {
	if name == "" {
		return 0, fmt.Errorf("register: empty service name")
	}
	if endpoint.HostPort == "" {
		return 0, fmt.Errorf("register %q: endpoint has no address", name)
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("register %q: ttl must be positive, got %v", name, ttl)
	}
	ent, err := r.getOrCreateEntry(name)
	if err != nil {
		return 0, err
	}
	now := r.clock.Now()

	ent.mu.Lock()
	rec := ent.find(endpoint.HostPort)
	if rec == nil {
		rec = &record{
			id:           RegistrationID(r.nextID.Add(1)),
			registeredAt: now,
		}
		ent.records = append(ent.records, rec)
	}
	rec.endpoint = endpoint
	rec.ttl = ttl
	rec.lastRenewedAt = now
	rec.state = StateHealthy
	rec.deadAt = time.Time{}
	id := rec.id
	ent.mu.Unlock()

	r.observer.EndpointRegistered(name, endpoint.HostPort)
	return id, nil
}

// Renew refreshes the liveness of an existing registration. It returns
// ErrUnknownEndpoint if the endpoint is not currently registered; a Dead
// record cannot be renewed and must be re-registered instead. Renewing a
// Suspect record restores it to Healthy.
func (r *Registry) Renew(name string, endpoint Endpoint) error {
	ent := r.getEntry(name)
	if ent == nil {
		return fmt.Errorf("renew %q %q: %w", name, endpoint.HostPort, ErrUnknownEndpoint)
	}
	now := r.clock.Now()

	ent.mu.Lock()
	defer ent.mu.Unlock()
	rec := ent.find(endpoint.HostPort)
	if rec == nil || rec.state == StateDead {
		return fmt.Errorf("renew %q %q: %w", name, endpoint.HostPort, ErrUnknownEndpoint)
	}
	rec.lastRenewedAt = now
	rec.state = StateHealthy
	return nil
}

// Deregister removes the record for the given endpoint immediately,
// regardless of its ttl. It returns ErrUnknownEndpoint if no record exists.
func (r *Registry) Deregister(name string, endpoint Endpoint) error {
	ent := r.getEntry(name)
	if ent == nil {
		return fmt.Errorf("deregister %q %q: %w", name, endpoint.HostPort, ErrUnknownEndpoint)
	}

	ent.mu.Lock()
	removed := false
	for i, rec := range ent.records {
		if rec.endpoint.HostPort == endpoint.HostPort {
			ent.records = append(ent.records[:i], ent.records[i+1:]...)
			removed = true
			break
		}
	}
	empty := len(ent.records) == 0
	ent.mu.Unlock()

	if !removed {
		return fmt.Errorf("deregister %q %q: %w", name, endpoint.HostPort, ErrUnknownEndpoint)
	}
	if empty {
		r.removeEntryIfEmpty(name)
	}
	r.observer.EndpointDeregistered(name, endpoint.HostPort)
	return nil
}

// MarkUnhealthy immediately demotes a Healthy record to Suspect. This is
// the fast failure-detection path used by the router when a connection to
// the endpoint fails, distinct from the slow ttl-based sweep. Marking an
// unknown or already Suspect/Dead endpoint is a no-op.
func (r *Registry) MarkUnhealthy(name string, endpoint Endpoint) {
	ent := r.getEntry(name)
	if ent == nil {
		return
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	rec := ent.find(endpoint.HostPort)
	if rec != nil && rec.state == StateHealthy {
		rec.state = StateSuspect
	}
}

// Snapshot returns a point-in-time copy of the records for a service name,
// in registration order, including Dead records retained for diagnostics.
// It returns nil if the name has no entry. The copy never exposes a record
// mid-mutation.
func (r *Registry) Snapshot(name string) []EndpointStatus {
	ent := r.getEntry(name)
	if ent == nil {
		return nil
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if len(ent.records) == 0 {
		return nil
	}
	statuses := make([]EndpointStatus, len(ent.records))
	for i, rec := range ent.records {
		statuses[i] = EndpointStatus{Endpoint: rec.endpoint, State: rec.state}
	}
	return statuses
}

// Services returns the names that currently have an entry, in no
// particular order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

func (r *Registry) getEntry(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

func (r *Registry) getOrCreateEntry(name string) (*entry, error) {
	r.mu.RLock()
	ent, closed := r.entries[name], r.closed
	r.mu.RUnlock()
	if closed {
		return nil, errRegistryClosed
	}
	if ent != nil {
		return ent, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// double-check in case things changed while upgrading lock
	if r.closed {
		return nil, errRegistryClosed
	}
	if ent = r.entries[name]; ent != nil {
		return ent, nil
	}
	ent = &entry{}
	r.entries[name] = ent
	return ent, nil
}

// removeEntryIfEmpty garbage-collects an entry, re-checking emptiness under
// both locks in case a concurrent Register revived the name.
func (r *Registry) removeEntryIfEmpty(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent := r.entries[name]
	if ent == nil {
		return
	}
	ent.mu.Lock()
	empty := len(ent.records) == 0
	ent.mu.Unlock()
	if empty {
		delete(r.entries, name)
	}
}

// find returns the record for the given address, or nil. The caller must
// hold the entry's lock.
func (e *entry) find(hostPort string) *record {
	for _, rec := range e.records {
		if rec.endpoint.HostPort == hostPort {
			return rec
		}
	}
	return nil
}
