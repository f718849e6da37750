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

// Package resolver implements the read path over the registry: given a
// logical service name, it selects one endpoint among the currently live
// candidates using weighted round robin.
//
// Healthy endpoints are always preferred. Suspect endpoints are offered
// only when no Healthy endpoint exists: a Suspect endpoint may have
// recovered without renewing yet, and offering it as a last resort avoids
// unnecessary unavailability. Dead endpoints are never offered.
package resolver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/porticolabs/portico/registry"
)

var (
	// ErrServiceUnknown is returned when the name has no registry entry.
	ErrServiceUnknown = errors.New("service unknown")
	// ErrNoHealthyEndpoint is returned when the name has an entry but no
	// endpoint is currently eligible for selection.
	ErrNoHealthyEndpoint = errors.New("no healthy endpoint")
)

// Source is the registry surface the resolver reads. *registry.Registry
// satisfies it.
type Source interface {
	Snapshot(name string) []registry.EndpointStatus
}

// Resolver selects endpoints for service names. It is stateless except for
// one round-robin cursor per service name, advanced atomically so that
// concurrent resolves for the same name observe an approximately even
// distribution without a lock spanning the whole resolve call.
type Resolver struct {
	source Source

	mu      sync.RWMutex
	cursors map[string]*atomic.Uint64
}

// New returns a Resolver reading from the given source.
func New(source Source) *Resolver {
	return &Resolver{
		source:  source,
		cursors: map[string]*atomic.Uint64{},
	}
}

// Resolve returns one endpoint for the given service name.
func (r *Resolver) Resolve(name string) (registry.Endpoint, error) {
	return r.ResolveExcluding(name, nil)
}

// ResolveExcluding is Resolve with an exclusion set of endpoint addresses,
// used by the router to retry across distinct endpoints. Excluded addresses
// are never returned, even if they are the only live candidates.
func (r *Resolver) ResolveExcluding(name string, excluded map[string]struct{}) (registry.Endpoint, error) {
	snapshot := r.source.Snapshot(name)
	if snapshot == nil {
		return registry.Endpoint{}, fmt.Errorf("resolve %q: %w", name, ErrServiceUnknown)
	}

	candidates := eligible(snapshot, registry.StateHealthy, excluded)
	if len(candidates) == 0 {
		candidates = eligible(snapshot, registry.StateSuspect, excluded)
	}
	if len(candidates) == 0 {
		return registry.Endpoint{}, fmt.Errorf("resolve %q: %w", name, ErrNoHealthyEndpoint)
	}

	// Ties are broken by address ordering so that selection is
	// deterministic for a given cursor value.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].HostPort < candidates[j].HostPort
	})
	cycle := weightedCycle(candidates)
	index := (r.cursor(name).Add(1) - 1) % uint64(len(cycle))
	return cycle[index], nil
}

func eligible(snapshot []registry.EndpointStatus, state registry.HealthState, excluded map[string]struct{}) []registry.Endpoint {
	var out []registry.Endpoint
	for _, status := range snapshot {
		if status.State != state {
			continue
		}
		if _, skip := excluded[status.Endpoint.HostPort]; skip {
			continue
		}
		out = append(out, status.Endpoint)
	}
	return out
}

// weightedCycle expands the candidate list so that each endpoint appears
// once per unit of weight. The cursor then walks the expanded cycle.
func weightedCycle(candidates []registry.Endpoint) []registry.Endpoint {
	total := 0
	for _, candidate := range candidates {
		total += candidate.EffectiveWeight()
	}
	if total == len(candidates) {
		// all default weights, no expansion needed
		return candidates
	}
	cycle := make([]registry.Endpoint, 0, total)
	for _, candidate := range candidates {
		for i := 0; i < candidate.EffectiveWeight(); i++ {
			cycle = append(cycle, candidate)
		}
	}
	return cycle
}

// cursor returns the process-wide round-robin counter for a service name,
// creating it on first use.
func (r *Resolver) cursor(name string) *atomic.Uint64 {
	r.mu.RLock()
	counter := r.cursors[name]
	r.mu.RUnlock()
	if counter != nil {
		return counter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if counter = r.cursors[name]; counter == nil {
		counter = &atomic.Uint64{}
		r.cursors[name] = counter
	}
	return counter
}
