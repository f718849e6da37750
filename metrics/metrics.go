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

// Package metrics defines the observability hooks emitted by the registry,
// the router, and the connection pool. The hooks are an interface so that
// the library itself stays collector-agnostic: callers may plug in the
// Prometheus implementation from this package, their own, or nothing at all.
package metrics

// Observer receives events from the discovery and routing components.
// Implementations must be safe for concurrent use and must not block:
// hooks are invoked on request paths and on background sweep paths.
type Observer interface {
	// EndpointRegistered is called when Register creates or refreshes a
	// record for the given service and address.
	EndpointRegistered(service, addr string)
	// EndpointDeregistered is called when a record is removed explicitly.
	EndpointDeregistered(service, addr string)
	// EndpointExpired is called when the ttl sweep declares a record Dead.
	EndpointExpired(service, addr string)
	// ResolveFailed is called when resolution for a service yields no
	// usable endpoint.
	ResolveFailed(service string)
	// RouteRetried is called each time the router retries a request
	// against an alternate endpoint after a transport or acquire failure.
	RouteRetried(service string)
	// PoolExhausted is called when a bounded acquire wait times out.
	PoolExhausted(service, addr string)
}

// NopObserver returns an Observer that discards all events.
func NopObserver() Observer {
	return nopObserver{}
}

type nopObserver struct{}

func (nopObserver) EndpointRegistered(string, string)   {}
func (nopObserver) EndpointDeregistered(string, string) {}
func (nopObserver) EndpointExpired(string, string)      {}
func (nopObserver) ResolveFailed(string)                {}
func (nopObserver) RouteRetried(string)                 {}
func (nopObserver) PoolExhausted(string, string)        {}
