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

package metrics

import "github.com/prometheus/client_golang/prometheus"

// PromObserver is an Observer that exports counters through a Prometheus
// registerer. Counter increments never block, so it is safe on request paths.
type PromObserver struct {
	registered   *prometheus.CounterVec
	deregistered *prometheus.CounterVec
	expired      *prometheus.CounterVec
	resolveFails *prometheus.CounterVec
	retries      *prometheus.CounterVec
	exhausted    *prometheus.CounterVec
}

var _ Observer = (*PromObserver)(nil)

// NewPromObserver creates a PromObserver and registers its collectors with
// reg. It panics if a collector with the same name is already registered,
// matching prometheus.MustRegister semantics.
func NewPromObserver(reg prometheus.Registerer) *PromObserver {
	o := &PromObserver{
		registered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_endpoint_registrations_total",
			Help: "Endpoint registrations and renewals by registration.",
		}, []string{"service"}),
		deregistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_endpoint_deregistrations_total",
			Help: "Explicit endpoint deregistrations.",
		}, []string{"service"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_endpoint_expirations_total",
			Help: "Endpoints declared dead by the ttl sweep.",
		}, []string{"service"}),
		resolveFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_resolve_failures_total",
			Help: "Resolutions that produced no usable endpoint.",
		}, []string{"service"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_route_retries_total",
			Help: "Request retries against alternate endpoints.",
		}, []string{"service"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_pool_exhausted_total",
			Help: "Connection acquire waits that timed out.",
		}, []string{"service", "endpoint"}),
	}
	reg.MustRegister(
		o.registered, o.deregistered, o.expired,
		o.resolveFails, o.retries, o.exhausted,
	)
	return o
}

func (o *PromObserver) EndpointRegistered(service, _ string) {
	o.registered.WithLabelValues(service).Inc()
}

func (o *PromObserver) EndpointDeregistered(service, _ string) {
	o.deregistered.WithLabelValues(service).Inc()
}

func (o *PromObserver) EndpointExpired(service, _ string) {
	o.expired.WithLabelValues(service).Inc()
}

func (o *PromObserver) ResolveFailed(service string) {
	o.resolveFails.WithLabelValues(service).Inc()
}

func (o *PromObserver) RouteRetried(service string) {
	o.retries.WithLabelValues(service).Inc()
}

func (o *PromObserver) PoolExhausted(service, addr string) {
	o.exhausted.WithLabelValues(service, addr).Inc()
}
