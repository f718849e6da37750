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

package registry

import "github.com/porticolabs/portico/attribute"

// Endpoint describes one reachable backend implementing a named service.
// An Endpoint is an immutable value: replacing any of its attributes means
// registering a new value for the same address, never mutating in place.
// Within a service, endpoints are identified by their HostPort.
type Endpoint struct {
	// HostPort is the "host:port" network address of the backend.
	HostPort string

	// Scheme is the protocol the backend speaks: "http", "https" or "h2c".
	// An empty scheme is treated as "http".
	Scheme string

	// Weight biases selection toward this endpoint relative to its peers.
	// Zero is treated as the default weight of 1.
	Weight int

	// Attributes is a collection of opaque key/value metadata attached by
	// whoever registered the endpoint.
	Attributes attribute.Values
}

// EffectiveScheme returns the endpoint's scheme, defaulting to "http".
func (e Endpoint) EffectiveScheme() string {
	if e.Scheme == "" {
		return "http"
	}
	return e.Scheme
}

// EffectiveWeight returns the endpoint's weight, defaulting to 1.
func (e Endpoint) EffectiveWeight() int {
	if e.Weight < 1 {
		return 1
	}
	return e.Weight
}

func (e Endpoint) String() string {
	return e.EffectiveScheme() + "://" + e.HostPort
}
