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

import "fmt"

// HealthState classifies the liveness of a registered endpoint. The natural
// ordering is for "better" states to sort before "worse" states, so
// StateHealthy is the lowest value and StateDead is the highest.
type HealthState int

const (
	// StateHealthy means the registration is within its ttl, or was renewed
	// or re-registered since it last lapsed.
	StateHealthy = HealthState(iota)
	// StateSuspect means the registration outlived its ttl without renewal,
	// or the router reported a transport failure against the endpoint.
	// Suspect endpoints are offered only when no Healthy endpoint exists.
	StateSuspect
	// StateDead means the registration aged past twice its ttl. Dead
	// records are never offered for resolution; they linger briefly for
	// diagnostics and are then removed by the sweep.
	StateDead
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("HealthState(%d)", int(s))
	}
}
