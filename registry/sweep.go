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

import "context"

// sweep runs the periodic liveness pass until the root context is
// cancelled. Each pass holds at most one entry lock at a time, so a long
// table never blocks concurrent Register/Renew calls on unrelated names.
func (r *Registry) sweep(ctx context.Context) {
	defer close(r.done)
	ticker := r.clock.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.sweepOnce()
		}
	}
}

// sweepOnce applies the liveness thresholds to every record:
//
//   - unrenewed for longer than ttl: demoted to Suspect
//   - unrenewed for longer than 2×ttl: declared Dead
//   - Dead for longer than the grace period: removed
//
// Entries left with no records at all are removed from the table, making
// the name unknown again.
func (r *Registry) sweepOnce() {
	now := r.clock.Now()

	r.mu.RLock()
	type namedEntry struct {
		name string
		ent  *entry
	}
	entries := make([]namedEntry, 0, len(r.entries))
	for name, ent := range r.entries {
		entries = append(entries, namedEntry{name, ent})
	}
	r.mu.RUnlock()

	var emptied []string
	for _, ne := range entries {
		var expired []string

		ne.ent.mu.Lock()
		kept := ne.ent.records[:0]
		for _, rec := range ne.ent.records {
			age := now.Sub(rec.lastRenewedAt)
			switch {
			case rec.state == StateDead:
				if now.Sub(rec.deadAt) > r.deadGrace {
					continue // drop
				}
			case age > 2*rec.ttl:
				rec.state = StateDead
				rec.deadAt = now
				expired = append(expired, rec.endpoint.HostPort)
			case age > rec.ttl && rec.state == StateHealthy:
				rec.state = StateSuspect
			}
			kept = append(kept, rec)
		}
		for i := len(kept); i < len(ne.ent.records); i++ {
			ne.ent.records[i] = nil
		}
		ne.ent.records = kept
		empty := len(kept) == 0
		ne.ent.mu.Unlock()

		for _, hostPort := range expired {
			r.observer.EndpointExpired(ne.name, hostPort)
		}
		if empty {
			emptied = append(emptied, ne.name)
		}
	}
	for _, name := range emptied {
		r.removeEntryIfEmpty(name)
	}
}
