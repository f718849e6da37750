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

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/porticolabs/portico/transport"
)

// endpointPool holds the bounded connection state for one (service,
// address) pair. Invariant: total = idle + checked-out, and total never
// exceeds the pool's per-endpoint maximum.
type endpointPool struct {
	key    poolKey
	parent *Pool

	mu      sync.Mutex
	idle    []idleConn
	total   int
	waiters []chan grant
	closed  bool
}

type idleConn struct {
	conn  transport.Conn
	since time.Time
}

// grant is a hand-off from Release to a blocked Acquire. A nil conn grants
// the dial slot instead of an existing connection.
type grant struct {
	conn   transport.Conn
	closed bool
}

// reserve is the non-blocking half of Acquire. Exactly one of the return
// values is meaningful: an idle connection, permission to dial (the slot is
// counted before the dial happens), or a waiter channel for the bounded
// wait. With a zero acquire timeout there is no waiting and reserve fails
// fast with ErrPoolExhausted.
func (ep *endpointPool) reserve() (conn transport.Conn, mustDial bool, waiter chan grant, err error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return nil, false, nil, errPoolClosed
	}
	if n := len(ep.idle); n > 0 {
		conn = ep.idle[n-1].conn
		ep.idle[n-1] = idleConn{}
		ep.idle = ep.idle[:n-1]
		return conn, false, nil, nil
	}
	if ep.total < ep.parent.maxPerEndpoint {
		ep.total++
		return nil, true, nil, nil
	}
	if ep.parent.acquireTimeout == 0 {
		ep.parent.observer.PoolExhausted(ep.key.service, ep.key.hostPort)
		return nil, false, nil, fmt.Errorf("acquire %s for %q: %w", ep.key.hostPort, ep.key.service, ErrPoolExhausted)
	}
	waiter = make(chan grant, 1)
	ep.waiters = append(ep.waiters, waiter)
	return nil, false, waiter, nil
}

// await blocks until a release hands over a connection or the dial slot,
// the acquire timeout lapses, or the caller's context is cancelled.
func (ep *endpointPool) await(ctx context.Context, waiter chan grant) (transport.Conn, bool, error) {
	timer := ep.parent.clock.NewTimer(ep.parent.acquireTimeout)
	defer timer.Stop()
	select {
	case g := <-waiter:
		if g.closed {
			return nil, false, errPoolClosed
		}
		if g.conn != nil {
			return g.conn, false, nil
		}
		return nil, true, nil
	case <-timer.Chan():
		ep.abandon(waiter)
		ep.parent.observer.PoolExhausted(ep.key.service, ep.key.hostPort)
		return nil, false, fmt.Errorf("acquire %s for %q: bounded wait timed out: %w",
			ep.key.hostPort, ep.key.service, ErrPoolExhausted)
	case <-ctx.Done():
		ep.abandon(waiter)
		return nil, false, ctx.Err()
	}
}

// abandon removes a waiter that gave up. If a grant raced in before the
// waiter could be removed, the grant is put back into circulation so no
// connection or dial slot is leaked.
func (ep *endpointPool) abandon(waiter chan grant) {
	ep.mu.Lock()
	for i, w := range ep.waiters {
		if w == waiter {
			ep.waiters = append(ep.waiters[:i], ep.waiters[i+1:]...)
			ep.mu.Unlock()
			return
		}
	}
	ep.mu.Unlock()

	// Not in the list: a grant was already delivered.
	select {
	case g := <-waiter:
		if g.closed {
			return
		}
		if g.conn != nil {
			ep.release(g.conn, Reusable)
			return
		}
		ep.forfeit()
	default:
	}
}

// forfeit gives back a dial slot after a failed dial, either waking the
// next waiter or decrementing the connection count.
func (ep *endpointPool) forfeit() {
	ep.mu.Lock()
	if len(ep.waiters) > 0 {
		waiter := ep.waiters[0]
		ep.waiters = ep.waiters[1:]
		ep.mu.Unlock()
		waiter <- grant{}
		return
	}
	ep.total--
	unused := ep.total == 0
	ep.mu.Unlock()
	if unused {
		ep.parent.removeIfUnused(ep.key)
	}
}

// release processes a returned connection. Reusable connections are handed
// directly to a blocked waiter when one exists, otherwise parked in the
// idle set. Broken connections are closed; their slot wakes the next
// waiter, which dials afresh.
func (ep *endpointPool) release(conn transport.Conn, outcome Outcome) {
	now := ep.parent.clock.Now()

	ep.mu.Lock()
	if ep.closed {
		ep.total--
		ep.mu.Unlock()
		_ = conn.Close()
		return
	}
	if outcome == Reusable {
		if len(ep.waiters) > 0 {
			waiter := ep.waiters[0]
			ep.waiters = ep.waiters[1:]
			ep.mu.Unlock()
			waiter <- grant{conn: conn}
			return
		}
		ep.idle = append(ep.idle, idleConn{conn: conn, since: now})
		ep.mu.Unlock()
		return
	}

	// Broken: the slot is transferred to the next waiter, if any, so the
	// count stays consistent; the connection itself is never reused.
	var waiter chan grant
	if len(ep.waiters) > 0 {
		waiter = ep.waiters[0]
		ep.waiters = ep.waiters[1:]
	} else {
		ep.total--
	}
	ep.mu.Unlock()

	_ = conn.Close()
	if waiter != nil {
		waiter <- grant{}
	}
}

// close fails all waiters and closes all idle connections. Checked-out
// connections are closed when released.
func (ep *endpointPool) close() {
	ep.mu.Lock()
	ep.closed = true
	waiters := ep.waiters
	ep.waiters = nil
	idle := ep.idle
	ep.idle = nil
	ep.total -= len(idle)
	ep.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- grant{closed: true}
	}
	for _, ic := range idle {
		_ = ic.conn.Close()
	}
}
