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

// Package clocktest adapts clockwork fake clocks to the internal.Clock
// interface. Go interface compatibility is shallow: the clockwork.Clock
// methods that return clockwork.Ticker or clockwork.Timer do not satisfy
// our interface even though the returned types are structurally identical,
// so those methods are re-boxed here.
package clocktest

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/porticolabs/portico/internal"
)

// FakeClock is a clock that can be manually advanced through time. It adapts
// *[clockwork.FakeClock] to the internal.Clock interface.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock creates a new FakeClock using clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

func (f fakeClock) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}

func (f fakeClock) NewTimer(d time.Duration) internal.Timer {
	timer := f.FakeClock.NewTimer(d)
	if d == 0 {
		// Reproduce pre-1.23 timer behavior for zero durations, which
		// clockwork does not handle (jonboulle/clockwork#98).
		if !timer.Stop() {
			<-timer.Chan()
		}
	}
	return timer
}
