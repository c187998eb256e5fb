// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package valve

import (
	"sync"
	"time"
)

// CycleClock is a wall-clock sub-cycle time source.
// The sub-cycle restarts on each call to Start, and Ticks returns the
// number of ticks elapsed since, saturating at 255.
type CycleClock struct {
	tick  time.Duration
	mu    sync.Mutex
	start time.Time
}

// NewCycleClock creates a CycleClock with the given tick duration.
func NewCycleClock(tick time.Duration) *CycleClock {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &CycleClock{tick: tick, start: time.Now()}
}

// Start begins a new sub-cycle.
func (cc *CycleClock) Start() {
	cc.mu.Lock()
	cc.start = time.Now()
	cc.mu.Unlock()
}

// Ticks returns the sub-cycle ticks elapsed.
func (cc *CycleClock) Ticks() uint8 {
	cc.mu.Lock()
	elapsed := time.Since(cc.start)
	cc.mu.Unlock()
	t := elapsed / cc.tick
	if t > 255 {
		return 255
	}
	return uint8(t)
}

// Tick returns the duration of one tick.
func (cc *CycleClock) Tick() time.Duration {
	return cc.tick
}
