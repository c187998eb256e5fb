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

// Dead-reckoning position tracking.

package valve

import (
	"sync/atomic"
)

// maxTicks is the saturation limit of the tick counters.
const maxTicks = ^uint16(0)

// PositionTracker holds the dead-reckoned valve position.
// Ticks are counted from the motor callback, which may run on another
// goroutine during a motor run, so all fields are atomic.
// Travel towards closed is counted in ticksFromOpen, travel towards open
// is counted in ticksReverse until reconciled against ticksFromOpen.
type PositionTracker struct {
	ticksFromOpen atomic.Uint32
	ticksReverse  atomic.Uint32
	current       atomic.Uint32 // % open [0,100]
	target        atomic.Uint32 // target % open [0,100]
}

// NewPositionTracker returns a tracker with the current position fully
// open (pin withdrawn) and the target just below the call-for-heat
// threshold for passive frost protection.
func NewPositionTracker() *PositionTracker {
	p := new(PositionTracker)
	p.current.Store(100)
	p.target.Store(DefaultTargetPercent)
	return p
}

// CountTick records one sub-cycle tick of motor travel.
// The counters saturate rather than wrap.
func (p *PositionTracker) CountTick(opening bool) {
	c := &p.ticksFromOpen
	if opening {
		c = &p.ticksReverse
	}
	for {
		v := c.Load()
		if v >= uint32(maxTicks) {
			return
		}
		if c.CompareAndSwap(v, v+1) {
			return
		}
	}
}

// TicksFromOpen returns the ticks counted from the open end stop.
func (p *PositionTracker) TicksFromOpen() uint16 {
	return uint16(p.ticksFromOpen.Load())
}

// TicksReverse returns the reverse ticks not yet reconciled.
func (p *PositionTracker) TicksReverse() uint16 {
	return uint16(p.ticksReverse.Load())
}

// ResetTicks sets the ticks from open and clears the reverse ticks.
func (p *PositionTracker) ResetTicks(fromOpen uint16) {
	p.ticksFromOpen.Store(uint32(fromOpen))
	p.ticksReverse.Store(0)
}

// HitEndStop re-anchors the position at a confirmed end stop.
func (p *PositionTracker) HitEndStop(open bool, ticksOpenToClosed uint16) {
	if open {
		p.current.Store(100)
		p.ResetTicks(0)
	} else {
		p.current.Store(0)
		p.ResetTicks(ticksOpenToClosed)
	}
}

// Reconcile folds the reverse ticks into the forward ticks and returns
// the intermediate position clamped to [1,99].
// The end stop values are only ever set by HitEndStop.
func (p *PositionTracker) Reconcile(cp *CalibrationParameters) uint8 {
	pc, fromOpen, reverse := cp.ComputePosition(p.TicksFromOpen(), p.TicksReverse())
	p.ticksFromOpen.Store(uint32(fromOpen))
	p.ticksReverse.Store(uint32(reverse))
	pc = max(1, min(pc, 99))
	p.current.Store(uint32(pc))
	return pc
}

// Current returns the estimated % open.
func (p *PositionTracker) Current() uint8 {
	return uint8(p.current.Load())
}

// Target returns the target % open.
func (p *PositionTracker) Target() uint8 {
	return uint8(p.target.Load())
}

// SetTarget sets the target % open, saturating values above 100.
func (p *PositionTracker) SetTarget(pc uint8) {
	p.target.Store(uint32(min(pc, 100)))
}
