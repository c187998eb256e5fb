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

// Package sim simulates a valve base: a DC motor driving the valve pin
// between two end stops, with a stall sensor and a sub-cycle clock.

package sim

import (
	"sync"

	"github.com/aamcrae/trv/valve"
)

// RunupTicks matches the motor start-up period during which stalls
// are not sensed.
const RunupTicks = 4

// nudgeTicks is the length of a run requested with zero ticks.
const nudgeTicks = 2

// Base is a simulated valve base.
// It implements valve.MotorDriver, valve.ShaftEncoder and valve.BatteryMonitor.
// Every tick of a motor run advances the sub-cycle clock, which is
// restarted with NewCycle.
// The position is 1.0 when fully open and 0.0 when fully closed.
type Base struct {
	mu         sync.Mutex
	closeTicks float64 // Ticks to travel from open to closed
	openTicks  float64 // Ticks to travel from closed to open
	position   float64
	sct        uint8
	marks      int // Shaft marks over full travel, 0 for none
	stalls     int // Spurious stalls remaining
	jammed     bool
	slipping   bool
	lowBattery bool
	dark       bool
	ticks      int // Total ticks run
	runs       int // Total runs
}

// New creates a simulated base with the valve pin fully withdrawn (open).
func New(ticksOpenToClosed, ticksClosedToOpen uint16) *Base {
	b := new(Base)
	b.closeTicks = float64(max(1, ticksOpenToClosed))
	b.openTicks = float64(max(1, ticksClosedToOpen))
	b.position = 1.0
	return b
}

// SetMarks sets the number of shaft encoder marks over the full travel.
func (b *Base) SetMarks(n int) {
	b.mu.Lock()
	b.marks = n
	b.mu.Unlock()
}

// InjectStalls arranges for the next n runs to stall spuriously.
func (b *Base) InjectStalls(n int) {
	b.mu.Lock()
	b.stalls = n
	b.mu.Unlock()
}

// Jam sets whether the mechanism is jammed, so that every run stalls.
func (b *Base) Jam(jammed bool) {
	b.mu.Lock()
	b.jammed = jammed
	b.mu.Unlock()
}

// Slip sets whether the motor slips, so that it runs without moving
// the pin and never stalls, as with a stripped gear.
func (b *Base) Slip(slipping bool) {
	b.mu.Lock()
	b.slipping = slipping
	b.mu.Unlock()
}

// SetLowBattery sets the battery state.
func (b *Base) SetLowBattery(low bool) {
	b.mu.Lock()
	b.lowBattery = low
	b.mu.Unlock()
}

// SetDark sets the darkness state.
func (b *Base) SetDark(dark bool) {
	b.mu.Lock()
	b.dark = dark
	b.mu.Unlock()
}

// IsDark returns true if the room is simulated dark.
func (b *Base) IsDark() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dark
}

// NewCycle restarts the sub-cycle clock.
func (b *Base) NewCycle() {
	b.mu.Lock()
	b.sct = 0
	b.mu.Unlock()
}

// Delay advances the sub-cycle clock as if other work had run.
func (b *Base) Delay(ticks uint8) {
	b.mu.Lock()
	b.sct = uint8(min(255, int(b.sct)+int(ticks)))
	b.mu.Unlock()
}

// SubCycleTime returns the ticks elapsed in the current cycle.
func (b *Base) SubCycleTime() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sct
}

// Position returns the actual position, 1.0 being fully open.
func (b *Base) Position() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// Percent returns the actual % open.
func (b *Base) Percent() int {
	return int(b.Position()*100 + 0.5)
}

// Ticks returns the total ticks that the motor has run.
func (b *Base) Ticks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ticks
}

// Runs returns the number of motor runs.
func (b *Base) Runs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

// MotorRun implements valve.MotorDriver.
// Each tick moves the pin, until a stall is sensed at an end stop or
// the run ends.
func (b *Base) MotorRun(maxTicks uint8, dir valve.Direction, cb valve.Callback) {
	if dir == valve.Off {
		return
	}
	opening := dir == valve.Opening
	n := int(maxTicks)
	if n == 0 {
		n = nudgeTicks
	}
	b.mu.Lock()
	b.runs++
	b.mu.Unlock()
	for i := 0; i < n; i++ {
		mark, stalled := b.tick(opening, i+1 >= RunupTicks)
		if cb == nil {
			if stalled {
				return
			}
			continue
		}
		cb.SignalRunSCTTick(opening)
		if mark {
			cb.SignalShaftEncoderMarkStart(opening)
		}
		if stalled {
			cb.SignalHittingEndStop(opening)
			return
		}
	}
}

// tick moves the pin for one tick, returning whether a shaft mark was
// entered and whether a stall is sensed.
func (b *Base) tick(opening, sense bool) (mark, stalled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sct < 255 {
		b.sct++
	}
	b.ticks++
	if sense && (b.jammed || b.stalls > 0) {
		if b.stalls > 0 {
			b.stalls--
		}
		return false, true
	}
	if b.jammed || b.slipping {
		return false, false
	}
	was := b.onMark()
	if opening {
		b.position = min(1.0, b.position+1/b.openTicks)
	} else {
		b.position = max(0.0, b.position-1/b.closeTicks)
	}
	mark = !was && b.onMark()
	if !sense {
		return mark, false
	}
	return mark, (opening && b.position >= 1.0) || (!opening && b.position <= 0.0)
}

// IsCurrentHigh implements valve.MotorDriver.
func (b *Base) IsCurrentHigh(dir valve.Direction) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.slipping {
		return false
	}
	switch dir {
	case valve.Opening:
		return b.jammed || b.position >= 1.0
	case valve.Closing:
		return b.jammed || b.position <= 0.0
	}
	return false
}

// IsOnShaftEncoderMark implements valve.ShaftEncoder.
func (b *Base) IsOnShaftEncoderMark() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onMark()
}

// onMark returns true in the second half of each mark interval.
func (b *Base) onMark() bool {
	if b.marks <= 0 {
		return false
	}
	return int(b.position*float64(b.marks)*2)%2 == 1
}

// IsSupplyVoltageLow implements valve.BatteryMonitor.
func (b *Base) IsSupplyVoltageLow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lowBattery
}
