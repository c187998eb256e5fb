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

package io

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Dir is the drive direction of a Motor.
type Dir uint8

const (
	Stop  Dir = iota // Drive off
	Close            // Drive towards the valve closed end stop
	Open             // Drive towards the valve open end stop
)

// RunupTicks is the number of ticks at the start of a run during which
// the current sense is ignored, to ride through the start-up current.
const RunupTicks = 4

// nudgeTicks is the length of the shortest run.
const nudgeTicks = 2

// Listener receives signals while the motor is running.
// The signals are sent from the goroutine calling Run.
type Listener interface {
	SignalHittingEndStop(opening bool)
	SignalShaftEncoderMarkStart(opening bool)
	SignalRunSCTTick(opening bool)
}

// Enabler is a drive enable output, such as a Pwm.
type Enabler interface {
	Enable(bool) error
}

// Motor represents a DC motor behind an H-bridge, with a current sense
// comparator that goes high when the motor stalls against an end stop,
// and an optional shaft encoder mark input.
// The motor is run for a number of ticks at a time; each run
// blocks until the motor is stopped.
type Motor struct {
	open, close Setter    // H-bridge inputs
	current     Getter    // Current sense, 1 when high
	encoder     Getter    // Shaft mark, may be nil
	drive       Enabler   // Drive enable, may be nil
	tick        time.Duration
	mu          sync.Mutex    // Serialises runs
	stopChan    chan struct{} // Aborts a run in progress
	ticks       atomic.Int64  // Total ticks run
	stalls      atomic.Int64  // Total stalls detected
}

// NewMotor creates a Motor driven by the open and close pins, with
// the current sense input. tick is the duration of one run tick.
func NewMotor(tick time.Duration, open, close Setter, current Getter) *Motor {
	m := new(Motor)
	m.open = open
	m.close = close
	m.current = current
	m.tick = tick
	m.stopChan = make(chan struct{}, 1)
	m.output(Stop)
	return m
}

// SetEncoder adds a shaft encoder mark input.
func (m *Motor) SetEncoder(g Getter) {
	m.encoder = g
}

// SetDrive adds a drive enable output, which is only enabled while running.
func (m *Motor) SetDrive(e Enabler) {
	m.drive = e
}

// Run drives the motor in the direction given for up to maxTicks ticks
// (or a brief nudge if maxTicks is 0), or until the current goes high.
// A stall is signalled to the listener and stops the run early.
// Returns true if the run was stopped by a stall.
func (m *Motor) Run(maxTicks uint8, dir Dir, l Listener) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Discard any stale abort request.
	select {
	case <-m.stopChan:
	default:
	}
	if dir == Stop {
		m.output(Stop)
		return false
	}
	opening := dir == Open
	n := int(maxTicks)
	if n == 0 {
		n = nudgeTicks
	}
	m.output(dir)
	defer m.output(Stop)
	mark := m.IsOnMark()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-m.stopChan:
			return false
		case <-ticker.C:
		}
		m.ticks.Add(1)
		if l != nil {
			l.SignalRunSCTTick(opening)
		}
		if m.encoder != nil {
			on := m.IsOnMark()
			if on && !mark && l != nil {
				l.SignalShaftEncoderMarkStart(opening)
			}
			mark = on
		}
		if i+1 >= RunupTicks && m.IsCurrentHigh() {
			m.stalls.Add(1)
			if l != nil {
				l.SignalHittingEndStop(opening)
			}
			return true
		}
	}
	return false
}

// Stop aborts a run in progress.
func (m *Motor) Stop() {
	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

// IsCurrentHigh reads the current sense input.
func (m *Motor) IsCurrentHigh() bool {
	v, err := m.current.Get()
	if err != nil {
		log.Printf("motor: current sense: %v", err)
		return false
	}
	return v != 0
}

// IsOnMark reads the shaft encoder input, returning false if there is none.
func (m *Motor) IsOnMark() bool {
	if m.encoder == nil {
		return false
	}
	v, err := m.encoder.Get()
	if err != nil {
		log.Printf("motor: encoder: %v", err)
		return false
	}
	return v != 0
}

// Ticks returns the total number of ticks the motor has run.
func (m *Motor) Ticks() int64 {
	return m.ticks.Load()
}

// Stalls returns the total number of stalls detected.
func (m *Motor) Stalls() int64 {
	return m.stalls.Load()
}

// Close stops the motor.
func (m *Motor) Close() {
	m.Stop()
	m.mu.Lock()
	m.output(Stop)
	m.mu.Unlock()
}

// output sets the H-bridge inputs for the direction.
// Both inputs are switched off before either is switched on.
func (m *Motor) output(dir Dir) {
	var o, c int
	switch dir {
	case Open:
		o = 1
	case Close:
		c = 1
	}
	if err := m.open.Set(0); err != nil {
		log.Printf("motor: open pin: %v", err)
	}
	if err := m.close.Set(0); err != nil {
		log.Printf("motor: close pin: %v", err)
	}
	if m.drive != nil {
		if err := m.drive.Enable(dir != Stop); err != nil {
			log.Printf("motor: drive: %v", err)
		}
	}
	if o != 0 {
		m.open.Set(1)
	}
	if c != 0 {
		m.close.Set(1)
	}
}
