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

// Calibration and decalcination runs.

package valve

import (
	"log"
)

// pollCalibrating measures the ticks for a full travel in each direction.
// The valve is first run to the open end stop to start from a known position.
func (c *Controller) pollCalibrating() {
	d := c.scratch.(*calibratingScratch)
	if d.phase == calibStart {
		c.pos.ResetTicks(0)
		d.phase = calibToOpen
	}
	if d.phase == calibCompute {
		c.computeCalibration(d)
		return
	}
	d.wallclock2sTicks++
	if d.wallclock2sTicks > c.cfg.MaxTravelPolls {
		c.fail("calibration timed out")
		return
	}
	switch d.phase {
	case calibToOpen:
		if !c.driveToEndStop(&d.endStop, true) {
			return
		}
		c.pos.HitEndStop(true, 0)
		if c.cfg.Mode == BinaryOnly {
			c.needsRecalibrating.Store(false)
			c.changeState(Normal)
			return
		}
		d.phase = calibOpenToClosed
		d.wallclock2sTicks = 0
	case calibOpenToClosed:
		if !c.driveToEndStop(&d.endStop, false) {
			return
		}
		d.ticksOpenToClosed = c.pos.TicksFromOpen()
		c.pos.current.Store(0)
		c.pos.ResetTicks(0)
		d.phase = calibClosedToOpen
		d.wallclock2sTicks = 0
	case calibClosedToOpen:
		if !c.driveToEndStop(&d.endStop, true) {
			return
		}
		d.ticksClosedToOpen = c.pos.TicksReverse()
		c.pos.current.Store(100)
		c.pos.ResetTicks(0)
		d.phase = calibCompute
	}
}

// computeCalibration derives the calibration parameters from the
// measured travel and moves to normal running.
// Poor calibration leaves the valve running in binary mode.
func (c *Controller) computeCalibration(d *calibratingScratch) {
	c.mu.Lock()
	ok := c.cp.UpdateAndCompute(d.ticksOpenToClosed, d.ticksClosedToOpen, c.cfg.MinMotorDRTicks)
	precision := c.cp.ApproxPrecision()
	c.mu.Unlock()
	log.Printf("%s: calibration ticks open->closed %d, closed->open %d, precision %d%%",
		c.name, d.ticksOpenToClosed, d.ticksClosedToOpen, precision)
	if !ok {
		log.Printf("%s: Calibration too imprecise, using binary mode", c.name)
		c.report(WarnValveLowPrecision)
	}
	c.needsRecalibrating.Store(false)
	c.hitEndStop(true)
	c.changeState(Normal)
}

// pollDecalcinating exercises the valve over its full travel,
// and checks the closing travel against the calibration.
func (c *Controller) pollDecalcinating() {
	d := c.scratch.(*decalcinatingScratch)
	d.wallclock2sTicks++
	if d.wallclock2sTicks > c.cfg.MaxTravelPolls {
		c.fail("decalcination timed out")
		return
	}
	switch d.phase {
	case decalcToOpen:
		if !c.driveToEndStop(&d.endStop, true) {
			return
		}
		c.pos.HitEndStop(true, 0)
		d.phase = decalcToClosed
		d.wallclock2sTicks = 0
	case decalcToClosed:
		if !c.driveToEndStop(&d.endStop, false) {
			return
		}
		c.checkTravel(c.pos.TicksFromOpen())
		c.hitEndStop(false)
		d.phase = decalcReopen
		d.wallclock2sTicks = 0
	case decalcReopen:
		if !c.driveToEndStop(&d.endStop, true) {
			return
		}
		c.hitEndStop(true)
		log.Printf("%s: Decalcination complete", c.name)
		c.changeState(Normal)
	}
}

// checkTravel compares a measured open to closed travel against the
// calibration, flagging a tracking error if it is too far out.
func (c *Controller) checkTravel(ticks uint16) {
	if c.InNonProportionalMode() {
		return
	}
	cp := c.CalibrationParameters()
	expected := uint32(cp.TicksOpenToClosed())
	if expected == 0 {
		return
	}
	diff := uint32(ticks)
	if diff > expected {
		diff -= expected
	} else {
		diff = expected - diff
	}
	if diff*100/expected > maxEarlyEndStopPercent {
		log.Printf("%s: Travel %d ticks, expected %d", c.name, ticks, expected)
		c.reportTrackingError()
	}
}
