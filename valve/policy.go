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

// Target tolerance and calibration deferral policy.

package valve

import (
	"log"
)

const (
	// SaferOpenPercent is the call-for-heat threshold; at or above this
	// the valve is considered safely open.
	SaferOpenPercent = 50
	// ModeratelyOpenPercent is the minimum open % for significant flow
	// assumed for an uncalibrated or binary-only valve.
	ModeratelyOpenPercent = 35
	// MinReallyOpenPercent is the smallest legitimate minimum open %.
	MinReallyOpenPercent = 1
	// DefaultTargetPercent is just below the call-for-heat threshold,
	// giving passive frost protection.
	DefaultTargetPercent = SaferOpenPercent - 1
	// AbsTolerancePercent is the general tolerance around the target.
	// Too low causes tracking errors and recalibrations, too high pulls
	// the valve to the end stops more than necessary.
	AbsTolerancePercent = 11
	// maxEarlyEndStopPercent is how far (%) before the expected end an
	// end stop may be hit before a recalibration is forced.
	maxEarlyEndStopPercent = max(19, AbsTolerancePercent*3/2)
)

// CloseEnoughToTarget returns true when the current % open does not
// justify any further movement towards the target, which is when:
//   - it matches exactly, or is within AbsTolerancePercent
//   - the target is below SaferOpenPercent and current is at/below target
//   - the target is at/above SaferOpenPercent and current is at/above target
//
// Most valve bases are only roughly linear over part of their travel,
// and fewer movements mean less noise, wear and battery use.
func CloseEnoughToTarget(target, current uint8) bool {
	return target == current ||
		absDiff(target, current) <= AbsTolerancePercent ||
		(target < SaferOpenPercent && current <= target) ||
		(target >= SaferOpenPercent && current >= target)
}

// IsAtEndStop returns true if the % open is at either end stop.
func IsAtEndStop(pc uint8) bool {
	return pc == 0 || pc == 100
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

// batteryLow returns true if a battery monitor is present and reports low.
func (c *Controller) batteryLow() bool {
	return c.battery != nil && c.battery.IsSupplyVoltageLow()
}

// ShouldDeferCalibration returns true if a due (re)calibration should be
// postponed because the battery is low or occupants should not be disturbed.
// Each deferral is counted, and once MaxDeferralPolls consecutive deferrals
// have occurred calibration is no longer deferred.
func (c *Controller) ShouldDeferCalibration() bool {
	quiet := c.minimiseActivity != nil && c.minimiseActivity()
	if !c.batteryLow() && !quiet {
		c.deferrals = 0
		return false
	}
	if c.cfg.MaxDeferralPolls != 0 && c.deferrals >= c.cfg.MaxDeferralPolls {
		log.Printf("%s: Calibration deferred %d times, no longer deferring", c.name, c.deferrals)
		c.deferrals = 0
		return false
	}
	c.deferrals++
	return true
}
