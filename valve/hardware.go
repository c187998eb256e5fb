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

// Hardware and environment interfaces used by the valve controller.

package valve

// Direction is the drive direction of the valve motor.
type Direction uint8

const (
	Off     Direction = iota // Motor switched off.
	Closing                  // Drive towards the valve-closed position.
	Opening                  // Drive towards the valve-open position.
)

func (d Direction) String() string {
	switch d {
	case Off:
		return "off"
	case Closing:
		return "closing"
	case Opening:
		return "opening"
	default:
		return "invalid"
	}
}

// Callback receives signals from the motor driver while a run is in progress.
// The methods may be invoked from a goroutine other than the one calling Poll.
type Callback interface {
	// SignalHittingEndStop is called when overcurrent/stall is detected.
	SignalHittingEndStop(opening bool)
	// SignalShaftEncoderMarkStart is called on the leading edge of a shaft mark.
	SignalShaftEncoderMarkStart(opening bool)
	// SignalRunSCTTick is called for each sub-cycle tick that the motor runs.
	SignalRunSCTTick(opening bool)
}

// MotorDriver is the low level driver that energises the motor.
type MotorDriver interface {
	// MotorRun runs (or stops) the motor for at most maxTicks sub-cycle ticks.
	// A maxTicks of 0 runs for the shortest reasonable pulse.
	// The run stops early on a stall.
	// MotorRun blocks until the motor has stopped.
	MotorRun(maxTicks uint8, dir Direction, cb Callback)
	// IsCurrentHigh polls the stall/overcurrent indicator.
	IsCurrentHigh(dir Direction) bool
}

// ShaftEncoder is optionally implemented by a MotorDriver that has
// a coarse shaft rotation mark.
type ShaftEncoder interface {
	IsOnShaftEncoderMark() bool
}

// IsOnShaftEncoderMark returns the shaft mark state of the driver,
// or false if the driver has no shaft encoder.
func IsOnShaftEncoderMark(m MotorDriver) bool {
	if e, ok := m.(ShaftEncoder); ok {
		return e.IsOnShaftEncoderMark()
	}
	return false
}

// BatteryMonitor reports whether the supply voltage is low.
// Implementations should re-measure the supply on each call.
type BatteryMonitor interface {
	IsSupplyVoltageLow() bool
}

// SubCycleTime returns the current position within the scheduling cycle in ticks.
type SubCycleTime func() uint8

// Code is an error (positive) or warning (negative) reported to a Reporter.
type Code int8

const (
	WarnValveLowPrecision  Code = -15 // Valve running in binary mode after calibration.
	WarnValveTrackingMinor Code = -11 // End stop hit somewhat early.
	WarnValveTracking      Code = -10 // Serious tracking error, recalibration needed.
	None                   Code = 0
	ErrValveStuck          Code = 2 // Travel or calibration timeout.
)

func (c Code) String() string {
	switch c {
	case WarnValveLowPrecision:
		return "valve low precision"
	case WarnValveTrackingMinor:
		return "valve tracking minor"
	case WarnValveTracking:
		return "valve tracking"
	case None:
		return "none"
	case ErrValveStuck:
		return "valve stuck"
	default:
		return "unknown"
	}
}

// IsError returns true if the code is an error rather than a warning.
func (c Code) IsError() bool {
	return c > 0
}

// Reporter accepts advisory warnings and errors from the controller.
type Reporter interface {
	Report(Code)
}
