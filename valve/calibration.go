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

// Calibration parameters computed from measured full-travel runs.

package valve

const (
	// MaxUsablePrecision is the precision (%) above which proportional
	// mode is not possible. It allows as few as 8 or 9 dead-reckoning
	// pulses from one end of travel to the other.
	MaxUsablePrecision = 15
	// BadPrecision marks calibration results that are unusable.
	BadPrecision = 100
	// minRatioTicks is the smallest acceptable reduced tick ratio term.
	minRatioTicks = 8
)

// CalibrationParameters holds the full-travel tick counts measured during
// calibration, and values derived from them.
// It is written once per calibration run and is read-only otherwise.
// The zero value is not usable; create with NewCalibrationParameters.
type CalibrationParameters struct {
	ticksOpenToClosed uint16 // Ticks from the open end stop to the closed end stop
	ticksClosedToOpen uint16 // Ticks from the closed end stop to the open end stop
	approxPrecision   uint8  // Approx % of travel per dead-reckoning pulse [0,100]
	tfotcSmall        uint8  // Reduced ratio form of ticksOpenToClosed
	tfctoSmall        uint8  // Reduced ratio form of ticksClosedToOpen
}

// NewCalibrationParameters returns uncalibrated parameters,
// which do not allow proportional operation.
func NewCalibrationParameters() CalibrationParameters {
	return CalibrationParameters{approxPrecision: BadPrecision}
}

// UpdateAndCompute sets the measured full-travel tick counts and computes the
// derived parameters. minMotorDRTicks is the smallest number of ticks that
// the motor can usefully be run for (due to inertia etc).
// Returns false if the inputs are unusable, in which case
// CannotRunProportional will return true.
func (cp *CalibrationParameters) UpdateAndCompute(ticksOpenToClosed, ticksClosedToOpen uint16, minMotorDRTicks uint8) bool {
	// Start with the error state until shown good.
	cp.approxPrecision = BadPrecision
	cp.ticksOpenToClosed = ticksOpenToClosed
	cp.ticksClosedToOpen = ticksClosedToOpen
	cp.tfotcSmall = 0
	cp.tfctoSmall = 0
	if minMotorDRTicks == 0 {
		return false
	}
	minTicks := min(ticksOpenToClosed, ticksClosedToOpen)
	// Stuck actuator.
	if minTicks == 0 {
		return false
	}
	// Hugely unbalanced travel (one direction more than twice the other)
	// will not dead-reckon reliably.
	if ticksOpenToClosed>>1 > ticksClosedToOpen || ticksClosedToOpen>>1 > ticksOpenToClosed {
		return false
	}
	// Reduce both counts to a small ratio that allows single pulses
	// to be converted between directions without much error.
	tfotc, tfcto := ticksOpenToClosed, ticksClosedToOpen
	for max(tfotc, tfcto) > uint16(minMotorDRTicks) {
		tfotc >>= 1
		tfcto >>= 1
	}
	cp.tfotcSmall = uint8(tfotc)
	cp.tfctoSmall = uint8(tfcto)
	if min(tfotc, tfcto) < minRatioTicks {
		return false
	}
	// Percentage of the shorter travel covered by one dead-reckoning pulse,
	// inflated slightly (128 vs 100) to allow for inertia.
	p := (128 * uint32(minMotorDRTicks)) / uint32(minTicks)
	p = max(1, min(p, BadPrecision))
	if p > MaxUsablePrecision {
		return false
	}
	cp.approxPrecision = uint8(p)
	return true
}

// ComputePosition reconciles reverse ticks against forward ticks using the
// reduced ratio, and computes the % open for the reconciled position.
// The reconciled tick counts are returned for storing back into the tracker.
// Zero forward ticks is fully open (100), ticksOpenToClosed or more is closed (0).
func (cp *CalibrationParameters) ComputePosition(ticksFromOpen, ticksReverse uint16) (percent uint8, fromOpen, reverse uint16) {
	// Back out reverse ticks in blocks; usually only one block at a time.
	if cp.tfctoSmall != 0 {
		for ticksReverse >= uint16(cp.tfctoSmall) {
			ticksReverse -= uint16(cp.tfctoSmall)
			if ticksFromOpen > uint16(cp.tfotcSmall) {
				ticksFromOpen -= uint16(cp.tfotcSmall)
			} else {
				ticksFromOpen = 0
			}
		}
	}
	switch {
	case ticksFromOpen == 0:
		percent = 100
	case ticksFromOpen >= cp.ticksOpenToClosed:
		percent = 0
	default:
		percent = uint8((uint32(cp.ticksOpenToClosed-ticksFromOpen) * 100) / uint32(cp.ticksOpenToClosed))
	}
	return percent, ticksFromOpen, ticksReverse
}

// TicksOpenToClosed returns the ticks measured from fully open to fully closed.
func (cp *CalibrationParameters) TicksOpenToClosed() uint16 {
	return cp.ticksOpenToClosed
}

// TicksClosedToOpen returns the ticks measured from fully closed to fully open.
func (cp *CalibrationParameters) TicksClosedToOpen() uint16 {
	return cp.ticksClosedToOpen
}

// ApproxPrecision returns the approximate precision in % of full travel.
// Zero means sub-percent precision, BadPrecision means unusable.
func (cp *CalibrationParameters) ApproxPrecision() uint8 {
	return cp.approxPrecision
}

// TfotcSmall returns the reduced form of the open to closed ticks.
func (cp *CalibrationParameters) TfotcSmall() uint8 {
	return cp.tfotcSmall
}

// TfctoSmall returns the reduced form of the closed to open ticks.
func (cp *CalibrationParameters) TfctoSmall() uint8 {
	return cp.tfctoSmall
}

// CannotRunProportional returns true if the device must be run in binary mode.
func (cp *CalibrationParameters) CannotRunProportional() bool {
	return cp.approxPrecision > MaxUsablePrecision
}
