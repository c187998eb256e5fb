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

// End stop confirmation.

package valve

// DefaultEndStopHits is the number of consecutive stall signals
// needed before an end stop is trusted.
const DefaultEndStopHits = 4

// EndStopConfirmation filters stall signals from successive motor runs
// so that a single spurious stall (dirt, stiction) is not mistaken for
// a real end stop. Only consecutive stalls in the same direction count.
type EndStopConfirmation struct {
	threshold uint8 // Consecutive hits needed, strictly positive
	count     uint8 // Consecutive hits seen
	opening   bool  // Direction of the counted hits
}

// NewEndStopConfirmation returns a tracker needing threshold consecutive hits.
// A threshold of 0 is treated as 1.
func NewEndStopConfirmation(threshold uint8) EndStopConfirmation {
	if threshold == 0 {
		threshold = 1
	}
	return EndStopConfirmation{threshold: threshold}
}

// Observe records the outcome of a single run in the given direction,
// and returns true when the end stop is confirmed. The counter is
// cleared whenever a run completes without stalling, when the direction
// changes, and after a confirmation.
func (e *EndStopConfirmation) Observe(opening, hit bool) bool {
	if !hit {
		e.count = 0
		return false
	}
	if e.count != 0 && e.opening != opening {
		e.count = 0
	}
	e.opening = opening
	e.count++
	if e.count >= e.threshold {
		e.count = 0
		return true
	}
	return false
}

// Reset clears the consecutive hit count.
func (e *EndStopConfirmation) Reset() {
	e.count = 0
}

// Count returns the current number of consecutive hits.
func (e *EndStopConfirmation) Count() uint8 {
	return e.count
}

// Threshold returns the number of consecutive hits needed for confirmation.
func (e *EndStopConfirmation) Threshold() uint8 {
	return e.threshold
}
