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

// Controller states and per-state data.

package valve

// State is the major state of the controller.
// States below Normal mean that power-up/fitting is incomplete.
type State uint8

const (
	Init              State = iota // Power-up
	InitWaiting                    // Waiting before withdrawing the pin
	WithdrawingPin                 // Retracting the pin so the valve head can be fitted
	WaitingForFitting              // Waiting for the signal that the valve has been fitted
	Calibrating                    // Measuring full travel in both directions
	Normal                         // Tracking the target % open
	Decalcinating                  // Full travel maintenance run
	Error                          // Stuck; only left by forcing recalibration
)

var stateNames = []string{
	"init",
	"init-waiting",
	"withdrawing-pin",
	"waiting-for-fitting",
	"calibrating",
	"normal",
	"decalcinating",
	"error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// scratch is the data used only within a single major state.
// A fresh, zeroed value is installed on every state change.
type scratch interface {
	owner() State
}

// noScratch is used by states without any per-state data.
type noScratch struct {
	state State
}

func (n *noScratch) owner() State { return n.state }

type initWaitingScratch struct {
	ticksWaited uint16 // Polls so far
}

func (*initWaitingScratch) owner() State { return InitWaiting }

type withdrawingScratch struct {
	wallclock2sTicks uint16 // Polls so far
	endStop          EndStopConfirmation
}

func (*withdrawingScratch) owner() State { return WithdrawingPin }

// Calibration phases.
const (
	calibStart         = iota // Reset counters
	calibToOpen               // Run to fully open to start from a known position
	calibOpenToClosed         // Measure open to closed
	calibClosedToOpen         // Measure closed to open
	calibCompute              // Compute parameters
)

type calibratingScratch struct {
	ticksOpenToClosed uint16
	ticksClosedToOpen uint16
	phase             uint8
	wallclock2sTicks  uint16 // Polls in current phase
	endStop           EndStopConfirmation
}

func (*calibratingScratch) owner() State { return Calibrating }

type normalScratch struct {
	endStop       EndStopConfirmation
	travel2sTicks uint16 // Consecutive polls driving to an end stop
}

func (*normalScratch) owner() State { return Normal }

// Decalcination phases.
const (
	decalcToOpen = iota
	decalcToClosed
	decalcReopen
)

type decalcinatingScratch struct {
	phase            uint8
	wallclock2sTicks uint16
	endStop          EndStopConfirmation
}

func (*decalcinatingScratch) owner() State { return Decalcinating }

// newScratch returns the zeroed per-state data for s.
// Calibration uses a higher confidence than normal running.
func newScratch(s State, hits uint8) scratch {
	switch s {
	case InitWaiting:
		return &initWaitingScratch{}
	case WithdrawingPin:
		return &withdrawingScratch{endStop: NewEndStopConfirmation(hits)}
	case Calibrating:
		return &calibratingScratch{endStop: NewEndStopConfirmation(hits + 1)}
	case Normal:
		return &normalScratch{endStop: NewEndStopConfirmation(hits)}
	case Decalcinating:
		return &decalcinatingScratch{endStop: NewEndStopConfirmation(hits + 1)}
	default:
		return &noScratch{state: s}
	}
}
