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

// Valve motor position controller.

package valve

import (
	"log"
	"sync"
	"sync/atomic"
)

// maxPulsesPerPoll bounds the dead-reckoning pulses in one call to Poll,
// in case the sub-cycle time source does not advance.
const maxPulsesPerPoll = 64

// Controller drives a valve motor between its end stops using only
// stall detection as feedback.
// The position is dead-reckoned from the motor run ticks, calibrated
// against measured full-travel ticks; if calibration is not good enough
// the valve is only ever driven to the end stops (binary mode).
// Poll must be called regularly (nominally every 2 seconds) from a
// single goroutine. The motor callbacks may arrive on other goroutines,
// and the getters and signals may be called from any goroutine.
type Controller struct {
	name             string
	cfg              Config
	hw               MotorDriver
	subCycle         SubCycleTime
	battery          BatteryMonitor // May be nil
	minimiseActivity func() bool    // May be nil
	reporter         Reporter       // May be nil

	state   atomic.Uint32 // Current State
	scratch scratch       // Only accessed from Poll

	// Flags set asynchronously and cleared by Poll.
	endStopDetected atomic.Bool
	valveFitted     atomic.Bool
	recalibrate     atomic.Bool
	decalcinate     atomic.Bool

	marks              atomic.Uint32 // Shaft encoder marks seen
	needsRecalibrating atomic.Bool
	pos                *PositionTracker
	mu                 sync.RWMutex          // Guards cp
	cp                 CalibrationParameters // Written only while calibrating
	deferrals          uint32                // Consecutive calibration deferrals
	normalPolls        uint32                // Polls since last decalcination
}

// Option sets an optional capability of a Controller.
type Option func(*Controller)

// WithBatteryMonitor allows activity to be avoided while the battery is low.
func WithBatteryMonitor(b BatteryMonitor) Option {
	return func(c *Controller) { c.battery = b }
}

// WithMinimiseActivity supplies a predicate that returns true when noisy
// activity should be avoided, eg when the room is dark.
func WithMinimiseActivity(f func() bool) Option {
	return func(c *Controller) { c.minimiseActivity = f }
}

// WithReporter supplies a sink for tracking warnings and errors.
func WithReporter(r Reporter) Option {
	return func(c *Controller) { c.reporter = r }
}

// New creates a Controller in the Init state.
// hw and subCycle must not be nil.
func New(cfg Config, hw MotorDriver, subCycle SubCycleTime, opts ...Option) *Controller {
	c := new(Controller)
	c.name = cfg.Name
	c.cfg = cfg
	c.hw = hw
	c.subCycle = subCycle
	c.pos = NewPositionTracker()
	c.cp = NewCalibrationParameters()
	c.needsRecalibrating.Store(true)
	for _, o := range opts {
		o(c)
	}
	c.state.Store(uint32(Init))
	c.scratch = newScratch(Init, cfg.EndStopHits)
	log.Printf("%s: %s mode, dead-reckoning %d ticks, sub-cycle limit %d", c.name, cfg.Mode, cfg.MinMotorDRTicks, cfg.SctAbsLimit)
	return c
}

// Poll runs the state machine. It may block for hundreds of milliseconds
// while the motor runs, but returns immediately if it is too late in the
// sub-cycle to safely run the motor.
func (c *Controller) Poll() {
	if c.subCycle() >= c.cfg.SctAbsLimit {
		return
	}
	switch c.State() {
	case Init:
		// Tactile feedback, and ensure the motor is stopped.
		c.Wiggle()
		c.changeState(InitWaiting)
	case InitWaiting:
		d := c.scratch.(*initWaitingScratch)
		if d.ticksWaited < c.cfg.InitialRetractPolls {
			d.ticksWaited++
			return
		}
		c.Wiggle()
		c.changeState(WithdrawingPin)
	case WithdrawingPin:
		c.pollWithdrawing()
	case WaitingForFitting:
		if c.valveFitted.Load() {
			// Acknowledge the signal.
			c.Wiggle()
			c.changeState(Calibrating)
		}
	case Calibrating:
		c.pollCalibrating()
	case Normal:
		c.pollNormal()
	case Decalcinating:
		c.pollDecalcinating()
	case Error:
		if c.recalibrate.Swap(false) {
			log.Printf("%s: Recalibration forced from error state", c.name)
			c.changeState(Calibrating)
		}
	default:
		c.fail("unexpected state")
	}
}

// pollWithdrawing fully withdraws the pin so that the valve head is easy to fit.
// Running out of time is accepted since full withdrawal is not safety critical.
func (c *Controller) pollWithdrawing() {
	d := c.scratch.(*withdrawingScratch)
	d.wallclock2sTicks++
	if d.wallclock2sTicks > c.cfg.MaxTravelPolls {
		log.Printf("%s: Pin withdraw timed out, assuming withdrawn", c.name)
		c.hitEndStop(true)
		c.changeState(WaitingForFitting)
		return
	}
	if c.driveToEndStop(&d.endStop, true) {
		c.hitEndStop(true)
		c.changeState(WaitingForFitting)
	}
}

// pollNormal tracks the target position.
func (c *Controller) pollNormal() {
	d := c.scratch.(*normalScratch)
	if c.recalibrate.Swap(false) {
		log.Printf("%s: Recalibration requested", c.name)
		c.changeState(Calibrating)
		return
	}
	c.normalPolls++
	// Recalibrate after a serious tracking error, or decalcinate when due,
	// unless this is a bad time. Deferral is counted once per poll.
	calibrate := c.cfg.Mode == Proportional && c.needsRecalibrating.Load()
	decalcinate := c.decalcinate.Load() || (c.cfg.DecalcinatePolls != 0 && c.normalPolls >= c.cfg.DecalcinatePolls)
	if (calibrate || decalcinate) && !c.ShouldDeferCalibration() {
		// Calibration runs the full travel, so also serves as a decalcination.
		c.decalcinate.Store(false)
		c.normalPolls = 0
		if calibrate {
			c.changeState(Calibrating)
		} else {
			c.changeState(Decalcinating)
		}
		return
	}
	current, target := c.pos.Current(), c.pos.Target()
	if current == target {
		d.endStop.Reset()
		d.travel2sTicks = 0
		return
	}
	if c.cfg.Mode == Proportional && c.pollNormalProportional(d, current, target) {
		return
	}
	// Binary mode: drive fully open or closed using the call-for-heat threshold.
	binaryOpen := target >= SaferOpenPercent
	var binaryTarget uint8
	if binaryOpen {
		binaryTarget = 100
	}
	if binaryTarget == current {
		d.endStop.Reset()
		d.travel2sTicks = 0
		return
	}
	// Refuse to close while the battery is low, to avoid browning out
	// and leaving the valve stuck shut.
	if c.batteryLow() && target < current {
		return
	}
	d.travel2sTicks++
	if d.travel2sTicks > c.cfg.MaxTravelPolls {
		c.fail("travel to end stop timed out")
		return
	}
	// Use the rest of the sub-cycle, so that a full travel takes no
	// more polls than calibration did.
	if c.driveToEndStop(&d.endStop, binaryOpen) {
		c.hitEndStop(binaryOpen)
		d.travel2sTicks = 0
		return
	}
	c.recomputeIntermediatePosition()
}

// pollNormalProportional moves towards an intermediate target using
// dead-reckoning pulses. Returns false to fall through to binary mode,
// which is used when uncalibrated and to make targets near the ends
// 'sticky' at the end stops.
func (c *Controller) pollNormalProportional(d *normalScratch, current, target uint8) bool {
	if c.InNonProportionalMode() {
		return false
	}
	eps := c.precision()
	weps := max(AbsTolerancePercent, 2*eps)
	upper, lower := 100-weps, weps
	// Hysteresis limits slightly closer to the end stops.
	upperH, lowerH := upper+eps, lower-eps
	if target >= upperH || target <= lowerH {
		return false
	}
	if (target >= upper && current == 100) || (target <= lower && current == 0) {
		return false
	}
	if absDiff(target, current) <= eps {
		d.endStop.Reset()
		d.travel2sTicks = 0
		return true
	}
	open := target > current
	if !open && c.batteryLow() {
		return true
	}
	hit := c.runTowardsEndStop(open)
	c.recomputeIntermediatePosition()
	if !hit {
		d.endStop.Reset()
		return true
	}
	// An end stop was not expected here.
	current = c.pos.Current()
	early := (open && current < 100-maxEarlyEndStopPercent) || (!open && current > maxEarlyEndStopPercent)
	if early {
		c.reportTrackingError()
	} else {
		c.report(WarnValveTrackingMinor)
	}
	if d.endStop.Observe(open, true) {
		c.hitEndStop(open)
	}
	return true
}

// recomputeIntermediatePosition updates the current position from the
// dead-reckoning ticks. It never moves the position to the end stops,
// and does nothing unless calibrated.
func (c *Controller) recomputeIntermediatePosition() {
	if c.cfg.Mode != Proportional || c.needsRecalibrating.Load() {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.pos.Reconcile(&c.cp)
}

// hitEndStop re-anchors the position at a confirmed end stop.
func (c *Controller) hitEndStop(open bool) {
	c.mu.RLock()
	t := c.cp.TicksOpenToClosed()
	c.mu.RUnlock()
	c.pos.HitEndStop(open, t)
}

// runTowardsEndStop runs the motor for a single dead-reckoning pulse,
// and returns true if a stall was signalled.
func (c *Controller) runTowardsEndStop(open bool) bool {
	c.endStopDetected.Store(false)
	dir := Closing
	if open {
		dir = Opening
	}
	c.hw.MotorRun(c.cfg.MinMotorDRTicks, dir, c)
	c.hw.MotorRun(0, Off, c)
	return c.endStopDetected.Load()
}

// driveToEndStop runs dead-reckoning pulses towards an end stop while
// there is time left in the sub-cycle, and returns true once the
// end stop is confirmed.
func (c *Controller) driveToEndStop(es *EndStopConfirmation, open bool) bool {
	for i := 0; i < maxPulsesPerPoll; i++ {
		if es.Observe(open, c.runTowardsEndStop(open)) {
			return true
		}
		if c.subCycle() > c.sctAbsLimitDR() {
			break
		}
	}
	return false
}

// sctAbsLimitDR is the sub-cycle limit for starting a dead-reckoning pulse.
func (c *Controller) sctAbsLimitDR() uint8 {
	return c.cfg.SctAbsLimit - c.cfg.MinMotorDRTicks
}

// changeState moves to a new state with fresh per-state data.
func (c *Controller) changeState(s State) {
	old := c.State()
	c.state.Store(uint32(s))
	c.scratch = newScratch(s, c.cfg.EndStopHits)
	c.valveFitted.Store(false)
	if s == Calibrating {
		// The old calibration is not trusted until replaced.
		c.needsRecalibrating.Store(true)
	}
	log.Printf("%s: %s -> %s", c.name, old, s)
}

// fail stops the motor and enters the error state.
func (c *Controller) fail(reason string) {
	c.hw.MotorRun(0, Off, c)
	log.Printf("%s: !valve error: %s", c.name, reason)
	c.report(ErrValveStuck)
	c.changeState(Error)
}

// reportTrackingError flags a serious tracking error; recalibration
// happens at the next opportunity.
func (c *Controller) reportTrackingError() {
	c.needsRecalibrating.Store(true)
	log.Printf("%s: Tracking error at %d%%, recalibration needed", c.name, c.pos.Current())
	c.report(WarnValveTracking)
}

func (c *Controller) report(code Code) {
	if c.reporter != nil {
		c.reporter.Report(code)
	}
}

// SignalHittingEndStop is called by the motor driver on stall/overcurrent.
func (c *Controller) SignalHittingEndStop(opening bool) {
	c.endStopDetected.Store(true)
}

// SignalShaftEncoderMarkStart is called by the motor driver on a shaft mark.
// Marks are counted but not yet used for positioning.
func (c *Controller) SignalShaftEncoderMarkStart(opening bool) {
	c.marks.Add(1)
}

// SignalRunSCTTick is called by the motor driver for each tick of a run.
func (c *Controller) SignalRunSCTTick(opening bool) {
	c.pos.CountTick(opening)
}

// Wiggle minimally runs the motor each way for tactile feedback,
// finishing with the motor off. It nominally leaves the valve where it started.
// It must not be called concurrently with Poll.
func (c *Controller) Wiggle() {
	c.hw.MotorRun(0, Off, c)
	c.hw.MotorRun(0, Opening, c)
	c.hw.MotorRun(0, Closing, c)
	c.hw.MotorRun(0, Off, c)
}

// State returns the current major state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Name returns the name of the valve.
func (c *Controller) Name() string {
	return c.name
}

// CurrentPercent returns the estimated % open [0,100].
func (c *Controller) CurrentPercent() uint8 {
	return c.pos.Current()
}

// TargetPercent returns the target % open [0,100].
func (c *Controller) TargetPercent() uint8 {
	return c.pos.Target()
}

// SetTargetPercent sets the target % open; values above 100 are saturated.
func (c *Controller) SetTargetPercent(pc uint8) {
	c.pos.SetTarget(pc)
}

// SignalValveFitted signals that the valve head has been fitted.
// Ignored unless waiting for the valve to be fitted.
func (c *Controller) SignalValveFitted() {
	if c.IsWaitingForValveToBeFitted() {
		c.valveFitted.Store(true)
	}
}

// IsWaitingForValveToBeFitted returns true while waiting for SignalValveFitted.
func (c *Controller) IsWaitingForValveToBeFitted() bool {
	return c.State() == WaitingForFitting
}

// IsInNormalRunState returns true only in the Normal state, ie not
// initialising, calibrating, decalcinating or in error.
func (c *Controller) IsInNormalRunState() bool {
	return c.State() == Normal
}

// IsInErrorState returns true if in an error state.
// Recoverable only by forcing recalibration.
func (c *Controller) IsInErrorState() bool {
	return c.State() >= Error
}

// Recalibrate forces a recalibration on the next Poll from the
// Normal or Error states.
func (c *Controller) Recalibrate() {
	c.recalibrate.Store(true)
}

// Decalcinate requests a decalcination run from the Normal state,
// subject to the same deferral as calibration.
func (c *Controller) Decalcinate() {
	c.decalcinate.Store(true)
}

// NeedsRecalibrating returns true if the dead-reckoning is not trusted.
func (c *Controller) NeedsRecalibrating() bool {
	return c.needsRecalibrating.Load()
}

// InNonProportionalMode returns true if the valve is currently only
// driven to the end stops.
func (c *Controller) InNonProportionalMode() bool {
	if c.cfg.Mode != Proportional || c.needsRecalibrating.Load() {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cp.CannotRunProportional()
}

// CalibrationParameters returns a copy of the current calibration.
func (c *Controller) CalibrationParameters() CalibrationParameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cp
}

func (c *Controller) precision() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cp.ApproxPrecision()
}

// MinPercentOpen returns the estimated minimum % open for significant
// flow, in the range [1,99]. Until calibrated for proportional running
// a binary-mode baseline is used.
func (c *Controller) MinPercentOpen() uint8 {
	if c.InNonProportionalMode() {
		return ModeratelyOpenPercent
	}
	return max(10+c.precision(), MinReallyOpenPercent)
}

// IsControlledValveReallyOpen returns true if in normal running and the
// valve is at least MinPercentOpen open.
func (c *Controller) IsControlledValveReallyOpen() bool {
	return c.IsInNormalRunState() && c.CurrentPercent() >= c.MinPercentOpen()
}

// Marks returns the number of shaft encoder marks seen.
func (c *Controller) Marks() int {
	return int(c.marks.Load())
}
