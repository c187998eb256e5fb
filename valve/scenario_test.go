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

package valve_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aamcrae/trv/report"
	"github.com/aamcrae/trv/sim"
	"github.com/aamcrae/trv/valve"
)

type recorder []valve.Code

func (r *recorder) Report(c valve.Code) {
	*r = append(*r, c)
}

func (r *recorder) has(c valve.Code) bool {
	for _, v := range *r {
		if v == c {
			return true
		}
	}
	return false
}

func newValve(t *testing.T, cfg valve.Config, b *sim.Base, opts ...valve.Option) *valve.Controller {
	t.Helper()
	require.NoError(t, cfg.Validate())
	return valve.New(cfg, b, b.SubCycleTime, opts...)
}

func poll(c *valve.Controller, b *sim.Base) {
	b.NewCycle()
	c.Poll()
}

// pollUntil polls until cond is true, failing after max polls.
func pollUntil(t *testing.T, c *valve.Controller, b *sim.Base, max int, cond func() bool) int {
	t.Helper()
	for i := 0; i < max; i++ {
		if cond() {
			return i
		}
		poll(c, b)
	}
	require.True(t, cond(), "condition not met after %d polls, state %s", max, c.State())
	return max
}

func inState(c *valve.Controller, s valve.State) func() bool {
	return func() bool { return c.State() == s }
}

// fitted runs a controller through to waiting for the valve to be fitted.
func fitted(t *testing.T, c *valve.Controller, b *sim.Base) {
	t.Helper()
	assert.Equal(t, valve.Init, c.State())
	poll(c, b)
	assert.Equal(t, valve.InitWaiting, c.State())
	for i := 0; i < 15; i++ {
		poll(c, b)
		require.Equal(t, valve.InitWaiting, c.State(), "poll %d", i)
	}
	poll(c, b)
	assert.Equal(t, valve.WithdrawingPin, c.State())
	pollUntil(t, c, b, 10, c.IsWaitingForValveToBeFitted)
	assert.InDelta(t, 1.0, b.Position(), 0.01)
	assert.False(t, c.IsInNormalRunState())
	c.SignalValveFitted()
	poll(c, b)
	assert.Equal(t, valve.Calibrating, c.State())
}

// calibrated runs a controller through to normal running.
func calibrated(t *testing.T, c *valve.Controller, b *sim.Base) {
	t.Helper()
	fitted(t, c, b)
	pollUntil(t, c, b, 60, c.IsInNormalRunState)
}

func TestStartupToNormal(t *testing.T) {
	b := sim.New(1000, 1000)
	var r recorder
	c := newValve(t, valve.DefaultConfig(), b, valve.WithReporter(&r))
	assert.Equal(t, uint8(valve.ModeratelyOpenPercent), c.MinPercentOpen())
	assert.Equal(t, uint8(100), c.CurrentPercent())
	assert.Equal(t, uint8(valve.DefaultTargetPercent), c.TargetPercent())
	calibrated(t, c, b)
	cp := c.CalibrationParameters()
	assert.InDelta(t, 1000, int(cp.TicksOpenToClosed()), 40)
	assert.InDelta(t, 1000, int(cp.TicksClosedToOpen()), 40)
	assert.Equal(t, uint8(4), cp.ApproxPrecision())
	assert.False(t, c.InNonProportionalMode())
	assert.Equal(t, uint8(14), c.MinPercentOpen())
	assert.Equal(t, uint8(100), c.CurrentPercent())
	assert.False(t, c.IsInErrorState())
	assert.Empty(t, r)

	// Moves proportionally to the default target.
	pollUntil(t, c, b, 60, func() bool { return c.CurrentPercent() <= valve.DefaultTargetPercent+4 })
	for i := 0; i < 5; i++ {
		poll(c, b)
	}
	assert.InDelta(t, valve.DefaultTargetPercent, int(c.CurrentPercent()), 4)
	assert.InDelta(t, int(c.CurrentPercent()), b.Percent(), 4)
	assert.True(t, c.IsControlledValveReallyOpen())
	assert.True(t, c.IsInNormalRunState())
}

func TestFittedIgnoredUntilWaiting(t *testing.T) {
	b := sim.New(1000, 1000)
	c := newValve(t, valve.DefaultConfig(), b)
	c.SignalValveFitted()
	for i := 0; i < 17; i++ {
		poll(c, b)
	}
	pollUntil(t, c, b, 10, c.IsWaitingForValveToBeFitted)
	for i := 0; i < 20; i++ {
		poll(c, b)
	}
	assert.True(t, c.IsWaitingForValveToBeFitted())
}

func TestCloseMonotonically(t *testing.T) {
	b := sim.New(1000, 1000)
	c := newValve(t, valve.DefaultConfig(), b)
	calibrated(t, c, b)
	c.SetTargetPercent(0)
	last := c.CurrentPercent()
	require.Equal(t, uint8(100), last)
	for i := 0; i < 100 && c.CurrentPercent() != 0; i++ {
		poll(c, b)
		require.LessOrEqual(t, c.CurrentPercent(), last)
		last = c.CurrentPercent()
	}
	assert.Equal(t, uint8(0), c.CurrentPercent())
	assert.Equal(t, 0, b.Percent())
	assert.False(t, c.IsControlledValveReallyOpen())
	for i := 0; i < 10; i++ {
		poll(c, b)
		assert.Equal(t, uint8(0), c.CurrentPercent())
	}
}

func TestSpuriousStallsIgnored(t *testing.T) {
	b := sim.New(1000, 1000)
	c := newValve(t, valve.DefaultConfig(), b)
	calibrated(t, c, b)
	c.SetTargetPercent(0)
	for i := 0; i < 2; i++ {
		poll(c, b)
	}
	require.Greater(t, b.Percent(), 20)
	// Fewer stalls than needed for confirmation.
	b.InjectStalls(3)
	pollUntil(t, c, b, 100, func() bool { return c.CurrentPercent() == 0 })
	assert.Equal(t, 0, b.Percent())
	assert.True(t, c.IsInNormalRunState())
}

func TestEarlyEndStopForcesRecalibration(t *testing.T) {
	b := sim.New(1000, 1000)
	var r recorder
	c := newValve(t, valve.DefaultConfig(), b, valve.WithReporter(&r))
	calibrated(t, c, b)
	c.SetTargetPercent(30)
	for i := 0; i < 3; i++ {
		poll(c, b)
	}
	require.Greater(t, c.CurrentPercent(), uint8(50))
	b.InjectStalls(1)
	poll(c, b)
	assert.True(t, r.has(valve.WarnValveTracking))
	assert.True(t, c.NeedsRecalibrating())
	poll(c, b)
	assert.Equal(t, valve.Calibrating, c.State())
	pollUntil(t, c, b, 60, c.IsInNormalRunState)
	assert.False(t, c.NeedsRecalibrating())
	assert.False(t, c.InNonProportionalMode())
}

func TestRecalibrationDeferred(t *testing.T) {
	b := sim.New(1000, 1000)
	cfg := valve.DefaultConfig()
	cfg.MaxDeferralPolls = 5
	c := newValve(t, cfg, b, valve.WithMinimiseActivity(b.IsDark))
	calibrated(t, c, b)
	c.SetTargetPercent(30)
	for i := 0; i < 3; i++ {
		poll(c, b)
	}
	b.SetDark(true)
	b.InjectStalls(1)
	poll(c, b)
	require.True(t, c.NeedsRecalibrating())
	for i := 0; i < 5; i++ {
		poll(c, b)
		assert.Equal(t, valve.Normal, c.State(), "poll %d", i)
	}
	// Deferral does not last forever.
	poll(c, b)
	assert.Equal(t, valve.Calibrating, c.State())
}

func TestSlippingMotorFails(t *testing.T) {
	b := sim.New(1000, 1000)
	cfg := valve.DefaultConfig()
	cfg.MaxTravelPolls = 40
	var r recorder
	c := newValve(t, cfg, b, valve.WithReporter(&r))
	calibrated(t, c, b)
	b.Slip(true)
	c.SetTargetPercent(0)
	pollUntil(t, c, b, 100, c.IsInErrorState)
	assert.Equal(t, valve.Error, c.State())
	assert.True(t, r.has(valve.ErrValveStuck))
	assert.False(t, c.IsInNormalRunState())
	// Never silently recovers.
	runs := b.Runs()
	for i := 0; i < 10; i++ {
		poll(c, b)
	}
	assert.Equal(t, valve.Error, c.State())
	assert.Equal(t, runs, b.Runs())

	b.Slip(false)
	c.Recalibrate()
	poll(c, b)
	assert.Equal(t, valve.Calibrating, c.State())
	pollUntil(t, c, b, 60, c.IsInNormalRunState)
	pollUntil(t, c, b, 100, func() bool { return c.CurrentPercent() == 0 })
}

func TestCalibrationTimeout(t *testing.T) {
	b := sim.New(1000, 1000)
	cfg := valve.DefaultConfig()
	cfg.MaxTravelPolls = 20
	c := newValve(t, cfg, b)
	fitted(t, c, b)
	b.Slip(true)
	pollUntil(t, c, b, 100, c.IsInErrorState)
}

func TestWithdrawTimeout(t *testing.T) {
	b := sim.New(1000, 1000)
	cfg := valve.DefaultConfig()
	cfg.MaxTravelPolls = 10
	c := newValve(t, cfg, b)
	b.Slip(true)
	pollUntil(t, c, b, 17, inState(c, valve.WithdrawingPin))
	for i := 0; i < 10; i++ {
		poll(c, b)
		require.Equal(t, valve.WithdrawingPin, c.State())
	}
	poll(c, b)
	assert.True(t, c.IsWaitingForValveToBeFitted())
	assert.False(t, c.IsInErrorState())
}

func TestImpreciseValveRunsBinary(t *testing.T) {
	b := sim.New(150, 150)
	var r recorder
	c := newValve(t, valve.DefaultConfig(), b, valve.WithReporter(&r))
	calibrated(t, c, b)
	assert.True(t, r.has(valve.WarnValveLowPrecision))
	assert.True(t, c.InNonProportionalMode())
	assert.Equal(t, uint8(valve.ModeratelyOpenPercent), c.MinPercentOpen())
	// The default target is below the call-for-heat threshold, so closes.
	pollUntil(t, c, b, 60, func() bool { return c.CurrentPercent() == 0 })
	assert.Equal(t, 0, b.Percent())
	c.SetTargetPercent(valve.SaferOpenPercent)
	pollUntil(t, c, b, 60, func() bool { return c.CurrentPercent() == 100 })
	assert.Equal(t, 100, b.Percent())
}

func TestBinaryMode(t *testing.T) {
	b := sim.New(1000, 1000)
	cfg := valve.DefaultConfig()
	cfg.Mode = valve.BinaryOnly
	c := newValve(t, cfg, b)
	calibrated(t, c, b)
	assert.True(t, c.InNonProportionalMode())
	assert.Equal(t, uint8(valve.ModeratelyOpenPercent), c.MinPercentOpen())
	c.SetTargetPercent(70)
	for i := 0; i < 10; i++ {
		poll(c, b)
		assert.Equal(t, uint8(100), c.CurrentPercent())
	}
	c.SetTargetPercent(30)
	pollUntil(t, c, b, 100, func() bool { return c.CurrentPercent() == 0 })
	assert.Equal(t, 0, b.Percent())
}

func TestLowBatteryRefusesToClose(t *testing.T) {
	b := sim.New(1000, 1000)
	cfg := valve.DefaultConfig()
	cfg.Mode = valve.BinaryOnly
	c := newValve(t, cfg, b, valve.WithBatteryMonitor(b))
	calibrated(t, c, b)
	b.SetLowBattery(true)
	c.SetTargetPercent(0)
	runs := b.Runs()
	for i := 0; i < 10; i++ {
		poll(c, b)
	}
	assert.Equal(t, runs, b.Runs())
	assert.Equal(t, uint8(100), c.CurrentPercent())
	b.SetLowBattery(false)
	pollUntil(t, c, b, 100, func() bool { return c.CurrentPercent() == 0 })
	// Opening is still allowed.
	b.SetLowBattery(true)
	c.SetTargetPercent(100)
	pollUntil(t, c, b, 100, func() bool { return c.CurrentPercent() == 100 })
}

func TestLowBatteryProportional(t *testing.T) {
	b := sim.New(1000, 1000)
	c := newValve(t, valve.DefaultConfig(), b, valve.WithBatteryMonitor(b))
	calibrated(t, c, b)
	require.False(t, c.InNonProportionalMode())
	c.SetTargetPercent(60)
	pollUntil(t, c, b, 60, func() bool { return c.CurrentPercent() <= 64 })
	for i := 0; i < 3; i++ {
		poll(c, b)
	}
	b.SetLowBattery(true)
	c.SetTargetPercent(30)
	runs, pc, actual := b.Runs(), c.CurrentPercent(), b.Percent()
	for i := 0; i < 20; i++ {
		poll(c, b)
	}
	assert.Equal(t, runs, b.Runs())
	assert.Equal(t, pc, c.CurrentPercent())
	assert.Equal(t, actual, b.Percent())
	assert.True(t, c.IsInNormalRunState())
	// Closing resumes once the battery recovers.
	b.SetLowBattery(false)
	pollUntil(t, c, b, 60, func() bool { return c.CurrentPercent() <= 34 })
	assert.InDelta(t, int(c.CurrentPercent()), b.Percent(), 4)
}

func TestLongTravelBinary(t *testing.T) {
	b := sim.New(5000, 5000)
	c := newValve(t, valve.DefaultConfig(), b)
	fitted(t, c, b)
	pollUntil(t, c, b, 200, c.IsInNormalRunState)
	cp := c.CalibrationParameters()
	assert.Equal(t, uint8(1), cp.ApproxPrecision())
	// Full travel in each direction well within the travel timeout.
	c.SetTargetPercent(0)
	n := pollUntil(t, c, b, 60, func() bool { return c.CurrentPercent() == 0 })
	assert.Less(t, n, int(valve.DefaultConfig().MaxTravelPolls))
	assert.Equal(t, 0, b.Percent())
	c.SetTargetPercent(100)
	pollUntil(t, c, b, 60, func() bool { return c.CurrentPercent() == 100 })
	assert.Equal(t, 100, b.Percent())
	assert.False(t, c.IsInErrorState())
}

func TestDeferralCountedOncePerPoll(t *testing.T) {
	b := sim.New(1000, 1000)
	cfg := valve.DefaultConfig()
	cfg.MaxDeferralPolls = 5
	c := newValve(t, cfg, b, valve.WithMinimiseActivity(b.IsDark))
	calibrated(t, c, b)
	c.SetTargetPercent(30)
	for i := 0; i < 3; i++ {
		poll(c, b)
	}
	b.SetDark(true)
	b.InjectStalls(1)
	poll(c, b)
	require.True(t, c.NeedsRecalibrating())
	// Both a recalibration and a decalcination are now due.
	c.Decalcinate()
	for i := 0; i < 5; i++ {
		poll(c, b)
		assert.Equal(t, valve.Normal, c.State(), "poll %d", i)
	}
	poll(c, b)
	assert.Equal(t, valve.Calibrating, c.State())
	pollUntil(t, c, b, 60, c.IsInNormalRunState)
	// The calibration also served as the decalcination.
	b.SetDark(false)
	poll(c, b)
	assert.Equal(t, valve.Normal, c.State())
}

func TestRecalibrateDropsOldCalibration(t *testing.T) {
	b := sim.New(1000, 1000)
	c := newValve(t, valve.DefaultConfig(), b)
	calibrated(t, c, b)
	require.Equal(t, uint8(14), c.MinPercentOpen())
	c.Recalibrate()
	poll(c, b)
	require.Equal(t, valve.Calibrating, c.State())
	assert.True(t, c.NeedsRecalibrating())
	assert.True(t, c.InNonProportionalMode())
	assert.Equal(t, uint8(valve.ModeratelyOpenPercent), c.MinPercentOpen())
	pollUntil(t, c, b, 60, c.IsInNormalRunState)
	assert.False(t, c.NeedsRecalibrating())
	assert.Equal(t, uint8(14), c.MinPercentOpen())
}

func TestDecalcinate(t *testing.T) {
	b := sim.New(1000, 1000)
	var r recorder
	c := newValve(t, valve.DefaultConfig(), b, valve.WithReporter(&r))
	calibrated(t, c, b)
	c.SetTargetPercent(100)
	c.Decalcinate()
	poll(c, b)
	assert.Equal(t, valve.Decalcinating, c.State())
	assert.False(t, c.IsInNormalRunState())
	assert.False(t, c.IsInErrorState())
	closed := false
	for i := 0; i < 60 && !c.IsInNormalRunState(); i++ {
		poll(c, b)
		if b.Percent() == 0 {
			closed = true
		}
	}
	assert.True(t, closed, "valve closed during decalcination")
	assert.True(t, c.IsInNormalRunState())
	assert.Equal(t, uint8(100), c.CurrentPercent())
	assert.Equal(t, 100, b.Percent())
	assert.Empty(t, r)
}

func TestDecalcinateInterval(t *testing.T) {
	b := sim.New(1000, 1000)
	cfg := valve.DefaultConfig()
	cfg.DecalcinatePolls = 50
	c := newValve(t, cfg, b)
	calibrated(t, c, b)
	c.SetTargetPercent(100)
	pollUntil(t, c, b, 60, inState(c, valve.Decalcinating))
	pollUntil(t, c, b, 60, c.IsInNormalRunState)
}

func TestWiggle(t *testing.T) {
	b := sim.New(1000, 1000)
	c := newValve(t, valve.DefaultConfig(), b)
	runs := b.Runs()
	c.Wiggle()
	assert.Equal(t, runs+2, b.Runs())
	assert.InDelta(t, 1.0, b.Position(), 0.01)
	assert.Equal(t, valve.Init, c.State())
}

func TestSubCycleBudget(t *testing.T) {
	b := sim.New(1000, 1000)
	cfg := valve.DefaultConfig()
	c := newValve(t, cfg, b)
	calibrated(t, c, b)
	c.SetTargetPercent(0)
	// Too late in the cycle to start the motor.
	runs := b.Runs()
	b.NewCycle()
	b.Delay(cfg.SctAbsLimit)
	c.Poll()
	assert.Equal(t, runs, b.Runs())
	assert.Equal(t, uint8(100), c.CurrentPercent())
	poll(c, b)
	assert.Greater(t, b.Runs(), runs+1)
	assert.LessOrEqual(t, b.SubCycleTime(), cfg.SctAbsLimit)
}

func TestMarksCounted(t *testing.T) {
	b := sim.New(1000, 1000)
	b.SetMarks(10)
	c := newValve(t, valve.DefaultConfig(), b)
	calibrated(t, c, b)
	// A full close and open passes all the marks twice,
	// and each wiggle from fully open touches the first mark.
	assert.GreaterOrEqual(t, c.Marks(), 20)
	assert.LessOrEqual(t, c.Marks(), 24)
	assert.False(t, valve.IsOnShaftEncoderMark(b))
	assert.False(t, valve.IsOnShaftEncoderMark(nopDriver{}))
}

type nopDriver struct{}

func (nopDriver) MotorRun(uint8, valve.Direction, valve.Callback) {}
func (nopDriver) IsCurrentHigh(valve.Direction) bool              { return false }

func TestReportLatest(t *testing.T) {
	b := sim.New(1000, 1000)
	var latest report.Latest
	cfg := valve.DefaultConfig()
	cfg.MaxTravelPolls = 20
	c := newValve(t, cfg, b, valve.WithReporter(report.Multi{&latest, report.Log(cfg.Name)}))
	fitted(t, c, b)
	b.Slip(true)
	pollUntil(t, c, b, 100, c.IsInErrorState)
	assert.Equal(t, valve.ErrValveStuck, latest.Get())
	assert.True(t, latest.IsAvailable())
}
