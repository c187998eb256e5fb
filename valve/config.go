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

package valve

import (
	"strconv"
	"strings"
	"time"

	"github.com/aamcrae/config"
	"github.com/pkg/errors"
)

// Mode selects whether intermediate positions are ever targeted.
type Mode uint8

const (
	Proportional Mode = iota // Dead-reckon to intermediate positions once calibrated
	BinaryOnly               // Only ever drive to the end stops
)

func (m Mode) String() string {
	if m == BinaryOnly {
		return "binary"
	}
	return "proportional"
}

const (
	// DefaultTick is the sub-cycle tick, 1/256th of a 2 second cycle.
	DefaultTick = 2 * time.Second / 256
	// DefaultPoll is the nominal interval between calls to Poll.
	DefaultPoll = 2 * time.Second
	// DefaultRetractDelay gives an operator time to use any interactive
	// interface before the motor first moves.
	DefaultRetractDelay = 30 * time.Second
	// DefaultMaxTravel is the longest a full travel may take before
	// the mechanism is assumed to be stuck.
	DefaultMaxTravel = 4 * time.Minute
	// DefaultMaxDeferral bounds how long calibration may be deferred.
	DefaultMaxDeferral = 24 * time.Hour
	// minMotorDRTime is the shortest useful dead-reckoning run from stopped.
	minMotorDRTime = 250 * time.Millisecond
	// minMotorRunupTicks allows for motor spin-up within the sub-cycle.
	minMotorRunupTicks = 4
)

// Config holds the tuning of a Controller.
// Time based limits are counted in calls to Poll.
type Config struct {
	Name                string // Name used in log messages
	Mode                Mode
	MinMotorDRTicks     uint8  // Minimum sub-cycle ticks for dead reckoning, strictly positive
	SctAbsLimit         uint8  // Sub-cycle tick after which the motor is not started
	InitialRetractPolls uint16 // Polls to wait before withdrawing the pin
	MaxTravelPolls      uint16 // Polls allowed for any full travel
	EndStopHits         uint8  // Consecutive stalls to confirm an end stop
	DecalcinatePolls    uint32 // Polls between decalcination runs, 0 to disable
	MaxDeferralPolls    uint32 // Maximum consecutive calibration deferrals, 0 for unlimited
}

// DefaultConfig returns the configuration for a 2 second poll cycle
// with DefaultTick sub-cycle ticks.
func DefaultConfig() Config {
	return HeadDefaults("valve").Controller()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MinMotorDRTicks == 0 {
		return errors.New("minimum dead-reckoning ticks must be positive")
	}
	if c.SctAbsLimit <= c.MinMotorDRTicks {
		return errors.Errorf("sub-cycle limit %d too small for %d tick runs", c.SctAbsLimit, c.MinMotorDRTicks)
	}
	if c.EndStopHits == 0 {
		return errors.New("end stop hits must be positive")
	}
	if c.MaxTravelPolls < 4 {
		return errors.Errorf("travel limit %d polls too short", c.MaxTravelPolls)
	}
	return nil
}

// ComputeMinMotorDRTicks returns the minimum dead-reckoning run in
// sub-cycle ticks for a tick of tickMs milliseconds (rounded down).
func ComputeMinMotorDRTicks(tickMs uint8) uint8 {
	if tickMs == 0 {
		tickMs = 1
	}
	return uint8(max(1, minMotorDRTime.Milliseconds()/int64(tickMs)))
}

// ComputeSctAbsLimit returns the sub-cycle tick beyond which the motor
// should not be started, leaving room for a meaningful movement and
// for stopping and settling (up to ~240ms) without overrunning the cycle.
// gcstMax is the largest sub-cycle tick value.
func ComputeSctAbsLimit(tickMs, gcstMax, minRunupTicks uint8) uint8 {
	if tickMs == 0 {
		tickMs = 1
	}
	reserve := (int(gcstMax)+1)/4 - int(minRunupTicks) - 1 - 240/int(tickMs)
	return gcstMax - uint8(max(1, reserve))
}

// HeadConfig is the configuration of a valve head and its hardware,
// read from a configuration file section.
// Optional GPIOs and the PWM unit are -1 when not used.
type HeadConfig struct {
	Name        string
	Open        int // GPIO driving the motor towards open
	Close       int // GPIO driving the motor towards closed
	Current     int // GPIO of the overcurrent comparator
	Encoder     int // GPIO of the shaft mark sensor
	Battery     int // GPIO of the low battery comparator
	Dark        int // GPIO of the darkness sensor
	PwmUnit     int // Hardware PWM unit for drive strength
	Duty        int // Drive strength duty cycle %
	Tick        time.Duration
	Poll        time.Duration
	Retract     time.Duration
	Travel      time.Duration
	Decalcinate time.Duration
	Defer       time.Duration
	Hits        int
	Mode        Mode
	Serial      string // Serial device for reports
	Baud        int
}

// HeadDefaults returns a HeadConfig with default values and no hardware.
func HeadDefaults(name string) *HeadConfig {
	return &HeadConfig{
		Name:    name,
		Open:    -1,
		Close:   -1,
		Current: -1,
		Encoder: -1,
		Battery: -1,
		Dark:    -1,
		PwmUnit: -1,
		Duty:    100,
		Tick:    DefaultTick,
		Poll:    DefaultPoll,
		Retract: DefaultRetractDelay,
		Travel:  DefaultMaxTravel,
		Defer:   DefaultMaxDeferral,
		Hits:    DefaultEndStopHits,
		Mode:    Proportional,
		Baud:    9600,
	}
}

// Controller converts the head configuration to a controller Config.
func (hc *HeadConfig) Controller() Config {
	tickMs := uint8(min(255, max(1, hc.Tick.Milliseconds())))
	return Config{
		Name:                hc.Name,
		Mode:                hc.Mode,
		MinMotorDRTicks:     ComputeMinMotorDRTicks(tickMs),
		SctAbsLimit:         ComputeSctAbsLimit(tickMs, 255, minMotorRunupTicks),
		InitialRetractPolls: uint16(polls(hc.Retract, hc.Poll)),
		MaxTravelPolls:      uint16(min(0xffff, max(4, polls(hc.Travel, hc.Poll)))),
		EndStopHits:         uint8(min(255, max(1, hc.Hits))),
		DecalcinatePolls:    uint32(polls(hc.Decalcinate, hc.Poll)),
		MaxDeferralPolls:    uint32(polls(hc.Defer, hc.Poll)),
	}
}

func polls(d, poll time.Duration) int64 {
	if poll <= 0 {
		return 0
	}
	return int64(d / poll)
}

// section is the part of a configuration file section used here.
type section interface {
	Has(string) bool
	Get(string) []*config.Entry
	GetArg(string) (string, error)
	Parse(string, string, ...interface{}) (int, error)
}

// ReadConfig reads and validates a HeadConfig from a config file section.
// Sample config:
//
//	[radiator]            # name of valve
//	motor=5,6             # GPIOs driving the motor open, closed
//	current=13            # GPIO of the overcurrent comparator
//	encoder=19            # GPIO of the shaft mark sensor (optional)
//	pwm=0,80              # PWM unit and duty % for drive strength (optional)
//	battery=20            # GPIO of low battery comparator (optional)
//	dark=21               # GPIO of darkness sensor (optional)
//	tick=7812500ns        # Sub-cycle tick
//	poll=2s               # Poll interval
//	retract=30s           # Delay before withdrawing the pin
//	travel=4m             # Maximum full travel time
//	hits=4                # Consecutive stalls to confirm an end stop
//	mode=proportional     # proportional or binary
//	decalcinate=168h      # Decalcination interval (optional)
//	defer=24h             # Maximum calibration deferral
//	serial=/dev/ttyS0,9600  # Serial port for error reports (optional)
func ReadConfig(conf *config.Config, name string) (*HeadConfig, error) {
	cs := conf.GetSection(name)
	if cs == nil {
		return nil, errors.Errorf("no config for %s", name)
	}
	var s section = cs
	hc := HeadDefaults(name)
	n, err := s.Parse("motor", "%d,%d", &hc.Open, &hc.Close)
	if err != nil {
		return nil, errors.Wrap(err, "motor")
	}
	if n != 2 {
		return nil, errors.New("motor: argument count")
	}
	n, err = s.Parse("current", "%d", &hc.Current)
	if err != nil {
		return nil, errors.Wrap(err, "current")
	}
	if n != 1 {
		return nil, errors.New("current: argument count")
	}
	for _, p := range []struct {
		key string
		v   *int
	}{
		{"encoder", &hc.Encoder},
		{"battery", &hc.Battery},
		{"dark", &hc.Dark},
		{"hits", &hc.Hits},
	} {
		if err := optInt(s, p.key, p.v); err != nil {
			return nil, err
		}
	}
	if s.Has("pwm") {
		n, err = s.Parse("pwm", "%d,%d", &hc.PwmUnit, &hc.Duty)
		if err != nil {
			return nil, errors.Wrap(err, "pwm")
		}
		if n != 2 {
			return nil, errors.New("pwm: argument count")
		}
	}
	for _, p := range []struct {
		key string
		v   *time.Duration
	}{
		{"tick", &hc.Tick},
		{"poll", &hc.Poll},
		{"retract", &hc.Retract},
		{"travel", &hc.Travel},
		{"decalcinate", &hc.Decalcinate},
		{"defer", &hc.Defer},
	} {
		if err := optDuration(s, p.key, p.v); err != nil {
			return nil, err
		}
	}
	if s.Has("mode") {
		m, err := s.GetArg("mode")
		if err != nil {
			return nil, errors.Wrap(err, "mode")
		}
		switch strings.TrimSpace(m) {
		case "proportional":
			hc.Mode = Proportional
		case "binary":
			hc.Mode = BinaryOnly
		default:
			return nil, errors.Errorf("mode: unknown mode %q", m)
		}
	}
	if s.Has("serial") {
		e := s.Get("serial")
		if len(e) != 1 || len(e[0].Tokens) == 0 || len(e[0].Tokens) > 2 {
			return nil, errors.New("serial: argument count")
		}
		hc.Serial = strings.TrimSpace(e[0].Tokens[0])
		if len(e[0].Tokens) == 2 {
			baud, err := strconv.Atoi(strings.TrimSpace(e[0].Tokens[1]))
			if err != nil {
				return nil, errors.Wrap(err, "serial")
			}
			hc.Baud = baud
		}
	}
	if hc.Duty < 0 || hc.Duty > 100 {
		return nil, errors.Errorf("pwm: invalid duty %d", hc.Duty)
	}
	if hc.Tick <= 0 || hc.Poll <= 0 {
		return nil, errors.New("tick and poll must be positive")
	}
	cfg := hc.Controller()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, name)
	}
	return hc, nil
}

func optInt(s section, key string, v *int) error {
	if !s.Has(key) {
		return nil
	}
	n, err := s.Parse(key, "%d", v)
	if err != nil {
		return errors.Wrap(err, key)
	}
	if n != 1 {
		return errors.Errorf("%s: argument count", key)
	}
	return nil
}

func optDuration(s section, key string, v *time.Duration) error {
	if !s.Has(key) {
		return nil
	}
	a, err := s.GetArg(key)
	if err != nil {
		return errors.Wrap(err, key)
	}
	*v, err = time.ParseDuration(strings.TrimSpace(a))
	if err != nil {
		return errors.Wrap(err, key)
	}
	return nil
}
