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
	"context"
	"log"
	"time"

	gpio "github.com/aamcrae/gpio"
	"github.com/pkg/errors"

	"github.com/aamcrae/trv/io"
)

// Head combines the I/O for a valve head with its Controller.
// The motor is driven through an H-bridge, with end stops detected by
// the motor current sense input.
type Head struct {
	Config     *HeadConfig
	Motor      *io.Motor
	Controller *Controller
	Clock      *CycleClock
	pwm        *io.Pwm
	pins       []*gpio.Gpio
	battery    *gpio.Gpio
	dark       *gpio.Gpio
}

// NewHead initialises the I/O and Controller from the head configuration.
func NewHead(hc *HeadConfig, opts ...Option) (*Head, error) {
	h := new(Head)
	h.Config = hc
	open, err := h.output(hc.Open)
	if err != nil {
		return nil, err
	}
	cl, err := h.output(hc.Close)
	if err != nil {
		h.Close()
		return nil, err
	}
	current, err := h.input(hc.Current)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.Motor = io.NewMotor(hc.Tick, open, cl, current)
	if hc.Encoder >= 0 {
		enc, err := h.input(hc.Encoder)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.Motor.SetEncoder(enc)
	}
	if hc.PwmUnit >= 0 {
		h.pwm, err = io.NewPwm(hc.PwmUnit, io.DefaultPwmPeriod, hc.Duty)
		if err != nil {
			h.Close()
			return nil, errors.Wrapf(err, "%s: pwm %d", hc.Name, hc.PwmUnit)
		}
		h.Motor.SetDrive(h.pwm)
	}
	if hc.Battery >= 0 {
		if h.battery, err = h.input(hc.Battery); err != nil {
			h.Close()
			return nil, err
		}
		opts = append(opts, WithBatteryMonitor(h))
	}
	if hc.Dark >= 0 {
		if h.dark, err = h.input(hc.Dark); err != nil {
			h.Close()
			return nil, err
		}
		opts = append(opts, WithMinimiseActivity(h.isDark))
	}
	h.Clock = NewCycleClock(hc.Tick)
	h.Controller = New(hc.Controller(), h, h.Clock.Ticks, opts...)
	return h, nil
}

func (h *Head) output(pin int) (*gpio.Gpio, error) {
	g, err := gpio.OutputPin(pin)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: pin %d", h.Config.Name, pin)
	}
	h.pins = append(h.pins, g)
	return g, nil
}

func (h *Head) input(pin int) (*gpio.Gpio, error) {
	g, err := gpio.Pin(pin)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: pin %d", h.Config.Name, pin)
	}
	h.pins = append(h.pins, g)
	return g, nil
}

// Run polls the controller at the configured interval until the context is done.
// Each poll starts a new sub-cycle.
func (h *Head) Run(ctx context.Context) {
	ticker := time.NewTicker(h.Config.Poll)
	defer ticker.Stop()
	log.Printf("%s: Starting, poll every %s", h.Config.Name, h.Config.Poll)
	for {
		h.Clock.Start()
		h.Controller.Poll()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// MotorRun is a shim between the controller and the motor.
func (h *Head) MotorRun(maxTicks uint8, dir Direction, cb Callback) {
	h.Motor.Run(maxTicks, ioDir(dir), cb)
}

// IsCurrentHigh reads the motor current sense.
func (h *Head) IsCurrentHigh(dir Direction) bool {
	return h.Motor.IsCurrentHigh()
}

// IsOnShaftEncoderMark reads the shaft mark sensor.
func (h *Head) IsOnShaftEncoderMark() bool {
	return h.Motor.IsOnMark()
}

// IsSupplyVoltageLow reads the low battery comparator.
func (h *Head) IsSupplyVoltageLow() bool {
	return h.readInput(h.battery)
}

func (h *Head) isDark() bool {
	return h.readInput(h.dark)
}

func (h *Head) readInput(g *gpio.Gpio) bool {
	if g == nil {
		return false
	}
	v, err := g.Get()
	if err != nil {
		log.Printf("%s: input: %v", h.Config.Name, err)
		return false
	}
	return v != 0
}

// Close shuts down the valve head and releases the resources.
func (h *Head) Close() {
	if h.Motor != nil {
		h.Motor.Close()
	}
	if h.pwm != nil {
		h.pwm.Close()
	}
	for _, p := range h.pins {
		p.Close()
	}
	h.pins = nil
}

func ioDir(d Direction) io.Dir {
	switch d {
	case Opening:
		return io.Open
	case Closing:
		return io.Close
	default:
		return io.Stop
	}
}
