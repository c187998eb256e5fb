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

package io

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

const (
	pwmBaseDir      = "/sys/class/pwm/pwmchip0/"
	pwmExportFile   = pwmBaseDir + "export"
	pwmUnexportFile = pwmBaseDir + "unexport"
	periodFile      = "/period"
	dutyFile        = "/duty_cycle"
	enableFile      = "/enable"
)

// DefaultPwmPeriod suits most small H-bridge drivers.
const DefaultPwmPeriod = 50 * time.Microsecond

// Pwm is a hardware PWM output driving the enable input of the motor
// H-bridge, which sets the drive strength of the motor.
// Lower drive strengths reduce noise and make stalls easier to detect.
type Pwm struct {
	unit   int
	base   string
	pFile  *os.File
	dFile  *os.File
	period int64
	duty   int64
	pc     int
}

// NewPwm exports and opens a hardware PWM unit, initially disabled.
func NewPwm(unit int, period time.Duration, duty int) (*Pwm, error) {
	p := new(Pwm)
	p.unit = unit
	p.base = fmt.Sprintf("%spwm%d", pwmBaseDir, unit)
	p.period = -1
	p.duty = -1
	pName := p.base + periodFile
	if err := export(pName, pwmExportFile, unit); err != nil {
		return nil, err
	}
	var err error
	p.pFile, err = os.OpenFile(pName, os.O_RDWR, 0600)
	if err != nil {
		unexport(pwmUnexportFile, unit)
		return nil, errors.Wrapf(err, "pwm%d", unit)
	}
	dName := p.base + dutyFile
	if err = verifyFile(dName); err == nil {
		p.dFile, err = os.OpenFile(dName, os.O_RDWR, 0600)
	}
	if err == nil {
		err = p.Set(period, duty)
	}
	if err != nil {
		p.close()
		return nil, errors.Wrapf(err, "pwm%d", unit)
	}
	return p, nil
}

// Enable starts or stops the PWM output.
func (p *Pwm) Enable(on bool) error {
	s := "0"
	if on {
		s = "1"
	}
	return writeFile(p.base+enableFile, s)
}

// Duty returns the duty cycle percentage.
func (p *Pwm) Duty() int {
	return p.pc
}

// Close disables the PWM output and releases the unit.
func (p *Pwm) Close() {
	p.Enable(false)
	p.close()
}

func (p *Pwm) close() {
	if p.pFile != nil {
		p.pFile.Close()
	}
	if p.dFile != nil {
		p.dFile.Close()
	}
	unexport(pwmUnexportFile, p.unit)
}

// Set sets the period and duty cycle percentage.
func (p *Pwm) Set(period time.Duration, duty int) error {
	if duty < 0 || duty > 100 {
		return errors.Errorf("%d: invalid duty cycle percentage", duty)
	}
	pNano := period.Nanoseconds()
	if pNano < 15 {
		return errors.New("invalid period")
	}
	dNano := pNano * int64(duty) / 100
	// The duty cycle must never be greater than the current period,
	// so the order of writing is important.
	if dNano > p.period {
		if err := p.write(p.pFile, pNano); err != nil {
			return err
		}
		if err := p.write(p.dFile, dNano); err != nil {
			return err
		}
	} else {
		if dNano != p.duty {
			if err := p.write(p.dFile, dNano); err != nil {
				return err
			}
		}
		if pNano != p.period {
			if err := p.write(p.pFile, pNano); err != nil {
				return err
			}
		}
	}
	p.period = pNano
	p.duty = dNano
	p.pc = duty
	return nil
}

func (p *Pwm) write(f *os.File, v int64) error {
	_, err := f.WriteAt([]byte(fmt.Sprintf("%d", v)), 0)
	return err
}
