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

// Calibration utility

package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aamcrae/config"

	"github.com/aamcrae/trv/io"
	"github.com/aamcrae/trv/valve"
)

var configFile = flag.String("config", "trv.conf", "Configuration file")
var section = flag.String("valve", "valve", "Valve to calibrate")

// maxRuns bounds a run to an end stop.
const maxRuns = 2000

type counter struct {
	ticks, marks int
}

func (c *counter) SignalHittingEndStop(bool)        {}
func (c *counter) SignalShaftEncoderMarkStart(bool) { c.marks++ }
func (c *counter) SignalRunSCTTick(bool)            { c.ticks++ }

func main() {
	flag.Parse()
	conf, err := config.ParseFile(*configFile)
	if err != nil {
		log.Fatalf("%s: %v", *configFile, err)
	}
	hc, err := valve.ReadConfig(conf, *section)
	if err != nil {
		log.Fatalf("%s: %v", *configFile, err)
	}
	h, err := valve.NewHead(hc)
	if err != nil {
		log.Fatalf("Valve: %s %v", *section, err)
	}
	defer h.Close()
	cfg := hc.Controller()
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Enter command ('help' for help) ")
		text, _ := reader.ReadString('\n')
		text = strings.TrimSpace(text)
		switch text {
		case "help":
			fmt.Println("  help - print help")
			fmt.Println("  o - run to open end stop")
			fmt.Println("  c - run to closed end stop")
			fmt.Println("  cal - measure full travel and compute calibration")
			fmt.Println("  [-]NNN run ticks, negative to close")
			fmt.Println("  s - show inputs")
			fmt.Println("  q - quit")
		case "q":
			return
		case "o", "c":
			c := toEndStop(h.Motor, cfg, text == "o")
			fmt.Printf("%d ticks, %d marks\n", c.ticks, c.marks)
		case "cal":
			toEndStop(h.Motor, cfg, true)
			closing := toEndStop(h.Motor, cfg, false)
			opening := toEndStop(h.Motor, cfg, true)
			cp := valve.NewCalibrationParameters()
			ok := cp.UpdateAndCompute(uint16(closing.ticks), uint16(opening.ticks), cfg.MinMotorDRTicks)
			fmt.Printf("Open->closed %d ticks (%d marks), closed->open %d ticks (%d marks)\n",
				closing.ticks, closing.marks, opening.ticks, opening.marks)
			fmt.Printf("Precision %d%%, ratio %d:%d, proportional %v\n",
				cp.ApproxPrecision(), cp.TfotcSmall(), cp.TfctoSmall(), ok)
		case "s":
			fmt.Printf("current %v, mark %v, low battery %v, ticks %d, stalls %d\n",
				h.Motor.IsCurrentHigh(), h.Motor.IsOnMark(), h.IsSupplyVoltageLow(),
				h.Motor.Ticks(), h.Motor.Stalls())
		default:
			var ticks int
			n, err := fmt.Sscanf(text, "%d", &ticks)
			if err != nil || n != 1 || ticks < -255 || ticks > 255 {
				fmt.Printf("Unrecognised input\n")
				break
			}
			dir := io.Open
			if ticks < 0 {
				dir = io.Close
				ticks = -ticks
			}
			var c counter
			stalled := h.Motor.Run(uint8(ticks), dir, &c)
			fmt.Printf("Ran %d ticks, stalled %v\n", c.ticks, stalled)
		}
	}
}

// toEndStop runs dead-reckoning pulses until the end stop is confirmed.
func toEndStop(m *io.Motor, cfg valve.Config, open bool) *counter {
	dir := io.Close
	if open {
		dir = io.Open
	}
	c := new(counter)
	es := valve.NewEndStopConfirmation(cfg.EndStopHits + 1)
	for i := 0; i < maxRuns; i++ {
		if es.Observe(open, m.Run(cfg.MinMotorDRTicks, dir, c)) {
			return c
		}
	}
	log.Printf("No end stop after %d runs", maxRuns)
	return c
}
