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

// Program to demonstrate running the valve motor until it stalls

package main

import (
	"flag"
	"log"
	"time"

	gpio "github.com/aamcrae/gpio"

	"github.com/aamcrae/trv/io"
)

var openPin = flag.Int("open", 5, "GPIO pin driving the motor open")
var closePin = flag.Int("close", 6, "GPIO pin driving the motor closed")
var current = flag.Int("current", 13, "GPIO pin of the current sense")
var tick = flag.Duration("tick", 7812500*time.Nanosecond, "Tick duration")
var runs = flag.Int("runs", 10, "Number of runs each way")

type listener struct{}

func (listener) SignalHittingEndStop(opening bool) {
	log.Printf("stall, opening %v", opening)
}

func (listener) SignalShaftEncoderMarkStart(opening bool) {}
func (listener) SignalRunSCTTick(opening bool)            {}

func main() {
	flag.Parse()
	po, err := gpio.OutputPin(*openPin)
	if err != nil {
		log.Fatalf("Pin %d: %v", *openPin, err)
	}
	defer po.Close()
	pc, err := gpio.OutputPin(*closePin)
	if err != nil {
		log.Fatalf("Pin %d: %v", *closePin, err)
	}
	defer pc.Close()
	cur, err := gpio.Pin(*current)
	if err != nil {
		log.Fatalf("Pin %d: %v", *current, err)
	}
	defer cur.Close()
	m := io.NewMotor(*tick, po, pc, cur)
	defer m.Close()
	for _, dir := range []io.Dir{io.Open, io.Close} {
		for i := 0; i < *runs; i++ {
			m.Run(io.RunupTicks*8, dir, listener{})
			time.Sleep(100 * time.Millisecond)
		}
	}
	log.Printf("%d ticks, %d stalls", m.Ticks(), m.Stalls())
}
