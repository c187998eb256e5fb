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

// Simulator valve program

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/aamcrae/trv/report"
	"github.com/aamcrae/trv/sim"
	"github.com/aamcrae/trv/valve"
)

// SimValve runs a controller against a simulated valve base.
type SimValve struct {
	base   *sim.Base
	valve  *valve.Controller
	latest report.Latest
}

var params = []struct {
	name     string
	toClosed uint16 // Ticks from open to closed
	toOpen   uint16 // Ticks from closed to open
	marks    int
	mode     valve.Mode
}{
	{"lounge", 1000, 1000, 0, valve.Proportional},
	{"bedroom", 1400, 1100, 12, valve.Proportional},
	{"hall", 160, 170, 0, valve.Proportional},
	{"kitchen", 900, 900, 0, valve.BinaryOnly},
}

var port = flag.Int("port", 8080, "Web server port number")
var speed = flag.Duration("poll", 20*time.Millisecond, "Simulated poll interval")
var stalls = flag.Int("stalls", 200, "Average polls between spurious stalls, 0 for none")

func main() {
	flag.Parse()
	var valves []*SimValve
	var ctl []*valve.Controller
	for _, p := range params {
		s := newSim(p.name, p.toClosed, p.toOpen, p.marks, p.mode)
		valves = append(valves, s)
		ctl = append(ctl, s.valve)
	}
	go valve.NewStatusServer(ctl...).ListenAndServe(*port)
	ctx := context.Background()
	ticker := time.NewTicker(*speed)
	defer ticker.Stop()
	for n := 1; ; n++ {
		for i, s := range valves {
			s.poll(n, i)
		}
		if n%100 == 0 {
			for _, s := range valves {
				s.print()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newSim(name string, toClosed, toOpen uint16, marks int, mode valve.Mode) *SimValve {
	s := new(SimValve)
	s.base = sim.New(toClosed, toOpen)
	s.base.SetMarks(marks)
	cfg := valve.DefaultConfig()
	cfg.Name = name
	cfg.Mode = mode
	cfg.InitialRetractPolls = 5
	s.valve = valve.New(cfg, s.base, s.base.SubCycleTime,
		valve.WithReporter(report.Multi{&s.latest, report.Log(name)}),
		valve.WithBatteryMonitor(s.base),
		valve.WithMinimiseActivity(s.base.IsDark))
	return s
}

// poll runs one cycle, fitting the valve as soon as it is ready and
// moving the target around once running.
func (s *SimValve) poll(n, index int) {
	if s.valve.IsWaitingForValveToBeFitted() {
		s.valve.SignalValveFitted()
	}
	if *stalls > 0 && (n+index*37)%*stalls == 0 {
		s.base.InjectStalls(1)
	}
	if s.valve.IsInNormalRunState() && n%300 == 0 {
		s.valve.SetTargetPercent(uint8((n/300*37 + index*13) % 101))
	}
	s.base.NewCycle()
	s.valve.Poll()
	s.latest.Read()
}

func (s *SimValve) print() {
	cp := s.valve.CalibrationParameters()
	fmt.Printf("%-8s %-20s current %3d%% (actual %3d%%) target %3d%% precision %3d%% marks %d report %s\n",
		s.valve.Name(), s.valve.State(), s.valve.CurrentPercent(), s.base.Percent(),
		s.valve.TargetPercent(), cp.ApproxPrecision(), s.valve.Marks(), s.latest.Get())
}
