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

// Radiator valve controller program

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aamcrae/config"

	"github.com/aamcrae/trv/report"
	"github.com/aamcrae/trv/valve"
)

var configFile = flag.String("config", "trv.conf", "Configuration file")
var valves = flag.String("valves", "valve", "Comma separated list of valves to run")
var port = flag.Int("port", 8080, "Web server port number, 0 to disable")

func main() {
	flag.Parse()
	conf, err := config.ParseFile(*configFile)
	if err != nil {
		log.Fatalf("%s: %v", *configFile, err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var ctl []*valve.Controller
	done := make(chan struct{})
	var running int
	for _, name := range strings.Split(*valves, ",") {
		hc, err := valve.ReadConfig(conf, name)
		if err != nil {
			log.Fatalf("%s: %v", *configFile, err)
		}
		reporters := report.Multi{report.Log(name)}
		if hc.Serial != "" {
			s, err := report.OpenSerial(name, hc.Serial, hc.Baud)
			if err != nil {
				log.Fatalf("%v", err)
			}
			defer s.Close()
			reporters = append(reporters, s)
		}
		h, err := valve.NewHead(hc, valve.WithReporter(reporters))
		if err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		defer h.Close()
		ctl = append(ctl, h.Controller)
		running++
		go func() {
			h.Run(ctx)
			done <- struct{}{}
		}()
	}
	if *port != 0 {
		go func() {
			log.Fatal(valve.NewStatusServer(ctl...).ListenAndServe(*port))
		}()
	}
	for ; running > 0; running-- {
		<-done
	}
	log.Printf("Shutting down")
}
