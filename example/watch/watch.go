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

// Program to demonstrate watching an input such as the shaft mark sensor

package main

import (
	"flag"
	"log"
	"time"

	gpio "github.com/aamcrae/gpio"
)

var pin = flag.Int("gpio", 19, "GPIO pin to watch")
var interval = flag.Duration("interval", time.Millisecond, "Sampling interval")

func main() {
	flag.Parse()
	p, err := gpio.Pin(*pin)
	if err != nil {
		log.Fatalf("Pin %d: %v", *pin, err)
	}
	defer p.Close()
	last := -1
	for {
		v, err := p.Get()
		if err != nil {
			log.Fatalf("Pin %d: Get: %v", *pin, err)
		}
		if v != last {
			log.Printf("pin %d = %d\n", *pin, v)
			last = v
		}
		time.Sleep(*interval)
	}
}
