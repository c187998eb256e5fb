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

package report

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/aamcrae/trv/valve"
)

// Serial writes one line per report to a serial port, eg for a
// local display or a logging microcontroller.
// Errors are prefixed with '!', warnings with '?'.
type Serial struct {
	name string
	mu   sync.Mutex
	w    io.WriteCloser
}

// OpenSerial opens the serial device at the baud rate given.
func OpenSerial(name, dev string, baud int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(dev, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: serial %s", name, dev)
	}
	log.Printf("%s: reporting to %s at %d baud", name, dev, baud)
	return NewSerial(name, port), nil
}

// NewSerial creates a Serial reporter writing to w.
func NewSerial(name string, w io.WriteCloser) *Serial {
	return &Serial{name: name, w: w}
}

// Report implements valve.Reporter.
func (s *Serial) Report(c valve.Code) {
	prefix := '?'
	if c.IsError() {
		prefix = '!'
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "%c%s %d %s\r\n", prefix, s.name, c, c); err != nil {
		log.Printf("%s: serial report: %v", s.name, err)
	}
}

// Close closes the serial port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
