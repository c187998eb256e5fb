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

// Package report provides sinks for valve warnings and errors.

package report

import (
	"log"
	"sync/atomic"

	"github.com/aamcrae/trv/valve"
)

// DefaultTimeout is the number of reads after which a report has aged.
const DefaultTimeout = 10

// Latest retains the most recent report, for inclusion in status output.
// Errors always replace the current report. Warnings (and None) only
// replace a report once it has aged, so that an error is not hidden
// by a later warning. Reports age by being read.
type Latest struct {
	value   atomic.Int32
	timeout atomic.Uint32
}

// Set stores the code, returning true if it was accepted.
func (l *Latest) Set(c valve.Code) bool {
	if c.IsError() || l.IsAged() {
		l.value.Store(int32(c))
		l.timeout.Store(DefaultTimeout)
		return true
	}
	return false
}

// Report implements valve.Reporter.
func (l *Latest) Report(c valve.Code) {
	l.Set(c)
}

// Get returns the latest report without aging it.
func (l *Latest) Get() valve.Code {
	return valve.Code(l.value.Load())
}

// Read ages the latest report and returns it.
func (l *Latest) Read() valve.Code {
	for {
		t := l.timeout.Load()
		if t == 0 || l.timeout.CompareAndSwap(t, t-1) {
			break
		}
	}
	return l.Get()
}

// IsAged returns true once the latest report has been read DefaultTimeout times.
func (l *Latest) IsAged() bool {
	return l.timeout.Load() == 0
}

// IsAvailable returns true if the latest report is still current.
func (l *Latest) IsAvailable() bool {
	return !l.IsAged()
}

// Log writes reports to the standard logger.
type Log string

// Report implements valve.Reporter.
func (n Log) Report(c valve.Code) {
	if c.IsError() {
		log.Printf("%s: !%s (%d)", string(n), c, c)
	} else {
		log.Printf("%s: warning %s (%d)", string(n), c, c)
	}
}

// Multi sends each report to all of its reporters.
type Multi []valve.Reporter

// Report implements valve.Reporter.
func (m Multi) Report(c valve.Code) {
	for _, r := range m {
		r.Report(c)
	}
}
