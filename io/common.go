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

// Package io provides the Linux hardware for a valve motor.

package io

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Setter is an interface for setting an output value on a GPIO
type Setter interface {
	Set(int) error
}

// Getter is an interface for reading the level of an input GPIO.
type Getter interface {
	Get() (int, error)
}

const verifyTimeout = 2 * time.Second

// Verify will enable waiting for exported files to become writable.
// This is necessary if the process is not running as root - systemd
// and udev will change the group permissions on the exported files, but
// this takes some time to do.
var Verify = false

func init() {
	// If the user is not root, enable Verify mode
	u, err := user.Current()
	if err == nil && u.Uid != "0" {
		Verify = true
	}
}

// unexport writes a unit number to an unexport file.
func unexport(f string, unit int) error {
	return writeFile(f, fmt.Sprintf("%d", unit))
}

// export writes a unit number to an export file unless the
// unit's file f is already accessible, and then optionally waits
// for f to become writable.
func export(f, expfile string, unit int) error {
	if unix.Access(f, unix.W_OK|unix.R_OK) == nil {
		return nil
	}
	if err := writeFile(expfile, fmt.Sprintf("%d", unit)); err != nil {
		return errors.Wrapf(err, "export %d", unit)
	}
	if Verify {
		return verifyFile(f)
	}
	return nil
}

// Write a string to a file.
func writeFile(fname, s string) error {
	f, err := os.OpenFile(fname, os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(s))
	return err
}

// Wait for file to become writable.
func verifyFile(f string) error {
	sl := time.Millisecond
	for tout := time.Duration(0); tout < verifyTimeout; tout += sl {
		if unix.Access(f, unix.W_OK) == nil {
			return nil
		}
		time.Sleep(sl)
	}
	return errors.Errorf("%s: not writable", f)
}
