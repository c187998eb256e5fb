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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndStopConfirmation(t *testing.T) {
	e := NewEndStopConfirmation(DefaultEndStopHits)
	assert.Equal(t, uint8(4), e.Threshold())
	for i := 0; i < 3; i++ {
		assert.False(t, e.Observe(false, true), "hit %d", i+1)
	}
	assert.Equal(t, uint8(3), e.Count())
	assert.True(t, e.Observe(false, true))
	assert.Equal(t, uint8(0), e.Count(), "count cleared after confirmation")
}

func TestEndStopFreeRunResets(t *testing.T) {
	e := NewEndStopConfirmation(4)
	for i := 0; i < 3; i++ {
		e.Observe(true, true)
	}
	assert.False(t, e.Observe(true, false))
	assert.Equal(t, uint8(0), e.Count())
	for i := 0; i < 3; i++ {
		assert.False(t, e.Observe(true, true))
	}
	assert.True(t, e.Observe(true, true))
}

func TestEndStopDirectionChangeResets(t *testing.T) {
	e := NewEndStopConfirmation(4)
	for i := 0; i < 3; i++ {
		e.Observe(true, true)
	}
	assert.False(t, e.Observe(false, true))
	assert.Equal(t, uint8(1), e.Count())
	e.Reset()
	assert.Equal(t, uint8(0), e.Count())
}

func TestEndStopZeroThreshold(t *testing.T) {
	e := NewEndStopConfirmation(0)
	assert.Equal(t, uint8(1), e.Threshold())
	assert.True(t, e.Observe(false, true))
}
