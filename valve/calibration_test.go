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
	"github.com/stretchr/testify/require"
)

func TestUpdateAndCompute(t *testing.T) {
	tests := []struct {
		name       string
		otc, cto   uint16
		minDR      uint8
		ok         bool
		precision  uint8
		tfotcSmall uint8
		tfctoSmall uint8
	}{
		{"balanced", 1000, 1000, 35, true, 4, 31, 31},
		{"asymmetric", 1200, 800, 35, true, 5, 18, 12},
		{"zero closing", 0, 1000, 35, false, BadPrecision, 0, 0},
		{"zero opening", 1000, 0, 35, false, BadPrecision, 0, 0},
		{"unbalanced", 1000, 400, 35, false, BadPrecision, 0, 0},
		{"too coarse", 200, 200, 35, false, BadPrecision, 25, 25},
		{"ratio too small", 1000, 1000, 10, false, BadPrecision, 7, 7},
		{"limit", 299, 299, 35, true, 14, 18, 18},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cp := NewCalibrationParameters()
			assert.Equal(t, tc.ok, cp.UpdateAndCompute(tc.otc, tc.cto, tc.minDR))
			assert.Equal(t, tc.precision, cp.ApproxPrecision())
			assert.Equal(t, !tc.ok, cp.CannotRunProportional())
			assert.Equal(t, tc.tfotcSmall, cp.TfotcSmall())
			assert.Equal(t, tc.tfctoSmall, cp.TfctoSmall())
			assert.Equal(t, tc.otc, cp.TicksOpenToClosed())
			assert.Equal(t, tc.cto, cp.TicksClosedToOpen())
		})
	}
}

func TestUncalibrated(t *testing.T) {
	cp := NewCalibrationParameters()
	assert.True(t, cp.CannotRunProportional())
}

func TestComputePositionEndpoints(t *testing.T) {
	for _, ticks := range [][2]uint16{{1000, 1000}, {1200, 800}, {300, 290}, {5000, 6000}} {
		cp := NewCalibrationParameters()
		require.True(t, cp.UpdateAndCompute(ticks[0], ticks[1], 35), "%v", ticks)
		pc, _, _ := cp.ComputePosition(0, 0)
		assert.Equal(t, uint8(100), pc)
		pc, _, _ = cp.ComputePosition(ticks[0], 0)
		assert.Equal(t, uint8(0), pc)
		pc, _, _ = cp.ComputePosition(ticks[0]+100, 0)
		assert.Equal(t, uint8(0), pc)
	}
}

func TestComputePositionMonotonic(t *testing.T) {
	cp := NewCalibrationParameters()
	require.True(t, cp.UpdateAndCompute(1000, 900, 35))
	for _, reverse := range []uint16{0, 10, 100} {
		last := uint8(100)
		for from := uint16(0); from <= 1100; from++ {
			pc, _, _ := cp.ComputePosition(from, reverse)
			require.LessOrEqual(t, pc, last, "from %d reverse %d", from, reverse)
			last = pc
		}
	}
}

func TestComputePositionReverse(t *testing.T) {
	cp := NewCalibrationParameters()
	require.True(t, cp.UpdateAndCompute(1000, 1000, 35))
	pc, from, rev := cp.ComputePosition(500, 0)
	assert.Equal(t, uint8(50), pc)
	assert.Equal(t, uint16(500), from)
	assert.Equal(t, uint16(0), rev)
	// One block of reverse ticks is backed out, leaving the remainder.
	pc, from, rev = cp.ComputePosition(500, 40)
	assert.Equal(t, uint16(469), from)
	assert.Equal(t, uint16(9), rev)
	assert.Equal(t, uint8(53), pc)
	// Reverse travel cannot take the position beyond fully open.
	pc, from, rev = cp.ComputePosition(10, 70)
	assert.Equal(t, uint8(100), pc)
	assert.Equal(t, uint16(0), from)
	assert.Equal(t, uint16(8), rev)
}
