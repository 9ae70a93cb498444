// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClogDetectorStatic(t *testing.T) {
	d := NewClogDetector(10, ClogStatic)
	assert.False(t, d.Update(100, 0), "disabled")

	d.Enable(0, 0)
	assert.True(t, d.Enabled())
	assert.False(t, d.Update(9, 0))
	assert.InDelta(t, 1, d.Headroom(9), 1e-9)

	// Encoder movement re-arms from the current extruder position
	assert.False(t, d.Update(15, 3))
	assert.InDelta(t, 10, d.Headroom(15), 1e-9)
	assert.False(t, d.Update(24, 3))
	assert.True(t, d.Update(25, 3))
	assert.False(t, d.Enabled())
	assert.Zero(t, d.MinHeadroom())
}

func TestClogDetectorMinimumLength(t *testing.T) {
	d := NewClogDetector(1, ClogStatic)
	assert.Equal(t, minDetectionLength, d.DetectionLength())
	d.SetDetectionLength(18)
	assert.Equal(t, 18.0, d.DetectionLength())
}

func TestClogDetectorAutomatic(t *testing.T) {
	d := NewClogDetector(5, ClogAutomatic)
	d.Enable(0, 0)
	encoder := 0.0
	for i := 1; i <= autotuneSamples; i++ {
		encoder++
		assert.False(t, d.Update(float64(i)*4, encoder))
	}
	// Ten gaps of 4mm give a length of 12mm
	assert.InDelta(t, 12, d.DetectionLength(), 1e-9)
	assert.False(t, d.Update(40+11, encoder))
	assert.True(t, d.Update(40+12, encoder))
}
