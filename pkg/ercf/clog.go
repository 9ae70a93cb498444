// Encoder based clog and runout detection
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"sync"
)

// ClogMode selects how the detection length is maintained.
type ClogMode int

const (
	// ClogStatic uses the calibrated detection length.
	ClogStatic ClogMode = iota
	// ClogAutomatic tunes the length from the observed encoder gaps.
	ClogAutomatic
)

const (
	minDetectionLength = 5.0
	autotuneSamples    = 10
	autotuneMargin     = 3.0
)

// ClogDetector watches extruder travel against encoder movement. When
// the extruder advances by the detection length without the encoder
// moving, the filament is considered stuck or run out.
type ClogDetector struct {
	mu              sync.Mutex
	enabled         bool
	mode            ClogMode
	detectionLength float64
	calibrated      float64

	lastEncoder   float64
	lastMovement  float64 // extruder position at the last encoder movement
	runoutPos     float64
	minHeadroom   float64
	gaps          []float64
	triggeredOnce bool
}

// NewClogDetector creates a disabled detector.
func NewClogDetector(detectionLength float64, mode ClogMode) *ClogDetector {
	l := max(detectionLength, minDetectionLength)
	return &ClogDetector{mode: mode, detectionLength: l, calibrated: l}
}

// SetDetectionLength replaces the calibrated length.
func (d *ClogDetector) SetDetectionLength(mm float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calibrated = max(mm, minDetectionLength)
	d.detectionLength = d.calibrated
	d.runoutPos = d.lastMovement + d.detectionLength
}

// DetectionLength returns the active length.
func (d *ClogDetector) DetectionLength() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detectionLength
}

// Enable arms detection from the given extruder and encoder positions.
func (d *ClogDetector) Enable(extruderPos, encoderPos float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = true
	d.triggeredOnce = false
	d.lastEncoder = encoderPos
	d.lastMovement = extruderPos
	d.runoutPos = extruderPos + d.detectionLength
	d.minHeadroom = d.detectionLength
}

// Disable stops detection.
func (d *ClogDetector) Disable() {
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()
}

// Enabled reports whether detection is armed.
func (d *ClogDetector) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Headroom is how much extruder travel remains before a trigger.
func (d *ClogDetector) Headroom(extruderPos float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runoutPos - extruderPos
}

// MinHeadroom is the smallest headroom seen since Enable.
func (d *ClogDetector) MinHeadroom() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minHeadroom
}

// Update feeds the current positions and reports a trigger. A trigger
// disables the detector until it is enabled again.
func (d *ClogDetector) Update(extruderPos, encoderPos float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		return false
	}
	if encoderPos != d.lastEncoder {
		if d.mode == ClogAutomatic {
			d.recordGap(extruderPos - d.lastMovement)
		}
		d.lastEncoder = encoderPos
		d.lastMovement = extruderPos
		d.runoutPos = extruderPos + d.detectionLength
	}
	headroom := d.runoutPos - extruderPos
	if headroom < d.minHeadroom {
		d.minHeadroom = headroom
	}
	if extruderPos >= d.runoutPos {
		d.enabled = false
		d.triggeredOnce = true
		return true
	}
	return false
}

// recordGap averages the extruder travel between encoder movements and
// keeps the detection length a safe multiple of it.
func (d *ClogDetector) recordGap(gap float64) {
	if gap <= 0 {
		return
	}
	d.gaps = append(d.gaps, gap)
	if len(d.gaps) > autotuneSamples {
		d.gaps = d.gaps[len(d.gaps)-autotuneSamples:]
	}
	if len(d.gaps) < autotuneSamples {
		return
	}
	sum := 0.0
	for _, g := range d.gaps {
		sum += g
	}
	d.detectionLength = max(sum/float64(len(d.gaps))*autotuneMargin, minDetectionLength, d.calibrated)
}
