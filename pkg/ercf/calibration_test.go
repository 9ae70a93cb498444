// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReferenceFromSamples(t *testing.T) {
	passes := []CalibrationPass{
		{Measured: 700, Spring: 2},
		{Measured: 702, Spring: 2},
		{Measured: 698, Spring: 2},
	}
	ref, clog, n := referenceFromSamples(passes, 1.0)
	assert.InDelta(t, 698, ref, 1e-9)
	assert.InDelta(t, 6, clog, 1e-9)
	assert.Equal(t, 3, n)

	// Passes that did not spring back are not usable
	passes = append(passes, CalibrationPass{Measured: 400})
	ref, _, n = referenceFromSamples(passes, 0.5)
	assert.InDelta(t, 699, ref, 1e-9)
	assert.Equal(t, 3, n)

	_, _, n = referenceFromSamples([]CalibrationPass{{Measured: 600}}, 1.0)
	assert.Zero(t, n)
}

func TestSampleStats(t *testing.T) {
	st := sampleStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5, st.Mean, 1e-9)
	assert.InDelta(t, 2.138, st.Stdev, 1e-3)
	assert.Equal(t, 2.0, st.Min)
	assert.Equal(t, 9.0, st.Max)
	assert.Equal(t, 7.0, st.Range)
	assert.Equal(t, "mean=5.00 stdev=2.14 min=2 max=9 range=7", st.String())

	assert.Equal(t, SampleStats{}, sampleStats(nil))
	assert.Zero(t, sampleStats([]float64{3}).Stdev)
}

func TestRejectOutliers(t *testing.T) {
	for _, n := range []int{3, 5, 10} {
		t.Run(fmt.Sprintf("%d passes", n), func(t *testing.T) {
			values := make([]float64, 0, n)
			for i := 0; i < n-1; i++ {
				values = append(values, 1000+float64(i%3))
			}
			values = append(values, 5000)
			kept := rejectOutliers(values, outlierSigmas)
			assert.Len(t, kept, n-1)
			assert.NotContains(t, kept, 5000.0)
		})
	}

	// Identical readings leave only the floor around the median
	kept := rejectOutliers([]float64{1000, 1000, 1000, 1005, 1200}, outlierSigmas)
	assert.Equal(t, []float64{1000, 1000, 1000, 1005}, kept)

	// Ordinary scatter survives
	spread := []float64{980, 1000, 1020, 995, 1010}
	assert.Equal(t, spread, rejectOutliers(spread, outlierSigmas))

	few := []float64{100, 200}
	assert.Equal(t, few, rejectOutliers(few, outlierSigmas))
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
}

func TestCalibrationRatio(t *testing.T) {
	c := Calibration{Ratios: map[int]float64{0: 0.98, 1: 1.3, 2: 0}}
	r, ok := c.GateRatio(0)
	assert.True(t, ok)
	assert.Equal(t, 0.98, r)
	for _, gate := range []int{1, 2} {
		r, ok = c.GateRatio(gate)
		assert.False(t, ok)
		assert.Equal(t, 1.0, r)
	}
	r, ok = c.GateRatio(5)
	assert.True(t, ok)
	assert.Equal(t, 1.0, r)

	assert.Equal(t, 5.0, Calibration{ClogLength: 2}.DetectionLength())
	assert.Equal(t, 12.0, Calibration{ClogLength: 12}.DetectionLength())
}
