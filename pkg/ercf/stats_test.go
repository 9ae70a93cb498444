// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGateStatsOutcomes(t *testing.T) {
	s := NewStats(2)
	s.TrackLoad(0, 2*time.Second, true)
	s.TrackLoad(0, time.Second, false)
	s.TrackUnload(0, time.Second, true)

	g := s.Gate(0)
	assert.Equal(t, 2, g.Loads)
	assert.Equal(t, 1, g.LoadFailures)
	assert.Equal(t, 1, g.LoadSuccesses())
	assert.Equal(t, 1, g.UnloadSuccesses())
	assert.Equal(t, 3, g.Outcomes)
	// 1, then 0.8*1, then 0.8*0.8+0.2
	assert.InDelta(t, 0.84, g.SuccessEWMA, 1e-9)
	assert.InDelta(t, 3, s.Swap().TimeSpentLoading, 1e-9)

	assert.Equal(t, GateStats{}, s.Gate(5))
}

func TestGateQuality(t *testing.T) {
	for _, tc := range []struct {
		delta float64
		want  Quality
	}{
		{1, QualityGood},
		{3, QualityMarginal},
		{5, QualityDegraded},
		{8, QualityPoor},
		{20, QualityTerrible},
	} {
		g := GateStats{LoadDistance: 100, LoadDelta: tc.delta}
		assert.Equal(t, tc.want, g.Quality(), "delta %v", tc.delta)
	}
	assert.Equal(t, "Poor", QualityPoor.String())
	assert.InDelta(t, 0.95, GateStats{LoadDistance: 100, LoadDelta: 5}.Score(), 1e-9)
}

func TestTrackMove(t *testing.T) {
	s := NewStats(1)
	s.TrackMove(0, 300.1234, 1.5, 8)
	s.TrackMove(0, -280, 0.5, 8)
	g := s.Gate(0)
	assert.Equal(t, 300.123, g.LoadDistance)
	assert.Equal(t, 1.5, g.LoadDelta)
	assert.Equal(t, 280.0, g.UnloadDistance)
	assert.Equal(t, 0.5, g.UnloadDelta)
	assert.Zero(t, g.SlipEvents)
}

func TestSlipEvents(t *testing.T) {
	s := NewStats(2)
	s.TrackMove(0, 300, 8, 8)
	s.TrackMove(0, 300, 12.5, 8)
	s.TrackMove(0, -300, -9, 8)
	s.TrackMove(0, 300, 7.9, 8)
	s.TrackMove(1, 300, 50, 0)

	g := s.Gate(0)
	assert.Equal(t, 3, g.SlipEvents)
	assert.InDelta(t, 28.4, g.LoadDelta, 1e-9)
	assert.Zero(t, s.Gate(1).SlipEvents)
	assert.Contains(t, s.GateReport(true), "Gate #0: Load: (monitored: 900.0mm slippage: 3.2%); Unload: (monitored: 300.0mm slippage: -3.0%); Slip events: 3")

	s.Reset()
	assert.Zero(t, s.Gate(0).SlipEvents)
}

func TestPauseTime(t *testing.T) {
	s := NewStats(1)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.TrackPauseStart(0)
	now = now.Add(90 * time.Second)
	s.TrackPauseEnd()
	s.TrackPauseEnd()

	assert.Equal(t, 1, s.Swap().TotalPauses)
	assert.Equal(t, 1, s.Gate(0).Pauses)
	assert.InDelta(t, 90, s.Swap().TimeSpentPaused, 1e-9)
	assert.Contains(t, s.SwapReport(), "1 minutes 30 seconds spent paused (1 pauses total)")
}

func TestDiagnosis(t *testing.T) {
	s := NewStats(3)
	assert.Empty(t, s.Diagnosis())

	s.TrackMove(0, 100, 0.5, 8)
	s.TrackMove(1, 100, 8, 8)
	s.TrackMove(2, 100, 0.5, 8)
	assert.Equal(t, "localized to gate 1", s.Diagnosis())

	s.TrackMove(0, 1, 10, 8)
	s.TrackMove(2, 1, 10, 8)
	assert.Contains(t, s.Diagnosis(), "systemic")

	s.Reset()
	assert.Empty(t, s.Diagnosis())
}

func TestSecondsToHuman(t *testing.T) {
	assert.Equal(t, "42 seconds", secondsToHuman(42))
	assert.Equal(t, "2 minutes 5 seconds", secondsToHuman(125))
	assert.Equal(t, "1 hours 0 minutes 1 seconds", secondsToHuman(3601))
}
