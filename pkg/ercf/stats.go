// Swap and per gate statistics
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// successDecay is the weight kept by the previous success average when a
// new outcome is recorded.
const successDecay = 0.8

// GateStats are the counters kept per gate. The JSON names are the
// persisted ercf_statistics_gate_<n> keys.
type GateStats struct {
	Pauses         int     `json:"pauses"`
	Loads          int     `json:"loads"`
	LoadDistance   float64 `json:"load_distance"`
	LoadDelta      float64 `json:"load_delta"`
	Unloads        int     `json:"unloads"`
	UnloadDistance float64 `json:"unload_distance"`
	UnloadDelta    float64 `json:"unload_delta"`
	SlipEvents     int     `json:"slip_events"`
	ServoRetries   int     `json:"servo_retries"`
	LoadFailures   int     `json:"load_failures"`
	UnloadFailures int     `json:"unload_failures"`
	SuccessEWMA    float64 `json:"success_ewma"`
	Outcomes       int     `json:"outcomes"`
}

// LoadSuccesses is attempts minus failures.
func (g GateStats) LoadSuccesses() int { return max(g.Loads-g.LoadFailures, 0) }

// UnloadSuccesses is attempts minus failures.
func (g GateStats) UnloadSuccesses() int { return max(g.Unloads-g.UnloadFailures, 0) }

// LoadSlip is the load delta as a percentage of the monitored distance.
func (g GateStats) LoadSlip() float64 {
	if g.LoadDistance == 0 {
		return 0
	}
	return g.LoadDelta / g.LoadDistance * 100
}

// UnloadSlip is the unload delta as a percentage of the monitored distance.
func (g GateStats) UnloadSlip() float64 {
	if g.UnloadDistance == 0 {
		return 0
	}
	return g.UnloadDelta / g.UnloadDistance * 100
}

// Grade is the combined slip percentage.
func (g GateStats) Grade() float64 {
	return g.LoadSlip() + g.UnloadSlip()
}

// Quality is the reliability grading of a gate.
type Quality int

const (
	QualityGood Quality = iota
	QualityMarginal
	QualityDegraded
	QualityPoor
	QualityTerrible
)

func (q Quality) String() string {
	return [...]string{"Good", "Marginal", "Degraded", "Poor", "Terrible"}[q]
}

// Quality grades the gate from its slip.
func (g GateStats) Quality() Quality {
	grade := g.Grade()
	switch {
	case grade < 2:
		return QualityGood
	case grade < 4:
		return QualityMarginal
	case grade < 6:
		return QualityDegraded
	case grade < 10:
		return QualityPoor
	}
	return QualityTerrible
}

// hasData reports whether anything was recorded for the gate.
func (g GateStats) hasData() bool {
	return g.LoadDistance > 0 || g.UnloadDistance > 0 || g.Outcomes > 0
}

// Score is the recency weighted success rate scaled by the slip grade,
// in the range 0..1.
func (g GateStats) Score() float64 {
	rate := 1.0
	if g.Outcomes > 0 {
		rate = g.SuccessEWMA
	}
	return rate * (1 - math.Min(math.Max(g.Grade(), 0), 100)/100)
}

// SwapStats are the totals persisted as ercf_statistics_swaps.
type SwapStats struct {
	TotalSwaps         int     `json:"total_swaps"`
	TimeSpentLoading   float64 `json:"time_spent_loading"`
	TimeSpentUnloading float64 `json:"time_spent_unloading"`
	TotalPauses        int     `json:"total_pauses"`
	TimeSpentPaused    float64 `json:"time_spent_paused"`
}

// Stats tracks swap totals and per gate counters. It only observes the
// sequencer and never fails an operation.
type Stats struct {
	mu         sync.Mutex
	swap       SwapStats
	gates      []GateStats
	pauseStart time.Time
	now        func() time.Time
}

// NewStats creates empty statistics for n gates.
func NewStats(n int) *Stats {
	return &Stats{gates: make([]GateStats, n), now: time.Now}
}

// Reset clears all statistics.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swap = SwapStats{}
	s.gates = make([]GateStats, len(s.gates))
	s.pauseStart = time.Time{}
}

// Restore replaces the statistics with persisted values.
func (s *Stats) Restore(swap SwapStats, gates map[int]GateStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swap = swap
	for gate, g := range gates {
		if gate >= 0 && gate < len(s.gates) {
			s.gates[gate] = g
		}
	}
}

// Swap returns the swap totals.
func (s *Stats) Swap() SwapStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swap
}

// Gate returns a copy of the counters of one gate.
func (s *Stats) Gate(gate int) GateStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gate < 0 || gate >= len(s.gates) {
		return GateStats{}
	}
	return s.gates[gate]
}

// Gates returns a copy of all gate counters.
func (s *Stats) Gates() []GateStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]GateStats(nil), s.gates...)
}

func (s *Stats) update(gate int, fn func(*GateStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gate >= 0 && gate < len(s.gates) {
		fn(&s.gates[gate])
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// TrackMove records a monitored gear move. A delta of at least tolerance
// either way counts as a slippage event.
func (s *Stats) TrackMove(gate int, distance, delta, tolerance float64) {
	s.update(gate, func(g *GateStats) {
		if tolerance > 0 && math.Abs(delta) >= tolerance {
			g.SlipEvents++
		}
		if distance > 0 {
			g.LoadDistance = round3(g.LoadDistance + distance)
			g.LoadDelta = round3(g.LoadDelta + delta)
		} else {
			g.UnloadDistance = round3(g.UnloadDistance - distance)
			g.UnloadDelta = round3(g.UnloadDelta + delta)
		}
	})
}

// TrackServoRetry counts a servo re-seat.
func (s *Stats) TrackServoRetry(gate int) {
	s.update(gate, func(g *GateStats) { g.ServoRetries++ })
}

func (g *GateStats) recordOutcome(ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	if g.Outcomes == 0 {
		g.SuccessEWMA = v
	} else {
		g.SuccessEWMA = successDecay*g.SuccessEWMA + (1-successDecay)*v
	}
	g.Outcomes++
}

// TrackLoad records a finished load attempt and its duration.
func (s *Stats) TrackLoad(gate int, d time.Duration, ok bool) {
	s.mu.Lock()
	s.swap.TimeSpentLoading += d.Seconds()
	s.mu.Unlock()
	s.update(gate, func(g *GateStats) {
		g.Loads++
		if !ok {
			g.LoadFailures++
		}
		g.recordOutcome(ok)
	})
}

// TrackUnload records a finished unload attempt and its duration.
func (s *Stats) TrackUnload(gate int, d time.Duration, ok bool) {
	s.mu.Lock()
	s.swap.TimeSpentUnloading += d.Seconds()
	s.mu.Unlock()
	s.update(gate, func(g *GateStats) {
		g.Unloads++
		if !ok {
			g.UnloadFailures++
		}
		g.recordOutcome(ok)
	})
}

// TrackSwap counts a completed tool change.
func (s *Stats) TrackSwap() {
	s.mu.Lock()
	s.swap.TotalSwaps++
	s.mu.Unlock()
}

// TrackPauseStart counts a pause against the active gate.
func (s *Stats) TrackPauseStart(gate int) {
	s.mu.Lock()
	s.swap.TotalPauses++
	s.pauseStart = s.now()
	s.mu.Unlock()
	s.update(gate, func(g *GateStats) { g.Pauses++ })
}

// TrackPauseEnd adds the time since the pause started.
func (s *Stats) TrackPauseEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pauseStart.IsZero() {
		s.swap.TimeSpentPaused += s.now().Sub(s.pauseStart).Seconds()
		s.pauseStart = time.Time{}
	}
}

// Diagnosis tells a systemic encoder problem apart from a single bad
// gate. It returns an empty string when nothing stands out.
func (s *Stats) Diagnosis() string {
	gates := s.Gates()
	var withData, degraded, good []int
	for i, g := range gates {
		if !g.hasData() {
			continue
		}
		withData = append(withData, i)
		switch q := g.Quality(); {
		case q >= QualityDegraded:
			degraded = append(degraded, i)
		case q == QualityGood:
			good = append(good, i)
		}
	}
	switch {
	case len(withData) > 1 && len(degraded) == len(withData):
		return "systemic (encoder): every gate with data shows excessive slippage"
	case len(degraded) == 1 && len(good) == len(withData)-1:
		return fmt.Sprintf("localized to gate %d", degraded[0])
	}
	return ""
}

func secondsToHuman(seconds float64) string {
	var sb strings.Builder
	hours := int(math.Floor(seconds / 3600))
	if hours >= 1 {
		fmt.Fprintf(&sb, "%d hours ", hours)
	}
	minutes := int(math.Floor(seconds/60)) % 60
	if hours >= 1 || minutes >= 1 {
		fmt.Fprintf(&sb, "%d minutes ", minutes)
	}
	fmt.Fprintf(&sb, "%d seconds", int(math.Floor(seconds))%60)
	return sb.String()
}

// SwapReport renders the swap totals.
func (s *Stats) SwapReport() string {
	sw := s.Swap()
	return fmt.Sprintf("ERCF Statistics:\n%d swaps completed\n%s spent loading\n%s spent unloading\n%s spent paused (%d pauses total)",
		sw.TotalSwaps, secondsToHuman(sw.TimeSpentLoading), secondsToHuman(sw.TimeSpentUnloading),
		secondsToHuman(sw.TimeSpentPaused), sw.TotalPauses)
}

// GateReport renders the gate grades and, when detail is set, the
// counters behind them.
func (s *Stats) GateReport(detail bool) string {
	gates := s.Gates()
	var sb strings.Builder
	sb.WriteString("Gate Statistics:\n")
	for i, g := range gates {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "#%d: %s", i, g.Quality())
	}
	if diag := s.Diagnosis(); diag != "" {
		sb.WriteString("\nDiagnosis: " + diag)
	}
	if detail {
		for i, g := range gates {
			fmt.Fprintf(&sb, "\nGate #%d: Load: (monitored: %.1fmm slippage: %.1f%%); Unload: (monitored: %.1fmm slippage: %.1f%%); Slip events: %d",
				i, g.LoadDistance, g.LoadSlip(), g.UnloadDistance, g.UnloadSlip(), g.SlipEvents)
			fmt.Fprintf(&sb, "; Failures: (servo: %d load: %d unload: %d pauses: %d); Score: %.2f",
				g.ServoRetries, g.LoadFailures, g.UnloadFailures, g.Pauses, g.Score())
		}
	}
	return sb.String()
}
