// Filament position model
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"math"
	"sync"

	hosterrors "ercf-go/pkg/errors"
)

// Position is an ordered location along the gate to nozzle path. The
// numeric values are the persisted ercf_state_loaded_status values.
type Position int

const (
	PositionUnknown          Position = -1
	PositionAtGate           Position = 0
	PositionBeforeEncoder    Position = 1
	PositionAtEncoder        Position = 2
	PositionInBowden         Position = 3
	PositionEndOfBowden      Position = 4
	PositionAtExtruderEntry  Position = 5
	PositionAtToolheadSensor Position = 6
	PositionInExtruder       Position = 7
	PositionAtNozzle         Position = 8
)

var positionNames = map[Position]string{
	PositionUnknown:          "unknown",
	PositionAtGate:           "at_gate",
	PositionBeforeEncoder:    "before_encoder",
	PositionAtEncoder:        "at_encoder",
	PositionInBowden:         "in_bowden",
	PositionEndOfBowden:      "end_of_bowden",
	PositionAtExtruderEntry:  "at_extruder_entry",
	PositionAtToolheadSensor: "at_toolhead_sensor",
	PositionInExtruder:       "in_extruder",
	PositionAtNozzle:         "at_nozzle",
}

func (p Position) String() string {
	if name, ok := positionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("position(%d)", int(p))
}

// Valid reports whether p is one of the defined levels.
func (p Position) Valid() bool {
	_, ok := positionNames[p]
	return ok
}

// ObservationSource identifies what produced an observation.
type ObservationSource int

const (
	// SourceSequencer is an encoder measured result of a commanded move.
	SourceSequencer ObservationSource = iota
	// SourceSensor is a switch or endstop reading.
	SourceSensor
	// SourceManual comes from an explicit recover request.
	SourceManual
)

// Observation is a physical event reported to the position model.
type Observation struct {
	Position Position
	// FilamentPos is the tip distance from the gate park point in mm.
	FilamentPos float64
	// Expected and Measured are the commanded and encoder distances of the
	// move that produced the observation. They are only checked while the
	// model is unknown.
	Expected float64
	Measured float64
	Source   ObservationSource
}

// Landmarks are the tip distances of the fixed path points in mm.
type Landmarks struct {
	Encoder       float64
	ExtruderEntry float64
	Sensor        float64
	Nozzle        float64
}

// PositionChange is published for every transition.
type PositionChange struct {
	Previous    Position
	Current     Position
	FilamentPos float64
	Reason      string
}

// PositionModel holds the canonical filament position.
type PositionModel struct {
	mu          sync.Mutex
	position    Position
	filamentPos float64
	sensorAt    float64 // observed sensor trigger distance, 0 until seen

	tolerance func() float64
	landmarks func(sensorAt float64) Landmarks
	onChange  func(PositionChange)
}

// NewPositionModel creates a model in the unknown state. tolerance returns
// the magnitude tolerance applied while unknown and landmarks resolves the
// path points from the current calibration.
func NewPositionModel(tolerance func() float64, landmarks func(sensorAt float64) Landmarks) *PositionModel {
	return &PositionModel{
		position:  PositionUnknown,
		tolerance: tolerance,
		landmarks: landmarks,
	}
}

// OnChange registers the transition callback.
func (m *PositionModel) OnChange(fn func(PositionChange)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Position returns the current level.
func (m *PositionModel) Position() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// FilamentPos returns the tip distance from the park point.
func (m *PositionModel) FilamentPos() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filamentPos
}

// Confirm applies an observation. While unknown, sequencer observations
// must match their expected magnitude within tolerance.
func (m *PositionModel) Confirm(obs Observation) error {
	if !obs.Position.Valid() {
		return hosterrors.InvalidParameter("position", fmt.Sprintf("invalid position %d", int(obs.Position)))
	}
	m.mu.Lock()
	if m.position == PositionUnknown && obs.Source == SourceSequencer && obs.Position != PositionUnknown {
		tol := 10.0
		if m.tolerance != nil {
			tol = math.Max(m.tolerance(), tol)
		}
		if dev := math.Abs(math.Abs(obs.Expected) - math.Abs(obs.Measured)); dev > tol {
			m.mu.Unlock()
			return hosterrors.Newf(hosterrors.ErrInvalidParameter,
				"observation of %s deviates %.1fmm from the expected move, position stays unknown", obs.Position, dev)
		}
	}
	if obs.Position == PositionAtToolheadSensor && obs.FilamentPos > 0 {
		m.sensorAt = obs.FilamentPos
	}
	change := m.setLocked(obs.Position, obs.FilamentPos, "confirmed")
	m.mu.Unlock()
	m.publish(change)
	return nil
}

// Set records a level and distance reached by the sequencer itself.
func (m *PositionModel) Set(p Position, filamentPos float64, reason string) {
	m.mu.Lock()
	change := m.setLocked(p, filamentPos, reason)
	m.mu.Unlock()
	m.publish(change)
}

// Advance moves the tip by a measured delta without changing the level.
func (m *PositionModel) Advance(mm float64) {
	m.mu.Lock()
	m.filamentPos += mm
	m.mu.Unlock()
}

// Invalidate forces the unknown state.
func (m *PositionModel) Invalidate(reason string) {
	m.mu.Lock()
	change := m.setLocked(PositionUnknown, m.filamentPos, reason)
	m.mu.Unlock()
	m.publish(change)
}

// Landmarks returns the path points for the current calibration.
func (m *PositionModel) Landmarks() Landmarks {
	m.mu.Lock()
	sensorAt := m.sensorAt
	m.mu.Unlock()
	return m.landmarks(sensorAt)
}

// LandmarkOf returns the tip distance that corresponds to a level.
func (m *PositionModel) LandmarkOf(p Position) float64 {
	lm := m.Landmarks()
	switch p {
	case PositionBeforeEncoder, PositionAtEncoder:
		return lm.Encoder
	case PositionInBowden, PositionEndOfBowden, PositionAtExtruderEntry:
		return lm.ExtruderEntry
	case PositionAtToolheadSensor:
		return lm.Sensor
	case PositionInExtruder, PositionAtNozzle:
		return lm.Nozzle
	}
	return 0
}

// EstimateDistanceTo returns the signed distance from the tip to the
// landmark of target. It fails while the position is unknown.
func (m *PositionModel) EstimateDistanceTo(target Position) (float64, error) {
	m.mu.Lock()
	current, pos := m.position, m.filamentPos
	m.mu.Unlock()
	if current == PositionUnknown {
		return 0, hosterrors.New(hosterrors.ErrInvalidParameter, "filament position is unknown")
	}
	if !target.Valid() || target == PositionUnknown {
		return 0, hosterrors.InvalidParameter("target", fmt.Sprintf("invalid target %s", target))
	}
	return m.LandmarkOf(target) - pos, nil
}

func (m *PositionModel) setLocked(p Position, filamentPos float64, reason string) PositionChange {
	change := PositionChange{Previous: m.position, Current: p, FilamentPos: filamentPos, Reason: reason}
	m.position = p
	m.filamentPos = filamentPos
	if p == PositionAtGate {
		m.filamentPos = 0
		change.FilamentPos = 0
	}
	return change
}

func (m *PositionModel) publish(change PositionChange) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil && change.Previous != change.Current {
		fn(change)
	}
}
