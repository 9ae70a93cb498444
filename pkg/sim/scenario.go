// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GateSpec is the initial state of one gate.
type GateSpec struct {
	Present *bool   `yaml:"present"`
	Scale   float64 `yaml:"scale"`
	Tip     float64 `yaml:"tip"`
}

// Scenario describes a machine in YAML.
type Scenario struct {
	Geometry        Geometry   `yaml:"geometry"`
	SelectorOffsets []float64  `yaml:"selector_offsets"`
	BypassOffset    float64    `yaml:"bypass_offset"`
	SelectorStart   float64    `yaml:"selector_start"`
	Gates           []GateSpec `yaml:"gates"`
	Faults          []Fault    `yaml:"faults"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sim: read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("sim: parse scenario: %w", err)
	}
	if len(s.SelectorOffsets) == 0 {
		return nil, fmt.Errorf("sim: scenario needs selector_offsets")
	}
	if len(s.Gates) > len(s.SelectorOffsets) {
		return nil, fmt.Errorf("sim: %d gates described for %d selector offsets", len(s.Gates), len(s.SelectorOffsets))
	}
	for _, f := range s.Faults {
		switch f {
		case FaultMissingExtruder, FaultSelectorBlocked, FaultEncoderDead, FaultStuckInExtruder:
		default:
			return nil, fmt.Errorf("sim: unknown fault %q", f)
		}
	}
	return &s, nil
}

// Machine builds the machine the scenario describes.
func (s *Scenario) Machine() *Machine {
	m := New(s.Geometry, s.SelectorOffsets, s.BypassOffset)
	m.physical = s.SelectorStart
	for i, g := range s.Gates {
		present := g.Present == nil || *g.Present
		m.SetGate(i, Filament{Present: present, Tip: g.Tip, Scale: g.Scale})
	}
	for _, f := range s.Faults {
		m.SetFault(f, true)
	}
	return m
}

// Settings returns the [ercf] options that match the scenario geometry.
func (s *Scenario) Settings() map[string]string {
	geo := s.Geometry.withDefaults()
	offsets := ""
	for i, o := range s.SelectorOffsets {
		if i > 0 {
			offsets += ", "
		}
		offsets += fmt.Sprintf("%g", o)
	}
	return map[string]string{
		"colorselector":             offsets,
		"bypass_selector":           fmt.Sprintf("%g", s.BypassOffset),
		"parking_distance":          fmt.Sprintf("%g", geo.ParkingDistance),
		"encoder_resolution":        fmt.Sprintf("%g", geo.EncoderResolution),
		"calibration_bowden_length": fmt.Sprintf("%g", geo.BowdenLength-100),
		"home_position_to_nozzle":   fmt.Sprintf("%g", geo.NozzleDistance),
	}
}

// HasToolheadSensor reports whether the scenario fits a toolhead sensor.
func (s *Scenario) HasToolheadSensor() bool {
	return s.Geometry.SensorOffset > 0
}
