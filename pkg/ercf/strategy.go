// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

// EntryKind is the way the load confirms the filament reached the toolhead.
type EntryKind int

const (
	// EntrySensorHoming homes to the toolhead sensor.
	EntrySensorHoming EntryKind = iota
	// EntryCollisionHoming homes by collision with the extruder gears and
	// relies on the measured distance to the nozzle.
	EntryCollisionHoming
)

func (k EntryKind) String() string {
	if k == EntrySensorHoming {
		return "sensor"
	}
	return "collision"
}

// EntryStrategy is resolved from the tunables whenever they are validated,
// so the sequencer switches on one value instead of scattered flags. The
// two kinds are exclusive: a load homes to the sensor or to the extruder
// gears, never both.
type EntryStrategy struct {
	Kind EntryKind
	// Stallguard selects a single stall detecting homing move instead of
	// stepped collision detection.
	Stallguard bool
	// SyncLoad uses synchronized gear and extruder motion into the
	// extruder for SyncLoad mm.
	SyncLoad bool
}

// resolveStrategy picks sensor homing when a toolhead sensor is fitted and
// home_to_extruder is off. Setting home_to_extruder with a sensor selects
// collision homing and leaves the sensor to unloads and recovery.
func resolveStrategy(t Tunables, hasSensor bool, homingMethod int) EntryStrategy {
	s := EntryStrategy{
		Kind:       EntryCollisionHoming,
		Stallguard: homingMethod == 1,
		SyncLoad:   t.SyncLoadLength > 0,
	}
	if hasSensor && !t.HomeToExtruder {
		s.Kind = EntrySensorHoming
	}
	return s
}

// HomesToExtruder reports whether the load finds the extruder entrance by
// collision.
func (s EntryStrategy) HomesToExtruder() bool {
	return s.Kind == EntryCollisionHoming
}

// SpringFactor is the share of the measured spring that is subtracted from
// a reference calibration pass.
func (s EntryStrategy) SpringFactor() float64 {
	switch {
	case s.HomesToExtruder():
		return 1.0
	case s.SyncLoad:
		return 1.1
	}
	return 0.1
}
