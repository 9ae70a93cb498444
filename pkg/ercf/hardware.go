// Motion capability consumed by the filament transport controller
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"context"
	"fmt"
)

// Motor names the stepper(s) a move drives.
type Motor int

const (
	MotorGear Motor = iota
	MotorExtruder
	// MotorBoth drives gear and extruder as one synchronized move.
	MotorBoth
)

func (m Motor) String() string {
	switch m {
	case MotorGear:
		return "gear"
	case MotorExtruder:
		return "extruder"
	case MotorBoth:
		return "both"
	}
	return fmt.Sprintf("motor(%d)", int(m))
}

// Move is a single relative filament move. Distance is in mm, positive
// towards the nozzle. Accel of zero means the driver default.
type Move struct {
	Motor    Motor
	Distance float64
	Speed    float64
	Accel    float64
}

// Drive moves filament. Gear distances are scaled by the active gear ratio
// by the implementation.
type Drive interface {
	Move(ctx context.Context, m Move) error
	// HomingMove runs a move that stops on stall. It reports the travelled
	// distance and whether the stop condition triggered.
	HomingMove(ctx context.Context, m Move) (float64, bool, error)
	SetGearRatio(ratio float64)
	// SetGearCurrent sets the gear stepper run current in percent.
	SetGearCurrent(percent float64)
	MotorsOff()
}

// Encoder is the filament motion encoder near the gates.
type Encoder interface {
	// Distance returns the accumulated filament distance in mm.
	Distance() float64
	SetDistance(mm float64)
	// Counts returns raw encoder edges since the last reset.
	Counts() int
}

// Sensor is a switch type filament sensor.
type Sensor interface {
	Triggered() bool
}

// Servo clamps the gear onto the selected filament.
type Servo interface {
	Down(ctx context.Context) error
	Up(ctx context.Context) error
}

// Selector positions the gate selector carriage.
type Selector interface {
	SetPosition(pos float64)
	Position() float64
	Move(ctx context.Context, pos, speed, accel float64) error
	// HomingMove moves towards pos and reports whether the endstop fired.
	HomingMove(ctx context.Context, pos, speed, accel float64) (bool, error)
	MotorOff()
}

// Hardware bundles the devices the controller drives. ToolheadSensor is
// nil when the printer has none.
type Hardware struct {
	Drive          Drive
	Encoder        Encoder
	ToolheadSensor Sensor
	Servo          Servo
	Selector       Selector
}

// HasToolheadSensor reports whether a toolhead sensor is fitted.
func (h Hardware) HasToolheadSensor() bool {
	return h.ToolheadSensor != nil
}

func (h Hardware) validate() error {
	switch {
	case h.Drive == nil:
		return fmt.Errorf("ercf: hardware drive is required")
	case h.Encoder == nil:
		return fmt.Errorf("ercf: hardware encoder is required")
	case h.Servo == nil:
		return fmt.Errorf("ercf: hardware servo is required")
	case h.Selector == nil:
		return fmt.Errorf("ercf: hardware selector is required")
	}
	return nil
}
