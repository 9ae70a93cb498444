// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import "fmt"

// GateStatus is the filament availability of a gate. The values are the
// persisted ercf_state_gate_status values.
type GateStatus int

const (
	GateStatusUnknown   GateStatus = -1
	GateStatusEmpty     GateStatus = 0
	GateStatusAvailable GateStatus = 1
)

// Valid reports whether s is a defined status.
func (s GateStatus) Valid() bool {
	return s >= GateStatusUnknown && s <= GateStatusAvailable
}

func (s GateStatus) String() string {
	switch s {
	case GateStatusAvailable:
		return "available"
	case GateStatusEmpty:
		return "empty"
	case GateStatusUnknown:
		return "unknown"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// marker is the one character summary used in map renderings.
func (s GateStatus) marker() string {
	switch s {
	case GateStatusAvailable:
		return "(*)"
	case GateStatusEmpty:
		return "( )"
	}
	return "(?)"
}

// Calibration is the persisted calibration record.
type Calibration struct {
	Version    int
	Ref        float64
	ClogLength float64
	// Ratios holds the raw stored gear ratio per gate.
	Ratios map[int]float64
}

// GateRatio returns the usable gear ratio of a gate. Missing or out of
// range values fall back to 1.0 and report ok=false.
func (c Calibration) GateRatio(gate int) (ratio float64, ok bool) {
	if gate < 0 {
		return 1.0, true
	}
	r, found := c.Ratios[gate]
	if !found {
		return 1.0, true
	}
	if r > 0.9 && r < 1.1 {
		return r, true
	}
	return 1.0, false
}

// DetectionLength returns the clog detection length, at least 5mm.
func (c Calibration) DetectionLength() float64 {
	if c.ClogLength < 5 {
		return 5
	}
	return c.ClogLength
}

func defaultCalibration() Calibration {
	return Calibration{Version: 1, Ref: 500, ClogLength: 10, Ratios: map[int]float64{}}
}
