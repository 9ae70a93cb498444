// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"strings"
)

// Status returns the printer visible status fields.
func (c *Controller) Status() map[string]any {
	c.mu.Lock()
	s := c.s
	state := c.stateLocked()
	c.mu.Unlock()

	p := c.pos.Position()
	filament := "Unknown"
	switch p {
	case PositionAtNozzle:
		filament = "Loaded"
	case PositionAtGate:
		filament = "Unloaded"
	}
	return map[string]any{
		"encoder_pos":    c.hw.Encoder.Distance(),
		"is_paused":      s.locked,
		"tool":           s.tool,
		"gate":           s.gate,
		"clog_detection": c.settings.EnableClogDetection,
		"enabled":        s.enabled,
		"filament":       filament,
		"servo":          s.servo.String(),
		"state":          state.String(),
		"position":       p.String(),
	}
}

// Visual renders the filament path as a one line picture.
func (c *Controller) Visual() string {
	c.mu.Lock()
	tool, dir := c.s.tool, c.s.direction
	c.mu.Unlock()
	p := c.pos.Position()

	toolStr := "?"
	if tool >= 0 {
		toolStr = fmt.Sprint(tool)
	}
	sensor := ""
	if c.settings.HasToolheadSensor {
		sensor = " [sensor] "
	}
	counter := fmt.Sprintf(" (@%.1f mm)", c.hw.Encoder.Distance())

	var v string
	switch {
	case tool == ToolBypass && p == PositionAtNozzle:
		v = "ERCF BYPASS ----- [encoder] ----------->> [nozzle] LOADED"
	case tool == ToolBypass:
		v = "ERCF BYPASS >.... [encoder] ............. [nozzle] UNLOADED"
	case p == PositionUnknown:
		v = fmt.Sprintf("ERCF [T%s] ..... [encoder] ............. [extruder] ...%s... [nozzle] UNKNOWN", toolStr, sensor)
	default:
		v = fmt.Sprintf(visualFormats[p], toolStr, sensor) + counter
	}
	if c.tun.snapshot().LogVisual == 2 {
		v = strings.NewReplacer("encoder", "En", "extruder", "Ex", "sensor", "Ts", "nozzle", "Nz").Replace(v)
		for _, pair := range [][2]string{{">>", ">"}, {"..", "."}, {"--", "-"}} {
			v = strings.ReplaceAll(v, pair[0], pair[1])
		}
	}
	if dir == DirectionUnload {
		v = strings.ReplaceAll(v, ">", "<")
	}
	return v
}

var visualFormats = map[Position]string{
	PositionAtGate:           "ERCF [T%s] >.... [encoder] ............. [extruder] ...%s... [nozzle] UNLOADED",
	PositionBeforeEncoder:    "ERCF [T%s] >>>.. [encoder] ............. [extruder] ...%s... [nozzle]",
	PositionAtEncoder:        "ERCF [T%s] >>>>> [encoder] >>........... [extruder] ...%s... [nozzle]",
	PositionInBowden:         "ERCF [T%s] >>>>> [encoder] >>>>>>>...... [extruder] ...%s... [nozzle]",
	PositionEndOfBowden:      "ERCF [T%s] >>>>> [encoder] >>>>>>>>>>>>> [extruder] ...%s... [nozzle]",
	PositionAtExtruderEntry:  "ERCF [T%s] >>>>> [encoder] >>>>>>>>>>>>| [extruder] ...%s... [nozzle]",
	PositionAtToolheadSensor: "ERCF [T%s] >>>>> [encoder] >>>>>>>>>>>>> [extruder] >>|%s... [nozzle]",
	PositionInExtruder:       "ERCF [T%s] >>>>> [encoder] >>>>>>>>>>>>> [extruder] >>>%s>.. [nozzle]",
	PositionAtNozzle:         "ERCF [T%s] >>>>> [encoder] >>>>>>>>>>>>> [extruder] >>>%s>>> [nozzle] LOADED",
}

func (c *Controller) displayVisual() {
	if c.tun.snapshot().LogVisual > 0 && !c.isCalibrating() {
		c.log.Always("%s", c.Visual())
	}
}
