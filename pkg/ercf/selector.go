// Tool selection and selector control
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"context"
	"fmt"
	"math"

	hosterrors "ercf-go/pkg/errors"
)

const (
	selectorFastHoming = 100.0
	selectorSlowHoming = 10.0
	selectorCalibSpeed = 60.0
)

// selectorLength is the maximum travel to the endstop for a gate.
func (c *Controller) selectorLength(gate int) float64 {
	l := 10 + float64(gate)*21 + float64(gate/3)*5
	if c.settings.BypassOffset > 0 {
		l++
	}
	return l
}

// home unloads if needed, homes the selector and optionally selects a tool.
func (c *Controller) home(ctx context.Context, tool int, forceUnload bool) error {
	if err := c.checkInBypass(); err != nil {
		return err
	}
	if v := c.calibration().Version; v != calibrationVersion {
		c.log.Info("You are running an old calibration version.\nIt is strongly recommended that you rerun 'ERCF_CALIBRATE_SINGLE TOOL=0' to generate updated calibration values")
	}
	c.log.Info("Homing ERCF...")
	if forceUnload || c.pos.Position() != PositionAtGate {
		if err := c.unloadSequence(ctx, c.calibration().Ref, true, false, false); err != nil {
			return err
		}
	}
	if err := c.unselectTool(ctx); err != nil {
		return err
	}
	if err := c.homeSelector(ctx); err != nil {
		return err
	}
	if tool >= 0 {
		return c.selectTool(ctx, tool)
	}
	return nil
}

func (c *Controller) homeSelector(ctx context.Context) error {
	return c.phase(ctx, "home_selector", func(ctx context.Context) error {
		c.setState(StateSelecting)
		c.setHomed(false)
		if _, err := c.servoUp(ctx); err != nil {
			return err
		}
		n := c.settings.NumGates()
		length := c.selectorLength(n - 1)
		c.log.Debug("Moving up to %.1fmm to home a %d channel ERCF", length, n)

		sel := c.hw.Selector
		sel.SetPosition(0)
		if _, err := sel.HomingMove(ctx, -length, selectorFastHoming, 0); err != nil {
			return hosterrors.Wrap(err, hosterrors.ErrSelectorHomingFailed, "selector homing move failed")
		}
		sel.SetPosition(0)
		if err := sel.Move(ctx, 5, 0, 0); err != nil {
			return hosterrors.Wrap(err, hosterrors.ErrSelectorHomingFailed, "selector move failed")
		}
		sel.SetPosition(0)
		triggered, err := sel.HomingMove(ctx, -10, selectorSlowHoming, 0)
		if err != nil {
			return hosterrors.Wrap(err, hosterrors.ErrSelectorHomingFailed, "selector homing move failed")
		}
		if !triggered {
			c.setToolSelected(ToolUnknown)
			return hosterrors.SelectorHomingFailed("Homing selector failed because of blockage or error")
		}
		sel.SetPosition(0)
		c.setHomed(true)
		return nil
	})
}

func (c *Controller) setHomed(v bool) {
	c.mu.Lock()
	c.s.homed = v
	c.mu.Unlock()
}

func (c *Controller) unselectTool(ctx context.Context) error {
	if _, err := c.servoUp(ctx); err != nil {
		return err
	}
	c.setToolSelected(ToolUnknown)
	return nil
}

// selectTool moves the selector to the gate mapped to tool.
func (c *Controller) selectTool(ctx context.Context, tool int) error {
	gate, err := c.mapping.Resolve(tool)
	if err != nil {
		return err
	}
	if tool == c.Tool() && gate == c.Gate() {
		return nil
	}
	c.log.Debug("Selecting tool T%d on gate #%d...", tool, gate)
	if err := c.selectGate(ctx, gate); err != nil {
		return err
	}
	c.setToolSelected(tool)
	if tool != gate {
		c.log.Info("Tool T%d enabled on gate #%d", tool, gate)
	} else {
		c.log.Info("Tool T%d enabled", tool)
	}
	return nil
}

func (c *Controller) selectGate(ctx context.Context, gate int) error {
	if gate == c.Gate() {
		return nil
	}
	if gate < 0 || gate >= c.settings.NumGates() {
		return hosterrors.InvalidParameter("gate", fmt.Sprintf("Gate %d does not exist", gate))
	}
	c.setState(StateSelecting)
	if _, err := c.servoUp(ctx); err != nil {
		return err
	}
	if err := c.hw.Selector.Move(ctx, c.settings.SelectorOffsets[gate], 0, 0); err != nil {
		return hosterrors.Wrap(err, hosterrors.ErrRuntime, fmt.Sprintf("selector move to gate %d failed", gate))
	}
	c.setGateSelected(gate)
	return nil
}

func (c *Controller) selectBypass(ctx context.Context) error {
	if c.Tool() == ToolBypass {
		return nil
	}
	if c.settings.BypassOffset == 0 {
		return hosterrors.InvalidParameter("bypass_selector", "Bypass not configured")
	}
	c.log.Info("Selecting filament bypass...")
	c.setState(StateSelecting)
	if _, err := c.servoUp(ctx); err != nil {
		return err
	}
	if err := c.hw.Selector.Move(ctx, c.settings.BypassOffset, 0, 0); err != nil {
		return hosterrors.Wrap(err, hosterrors.ErrRuntime, "selector move to bypass failed")
	}
	c.setDirection(DirectionLoad)
	c.setToolSelected(ToolBypass)
	c.setGateSelected(GateBypass)
	c.log.Info("Bypass enabled")
	return nil
}

func (c *Controller) setGateSelected(gate int) {
	c.mu.Lock()
	c.s.gate = gate
	tool := c.s.tool
	c.mu.Unlock()
	c.persistSelection()
	c.publish(Event{Kind: EventSelection, Tool: tool, Gate: gate})
}

// setToolSelected records the tool and applies the gear ratio of its gate.
func (c *Controller) setToolSelected(tool int) {
	c.mu.Lock()
	c.s.tool = tool
	if tool == ToolUnknown || tool == ToolBypass {
		c.s.gate = GateUnknown
	}
	gate := c.s.gate
	c.mu.Unlock()
	if tool == ToolUnknown || tool == ToolBypass {
		c.hw.Drive.SetGearRatio(1)
	} else {
		c.applyGateRatio(gate)
	}
	c.persistSelection()
	c.publish(Event{Kind: EventSelection, Tool: tool, Gate: gate})
}

// checkInBypass rejects gate operations while bypass filament is loaded.
func (c *Controller) checkInBypass() error {
	if c.Tool() == ToolBypass && c.pos.Position() != PositionAtGate {
		return hosterrors.InvalidParameter("tool", "Operation not possible. ERCF is currently using bypass. Unload or select a different gate first")
	}
	return nil
}

// CalibrateSelector measures the selector offset of a gate by homing from
// it. The selector is left unhomed with the motors off.
func (c *Controller) CalibrateSelector(ctx context.Context, gate int) (float64, error) {
	if gate < 0 || gate >= c.settings.NumGates() {
		return 0, hosterrors.InvalidParameter("gate", fmt.Sprintf("Gate %d does not exist", gate))
	}
	var traveled float64
	err := c.run(ctx, "calibrate_selector", StateCalibrating, func(ctx context.Context) error {
		c.setCalibrating(true)
		defer func() {
			c.setCalibrating(false)
			c.setHomed(false)
			c.motorsOff()
		}()
		if _, err := c.servoUp(ctx); err != nil {
			return err
		}
		length := c.selectorLength(gate)
		c.log.Always("Measuring the selector position for gate %d", gate)
		sel := c.hw.Selector
		sel.SetPosition(0)
		triggered, err := sel.HomingMove(ctx, -length, selectorCalibSpeed, 0)
		if err != nil {
			return hosterrors.Wrap(err, hosterrors.ErrSelectorHomingFailed, "selector homing move failed")
		}
		traveled = math.Abs(sel.Position())
		if !triggered {
			return hosterrors.CalibrationError("Selector didn't find home position. Are you sure you selected the correct gate?")
		}
		c.log.Always("Selector position = %.1fmm", traveled)
		return nil
	})
	return traveled, err
}

// motorsOff releases both steppers and forgets the selection.
func (c *Controller) motorsOff() {
	c.hw.Drive.MotorsOff()
	c.hw.Selector.MotorOff()
	c.setHomed(false)
	c.setToolSelected(ToolUnknown)
}
