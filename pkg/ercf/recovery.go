// Pause, unlock, resume and position recovery
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"context"
	"fmt"
	"time"

	hosterrors "ercf-go/pkg/errors"
)

// Pause locks the controller. With force the pause is handled as if a
// print were running.
func (c *Controller) Pause(ctx context.Context, reason string, force bool) error {
	if reason == "" {
		reason = "Pause requested"
	}
	c.pause(ctx, reason, force)
	return nil
}

// pause is the single lock transition. A second fault while locked is
// ignored.
func (c *Controller) pause(ctx context.Context, reason string, force bool) {
	inPrint := force || c.hooks.printState() == PrintPrinting

	c.mu.Lock()
	if c.s.locked {
		c.mu.Unlock()
		c.log.Debug("ERCF already paused. Ignoring: %s", reason)
		return
	}
	c.s.locked = true
	gate := c.s.gate
	c.mu.Unlock()

	pausedTemp := 0.0
	if c.hooks.ExtruderTarget != nil {
		pausedTemp = c.hooks.ExtruderTarget()
	}
	c.mu.Lock()
	c.s.pausedTemp = pausedTemp
	c.mu.Unlock()

	var msg string
	if inPrint {
		c.stats.TrackPauseStart(gate)
		if c.hooks.SetIdleTimeout != nil {
			c.hooks.SetIdleTimeout(c.settings.TimeoutPause)
		}
		c.armHeaterTimer()
		if err := c.saveToolheadAndLift(ctx); err != nil {
			c.log.Error("%v", err)
		}
		msg = "An issue with the ERCF has been detected during print and it has been locked. The print has been paused"
	} else if c.hooks.printState() == PrintPaused {
		msg = "An issue with the ERCF has been detected whilst printer is paused and it has been locked"
	} else {
		msg = "An issue with the ERCF has been detected whilst out of a print and it has been locked"
	}

	if _, err := c.servoUp(ctx); err != nil {
		c.log.Error("%v", err)
	}
	c.log.Error("%s", msg)
	c.log.Always("Reason: %s", reason)
	c.log.Always("When you intervene to fix the issue, first call 'ERCF_UNLOCK'")
	c.publish(Event{Kind: EventPause, Gate: gate, Message: reason})

	if inPrint && c.hooks.Pause != nil {
		if err := c.hooks.Pause(ctx, reason); err != nil {
			c.log.Error("Pause procedure failed: %v", err)
		}
	}
}

// armHeaterTimer turns the heater off after disable_heater seconds.
func (c *Controller) armHeaterTimer() {
	if c.hooks.HeatExtruder == nil || c.settings.DisableHeater <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heaterTimer != nil {
		c.heaterTimer.Stop()
	}
	c.heaterTimer = time.AfterFunc(time.Duration(c.settings.DisableHeater)*time.Second, func() {
		c.log.Info("Disabled extruder heater")
		if err := c.hooks.HeatExtruder(context.Background(), 0, false); err != nil {
			c.log.Error("Turning heater off failed: %v", err)
		}
	})
}

func (c *Controller) stopHeaterTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heaterTimer != nil {
		c.heaterTimer.Stop()
		c.heaterTimer = nil
	}
}

// Unlock clears the lock. The filament position is left for Recover.
func (c *Controller) Unlock(ctx context.Context) error {
	c.mu.Lock()
	locked := c.s.locked
	pausedTemp := c.s.pausedTemp
	c.mu.Unlock()
	if !locked {
		c.log.Info("ERCF is not locked")
		return nil
	}
	c.log.Info("Unlocking the ERCF")
	c.stopHeaterTimer()
	if pausedTemp > 0 && c.hooks.HeatExtruder != nil {
		if c.hooks.CanExtrude != nil && !c.hooks.CanExtrude() {
			c.log.Info("Enabling extruder heater (%.1f)", pausedTemp)
		}
		if err := c.hooks.HeatExtruder(ctx, pausedTemp, false); err != nil {
			return hosterrors.Wrap(err, hosterrors.ErrRuntime, "restoring heater target failed")
		}
	}
	c.hw.Encoder.SetDistance(0)
	c.stats.TrackPauseEnd()
	c.persistStats()
	c.clog.Disable()

	c.mu.Lock()
	c.s.locked = false
	c.mu.Unlock()
	c.publish(Event{Kind: EventState})
	c.log.Always("Run 'ERCF_RECOVER' to set the filament state if needed, then 'RESUME' to continue")
	return nil
}

// Resume continues a paused print. The controller must be unlocked.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	enabled, locked, pausedTemp := c.s.enabled, c.s.locked, c.s.pausedTemp
	c.mu.Unlock()
	if !enabled {
		return call(ctx, c.hooks.Resume)
	}
	if locked {
		return hosterrors.OperationsLocked("You can't resume the print without unlocking the ERCF first")
	}
	if err := c.ensureMinTemp(ctx, max(pausedTemp, c.settings.MinTempExtruder)); err != nil {
		return err
	}
	if err := call(ctx, c.hooks.Resume); err != nil {
		return hosterrors.Wrap(err, hosterrors.ErrRuntime, "resume procedure failed")
	}
	if err := c.restoreToolhead(ctx); err != nil {
		return err
	}
	c.hw.Encoder.SetDistance(0)
	c.enableClog(true)
	return nil
}

// Recover sets the tool, gate and filament position after manual
// intervention. Negative values leave the item unspecified; tool -2
// selects the bypass and loaded -1 derives the position from sensors.
func (c *Controller) Recover(ctx context.Context, tool, gate, loaded int) error {
	n := c.settings.NumGates()
	switch {
	case tool < ToolBypass || tool >= n:
		return hosterrors.InvalidParameter("tool", fmt.Sprintf("Tool %d does not exist", tool))
	case gate < -1 || gate >= n:
		return hosterrors.InvalidParameter("gate", fmt.Sprintf("Gate %d does not exist", gate))
	case loaded < -1 || loaded > 1:
		return hosterrors.InvalidParameter("loaded", "must be 0 or 1")
	case tool == ToolBypass && c.settings.BypassOffset == 0:
		return hosterrors.InvalidParameter("tool", "Bypass not configured")
	}
	return c.runWith(ctx, "recover", StateSelecting, true, func(ctx context.Context) error {
		switch {
		case tool == ToolBypass:
			c.setToolSelected(ToolBypass)
			c.setGateSelected(GateBypass)
		case tool >= 0:
			if gate < 0 {
				g, err := c.mapping.Resolve(tool)
				if err != nil {
					return err
				}
				gate = g
			}
			c.setHomed(false)
			c.setGateSelected(gate)
			c.setToolSelected(tool)
		case c.Tool() == ToolBypass && gate < 0:
			return hosterrors.InvalidParameter("tool", "Must specify a tool or gate when recovering from bypass")
		case gate >= 0:
			c.setHomed(false)
			c.setGateSelected(gate)
		}

		switch loaded {
		case 1:
			return c.pos.Confirm(Observation{Position: PositionAtNozzle, FilamentPos: c.pos.LandmarkOf(PositionAtNozzle), Source: SourceManual})
		case 0:
			return c.pos.Confirm(Observation{Position: PositionAtGate, Source: SourceManual})
		}
		c.log.Info("Recovering filament position...")
		if err := c.recoverPosition(ctx); err != nil {
			return err
		}
		_, err := c.servoUp(ctx)
		return err
	})
}

// enableClog arms clog detection while printing, or always with restore.
func (c *Controller) enableClog(restore bool) {
	if !c.settings.EnableClogDetection {
		return
	}
	if !restore && c.hooks.printState() != PrintPrinting {
		return
	}
	c.mu.Lock()
	extruderPos := c.s.lastExtruderPos
	c.mu.Unlock()
	c.clog.Enable(extruderPos, c.hw.Encoder.Distance())
}
