// Runout, clog and EndlessSpool handling
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"context"

	hosterrors "ercf-go/pkg/errors"
)

// EncoderRunout handles a runout or clog reported by the encoder. With
// force the event is treated as a true runout without the clog check.
// While another operation runs the event is queued and handled when that
// operation finishes.
func (c *Controller) EncoderRunout(ctx context.Context, force bool) error {
	c.mu.Lock()
	if c.s.enabled && !c.s.locked && c.s.opState != StateIdle {
		if c.s.deferred == nil {
			f := force
			c.s.deferred = &f
		} else if force {
			*c.s.deferred = true
		}
		c.mu.Unlock()
		c.log.Debug("Runout event deferred until the current operation completes")
		return nil
	}
	c.mu.Unlock()
	return c.run(ctx, "runout", StateUnloading, func(ctx context.Context) error {
		return c.handleRunout(ctx, force)
	})
}

func (c *Controller) handleRunout(ctx context.Context, force bool) error {
	tool := c.Tool()
	if tool < 0 || c.pos.Position() != PositionAtNozzle {
		return hosterrors.InvalidParameter("tool", "Filament runout or clog on an unknown or bypass tool - manual intervention is required")
	}
	c.log.Info("Issue on tool T%d", tool)
	c.clog.Disable()
	if err := c.saveToolheadAndLift(ctx); err != nil {
		return err
	}

	if !force {
		c.log.Info("Checking if this is a clog or a runout...")
		if err := c.servoDown(ctx); err != nil {
			return err
		}
		found, err := c.buzzGear(ctx)
		if err != nil {
			return err
		}
		if _, err := c.servoUp(ctx); err != nil {
			return err
		}
		if found {
			return hosterrors.GateEmptyOrStuck(c.Gate(), "A clog has been detected and requires manual intervention")
		}
	}

	c.log.Info("A runout has been detected")
	gate := c.Gate()
	c.setGateStatus(gate, GateStatusEmpty)
	if !c.settings.EnableEndlessSpool {
		return hosterrors.NoSpoolAvailable(gate, "EndlessSpool mode is off - manual intervention is required")
	}
	next, checked, err := c.mapping.NextSpool(gate)
	if err != nil {
		return err
	}
	c.log.Debug("EndlessSpool checked gates %v", checked)
	c.log.Info("Remapping T%d to gate #%d", tool, next)

	if err := call(ctx, c.hooks.PreUnload); err != nil {
		return hosterrors.Wrap(err, hosterrors.ErrRuntime, "pre unload procedure failed")
	}
	moved, err := c.formTip(ctx)
	if err != nil {
		return err
	}
	if !moved {
		c.log.Info("Didn't detect any filament movement while forming tip")
	}
	if err := c.unloadTool(ctx, true); err != nil {
		return err
	}
	if err := c.remap(tool, next, 1); err != nil {
		return err
	}
	if err := c.selectAndLoad(ctx, tool); err != nil {
		return err
	}
	if err := call(ctx, c.hooks.PostLoad); err != nil {
		return hosterrors.Wrap(err, hosterrors.ErrRuntime, "post load procedure failed")
	}
	if err := c.restoreToolhead(ctx); err != nil {
		return err
	}
	c.hw.Encoder.SetDistance(0)
	c.enableClog(false)
	return nil
}

// CheckClog feeds the extruder position to the clog detector and handles
// a trigger as a runout. It reports whether the detector triggered.
func (c *Controller) CheckClog(ctx context.Context, extruderPos float64) (bool, error) {
	c.mu.Lock()
	c.s.lastExtruderPos = extruderPos
	c.mu.Unlock()
	if !c.clog.Update(extruderPos, c.hw.Encoder.Distance()) {
		return false, nil
	}
	c.log.Info("Clog detection triggered after %.1fmm of extruder movement without encoder motion", c.clog.DetectionLength())
	return true, c.EncoderRunout(ctx, false)
}

// remap points tool at gate, persists the mapping and logs it.
func (c *Controller) remap(tool, gate, available int) error {
	if err := c.mapping.Remap(tool, gate, available); err != nil {
		return err
	}
	c.persistMapping()
	if available != -1 {
		c.publish(Event{Kind: EventGateStatus, Gate: gate, GateStatus: GateStatus(available)})
	}
	c.log.Info("%s", c.mapping.Render(false, c.settings.EnableEndlessSpool, c.Tool(), c.Gate()))
	return nil
}

func (c *Controller) resetTTG(ctx context.Context) {
	c.log.Debug("Resetting TTG map")
	c.mapping.Reset()
	c.persistMapping()
	if err := c.unselectTool(ctx); err != nil {
		c.log.Error("%v", err)
	}
}
