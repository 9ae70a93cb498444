// Filament unload protocol
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

// unloadTool unloads the current tool but keeps the selection.
func (c *Controller) unloadTool(ctx context.Context, skipTip bool) error {
	if c.pos.Position() == PositionAtGate {
		c.log.Debug("Tool already unloaded")
		return nil
	}
	c.log.Debug("Unloading tool %s", toolString(c.Tool()))
	return c.unloadSequence(ctx, c.calibration().Ref, false, false, skipTip)
}

// unloadSequence retracts up to length mm back to the gate park point.
// With checkState, or when the position is unknown, the position is first
// recovered from the sensors.
func (c *Controller) unloadSequence(ctx context.Context, length float64, checkState, skipSyncMove, skipTip bool) error {
	return c.phase(ctx, "unload", func(ctx context.Context) (err error) {
		c.setState(StateUnloading)
		c.setDirection(DirectionUnload)
		c.hw.Encoder.SetDistance(0)

		if checkState || c.pos.Position() == PositionUnknown {
			c.log.Info("Unknown filament position, recovering state...")
			if err = c.recoverPosition(ctx); err != nil {
				return err
			}
		}
		if c.pos.Position() == PositionAtGate {
			c.log.Debug("Filament already ejected")
			_, err = c.servoUp(ctx)
			return err
		}

		gate, start := c.Gate(), c.now()
		defer func() { c.stats.TrackUnload(gate, c.now().Sub(start), err == nil) }()

		c.log.Info("Unloading filament...")
		c.displayVisual()

		if !skipTip && c.pos.Position() >= PositionInExtruder {
			moved, ferr := c.formTip(ctx)
			if ferr != nil {
				return ferr
			}
			if moved {
				c.pos.Set(PositionInExtruder, c.pos.FilamentPos()-formTipPark, "tip formed")
			} else {
				c.pos.Set(PositionInBowden, c.pos.FilamentPos(), "no movement forming tip")
			}
		}

		buffer := c.settings.UnloadBuffer
		switch p := c.pos.Position(); {
		case p > PositionAtExtruderEntry:
			if err = c.unloadExtruder(ctx); err != nil {
				return err
			}
			if err = c.unloadBowden(ctx, length-buffer, skipSyncMove); err != nil {
				return err
			}
			err = c.unloadEncoder(ctx, buffer)
		case p == PositionEndOfBowden || p == PositionAtExtruderEntry:
			if err = c.unloadBowden(ctx, length-buffer, skipSyncMove); err != nil {
				return err
			}
			err = c.unloadEncoder(ctx, buffer)
		case p >= PositionBeforeEncoder && p <= PositionInBowden:
			// Exact position unknown so the whole length is unloaded slowly
			err = c.unloadEncoder(ctx, length)
		default:
			c.log.Debug("Assertion failure - unexpected state %s in unload sequence", p)
			err = hosterrors.RuntimeError("Unexpected state during unload sequence")
		}
		if err != nil {
			return err
		}

		if _, err = c.servoUp(ctx); err != nil {
			return err
		}
		c.log.Info("Unloaded %.1fmm of filament", c.hw.Encoder.Distance())
		c.hw.Encoder.SetDistance(0)
		return nil
	})
}

// unloadExtruder extracts the filament past the extruder gears.
func (c *Controller) unloadExtruder(ctx context.Context) error {
	return c.phase(ctx, "unload_extruder", func(ctx context.Context) error {
		c.log.Debug("Extracting filament from extruder")
		c.setDirection(DirectionUnload)
		if err := c.ensureMinTemp(ctx, -1); err != nil {
			return err
		}
		if _, err := c.servoUp(ctx); err != nil {
			return err
		}

		t := c.tun.snapshot()
		maxLength := t.HomePositionToNozzle + t.ToolheadHomingMax + 10
		step := c.settings.EncoderMoveStepSize
		c.log.Debug("Trying to exit the extruder, up to %.1fmm in %.1fmm steps", maxLength, step)
		speed := t.NozzleUnloadSpeed * 0.5 // first pull slower in case of no tip
		out := false
		for i := 0; i < int(maxLength/step); i++ {
			delta, err := c.traceMove(ctx, fmt.Sprintf("Step #%d:", i+1), MotorExtruder, -step, moveOpts{speed: speed})
			if err != nil {
				return err
			}
			speed = t.NozzleUnloadSpeed
			c.pos.Advance(-(step - delta))

			if c.settings.HasToolheadSensor {
				if !c.hw.ToolheadSensor.Triggered() {
					c.pos.Set(PositionAtToolheadSensor, c.pos.FilamentPos(), "toolhead sensor cleared")
					c.log.Debug("Toolhead sensor reached after %d moves", i+1)
					if _, err := c.traceMove(ctx, "Last sanity move", MotorExtruder, -t.ToolheadHomingMax, moveOpts{speed: speed}); err != nil {
						return err
					}
					out = true
					break
				}
			} else if step-delta <= 1 {
				c.log.Debug("Extruder entrance reached after %d moves", i+1)
				out = true
				break
			}
		}
		if !out {
			c.pos.Set(PositionInExtruder, c.pos.FilamentPos(), "stuck in extruder")
			return hosterrors.GateEmptyOrStuck(c.Gate(), "Filament seems to be stuck in the extruder")
		}
		c.log.Debug("Filament should be out of extruder")
		c.pos.Set(PositionEndOfBowden, c.pos.LandmarkOf(PositionAtExtruderEntry), "out of extruder")
		return nil
	})
}

// unloadBowden is the fast retract from the end of the bowden to just past
// the encoder.
func (c *Controller) unloadBowden(ctx context.Context, length float64, skipSyncMove bool) error {
	return c.phase(ctx, "unload_bowden", func(ctx context.Context) error {
		c.log.Debug("Unloading bowden tube")
		c.setDirection(DirectionUnload)
		t := c.tun.snapshot()
		tolerance := t.UnloadBowdenTolerance
		gate := c.Gate()
		if err := c.servoDown(ctx); err != nil {
			return err
		}

		calibrating := c.isCalibrating()
		if !calibrating {
			// The initial short move detects a badly seated servo. When
			// synchronized it also pulls the tip out of the extruder.
			sync := !skipSyncMove && t.SyncUnloadLength > 0
			initial, motor, msg := 10.0, MotorGear, "Unload"
			if sync {
				initial, motor, msg = t.SyncUnloadLength, MotorBoth, "Sync unload"
				c.log.Debug("Moving the gear and extruder motors in sync for %.1fmm", -initial)
			} else {
				c.log.Debug("Moving the gear motor for %.1fmm", -initial)
			}
			opts := moveOpts{speed: t.SyncUnloadSpeed, track: !sync}
			delta, err := c.traceMove(ctx, msg, motor, -initial, opts)
			if err != nil {
				return err
			}
			threshold := math.Max(initial*0.2, 1)
			if delta > threshold {
				c.log.Always("Error unloading filament - not enough detected at encoder. Suspect servo not properly down")
				c.log.Always("Adjusting 'extra_servo_dwell_down' may help. Retrying...")
				if err := c.reseatServo(ctx); err != nil {
					return err
				}
				if delta, err = c.traceMove(ctx, "Retrying unload move after servo reset", motor, -delta, opts); err != nil {
					return err
				}
				if delta > threshold {
					c.pos.Set(PositionInExtruder, c.pos.FilamentPos(), "stuck in extruder")
					return hosterrors.BowdenToleranceExceeded(gate,
						fmt.Sprintf("Too much slippage (%.1fmm) detected during the sync unload from extruder. Maybe still stuck in extruder", delta))
				}
			}
			c.pos.Advance(-(initial - delta))
			length -= initial - delta
		}

		moves := t.NumMoves
		if length < c.calibration().Ref/float64(t.NumMoves) {
			moves = 1
		}
		delta := 0.0
		for i := 0; i < moves; i++ {
			d, err := c.bowdenMove(ctx, fmt.Sprintf("Course unloading move #%d from bowden", i+1), -length/float64(moves))
			if err != nil {
				return err
			}
			delta += d
		}
		if !calibrating {
			if delta >= length*0.8 {
				return hosterrors.BowdenToleranceExceeded(gate,
					fmt.Sprintf("Failure to unload bowden. Perhaps filament is stuck in extruder. Moved %.1fmm, Encoder delta %.1fmm", length, delta))
			}
			if delta >= tolerance {
				c.log.Info("Warning: Excess slippage was detected in bowden tube unload. Moved %.1fmm, Encoder delta %.1fmm", length, delta)
			}
		}
		c.pos.Set(PositionAtEncoder, c.pos.FilamentPos(), "bowden unloaded")
		return nil
	})
}

// unloadEncoder steps the filament out of the encoder and parks it.
func (c *Controller) unloadEncoder(ctx context.Context, maxLength float64) error {
	return c.phase(ctx, "unload_encoder", func(ctx context.Context) error {
		c.log.Debug("Slow unload of the encoder")
		c.setDirection(DirectionUnload)
		step := c.settings.EncoderMoveStepSize
		maxSteps := int(maxLength/step) + 5
		if err := c.servoDown(ctx); err != nil {
			return err
		}
		for i := 0; i < maxSteps; i++ {
			delta, err := c.gearMove(ctx, fmt.Sprintf("Unloading step #%d from encoder", i+1), -step, moveOpts{})
			if err != nil {
				return err
			}
			c.pos.Advance(-(step - delta))
			if delta >= step*0.2 {
				c.pos.Set(PositionBeforeEncoder, c.pos.FilamentPos(), "out of encoder")
				park := c.settings.ParkingDistance - delta
				pd, err := c.gearMove(ctx, "Final parking", -park, moveOpts{})
				if err != nil {
					return err
				}
				if park-pd > 1 {
					c.log.Info("Warning: Possible encoder malfunction (free-spinning) during final filament parking")
				}
				c.pos.Set(PositionAtGate, 0, "parked")
				return nil
			}
		}
		return hosterrors.GateEmptyOrStuck(c.Gate(), "Unable to get the filament out of the encoder cart")
	})
}

// recoverPosition derives the most conservative filament position from the
// sensors. It is used before unloading from an unknown state.
func (c *Controller) recoverPosition(ctx context.Context) error {
	var p Position
	switch c.sensorState() {
	case -1:
		found, err := c.checkFilamentInEncoder(ctx)
		if err != nil {
			return err
		}
		p = PositionAtGate
		if found {
			p = PositionInExtruder
		}
	case 1:
		p = PositionAtNozzle
	default:
		found, err := c.checkFilamentInEncoder(ctx)
		if err != nil {
			return err
		}
		p = PositionAtGate
		if found {
			stuck, err := c.checkStuckInExtruder(ctx)
			if err != nil {
				return err
			}
			// InBowden prevents the fast unload move
			p = PositionInBowden
			if stuck {
				p = PositionInExtruder
			}
		}
	}
	return c.pos.Confirm(Observation{Position: p, FilamentPos: c.pos.LandmarkOf(p), Source: SourceSensor})
}
