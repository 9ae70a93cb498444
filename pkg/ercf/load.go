// Filament load protocol
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

// selectAndLoad selects a tool and loads it to the nozzle.
func (c *Controller) selectAndLoad(ctx context.Context, tool int) error {
	c.log.Debug("Loading tool T%d...", tool)
	if err := c.selectTool(ctx, tool); err != nil {
		return err
	}
	gate := c.Gate()
	if c.mapping.GateStatus(gate) == GateStatusEmpty {
		return hosterrors.GateEmptyOrStuck(gate, fmt.Sprintf("Gate %d is empty!", gate))
	}
	return c.loadSequence(ctx, c.calibration().Ref, false)
}

// loadSequence loads length mm. A length of at least the calibration
// reference is a full load that homes and enters the extruder.
func (c *Controller) loadSequence(ctx context.Context, length float64, noExtruder bool) error {
	return c.phase(ctx, "load", func(ctx context.Context) (err error) {
		c.log.Info("Loading filament...")
		c.setState(StateLoading)
		c.setDirection(DirectionLoad)
		c.pos.Set(PositionAtGate, 0, "load started")

		ref := c.calibration().Ref
		home := false
		if length >= ref {
			if length > ref {
				c.log.Info("Restricting load length to extruder calibration reference of %.1fmm", ref)
				length = ref
			}
			home = true
		}

		c.hw.Encoder.SetDistance(0)
		gate, start := c.Gate(), c.now()
		defer func() { c.stats.TrackLoad(gate, c.now().Sub(start), err == nil) }()

		measured, err := c.loadEncoder(ctx, true, true)
		if err != nil {
			return err
		}
		bowden := length - measured
		if home {
			if est, eerr := c.pos.EstimateDistanceTo(PositionAtExtruderEntry); eerr == nil {
				bowden = est
			}
		}
		if bowden > 0 {
			if home {
				if err = c.ensureMinTemp(ctx, -1); err != nil {
					return err
				}
			}
			if err = c.loadBowden(ctx, bowden); err != nil {
				return err
			}
		}

		if home {
			c.pos.Set(PositionEndOfBowden, c.pos.FilamentPos(), "bowden loaded")
			c.log.Debug("Full length load, will home filament...")
			if c.Strategy().HomesToExtruder() {
				if err = c.homeToExtruder(ctx, c.tun.snapshot().ExtruderHomingMax); err != nil {
					return err
				}
			}
			if !noExtruder {
				if err = c.loadExtruder(ctx, false); err != nil {
					return err
				}
			}
		}
		c.log.Info("Loaded %.1fmm of filament", c.hw.Encoder.Distance())
		c.hw.Encoder.SetDistance(0)
		return nil
	})
}

// loadEncoder pulls filament from the gate past the encoder and returns the
// measured distance.
func (c *Controller) loadEncoder(ctx context.Context, retry, servoUpOnError bool) (float64, error) {
	if err := c.servoDown(ctx); err != nil {
		return 0, err
	}
	c.setDirection(DirectionLoad)
	gate := c.Gate()
	initial := c.hw.Encoder.Distance()
	retries := 1
	if retry {
		retries = c.settings.LoadEncoderRetries
	}
	for i := 0; i < retries; i++ {
		msg := "Initial load into encoder"
		if i > 0 {
			msg = fmt.Sprintf("Retry load into encoder #%d", i)
		}
		delta, err := c.gearMove(ctx, msg, longMoveThreshold, moveOpts{})
		if err != nil {
			return 0, err
		}
		if longMoveThreshold-delta > minLoadDetect {
			c.setGateStatus(gate, GateStatusAvailable)
			measured := c.hw.Encoder.Distance() - initial
			c.pos.Set(PositionAtEncoder, c.settings.ParkingDistance+measured, "past encoder")
			return measured, nil
		}
		if i < retries-1 {
			c.log.Debug("Error loading filament - not enough detected at encoder. Retrying...")
			if err := c.reseatServo(ctx); err != nil {
				return 0, err
			}
		} else {
			c.log.Debug("Error loading filament - not enough detected at encoder")
		}
	}
	c.setGateStatus(gate, GateStatusUnknown)
	c.pos.Set(PositionAtGate, 0, "nothing at encoder")
	if servoUpOnError {
		if _, err := c.servoUp(ctx); err != nil {
			return 0, err
		}
	}
	return 0, hosterrors.GateEmptyOrStuck(gate, "Error picking up filament at gate - not enough movement detected at encoder")
}

// loadBowden is the fast transit to the approximate end of the bowden.
func (c *Controller) loadBowden(ctx context.Context, length float64) error {
	return c.phase(ctx, "load_bowden", func(ctx context.Context) error {
		c.log.Debug("Loading bowden tube")
		t := c.tun.snapshot()
		tolerance := t.LoadBowdenTolerance
		c.setDirection(DirectionLoad)
		if err := c.servoDown(ctx); err != nil {
			return err
		}

		moves := t.NumMoves
		if length < c.calibration().Ref/float64(t.NumMoves) {
			moves = 1
		}
		delta := 0.0
		for i := 0; i < moves; i++ {
			d, err := c.bowdenMove(ctx, fmt.Sprintf("Course loading move #%d into bowden", i+1), length/float64(moves))
			if err != nil {
				return err
			}
			delta += d
		}

		if c.isCalibrating() {
			return nil
		}
		if delta >= tolerance {
			if t.ApplyBowdenCorrection {
				for i := 0; i < 2 && delta >= tolerance; i++ {
					d, err := c.bowdenMove(ctx, fmt.Sprintf("Correction load move #%d into bowden", i+1), delta)
					if err != nil {
						return err
					}
					delta = d
					c.log.Debug("Correction load move was necessary, encoder now measures %.1fmm", c.hw.Encoder.Distance())
				}
				if delta >= tolerance {
					c.log.Info("Warning: Excess slippage was detected in bowden tube load afer correction moves. Moved %.1fmm, Encoder delta %.1fmm", length, delta)
				}
			} else {
				c.log.Info("Warning: Excess slippage was detected in bowden tube load but 'apply_bowden_correction' is disabled. Moved %.1fmm, Encoder delta %.1fmm", length, delta)
			}
			if delta >= tolerance {
				c.log.Debug("Possible causes of slippage:\nCalibration ref length too long (hitting extruder gear before homing)\nCalibration ratio for gate is not accurate\nERCF gears are not properly gripping filament\nEncoder reading is inaccurate\nFaulty servo")
			}
		} else if t.ApplyBowdenCorrection && t.BowdenCorrectionSymmetric && delta <= -tolerance {
			for i := 0; i < 2 && delta <= -tolerance; i++ {
				over := -delta
				d, err := c.bowdenMove(ctx, fmt.Sprintf("Correction retract move #%d in bowden", i+1), -over)
				if err != nil {
					return err
				}
				delta = -d
				c.log.Debug("Correction retract was necessary, encoder now measures %.1fmm", c.hw.Encoder.Distance())
			}
			if delta <= -tolerance {
				c.log.Info("Warning: Encoder over-read in bowden tube load after correction moves. Moved %.1fmm, Encoder delta %.1fmm", length, delta)
			}
		}
		return nil
	})
}

// bowdenMove is a tracked gear move that advances the position model by
// the measured travel.
func (c *Controller) bowdenMove(ctx context.Context, msg string, distance float64) (float64, error) {
	delta, err := c.gearMove(ctx, msg, distance, moveOpts{track: true})
	if err != nil {
		return 0, err
	}
	measured := math.Abs(distance) - delta
	if distance < 0 {
		measured = -measured
	}
	c.pos.Advance(measured)
	c.pos.Set(PositionInBowden, c.pos.FilamentPos(), "bowden move")
	return delta, nil
}

// homeToExtruder snugs the filament up to the extruder gears.
func (c *Controller) homeToExtruder(ctx context.Context, maxLength float64) error {
	return c.phase(ctx, "home_to_extruder", func(ctx context.Context) error {
		if err := c.servoDown(ctx); err != nil {
			return err
		}
		c.setDirection(DirectionLoad)
		if err := c.ensureMinTemp(ctx, -1); err != nil {
			return err
		}
		var (
			homed    bool
			measured float64
			err      error
		)
		if c.Strategy().Stallguard {
			homed, measured, err = c.homeToExtruderStallguard(ctx, maxLength)
		} else {
			homed, measured, err = c.homeToExtruderCollision(ctx, maxLength)
		}
		if err != nil {
			return err
		}
		if !homed {
			c.pos.Set(PositionEndOfBowden, c.pos.FilamentPos()+measured, "extruder not found")
			return hosterrors.ExtruderHomingFailed(c.Gate(), fmt.Sprintf("Failed to reach extruder gear after moving %.1fmm", maxLength))
		}
		if measured > maxLength*0.8 {
			c.log.Info("Warning: 80%% of 'extruder_homing_max' was used homing. You may want to increase your initial load distance ('ercf_calib_ref') or increase 'extruder_homing_max'")
		}
		return c.pos.Confirm(Observation{
			Position:    PositionAtExtruderEntry,
			FilamentPos: c.pos.FilamentPos() + measured,
			Source:      SourceSensor,
		})
	})
}

func (c *Controller) homeToExtruderCollision(ctx context.Context, maxLength float64) (bool, float64, error) {
	t := c.tun.snapshot()
	step := t.ExtruderHomingStep
	c.log.Debug("Homing to extruder gear, up to %.1fmm in %.1fmm steps", maxLength, step)
	if t.ExtruderHomingCurrent < 100 {
		c.log.Debug("Temporarily reducing gear_stepper run current to %.0f%% for collision detection", t.ExtruderHomingCurrent)
		c.hw.Drive.SetGearCurrent(t.ExtruderHomingCurrent)
		defer c.hw.Drive.SetGearCurrent(100)
	}

	initial := c.hw.Encoder.Distance()
	homed := false
	var measured, totalDelta float64
	steps := int(maxLength / step)
	i := 0
	for ; i < steps; i++ {
		delta, err := c.gearMove(ctx, fmt.Sprintf("Homing step #%d", i+1), step, moveOpts{speed: homingSpeed, accel: c.settings.GearHomingAccel})
		if err != nil {
			return false, 0, err
		}
		measured = c.hw.Encoder.Distance() - initial
		totalDelta = step*float64(i+1) - measured
		if delta >= step/2 || math.Abs(totalDelta) > step {
			homed = true
			break
		}
	}
	not := " not"
	if homed {
		not = ""
		i++
	}
	c.log.Debug("Extruder%s found after %.1fmm move (%d steps), encoder measured %.1fmm (total_delta %.1fmm)",
		not, step*float64(i), i, measured, totalDelta)
	if totalDelta > 5 {
		c.log.Info("Warning: A lot of slippage was detected whilst homing to extruder, you may want to reduce 'extruder_homing_current' and/or ensure a good grip on filament by gear drive")
	}
	return homed, measured, nil
}

func (c *Controller) homeToExtruderStallguard(ctx context.Context, maxLength float64) (bool, float64, error) {
	c.log.Debug("Homing to extruder gear with stallguard, up to %.1fmm", maxLength)
	initial := c.hw.Encoder.Distance()
	if _, err := c.traceMove(ctx, "Homing filament", MotorGear, maxLength,
		moveOpts{speed: homingSpeed, accel: c.settings.GearHomingAccel, homing: true}); err != nil {
		return false, 0, err
	}
	measured := c.hw.Encoder.Distance() - initial
	if measured < maxLength {
		c.log.Debug("Extruder entrance reached after %.1fmm", measured)
		return true, measured, nil
	}
	return false, measured, nil
}

// homeToToolheadSensor aligns the tip to the toolhead sensor.
func (c *Controller) homeToToolheadSensor(ctx context.Context, skipEntryMoves bool) error {
	return c.phase(ctx, "home_to_sensor", func(ctx context.Context) error {
		gate := c.Gate()
		if c.hw.ToolheadSensor.Triggered() {
			return hosterrors.ToolheadHomingFailed(gate, "Toolhead sensor malfunction - filament detected before it entered extruder!")
		}
		t := c.tun.snapshot()
		sync := !skipEntryMoves && t.SyncLoadLength > 0
		if sync {
			if err := c.servoDown(ctx); err != nil {
				return err
			}
		}
		step := t.ToolheadHomingStep
		syncStr := ""
		if sync {
			syncStr = " (synced)"
		}
		c.log.Debug("Homing to toolhead sensor%s, up to %.1fmm in %.1fmm steps", syncStr, t.ToolheadHomingMax, step)
		for i := 0; i < int(t.ToolheadHomingMax/step); i++ {
			moved := step * float64(i+1)
			if !sync {
				if _, err := c.servoUp(ctx); err != nil {
					return err
				}
			}
			motor := MotorExtruder
			if sync {
				motor = MotorBoth
			}
			delta, err := c.traceMove(ctx, fmt.Sprintf("Homing step #%d", i+1), motor, step, moveOpts{speed: sensorSpeed})
			if err != nil {
				return err
			}
			c.pos.Advance(step - delta)
			if c.hw.ToolheadSensor.Triggered() {
				c.log.Debug("Toolhead sensor reached after %.1fmm (%d moves)", moved, i+1)
				break
			}
		}
		if !c.hw.ToolheadSensor.Triggered() {
			return hosterrors.ToolheadHomingFailed(gate, fmt.Sprintf("Failed to reach toolhead sensor after moving %.1fmm", t.ToolheadHomingMax))
		}
		return c.pos.Confirm(Observation{
			Position:    PositionAtToolheadSensor,
			FilamentPos: c.pos.FilamentPos(),
			Source:      SourceSensor,
		})
	})
}

// loadExtruder moves the filament from the extruder entrance to the nozzle.
func (c *Controller) loadExtruder(ctx context.Context, skipEntryMoves bool) error {
	return c.phase(ctx, "load_extruder", func(ctx context.Context) error {
		c.setDirection(DirectionLoad)
		if err := c.ensureMinTemp(ctx, -1); err != nil {
			return err
		}
		sensorEntry := c.Strategy().Kind == EntrySensorHoming
		if sensorEntry {
			if err := c.homeToToolheadSensor(ctx, skipEntryMoves); err != nil {
				return err
			}
		}

		t := c.tun.snapshot()
		length := t.HomePositionToNozzle
		c.log.Debug("Loading last %.1fmm to the nozzle...", length)
		initial := c.hw.Encoder.Distance()

		if !sensorEntry && !skipEntryMoves {
			if t.DelayServoRelease > 0 {
				if _, err := c.traceMove(ctx, "Small extruder move under filament tension before servo release",
					MotorExtruder, t.DelayServoRelease, moveOpts{speed: t.SyncLoadSpeed}); err != nil {
					return err
				}
				length -= t.DelayServoRelease
			}
			if t.SyncLoadLength > 0 {
				if err := c.servoDown(ctx); err != nil {
					return err
				}
				c.log.Debug("Moving the gear and extruder motors in sync for %.1fmm", t.SyncLoadLength)
				if _, err := c.traceMove(ctx, "Sync load move", MotorBoth, t.SyncLoadLength, moveOpts{speed: t.SyncLoadSpeed}); err != nil {
					return err
				}
				length -= t.SyncLoadLength
			}
		}

		if _, err := c.servoUp(ctx); err != nil {
			return err
		}
		if _, err := c.traceMove(ctx, "Remainder of final move to meltzone", MotorExtruder, length, moveOpts{speed: t.NozzleLoadSpeed}); err != nil {
			return err
		}

		measured := c.hw.Encoder.Distance() - initial
		totalDelta := t.HomePositionToNozzle - measured
		c.log.Debug("Total measured movement: %.1fmm, total delta: %.1fmm", measured, totalDelta)
		tolerance := math.Max(c.calibration().DetectionLength(), t.HomePositionToNozzle*0.5)
		if totalDelta > tolerance {
			msg := "Move to nozzle failed (encoder not sensing sufficient movement). Extruder may not have picked up filament or filament did not home correctly"
			if !t.IgnoreExtruderLoadError {
				c.pos.Set(PositionInExtruder, c.pos.FilamentPos()+measured, "move to nozzle failed")
				return hosterrors.GateEmptyOrStuck(c.Gate(), msg)
			}
			c.log.Always("Ignoring: %s", msg)
		}
		c.pos.Set(PositionAtNozzle, c.pos.LandmarkOf(PositionAtNozzle), "loaded")
		c.log.Info("ERCF load successful")
		return nil
	})
}
