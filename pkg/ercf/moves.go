// Motor helpers. Every filament move goes through traceMove.
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
	buzzDistance  = 2.0
	homingSpeed   = 5.0
	sensorSpeed   = 10.0
	checkSpeed    = 25.0
	formTipPark   = 35.0
	minLoadDetect = 6.0
)

// moveOpts tunes a single traced move.
type moveOpts struct {
	speed  float64
	accel  float64
	homing bool
	track  bool
}

// traceMove issues a move and returns the encoder delta. A positive delta
// means the encoder measured less than was commanded.
func (c *Controller) traceMove(ctx context.Context, msg string, motor Motor, distance float64, o moveOpts) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, hosterrors.Wrap(err, hosterrors.ErrRuntime, msg+" aborted")
	}
	t := c.tun.snapshot()
	if o.speed == 0 {
		o.speed = t.ShortMovesSpeed
		if math.Abs(distance) > longMoveThreshold {
			o.speed = t.LongMovesSpeed
		}
	}
	if motor == MotorBoth && o.accel == 0 {
		o.accel = c.settings.GearSyncAccel
	}
	mv := Move{Motor: motor, Distance: distance, Speed: o.speed, Accel: o.accel}
	c.log.Trace("%s: dist=%.1f, speed=%.0f, accel=%.0f", motor, distance, o.speed, o.accel)

	start := c.hw.Encoder.Distance()
	var err error
	if o.homing {
		_, _, err = c.hw.Drive.HomingMove(ctx, mv)
	} else {
		err = c.hw.Drive.Move(ctx, mv)
	}
	end := c.hw.Encoder.Distance()
	if err != nil {
		return 0, hosterrors.Wrap(err, hosterrors.ErrRuntime, msg+" failed")
	}
	measured := end - start
	delta := math.Abs(distance) - measured
	c.log.Trace("%s. Stepper: '%s' moved %.1fmm, encoder measured %.1fmm (delta %.1fmm). Counter: @%.1fmm",
		msg, motor, distance, measured, delta, end)

	gate := c.Gate()
	if motor == MotorGear && o.track {
		tolerance := t.LoadBowdenTolerance
		if distance < 0 {
			tolerance = t.UnloadBowdenTolerance
		}
		c.stats.TrackMove(gate, distance, delta, tolerance)
	}
	c.publish(Event{Kind: EventMove, Motor: motor, Distance: distance, Delta: delta, Gate: gate, EncoderMM: end})
	return delta, nil
}

func (c *Controller) gearMove(ctx context.Context, msg string, distance float64, o moveOpts) (float64, error) {
	return c.traceMove(ctx, msg, MotorGear, distance, o)
}

func (c *Controller) servoState() ServoState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.servo
}

func (c *Controller) setServo(s ServoState) {
	c.mu.Lock()
	c.s.servo = s
	c.mu.Unlock()
}

// servoDown engages the gear. It is a no-op in bypass.
func (c *Controller) servoDown(ctx context.Context) error {
	if c.servoState() == ServoDown || c.Tool() == ToolBypass {
		return nil
	}
	c.log.Debug("Setting servo to down position")
	c.setServo(ServoUnknown)
	if err := c.hw.Servo.Down(ctx); err != nil {
		return hosterrors.Wrap(err, hosterrors.ErrRuntime, "servo down failed")
	}
	c.setServo(ServoDown)
	return nil
}

// servoUp releases the gear and returns the measured spring in the
// filament. The encoder is reset to ignore the spring back.
func (c *Controller) servoUp(ctx context.Context) (float64, error) {
	if c.servoState() == ServoUp {
		return 0, nil
	}
	initial := c.hw.Encoder.Distance()
	c.log.Debug("Setting servo to up position")
	c.setServo(ServoUnknown)
	if err := c.hw.Servo.Up(ctx); err != nil {
		return 0, hosterrors.Wrap(err, hosterrors.ErrRuntime, "servo up failed")
	}
	c.setServo(ServoUp)
	delta := c.hw.Encoder.Distance() - initial
	if delta > 0 {
		c.log.Debug("Spring in filament measured %.1fmm - adjusting encoder", delta)
		c.hw.Encoder.SetDistance(initial)
	}
	return delta, nil
}

// reseatServo lifts and drops the servo after a failed grip.
func (c *Controller) reseatServo(ctx context.Context) error {
	c.stats.TrackServoRetry(c.Gate())
	if _, err := c.servoUp(ctx); err != nil {
		return err
	}
	return c.servoDown(ctx)
}

// buzzGear wiggles the gear and reports whether the encoder saw filament.
func (c *Controller) buzzGear(ctx context.Context) (bool, error) {
	initial := c.hw.Encoder.Distance()
	t := c.tun.snapshot()
	for _, d := range []float64{buzzDistance, -buzzDistance} {
		mv := Move{Motor: MotorGear, Distance: d, Speed: t.ShortMovesSpeed, Accel: c.settings.GearBuzzAccel}
		if err := c.hw.Drive.Move(ctx, mv); err != nil {
			return false, hosterrors.Wrap(err, hosterrors.ErrRuntime, "gear buzz failed")
		}
	}
	delta := c.hw.Encoder.Distance() - initial
	c.log.Trace("After buzzing gear motor, encoder moved %.2f", delta)
	c.hw.Encoder.SetDistance(initial)
	return delta > 0, nil
}

// sensorState is 1 when the toolhead sensor detects filament, 0 when it
// does not and -1 without a sensor.
func (c *Controller) sensorState() int {
	if !c.settings.HasToolheadSensor {
		return -1
	}
	if c.hw.ToolheadSensor.Triggered() {
		c.log.Trace("(Toolhead sensor detects filament)")
		return 1
	}
	c.log.Trace("(Toolhead sensor does not detect filament)")
	return 0
}

// checkFilamentInEncoder looks for filament by buzzing the gear.
func (c *Controller) checkFilamentInEncoder(ctx context.Context) (bool, error) {
	c.log.Debug("Checking for filament in encoder...")
	if c.sensorState() == 1 {
		c.log.Debug("Filament must be in encoder because reported in extruder by toolhead sensor")
		return true, nil
	}
	if err := c.servoDown(ctx); err != nil {
		return false, err
	}
	found, err := c.buzzGear(ctx)
	if err != nil {
		return false, err
	}
	c.log.Debug("Filament %s in encoder after buzzing gear motor", detected(found))
	return found, nil
}

// checkStuckInExtruder retracts with the extruder and reports whether the
// encoder followed.
func (c *Controller) checkStuckInExtruder(ctx context.Context) (bool, error) {
	c.log.Debug("Checking for possibility of filament stuck in extruder gears...")
	if err := c.ensureMinTemp(ctx, -1); err != nil {
		return false, err
	}
	if _, err := c.servoUp(ctx); err != nil {
		return false, err
	}
	thm := c.tun.snapshot().ToolheadHomingMax
	delta, err := c.traceMove(ctx, "Checking extruder", MotorExtruder, -thm, moveOpts{speed: checkSpeed})
	if err != nil {
		return false, err
	}
	return thm-delta > 1, nil
}

// ensureMinTemp heats the extruder so it can move filament. A temp of -1
// only heats when the extruder is too cold to extrude.
func (c *Controller) ensureMinTemp(ctx context.Context, temp float64) error {
	if c.hooks.HeatExtruder == nil {
		return nil
	}
	if temp < 0 {
		if c.hooks.CanExtrude == nil || c.hooks.CanExtrude() {
			return nil
		}
		temp = c.settings.MinTempExtruder
		c.log.Info("Heating extruder to minimum temp (%.1f)", temp)
	} else {
		if c.hooks.ExtruderTarget != nil && c.hooks.ExtruderTarget() >= temp {
			return nil
		}
		c.log.Info("Heating extruder to desired temp (%.1f)", temp)
	}
	if err := c.hooks.HeatExtruder(ctx, temp, true); err != nil {
		return hosterrors.Wrap(err, hosterrors.ErrRuntime, "heating extruder failed")
	}
	return nil
}

// applyGateRatio scales the gear for the selected gate.
func (c *Controller) applyGateRatio(gate int) {
	ratio, ok := c.calibration().GateRatio(gate)
	if !ok {
		c.log.Always("Warning: ercf_calib_%d value is invalid. Using reference 1.0. Re-run ERCF_CALIBRATE_SINGLE TOOL=%d", gate, gate)
	}
	c.log.Trace("Setting gear motor rotation distance ratio %.6f", ratio)
	c.hw.Drive.SetGearRatio(ratio)
}

// formTip runs the standalone tip forming procedure and reports whether
// the encoder moved. The encoder is credited with the park offset.
func (c *Controller) formTip(ctx context.Context) (bool, error) {
	c.log.Info("Forming tip...")
	if err := c.ensureMinTemp(ctx, c.settings.MinTempExtruder); err != nil {
		return false, err
	}
	if _, err := c.servoUp(ctx); err != nil {
		return false, err
	}
	t := c.tun.snapshot()
	boost := c.hooks.ExtruderCurrent != nil && t.ExtruderFormTipCurrent > 100
	if boost {
		c.log.Debug("Temporarily increasing extruder run current to %.0f%% for tip forming move", t.ExtruderFormTipCurrent)
		c.hooks.ExtruderCurrent(t.ExtruderFormTipCurrent)
		defer c.hooks.ExtruderCurrent(100)
	}
	initial := c.hw.Encoder.Distance()
	if err := call(ctx, c.hooks.FormTip); err != nil {
		return false, hosterrors.Wrap(err, hosterrors.ErrRuntime, "tip forming failed")
	}
	delta := c.hw.Encoder.Distance() - initial
	c.log.Trace("After tip formation, encoder moved %.2f", delta)
	c.hw.Encoder.SetDistance(initial + formTipPark)
	return delta > 0, nil
}

// saveToolheadAndLift remembers the toolhead position once and lifts it.
func (c *Controller) saveToolheadAndLift(ctx context.Context) error {
	c.mu.Lock()
	saved := c.s.savedToolhead
	c.s.savedToolhead = true
	c.mu.Unlock()
	if saved {
		c.log.Debug("Asked to save toolhead position but it is already saved. Ignored")
		return nil
	}
	c.log.Debug("Saving toolhead position")
	if err := call(ctx, c.hooks.SaveToolhead); err != nil {
		return hosterrors.Wrap(err, hosterrors.ErrRuntime, "saving toolhead position failed")
	}
	t := c.tun.snapshot()
	if t.ZHopHeight > 0 && c.hooks.LiftToolhead != nil {
		c.log.Debug("Lifting toolhead %.1fmm", t.ZHopHeight)
		if err := c.hooks.LiftToolhead(ctx, t.ZHopHeight, t.ZHopSpeed); err != nil {
			return hosterrors.Wrap(err, hosterrors.ErrRuntime, "lifting toolhead failed")
		}
	}
	return nil
}

func (c *Controller) restoreToolhead(ctx context.Context) error {
	c.mu.Lock()
	saved := c.s.savedToolhead
	c.s.savedToolhead = false
	c.mu.Unlock()
	if !saved || c.hooks.RestoreToolhead == nil {
		return nil
	}
	c.log.Debug("Restoring toolhead position")
	if err := c.hooks.RestoreToolhead(ctx, c.tun.snapshot().ZHopSpeed); err != nil {
		return hosterrors.Wrap(err, hosterrors.ErrRuntime, "restoring toolhead position failed")
	}
	return nil
}

func detected(found bool) string {
	if found {
		return "detected"
	}
	return "not detected"
}

func toolString(tool int) string {
	switch tool {
	case ToolBypass:
		return "bypass"
	case ToolUnknown:
		return "unknown"
	}
	return fmt.Sprintf("T%d", tool)
}

func gateString(tool, gate int) string {
	switch {
	case tool == ToolBypass:
		return "bypass"
	case gate == GateUnknown:
		return "unknown"
	}
	return fmt.Sprintf("#%d", gate)
}
