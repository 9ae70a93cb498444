// Length, gear ratio and encoder calibration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	hosterrors "ercf-go/pkg/errors"
)

const (
	calibrationHomingMax = 400.0
	ratioTestShortfall   = 100.0
	outlierSigmas        = 3.0
	// madScale turns a median absolute deviation into a normal stdev
	madScale = 1.4826
	// outlierFloor is the deviation from the median, as a fraction of it,
	// that is always tolerated
	outlierFloor = 0.01
)

// SampleStats summarizes repeated measurements.
type SampleStats struct {
	Mean  float64
	Stdev float64
	Min   float64
	Max   float64
	Range float64
}

func (s SampleStats) String() string {
	return fmt.Sprintf("mean=%.2f stdev=%.2f min=%.0f max=%.0f range=%.0f", s.Mean, s.Stdev, s.Min, s.Max, s.Range)
}

func sampleStats(values []float64) SampleStats {
	if len(values) == 0 {
		return SampleStats{}
	}
	s := SampleStats{Min: values[0], Max: values[0]}
	sum := 0.0
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(len(values))
	diff2 := 0.0
	for _, v := range values {
		diff2 += (v - s.Mean) * (v - s.Mean)
	}
	s.Stdev = math.Sqrt(diff2 / float64(max(len(values)-1, 1)))
	s.Range = s.Max - s.Min
	return s
}

// median returns the middle of values, averaging the two middle ones for
// an even count.
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// rejectOutliers drops values further from the median than sigmas robust
// standard deviations, estimated from the median absolute deviation.
// Deviations within outlierFloor of the median are always kept.
func rejectOutliers(values []float64, sigmas float64) []float64 {
	if len(values) < 3 {
		return values
	}
	mid := median(values)
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - mid)
	}
	limit := math.Max(sigmas*madScale*median(devs), outlierFloor*math.Abs(mid))
	kept := make([]float64, 0, len(values))
	for i, v := range values {
		if devs[i] <= limit {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return values
	}
	return kept
}

// CalibrationPass is one reference homing pass.
type CalibrationPass struct {
	Measured  float64
	Spring    float64
	Reference float64
}

// referenceFromSamples averages the passes that sprung back. It returns
// the reference, the clog detection length and the number of usable
// passes.
func referenceFromSamples(passes []CalibrationPass, factor float64) (float64, float64, int) {
	var refs []float64
	springMax := 0.0
	for _, p := range passes {
		if p.Spring <= 0 {
			continue
		}
		refs = append(refs, p.Measured-p.Spring*factor)
		springMax = math.Max(springMax, p.Spring)
	}
	if len(refs) == 0 {
		return 0, 0, 0
	}
	return sampleStats(refs).Mean, springMax * 3, len(refs)
}

// CalibrationResult reports a reference or ratio calibration.
type CalibrationResult struct {
	Tool       int
	Reference  float64
	ClogLength float64
	Ratio      float64
	// Saved is false when the result was only reported.
	Saved  bool
	Passes []CalibrationPass
}

// EncoderCalibration reports an encoder resolution measurement.
type EncoderCalibration struct {
	Load       SampleStats
	Unload     SampleStats
	Resolution float64
	OldLength  float64
	NewLength  float64
}

// Calibrate resets the tool map and calibrates every gate: the reference
// length on gate 0 and the gear ratio on the others.
func (c *Controller) Calibrate(ctx context.Context) ([]CalibrationResult, error) {
	var results []CalibrationResult
	err := c.run(ctx, "calibrate", StateCalibrating, func(ctx context.Context) error {
		if err := c.checkInBypass(); err != nil {
			return err
		}
		c.resetTTG(ctx)
		c.setCalibrating(true)
		defer c.setCalibrating(false)
		c.log.Always("Start the complete auto calibration...")
		if err := c.home(ctx, 0, false); err != nil {
			return c.calibrationFailed(err, "Calibration aborted")
		}
		for gate := 0; gate < c.settings.NumGates(); gate++ {
			var (
				res CalibrationResult
				err error
			)
			if gate == 0 {
				res, err = c.calibrateReference(ctx, 3)
			} else {
				res, err = c.calibrateRatio(ctx, gate)
			}
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		c.log.Always("End of the complete auto calibration!")
		return nil
	})
	return results, err
}

// CalibrateSingle calibrates one tool. Tool 0 without validate measures
// the reference length; anything else measures the gear ratio.
func (c *Controller) CalibrateSingle(ctx context.Context, tool, repeats int, validate bool) (CalibrationResult, error) {
	if tool < 0 || tool >= c.settings.NumGates() {
		return CalibrationResult{}, hosterrors.InvalidParameter("tool", fmt.Sprintf("Tool %d does not exist", tool))
	}
	if repeats < 1 || repeats > 10 {
		return CalibrationResult{}, hosterrors.InvalidParameter("repeats", "must be between 1 and 10")
	}
	var res CalibrationResult
	err := c.run(ctx, "calibrate_single", StateCalibrating, func(ctx context.Context) error {
		if err := c.checkInBypass(); err != nil {
			return err
		}
		// Historically the parameter is a tool, not a gate
		c.resetTTG(ctx)
		c.setCalibrating(true)
		defer c.setCalibrating(false)
		if err := c.home(ctx, tool, false); err != nil {
			return c.calibrationFailed(err, "Calibration aborted")
		}
		var err error
		if tool == 0 && !validate {
			res, err = c.calibrateReference(ctx, repeats)
		} else {
			res, err = c.calibrateRatio(ctx, tool)
		}
		return err
	})
	return res, err
}

// calibrationFailed turns a protocol error into a diagnostic and forgets
// the filament position.
func (c *Controller) calibrationFailed(err error, msg string) error {
	c.pos.Invalidate("calibration failed")
	if hosterrors.CodeOf(err) == hosterrors.ErrCalibration {
		return err
	}
	return hosterrors.Wrap(err, hosterrors.ErrCalibration, msg)
}

func (c *Controller) calibrateReference(ctx context.Context, repeats int) (CalibrationResult, error) {
	res := CalibrationResult{Tool: 0, Ratio: 1}
	err := c.phase(ctx, "calibrate_reference", func(ctx context.Context) error {
		c.log.Always("Calibrating reference tool T0")
		if err := c.selectTool(ctx, 0); err != nil {
			return err
		}
		c.hw.Drive.SetGearRatio(1)
		if err := c.ensureMinTemp(ctx, -1); err != nil {
			return err
		}
		factor := c.Strategy().SpringFactor()
		for i := 0; i < repeats; i++ {
			if err := c.servoDown(ctx); err != nil {
				return err
			}
			c.hw.Encoder.SetDistance(0)
			c.pos.Set(PositionAtGate, 0, "calibration pass")
			moved, err := c.loadEncoder(ctx, false, true)
			if err != nil {
				return err
			}
			if err := c.loadBowden(ctx, c.settings.CalibrationBowdenLength-moved); err != nil {
				return err
			}
			c.log.Info("Finding extruder gear position (try #%d of %d)...", i+1, repeats)
			if err := c.homeToExtruder(ctx, calibrationHomingMax); err != nil {
				return err
			}
			measured := c.hw.Encoder.Distance()
			spring, err := c.servoUp(ctx)
			if err != nil {
				return err
			}
			pass := CalibrationPass{Measured: measured, Spring: spring, Reference: measured - spring*factor}
			res.Passes = append(res.Passes, pass)
			if spring > 0 {
				c.log.Always("Pass #%d: Filament homed to extruder, encoder measured %.1fmm, filament sprung back %.1fmm\n- Calibration reference based on this pass is %.1f",
					i+1, measured, spring, pass.Reference)
			} else {
				c.log.Always("Failed to detect a reliable home position on this attempt")
			}

			c.hw.Encoder.SetDistance(0)
			if err := c.unloadBowden(ctx, pass.Reference-c.settings.UnloadBuffer, false); err != nil {
				return err
			}
			if err := c.unloadEncoder(ctx, c.settings.UnloadBuffer); err != nil {
				return err
			}
		}

		ref, clogLength, n := referenceFromSamples(res.Passes, factor)
		if n == 0 {
			return hosterrors.CalibrationError(fmt.Sprintf("All %d attempts at homing failed. ERCF needs some adjustments!", repeats))
		}
		res.Reference, res.ClogLength, res.Saved = ref, clogLength, true
		msg := fmt.Sprintf("Recommended calibration reference is %.1fmm", ref)
		if c.settings.EnableClogDetection {
			msg += fmt.Sprintf(". Clog detection length set to: %.1fmm", clogLength)
		}
		c.log.Always("%s", msg)
		c.commitReference(ref, clogLength)
		return nil
	})
	if _, uerr := c.servoUp(ctx); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return res, c.calibrationFailed(err, "Calibration of reference tool T0 failed. Aborting")
	}
	return res, nil
}

func (c *Controller) commitReference(ref, clogLength float64) {
	c.mu.Lock()
	ratios := make(map[int]float64, len(c.s.calib.Ratios)+1)
	for g, r := range c.s.calib.Ratios {
		ratios[g] = r
	}
	ratios[0] = 1
	c.s.calib = Calibration{Version: calibrationVersion, Ref: ref, ClogLength: clogLength, Ratios: ratios}
	calib := c.s.calib
	c.mu.Unlock()
	c.clog.SetDetectionLength(calib.DetectionLength())
	c.persistCalibration(calib)
	c.publish(Event{Kind: EventCalibrated, Gate: 0, CalibRef: ref})
}

func (c *Controller) calibrateRatio(ctx context.Context, tool int) (CalibrationResult, error) {
	res := CalibrationResult{Tool: tool}
	err := c.phase(ctx, "calibrate_ratio", func(ctx context.Context) error {
		loadLength := c.settings.CalibrationBowdenLength - ratioTestShortfall
		if err := c.selectTool(ctx, tool); err != nil {
			return err
		}
		c.hw.Drive.SetGearRatio(1)
		if err := c.servoDown(ctx); err != nil {
			return err
		}
		c.hw.Encoder.SetDistance(0)
		c.pos.Set(PositionAtGate, 0, "ratio calibration")
		moved, err := c.loadEncoder(ctx, false, true)
		if err != nil {
			return err
		}
		testLength := loadLength - moved
		speed := c.tun.snapshot().LongMovesSpeed
		if _, err := c.gearMove(ctx, "Calibration load movement", testLength, moveOpts{speed: speed}); err != nil {
			return err
		}
		if _, err := c.gearMove(ctx, "Calibration unload movement", -testLength, moveOpts{speed: speed}); err != nil {
			return err
		}
		measurement := c.hw.Encoder.Distance() - moved
		if measurement <= 0 {
			return hosterrors.CalibrationError("No encoder movement measured during the calibration move")
		}
		res.Ratio = testLength * 2 / measurement
		c.log.Always("Calibration move of %.1fmm, average encoder measurement %.1fmm - Ratio is %.6f", testLength*2, measurement, res.Ratio)

		if tool != 0 {
			if res.Ratio > 0.9 && res.Ratio < 1.1 {
				c.commitRatio(tool, res.Ratio)
				res.Saved = true
			} else {
				c.log.Always("Calibration ratio not saved because it is not considered valid (0.9 < ratio < 1.1)")
			}
		}
		c.pos.Set(PositionAtEncoder, c.settings.ParkingDistance+moved, "ratio measured")
		return c.unloadEncoder(ctx, c.settings.UnloadBuffer)
	})
	if _, uerr := c.servoUp(ctx); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return res, c.calibrationFailed(err, fmt.Sprintf("Calibration for tool T%d failed. Aborting", tool))
	}
	return res, nil
}

func (c *Controller) commitRatio(gate int, ratio float64) {
	c.mu.Lock()
	ratios := make(map[int]float64, len(c.s.calib.Ratios)+1)
	for g, r := range c.s.calib.Ratios {
		ratios[g] = r
	}
	ratios[gate] = ratio
	c.s.calib.Ratios = ratios
	calib := c.s.calib
	c.mu.Unlock()
	c.persistCalibration(calib)
	c.publish(Event{Kind: EventCalibrated, Gate: gate, CalibRef: calib.Ref})
}

// CalibrateEncoder measures the encoder resolution with repeated gear
// moves of distance mm in each direction. The selected gate must grip
// filament.
func (c *Controller) CalibrateEncoder(ctx context.Context, distance float64, repeats int, speed, accel float64) (EncoderCalibration, error) {
	switch {
	case distance <= 0:
		return EncoderCalibration{}, hosterrors.InvalidParameter("dist", "must be above 0")
	case repeats < 1 || repeats > 10:
		return EncoderCalibration{}, hosterrors.InvalidParameter("repeats", "must be between 1 and 10")
	case speed < 0 || accel < 0:
		return EncoderCalibration{}, hosterrors.InvalidParameter("speed", "speed and accel must not be negative")
	}
	if speed == 0 {
		speed = c.tun.snapshot().LongMovesSpeed
	}
	var out EncoderCalibration
	err := c.run(ctx, "calibrate_encoder", StateCalibrating, func(ctx context.Context) error {
		if err := c.checkInBypass(); err != nil {
			return err
		}
		c.setCalibrating(true)
		defer c.setCalibrating(false)

		var plus, minus []float64
		for i := 0; i < repeats; i++ {
			for _, d := range []float64{distance, -distance} {
				c.hw.Encoder.SetDistance(0)
				if err := c.hw.Drive.Move(ctx, Move{Motor: MotorGear, Distance: d, Speed: speed, Accel: accel}); err != nil {
					return hosterrors.Wrap(err, hosterrors.ErrRuntime, "encoder calibration move failed")
				}
				counts := float64(c.hw.Encoder.Counts())
				sign := "+"
				if d < 0 {
					sign = "-"
					minus = append(minus, counts)
				} else {
					plus = append(plus, counts)
				}
				c.log.Always("%s counts = %.0f", sign, counts)
			}
			if minus[len(minus)-1] == 0 {
				break
			}
		}

		out.Load, out.Unload = sampleStats(plus), sampleStats(minus)
		c.log.Always("Load direction: %s", out.Load)
		c.log.Always("Unload direction: %s", out.Unload)
		halfMean := (sampleStats(rejectOutliers(plus, outlierSigmas)).Mean + sampleStats(rejectOutliers(minus, outlierSigmas)).Mean) / 4
		if halfMean == 0 {
			c.pos.Invalidate("no encoder counts")
			return hosterrors.CalibrationError("No counts measured. Ensure a tool was selected with servo down before running calibration and that your encoder is working properly")
		}
		out.Resolution = distance / halfMean
		out.OldLength = halfMean * c.settings.EncoderResolution
		out.NewLength = halfMean * out.Resolution
		if out.Resolution < DefaultEncoderResolution*2*0.976 || out.Resolution > DefaultEncoderResolution*2*1.022 {
			c.log.Always("Warning: Encoder is not detecting the expected number of counts. It is likely that reflections from some teeth are unreliable")
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Before calibration measured length = %.6f", out.OldLength)
		fmt.Fprintf(&sb, "\nResulting resolution for the encoder = %.6f", out.Resolution)
		fmt.Fprintf(&sb, "\nAfter calibration measured length = %.6f", out.NewLength)
		c.log.Always("%s", sb.String())
		c.log.Always("IMPORTANT: Don't forget to update 'encoder_resolution: %.6f' in your ercf_parameters.cfg file and restart", out.Resolution)
		c.pos.Set(PositionInBowden, c.pos.FilamentPos(), "encoder calibrated")
		return nil
	})
	return out, err
}
