// Operator commands
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	hosterrors "ercf-go/pkg/errors"
	"ercf-go/pkg/log"
)

func newSession() session {
	return session{
		enabled: true,
		tool:    ToolUnknown,
		gate:    GateUnknown,
		calib:   defaultCalibration(),
	}
}

// ready reports the disabled and locked conditions, then runs checks.
// Checks run before the sequencer is claimed so invalid requests do not
// change state.
func (c *Controller) ready(allowLocked bool, checks ...func() error) error {
	c.mu.Lock()
	enabled, locked := c.s.enabled, c.s.locked
	c.mu.Unlock()
	if !enabled {
		return hosterrors.OperationsLocked("ERCF is disabled. Please use ERCF_ENABLE to use")
	}
	if locked && !allowLocked {
		return hosterrors.OperationsLocked("ERCF is currently locked/paused. Please use 'ERCF_UNLOCK'")
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) checkHomed() error {
	if !c.IsHomed() {
		return hosterrors.InvalidParameter("homed", "ERCF is not homed")
	}
	return nil
}

func (c *Controller) checkNotLoaded() error {
	if p := c.pos.Position(); p != PositionAtGate && p != PositionUnknown {
		return hosterrors.InvalidParameter("position", "ERCF has filament loaded")
	}
	return nil
}

// requireUnloaded recovers an unknown position from the sensors and
// rejects the operation unless the filament is parked at its gate.
func (c *Controller) requireUnloaded(ctx context.Context) error {
	if c.pos.Position() == PositionUnknown {
		if c.Gate() < 0 {
			return hosterrors.InvalidParameter("position", "Filament position unknown. Please home ERCF first")
		}
		c.log.Info("Unknown filament position, recovering state...")
		if err := c.recoverPosition(ctx); err != nil {
			return err
		}
	}
	if c.pos.Position() != PositionAtGate {
		return hosterrors.InvalidParameter("position", "ERCF has filament loaded")
	}
	return nil
}

func (c *Controller) checkBypassSelected() error {
	if c.Tool() != ToolBypass {
		return hosterrors.InvalidParameter("tool", "Bypass not selected. Please use ERCF_SELECT_BYPASS first")
	}
	return nil
}

func (c *Controller) checkTool(tool int) func() error {
	return func() error {
		if tool < 0 || tool >= c.settings.NumGates() {
			return hosterrors.InvalidParameter("tool", fmt.Sprintf("Tool %d does not exist", tool))
		}
		return nil
	}
}

func (c *Controller) checkGate(gate int) func() error {
	return func() error {
		if gate < 0 || gate >= c.settings.NumGates() {
			return hosterrors.InvalidParameter("gate", fmt.Sprintf("Gate %d does not exist", gate))
		}
		return nil
	}
}

// Home unloads if needed and homes the selector. A tool of -1 leaves the
// selector at home.
func (c *Controller) Home(ctx context.Context, tool int, forceUnload bool) error {
	checks := []func() error{c.checkInBypass}
	if tool != ToolUnknown {
		checks = append(checks, c.checkTool(tool))
	}
	if err := c.ready(false, checks...); err != nil {
		return err
	}
	return c.run(ctx, "home", StateSelecting, func(ctx context.Context) error {
		return c.home(ctx, tool, forceUnload)
	})
}

// SelectTool moves the selector to the gate of tool without loading.
func (c *Controller) SelectTool(ctx context.Context, tool int) error {
	if err := c.ready(false, c.checkTool(tool), c.checkHomed, c.checkNotLoaded); err != nil {
		return err
	}
	return c.run(ctx, "select_tool", StateSelecting, func(ctx context.Context) error {
		if err := c.requireUnloaded(ctx); err != nil {
			return err
		}
		if err := c.selectTool(ctx, tool); err != nil {
			return err
		}
		c.displayVisual()
		return nil
	})
}

// ChangeTool unloads the current tool and loads tool. With standalone the
// tip is formed by the controller even during a print.
func (c *Controller) ChangeTool(ctx context.Context, tool int, standalone bool) error {
	if err := c.ready(false, c.checkInBypass, c.checkTool(tool)); err != nil {
		return err
	}
	skipTip := c.hooks.printState() == PrintPrinting && !standalone
	return c.run(ctx, "change_tool", StateSelecting, func(ctx context.Context) error {
		if c.pos.Position() == PositionUnknown && c.IsHomed() {
			c.log.Info("Unknown filament position, recovering state...")
			if err := c.recoverPosition(ctx); err != nil {
				return err
			}
		}
		restoreClog := c.clog.Enabled()
		c.clog.Disable()
		if err := c.changeTool(ctx, tool, skipTip); err != nil {
			return err
		}
		c.enableClog(restoreClog)
		return nil
	})
}

func (c *Controller) changeTool(ctx context.Context, tool int, skipTip bool) error {
	how := "with standalone ERCF tip formation"
	if skipTip {
		how = "with slicer forming tip"
	}
	c.log.Debug("Tool change initiated %s", how)
	if tool == c.Tool() && c.pos.Position() == PositionAtNozzle {
		c.log.Always("Tool T%d is already ready", tool)
		return nil
	}

	skipUnload := false
	if c.pos.Position() == PositionAtGate {
		skipUnload = true
		c.log.Always("Tool change requested, to T%d", tool)
	} else {
		c.log.Always("Tool change requested, from %s to T%d", toolString(c.Tool()), tool)
	}
	if !c.IsHomed() && c.Tool() == ToolUnknown {
		c.log.Info("ERCF not homed, homing it before continuing...")
		if err := c.home(ctx, tool, false); err != nil {
			return err
		}
		skipUnload = true
	}
	if !skipUnload {
		if err := c.unloadTool(ctx, skipTip); err != nil {
			return err
		}
	}
	if err := c.selectAndLoad(ctx, tool); err != nil {
		return err
	}
	c.stats.TrackSwap()
	c.persistStats()
	if c.settings.LogStatistics {
		c.log.Always("%s", c.stats.SwapReport())
	}
	return nil
}

// Eject unloads the current tool and parks the filament at its gate.
func (c *Controller) Eject(ctx context.Context) error {
	if err := c.ready(false, c.checkInBypass); err != nil {
		return err
	}
	return c.run(ctx, "eject", StateUnloading, func(ctx context.Context) error {
		return c.unloadTool(ctx, false)
	})
}

// SelectBypass moves the selector to the bypass position.
func (c *Controller) SelectBypass(ctx context.Context) error {
	if err := c.ready(false, c.checkHomed, c.checkNotLoaded); err != nil {
		return err
	}
	return c.run(ctx, "select_bypass", StateSelecting, func(ctx context.Context) error {
		if err := c.requireUnloaded(ctx); err != nil {
			return err
		}
		return c.selectBypass(ctx)
	})
}

// LoadBypass loads bypass filament from the extruder entry to the nozzle.
func (c *Controller) LoadBypass(ctx context.Context) error {
	if err := c.ready(false, c.checkBypassSelected); err != nil {
		return err
	}
	return c.run(ctx, "load_bypass", StateLoading, func(ctx context.Context) error {
		c.pos.Set(PositionEndOfBowden, c.pos.LandmarkOf(PositionAtExtruderEntry), "bypass load")
		if err := c.loadExtruder(ctx, true); err != nil {
			c.pos.Invalidate("bypass load failed")
			return err
		}
		c.pos.Set(PositionAtNozzle, c.pos.LandmarkOf(PositionAtNozzle), "bypass loaded")
		return nil
	})
}

// UnloadBypass forms a tip and extracts the bypass filament.
func (c *Controller) UnloadBypass(ctx context.Context) error {
	if err := c.ready(false, c.checkBypassSelected); err != nil {
		return err
	}
	return c.run(ctx, "unload_bypass", StateUnloading, func(ctx context.Context) error {
		moved, err := c.formTip(ctx)
		if err != nil {
			return err
		}
		if moved {
			if err := c.unloadExtruder(ctx); err != nil {
				return err
			}
		}
		c.pos.Set(PositionAtGate, 0, "bypass unloaded")
		return nil
	})
}

// Preload catches filament inserted at a gate and parks it. A gate of -1
// uses the selected gate. It reports whether filament was found.
func (c *Controller) Preload(ctx context.Context, gate int) (bool, error) {
	checks := []func() error{c.checkHomed, c.checkInBypass, c.checkNotLoaded}
	if gate != GateUnknown {
		checks = append(checks, c.checkGate(gate))
	}
	if err := c.ready(false, checks...); err != nil {
		return false, err
	}
	found := false
	err := c.run(ctx, "preload", StateLoading, func(ctx context.Context) error {
		if err := c.requireUnloaded(ctx); err != nil {
			return err
		}
		c.setCalibrating(true)
		defer c.setCalibrating(false)
		if gate == GateUnknown {
			gate = c.Gate()
		} else if err := c.selectGate(ctx, gate); err != nil {
			return err
		}
		if gate < 0 {
			return hosterrors.InvalidParameter("gate", "No gate selected")
		}
		c.hw.Encoder.SetDistance(0)
		for i := 0; i < 5 && !found; i++ {
			c.log.Always("Loading...")
			if _, err := c.loadEncoder(ctx, false, false); err != nil {
				if hosterrors.CodeOf(err) != hosterrors.ErrGateEmptyOrStuck {
					return err
				}
				c.log.Trace("Exception on encoder load move: %v", err)
				continue
			}
			c.log.Always("Parking...")
			if err := c.unloadEncoder(ctx, c.settings.UnloadBuffer); err != nil {
				return err
			}
			c.log.Always("Filament detected and parked in gate #%d", gate)
			found = true
		}
		if !found {
			c.setGateStatus(gate, GateStatusEmpty)
			c.log.Always("Filament not detected in gate #%d", gate)
		}
		_, err := c.servoUp(ctx)
		return err
	})
	return found, err
}

// CheckScope selects the gates visited by CheckGates. Tools takes
// precedence over Gates; the zero value checks every gate.
type CheckScope struct {
	Tools []int
	Gates []int
}

// CheckGates probes gates for filament and records their availability.
// The selected tool is re-selected afterwards.
func (c *Controller) CheckGates(ctx context.Context, scope CheckScope) (map[int]GateStatus, error) {
	type target struct{ gate, tool int }
	var targets []target
	checks := []func() error{c.checkHomed, c.checkInBypass, c.checkNotLoaded}
	switch {
	case scope.Tools != nil:
		for _, t := range scope.Tools {
			checks = append(checks, c.checkTool(t))
		}
	case scope.Gates != nil:
		for _, g := range scope.Gates {
			checks = append(checks, c.checkGate(g))
		}
	}
	if err := c.ready(false, checks...); err != nil {
		return nil, err
	}
	switch {
	case scope.Tools != nil:
		if len(scope.Tools) == 0 {
			c.log.Debug("No tools to check, assuming default tool is already loaded")
			return map[int]GateStatus{}, nil
		}
		for _, t := range scope.Tools {
			g, _ := c.mapping.Resolve(t)
			targets = append(targets, target{g, t})
		}
	case scope.Gates != nil:
		for _, g := range scope.Gates {
			targets = append(targets, target{g, ToolUnknown})
		}
	default:
		for g := 0; g < c.settings.NumGates(); g++ {
			targets = append(targets, target{g, ToolUnknown})
		}
	}

	result := make(map[int]GateStatus, len(targets))
	err := c.run(ctx, "check_gates", StateLoading, func(ctx context.Context) error {
		if err := c.requireUnloaded(ctx); err != nil {
			return err
		}
		inPrint := c.hooks.printState() == PrintPrinting
		initialTool := c.Tool()
		var missing []string
		for _, t := range targets {
			status, err := c.checkGate1(ctx, t.gate, t.tool)
			if err != nil {
				return err
			}
			result[t.gate] = status
			if status == GateStatusEmpty {
				if t.tool >= 0 {
					missing = append(missing, fmt.Sprintf("T%d (gate #%d)", t.tool, t.gate))
				} else {
					missing = append(missing, fmt.Sprintf("gate #%d", t.gate))
				}
			}
		}
		if initialTool >= 0 {
			if err := c.selectTool(ctx, initialTool); err != nil {
				c.log.Always("Failure re-selecting Tool %d: %v", initialTool, err)
			}
		}
		c.log.Info("%s", c.mapping.Render(true, c.settings.EnableEndlessSpool, c.Tool(), c.Gate()))
		if inPrint && len(missing) > 0 {
			return hosterrors.GateEmptyOrStuck(GateUnknown, "Filament not detected for "+strings.Join(missing, ", "))
		}
		return nil
	})
	return result, err
}

// checkGate1 probes a single gate.
func (c *Controller) checkGate1(ctx context.Context, gate, tool int) (GateStatus, error) {
	if err := c.selectGate(ctx, gate); err != nil {
		return GateStatusUnknown, err
	}
	c.hw.Encoder.SetDistance(0)
	c.setCalibrating(true)
	defer c.setCalibrating(false)
	c.log.Info("Checking gate #%d...", gate)

	moved, err := c.loadEncoder(ctx, false, true)
	if err != nil {
		if hosterrors.CodeOf(err) != hosterrors.ErrGateEmptyOrStuck {
			return GateStatusUnknown, err
		}
		c.setGateStatus(gate, GateStatusEmpty)
		c.pos.Set(PositionAtGate, 0, "gate checked")
		if tool >= 0 {
			c.log.Info("Tool T%d - filament not detected. Gate #%d marked empty", tool, gate)
		} else {
			c.log.Info("Gate #%d - filament not detected. Marked empty", gate)
		}
		return GateStatusEmpty, nil
	}
	if tool >= 0 {
		c.log.Info("Tool T%d - filament detected. Gate #%d marked available", tool, gate)
	} else {
		c.log.Info("Gate #%d - filament detected. Marked available", gate)
	}
	c.setGateStatus(gate, GateStatusAvailable)
	if moved > 0 {
		if err := c.unloadEncoder(ctx, c.settings.UnloadBuffer); err != nil {
			return GateStatusAvailable, err
		}
	} else {
		c.pos.Set(PositionAtGate, 0, "gate checked")
	}
	_, err = c.servoUp(ctx)
	return GateStatusAvailable, err
}

// Remap points tool at gate. An available of -1 keeps the gate status; a
// tool of -1 only sets the status.
func (c *Controller) Remap(ctx context.Context, tool, gate, available int) error {
	if err := c.ready(true); err != nil {
		return err
	}
	return c.remap(tool, gate, available)
}

// ResetTTG restores the default tool to gate map and unselects the tool.
func (c *Controller) ResetTTG(ctx context.Context) error {
	if err := c.ready(false); err != nil {
		return err
	}
	return c.run(ctx, "reset_ttg", StateSelecting, func(ctx context.Context) error {
		c.resetTTG(ctx)
		c.log.Info("%s", c.mapping.Render(false, c.settings.EnableEndlessSpool, c.Tool(), c.Gate()))
		return nil
	})
}

// SetEndlessSpoolGroups assigns a group number to every gate. Gates with
// the same number form one EndlessSpool cycle.
func (c *Controller) SetEndlessSpoolGroups(ctx context.Context, groupPerGate []int) error {
	if err := c.ready(true); err != nil {
		return err
	}
	if !c.settings.EnableEndlessSpool {
		return hosterrors.InvalidParameter("endless_spool", "EndlessSpool is disabled")
	}
	groups, err := GroupsFromList(groupPerGate, c.settings.NumGates())
	if err != nil {
		return err
	}
	if err := c.mapping.SetGroups(groups); err != nil {
		return err
	}
	c.persistMapping()
	c.log.Info("%s", c.mapping.Render(false, true, c.Tool(), c.Gate()))
	return nil
}

// DisplayTTG renders the tool to gate map.
func (c *Controller) DisplayTTG(summary bool) string {
	return c.mapping.Render(summary, c.settings.EnableEndlessSpool, c.Tool(), c.Gate())
}

// DumpStats returns and logs the swap and gate statistics.
func (c *Controller) DumpStats() string {
	report := c.stats.SwapReport() + "\n" + c.stats.GateReport(true)
	if d := c.stats.Diagnosis(); d != "" {
		report += "\n" + d
	}
	c.log.Always("%s", report)
	return report
}

// ResetStats clears and persists the statistics.
func (c *Controller) ResetStats() {
	c.stats.Reset()
	c.persistStats()
	c.DumpStats()
}

// SetLogLevel sets the console and logfile verbosity (0-4). A negative
// value leaves that level unchanged.
func (c *Controller) SetLogLevel(level, logfileLevel int) error {
	if level > 4 {
		return hosterrors.InvalidParameter("level", "must be between 0 and 4")
	}
	if logfileLevel > 4 {
		return hosterrors.InvalidParameter("logfile", "must be between 0 and 4")
	}
	if level >= 0 {
		c.log.SetLevel(log.VerbosityLevel(level))
	}
	if logfileLevel >= 0 {
		c.log.SetFileLevel(log.VerbosityLevel(logfileLevel))
	}
	return nil
}

// TestConfig validates and applies tunable overrides. Nothing is applied
// when any value is rejected.
func (c *Controller) TestConfig(values map[string]string) (Tunables, error) {
	t, err := c.tun.apply(values, c.settings.HasToolheadSensor)
	if err != nil {
		return t, err
	}
	if len(values) > 0 {
		c.log.Debug("Tunables updated:\n%s", t.String())
	}
	return t, nil
}

// testFailed reports a test command failure without locking.
func (c *Controller) testFailed(err error, what string) error {
	if err == nil {
		return nil
	}
	c.log.Always("%s failed: %v", what, err)
	return c.calibrationFailed(err, what+" failed")
}

// TestLoad loads length mm without entering the extruder.
func (c *Controller) TestLoad(ctx context.Context, length float64) error {
	if err := c.ready(false, c.checkInBypass, c.checkNotLoaded); err != nil {
		return err
	}
	if length <= 0 {
		length = 100
	}
	return c.run(ctx, "test_load", StateLoading, func(ctx context.Context) error {
		if err := c.requireUnloaded(ctx); err != nil {
			return err
		}
		return c.testFailed(c.loadSequence(ctx, length, true), "Load test")
	})
}

// TestUnload unloads up to length mm. With unknown the position is first
// recovered from the sensors.
func (c *Controller) TestUnload(ctx context.Context, length float64, unknown bool) error {
	if err := c.ready(false, c.checkInBypass); err != nil {
		return err
	}
	if length <= 0 {
		length = c.calibration().Ref
	}
	return c.run(ctx, "test_unload", StateUnloading, func(ctx context.Context) error {
		return c.testFailed(c.unloadSequence(ctx, length, unknown, true, false), "Unload test")
	})
}

// TrackingSample is one step of a tracking test.
type TrackingSample struct {
	Moved    float64
	Measured float64
	Drift    string
}

// TestTracking moves the gear in small steps and compares the encoder
// reading to the commanded distance. Direction is 1 or -1.
func (c *Controller) TestTracking(ctx context.Context, direction int, step, sensitivity float64) ([]TrackingSample, error) {
	checks := []func() error{c.checkInBypass, c.checkHomed, func() error {
		switch {
		case direction != 1 && direction != -1:
			return hosterrors.InvalidParameter("direction", "must be 1 or -1")
		case step < 0.5 || step > 20:
			return hosterrors.InvalidParameter("step", "must be between 0.5 and 20")
		case sensitivity < 0.1 || sensitivity > 10:
			return hosterrors.InvalidParameter("sensitivity", "must be between 0.1 and 10")
		}
		return nil
	}}
	if err := c.ready(false, checks...); err != nil {
		return nil, err
	}
	var samples []TrackingSample
	err := c.run(ctx, "test_tracking", StateLoading, func(ctx context.Context) error {
		return c.testFailed(func() error {
			if p := c.pos.Position(); p != PositionAtEncoder && p != PositionInBowden {
				if err := c.unloadTool(ctx, false); err != nil {
					return err
				}
				length := 100.0
				if direction == -1 {
					length = 200
				}
				if err := c.loadSequence(ctx, length, true); err != nil {
					return err
				}
			}
			c.hw.Encoder.SetDistance(0)
			for i := 1; i < int(100/step); i++ {
				if _, err := c.gearMove(ctx, "Test move", float64(direction)*step, moveOpts{}); err != nil {
					return err
				}
				s := TrackingSample{Moved: float64(i) * step, Measured: c.hw.Encoder.Distance()}
				drift := int(roundHalfAway((s.Moved - s.Measured) / sensitivity))
				switch {
				case drift > 0:
					s.Drift = "++++++++!!"[:min(drift, 10)]
				case s.Moved-s.Measured < 0:
					s.Drift = "--------!!"[:min(-drift, 10)]
				}
				samples = append(samples, s)
				c.log.Info("Gear/Encoder : %05.2f / %05.2f mm %s", s.Moved, s.Measured, s.Drift)
			}
			return c.unloadTool(ctx, false)
		}(), "Tracking test")
	})
	return samples, err
}

func roundHalfAway(v float64) float64 {
	if v < 0 {
		return -float64(int(-v + 0.5))
	}
	return float64(int(v + 0.5))
}

// TestHomeToExtruder homes from the end of the bowden to the extruder and
// reports the measured travel and spring. With ret the filament is moved
// back to where it started.
func (c *Controller) TestHomeToExtruder(ctx context.Context, ret bool) (measured, spring float64, err error) {
	if err := c.ready(false, c.checkInBypass); err != nil {
		return 0, 0, err
	}
	err = c.run(ctx, "test_home_to_extruder", StateLoading, func(ctx context.Context) error {
		return c.testFailed(func() error {
			initial := c.hw.Encoder.Distance()
			if err := c.homeToExtruder(ctx, c.tun.snapshot().ExtruderHomingMax); err != nil {
				return err
			}
			measured = c.hw.Encoder.Distance() - initial
			var err error
			if spring, err = c.servoUp(ctx); err != nil {
				return err
			}
			c.log.Info("Filament homed to extruder, encoder measured %.1fmm, filament sprung back %.1fmm", measured, spring)
			if !ret {
				return nil
			}
			if err := c.servoDown(ctx); err != nil {
				return err
			}
			back := -(measured - spring)
			c.log.Debug("Returning filament %.1fmm to original position after homing test", back)
			if _, err := c.gearMove(ctx, "Return after homing test", back, moveOpts{}); err != nil {
				return err
			}
			c.pos.Advance(back)
			c.pos.Set(PositionInBowden, c.pos.FilamentPos(), "homing test returned")
			return nil
		}(), "Homing test")
	})
	return measured, spring, err
}

// TestLoadSequence repeatedly loads and unloads every tool. With random
// the tools are picked at random; with full they are loaded to the nozzle.
func (c *Controller) TestLoadSequence(ctx context.Context, loops int, random, full bool) error {
	if err := c.ready(false, c.checkInBypass, c.checkHomed); err != nil {
		return err
	}
	if loops <= 0 {
		loops = 10
	}
	n := c.settings.NumGates()
	return c.run(ctx, "test_load_sequence", StateLoading, func(ctx context.Context) error {
		for l := 0; l < loops; l++ {
			c.log.Always("Testing loop %d / %d", l, loops)
			for t := 0; t < n; t++ {
				tool := t
				if random {
					tool = rand.Intn(n)
				}
				gate, err := c.mapping.Resolve(tool)
				if err != nil {
					return err
				}
				if c.mapping.GateStatus(gate) == GateStatusEmpty {
					c.log.Always("Skipping tool %d of %d because gate %d is empty", tool, n, gate)
					continue
				}
				c.log.Always("Testing tool %d of %d (gate %d)", tool, n, gate)
				if full {
					if err := c.selectAndLoad(ctx, tool); err != nil {
						return err
					}
					if err := c.unloadTool(ctx, false); err != nil {
						return err
					}
					continue
				}
				if err := c.selectTool(ctx, tool); err != nil {
					return err
				}
				if err := c.loadSequence(ctx, 100, true); err != nil {
					return err
				}
				if err := c.unloadSequence(ctx, 100, false, true, false); err != nil {
					return err
				}
			}
		}
		return c.selectTool(ctx, 0)
	})
}

// ServoUp releases the gear.
func (c *Controller) ServoUp(ctx context.Context) error {
	if err := c.ready(false); err != nil {
		return err
	}
	return c.run(ctx, "servo_up", StateSelecting, func(ctx context.Context) error {
		_, err := c.servoUp(ctx)
		return err
	})
}

// ServoDown engages the gear on the selected gate.
func (c *Controller) ServoDown(ctx context.Context) error {
	if err := c.ready(false, func() error {
		if c.Tool() == ToolBypass {
			return hosterrors.InvalidParameter("tool", "Operation not possible. ERCF is currently using bypass")
		}
		return nil
	}); err != nil {
		return err
	}
	return c.run(ctx, "servo_down", StateSelecting, c.servoDown)
}

// MotorsOff lifts the servo and releases both steppers. The selector has
// to be homed again afterwards.
func (c *Controller) MotorsOff(ctx context.Context) error {
	if err := c.ready(true); err != nil {
		return err
	}
	return c.runWith(ctx, "motors_off", StateSelecting, true, func(ctx context.Context) error {
		if _, err := c.servoUp(ctx); err != nil {
			return err
		}
		c.motorsOff()
		return nil
	})
}

// BuzzGear wiggles the gear and reports whether filament was felt.
func (c *Controller) BuzzGear(ctx context.Context) (bool, error) {
	if err := c.ready(false, c.checkInBypass); err != nil {
		return false, err
	}
	found := false
	err := c.run(ctx, "buzz_gear", StateSelecting, func(ctx context.Context) error {
		var err error
		found, err = c.buzzGear(ctx)
		if err == nil {
			c.log.Info("Filament %s by gear motor buzz", detected(found))
		}
		return err
	})
	return found, err
}

// Enable re-initializes the session and reloads the persisted state.
func (c *Controller) Enable(ctx context.Context) error {
	c.mu.Lock()
	enabled := c.s.enabled
	c.mu.Unlock()
	if enabled {
		return nil
	}
	c.log.Always("ERCF enabled and reset")
	c.stopHeaterTimer()
	c.mu.Lock()
	c.s = newSession()
	c.mu.Unlock()
	c.pos.Invalidate("enabled")
	if err := c.restore(); err != nil {
		return err
	}
	c.clog.SetDetectionLength(c.calibration().DetectionLength())
	c.publish(Event{Kind: EventState})
	return nil
}

// Disable rejects every operation until Enable.
func (c *Controller) Disable() {
	c.mu.Lock()
	was := c.s.enabled
	c.s.enabled = false
	c.mu.Unlock()
	if was {
		c.clog.Disable()
		c.log.Always("ERCF disabled")
		c.publish(Event{Kind: EventState})
	}
}

// Reset forgets the persisted mapping and selection and restores the
// configured defaults. Calibration and statistics are kept.
func (c *Controller) Reset(ctx context.Context) error {
	return c.runWith(ctx, "reset", StateSelecting, true, func(ctx context.Context) error {
		c.stopHeaterTimer()
		c.mu.Lock()
		prev := c.s
		c.s = newSession()
		c.s.calib = prev.calib
		c.s.opState, c.s.opName, c.s.opID = prev.opState, prev.opName, prev.opID
		c.mu.Unlock()
		c.mapping.Reset()
		if err := c.mapping.SetGroups(nil); err != nil {
			return err
		}
		if err := c.mapping.SetStatuses(c.settings.DefaultGateStatus); err != nil {
			return err
		}
		c.persistMapping()
		c.persistSelection()
		c.pos.Invalidate("reset")
		c.log.Always("ERCF state reset")
		return nil
	})
}
