// ERCF extended commands
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"context"
	"fmt"
	"math"
	"strings"

	"ercf-go/pkg/ercf"
)

type ercfCommands struct {
	c *ercf.Controller
	n int
}

// RegisterERCF registers the ERCF_* commands and RESUME for c.
func RegisterERCF(cm *CommandManager, c *ercf.Controller) {
	e := &ercfCommands{c: c, n: c.Settings().NumGates()}
	for _, r := range []struct {
		name string
		fn   CommandHandler
		help string
	}{
		// Status and logging
		{"ERCF_STATUS", e.cmdStatus, "Complete dump of current ERCF state and important configuration"},
		{"ERCF_DUMP_STATS", e.cmdDumpStats, "Dump the ERCF statistics"},
		{"ERCF_RESET_STATS", e.cmdResetStats, "Reset the ERCF statistics"},
		{"ERCF_RESET", e.cmdReset, "Forget persisted state and re-initialize defaults"},
		{"ERCF_SET_LOG_LEVEL", e.cmdSetLogLevel, "Set the log level for the ERCF"},
		{"ERCF_DISPLAY_ENCODER_POS", e.cmdEncoderPos, "Display current value of the ERCF encoder"},

		// Calibration
		{"ERCF_CALIBRATE", e.cmdCalibrate, "Complete calibration of all ERCF tools"},
		{"ERCF_CALIBRATE_SINGLE", e.cmdCalibrateSingle, "Calibration of a single ERCF tool"},
		{"ERCF_CALIBRATE_SELECTOR", e.cmdCalibrateSelector, "Calibration of the selector position for a specified gate"},
		{"ERCF_CALIB_SELECTOR", e.cmdCalibrateSelector, "Calibration of the selector position for a specified gate"},
		{"ERCF_CALIBRATE_ENCODER", e.cmdCalibrateEncoder, "Calibration routine for the ERCF encoder"},

		// Motors and servo
		{"ERCF_SERVO_DOWN", e.simple(e.c.ServoDown), "Disengage the ERCF gear"},
		{"ERCF_SERVO_UP", e.simple(e.c.ServoUp), "Engage the ERCF gear"},
		{"ERCF_MOTORS_OFF", e.simple(e.c.MotorsOff), "Turn off both ERCF motors"},
		{"ERCF_BUZZ_GEAR_MOTOR", e.cmdBuzzGear, "Buzz the ERCF gear motor"},
		{"ERCF_ENABLE", e.simple(e.c.Enable), "Enable ERCF functionality and reset state"},
		{"ERCF_DISABLE", e.cmdDisable, "Disable all ERCF functionality"},

		// Selection and loading
		{"ERCF_HOME", e.cmdHome, "Home the ERCF"},
		{"ERCF_SELECT_TOOL", e.cmdSelectTool, "Select the specified tool"},
		{"ERCF_PRELOAD", e.cmdPreload, "Preloads filament at specified or current gate"},
		{"ERCF_SELECT_BYPASS", e.simple(e.c.SelectBypass), "Select the filament bypass"},
		{"ERCF_LOAD_BYPASS", e.simple(e.c.LoadBypass), "Smart load of filament from end of bowden (gate) to nozzle. Designed for bypass usage"},
		{"ERCF_UNLOAD_BYPASS", e.simple(e.c.UnloadBypass), "Smart unload of filament from the bypass"},
		{"ERCF_CHANGE_TOOL", e.cmdChangeTool, "Perform a tool swap"},
		{"ERCF_EJECT", e.simple(e.c.Eject), "Eject filament and park it in the ERCF"},
		{"ERCF_CHECK_GATES", e.cmdCheckGates, "Automatically inspects gate(s), parks filament and marks availability"},

		// Error handling
		{"ERCF_UNLOCK", e.simple(e.c.Unlock), "Unlock ERCF operations after a pause"},
		{"ERCF_PAUSE", e.cmdPause, "Pause the current print and lock the ERCF operations"},
		{"ERCF_RECOVER", e.cmdRecover, "Recover the filament location and set ERCF state after manual intervention/movement"},
		{"ERCF_ENCODER_RUNOUT", e.cmdEncoderRunout, "Encoder runout handler"},
		{"RESUME", e.simple(e.c.Resume), "Resume the print after an ERCF pause"},

		// Tool to gate map and EndlessSpool
		{"ERCF_DISPLAY_TTG_MAP", e.cmdDisplayTTG, "Display the current mapping of tools to ERCF gate positions"},
		{"ERCF_REMAP_TTG", e.cmdRemapTTG, "Remap a tool to a specific gate and set gate availability"},
		{"ERCF_ENDLESS_SPOOL_GROUPS", e.cmdEndlessSpoolGroups, "Redefine the EndlessSpool groups"},

		// Testing
		{"ERCF_TEST_LOAD_SEQUENCE", e.cmdTestLoadSequence, "Test sequence"},
		{"ERCF_TEST_LOAD", e.cmdTestLoad, "For quick testing filament loading from gate to the extruder"},
		{"ERCF_TEST_UNLOAD", e.cmdTestUnload, "For testing different unloading scenarios"},
		{"ERCF_TEST_TRACKING", e.cmdTestTracking, "Test the tracking of gear feed and encoder sensing"},
		{"ERCF_TEST_HOME_TO_EXTRUDER", e.cmdTestHomeToExtruder, "Test homing the filament to the extruder from the end of the bowden"},
		{"ERCF_TEST_CONFIG", e.cmdTestConfig, "Runtime adjustment of ERCF configuration for testing or in-print tweaking purposes"},
	} {
		cm.RegisterCommand(r.name, r.fn, r.help)
	}
}

func (e *ercfCommands) simple(fn func(context.Context) error) CommandHandler {
	return func(ctx context.Context, _ *Command) (string, error) {
		return "", fn(ctx)
	}
}

func (e *ercfCommands) cmdStatus(ctx context.Context, cmd *Command) (string, error) {
	showConfig, err := cmd.Bool("SHOWCONFIG", false)
	if err != nil {
		return "", err
	}
	st := e.c.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "ERCF with %d gates: %s, filament %s (%s)\n", e.n, st["state"], st["filament"], st["position"])
	fmt.Fprintf(&b, "Tool T%v on gate #%v, servo %v, clog detection %v\n", st["tool"], st["gate"], st["servo"], st["clog_detection"])
	b.WriteString(e.c.Visual())
	b.WriteString("\n")
	b.WriteString(e.c.DisplayTTG(true))
	if showConfig {
		t := e.c.Tunables()
		b.WriteString("\n")
		b.WriteString(t.String())
	}
	return b.String(), nil
}

func (e *ercfCommands) cmdDumpStats(ctx context.Context, cmd *Command) (string, error) {
	return e.c.DumpStats(), nil
}

func (e *ercfCommands) cmdResetStats(ctx context.Context, cmd *Command) (string, error) {
	e.c.ResetStats()
	return "Statistics reset", nil
}

func (e *ercfCommands) cmdReset(ctx context.Context, cmd *Command) (string, error) {
	if err := e.c.Reset(ctx); err != nil {
		return "", err
	}
	return "ERCF state reset", nil
}

func (e *ercfCommands) cmdSetLogLevel(ctx context.Context, cmd *Command) (string, error) {
	level, err := cmd.Int("LEVEL", -1, 0, 4)
	if err != nil {
		return "", err
	}
	logfile, err := cmd.Int("LOGFILE", -1, 0, 4)
	if err != nil {
		return "", err
	}
	return "", e.c.SetLogLevel(level, logfile)
}

func (e *ercfCommands) cmdEncoderPos(ctx context.Context, cmd *Command) (string, error) {
	return fmt.Sprintf("Encoder value is %.2f", e.c.Status()["encoder_pos"]), nil
}

func (e *ercfCommands) cmdCalibrate(ctx context.Context, cmd *Command) (string, error) {
	results, err := e.c.Calibrate(ctx)
	var lines []string
	for _, r := range results {
		lines = append(lines, formatCalibration(r))
	}
	return strings.Join(lines, "\n"), err
}

func (e *ercfCommands) cmdCalibrateSingle(ctx context.Context, cmd *Command) (string, error) {
	tool, err := cmd.RequireInt("TOOL", 0, e.n-1)
	if err != nil {
		return "", err
	}
	repeats, err := cmd.Int("REPEATS", 3, 1, 10)
	if err != nil {
		return "", err
	}
	validate, err := cmd.Bool("VALIDATE", false)
	if err != nil {
		return "", err
	}
	r, err := e.c.CalibrateSingle(ctx, tool, repeats, validate)
	if err != nil {
		return "", err
	}
	return formatCalibration(r), nil
}

func formatCalibration(r ercf.CalibrationResult) string {
	if r.Tool == 0 && r.Reference > 0 {
		return fmt.Sprintf("T0: reference %.1fmm, clog length %.1fmm (saved: %v)", r.Reference, r.ClogLength, r.Saved)
	}
	return fmt.Sprintf("T%d: ratio %.6f (saved: %v)", r.Tool, r.Ratio, r.Saved)
}

func (e *ercfCommands) cmdCalibrateSelector(ctx context.Context, cmd *Command) (string, error) {
	gate, err := cmd.Int("GATE", -1, 0, e.n-1)
	if err != nil {
		return "", err
	}
	if gate < 0 {
		if gate, err = cmd.RequireInt("TOOL", 0, e.n-1); err != nil {
			return "", err
		}
	}
	pos, err := e.c.CalibrateSelector(ctx, gate)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Selector position for gate %d = %.1fmm", gate, pos), nil
}

func (e *ercfCommands) cmdCalibrateEncoder(ctx context.Context, cmd *Command) (string, error) {
	dist, err := cmd.FloatAbove("DIST", 500, 0)
	if err != nil {
		return "", err
	}
	repeats, err := cmd.Int("REPEATS", 3, 1, 10)
	if err != nil {
		return "", err
	}
	speed, err := cmd.FloatAbove("SPEED", e.c.Tunables().LongMovesSpeed, 0)
	if err != nil {
		return "", err
	}
	accel, err := cmd.Float("ACCEL", 0, 0, math.Inf(1))
	if err != nil {
		return "", err
	}
	r, err := e.c.CalibrateEncoder(ctx, dist, repeats, speed, accel)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Load: %s\nUnload: %s\nResolution %.4f (encoder length %.4f -> %.4f)",
		r.Load, r.Unload, r.Resolution, r.OldLength, r.NewLength), nil
}

func (e *ercfCommands) cmdBuzzGear(ctx context.Context, cmd *Command) (string, error) {
	found, err := e.c.BuzzGear(ctx)
	if err != nil {
		return "", err
	}
	if found {
		return "Filament detected by gear motor buzz", nil
	}
	return "Filament not detected by gear motor buzz", nil
}

func (e *ercfCommands) cmdDisable(ctx context.Context, cmd *Command) (string, error) {
	e.c.Disable()
	return "", nil
}

func (e *ercfCommands) cmdHome(ctx context.Context, cmd *Command) (string, error) {
	tool, err := cmd.Int("TOOL", 0, 0, e.n-1)
	if err != nil {
		return "", err
	}
	force, err := cmd.Bool("FORCE_UNLOAD", false)
	if err != nil {
		return "", err
	}
	return "", e.c.Home(ctx, tool, force)
}

func (e *ercfCommands) cmdSelectTool(ctx context.Context, cmd *Command) (string, error) {
	tool, err := cmd.RequireInt("TOOL", 0, e.n-1)
	if err != nil {
		return "", err
	}
	return "", e.c.SelectTool(ctx, tool)
}

func (e *ercfCommands) cmdPreload(ctx context.Context, cmd *Command) (string, error) {
	gate, err := cmd.Int("GATE", -1, 0, e.n-1)
	if err != nil {
		return "", err
	}
	found, err := e.c.Preload(ctx, gate)
	if err != nil {
		return "", err
	}
	if !found {
		return "Filament not detected", nil
	}
	return "Filament preloaded", nil
}

func (e *ercfCommands) cmdChangeTool(ctx context.Context, cmd *Command) (string, error) {
	tool, err := cmd.RequireInt("TOOL", 0, e.n-1)
	if err != nil {
		return "", err
	}
	standalone, err := cmd.Bool("STANDALONE", false)
	if err != nil {
		return "", err
	}
	return "", e.c.ChangeTool(ctx, tool, standalone)
}

func (e *ercfCommands) cmdCheckGates(ctx context.Context, cmd *Command) (string, error) {
	var scope ercf.CheckScope
	if cmd.Get("TOOLS", "!") != "!" {
		tools, err := cmd.IntList("TOOLS")
		if err != nil {
			return "", err
		}
		scope.Tools = tools
	} else {
		tool, err := cmd.Int("TOOL", -1, 0, e.n-1)
		if err != nil {
			return "", err
		}
		gate, err := cmd.Int("GATE", -1, 0, e.n-1)
		if err != nil {
			return "", err
		}
		switch {
		case tool >= 0:
			scope.Tools = []int{tool}
		case gate >= 0:
			scope.Gates = []int{gate}
		}
	}
	result, err := e.c.CheckGates(ctx, scope)
	var lines []string
	for gate := 0; gate < e.n; gate++ {
		if status, ok := result[gate]; ok {
			lines = append(lines, fmt.Sprintf("Gate #%d: %s", gate, status))
		}
	}
	return strings.Join(lines, "\n"), err
}

func (e *ercfCommands) cmdPause(ctx context.Context, cmd *Command) (string, error) {
	force, err := cmd.Bool("FORCE_IN_PRINT", false)
	if err != nil {
		return "", err
	}
	return "", e.c.Pause(ctx, "Pause macro was directly called", force)
}

func (e *ercfCommands) cmdRecover(ctx context.Context, cmd *Command) (string, error) {
	tool, err := cmd.Int("TOOL", -1, ercf.ToolBypass, e.n-1)
	if err != nil {
		return "", err
	}
	gate, err := cmd.Int("GATE", -1, 0, e.n-1)
	if err != nil {
		return "", err
	}
	loaded, err := cmd.Int("LOADED", -1, 0, 1)
	if err != nil {
		return "", err
	}
	return "", e.c.Recover(ctx, tool, gate, loaded)
}

func (e *ercfCommands) cmdEncoderRunout(ctx context.Context, cmd *Command) (string, error) {
	force, err := cmd.Bool("FORCE_RUNOUT", false)
	if err != nil {
		return "", err
	}
	return "", e.c.EncoderRunout(ctx, force)
}

func (e *ercfCommands) cmdDisplayTTG(ctx context.Context, cmd *Command) (string, error) {
	summary, err := cmd.Bool("SUMMARY", false)
	if err != nil {
		return "", err
	}
	return e.c.DisplayTTG(summary), nil
}

func (e *ercfCommands) cmdRemapTTG(ctx context.Context, cmd *Command) (string, error) {
	reset, err := cmd.Bool("RESET", false)
	if err != nil {
		return "", err
	}
	if reset {
		if err := e.c.ResetTTG(ctx); err != nil {
			return "", err
		}
		return e.c.DisplayTTG(false), nil
	}
	tool, err := cmd.Int("TOOL", -1, 0, e.n-1)
	if err != nil {
		return "", err
	}
	gate, err := cmd.RequireInt("GATE", 0, e.n-1)
	if err != nil {
		return "", err
	}
	available, err := cmd.Int("AVAILABLE", -1, 0, 1)
	if err != nil {
		return "", err
	}
	if err := e.c.Remap(ctx, tool, gate, available); err != nil {
		return "", err
	}
	return e.c.DisplayTTG(false), nil
}

func (e *ercfCommands) cmdEndlessSpoolGroups(ctx context.Context, cmd *Command) (string, error) {
	reset, err := cmd.Bool("RESET", false)
	if err != nil {
		return "", err
	}
	groups := e.c.Settings().DefaultESGroups
	if !reset {
		if groups, err = cmd.IntList("GROUPS"); err != nil {
			return "", err
		}
	}
	if err := e.c.SetEndlessSpoolGroups(ctx, groups); err != nil {
		return "", err
	}
	return e.c.DisplayTTG(false), nil
}

func (e *ercfCommands) cmdTestLoadSequence(ctx context.Context, cmd *Command) (string, error) {
	loops, err := cmd.Int("LOOP", 10, 1, math.MaxInt32)
	if err != nil {
		return "", err
	}
	random, err := cmd.Bool("RANDOM", false)
	if err != nil {
		return "", err
	}
	full, err := cmd.Bool("FULL", false)
	if err != nil {
		return "", err
	}
	return "", e.c.TestLoadSequence(ctx, loops, random, full)
}

func (e *ercfCommands) cmdTestLoad(ctx context.Context, cmd *Command) (string, error) {
	length, err := cmd.FloatAbove("LENGTH", 100, 0)
	if err != nil {
		return "", err
	}
	return "", e.c.TestLoad(ctx, length)
}

func (e *ercfCommands) cmdTestUnload(ctx context.Context, cmd *Command) (string, error) {
	unknown, err := cmd.Bool("UNKNOWN", false)
	if err != nil {
		return "", err
	}
	length, err := cmd.FloatAbove("LENGTH", e.c.Calibration().Ref, 0)
	if err != nil {
		return "", err
	}
	return "", e.c.TestUnload(ctx, length, unknown)
}

func (e *ercfCommands) cmdTestTracking(ctx context.Context, cmd *Command) (string, error) {
	direction, err := cmd.Int("DIRECTION", 1, -1, 1)
	if err != nil {
		return "", err
	}
	step, err := cmd.Float("STEP", 1, 0.5, 20)
	if err != nil {
		return "", err
	}
	sensitivity, err := cmd.Float("SENSITIVITY", e.c.Settings().EncoderResolution, 0.1, 10)
	if err != nil {
		return "", err
	}
	samples, err := e.c.TestTracking(ctx, direction, step, sensitivity)
	var lines []string
	for _, s := range samples {
		lines = append(lines, fmt.Sprintf("%.1f: %.1f %s", s.Moved, s.Measured, s.Drift))
	}
	return strings.Join(lines, "\n"), err
}

func (e *ercfCommands) cmdTestHomeToExtruder(ctx context.Context, cmd *Command) (string, error) {
	ret, err := cmd.Bool("RETURN", false)
	if err != nil {
		return "", err
	}
	measured, spring, err := e.c.TestHomeToExtruder(ctx, ret)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Filament homed to extruder, encoder measured %.1fmm, filament sprung back %.1fmm", measured, spring), nil
}

func (e *ercfCommands) cmdTestConfig(ctx context.Context, cmd *Command) (string, error) {
	values := make(map[string]string, len(cmd.Params))
	for k, v := range cmd.Params {
		values[strings.ToLower(k)] = v
	}
	t, err := e.c.TestConfig(values)
	if err != nil {
		return "", err
	}
	return t.String(), nil
}
