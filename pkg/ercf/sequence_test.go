// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf_test

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ercf-go/pkg/config"
	"ercf-go/pkg/ercf"
	hosterrors "ercf-go/pkg/errors"
	"ercf-go/pkg/log"
	"ercf-go/pkg/savevars"
	"ercf-go/pkg/sim"
)

// nozzleTip is where the machine puts a fully loaded tip: the extruder
// entrance at 23+600 plus 60mm to the nozzle.
const nozzleTip = 683.0

type rig struct {
	t      *testing.T
	m      *sim.Machine
	c      *ercf.Controller
	vars   *savevars.Store
	logs   *bytes.Buffer
	mu     sync.Mutex
	events []ercf.Event
	opts   map[string]string
	hooks  ercf.Hooks
}

func baseOptions() map[string]string {
	return map[string]string{
		"colorselector":             "4, 25, 46",
		"calibration_bowden_length": "500",
		"home_position_to_nozzle":   "60",
		"persistence_level":         "4",
	}
}

// newRig builds a three gate machine with a 600mm bowden and a controller
// calibrated for it.
func newRig(t *testing.T, overrides map[string]string) *rig {
	t.Helper()
	return newRigWith(t, sim.Geometry{BowdenLength: 600}, overrides)
}

// newSensorRig is newRig with a toolhead sensor 20mm past the extruder
// entrance.
func newSensorRig(t *testing.T, overrides map[string]string) *rig {
	t.Helper()
	return newRigWith(t, sim.Geometry{BowdenLength: 600, SensorOffset: 20}, overrides)
}

func newRigWith(t *testing.T, geo sim.Geometry, overrides map[string]string) *rig {
	t.Helper()
	opts := baseOptions()
	for k, v := range overrides {
		opts[k] = v
	}
	vars, err := savevars.Open(filepath.Join(t.TempDir(), "variables.cfg"))
	require.NoError(t, err)
	require.NoError(t, vars.SetMany(map[string]any{
		"ercf_calib_ref":     600.0,
		"ercf_calib_version": 3,
	}))

	r := &rig{
		t:    t,
		m:    sim.New(geo, []float64{4, 25, 46}, 0),
		vars: vars,
		opts: opts,
	}
	r.hooks = r.m.Hooks()
	r.c = r.build()
	return r
}

func (r *rig) build() *ercf.Controller {
	r.t.Helper()
	settings, err := ercf.LoadSettings(config.NewSection("ercf", r.opts), r.m.Hardware().HasToolheadSensor())
	require.NoError(r.t, err)

	r.logs = &bytes.Buffer{}
	logger := log.New("ercf")
	logger.SetWriter(r.logs)
	logger.SetLevel(log.DEBUG)

	c, err := ercf.New(ercf.Options{
		Settings: settings,
		Hardware: r.m.Hardware(),
		Hooks:    r.hooks,
		Vars:     r.vars,
		Logger:   logger,
	})
	require.NoError(r.t, err)
	c.Subscribe(ercf.ObserverFunc(func(e ercf.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	}))
	return c
}

func (r *rig) count(kind ercf.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// gearMoves counts logged gear moves of distance mm.
func (r *rig) gearMoves(mm float64) int {
	n := 0
	for _, rec := range r.m.Moves() {
		if rec.Device == "drive" && rec.Motor == ercf.MotorGear && math.Abs(rec.Distance-mm) < 1e-6 {
			n++
		}
	}
	return n
}

func TestChangeToolLoadsToNozzle(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)

	require.NoError(t, r.c.ChangeTool(ctx, 0, false))
	assert.Equal(t, 0, r.c.Tool())
	assert.Equal(t, 0, r.c.Gate())
	assert.True(t, r.c.IsHomed())
	assert.Equal(t, ercf.PositionAtNozzle, r.c.PositionModel().Position())
	assert.InDelta(t, nozzleTip, r.m.Gate(0).Tip, 1e-6)
	assert.Equal(t, ercf.GateStatusAvailable, r.c.Mapping().GateStatus(0))
	assert.Equal(t, int(ercf.PositionAtNozzle), r.vars.Int("ercf_state_loaded_status", 0))

	require.NoError(t, r.c.ChangeTool(ctx, 1, false))
	assert.Equal(t, 1, r.c.Tool())
	assert.InDelta(t, 0, r.m.Gate(0).Tip, 1e-6)
	assert.InDelta(t, nozzleTip, r.m.Gate(1).Tip, 1e-6)
	assert.Equal(t, 2, r.c.Stats().Swap().TotalSwaps)
	assert.Equal(t, 1, r.c.Stats().Gate(0).Unloads)
	assert.Equal(t, ercf.StateIdle, r.c.State())
	assert.Zero(t, r.count(ercf.EventPause))
}

func TestChangeToolAlreadyLoaded(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.ChangeTool(ctx, 0, false))
	moves := len(r.m.Moves())

	require.NoError(t, r.c.ChangeTool(ctx, 0, false))
	assert.Len(t, r.m.Moves(), moves)
}

func TestEjectParksFilament(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.ChangeTool(ctx, 2, false))

	require.NoError(t, r.c.Eject(ctx))
	assert.Equal(t, ercf.PositionAtGate, r.c.PositionModel().Position())
	assert.InDelta(t, 0, r.m.Gate(2).Tip, 1e-6)
	assert.Equal(t, 2, r.c.Tool())
	assert.Equal(t, int(ercf.PositionAtGate), r.vars.Int("ercf_state_loaded_status", -1))
}

func TestBowdenCorrection(t *testing.T) {
	for _, tc := range []struct {
		name       string
		correction string
		moves      int
	}{
		{"enabled", "1", 1},
		{"disabled", "0", 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			r := newRig(t, map[string]string{
				"apply_bowden_correction": tc.correction,
				"load_bowden_tolerance":   "3",
			})
			// Slip the first bowden move once the filament is past the encoder
			var once sync.Once
			r.c.Subscribe(ercf.ObserverFunc(func(e ercf.Event) {
				if e.Kind == ercf.EventPosition && e.Position == ercf.PositionAtEncoder {
					once.Do(func() { r.m.InjectSlip(5) })
				}
			}))

			require.NoError(t, r.c.ChangeTool(ctx, 0, false))
			assert.Equal(t, tc.moves, r.gearMoves(5))
			assert.Equal(t, ercf.PositionAtNozzle, r.c.PositionModel().Position())
			assert.InDelta(t, nozzleTip, r.m.Gate(0).Tip, 1e-6)
			if tc.moves == 0 {
				assert.Contains(t, r.logs.String(), "'apply_bowden_correction' is disabled")
			}
		})
	}
}

func TestCalibrateReference(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.vars.SetMany(map[string]any{"ercf_calib_ref": 550.0}))
	r.c = r.build()

	res, err := r.c.CalibrateSingle(ctx, 0, 3, false)
	require.NoError(t, err)
	require.Len(t, res.Passes, 3)
	for _, p := range res.Passes {
		assert.InDelta(t, 603, p.Measured, 1e-6)
		assert.InDelta(t, 3, p.Spring, 1e-6)
	}
	assert.True(t, res.Saved)
	assert.InDelta(t, 600, res.Reference, 1e-6)
	assert.InDelta(t, 9, res.ClogLength, 1e-6)
	assert.InDelta(t, 600, r.vars.Float("ercf_calib_ref", 0), 1e-6)
	assert.Equal(t, 3, r.vars.Int("ercf_calib_version", 0))
	assert.Equal(t, 1, r.count(ercf.EventCalibrated))
	assert.InDelta(t, 0, r.m.Gate(0).Tip, 1e-6)
	assert.False(t, r.c.IsLocked())
}

func TestCalibrateRatio(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.m.SetGate(1, sim.Filament{Present: true, Scale: 1.05})

	res, err := r.c.CalibrateSingle(ctx, 1, 1, false)
	require.NoError(t, err)
	assert.True(t, res.Saved)
	assert.InDelta(t, 1/1.05, res.Ratio, 1e-6)
	assert.InDelta(t, 1/1.05, r.vars.Float("ercf_calib_1", 0), 1e-6)

	// With the ratio applied the gate loads to the same nozzle position
	require.NoError(t, r.c.ChangeTool(ctx, 1, false))
	assert.InDelta(t, nozzleTip, r.m.Gate(1).Tip, 0.1)
}

func TestCalibrationFailureDoesNotLock(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.m.SetFault(sim.FaultMissingExtruder, true)

	_, err := r.c.CalibrateSingle(ctx, 0, 1, false)
	require.Error(t, err)
	assert.True(t, hosterrors.Is(err, hosterrors.ErrCalibration))
	assert.False(t, r.c.IsLocked())
	assert.Equal(t, ercf.PositionUnknown, r.c.PositionModel().Position())
	assert.Zero(t, r.count(ercf.EventPause))
}

func TestExtruderHomingFailureLocksOnce(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.m.SetFault(sim.FaultMissingExtruder, true)

	err := r.c.ChangeTool(ctx, 0, false)
	require.Error(t, err)
	assert.Equal(t, hosterrors.ErrExtruderHomingFailed, hosterrors.CodeOf(err))
	assert.True(t, r.c.IsLocked())
	assert.Equal(t, ercf.StatePausedLocked, r.c.State())
	assert.Equal(t, 1, r.count(ercf.EventPause))

	err = r.c.ChangeTool(ctx, 1, false)
	assert.Equal(t, hosterrors.ErrOperationsLocked, hosterrors.CodeOf(err))
	assert.Equal(t, 1, r.count(ercf.EventPause))

	// A second pause request while locked is ignored
	require.NoError(t, r.c.Pause(ctx, "again", false))
	assert.Equal(t, 1, r.count(ercf.EventPause))

	require.NoError(t, r.c.Unlock(ctx))
	assert.False(t, r.c.IsLocked())
}

func TestSensorLoadAndUnload(t *testing.T) {
	ctx := context.Background()
	r := newSensorRig(t, map[string]string{"toolhead_homing_max": "40"})
	require.True(t, r.c.Settings().HasToolheadSensor)
	assert.Equal(t, ercf.EntrySensorHoming, r.c.Strategy().Kind)
	_, sensorAt := r.m.Landmarks()

	require.NoError(t, r.c.ChangeTool(ctx, 0, false))
	assert.Equal(t, ercf.PositionAtNozzle, r.c.PositionModel().Position())
	assert.InDelta(t, sensorAt+60, r.m.Gate(0).Tip, 1)
	assert.InDelta(t, sensorAt, r.c.PositionModel().Landmarks().Sensor, 1)
	assert.Zero(t, r.count(ercf.EventPause))

	require.NoError(t, r.c.Eject(ctx))
	assert.Equal(t, ercf.PositionAtGate, r.c.PositionModel().Position())
	assert.InDelta(t, 0, r.m.Gate(0).Tip, 1)
	assert.False(t, r.c.IsLocked())
}

func TestToolheadSensorHomingFailureLocksOnce(t *testing.T) {
	ctx := context.Background()
	r := newSensorRig(t, map[string]string{"toolhead_homing_max": "10"})

	err := r.c.ChangeTool(ctx, 0, false)
	require.Error(t, err)
	assert.Equal(t, hosterrors.ErrToolheadHomingFailed, hosterrors.CodeOf(err))
	assert.True(t, r.c.IsLocked())
	assert.Equal(t, 1, r.count(ercf.EventPause))

	err = r.c.ChangeTool(ctx, 1, false)
	assert.Equal(t, hosterrors.ErrOperationsLocked, hosterrors.CodeOf(err))
	assert.Equal(t, 1, r.count(ercf.EventPause))
}

func TestInvalidParameterDoesNotLock(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)

	err := r.c.ChangeTool(ctx, 7, false)
	assert.Equal(t, hosterrors.ErrInvalidParameter, hosterrors.CodeOf(err))
	err = r.c.SelectTool(ctx, 0)
	assert.Equal(t, hosterrors.ErrInvalidParameter, hosterrors.CodeOf(err))
	assert.False(t, r.c.IsLocked())
	assert.Empty(t, r.m.Moves())
}

func TestRecoverWhileLocked(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.Pause(ctx, "manual", true))
	require.True(t, r.c.IsLocked())

	require.NoError(t, r.c.Recover(ctx, 1, -1, 1))
	assert.Equal(t, 1, r.c.Tool())
	assert.Equal(t, 1, r.c.Gate())
	assert.False(t, r.c.IsHomed())
	assert.Equal(t, ercf.PositionAtNozzle, r.c.PositionModel().Position())
	assert.True(t, r.c.IsLocked())

	err := r.c.Recover(ctx, 5, -1, 1)
	assert.Equal(t, hosterrors.ErrInvalidParameter, hosterrors.CodeOf(err))
}

func TestRecoverFromSensors(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.ChangeTool(ctx, 0, false))
	r.c.PositionModel().Invalidate("lost")

	require.NoError(t, r.c.Recover(ctx, 0, 0, -1))
	assert.Equal(t, ercf.PositionInExtruder, r.c.PositionModel().Position())

	// The recovered position unloads cleanly
	require.NoError(t, r.c.Eject(ctx))
	assert.Equal(t, ercf.PositionAtGate, r.c.PositionModel().Position())
}

func TestUnknownPositionIsRecoveredBeforeGateOperations(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.ChangeTool(ctx, 0, false))
	r.c.PositionModel().Invalidate("lost")

	err := r.c.TestLoad(ctx, 100)
	assert.Equal(t, hosterrors.ErrInvalidParameter, hosterrors.CodeOf(err))
	assert.Equal(t, ercf.PositionInExtruder, r.c.PositionModel().Position())
	assert.InDelta(t, nozzleTip, r.m.Gate(0).Tip, 1e-6)

	r.c.PositionModel().Invalidate("lost")
	err = r.c.SelectTool(ctx, 1)
	assert.Equal(t, hosterrors.ErrInvalidParameter, hosterrors.CodeOf(err))
	assert.Equal(t, 0, r.c.Gate())
	assert.Equal(t, 0, r.c.Tool())

	_, err = r.c.Preload(ctx, 1)
	assert.Equal(t, hosterrors.ErrInvalidParameter, hosterrors.CodeOf(err))
	_, err = r.c.CheckGates(ctx, ercf.CheckScope{})
	assert.Equal(t, hosterrors.ErrInvalidParameter, hosterrors.CodeOf(err))
	assert.InDelta(t, nozzleTip, r.m.Gate(0).Tip, 1e-6)
	assert.False(t, r.c.IsLocked())
	assert.Zero(t, r.count(ercf.EventPause))
}

func TestUnknownPositionWithEmptyPathProceeds(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.Home(ctx, 0, false))
	r.c.PositionModel().Invalidate("lost")

	require.NoError(t, r.c.TestLoad(ctx, 100))
	assert.InDelta(t, 100, r.m.Gate(0).Tip, 1e-6)
}

func TestForcedRunoutSwapsSpool(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, map[string]string{
		"enable_endless_spool": "1",
		"endless_spool_groups": "0, 1, 0",
	})
	require.NoError(t, r.c.ChangeTool(ctx, 0, false))

	r.m.Runout(0)
	require.NoError(t, r.c.EncoderRunout(ctx, true))
	assert.Equal(t, 0, r.c.Tool())
	assert.Equal(t, 2, r.c.Gate())
	assert.Equal(t, []int{2, 1, 2}, r.c.Mapping().TTG())
	assert.Equal(t, ercf.GateStatusEmpty, r.c.Mapping().GateStatus(0))
	assert.Equal(t, ercf.PositionAtNozzle, r.c.PositionModel().Position())
	assert.False(t, r.m.Gate(0).Present)
	assert.InDelta(t, nozzleTip, r.m.Gate(2).Tip, 1e-6)
	assert.False(t, r.c.IsLocked())
	assert.Contains(t, r.logs.String(), "Remapping T0 to gate #2")
}

func TestRunoutWithoutEndlessSpoolLocks(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.ChangeTool(ctx, 0, false))

	err := r.c.EncoderRunout(ctx, true)
	assert.Equal(t, hosterrors.ErrNoSpoolAvailable, hosterrors.CodeOf(err))
	assert.True(t, r.c.IsLocked())
	assert.Equal(t, ercf.GateStatusEmpty, r.c.Mapping().GateStatus(0))
}

func TestRunoutWithFilamentIsClog(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, map[string]string{
		"enable_endless_spool": "1",
		"endless_spool_groups": "0, 1, 0",
	})
	require.NoError(t, r.c.ChangeTool(ctx, 0, false))

	err := r.c.EncoderRunout(ctx, false)
	assert.Equal(t, hosterrors.ErrGateEmptyOrStuck, hosterrors.CodeOf(err))
	assert.Contains(t, err.Error(), "clog")
	assert.True(t, r.c.IsLocked())
	assert.Equal(t, ercf.GateStatusAvailable, r.c.Mapping().GateStatus(0))
	assert.Equal(t, []int{0, 1, 2}, r.c.Mapping().TTG())
}

func TestRunoutDuringLoadIsDeferred(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, map[string]string{
		"enable_endless_spool": "1",
		"endless_spool_groups": "0, 1, 0",
	})
	// Report the runout while the first load is still in progress
	var once sync.Once
	var deferErr error
	r.c.Subscribe(ercf.ObserverFunc(func(e ercf.Event) {
		if e.Kind == ercf.EventPosition && e.Position == ercf.PositionAtEncoder {
			once.Do(func() {
				r.m.Runout(0)
				deferErr = r.c.EncoderRunout(ctx, true)
			})
		}
	}))

	require.NoError(t, r.c.ChangeTool(ctx, 0, false))
	require.NoError(t, deferErr)
	assert.Equal(t, 2, r.c.Gate())
	assert.Equal(t, ercf.PositionAtNozzle, r.c.PositionModel().Position())
	assert.Contains(t, r.logs.String(), "Processing deferred runout event")
}

func TestCheckClogDetectsClog(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.m.SetPrintState(ercf.PrintPrinting)
	require.NoError(t, r.c.ChangeTool(ctx, 0, false))
	require.True(t, r.c.ClogDetector().Enabled())

	triggered, err := r.c.CheckClog(ctx, 1)
	require.NoError(t, err)
	assert.False(t, triggered)

	// The extruder keeps moving but the encoder sees nothing while the
	// gear still feels filament
	triggered, err = r.c.CheckClog(ctx, 100)
	assert.True(t, triggered)
	assert.Equal(t, hosterrors.ErrGateEmptyOrStuck, hosterrors.CodeOf(err))
	assert.True(t, r.c.IsLocked())
	assert.False(t, r.c.ClogDetector().Enabled())
	assert.Equal(t, 1, r.count(ercf.EventPause))
}

func TestCheckGates(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.m.SetGate(1, sim.Filament{Present: false})
	require.NoError(t, r.c.Home(ctx, -1, false))

	result, err := r.c.CheckGates(ctx, ercf.CheckScope{})
	require.NoError(t, err)
	assert.Equal(t, map[int]ercf.GateStatus{
		0: ercf.GateStatusAvailable,
		1: ercf.GateStatusEmpty,
		2: ercf.GateStatusAvailable,
	}, result)
	for gate := 0; gate < 3; gate++ {
		assert.InDelta(t, 0, r.m.Gate(gate).Tip, 1e-6)
	}

	var status []ercf.GateStatus
	found, err := r.vars.Decode("ercf_state_gate_status", &status)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []ercf.GateStatus{1, 0, 1}, status)
}

func TestCheckGatesInPrintPausesOnce(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.m.SetGate(0, sim.Filament{Present: false})
	r.m.SetGate(2, sim.Filament{Present: false})
	require.NoError(t, r.c.Home(ctx, -1, false))
	r.m.SetPrintState(ercf.PrintPrinting)

	_, err := r.c.CheckGates(ctx, ercf.CheckScope{})
	assert.Equal(t, hosterrors.ErrGateEmptyOrStuck, hosterrors.CodeOf(err))
	assert.Equal(t, 1, r.count(ercf.EventPause))
}

func TestPreload(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.m.SetGate(1, sim.Filament{Present: true, Tip: -10})
	require.NoError(t, r.c.Home(ctx, -1, false))

	found, err := r.c.Preload(ctx, 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.InDelta(t, 0, r.m.Gate(1).Tip, 15)

	r.m.SetGate(2, sim.Filament{Present: false})
	found, err = r.c.Preload(ctx, 2)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, ercf.GateStatusEmpty, r.c.Mapping().GateStatus(2))
}

func TestSelectorHomingFailure(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.m.SetFault(sim.FaultSelectorBlocked, true)

	err := r.c.Home(ctx, 0, false)
	assert.Equal(t, hosterrors.ErrSelectorHomingFailed, hosterrors.CodeOf(err))
	assert.False(t, r.c.IsHomed())
	assert.True(t, r.c.IsLocked())
}

func TestCalibrateSelector(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.Home(ctx, 2, false))

	pos, err := r.c.CalibrateSelector(ctx, 2)
	require.NoError(t, err)
	assert.InDelta(t, 46, pos, 1e-6)
	assert.False(t, r.c.IsHomed())
	assert.Equal(t, ercf.ToolUnknown, r.c.Tool())
}

func TestCalibrateEncoder(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.Home(ctx, 0, false))
	require.NoError(t, r.c.TestLoad(ctx, 200))
	require.NoError(t, r.c.ServoDown(ctx))

	cal, err := r.c.CalibrateEncoder(ctx, 100, 3, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, ercf.DefaultEncoderResolution, cal.Resolution, 0.01)
	assert.Equal(t, ercf.PositionInBowden, r.c.PositionModel().Position())
	assert.InDelta(t, cal.Load.Mean, cal.Unload.Mean, 1)
}

func TestPersistenceRestoresSelection(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.ChangeTool(ctx, 1, false))

	restored := r.build()
	assert.Equal(t, 1, restored.Tool())
	assert.Equal(t, 1, restored.Gate())
	assert.True(t, restored.IsHomed())
	assert.Equal(t, ercf.PositionAtNozzle, restored.PositionModel().Position())
	assert.Equal(t, 1, restored.Stats().Swap().TotalSwaps)

	// A restored load unloads without rediscovery
	r.c = restored
	require.NoError(t, r.c.Eject(ctx))
	assert.InDelta(t, 0, r.m.Gate(1).Tip, 1e-6)
}

func TestPersistenceLevelZeroKeepsCalibration(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, map[string]string{"persistence_level": "0"})
	require.NoError(t, r.c.ChangeTool(ctx, 1, false))
	require.NoError(t, r.c.Remap(ctx, 0, 2, 1))

	restored := r.build()
	assert.Equal(t, ercf.ToolUnknown, restored.Tool())
	assert.Equal(t, ercf.PositionUnknown, restored.PositionModel().Position())
	assert.Equal(t, []int{0, 1, 2}, restored.Mapping().TTG())
	assert.Equal(t, 1, restored.Stats().Swap().TotalSwaps)
}

func TestPersistenceLevels(t *testing.T) {
	seeded := map[string]any{
		"ercf_state_endless_spool_groups": [][]int{{0, 1, 2}},
		"ercf_state_tool_to_gate_map":     []int{2, 1, 0},
		"ercf_state_gate_status":          []int{1, 0, 1},
		"ercf_state_tool_selected":        1,
		"ercf_state_gate_selected":        1,
		"ercf_state_loaded_status":        int(ercf.PositionAtGate),
		"ercf_statistics_gate_1":          ercf.GateStats{SlipEvents: 4},
	}
	defaults := newRig(t, map[string]string{"persistence_level": "0"}).c.Mapping()
	require.NotEqual(t, [][]int{{0, 1, 2}}, defaults.Groups())
	require.NotEqual(t, []int{2, 1, 0}, defaults.TTG())

	for level := 0; level <= 4; level++ {
		t.Run(fmt.Sprintf("level %d", level), func(t *testing.T) {
			r := newRig(t, map[string]string{"persistence_level": fmt.Sprint(level)})
			require.NoError(t, r.vars.SetMany(seeded))
			c := r.build()
			m := c.Mapping()

			if level >= 1 {
				assert.Equal(t, [][]int{{0, 1, 2}}, m.Groups())
			} else {
				assert.Equal(t, defaults.Groups(), m.Groups())
			}
			if level >= 2 {
				assert.Equal(t, []int{2, 1, 0}, m.TTG())
			} else {
				assert.Equal(t, defaults.TTG(), m.TTG())
			}
			if level >= 3 {
				assert.Equal(t, []ercf.GateStatus{1, 0, 1}, m.Statuses())
			} else {
				assert.Equal(t, defaults.Statuses(), m.Statuses())
			}
			if level >= 4 {
				assert.Equal(t, 1, c.Tool())
				assert.Equal(t, 1, c.Gate())
				assert.True(t, c.IsHomed())
				assert.Equal(t, ercf.PositionAtGate, c.PositionModel().Position())
			} else {
				assert.Equal(t, ercf.ToolUnknown, c.Tool())
				assert.False(t, c.IsHomed())
				assert.Equal(t, ercf.PositionUnknown, c.PositionModel().Position())
			}
			assert.InDelta(t, 600, c.Calibration().Ref, 1e-6)
			assert.Equal(t, 4, c.Stats().Gate(1).SlipEvents)
		})
	}
}

func TestStatusAndVisual(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	status := r.c.Status()
	assert.Equal(t, "Unknown", status["filament"])
	assert.Contains(t, r.c.Visual(), "UNKNOWN")

	require.NoError(t, r.c.ChangeTool(ctx, 0, false))
	status = r.c.Status()
	assert.Equal(t, "Loaded", status["filament"])
	assert.Equal(t, 0, status["tool"])
	assert.Equal(t, false, status["is_paused"])
	assert.Equal(t, "Up", status["servo"])
	assert.Contains(t, r.c.Visual(), "ERCF [T0] >>>>> [encoder]")
	assert.Contains(t, r.c.Visual(), "LOADED")

	require.NoError(t, r.c.Eject(ctx))
	assert.Contains(t, r.c.Visual(), "UNLOADED")
	assert.Contains(t, r.c.Visual(), "<")
}

func TestDisableRejectsOperations(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.c.Disable()

	err := r.c.Home(ctx, -1, false)
	assert.Equal(t, hosterrors.ErrOperationsLocked, hosterrors.CodeOf(err))

	require.NoError(t, r.c.Enable(ctx))
	require.NoError(t, r.c.Home(ctx, -1, false))
}

func TestTestLoadAndUnload(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	require.NoError(t, r.c.Home(ctx, 0, false))

	require.NoError(t, r.c.TestLoad(ctx, 100))
	assert.InDelta(t, 100, r.m.Gate(0).Tip, 1e-6)
	require.NoError(t, r.c.TestUnload(ctx, 100, false))
	assert.InDelta(t, 0, r.m.Gate(0).Tip, 15)
	assert.False(t, r.c.IsLocked())
}
