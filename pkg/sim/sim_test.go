// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ercf-go/pkg/ercf"
)

func newTestMachine() *Machine {
	return New(Geometry{BowdenLength: 600}, []float64{4, 25, 46}, 0)
}

func engage(t *testing.T, m *Machine, pos float64) ercf.Hardware {
	t.Helper()
	ctx := context.Background()
	hw := m.Hardware()
	require.NoError(t, hw.Selector.Move(ctx, pos, 0, 0))
	require.NoError(t, hw.Servo.Down(ctx))
	return hw
}

func gear(t *testing.T, m *Machine, d float64) {
	t.Helper()
	require.NoError(t, m.Move(context.Background(), ercf.Move{Motor: ercf.MotorGear, Distance: d}))
}

func TestEncoderCountsOnlyPastWheel(t *testing.T) {
	m := newTestMachine()
	hw := engage(t, m, 25)

	gear(t, m, 20)
	assert.Equal(t, 0.0, hw.Encoder.Distance())
	gear(t, m, 50)
	assert.InDelta(t, 47, hw.Encoder.Distance(), 1e-9)
	assert.InDelta(t, 70, m.Gate(1).Tip, 1e-9)
	assert.Equal(t, 0.0, m.Gate(0).Tip)

	// Counting is direction-less
	gear(t, m, -10)
	assert.InDelta(t, 57, hw.Encoder.Distance(), 1e-9)
}

func TestGearNeedsServo(t *testing.T) {
	m := newTestMachine()
	hw := m.Hardware()
	require.NoError(t, hw.Selector.Move(context.Background(), 4, 0, 0))
	gear(t, m, 100)
	assert.Equal(t, 0.0, m.Gate(0).Tip)
}

func TestSpringAtExtruder(t *testing.T) {
	m := newTestMachine()
	hw := engage(t, m, 4)
	extruder, _ := m.Landmarks()

	gear(t, m, 640)
	assert.InDelta(t, extruder, m.Gate(0).Tip, 1e-9)
	assert.InDelta(t, 3, m.Spring(), 1e-9)
	assert.InDelta(t, 603, hw.Encoder.Distance(), 1e-9)

	require.NoError(t, hw.Servo.Up(context.Background()))
	assert.InDelta(t, 606, hw.Encoder.Distance(), 1e-9)
	assert.Equal(t, 0.0, m.Spring())
}

func TestMissingExtruderDoesNotStall(t *testing.T) {
	m := newTestMachine()
	m.SetFault(FaultMissingExtruder, true)
	engage(t, m, 4)

	moved, stalled, err := m.HomingMove(context.Background(), ercf.Move{Motor: ercf.MotorGear, Distance: 700})
	require.NoError(t, err)
	assert.False(t, stalled)
	assert.Equal(t, 700.0, moved)
}

func TestHomingMoveStallsAtExtruder(t *testing.T) {
	m := newTestMachine()
	engage(t, m, 4)
	gear(t, m, 600)

	moved, stalled, err := m.HomingMove(context.Background(), ercf.Move{Motor: ercf.MotorGear, Distance: 50})
	require.NoError(t, err)
	assert.True(t, stalled)
	assert.InDelta(t, 23, moved, 1e-9)
}

func TestSlipAppliesToNextMove(t *testing.T) {
	m := newTestMachine()
	hw := engage(t, m, 4)
	gear(t, m, 100)
	hw.Encoder.SetDistance(0)

	m.InjectSlip(5)
	gear(t, m, 100)
	assert.InDelta(t, 95, hw.Encoder.Distance(), 1e-9)
	gear(t, m, 100)
	assert.InDelta(t, 195, hw.Encoder.Distance(), 1e-9)
}

func TestGateScaleAndRatio(t *testing.T) {
	m := newTestMachine()
	m.SetGate(2, Filament{Present: true, Scale: 1.05})
	engage(t, m, 46)
	gear(t, m, 100)
	assert.InDelta(t, 105, m.Gate(2).Tip, 1e-9)

	m.SetGearRatio(1 / 1.05)
	gear(t, m, 100)
	assert.InDelta(t, 205, m.Gate(2).Tip, 1e-9)
}

func TestExtruderMoves(t *testing.T) {
	m := newTestMachine()
	hw := engage(t, m, 4)
	extruder, _ := m.Landmarks()
	gear(t, m, 630)

	// Servo down: only the spring gives way
	require.NoError(t, m.Move(context.Background(), ercf.Move{Motor: ercf.MotorExtruder, Distance: 2}))
	assert.InDelta(t, extruder+2, m.Gate(0).Tip, 1e-9)
	require.NoError(t, m.Move(context.Background(), ercf.Move{Motor: ercf.MotorExtruder, Distance: 5}))
	assert.InDelta(t, extruder+3, m.Gate(0).Tip, 1e-9)

	require.NoError(t, hw.Servo.Up(context.Background()))
	require.NoError(t, m.Move(context.Background(), ercf.Move{Motor: ercf.MotorExtruder, Distance: 20}))
	assert.InDelta(t, extruder+23, m.Gate(0).Tip, 1e-9)

	// Retraction stops where the filament leaves the extruder gears
	require.NoError(t, m.Move(context.Background(), ercf.Move{Motor: ercf.MotorExtruder, Distance: -50}))
	assert.InDelta(t, extruder, m.Gate(0).Tip, 1e-9)
	assert.InDelta(t, -23, m.ExtruderPos(), 1e-9)
}

func TestSyncedMoveWithServoDown(t *testing.T) {
	m := newTestMachine()
	engage(t, m, 4)
	gear(t, m, 623)
	require.NoError(t, m.Move(context.Background(), ercf.Move{Motor: ercf.MotorBoth, Distance: 30}))
	extruder, _ := m.Landmarks()
	assert.InDelta(t, extruder+30, m.Gate(0).Tip, 1e-9)

	// Gear alone cannot pull filament held by the extruder
	gear(t, m, -10)
	assert.InDelta(t, extruder+30, m.Gate(0).Tip, 1e-9)
}

func TestToolheadSensor(t *testing.T) {
	m := New(Geometry{BowdenLength: 600, SensorOffset: 10}, []float64{4}, 0)
	hw := engage(t, m, 4)
	require.NotNil(t, hw.ToolheadSensor)
	gear(t, m, 625)
	assert.False(t, hw.ToolheadSensor.Triggered())
	require.NoError(t, hw.Servo.Up(context.Background()))
	require.NoError(t, m.Move(context.Background(), ercf.Move{Motor: ercf.MotorExtruder, Distance: 12}))
	assert.True(t, hw.ToolheadSensor.Triggered())

	assert.Nil(t, newTestMachine().Hardware().ToolheadSensor)
}

func TestSelectorEndstop(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()
	sel := m.Hardware().Selector
	require.NoError(t, sel.Move(ctx, 46, 0, 0))

	sel.SetPosition(0)
	triggered, err := sel.HomingMove(ctx, -100, 0, 0)
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.InDelta(t, -46, sel.Position(), 1e-9)

	sel.SetPosition(0)
	triggered, err = sel.HomingMove(ctx, 10, 0, 0)
	require.NoError(t, err)
	assert.False(t, triggered)

	m.SetFault(FaultSelectorBlocked, true)
	triggered, err = sel.HomingMove(ctx, -100, 0, 0)
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestEncoderCounts(t *testing.T) {
	m := newTestMachine()
	hw := engage(t, m, 4)
	gear(t, m, 100)
	hw.Encoder.SetDistance(0)
	gear(t, m, 67)
	assert.Equal(t, 200, hw.Encoder.Counts())
}

func TestRunout(t *testing.T) {
	m := newTestMachine()
	hw := engage(t, m, 4)
	gear(t, m, 100)
	m.Runout(0)
	assert.True(t, m.Gate(0).Present)

	// The strand is still in the path until it is parked
	gear(t, m, -100)
	assert.False(t, m.Gate(0).Present)
	hw.Encoder.SetDistance(0)
	gear(t, m, 100)
	assert.Equal(t, 0.0, hw.Encoder.Distance())

	m.Runout(1)
	assert.False(t, m.Gate(1).Present)
}

func TestHooks(t *testing.T) {
	m := newTestMachine()
	h := m.Hooks()
	assert.False(t, h.CanExtrude())
	require.NoError(t, h.HeatExtruder(context.Background(), 200, true))
	assert.True(t, h.CanExtrude())
	assert.Equal(t, 200.0, h.ExtruderTarget())

	m.SetPrintState(ercf.PrintPrinting)
	assert.Equal(t, ercf.PrintPrinting, h.PrintState())
}

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(`
geometry:
  bowden_length: 500
  sensor_offset: 12
selector_offsets: [4, 25, 46]
bypass_offset: 60
gates:
  - present: true
  - present: false
  - scale: 1.02
faults: [missing_extruder]
`))
	require.NoError(t, err)
	assert.True(t, s.HasToolheadSensor())
	assert.Equal(t, "4, 25, 46", s.Settings()["colorselector"])
	assert.Equal(t, "400", s.Settings()["calibration_bowden_length"])

	m := s.Machine()
	assert.True(t, m.Gate(0).Present)
	assert.False(t, m.Gate(1).Present)
	assert.Equal(t, 1.02, m.Gate(2).Scale)
	assert.NotNil(t, m.Hardware().ToolheadSensor)
	assert.True(t, m.faults[FaultMissingExtruder])
}

func TestParseScenarioErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"no offsets":    "gates: []",
		"too many":      "selector_offsets: [4]\ngates: [{}, {}]",
		"unknown fault": "selector_offsets: [4]\nfaults: [gremlins]",
		"bad yaml":      "selector_offsets: [4",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScenario([]byte(doc))
			assert.Error(t, err)
		})
	}
}
