// Simulated feeder hardware
//
// Machine models the filament path of a selector fed multi material unit
// well enough to drive the controller end to end: gate filaments with a
// tip distance, an encoder that only sees filament past its wheel, a
// spring of compressed filament when the gear pushes against the extruder
// and a selector carriage with an endstop at zero.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"context"
	"fmt"
	"math"
	"sync"

	"ercf-go/pkg/ercf"
)

// Fault names an injected hardware fault.
type Fault string

const (
	// FaultMissingExtruder removes the extruder gears, so nothing stops the
	// gear short of the nozzle.
	FaultMissingExtruder Fault = "missing_extruder"
	// FaultSelectorBlocked keeps the selector endstop from triggering.
	FaultSelectorBlocked Fault = "selector_blocked"
	// FaultEncoderDead stops the encoder from counting.
	FaultEncoderDead Fault = "encoder_dead"
	// FaultStuckInExtruder keeps the extruder from pulling filament back.
	FaultStuckInExtruder Fault = "stuck_in_extruder"
)

const slack = 0.5

// Geometry is the fixed path layout in mm.
type Geometry struct {
	ParkingDistance   float64 `yaml:"parking_distance"`
	BowdenLength      float64 `yaml:"bowden_length"`
	SensorOffset      float64 `yaml:"sensor_offset"`
	SpringMax         float64 `yaml:"spring_max"`
	EncoderResolution float64 `yaml:"encoder_resolution"`

	// NozzleDistance is the path from the extruder entrance, or the
	// sensor when fitted, to the nozzle.
	NozzleDistance float64 `yaml:"nozzle_distance"`
}

func (g Geometry) withDefaults() Geometry {
	if g.ParkingDistance == 0 {
		g.ParkingDistance = 23
	}
	if g.BowdenLength == 0 {
		g.BowdenLength = 600
	}
	if g.SpringMax == 0 {
		g.SpringMax = 3
	}
	if g.EncoderResolution == 0 {
		g.EncoderResolution = ercf.DefaultEncoderResolution
	}
	if g.NozzleDistance == 0 {
		g.NozzleDistance = 60
	}
	return g
}

// Filament is one spool path.
type Filament struct {
	Present bool
	// Tip is the distance of the filament end from the gate park point.
	Tip float64
	// Scale multiplies gear travel and stands for gear wheel variation.
	Scale float64
	// Empty marks a spool that ran out. The strand in the path leaves the
	// gate once it is pulled back to the park point.
	Empty bool
}

// Record is one logged actuator command.
type Record struct {
	Device   string
	Motor    ercf.Motor
	Distance float64

	// Moved is the filament travel that resulted.
	Moved float64
}

// Machine simulates the feeder, its sensors and the extruder.
type Machine struct {
	mu sync.Mutex

	geo       Geometry
	encoderAt float64
	extruder  float64
	sensorAt  float64
	faults    map[Fault]bool

	gates   []*Filament
	bypass  *Filament
	spring  float64
	servo   bool
	ratio   float64
	current float64

	encoder     float64
	extruderPos float64
	slip        float64

	offsets      []float64
	bypassOffset float64
	physical     float64
	logical      float64

	temp       float64
	minExtrude float64
	printState ercf.PrintState

	moves []Record
}

// New builds a machine with every gate loaded and parked at the gate.
func New(geo Geometry, offsets []float64, bypassOffset float64) *Machine {
	geo = geo.withDefaults()
	m := &Machine{
		geo:          geo,
		encoderAt:    geo.ParkingDistance,
		extruder:     geo.ParkingDistance + geo.BowdenLength,
		faults:       make(map[Fault]bool),
		ratio:        1,
		current:      100,
		offsets:      append([]float64(nil), offsets...),
		bypassOffset: bypassOffset,
		minExtrude:   170,
	}
	if geo.SensorOffset > 0 {
		m.sensorAt = m.extruder + geo.SensorOffset
	}
	for range offsets {
		m.gates = append(m.gates, &Filament{Present: true, Scale: 1})
	}
	if bypassOffset > 0 {
		m.bypass = &Filament{Present: true, Tip: m.extruder, Scale: 1}
	}
	return m
}

// Hardware returns the devices for ercf.Options.
func (m *Machine) Hardware() ercf.Hardware {
	hw := ercf.Hardware{
		Drive:    m,
		Encoder:  &encoder{m},
		Servo:    &servo{m},
		Selector: &selector{m},
	}
	if m.sensorAt > 0 {
		hw.ToolheadSensor = &sensor{m}
	}
	return hw
}

// SetFault enables or clears an injected fault.
func (m *Machine) SetFault(f Fault, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[f] = on
}

// Gate returns a copy of a gate filament.
func (m *Machine) Gate(gate int) Filament {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.gates[gate]
}

// SetGate replaces the filament of a gate.
func (m *Machine) SetGate(gate int, f Filament) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Scale == 0 {
		f.Scale = 1
	}
	*m.gates[gate] = f
}

// Runout makes the spool of a gate run out.
func (m *Machine) Runout(gate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates[gate].Empty = true
	m.drop(m.gates[gate])
}

func (m *Machine) drop(f *Filament) {
	if f.Empty && f.Tip <= 0 {
		f.Present = false
		f.Tip = 0
	}
}

// InjectSlip makes the next gear move lose mm of travel.
func (m *Machine) InjectSlip(mm float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slip += mm
}

// Moves returns the command log.
func (m *Machine) Moves() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.moves...)
}

// ExtruderPos returns the cumulative extruder motion.
func (m *Machine) ExtruderPos() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extruderPos
}

// Landmarks returns the extruder entrance and sensor trigger distances.
func (m *Machine) Landmarks() (extruder, sensor float64) {
	return m.extruder, m.sensorAt
}

// Spring returns the filament compressed against the extruder.
func (m *Machine) Spring() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spring
}

// SetPrintState sets the state reported through Hooks.
func (m *Machine) SetPrintState(s ercf.PrintState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.printState = s
}

// Temperature returns the extruder target.
func (m *Machine) Temperature() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.temp
}

// engaged returns the filament under the selector, or nil.
func (m *Machine) engaged() *Filament {
	for i, off := range m.offsets {
		if math.Abs(m.physical-off) <= slack {
			return m.gates[i]
		}
	}
	if m.bypass != nil && math.Abs(m.physical-m.bypassOffset) <= slack {
		return m.bypass
	}
	return nil
}

// inExtruder returns the filament held by the extruder gears, or nil.
func (m *Machine) inExtruder() *Filament {
	candidates := append([]*Filament{m.bypass}, m.gates...)
	for _, f := range candidates {
		if f != nil && f.Present && f.Tip >= m.extruder-slack {
			return f
		}
	}
	return nil
}

// travel moves f by d and counts what passes the encoder.
func (m *Machine) travel(f *Filament, d float64) {
	x0 := f.Tip
	f.Tip += d
	m.count(math.Abs(math.Max(f.Tip, m.encoderAt) - math.Max(x0, m.encoderAt)))
	m.drop(f)
}

func (m *Machine) count(mm float64) {
	if !m.faults[FaultEncoderDead] {
		m.encoder += mm
	}
}

func (m *Machine) blocked() bool {
	return !m.faults[FaultMissingExtruder]
}

// Move executes a relative filament move.
func (m *Machine) Move(ctx context.Context, mv ercf.Move) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var moved float64
	switch mv.Motor {
	case ercf.MotorGear:
		moved, _ = m.gear(mv.Distance, m.extruder)
	case ercf.MotorExtruder:
		moved = m.extrude(mv.Distance)
	case ercf.MotorBoth:
		moved = m.synced(mv.Distance)
	default:
		return fmt.Errorf("sim: unknown motor %v", mv.Motor)
	}
	m.moves = append(m.moves, Record{Device: "drive", Motor: mv.Motor, Distance: mv.Distance, Moved: moved})
	return nil
}

// HomingMove runs a gear move that stops on stall at the extruder.
func (m *Machine) HomingMove(ctx context.Context, mv ercf.Move) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if mv.Motor != ercf.MotorGear {
		return 0, false, fmt.Errorf("sim: homing move needs the gear motor, got %v", mv.Motor)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	moved, stalled := m.gear(mv.Distance, m.extruder)
	m.moves = append(m.moves, Record{Device: "drive_homing", Motor: mv.Motor, Distance: mv.Distance, Moved: moved})
	return moved, stalled, nil
}

// gear drives the engaged filament. Forward travel stops at limit where
// the spring compresses and the rest slips. It reports whether the move
// ran into the limit.
func (m *Machine) gear(d, limit float64) (float64, bool) {
	f := m.engaged()
	if !m.servo || f == nil || !f.Present {
		m.slip = 0
		return 0, false
	}
	want := d * m.ratio * f.Scale
	if m.slip > 0 {
		lost := math.Min(m.slip, math.Abs(want))
		m.slip = 0
		want = math.Copysign(math.Abs(want)-lost, want)
	}
	if want >= 0 {
		if !m.blocked() {
			m.travel(f, want)
			return want, false
		}
		free := math.Max(0, math.Min(want, limit-f.Tip))
		m.travel(f, free)
		rest := want - free
		if rest <= 0 {
			return free, false
		}
		take := math.Min(rest, m.geo.SpringMax-m.spring)
		m.spring += take
		m.count(take)
		return free, true
	}

	back := -want
	if m.spring > 0 {
		take := math.Min(back, m.spring)
		m.spring -= take
		m.count(take)
		back -= take
	}
	if back <= 0 {
		return 0, false
	}
	if m.blocked() && f.Tip > m.extruder+slack {
		return 0, false
	}
	m.travel(f, -back)
	return -back, false
}

// extrude drives the extruder gears.
func (m *Machine) extrude(d float64) float64 {
	m.extruderPos += d
	f := m.inExtruder()
	if f == nil || !m.blocked() {
		return 0
	}
	if m.servo {
		// The gear holds the filament, only the spring gives way
		if d <= 0 {
			return 0
		}
		take := math.Min(d, m.spring)
		m.spring -= take
		f.Tip += take
		return take
	}
	if d < 0 {
		if m.faults[FaultStuckInExtruder] {
			return 0
		}
		d = math.Max(d, m.extruder-f.Tip)
	}
	m.travel(f, d)
	return d
}

// synced drives gear and extruder together.
func (m *Machine) synced(d float64) float64 {
	m.extruderPos += d
	f := m.inExtruder()
	if m.servo {
		if e := m.engaged(); e != nil && e.Present {
			f = e
		}
	}
	if f == nil {
		return 0
	}
	m.travel(f, d)
	return d
}

// SetGearRatio scales gear travel.
func (m *Machine) SetGearRatio(ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratio = ratio
}

// SetGearCurrent records the gear current.
func (m *Machine) SetGearCurrent(percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = percent
}

// GearCurrent returns the last gear current.
func (m *Machine) GearCurrent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// MotorsOff releases the gear.
func (m *Machine) MotorsOff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves = append(m.moves, Record{Device: "motors_off"})
}

type encoder struct{ m *Machine }

func (e *encoder) Distance() float64 {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.m.encoder
}

func (e *encoder) SetDistance(mm float64) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	e.m.encoder = mm
}

// Counts reports both edges of every tooth passing the sensor.
func (e *encoder) Counts() int {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return int(math.Round(e.m.encoder * 2 / e.m.geo.EncoderResolution))
}

type sensor struct{ m *Machine }

func (s *sensor) Triggered() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	f := s.m.inExtruder()
	return f != nil && f.Tip >= s.m.sensorAt
}

type servo struct{ m *Machine }

func (s *servo) Down(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.servo = true
	s.m.moves = append(s.m.moves, Record{Device: "servo_down"})
	return nil
}

// Up releases the gear. Compressed filament springs back past the encoder.
func (s *servo) Up(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.servo = false
	s.m.count(s.m.spring)
	s.m.spring = 0
	s.m.moves = append(s.m.moves, Record{Device: "servo_up"})
	return nil
}

type selector struct{ m *Machine }

func (s *selector) SetPosition(pos float64) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.logical = pos
}

func (s *selector) Position() float64 {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.logical
}

func (s *selector) Move(ctx context.Context, pos, speed, accel float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	target := s.m.physical + pos - s.m.logical
	if target < 0 {
		target = 0
	}
	s.m.logical += target - s.m.physical
	s.m.physical = target
	s.m.moves = append(s.m.moves, Record{Device: "selector", Distance: pos, Moved: target})
	return nil
}

// HomingMove stops at the endstop when the move crosses physical zero.
func (s *selector) HomingMove(ctx context.Context, pos, speed, accel float64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	target := s.m.physical + pos - s.m.logical
	triggered := false
	if target <= 0 {
		target = 0
		triggered = !s.m.faults[FaultSelectorBlocked]
		if !triggered {
			// The carriage stalls against the blockage short of the endstop
			target = s.m.physical
		}
	}
	s.m.logical += target - s.m.physical
	s.m.physical = target
	s.m.moves = append(s.m.moves, Record{Device: "selector_homing", Distance: pos, Moved: target})
	return triggered, nil
}

func (s *selector) MotorOff() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.moves = append(s.m.moves, Record{Device: "selector_off"})
}

// Hooks returns printer procedures backed by the machine.
func (m *Machine) Hooks() ercf.Hooks {
	return ercf.Hooks{
		FormTip: func(ctx context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.extrude(-35)
			return nil
		},
		ExtruderTarget: m.Temperature,
		CanExtrude: func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.temp >= m.minExtrude
		},
		HeatExtruder: func(ctx context.Context, temp float64, wait bool) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.temp = temp
			return nil
		},
		PrintState: func() ercf.PrintState {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.printState
		},
	}
}
