// ERCF filament transport controller
//
// The controller serializes every motion operation through a single
// operation state. Phases return errors; only the controller turns an
// error into the one pause transition for that fault.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	hosterrors "ercf-go/pkg/errors"
	"ercf-go/pkg/log"
)

// OperationState is the controller wide state machine.
type OperationState int

const (
	StateIdle OperationState = iota
	StateSelecting
	StateLoading
	StateUnloading
	StateCalibrating
	StatePausedLocked
	StateBypass
)

func (s OperationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StateLoading:
		return "loading"
	case StateUnloading:
		return "unloading"
	case StateCalibrating:
		return "calibrating"
	case StatePausedLocked:
		return "paused_locked"
	case StateBypass:
		return "bypass"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ServoState is the last commanded servo position.
type ServoState int

const (
	ServoUnknown ServoState = iota
	ServoUp
	ServoDown
)

func (s ServoState) String() string {
	switch s {
	case ServoUp:
		return "Up"
	case ServoDown:
		return "Down"
	}
	return "Unknown"
}

// Direction is the last filament travel direction, used for display.
type Direction int

const (
	DirectionLoad Direction = iota
	DirectionUnload
)

// session is the mutable controller state guarded by Controller.mu.
type session struct {
	enabled       bool
	locked        bool
	opState       OperationState
	opID          string
	opName        string
	tool          int
	gate          int
	homed         bool
	servo         ServoState
	direction     Direction
	calibrating   bool
	savedToolhead bool
	pausedTemp    float64
	calib         Calibration
	deferred      *bool // queued runout, value is force

	// lastExtruderPos is the extruder position of the last clog check
	lastExtruderPos float64
}

// Options configures a Controller.
type Options struct {
	Settings *Settings
	Hardware Hardware
	Hooks    Hooks
	// Vars persists state. Nil keeps everything in memory.
	Vars   Variables
	Logger *log.Logger
	Tracer trace.Tracer
}

// Controller coordinates the feeder hardware.
type Controller struct {
	settings *Settings
	hw       Hardware
	hooks    Hooks
	vars     Variables
	log      *log.Logger
	tracer   trace.Tracer
	now      func() time.Time

	tun     tunables
	pos     *PositionModel
	mapping *Mapping
	stats   *Stats
	clog    *ClogDetector

	mu          sync.Mutex
	s           session
	heaterTimer *time.Timer

	obsMu     sync.RWMutex
	observers []Observer
}

// New builds a controller and restores the persisted state.
func New(opts Options) (*Controller, error) {
	if opts.Settings == nil {
		return nil, hosterrors.RuntimeErrorInit("ercf", "settings are required")
	}
	if err := opts.Hardware.validate(); err != nil {
		return nil, hosterrors.Wrap(err, hosterrors.ErrRuntimeInit, "invalid hardware")
	}
	if opts.Settings.HasToolheadSensor != opts.Hardware.HasToolheadSensor() {
		return nil, hosterrors.RuntimeErrorInit("ercf", "toolhead sensor configuration does not match the hardware")
	}
	mapping, err := NewMapping(opts.Settings)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		settings: opts.Settings,
		hw:       opts.Hardware,
		hooks:    opts.Hooks,
		vars:     opts.Vars,
		log:      opts.Logger,
		tracer:   opts.Tracer,
		now:      time.Now,
		mapping:  mapping,
		stats:    NewStats(opts.Settings.NumGates()),
	}
	if c.vars == nil {
		c.vars = newMemoryVariables()
	}
	if c.log == nil {
		c.log = log.GetLogger("ercf")
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("ercf-go/pkg/ercf")
	}
	c.tun.cur = opts.Settings.Tunables
	c.s = newSession()
	c.pos = NewPositionModel(
		func() float64 { return c.tun.snapshot().LoadBowdenTolerance },
		c.landmarks,
	)
	c.pos.OnChange(c.onPositionChange)

	if err := c.restore(); err != nil {
		return nil, err
	}
	mode := ClogStatic
	if c.settings.ClogAutotune {
		mode = ClogAutomatic
	}
	c.clog = NewClogDetector(c.calibration().DetectionLength(), mode)

	c.log.Always("ERCF ready with %d gates", c.settings.NumGates())
	if v := c.calibration().Version; v != calibrationVersion {
		c.log.Warn("Calibration version is out of date (%d). Please re-run calibration", v)
	}
	if c.settings.StartupStatus > 0 {
		c.log.Always("%s", c.mapping.Render(c.settings.StartupStatus == 1, c.settings.EnableEndlessSpool, ToolUnknown, GateUnknown))
		if c.settings.PersistenceLevel >= 4 {
			c.displayVisual()
		}
	}
	return c, nil
}

// Subscribe registers an observer.
func (c *Controller) Subscribe(o Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

func (c *Controller) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	c.mu.Lock()
	e.OpID, e.Operation = c.s.opID, c.s.opName
	if e.Kind != EventOperation {
		e.State = c.stateLocked()
	}
	c.mu.Unlock()
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.Observe(e)
	}
}

// Settings returns the startup configuration.
func (c *Controller) Settings() *Settings { return c.settings }

// Tunables returns a copy of the live tunables.
func (c *Controller) Tunables() Tunables { return c.tun.snapshot() }

// Mapping exposes the tool to gate manager.
func (c *Controller) Mapping() *Mapping { return c.mapping }

// Stats exposes the statistics tracker.
func (c *Controller) Stats() *Stats { return c.stats }

// PositionModel exposes the filament position.
func (c *Controller) PositionModel() *PositionModel { return c.pos }

// ClogDetector exposes the runout detector.
func (c *Controller) ClogDetector() *ClogDetector { return c.clog }

// Strategy returns the entry strategy for the live tunables.
func (c *Controller) Strategy() EntryStrategy {
	return resolveStrategy(c.tun.snapshot(), c.settings.HasToolheadSensor, c.settings.HomingMethod)
}

func (c *Controller) stateLocked() OperationState {
	switch {
	case c.s.locked:
		return StatePausedLocked
	case c.s.opState != StateIdle:
		return c.s.opState
	case c.s.tool == ToolBypass:
		return StateBypass
	}
	return StateIdle
}

// State returns the active operation state.
func (c *Controller) State() OperationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Tool returns the selected tool.
func (c *Controller) Tool() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.tool
}

// Gate returns the selected gate.
func (c *Controller) Gate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.gate
}

// IsHomed reports whether the selector position is known.
func (c *Controller) IsHomed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.homed
}

// IsLocked reports whether operations are locked after a fault.
func (c *Controller) IsLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.locked
}

// Calibration returns a copy of the active calibration record.
func (c *Controller) Calibration() Calibration {
	calib := c.calibration()
	calib.Ratios = make(map[int]float64, len(calib.Ratios))
	for gate, r := range c.calibration().Ratios {
		calib.Ratios[gate] = r
	}
	return calib
}

func (c *Controller) calibration() Calibration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.calib
}

func (c *Controller) isCalibrating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.calibrating
}

func (c *Controller) setCalibrating(v bool) {
	c.mu.Lock()
	c.s.calibrating = v
	c.mu.Unlock()
}

func (c *Controller) setState(state OperationState) {
	c.mu.Lock()
	changed := c.s.opState != state
	c.s.opState = state
	c.mu.Unlock()
	if changed {
		c.publish(Event{Kind: EventState})
	}
}

func (c *Controller) setDirection(d Direction) {
	c.mu.Lock()
	c.s.direction = d
	c.mu.Unlock()
}

func (c *Controller) landmarks(sensorAt float64) Landmarks {
	t := c.tun.snapshot()
	calib := c.calibration()
	lm := Landmarks{Encoder: c.settings.ParkingDistance}
	lm.ExtruderEntry = lm.Encoder + calib.Ref
	lm.Sensor = sensorAt
	if lm.Sensor <= 0 {
		lm.Sensor = lm.ExtruderEntry + t.ToolheadHomingMax
	}
	if c.settings.HasToolheadSensor {
		lm.Nozzle = lm.Sensor + t.HomePositionToNozzle
	} else {
		lm.Nozzle = lm.ExtruderEntry + t.HomePositionToNozzle
	}
	return lm
}

func (c *Controller) onPositionChange(change PositionChange) {
	c.publish(Event{Kind: EventPosition, Position: change.Current, FilamentPos: change.FilamentPos, Message: change.Reason})
	c.persistPosition(change.Current)
	if !c.isCalibrating() {
		c.displayVisual()
	}
}

// begin claims the sequencer for an operation.
func (c *Controller) begin(op string, state OperationState, allowLocked bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.s.enabled:
		return hosterrors.OperationsLocked("ERCF is disabled. Please use ERCF_ENABLE to use")
	case c.s.locked && !allowLocked:
		return hosterrors.OperationsLocked("ERCF is currently locked/paused. Please use 'ERCF_UNLOCK'")
	case c.s.opState != StateIdle:
		return hosterrors.OperationsLocked(fmt.Sprintf("ERCF is busy with %s", c.s.opName))
	}
	c.s.opState = state
	c.s.opName = op
	c.s.opID = uuid.NewString()
	return nil
}

// run executes fn as one serialized operation. A non diagnostic error
// locks the controller through a single pause.
func (c *Controller) run(ctx context.Context, op string, state OperationState, fn func(context.Context) error) error {
	return c.runWith(ctx, op, state, false, fn)
}

func (c *Controller) runWith(ctx context.Context, op string, state OperationState, allowLocked bool, fn func(context.Context) error) (err error) {
	if err := c.begin(op, state, allowLocked); err != nil {
		return err
	}
	c.publish(Event{Kind: EventState})
	c.mu.Lock()
	opID := c.s.opID
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "ercf."+op, trace.WithAttributes(
		attribute.String("ercf.op_id", opID),
		attribute.Int("ercf.tool", c.Tool()),
		attribute.Int("ercf.gate", c.Gate()),
	))
	start := c.now()
	defer func() {
		if r := recover(); r != nil {
			err = hosterrors.RecoverPanic(r)
		}
		if err != nil && !isDiagnostic(err) {
			c.fail(ctx, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("ercf.position", c.pos.Position().String()))
		span.End()

		c.publish(Event{
			Kind:      EventOperation,
			State:     state,
			Tool:      c.Tool(),
			Gate:      c.Gate(),
			Position:  c.pos.Position(),
			Duration:  c.now().Sub(start),
			EncoderMM: c.hw.Encoder.Distance(),
			Err:       err,
		})
		c.mu.Lock()
		c.s.opState = StateIdle
		c.s.opName, c.s.opID = "", ""
		deferred := c.s.deferred
		c.s.deferred = nil
		locked := c.s.locked
		c.mu.Unlock()
		c.publish(Event{Kind: EventState})

		if deferred != nil && !locked {
			c.log.Info("Processing deferred runout event")
			if rerr := c.EncoderRunout(context.WithoutCancel(ctx), *deferred); rerr != nil {
				c.log.Error("Deferred runout handling failed: %v", rerr)
			}
		}
	}()
	return fn(ctx)
}

// phase wraps a sequencer step in a child span.
func (c *Controller) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "ercf.phase."+name)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// isDiagnostic reports errors that are returned without locking.
func isDiagnostic(err error) bool {
	switch hosterrors.CodeOf(err) {
	case hosterrors.ErrCalibration, hosterrors.ErrInvalidParameter, hosterrors.ErrOperationsLocked:
		return true
	}
	return false
}

// fail performs the single pause transition for a fault.
func (c *Controller) fail(ctx context.Context, err error) {
	c.log.Error("%v", err)
	c.pause(context.WithoutCancel(ctx), err.Error(), false)
}
