// Callbacks and observers
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"context"
	"strings"
	"time"

	hosterrors "ercf-go/pkg/errors"
)

// PrintState is the printer job state reported by the host.
type PrintState int

const (
	PrintStandby PrintState = iota
	PrintPrinting
	PrintPaused
)

// Hooks are the printer side procedures invoked at fixed points. The
// controller blocks on each call; a nil field is a no-op.
type Hooks struct {
	// PreUnload and PostLoad wrap an EndlessSpool swap.
	PreUnload func(ctx context.Context) error
	PostLoad  func(ctx context.Context) error
	// FormTip shapes the filament tip before a standalone unload.
	FormTip func(ctx context.Context) error
	// Pause and Resume run the printer pause and resume procedures.
	Pause  func(ctx context.Context, reason string) error
	Resume func(ctx context.Context) error

	SaveToolhead    func(ctx context.Context) error
	LiftToolhead    func(ctx context.Context, height, speed float64) error
	RestoreToolhead func(ctx context.Context, speed float64) error

	// ExtruderTarget returns the current extruder target temperature.
	ExtruderTarget func() float64
	// CanExtrude reports whether the extruder is above its minimum temperature.
	CanExtrude func() bool
	// HeatExtruder sets the target and waits when wait is set.
	HeatExtruder func(ctx context.Context, temp float64, wait bool) error
	// ExtruderCurrent sets the extruder stepper current in percent.
	ExtruderCurrent func(percent float64)
	// SetIdleTimeout changes the printer idle timeout in seconds.
	SetIdleTimeout func(seconds int)

	// PrintState reports whether a print is running.
	PrintState func() PrintState
}

func (h Hooks) printState() PrintState {
	if h.PrintState == nil {
		return PrintStandby
	}
	return h.PrintState()
}

func call(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// EventKind classifies controller events.
type EventKind string

const (
	EventState      EventKind = "state"
	EventPosition   EventKind = "position"
	EventSelection  EventKind = "selection"
	EventGateStatus EventKind = "gate_status"
	EventMove       EventKind = "move"
	EventOperation  EventKind = "operation"
	EventPause      EventKind = "pause"
	EventCalibrated EventKind = "calibrated"
)

// Event is published synchronously to every observer.
type Event struct {
	Kind      EventKind
	Time      time.Time
	OpID      string
	Operation string

	State       OperationState
	Position    Position
	FilamentPos float64
	Tool        int
	Gate        int
	GateStatus  GateStatus

	// Motor, Distance and Delta describe a tracked move.
	Motor    Motor
	Distance float64
	Delta    float64

	// Duration, EncoderMM and Err describe a finished operation.
	Duration  time.Duration
	EncoderMM float64
	Err       error

	// CalibRef is set on calibration events.
	CalibRef float64
	Message  string
}

// Observer receives controller events on the goroutine running the
// operation. Of the controller methods only EncoderRunout and the getters
// may be called from an observer.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(e Event) { f(e) }

// Outcome names the result of an operation: ok, or the lower case error
// code, or error for an uncoded failure.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	code := hosterrors.CodeOf(err)
	if code == "" {
		return "error"
	}
	return strings.ToLower(string(code))
}
