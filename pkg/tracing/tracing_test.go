// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tracing

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"ercf-go/pkg/config"
	"ercf-go/pkg/ercf"
	"ercf-go/pkg/log"
	"ercf-go/pkg/savevars"
	"ercf-go/pkg/sim"
)

func quietLogger() *log.Logger {
	l := log.New("tracing")
	l.SetWriter(io.Discard)
	return l
}

func TestInitDisabled(t *testing.T) {
	tp, shutdown, err := Init(context.Background(), DefaultConfig(), quietLogger())
	require.NoError(t, err)
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "jaeger"
	_, _, err := Init(context.Background(), cfg, quietLogger())
	assert.Error(t, err)

	cfg.Exporter = "none"
	cfg.SampleRatio = 2
	_, _, err = Init(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Writer = &buf
	tp, shutdown, err := Init(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "ercf.home")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, quietLogger())
	assert.Contains(t, buf.String(), `"Name":"ercf.home"`)
}

func newController(t *testing.T, tp *sdktrace.TracerProvider) (*ercf.Controller, *sim.Machine) {
	t.Helper()
	machine := sim.New(sim.Geometry{BowdenLength: 600}, []float64{4, 25, 46}, 0)
	settings, err := ercf.LoadSettings(config.NewSection("ercf", map[string]string{
		"colorselector":             "4, 25, 46",
		"calibration_bowden_length": "500",
		"home_position_to_nozzle":   "60",
	}), false)
	require.NoError(t, err)
	vars, err := savevars.Open(filepath.Join(t.TempDir(), "variables.cfg"))
	require.NoError(t, err)
	require.NoError(t, vars.SetMany(map[string]any{"ercf_calib_ref": 600.0, "ercf_calib_version": 3}))
	logger := log.New("ercf")
	logger.SetWriter(io.Discard)
	c, err := ercf.New(ercf.Options{
		Settings: settings,
		Hardware: machine.Hardware(),
		Hooks:    machine.Hooks(),
		Vars:     vars,
		Logger:   logger,
		Tracer:   tp.Tracer("ercf-go/pkg/ercf"),
	})
	require.NoError(t, err)
	return c, machine
}

func TestOperationSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	c, _ := newController(t, tp)

	require.NoError(t, c.ChangeTool(context.Background(), 0, false))

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range rec.Ended() {
		spans[s.Name()] = s
	}
	op, ok := spans["ercf.change_tool"]
	require.True(t, ok, "operation span missing")
	load, ok := spans["ercf.phase.load"]
	require.True(t, ok, "load phase span missing")
	assert.Equal(t, op.SpanContext().SpanID(), load.Parent().SpanID())
	assert.Equal(t, codes.Unset, op.Status().Code)

	attrs := map[string]string{}
	for _, kv := range op.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.NotEmpty(t, attrs["ercf.op_id"])
	assert.Equal(t, "at_nozzle", attrs["ercf.position"])
}

func TestFailedOperationSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	c, machine := newController(t, tp)
	machine.SetGate(1, sim.Filament{Present: false})

	require.Error(t, c.ChangeTool(context.Background(), 1, false))
	var found bool
	for _, s := range rec.Ended() {
		if s.Name() == "ercf.change_tool" {
			found = true
			assert.Equal(t, codes.Error, s.Status().Code)
			assert.NotEmpty(t, s.Events(), "error recorded as span event")
		}
	}
	assert.True(t, found)
}
