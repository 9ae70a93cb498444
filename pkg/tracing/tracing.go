// OpenTelemetry tracer provider setup
//
// Controller operations start one span each and sequencer phases start
// child spans. Init installs the provider the controller picks up through
// otel.Tracer, or a noop provider when tracing is disabled.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"ercf-go/pkg/log"
)

// Config governs how tracing is initialised.
type Config struct {
	Enabled     bool
	ServiceName string
	// Exporter is stdout or none
	Exporter    string
	SampleRatio float64
	// Writer receives stdout spans, os.Stdout when nil
	Writer io.Writer
	Pretty bool
}

// DefaultConfig returns tracing disabled with full sampling once enabled.
func DefaultConfig() Config {
	return Config{
		ServiceName: "ercf",
		Exporter:    "stdout",
		SampleRatio: 1.0,
	}
}

// Shutdown flushes and stops a provider.
type Shutdown func(context.Context) error

// Init wires the global tracer provider and propagators from cfg. The
// returned provider is also usable directly as ercf.Options.Tracer source.
func Init(ctx context.Context, cfg Config, logger *log.Logger) (trace.TracerProvider, Shutdown, error) {
	if logger == nil {
		logger = log.New("tracing")
	}
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		logger.Debug("Tracing disabled; using noop tracer provider")
		return tp, func(context.Context) error { return nil }, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, nil, fmt.Errorf("tracing sample ratio %.2f out of range [0, 1]", cfg.SampleRatio)
	}

	exp, err := exporter(cfg)
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "ercf"),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.WithFields(log.Fields{
		"exporter": cfg.Exporter,
		"service":  cfg.ServiceName,
		"sampler":  fmt.Sprintf("parentbased_traceidratio_%0.2f", cfg.SampleRatio),
	}).Info("Tracing enabled")
	return tp, tp.Shutdown, nil
}

func exporter(cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		opts := []stdouttrace.Option{stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps()}
		if cfg.Pretty {
			opts = append(opts, stdouttrace.WithPrettyPrint())
		}
		return stdouttrace.New(opts...)
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
}

// ShutdownWithTimeout runs shutdown with a bounded timeout and logs a
// failure instead of returning it.
func ShutdownWithTimeout(ctx context.Context, shutdown Shutdown, logger *log.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil && logger != nil {
		logger.Warn("Tracing shutdown failed: %v", err)
	}
}
