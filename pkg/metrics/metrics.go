// Prometheus metrics for the ERCF controller
//
// Metrics observes controller events and keeps:
// - Counters: operations, gear travel, slip, pauses
// - Gauges: state, filament position, selection, gate status, calibration
// - Histograms: operation durations
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"math"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ercf-go/pkg/ercf"
)

const namespace = "ercf"

// Metrics holds the ERCF collectors and the registry they are exposed on.
type Metrics struct {
	registry *prometheus.Registry

	// Operations
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Pauses            *prometheus.CounterVec

	// Filament transport
	GearTravel   *prometheus.CounterVec
	GearSlip     *prometheus.CounterVec
	EncoderMM    prometheus.Gauge
	FilamentPos  prometheus.Gauge
	PositionCode prometheus.Gauge

	// Selection and state
	State        prometheus.Gauge
	ToolSelected prometheus.Gauge
	GateSelected prometheus.Gauge
	GateStatus   *prometheus.GaugeVec
	CalibRef     prometheus.Gauge
}

// New creates the collectors on a private registry. With process the Go
// runtime and process collectors are registered too.
func New(process bool) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Finished controller operations by outcome",
	}, []string{"operation", "outcome"})
	m.OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Time spent in controller operations",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"operation"})
	m.Pauses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pauses_total",
		Help:      "Times the controller locked itself, by active gate",
	}, []string{"gate"})

	m.GearTravel = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gear_travel_mm_total",
		Help:      "Commanded gear travel in millimeters",
		// direction is load or unload
	}, []string{"gate", "direction"})
	m.GearSlip = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gear_slip_mm_total",
		Help:      "Commanded gear travel the encoder did not see",
	}, []string{"gate", "direction"})
	m.EncoderMM = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "encoder_mm",
		Help:      "Encoder counter in millimeters",
	})
	m.FilamentPos = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "filament_position_mm",
		Help:      "Estimated filament tip distance from the gate",
	})
	m.PositionCode = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "filament_position_level",
		Help:      "Filament position level, -1 unknown to 8 at nozzle",
	})

	m.State = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "operation_state",
		Help:      "Controller state machine value",
	})
	m.ToolSelected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tool_selected",
		Help:      "Selected tool, -1 unknown and -2 bypass",
	})
	m.GateSelected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gate_selected",
		Help:      "Selected gate, -1 unknown and -2 bypass",
	})
	m.GateStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gate_status",
		Help:      "Gate availability, -1 unknown, 0 empty, 1 available",
	}, []string{"gate"})
	m.CalibRef = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calibration_ref_mm",
		Help:      "Calibrated reference length from gate to extruder",
	})

	m.registry.MustRegister(
		m.Operations, m.OperationDuration, m.Pauses,
		m.GearTravel, m.GearSlip, m.EncoderMM, m.FilamentPos, m.PositionCode,
		m.State, m.ToolSelected, m.GateSelected, m.GateStatus, m.CalibRef,
	)
	if process {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m.ToolSelected.Set(ercf.ToolUnknown)
	m.GateSelected.Set(ercf.GateUnknown)
	m.PositionCode.Set(float64(ercf.PositionUnknown))
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Seed initializes the gauges from the controller's current state.
func (m *Metrics) Seed(c *ercf.Controller) {
	m.State.Set(float64(c.State()))
	m.ToolSelected.Set(float64(c.Tool()))
	m.GateSelected.Set(float64(c.Gate()))
	m.PositionCode.Set(float64(c.PositionModel().Position()))
	m.FilamentPos.Set(c.PositionModel().FilamentPos())
	for gate, status := range c.Mapping().Statuses() {
		m.GateStatus.WithLabelValues(strconv.Itoa(gate)).Set(float64(status))
	}
	m.CalibRef.Set(c.Calibration().Ref)
}

// Observe implements ercf.Observer.
func (m *Metrics) Observe(e ercf.Event) {
	switch e.Kind {
	case ercf.EventState:
		m.State.Set(float64(e.State))
	case ercf.EventPosition:
		m.PositionCode.Set(float64(e.Position))
		m.FilamentPos.Set(e.FilamentPos)
	case ercf.EventSelection:
		m.ToolSelected.Set(float64(e.Tool))
		m.GateSelected.Set(float64(e.Gate))
	case ercf.EventGateStatus:
		m.GateStatus.WithLabelValues(strconv.Itoa(e.Gate)).Set(float64(e.GateStatus))
	case ercf.EventMove:
		m.EncoderMM.Set(e.EncoderMM)
		if e.Motor != ercf.MotorGear || e.Distance == 0 {
			return
		}
		direction := "load"
		if e.Distance < 0 {
			direction = "unload"
		}
		gate := strconv.Itoa(e.Gate)
		m.GearTravel.WithLabelValues(gate, direction).Add(math.Abs(e.Distance))
		if e.Delta > 0 {
			m.GearSlip.WithLabelValues(gate, direction).Add(e.Delta)
		}
	case ercf.EventOperation:
		m.Operations.WithLabelValues(e.Operation, ercf.Outcome(e.Err)).Inc()
		m.OperationDuration.WithLabelValues(e.Operation).Observe(e.Duration.Seconds())
		m.EncoderMM.Set(e.EncoderMM)
	case ercf.EventPause:
		m.Pauses.WithLabelValues(strconv.Itoa(e.Gate)).Inc()
	case ercf.EventCalibrated:
		if e.CalibRef > 0 {
			m.CalibRef.Set(e.CalibRef)
		}
	}
}
