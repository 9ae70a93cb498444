// Controller configuration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ercf-go/pkg/config"
	hosterrors "ercf-go/pkg/errors"
)

const (
	ToolUnknown = -1
	ToolBypass  = -2
	GateUnknown = -1
	GateBypass  = -2

	DefaultEncoderResolution = 0.67
	longMoveThreshold        = 70.0
	calibrationVersion       = 3
)

// Settings is the immutable configuration loaded at startup.
type Settings struct {
	HasToolheadSensor bool

	// Hardware geometry
	SelectorOffsets         []float64
	BypassOffset            float64
	CalibrationBowdenLength float64
	EncoderResolution       float64

	// Encoder moves
	ParkingDistance     float64
	EncoderMoveStepSize float64
	LoadEncoderRetries  int
	UnloadBuffer        float64

	// Accelerations
	GearHomingAccel float64
	GearSyncAccel   float64
	GearBuzzAccel   float64

	HomingMethod int

	// Mapping defaults
	EnableClogDetection bool
	// ClogAutotune adapts the detection length to the observed encoder
	// gaps (enable_clog_detection: 2).
	ClogAutotune       bool
	EnableEndlessSpool bool
	DefaultESGroups    []int
	DefaultTTGMap      []int
	DefaultGateStatus  []GateStatus

	// Print collaboration
	TimeoutPause    int
	DisableHeater   int
	MinTempExtruder float64

	PersistenceLevel int
	LogLevel         int
	LogfileLevel     int
	LogStatistics    bool
	StartupStatus    int

	// Tunables holds the initial values of the runtime tunables.
	Tunables Tunables
}

// NumGates returns the configured gate count.
func (s *Settings) NumGates() int {
	return len(s.SelectorOffsets)
}

// Tunables are the parameters adjustable at runtime. Every write goes
// through Set, which validates against the same bounds as the config file.
type Tunables struct {
	LongMovesSpeed            float64
	ShortMovesSpeed           float64
	HomeToExtruder            bool
	IgnoreExtruderLoadError   bool
	ExtruderHomingMax         float64
	ExtruderHomingStep        float64
	ExtruderHomingCurrent     float64
	ExtruderFormTipCurrent    float64
	ToolheadHomingMax         float64
	ToolheadHomingStep        float64
	DelayServoRelease         float64
	SyncLoadLength            float64
	SyncLoadSpeed             float64
	SyncUnloadLength          float64
	SyncUnloadSpeed           float64
	NumMoves                  int
	ApplyBowdenCorrection     bool
	BowdenCorrectionSymmetric bool
	LoadBowdenTolerance       float64
	UnloadBowdenTolerance     float64
	HomePositionToNozzle      float64
	NozzleLoadSpeed           float64
	NozzleUnloadSpeed         float64
	ZHopHeight                float64
	ZHopSpeed                 float64
	LogVisual                 int
}

type tunableKind int

const (
	kindFloat tunableKind = iota
	kindInt
	kindBool
)

type tunableField struct {
	name   string
	kind   tunableKind
	bounds config.FloatBounds
	ptr    func(*Tunables) any
}

var tunableFields = []tunableField{
	{"long_moves_speed", kindFloat, config.FloatBounds{Above: config.Ptr(20.0)}, func(t *Tunables) any { return &t.LongMovesSpeed }},
	{"short_moves_speed", kindFloat, config.FloatBounds{Above: config.Ptr(20.0)}, func(t *Tunables) any { return &t.ShortMovesSpeed }},
	{"home_to_extruder", kindBool, config.FloatBounds{}, func(t *Tunables) any { return &t.HomeToExtruder }},
	{"ignore_extruder_load_error", kindBool, config.FloatBounds{}, func(t *Tunables) any { return &t.IgnoreExtruderLoadError }},
	{"extruder_homing_max", kindFloat, config.FloatBounds{Above: config.Ptr(20.0)}, func(t *Tunables) any { return &t.ExtruderHomingMax }},
	{"extruder_homing_step", kindFloat, config.FloatBounds{MinVal: config.Ptr(0.5), MaxVal: config.Ptr(5.0)}, func(t *Tunables) any { return &t.ExtruderHomingStep }},
	{"extruder_homing_current", kindFloat, config.FloatBounds{MinVal: config.Ptr(10.0), MaxVal: config.Ptr(100.0)}, func(t *Tunables) any { return &t.ExtruderHomingCurrent }},
	{"extruder_form_tip_current", kindFloat, config.FloatBounds{MinVal: config.Ptr(100.0), MaxVal: config.Ptr(150.0)}, func(t *Tunables) any { return &t.ExtruderFormTipCurrent }},
	{"toolhead_homing_max", kindFloat, config.FloatBounds{MinVal: config.Ptr(0.0)}, func(t *Tunables) any { return &t.ToolheadHomingMax }},
	{"toolhead_homing_step", kindFloat, config.FloatBounds{MinVal: config.Ptr(0.5), MaxVal: config.Ptr(5.0)}, func(t *Tunables) any { return &t.ToolheadHomingStep }},
	{"delay_servo_release", kindFloat, config.FloatBounds{MinVal: config.Ptr(0.0), MaxVal: config.Ptr(5.0)}, func(t *Tunables) any { return &t.DelayServoRelease }},
	{"sync_load_length", kindFloat, config.FloatBounds{MinVal: config.Ptr(0.0), MaxVal: config.Ptr(50.0)}, func(t *Tunables) any { return &t.SyncLoadLength }},
	{"sync_load_speed", kindFloat, config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(100.0)}, func(t *Tunables) any { return &t.SyncLoadSpeed }},
	{"sync_unload_length", kindFloat, config.FloatBounds{MinVal: config.Ptr(0.0), MaxVal: config.Ptr(50.0)}, func(t *Tunables) any { return &t.SyncUnloadLength }},
	{"sync_unload_speed", kindFloat, config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(100.0)}, func(t *Tunables) any { return &t.SyncUnloadSpeed }},
	{"num_moves", kindInt, config.FloatBounds{MinVal: config.Ptr(1.0)}, func(t *Tunables) any { return &t.NumMoves }},
	{"apply_bowden_correction", kindBool, config.FloatBounds{}, func(t *Tunables) any { return &t.ApplyBowdenCorrection }},
	{"bowden_correction_symmetric", kindBool, config.FloatBounds{}, func(t *Tunables) any { return &t.BowdenCorrectionSymmetric }},
	{"load_bowden_tolerance", kindFloat, config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(50.0)}, func(t *Tunables) any { return &t.LoadBowdenTolerance }},
	{"unload_bowden_tolerance", kindFloat, config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(50.0)}, func(t *Tunables) any { return &t.UnloadBowdenTolerance }},
	{"home_position_to_nozzle", kindFloat, config.FloatBounds{MinVal: config.Ptr(5.0)}, func(t *Tunables) any { return &t.HomePositionToNozzle }},
	{"nozzle_load_speed", kindFloat, config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(100.0)}, func(t *Tunables) any { return &t.NozzleLoadSpeed }},
	{"nozzle_unload_speed", kindFloat, config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(100.0)}, func(t *Tunables) any { return &t.NozzleUnloadSpeed }},
	{"z_hop_height", kindFloat, config.FloatBounds{MinVal: config.Ptr(0.0)}, func(t *Tunables) any { return &t.ZHopHeight }},
	{"z_hop_speed", kindFloat, config.FloatBounds{MinVal: config.Ptr(1.0)}, func(t *Tunables) any { return &t.ZHopSpeed }},
	{"log_visual", kindInt, config.FloatBounds{MinVal: config.Ptr(0.0), MaxVal: config.Ptr(2.0)}, func(t *Tunables) any { return &t.LogVisual }},
}

// zHopAlias is accepted in place of z_hop_height.
const zHopAlias = "z_hop_distance"

func findTunable(name string) (tunableField, bool) {
	name = strings.ToLower(name)
	if name == zHopAlias {
		name = "z_hop_height"
	}
	for _, f := range tunableFields {
		if f.name == name {
			return f, true
		}
	}
	return tunableField{}, false
}

// Set validates and writes one tunable by its config option name. The
// receiver is unchanged on error.
func (t *Tunables) Set(name, value string) error {
	f, ok := findTunable(name)
	if !ok {
		return hosterrors.InvalidParameter(name, fmt.Sprintf("unknown tunable '%s'", name))
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		if b, ok := config.ParseBool(value); ok && f.kind == kindBool {
			v = 0
			if b {
				v = 1
			}
		} else {
			return hosterrors.InvalidParameter(name, fmt.Sprintf("invalid value '%s'", value))
		}
	}
	switch f.kind {
	case kindBool:
		if v != 0 && v != 1 {
			return hosterrors.InvalidParameter(name, "must be 0 or 1")
		}
		*f.ptr(t).(*bool) = v == 1
	case kindInt:
		if v != float64(int(v)) {
			return hosterrors.InvalidParameter(name, "must be an integer")
		}
		if err := f.bounds.Check("ercf", name, v); err != nil {
			return hosterrors.InvalidParameter(name, err.Error())
		}
		*f.ptr(t).(*int) = int(v)
	default:
		if err := f.bounds.Check("ercf", name, v); err != nil {
			return hosterrors.InvalidParameter(name, err.Error())
		}
		*f.ptr(t).(*float64) = v
	}
	return nil
}

// Values renders every tunable keyed by option name.
func (t *Tunables) Values() map[string]string {
	out := make(map[string]string, len(tunableFields))
	for _, f := range tunableFields {
		switch p := f.ptr(t).(type) {
		case *bool:
			out[f.name] = "0"
			if *p {
				out[f.name] = "1"
			}
		case *int:
			out[f.name] = strconv.Itoa(*p)
		case *float64:
			out[f.name] = strconv.FormatFloat(*p, 'f', 1, 64)
		}
	}
	return out
}

// String lists the tunables one per line in option order.
func (t *Tunables) String() string {
	values := t.Values()
	names := make([]string, 0, len(values))
	for _, f := range tunableFields {
		names = append(names, f.name)
	}
	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s = %s", name, values[name])
	}
	return sb.String()
}

// TunableNames returns the option names accepted by Set, sorted.
func TunableNames() []string {
	names := make([]string, 0, len(tunableFields))
	for _, f := range tunableFields {
		names = append(names, f.name)
	}
	sort.Strings(names)
	return names
}

// tunables guards the live copy read by the sequencer on every phase.
type tunables struct {
	mu  sync.RWMutex
	cur Tunables
}

func (t *tunables) snapshot() Tunables {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

func (t *tunables) apply(values map[string]string, hasSensor bool) (Tunables, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.cur
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := next.Set(k, values[k]); err != nil {
			return t.cur, err
		}
	}
	if !hasSensor {
		next.HomeToExtruder = true
	}
	t.cur = next
	return next, nil
}

// LoadSettings reads the [ercf] section.
func LoadSettings(sec *config.Section, hasSensor bool) (*Settings, error) {
	l := &settingsLoader{sec: sec}
	s := &Settings{HasToolheadSensor: hasSensor}

	s.SelectorOffsets = l.floatList("colorselector")
	s.BypassOffset = l.float("bypass_selector", config.FloatBounds{}, 0)
	s.CalibrationBowdenLength = l.float("calibration_bowden_length", config.FloatBounds{})
	s.EncoderResolution = l.float("encoder_resolution", config.FloatBounds{Above: config.Ptr(0.0)}, DefaultEncoderResolution)

	s.ParkingDistance = l.float("parking_distance", config.FloatBounds{MinVal: config.Ptr(12.0), MaxVal: config.Ptr(30.0)}, 23)
	s.EncoderMoveStepSize = l.float("encoder_move_step_size", config.FloatBounds{MinVal: config.Ptr(5.0), MaxVal: config.Ptr(25.0)}, 15)
	s.LoadEncoderRetries = l.int("load_encoder_retries", config.IntBounds{MinVal: config.Ptr(1), MaxVal: config.Ptr(5)}, 2)
	s.UnloadBuffer = l.float("unload_buffer", config.FloatBounds{MinVal: config.Ptr(15.0)}, 30)

	s.GearHomingAccel = l.float("gear_homing_accel", config.FloatBounds{}, 1000)
	s.GearSyncAccel = l.float("gear_sync_accel", config.FloatBounds{}, 1000)
	s.GearBuzzAccel = l.float("gear_buzz_accel", config.FloatBounds{}, 2000)
	s.HomingMethod = l.int("homing_method", config.IntBounds{MinVal: config.Ptr(0), MaxVal: config.Ptr(1)}, 0)

	clogMode := l.int("enable_clog_detection", config.IntBounds{MinVal: config.Ptr(0), MaxVal: config.Ptr(2)}, 1)
	s.EnableClogDetection = clogMode > 0
	s.ClogAutotune = clogMode == 2
	s.EnableEndlessSpool = l.flag("enable_endless_spool", 0)
	esGroups := l.intList("endless_spool_groups")
	ttg := l.intList("tool_to_gate_map")
	status := l.intList("gate_status")

	s.TimeoutPause = l.int("timeout_pause", config.IntBounds{}, 72000)
	s.DisableHeater = l.int("disable_heater", config.IntBounds{}, 600)
	s.MinTempExtruder = l.float("min_temp_extruder", config.FloatBounds{}, 180)

	s.PersistenceLevel = l.int("persistence_level", config.IntBounds{MinVal: config.Ptr(0), MaxVal: config.Ptr(4)}, 0)
	s.LogLevel = l.int("log_level", config.IntBounds{MinVal: config.Ptr(0), MaxVal: config.Ptr(4)}, 1)
	s.LogfileLevel = l.int("logfile_level", config.IntBounds{MinVal: config.Ptr(-1), MaxVal: config.Ptr(4)}, 3)
	s.LogStatistics = l.flag("log_statistics", 0)
	s.StartupStatus = l.int("startup_status", config.IntBounds{MinVal: config.Ptr(0), MaxVal: config.Ptr(2)}, 0)

	t := &s.Tunables
	t.LongMovesSpeed = l.float("long_moves_speed", config.FloatBounds{}, 100)
	t.ShortMovesSpeed = l.float("short_moves_speed", config.FloatBounds{}, 25)
	zHop := "z_hop_height"
	if !l.sec.HasOption(zHop) && l.sec.HasOption(zHopAlias) {
		zHop = zHopAlias
	}
	t.ZHopHeight = l.float(zHop, config.FloatBounds{MinVal: config.Ptr(0.0)}, 5)
	t.ZHopSpeed = l.float("z_hop_speed", config.FloatBounds{MinVal: config.Ptr(1.0)}, 15)
	t.NumMoves = l.int("num_moves", config.IntBounds{MinVal: config.Ptr(1)}, 2)
	t.ApplyBowdenCorrection = l.flag("apply_bowden_correction", 0)
	t.BowdenCorrectionSymmetric = l.flag("bowden_correction_symmetric", 0)
	t.LoadBowdenTolerance = l.float("load_bowden_tolerance", config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(50.0)}, 8)
	t.UnloadBowdenTolerance = l.float("unload_bowden_tolerance", config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(50.0)}, t.LoadBowdenTolerance)
	t.HomeToExtruder = l.flag("home_to_extruder", 0)
	t.IgnoreExtruderLoadError = l.flag("ignore_extruder_load_error", 0)
	t.ExtruderHomingMax = l.float("extruder_homing_max", config.FloatBounds{Above: config.Ptr(20.0)}, 50)
	t.ExtruderHomingStep = l.float("extruder_homing_step", config.FloatBounds{MinVal: config.Ptr(0.5), MaxVal: config.Ptr(5.0)}, 2)
	t.ExtruderHomingCurrent = float64(l.int("extruder_homing_current", config.IntBounds{MinVal: config.Ptr(10), MaxVal: config.Ptr(100)}, 50))
	t.ExtruderFormTipCurrent = float64(l.int("extruder_form_tip_current", config.IntBounds{MinVal: config.Ptr(100), MaxVal: config.Ptr(150)}, 100))
	t.ToolheadHomingMax = l.float("toolhead_homing_max", config.FloatBounds{MinVal: config.Ptr(0.0)}, 20)
	t.ToolheadHomingStep = l.float("toolhead_homing_step", config.FloatBounds{MinVal: config.Ptr(0.5), MaxVal: config.Ptr(5.0)}, 1)
	t.SyncLoadLength = l.float("sync_load_length", config.FloatBounds{MinVal: config.Ptr(0.0), MaxVal: config.Ptr(50.0)}, 8)
	t.SyncLoadSpeed = l.float("sync_load_speed", config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(100.0)}, 10)
	t.SyncUnloadLength = l.float("sync_unload_length", config.FloatBounds{MinVal: config.Ptr(0.0), MaxVal: config.Ptr(50.0)}, 10)
	t.SyncUnloadSpeed = l.float("sync_unload_speed", config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(100.0)}, 10)
	t.DelayServoRelease = l.float("delay_servo_release", config.FloatBounds{MinVal: config.Ptr(0.0), MaxVal: config.Ptr(5.0)}, 2)
	t.HomePositionToNozzle = l.float("home_position_to_nozzle", config.FloatBounds{MinVal: config.Ptr(5.0)})
	t.NozzleLoadSpeed = l.float("nozzle_load_speed", config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(100.0)}, 15)
	t.NozzleUnloadSpeed = l.float("nozzle_unload_speed", config.FloatBounds{MinVal: config.Ptr(1.0), MaxVal: config.Ptr(100.0)}, 20)
	t.LogVisual = l.int("log_visual", config.IntBounds{MinVal: config.Ptr(0), MaxVal: config.Ptr(2)}, 1)

	if l.err != nil {
		return nil, hosterrors.Wrap(l.err, hosterrors.ErrConfigOption, "invalid [ercf] section")
	}
	if err := s.applyDefaults(esGroups, ttg, status); err != nil {
		return nil, err
	}
	if !hasSensor {
		t.HomeToExtruder = true
	}
	return s, nil
}

// applyDefaults validates the per-gate lists and fills the empty ones.
func (s *Settings) applyDefaults(esGroups, ttg, status []int) error {
	n := s.NumGates()
	if n == 0 {
		return hosterrors.ConfigValidationError("ercf", "colorselector", "at least one gate offset is required")
	}
	if s.EnableEndlessSpool && !s.EnableClogDetection {
		return hosterrors.ConfigValidationError("ercf", "enable_endless_spool", "EndlessSpool mode requires clog detection to be enabled")
	}

	switch {
	case len(esGroups) == 0:
		esGroups = identity(n)
	case len(esGroups) != n:
		return hosterrors.ConfigValidationError("ercf", "endless_spool_groups", "endless_spool_groups has a different number of values than the number of gates")
	}
	s.DefaultESGroups = esGroups

	switch {
	case len(status) == 0:
		s.DefaultGateStatus = make([]GateStatus, n)
		for i := range s.DefaultGateStatus {
			s.DefaultGateStatus[i] = GateStatusUnknown
		}
	case len(status) != n:
		return hosterrors.ConfigValidationError("ercf", "gate_status", "gate_status has different number of values than the number of gates")
	default:
		s.DefaultGateStatus = make([]GateStatus, n)
		for i, v := range status {
			st := GateStatus(v)
			if !st.Valid() {
				return hosterrors.ConfigValidationError("ercf", "gate_status", fmt.Sprintf("invalid gate status %d", v))
			}
			s.DefaultGateStatus[i] = st
		}
	}

	switch {
	case len(ttg) == 0:
		ttg = identity(n)
	case len(ttg) != n:
		return hosterrors.ConfigValidationError("ercf", "tool_to_gate_map", "tool_to_gate_map has different number of values than the number of gates")
	}
	for _, g := range ttg {
		if g < 0 || g >= n {
			return hosterrors.ConfigValidationError("ercf", "tool_to_gate_map", fmt.Sprintf("gate %d out of range", g))
		}
	}
	s.DefaultTTGMap = ttg
	return nil
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// settingsLoader keeps the first error so the option list reads straight.
type settingsLoader struct {
	sec *config.Section
	err error
}

func (l *settingsLoader) float(option string, bounds config.FloatBounds, fallback ...float64) float64 {
	if l.err != nil {
		return 0
	}
	v, err := l.sec.GetFloatWithBounds(option, bounds, fallback...)
	l.err = err
	return v
}

func (l *settingsLoader) int(option string, bounds config.IntBounds, fallback int) int {
	if l.err != nil {
		return 0
	}
	v, err := l.sec.GetIntWithBounds(option, bounds, fallback)
	l.err = err
	return v
}

func (l *settingsLoader) flag(option string, fallback int) bool {
	return l.int(option, config.IntBounds{MinVal: config.Ptr(0), MaxVal: config.Ptr(1)}, fallback) == 1
}

func (l *settingsLoader) floatList(option string) []float64 {
	if l.err != nil {
		return nil
	}
	v, err := l.sec.GetFloatList(option, ",")
	l.err = err
	return v
}

func (l *settingsLoader) intList(option string) []int {
	if l.err != nil {
		return nil
	}
	v, err := l.sec.GetIntList(option, ",", []int{})
	l.err = err
	return v
}
