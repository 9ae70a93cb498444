// Persisted controller state
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"encoding/json"
	"fmt"
	"sync"

	hosterrors "ercf-go/pkg/errors"
)

const (
	varGroups       = "ercf_state_endless_spool_groups"
	varTTG          = "ercf_state_tool_to_gate_map"
	varGateStatus   = "ercf_state_gate_status"
	varGateSelected = "ercf_state_gate_selected"
	varToolSelected = "ercf_state_tool_selected"
	varLoaded       = "ercf_state_loaded_status"
	varCalibRef     = "ercf_calib_ref"
	varCalibClog    = "ercf_calib_clog_length"
	varCalibPrefix  = "ercf_calib_"
	varCalibVersion = "ercf_calib_version"
	varGateStats    = "ercf_statistics_gate_"
	varSwapStats    = "ercf_statistics_swaps"
)

// Variables is the persistent key value store. *savevars.Store
// implements it.
type Variables interface {
	SetMany(values map[string]any) error
	Get(name string) (any, bool)
	Decode(name string, out any) (bool, error)
	Float(name string, fallback float64) float64
	Int(name string, fallback int) int
}

// memoryVariables keeps values as JSON round tripped copies so decoding
// behaves like the file store.
type memoryVariables struct {
	mu   sync.RWMutex
	vars map[string]any
}

func newMemoryVariables() *memoryVariables {
	return &memoryVariables{vars: make(map[string]any)}
}

func (m *memoryVariables) SetMany(values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return hosterrors.StorageError(err, "encode "+k)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return hosterrors.StorageError(err, "encode "+k)
		}
		m.vars[k] = decoded
	}
	return nil
}

func (m *memoryVariables) Get(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vars[name]
	return v, ok
}

func (m *memoryVariables) Decode(name string, out any) (bool, error) {
	v, ok := m.Get(name)
	if !ok {
		return false, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false, hosterrors.StorageError(err, "decode "+name)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, hosterrors.StorageError(err, "decode "+name)
	}
	return true, nil
}

func (m *memoryVariables) Float(name string, fallback float64) float64 {
	if v, ok := m.Get(name); ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return fallback
}

func (m *memoryVariables) Int(name string, fallback int) int {
	if v, ok := m.Get(name); ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return fallback
}

// save writes values and logs instead of failing the operation.
func (c *Controller) save(values map[string]any) {
	if err := c.vars.SetMany(values); err != nil {
		c.log.Error("Failed to persist state: %v", err)
	}
}

// restore loads calibration and statistics, then the state tiers allowed
// by persistence_level.
func (c *Controller) restore() error {
	calib := Calibration{
		Version:    c.vars.Int(varCalibVersion, 1),
		Ref:        c.vars.Float(varCalibRef, 500),
		ClogLength: c.vars.Float(varCalibClog, 10),
		Ratios:     make(map[int]float64),
	}
	for gate := 0; gate < c.settings.NumGates(); gate++ {
		name := fmt.Sprintf("%s%d", varCalibPrefix, gate)
		if _, ok := c.vars.Get(name); ok {
			calib.Ratios[gate] = c.vars.Float(name, 1)
		}
	}
	c.mu.Lock()
	c.s.calib = calib
	c.mu.Unlock()

	var swap SwapStats
	if _, err := c.vars.Decode(varSwapStats, &swap); err != nil {
		return err
	}
	gates := make(map[int]GateStats)
	for gate := 0; gate < c.settings.NumGates(); gate++ {
		var g GateStats
		ok, err := c.vars.Decode(fmt.Sprintf("%s%d", varGateStats, gate), &g)
		if err != nil {
			return err
		}
		if ok {
			gates[gate] = g
		}
	}
	c.stats.Restore(swap, gates)

	level := c.settings.PersistenceLevel
	c.log.Debug("Loaded persisted ERCF state, level: %d", level)
	if level >= 1 {
		var groups [][]int
		if ok, err := c.vars.Decode(varGroups, &groups); err != nil {
			return err
		} else if ok {
			if err := c.mapping.SetGroups(groups); err != nil {
				c.log.Warn("Ignoring persisted EndlessSpool groups: %v", err)
			}
		}
	}
	if level >= 2 {
		var ttg []int
		if ok, err := c.vars.Decode(varTTG, &ttg); err != nil {
			return err
		} else if ok {
			if err := c.mapping.SetTTG(ttg); err != nil {
				c.log.Warn("Ignoring persisted tool to gate map: %v", err)
			}
		}
	}
	if level >= 3 {
		var status []GateStatus
		if ok, err := c.vars.Decode(varGateStatus, &status); err != nil {
			return err
		} else if ok {
			if err := c.mapping.SetStatuses(status); err != nil {
				c.log.Warn("Ignoring persisted gate status: %v", err)
			}
		}
	}
	if level >= 4 {
		c.restoreSelection()
	}
	return nil
}

func (c *Controller) restoreSelection() {
	tool := c.vars.Int(varToolSelected, ToolUnknown)
	gate := c.vars.Int(varGateSelected, GateUnknown)
	n := c.settings.NumGates()
	if tool >= n || tool < ToolBypass || gate >= n || gate < GateBypass {
		c.log.Warn("Ignoring persisted selection T%d gate %d", tool, gate)
		return
	}
	c.mu.Lock()
	c.s.tool, c.s.gate = tool, gate
	switch {
	case gate >= 0:
		c.hw.Selector.SetPosition(c.settings.SelectorOffsets[gate])
		c.s.homed = true
	case gate == GateBypass:
		c.hw.Selector.SetPosition(c.settings.BypassOffset)
		c.s.homed = true
	}
	c.mu.Unlock()
	if tool >= 0 {
		c.applyGateRatio(gate)
	}

	switch Position(c.vars.Int(varLoaded, int(PositionUnknown))) {
	case PositionAtNozzle:
		c.pos.Set(PositionAtNozzle, c.pos.LandmarkOf(PositionAtNozzle), "restored")
	case PositionAtGate:
		c.pos.Set(PositionAtGate, 0, "restored")
	}
}

// persistPosition only writes the fully loaded and unloaded levels. Any
// other level is stored once as unknown.
func (c *Controller) persistPosition(p Position) {
	switch p {
	case PositionAtNozzle, PositionAtGate:
		c.save(map[string]any{varLoaded: int(p)})
	default:
		if c.vars.Int(varLoaded, 0) != int(PositionUnknown) {
			c.save(map[string]any{varLoaded: int(PositionUnknown)})
		}
	}
}

func (c *Controller) persistSelection() {
	c.mu.Lock()
	tool, gate := c.s.tool, c.s.gate
	c.mu.Unlock()
	c.save(map[string]any{varToolSelected: tool, varGateSelected: gate})
}

func (c *Controller) persistCalibration(calib Calibration) {
	values := map[string]any{
		varCalibVersion: calib.Version,
		varCalibRef:     calib.Ref,
		varCalibClog:    calib.ClogLength,
	}
	for gate, r := range calib.Ratios {
		values[fmt.Sprintf("%s%d", varCalibPrefix, gate)] = r
	}
	c.save(values)
}

func (c *Controller) persistMapping() {
	c.save(map[string]any{
		varTTG:        c.mapping.TTG(),
		varGateStatus: c.mapping.Statuses(),
		varGroups:     c.mapping.Groups(),
	})
}

func (c *Controller) persistStats() {
	values := map[string]any{varSwapStats: c.stats.Swap()}
	for gate, g := range c.stats.Gates() {
		values[fmt.Sprintf("%s%d", varGateStats, gate)] = g
	}
	c.save(values)
}

// setGateStatus records a gate availability change and persists it.
func (c *Controller) setGateStatus(gate int, status GateStatus) {
	if c.mapping.GateStatus(gate) == status {
		return
	}
	if err := c.mapping.SetGateStatus(gate, status); err != nil {
		c.log.Debug("Gate status not updated: %v", err)
		return
	}
	c.save(map[string]any{varGateStatus: c.mapping.Statuses()})
	c.publish(Event{Kind: EventGateStatus, Gate: gate, GateStatus: status})
}
