// Tool to gate mapping and EndlessSpool groups
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ercf

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	hosterrors "ercf-go/pkg/errors"
)

// Mapping owns the tool to gate map, gate availability and the EndlessSpool
// cycles. Every mutation validates first and then swaps whole slices.
type Mapping struct {
	mu            sync.RWMutex
	numGates      int
	ttg           []int
	defaultTTG    []int
	status        []GateStatus
	groups        [][]int
	defaultGroups [][]int
}

// NewMapping builds the manager from the configured defaults.
func NewMapping(s *Settings) (*Mapping, error) {
	groups, err := GroupsFromList(s.DefaultESGroups, s.NumGates())
	if err != nil {
		return nil, err
	}
	m := &Mapping{
		numGates:      s.NumGates(),
		ttg:           append([]int(nil), s.DefaultTTGMap...),
		defaultTTG:    append([]int(nil), s.DefaultTTGMap...),
		status:        append([]GateStatus(nil), s.DefaultGateStatus...),
		groups:        groups,
		defaultGroups: cloneGroups(groups),
	}
	return m, nil
}

// NumGates returns the gate count; tools share the same range.
func (m *Mapping) NumGates() int {
	return m.numGates
}

func (m *Mapping) checkTool(tool int) error {
	if tool < 0 || tool >= m.numGates {
		return hosterrors.InvalidParameter("tool", fmt.Sprintf("Tool %d does not exist", tool))
	}
	return nil
}

func (m *Mapping) checkGate(gate int) error {
	if gate < 0 || gate >= m.numGates {
		return hosterrors.InvalidParameter("gate", fmt.Sprintf("Gate %d does not exist", gate))
	}
	return nil
}

// Resolve returns the gate a tool is mapped to.
func (m *Mapping) Resolve(tool int) (int, error) {
	if err := m.checkTool(tool); err != nil {
		return GateUnknown, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ttg[tool], nil
}

// Remap points tool at gate and sets the gate availability. A tool of -1
// only changes the status; an available of -1 keeps the current status.
func (m *Mapping) Remap(tool, gate, available int) error {
	if err := m.checkGate(gate); err != nil {
		return err
	}
	if tool != -1 {
		if err := m.checkTool(tool); err != nil {
			return err
		}
	}
	if available < -1 || available > 1 {
		return hosterrors.InvalidParameter("available", "must be 0 or 1")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tool != -1 {
		next := append([]int(nil), m.ttg...)
		next[tool] = gate
		m.ttg = next
	}
	if available != -1 {
		next := append([]GateStatus(nil), m.status...)
		next[gate] = GateStatus(available)
		m.status = next
	}
	return nil
}

// Reset restores the default tool to gate map.
func (m *Mapping) Reset() {
	m.mu.Lock()
	m.ttg = append([]int(nil), m.defaultTTG...)
	m.mu.Unlock()
}

// TTG returns a copy of the tool to gate map.
func (m *Mapping) TTG() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.ttg...)
}

// SetTTG replaces the whole map, as restored from persistence.
func (m *Mapping) SetTTG(ttg []int) error {
	if len(ttg) != m.numGates {
		return hosterrors.InvalidParameter("tool_to_gate_map", "length does not match the number of gates")
	}
	for _, g := range ttg {
		if err := m.checkGate(g); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.ttg = append([]int(nil), ttg...)
	m.mu.Unlock()
	return nil
}

// GateStatus returns the availability of a gate.
func (m *Mapping) GateStatus(gate int) GateStatus {
	if gate < 0 || gate >= m.numGates {
		return GateStatusUnknown
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status[gate]
}

// SetGateStatus sets the availability of one gate.
func (m *Mapping) SetGateStatus(gate int, status GateStatus) error {
	if err := m.checkGate(gate); err != nil {
		return err
	}
	if !status.Valid() {
		return hosterrors.InvalidParameter("status", fmt.Sprintf("invalid gate status %d", int(status)))
	}
	m.mu.Lock()
	next := append([]GateStatus(nil), m.status...)
	next[gate] = status
	m.status = next
	m.mu.Unlock()
	return nil
}

// Statuses returns a copy of all gate availabilities.
func (m *Mapping) Statuses() []GateStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]GateStatus(nil), m.status...)
}

// SetStatuses replaces all gate availabilities.
func (m *Mapping) SetStatuses(status []GateStatus) error {
	if len(status) != m.numGates {
		return hosterrors.InvalidParameter("gate_status", "length does not match the number of gates")
	}
	for _, s := range status {
		if !s.Valid() {
			return hosterrors.InvalidParameter("gate_status", fmt.Sprintf("invalid gate status %d", int(s)))
		}
	}
	m.mu.Lock()
	m.status = append([]GateStatus(nil), status...)
	m.mu.Unlock()
	return nil
}

// Groups returns a copy of the EndlessSpool cycles.
func (m *Mapping) Groups() [][]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneGroups(m.groups)
}

// SetGroups replaces the EndlessSpool cycles. A nil value restores the
// configured defaults.
func (m *Mapping) SetGroups(groups [][]int) error {
	if groups == nil {
		m.mu.Lock()
		m.groups = cloneGroups(m.defaultGroups)
		m.mu.Unlock()
		return nil
	}
	seen := make(map[int]bool)
	for _, g := range groups {
		for _, gate := range g {
			if err := m.checkGate(gate); err != nil {
				return err
			}
			if seen[gate] {
				return hosterrors.InvalidParameter("groups", fmt.Sprintf("gate %d appears in more than one group", gate))
			}
			seen[gate] = true
		}
	}
	m.mu.Lock()
	m.groups = cloneGroups(groups)
	m.mu.Unlock()
	return nil
}

// GroupOf returns the index of the cycle containing gate, or -1.
func (m *Mapping) GroupOf(gate int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return groupIndex(m.groups, gate)
}

func groupIndex(groups [][]int, gate int) int {
	for i, g := range groups {
		for _, v := range g {
			if v == gate {
				return i
			}
		}
	}
	return -1
}

// NextSpool walks the cycle of gate, starting after it, and returns the
// first gate not marked EMPTY together with the gates checked on the way.
func (m *Mapping) NextSpool(gate int) (int, []int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gi := groupIndex(m.groups, gate)
	if gi < 0 {
		return GateUnknown, nil, hosterrors.NoSpoolAvailable(gate, fmt.Sprintf("gate #%d is not in an EndlessSpool group", gate))
	}
	cycle := m.groups[gi]
	start := 0
	for i, v := range cycle {
		if v == gate {
			start = i
		}
	}
	var checked []int
	for i := 1; i < len(cycle); i++ {
		candidate := cycle[(start+i)%len(cycle)]
		checked = append(checked, candidate)
		if m.status[candidate] != GateStatusEmpty {
			return candidate, checked, nil
		}
	}
	return GateUnknown, checked, hosterrors.NoSpoolAvailable(gate,
		fmt.Sprintf("No more EndlessSpool spools available after checking gates %v", checked))
}

// GroupsFromList converts the per gate group number list into cycles
// ordered by gate index, groups ordered by number.
func GroupsFromList(list []int, numGates int) ([][]int, error) {
	if len(list) != numGates {
		return nil, hosterrors.InvalidParameter("endless_spool_groups",
			fmt.Sprintf("The number of group values (%d) is not the same as number of gates (%d)", len(list), numGates))
	}
	byGroup := make(map[int][]int)
	var numbers []int
	for gate, group := range list {
		if _, ok := byGroup[group]; !ok {
			numbers = append(numbers, group)
		}
		byGroup[group] = append(byGroup[group], gate)
	}
	sort.Ints(numbers)
	groups := make([][]int, 0, len(numbers))
	for _, n := range numbers {
		groups = append(groups, byGroup[n])
	}
	return groups, nil
}

func cloneGroups(groups [][]int) [][]int {
	out := make([][]int, len(groups))
	for i, g := range groups {
		out[i] = append([]int(nil), g...)
	}
	return out
}

// Render formats the map for display. The full form lists every tool and
// gate; the summary is the compact four row table.
func (m *Mapping) Render(summary, endlessSpool bool, tool, gate int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if summary {
		return m.renderSummary(tool, gate)
	}
	var sb strings.Builder
	for t := 0; t < m.numGates; t++ {
		if t > 0 {
			sb.WriteByte('\n')
		}
		g := m.ttg[t]
		fmt.Fprintf(&sb, "%-3s-> Gate #%d%s", fmt.Sprintf("T%d", t), g, m.status[g].marker())
		if endlessSpool {
			gi := groupIndex(m.groups, g)
			if gi >= 0 {
				cycle := m.groups[gi]
				start := 0
				for i, v := range cycle {
					if v == g {
						start = i
					}
				}
				fmt.Fprintf(&sb, " Group_%d: ", gi)
				for i := range cycle {
					if i > 0 {
						sb.WriteString(" > ")
					}
					v := cycle[(start+i)%len(cycle)]
					fmt.Fprintf(&sb, "%d%s", v, m.status[v].marker())
				}
			}
		}
	}
	sb.WriteByte('\n')
	for g := 0; g < m.numGates; g++ {
		fmt.Fprintf(&sb, "\nGate #%d%s -> ", g, m.status[g].marker())
		var tools []string
		for t := 0; t < m.numGates; t++ {
			if m.ttg[t] == g {
				tools = append(tools, fmt.Sprintf("T%d", t))
			}
		}
		sb.WriteString(strings.Join(tools, ","))
		if g == gate {
			fmt.Fprintf(&sb, " [SELECTED supporting tool T%d]", tool)
		}
	}
	return sb.String()
}

func (m *Mapping) renderSummary(tool, gate int) string {
	icon := func(s GateStatus) string {
		switch s {
		case GateStatusAvailable:
			return "*"
		case GateStatusEmpty:
			return "."
		}
		return "?"
	}
	clip := func(s string) string {
		if len(s) > 4 {
			return s[:4]
		}
		return s
	}
	var gates, tools, avail, selct strings.Builder
	gates.WriteString("Gates: ")
	tools.WriteString("Tools: ")
	avail.WriteString("Avail: ")
	selct.WriteString("Selct: ")
	multiTool := false
	for g := 0; g < m.numGates; g++ {
		gates.WriteString(clip(fmt.Sprintf("|#%d ", g)))
		fmt.Fprintf(&avail, "| %s ", icon(m.status[g]))
		var names []string
		for t := 0; t < m.numGates; t++ {
			if m.ttg[t] == g {
				names = append(names, fmt.Sprintf("T%d", t))
			}
		}
		if len(names) > 1 {
			multiTool = true
		}
		toolStr := strings.Join(names, "+")
		if toolStr == "" {
			toolStr = " . "
		}
		tools.WriteString(clip("|" + toolStr + " "))
		switch {
		case gate == g:
			fmt.Fprintf(&selct, "| %s ", icon(m.status[g]))
		case gate != GateUnknown && gate == g-1:
			selct.WriteString("|---")
		default:
			selct.WriteString("----")
		}
	}
	var sb strings.Builder
	sb.WriteString(gates.String() + "|\n")
	sb.WriteString(tools.String() + "|")
	if multiTool {
		sb.WriteString(" Some gates support multiple tools!")
	}
	sb.WriteString("\n" + avail.String() + "|\n" + selct.String())
	if gate == m.numGates-1 {
		sb.WriteString("|")
	} else {
		sb.WriteString("-")
	}
	switch {
	case gate == GateBypass:
		sb.WriteString(" Bypass selected")
	case tool >= 0:
		fmt.Fprintf(&sb, " T%d", tool)
	}
	return sb.String()
}
