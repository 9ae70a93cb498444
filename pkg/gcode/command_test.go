// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hosterrors "ercf-go/pkg/errors"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		line   string
		name   string
		params map[string]string
	}{
		{"ercf_change_tool tool=2", "ERCF_CHANGE_TOOL", map[string]string{"TOOL": "2"}},
		{"  ERCF_HOME  TOOL=1 FORCE_UNLOAD=1 ; comment", "ERCF_HOME", map[string]string{"TOOL": "1", "FORCE_UNLOAD": "1"}},
		{"ERCF_CHECK_GATES TOOLS=\"0,2\"", "ERCF_CHECK_GATES", map[string]string{"TOOLS": "0,2"}},
		{"G1 X10 E-5.5 (retract)", "G1", map[string]string{"X": "10", "E": "-5.5"}},
		{"M115 # firmware", "M115", map[string]string{}},
	} {
		t.Run(tc.line, func(t *testing.T) {
			cmd, err := Parse(tc.line)
			require.NoError(t, err)
			require.NotNil(t, cmd)
			assert.Equal(t, tc.name, cmd.Name)
			assert.Equal(t, tc.params, cmd.Params)
		})
	}
}

func TestParseBlankAndMalformed(t *testing.T) {
	for _, line := range []string{"", "   ", "; only a comment", "(paren)"} {
		cmd, err := Parse(line)
		assert.NoError(t, err)
		assert.Nil(t, cmd, "%q", line)
	}
	for _, line := range []string{"ERCF_HOME TOOL", "ERCF_HOME =1"} {
		_, err := Parse(line)
		assert.Equal(t, hosterrors.ErrInvalidParameter, hosterrors.CodeOf(err), "%q", line)
	}
}

func mustParse(t *testing.T, line string) *Command {
	t.Helper()
	cmd, err := Parse(line)
	require.NoError(t, err)
	return cmd
}

func TestGetters(t *testing.T) {
	cmd := mustParse(t, "ERCF_TEST TOOL=2 SPEED=12.5 FLAG=1 LIST=3,1,2 BAD=x")

	v, err := cmd.RequireInt("tool", 0, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	_, err = cmd.RequireInt("GATE", 0, 8)
	assert.Error(t, err)
	_, err = cmd.Int("TOOL", 0, 0, 1)
	assert.Contains(t, err.Error(), "TOOL must be between 0 and 1")
	_, err = cmd.Int("BAD", 0, 0, 1)
	assert.Contains(t, err.Error(), "unable to parse 'x'")

	v, err = cmd.Int("MISSING", -1, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, -1, v, "defaults bypass the bounds")

	b, err := cmd.Bool("FLAG", false)
	require.NoError(t, err)
	assert.True(t, b)
	_, err = cmd.Bool("TOOL", false)
	assert.Error(t, err)

	f, err := cmd.Float("SPEED", 0, 0, math.Inf(1))
	require.NoError(t, err)
	assert.Equal(t, 12.5, f)
	_, err = cmd.Float("SPEED", 0, 0, 10)
	assert.Error(t, err)
	_, err = cmd.FloatAbove("SPEED", 0, 12.5)
	assert.Contains(t, err.Error(), "SPEED must be above 12.5")
	f, err = cmd.FloatAbove("DIST", 500, 0)
	require.NoError(t, err)
	assert.Equal(t, 500.0, f)

	list, err := cmd.IntList("LIST")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, list)
	list, err = cmd.IntList("MISSING")
	require.NoError(t, err)
	assert.Nil(t, list)
	_, err = cmd.IntList("BAD")
	assert.Error(t, err)

	assert.Equal(t, "x", cmd.Get("bad", ""))
	assert.Equal(t, "def", cmd.Get("NONE", "def"))
}
