// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	hosterrors "ercf-go/pkg/errors"
)

// Command is one parsed command line. Parameter names are upper case.
type Command struct {
	Name   string
	Params map[string]string
	Raw    string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// Parse parses a command line. Blank and comment-only lines return nil.
// Extended commands take KEY=VALUE parameters; classic commands such as
// G1 X10 take letter prefixed ones.
func Parse(line string) (*Command, error) {
	ln := strings.TrimSpace(line)
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}
	if idx := strings.IndexByte(ln, '#'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	fields := strings.Fields(ln)
	if len(fields) == 0 {
		return nil, nil
	}

	name := strings.ToUpper(fields[0])
	params := map[string]string{}
	extended := !isClassic(name)
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok {
			k = strings.ToUpper(strings.TrimSpace(k))
			if k == "" {
				return nil, hosterrors.InvalidParameter("", fmt.Sprintf("malformed parameter %q in %q", f, line))
			}
			params[k] = strings.Trim(strings.TrimSpace(v), `"'`)
			continue
		}
		if extended {
			return nil, hosterrors.InvalidParameter("", fmt.Sprintf("malformed parameter %q in %q", f, line))
		}
		params[strings.ToUpper(f[:1])] = strings.TrimSpace(f[1:])
	}
	return &Command{Name: name, Params: params, Raw: line}, nil
}

// isClassic reports names like G1 or M115: one letter and a number.
func isClassic(name string) bool {
	if len(name) < 2 || name[0] < 'A' || name[0] > 'Z' {
		return false
	}
	_, err := strconv.ParseFloat(name[1:], 64)
	return err == nil
}

// Has reports whether a parameter was given.
func (c *Command) Has(name string) bool {
	_, ok := c.Params[strings.ToUpper(name)]
	return ok
}

// Get returns a parameter or def when missing.
func (c *Command) Get(name, def string) string {
	if v, ok := c.Params[strings.ToUpper(name)]; ok {
		return v
	}
	return def
}

// RequireInt returns a mandatory integer parameter within [min, max].
func (c *Command) RequireInt(name string, min, max int) (int, error) {
	if !c.Has(name) {
		return 0, hosterrors.InvalidParameter(name, fmt.Sprintf("Error on '%s': missing %s", c.Name, name))
	}
	return c.Int(name, 0, min, max)
}

// Int returns an integer parameter within [min, max], or def when missing.
func (c *Command) Int(name string, def, min, max int) (int, error) {
	raw, ok := c.Params[strings.ToUpper(name)]
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, hosterrors.InvalidParameter(name, fmt.Sprintf("Error on '%s': unable to parse '%s'", c.Name, raw))
	}
	if v < min || v > max {
		return 0, hosterrors.InvalidParameter(name, fmt.Sprintf("Error on '%s': %s must be between %d and %d", c.Name, name, min, max))
	}
	return v, nil
}

// Bool returns a 0/1 parameter, or def when missing.
func (c *Command) Bool(name string, def bool) (bool, error) {
	d := 0
	if def {
		d = 1
	}
	v, err := c.Int(name, d, 0, 1)
	return v == 1, err
}

// Float returns a float parameter within [min, max], or def when missing.
// Use math.Inf for an open bound.
func (c *Command) Float(name string, def, min, max float64) (float64, error) {
	raw, ok := c.Params[strings.ToUpper(name)]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		return 0, hosterrors.InvalidParameter(name, fmt.Sprintf("Error on '%s': unable to parse '%s'", c.Name, raw))
	}
	if v < min || v > max {
		return 0, hosterrors.InvalidParameter(name, fmt.Sprintf("Error on '%s': %s must be between %g and %g", c.Name, name, min, max))
	}
	return v, nil
}

// FloatAbove returns a float parameter strictly greater than above.
func (c *Command) FloatAbove(name string, def, above float64) (float64, error) {
	v, err := c.Float(name, def, math.Inf(-1), math.Inf(1))
	if err != nil {
		return 0, err
	}
	if v <= above {
		return 0, hosterrors.InvalidParameter(name, fmt.Sprintf("Error on '%s': %s must be above %g", c.Name, name, above))
	}
	return v, nil
}

// IntList parses a comma separated integer list.
func (c *Command) IntList(name string) ([]int, error) {
	raw := c.Get(name, "")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, hosterrors.InvalidParameter(name, fmt.Sprintf("Error on '%s': unable to parse '%s'", c.Name, raw))
		}
		out = append(out, v)
	}
	return out, nil
}
