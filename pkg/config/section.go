package config

import (
	"strconv"
	"strings"
	"sync"
)

// Section provides access to a config section with access tracking.
type Section struct {
	name    string
	options map[string]string

	mu       sync.RWMutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// NewSection builds a detached section, mainly for tests and programmatic
// configuration.
func NewSection(name string, options map[string]string) *Section {
	return newSection(name, options)
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

// lookup returns the raw value and marks the option accessed either way.
func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessed[key] = struct{}{}
	v, ok := s.options[key]
	return v, ok
}

// Override replaces option values, adding those the section lacks.
func (s *Section) Override(options map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range options {
		s.options[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
}

// ParseOverrides turns "option=value" pairs into an option map.
func ParseOverrides(section string, pairs []string) (map[string]string, error) {
	result := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			return nil, NewConfigError(section, "", "override "+strconv.Quote(pair)+" is not option=value")
		}
		result[key] = value
	}
	return result, nil
}

// GetUnusedOptions returns a list of options that were not accessed.
func (s *Section) GetUnusedOptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	return result
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// getParsed implements the shared "value, else fallback, else missing" rule.
func getParsed[T any](s *Section, option string, parse func(string) (T, error), fallback []T) (T, error) {
	var zero T
	if v, ok := s.lookup(option); ok {
		return parse(strings.TrimSpace(v))
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return zero, ErrMissingOption(s.name, option)
}

// Get returns a string option value.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	return getParsed(s, option, func(v string) (string, error) { return v, nil }, fallback)
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	return getParsed(s, option, func(v string) (int, error) {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, ErrInvalidValue(s.name, option, v, "integer")
		}
		return i, nil
	}, fallback)
}

// IntBounds specifies inclusive bounds for GetIntWithBounds.
type IntBounds struct {
	MinVal *int
	MaxVal *int
}

// GetIntWithBounds returns an integer option value with bounds checking.
func (s *Section) GetIntWithBounds(option string, bounds IntBounds, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if bounds.MinVal != nil && v < *bounds.MinVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(*bounds.MinVal))
	}
	if bounds.MaxVal != nil && v > *bounds.MaxVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have maximum of "+strconv.Itoa(*bounds.MaxVal))
	}
	return v, nil
}

// GetFloat returns a float64 option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	return getParsed(s, option, func(v string) (float64, error) {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, ErrInvalidValue(s.name, option, v, "float")
		}
		return f, nil
	}, fallback)
}

// FloatBounds specifies bounds for GetFloatWithBounds.
type FloatBounds struct {
	MinVal *float64 // minimum value (>=)
	MaxVal *float64 // maximum value (<=)
	Above  *float64 // must be above this value (>)
	Below  *float64 // must be below this value (<)
}

// Check validates v against the bounds, naming section and option in the error.
func (b FloatBounds) Check(section, option string, v float64) error {
	format := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	switch {
	case b.MinVal != nil && v < *b.MinVal:
		return ErrOutOfRange(section, option, v, "must have minimum of "+format(*b.MinVal))
	case b.MaxVal != nil && v > *b.MaxVal:
		return ErrOutOfRange(section, option, v, "must have maximum of "+format(*b.MaxVal))
	case b.Above != nil && v <= *b.Above:
		return ErrOutOfRange(section, option, v, "must be above "+format(*b.Above))
	case b.Below != nil && v >= *b.Below:
		return ErrOutOfRange(section, option, v, "must be below "+format(*b.Below))
	}
	return nil
}

// GetFloatWithBounds returns a float64 option value with bounds checking.
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	if err := bounds.Check(s.name, option, v); err != nil {
		return 0, err
	}
	return v, nil
}

// Ptr returns a pointer to v, for building bounds literals.
func Ptr[T any](v T) *T {
	return &v
}

// ParseBool accepts 1, true, yes, on and 0, false, no, off.
func ParseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// GetBool returns a boolean option value.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	return getParsed(s, option, func(v string) (bool, error) {
		b, ok := ParseBool(v)
		if !ok {
			return false, ErrInvalidValue(s.name, option, v, "boolean (true/false/yes/no/on/off/1/0)")
		}
		return b, nil
	}, fallback)
}

// GetChoice returns a string option that must be one of the valid choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

func splitList(v, sep string) []string {
	if v == "" {
		return []string{}
	}
	parts := strings.Split(v, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// GetList returns a list of strings split by the given separator.
func (s *Section) GetList(option string, sep string, fallback ...[]string) ([]string, error) {
	return getParsed(s, option, func(v string) ([]string, error) { return splitList(v, sep), nil }, fallback)
}

// GetFloatList returns a list of floats split by the given separator.
func (s *Section) GetFloatList(option string, sep string, fallback ...[]float64) ([]float64, error) {
	return getParsed(s, option, func(v string) ([]float64, error) {
		parts := splitList(v, sep)
		result := make([]float64, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, ErrInvalidValue(s.name, option, p, "float")
			}
			result = append(result, f)
		}
		return result, nil
	}, fallback)
}

// GetIntList returns a list of integers split by the given separator.
func (s *Section) GetIntList(option string, sep string, fallback ...[]int) ([]int, error) {
	return getParsed(s, option, func(v string) ([]int, error) {
		parts := splitList(v, sep)
		result := make([]int, 0, len(parts))
		for _, p := range parts {
			i, err := strconv.Atoi(p)
			if err != nil {
				return nil, ErrInvalidValue(s.name, option, p, "integer")
			}
			result = append(result, i)
		}
		return result, nil
	}, fallback)
}
