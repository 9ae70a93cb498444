// Persistent variable storage in the Klipper save_variables format
//
// The file holds a single [Variables] section of "name = value" lines.
// Scalars use the Python literal style (True/False, quoted strings);
// lists and maps are stored as JSON.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package savevars

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	hosterrors "ercf-go/pkg/errors"
	"ercf-go/pkg/log"
)

// Store is a file-backed variable map. Every write rewrites the whole file.
type Store struct {
	mu       sync.RWMutex
	filename string
	vars     map[string]any
	logger   *log.Logger
}

// Open loads the variables file, creating it when missing.
func Open(filename string) (*Store, error) {
	if strings.HasPrefix(filename, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			filename = filepath.Join(home, filename[2:])
		}
	}
	s := &Store{
		filename: filename,
		vars:     make(map[string]any),
		logger:   log.GetLogger("savevars"),
	}
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
			return nil, hosterrors.StorageError(err, "create directory")
		}
		if err := os.WriteFile(filename, []byte("[Variables]\n"), 0644); err != nil {
			return nil, hosterrors.StorageError(err, "create "+filename)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.logger.Debug("loaded %d variables from %s", len(s.vars), filename)
	return s, nil
}

// Filename returns the backing file path.
func (s *Store) Filename() string {
	return s.filename
}

func (s *Store) load() error {
	f, err := os.Open(s.filename)
	if err != nil {
		return hosterrors.StorageError(err, "open "+s.filename)
	}
	defer f.Close()

	vars := make(map[string]any)
	inVariables := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			inVariables = line == "[Variables]"
			continue
		}
		if !inVariables {
			continue
		}
		name, raw, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		vars[strings.TrimSpace(name)] = ParseValue(strings.TrimSpace(raw))
	}
	if err := scanner.Err(); err != nil {
		return hosterrors.StorageError(err, "read "+s.filename)
	}

	s.mu.Lock()
	s.vars = vars
	s.mu.Unlock()
	return nil
}

// ParseValue converts a stored literal to a Go value.
func ParseValue(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch raw {
	case "True", "true":
		return true
	case "False", "false":
		return false
	}
	if len(raw) >= 2 {
		first, last := raw[0], raw[len(raw)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return raw[1 : len(raw)-1]
		}
		if (first == '[' && last == ']') || (first == '{' && last == '}') {
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err == nil {
				return v
			}
		}
	}
	return raw
}

// FormatValue renders a Go value as a stored literal.
func FormatValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return "'" + val + "'", nil
	case bool:
		if val {
			return "True", nil
		}
		return "False", nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("unsupported value type %T: %w", v, err)
		}
		return string(data), nil
	}
}

// Set stores a single variable.
func (s *Store) Set(name string, value any) error {
	return s.SetMany(map[string]any{name: value})
}

// SetMany stores several variables with one file write.
func (s *Store) SetMany(values map[string]any) error {
	for name := range values {
		if strings.ToLower(name) != name {
			return hosterrors.InvalidParameter(name, "variable name must not contain upper case")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]any, len(s.vars)+len(values))
	for k, v := range s.vars {
		next[k] = v
	}
	for k, v := range values {
		next[k] = v
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.vars = next
	return nil
}

// Delete removes a variable.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vars[name]; !ok {
		return hosterrors.InvalidParameter(name, fmt.Sprintf("variable '%s' not found", name))
	}
	next := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		if k != name {
			next[k] = v
		}
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.vars = next
	return nil
}

// write replaces the file through a temporary sibling under an exclusive lock.
func (s *Store) write(vars map[string]any) error {
	unlock, err := lockFile(s.filename)
	if err != nil {
		return hosterrors.StorageError(err, "lock "+s.filename)
	}
	defer unlock()

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("[Variables]\n")
	for _, k := range keys {
		literal, err := FormatValue(vars[k])
		if err != nil {
			return hosterrors.StorageError(err, "encode "+k)
		}
		fmt.Fprintf(&sb, "%s = %s\n", k, literal)
	}

	tmp := s.filename + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return hosterrors.StorageError(err, "write "+tmp)
	}
	if err := os.Rename(tmp, s.filename); err != nil {
		return hosterrors.StorageError(err, "replace "+s.filename)
	}
	return nil
}

// Get returns a raw variable value.
func (s *Store) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// All returns a copy of every variable.
func (s *Store) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		result[k] = v
	}
	return result
}

// Decode converts a stored variable into out, which must be a pointer.
// It reports false without error when the variable is absent.
func (s *Store) Decode(name string, out any) (bool, error) {
	v, ok := s.Get(name)
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

// Float returns a numeric variable or the fallback.
func (s *Store) Float(name string, fallback float64) float64 {
	switch v := s.getValue(name).(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return fallback
}

// Int returns an integer variable or the fallback.
func (s *Store) Int(name string, fallback int) int {
	switch v := s.getValue(name).(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func (s *Store) getValue(name string) any {
	v, _ := s.Get(name)
	return v
}
