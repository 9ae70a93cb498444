// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newTestLogger(prefix string, buf *bytes.Buffer) *Logger {
	logger := New(prefix)
	logger.SetWriter(buf)
	logger.SetColorize(false)
	logger.SetLevel(DEBUG)
	return logger
}

func TestLoggerBasic(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("test", &buf)

	logger.Info("hello %s", "world")

	output := buf.String()
	if !strings.Contains(output, "[INFO ]") {
		t.Errorf("expected INFO level, got: %s", output)
	}
	if !strings.Contains(output, "test: hello world") {
		t.Errorf("expected prefixed message, got: %s", output)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("test", &buf)
	logger.SetLevel(INFO)

	logger.Debug("debug message")
	logger.Trace("trace message")
	if buf.Len() != 0 {
		t.Errorf("expected DEBUG and TRACE to be filtered, got: %s", buf.String())
	}

	for _, fn := range []func(string, ...interface{}){logger.Info, logger.Warn, logger.Error} {
		buf.Reset()
		fn("passes")
		if !strings.Contains(buf.String(), "passes") {
			t.Errorf("expected message to pass, got: %q", buf.String())
		}
	}
}

func TestLoggerAlwaysBypassesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("ercf", &buf)
	logger.SetLevel(ERROR)

	logger.Info("hidden")
	logger.Always("Tool T%d enabled", 3)

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("expected INFO to be filtered, got: %s", output)
	}
	if !strings.Contains(output, "Tool T3 enabled") {
		t.Errorf("expected essential message, got: %s", output)
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("test", &buf)
	logger.SetFormat(FormatJSON)

	logger.WithFields(Fields{"gate": 2, "action": "load"}).Info("json test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v, output: %s", err, buf.String())
	}
	if entry["level"] != "info" {
		t.Errorf("expected level info, got: %v", entry["level"])
	}
	if entry["logger"] != "test" {
		t.Errorf("expected logger 'test', got: %v", entry["logger"])
	}
	if entry["message"] != "json test" {
		t.Errorf("expected message 'json test', got: %v", entry["message"])
	}
	if entry["gate"] != float64(2) || entry["action"] != "load" {
		t.Errorf("expected fields gate=2 action=load, got: %v", entry)
	}
}

func TestLoggerWithFieldsText(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("test", &buf)

	logger.WithField("key", "value").Info("with field")

	if output := buf.String(); !strings.Contains(output, "key=value") {
		t.Errorf("expected field 'key=value', got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("test", &buf)
	logger.SetFormat(FormatJSON)

	logger.WithError(&testError{"something went wrong"}).Error("operation failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if entry["error"] != "something went wrong" {
		t.Errorf("expected error field, got: %v", entry)
	}
}

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}

func TestLoggerWithPrefixSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("parent", &buf)

	child := logger.WithPrefix("child")
	logger.SetLevel(WARN)
	child.Info("suppressed")
	child.Warn("child message")

	output := buf.String()
	if strings.Contains(output, "suppressed") {
		t.Errorf("expected child to follow parent level, got: %s", output)
	}
	if !strings.Contains(output, "child: child message") {
		t.Errorf("expected prefix 'child:', got: %s", output)
	}
}

func TestLoggerPersistentFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("test", &buf).With(Fields{"op": "abc"})

	logger.Info("first")

	if output := buf.String(); !strings.Contains(output, "op=abc") {
		t.Errorf("expected persistent field, got: %s", output)
	}
}

func TestLoggerFileSink(t *testing.T) {
	var console, file bytes.Buffer
	logger := newTestLogger("ercf", &console)
	logger.SetLevel(WARN)
	logger.SetFileSink(&file, TRACE)

	logger.Trace("step detail")
	logger.Warn("slip detected")

	if strings.Contains(console.String(), "step detail") {
		t.Errorf("console should not see TRACE: %s", console.String())
	}
	if !strings.Contains(file.String(), "step detail") || !strings.Contains(file.String(), "slip detected") {
		t.Errorf("file sink missing messages: %s", file.String())
	}
	if !logger.Enabled(TRACE) {
		t.Error("expected TRACE to be enabled through the file sink")
	}

	logger.SetFileLevel(ERROR)
	if logger.Enabled(INFO) {
		t.Error("expected INFO to be disabled after raising both levels")
	}
}

func TestLoggerCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("test", &buf)
	logger.SetCaller(true)

	logger.Info("caller test")

	if output := buf.String(); !strings.Contains(output, "logger_test.go:") {
		t.Errorf("expected caller info 'logger_test.go:', got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"TRACE", TRACE},
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{"INFO", INFO},
		{"WARN", WARN},
		{"WARNING", WARN},
		{"error", ERROR},
		{"invalid", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		if result := ParseLevel(tt.input); result != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, result, tt.expected)
		}
	}
}

func TestVerbosityLevel(t *testing.T) {
	tests := []struct {
		verbosity int
		expected  LogLevel
	}{
		{-1, WARN},
		{0, WARN},
		{1, INFO},
		{2, DEBUG},
		{3, TRACE},
		{4, TRACE},
	}

	for _, tt := range tests {
		if result := VerbosityLevel(tt.verbosity); result != tt.expected {
			t.Errorf("VerbosityLevel(%d) = %v, expected %v", tt.verbosity, result, tt.expected)
		}
	}
}

func TestLogLevelString(t *testing.T) {
	if TRACE.String() != "TRACE" || ERROR.String() != "ERROR" || LogLevel(99).String() != "UNKNOWN" {
		t.Errorf("unexpected level names")
	}
}

func TestGetLogger(t *testing.T) {
	logger := GetLogger("mycomponent")
	if logger == nil {
		t.Fatal("expected logger, got nil")
	}
	if logger.prefix != "mycomponent" {
		t.Errorf("expected prefix 'mycomponent', got %q", logger.prefix)
	}
}

func BenchmarkLoggerFiltered(b *testing.B) {
	var buf bytes.Buffer
	logger := New("bench")
	logger.SetWriter(&buf)
	logger.SetLevel(ERROR)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("this should be filtered")
	}
}
