// Structured logging for the ERCF controller
//
// Provides a leveled logging system backed by zerolog with support for:
// - Log levels (TRACE, DEBUG, INFO, WARN, ERROR)
// - Structured fields (key-value pairs)
// - Console (text) and JSON output
// - A secondary logfile sink with its own level
// - Per-component loggers with prefixes
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// TRACE level for step-by-step motion detail
	TRACE LogLevel = iota - 1

	// DEBUG level for detailed debugging information
	DEBUG

	// INFO level for general informational messages
	INFO

	// WARN level for warning messages
	WARN

	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a LogLevel
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// VerbosityLevel maps the ERCF numeric verbosity to a LogLevel.
// 0 essential, 1 info, 2 debug, 3 trace, 4 stepper.
func VerbosityLevel(v int) LogLevel {
	switch {
	case v <= 0:
		return WARN
	case v == 1:
		return INFO
	case v == 2:
		return DEBUG
	default:
		return TRACE
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case TRACE:
		return zerolog.TraceLevel
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	// FormatText outputs human-readable text format
	FormatText OutputFormat = iota
	// FormatJSON outputs machine-readable JSON format
	FormatJSON
)

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// sink is one output destination with its own threshold
type sink struct {
	writer io.Writer
	level  LogLevel
	format OutputFormat
	zl     zerolog.Logger
}

// core is the state shared by a logger and every logger derived from it
type core struct {
	mu         sync.Mutex
	console    sink
	file       *sink
	timeFormat string
	colorize   bool
	caller     bool
}

// Logger is the main logging interface
type Logger struct {
	core   *core
	prefix string
	fields Fields
}

// Entry represents a single log entry with fields
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// New creates a new logger with the given prefix
func New(prefix string) *Logger {
	c := &core{
		timeFormat: "2006-01-02 15:04:05.000",
		colorize:   os.Getenv("NO_COLOR") == "",
	}
	c.console = sink{writer: os.Stderr, level: INFO, format: FormatText}
	c.rebuild(&c.console)
	return &Logger{core: c, prefix: prefix}
}

// rebuild recreates the zerolog backend for a sink. Caller holds mu.
func (c *core) rebuild(s *sink) {
	var out io.Writer = s.writer
	if s.format == FormatText {
		out = zerolog.ConsoleWriter{
			Out:           s.writer,
			NoColor:       !c.colorize || s != &c.console,
			TimeFormat:    c.timeFormat,
			FieldsExclude: []string{"logger"},
			FormatMessage: func(i interface{}) string {
				return fmt.Sprint(i)
			},
			FormatLevel: func(i interface{}) string {
				return fmt.Sprintf("[%-5s]", strings.ToUpper(fmt.Sprint(i)))
			},
		}
	}
	s.zl = zerolog.New(out).Level(zerolog.TraceLevel).With().Timestamp().Logger()
}

// SetLevel sets the minimum console log level
func (l *Logger) SetLevel(level LogLevel) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.console.level = level
}

// SetWriter sets the console output writer (e.g., for testing)
func (l *Logger) SetWriter(w io.Writer) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.console.writer = w
	l.core.rebuild(&l.core.console)
}

// SetFileSink attaches a secondary writer, typically a RotatingFileWriter,
// with an independent level. A nil writer detaches it.
func (l *Logger) SetFileSink(w io.Writer, level LogLevel) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if w == nil {
		l.core.file = nil
		return
	}
	s := &sink{writer: w, level: level, format: FormatText}
	l.core.file = s
	l.core.rebuild(s)
}

// SetFileLevel changes the level of the logfile sink, if any
func (l *Logger) SetFileLevel(level LogLevel) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if l.core.file != nil {
		l.core.file.level = level
	}
}

// SetColorize enables or disables colorized console output
func (l *Logger) SetColorize(enable bool) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.colorize = enable
	l.core.rebuild(&l.core.console)
}

// SetFormat sets the console output format (FormatText or FormatJSON)
func (l *Logger) SetFormat(format OutputFormat) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.console.format = format
	l.core.rebuild(&l.core.console)
}

// SetCaller enables or disables caller info in log output
func (l *Logger) SetCaller(enable bool) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.caller = enable
}

// Enabled reports whether a message at level reaches any sink
func (l *Logger) Enabled(level LogLevel) bool {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if level >= l.core.console.level {
		return true
	}
	return l.core.file != nil && level >= l.core.file.level
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{
		logger: l,
		fields: Fields{key: value},
	}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{
		logger: l,
		fields: fields,
	}
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

// emit writes to every sink whose threshold admits level.
// always bypasses the thresholds and is used for essential messages.
func (l *Logger) emit(level LogLevel, always bool, skip int, msg string, fields Fields) {
	c := l.core
	c.mu.Lock()
	defer c.mu.Unlock()

	write := func(s *sink) {
		if !always && level < s.level {
			return
		}
		ev := s.zl.WithLevel(level.zerolog())
		text := msg
		if l.prefix != "" {
			ev = ev.Str("logger", l.prefix)
			if s.format == FormatText {
				text = l.prefix + ": " + msg
			}
		}
		if c.caller {
			ev = ev.Caller(skip)
		}
		for k, v := range l.fields {
			ev = ev.Interface(k, v)
		}
		for k, v := range fields {
			ev = ev.Interface(k, v)
		}
		ev.Msg(text)
	}
	write(&c.console)
	if c.file != nil {
		write(c.file)
	}
}

func (l *Logger) log(level LogLevel, msg string, args []interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.emit(level, false, 4, msg, nil)
}

// Trace logs a message at TRACE level
func (l *Logger) Trace(msg string, args ...interface{}) {
	l.log(TRACE, msg, args)
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(DEBUG, msg, args)
}

// Info logs a message at INFO level
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(INFO, msg, args)
}

// Warn logs a message at WARN level
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(WARN, msg, args)
}

// Error logs a message at ERROR level
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(ERROR, msg, args)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(msg string, args ...interface{}) {
	l.Error(msg, args...)
}

// Always logs an INFO message that is shown at every verbosity
func (l *Logger) Always(msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.emit(INFO, true, 3, msg, nil)
}

// WithPrefix returns a logger sharing this logger's sinks under a new prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{
		core:   l.core,
		prefix: prefix,
		fields: l.fields,
	}
}

// With returns a logger sharing sinks and prefix with persistent fields added
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{core: l.core, prefix: l.prefix, fields: merged}
}

// Entry methods - log with fields

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	newFields := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Entry{
		logger: e.logger,
		fields: newFields,
	}
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	newFields := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &Entry{
		logger: e.logger,
		fields: newFields,
	}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", err.Error())
}

// Debug logs at DEBUG level with fields
func (e *Entry) Debug(msg string) {
	e.logger.emit(DEBUG, false, 3, msg, e.fields)
}

// Info logs at INFO level with fields
func (e *Entry) Info(msg string) {
	e.logger.emit(INFO, false, 3, msg, e.fields)
}

// Warn logs at WARN level with fields
func (e *Entry) Warn(msg string) {
	e.logger.emit(WARN, false, 3, msg, e.fields)
}

// Error logs at ERROR level with fields
func (e *Entry) Error(msg string) {
	e.logger.emit(ERROR, false, 3, msg, e.fields)
}

// GetLogger returns a logger derived from the default logger
func GetLogger(prefix string) *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("")
	}
	return defaultLogger.WithPrefix(prefix)
}

// Initialize logging system from environment
func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	defaultLogger = New("")
	ConfigureFromEnv(defaultLogger)
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - ERCF_LOG_LEVEL: TRACE, DEBUG, INFO, WARN, ERROR
//   - ERCF_LOG_FORMAT: text, json
//   - ERCF_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv("ERCF_LOG_LEVEL"); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	if formatStr := os.Getenv("ERCF_LOG_FORMAT"); formatStr != "" {
		switch strings.ToLower(formatStr) {
		case "json":
			l.SetFormat(FormatJSON)
		case "text":
			l.SetFormat(FormatText)
		}
	}
	if os.Getenv("ERCF_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
