// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/viper"

	"ercf-go/pkg/config"
	"ercf-go/pkg/ercf"
	"ercf-go/pkg/gcode"
	"ercf-go/pkg/history"
	"ercf-go/pkg/log"
	"ercf-go/pkg/savevars"
	"ercf-go/pkg/sim"
	"ercf-go/pkg/tracing"
)

// defaultScenario is a three gate machine with a 600mm bowden.
const defaultScenario = `
geometry:
  bowden_length: 600
selector_offsets: [4, 25, 46]
`

// app is one controller with its simulator and supporting services.
type app struct {
	log      *log.Logger
	machine  *sim.Machine
	ctrl     *ercf.Controller
	commands *gcode.CommandManager
	journal  *history.Journal

	closers []func()
}

// newApp builds the controller described by the machine flags. Tracing
// spans go to traceOut.
func newApp(ctx context.Context, v *viper.Viper, traceOut io.Writer) (*app, error) {
	logger := log.New("ercf")
	log.ConfigureFromEnv(logger)
	a := &app{log: logger}

	scenario, err := loadScenario(v.GetString("scenario"))
	if err != nil {
		return nil, err
	}
	a.machine = scenario.Machine()

	section, err := ercfSection(v.GetString("config"), scenario)
	if err != nil {
		return nil, err
	}
	overrides, err := config.ParseOverrides("ercf", v.GetStringSlice("set"))
	if err != nil {
		return nil, err
	}
	section.Override(overrides)
	settings, err := ercf.LoadSettings(section, scenario.HasToolheadSensor())
	if err != nil {
		return nil, err
	}
	for _, opt := range section.GetUnusedOptions() {
		logger.Warn("Unused option '%s' in section [ercf]", opt)
	}

	if dir := v.GetString("log-dir"); dir != "" && settings.LogfileLevel >= 0 {
		w, err := log.AttachLogfile(logger, dir, log.VerbosityLevel(settings.LogfileLevel))
		if err != nil {
			return nil, fmt.Errorf("open logfile: %w", err)
		}
		a.closers = append(a.closers, func() { w.Close() })
	}

	tcfg := tracing.DefaultConfig()
	tcfg.Enabled = v.GetBool("trace")
	tcfg.SampleRatio = v.GetFloat64("trace-ratio")
	tcfg.Writer = traceOut
	tp, shutdown, err := tracing.Init(ctx, tcfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { tracing.ShutdownWithTimeout(context.Background(), shutdown, logger) })

	opts := ercf.Options{
		Settings: settings,
		Hardware: a.machine.Hardware(),
		Hooks:    a.machine.Hooks(),
		Logger:   logger,
		Tracer:   tp.Tracer("ercf-go/pkg/ercf"),
	}
	if path := v.GetString("vars"); path != "" {
		vars, err := savevars.Open(path)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts.Vars = vars
	}
	a.ctrl, err = ercf.New(opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.ctrl.SetLogLevel(settings.LogLevel, -1); err != nil {
		a.Close()
		return nil, err
	}

	if path := v.GetString("history-db"); path != "" {
		a.journal, err = history.Open(path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.journal.SetLogger(logger.WithPrefix("history"))
		a.ctrl.Subscribe(a.journal)
		a.closers = append(a.closers, func() { a.journal.Close() })
	}

	a.commands = gcode.NewCommandManager()
	a.commands.SetLogger(logger.WithPrefix("gcode"))
	gcode.RegisterERCF(a.commands, a.ctrl)
	return a, nil
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func loadScenario(path string) (*sim.Scenario, error) {
	if path == "" {
		return sim.ParseScenario([]byte(defaultScenario))
	}
	return sim.LoadScenario(path)
}

// ercfSection returns the [ercf] section of the config file, or the
// options matching the scenario when no file is given.
func ercfSection(path string, scenario *sim.Scenario) (*config.Section, error) {
	if path == "" {
		return config.NewSection("ercf", scenario.Settings()), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg.GetSection("ercf")
}
