// Command registry
//
// CommandManager maps extended command names to handlers and runs
// multi-line scripts one command at a time. HELP lists the registered
// commands.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	hosterrors "ercf-go/pkg/errors"
	"ercf-go/pkg/log"
)

// CommandHandler handles one command and returns its response text.
type CommandHandler func(ctx context.Context, cmd *Command) (string, error)

// CommandManager holds the registered commands.
type CommandManager struct {
	commands     map[string]CommandHandler
	commandHelp  map[string]string
	commandOrder []string // sorted for HELP

	logger *log.Logger
	mu     sync.RWMutex
}

// NewCommandManager creates a manager with HELP registered.
func NewCommandManager() *CommandManager {
	cm := &CommandManager{
		commands:    make(map[string]CommandHandler),
		commandHelp: make(map[string]string),
		logger:      log.GetLogger("gcode"),
	}
	cm.RegisterCommand("HELP", cm.cmdHelp, "Report available extended commands")
	return cm
}

// SetLogger replaces the command logger.
func (cm *CommandManager) SetLogger(l *log.Logger) {
	cm.logger = l
}

// RegisterCommand registers a handler with help text, replacing any
// handler of the same name.
func (cm *CommandManager) RegisterCommand(name string, handler CommandHandler, help string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	name = strings.ToUpper(name)
	if _, exists := cm.commands[name]; !exists {
		cm.commandOrder = append(cm.commandOrder, name)
		sort.Strings(cm.commandOrder)
	}
	cm.commands[name] = handler
	cm.commandHelp[name] = help
}

// UnregisterCommand removes a handler.
func (cm *CommandManager) UnregisterCommand(name string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	name = strings.ToUpper(name)
	delete(cm.commands, name)
	delete(cm.commandHelp, name)
	for i, n := range cm.commandOrder {
		if n == name {
			cm.commandOrder = append(cm.commandOrder[:i], cm.commandOrder[i+1:]...)
			break
		}
	}
}

// Commands returns the registered names in order.
func (cm *CommandManager) Commands() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]string(nil), cm.commandOrder...)
}

// Handle executes one parsed command.
func (cm *CommandManager) Handle(ctx context.Context, cmd *Command) (string, error) {
	cm.mu.RLock()
	handler, ok := cm.commands[cmd.Name]
	cm.mu.RUnlock()
	if !ok {
		return "", hosterrors.New(hosterrors.ErrInvalidParameter, fmt.Sprintf("Unknown command: %s", cmd.Name))
	}
	cm.logger.Debug("Running %s", strings.TrimSpace(cmd.Raw))
	return handler(ctx, cmd)
}

// Run executes a script line by line and stops at the first error. The
// responses of the commands that ran are returned.
func (cm *CommandManager) Run(ctx context.Context, script string) ([]string, error) {
	var out []string
	for _, line := range strings.Split(script, "\n") {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cmd, err := Parse(line)
		if err != nil {
			return out, err
		}
		if cmd == nil {
			continue
		}
		resp, err := cm.Handle(ctx, cmd)
		if resp != "" {
			out = append(out, resp)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (cm *CommandManager) cmdHelp(ctx context.Context, cmd *Command) (string, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Available extended commands:")
	for _, name := range cm.commandOrder {
		fmt.Fprintf(&b, "\n%-28s: %s", name, cm.commandHelp[name])
	}
	return b.String(), nil
}
