// ercf runs the ERCF filament controller on a simulated machine, serves
// it over JSON-RPC and queries a running instance.
//
// Usage:
//
//	ercf serve --scenario machine.yaml --vars ercf_vars.cfg
//	ercf exec "ERCF_HOME" "ERCF_CHANGE_TOOL TOOL=1"
//	ercf status --server 127.0.0.1:7125
//	ercf history --db ercf_history.db --failed
//
// Every flag can also be set through the environment, for example
// ERCF_LISTEN=:7126 or ERCF_METRICS_LISTEN=.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version information (set at build time)
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ERCF")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "ercf",
		Short:         "ERCF filament changer controller",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	root.AddCommand(
		newServeCmd(v),
		newExecCmd(v),
		newStatusCmd(v),
		newStatsCmd(v),
		newHistoryCmd(v),
		newVersionCmd(),
	)
	return root
}

// machineFlags are shared by the commands that build a controller.
func machineFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "printer config file with an [ercf] section (default: derived from the scenario)")
	fs.String("scenario", "", "simulator scenario YAML (default: built-in three gate machine)")
	fs.StringArray("set", nil, "override an [ercf] option, as option=value (repeatable)")
	fs.String("vars", "", "save_variables file (default: in memory)")
	fs.String("history-db", "", "SQLite operation journal (default: disabled)")
	fs.String("log-dir", "", "directory for the rotating ercf.log")
	fs.Bool("trace", false, "export operation spans to stdout")
	fs.Float64("trace-ratio", 1.0, "trace sampling ratio")
}

// clientFlags are shared by the commands that query a running server.
func clientFlags(fs *pflag.FlagSet) {
	fs.String("server", "127.0.0.1:7125", "address of a running ercf serve")
	fs.Duration("timeout", 0, "request timeout (default: none)")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ercf %s\n", version)
		},
	}
}
