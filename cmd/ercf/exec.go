// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newExecCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec [command...]",
		Short: "Run commands against a fresh simulated controller",
		Long: `Each argument is one command line. With --file the script is read
from a file, or from stdin when the file is "-".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := readScript(v.GetString("file"), args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return execScript(cmd, v, script)
		},
	}
	machineFlags(cmd.Flags())
	cmd.Flags().StringP("file", "f", "", "script file, - for stdin")
	return cmd
}

func readScript(file string, args []string, stdin io.Reader) (string, error) {
	switch {
	case file == "-":
		data, err := io.ReadAll(stdin)
		return string(data), err
	case file != "":
		data, err := os.ReadFile(file)
		return string(data), err
	case len(args) == 0:
		return "", fmt.Errorf("no commands given")
	}
	return strings.Join(args, "\n"), nil
}

func execScript(cmd *cobra.Command, v *viper.Viper, script string) error {
	a, err := newApp(cmd.Context(), v, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	responses, err := a.commands.Run(cmd.Context(), script)
	out := cmd.OutOrStdout()
	for _, r := range responses {
		fmt.Fprintln(out, r)
	}
	return err
}
