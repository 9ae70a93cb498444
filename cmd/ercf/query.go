// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ercf-go/pkg/history"
	"ercf-go/pkg/rpc"
)

func newClient(v *viper.Viper) *rpc.Client {
	return rpc.NewClient(v.GetString("server"), v.GetDuration("timeout"))
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient(v).Status(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(status))
			for k := range status {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %v\n", k+":", status[k])
			}
			return nil
		},
	}
	clientFlags(cmd.Flags())
	return cmd
}

func newStatsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the swap and gate statistics of a running controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Report string `json:"report"`
			}
			if err := newClient(v).Call(cmd.Context(), "ercf.stats", nil, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Report)
			return nil
		},
	}
	clientFlags(cmd.Flags())
	return cmd
}

func newHistoryCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled operations",
		Long: `Reads the journal of a running server, or the SQLite file given
with --db directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := history.Query{
				Limit:     v.GetInt("limit"),
				Operation: v.GetString("operation"),
				Failed:    v.GetBool("failed"),
			}
			if g := v.GetInt("gate"); g >= 0 {
				q.Gate = &g
			}
			records, err := listHistory(cmd.Context(), v, q)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), history.Format(records))
			return nil
		},
	}
	clientFlags(cmd.Flags())
	cmd.Flags().String("db", "", "read this journal file instead of a server")
	cmd.Flags().Int("limit", 20, "maximum rows")
	cmd.Flags().String("operation", "", "only this operation")
	cmd.Flags().Int("gate", -1, "only this gate")
	cmd.Flags().Bool("failed", false, "only failed operations")
	return cmd
}

func listHistory(ctx context.Context, v *viper.Viper, q history.Query) ([]history.Record, error) {
	if path := v.GetString("db"); path != "" {
		j, err := history.Open(path)
		if err != nil {
			return nil, err
		}
		defer j.Close()
		return j.List(ctx, q)
	}
	params := map[string]any{
		"limit":  q.Limit,
		"failed": q.Failed,
	}
	if q.Operation != "" {
		params["operation"] = q.Operation
	}
	if q.Gate != nil {
		params["gate"] = *q.Gate
	}
	var out struct {
		Operations []history.Record `json:"operations"`
	}
	if err := newClient(v).Call(ctx, "ercf.history", params, &out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}
