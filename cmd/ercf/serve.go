// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ercf-go/pkg/log"
	"ercf-go/pkg/metrics"
	"ercf-go/pkg/rpc"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller and serve it over JSON-RPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v)
		},
	}
	machineFlags(cmd.Flags())
	cmd.Flags().String("listen", ":7125", "JSON-RPC listen address")
	cmd.Flags().String("metrics-listen", ":9100", "metrics listen address (empty disables)")
	cmd.Flags().String("metrics-user", "", "metrics basic auth user")
	cmd.Flags().String("metrics-password", "", "metrics basic auth password")
	cmd.Flags().Int("history-keep", 10000, "journal rows kept at startup (0 keeps all)")
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	a, err := newApp(ctx, v, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.journal != nil {
		if keep := v.GetInt("history-keep"); keep > 0 {
			if n, err := a.journal.Prune(ctx, keep); err != nil {
				a.log.Warn("History prune failed: %v", err)
			} else if n > 0 {
				a.log.Info("Pruned %d history rows", n)
			}
		}
	}

	rpcCfg := rpc.Config{
		Addr:    v.GetString("listen"),
		Status:  a.ctrl,
		Scripts: a.commands,
		Version: version,
		Logger:  a.log.WithPrefix("rpc"),
	}
	if a.journal != nil {
		rpcCfg.History = a.journal
	}
	server := rpc.New(rpcCfg)
	a.ctrl.Subscribe(server)

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()

	var metricsServer *metrics.Server
	if addr := v.GetString("metrics-listen"); addr != "" {
		m := metrics.New(true)
		m.Seed(a.ctrl)
		a.ctrl.Subscribe(m)
		mcfg := metrics.DefaultServerConfig()
		mcfg.Address = addr
		mcfg.Username = v.GetString("metrics-user")
		mcfg.Password = v.GetString("metrics-password")
		metricsServer = metrics.NewServer(m, mcfg)
		metricsServer.SetReady(func() bool { return !a.ctrl.IsLocked() })
		go func() {
			if err := <-metricsServer.StartAsync(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	a.log.WithFields(log.Fields{
		"listen":  v.GetString("listen"),
		"metrics": v.GetString("metrics-listen"),
		"version": version,
	}).Info("ERCF server running")

	select {
	case <-ctx.Done():
		a.log.Info("Shutting down")
	case err = <-errCh:
		a.log.WithError(err).Error("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		a.log.Warn("RPC shutdown: %v", serr)
	}
	if metricsServer != nil {
		if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
			a.log.Warn("Metrics shutdown: %v", serr)
		}
	}
	return err
}
