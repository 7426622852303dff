// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nova-hq/nova/cmd/nova/config"
	"github.com/nova-hq/nova/services/agent"
)

var (
	cfg config.NovaConfig

	configPath string
	tenantFlag string
	goalFlag   string
	queryFlag  string
	sessionID  string
	resumeFlag bool

	rootCmd = &cobra.Command{
		Use:   "nova",
		Short: "An autonomous agent for your task workspace",
		Long: `Nova runs bounded agent sessions against a task workspace:
it retrieves context from an embedding index, asks a reasoning model for
the next step, executes it through a closed tool catalog, and checkpoints
after every action.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				loaded, err := config.LoadFrom(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
				return nil
			}
			if err := config.Load(); err != nil {
				return err
			}
			cfg = config.Global
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP orchestrator",
		RunE:  runServe,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run one agent session from the terminal",
		RunE:  runSession,
	}

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Re-index the workspace into the vector store",
		RunE:  runSync,
	}

	usageCmd = &cobra.Command{
		Use:   "usage",
		Short: "Show the current-period quota ledger",
		RunE:  runUsage,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to nova.yaml (default ~/.nova/nova.yaml)")
	rootCmd.PersistentFlags().StringVar(&tenantFlag, "tenant", "", "Tenant ID (default from config auth.local_tenant)")

	runCmd.Flags().StringVar(&goalFlag, "goal", "", "Goal for the session, e.g. \"plan my day\"")
	runCmd.Flags().StringVar(&queryFlag, "query", "", "Retrieval query override")
	runCmd.Flags().StringVar(&sessionID, "session", "", "Session ID (generated when empty)")
	runCmd.Flags().BoolVar(&resumeFlag, "resume", false, "Resume the latest checkpoint of --session")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(usageCmd)
}

// tenant resolves the effective tenant for terminal commands.
func tenant() string {
	if tenantFlag != "" {
		return tenantFlag
	}
	if cfg.Auth.LocalTenant != "" {
		return cfg.Auth.LocalTenant
	}
	return "local-tenant"
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.buildServer(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Orchestrator listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runSession(cmd *cobra.Command, args []string) error {
	if goalFlag == "" && !resumeFlag {
		return errors.New("--goal is required unless --resume is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.buildEngine(); err != nil {
		return err
	}

	result, err := s.engine.Run(ctx, agent.RunRequest{
		TenantID:  tenant(),
		SessionID: sessionID,
		Goal:      goalFlag,
		Query:     queryFlag,
		Resume:    resumeFlag,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.indexer.Sync(ctx, tenant())
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ledger, err := s.gate.CurrentUsage(ctx, tenant())
	if err != nil {
		return err
	}
	return printJSON(ledger)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
