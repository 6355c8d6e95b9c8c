// Copyright 2025 The Apifuse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// apifused is the workflow orchestration daemon: it persists workflow,
// API, extract, and transform definitions and executes them over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/apifuse/apifuse/internal/config"
	"github.com/apifuse/apifuse/internal/log"
	"github.com/apifuse/apifuse/internal/server"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type serveFlags struct {
	configPath string
	listen     string
	datastore  string
	sqlitePath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &serveFlags{}

	root := &cobra.Command{
		Use:           "apifused",
		Short:         "HTTP workflow orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}
	root.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to config file")
	root.Flags().StringVar(&flags.listen, "listen", "", "listen address (overrides config)")
	root.Flags().StringVar(&flags.datastore, "datastore", "", "datastore backend: memory or sqlite (overrides config)")
	root.Flags().StringVar(&flags.sqlitePath, "sqlite-path", "", "sqlite database path (overrides config)")

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("apifused %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func runServe(flags *serveFlags) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if flags.listen != "" {
		cfg.Listen = flags.listen
	}
	if flags.datastore != "" {
		cfg.Datastore.Type = flags.datastore
	}
	if flags.sqlitePath != "" {
		cfg.Datastore.Path = flags.sqlitePath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	srv, err := server.New(cfg, logger, server.BuildInfo{Version: version, Commit: commit})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
