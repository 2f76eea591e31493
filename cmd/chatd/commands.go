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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/chat"
	"github.com/AleutianAI/AleutianChat/services/chat/config"
	"github.com/AleutianAI/AleutianChat/services/chat/registry"
)

// cli holds state shared by the subcommands of one invocation.
type cli struct {
	configPath string
	logLevel   string

	cfg    *config.ChatConfig
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "chatd",
		Short:         "Aleutian chat service",
		Long:          "chatd serves persistent, streaming chat threads backed by OpenAI, Anthropic, DeepSeek and Ollama models.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("CHAT_CONFIG"), "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(c.serveCmd(), c.migrateCmd(), c.modelsCmd(), versionCmd())
	return rootCmd
}

// setup loads configuration and installs the process logger.
func (c *cli) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Service: "chat",
		Format:  logging.Format(cfg.Logging.Format),
		LogDir:  cfg.Logging.Dir,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger.Slog())
	c.cfg = cfg
	c.logger = logger
	return nil
}

// =============================================================================
// serve
// =============================================================================

func (c *cli) serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != 0 {
				c.cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if c.configPath != "" {
				c.watchLogLevel(ctx)
			}

			srv, err := chat.New(ctx, c.cfg, extensions.ServiceOptions{})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}

// watchLogLevel applies logging.level changes without a restart. Other
// settings need one.
func (c *cli) watchLogLevel(ctx context.Context) {
	err := config.Watch(ctx, c.configPath, func(next *config.ChatConfig) {
		if c.logLevel != "" {
			return
		}
		level, err := logging.ParseLevel(next.Logging.Level)
		if err != nil || level == c.logger.Level() {
			return
		}
		c.logger.SetLevel(level)
		slog.Info("Log level changed", "level", level.String())
	})
	if err != nil {
		slog.Warn("Config file will not be watched", "error", err)
	}
}

// =============================================================================
// migrate
// =============================================================================

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := chat.OpenStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s).\n", db.Driver())
			return nil
		},
	}
}

// =============================================================================
// models
// =============================================================================

type modelRow struct {
	ID         string `json:"id"`
	Provider   string `json:"provider"`
	Streaming  bool   `json:"streaming"`
	Images     bool   `json:"images"`
	Pdfs       bool   `json:"pdfs"`
	Configured bool   `json:"configured"`
}

func (c *cli) modelsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog and whether each provider is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.Load(c.cfg.ModelsFile)
			if err != nil {
				return err
			}
			providers := chat.BuildProviders(c.cfg)

			var rows []modelRow
			for _, d := range reg.List() {
				_, perr := providers.Get(d.Provider)
				rows = append(rows, modelRow{
					ID:         d.ID,
					Provider:   d.Provider,
					Streaming:  d.SupportsStreaming,
					Images:     d.SupportsImages,
					Pdfs:       d.SupportsPdfs,
					Configured: perr == nil,
				})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tPROVIDER\tSTREAMING\tIMAGES\tPDFS\tCONFIGURED")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Provider, yesNo(r.Streaming), yesNo(r.Images), yesNo(r.Pdfs), yesNo(r.Configured))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// =============================================================================
// version
// =============================================================================

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatd %s\n", chat.Version)
		},
	}
}
