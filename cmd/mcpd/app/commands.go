// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcpd command-line
// application.
package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caldera-labs/mcpd/pkg/logger"
	"github.com/caldera-labs/mcpd/pkg/server"
)

var rootCmd = &cobra.Command{
	Use:               "mcpd",
	DisableAutoGenTag: true,
	Short:             "MCP server runtime",
	Long: `mcpd is a Model Context Protocol server runtime. It exposes registered
tools, resources, and prompts to MCP clients over HTTP with Server-Sent
Events or over standard I/O, with Redis-backed session state for
multi-instance deployments and OAuth 2.0 protected-resource semantics.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize(viper.GetBool("debug"))
	},
}

// NewRootCmd creates the root command for the mcpd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStdioCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP transport",
		Long: `Start the MCP server on its HTTP transport: JSON-RPC over POST /mcp with
optional promotion to Server-Sent Events, and long-lived GET /mcp streams
with event-ID replay.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, err := buildServer(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := srv.Close(); err != nil {
					logger.Errorf("Error closing server: %v", err)
				}
			}()
			return srv.Serve(cmd.Context())
		},
	}
}

func newStdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Start the standard I/O transport",
		Long: `Start the MCP server on standard input and output: one JSON-RPC envelope
or batch per line in, one response envelope per line out. All logging goes
to standard error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, err := buildServer(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := srv.Close(); err != nil {
					logger.Errorf("Error closing server: %v", err)
				}
			}()
			return srv.ServeStdio(cmd.Context())
		},
	}
}

// buildServer loads configuration and assembles the runtime.
func buildServer(cmd *cobra.Command) (*server.Server, error) {
	v := viper.New()
	if path := viper.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcpd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mcpd")
	}
	v.SetEnvPrefix("MCPD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
	}

	cfg, err := server.LoadConfig(v)
	if err != nil {
		return nil, err
	}
	return server.New(cmd.Context(), *cfg)
}
