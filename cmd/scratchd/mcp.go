package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scratchd/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve compile, diff and list_toolchains as MCP tools over stdio",
	RunE: func(_ *cobra.Command, _ []string) error {
		// stdout carries the protocol; logs stay on stderr.
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		sc, err := initShared(cfg, logger, true)
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		srv := mcpserver.New(sc.Scheduler, sc.Registry, sc.References, mcpserver.Config{
			Name:        "scratchd",
			Version:     version,
			WaitTimeout: cfg.Engine.SyncWaitTimeout(),
		}, logger)
		logger.Info("mcp server ready on stdio", slog.Int("toolchains", len(sc.Registry.Toolchains())))
		return srv.ServeStdio()
	},
}
