// scratchd compiles untrusted source with historical toolchains inside a
// sandbox and diffs the result against reference binaries.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scratchd/internal/config"
	"github.com/jkaninda/scratchd/internal/sandbox"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "scratchd",
	Short: "scratchd: sandboxed compile and binary diff engine for decompilation matching.",
	Long: `scratchd compiles untrusted source code with historical compilers inside an
isolated sandbox, then diffs the produced object against a reference binary
instruction by instruction. It runs as an HTTP service, an MCP server, or a
one-shot command line tool.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd, compileCmd, diffCmd, toolchainsCmd, mcpCmd, versionCmd)
}

func main() {
	// The process sandbox re-executes this binary as its helper.
	sandbox.RunInitIfRequested()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
