// Command shirushi runs the C2PA manifest resolution sidecar.
//
// Usage:
//
//	shirushi [--config shirushi.yaml] <command>
//
// Commands:
//   - serve: run the HTTP, webhook and MCP server
//   - migrate: apply pending database migrations, or list them with --status
//   - version: print build information
//
// Configuration comes from defaults, the optional --config YAML file and
// SHIRUSHI_* environment variables, in increasing precedence. A .env file in
// the working directory is loaded first when present.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/shirushi/internal/config"
)

var (
	// Global state set during PersistentPreRunE.
	cfg    config.Config
	logger *slog.Logger

	// Persistent flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "shirushi",
	Short: "C2PA manifest resolution sidecar for AR.IO gateways",
	Long: `shirushi - C2PA manifest resolution sidecar

Shirushi indexes C2PA manifests announced by an AR.IO gateway webhook and
answers soft-binding resolution queries by binding value, perceptual hash
or image reference.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		// Non-fatal; production won't have one.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (optional)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("fatal error", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return 1
	}
	return 0
}
