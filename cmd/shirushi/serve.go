package main

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/shirushi"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resolution server",
	Long: `Run the HTTP server. Migrations are applied on startup; the process
shuts down gracefully on SIGINT or SIGTERM.`,
	Example: `  # Serve with environment configuration
  SHIRUSHI_GATEWAY_URL=https://gateway.example shirushi serve

  # Override the port
  shirushi serve --port 9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []shirushi.Option{
			shirushi.WithConfigFile(cfgFile),
			shirushi.WithLogger(logger),
			shirushi.WithVersion(version),
		}
		if servePort != 0 {
			opts = append(opts, shirushi.WithPort(servePort))
		}

		app, err := shirushi.New(opts...)
		if err != nil {
			return err
		}
		return app.Run(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
}
