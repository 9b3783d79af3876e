package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"spaceduck/internal/config"
	"spaceduck/internal/gateway"
	"spaceduck/internal/logging"
)

// version is stamped by the release build.
var version = "dev"

var (
	configPath string
	gatewayURL string
	authToken  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "spaceduck",
	Short: "spaceduck - local-first personal assistant gateway",
	Long: `spaceduck runs a single-process assistant gateway: conversations over
WebSocket and Telegram, scheduled tasks, tool calling, and a memory layer,
all backed by one sqlite database and one hot-reloadable config file.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}

		bootLogger, err := logging.New(logLevel, "")
		if err != nil {
			return err
		}

		app, err := gateway.NewApp(path, version, bootLogger)
		if err != nil {
			return err
		}

		// Rebuild the logger from the loaded config unless the flag overrode it.
		if logLevel == "" {
			lc := app.Server.Config.Current().Logging
			if logger, lerr := logging.New(lc.Level, lc.Format); lerr == nil {
				bootLogger = logger
			}
		}
		defer bootLogger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("spaceduck %s\n", version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: resolved from environment)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "http://localhost:8787", "base URL of a running gateway")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("SPACEDUCK_TOKEN"), "bearer token for gateway commands")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tasksCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
