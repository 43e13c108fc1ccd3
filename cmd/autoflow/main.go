package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/uesteibar/autoflow/internal/autoflow/config"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "autoflow: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "autoflow",
		Short: "Drive Linear tickets from triage to pull request",
		Long: `autoflow watches a Linear team, scores tickets for readiness, refines
them with the people who wrote them, and hands approved work to a coding
agent that opens a pull request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Config file path")

	cmd.AddCommand(
		serveCmd(&configPath),
		statusCmd(&configPath),
		watchCmd(&configPath),
		initCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "autoflow "+version)
			},
		},
	)
	return cmd
}

// newLogger builds the process logger from the --log-format and
// --log-level flags.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// serverAddr picks the API address for client commands: an explicit flag,
// then the config file, then the default.
func serverAddr(flagAddr, configPath string) string {
	if flagAddr != "" {
		return flagAddr
	}
	if cfg, err := config.Load(configPath); err == nil && cfg.Server.Addr != "" {
		return cfg.Server.Addr
	}
	return config.Default().Server.Addr
}
