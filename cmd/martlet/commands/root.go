package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"martlet/internal/components/telemetry"
	"martlet/internal/serviceutil"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool

	cfg    Config
	otelTp telemetry.Telemetry
)

var rootCmd = &cobra.Command{
	Use:   "martlet",
	Short: "martlet keeps a local copy of your Minerva schedule, transcript and e-bill.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(verbose)
		if verbose {
			slog.Debug("verbose logging enabled")
		}

		var err error
		cfg, err = loadConfig(configPath)
		if err != nil {
			serviceutil.Fatal("read config", err)
		}
		otelTp, err = telemetry.Setup(cmd.Context(), "martlet", cfg.Telemetry)
		if err != nil {
			serviceutil.Fatal("setup telemetry", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := otelTp.Shutdown(context.Background()); err != nil {
			slog.Warn("shutdown telemetry", "err", err)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a martlet.json5 config file.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging and HTTP dumps.")
}

// mustApp builds the app for a command, exiting on failure.
func mustApp(cmd *cobra.Command) *app {
	a, err := newApp(cmd.Context(), cfg, verbose)
	if err != nil {
		serviceutil.Fatal("initialize", err)
	}
	return a
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
