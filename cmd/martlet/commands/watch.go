package commands

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"martlet/internal/account"
	"martlet/internal/components/chrono"
	"martlet/internal/components/telemetry"
	"martlet/internal/refresh"
	"martlet/internal/serviceutil"

	"github.com/spf13/cobra"
)

var watchNow bool

func init() {
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "Refresh immediately instead of waiting for the first tick.")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stays running and refreshes everything on the configured cron schedule.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(cmd)
		defer a.Close()

		if _, ok := a.account.Credential(ctx); !ok {
			serviceutil.Fatal("watch", account.ErrNotLoggedIn)
		}

		telemetry.InstrumentPerfStats(ctx, time.Duration(a.cfg.Watch.PerfStatsInterval)*time.Second)

		tick := func() {
			result, err := a.refresh(ctx, nil)
			if err != nil {
				if !errors.Is(err, refresh.ErrCancelled) {
					slog.Warn("refresh failed", "err", err)
				}
				return
			}
			printResult(os.Stdout, result)
		}

		cron := chrono.NewStandardCron(a.tel, a.clock)
		if err := cron.Cron(a.cfg.Watch.Cron, tick); err != nil {
			serviceutil.Fatal("schedule refresh", err)
		}
		slog.Info("watching", "cron", a.cfg.Watch.Cron)
		if watchNow {
			go tick()
		}

		<-ctx.Done()
		<-cron.Stop().Done()
	},
}
