package commands

import (
	"errors"
	"fmt"
	"os"

	"martlet/internal/account"
	"martlet/internal/refresh"
	"martlet/internal/scrapers/minerva"
	"martlet/internal/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(refreshCmd)
}

var refreshCmd = &cobra.Command{
	Use:       "refresh [schedule|transcript|ebill|register_terms]...",
	Short:     "Downloads fresh copies of the given entities, all of them by default.",
	ValidArgs: []string{"schedule", "transcript", "ebill", "register_terms"},
	Run: func(cmd *cobra.Command, args []string) {
		kinds, err := parseKinds(args)
		if err != nil {
			serviceutil.Fatal("refresh", err)
		}

		a := mustApp(cmd)
		defer a.Close()

		result, err := a.refresh(cmd.Context(), kinds)
		switch {
		case errors.Is(err, account.ErrNotLoggedIn):
			fmt.Fprintln(os.Stderr, "Not logged in, run `martlet login` first.")
			os.Exit(1)
		case errors.Is(err, refresh.ErrCancelled):
			fmt.Fprintln(os.Stderr, "Refresh cancelled.")
			os.Exit(130)
		case err != nil:
			serviceutil.Fatal("refresh", err)
		}

		printResult(os.Stdout, result)
		if result.Status != minerva.StatusOK {
			os.Exit(1)
		}
	},
}
