package commands

import (
	"fmt"

	"martlet/internal/scrapers/minerva"
	"martlet/internal/serviceutil"

	"github.com/spf13/cobra"
)

var termClear bool

func init() {
	termDefaultCmd.Flags().BoolVar(&termClear, "clear", false, "Go back to following the current term.")
	termCmd.AddCommand(termCurrentCmd)
	termCmd.AddCommand(termDefaultCmd)
	rootCmd.AddCommand(termCmd)
}

var termCmd = &cobra.Command{
	Use:   "term",
	Short: "Shows or selects the term whose schedule is downloaded.",
}

var termCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Prints the current term and the term refresh downloads the schedule of.",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd)
		defer a.Close()

		current := minerva.CurrentTerm(a.clock.Now())
		fmt.Printf("Current term: %s (%s)\n", current, current.Code())
		if selected := a.account.ScheduleTerm(); selected != current {
			fmt.Printf("Schedule term: %s (%s)\n", selected, selected.Code())
		}
	},
}

// parseTermArg accepts either a term code like 201409 or a label like "Fall 2014".
func parseTermArg(arg string) (minerva.Term, error) {
	if term, err := minerva.ParseTermCode(arg); err == nil {
		return term, nil
	}
	return minerva.ParseTerm(arg)
}

var termDefaultCmd = &cobra.Command{
	Use:   "default [term]",
	Short: "Selects the term whose schedule is downloaded, e.g. `201409` or `\"Fall 2014\"`.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd)
		defer a.Close()

		if termClear {
			if err := a.account.SetDefaultTerm(cmd.Context(), nil); err != nil {
				serviceutil.Fatal("clear default term", err)
			}
			fmt.Printf("Following the current term, %s.\n", a.account.ScheduleTerm())
			return
		}
		if len(args) == 0 {
			fmt.Println(a.account.ScheduleTerm())
			return
		}

		term, err := parseTermArg(args[0])
		if err != nil {
			serviceutil.Fatal("parse term", err)
		}
		if err := a.account.SetDefaultTerm(cmd.Context(), &term); err != nil {
			serviceutil.Fatal("set default term", err)
		}
		fmt.Printf("Schedule term set to %s.\n", term)
	},
}
