package commands

import (
	"fmt"

	"martlet/internal/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(logoutCmd)
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forgets the stored password and every downloaded snapshot.",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd)
		defer a.Close()

		if err := a.account.Logout(cmd.Context()); err != nil {
			serviceutil.Fatal("logout", err)
		}
		if username := a.state.Preferences().Username; username != "" {
			fmt.Printf("Logged out, %s will be suggested next time.\n", username)
			return
		}
		fmt.Println("Logged out.")
	},
}
