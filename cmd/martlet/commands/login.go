package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"martlet/internal/scrapers/minerva"
	"martlet/internal/serviceutil"

	"github.com/spf13/cobra"
)

var (
	loginPassword string
	loginRemember bool
	loginNoSync   bool
)

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "The Minerva PIN, read from MARTLET_PASSWORD or stdin when omitted.")
	loginCmd.Flags().BoolVar(&loginRemember, "remember", true, "Keep the username after logging out.")
	loginCmd.Flags().BoolVar(&loginNoSync, "no-sync", false, "Do not refresh everything after logging in.")
	rootCmd.AddCommand(loginCmd)
}

func readPassword() (string, error) {
	if loginPassword != "" {
		return loginPassword, nil
	}
	if password, ok := os.LookupEnv("MARTLET_PASSWORD"); ok {
		return password, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Checks your credentials against Minerva and stores them on this device.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd)
		defer a.Close()

		username := a.state.Preferences().Username
		if len(args) > 0 {
			username = args[0]
		}
		if username == "" {
			serviceutil.Fatal("login", fmt.Errorf("no username given"))
		}
		password, err := readPassword()
		if err != nil {
			serviceutil.Fatal("read password", err)
		}

		status, err := a.account.Login(cmd.Context(), username, password, loginRemember)
		fmt.Printf("[%s] %s\n", status, statusMessage(status))
		if status != minerva.StatusOK {
			if err != nil {
				fmt.Fprintf(os.Stderr, "  error: %v\n", err)
			}
			os.Exit(1)
		}
		fmt.Printf("Logged in as %s.\n", a.account.FullUsername())
		if loginNoSync {
			return
		}

		result, err := a.refresh(cmd.Context(), nil)
		if err != nil {
			serviceutil.Fatal("refresh", err)
		}
		printResult(os.Stdout, result)
	},
}
