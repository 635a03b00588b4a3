package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "irgate",
	Short: "irgate is the session gateway for the IR platform",
	Long: `A backend-for-frontend that owns Auth0 sessions, gates role-scoped pages,
routes each audience to its login connection and proxies the frontend's
API calls to the backend with the user's access token attached.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Optional YAML file with settings (environment wins over defaults, flags win over both)")
}
