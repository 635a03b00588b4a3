package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/irbridge/irgate/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration tools",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print it with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, nil)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		values := cfg.Redacted()
		for _, k := range config.Keys() {
			fmt.Fprintf(tw, "%s\t%s\n", k, values[k])
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.BackendURLDefaulted {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is not set, using %s\n", config.KeyBackendURL, config.DefaultBackendURL)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCheckCmd)
}
