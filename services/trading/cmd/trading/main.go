package main

import (
	"fmt"
	"os"

	baseconfig "github.com/AfshinJalili/tradedesk/libs/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := baseconfig.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "dotenv error: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trading",
		Short:         "Ledger, position engine, strategy bots and settlement workflows",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "path to config.yaml (overrides CEX_CONFIG)")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		path, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		if path != "" {
			return os.Setenv("CEX_CONFIG", path)
		}
		return nil
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}
