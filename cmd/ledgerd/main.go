package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledgerd",
		Short: "Copy-trading ledger service",
		Long:  `Keeps trader registrations, copy relationships, mirrored positions and settlements in a durable ledger`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/config.yaml", "config file")
	rootCmd.AddCommand(newServeCmd(), newInspectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
