package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const cmdName = "votingd"

var configPath string

var rootCmd = &cobra.Command{
	Use:           cmdName,
	Short:         "Auditable vote ledger and ballot print queue",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmdName, err)
		os.Exit(1)
	}
}
