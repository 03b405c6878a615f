package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

var reconcileThreshold time.Duration

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileThreshold, "threshold", 0, "reset PRINTING jobs claimed longer ago than this (default from config)")
	rootCmd.AddCommand(reconcileCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reset stuck print jobs once and report queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		threshold := a.cfg.Reconcile.Threshold
		if reconcileThreshold > 0 {
			threshold = reconcileThreshold
		}
		report, err := a.queue.Reconcile(cmd.Context(), threshold)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}
