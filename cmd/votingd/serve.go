package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"voting-audit/api"
	"voting-audit/service"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the voting and print queue API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		reconciler := service.NewReconciler(a.queue, a.cfg.Reconcile.Interval, a.cfg.Reconcile.Threshold, a.log)
		reconciler.Start(ctx)
		defer reconciler.Stop()

		server := api.NewServer(a.ledger, a.queue, a.registry, a.cfg.Reconcile.Threshold, a.log)
		if err := server.Serve(ctx, a.cfg.Server.Addr); err != nil {
			return err
		}
		a.log.Info().Msg("server shutdown completed")
		return nil
	},
}
