package cli

import (
	"github.com/spf13/cobra"
)

var pushOracleCmd = &cobra.Command{
	Use:   "push-oracle",
	Short: "Collect quotes once and push them to the price oracle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PushOracle(cmd.Context(), cmd.OutOrStdout())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale requests and re-confirm stuck settlements",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sweep(cmd.Context(), cmd.OutOrStdout())
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <request-id>",
	Short: "Resolve a request left in processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reconcile(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}
