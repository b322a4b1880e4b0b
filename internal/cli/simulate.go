package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var simulateKind string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条模拟告警, 检查告警通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getApp().SimulateAlert(cmd.Context(), simulateKind); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已发送 %s 告警\n", simulateKind)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "ledger_indeterminate", "告警类别 (oracle_aborted, oracle_failed, ledger_indeterminate, settlement_failed, awaiting_approval)")
}
