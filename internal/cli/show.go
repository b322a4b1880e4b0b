package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bob-ramp/internal/app"
)

var (
	showLimit  int
	showStatus string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent ramp requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Status: showStatus,
		}

		return getApp().Show(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of requests to display")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Only show requests in this status")
}
