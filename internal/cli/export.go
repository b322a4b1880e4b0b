package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bob-ramp/internal/app"
	"bob-ramp/internal/storage"
)

var (
	exportFrom      string
	exportTo        string
	exportLast      time.Duration
	exportStatus    string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export oracle push history as CSV and/or a rate chart",
	Long: `Export reads the oracle_updates history and writes one row per push run.
The PNG chart plots the pushed ask, bid and mid with the number of
contributing exchanges on the secondary axis. Aborted runs carry no price
and only appear in the exchange count.`,
	Example: `  bobramp export --last 24h --png oracle.png
  bobramp export --from 2026-01-01T00:00:00Z --status confirmed --csv pushes.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportLast > 0 && exportFrom != "" {
			return fmt.Errorf("--last and --from are mutually exclusive")
		}
		switch exportStatus {
		case "", storage.OracleConfirmed, storage.OracleFailed, storage.OracleIndeterminate, storage.OracleAborted:
		default:
			return fmt.Errorf("invalid --status %q", exportStatus)
		}

		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Status:    exportStatus,
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportLast > 0 {
			end := time.Now().UTC()
			if opts.To != nil {
				end = *opts.To
			}
			from := end.Add(-exportLast)
			opts.From = &from
		}

		if err := getApp().Export(cmd.Context(), opts); err != nil {
			return err
		}
		for _, path := range []string{exportCSVPath, exportPNGPath} {
			if path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start (RFC3339, inclusive); defaults to max-points oracle intervals before --to")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Window end (RFC3339, exclusive); defaults to now")
	exportCmd.Flags().DurationVar(&exportLast, "last", 0, "Window length ending at --to, e.g. 24h")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "Only export runs with this outcome (confirmed, failed, indeterminate, aborted)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Write the rate chart to this PNG file")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write the push history to this CSV file")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Downsample to at most this many rows (defaults to export.max_data_points)")
}
